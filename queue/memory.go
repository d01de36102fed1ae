package queue

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/camden-git/imageoptimizer/metrics"
)

// Memory is an in-process queue. Failed items are put back after a pause;
// nothing survives a restart.
type Memory struct {
	items   chan WorkItem
	handler Handler
	logger  zerolog.Logger
	retry   time.Duration

	mu     sync.RWMutex
	closed bool
}

func NewMemory(size int, handler Handler, logger zerolog.Logger) *Memory {
	if size <= 0 {
		size = 100
	}
	return &Memory{
		items:   make(chan WorkItem, size),
		handler: handler,
		logger:  logger,
		retry:   5 * time.Second,
	}
}

func (m *Memory) Publish(ctx context.Context, item WorkItem) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	select {
	case m.items <- item:
		metrics.QueueMessages.WithLabelValues(DriverMemory, "published").Inc()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Memory) Start(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case item, ok := <-m.items:
			if !ok {
				return ErrClosed
			}
			if err := m.handler.Handle(ctx, item); err != nil {
				metrics.QueueMessages.WithLabelValues(DriverMemory, "failed").Inc()
				m.logger.Error().Err(err).Str("item", item.ID).Msg("queue.memory: handle failed, requeueing")
				go m.requeue(ctx, item)
				continue
			}
			metrics.QueueMessages.WithLabelValues(DriverMemory, "acked").Inc()
		}
	}
}

func (m *Memory) requeue(ctx context.Context, item WorkItem) {
	if sleep(ctx, m.retry) != nil {
		return
	}
	if err := m.Publish(ctx, item); err != nil {
		m.logger.Warn().Err(err).Str("item", item.ID).Msg("queue.memory: dropped item")
	}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.items)
	}
	return nil
}
