// Package queue carries background optimization work items. Every driver
// delivers at least once: a handler error leaves the item for redelivery.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/camden-git/imageoptimizer/services"
)

const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
	DriverKafka  = "kafka"
)

var ErrClosed = errors.New("queue closed")

// WorkItem is one upload's whole variant set.
type WorkItem struct {
	ID         string                 `json:"id"`
	Job        services.AttachmentJob `json:"job"`
	EnqueuedAt time.Time              `json:"enqueued_at"`
}

// NewWorkItem wraps job with a fresh id.
func NewWorkItem(job services.AttachmentJob) WorkItem {
	return WorkItem{ID: uuid.NewString(), Job: job, EnqueuedAt: time.Now().UTC()}
}

func (w WorkItem) encode() ([]byte, error) {
	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("failed to encode work item %s: %w", w.ID, err)
	}
	return data, nil
}

func decode(data []byte) (WorkItem, error) {
	var w WorkItem
	if err := json.Unmarshal(data, &w); err != nil {
		return WorkItem{}, fmt.Errorf("failed to decode work item: %w", err)
	}
	return w, nil
}

type Producer interface {
	Publish(ctx context.Context, item WorkItem) error
	Close() error
}

type Handler interface {
	Handle(ctx context.Context, item WorkItem) error
}

// Consumer runs until ctx is cancelled.
type Consumer interface {
	Start(ctx context.Context) error
}

// retryBackOff paces reconnect attempts after read failures.
func retryBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// sleep waits d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
