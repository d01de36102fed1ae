package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/camden-git/imageoptimizer/config"
	"github.com/camden-git/imageoptimizer/metrics"
)

const payloadField = "payload"

// RedisProducer appends work items to a stream.
type RedisProducer struct {
	client *redis.Client
	stream string
}

func NewRedisProducer(client *redis.Client, stream string) *RedisProducer {
	return &RedisProducer{client: client, stream: stream}
}

func (p *RedisProducer) Publish(ctx context.Context, item WorkItem) error {
	data, err := item.encode()
	if err != nil {
		return err
	}
	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]interface{}{payloadField: data},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to add work item %s to stream %s: %w", item.ID, p.stream, err)
	}
	metrics.QueueMessages.WithLabelValues(DriverRedis, "published").Inc()
	return nil
}

// Close is a no-op; the client is shared with the cache.
func (p *RedisProducer) Close() error { return nil }

// RedisConsumer reads a stream through a consumer group and reclaims items
// another consumer left unacknowledged for longer than claimInterval.
type RedisConsumer struct {
	client        *redis.Client
	stream        string
	group         string
	consumer      string
	claimInterval time.Duration
	logger        zerolog.Logger
	handler       Handler
}

func NewRedisConsumer(client *redis.Client, cfg config.RedisConfig, claimInterval time.Duration, logger zerolog.Logger, handler Handler) *RedisConsumer {
	if claimInterval <= 0 {
		claimInterval = time.Minute
	}
	return &RedisConsumer{
		client:        client,
		stream:        cfg.Stream,
		group:         cfg.Group,
		consumer:      cfg.Consumer,
		claimInterval: claimInterval,
		logger:        logger,
		handler:       handler,
	}
}

// ensureGroup creates the stream and group; an existing group is fine.
func (c *RedisConsumer) ensureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group %s: %w", c.group, err)
	}
	return nil
}

func (c *RedisConsumer) Start(ctx context.Context) error {
	if err := c.ensureGroup(ctx); err != nil {
		return err
	}
	ticker := time.NewTicker(c.claimInterval)
	defer ticker.Stop()
	b := retryBackOff()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			if err := c.read(ctx); err != nil {
				if errors.Is(err, context.Canceled) {
					return err
				}
				wait := b.NextBackOff()
				c.logger.Error().Err(err).Dur("retry_in", wait).Msg("queue.redis: stream read error")
				if err := sleep(ctx, wait); err != nil {
					return err
				}
			} else {
				b.Reset()
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.claimStalled(ctx); err != nil {
				c.logger.Warn().Err(err).Msg("queue.redis: claim pass failed")
			}
		default:
		}
	}
}

func (c *RedisConsumer) read(ctx context.Context) error {
	result, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumer,
		Streams:  []string{c.stream, ">"},
		Count:    10,
		Block:    5 * time.Second,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}

	for _, stream := range result {
		for _, msg := range stream.Messages {
			c.process(ctx, msg)
		}
	}
	return nil
}

// process acks msg unless the handler failed. Undecodable payloads are acked
// so they do not circulate forever.
func (c *RedisConsumer) process(ctx context.Context, msg redis.XMessage) {
	raw, _ := msg.Values[payloadField].(string)
	item, err := decode([]byte(raw))
	if err != nil {
		metrics.QueueMessages.WithLabelValues(DriverRedis, "invalid").Inc()
		c.logger.Error().Err(err).Str("message_id", msg.ID).Msg("queue.redis: dropping invalid message")
		c.ack(ctx, msg.ID)
		return
	}
	if err := c.handler.Handle(ctx, item); err != nil {
		metrics.QueueMessages.WithLabelValues(DriverRedis, "failed").Inc()
		c.logger.Error().Err(err).Str("message_id", msg.ID).Str("item", item.ID).Msg("queue.redis: handle message failed")
		return
	}
	metrics.QueueMessages.WithLabelValues(DriverRedis, "acked").Inc()
	c.ack(ctx, msg.ID)
}

func (c *RedisConsumer) ack(ctx context.Context, id string) {
	if err := c.client.XAck(ctx, c.stream, c.group, id).Err(); err != nil {
		c.logger.Error().Err(err).Str("message_id", id).Msg("queue.redis: ack failed")
	}
}

func (c *RedisConsumer) claimStalled(ctx context.Context) error {
	pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.stream,
		Group:  c.group,
		Start:  "-",
		End:    "+",
		Count:  10,
	}).Result()
	if err != nil {
		return err
	}

	for _, entry := range pending {
		if entry.Idle < c.claimInterval {
			continue
		}
		msgs, err := c.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   c.stream,
			Group:    c.group,
			Consumer: c.consumer,
			MinIdle:  c.claimInterval,
			Messages: []string{entry.ID},
		}).Result()
		if err != nil {
			c.logger.Error().Err(err).Str("message_id", entry.ID).Msg("queue.redis: claim error")
			continue
		}
		for _, msg := range msgs {
			metrics.QueueMessages.WithLabelValues(DriverRedis, "reclaimed").Inc()
			c.process(ctx, msg)
		}
	}
	return nil
}
