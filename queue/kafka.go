package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/camden-git/imageoptimizer/config"
	"github.com/camden-git/imageoptimizer/metrics"
)

type KafkaProducer struct {
	writer *kafka.Writer
}

func NewKafkaProducer(cfg config.KafkaConfig) *KafkaProducer {
	return &KafkaProducer{writer: &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}}
}

func (p *KafkaProducer) Publish(ctx context.Context, item WorkItem) error {
	data, err := item.encode()
	if err != nil {
		return err
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(item.ID), Value: data})
	if err != nil {
		return fmt.Errorf("failed to write work item %s to kafka: %w", item.ID, err)
	}
	metrics.QueueMessages.WithLabelValues(DriverKafka, "published").Inc()
	return nil
}

func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}

// KafkaConsumer commits an offset only after the handler succeeded, so a
// crash mid-item redelivers it to the group.
type KafkaConsumer struct {
	reader  *kafka.Reader
	logger  zerolog.Logger
	handler Handler
}

func NewKafkaConsumer(cfg config.KafkaConfig, logger zerolog.Logger, handler Handler) *KafkaConsumer {
	return &KafkaConsumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers: cfg.Brokers,
			Topic:   cfg.Topic,
			GroupID: cfg.GroupID,
		}),
		logger:  logger,
		handler: handler,
	}
}

func (c *KafkaConsumer) Start(ctx context.Context) error {
	defer c.reader.Close()
	b := retryBackOff()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return ctx.Err()
			}
			wait := b.NextBackOff()
			c.logger.Error().Err(err).Dur("retry_in", wait).Msg("queue.kafka: fetch failed")
			if err := sleep(ctx, wait); err != nil {
				return err
			}
			continue
		}
		b.Reset()

		item, err := decode(msg.Value)
		if err != nil {
			metrics.QueueMessages.WithLabelValues(DriverKafka, "invalid").Inc()
			c.logger.Error().Err(err).Int64("offset", msg.Offset).Msg("queue.kafka: dropping invalid message")
			c.commit(ctx, msg)
			continue
		}

		// retry in place: committing past a failed item would lose it
		for {
			err := c.handler.Handle(ctx, item)
			if err == nil {
				break
			}
			metrics.QueueMessages.WithLabelValues(DriverKafka, "failed").Inc()
			wait := b.NextBackOff()
			c.logger.Error().Err(err).Str("item", item.ID).Dur("retry_in", wait).Msg("queue.kafka: handle failed")
			if err := sleep(ctx, wait); err != nil {
				return err
			}
		}
		b.Reset()
		metrics.QueueMessages.WithLabelValues(DriverKafka, "acked").Inc()
		c.commit(ctx, msg)
	}
}

func (c *KafkaConsumer) commit(ctx context.Context, msg kafka.Message) {
	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		c.logger.Error().Err(err).Int64("offset", msg.Offset).Msg("queue.kafka: commit failed")
	}
}
