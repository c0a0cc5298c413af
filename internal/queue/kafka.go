package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"ridehail/internal/logger"
)

const redeliveredHeader = "x-redelivered"

// KafkaConfig configures the Kafka broker.
type KafkaConfig struct {
	Brokers        []string
	PublishTimeout time.Duration
}

// Kafka publishes with acknowledgement from all in-sync replicas and consumes
// with one consumer group per subscriber group. A subscription hands out one
// message at a time and commits its offset on Ack. Nack with requeue
// republishes the message to the end of the topic before committing. If a
// settle fails the subscription channel is closed and the caller resubscribes.
type Kafka struct {
	cfg    KafkaConfig
	log    logger.Logger
	writer *kafka.Writer

	mu     sync.Mutex
	closed bool
}

// NewKafka creates a Kafka broker. Connections are opened lazily.
func NewKafka(cfg KafkaConfig, log logger.Logger) *Kafka {
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	return &Kafka{
		cfg: cfg,
		log: log.With("component", "kafka"),
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
			WriteTimeout:           cfg.PublishTimeout,
		},
	}
}

var _ Broker = (*Kafka)(nil)

// Publish writes the message keyed by key, so messages of one key stay in order.
func (k *Kafka) Publish(ctx context.Context, topic, key string, body []byte) error {
	return k.write(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: body,
		Time:  time.Now(),
	})
}

func (k *Kafka) write(ctx context.Context, msg kafka.Message) error {
	k.mu.Lock()
	closed := k.closed
	k.mu.Unlock()
	if closed {
		return ErrClosed
	}

	publishCtx, cancel := context.WithTimeout(ctx, k.cfg.PublishTimeout)
	defer cancel()

	if err := k.writer.WriteMessages(publishCtx, msg); err != nil {
		return fmt.Errorf("publish to %s: %w", msg.Topic, err)
	}
	return nil
}

// Subscribe joins the consumer group "<topic>.<group>".
func (k *Kafka) Subscribe(ctx context.Context, topic, group string) (<-chan Delivery, error) {
	k.mu.Lock()
	closed := k.closed
	k.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.cfg.Brokers,
		GroupID:     QueueName(topic, group),
		Topic:       topic,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: kafka.FirstOffset,
	})

	k.log.Info("consumer started", "topic", topic, "group", QueueName(topic, group))

	out := make(chan Delivery)
	go k.consume(ctx, reader, topic, out)
	return out, nil
}

func (k *Kafka) consume(ctx context.Context, reader *kafka.Reader, topic string, out chan<- Delivery) {
	defer close(out)
	defer k.closeReader(reader)

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			k.log.Error("fetch message failed", err, "topic", topic)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		settled := make(chan error, 1)
		d := NewDelivery(topic, string(msg.Key), msg.Value, isRedelivered(msg),
			func() error {
				err := reader.CommitMessages(context.WithoutCancel(ctx), msg)
				settled <- err
				return err
			},
			func(requeue bool) error {
				err := k.settleNack(context.WithoutCancel(ctx), reader, msg, requeue)
				settled <- err
				return err
			},
		)

		select {
		case out <- d:
		case <-ctx.Done():
			return
		}

		select {
		case err := <-settled:
			if err != nil {
				// Offset stays uncommitted; restarting the reader resumes from the last commit.
				k.log.Error("settle message failed, closing subscription", err, "topic", topic)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (k *Kafka) settleNack(ctx context.Context, reader *kafka.Reader, msg kafka.Message, requeue bool) error {
	if requeue {
		retry := kafka.Message{
			Topic:   msg.Topic,
			Key:     msg.Key,
			Value:   msg.Value,
			Headers: []kafka.Header{{Key: redeliveredHeader, Value: []byte("true")}},
			Time:    time.Now(),
		}
		if err := k.write(ctx, retry); err != nil {
			return err
		}
	}
	return reader.CommitMessages(ctx, msg)
}

func isRedelivered(msg kafka.Message) bool {
	for _, h := range msg.Headers {
		if h.Key == redeliveredHeader {
			return true
		}
	}
	return false
}

func (k *Kafka) closeReader(reader *kafka.Reader) {
	if err := reader.Close(); err != nil {
		k.log.Warn("close reader failed", "error", err)
	}
}

// Close closes the writer. Readers close when their subscription context ends.
func (k *Kafka) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return nil
	}
	k.closed = true
	return k.writer.Close()
}
