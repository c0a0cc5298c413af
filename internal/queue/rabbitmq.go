package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"ridehail/internal/logger"
)

// RabbitMQConfig configures the RabbitMQ broker.
type RabbitMQConfig struct {
	URL            string
	Prefetch       int
	PublishTimeout time.Duration
	ConnectRetries int
}

// RabbitMQ publishes to one durable fanout exchange per topic and consumes
// from one durable queue per group bound to it. Publishes wait for publisher
// confirms.
type RabbitMQ struct {
	cfg RabbitMQConfig
	log logger.Logger

	mu        sync.Mutex
	conn      *amqp.Connection
	pubCh     *amqp.Channel
	exchanges map[string]bool
	closed    bool
}

// NewRabbitMQ connects to RabbitMQ, retrying with backoff.
func NewRabbitMQ(ctx context.Context, cfg RabbitMQConfig, log logger.Logger) (*RabbitMQ, error) {
	if cfg.ConnectRetries < 1 {
		cfg.ConnectRetries = 1
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}

	r := &RabbitMQ{
		cfg:       cfg,
		log:       log.With("component", "rabbitmq"),
		exchanges: make(map[string]bool),
	}

	retryDelay := time.Second
	for attempt := 1; ; attempt++ {
		r.mu.Lock()
		err := r.connectLocked()
		r.mu.Unlock()
		if err == nil {
			r.log.Info("connected to rabbitmq", "attempt", attempt)
			return r, nil
		}

		r.log.Error("rabbitmq connection attempt failed", err, "attempt", attempt, "max_retries", cfg.ConnectRetries)
		if attempt == cfg.ConnectRetries {
			return nil, fmt.Errorf("failed to connect after %d attempts: %w", attempt, err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryDelay):
			retryDelay = min(retryDelay*3/2, 30*time.Second)
		}
	}
}

var _ Broker = (*RabbitMQ)(nil)

func (r *RabbitMQ) connectLocked() error {
	conn, err := amqp.Dial(r.cfg.URL)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("enable publisher confirms: %w", err)
	}

	r.conn = conn
	r.pubCh = ch
	r.exchanges = make(map[string]bool)
	return nil
}

// publishChannel returns the confirm channel, reconnecting if it was lost.
func (r *RabbitMQ) publishChannel(topic string) (*amqp.Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}
	if r.conn == nil || r.conn.IsClosed() || r.pubCh == nil || r.pubCh.IsClosed() {
		if r.conn != nil {
			_ = r.conn.Close()
		}
		r.log.Warn("rabbitmq connection lost, reconnecting")
		if err := r.connectLocked(); err != nil {
			return nil, err
		}
	}

	if !r.exchanges[topic] {
		if err := declareExchange(r.pubCh, topic); err != nil {
			return nil, err
		}
		r.exchanges[topic] = true
	}
	return r.pubCh, nil
}

// Publish sends a persistent message to the topic's exchange and waits for the broker's confirm.
func (r *RabbitMQ) Publish(ctx context.Context, topic, key string, body []byte) error {
	ch, err := r.publishChannel(topic)
	if err != nil {
		return err
	}

	publishCtx, cancel := context.WithTimeout(ctx, r.cfg.PublishTimeout)
	defer cancel()

	confirm, err := ch.PublishWithDeferredConfirmWithContext(
		publishCtx,
		topic, // exchange
		key,   // routing key
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    key,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}

	acked, err := confirm.WaitContext(publishCtx)
	if err != nil {
		return fmt.Errorf("wait for confirm on %s: %w", topic, err)
	}
	if !acked {
		return ErrNotConfirmed
	}
	return nil
}

// Subscribe declares the group's queue, binds it to the topic and consumes it with manual ack.
func (r *RabbitMQ) Subscribe(ctx context.Context, topic, group string) (<-chan Delivery, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	if r.conn == nil || r.conn.IsClosed() {
		if err := r.connectLocked(); err != nil {
			r.mu.Unlock()
			return nil, err
		}
	}
	conn := r.conn
	r.mu.Unlock()

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}

	queueName := QueueName(topic, group)
	if err := setupQueue(ch, topic, queueName, r.cfg.Prefetch); err != nil {
		_ = ch.Close()
		return nil, err
	}

	msgs, err := ch.Consume(
		queueName,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("start consuming %s: %w", queueName, err)
	}

	r.log.Info("consumer started", "queue", queueName)

	out := make(chan Delivery)
	go func() {
		defer close(out)
		defer ch.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					r.log.Warn("consumer channel closed", "queue", queueName)
					return
				}
				d := NewDelivery(topic, msg.RoutingKey, msg.Body, msg.Redelivered,
					func() error { return msg.Ack(false) },
					func(requeue bool) error { return msg.Nack(false, requeue) },
				)
				select {
				case out <- d:
				case <-ctx.Done():
					_ = msg.Nack(false, true)
					return
				}
			}
		}
	}()

	return out, nil
}

// Close closes the publish channel and the connection.
func (r *RabbitMQ) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	if r.pubCh != nil {
		_ = r.pubCh.Close()
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}

func declareExchange(ch *amqp.Channel, topic string) error {
	if err := ch.ExchangeDeclare(
		topic,    // name
		"fanout", // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("declare exchange %s: %w", topic, err)
	}
	return nil
}

func setupQueue(ch *amqp.Channel, topic, queueName string, prefetch int) error {
	if prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			return fmt.Errorf("set qos: %w", err)
		}
	}
	if err := declareExchange(ch, topic); err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", queueName, err)
	}
	if err := ch.QueueBind(queueName, "", topic, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", queueName, err)
	}
	return nil
}
