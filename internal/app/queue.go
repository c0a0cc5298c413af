package app

import (
	"context"
	"fmt"

	"ridehail/internal/config"
	"ridehail/internal/logger"
	"ridehail/internal/queue"
)

// NewBroker connects the configured message broker. The memory broker only
// links publishers and consumers inside one process.
func NewBroker(ctx context.Context, cfg *config.Config, log logger.Logger) (queue.Broker, error) {
	switch cfg.Queue.Driver {
	case config.QueueDriverRabbitMQ:
		broker, err := queue.NewRabbitMQ(ctx, queue.RabbitMQConfig{
			URL:            cfg.Queue.RabbitMQURL,
			Prefetch:       cfg.Queue.Prefetch,
			PublishTimeout: cfg.Queue.PublishTimeout,
			ConnectRetries: cfg.Queue.ConnectRetries,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
		}
		return broker, nil

	case config.QueueDriverKafka:
		return queue.NewKafka(queue.KafkaConfig{
			Brokers:        cfg.Queue.KafkaBrokers,
			PublishTimeout: cfg.Queue.PublishTimeout,
		}, log), nil

	case config.QueueDriverMemory:
		return queue.NewMemory(cfg.Payment.RedeliveryDelay), nil

	default:
		return nil, fmt.Errorf("unknown queue driver %q", cfg.Queue.Driver)
	}
}
