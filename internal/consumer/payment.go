// Package consumer runs the queue consumers of the payment worker.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/newrelic/go-agent/v3/newrelic"

	"ridehail/internal/domain"
	"ridehail/internal/logger"
	"ridehail/internal/queue"
	"ridehail/internal/redis"
)

// PaymentGroup is the subscriber group of the payment consumer.
const PaymentGroup = "process_payment"

// PaymentProcessor settles one completed ride.
type PaymentProcessor interface {
	ProcessRidePayment(ctx context.Context, event domain.RideCompletedEvent) (*domain.Payment, error)
}

// Config tunes PaymentConsumer.
type Config struct {
	Workers          int
	LockTTL          time.Duration
	ProcessTimeout   time.Duration
	ResubscribeDelay time.Duration
	// LockRetryDelay is how long a delivery waits before being requeued
	// while another worker holds its ride lock.
	LockRetryDelay   time.Duration
}

// PaymentConsumer consumes ride_completed events and triggers payment
// processing. Events are routed to a fixed set of workers by ride id, so
// different rides are processed in parallel and one ride's events serially.
// When a lock store is set, a ride is also locked across worker processes.
type PaymentConsumer struct {
	subscriber queue.Subscriber
	payments   PaymentProcessor
	lockStore  redis.LockStoreInterface
	nrApp      *newrelic.Application
	log        logger.Logger
	cfg        Config
}

// NewPaymentConsumer creates a new PaymentConsumer. lockStore and nrApp may be nil.
func NewPaymentConsumer(
	subscriber queue.Subscriber,
	payments PaymentProcessor,
	lockStore redis.LockStoreInterface,
	nrApp *newrelic.Application,
	log logger.Logger,
	cfg Config,
) *PaymentConsumer {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	if cfg.ProcessTimeout <= 0 {
		cfg.ProcessTimeout = 10 * time.Second
	}
	if cfg.ResubscribeDelay <= 0 {
		cfg.ResubscribeDelay = time.Second
	}
	if cfg.LockRetryDelay <= 0 {
		cfg.LockRetryDelay = time.Second
	}
	return &PaymentConsumer{
		subscriber: subscriber,
		payments:   payments,
		lockStore:  lockStore,
		nrApp:      nrApp,
		log:        log.Action("process_payment"),
		cfg:        cfg,
	}
}

type job struct {
	delivery queue.Delivery
	event    domain.RideCompletedEvent
}

// Run consumes until ctx is done, resubscribing when the subscription is lost.
func (c *PaymentConsumer) Run(ctx context.Context) error {
	shards := make([]chan job, c.cfg.Workers)
	var wg sync.WaitGroup
	for i := range shards {
		shards[i] = make(chan job)
		wg.Add(1)
		go func(jobs <-chan job) {
			defer wg.Done()
			for j := range jobs {
				c.handle(ctx, j)
			}
		}(shards[i])
	}

	defer func() {
		for _, s := range shards {
			close(s)
		}
		wg.Wait()
		c.log.Info("payment consumer stopped")
	}()

	for {
		deliveries, err := c.subscriber.Subscribe(ctx, domain.TopicRideCompleted, PaymentGroup)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Error("subscribe failed", err)
		} else {
			c.log.Info("payment consumer subscribed", "queue", queue.QueueName(domain.TopicRideCompleted, PaymentGroup))
			c.route(deliveries, shards)
		}

		if ctx.Err() != nil {
			return nil
		}
		c.log.Warn("subscription lost, resubscribing", "delay", c.cfg.ResubscribeDelay)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.cfg.ResubscribeDelay):
		}
	}
}

func (c *PaymentConsumer) route(deliveries <-chan queue.Delivery, shards []chan job) {
	for d := range deliveries {
		var event domain.RideCompletedEvent
		if err := json.Unmarshal(d.Body, &event); err != nil || event.RideID == "" {
			c.log.Error("dropping undecodable event", err, "body", string(d.Body))
			_ = d.Nack(false)
			continue
		}
		shards[shardOf(event.RideID, len(shards))] <- job{delivery: d, event: event}
	}
}

func shardOf(rideID string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(rideID))
	return int(h.Sum32() % uint32(n))
}

func (c *PaymentConsumer) handle(ctx context.Context, j job) {
	log := c.log.With("ride_id", j.event.RideID, "redelivered", j.delivery.Redelivered)

	if c.nrApp != nil {
		txn := c.nrApp.StartTransaction("consume/" + domain.TopicRideCompleted)
		txn.AddAttribute("ride_id", j.event.RideID)
		defer txn.End()
		ctx = newrelic.NewContext(ctx, txn)
	}

	if c.lockStore != nil {
		token, ok, err := c.lockStore.AcquireRideLock(ctx, j.event.RideID, c.cfg.LockTTL)
		if err != nil {
			log.Error("failed to acquire ride lock", err)
			c.settle(log, j.delivery, err)
			return
		}
		if !ok {
			log.Info("ride payment held by another worker, requeueing", "delay", c.cfg.LockRetryDelay)
			select {
			case <-ctx.Done():
			case <-time.After(c.cfg.LockRetryDelay):
			}
			c.nack(log, j.delivery, true)
			return
		}
		defer func() {
			if err := c.lockStore.ReleaseRideLock(context.WithoutCancel(ctx), j.event.RideID, token); err != nil {
				log.Warn("failed to release ride lock", "error", err)
			}
		}()
	}

	processCtx, cancel := context.WithTimeout(ctx, c.cfg.ProcessTimeout)
	defer cancel()

	_, err := c.payments.ProcessRidePayment(processCtx, j.event)
	if err != nil {
		newrelic.FromContext(ctx).NoticeError(err)
		log.Error("payment processing failed", err)
	}
	c.settle(log, j.delivery, err)
}

// settle acks on success, drops invalid events and requeues everything else.
func (c *PaymentConsumer) settle(log logger.Logger, d queue.Delivery, err error) {
	switch {
	case err == nil:
		if ackErr := d.Ack(); ackErr != nil {
			log.Error("ack failed", ackErr)
		}
	case errors.Is(err, domain.ErrValidation):
		c.nack(log, d, false)
	default:
		c.nack(log, d, true)
	}
}

func (c *PaymentConsumer) nack(log logger.Logger, d queue.Delivery, requeue bool) {
	if err := d.Nack(requeue); err != nil {
		log.Error("nack failed", err, "requeue", requeue)
	}
}
