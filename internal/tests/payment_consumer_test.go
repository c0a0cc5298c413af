package tests

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"ridehail/internal/consumer"
	"ridehail/internal/domain"
	"ridehail/internal/logger"
	"ridehail/internal/queue"
	"ridehail/internal/repository/memory"
	"ridehail/internal/service"
)

// ──────────────────────────────────────────────
// 6. PAYMENT CONSUMER
// ──────────────────────────────────────────────

type consumerFixture struct {
	broker   *queue.Memory
	payments *memory.PaymentRepository
	psp      *MockPSP
	locks    *MockLockStore

	lockRetryDelay time.Duration
}

func newConsumerFixture() *consumerFixture {
	return &consumerFixture{
		broker:   queue.NewMemory(5 * time.Millisecond),
		payments: memory.NewPaymentRepository(),
		psp:      NewMockPSP(),
		locks:    NewMockLockStore(),

		lockRetryDelay: 5 * time.Millisecond,
	}
}

// start runs a consumer until the test ends. The lock store is only wired when withLocks is set.
func (f *consumerFixture) start(t *testing.T, withLocks bool) {
	t.Helper()

	svc := service.NewPaymentService(f.payments, f.psp, logger.NewNop())
	cfg := consumer.Config{Workers: 4, ResubscribeDelay: 10 * time.Millisecond, LockRetryDelay: f.lockRetryDelay}

	var c *consumer.PaymentConsumer
	if withLocks {
		c = consumer.NewPaymentConsumer(f.broker, svc, f.locks, nil, logger.NewNop(), cfg)
	} else {
		c = consumer.NewPaymentConsumer(f.broker, svc, nil, nil, logger.NewNop(), cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (f *consumerFixture) charges() int32 {
	return atomic.LoadInt32(&f.psp.ChargeCallCount)
}

func (f *consumerFixture) publish(t *testing.T, event domain.RideCompletedEvent) {
	t.Helper()
	body, _ := json.Marshal(event)
	if err := f.broker.Publish(context.Background(), domain.TopicRideCompleted, event.RideID, body); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConsumer_DuplicateDeliveryChargesOnce(t *testing.T) {
	t.Parallel()

	f := newConsumerFixture()
	f.start(t, false)
	f.publish(t, completedEvent("ride-1", 21))
	f.publish(t, completedEvent("ride-1", 21))

	waitFor(t, "both deliveries acked", func() bool {
		return f.broker.Stats(domain.TopicRideCompleted).Acked == 2
	})

	if f.charges() != 1 {
		t.Errorf("expected 1 charge, got %d", f.charges())
	}
	if f.payments.CountPayments() != 1 {
		t.Errorf("expected 1 payment, got %d", f.payments.CountPayments())
	}
}

func TestConsumer_FailureIsRedelivered(t *testing.T) {
	t.Parallel()

	f := newConsumerFixture()
	f.psp.FailTimes = 2
	f.start(t, false)
	f.publish(t, completedEvent("ride-1", 21))

	waitFor(t, "payment settled after redelivery", func() bool {
		return f.broker.Stats(domain.TopicRideCompleted).Acked == 1
	})

	stats := f.broker.Stats(domain.TopicRideCompleted)
	if stats.Requeued != 2 {
		t.Errorf("expected 2 requeues, got %d", stats.Requeued)
	}
	if f.psp.SuccessfulCharges("payment:ride:ride-1") != 1 {
		t.Error("expected exactly one successful charge")
	}
}

func TestConsumer_ProcessesManyRides(t *testing.T) {
	t.Parallel()

	f := newConsumerFixture()
	f.start(t, true)
	rides := []string{"ride-1", "ride-2", "ride-3", "ride-4", "ride-5", "ride-6"}
	for _, id := range rides {
		f.publish(t, completedEvent(id, 10))
	}

	waitFor(t, "all rides settled", func() bool {
		return f.broker.Stats(domain.TopicRideCompleted).Acked == len(rides)
	})

	for _, id := range rides {
		if f.psp.SuccessfulCharges(service.PaymentIdempotencyKey(id)) != 1 {
			t.Errorf("ride %s charged %d times", id, f.psp.SuccessfulCharges(service.PaymentIdempotencyKey(id)))
		}
	}
	waitFor(t, "ride locks released", func() bool {
		for _, id := range rides {
			if f.locks.IsLocked(id) {
				return false
			}
		}
		return true
	})
}

func TestConsumer_DropsUndecodableEvents(t *testing.T) {
	t.Parallel()

	f := newConsumerFixture()
	f.start(t, false)
	_ = f.broker.Publish(context.Background(), domain.TopicRideCompleted, "bad", []byte("not json"))
	_ = f.broker.Publish(context.Background(), domain.TopicRideCompleted, "neg", []byte(`{"rideId":"ride-9","fare":-3}`))

	waitFor(t, "invalid events rejected", func() bool {
		return f.broker.Stats(domain.TopicRideCompleted).Nacked == 2
	})

	time.Sleep(30 * time.Millisecond)
	stats := f.broker.Stats(domain.TopicRideCompleted)
	if stats.Requeued != 0 || stats.Nacked != 2 {
		t.Errorf("invalid events must not be requeued: %+v", stats)
	}
	if f.charges() != 0 {
		t.Error("invalid events must not be charged")
	}
}

func TestConsumer_RequeuesWhileAnotherWorkerHoldsRide(t *testing.T) {
	t.Parallel()

	f := newConsumerFixture()
	f.locks.Hold("ride-1")
	f.start(t, true)
	f.publish(t, completedEvent("ride-1", 21))

	waitFor(t, "delivery requeued", func() bool {
		return f.broker.Stats(domain.TopicRideCompleted).Requeued >= 1
	})
	if f.charges() != 0 {
		t.Fatal("ride must not be charged while locked elsewhere")
	}

	_ = f.locks.ReleaseRideLock(context.Background(), "ride-1", "other-worker")

	waitFor(t, "payment settled after lock release", func() bool {
		return f.broker.Stats(domain.TopicRideCompleted).Acked == 1
	})
	if f.charges() != 1 {
		t.Errorf("expected 1 charge, got %d", f.charges())
	}
}

func TestConsumer_WaitsBeforeRequeueingLockedRide(t *testing.T) {
	t.Parallel()

	f := newConsumerFixture()
	f.lockRetryDelay = 200 * time.Millisecond
	f.locks.Hold("ride-1")
	f.start(t, true)
	f.publish(t, completedEvent("ride-1", 21))

	time.Sleep(50 * time.Millisecond)
	if stats := f.broker.Stats(domain.TopicRideCompleted); stats.Requeued != 0 {
		t.Fatalf("expected no requeue before the retry delay, got %+v", stats)
	}

	waitFor(t, "delivery requeued after delay", func() bool {
		return f.broker.Stats(domain.TopicRideCompleted).Requeued >= 1
	})
	if f.charges() != 0 {
		t.Error("ride must not be charged while locked elsewhere")
	}
}
