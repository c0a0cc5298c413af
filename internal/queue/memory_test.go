package queue

import (
	"context"
	"errors"
	"testing"
	"time"
)

func receive(t *testing.T, ch <-chan Delivery) Delivery {
	t.Helper()
	select {
	case d, ok := <-ch:
		if !ok {
			t.Fatal("subscription closed")
		}
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	return Delivery{}
}

func expectNone(t *testing.T, ch <-chan Delivery, wait time.Duration) {
	t.Helper()
	select {
	case d := <-ch:
		t.Fatalf("unexpected delivery %s", d.Body)
	case <-time.After(wait):
	}
}

func TestQueueName(t *testing.T) {
	t.Parallel()

	if got := QueueName("ride_completed", "process_payment"); got != "ride_completed.process_payment" {
		t.Errorf("unexpected queue name %q", got)
	}
}

func TestMemory_PublishThenSubscribeReplays(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := NewMemory(10 * time.Millisecond)
	if err := broker.Publish(ctx, "ride_completed", "r-1", []byte(`{"rideId":"r-1"}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	deliveries, err := broker.Subscribe(ctx, "ride_completed", "process_payment")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	d := receive(t, deliveries)
	if d.Key != "r-1" || string(d.Body) != `{"rideId":"r-1"}` || d.Redelivered {
		t.Errorf("unexpected delivery: %+v", d)
	}
	if err := d.Ack(); err != nil {
		t.Fatalf("ack: %v", err)
	}

	stats := broker.Stats("ride_completed")
	if stats.Published != 1 || stats.Acked != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestMemory_GroupsConsumeIndependently(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := NewMemory(10 * time.Millisecond)
	payments, _ := broker.Subscribe(ctx, "ride_completed", "process_payment")
	receipts, _ := broker.Subscribe(ctx, "ride_completed", "send_receipt")

	_ = broker.Publish(ctx, "ride_completed", "r-1", []byte("x"))

	_ = receive(t, payments).Ack()
	_ = receive(t, receipts).Ack()
}

func TestMemory_NackRequeueRedelivers(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := NewMemory(10 * time.Millisecond)
	deliveries, _ := broker.Subscribe(ctx, "ride_completed", "process_payment")
	_ = broker.Publish(ctx, "ride_completed", "r-1", []byte("x"))

	first := receive(t, deliveries)
	if err := first.Nack(true); err != nil {
		t.Fatalf("nack: %v", err)
	}

	second := receive(t, deliveries)
	if !second.Redelivered {
		t.Error("requeued delivery should be marked redelivered")
	}
	_ = second.Ack()

	stats := broker.Stats("ride_completed")
	if stats.Requeued != 1 || stats.Acked != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestMemory_NackWithoutRequeueDrops(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := NewMemory(time.Millisecond)
	deliveries, _ := broker.Subscribe(ctx, "ride_completed", "process_payment")
	_ = broker.Publish(ctx, "ride_completed", "r-1", []byte("x"))

	_ = receive(t, deliveries).Nack(false)
	expectNone(t, deliveries, 50*time.Millisecond)
}

func TestDelivery_SettleOnce(t *testing.T) {
	t.Parallel()

	acks := 0
	d := NewDelivery("t", "k", nil, false,
		func() error { acks++; return nil },
		func(bool) error { return nil },
	)

	if err := d.Ack(); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if err := d.Ack(); !errors.Is(err, ErrAlreadySettled) {
		t.Errorf("expected ErrAlreadySettled, got %v", err)
	}
	if err := d.Nack(true); !errors.Is(err, ErrAlreadySettled) {
		t.Errorf("expected ErrAlreadySettled, got %v", err)
	}
	if acks != 1 {
		t.Errorf("expected 1 ack, got %d", acks)
	}
}

func TestMemory_ClosedRejectsPublish(t *testing.T) {
	t.Parallel()

	broker := NewMemory(0)
	_ = broker.Close()

	if err := broker.Publish(context.Background(), "t", "k", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if _, err := broker.Subscribe(context.Background(), "t", "g"); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestMemory_SubscriptionClosesOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	broker := NewMemory(0)
	deliveries, _ := broker.Subscribe(ctx, "t", "g")
	cancel()

	select {
	case _, ok := <-deliveries:
		if ok {
			t.Error("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("subscription did not close")
	}
}
