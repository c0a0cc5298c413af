package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func waiters(l *RideLocker, rideID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if q, ok := l.rides[rideID]; ok {
		return len(q.waiters)
	}
	return 0
}

func waitForWaiters(t *testing.T, l *RideLocker, rideID string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for waiters(l, rideID) != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d waiters, got %d", n, waiters(l, rideID))
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRideLocker_AdmitsInArrivalOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := NewRideLocker()
	release, err := l.Lock(ctx, "ride-1")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			unlock, err := l.Lock(ctx, "ride-1")
			if err != nil {
				t.Errorf("waiter %d: %v", i, err)
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			unlock()
		}(i)
		waitForWaiters(t, l, "ride-1", i+1)
	}

	release()
	wg.Wait()

	for i, got := range order {
		if got != i {
			t.Fatalf("waiters admitted out of order: %v", order)
		}
	}
	if l.Len() != 0 {
		t.Errorf("expected no locked rides, got %d", l.Len())
	}
}

func TestRideLocker_CancelledWaiterLeavesQueue(t *testing.T) {
	t.Parallel()

	l := NewRideLocker()
	release, _ := l.Lock(context.Background(), "ride-1")

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := l.Lock(ctx, "ride-1")
		errCh <- err
	}()
	waitForWaiters(t, l, "ride-1", 1)
	cancel()

	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if waiters(l, "ride-1") != 0 {
		t.Error("cancelled waiter should be removed")
	}

	release()
	if l.Len() != 0 {
		t.Errorf("expected no locked rides, got %d", l.Len())
	}
}

func TestRideLocker_RidesDoNotContend(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	l := NewRideLocker()
	releaseA, err := l.Lock(ctx, "ride-a")
	if err != nil {
		t.Fatalf("lock a: %v", err)
	}
	releaseB, err := l.Lock(ctx, "ride-b")
	if err != nil {
		t.Fatalf("lock b while a is held: %v", err)
	}
	if l.Len() != 2 {
		t.Errorf("expected 2 locked rides, got %d", l.Len())
	}

	releaseA()
	releaseB()
	releaseB()
	if l.Len() != 0 {
		t.Errorf("expected no locked rides, got %d", l.Len())
	}
}
