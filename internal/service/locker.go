package service

import (
	"context"
	"sync"
)

// RideLocker serialises operations per ride. Waiters are admitted in the
// order they called Lock, so updates of one ride apply in arrival order.
// Different rides never contend.
type RideLocker struct {
	mu    sync.Mutex
	rides map[string]*rideQueue
}

type rideQueue struct {
	held    bool
	waiters []chan struct{}
}

// NewRideLocker creates an empty locker.
func NewRideLocker() *RideLocker {
	return &RideLocker{rides: make(map[string]*rideQueue)}
}

// Lock blocks until the caller holds the ride, or ctx is done.
// On success the returned function releases the lock.
func (l *RideLocker) Lock(ctx context.Context, rideID string) (func(), error) {
	l.mu.Lock()
	q, ok := l.rides[rideID]
	if !ok {
		q = &rideQueue{}
		l.rides[rideID] = q
	}
	if !q.held {
		q.held = true
		l.mu.Unlock()
		return l.releaser(rideID), nil
	}

	ready := make(chan struct{})
	q.waiters = append(q.waiters, ready)
	l.mu.Unlock()

	select {
	case <-ready:
		return l.releaser(rideID), nil
	case <-ctx.Done():
		l.mu.Lock()
		defer l.mu.Unlock()
		for i, w := range q.waiters {
			if w == ready {
				q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
				return nil, ctx.Err()
			}
		}
		// Ownership was handed over concurrently with the cancellation.
		l.unlockLocked(rideID)
		return nil, ctx.Err()
	}
}

func (l *RideLocker) releaser(rideID string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.unlockLocked(rideID)
		})
	}
}

func (l *RideLocker) unlockLocked(rideID string) {
	q := l.rides[rideID]
	if len(q.waiters) == 0 {
		delete(l.rides, rideID)
		return
	}
	next := q.waiters[0]
	q.waiters = q.waiters[1:]
	close(next)
}

// Len returns the number of rides currently locked.
func (l *RideLocker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.rides)
}
