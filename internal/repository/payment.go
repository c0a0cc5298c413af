package repository

import (
	"context"

	"ridehail/internal/domain"
)

// PaymentRepository defines the persistence operations for payments.
type PaymentRepository interface {
	// Create persists a new payment. Returns ErrDuplicateKey if the idempotency key is taken.
	Create(ctx context.Context, payment *domain.Payment) error

	// GetByID retrieves a payment by ID.
	GetByID(ctx context.Context, id string) (*domain.Payment, error)

	// GetByIdempotencyKey retrieves a payment by its idempotency key.
	// Returns nil if no payment exists with the given key.
	GetByIdempotencyKey(ctx context.Context, key string) (*domain.Payment, error)

	// GetByRideID retrieves the payment of a ride.
	GetByRideID(ctx context.Context, rideID string) (*domain.Payment, error)

	// RecordAttempt stores the outcome of a charge attempt on a pending payment
	// and increments its attempt counter. Settled payments never change: the
	// call then returns ErrVersionConflict.
	RecordAttempt(ctx context.Context, id string, status domain.PaymentStatus) error
}
