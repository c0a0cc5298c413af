package memory

import (
	"context"
	"sync"
	"time"

	"ridehail/internal/domain"
	"ridehail/internal/repository"
)

// PaymentRepository is an in-memory implementation of repository.PaymentRepository.
type PaymentRepository struct {
	mu       sync.RWMutex
	payments map[string]*domain.Payment
}

// NewPaymentRepository creates an empty in-memory payment repository.
func NewPaymentRepository() *PaymentRepository {
	return &PaymentRepository{
		payments: make(map[string]*domain.Payment),
	}
}

var _ repository.PaymentRepository = (*PaymentRepository)(nil)

// Create persists a new payment.
func (m *PaymentRepository) Create(ctx context.Context, payment *domain.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if p.IdempotencyKey == payment.IdempotencyKey || p.RideID == payment.RideID {
			return repository.ErrDuplicateKey
		}
	}
	stored := *payment
	m.payments[payment.ID] = &stored
	return nil
}

// GetByID retrieves a payment by ID.
func (m *PaymentRepository) GetByID(ctx context.Context, id string) (*domain.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	payment, ok := m.payments[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copy := *payment
	return &copy, nil
}

// GetByIdempotencyKey returns nil when no payment carries the key.
func (m *PaymentRepository) GetByIdempotencyKey(ctx context.Context, key string) (*domain.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.payments {
		if p.IdempotencyKey == key {
			copy := *p
			return &copy, nil
		}
	}
	return nil, nil
}

// GetByRideID retrieves the payment of a ride.
func (m *PaymentRepository) GetByRideID(ctx context.Context, rideID string) (*domain.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.payments {
		if p.RideID == rideID {
			copy := *p
			return &copy, nil
		}
	}
	return nil, repository.ErrNotFound
}

// RecordAttempt stores a charge outcome on a pending payment.
func (m *PaymentRepository) RecordAttempt(ctx context.Context, id string, status domain.PaymentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	payment, ok := m.payments[id]
	if !ok {
		return repository.ErrNotFound
	}
	if payment.Status != domain.PaymentStatusPending {
		return repository.ErrVersionConflict
	}
	payment.Status = status
	payment.Attempts++
	payment.UpdatedAt = time.Now()
	return nil
}

// CountPayments returns the number of payments.
func (m *PaymentRepository) CountPayments() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.payments)
}
