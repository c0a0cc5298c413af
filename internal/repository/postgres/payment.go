package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"ridehail/internal/domain"
	"ridehail/internal/repository"
)

// PaymentRepository is a PostgreSQL implementation of repository.PaymentRepository.
type PaymentRepository struct {
	q Querier
}

// NewPaymentRepository creates a new PostgreSQL payment repository.
func NewPaymentRepository(db *sql.DB) *PaymentRepository {
	return &PaymentRepository{q: db}
}

var _ repository.PaymentRepository = (*PaymentRepository)(nil)

const paymentColumns = `id, ride_id, amount, status, idempotency_key, attempts, created_at, updated_at`

// Create persists a new payment.
func (r *PaymentRepository) Create(ctx context.Context, payment *domain.Payment) error {
	query := `
		INSERT INTO payments (` + paymentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := r.q.ExecContext(ctx, query,
		payment.ID,
		payment.RideID,
		payment.Amount,
		payment.Status,
		payment.IdempotencyKey,
		payment.Attempts,
		payment.CreatedAt,
		payment.UpdatedAt,
	)
	if _, ok := uniqueViolationOn(err); ok {
		return repository.ErrDuplicateKey
	}
	return err
}

// GetByID retrieves a payment by ID.
func (r *PaymentRepository) GetByID(ctx context.Context, id string) (*domain.Payment, error) {
	return r.getOne(ctx, "id", id)
}

// GetByIdempotencyKey returns nil, nil when no payment carries the key.
func (r *PaymentRepository) GetByIdempotencyKey(ctx context.Context, key string) (*domain.Payment, error) {
	payment, err := r.getOne(ctx, "idempotency_key", key)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	return payment, err
}

// GetByRideID retrieves the payment of a ride.
func (r *PaymentRepository) GetByRideID(ctx context.Context, rideID string) (*domain.Payment, error) {
	return r.getOne(ctx, "ride_id", rideID)
}

// getOne looks a payment up by one of its unique columns.
func (r *PaymentRepository) getOne(ctx context.Context, column, value string) (*domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE ` + column + ` = $1`

	payment, err := scanPayment(r.q.QueryRowContext(ctx, query, value))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	return payment, err
}

// RecordAttempt stores a charge outcome. The status guard keeps settled
// payments immutable even when two workers race on the same ride.
func (r *PaymentRepository) RecordAttempt(ctx context.Context, id string, status domain.PaymentStatus) error {
	query := `
		UPDATE payments SET status = $1, attempts = attempts + 1, updated_at = $2
		WHERE id = $3 AND status = $4
	`

	result, err := r.q.ExecContext(ctx, query, status, time.Now(), id, domain.PaymentStatusPending)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows > 0 {
		return nil
	}

	if _, err := r.GetByID(ctx, id); err != nil {
		return err
	}
	return repository.ErrVersionConflict
}

func scanPayment(row rowScanner) (*domain.Payment, error) {
	var payment domain.Payment
	err := row.Scan(
		&payment.ID,
		&payment.RideID,
		&payment.Amount,
		&payment.Status,
		&payment.IdempotencyKey,
		&payment.Attempts,
		&payment.CreatedAt,
		&payment.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &payment, nil
}
