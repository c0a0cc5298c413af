package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"ridehail/internal/domain"
	"ridehail/internal/repository"
)

// driverActiveIndex is the partial unique index allowing one active ride per driver.
const driverActiveIndex = "rides_driver_active_idx"

const rideColumns = `id, passenger_id, driver_id, status, from_lat, from_long, to_lat, to_long,
	distance, last_lat, last_long, fare, position_count, dispatch_pending, version,
	created_at, updated_at, completed_at`

// RideRepository is a PostgreSQL implementation of repository.RideRepository
// and repository.PositionRepository.
type RideRepository struct {
	db *sql.DB
	q  Querier
}

// NewRideRepository creates a new PostgreSQL ride repository.
func NewRideRepository(db *sql.DB) *RideRepository {
	return &RideRepository{db: db, q: db}
}

// Ensure RideRepository implements the repository interfaces.
var (
	_ repository.RideRepository     = (*RideRepository)(nil)
	_ repository.PositionRepository = (*RideRepository)(nil)
)

// Create persists a new ride.
func (r *RideRepository) Create(ctx context.Context, ride *domain.Ride) error {
	query := `
		INSERT INTO rides (` + rideColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`

	var completedAt sql.NullTime
	if !ride.CompletedAt.IsZero() {
		completedAt = sql.NullTime{Time: ride.CompletedAt, Valid: true}
	}

	_, err := r.q.ExecContext(ctx, query,
		ride.ID,
		ride.PassengerID,
		nullString(ride.DriverID),
		ride.Status,
		ride.FromLat,
		ride.FromLong,
		ride.ToLat,
		ride.ToLong,
		ride.Distance,
		ride.LastLat,
		ride.LastLong,
		ride.Fare,
		ride.PositionCount,
		ride.DispatchPending,
		ride.Version,
		ride.CreatedAt,
		ride.UpdatedAt,
		completedAt,
	)
	if _, ok := uniqueViolationOn(err); ok {
		return repository.ErrDuplicateKey
	}
	return err
}

// GetByID retrieves a ride by ID.
func (r *RideRepository) GetByID(ctx context.Context, id string) (*domain.Ride, error) {
	query := `SELECT ` + rideColumns + ` FROM rides WHERE id = $1`

	ride, err := scanRide(r.q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return ride, nil
}

// Update writes the ride if its version is current.
func (r *RideRepository) Update(ctx context.Context, ride *domain.Ride) error {
	return r.update(ctx, r.q, ride)
}

// AppendPosition writes the ride and its new position in one transaction.
func (r *RideRepository) AppendPosition(ctx context.Context, ride *domain.Ride, position domain.Position) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	version := ride.Version
	if err := r.appendPosition(ctx, tx, ride, position); err != nil {
		_ = tx.Rollback()
		ride.Version = version
		return err
	}

	if err := tx.Commit(); err != nil {
		ride.Version = version
		return err
	}
	return nil
}

func (r *RideRepository) appendPosition(ctx context.Context, q Querier, ride *domain.Ride, position domain.Position) error {
	if err := r.update(ctx, q, ride); err != nil {
		return err
	}

	if position.ID == "" {
		position.ID = uuid.New().String()
	}
	query := `
		INSERT INTO positions (id, ride_id, lat, long, sequence, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := q.ExecContext(ctx, query,
		position.ID,
		position.RideID,
		position.Lat,
		position.Long,
		position.Sequence,
		position.RecordedAt,
	)
	if _, ok := uniqueViolationOn(err); ok {
		return repository.ErrVersionConflict
	}
	return err
}

func (r *RideRepository) update(ctx context.Context, q Querier, ride *domain.Ride) error {
	query := `
		UPDATE rides
		SET driver_id = $1, status = $2, distance = $3, last_lat = $4, last_long = $5, fare = $6,
			position_count = $7, dispatch_pending = $8, updated_at = $9, completed_at = $10,
			version = version + 1
		WHERE id = $11 AND version = $12
	`

	var completedAt sql.NullTime
	if !ride.CompletedAt.IsZero() {
		completedAt = sql.NullTime{Time: ride.CompletedAt, Valid: true}
	}

	result, err := q.ExecContext(ctx, query,
		nullString(ride.DriverID),
		ride.Status,
		ride.Distance,
		ride.LastLat,
		ride.LastLong,
		ride.Fare,
		ride.PositionCount,
		ride.DispatchPending,
		ride.UpdatedAt,
		completedAt,
		ride.ID,
		ride.Version,
	)
	if err != nil {
		if constraint, ok := uniqueViolationOn(err); ok && constraint == driverActiveIndex {
			return repository.ErrDriverBusy
		}
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		var exists bool
		if err := q.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM rides WHERE id = $1)`, ride.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return repository.ErrNotFound
		}
		return repository.ErrVersionConflict
	}

	ride.Version++
	return nil
}

// HasActiveRideForPassenger reports whether the passenger has a non-completed ride.
func (r *RideRepository) HasActiveRideForPassenger(ctx context.Context, passengerID string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM rides WHERE passenger_id = $1 AND status <> $2)`

	var exists bool
	err := r.q.QueryRowContext(ctx, query, passengerID, domain.RideStatusCompleted).Scan(&exists)
	return exists, err
}

// HasActiveRideForDriver reports whether the driver holds an accepted or in_progress ride.
func (r *RideRepository) HasActiveRideForDriver(ctx context.Context, driverID string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM rides WHERE driver_id = $1 AND status IN ($2, $3))`

	var exists bool
	err := r.q.QueryRowContext(ctx, query, driverID, domain.RideStatusAccepted, domain.RideStatusInProgress).Scan(&exists)
	return exists, err
}

// ListPendingDispatch returns completed rides whose event has not been accepted by the queue.
func (r *RideRepository) ListPendingDispatch(ctx context.Context, limit int) ([]*domain.Ride, error) {
	query := `
		SELECT ` + rideColumns + `
		FROM rides WHERE status = $1 AND dispatch_pending
		ORDER BY completed_at LIMIT $2
	`

	rows, err := r.q.QueryContext(ctx, query, domain.RideStatusCompleted, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rides []*domain.Ride
	for rows.Next() {
		ride, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		rides = append(rides, ride)
	}
	return rides, rows.Err()
}

// ListByRideID returns the positions of a ride in arrival order.
func (r *RideRepository) ListByRideID(ctx context.Context, rideID string) ([]*domain.Position, error) {
	query := `
		SELECT id, ride_id, lat, long, sequence, recorded_at
		FROM positions WHERE ride_id = $1 ORDER BY sequence
	`

	rows, err := r.q.QueryContext(ctx, query, rideID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	positions := make([]*domain.Position, 0)
	for rows.Next() {
		var p domain.Position
		if err := rows.Scan(&p.ID, &p.RideID, &p.Lat, &p.Long, &p.Sequence, &p.RecordedAt); err != nil {
			return nil, err
		}
		positions = append(positions, &p)
	}
	return positions, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRide(row rowScanner) (*domain.Ride, error) {
	var ride domain.Ride
	var driverID sql.NullString
	var completedAt sql.NullTime

	err := row.Scan(
		&ride.ID,
		&ride.PassengerID,
		&driverID,
		&ride.Status,
		&ride.FromLat,
		&ride.FromLong,
		&ride.ToLat,
		&ride.ToLong,
		&ride.Distance,
		&ride.LastLat,
		&ride.LastLong,
		&ride.Fare,
		&ride.PositionCount,
		&ride.DispatchPending,
		&ride.Version,
		&ride.CreatedAt,
		&ride.UpdatedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	if driverID.Valid {
		ride.DriverID = driverID.String
	}
	if completedAt.Valid {
		ride.CompletedAt = completedAt.Time
	}
	return &ride, nil
}
