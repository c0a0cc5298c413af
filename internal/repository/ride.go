package repository

import (
	"context"

	"ridehail/internal/domain"
)

// RideRepository defines the persistence operations for rides.
//
// Update and AppendPosition are compare-and-set writes: they succeed only if
// the stored version equals ride.Version, and on success bump ride.Version.
type RideRepository interface {
	// Create persists a new ride. Returns ErrDuplicateKey if the passenger already has a non-completed ride.
	Create(ctx context.Context, ride *domain.Ride) error

	// GetByID retrieves a ride by ID.
	GetByID(ctx context.Context, id string) (*domain.Ride, error)

	// Update writes the ride if its version is current.
	Update(ctx context.Context, ride *domain.Ride) error

	// AppendPosition writes the ride and stores the position in one atomic step.
	AppendPosition(ctx context.Context, ride *domain.Ride, position domain.Position) error

	// HasActiveRideForPassenger reports whether the passenger has a non-completed ride.
	HasActiveRideForPassenger(ctx context.Context, passengerID string) (bool, error)

	// HasActiveRideForDriver reports whether the driver holds an accepted or in_progress ride.
	HasActiveRideForDriver(ctx context.Context, driverID string) (bool, error)

	// ListPendingDispatch returns completed rides whose completion event was not yet accepted by the queue.
	ListPendingDispatch(ctx context.Context, limit int) ([]*domain.Ride, error)
}

// PositionRepository exposes the position audit trail of a ride.
type PositionRepository interface {
	// ListByRideID returns positions in arrival order.
	ListByRideID(ctx context.Context, rideID string) ([]*domain.Position, error)
}
