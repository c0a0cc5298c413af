// Package memory holds in-process repository implementations used by tests
// and by single-node deployments (STORE_DRIVER=memory).
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"ridehail/internal/domain"
	"ridehail/internal/repository"
)

// RideRepository is an in-memory implementation of repository.RideRepository
// and repository.PositionRepository.
type RideRepository struct {
	mu        sync.RWMutex
	rides     map[string]*domain.Ride
	positions map[string][]*domain.Position
}

// NewRideRepository creates an empty in-memory ride repository.
func NewRideRepository() *RideRepository {
	return &RideRepository{
		rides:     make(map[string]*domain.Ride),
		positions: make(map[string][]*domain.Position),
	}
}

var (
	_ repository.RideRepository     = (*RideRepository)(nil)
	_ repository.PositionRepository = (*RideRepository)(nil)
)

// Create persists a new ride. A passenger may hold only one non-completed ride.
func (m *RideRepository) Create(ctx context.Context, ride *domain.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[ride.ID]; ok {
		return repository.ErrDuplicateKey
	}
	for _, other := range m.rides {
		if other.PassengerID == ride.PassengerID && other.IsActive() {
			return repository.ErrDuplicateKey
		}
	}
	stored := *ride
	m.rides[ride.ID] = &stored
	return nil
}

// GetByID returns a copy of the stored ride.
func (m *RideRepository) GetByID(ctx context.Context, id string) (*domain.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ride, ok := m.rides[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copy := *ride
	return &copy, nil
}

// Update writes the ride if its version is current.
func (m *RideRepository) Update(ctx context.Context, ride *domain.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.update(ride)
}

// AppendPosition writes the ride and records the position under one lock.
func (m *RideRepository) AppendPosition(ctx context.Context, ride *domain.Ride, position domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.positions[ride.ID] {
		if p.Sequence == position.Sequence {
			return repository.ErrVersionConflict
		}
	}
	if err := m.update(ride); err != nil {
		return err
	}

	if position.ID == "" {
		position.ID = uuid.New().String()
	}
	m.positions[ride.ID] = append(m.positions[ride.ID], &position)
	return nil
}

func (m *RideRepository) update(ride *domain.Ride) error {
	stored, ok := m.rides[ride.ID]
	if !ok {
		return repository.ErrNotFound
	}
	if stored.Version != ride.Version {
		return repository.ErrVersionConflict
	}
	if ride.Status.HoldsDriver() && stored.DriverID != ride.DriverID {
		for id, other := range m.rides {
			if id != ride.ID && other.DriverID == ride.DriverID && other.Status.HoldsDriver() {
				return repository.ErrDriverBusy
			}
		}
	}

	ride.Version++
	updated := *ride
	m.rides[ride.ID] = &updated
	return nil
}

// HasActiveRideForPassenger reports whether the passenger has a non-completed ride.
func (m *RideRepository) HasActiveRideForPassenger(ctx context.Context, passengerID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.rides {
		if r.PassengerID == passengerID && r.IsActive() {
			return true, nil
		}
	}
	return false, nil
}

// HasActiveRideForDriver reports whether the driver holds an accepted or in_progress ride.
func (m *RideRepository) HasActiveRideForDriver(ctx context.Context, driverID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.rides {
		if r.DriverID == driverID && r.Status.HoldsDriver() {
			return true, nil
		}
	}
	return false, nil
}

// ListPendingDispatch returns completed rides still waiting for their event to be accepted.
func (m *RideRepository) ListPendingDispatch(ctx context.Context, limit int) ([]*domain.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*domain.Ride
	for _, r := range m.rides {
		if r.Status == domain.RideStatusCompleted && r.DispatchPending {
			copy := *r
			result = append(result, &copy)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CompletedAt.Before(result[j].CompletedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// ListByRideID returns the positions of a ride in arrival order.
func (m *RideRepository) ListByRideID(ctx context.Context, rideID string) ([]*domain.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stored := m.positions[rideID]
	result := make([]*domain.Position, 0, len(stored))
	for _, p := range stored {
		copy := *p
		result = append(result, &copy)
	}
	return result, nil
}

// CountRides returns the number of stored rides.
func (m *RideRepository) CountRides() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rides)
}
