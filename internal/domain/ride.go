package domain

import "time"

// RideStatus represents the current status of a ride.
type RideStatus string

const (
	RideStatusRequested  RideStatus = "requested"
	RideStatusAccepted   RideStatus = "accepted"
	RideStatusInProgress RideStatus = "in_progress"
	RideStatusCompleted  RideStatus = "completed"
)

// Ride represents a trip from request to completion.
type Ride struct {
	ID          string
	PassengerID string
	DriverID    string // empty until accepted
	Status      RideStatus
	FromLat     float64
	FromLong    float64
	ToLat       float64
	ToLong      float64
	Distance    float64 // km
	LastLat     float64
	LastLong    float64
	Fare        float64

	// PositionCount is the sequence number of the last accepted position.
	PositionCount int64

	// DispatchPending is set when the ride completes and cleared once the
	// ride_completed event has been accepted by the queue.
	DispatchPending bool

	// Version is bumped on every write and checked by the repository.
	Version int64

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt time.Time
}

// NewRide builds a ride in requested state with its last position at the pickup point.
func NewRide(id, passengerID string, from, to Coordinate, now time.Time) *Ride {
	return &Ride{
		ID:          id,
		PassengerID: passengerID,
		Status:      RideStatusRequested,
		FromLat:     from.Lat,
		FromLong:    from.Long,
		ToLat:       to.Lat,
		ToLong:      to.Long,
		LastLat:     from.Lat,
		LastLong:    from.Long,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Track returns the ride's distance accumulator state.
func (r *Ride) Track() Track {
	return Track{
		Last:     Coordinate{Lat: r.LastLat, Long: r.LastLong},
		Distance: r.Distance,
	}
}

// IsActive reports whether the ride still occupies its passenger.
func (r *Ride) IsActive() bool {
	return r.Status != RideStatusCompleted
}
