package domain

import (
	"fmt"
	"time"
)

// next holds the single legal successor of every non-terminal status.
var next = map[RideStatus]RideStatus{
	RideStatusRequested:  RideStatusAccepted,
	RideStatusAccepted:   RideStatusInProgress,
	RideStatusInProgress: RideStatusCompleted,
}

// CanTransition reports whether from -> to is an edge of the ride lifecycle.
func CanTransition(from, to RideStatus) bool {
	succ, ok := next[from]
	return ok && succ == to
}

// HoldsDriver reports whether a ride in this status occupies its driver.
func (s RideStatus) HoldsDriver() bool {
	return s == RideStatusAccepted || s == RideStatusInProgress
}

func (r *Ride) transition(to RideStatus, now time.Time) error {
	if !CanTransition(r.Status, to) {
		return fmt.Errorf("%w: cannot move from %s to %s", ErrInvalidRideStatus, r.Status, to)
	}
	r.Status = to
	r.UpdatedAt = now
	return nil
}

// Accept assigns the driver and moves the ride to accepted.
func (r *Ride) Accept(driverID string, now time.Time) error {
	if err := r.transition(RideStatusAccepted, now); err != nil {
		return err
	}
	r.DriverID = driverID
	return nil
}

// Start moves an accepted ride to in_progress.
func (r *Ride) Start(now time.Time) error {
	return r.transition(RideStatusInProgress, now)
}

// Complete moves an in_progress ride to completed, records the fare and
// marks the completion event as pending dispatch.
func (r *Ride) Complete(fare float64, now time.Time) error {
	if err := r.transition(RideStatusCompleted, now); err != nil {
		return err
	}
	r.Fare = fare
	r.CompletedAt = now
	r.DispatchPending = true
	return nil
}

// Move folds a position sample into the ride and returns the audit record for it.
func (r *Ride) Move(sample Coordinate, now time.Time) (Position, error) {
	if r.Status != RideStatusInProgress {
		return Position{}, ErrRideNotInProgress
	}
	track, err := Fold(r.Track(), sample)
	if err != nil {
		return Position{}, err
	}
	r.LastLat = track.Last.Lat
	r.LastLong = track.Last.Long
	r.Distance = track.Distance
	r.PositionCount++
	r.UpdatedAt = now
	return Position{
		RideID:     r.ID,
		Lat:        sample.Lat,
		Long:       sample.Long,
		Sequence:   r.PositionCount,
		RecordedAt: now,
	}, nil
}

// Validate checks the invariants a persisted ride must hold.
func (r *Ride) Validate() error {
	if r.Distance < 0 {
		return fmt.Errorf("%w: negative distance", ErrValidation)
	}
	if (r.DriverID != "") != (r.Status != RideStatusRequested) {
		return fmt.Errorf("%w: driver must be set from accepted onwards", ErrValidation)
	}
	return nil
}
