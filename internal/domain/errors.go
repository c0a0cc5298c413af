package domain

import (
	"errors"
	"fmt"
)

// Error categories. Every specific error below wraps exactly one of them, so
// callers can branch on the category with errors.Is.
var (
	// ErrValidation marks input rejected before any state mutation.
	ErrValidation = errors.New("validation error")

	// ErrStateConflict marks an illegal transition or a concurrent-write conflict.
	ErrStateConflict = errors.New("state conflict")

	// ErrNotFound marks an unknown ride or driver.
	ErrNotFound = errors.New("not found")

	// ErrDispatch marks a ride_completed event that could not be handed to the queue.
	ErrDispatch = errors.New("dispatch error")

	// ErrProcessing marks a consumer-side payment failure.
	ErrProcessing = errors.New("processing error")
)

var (
	// ErrInvalidPosition is returned when a lat/long sample is out of range.
	ErrInvalidPosition = fmt.Errorf("%w: invalid position", ErrValidation)

	// ErrInvalidCoordinates is returned when a ride request carries an out of range coordinate.
	ErrInvalidCoordinates = fmt.Errorf("%w: invalid coordinates", ErrValidation)

	// ErrInvalidRideStatus is returned when a transition does not start from the expected status.
	ErrInvalidRideStatus = fmt.Errorf("%w: invalid ride status", ErrStateConflict)

	// ErrRideNotInProgress is returned when a position arrives outside the in_progress window.
	ErrRideNotInProgress = fmt.Errorf("%w: ride not in progress", ErrStateConflict)

	// ErrDriverAlreadyOnRide is returned when the driver holds another accepted or in_progress ride.
	ErrDriverAlreadyOnRide = fmt.Errorf("%w: driver already on a ride", ErrStateConflict)

	// ErrRideNotFound is returned when the ride id is unknown.
	ErrRideNotFound = fmt.Errorf("%w: ride not found", ErrNotFound)
)
