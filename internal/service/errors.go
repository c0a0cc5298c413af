package service

import (
	"fmt"

	"ridehail/internal/domain"
)

var (
	// ErrInvalidPassengerID is returned when passenger ID is empty.
	ErrInvalidPassengerID = fmt.Errorf("%w: invalid passenger id", domain.ErrValidation)

	// ErrInvalidRideID is returned when ride ID is empty.
	ErrInvalidRideID = fmt.Errorf("%w: invalid ride id", domain.ErrValidation)

	// ErrInvalidDriverID is returned when driver ID is empty.
	ErrInvalidDriverID = fmt.Errorf("%w: invalid driver id", domain.ErrValidation)

	// ErrInvalidPaymentAmount is returned when a completion event carries a negative fare.
	ErrInvalidPaymentAmount = fmt.Errorf("%w: invalid payment amount", domain.ErrValidation)

	// ErrInvalidPaymentID is returned when payment ID is empty.
	ErrInvalidPaymentID = fmt.Errorf("%w: invalid payment id", domain.ErrValidation)

	// ErrPassengerAlreadyOnRide is returned when the passenger already has a non-completed ride.
	ErrPassengerAlreadyOnRide = fmt.Errorf("%w: passenger already on a ride", domain.ErrStateConflict)

	// ErrConcurrentUpdate is returned when a write keeps losing the version race.
	ErrConcurrentUpdate = fmt.Errorf("%w: concurrent update", domain.ErrStateConflict)

	// ErrPaymentDispatch is returned when a completed ride's event could not be published.
	// The ride stays completed and is picked up by the dispatch reconciler.
	ErrPaymentDispatch = fmt.Errorf("%w: payment dispatch failed", domain.ErrDispatch)

	// ErrPaymentProcessing is returned when the payment provider call fails.
	ErrPaymentProcessing = fmt.Errorf("%w: payment processing failed", domain.ErrProcessing)

	// ErrPaymentNotFound is returned when no payment exists for the lookup.
	ErrPaymentNotFound = fmt.Errorf("%w: payment not found", domain.ErrNotFound)
)
