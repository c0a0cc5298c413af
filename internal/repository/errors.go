package repository

import "errors"

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrVersionConflict is returned when an update was based on a stale version.
	ErrVersionConflict = errors.New("version conflict")

	// ErrDriverBusy is returned when a write would give a driver a second active ride.
	ErrDriverBusy = errors.New("driver already holds an active ride")

	// ErrDuplicateKey is returned when an insert collides with a unique key.
	ErrDuplicateKey = errors.New("duplicate key")
)
