package redis

import (
	"context"
	"time"
)

// LocationStoreInterface defines the interface for live ride position operations.
type LocationStoreInterface interface {
	UpdateRideLocation(ctx context.Context, rideID string, lat, lng float64) error
	FindNearbyRides(ctx context.Context, lat, lng, radiusKm float64) ([]RideLocation, error)
	RemoveRideLocation(ctx context.Context, rideID string) error
}

// LockStoreInterface defines the interface for distributed locking.
type LockStoreInterface interface {
	AcquireRideLock(ctx context.Context, rideID string, ttl time.Duration) (string, bool, error)
	ReleaseRideLock(ctx context.Context, rideID, token string) error
}

// CacheStoreInterface defines the interface for ride view caching.
type CacheStoreInterface interface {
	GetRide(ctx context.Context, rideID string) (*CachedRide, error)
	SetRide(ctx context.Context, ride *CachedRide) error
	InvalidateRide(ctx context.Context, rideID string) error
}

// Ensure concrete types implement interfaces.
var (
	_ LocationStoreInterface = (*LocationStore)(nil)
	_ LockStoreInterface     = (*LockStore)(nil)
	_ CacheStoreInterface    = (*CacheStore)(nil)
)
