package redis

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RideCacheTTL bounds how stale a cached ride view may be if an invalidation is lost.
const RideCacheTTL = 10 * time.Second

const rideCachePrefix = "cache:ride:"

// CachedRide is the cached read projection of a ride.
type CachedRide struct {
	ID              string    `json:"id"`
	PassengerID     string    `json:"passenger_id"`
	DriverID        string    `json:"driver_id,omitempty"`
	Status          string    `json:"status"`
	FromLat         float64   `json:"from_lat"`
	FromLong        float64   `json:"from_long"`
	ToLat           float64   `json:"to_lat"`
	ToLong          float64   `json:"to_long"`
	LastLat         float64   `json:"last_lat"`
	LastLong        float64   `json:"last_long"`
	Distance        float64   `json:"distance"`
	Fare            float64   `json:"fare"`
	PositionCount   int64     `json:"position_count"`
	DispatchPending bool      `json:"dispatch_pending"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	CompletedAt     time.Time `json:"completed_at,omitzero"`
}

// CacheStore handles ride view caching in Redis.
type CacheStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCacheStore creates a new CacheStore.
func NewCacheStore(client *redis.Client) *CacheStore {
	return &CacheStore{client: client, ttl: RideCacheTTL}
}

// GetRide retrieves a ride from cache. Returns nil on a cache miss.
func (s *CacheStore) GetRide(ctx context.Context, rideID string) (*CachedRide, error) {
	data, err := s.client.Get(ctx, rideCachePrefix+rideID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var ride CachedRide
	if err := json.Unmarshal(data, &ride); err != nil {
		return nil, err
	}
	return &ride, nil
}

// SetRide stores a ride in cache.
func (s *CacheStore) SetRide(ctx context.Context, ride *CachedRide) error {
	data, err := json.Marshal(ride)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, rideCachePrefix+ride.ID, data, s.ttl).Err()
}

// InvalidateRide removes a ride from cache.
func (s *CacheStore) InvalidateRide(ctx context.Context, rideID string) error {
	return s.client.Del(ctx, rideCachePrefix+rideID).Err()
}
