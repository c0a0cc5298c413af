package redis

import (
	"context"
	"fmt"
	"math"

	"github.com/redis/go-redis/v9"
)

const (
	rideLocationKey = "rides:locations"

	// maxNearbyRides caps one nearby search.
	maxNearbyRides = 50

	// maxGeoLat is the largest latitude GEOADD accepts.
	maxGeoLat = 85.05112878
)

// Indexable reports whether a latitude fits the Redis geo index.
func Indexable(lat float64) bool {
	return math.Abs(lat) <= maxGeoLat
}

// RideLocation is the last known position of an in-progress ride.
type RideLocation struct {
	RideID   string
	Lat      float64
	Lng      float64
	Distance float64 // km from the query point
}

// LocationStore keeps live positions of in-progress rides in a Redis geo
// index. Members are ride ids; a ride leaves the index when it completes.
type LocationStore struct {
	client *redis.Client
}

// NewLocationStore creates a new LocationStore.
func NewLocationStore(client *redis.Client) *LocationStore {
	return &LocationStore{client: client}
}

// UpdateRideLocation moves a ride to its latest position.
func (s *LocationStore) UpdateRideLocation(ctx context.Context, rideID string, lat, lng float64) error {
	err := s.client.GeoAdd(ctx, rideLocationKey, &redis.GeoLocation{
		Name:      rideID,
		Longitude: lng,
		Latitude:  lat,
	}).Err()
	if err != nil {
		return fmt.Errorf("geoadd ride %s: %w", rideID, err)
	}
	return nil
}

// FindNearbyRides returns up to maxNearbyRides rides within radiusKm of the
// point, nearest first.
func (s *LocationStore) FindNearbyRides(ctx context.Context, lat, lng, radiusKm float64) ([]RideLocation, error) {
	found, err := s.client.GeoSearchLocation(ctx, rideLocationKey, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  lng,
			Latitude:   lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
			Count:      maxNearbyRides,
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("geosearch rides: %w", err)
	}

	rides := make([]RideLocation, len(found))
	for i, loc := range found {
		rides[i] = RideLocation{
			RideID:   loc.Name,
			Lat:      loc.Latitude,
			Lng:      loc.Longitude,
			Distance: loc.Dist,
		}
	}
	return rides, nil
}

// RemoveRideLocation drops a ride from the index. Geo sets are sorted sets,
// so ZREM removes the member.
func (s *LocationStore) RemoveRideLocation(ctx context.Context, rideID string) error {
	return s.client.ZRem(ctx, rideLocationKey, rideID).Err()
}
