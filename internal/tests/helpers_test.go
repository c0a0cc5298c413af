package tests

import (
	"context"
	"testing"
	"time"

	"ridehail/internal/domain"
	"ridehail/internal/logger"
	"ridehail/internal/queue"
	"ridehail/internal/service"
)

var (
	pickup  = domain.Coordinate{Lat: -27.584905, Long: -48.545022}
	dropoff = domain.Coordinate{Lat: -27.496888, Long: -48.522235}
)

func testRideConfig() service.RideServiceConfig {
	cfg := service.DefaultRideServiceConfig()
	cfg.PublishBackoff = time.Millisecond
	return cfg
}

func newRideService(repo *MockRideRepository, publisher queue.Publisher) *service.RideService {
	return service.NewRideService(repo, repo, publisher, nil, nil, logger.NewNop(), testRideConfig())
}

func requestRide(t *testing.T, svc *service.RideService, passengerID string) *domain.Ride {
	t.Helper()
	ride, err := svc.RequestRide(context.Background(), service.RequestRideRequest{
		PassengerID: passengerID,
		FromLat:     pickup.Lat,
		FromLong:    pickup.Long,
		ToLat:       dropoff.Lat,
		ToLong:      dropoff.Long,
	})
	if err != nil {
		t.Fatalf("request ride: %v", err)
	}
	return ride
}

// startedRide requests, accepts and starts a ride.
func startedRide(t *testing.T, svc *service.RideService, passengerID, driverID string) *domain.Ride {
	t.Helper()
	ctx := context.Background()
	ride := requestRide(t, svc, passengerID)
	if _, err := svc.AcceptRide(ctx, ride.ID, driverID); err != nil {
		t.Fatalf("accept ride: %v", err)
	}
	started, err := svc.StartRide(ctx, ride.ID)
	if err != nil {
		t.Fatalf("start ride: %v", err)
	}
	return started
}

func move(t *testing.T, svc *service.RideService, rideID string, c domain.Coordinate) *domain.Ride {
	t.Helper()
	ride, err := svc.UpdatePosition(context.Background(), service.UpdatePositionRequest{RideID: rideID, Lat: c.Lat, Long: c.Long})
	if err != nil {
		t.Fatalf("update position: %v", err)
	}
	return ride
}
