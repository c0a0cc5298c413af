package tests

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"ridehail/internal/domain"
	"ridehail/internal/logger"
	"ridehail/internal/queue"
	"ridehail/internal/service"
)

// ──────────────────────────────────────────────
// 1. RIDE LIFECYCLE
// ──────────────────────────────────────────────

func TestRide_RoundTripAccumulatesRoundedDistance(t *testing.T) {
	t.Parallel()

	repo := NewMockRideRepository()
	svc := newRideService(repo, NewMockPublisher())
	ride := startedRide(t, svc, "passenger-1", "driver-1")

	for _, c := range []domain.Coordinate{pickup, dropoff, pickup} {
		move(t, svc, ride.ID, c)
	}

	view, err := svc.GetRide(context.Background(), ride.ID)
	if err != nil {
		t.Fatalf("get ride: %v", err)
	}
	if view.Status != string(domain.RideStatusInProgress) {
		t.Errorf("expected in_progress, got %s", view.Status)
	}
	if view.Distance != 20 {
		t.Errorf("expected distance 20, got %v", view.Distance)
	}
	if view.PositionCount != 3 {
		t.Errorf("expected 3 positions, got %d", view.PositionCount)
	}

	positions, err := svc.GetRidePositions(context.Background(), ride.ID)
	if err != nil {
		t.Fatalf("get positions: %v", err)
	}
	if len(positions) != 3 {
		t.Fatalf("expected 3 recorded positions, got %d", len(positions))
	}
	for i, p := range positions {
		if p.Sequence != int64(i+1) {
			t.Errorf("position %d has sequence %d", i, p.Sequence)
		}
	}
}

func TestRide_UpdatePositionBeforeStartIsRejected(t *testing.T) {
	t.Parallel()

	repo := NewMockRideRepository()
	svc := newRideService(repo, NewMockPublisher())
	ride := requestRide(t, svc, "passenger-1")

	_, err := svc.UpdatePosition(context.Background(), service.UpdatePositionRequest{
		RideID: ride.ID, Lat: dropoff.Lat, Long: dropoff.Long,
	})
	if !errors.Is(err, domain.ErrRideNotInProgress) {
		t.Fatalf("expected ErrRideNotInProgress, got %v", err)
	}

	stored := repo.GetRide(ride.ID)
	if stored.Distance != 0 || stored.PositionCount != 0 {
		t.Errorf("distance must stay unchanged, got %v/%d", stored.Distance, stored.PositionCount)
	}
	if repo.AppendPositionCallCount != 0 {
		t.Error("a rejected position must not reach the repository")
	}
}

func TestRide_InvalidPositionIsRejected(t *testing.T) {
	t.Parallel()

	repo := NewMockRideRepository()
	svc := newRideService(repo, NewMockPublisher())
	ride := startedRide(t, svc, "passenger-1", "driver-1")

	_, err := svc.UpdatePosition(context.Background(), service.UpdatePositionRequest{RideID: ride.ID, Lat: 95, Long: 0})
	if !errors.Is(err, domain.ErrInvalidPosition) || !errors.Is(err, domain.ErrValidation) {
		t.Errorf("expected ErrInvalidPosition, got %v", err)
	}
}

func TestRide_OutOfOrderTransitionsConflict(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := NewMockRideRepository()
	svc := newRideService(repo, NewMockPublisher())
	ride := requestRide(t, svc, "passenger-1")

	if _, err := svc.StartRide(ctx, ride.ID); !errors.Is(err, domain.ErrStateConflict) {
		t.Errorf("start before accept: expected state conflict, got %v", err)
	}
	if _, err := svc.CompleteRide(ctx, ride.ID); !errors.Is(err, domain.ErrInvalidRideStatus) {
		t.Errorf("complete before start: expected ErrInvalidRideStatus, got %v", err)
	}

	if _, err := svc.AcceptRide(ctx, ride.ID, "driver-1"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := svc.AcceptRide(ctx, ride.ID, "driver-1"); !errors.Is(err, domain.ErrInvalidRideStatus) {
		t.Errorf("second accept: expected ErrInvalidRideStatus, got %v", err)
	}

	if got := repo.GetRide(ride.ID).Status; got != domain.RideStatusAccepted {
		t.Errorf("expected accepted, got %s", got)
	}
}

func TestRide_UnknownRide(t *testing.T) {
	t.Parallel()

	svc := newRideService(NewMockRideRepository(), NewMockPublisher())
	ctx := context.Background()

	if _, err := svc.GetRide(ctx, "missing"); !errors.Is(err, domain.ErrRideNotFound) {
		t.Errorf("get: expected ErrRideNotFound, got %v", err)
	}
	if _, err := svc.AcceptRide(ctx, "missing", "driver-1"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("accept: expected not found, got %v", err)
	}
	if _, err := svc.GetRidePositions(ctx, "missing"); !errors.Is(err, domain.ErrRideNotFound) {
		t.Errorf("positions: expected ErrRideNotFound, got %v", err)
	}
}

func TestRide_CompletePublishesExactlyOneEvent(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := queue.NewMemory(time.Millisecond)
	deliveries, err := broker.Subscribe(ctx, domain.TopicRideCompleted, "process_payment")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	repo := NewMockRideRepository()
	svc := service.NewRideService(repo, repo, broker, nil, nil, logger.NewNop(), testRideConfig())
	ride := startedRide(t, svc, "passenger-1", "driver-1")
	move(t, svc, ride.ID, dropoff)

	completed, err := svc.CompleteRide(ctx, ride.ID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if completed.Status != domain.RideStatusCompleted {
		t.Errorf("expected completed, got %s", completed.Status)
	}
	if completed.DispatchPending {
		t.Error("dispatch flag should be cleared after a confirmed publish")
	}
	if completed.Fare != 21 {
		t.Errorf("expected fare 21 for 10 km, got %v", completed.Fare)
	}

	select {
	case d := <-deliveries:
		var event domain.RideCompletedEvent
		if err := json.Unmarshal(d.Body, &event); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if event.RideID != ride.ID || event.Distance != 10 || event.Fare != 21 {
			t.Errorf("unexpected event: %+v", event)
		}
		_ = d.Ack()
	case <-time.After(2 * time.Second):
		t.Fatal("no ride_completed event delivered")
	}

	select {
	case d := <-deliveries:
		t.Fatalf("unexpected second event: %s", d.Body)
	case <-time.After(50 * time.Millisecond):
	}

	if stats := broker.Stats(domain.TopicRideCompleted); stats.Published != 1 {
		t.Errorf("expected 1 published event, got %d", stats.Published)
	}
	if _, err := svc.CompleteRide(ctx, ride.ID); !errors.Is(err, domain.ErrInvalidRideStatus) {
		t.Errorf("second completion: expected ErrInvalidRideStatus, got %v", err)
	}
}

func TestRide_LocationIndexFollowsRide(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := NewMockRideRepository()
	locations := NewMockLocationStore()
	svc := service.NewRideService(repo, repo, NewMockPublisher(), nil, locations, logger.NewNop(), testRideConfig())

	ride := startedRide(t, svc, "passenger-1", "driver-1")
	if loc, ok := locations.Location(ride.ID); !ok || loc.Lat != pickup.Lat {
		t.Errorf("started ride should be indexed at pickup, got %+v", loc)
	}

	move(t, svc, ride.ID, dropoff)
	if loc, _ := locations.Location(ride.ID); loc.Lat != dropoff.Lat || loc.Lng != dropoff.Long {
		t.Errorf("expected dropoff location, got %+v", loc)
	}

	nearby, err := svc.NearbyRides(ctx, dropoff.Lat, dropoff.Long, 0)
	if err != nil || len(nearby) != 1 {
		t.Fatalf("expected one nearby ride, got %v (%v)", nearby, err)
	}

	if _, err := svc.CompleteRide(ctx, ride.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, ok := locations.Location(ride.ID); ok {
		t.Error("completed ride should leave the location index")
	}
}

func TestRide_PolarPositionLeavesLocationIndex(t *testing.T) {
	t.Parallel()

	repo := NewMockRideRepository()
	locations := NewMockLocationStore()
	svc := service.NewRideService(repo, repo, NewMockPublisher(), nil, locations, logger.NewNop(), testRideConfig())

	ride := startedRide(t, svc, "passenger-1", "driver-1")
	if _, ok := locations.Location(ride.ID); !ok {
		t.Fatal("started ride should be indexed")
	}

	updates := locations.UpdateCallCount
	polar := domain.Coordinate{Lat: 89, Long: 13.40}
	moved := move(t, svc, ride.ID, polar)
	if moved.LastLat != polar.Lat {
		t.Errorf("ride should still record the polar position, got %v", moved.LastLat)
	}
	if _, ok := locations.Location(ride.ID); ok {
		t.Error("ride beyond the geo range should leave the location index")
	}
	if locations.UpdateCallCount != updates {
		t.Errorf("expected no geo update, got %d", locations.UpdateCallCount-updates)
	}

	move(t, svc, ride.ID, dropoff)
	if loc, ok := locations.Location(ride.ID); !ok || loc.Lat != dropoff.Lat {
		t.Errorf("ride back in range should be indexed again, got %+v", loc)
	}
}

func TestRide_GetRideUsesCache(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := NewMockRideRepository()
	cache := NewMockCacheStore()
	svc := service.NewRideService(repo, repo, NewMockPublisher(), cache, nil, logger.NewNop(), testRideConfig())

	ride := requestRide(t, svc, "passenger-1")

	if _, err := svc.GetRide(ctx, ride.ID); err != nil {
		t.Fatalf("get: %v", err)
	}
	view, err := svc.GetRide(ctx, ride.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if cache.HitCount != 1 || view.Status != string(domain.RideStatusRequested) {
		t.Errorf("expected a cache hit for requested ride, hits=%d view=%+v", cache.HitCount, view)
	}

	if _, err := svc.AcceptRide(ctx, ride.ID, "driver-1"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	view, _ = svc.GetRide(ctx, ride.ID)
	if view.Status != string(domain.RideStatusAccepted) || view.DriverID != "driver-1" {
		t.Errorf("a write must invalidate the cached view, got %+v", view)
	}
}
