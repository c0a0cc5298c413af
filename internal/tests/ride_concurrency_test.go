package tests

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"ridehail/internal/domain"
	"ridehail/internal/service"
)

// ──────────────────────────────────────────────
// 3. CONCURRENCY
// ──────────────────────────────────────────────

func TestConcurrentAccept_ExactlyOneDriverWins(t *testing.T) {
	t.Parallel()

	repo := NewMockRideRepository()
	svc := newRideService(repo, NewMockPublisher())
	ride := requestRide(t, svc, "passenger-1")

	const drivers = 10
	var wg sync.WaitGroup
	errs := make(chan error, drivers)
	for i := 0; i < drivers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.AcceptRide(context.Background(), ride.ID, fmt.Sprintf("driver-%d", i))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	successes := 0
	for err := range errs {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, domain.ErrStateConflict):
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if successes != 1 {
		t.Fatalf("expected exactly one accept, got %d", successes)
	}

	stored := repo.GetRide(ride.ID)
	if stored.Status != domain.RideStatusAccepted || stored.DriverID == "" {
		t.Errorf("unexpected ride after race: %+v", stored)
	}
}

func TestConcurrentAccept_DriverTakesOnlyOneRide(t *testing.T) {
	t.Parallel()

	repo := NewMockRideRepository()
	svc := newRideService(repo, NewMockPublisher())

	const rides = 8
	ids := make([]string, rides)
	for i := range ids {
		ids[i] = requestRide(t, svc, fmt.Sprintf("passenger-%d", i)).ID
	}

	var wg sync.WaitGroup
	errs := make(chan error, rides)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := svc.AcceptRide(context.Background(), id, "driver-1")
			errs <- err
		}(id)
	}
	wg.Wait()
	close(errs)

	successes := 0
	for err := range errs {
		if err == nil {
			successes++
			continue
		}
		if !errors.Is(err, domain.ErrDriverAlreadyOnRide) {
			t.Errorf("expected ErrDriverAlreadyOnRide, got %v", err)
		}
	}
	if successes != 1 {
		t.Errorf("expected driver to hold exactly one ride, got %d", successes)
	}
}

func TestDriver_FreeAgainAfterCompletion(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc := newRideService(NewMockRideRepository(), NewMockPublisher())

	first := startedRide(t, svc, "passenger-1", "driver-1")
	second := requestRide(t, svc, "passenger-2")

	if _, err := svc.AcceptRide(ctx, second.ID, "driver-1"); !errors.Is(err, domain.ErrDriverAlreadyOnRide) {
		t.Fatalf("expected ErrDriverAlreadyOnRide, got %v", err)
	}
	if _, err := svc.CompleteRide(ctx, first.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := svc.AcceptRide(ctx, second.ID, "driver-1"); err != nil {
		t.Errorf("driver should be free after completion: %v", err)
	}
}

func TestConcurrentPositions_AllAppliedOnce(t *testing.T) {
	t.Parallel()

	repo := NewMockRideRepository()
	svc := newRideService(repo, NewMockPublisher())
	ride := startedRide(t, svc, "passenger-1", "driver-1")

	const updates = 20
	var wg sync.WaitGroup
	for i := 0; i < updates; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.UpdatePosition(context.Background(), service.UpdatePositionRequest{
				RideID: ride.ID, Lat: pickup.Lat, Long: pickup.Long,
			}); err != nil {
				t.Errorf("update: %v", err)
			}
		}()
	}
	wg.Wait()

	stored := repo.GetRide(ride.ID)
	if stored.PositionCount != updates {
		t.Errorf("expected %d positions, got %d", updates, stored.PositionCount)
	}
	positions, _ := svc.GetRidePositions(context.Background(), ride.ID)
	if len(positions) != updates {
		t.Errorf("expected %d audit rows, got %d", updates, len(positions))
	}
}

func TestVersionConflict_RetriedWithFreshState(t *testing.T) {
	t.Parallel()

	repo := NewMockRideRepository()
	svc := newRideService(repo, NewMockPublisher())
	ride := startedRide(t, svc, "passenger-1", "driver-1")

	repo.ConflictsToInject = 2
	updated := move(t, svc, ride.ID, dropoff)

	if updated.Distance != 10 {
		t.Errorf("expected distance 10 after retries, got %v", updated.Distance)
	}
	if repo.AppendPositionCallCount != 3 {
		t.Errorf("expected 3 write attempts, got %d", repo.AppendPositionCallCount)
	}
}

func TestVersionConflict_SurfacesAfterBound(t *testing.T) {
	t.Parallel()

	repo := NewMockRideRepository()
	svc := newRideService(repo, NewMockPublisher())
	ride := startedRide(t, svc, "passenger-1", "driver-1")

	repo.ConflictsToInject = 10
	_, err := svc.UpdatePosition(context.Background(), service.UpdatePositionRequest{
		RideID: ride.ID, Lat: dropoff.Lat, Long: dropoff.Long,
	})
	if !errors.Is(err, service.ErrConcurrentUpdate) || !errors.Is(err, domain.ErrStateConflict) {
		t.Fatalf("expected ErrConcurrentUpdate, got %v", err)
	}

	// 1 initial attempt + MaxConflictRetries
	if got := repo.AppendPositionCallCount; got != int32(testRideConfig().MaxConflictRetries+1) {
		t.Errorf("unexpected attempt count %d", got)
	}
	if stored := repo.GetRide(ride.ID); stored.Distance != 0 || stored.PositionCount != 0 {
		t.Errorf("failed update must not change the ride: %+v", stored)
	}
}
