package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"ridehail/internal/domain"
	"ridehail/internal/logger"
	"ridehail/internal/queue"
	"ridehail/internal/redis"
	"ridehail/internal/repository"
)

// RideServiceConfig tunes RideService.
type RideServiceConfig struct {
	// MaxConflictRetries bounds how often a write is retried after losing a version race.
	MaxConflictRetries int
	PublishAttempts    int
	PublishBackoff     time.Duration
	FarePerKm          float64
	NearbyRadiusKm     float64
}

// DefaultRideServiceConfig returns the defaults used when no configuration is given.
func DefaultRideServiceConfig() RideServiceConfig {
	return RideServiceConfig{
		MaxConflictRetries: 3,
		PublishAttempts:    3,
		PublishBackoff:     200 * time.Millisecond,
		FarePerKm:          2.1,
		NearbyRadiusKm:     5,
	}
}

// RideService handles ride operations.
type RideService struct {
	rideRepo      repository.RideRepository
	positionRepo  repository.PositionRepository
	publisher     queue.Publisher
	cacheStore    redis.CacheStoreInterface
	locationStore redis.LocationStoreInterface
	locker        *RideLocker
	log           logger.Logger
	cfg           RideServiceConfig
}

// NewRideService creates a new RideService. cacheStore and locationStore may be nil.
func NewRideService(
	rideRepo repository.RideRepository,
	positionRepo repository.PositionRepository,
	publisher queue.Publisher,
	cacheStore redis.CacheStoreInterface,
	locationStore redis.LocationStoreInterface,
	log logger.Logger,
	cfg RideServiceConfig,
) *RideService {
	if cfg.PublishAttempts < 1 {
		cfg.PublishAttempts = 1
	}
	return &RideService{
		rideRepo:      rideRepo,
		positionRepo:  positionRepo,
		publisher:     publisher,
		cacheStore:    cacheStore,
		locationStore: locationStore,
		locker:        NewRideLocker(),
		log:           log,
		cfg:           cfg,
	}
}

// RequestRideRequest contains the parameters for requesting a ride.
type RequestRideRequest struct {
	PassengerID string
	FromLat     float64
	FromLong    float64
	ToLat       float64
	ToLong      float64
}

// UpdatePositionRequest contains one position sample of a ride.
type UpdatePositionRequest struct {
	RideID string
	Lat    float64
	Long   float64
}

// RideView is the read projection of a ride.
type RideView struct {
	ID             string    `json:"ride_id"`
	PassengerID    string    `json:"passenger_id"`
	DriverID       string    `json:"driver_id,omitempty"`
	Status         string    `json:"status"`
	FromLat        float64   `json:"from_lat"`
	FromLong       float64   `json:"from_long"`
	ToLat          float64   `json:"to_lat"`
	ToLong         float64   `json:"to_long"`
	LastLat        float64   `json:"last_lat"`
	LastLong       float64   `json:"last_long"`
	Distance       float64   `json:"distance"`
	Fare           float64   `json:"fare"`
	PositionCount  int64     `json:"position_count"`
	PaymentPending bool      `json:"payment_pending"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	CompletedAt    time.Time `json:"completed_at,omitzero"`
}

// NewRideView projects a ride.
func NewRideView(r *domain.Ride) *RideView {
	return &RideView{
		ID:             r.ID,
		PassengerID:    r.PassengerID,
		DriverID:       r.DriverID,
		Status:         string(r.Status),
		FromLat:        r.FromLat,
		FromLong:       r.FromLong,
		ToLat:          r.ToLat,
		ToLong:         r.ToLong,
		LastLat:        r.LastLat,
		LastLong:       r.LastLong,
		Distance:       r.Distance,
		Fare:           r.Fare,
		PositionCount:  r.PositionCount,
		PaymentPending: r.DispatchPending,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
		CompletedAt:    r.CompletedAt,
	}
}

// RequestRide creates a ride in requested state.
func (s *RideService) RequestRide(ctx context.Context, req RequestRideRequest) (*domain.Ride, error) {
	if req.PassengerID == "" {
		return nil, ErrInvalidPassengerID
	}

	from := domain.Coordinate{Lat: req.FromLat, Long: req.FromLong}
	to := domain.Coordinate{Lat: req.ToLat, Long: req.ToLong}
	if from.Validate() != nil || to.Validate() != nil {
		return nil, domain.ErrInvalidCoordinates
	}

	active, err := s.rideRepo.HasActiveRideForPassenger(ctx, req.PassengerID)
	if err != nil {
		return nil, fmt.Errorf("failed to check passenger rides: %w", err)
	}
	if active {
		return nil, ErrPassengerAlreadyOnRide
	}

	ride := domain.NewRide(uuid.New().String(), req.PassengerID, from, to, time.Now())
	if err := s.rideRepo.Create(ctx, ride); err != nil {
		if errors.Is(err, repository.ErrDuplicateKey) {
			return nil, ErrPassengerAlreadyOnRide
		}
		return nil, fmt.Errorf("failed to create ride: %w", err)
	}

	s.log.Action("ride_requested").Info("ride requested", "ride_id", ride.ID, "passenger_id", ride.PassengerID)
	return ride, nil
}

// AcceptRide assigns a driver to a requested ride.
func (s *RideService) AcceptRide(ctx context.Context, rideID, driverID string) (*domain.Ride, error) {
	if driverID == "" {
		return nil, ErrInvalidDriverID
	}

	ride, err := s.mutate(ctx, rideID, func(ride *domain.Ride) error {
		if domain.CanTransition(ride.Status, domain.RideStatusAccepted) {
			busy, err := s.rideRepo.HasActiveRideForDriver(ctx, driverID)
			if err != nil {
				return fmt.Errorf("failed to check driver rides: %w", err)
			}
			if busy {
				return domain.ErrDriverAlreadyOnRide
			}
		}
		return ride.Accept(driverID, time.Now())
	}, nil)
	if err != nil {
		return nil, err
	}

	s.log.Action("ride_accepted").Info("ride accepted", "ride_id", ride.ID, "driver_id", driverID)
	return ride, nil
}

// StartRide moves an accepted ride to in_progress.
func (s *RideService) StartRide(ctx context.Context, rideID string) (*domain.Ride, error) {
	ride, err := s.mutate(ctx, rideID, func(ride *domain.Ride) error {
		return ride.Start(time.Now())
	}, nil)
	if err != nil {
		return nil, err
	}

	s.indexLocation(ctx, ride)

	s.log.Action("ride_started").Info("ride started", "ride_id", ride.ID)
	return ride, nil
}

// UpdatePosition folds a position sample into the ride's distance and records it.
// Samples of one ride are applied in arrival order.
func (s *RideService) UpdatePosition(ctx context.Context, req UpdatePositionRequest) (*domain.Ride, error) {
	sample := domain.Coordinate{Lat: req.Lat, Long: req.Long}
	if err := sample.Validate(); err != nil {
		return nil, err
	}

	var position domain.Position
	ride, err := s.mutate(ctx, req.RideID,
		func(ride *domain.Ride) error {
			var err error
			position, err = ride.Move(sample, time.Now())
			return err
		},
		func(ctx context.Context, ride *domain.Ride) error {
			return s.rideRepo.AppendPosition(ctx, ride, position)
		},
	)
	if err != nil {
		return nil, err
	}

	s.indexLocation(ctx, ride)

	s.log.Debug("position recorded", "ride_id", ride.ID, "sequence", position.Sequence, "distance", ride.Distance)
	return ride, nil
}

// CompleteRide completes an in_progress ride and publishes its ride_completed
// event. The ride stays completed when publishing fails; the returned error
// then wraps ErrPaymentDispatch and the ride is returned alongside it.
func (s *RideService) CompleteRide(ctx context.Context, rideID string) (*domain.Ride, error) {
	ride, err := s.mutate(ctx, rideID, func(ride *domain.Ride) error {
		return ride.Complete(s.fare(ride.Distance), time.Now())
	}, nil)
	if err != nil {
		return nil, err
	}

	log := s.log.Action("ride_completed").With("ride_id", ride.ID)
	log.Info("ride completed", "distance", ride.Distance, "fare", ride.Fare)

	if s.locationStore != nil {
		if err := s.locationStore.RemoveRideLocation(ctx, ride.ID); err != nil {
			log.Warn("failed to remove ride location", "error", err)
		}
	}

	// The ride lock is released; a slow broker must not block the ride.
	if err := s.Dispatch(context.WithoutCancel(ctx), ride); err != nil {
		log.Error("payment dispatch failed, ride left for reconciliation", err)
		return ride, fmt.Errorf("%w: %v", ErrPaymentDispatch, err)
	}
	return ride, nil
}

// Dispatch publishes the ride_completed event of a completed ride and clears
// its pending flag. Used by CompleteRide and by the reconciler.
func (s *RideService) Dispatch(ctx context.Context, ride *domain.Ride) error {
	body, err := json.Marshal(domain.NewRideCompletedEvent(ride))
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	if err := s.publish(ctx, ride.ID, body); err != nil {
		return err
	}

	cleared, err := s.mutate(ctx, ride.ID, func(r *domain.Ride) error {
		r.DispatchPending = false
		return nil
	}, nil)
	if err != nil {
		// The event is out; a later reconcile may publish it again and the consumer dedupes.
		s.log.Warn("failed to clear dispatch flag", "ride_id", ride.ID, "error", err)
		return nil
	}

	*ride = *cleared
	s.log.Action("ride_completed_published").Info("ride completion event published", "ride_id", ride.ID)
	return nil
}

func (s *RideService) publish(ctx context.Context, key string, body []byte) error {
	backoff := s.cfg.PublishBackoff

	var err error
	for attempt := 1; attempt <= s.cfg.PublishAttempts; attempt++ {
		if err = s.publisher.Publish(ctx, domain.TopicRideCompleted, key, body); err == nil {
			return nil
		}
		s.log.Warn("publish attempt failed", "ride_id", key, "attempt", attempt, "error", err)

		if attempt == s.cfg.PublishAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return err
}

// GetRide returns the read projection of a ride.
func (s *RideService) GetRide(ctx context.Context, rideID string) (*RideView, error) {
	if rideID == "" {
		return nil, ErrInvalidRideID
	}

	if s.cacheStore != nil {
		cached, err := s.cacheStore.GetRide(ctx, rideID)
		if err != nil {
			s.log.Warn("ride cache read failed", "ride_id", rideID, "error", err)
		} else if cached != nil {
			return viewFromCache(cached), nil
		}
	}

	ride, err := s.getRide(ctx, rideID)
	if err != nil {
		return nil, err
	}

	view := NewRideView(ride)
	if s.cacheStore != nil {
		if err := s.cacheStore.SetRide(ctx, cacheFromView(view)); err != nil {
			s.log.Warn("ride cache write failed", "ride_id", rideID, "error", err)
		}
	}
	return view, nil
}

// GetRidePositions returns the recorded positions of a ride in arrival order.
func (s *RideService) GetRidePositions(ctx context.Context, rideID string) ([]*domain.Position, error) {
	if _, err := s.getRide(ctx, rideID); err != nil {
		return nil, err
	}
	return s.positionRepo.ListByRideID(ctx, rideID)
}

// NearbyRides returns in-progress rides around a point, nearest first.
// A radius of zero uses the configured default.
func (s *RideService) NearbyRides(ctx context.Context, lat, lng, radiusKm float64) ([]redis.RideLocation, error) {
	if err := (domain.Coordinate{Lat: lat, Long: lng}).Validate(); err != nil {
		return nil, err
	}
	if radiusKm <= 0 {
		radiusKm = s.cfg.NearbyRadiusKm
	}
	if s.locationStore == nil {
		return []redis.RideLocation{}, nil
	}
	return s.locationStore.FindNearbyRides(ctx, lat, lng, radiusKm)
}

func (s *RideService) getRide(ctx context.Context, rideID string) (*domain.Ride, error) {
	if rideID == "" {
		return nil, ErrInvalidRideID
	}
	ride, err := s.rideRepo.GetByID(ctx, rideID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, domain.ErrRideNotFound
		}
		return nil, fmt.Errorf("failed to load ride: %w", err)
	}
	return ride, nil
}

// mutate runs apply against the freshest copy of the ride and writes it,
// holding the ride's lock. A lost version race re-reads and retries up to
// MaxConflictRetries times. write defaults to RideRepository.Update.
func (s *RideService) mutate(
	ctx context.Context,
	rideID string,
	apply func(ride *domain.Ride) error,
	write func(ctx context.Context, ride *domain.Ride) error,
) (*domain.Ride, error) {
	if rideID == "" {
		return nil, ErrInvalidRideID
	}
	if write == nil {
		write = s.rideRepo.Update
	}

	unlock, err := s.locker.Lock(ctx, rideID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	for attempt := 0; ; attempt++ {
		ride, err := s.getRide(ctx, rideID)
		if err != nil {
			return nil, err
		}

		if err := apply(ride); err != nil {
			return nil, err
		}
		if err := ride.Validate(); err != nil {
			return nil, err
		}

		err = write(ctx, ride)
		switch {
		case err == nil:
			s.invalidate(ctx, rideID)
			return ride, nil
		case errors.Is(err, repository.ErrVersionConflict):
			if attempt < s.cfg.MaxConflictRetries {
				s.log.Debug("version conflict, retrying", "ride_id", rideID, "attempt", attempt+1)
				continue
			}
			return nil, ErrConcurrentUpdate
		case errors.Is(err, repository.ErrDriverBusy):
			return nil, domain.ErrDriverAlreadyOnRide
		case errors.Is(err, repository.ErrNotFound):
			return nil, domain.ErrRideNotFound
		default:
			return nil, fmt.Errorf("failed to update ride: %w", err)
		}
	}
}

// indexLocation moves the ride in the location index. Positions beyond the
// geo index's latitude range drop the ride from it instead.
func (s *RideService) indexLocation(ctx context.Context, ride *domain.Ride) {
	if s.locationStore == nil {
		return
	}
	if !redis.Indexable(ride.LastLat) {
		s.log.Debug("ride outside geo index range", "ride_id", ride.ID, "lat", ride.LastLat)
		if err := s.locationStore.RemoveRideLocation(ctx, ride.ID); err != nil {
			s.log.Warn("failed to remove ride location", "ride_id", ride.ID, "error", err)
		}
		return
	}
	if err := s.locationStore.UpdateRideLocation(ctx, ride.ID, ride.LastLat, ride.LastLong); err != nil {
		s.log.Warn("failed to index ride location", "ride_id", ride.ID, "error", err)
	}
}

func (s *RideService) invalidate(ctx context.Context, rideID string) {
	if s.cacheStore == nil {
		return
	}
	if err := s.cacheStore.InvalidateRide(ctx, rideID); err != nil {
		s.log.Warn("ride cache invalidation failed", "ride_id", rideID, "error", err)
	}
}

// fare is distance times the per-km rate, rounded to cents.
func (s *RideService) fare(distance float64) float64 {
	return math.Round(distance*s.cfg.FarePerKm*100) / 100
}

func viewFromCache(c *redis.CachedRide) *RideView {
	return &RideView{
		ID:             c.ID,
		PassengerID:    c.PassengerID,
		DriverID:       c.DriverID,
		Status:         c.Status,
		FromLat:        c.FromLat,
		FromLong:       c.FromLong,
		ToLat:          c.ToLat,
		ToLong:         c.ToLong,
		LastLat:        c.LastLat,
		LastLong:       c.LastLong,
		Distance:       c.Distance,
		Fare:           c.Fare,
		PositionCount:  c.PositionCount,
		PaymentPending: c.DispatchPending,
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
		CompletedAt:    c.CompletedAt,
	}
}

func cacheFromView(v *RideView) *redis.CachedRide {
	return &redis.CachedRide{
		ID:              v.ID,
		PassengerID:     v.PassengerID,
		DriverID:        v.DriverID,
		Status:          v.Status,
		FromLat:         v.FromLat,
		FromLong:        v.FromLong,
		ToLat:           v.ToLat,
		ToLong:          v.ToLong,
		LastLat:         v.LastLat,
		LastLong:        v.LastLong,
		Distance:        v.Distance,
		Fare:            v.Fare,
		PositionCount:   v.PositionCount,
		DispatchPending: v.PaymentPending,
		CreatedAt:       v.CreatedAt,
		UpdatedAt:       v.UpdatedAt,
		CompletedAt:     v.CompletedAt,
	}
}
