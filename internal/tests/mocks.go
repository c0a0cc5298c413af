package tests

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"ridehail/internal/domain"
	"ridehail/internal/redis"
	"ridehail/internal/repository"
	"ridehail/internal/repository/memory"
)

// ──────────────────────────────────────────────
// MOCK RIDE REPOSITORY
// ──────────────────────────────────────────────

// MockRideRepository wraps the in-memory repository with counters and error injection.
type MockRideRepository struct {
	*memory.RideRepository

	// Counters for verification
	UpdateCallCount         int32
	AppendPositionCallCount int32

	// Error injection: the next ConflictsToInject writes fail with ErrVersionConflict.
	ConflictsToInject int32
	UpdateError       error
}

// NewMockRideRepository creates a new mock ride repository.
func NewMockRideRepository() *MockRideRepository {
	return &MockRideRepository{RideRepository: memory.NewRideRepository()}
}

func (m *MockRideRepository) injected() error {
	if atomic.AddInt32(&m.ConflictsToInject, -1) >= 0 {
		return repository.ErrVersionConflict
	}
	atomic.StoreInt32(&m.ConflictsToInject, 0)
	return m.UpdateError
}

func (m *MockRideRepository) Update(ctx context.Context, ride *domain.Ride) error {
	atomic.AddInt32(&m.UpdateCallCount, 1)
	if err := m.injected(); err != nil {
		return err
	}
	return m.RideRepository.Update(ctx, ride)
}

func (m *MockRideRepository) AppendPosition(ctx context.Context, ride *domain.Ride, position domain.Position) error {
	atomic.AddInt32(&m.AppendPositionCallCount, 1)
	if err := m.injected(); err != nil {
		return err
	}
	return m.RideRepository.AppendPosition(ctx, ride, position)
}

// GetRide returns the stored ride for test assertions.
func (m *MockRideRepository) GetRide(id string) *domain.Ride {
	ride, err := m.GetByID(context.Background(), id)
	if err != nil {
		return nil
	}
	return ride
}

// ──────────────────────────────────────────────
// MOCK PUBLISHER
// ──────────────────────────────────────────────

// PublishedMessage is one message accepted by MockPublisher.
type PublishedMessage struct {
	Topic string
	Key   string
	Body  []byte
}

// MockPublisher records published messages.
type MockPublisher struct {
	mu       sync.Mutex
	messages []PublishedMessage

	PublishCallCount int32

	// Error injection: the first FailTimes publishes fail with PublishError.
	FailTimes    int32
	PublishError error
}

// NewMockPublisher creates a new mock publisher.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{PublishError: errors.New("broker unavailable")}
}

func (m *MockPublisher) Publish(ctx context.Context, topic, key string, body []byte) error {
	n := atomic.AddInt32(&m.PublishCallCount, 1)
	if n <= atomic.LoadInt32(&m.FailTimes) {
		return m.PublishError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, PublishedMessage{Topic: topic, Key: key, Body: body})
	return nil
}

// Messages returns the accepted messages.
func (m *MockPublisher) Messages() []PublishedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PublishedMessage(nil), m.messages...)
}

// ──────────────────────────────────────────────
// MOCK LOCATION STORE
// ──────────────────────────────────────────────

// MockLocationStore is a mock implementation of LocationStoreInterface.
type MockLocationStore struct {
	mu        sync.RWMutex
	locations map[string]redis.RideLocation

	UpdateCallCount int32
	UpdateError     error
}

// NewMockLocationStore creates a new mock location store.
func NewMockLocationStore() *MockLocationStore {
	return &MockLocationStore{locations: make(map[string]redis.RideLocation)}
}

func (m *MockLocationStore) UpdateRideLocation(ctx context.Context, rideID string, lat, lng float64) error {
	atomic.AddInt32(&m.UpdateCallCount, 1)
	if m.UpdateError != nil {
		return m.UpdateError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locations[rideID] = redis.RideLocation{RideID: rideID, Lat: lat, Lng: lng}
	return nil
}

// FindNearbyRides returns every stored ride regardless of radius.
func (m *MockLocationStore) FindNearbyRides(ctx context.Context, lat, lng, radiusKm float64) ([]redis.RideLocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]redis.RideLocation, 0, len(m.locations))
	for _, loc := range m.locations {
		result = append(result, loc)
	}
	return result, nil
}

func (m *MockLocationStore) RemoveRideLocation(ctx context.Context, rideID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locations, rideID)
	return nil
}

// Location returns the stored location of a ride.
func (m *MockLocationStore) Location(rideID string) (redis.RideLocation, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	loc, ok := m.locations[rideID]
	return loc, ok
}

// ──────────────────────────────────────────────
// MOCK CACHE STORE
// ──────────────────────────────────────────────

// MockCacheStore is a mock implementation of CacheStoreInterface.
type MockCacheStore struct {
	mu    sync.RWMutex
	rides map[string]*redis.CachedRide

	HitCount        int32
	InvalidateCount int32
}

// NewMockCacheStore creates a new mock cache store.
func NewMockCacheStore() *MockCacheStore {
	return &MockCacheStore{rides: make(map[string]*redis.CachedRide)}
}

func (m *MockCacheStore) GetRide(ctx context.Context, rideID string) (*redis.CachedRide, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ride, ok := m.rides[rideID]
	if !ok {
		return nil, nil
	}
	atomic.AddInt32(&m.HitCount, 1)
	copy := *ride
	return &copy, nil
}

func (m *MockCacheStore) SetRide(ctx context.Context, ride *redis.CachedRide) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copy := *ride
	m.rides[ride.ID] = &copy
	return nil
}

func (m *MockCacheStore) InvalidateRide(ctx context.Context, rideID string) error {
	atomic.AddInt32(&m.InvalidateCount, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rides, rideID)
	return nil
}

// ──────────────────────────────────────────────
// MOCK LOCK STORE
// ──────────────────────────────────────────────

// MockLockStore is a mock implementation of LockStoreInterface.
type MockLockStore struct {
	mu    sync.Mutex
	locks map[string]string

	AcquireCallCount int32
	ReleaseCallCount int32
	AcquireError     error
}

// NewMockLockStore creates a new mock lock store.
func NewMockLockStore() *MockLockStore {
	return &MockLockStore{locks: make(map[string]string)}
}

func (m *MockLockStore) AcquireRideLock(ctx context.Context, rideID string, ttl time.Duration) (string, bool, error) {
	n := atomic.AddInt32(&m.AcquireCallCount, 1)
	if m.AcquireError != nil {
		return "", false, m.AcquireError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.locks[rideID]; held {
		return "", false, nil
	}
	token := fmt.Sprintf("%s-%d", rideID, n)
	m.locks[rideID] = token
	return token, true, nil
}

func (m *MockLockStore) ReleaseRideLock(ctx context.Context, rideID, token string) error {
	atomic.AddInt32(&m.ReleaseCallCount, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks[rideID] == token {
		delete(m.locks, rideID)
	}
	return nil
}

// Hold marks a ride as locked by another worker.
func (m *MockLockStore) Hold(rideID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locks[rideID] = "other-worker"
}

// IsLocked checks if a ride is locked.
func (m *MockLockStore) IsLocked(rideID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.locks[rideID]
	return ok
}

// ──────────────────────────────────────────────
// MOCK PSP
// ──────────────────────────────────────────────

// MockPSP is a mock implementation of PSP.
type MockPSP struct {
	mu   sync.Mutex
	keys map[string]int

	ChargeCallCount int32

	// Error injection: the first FailTimes charges fail with ChargeError.
	FailTimes   int32
	ChargeError error
	Decline     bool
}

// NewMockPSP creates a new mock PSP.
func NewMockPSP() *MockPSP {
	return &MockPSP{
		keys:        make(map[string]int),
		ChargeError: errors.New("psp timeout"),
	}
}

func (m *MockPSP) Charge(ctx context.Context, idempotencyKey string, amount float64) (bool, error) {
	n := atomic.AddInt32(&m.ChargeCallCount, 1)
	if n <= atomic.LoadInt32(&m.FailTimes) {
		return false, m.ChargeError
	}
	if m.Decline {
		return false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[idempotencyKey]++
	return true, nil
}

// SuccessfulCharges returns how many approved charges were made with key.
func (m *MockPSP) SuccessfulCharges(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.keys[key]
}
