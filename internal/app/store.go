package app

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/newrelic/go-agent/v3/newrelic"

	"ridehail/internal/config"
	"ridehail/internal/logger"
	"ridehail/internal/repository"
	"ridehail/internal/repository/memory"
	"ridehail/internal/repository/postgres"
)

// Stores bundles the repositories of one process.
type Stores struct {
	Rides     repository.RideRepository
	Positions repository.PositionRepository
	Payments  repository.PaymentRepository

	db *sql.DB
}

// NewStores opens the configured store. Memory stores live only as long as
// the process.
func NewStores(ctx context.Context, cfg *config.Config, nrApp *newrelic.Application, log logger.Logger) (*Stores, error) {
	switch cfg.Store.Driver {
	case config.StoreDriverPostgres:
		db, err := NewDatabase(ctx, cfg.Database, nrApp)
		if err != nil {
			return nil, err
		}
		if cfg.Database.Migrate {
			if err := Migrate(ctx, db); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("failed to migrate database: %w", err)
			}
			log.Info("database migrated")
		}
		rides := postgres.NewRideRepository(db)
		return &Stores{
			Rides:     rides,
			Positions: rides,
			Payments:  postgres.NewPaymentRepository(db),
			db:        db,
		}, nil

	case config.StoreDriverMemory:
		rides := memory.NewRideRepository()
		return &Stores{
			Rides:     rides,
			Positions: rides,
			Payments:  memory.NewPaymentRepository(),
		}, nil

	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// Close releases the database connection, if any.
func (s *Stores) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
