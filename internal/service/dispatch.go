package service

import (
	"context"
	"fmt"
	"time"

	"ridehail/internal/logger"
	"ridehail/internal/repository"
)

// DispatchReconciler republishes ride_completed events of completed rides
// whose publish never got confirmed.
type DispatchReconciler struct {
	rides    *RideService
	rideRepo repository.RideRepository
	log      logger.Logger
	interval time.Duration
	batch    int

	// MinAge skips rides completed more recently than this, leaving them to
	// the CompleteRide call that is still publishing.
	MinAge time.Duration
}

// NewDispatchReconciler creates a reconciler that scans every interval.
func NewDispatchReconciler(rides *RideService, rideRepo repository.RideRepository, log logger.Logger, interval time.Duration, batch int) *DispatchReconciler {
	if batch <= 0 {
		batch = 100
	}
	return &DispatchReconciler{
		rides:    rides,
		rideRepo: rideRepo,
		log:      log.Action("dispatch_reconcile"),
		interval: interval,
		batch:    batch,
		MinAge:   interval,
	}
}

// Run reconciles every interval until ctx is done.
func (d *DispatchReconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := d.ReconcileOnce(ctx); err != nil {
				d.log.Error("reconcile pass failed", err)
			}
		}
	}
}

// ReconcileOnce republishes pending events once and returns how many were published.
func (d *DispatchReconciler) ReconcileOnce(ctx context.Context) (int, error) {
	pending, err := d.rideRepo.ListPendingDispatch(ctx, d.batch)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending dispatches: %w", err)
	}

	cutoff := time.Now().Add(-d.MinAge)
	published := 0
	for _, ride := range pending {
		if ride.CompletedAt.After(cutoff) {
			continue
		}
		if err := d.rides.Dispatch(ctx, ride); err != nil {
			d.log.Error("republish failed", err, "ride_id", ride.ID)
			continue
		}
		published++
	}

	if published > 0 {
		d.log.Info("republished pending ride completions", "count", published)
	}
	return published, nil
}
