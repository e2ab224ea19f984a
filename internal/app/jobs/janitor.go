// Package jobs runs the background maintenance schedules: refresh-token
// purging and tracking-point pruning.
package jobs

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rutaops/dispatch/internal/app/storage"
	"github.com/rutaops/dispatch/pkg/logger"
)

// trackingRetention is how long driver position history is kept.
const trackingRetention = 30 * 24 * time.Hour

// Janitor schedules the maintenance jobs.
type Janitor struct {
	cron   *cron.Cron
	stores storage.Stores
	log    *logger.Logger
}

// NewJanitor builds the scheduler without starting it.
func NewJanitor(stores storage.Stores, log *logger.Logger) *Janitor {
	if log == nil {
		log = logger.NewDefault("jobs")
	}
	return &Janitor{cron: cron.New(), stores: stores, log: log}
}

// Start registers and starts the schedules.
func (j *Janitor) Start() error {
	if _, err := j.cron.AddFunc("@hourly", j.purgeTokens); err != nil {
		return err
	}
	if _, err := j.cron.AddFunc("@daily", j.pruneTracking); err != nil {
		return err
	}
	j.cron.Start()
	return nil
}

// Stop halts the scheduler and waits for running jobs.
func (j *Janitor) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
}

func (j *Janitor) purgeTokens() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	purged, err := j.stores.Tokens.PurgeExpiredTokens(ctx, time.Now().UTC())
	if err != nil {
		j.log.WithError(err).Warn("purge expired refresh tokens")
		return
	}
	if purged > 0 {
		j.log.WithField("purged", purged).Info("purged expired refresh tokens")
	}
}

func (j *Janitor) pruneTracking() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	cutoff := time.Now().UTC().Add(-trackingRetention)
	pruned, err := j.stores.Routes.PruneTrackingPoints(ctx, cutoff)
	if err != nil {
		j.log.WithError(err).Warn("prune tracking points")
		return
	}
	if pruned > 0 {
		j.log.WithField("pruned", pruned).Info("pruned old tracking points")
	}
}
