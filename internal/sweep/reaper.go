// Package sweep holds the time-based lifecycle sweeps: the timeout reaper
// and the retention cleaner. Both are stateless between runs and batch
// bounded, so an external scheduler can invoke them at any cadence and a
// repeated sweep is naturally idempotent.
package sweep

import (
	"context"
	"time"

	"go.uber.org/zap"

	"bookscan/internal/models"
	"bookscan/internal/telemetry"
)

// Summary reports what one sweep run did.
type Summary struct {
	Processed int `json:"processed"`
	Errored   int `json:"errored"`
}

// ReaperStore is the slice of the store the reaper needs.
type ReaperStore interface {
	ListStalled(ctx context.Context, cutoff time.Time, limit int) ([]models.DetectionJob, error)
	ForceFailStalled(ctx context.Context, id string, cutoff time.Time) (bool, error)
}

// Reaper force-fails jobs stuck in processing beyond the stall threshold.
// A job actively advancing keeps refreshing updated_at, so it never
// matches; re-running against already-failed jobs is a no-op because the
// predicate excludes non-processing rows.
type Reaper struct {
	store     ReaperStore
	threshold time.Duration
	batch     int
	log       *zap.Logger
}

func NewReaper(st ReaperStore, threshold time.Duration, batch int, log *zap.Logger) *Reaper {
	if batch <= 0 {
		batch = 50
	}
	return &Reaper{store: st, threshold: threshold, batch: batch, log: log}
}

// Run performs one bounded sweep.
func (r *Reaper) Run(ctx context.Context) Summary {
	cutoff := time.Now().UTC().Add(-r.threshold)

	stalled, err := r.store.ListStalled(ctx, cutoff, r.batch)
	if err != nil {
		r.log.Error("list stalled jobs failed", zap.Error(err))
		return Summary{Errored: 1}
	}

	var sum Summary
	for _, job := range stalled {
		applied, err := r.store.ForceFailStalled(ctx, job.ID, cutoff)
		if err != nil {
			sum.Errored++
			r.log.Error("force fail failed", zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		if !applied {
			// Advanced or finalized between scan and write; not stalled after all.
			continue
		}
		sum.Processed++
		telemetry.ReapedCounter.Inc()
		r.log.Warn("reaped stalled job",
			zap.String("job_id", job.ID),
			zap.String("last_stage", job.Stage),
			zap.Time("last_update", job.UpdatedAt))
	}
	return sum
}
