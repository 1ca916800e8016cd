package sweep

import (
	"context"
	"time"

	"go.uber.org/zap"

	"bookscan/internal/models"
	"bookscan/internal/telemetry"
)

// CleanerStore is the slice of the store the cleaner needs.
type CleanerStore interface {
	ListCleanable(ctx context.Context, consumedCutoff, requestedCutoff time.Time, limit int) ([]models.DetectionJob, error)
	SoftDelete(ctx context.Context, id string) error
}

// ImageRemover deletes a stored original. Idempotent at the storage layer.
type ImageRemover interface {
	Remove(ctx context.Context, storagePath string) error
}

// Cleaner soft-deletes jobs past their retention window: consumed results
// after the long window, owner-flagged deletions after a short grace
// period. Failed jobs with no delete request are retained indefinitely for
// diagnostics. Storage removal is best-effort; record-state correctness is
// not allowed to depend on it.
type Cleaner struct {
	store     CleanerStore
	images    ImageRemover
	retention time.Duration
	grace     time.Duration
	batch     int
	log       *zap.Logger
}

func NewCleaner(st CleanerStore, images ImageRemover, retention, grace time.Duration, batch int, log *zap.Logger) *Cleaner {
	if batch <= 0 {
		batch = 50
	}
	return &Cleaner{store: st, images: images, retention: retention, grace: grace, batch: batch, log: log}
}

// Run performs one bounded sweep.
func (c *Cleaner) Run(ctx context.Context) Summary {
	now := time.Now().UTC()
	consumedCutoff := now.Add(-c.retention)
	requestedCutoff := now.Add(-c.grace)

	eligible, err := c.store.ListCleanable(ctx, consumedCutoff, requestedCutoff, c.batch)
	if err != nil {
		c.log.Error("list cleanable jobs failed", zap.Error(err))
		return Summary{Errored: 1}
	}

	var sum Summary
	for _, job := range eligible {
		if job.StoragePath != nil {
			if err := c.images.Remove(ctx, *job.StoragePath); err != nil {
				// Storage leakage is a lesser fault than an inconsistent record.
				c.log.Warn("image removal failed, proceeding with soft delete",
					zap.String("job_id", job.ID),
					zap.String("path", *job.StoragePath),
					zap.Error(err))
			}
		}
		if err := c.store.SoftDelete(ctx, job.ID); err != nil {
			sum.Errored++
			c.log.Error("soft delete failed", zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		sum.Processed++
		telemetry.CleanedCounter.Inc()
		c.log.Info("cleaned job", zap.String("job_id", job.ID))
	}
	return sum
}
