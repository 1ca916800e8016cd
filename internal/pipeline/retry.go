package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"bookscan/internal/models"
	"bookscan/internal/store"
	"bookscan/internal/telemetry"
)

// Typed retry rejections. Each violated precondition reports which one,
// never a silent success.
var (
	ErrNotFailed    = errors.New("job is not in a failed state")
	ErrNotRetryable = errors.New("job failure is not retryable")
)

// RetryStore is the slice of the store the retry controller needs.
type RetryStore interface {
	GetJobForOwner(ctx context.Context, id, ownerID string) (models.DetectionJob, error)
	ResetForRetry(ctx context.Context, id, ownerID string) (bool, error)
}

// Enqueuer hands a job ID back to the worker pool.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobID string) error
}

// Retrier re-enters a failed, retry-eligible job into the pipeline. The
// already-stored image is reused; the client never resends the file.
type Retrier struct {
	store RetryStore
	queue Enqueuer
	log   *zap.Logger
}

func NewRetrier(st RetryStore, queue Enqueuer, log *zap.Logger) *Retrier {
	return &Retrier{store: st, queue: queue, log: log}
}

// Retry resets the job to the initial processing state, bumps retry_count,
// and re-enqueues it. The store UPDATE carries all preconditions (exists,
// owned, failed, retryable); a non-applied reset is classified by
// re-reading the row.
func (r *Retrier) Retry(ctx context.Context, jobID, ownerID string) (models.DetectionJob, error) {
	applied, err := r.store.ResetForRetry(ctx, jobID, ownerID)
	if err != nil {
		return models.DetectionJob{}, fmt.Errorf("reset for retry: %w", err)
	}
	if !applied {
		job, err := r.store.GetJobForOwner(ctx, jobID, ownerID)
		if err != nil {
			return models.DetectionJob{}, err
		}
		if job.IsDeleted {
			return models.DetectionJob{}, store.ErrNotFound
		}
		if job.Status != models.StatusFailed {
			return models.DetectionJob{}, ErrNotFailed
		}
		if !job.CanRetry {
			return models.DetectionJob{}, ErrNotRetryable
		}
		return models.DetectionJob{}, fmt.Errorf("retry of job %s was not applied", jobID)
	}

	job, err := r.store.GetJobForOwner(ctx, jobID, ownerID)
	if err != nil {
		return models.DetectionJob{}, fmt.Errorf("reload job after reset: %w", err)
	}

	if err := r.queue.Enqueue(ctx, jobID); err != nil {
		// The row is already processing; the reaper will time it out if no
		// worker ever picks it up.
		r.log.Error("enqueue after retry reset failed",
			zap.String("job_id", jobID), zap.Error(err))
		return models.DetectionJob{}, fmt.Errorf("enqueue retry: %w", err)
	}

	telemetry.RetryCounter.Inc()
	r.log.Info("job re-entered pipeline",
		zap.String("job_id", jobID), zap.Int("retry_count", job.RetryCount))
	return job, nil
}
