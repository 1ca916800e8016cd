package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"bookscan/internal/models"
	"bookscan/internal/storage"
	"bookscan/internal/telemetry"
)

// IntakeStore is the slice of the store the intake step mutates.
type IntakeStore interface {
	SetStoredImage(ctx context.Context, id, storagePath string, thumbnail []byte, url string, expiresAt time.Time) error
	AdvanceStage(ctx context.Context, id, stage string, progress int) (bool, error)
	MarkFailed(ctx context.Context, id, originStage, code, message string) (bool, error)
}

// ImageStorer persists an original and issues signed URLs for it.
type ImageStorer interface {
	Store(ctx context.Context, ownerID, jobID string, body []byte, mimeType string) (storage.StoredImage, error)
	SignedURL(ctx context.Context, storagePath string) (string, time.Time, error)
}

// Intake completes the uploading stage for a freshly created job: persists
// the original and its thumbnail, records the signed URL, and hands the job
// ID to the worker pool. All post-creation mutation stays inside the
// pipeline; the API only creates the row and responds.
type Intake struct {
	store  IntakeStore
	images ImageStorer
	queue  Enqueuer
	log    *zap.Logger
}

func NewIntake(st IntakeStore, images ImageStorer, queue Enqueuer, log *zap.Logger) *Intake {
	return &Intake{store: st, images: images, queue: queue, log: log}
}

// Accept runs the uploading stage for one job. Failures finalize the job
// in place (corrupt payloads are terminal, storage outages retryable); the
// caller is expected to let pollers observe the outcome rather than
// surface it on the submit response.
func (i *Intake) Accept(ctx context.Context, job models.DetectionJob, body []byte) error {
	stored, err := i.images.Store(ctx, job.OwnerID, job.ID, body, job.MimeType)
	if err != nil {
		if errors.Is(err, storage.ErrUndecodable) {
			return i.fail(ctx, job.ID, models.CodeCorruptImage, "image payload does not decode: "+err.Error())
		}
		return i.fail(ctx, job.ID, models.CodeServiceUnavailable, "storing image: "+err.Error())
	}

	url, expiresAt, err := i.images.SignedURL(ctx, stored.Path)
	if err != nil {
		return i.fail(ctx, job.ID, models.CodeServiceUnavailable, "signing image url: "+err.Error())
	}

	if err := i.store.SetStoredImage(ctx, job.ID, stored.Path, stored.Thumbnail, url, expiresAt); err != nil {
		return fmt.Errorf("record stored image: %w", err)
	}
	if _, err := i.store.AdvanceStage(ctx, job.ID, models.StageUploading, models.StageTarget(models.StageUploading)); err != nil {
		return fmt.Errorf("advance uploading stage: %w", err)
	}

	if err := i.queue.Enqueue(ctx, job.ID); err != nil {
		// Row stays processing; the reaper times it out if no worker comes.
		i.log.Error("enqueue after intake failed", zap.String("job_id", job.ID), zap.Error(err))
		return fmt.Errorf("enqueue job: %w", err)
	}

	telemetry.SubmitCounter.Inc()
	return nil
}

func (i *Intake) fail(ctx context.Context, jobID, code, message string) error {
	if _, err := i.store.MarkFailed(ctx, jobID, models.StageUploading, code, message); err != nil {
		return fmt.Errorf("record intake failure: %w", err)
	}
	telemetry.FailedCounter.WithLabelValues(code).Inc()
	i.log.Info("intake failed", zap.String("job_id", jobID), zap.String("code", code))
	return nil
}
