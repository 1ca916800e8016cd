// Package pipeline drives a detection job through the stage state machine:
// uploading -> extracting -> analyzing -> enriching -> cross_referencing ->
// finalizing, persisting every transition so a concurrent poller always
// observes a consistent, monotonically advancing view.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "golang.org/x/image/webp"

	"bookscan/internal/detect"
	"bookscan/internal/models"
	"bookscan/internal/storage"
	"bookscan/internal/store"
	"bookscan/internal/telemetry"
)

// JobStore is the slice of the store the orchestrator mutates. Every write
// is guarded on status=processing inside the store, which is what discards
// late writes from an abandoned run.
type JobStore interface {
	GetJob(ctx context.Context, id string) (models.DetectionJob, error)
	AdvanceStage(ctx context.Context, id, stage string, progress int) (bool, error)
	MarkCompleted(ctx context.Context, id string, result []models.DetectedBook) (bool, error)
	MarkFailed(ctx context.Context, id, originStage, code, message string) (bool, error)
}

// ImageFetcher retrieves a stored original for processing.
type ImageFetcher interface {
	Fetch(ctx context.Context, storagePath string) ([]byte, error)
}

// Orchestrator runs single detection jobs end to end. One run per job at a
// time; separate jobs are fully independent.
type Orchestrator struct {
	store    JobStore
	images   ImageFetcher
	engine   detect.Engine
	log      *zap.Logger
	throttle time.Duration
}

// NewOrchestrator wires the pipeline dependencies. throttle bounds how often
// same-stage progress updates are persisted; stage changes always persist.
func NewOrchestrator(st JobStore, images ImageFetcher, engine detect.Engine, log *zap.Logger, throttle time.Duration) *Orchestrator {
	if throttle == 0 {
		throttle = 250 * time.Millisecond
	}
	return &Orchestrator{store: st, images: images, engine: engine, log: log, throttle: throttle}
}

// Run executes one detection pass for the job. The engine is invoked
// exactly once; every failure is normalized into the fixed taxonomy before
// it is persisted.
func (o *Orchestrator) Run(ctx context.Context, jobID string) error {
	job, err := o.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		o.log.Warn("job vanished before processing", zap.String("job_id", jobID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if job.Status != models.StatusProcessing {
		// Reaper or a concurrent run already finalized it; this run is stale.
		o.log.Info("skipping job no longer processing",
			zap.String("job_id", jobID), zap.String("status", job.Status))
		return nil
	}

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	if job.StoragePath == nil {
		return o.fail(ctx, jobID, models.StageUploading, models.CodeUnexpected, "job has no stored image")
	}

	imageBytes, err := o.images.Fetch(ctx, *job.StoragePath)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
			return err
		}
		if errors.Is(err, storage.ErrObjectNotFound) {
			return o.fail(ctx, jobID, models.StageUploading, models.CodeUnexpected, "stored image is missing")
		}
		return o.fail(ctx, jobID, models.StageUploading, models.CodeServiceUnavailable, "fetching stored image: "+err.Error())
	}

	sink := newProgressSink(o.store, jobID, job.Progress, o.throttle)
	sink.report(models.StageExtracting, models.StageTarget(models.StageExtracting))

	// The payload must decode before it is worth a detection call. A file
	// with an image extension but unreadable content fails here.
	if _, _, err := image.Decode(bytes.NewReader(imageBytes)); err != nil {
		return o.fail(ctx, jobID, models.StageExtracting, models.CodeCorruptImage, "image payload does not decode: "+err.Error())
	}

	result, err := o.engine.Detect(ctx, imageBytes, sink.report)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
			// Worker shutdown mid-run: leave the row processing so the
			// reaper recovers it instead of finalizing a live job.
			o.log.Info("run interrupted by shutdown", zap.String("job_id", jobID))
			return err
		}
		return o.fail(ctx, jobID, sink.currentStage(), models.CodeUnexpected, err.Error())
	}

	if result.Failure != nil {
		code := mapEngineCode(result.Failure.Code)
		return o.fail(ctx, jobID, sink.currentStage(), code, result.Failure.Message)
	}

	if len(result.Items) == 0 {
		return o.fail(ctx, jobID, sink.currentStage(), models.CodeNoBooksDetected, "pipeline completed but found no books")
	}

	applied, err := o.store.MarkCompleted(ctx, jobID, result.Items)
	if err != nil {
		return fmt.Errorf("finalize job %s: %w", jobID, err)
	}
	if !applied {
		o.log.Warn("discarded late completion for finalized job", zap.String("job_id", jobID))
		return nil
	}
	telemetry.CompletedCounter.Inc()
	o.log.Info("detection completed",
		zap.String("job_id", jobID), zap.Int("books", len(result.Items)))
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, jobID, originStage, code, message string) error {
	if !models.KnownCode(code) {
		code = models.CodeUnexpected
	}
	applied, err := o.store.MarkFailed(ctx, jobID, originStage, code, message)
	if err != nil {
		return fmt.Errorf("record failure for job %s: %w", jobID, err)
	}
	if !applied {
		o.log.Warn("discarded late failure for finalized job",
			zap.String("job_id", jobID), zap.String("code", code))
		return nil
	}
	telemetry.FailedCounter.WithLabelValues(code).Inc()
	o.log.Info("detection failed",
		zap.String("job_id", jobID),
		zap.String("stage", originStage),
		zap.String("code", code),
		zap.Bool("can_retry", models.CanRetry(code)))
	return nil
}

// mapEngineCode folds the engine's raw vocabulary into the fixed taxonomy.
// Anything unrecognized becomes CodeUnexpected so callers never see a raw
// engine code.
func mapEngineCode(raw string) string {
	switch raw {
	case detect.RawBadImage:
		return models.CodeInvalidImage
	case detect.RawOCREmpty:
		return models.CodeOCRFailed
	case detect.RawModelError:
		return models.CodeAIFailed
	case detect.RawNoMatches:
		return models.CodeNoBooksDetected
	case detect.RawThrottled:
		return models.CodeRateLimited
	case detect.RawUnavailable:
		return models.CodeServiceUnavailable
	case detect.RawTimeout:
		return models.CodeTimeout
	default:
		return models.CodeUnexpected
	}
}

// progressSink clamps and throttles engine progress reports before they are
// persisted. The engine is not trusted: decreasing or out-of-order values
// are ignored, and a report for a finalized job writes nothing because the
// store-level guard rejects it.
type progressSink struct {
	store    JobStore
	jobID    string
	throttle time.Duration

	mu          sync.Mutex
	stage       string
	stageIdx    int
	progress    int
	lastPersist time.Time
}

func newProgressSink(st JobStore, jobID string, startProgress int, throttle time.Duration) *progressSink {
	return &progressSink{
		store:    st,
		jobID:    jobID,
		throttle: throttle,
		stage:    models.StageUploading,
		stageIdx: models.StageIndex(models.StageUploading),
		progress: startProgress,
	}
}

func (s *progressSink) currentStage() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stage
}

func (s *progressSink) report(stage string, percent int) {
	idx := models.StageIndex(stage)
	if idx < 0 {
		return
	}

	s.mu.Lock()
	if idx < s.stageIdx {
		s.mu.Unlock()
		return
	}
	target := models.StageTarget(stage)
	if percent > target {
		percent = target
	}
	if percent < s.progress {
		percent = s.progress
	}
	stageChanged := idx > s.stageIdx
	if !stageChanged && percent == s.progress {
		s.mu.Unlock()
		return
	}
	if !stageChanged && time.Since(s.lastPersist) < s.throttle {
		s.mu.Unlock()
		return
	}
	s.stage = stage
	s.stageIdx = idx
	s.progress = percent
	s.lastPersist = time.Now()
	s.mu.Unlock()

	// Persist outside the lock; the store guard makes a stale write a no-op.
	if _, err := s.store.AdvanceStage(context.Background(), s.jobID, stage, percent); err != nil {
		return
	}
}
