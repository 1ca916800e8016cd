package pipeline

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"bookscan/internal/models"
	"bookscan/internal/store"
)

func failedJob(id, owner, code string) models.DetectionJob {
	path := "users/" + owner + "/detections/" + id + "/original.jpg"
	j := processingJob(id, owner, path)
	j.Status = models.StatusFailed
	j.Stage = models.FailedStage(models.StageAnalyzing)
	j.Progress = 70
	j.ErrorCode = &code
	j.CanRetry = models.CanRetry(code)
	return j
}

func TestRetryResetsAndReenqueues(t *testing.T) {
	st := newFakeStore()
	st.put(failedJob("job-1", "owner-a", models.CodeTimeout))
	q := &fakeQueue{}
	r := NewRetrier(st, q, zap.NewNop())

	job, err := r.Retry(context.Background(), "job-1", "owner-a")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if job.Status != models.StatusProcessing {
		t.Fatalf("expected processing, got %s", job.Status)
	}
	if job.Stage != models.StageUploading || job.Progress != 0 {
		t.Fatalf("expected reset to uploading/0, got %s/%d", job.Stage, job.Progress)
	}
	if job.RetryCount != 1 {
		t.Fatalf("expected retry_count 1, got %d", job.RetryCount)
	}
	if job.ErrorCode != nil {
		t.Fatalf("error fields must be cleared on retry")
	}
	if job.StoragePath == nil {
		t.Fatalf("stored image reference must survive the reset")
	}
	if len(q.enqueued) != 1 || q.enqueued[0] != "job-1" {
		t.Fatalf("job not re-enqueued: %v", q.enqueued)
	}
}

func TestRetryRejectsMissingJob(t *testing.T) {
	r := NewRetrier(newFakeStore(), &fakeQueue{}, zap.NewNop())
	_, err := r.Retry(context.Background(), "nope", "owner-a")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRetryRejectsForeignJob(t *testing.T) {
	st := newFakeStore()
	st.put(failedJob("job-1", "owner-a", models.CodeTimeout))
	r := NewRetrier(st, &fakeQueue{}, zap.NewNop())

	_, err := r.Retry(context.Background(), "job-1", "owner-b")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("foreign jobs must look missing, got %v", err)
	}
}

func TestRetryRejectsNonFailedJob(t *testing.T) {
	st := newFakeStore()
	path := "users/owner-a/detections/job-1/original.jpg"
	st.put(processingJob("job-1", "owner-a", path))
	q := &fakeQueue{}
	r := NewRetrier(st, q, zap.NewNop())

	_, err := r.Retry(context.Background(), "job-1", "owner-a")
	if !errors.Is(err, ErrNotFailed) {
		t.Fatalf("expected ErrNotFailed, got %v", err)
	}
	if len(q.enqueued) != 0 {
		t.Fatalf("rejected retry must not enqueue")
	}
}

func TestRetryRejectsNonRetryableFailure(t *testing.T) {
	st := newFakeStore()
	st.put(failedJob("job-1", "owner-a", models.CodeCorruptImage))
	r := NewRetrier(st, &fakeQueue{}, zap.NewNop())

	_, err := r.Retry(context.Background(), "job-1", "owner-a")
	if !errors.Is(err, ErrNotRetryable) {
		t.Fatalf("expected ErrNotRetryable, got %v", err)
	}
}

func TestRetryIsIdempotentlyRejectedTwice(t *testing.T) {
	st := newFakeStore()
	st.put(failedJob("job-1", "owner-a", models.CodeAIFailed))
	q := &fakeQueue{}
	r := NewRetrier(st, q, zap.NewNop())

	if _, err := r.Retry(context.Background(), "job-1", "owner-a"); err != nil {
		t.Fatalf("first retry: %v", err)
	}
	// Already processing again: the second request is a typed rejection.
	if _, err := r.Retry(context.Background(), "job-1", "owner-a"); !errors.Is(err, ErrNotFailed) {
		t.Fatalf("expected ErrNotFailed on double retry, got %v", err)
	}
	if len(q.enqueued) != 1 {
		t.Fatalf("double retry must not enqueue twice: %v", q.enqueued)
	}
}
