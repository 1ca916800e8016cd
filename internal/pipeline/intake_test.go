package pipeline

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"bookscan/internal/models"
)

func createdJob(id, owner string) models.DetectionJob {
	return models.DetectionJob{
		ID:       id,
		OwnerID:  owner,
		Status:   models.StatusProcessing,
		Stage:    models.StageUploading,
		Progress: 0,
		MimeType: "image/png",
	}
}

func TestIntakeStoresImageAndEnqueues(t *testing.T) {
	st := newFakeStore()
	images := newFakeImages()
	q := &fakeQueue{}
	job := createdJob("job-1", "owner-a")
	st.put(job)

	in := NewIntake(st, images, q, zap.NewNop())
	if err := in.Accept(context.Background(), job, testPNG(t)); err != nil {
		t.Fatalf("accept: %v", err)
	}

	after := st.get("job-1")
	if after.Status != models.StatusProcessing {
		t.Fatalf("expected processing, got %s", after.Status)
	}
	if after.Stage != models.StageUploading || after.Progress != 15 {
		t.Fatalf("expected uploading/15 after intake, got %s/%d", after.Stage, after.Progress)
	}
	if after.StoragePath == nil || len(after.Thumbnail) == 0 {
		t.Fatalf("image fields not recorded")
	}
	if after.StorageURL == nil || after.StorageURLExpiry == nil {
		t.Fatalf("signed url not recorded")
	}
	if len(q.enqueued) != 1 || q.enqueued[0] != "job-1" {
		t.Fatalf("job not enqueued: %v", q.enqueued)
	}
}

func TestIntakeCorruptUploadFailsTerminally(t *testing.T) {
	st := newFakeStore()
	images := newFakeImages()
	q := &fakeQueue{}
	job := createdJob("job-1", "owner-a")
	st.put(job)

	in := NewIntake(st, images, q, zap.NewNop())
	// JPEG magic bytes over garbage: passes MIME sniffing, fails decode.
	body := append([]byte{0xFF, 0xD8, 0xFF, 0xE0}, []byte("garbage")...)
	if err := in.Accept(context.Background(), job, body); err != nil {
		t.Fatalf("accept: %v", err)
	}

	after := st.get("job-1")
	if after.Status != models.StatusFailed {
		t.Fatalf("expected failed, got %s", after.Status)
	}
	if after.ErrorCode == nil || *after.ErrorCode != models.CodeCorruptImage {
		t.Fatalf("expected CORRUPT_IMAGE, got %v", after.ErrorCode)
	}
	if after.CanRetry {
		t.Fatalf("corrupt uploads are not retryable")
	}
	if len(q.enqueued) != 0 {
		t.Fatalf("failed intake must not enqueue")
	}
}
