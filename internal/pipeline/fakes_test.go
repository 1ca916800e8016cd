package pipeline

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"
	"time"

	"bookscan/internal/detect"
	"bookscan/internal/models"
	"bookscan/internal/storage"
	"bookscan/internal/store"
)

type advanceCall struct {
	Stage    string
	Progress int
}

// fakeStore is an in-memory stand-in for the Postgres store that applies
// the same status guards as the real one.
type fakeStore struct {
	mu       sync.Mutex
	jobs     map[string]*models.DetectionJob
	advances []advanceCall
}

func newFakeStore() *fakeStore {
	return &fakeStore{jobs: map[string]*models.DetectionJob{}}
}

func (f *fakeStore) put(j models.DetectionJob) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[j.ID] = &j
}

func (f *fakeStore) get(id string) models.DetectionJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.jobs[id]
}

func (f *fakeStore) GetJob(_ context.Context, id string) (models.DetectionJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return models.DetectionJob{}, store.ErrNotFound
	}
	return *j, nil
}

func (f *fakeStore) GetJobForOwner(_ context.Context, id, ownerID string) (models.DetectionJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok || j.OwnerID != ownerID {
		return models.DetectionJob{}, store.ErrNotFound
	}
	return *j, nil
}

func (f *fakeStore) AdvanceStage(_ context.Context, id, stage string, progress int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok || j.Status != models.StatusProcessing {
		return false, nil
	}
	j.Stage = stage
	if progress > j.Progress {
		j.Progress = progress
	}
	j.UpdatedAt = time.Now()
	f.advances = append(f.advances, advanceCall{Stage: stage, Progress: j.Progress})
	return true, nil
}

func (f *fakeStore) MarkCompleted(_ context.Context, id string, result []models.DetectedBook) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok || j.Status != models.StatusProcessing {
		return false, nil
	}
	j.Status = models.StatusCompleted
	j.Stage = models.StageFinalizing
	j.Progress = 100
	j.Result = result
	j.ErrorCode = nil
	j.ErrorMessage = nil
	j.CanRetry = false
	j.UpdatedAt = time.Now()
	return true, nil
}

func (f *fakeStore) MarkFailed(_ context.Context, id, originStage, code, message string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok || j.Status != models.StatusProcessing {
		return false, nil
	}
	j.Status = models.StatusFailed
	j.Stage = models.FailedStage(originStage)
	j.ErrorCode = &code
	j.ErrorMessage = &message
	j.CanRetry = models.CanRetry(code)
	j.Result = nil
	j.UpdatedAt = time.Now()
	return true, nil
}

func (f *fakeStore) ResetForRetry(_ context.Context, id, ownerID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok || j.OwnerID != ownerID || j.Status != models.StatusFailed || !j.CanRetry || j.IsDeleted {
		return false, nil
	}
	j.Status = models.StatusProcessing
	j.Stage = models.StageUploading
	j.Progress = 0
	j.ErrorCode = nil
	j.ErrorMessage = nil
	j.CanRetry = false
	j.Result = nil
	j.RetryCount++
	j.UpdatedAt = time.Now()
	return true, nil
}

func (f *fakeStore) SetStoredImage(_ context.Context, id, storagePath string, thumbnail []byte, url string, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := f.jobs[id]
	now := time.Now()
	j.StoragePath = &storagePath
	j.Thumbnail = thumbnail
	j.StorageURL = &url
	j.StorageURLExpiry = &expiresAt
	j.UploadedAt = &now
	return nil
}

type fakeImages struct {
	mu       sync.Mutex
	objects  map[string][]byte
	storeErr error
	fetchErr error
}

func newFakeImages() *fakeImages {
	return &fakeImages{objects: map[string][]byte{}}
}

func (f *fakeImages) Store(_ context.Context, ownerID, jobID string, body []byte, mimeType string) (storage.StoredImage, error) {
	if f.storeErr != nil {
		return storage.StoredImage{}, f.storeErr
	}
	thumb, err := storage.DeriveThumbnail(body, 320, 500*1024)
	if err != nil {
		return storage.StoredImage{}, err
	}
	key := storage.Key(ownerID, jobID, mimeType)
	f.mu.Lock()
	f.objects[key] = body
	f.mu.Unlock()
	return storage.StoredImage{Path: key, Thumbnail: thumb}, nil
}

func (f *fakeImages) Fetch(_ context.Context, storagePath string) ([]byte, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	body, ok := f.objects[storagePath]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return body, nil
}

func (f *fakeImages) SignedURL(_ context.Context, storagePath string) (string, time.Time, error) {
	return "https://img.example/" + storagePath, time.Now().Add(7 * 24 * time.Hour), nil
}

type fakeQueue struct {
	mu       sync.Mutex
	enqueued []string
	err      error
}

func (f *fakeQueue) Enqueue(_ context.Context, jobID string) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	f.enqueued = append(f.enqueued, jobID)
	f.mu.Unlock()
	return nil
}

type fakeEngine struct {
	fn func(ctx context.Context, imageBytes []byte, onProgress detect.ProgressFunc) (detect.Result, error)
}

func (f *fakeEngine) Detect(ctx context.Context, imageBytes []byte, onProgress detect.ProgressFunc) (detect.Result, error) {
	return f.fn(ctx, imageBytes, onProgress)
}

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 80, B: 40, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

// testWebP is a minimal valid 1x1 lossy (VP8) webp file.
var testWebP = []byte{
	0x52, 0x49, 0x46, 0x46, 0x24, 0x00, 0x00, 0x00,
	0x57, 0x45, 0x42, 0x50, 0x56, 0x50, 0x38, 0x20,
	0x18, 0x00, 0x00, 0x00, 0x30, 0x01, 0x00, 0x9d,
	0x01, 0x2a, 0x01, 0x00, 0x01, 0x00, 0x02, 0x00,
	0x34, 0x25, 0xa4, 0x00, 0x03, 0x70, 0x00, 0xfe,
	0xfb, 0xfd, 0x50, 0x00,
}

func processingJob(id, owner, path string) models.DetectionJob {
	return models.DetectionJob{
		ID:          id,
		OwnerID:     owner,
		Status:      models.StatusProcessing,
		Stage:       models.StageUploading,
		Progress:    15,
		StoragePath: &path,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
}
