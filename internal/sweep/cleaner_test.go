package sweep

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"bookscan/internal/models"
)

type cleanerFake struct {
	mu   sync.Mutex
	jobs map[string]*models.DetectionJob
}

func newCleanerFake() *cleanerFake {
	return &cleanerFake{jobs: map[string]*models.DetectionJob{}}
}

func (f *cleanerFake) put(j models.DetectionJob) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[j.ID] = &j
}

func (f *cleanerFake) get(id string) models.DetectionJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.jobs[id]
}

func (f *cleanerFake) ListCleanable(_ context.Context, consumedCutoff, requestedCutoff time.Time, limit int) ([]models.DetectionJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.DetectionJob
	for _, j := range f.jobs {
		if j.IsDeleted {
			continue
		}
		consumed := j.ConsumedAt != nil && j.ConsumedAt.Before(consumedCutoff)
		requested := j.DeleteRequestedAt != nil && j.DeleteRequestedAt.Before(requestedCutoff)
		if consumed || requested {
			out = append(out, *j)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (f *cleanerFake) SoftDelete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := f.jobs[id]
	now := time.Now()
	j.IsDeleted = true
	j.DeletedAt = &now
	j.StoragePath = nil
	j.StorageURL = nil
	j.StorageURLExpiry = nil
	j.Thumbnail = nil
	return nil
}

type removerFake struct {
	mu      sync.Mutex
	removed []string
	err     error
}

func (f *removerFake) Remove(_ context.Context, storagePath string) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	f.removed = append(f.removed, storagePath)
	f.mu.Unlock()
	return nil
}

func completedJob(id string, consumedAge, requestedAge time.Duration) models.DetectionJob {
	path := "users/owner-a/detections/" + id + "/original.jpg"
	j := models.DetectionJob{
		ID:          id,
		OwnerID:     "owner-a",
		Status:      models.StatusCompleted,
		Stage:       models.StageFinalizing,
		Progress:    100,
		Result:      []models.DetectedBook{{Title: "Beloved"}},
		StoragePath: &path,
		Thumbnail:   []byte{1, 2, 3},
		UpdatedAt:   time.Now(),
	}
	if consumedAge > 0 {
		at := time.Now().Add(-consumedAge)
		j.ConsumedAt = &at
	}
	if requestedAge > 0 {
		at := time.Now().Add(-requestedAge)
		j.DeleteRequestedAt = &at
	}
	return j
}

func TestCleanerSoftDeletesConsumedJobs(t *testing.T) {
	st := newCleanerFake()
	st.put(completedJob("old", 8*24*time.Hour, 0))
	st.put(completedJob("recent", 2*24*time.Hour, 0))

	remover := &removerFake{}
	c := NewCleaner(st, remover, 7*24*time.Hour, 24*time.Hour, 50, zap.NewNop())
	sum := c.Run(context.Background())

	if sum.Processed != 1 || sum.Errored != 0 {
		t.Fatalf("unexpected summary: %+v", sum)
	}

	old := st.get("old")
	if !old.IsDeleted || old.DeletedAt == nil {
		t.Fatalf("old job not soft-deleted")
	}
	if old.StoragePath != nil || old.StorageURL != nil || old.Thumbnail != nil {
		t.Fatalf("image fields not scrubbed: %+v", old)
	}
	// Audit trail stays behind.
	if old.ID != "old" || len(old.Result) != 1 {
		t.Fatalf("non-image fields must survive soft delete")
	}
	if len(remover.removed) != 1 {
		t.Fatalf("stored image not removed: %v", remover.removed)
	}

	if st.get("recent").IsDeleted {
		t.Fatalf("job inside the retention window must survive")
	}
}

func TestCleanerHonorsDeleteRequestGrace(t *testing.T) {
	st := newCleanerFake()
	st.put(completedJob("flagged-old", 0, 25*time.Hour))
	st.put(completedJob("flagged-fresh", 0, time.Hour))

	c := NewCleaner(st, &removerFake{}, 7*24*time.Hour, 24*time.Hour, 50, zap.NewNop())
	if sum := c.Run(context.Background()); sum.Processed != 1 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	if !st.get("flagged-old").IsDeleted {
		t.Fatalf("delete request past the grace period must be honored")
	}
	if st.get("flagged-fresh").IsDeleted {
		t.Fatalf("grace period must keep an accidental delete recoverable")
	}
}

func TestCleanerRetainsUnflaggedFailedJobs(t *testing.T) {
	st := newCleanerFake()
	code := models.CodeAIFailed
	path := "users/owner-a/detections/failed/original.jpg"
	st.put(models.DetectionJob{
		ID:          "failed",
		OwnerID:     "owner-a",
		Status:      models.StatusFailed,
		Stage:       models.FailedStage(models.StageAnalyzing),
		ErrorCode:   &code,
		CanRetry:    true,
		StoragePath: &path,
		UpdatedAt:   time.Now().Add(-30 * 24 * time.Hour),
	})

	c := NewCleaner(st, &removerFake{}, 7*24*time.Hour, 24*time.Hour, 50, zap.NewNop())
	if sum := c.Run(context.Background()); sum.Processed != 0 {
		t.Fatalf("failed jobs without a delete request are retained: %+v", sum)
	}
}

func TestCleanerProceedsWhenImageRemovalFails(t *testing.T) {
	st := newCleanerFake()
	st.put(completedJob("old", 8*24*time.Hour, 0))

	remover := &removerFake{err: errors.New("bucket unavailable")}
	c := NewCleaner(st, remover, 7*24*time.Hour, 24*time.Hour, 50, zap.NewNop())
	sum := c.Run(context.Background())

	if sum.Processed != 1 || sum.Errored != 0 {
		t.Fatalf("storage failure must not block soft delete: %+v", sum)
	}
	if !st.get("old").IsDeleted {
		t.Fatalf("record not soft-deleted despite storage failure")
	}
}
