package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"bookscan/internal/models"
)

// ErrNotFound is returned when no job matches the id (and owner, when
// scoped).
var ErrNotFound = errors.New("detection job not found")

// Store wraps pgxpool for Postgres persistence. It is the sole owner of
// detection_jobs rows; every mutation is a single guarded UPDATE so that
// concurrent pollers always observe a consistent, monotonically advancing
// view and an abandoned pipeline run can never write over a terminal row.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	OwnerID          string
	OriginalFilename string
	MimeType         string
	SizeBytes        int64
}

const jobColumns = `
	id, owner_id, status, stage, progress,
	error_code, error_message, can_retry, result,
	original_filename, mime_type, size_bytes, thumbnail,
	storage_path, storage_url, storage_url_expires_at, uploaded_at,
	created_at, updated_at, consumed_at, delete_requested_at,
	is_deleted, deleted_at, retry_count`

// CreateJob inserts a new job row in the initial processing state.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.DetectionJob, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO detection_jobs
			(id, owner_id, status, stage, progress, original_filename, mime_type, size_bytes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6, $7, $8, $8)
	`, id, p.OwnerID, models.StatusProcessing, models.StageUploading, p.OriginalFilename, p.MimeType, p.SizeBytes, now)
	if err != nil {
		return models.DetectionJob{}, fmt.Errorf("insert job: %w", err)
	}

	return models.DetectionJob{
		ID:               id,
		OwnerID:          p.OwnerID,
		Status:           models.StatusProcessing,
		Stage:            models.StageUploading,
		Progress:         0,
		OriginalFilename: p.OriginalFilename,
		MimeType:         p.MimeType,
		SizeBytes:        p.SizeBytes,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.DetectionJob, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM detection_jobs WHERE id = $1`, id)
	return scanJob(row)
}

// GetJobForOwner fetches a job by id scoped to its owner. A job that exists
// but belongs to someone else is indistinguishable from a missing one.
func (s *Store) GetJobForOwner(ctx context.Context, id, ownerID string) (models.DetectionJob, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM detection_jobs WHERE id = $1 AND owner_id = $2`, id, ownerID)
	return scanJob(row)
}

// ListJobsForOwner returns the owner's most recent jobs, newest first.
func (s *Store) ListJobsForOwner(ctx context.Context, ownerID string, limit int) ([]models.DetectionJob, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM detection_jobs
		WHERE owner_id = $1 AND NOT is_deleted
		ORDER BY created_at DESC
		LIMIT $2
	`, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// SetStoredImage records the persisted original's location, thumbnail, and
// initial signed URL after upload to object storage.
func (s *Store) SetStoredImage(ctx context.Context, id, storagePath string, thumbnail []byte, url string, expiresAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE detection_jobs
		SET storage_path = $2, thumbnail = $3, storage_url = $4,
		    storage_url_expires_at = $5, uploaded_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, id, storagePath, thumbnail, url, expiresAt)
	return err
}

// AdvanceStage moves a processing job forward. The WHERE clause is the
// late-write guard (abandoned runs find status != processing and write
// nothing) and GREATEST enforces progress monotonicity at the row level.
// Returns whether the update applied.
func (s *Store) AdvanceStage(ctx context.Context, id, stage string, progress int) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE detection_jobs
		SET stage = $2, progress = GREATEST(progress, $3), updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, stage, progress, models.StatusProcessing)
	if err != nil {
		return false, fmt.Errorf("advance stage: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkCompleted finalizes a successful run. Guarded on processing so a run
// abandoned after a reaper force-fail cannot resurrect the job.
func (s *Store) MarkCompleted(ctx context.Context, id string, result []models.DetectedBook) (bool, error) {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return false, fmt.Errorf("marshal result: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE detection_jobs
		SET status = $2, stage = $3, progress = 100, result = $4,
		    error_code = NULL, error_message = NULL, can_retry = FALSE,
		    updated_at = NOW()
		WHERE id = $1 AND status = $5
	`, id, models.StatusCompleted, models.StageFinalizing, resultJSON, models.StatusProcessing)
	if err != nil {
		return false, fmt.Errorf("mark completed: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkFailed finalizes a failed run with a taxonomy code. Progress is left
// frozen at its last persisted value. Guarded on processing.
func (s *Store) MarkFailed(ctx context.Context, id, originStage, code, message string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE detection_jobs
		SET status = $2, stage = $3, error_code = $4, error_message = $5,
		    can_retry = $6, result = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $7
	`, id, models.StatusFailed, models.FailedStage(originStage), code, message,
		models.CanRetry(code), models.StatusProcessing)
	if err != nil {
		return false, fmt.Errorf("mark failed: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListStalled returns processing jobs whose updated_at predates cutoff,
// oldest first, at most limit rows.
func (s *Store) ListStalled(ctx context.Context, cutoff time.Time, limit int) ([]models.DetectionJob, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM detection_jobs
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3
	`, models.StatusProcessing, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list stalled: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// ForceFailStalled transitions one stalled job to failed/TIMEOUT. The
// predicate re-checks staleness so a job that advanced between the scan and
// this write is skipped.
func (s *Store) ForceFailStalled(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE detection_jobs
		SET status = $2, stage = $3, error_code = $4,
		    error_message = 'processing exceeded the maximum allowed duration',
		    can_retry = TRUE, updated_at = NOW()
		WHERE id = $1 AND status = $5 AND updated_at < $6
	`, id, models.StatusFailed, models.FailedStage("timeout"), models.CodeTimeout,
		models.StatusProcessing, cutoff)
	if err != nil {
		return false, fmt.Errorf("force fail stalled: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ResetForRetry re-enters a failed, retry-eligible job into the initial
// processing state and bumps retry_count. The preconditions live in the
// WHERE clause; callers classify a non-applied reset by re-reading the row.
func (s *Store) ResetForRetry(ctx context.Context, id, ownerID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE detection_jobs
		SET status = $3, stage = $4, progress = 0,
		    error_code = NULL, error_message = NULL, can_retry = FALSE,
		    result = NULL, retry_count = retry_count + 1, updated_at = NOW()
		WHERE id = $1 AND owner_id = $2 AND status = $5 AND can_retry AND NOT is_deleted
	`, id, ownerID, models.StatusProcessing, models.StageUploading, models.StatusFailed)
	if err != nil {
		return false, fmt.Errorf("reset for retry: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RequestDelete flags a job for accelerated cleanup. Idempotent: a second
// request keeps the original timestamp so the grace window is not extended.
func (s *Store) RequestDelete(ctx context.Context, id, ownerID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE detection_jobs
		SET delete_requested_at = COALESCE(delete_requested_at, NOW()), updated_at = NOW()
		WHERE id = $1 AND owner_id = $2 AND NOT is_deleted
	`, id, ownerID)
	if err != nil {
		return false, fmt.Errorf("request delete: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkConsumed records that the job's results were accepted into the book
// catalog, starting the short retention countdown.
func (s *Store) MarkConsumed(ctx context.Context, id, ownerID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE detection_jobs
		SET consumed_at = COALESCE(consumed_at, NOW()), updated_at = NOW()
		WHERE id = $1 AND owner_id = $2 AND status = $3 AND NOT is_deleted
	`, id, ownerID, models.StatusCompleted)
	if err != nil {
		return false, fmt.Errorf("mark consumed: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListCleanable returns jobs eligible for retention cleanup: consumed
// before consumedCutoff, or delete-requested before requestedCutoff.
// Failed jobs with no delete request are retained indefinitely.
func (s *Store) ListCleanable(ctx context.Context, consumedCutoff, requestedCutoff time.Time, limit int) ([]models.DetectionJob, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM detection_jobs
		WHERE NOT is_deleted
		  AND (
		        (consumed_at IS NOT NULL AND consumed_at < $1)
		     OR (delete_requested_at IS NOT NULL AND delete_requested_at < $2)
		  )
		ORDER BY created_at ASC
		LIMIT $3
	`, consumedCutoff, requestedCutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list cleanable: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// SoftDelete marks the row deleted and scrubs the image-reference fields,
// leaving the rest of the record intact for audit.
func (s *Store) SoftDelete(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE detection_jobs
		SET is_deleted = TRUE, deleted_at = NOW(),
		    storage_path = NULL, storage_url = NULL,
		    storage_url_expires_at = NULL, thumbnail = NULL,
		    updated_at = NOW()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("soft delete: %w", err)
	}
	return nil
}

// UpdateSignedURL stores a freshly generated signed URL and its expiry.
func (s *Store) UpdateSignedURL(ctx context.Context, id, url string, expiresAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE detection_jobs
		SET storage_url = $2, storage_url_expires_at = $3
		WHERE id = $1
	`, id, url, expiresAt)
	return err
}

func scanJob(row pgx.Row) (models.DetectionJob, error) {
	var j models.DetectionJob
	var (
		errCode, errMsg, storagePath, storageURL pgtype.Text
		resultJSON                               []byte
		urlExpiry, uploadedAt, consumedAt        pgtype.Timestamptz
		deleteRequestedAt, deletedAt             pgtype.Timestamptz
	)
	err := row.Scan(
		&j.ID, &j.OwnerID, &j.Status, &j.Stage, &j.Progress,
		&errCode, &errMsg, &j.CanRetry, &resultJSON,
		&j.OriginalFilename, &j.MimeType, &j.SizeBytes, &j.Thumbnail,
		&storagePath, &storageURL, &urlExpiry, &uploadedAt,
		&j.CreatedAt, &j.UpdatedAt, &consumedAt, &deleteRequestedAt,
		&j.IsDeleted, &deletedAt, &j.RetryCount,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.DetectionJob{}, ErrNotFound
	}
	if err != nil {
		return models.DetectionJob{}, fmt.Errorf("scan job: %w", err)
	}
	if len(resultJSON) > 0 {
		if err := json.Unmarshal(resultJSON, &j.Result); err != nil {
			return models.DetectionJob{}, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	j.ErrorCode = textPtr(errCode)
	j.ErrorMessage = textPtr(errMsg)
	j.StoragePath = textPtr(storagePath)
	j.StorageURL = textPtr(storageURL)
	j.StorageURLExpiry = timePtr(urlExpiry)
	j.UploadedAt = timePtr(uploadedAt)
	j.ConsumedAt = timePtr(consumedAt)
	j.DeleteRequestedAt = timePtr(deleteRequestedAt)
	j.DeletedAt = timePtr(deletedAt)
	return j, nil
}

func scanJobs(rows pgx.Rows) ([]models.DetectionJob, error) {
	var out []models.DetectionJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}
