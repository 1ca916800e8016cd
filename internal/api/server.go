package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"bookscan/internal/config"
	"bookscan/internal/models"
	"bookscan/internal/pipeline"
	"bookscan/internal/store"
	"bookscan/internal/telemetry"
)

// JobStore is the slice of the store the API reads and writes. Beyond row
// creation and delete-request flagging, mutations happen in the pipeline.
type JobStore interface {
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.DetectionJob, error)
	GetJobForOwner(ctx context.Context, id, ownerID string) (models.DetectionJob, error)
	ListJobsForOwner(ctx context.Context, ownerID string, limit int) ([]models.DetectionJob, error)
	RequestDelete(ctx context.Context, id, ownerID string) (bool, error)
	MarkConsumed(ctx context.Context, id, ownerID string) (bool, error)
	UpdateSignedURL(ctx context.Context, id, url string, expiresAt time.Time) error
}

// URLSigner re-derives signed URLs when a stored one has expired.
type URLSigner interface {
	SignedURL(ctx context.Context, storagePath string) (string, time.Time, error)
}

// Intake completes the uploading stage after the row exists.
type Intake interface {
	Accept(ctx context.Context, job models.DetectionJob, body []byte) error
}

// Retrier re-enters a failed job into the pipeline.
type Retrier interface {
	Retry(ctx context.Context, jobID, ownerID string) (models.DetectionJob, error)
}

// Limiter throttles uploads per owner.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// Server wires HTTP handlers for the detection API.
type Server struct {
	cfg     config.Config
	store   JobStore
	signer  URLSigner
	intake  Intake
	retrier Retrier
	limiter Limiter
	log     *zap.Logger
}

// New constructs the API server.
func New(cfg config.Config, st JobStore, signer URLSigner, intake Intake, retrier Retrier, limiter Limiter, log *zap.Logger) *Server {
	return &Server{
		cfg:     cfg,
		store:   st,
		signer:  signer,
		intake:  intake,
		retrier: retrier,
		limiter: limiter,
		log:     log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/api/detections", func(r chi.Router) {
		r.Post("/", s.handleSubmit)
		r.Get("/", s.handleList)
		r.Get("/{id}", s.handleGetStatus)
		r.Post("/{id}/retry", s.handleRetry)
		r.Post("/{id}/consume", s.handleConsume)
		r.Delete("/{id}", s.handleDelete)
	})
	return r
}

// multipartOverhead is extra reader allowance for multipart boundaries
// and part headers, so a file exactly at the size ceiling still parses.
const multipartOverhead = 1 << 20

type submitResponse struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ownerID := ownerFromRequest(r)
	if ownerID == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing user identity")
		return
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), "upload:"+ownerID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, models.CodeUnexpected, "rate limit check failed")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, models.CodeRateLimited, "too many uploads, slow down")
			return
		}
	}

	// Static validation happens before any job record exists. The reader
	// ceiling covers the whole multipart envelope, so it carries headroom
	// for boundary and part-header framing; the exact file-size check
	// below is the authoritative rejection.
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes+multipartOverhead)
	if err := r.ParseMultipartForm(s.cfg.MaxUploadBytes + multipartOverhead); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, models.CodeImageTooLarge, "upload exceeds the size limit")
			return
		}
		writeError(w, http.StatusBadRequest, models.CodeInvalidImage, "malformed multipart body")
		return
	}
	file, header, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, models.CodeInvalidImage, "missing image file")
		return
	}
	defer file.Close()

	body, err := io.ReadAll(io.LimitReader(file, s.cfg.MaxUploadBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, models.CodeInvalidImage, "unreadable upload")
		return
	}
	if int64(len(body)) > s.cfg.MaxUploadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, models.CodeImageTooLarge, "upload exceeds the size limit")
		return
	}

	mimeType := http.DetectContentType(body)
	if !s.mimeAllowed(mimeType) {
		writeError(w, http.StatusBadRequest, models.CodeInvalidImage, "unsupported image type "+mimeType)
		return
	}

	job, err := s.store.CreateJob(r.Context(), store.CreateJobParams{
		OwnerID:          ownerID,
		OriginalFilename: header.Filename,
		MimeType:         mimeType,
		SizeBytes:        int64(len(body)),
	})
	if err != nil {
		s.log.Error("create job failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, models.CodeUnexpected, "could not create job")
		return
	}

	if err := s.intake.Accept(r.Context(), job, body); err != nil {
		s.log.Error("intake failed", zap.String("job_id", job.ID), zap.Error(err))
	}

	writeJSON(w, http.StatusAccepted, submitResponse{JobID: job.ID, Status: models.StatusProcessing})
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	ownerID := ownerFromRequest(r)
	if ownerID == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing user identity")
		return
	}
	job, err := s.store.GetJobForOwner(r.Context(), chi.URLParam(r, "id"), ownerID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no such job")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, models.CodeUnexpected, "could not load job")
		return
	}

	s.refreshSignedURL(r.Context(), &job)
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	ownerID := ownerFromRequest(r)
	if ownerID == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing user identity")
		return
	}
	jobs, err := s.store.ListJobsForOwner(r.Context(), ownerID, 50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, models.CodeUnexpected, "could not list jobs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	ownerID := ownerFromRequest(r)
	if ownerID == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing user identity")
		return
	}
	job, err := s.retrier.Retry(r.Context(), chi.URLParam(r, "id"), ownerID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no such job")
		return
	case errors.Is(err, pipeline.ErrNotFailed):
		writeError(w, http.StatusConflict, "NOT_FAILED", "only failed jobs can be retried")
		return
	case errors.Is(err, pipeline.ErrNotRetryable):
		writeError(w, http.StatusConflict, "NOT_RETRYABLE", "this failure requires a new upload")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, models.CodeUnexpected, "retry failed")
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{JobID: job.ID, Status: job.Status})
}

func (s *Server) handleConsume(w http.ResponseWriter, r *http.Request) {
	ownerID := ownerFromRequest(r)
	if ownerID == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing user identity")
		return
	}
	id := chi.URLParam(r, "id")
	applied, err := s.store.MarkConsumed(r.Context(), id, ownerID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, models.CodeUnexpected, "could not mark consumed")
		return
	}
	if !applied {
		if _, err := s.store.GetJobForOwner(r.Context(), id, ownerID); errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "no such job")
			return
		}
		writeError(w, http.StatusConflict, "NOT_COMPLETED", "only completed jobs can be consumed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "consumed"})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	ownerID := ownerFromRequest(r)
	if ownerID == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing user identity")
		return
	}
	applied, err := s.store.RequestDelete(r.Context(), chi.URLParam(r, "id"), ownerID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, models.CodeUnexpected, "could not flag for deletion")
		return
	}
	if !applied {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no such job")
		return
	}
	// Actual removal is owned by the retention cleaner after the grace period.
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "delete_scheduled"})
}

// refreshSignedURL transparently regenerates the image URL when the stored
// one has expired; polling must never surface a dead link.
func (s *Server) refreshSignedURL(ctx context.Context, job *models.DetectionJob) {
	if job.StoragePath == nil {
		return
	}
	if job.StorageURL != nil && job.StorageURLExpiry != nil && job.StorageURLExpiry.After(time.Now()) {
		return
	}
	url, expiresAt, err := s.signer.SignedURL(ctx, *job.StoragePath)
	if err != nil {
		s.log.Warn("signed url refresh failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	if err := s.store.UpdateSignedURL(ctx, job.ID, url, expiresAt); err != nil {
		s.log.Warn("signed url persist failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	job.StorageURL = &url
	job.StorageURLExpiry = &expiresAt
}

func (s *Server) mimeAllowed(mimeType string) bool {
	for _, m := range s.cfg.AllowedMIMEs {
		if m == mimeType {
			return true
		}
	}
	return false
}

func ownerFromRequest(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]errorBody{"error": {Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
