package models

import (
	"time"
)

// Job status values persisted in Postgres. Completed and Failed are terminal.
const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Pipeline stages in strict forward order while status=processing.
const (
	StageUploading        = "uploading"
	StageExtracting       = "extracting"
	StageAnalyzing        = "analyzing"
	StageEnriching        = "enriching"
	StageCrossReferencing = "cross_referencing"
	StageFinalizing       = "finalizing"
)

// stageOrder maps each stage to its position and fixed progress target.
var stageOrder = []struct {
	Name   string
	Target int
}{
	{StageUploading, 15},
	{StageExtracting, 40},
	{StageAnalyzing, 70},
	{StageEnriching, 85},
	{StageCrossReferencing, 95},
	{StageFinalizing, 100},
}

// StageTarget returns the fixed progress percentage for a stage, or -1 for
// an unknown stage name.
func StageTarget(stage string) int {
	for _, s := range stageOrder {
		if s.Name == stage {
			return s.Target
		}
	}
	return -1
}

// StageIndex returns the forward-order position of a stage, or -1.
func StageIndex(stage string) int {
	for i, s := range stageOrder {
		if s.Name == stage {
			return i
		}
	}
	return -1
}

// Stages returns the stage names in pipeline order.
func Stages() []string {
	out := make([]string, len(stageOrder))
	for i, s := range stageOrder {
		out[i] = s.Name
	}
	return out
}

// FailedStage builds the terminal stage marker recorded when a job fails,
// e.g. "failed_analyzing" or "failed_timeout".
func FailedStage(origin string) string {
	return "failed_" + origin
}

// Error codes surfaced to callers. Any failure not explicitly mapped folds
// into CodeUnexpected before it leaves the orchestrator.
const (
	CodeInvalidImage       = "INVALID_IMAGE"
	CodeCorruptImage       = "CORRUPT_IMAGE"
	CodeImageTooLarge      = "IMAGE_TOO_LARGE"
	CodeOCRFailed          = "OCR_FAILED"
	CodeAIFailed           = "AI_FAILED"
	CodeNoBooksDetected    = "NO_BOOKS_DETECTED"
	CodeTimeout            = "TIMEOUT"
	CodeRateLimited        = "RATE_LIMITED"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeUnexpected         = "UNEXPECTED_ERROR"
)

// retryable is the fixed governance table: whether a failure may be driven
// back through the pipeline without a new upload.
var retryable = map[string]bool{
	CodeInvalidImage:       false,
	CodeCorruptImage:       false,
	CodeImageTooLarge:      false,
	CodeOCRFailed:          true,
	CodeAIFailed:           true,
	CodeNoBooksDetected:    true,
	CodeTimeout:            true,
	CodeRateLimited:        true,
	CodeServiceUnavailable: true,
	CodeUnexpected:         true,
}

// CanRetry derives retry eligibility purely from the error code. Unknown
// codes are treated as CodeUnexpected (retryable).
func CanRetry(code string) bool {
	if v, ok := retryable[code]; ok {
		return v
	}
	return retryable[CodeUnexpected]
}

// KnownCode reports whether code is part of the fixed taxonomy.
func KnownCode(code string) bool {
	_, ok := retryable[code]
	return ok
}

// ErrorCodes returns every code in the taxonomy.
func ErrorCodes() []string {
	out := make([]string, 0, len(retryable))
	for c := range retryable {
		out = append(out, c)
	}
	return out
}

// DetectedBook is one item recognized in an uploaded photo. The pipeline
// treats it as opaque; it is stored and returned verbatim.
type DetectedBook struct {
	Title      string  `json:"title"`
	Author     string  `json:"author,omitempty"`
	ISBN       string  `json:"isbn,omitempty"`
	Publisher  string  `json:"publisher,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// DetectionJob is the sole persistent entity of the pipeline: one submitted
// image's detection lifecycle record.
type DetectionJob struct {
	ID      string `json:"id"`
	OwnerID string `json:"owner_id"`

	Status   string `json:"status"`
	Stage    string `json:"stage"`
	Progress int    `json:"progress"`

	ErrorCode    *string `json:"error_code,omitempty"`
	ErrorMessage *string `json:"error_message,omitempty"`
	CanRetry     bool    `json:"can_retry"`

	Result []DetectedBook `json:"result,omitempty"`

	OriginalFilename string     `json:"original_filename,omitempty"`
	MimeType         string     `json:"mime_type,omitempty"`
	SizeBytes        int64      `json:"size_bytes,omitempty"`
	Thumbnail        []byte     `json:"thumbnail,omitempty"`
	StoragePath      *string    `json:"-"`
	StorageURL       *string    `json:"image_url,omitempty"`
	StorageURLExpiry *time.Time `json:"image_url_expires_at,omitempty"`
	UploadedAt       *time.Time `json:"uploaded_at,omitempty"`

	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	ConsumedAt        *time.Time `json:"consumed_at,omitempty"`
	DeleteRequestedAt *time.Time `json:"delete_requested_at,omitempty"`
	IsDeleted         bool       `json:"is_deleted,omitempty"`
	DeletedAt         *time.Time `json:"deleted_at,omitempty"`
	RetryCount        int        `json:"retry_count"`
}

// Terminal reports whether the job has reached a terminal status.
func (j *DetectionJob) Terminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}
