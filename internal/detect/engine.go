// Package detect is the boundary to the external book-recognition engine.
// The engine speaks its own failure vocabulary; the orchestrator owns the
// mapping into the error codes surfaced to callers.
package detect

import (
	"context"

	"bookscan/internal/models"
)

// Raw failure codes an engine may report. Anything outside this vocabulary
// is folded into an unexpected failure by the orchestrator.
const (
	RawBadImage    = "bad_image"
	RawOCREmpty    = "ocr_empty"
	RawModelError  = "model_error"
	RawNoMatches   = "no_matches"
	RawThrottled   = "throttled"
	RawUnavailable = "upstream_unavailable"
	RawTimeout     = "deadline_exceeded"
)

// Failure is a classified engine-side error.
type Failure struct {
	Code    string
	Message string
}

func (f *Failure) Error() string {
	return f.Code + ": " + f.Message
}

// Result carries either detected items or a Failure, never both.
type Result struct {
	Items   []models.DetectedBook
	Failure *Failure
}

// ProgressFunc reports coarse pipeline position while a detection run is
// in flight. Stage names follow the models stage vocabulary; percent is
// advisory and is clamped by the orchestrator, never trusted.
type ProgressFunc func(stage string, percent int)

// Engine runs one recognition pass over raw image bytes.
type Engine interface {
	Detect(ctx context.Context, imageBytes []byte, onProgress ProgressFunc) (Result, error)
}
