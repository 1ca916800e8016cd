package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"bookscan/internal/models"
)

// HTTPEngine calls a remote inference service over HTTP. One POST per
// detection run; the service answers with either detected books or a
// failure in the raw vocabulary.
type HTTPEngine struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPEngine builds the adapter. timeout bounds the whole call.
func NewHTTPEngine(endpoint, apiKey string, timeout time.Duration) *HTTPEngine {
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	return &HTTPEngine{
		endpoint:   endpoint,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type detectResponse struct {
	Books []models.DetectedBook `json:"books"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Detect posts the image and normalizes the outcome. Transport failures
// become raw-vocabulary failures so the orchestrator never sees an
// unclassified error from this boundary.
func (e *HTTPEngine) Detect(ctx context.Context, imageBytes []byte, onProgress ProgressFunc) (Result, error) {
	report := func(stage string, percent int) {
		if onProgress != nil {
			onProgress(stage, percent)
		}
	}

	report(models.StageExtracting, 40)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(imageBytes))
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		// Caller cancellation is not a service failure; surface it as an
		// error so the job is not finalized.
		if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
			return Result{}, err
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{Failure: &Failure{Code: RawTimeout, Message: "detection call timed out"}}, nil
		}
		return Result{Failure: &Failure{Code: RawUnavailable, Message: err.Error()}}, nil
	}
	defer resp.Body.Close()

	report(models.StageAnalyzing, 70)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return Result{Failure: &Failure{Code: RawThrottled, Message: "inference service throttled the request"}}, nil
	case resp.StatusCode >= http.StatusInternalServerError:
		return Result{Failure: &Failure{Code: RawUnavailable, Message: fmt.Sprintf("inference service returned %d", resp.StatusCode)}}, nil
	case resp.StatusCode >= http.StatusBadRequest:
		return Result{Failure: &Failure{Code: RawBadImage, Message: fmt.Sprintf("inference service rejected the image (%d)", resp.StatusCode)}}, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
	if err != nil {
		return Result{Failure: &Failure{Code: RawUnavailable, Message: "reading inference response: " + err.Error()}}, nil
	}

	var parsed detectResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Result{Failure: &Failure{Code: RawModelError, Message: "malformed inference response"}}, nil
	}

	if parsed.Error != nil {
		return Result{Failure: &Failure{Code: parsed.Error.Code, Message: parsed.Error.Message}}, nil
	}

	report(models.StageEnriching, 85)
	report(models.StageCrossReferencing, 95)

	if len(parsed.Books) == 0 {
		return Result{Failure: &Failure{Code: RawNoMatches, Message: "no books detected in the image"}}, nil
	}

	report(models.StageFinalizing, 100)
	return Result{Items: parsed.Books}, nil
}
