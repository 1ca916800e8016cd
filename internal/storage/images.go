package storage

import (
	"context"
	"fmt"
	"time"
)

// Images persists original detection photos and their derived thumbnails.
// Keys partition by owner then job, so no owner can be handed another
// owner's storage key.
type Images struct {
	backend       ObjectStore
	thumbWidth    int
	thumbMaxBytes int
	signedURLTTL  time.Duration
}

// StoredImage is the outcome of persisting an original.
type StoredImage struct {
	Path      string
	Thumbnail []byte
}

// NewImages builds the adapter over a backend.
func NewImages(backend ObjectStore, thumbWidth, thumbMaxBytes int, signedURLTTL time.Duration) *Images {
	return &Images{
		backend:       backend,
		thumbWidth:    thumbWidth,
		thumbMaxBytes: thumbMaxBytes,
		signedURLTTL:  signedURLTTL,
	}
}

// Key returns the storage key for a job's original image.
func Key(ownerID, jobID, mimeType string) string {
	return fmt.Sprintf("users/%s/detections/%s/original%s", ownerID, jobID, extensionFor(mimeType))
}

func extensionFor(mimeType string) string {
	switch mimeType {
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	default:
		return ".jpg"
	}
}

// Store uploads the original once per job and derives its thumbnail.
func (i *Images) Store(ctx context.Context, ownerID, jobID string, body []byte, mimeType string) (StoredImage, error) {
	thumb, err := DeriveThumbnail(body, i.thumbWidth, i.thumbMaxBytes)
	if err != nil {
		return StoredImage{}, fmt.Errorf("derive thumbnail: %w", err)
	}
	key := Key(ownerID, jobID, mimeType)
	if err := i.backend.Put(ctx, key, body, mimeType); err != nil {
		return StoredImage{}, fmt.Errorf("store original: %w", err)
	}
	return StoredImage{Path: key, Thumbnail: thumb}, nil
}

// Fetch returns the stored original's bytes. Retry reuses this instead of
// asking the client to resend the file.
func (i *Images) Fetch(ctx context.Context, storagePath string) ([]byte, error) {
	return i.backend.Get(ctx, storagePath)
}

// SignedURL issues a fresh time-limited access URL for the original.
func (i *Images) SignedURL(ctx context.Context, storagePath string) (string, time.Time, error) {
	return i.backend.Presign(ctx, storagePath, i.signedURLTTL)
}

// Remove deletes the stored original. Idempotent: removing an absent
// object is not an error.
func (i *Images) Remove(ctx context.Context, storagePath string) error {
	return i.backend.Delete(ctx, storagePath)
}
