package storage

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// ErrUndecodable marks bytes that do not decode as any supported image
// format, regardless of their declared MIME type.
var ErrUndecodable = errors.New("undecodable image")

var jpegQualitySteps = []int{85, 75, 60, 45, 30}

// DeriveThumbnail decodes the original and produces a JPEG preview no wider
// than width and no larger than maxBytes, reducing quality progressively
// until the ceiling is met.
func DeriveThumbnail(original []byte, width, maxBytes int) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(original))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}

	bounds := src.Bounds()
	if bounds.Dx() == 0 || bounds.Dy() == 0 {
		return nil, errors.New("invalid image dimensions")
	}

	dst := src
	if bounds.Dx() > width {
		height := int(float64(bounds.Dy()) * float64(width) / float64(bounds.Dx()))
		if height == 0 {
			height = 1
		}
		scaled := image.NewRGBA(image.Rect(0, 0, width, height))
		draw.CatmullRom.Scale(scaled, scaled.Bounds(), src, bounds, draw.Over, nil)
		dst = scaled
	}

	var out []byte
	for _, q := range jpegQualitySteps {
		buf := &bytes.Buffer{}
		if err := imaging.Encode(buf, dst, imaging.JPEG, imaging.JPEGQuality(q)); err != nil {
			return nil, fmt.Errorf("encode thumbnail: %w", err)
		}
		out = buf.Bytes()
		if len(out) <= maxBytes {
			return out, nil
		}
	}
	if len(out) > maxBytes {
		return nil, fmt.Errorf("thumbnail exceeds %d bytes at minimum quality", maxBytes)
	}
	return out, nil
}
