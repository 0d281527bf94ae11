// Package segmentation turns document bytes into page-indexed text regions.
package segmentation

import (
	"bytes"
	"context"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/adverant/nexus/docannotator-worker/internal/annotator"
	"github.com/adverant/nexus/docannotator-worker/internal/errors"
)

// Segmenter locates text regions in a document.
type Segmenter interface {
	Segment(ctx context.Context, data []byte) (annotator.DocumentBorders, error)
	Name() string
}

// PageCounter reports how many pages a document has.
type PageCounter interface {
	PageCount(data []byte) (int, error)
}

// ImageInfo describes a decodable page image.
type ImageInfo struct {
	Format string
	Width  int
	Height int
}

// CheckImage reads the image header and rejects formats we cannot decode.
func CheckImage(data []byte) (ImageInfo, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return ImageInfo{}, errors.NewUnsupportedFormatError("", "unrecognized image")
	}
	if cfg.Width == 0 || cfg.Height == 0 {
		return ImageInfo{}, errors.NewUnsupportedFormatError("", "empty "+format+" image")
	}
	return ImageInfo{Format: format, Width: cfg.Width, Height: cfg.Height}, nil
}
