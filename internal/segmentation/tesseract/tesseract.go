/**
 * Tesseract Segmenter - region detection for scanned page images
 *
 * Runs Tesseract over each page image and reports its layout boxes with
 * per-box confidence. Requires libtesseract (cgo).
 */

package tesseract

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/otiai10/gosseract/v2"

	"github.com/adverant/nexus/docannotator-worker/internal/annotator"
	"github.com/adverant/nexus/docannotator-worker/internal/segmentation"
)

// Config holds Tesseract configuration
type Config struct {
	Language    string                      // e.g. "eng", "eng+deu"
	PageSegMode int                         // Tesseract PSM (0-13), 3 = fully automatic
	Level       string // box granularity: block, para, textline, word or symbol; empty is para
}

var levels = map[string]gosseract.PageIteratorLevel{
	"block":    gosseract.RIL_BLOCK,
	"para":     gosseract.RIL_PARA,
	"textline": gosseract.RIL_TEXTLINE,
	"word":     gosseract.RIL_WORD,
	"symbol":   gosseract.RIL_SYMBOL,
}

// ParseLevel maps a level name to the iterator level passed to
// GetBoundingBoxes. An empty name selects paragraphs, which keeps headings
// apart from the body text below them.
func ParseLevel(name string) (gosseract.PageIteratorLevel, error) {
	if name == "" {
		return gosseract.RIL_PARA, nil
	}
	level, ok := levels[strings.ToLower(name)]
	if !ok {
		return 0, fmt.Errorf("unknown iterator level %q", name)
	}
	return level, nil
}

// Segmenter finds text regions in page images with Tesseract
type Segmenter struct {
	config Config
	level  gosseract.PageIteratorLevel
	pool   sync.Pool
}

// New creates a Tesseract segmenter. The language and page segmentation
// mode are validated against a throwaway client up front.
func New(cfg Config) (*Segmenter, error) {
	if cfg.Language == "" {
		cfg.Language = "eng"
	}
	if cfg.PageSegMode <= 0 || cfg.PageSegMode > 13 {
		cfg.PageSegMode = int(gosseract.PSM_AUTO)
	}
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	probe := gosseract.NewClient()
	if err := configure(probe, cfg); err != nil {
		probe.Close()
		return nil, err
	}
	probe.Close()

	s := &Segmenter{config: cfg, level: level}
	s.pool.New = func() any {
		client := gosseract.NewClient()
		_ = configure(client, cfg) // validated above
		return client
	}
	return s, nil
}

func configure(client *gosseract.Client, cfg Config) error {
	langs := strings.Split(cfg.Language, "+")
	if err := client.SetLanguage(langs...); err != nil {
		return fmt.Errorf("failed to set language %q: %w", cfg.Language, err)
	}
	if err := client.SetPageSegMode(gosseract.PageSegMode(cfg.PageSegMode)); err != nil {
		return fmt.Errorf("failed to set page segmentation mode %d: %w", cfg.PageSegMode, err)
	}
	return nil
}

// Name identifies the segmenter in logs and job metadata.
func (s *Segmenter) Name() string {
	return "tesseract"
}

// Segment treats data as a single page image.
func (s *Segmenter) Segment(ctx context.Context, data []byte) (annotator.DocumentBorders, error) {
	return s.SegmentPages(ctx, [][]byte{data})
}

// SegmentPages segments several page images; images[i] becomes page i+1.
func (s *Segmenter) SegmentPages(ctx context.Context, images [][]byte) (annotator.DocumentBorders, error) {
	borders := make(annotator.DocumentBorders, len(images))
	for i, img := range images {
		if _, err := segmentation.CheckImage(img); err != nil {
			return nil, err
		}
		regions, err := s.segmentImage(ctx, img)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", i+1, err)
		}
		borders[i+1] = regions
	}
	return borders, nil
}

// segmentImage runs OCR on one image. Tesseract is not interruptible, so
// the call runs in its own goroutine and the client only goes back to the
// pool once it finishes.
func (s *Segmenter) segmentImage(ctx context.Context, img []byte) ([]annotator.Region, error) {
	type result struct {
		regions []annotator.Region
		err     error
	}
	resultCh := make(chan result, 1)

	go func() {
		client := s.pool.Get().(*gosseract.Client)
		defer s.pool.Put(client)

		if err := client.SetImageFromBytes(img); err != nil {
			resultCh <- result{err: fmt.Errorf("failed to set image: %w", err)}
			return
		}
		boxes, err := client.GetBoundingBoxes(s.level)
		if err != nil {
			resultCh <- result{err: fmt.Errorf("tesseract OCR failed: %w", err)}
			return
		}
		resultCh <- result{regions: boxesToRegions(boxes)}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-resultCh:
		return res.regions, res.err
	}
}

// boxesToRegions converts Tesseract boxes to regions, scaling confidence
// from 0..100 to 0..1 and skipping boxes with no text.
func boxesToRegions(boxes []gosseract.BoundingBox) []annotator.Region {
	regions := make([]annotator.Region, 0, len(boxes))
	for _, b := range boxes {
		text := strings.TrimSpace(b.Word)
		if text == "" {
			continue
		}
		regions = append(regions, annotator.Region{
			X1:         float64(b.Box.Min.X),
			Y1:         float64(b.Box.Min.Y),
			X2:         float64(b.Box.Max.X),
			Y2:         float64(b.Box.Max.Y),
			Confidence: scaleConfidence(b.Confidence),
			Text:       text,
		})
	}
	return regions
}

func scaleConfidence(c float64) float64 {
	c /= 100
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
