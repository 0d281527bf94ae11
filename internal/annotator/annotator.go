/**
 * Region Feature Annotator
 *
 * Filters segmented regions by OCR confidence and attaches a feature vector
 * to every region that passes. Pure and synchronous: no I/O, no shared state.
 */

package annotator

import (
	"fmt"

	"github.com/adverant/nexus/docannotator-worker/internal/errors"
)

// DefaultThreshold is the inclusive minimum confidence for a region to be kept.
const DefaultThreshold = 0.7

// Annotator attaches feature vectors to confident regions
type Annotator struct {
	threshold float64
}

// Option configures an Annotator.
type Option func(*Annotator)

// WithThreshold sets the minimum confidence. Values outside [0,1] are
// ignored and the default is kept.
func WithThreshold(threshold float64) Option {
	return func(a *Annotator) {
		if threshold < 0 || threshold > 1 {
			return
		}
		a.threshold = threshold
	}
}

// New creates an Annotator.
func New(opts ...Option) *Annotator {
	a := &Annotator{threshold: DefaultThreshold}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Threshold returns the configured confidence threshold.
func (a *Annotator) Threshold() float64 {
	return a.threshold
}

var defaultAnnotator = New()

// Annotate runs the default annotator over borders.
func Annotate(borders DocumentBorders) (AnnotatedBorders, error) {
	return defaultAnnotator.Annotate(borders)
}

// Annotate filters every page of borders and attaches features to the
// regions that pass. Every input page appears in the output, possibly with
// no regions. Any malformed region or page fails the whole call.
func (a *Annotator) Annotate(borders DocumentBorders) (AnnotatedBorders, error) {
	out := make(AnnotatedBorders, len(borders))
	for _, page := range borders.Pages() {
		annotated, err := a.annotatePage(page, borders[page])
		if err != nil {
			return nil, err
		}
		out[page] = annotated
	}
	return out, nil
}

// AnnotatePages annotates only the listed pages. Each page is looked up in
// borders; a page the segmentation did not produce is an InvalidPageError.
func (a *Annotator) AnnotatePages(borders DocumentBorders, pages ...int) (AnnotatedBorders, error) {
	out := make(AnnotatedBorders, len(pages))
	for _, page := range pages {
		regions, ok := borders[page]
		if !ok {
			return nil, errors.NewInvalidPageError(page, "not present in segmentation output")
		}
		annotated, err := a.annotatePage(page, regions)
		if err != nil {
			return nil, err
		}
		out[page] = annotated
	}
	return out, nil
}

func (a *Annotator) annotatePage(page int, regions []Region) ([]AnnotatedRegion, error) {
	if page < 1 {
		return nil, errors.NewInvalidPageError(page, "page indexes start at 1")
	}

	// Validate the whole page first so a bad region never yields partial output.
	tops := make([]float64, len(regions))
	for i, r := range regions {
		if err := ValidateRegion(page, i, r); err != nil {
			return nil, err
		}
		tops[i] = r.Top()
	}

	annotated := make([]AnnotatedRegion, 0, len(regions))
	for _, r := range regions {
		if r.Confidence < a.threshold {
			continue
		}
		annotated = append(annotated, AnnotatedRegion{
			Region:   r,
			Features: computeFeatures(r, tops),
		})
	}
	return annotated, nil
}

// CheckPages verifies every page of borders exists in a document with
// pageCount pages.
func CheckPages(borders DocumentBorders, pageCount int) error {
	for _, page := range borders.Pages() {
		if page < 1 || page > pageCount {
			return errors.NewInvalidPageError(page,
				fmt.Sprintf("document has %d pages", pageCount))
		}
	}
	return nil
}
