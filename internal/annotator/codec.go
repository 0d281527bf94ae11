package annotator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/adverant/nexus/docannotator-worker/internal/errors"
)

// Regions travel as positional tuples: [x1, y1, x2, y2, confidence, "text"].
// Annotated regions carry a seventh element, the feature vector as a
// six-element array. Extra trailing elements are ignored when decoding a
// plain Region so annotated output can be fed back in.

const regionArity = 6

// MarshalJSON encodes the region as a 6-element array.
func (r Region) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{r.X1, r.Y1, r.X2, r.Y2, r.Confidence, r.Text})
}

// UnmarshalJSON decodes a region tuple.
func (r *Region) UnmarshalJSON(data []byte) error {
	region, err := decodeRegion(0, 0, data)
	if err != nil {
		return err
	}
	*r = region
	return nil
}

// MarshalJSON encodes the vector as a 6-element array.
func (f FeatureVector) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{
		f.WordCount,
		f.TextSize,
		f.CapitalizedRatio,
		f.UppercaseRatio,
		f.RelativeVerticalPosition,
		f.NonGarbageRatio,
	})
}

// UnmarshalJSON decodes a 6-element feature array.
func (f *FeatureVector) UnmarshalJSON(data []byte) error {
	var vals []float64
	if err := json.Unmarshal(data, &vals); err != nil {
		return fmt.Errorf("feature vector: %w", err)
	}
	vec, ok := FeatureVectorFromValues(vals)
	if !ok {
		return fmt.Errorf("feature vector: expected %d values, got %d", FeatureCount, len(vals))
	}
	*f = vec
	return nil
}

// MarshalJSON encodes the annotated region as a 7-element array.
func (a AnnotatedRegion) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{a.X1, a.Y1, a.X2, a.Y2, a.Confidence, a.Text, a.Features})
}

// UnmarshalJSON decodes a 7-element annotated tuple.
func (a *AnnotatedRegion) UnmarshalJSON(data []byte) error {
	region, err := decodeRegion(0, 0, data)
	if err != nil {
		return err
	}
	var fields []json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	if len(fields) <= regionArity {
		return errors.NewInvalidRegionError(0, 0, "annotated region has no feature vector")
	}
	var features FeatureVector
	if err := json.Unmarshal(fields[regionArity], &features); err != nil {
		return err
	}
	a.Region = region
	a.Features = features
	return nil
}

// UnmarshalJSON decodes a page-keyed object of region tuples, reporting the
// page and position of any malformed region. Two keys naming the same page
// ("1" and "01", or a repeated key) are rejected rather than merged.
func (b *DocumentBorders) UnmarshalJSON(data []byte) error {
	out := make(DocumentBorders)
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*b = out
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("document borders: %w", err)
	}
	if tok != json.Delim('{') {
		return fmt.Errorf("document borders: expected an object keyed by page, got %v", tok)
	}

	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("document borders: %w", err)
		}
		key, _ := tok.(string)
		page, err := strconv.Atoi(key)
		if err != nil {
			return errors.NewInvalidPageError(0, fmt.Sprintf("page key %q is not an integer", key))
		}
		if _, dup := out[page]; dup {
			return errors.NewInvalidPageError(page, fmt.Sprintf("page key %q repeats page %d", key, page))
		}

		var tuples []json.RawMessage
		if err := dec.Decode(&tuples); err != nil {
			return fmt.Errorf("document borders: page %q: %w", key, err)
		}
		regions := make([]Region, 0, len(tuples))
		for i, tuple := range tuples {
			region, err := decodeRegion(page, i, tuple)
			if err != nil {
				return err
			}
			regions = append(regions, region)
		}
		out[page] = regions
	}
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("document borders: %w", err)
	}

	*b = out
	return nil
}

func decodeRegion(page, index int, data []byte) (Region, error) {
	var fields []json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Region{}, errors.NewInvalidRegionError(page, index, "region is not a tuple")
	}
	if len(fields) < regionArity {
		return Region{}, errors.NewInvalidRegionError(page, index,
			fmt.Sprintf("expected %d fields, got %d", regionArity, len(fields)))
	}

	var nums [5]float64
	for i := range nums {
		if err := json.Unmarshal(fields[i], &nums[i]); err != nil {
			return Region{}, errors.NewInvalidRegionError(page, index,
				fmt.Sprintf("field %d is not a number", i))
		}
	}

	var text string
	if !bytes.Equal(bytes.TrimSpace(fields[5]), []byte("null")) {
		if err := json.Unmarshal(fields[5], &text); err != nil {
			return Region{}, errors.NewInvalidRegionError(page, index, "text field is not a string")
		}
	}

	region := Region{
		X1:         nums[0],
		Y1:         nums[1],
		X2:         nums[2],
		Y2:         nums[3],
		Confidence: nums[4],
		Text:       text,
	}
	if err := ValidateRegion(page, index, region); err != nil {
		return Region{}, err
	}
	return region, nil
}

// ValidateRegion checks a region's confidence and coordinates.
func ValidateRegion(page, index int, r Region) error {
	if math.IsNaN(r.Confidence) || r.Confidence < 0 || r.Confidence > 1 {
		return errors.NewInvalidRegionError(page, index,
			fmt.Sprintf("confidence %v outside [0,1]", r.Confidence))
	}
	for _, c := range []float64{r.X1, r.Y1, r.X2, r.Y2} {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return errors.NewInvalidRegionError(page, index, "coordinate is not finite")
		}
	}
	return nil
}
