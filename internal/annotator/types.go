/**
 * Region types - Shared data structures for region annotation
 *
 * Regions come from page segmentation (Tesseract or a PDF text layer) and
 * leave the annotator with a feature vector attached.
 */

package annotator

import (
	"math"
	"sort"
)

// Region is a text-bearing bounding box on a page. Coordinates are in image
// space: y grows downward.
type Region struct {
	X1         float64
	Y1         float64
	X2         float64
	Y2         float64
	Confidence float64 // OCR confidence in [0,1]
	Text       string
}

// Top returns the region's upper edge.
func (r Region) Top() float64 {
	return math.Min(r.Y1, r.Y2)
}

// FeatureVector holds the six measurements attached to an accepted region
type FeatureVector struct {
	WordCount                int
	TextSize                 int
	CapitalizedRatio         float64
	UppercaseRatio           float64
	RelativeVerticalPosition float64
	NonGarbageRatio          float64
}

// Values returns the vector as six floats in wire order.
func (f FeatureVector) Values() []float64 {
	return []float64{
		float64(f.WordCount),
		float64(f.TextSize),
		f.CapitalizedRatio,
		f.UppercaseRatio,
		f.RelativeVerticalPosition,
		f.NonGarbageRatio,
	}
}

// FeatureVectorFromValues rebuilds a vector from its six wire values.
func FeatureVectorFromValues(vals []float64) (FeatureVector, bool) {
	if len(vals) != FeatureCount {
		return FeatureVector{}, false
	}
	return FeatureVector{
		WordCount:                int(vals[0]),
		TextSize:                 int(vals[1]),
		CapitalizedRatio:         vals[2],
		UppercaseRatio:           vals[3],
		RelativeVerticalPosition: vals[4],
		NonGarbageRatio:          vals[5],
	}, true
}

// FeatureCount is the number of values in a FeatureVector.
const FeatureCount = 6

// AnnotatedRegion is a Region with its features attached
type AnnotatedRegion struct {
	Region
	Features FeatureVector
}

// DocumentBorders maps a 1-based page index to its regions in reading order.
type DocumentBorders map[int][]Region

// AnnotatedBorders maps a page index to its accepted, annotated regions.
type AnnotatedBorders map[int][]AnnotatedRegion

// Pages returns the page indexes in ascending order.
func (b DocumentBorders) Pages() []int {
	return sortedKeys(b)
}

// RegionCount returns the total number of regions across pages.
func (b DocumentBorders) RegionCount() int {
	n := 0
	for _, regions := range b {
		n += len(regions)
	}
	return n
}

// Pages returns the page indexes in ascending order.
func (b AnnotatedBorders) Pages() []int {
	return sortedKeys(b)
}

// RegionCount returns the total number of annotated regions across pages.
func (b AnnotatedBorders) RegionCount() int {
	n := 0
	for _, regions := range b {
		n += len(regions)
	}
	return n
}

// Strip drops the feature vectors, giving back plain borders.
func (b AnnotatedBorders) Strip() DocumentBorders {
	out := make(DocumentBorders, len(b))
	for page, regions := range b {
		plain := make([]Region, len(regions))
		for i, r := range regions {
			plain[i] = r.Region
		}
		out[page] = plain
	}
	return out
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
