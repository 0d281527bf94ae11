package annotator

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// computeFeatures derives the feature vector for r. tops holds the top edge
// of every region on the same page, r included.
func computeFeatures(r Region, tops []float64) FeatureVector {
	cleaned := CleanText(r.Text)
	tokens := strings.Fields(cleaned)
	size := runeCount(cleaned)

	var capitalized, upper int
	for _, tok := range tokens {
		if isCapitalized(tok) {
			capitalized++
		}
		if isUppercase(tok) {
			upper++
		}
	}

	return FeatureVector{
		WordCount:                len(tokens),
		TextSize:                 size,
		CapitalizedRatio:         ratio(capitalized, len(tokens)),
		UppercaseRatio:           ratio(upper, len(tokens)),
		RelativeVerticalPosition: verticalPosition(r.Top(), tops),
		NonGarbageRatio:          ratio(nonGarbageCount(cleaned), size),
	}
}

// CleanText normalizes OCR output before measuring it: NFKC, control and
// format characters dropped, whitespace runs collapsed to one space, runs of
// a repeated punctuation or symbol rune collapsed to one, ends trimmed.
func CleanText(s string) string {
	s = norm.NFKC.String(s)

	var b strings.Builder
	b.Grow(len(s))
	prev := rune(-1)
	for _, r := range s {
		switch {
		case unicode.IsSpace(r):
			if prev == -1 || prev == ' ' {
				continue
			}
			r = ' '
		case unicode.IsControl(r), unicode.Is(unicode.Cf, r):
			continue
		case (unicode.IsPunct(r) || unicode.IsSymbol(r)) && r == prev:
			continue
		}
		b.WriteRune(r)
		prev = r
	}
	return strings.TrimSuffix(b.String(), " ")
}

// isCapitalized reports whether the first letter of tok is upper case and
// every later letter is lower case. Non-letters are ignored.
func isCapitalized(tok string) bool {
	first := true
	for _, r := range tok {
		if !unicode.IsLetter(r) {
			continue
		}
		if first {
			if !unicode.IsUpper(r) && !unicode.IsTitle(r) {
				return false
			}
			first = false
			continue
		}
		if !unicode.IsLower(r) {
			return false
		}
	}
	return !first
}

// isUppercase reports whether tok has at least one letter and all of its
// letters are upper case.
func isUppercase(tok string) bool {
	letters := 0
	for _, r := range tok {
		if !unicode.IsLetter(r) {
			continue
		}
		if !unicode.IsUpper(r) {
			return false
		}
		letters++
	}
	return letters > 0
}

// verticalPosition is the fraction of tops strictly above top. Equal tops
// are not above one another. O(n) per region, O(n²) per page.
func verticalPosition(top float64, tops []float64) float64 {
	above := 0
	for _, t := range tops {
		if t < top {
			above++
		}
	}
	return ratio(above, len(tops))
}

// nonGarbageCount counts letters and spaces. CleanText has already reduced
// every whitespace run to a single space.
func nonGarbageCount(cleaned string) int {
	n := 0
	for _, r := range cleaned {
		if r == ' ' || unicode.IsLetter(r) {
			n++
		}
	}
	return n
}

func runeCount(s string) int {
	return len([]rune(s))
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}
