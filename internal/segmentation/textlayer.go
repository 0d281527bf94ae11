package segmentation

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/adverant/nexus/docannotator-worker/internal/annotator"
)

// defaultPageHeight is US Letter in points, used when a page has no MediaBox.
const defaultPageHeight = 792.0

// TextLayerSegmenter builds regions from the text layer of born-digital PDFs.
// Runs are grouped into lines by baseline and lines into blocks by vertical
// gap and font size. Text-layer regions carry confidence 1.
type TextLayerSegmenter struct {
	LineTolerance float64 // baseline delta, as a fraction of font size, for runs on one line
	WordGap       float64 // horizontal gap, as a fraction of font size, that inserts a space
	BlockGap      float64 // line gap, as a multiple of font size, that starts a new block
	FontSizeDrift float64 // max ratio between font sizes of lines in one block
}

// NewTextLayerSegmenter creates a segmenter with defaults tuned for body text.
func NewTextLayerSegmenter() *TextLayerSegmenter {
	return &TextLayerSegmenter{
		LineTolerance: 0.5,
		WordGap:       0.3,
		BlockGap:      1.6,
		FontSizeDrift: 1.25,
	}
}

// Name identifies the segmenter in logs and job metadata.
func (s *TextLayerSegmenter) Name() string {
	return "pdf-text-layer"
}

// PageCount returns the number of pages in a PDF.
func (s *TextLayerSegmenter) PageCount(data []byte) (n int, err error) {
	defer recoverPDF(&err)

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("failed to open PDF: %w", err)
	}
	return r.NumPage(), nil
}

// Segment extracts regions from every page. Pages without a text layer map
// to an empty sequence.
func (s *TextLayerSegmenter) Segment(ctx context.Context, data []byte) (borders annotator.DocumentBorders, err error) {
	defer recoverPDF(&err)

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to open PDF: %w", err)
	}

	borders = make(annotator.DocumentBorders, r.NumPage())
	for i := 1; i <= r.NumPage(); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		page := r.Page(i)
		if page.V.IsNull() {
			borders[i] = []annotator.Region{}
			continue
		}

		content := page.Content()
		runs := make([]textRun, 0, len(content.Text))
		for _, t := range content.Text {
			if t.S == "" {
				continue
			}
			runs = append(runs, textRun{X: t.X, Y: t.Y, W: t.W, Size: t.FontSize, S: t.S})
		}
		borders[i] = s.groupRuns(runs, pageHeight(page))
	}
	return borders, nil
}

// textRun is one positioned string from a PDF content stream, in user
// space (y grows upward, Y is the baseline).
type textRun struct {
	X, Y, W float64
	Size    float64
	S       string
}

type textLine struct {
	runs     []textRun
	baseline float64
	size     float64
}

func (r textRun) blank() bool {
	return strings.TrimSpace(r.S) == ""
}

// groupRuns turns runs into regions ordered top to bottom. Whitespace runs
// contribute text but not geometry.
func (s *TextLayerSegmenter) groupRuns(runs []textRun, height float64) []annotator.Region {
	lines := s.groupLines(runs)
	regions := make([]annotator.Region, 0, len(lines))

	var block []textLine
	flush := func() {
		if len(block) > 0 {
			regions = append(regions, s.blockRegion(block, height))
			block = nil
		}
	}

	for _, line := range lines {
		if len(block) > 0 {
			prev := block[len(block)-1]
			gap := prev.baseline - line.baseline
			big, small := math.Max(prev.size, line.size), math.Min(prev.size, line.size)
			if gap > s.BlockGap*big || (small > 0 && big/small > s.FontSizeDrift) {
				flush()
			}
		}
		block = append(block, line)
	}
	flush()

	return regions
}

func (s *TextLayerSegmenter) groupLines(runs []textRun) []textLine {
	sorted := make([]textRun, len(runs))
	copy(sorted, runs)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Y != sorted[j].Y {
			return sorted[i].Y > sorted[j].Y
		}
		return sorted[i].X < sorted[j].X
	})

	var lines []textLine
	for _, run := range sorted {
		if run.blank() {
			continue
		}
		if n := len(lines); n > 0 {
			last := &lines[n-1]
			tol := s.LineTolerance * math.Max(last.size, run.Size)
			if math.Abs(last.baseline-run.Y) <= tol {
				last.runs = append(last.runs, run)
				last.size = math.Max(last.size, run.Size)
				continue
			}
		}
		lines = append(lines, textLine{runs: []textRun{run}, baseline: run.Y, size: run.Size})
	}

	// Whitespace glyphs join the line whose baseline they share.
	for _, run := range sorted {
		if !run.blank() {
			continue
		}
		for i := range lines {
			if math.Abs(lines[i].baseline-run.Y) <= s.LineTolerance*math.Max(lines[i].size, run.Size) {
				lines[i].runs = append(lines[i].runs, run)
				break
			}
		}
	}

	for i := range lines {
		sort.SliceStable(lines[i].runs, func(a, b int) bool {
			return lines[i].runs[a].X < lines[i].runs[b].X
		})
	}
	return lines
}

func (s *TextLayerSegmenter) lineText(line textLine) string {
	var b strings.Builder
	for i, run := range line.runs {
		if i > 0 {
			prev := line.runs[i-1]
			spaced := strings.HasSuffix(prev.S, " ") || strings.HasPrefix(run.S, " ")
			if !spaced && run.X-(prev.X+prev.W) > s.WordGap*math.Max(run.Size, prev.Size) {
				b.WriteByte(' ')
			}
		}
		b.WriteString(run.S)
	}
	return b.String()
}

// blockRegion converts a block of lines to an image-space region.
func (s *TextLayerSegmenter) blockRegion(block []textLine, height float64) annotator.Region {
	minX, maxX := math.Inf(1), math.Inf(-1)
	top, bottom := math.Inf(-1), math.Inf(1)
	texts := make([]string, 0, len(block))

	for _, line := range block {
		for _, run := range line.runs {
			if run.blank() {
				continue
			}
			minX = math.Min(minX, run.X)
			maxX = math.Max(maxX, run.X+run.W)
			top = math.Max(top, run.Y+run.Size)
			bottom = math.Min(bottom, run.Y)
		}
		texts = append(texts, strings.TrimSpace(s.lineText(line)))
	}

	return annotator.Region{
		X1:         minX,
		Y1:         height - top,
		X2:         maxX,
		Y2:         height - bottom,
		Confidence: 1,
		Text:       strings.Join(texts, "\n"),
	}
}

// pageHeight reads the MediaBox, following Parent links since the box is
// inheritable from the page tree.
func pageHeight(page pdf.Page) float64 {
	for v, depth := page.V, 0; !v.IsNull() && depth < 32; v, depth = v.Key("Parent"), depth+1 {
		box := v.Key("MediaBox")
		if box.Len() != 4 {
			continue
		}
		if h := box.Index(3).Float64() - box.Index(1).Float64(); h > 0 {
			return h
		}
	}
	return defaultPageHeight
}

// recoverPDF turns a panic inside the PDF reader into an error; the reader
// panics on some malformed content streams.
func recoverPDF(err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("malformed PDF: %v", r)
	}
}
