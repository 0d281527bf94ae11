package tesseract

import (
	"image"
	"testing"

	"github.com/otiai10/gosseract/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoxesToRegions(t *testing.T) {
	boxes := []gosseract.BoundingBox{
		{Box: image.Rect(10, 20, 200, 40), Word: "Introduction\n", Confidence: 91.5},
		{Box: image.Rect(10, 50, 200, 90), Word: "   ", Confidence: 95},
		{Box: image.Rect(10, 100, 200, 140), Word: "smudge", Confidence: -1},
		{Box: image.Rect(10, 150, 200, 170), Word: "overflow", Confidence: 100.4},
	}

	regions := boxesToRegions(boxes)
	require.Len(t, regions, 3)

	assert.Equal(t, "Introduction", regions[0].Text)
	assert.Equal(t, 10.0, regions[0].X1)
	assert.Equal(t, 20.0, regions[0].Y1)
	assert.Equal(t, 200.0, regions[0].X2)
	assert.Equal(t, 40.0, regions[0].Y2)
	assert.InDelta(t, 0.915, regions[0].Confidence, 1e-9)

	assert.Equal(t, 0.0, regions[1].Confidence)
	assert.Equal(t, 1.0, regions[2].Confidence)
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name string
		want gosseract.PageIteratorLevel
	}{
		{"", gosseract.RIL_PARA},
		{"para", gosseract.RIL_PARA},
		{"block", gosseract.RIL_BLOCK},
		{"TextLine", gosseract.RIL_TEXTLINE},
		{"word", gosseract.RIL_WORD},
		{"symbol", gosseract.RIL_SYMBOL},
	}
	for _, tt := range tests {
		level, err := ParseLevel(tt.name)
		require.NoError(t, err, tt.name)
		assert.Equal(t, tt.want, level, tt.name)
	}

	_, err := ParseLevel("page")
	assert.Error(t, err)
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(Config{Level: "column"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "column")
}
