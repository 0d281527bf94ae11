package annotator

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus/docannotator-worker/internal/errors"
)

func TestDecodeBorders(t *testing.T) {
	var borders DocumentBorders
	err := json.Unmarshal([]byte(`{"1": [[0,0,100,20,0.9,"Hello World"], [0,30,100,50,0.5,null]]}`), &borders)
	require.NoError(t, err)

	require.Len(t, borders[1], 2)
	assert.Equal(t, Region{X2: 100, Y2: 20, Confidence: 0.9, Text: "Hello World"}, borders[1][0])
	assert.Equal(t, "", borders[1][1].Text)
}

func TestDecodeBordersRejectsMalformedTuples(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		region bool
	}{
		{"short tuple", `{"1": [[0,0,100,20]]}`, true},
		{"not a tuple", `{"1": [{"x1": 0}]}`, true},
		{"confidence out of range", `{"1": [[0,0,1,1,7,"x"]]}`, true},
		{"text not string", `{"1": [[0,0,1,1,0.9,42]]}`, true},
		{"coordinate not number", `{"1": [["a",0,1,1,0.9,"x"]]}`, true},
		{"page key", `{"one": []}`, false},
		{"page written twice", `{"1": [[0,0,1,1,0.9,"a"]], "01": [[0,0,1,1,0.9,"b"]]}`, false},
		{"repeated page key", `{"2": [], "2": [[0,0,1,1,0.9,"b"]]}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var borders DocumentBorders
			err := json.Unmarshal([]byte(tt.input), &borders)
			require.Error(t, err)
			if tt.region {
				assert.True(t, errors.IsInvalidRegion(err), "got %v", err)
			} else {
				assert.True(t, errors.IsInvalidPage(err), "got %v", err)
			}
		})
	}
}

func TestDecodeBordersNotAnObject(t *testing.T) {
	var borders DocumentBorders
	err := json.Unmarshal([]byte(`[[0,0,1,1,0.9,"x"]]`), &borders)
	require.Error(t, err)
	assert.Empty(t, errors.CodeOf(err))

	require.NoError(t, json.Unmarshal([]byte(`null`), &borders))
	assert.Empty(t, borders)
}

func TestAnnotatedRegionWireForm(t *testing.T) {
	out, err := Annotate(DocumentBorders{
		1: {{X1: 0, Y1: 0, X2: 100, Y2: 20, Confidence: 0.9, Text: "Hello World"}},
	})
	require.NoError(t, err)

	encoded, err := json.Marshal(out)
	require.NoError(t, err)
	assert.JSONEq(t, `{"1": [[0,0,100,20,0.9,"Hello World",[2,11,1,0,0,1]]]}`, string(encoded))

	var decoded map[int][]AnnotatedRegion
	require.NoError(t, json.Unmarshal(encoded, &decoded))
	assert.Equal(t, out[1], decoded[1])
}

func TestAnnotatedRegionRequiresFeatures(t *testing.T) {
	var a AnnotatedRegion
	err := json.Unmarshal([]byte(`[0,0,1,1,0.9,"x"]`), &a)
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRegion(err))
}

func TestFeatureVectorValues(t *testing.T) {
	vec := FeatureVector{WordCount: 3, TextSize: 14, CapitalizedRatio: 0.5, NonGarbageRatio: 0.9}

	back, ok := FeatureVectorFromValues(vec.Values())
	require.True(t, ok)
	assert.Equal(t, vec, back)

	_, ok = FeatureVectorFromValues([]float64{1, 2})
	assert.False(t, ok)
}
