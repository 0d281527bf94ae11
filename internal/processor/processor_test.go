package processor

import (
	"context"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus/docannotator-worker/internal/annotator"
	"github.com/adverant/nexus/docannotator-worker/internal/errors"
	"github.com/adverant/nexus/docannotator-worker/internal/storage"
)

type fakeSegmenter struct {
	name      string
	borders   annotator.DocumentBorders
	pageCount int
	err       error
	block     bool
	calls     int
}

func (f *fakeSegmenter) Name() string { return f.name }

func (f *fakeSegmenter) PageCount([]byte) (int, error) { return f.pageCount, nil }

func (f *fakeSegmenter) Segment(ctx context.Context, _ []byte) (annotator.DocumentBorders, error) {
	f.calls++
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.borders, f.err
}

type fakeStore struct {
	stored  map[string]annotator.AnnotatedBorders
	updates []*storage.JobUpdate
	err     error
}

func newFakeStore() *fakeStore {
	return &fakeStore{stored: make(map[string]annotator.AnnotatedBorders)}
}

func (s *fakeStore) StoreAnnotations(_ context.Context, jobID string, borders annotator.AnnotatedBorders) (*storage.StoreResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.stored[jobID] = borders
	return &storage.StoreResult{JobID: jobID, RegionsStored: borders.RegionCount()}, nil
}

func (s *fakeStore) UpdateJobStatus(_ context.Context, update *storage.JobUpdate) error {
	s.updates = append(s.updates, update)
	return nil
}

func newTestProcessor(t *testing.T, cfg ProcessorConfig) *DocumentProcessor {
	t.Helper()
	if cfg.TextLayer == nil {
		cfg.TextLayer = &fakeSegmenter{name: "pdf-text-layer"}
	}
	p, err := NewDocumentProcessor(&cfg)
	require.NoError(t, err)
	return p
}

const bordersJSON = `{"1": [[10, 10, 200, 30, 0.95, "Hello World"], [10, 40, 200, 60, 0.4, "smudge"]]}`

func TestProcessBordersJSON(t *testing.T) {
	store := newFakeStore()
	p := newTestProcessor(t, ProcessorConfig{Store: store})

	result, err := p.ProcessDocument(context.Background(), &ProcessRequest{
		JobID:      "job-1",
		MimeType:   "application/octet-stream",
		FileBuffer: []byte(bordersJSON),
	})
	require.NoError(t, err)

	assert.Equal(t, "application/json", result.MimeType)
	assert.Equal(t, "borders-json", result.Segmenter)
	assert.Equal(t, 1, result.Pages)
	assert.Equal(t, 1, result.RegionsKept)
	assert.Equal(t, 1, result.RegionsDropped)
	assert.Equal(t, 1, result.RegionsStored)

	require.Len(t, store.stored["job-1"][1], 1)
	got := store.stored["job-1"][1][0]
	assert.Equal(t, "Hello World", got.Text)
	assert.Equal(t, 2, got.Features.WordCount)
	assert.Equal(t, 11, got.Features.TextSize)
}

func TestProcessPDFUsesTextLayer(t *testing.T) {
	textLayer := &fakeSegmenter{
		name:      "pdf-text-layer",
		pageCount: 2,
		borders: annotator.DocumentBorders{
			1: {{X2: 100, Y2: 20, Confidence: 1, Text: "Title"}},
			2: {},
		},
	}
	p := newTestProcessor(t, ProcessorConfig{TextLayer: textLayer})

	result, err := p.ProcessDocument(context.Background(), &ProcessRequest{
		JobID:      "job-2",
		FileBuffer: []byte("%PDF-1.4 ..."),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, textLayer.calls)
	assert.Equal(t, "pdf-text-layer", result.Segmenter)
	assert.Equal(t, 2, result.Pages)
	assert.Equal(t, []int{1, 2}, result.Annotations.Pages())
}

func TestProcessPDFPageOutOfRange(t *testing.T) {
	store := newFakeStore()
	textLayer := &fakeSegmenter{
		name:      "pdf-text-layer",
		pageCount: 2,
		borders:   annotator.DocumentBorders{3: {{X2: 1, Y2: 1, Confidence: 1, Text: "x"}}},
	}
	p := newTestProcessor(t, ProcessorConfig{TextLayer: textLayer, Store: store})

	result, err := p.ProcessDocument(context.Background(), &ProcessRequest{
		JobID:      "job-3",
		FileBuffer: []byte("%PDF-1.7"),
	})
	require.Error(t, err)
	assert.Nil(t, result)
	assert.True(t, errors.IsInvalidPage(err))
	assert.Empty(t, store.stored)

	var pe *errors.ProcessingError
	require.True(t, stderrors.As(err, &pe))
	assert.Equal(t, "job-3", pe.JobID)
}

func TestProcessImage(t *testing.T) {
	png := []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 0, 0}

	t.Run("no image segmenter", func(t *testing.T) {
		p := newTestProcessor(t, ProcessorConfig{})
		_, err := p.ProcessDocument(context.Background(), &ProcessRequest{JobID: "job-4", FileBuffer: png})
		assert.Equal(t, errors.ErrorUnsupportedFormat, errors.CodeOf(err))
	})

	t.Run("tesseract path", func(t *testing.T) {
		ocr := &fakeSegmenter{
			name:    "tesseract",
			borders: annotator.DocumentBorders{1: {{X2: 10, Y2: 10, Confidence: 0.7, Text: "Scanned"}}},
		}
		p := newTestProcessor(t, ProcessorConfig{ImageSegmenter: ocr})
		result, err := p.ProcessDocument(context.Background(), &ProcessRequest{JobID: "job-5", FileBuffer: png})
		require.NoError(t, err)
		assert.Equal(t, "tesseract", result.Segmenter)
		assert.Equal(t, 1, result.RegionsKept)
	})

	t.Run("segmenter failure", func(t *testing.T) {
		ocr := &fakeSegmenter{name: "tesseract", err: stderrors.New("engine crashed")}
		p := newTestProcessor(t, ProcessorConfig{ImageSegmenter: ocr})
		_, err := p.ProcessDocument(context.Background(), &ProcessRequest{JobID: "job-6", FileBuffer: png})
		assert.Equal(t, errors.ErrorSegmentationFailed, errors.CodeOf(err))
		assert.Contains(t, err.Error(), "engine crashed")
	})
}

func TestProcessRejectsUnknownFormat(t *testing.T) {
	p := newTestProcessor(t, ProcessorConfig{})
	_, err := p.ProcessDocument(context.Background(), &ProcessRequest{
		JobID:      "job-7",
		FileBuffer: []byte("plain text is not a document we segment"),
	})
	require.Error(t, err)
	assert.Equal(t, errors.ErrorUnsupportedFormat, errors.CodeOf(err))
	assert.True(t, errors.IsContractViolation(err))
}

func TestProcessInvalidRegionCarriesJobID(t *testing.T) {
	p := newTestProcessor(t, ProcessorConfig{})
	_, err := p.ProcessDocument(context.Background(), &ProcessRequest{
		JobID:      "job-8",
		FileBuffer: []byte(`{"1": [[0, 0, 1, 1, 1.5, "too sure"]]}`),
	})
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRegion(err))

	var pe *errors.ProcessingError
	require.True(t, stderrors.As(err, &pe))
	assert.Equal(t, "job-8", pe.JobID)
}

func TestProcessStorageFailure(t *testing.T) {
	store := newFakeStore()
	store.err = stderrors.New("qdrant unavailable")
	p := newTestProcessor(t, ProcessorConfig{Store: store})

	_, err := p.ProcessDocument(context.Background(), &ProcessRequest{JobID: "job-9", FileBuffer: []byte(bordersJSON)})
	assert.Equal(t, errors.ErrorStorageFailed, errors.CodeOf(err))
	assert.False(t, errors.IsContractViolation(err))
}

func TestProcessTimeout(t *testing.T) {
	ocr := &fakeSegmenter{name: "tesseract", block: true}
	p := newTestProcessor(t, ProcessorConfig{ImageSegmenter: ocr, ProcessingTimeout: 20 * time.Millisecond})

	_, err := p.ProcessDocument(context.Background(), &ProcessRequest{
		JobID:      "job-10",
		FileBuffer: []byte("GIF89a...."),
	})
	assert.Equal(t, errors.ErrorProcessingTimeout, errors.CodeOf(err))
}

func TestProcessRequiresSource(t *testing.T) {
	p := newTestProcessor(t, ProcessorConfig{})
	_, err := p.ProcessDocument(context.Background(), &ProcessRequest{JobID: "job-11"})
	assert.ErrorContains(t, err, "no file source")

	_, err = p.ProcessDocument(context.Background(), &ProcessRequest{})
	assert.Error(t, err)
}

func TestProcessDownloadsFromURL(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(bordersJSON))
	}))
	defer srv.Close()

	p := newTestProcessor(t, ProcessorConfig{})
	result, err := p.ProcessDocument(context.Background(), &ProcessRequest{JobID: "job-12", FileURL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, 1, result.RegionsKept)
}

func TestDownloadRejectsOversizedFile(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(strings.Repeat("x", 64)))
	}))
	defer srv.Close()

	p := newTestProcessor(t, ProcessorConfig{MaxFileSize: 16})
	_, err := p.ProcessDocument(context.Background(), &ProcessRequest{JobID: "job-13", FileURL: srv.URL})
	require.Error(t, err)
	assert.ErrorContains(t, err, "exceeds maximum")
	assert.Equal(t, int32(1), hits.Load())
}

func TestDetectMimeTypeFromMagicBytes(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"pdf", []byte("%PDF-1.4"), "application/pdf"},
		{"png", []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}, "image/png"},
		{"jpeg", []byte{0xFF, 0xD8, 0xFF, 0xE0}, "image/jpeg"},
		{"gif", []byte("GIF87a"), "image/gif"},
		{"webp", []byte("RIFF\x00\x00\x00\x00WEBPVP8 "), "image/webp"},
		{"tiff", []byte{0x49, 0x49, 0x2A, 0x00}, "image/tiff"},
		{"bmp", []byte("BM\x46\x00\x00\x00\x00\x00\x00\x00\x36\x00\x00\x00\x28\x00\x00\x00"), "image/bmp"},
		{"text starting with BM", []byte("BMW service record, 2019 model year"), ""},
		{"bmp signature only", []byte("BM\x00\x00"), ""},
		{"zip", []byte{0x50, 0x4B, 0x03, 0x04}, "application/zip"},
		{"borders", []byte("\n  {\"1\": []}"), "application/json"},
		{"short borders", []byte("{}"), "application/json"},
		{"text", []byte("hello"), ""},
		{"empty", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, detectMimeTypeFromMagicBytes(tt.data))
		})
	}
}

func TestBackoffFor(t *testing.T) {
	assert.Equal(t, time.Second, backoffFor(1))
	assert.Equal(t, 4*time.Second, backoffFor(3))
	assert.Equal(t, 32*time.Second, backoffFor(6))
	assert.Equal(t, 32*time.Second, backoffFor(40))
}

func TestUpdateJobStatus(t *testing.T) {
	store := newFakeStore()
	p := newTestProcessor(t, ProcessorConfig{Store: store})

	result := &ProcessResult{MimeType: "application/pdf", Segmenter: "pdf-text-layer", Pages: 3, RegionsKept: 7, RegionsDropped: 2, ProcessingTimeMs: 42}
	require.NoError(t, p.UpdateJobStatus(context.Background(), "job-14", "completed", ResultMetadata(result)))

	failure := errors.NewInvalidPageError(0, "page indexes are 1-based")
	require.NoError(t, p.UpdateJobStatus(context.Background(), "job-14", "failed", ErrorMetadata(failure)))

	require.Len(t, store.updates, 2)
	done := store.updates[0]
	assert.Equal(t, "completed", done.Status)
	assert.Equal(t, "pdf-text-layer", done.Segmenter)
	assert.Equal(t, 3, done.Pages)
	assert.Equal(t, 7, done.RegionsKept)
	assert.Equal(t, 2, done.RegionsDropped)
	assert.Equal(t, int64(42), done.ProcessingTimeMs)

	failed := store.updates[1]
	assert.Equal(t, "INVALID_PAGE", failed.ErrorCode)
	assert.NotEmpty(t, failed.ErrorMessage)
}
