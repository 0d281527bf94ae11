/**
 * Document Processor for the Document Annotator Worker
 *
 * Runs one job through the annotation pipeline:
 * - load the document (inline buffer or URL download)
 * - detect the real MIME type from magic bytes
 * - segment it into page regions (PDF text layer, Tesseract, or
 *   pre-segmented borders JSON)
 * - filter and annotate the regions
 * - persist the annotated regions
 */

package processor

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/adverant/nexus/docannotator-worker/internal/annotator"
	"github.com/adverant/nexus/docannotator-worker/internal/errors"
	"github.com/adverant/nexus/docannotator-worker/internal/logging"
	"github.com/adverant/nexus/docannotator-worker/internal/segmentation"
	"github.com/adverant/nexus/docannotator-worker/internal/storage"
)

const (
	mimePDF     = "application/pdf"
	mimeBorders = "application/json"

	bordersSegmenterName = "borders-json"
)

// DocumentProcessorInterface defines the interface for document processing
type DocumentProcessorInterface interface {
	ProcessDocument(ctx context.Context, req *ProcessRequest) (*ProcessResult, error)
	UpdateJobStatus(ctx context.Context, jobID string, status string, metadata map[string]interface{}) error
}

// ResultStore persists annotation output and job status
type ResultStore interface {
	StoreAnnotations(ctx context.Context, jobID string, borders annotator.AnnotatedBorders) (*storage.StoreResult, error)
	UpdateJobStatus(ctx context.Context, update *storage.JobUpdate) error
}

// DocumentSegmenter is a segmenter that can also count a document's pages
type DocumentSegmenter interface {
	segmentation.Segmenter
	segmentation.PageCounter
}

// ProcessorConfig holds processor configuration
type ProcessorConfig struct {
	Annotator         *annotator.Annotator
	TextLayer         DocumentSegmenter      // PDFs
	ImageSegmenter    segmentation.Segmenter // raster images; nil disables them
	Store             ResultStore            // nil skips persistence
	MaxFileSize       int64
	ProcessingTimeout time.Duration
	HTTPClient        *http.Client
	Logger            *logging.Logger
}

// ProcessRequest represents a document processing request
type ProcessRequest struct {
	JobID      string
	Filename   string
	MimeType   string
	FileSize   int64
	FileURL    string
	FileBuffer []byte
	Metadata   map[string]interface{}
}

// ProcessResult represents the processing result
type ProcessResult struct {
	JobID            string
	MimeType         string
	Segmenter        string
	Pages            int
	RegionsKept      int
	RegionsDropped   int
	RegionsStored    int
	ProcessingTimeMs int64
	Annotations      annotator.AnnotatedBorders
}

// DocumentProcessor handles document processing
type DocumentProcessor struct {
	config    ProcessorConfig
	annotator *annotator.Annotator
	client    *http.Client
	logger    *logging.Logger
}

// NewDocumentProcessor creates a new document processor
func NewDocumentProcessor(cfg *ProcessorConfig) (*DocumentProcessor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("processor config is required")
	}
	if cfg.TextLayer == nil {
		return nil, fmt.Errorf("text layer segmenter is required")
	}

	p := &DocumentProcessor{
		config:    *cfg,
		annotator: cfg.Annotator,
		client:    cfg.HTTPClient,
		logger:    cfg.Logger,
	}
	if p.annotator == nil {
		p.annotator = annotator.New()
	}
	if p.client == nil {
		p.client = &http.Client{Timeout: 10 * time.Minute}
	}
	if p.logger == nil {
		p.logger = logging.NewLogger("Processor")
	}

	return p, nil
}

// ProcessDocument processes a document through the complete pipeline. On
// any error no partial annotations are returned or stored.
func (p *DocumentProcessor) ProcessDocument(ctx context.Context, req *ProcessRequest) (*ProcessResult, error) {
	if req == nil || req.JobID == "" {
		return nil, fmt.Errorf("job ID is required")
	}
	start := time.Now()
	log := p.logger.With("jobId", req.JobID)

	if p.config.ProcessingTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.ProcessingTimeout)
		defer cancel()
	}

	result, err := p.process(ctx, req, log)
	if err != nil {
		if stderrors.Is(err, context.DeadlineExceeded) && errors.CodeOf(err) == "" {
			err = errors.NewProcessingTimeoutError(req.JobID, p.config.ProcessingTimeout, err)
		}
		log.Error("Processing failed", "error", err, "elapsed", time.Since(start))
		return nil, err
	}

	result.ProcessingTimeMs = time.Since(start).Milliseconds()
	log.Info("Processing complete",
		"segmenter", result.Segmenter,
		"pages", result.Pages,
		"kept", result.RegionsKept,
		"dropped", result.RegionsDropped,
		"ms", result.ProcessingTimeMs)
	return result, nil
}

func (p *DocumentProcessor) process(ctx context.Context, req *ProcessRequest, log *logging.Logger) (*ProcessResult, error) {
	// Step 1: load file
	fileData, err := p.loadFile(ctx, req, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load file: %w", err)
	}

	// Step 2: trust content over the declared type
	mimeType := detectMimeTypeFromMagicBytes(fileData)
	if mimeType == "" {
		mimeType = req.MimeType
	} else if mimeType != req.MimeType && req.MimeType != "" {
		log.Debug("Corrected MIME type from magic bytes", "declared", req.MimeType, "detected", mimeType)
	}

	// Step 3: segment
	borders, segmenterName, err := p.segment(ctx, req.JobID, mimeType, fileData)
	if err != nil {
		return nil, attachJobID(err, req.JobID)
	}
	log.Debug("Segmented document", "segmenter", segmenterName,
		"pages", len(borders), "regions", borders.RegionCount())

	// Step 4: annotate
	annotated, err := p.annotator.Annotate(borders)
	if err != nil {
		return nil, attachJobID(err, req.JobID)
	}

	result := &ProcessResult{
		JobID:          req.JobID,
		MimeType:       mimeType,
		Segmenter:      segmenterName,
		Pages:          len(borders),
		RegionsKept:    annotated.RegionCount(),
		RegionsDropped: borders.RegionCount() - annotated.RegionCount(),
		Annotations:    annotated,
	}

	// Step 5: persist
	if p.config.Store != nil {
		stored, err := p.config.Store.StoreAnnotations(ctx, req.JobID, annotated)
		if err != nil {
			return nil, errors.NewStorageFailedError(req.JobID, err)
		}
		result.RegionsStored = stored.RegionsStored
	}

	return result, nil
}

// segment picks a segmenter for mimeType and checks the resulting page
// indexes against the document's page count where one is known.
func (p *DocumentProcessor) segment(ctx context.Context, jobID, mimeType string, data []byte) (annotator.DocumentBorders, string, error) {
	switch {
	case mimeType == mimePDF:
		seg := p.config.TextLayer
		pageCount, err := seg.PageCount(data)
		if err != nil {
			return nil, seg.Name(), errors.NewSegmentationFailedError(jobID, seg.Name(), err)
		}
		borders, err := runSegmenter(ctx, jobID, seg, data)
		if err != nil {
			return nil, seg.Name(), err
		}
		return borders, seg.Name(), annotator.CheckPages(borders, pageCount)

	case strings.HasPrefix(mimeType, "image/"):
		seg := p.config.ImageSegmenter
		if seg == nil {
			return nil, "", errors.NewUnsupportedFormatError(jobID, mimeType)
		}
		borders, err := runSegmenter(ctx, jobID, seg, data)
		if err != nil {
			return nil, seg.Name(), err
		}
		return borders, seg.Name(), annotator.CheckPages(borders, 1)

	case mimeType == mimeBorders:
		var borders annotator.DocumentBorders
		if err := json.Unmarshal(data, &borders); err != nil {
			if errors.CodeOf(err) != "" {
				return nil, bordersSegmenterName, err
			}
			return nil, bordersSegmenterName, errors.NewUnsupportedFormatError(jobID, mimeType+" (malformed borders)")
		}
		return borders, bordersSegmenterName, nil
	}

	return nil, "", errors.NewUnsupportedFormatError(jobID, mimeType)
}

// runSegmenter wraps segmenter failures so callers can tell them apart from
// contract violations and cancellation.
func runSegmenter(ctx context.Context, jobID string, seg segmentation.Segmenter, data []byte) (annotator.DocumentBorders, error) {
	borders, err := seg.Segment(ctx, data)
	if err == nil {
		return borders, nil
	}
	if errors.CodeOf(err) != "" || ctx.Err() != nil {
		return nil, err
	}
	return nil, errors.NewSegmentationFailedError(jobID, seg.Name(), err)
}

func attachJobID(err error, jobID string) error {
	var pe *errors.ProcessingError
	if stderrors.As(err, &pe) && pe.JobID == "" {
		return pe.WithJobID(jobID)
	}
	return err
}

// UpdateJobStatus updates job status in the result store
func (p *DocumentProcessor) UpdateJobStatus(ctx context.Context, jobID string, status string, metadata map[string]interface{}) error {
	if p.config.Store == nil {
		return nil
	}

	update := &storage.JobUpdate{
		JobID:    jobID,
		Status:   status,
		Metadata: metadata,
	}

	// Extract specific fields from metadata if present
	if metadata != nil {
		if v, ok := metadata["filename"].(string); ok {
			update.Filename = v
		}
		if v, ok := metadata["mimeType"].(string); ok {
			update.MimeType = v
		}
		if v, ok := metadata["segmenter"].(string); ok {
			update.Segmenter = v
		}
		if v, ok := metadata["pages"].(int); ok {
			update.Pages = v
		}
		if v, ok := metadata["regionsKept"].(int); ok {
			update.RegionsKept = v
		}
		if v, ok := metadata["regionsDropped"].(int); ok {
			update.RegionsDropped = v
		}
		if v, ok := metadata["processingTime"].(int64); ok {
			update.ProcessingTimeMs = v
		}
		if errorMsg, ok := metadata["error"].(string); ok {
			update.ErrorCode = "PROCESSING_ERROR"
			update.ErrorMessage = errorMsg
		}
		if code, ok := metadata["errorCode"].(string); ok {
			update.ErrorCode = code
		}
	}

	return p.config.Store.UpdateJobStatus(ctx, update)
}

// ResultMetadata flattens a result into job status metadata
func ResultMetadata(result *ProcessResult) map[string]interface{} {
	return map[string]interface{}{
		"mimeType":       result.MimeType,
		"segmenter":      result.Segmenter,
		"pages":          result.Pages,
		"regionsKept":    result.RegionsKept,
		"regionsDropped": result.RegionsDropped,
		"processingTime": result.ProcessingTimeMs,
	}
}

// ErrorMetadata describes a failure for job status metadata
func ErrorMetadata(err error) map[string]interface{} {
	md := map[string]interface{}{"error": err.Error()}
	if code := errors.CodeOf(err); code != "" {
		md["errorCode"] = string(code)
	}
	return md
}

// loadFile loads file from URL or buffer
func (p *DocumentProcessor) loadFile(ctx context.Context, req *ProcessRequest, log *logging.Logger) ([]byte, error) {
	if len(req.FileBuffer) > 0 {
		if p.config.MaxFileSize > 0 && int64(len(req.FileBuffer)) > p.config.MaxFileSize {
			return nil, fmt.Errorf("file size exceeds maximum: %d > %d bytes", len(req.FileBuffer), p.config.MaxFileSize)
		}
		log.Debug("Using file buffer", "bytes", len(req.FileBuffer))
		return req.FileBuffer, nil
	}

	if req.FileURL != "" {
		log.Info("Downloading file", "url", req.FileURL, "expectedSize", req.FileSize)
		return p.downloadFileFromURL(ctx, log, req.FileURL, req.FileSize)
	}

	return nil, fmt.Errorf("no file source provided (buffer or URL)")
}

// Download retry schedule
const (
	maxDownloadAttempts = 5
	initialBackoff      = time.Second
	maxBackoff          = 32 * time.Second
)

// backoffFor returns the delay before retry number attempt (1-based).
func backoffFor(attempt int) time.Duration {
	d := initialBackoff << (attempt - 1)
	if d > maxBackoff || d <= 0 {
		return maxBackoff
	}
	return d
}

// errTooLarge marks downloads that no retry can fix.
var errTooLarge = stderrors.New("file size exceeds maximum")

// downloadFileFromURL downloads a file with retry and exponential backoff.
// Oversized files fail immediately.
func (p *DocumentProcessor) downloadFileFromURL(ctx context.Context, log *logging.Logger, fileURL string, expectedSize int64) ([]byte, error) {
	var lastErr error

	for attempt := 1; attempt <= maxDownloadAttempts; attempt++ {
		data, err := p.fetch(ctx, fileURL, expectedSize, log)
		if err == nil {
			log.Debug("Download successful", "attempt", attempt, "bytes", len(data))
			return data, nil
		}
		if stderrors.Is(err, errTooLarge) || ctx.Err() != nil {
			return nil, err
		}

		lastErr = err
		log.Warn("Download attempt failed", "attempt", attempt, "of", maxDownloadAttempts, "error", err)

		if attempt < maxDownloadAttempts {
			select {
			case <-time.After(backoffFor(attempt)):
			case <-ctx.Done():
				return nil, fmt.Errorf("context cancelled during retry backoff: %w", ctx.Err())
			}
		}
	}

	return nil, fmt.Errorf("failed to download file after %d attempts: %w", maxDownloadAttempts, lastErr)
}

func (p *DocumentProcessor) fetch(ctx context.Context, fileURL string, expectedSize int64, log *logging.Logger) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	if resp.ContentLength > 0 && expectedSize > 0 && resp.ContentLength != expectedSize {
		log.Warn("Content-Length mismatch", "expected", expectedSize, "got", resp.ContentLength)
	}

	limit := p.config.MaxFileSize
	if limit > 0 && resp.ContentLength > limit {
		return nil, fmt.Errorf("%w: %d > %d bytes", errTooLarge, resp.ContentLength, limit)
	}
	if limit <= 0 {
		limit = 10 * 1024 * 1024 * 1024 // 10GB safety limit
	}

	// Read one byte past the limit to detect bodies without Content-Length
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: more than %d bytes", errTooLarge, limit)
	}
	return data, nil
}

// detectMimeTypeFromMagicBytes detects the actual MIME type from file
// content. Sources such as Google Drive often report application/octet-stream.
func detectMimeTypeFromMagicBytes(data []byte) string {
	if len(data) < 4 {
		if looksLikeBorders(data) {
			return mimeBorders
		}
		return ""
	}

	switch {
	case bytes.HasPrefix(data, []byte("%PDF")):
		return mimePDF
	case bytes.HasPrefix(data, []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}):
		return "image/png"
	case bytes.HasPrefix(data, []byte{0xFF, 0xD8, 0xFF}):
		return "image/jpeg"
	case bytes.HasPrefix(data, []byte("GIF87a")), bytes.HasPrefix(data, []byte("GIF89a")):
		return "image/gif"
	case len(data) > 12 && bytes.HasPrefix(data, []byte("RIFF")) && string(data[8:12]) == "WEBP":
		return "image/webp"
	case bytes.HasPrefix(data, []byte{0x49, 0x49, 0x2A, 0x00}), bytes.HasPrefix(data, []byte{0x4D, 0x4D, 0x00, 0x2A}):
		return "image/tiff"
	case isBMP(data):
		return "image/bmp"
	case bytes.HasPrefix(data, []byte{0x50, 0x4B, 0x03, 0x04}):
		return "application/zip"
	case looksLikeBorders(data):
		return mimeBorders
	}

	return ""
}

// isBMP checks more than the "BM" signature, which plain text can start
// with: the reserved words must be zero and the DIB header size known.
func isBMP(data []byte) bool {
	if len(data) < 18 || !bytes.HasPrefix(data, []byte("BM")) {
		return false
	}
	if binary.LittleEndian.Uint32(data[6:10]) != 0 {
		return false
	}
	switch binary.LittleEndian.Uint32(data[14:18]) {
	case 12, 40, 52, 56, 64, 108, 124:
		return true
	}
	return false
}

// looksLikeBorders reports whether data starts like a JSON object, the
// encoding used for pre-segmented page borders.
func looksLikeBorders(data []byte) bool {
	trimmed := bytes.TrimLeft(data, " \t\r\n\ufeff")
	return len(trimmed) > 0 && trimmed[0] == '{'
}
