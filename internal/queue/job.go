package queue

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/adverant/nexus/docannotator-worker/internal/errors"
	"github.com/adverant/nexus/docannotator-worker/internal/logging"
	"github.com/adverant/nexus/docannotator-worker/internal/processor"
)

// Job statuses written to PostgreSQL and Redis
const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// JobPayload contains the job data submitted by API clients
type JobPayload struct {
	JobID      string                 `json:"jobId"`
	Filename   string                 `json:"filename"`
	MimeType   string                 `json:"mimeType,omitempty"`
	FileSize   int64                  `json:"fileSize,omitempty"`
	FileURL    string                 `json:"fileUrl,omitempty"`
	FileBuffer []byte                 `json:"fileBuffer,omitempty"` // base64 on the wire
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// UnmarshalJSON accepts fileBuffer as a base64 string or as a serialized
// Node.js Buffer object ({"type":"Buffer","data":[...]}).
func (p *JobPayload) UnmarshalJSON(data []byte) error {
	type Alias JobPayload
	aux := &struct {
		FileBuffer interface{} `json:"fileBuffer,omitempty"`
		*Alias
	}{
		Alias: (*Alias)(p),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return fmt.Errorf("failed to unmarshal JobPayload: %w", err)
	}

	buf, err := decodeFileBuffer(aux.FileBuffer)
	if err != nil {
		return err
	}
	p.FileBuffer = buf
	return nil
}

func decodeFileBuffer(v interface{}) ([]byte, error) {
	switch v := v.(type) {
	case nil:
		return nil, nil

	case string:
		decoded, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("failed to decode base64 fileBuffer: %w", err)
		}
		return decoded, nil

	case map[string]interface{}:
		if bufferType, ok := v["type"].(string); !ok || bufferType != "Buffer" {
			return nil, fmt.Errorf("invalid Buffer object format (missing or incorrect 'type' field)")
		}
		dataArray, ok := v["data"].([]interface{})
		if !ok {
			return nil, fmt.Errorf("Buffer object missing 'data' array")
		}
		out := make([]byte, len(dataArray))
		for i, val := range dataArray {
			byteVal, ok := val.(float64)
			if !ok || byteVal < 0 || byteVal > 255 || byteVal != float64(int(byteVal)) {
				return nil, fmt.Errorf("invalid byte value in Buffer data array at index %d", i)
			}
			out[i] = byte(byteVal)
		}
		return out, nil
	}

	return nil, fmt.Errorf("fileBuffer must be either base64 string or Buffer object, got %T", v)
}

func (p *JobPayload) request() *processor.ProcessRequest {
	return &processor.ProcessRequest{
		JobID:      p.JobID,
		Filename:   p.Filename,
		MimeType:   p.MimeType,
		FileSize:   p.FileSize,
		FileURL:    p.FileURL,
		FileBuffer: p.FileBuffer,
		Metadata:   p.Metadata,
	}
}

// jobRunner runs one job through the processor and records its status.
// Shared by both queue backends.
type jobRunner struct {
	processor processor.DocumentProcessorInterface
	logger    *logging.Logger
}

func (r *jobRunner) run(ctx context.Context, payload *JobPayload) (*processor.ProcessResult, error) {
	log := r.logger.With("jobId", payload.JobID)
	start := time.Now()

	if err := r.processor.UpdateJobStatus(ctx, payload.JobID, StatusProcessing, map[string]interface{}{
		"filename": payload.Filename,
		"mimeType": payload.MimeType,
		"fileSize": payload.FileSize,
	}); err != nil {
		log.Warn("Failed to update status to processing", "error", err)
	}

	result, err := r.processor.ProcessDocument(ctx, payload.request())
	if err != nil {
		log.Error("Job failed", "code", errors.CodeOf(err), "error", err, "elapsed", time.Since(start))
		// ctx may already be done; the failure still has to be recorded
		statusCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if updateErr := r.processor.UpdateJobStatus(statusCtx, payload.JobID, StatusFailed, processor.ErrorMetadata(err)); updateErr != nil {
			log.Warn("Failed to update status to failed", "error", updateErr)
		}
		return nil, err
	}

	if err := r.processor.UpdateJobStatus(ctx, payload.JobID, StatusCompleted, processor.ResultMetadata(result)); err != nil {
		log.Warn("Failed to update status to completed", "error", err)
	}
	log.Info("Job completed", "kept", result.RegionsKept, "dropped", result.RegionsDropped, "elapsed", time.Since(start))
	return result, nil
}
