package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

/**
 * Custom error types for the Document Annotator Worker
 *
 * Contract violations (malformed regions, unknown pages, unsupported input)
 * are never retried. Everything else is treated as a processing failure.
 */

// ErrorCode enum for structured error handling
type ErrorCode string

const (
	// Contract violations
	ErrorInvalidRegion     ErrorCode = "INVALID_REGION"
	ErrorInvalidPage       ErrorCode = "INVALID_PAGE"
	ErrorUnsupportedFormat ErrorCode = "UNSUPPORTED_FORMAT"

	// Processing errors
	ErrorProcessingTimeout  ErrorCode = "PROCESSING_TIMEOUT"
	ErrorSegmentationFailed ErrorCode = "SEGMENTATION_FAILED"

	// Storage errors
	ErrorStorageFailed ErrorCode = "STORAGE_FAILED"
)

// ProcessingError represents a structured processing error
type ProcessingError struct {
	Code      ErrorCode
	Message   string
	JobID     string
	Timestamp time.Time
	Details   map[string]interface{}
	Cause     error
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

// WithJobID returns a copy of the error tagged with a job ID.
func (e *ProcessingError) WithJobID(jobID string) *ProcessingError {
	cp := *e
	cp.JobID = jobID
	return &cp
}

// Factory functions for common errors

// NewInvalidRegionError reports a malformed region on a page. index is the
// region's position within the page sequence.
func NewInvalidRegionError(page, index int, reason string) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorInvalidRegion,
		Message:   fmt.Sprintf("invalid region %d on page %d: %s", index, page, reason),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"page":   page,
			"region": index,
			"reason": reason,
		},
	}
}

// NewInvalidPageError reports a page index missing from the segmentation
// output it was checked against.
func NewInvalidPageError(page int, reason string) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorInvalidPage,
		Message:   fmt.Sprintf("invalid page %d: %s", page, reason),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"page":   page,
			"reason": reason,
		},
	}
}

func NewUnsupportedFormatError(jobID string, mimeType string) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorUnsupportedFormat,
		Message:   fmt.Sprintf("Unsupported file format: %s", mimeType),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"mime_type": mimeType,
		},
	}
}

func NewProcessingTimeoutError(jobID string, duration time.Duration, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorProcessingTimeout,
		Message:   fmt.Sprintf("Processing timed out after %v", duration),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"timeout_duration": duration.String(),
		},
		Cause: cause,
	}
}

func NewSegmentationFailedError(jobID string, segmenter string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorSegmentationFailed,
		Message:   fmt.Sprintf("Page segmentation failed: %s", segmenter),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"segmenter": segmenter,
		},
		Cause: cause,
	}
}

func NewStorageFailedError(jobID string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorStorageFailed,
		Message:   "Failed to store annotation results",
		JobID:     jobID,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

// CodeOf returns the code of the first ProcessingError in err's chain, or
// an empty code.
func CodeOf(err error) ErrorCode {
	var pe *ProcessingError
	if stderrors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// IsInvalidRegion reports whether err is an InvalidRegionError.
func IsInvalidRegion(err error) bool {
	return CodeOf(err) == ErrorInvalidRegion
}

// IsInvalidPage reports whether err is an InvalidPageError.
func IsInvalidPage(err error) bool {
	return CodeOf(err) == ErrorInvalidPage
}

// IsContractViolation reports whether err was caused by caller-supplied
// data rather than a transient failure.
func IsContractViolation(err error) bool {
	switch CodeOf(err) {
	case ErrorInvalidRegion, ErrorInvalidPage, ErrorUnsupportedFormat:
		return true
	}
	return false
}

// ToMap converts error to map for database storage
func (e *ProcessingError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"error_code": string(e.Code),
		"message":    e.Message,
		"timestamp":  e.Timestamp,
	}

	for k, v := range e.Details {
		result[k] = v
	}

	if e.Cause != nil {
		result["cause"] = e.Cause.Error()
	}

	return result
}
