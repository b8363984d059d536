package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Stable machine-readable error codes returned to clients. These are
// part of the API contract; internal storage and service identifiers
// never appear in the message.
const (
	CodeValidation         = "VALIDATION"
	CodeForbidden          = "FORBIDDEN"
	CodeNotFound           = "NOT_FOUND"
	CodeInvalidState       = "INVALID_STATE"
	CodeChunkCorrupted     = "CHUNK_CORRUPTED"
	CodeStorageUnavailable = "STORAGE_UNAVAILABLE"
	CodeProcessingFailed   = "PROCESSING_FAILED"
	CodeConnectionLimit    = "CONNECTION_LIMIT"
)

// Error carries a stable code alongside a human-readable message
type Error struct {
	Code      string
	Message   string
	Retryable bool
	cause     error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/As
func (e *Error) Unwrap() error {
	return e.cause
}

// Validation reports a bad category, size or content type. Not
// retryable without client correction.
func Validation(format string, args ...interface{}) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

// Forbidden reports an owner or tenant mismatch
func Forbidden() *Error {
	return &Error{Code: CodeForbidden, Message: "caller does not own this upload"}
}

// NotFound reports an unknown tracking ID
func NotFound(trackingID string) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf("no upload session for tracking ID %s", trackingID)}
}

// InvalidState reports an operation that is not valid for the current
// session status
func InvalidState(format string, args ...interface{}) *Error {
	return &Error{Code: CodeInvalidState, Message: fmt.Sprintf(format, args...)}
}

// ChunkCorrupted reports a checksum mismatch. The client should re-send
// the same chunk index.
func ChunkCorrupted(index int) *Error {
	return &Error{
		Code:      CodeChunkCorrupted,
		Message:   fmt.Sprintf("checksum mismatch for chunk %d", index),
		Retryable: true,
	}
}

// StorageUnavailable wraps an object or record store I/O failure. The
// session remains in its prior state; retry with backoff.
func StorageUnavailable(cause error) *Error {
	return &Error{
		Code:      CodeStorageUnavailable,
		Message:   "storage temporarily unavailable",
		Retryable: true,
		cause:     cause,
	}
}

// ProcessingFailed reports a failed post-processing step. The session
// is terminal and must be explicitly restarted by the client.
func ProcessingFailed(step string, cause error) *Error {
	return &Error{
		Code:    CodeProcessingFailed,
		Message: fmt.Sprintf("processing step %q failed", step),
		cause:   cause,
	}
}

// ConnectionLimit reports a rejected realtime connection attempt
func ConnectionLimit(tier string, ceiling int) *Error {
	return &Error{
		Code:    CodeConnectionLimit,
		Message: fmt.Sprintf("tier %s allows at most %d concurrent connections", tier, ceiling),
	}
}

// Message returns the client-safe message for an error chain. Wrapped
// causes never appear here: they carry storage paths and driver text
// that belong in server logs, not response bodies. Unknown errors
// collapse to a generic message.
func Message(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "internal error"
}

// CodeOf extracts the stable code from an error chain, or empty string
func CodeOf(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// IsRetryable reports whether the client may retry without changing the request
func IsRetryable(err error) bool {
	var appErr *Error
	return errors.As(err, &appErr) && appErr.Retryable
}

// HTTPStatus maps an error to the response status for the gateway
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidState:
		return http.StatusConflict
	case CodeChunkCorrupted:
		return http.StatusUnprocessableEntity
	case CodeStorageUnavailable:
		return http.StatusServiceUnavailable
	case CodeConnectionLimit:
		return http.StatusTooManyRequests
	case CodeProcessingFailed:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
