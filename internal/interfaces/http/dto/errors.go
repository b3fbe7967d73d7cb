package dto

import (
	"net/http"

	"github.com/erp/exchange/internal/domain/shared"
)

// Error codes returned by the ops API.
// Format: ERR_<CATEGORY>_<DESCRIPTION>
const (
	ErrCodeInternal = "ERR_INTERNAL"

	ErrCodeValidation   = "ERR_VALIDATION"
	ErrCodeBadRequest   = "ERR_BAD_REQUEST"
	ErrCodeInvalidInput = "ERR_INVALID_INPUT"

	ErrCodeNotFound     = "ERR_NOT_FOUND"
	ErrCodeInvalidState = "ERR_INVALID_STATE"

	// ErrCodeTooLarge covers oversized bodies and archives over the
	// uncompressed cap.
	ErrCodeTooLarge = "ERR_TOO_LARGE"
	// ErrCodeUnknownJobType is returned for a job type path segment that
	// names no job.
	ErrCodeUnknownJobType = "ERR_UNKNOWN_JOB_TYPE"
	// ErrCodeEntryNotFound is returned when an archive has no usable document.
	ErrCodeEntryNotFound = "ERR_ENTRY_NOT_FOUND"

	ErrCodeNotConfigured = "ERR_NOT_CONFIGURED"
	ErrCodeUnavailable   = "ERR_UNAVAILABLE"
	ErrCodeUpstream      = "ERR_UPSTREAM"
)

// ErrorCodeHTTPStatus maps error codes to HTTP status codes
var ErrorCodeHTTPStatus = map[string]int{
	ErrCodeInternal: http.StatusInternalServerError,

	ErrCodeValidation:   http.StatusBadRequest,
	ErrCodeBadRequest:   http.StatusBadRequest,
	ErrCodeInvalidInput: http.StatusBadRequest,

	ErrCodeNotFound:     http.StatusNotFound,
	ErrCodeInvalidState: http.StatusUnprocessableEntity,

	ErrCodeTooLarge:       http.StatusRequestEntityTooLarge,
	ErrCodeUnknownJobType: http.StatusNotFound,
	ErrCodeEntryNotFound:  http.StatusUnprocessableEntity,

	ErrCodeNotConfigured: http.StatusServiceUnavailable,
	ErrCodeUnavailable:   http.StatusServiceUnavailable,
	ErrCodeUpstream:      http.StatusBadGateway,
}

// GetHTTPStatus returns the HTTP status for code, 500 when unknown.
func GetHTTPStatus(code string) int {
	if status, ok := ErrorCodeHTTPStatus[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// domainErrorCodes maps shared.DomainError codes onto API codes.
var domainErrorCodes = map[string]string{
	shared.CodeNotFound:     ErrCodeNotFound,
	shared.CodeInvalidInput: ErrCodeInvalidInput,
	shared.CodeInvalidState: ErrCodeInvalidState,
}

// NormalizeErrorCode converts a domain error code to its API code. Unknown
// codes are returned unchanged.
func NormalizeErrorCode(code string) string {
	if c, ok := domainErrorCodes[code]; ok {
		return c
	}
	return code
}
