package exchange

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation matches every *ValidationError.
	ErrValidation = errors.New("exchange: validation failed")
	// ErrLimitExceeded reports an archive whose uncompressed size is over the cap.
	ErrLimitExceeded = errors.New("exchange: uncompressed size limit exceeded")
	// ErrEntryNotFound reports that no archive entry matched.
	ErrEntryNotFound = errors.New("exchange: archive entry not found")
	// ErrDuplicateJob is logged for a job whose idempotency key was already
	// claimed. It is never returned to the broker.
	ErrDuplicateJob = errors.New("exchange: duplicate job")
	// ErrTransientIntegration marks retryable failures of downstream systems.
	ErrTransientIntegration = errors.New("exchange: transient integration failure")
	// ErrTerminalFailure marks a message that exhausted its redelivery attempts.
	ErrTerminalFailure = errors.New("exchange: terminal failure")
	// ErrUnknownJobType is returned when parsing a job type name fails.
	ErrUnknownJobType = errors.New("exchange: unknown job type")
)

// ValidationError describes a record or message that cannot be accepted.
type ValidationError struct {
	// Record identifies the offending record, usually its element name and
	// ordinal or its id when one was read.
	Record string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	switch {
	case e.Record != "" && e.Field != "":
		return fmt.Sprintf("validation failed: %s: %s: %s", e.Record, e.Field, e.Reason)
	case e.Field != "":
		return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
	default:
		return "validation failed: " + e.Reason
	}
}

// Is lets errors.Is(err, ErrValidation) match.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// NewValidationError builds a ValidationError.
func NewValidationError(record, field, reason string) *ValidationError {
	return &ValidationError{Record: record, Field: field, Reason: reason}
}
