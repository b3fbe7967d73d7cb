package dto

import (
	"time"

	"github.com/google/uuid"

	"github.com/erp/exchange/internal/domain/shared"
	"github.com/erp/exchange/internal/infrastructure/scheduler"
)

// Response represents a standard API response
type Response struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *ErrorInfo `json:"error,omitempty"`
}

// ErrorInfo represents error details
type ErrorInfo struct {
	Code      string             `json:"code"`
	Message   string             `json:"message"`
	RequestID string             `json:"request_id,omitempty"`
	Details   []ValidationDetail `json:"details,omitempty"`
}

// ValidationDetail names one rejected field.
type ValidationDetail struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// NewSuccessResponse creates a success response
func NewSuccessResponse(data any) Response {
	return Response{Success: true, Data: data}
}

// NewErrorResponse creates an error response
func NewErrorResponse(code, message, requestID string) Response {
	return Response{
		Error: &ErrorInfo{Code: code, Message: message, RequestID: requestID},
	}
}

// NewValidationErrorResponse creates a 400 body listing field errors.
func NewValidationErrorResponse(message, requestID string, details []ValidationDetail) Response {
	return Response{
		Error: &ErrorInfo{
			Code:      ErrCodeValidation,
			Message:   message,
			RequestID: requestID,
			Details:   details,
		},
	}
}

// SubmitJobResponse acknowledges an accepted upload.
type SubmitJobResponse struct {
	RequestID string    `json:"request_id"`
	JobType   string    `json:"job_type"`
	ObjectKey string    `json:"object_key,omitempty"`
	Filename  string    `json:"filename,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ResyncRequest starts a catalog resync. An empty id gets a fresh one.
type ResyncRequest struct {
	ResyncID string `json:"resync_id" binding:"omitempty,max=64,printascii"`
}

// ListFailedRequest pages the failed outbox listing.
type ListFailedRequest struct {
	Limit int `form:"limit" binding:"omitempty,min=1,max=500"`
}

// OutboxMessageResponse is one outbox row without its payload.
type OutboxMessageResponse struct {
	ID            uuid.UUID           `json:"id"`
	AggregateType string              `json:"aggregate_type"`
	AggregateID   string              `json:"aggregate_id"`
	EventType     string              `json:"event_type"`
	Status        shared.OutboxStatus `json:"status"`
	Attempts      int                 `json:"attempts"`
	LastError     string              `json:"last_error,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

// ToOutboxMessageResponse converts a domain message.
func ToOutboxMessageResponse(m *shared.OutboxMessage) OutboxMessageResponse {
	return OutboxMessageResponse{
		ID:            m.ID,
		AggregateType: m.AggregateType,
		AggregateID:   m.AggregateID,
		EventType:     m.EventType,
		Status:        m.Status,
		Attempts:      m.Attempts,
		LastError:     m.LastError,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

// TaskStatusResponse reports one periodic task.
type TaskStatusResponse struct {
	Name         string     `json:"name"`
	Interval     string     `json:"interval"`
	Runs         int64      `json:"runs"`
	Failures     int64      `json:"failures"`
	LastRunAt    *time.Time `json:"last_run_at,omitempty"`
	LastDuration string     `json:"last_duration,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
}

// ToTaskStatusResponse converts a runner status row.
func ToTaskStatusResponse(s scheduler.TaskStatus) TaskStatusResponse {
	out := TaskStatusResponse{
		Name:      s.Name,
		Interval:  s.Interval.String(),
		Runs:      s.Runs,
		Failures:  s.Failures,
		LastRunAt: s.LastRunAt,
		LastError: s.LastError,
	}
	if s.LastRunAt != nil {
		out.LastDuration = s.LastDuration.String()
	}
	return out
}
