package shared

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OutboxStatus represents the delivery status of an outbox message.
// NEW is the only non-terminal state.
type OutboxStatus string

const (
	OutboxStatusNew    OutboxStatus = "NEW"
	OutboxStatusSent   OutboxStatus = "SENT"
	OutboxStatusFailed OutboxStatus = "FAILED"
)

// IsTerminal reports whether no further automatic transition is allowed.
func (s OutboxStatus) IsTerminal() bool {
	return s == OutboxStatusSent || s == OutboxStatusFailed
}

// OutboxMessage is an event persisted in the same transaction as the state
// change it describes and relayed to the bus afterwards.
type OutboxMessage struct {
	ID            uuid.UUID
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	Status        OutboxStatus
	Attempts      int
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	SentAt        *time.Time
}

// NewOutboxMessage serializes payload to JSON and returns a NEW message.
func NewOutboxMessage(aggregateType, aggregateID, eventType string, payload any) (*OutboxMessage, error) {
	if aggregateType == "" || aggregateID == "" || eventType == "" {
		return nil, fmt.Errorf("%w: aggregate type, aggregate id and event type are required", ErrInvalidInput)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal outbox payload: %w", err)
	}
	now := time.Now().UTC()
	return &OutboxMessage{
		ID:            uuid.New(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       data,
		Status:        OutboxStatusNew,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// MarkSent records a successful publish.
func (m *OutboxMessage) MarkSent() error {
	if m.Status != OutboxStatusNew {
		return fmt.Errorf("%w: outbox message %s is %s", ErrInvalidState, m.ID, m.Status)
	}
	now := time.Now().UTC()
	m.Status = OutboxStatusSent
	m.SentAt = &now
	m.UpdatedAt = now
	return nil
}

// MarkFailed records a failed publish attempt. Once attempts reach
// maxAttempts the message becomes FAILED and is never picked up again.
func (m *OutboxMessage) MarkFailed(cause error, maxAttempts int) error {
	if m.Status != OutboxStatusNew {
		return fmt.Errorf("%w: outbox message %s is %s", ErrInvalidState, m.ID, m.Status)
	}
	m.Attempts++
	if cause != nil {
		m.LastError = cause.Error()
	}
	m.UpdatedAt = time.Now().UTC()
	if m.Attempts >= maxAttempts {
		m.Status = OutboxStatusFailed
	}
	return nil
}

// Requeue is the manual operator path out of FAILED.
func (m *OutboxMessage) Requeue() error {
	if m.Status != OutboxStatusFailed {
		return fmt.Errorf("%w: only FAILED outbox messages can be requeued", ErrInvalidState)
	}
	m.Status = OutboxStatusNew
	m.Attempts = 0
	m.LastError = ""
	m.UpdatedAt = time.Now().UTC()
	return nil
}

// OutboxRepository defines outbox persistence.
type OutboxRepository interface {
	// Save persists messages; callers pass a transaction-bound repository
	// to keep the insert atomic with their business write.
	Save(ctx context.Context, msgs ...*OutboxMessage) error
	// ClaimNew locks up to limit NEW messages oldest-first, hands them to fn
	// and persists whatever status fn leaves them in, all in one transaction.
	ClaimNew(ctx context.Context, limit int, fn func(ctx context.Context, batch []*OutboxMessage) error) error
	FindByID(ctx context.Context, id uuid.UUID) (*OutboxMessage, error)
	FindFailed(ctx context.Context, limit int) ([]*OutboxMessage, error)
	Requeue(ctx context.Context, id uuid.UUID) error
	CountByStatus(ctx context.Context) (map[OutboxStatus]int64, error)
}
