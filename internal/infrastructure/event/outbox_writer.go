package event

import (
	"context"

	"github.com/erp/exchange/internal/domain/shared"
	"gorm.io/gorm"
)

// OutboxWriter stores outgoing events in the caller's transaction, so the
// event exists if and only if the business write committed.
type OutboxWriter struct{}

// NewOutboxWriter creates a new outbox writer
func NewOutboxWriter() *OutboxWriter {
	return &OutboxWriter{}
}

// Enqueue serializes payload and inserts a NEW outbox message using tx.
func (w *OutboxWriter) Enqueue(ctx context.Context, tx *gorm.DB, aggregateType, aggregateID, eventType string, payload any) (*shared.OutboxMessage, error) {
	msg, err := shared.NewOutboxMessage(aggregateType, aggregateID, eventType, payload)
	if err != nil {
		return nil, err
	}
	if err := NewGormOutboxRepository(tx).Save(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Transaction runs fn in a transaction on db. Business writes and Enqueue
// calls made with the tx passed to fn commit or roll back together.
func (w *OutboxWriter) Transaction(ctx context.Context, db *gorm.DB, fn func(tx *gorm.DB) error) error {
	return db.WithContext(ctx).Transaction(fn)
}
