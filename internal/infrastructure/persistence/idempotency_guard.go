package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/erp/exchange/internal/domain/shared"
	"github.com/erp/exchange/internal/infrastructure/persistence/models"
	"gorm.io/gorm"
)

// IdempotencyGuard records processed messages in processed_messages.
// Acquisition is a single INSERT; the primary key on (id, type) decides the
// winner when several workers race for the same message.
type IdempotencyGuard struct {
	db  *gorm.DB
	now func() time.Time
}

// NewIdempotencyGuard creates a guard over db. db must be opened with
// TranslateError, or be a Postgres connection whose raw errors reach us.
func NewIdempotencyGuard(db *gorm.DB) *IdempotencyGuard {
	return &IdempotencyGuard{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// TryAcquire returns true for exactly one caller per (id, type).
func (g *IdempotencyGuard) TryAcquire(ctx context.Context, id, typ string) (bool, error) {
	if id == "" || typ == "" {
		return false, fmt.Errorf("%w: idempotency id and type are required", shared.ErrInvalidInput)
	}
	rec := models.ProcessedMessageModel{ID: id, Type: typ, ProcessedAt: g.now()}
	err := g.db.WithContext(ctx).Create(&rec).Error
	switch {
	case err == nil:
		return true, nil
	case IsUniqueViolation(err):
		return false, nil
	default:
		return false, fmt.Errorf("record processed message %s/%s: %w", typ, id, err)
	}
}

// Lookup returns the stored record or shared.ErrNotFound.
func (g *IdempotencyGuard) Lookup(ctx context.Context, id, typ string) (*shared.ProcessedMessage, error) {
	var rec models.ProcessedMessageModel
	err := g.db.WithContext(ctx).Where("id = ? AND type = ?", id, typ).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, shared.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup processed message %s/%s: %w", typ, id, err)
	}
	return rec.ToDomain(), nil
}

var (
	_ shared.IdempotencyGuard  = (*IdempotencyGuard)(nil)
	_ shared.IdempotencyLookup = (*IdempotencyGuard)(nil)
)
