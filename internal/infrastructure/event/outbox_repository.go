package event

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/erp/exchange/internal/domain/shared"
	"github.com/erp/exchange/internal/infrastructure/persistence/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormOutboxRepository implements shared.OutboxRepository using GORM
type GormOutboxRepository struct {
	db *gorm.DB
}

// NewGormOutboxRepository creates a new GORM-based outbox repository
func NewGormOutboxRepository(db *gorm.DB) *GormOutboxRepository {
	return &GormOutboxRepository{db: db}
}

// WithTx returns a repository bound to tx
func (r *GormOutboxRepository) WithTx(tx *gorm.DB) *GormOutboxRepository {
	return &GormOutboxRepository{db: tx}
}

// Save persists one or more outbox messages
func (r *GormOutboxRepository) Save(ctx context.Context, msgs ...*shared.OutboxMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	rows := make([]*models.OutboxMessageModel, 0, len(msgs))
	for _, m := range msgs {
		rows = append(rows, models.OutboxMessageModelFromDomain(m))
	}
	return r.db.WithContext(ctx).Create(&rows).Error
}

// ClaimNew selects up to limit NEW messages oldest-first inside one
// transaction and passes them to fn. On Postgres the rows are locked with
// FOR UPDATE SKIP LOCKED so concurrent publishers never see the same row.
// Whatever state fn leaves each message in is written back with a guard on
// status = NEW; a row that already left NEW is not touched again. An error
// from fn is returned after the state changes are committed.
//
// fn sees ctx, but the transaction does not: cancelling ctx mid-batch must
// not roll back messages that already reached the bus.
func (r *GormOutboxRepository) ClaimNew(ctx context.Context, limit int, fn func(ctx context.Context, batch []*shared.OutboxMessage) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var fnErr error
	err := r.db.WithContext(context.WithoutCancel(ctx)).Transaction(func(tx *gorm.DB) error {
		q := tx.Where("status = ?", shared.OutboxStatusNew).
			Order("created_at ASC").
			Limit(limit)
		if tx.Dialector.Name() == "postgres" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}

		var rows []models.OutboxMessageModel
		if err := q.Find(&rows).Error; err != nil {
			return fmt.Errorf("select new outbox messages: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}

		batch := make([]*shared.OutboxMessage, 0, len(rows))
		for i := range rows {
			batch = append(batch, rows[i].ToDomain())
		}

		fnErr = fn(ctx, batch)

		for _, m := range batch {
			if m.Status == shared.OutboxStatusNew && m.Attempts == 0 {
				continue
			}
			res := tx.Model(&models.OutboxMessageModel{}).
				Where("id = ? AND status = ?", m.ID, shared.OutboxStatusNew).
				Updates(map[string]any{
					"status":     m.Status,
					"attempts":   m.Attempts,
					"last_error": m.LastError,
					"sent_at":    m.SentAt,
					"updated_at": m.UpdatedAt,
				})
			if res.Error != nil {
				return fmt.Errorf("update outbox message %s: %w", m.ID, res.Error)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return fnErr
}

// FindByID returns one message or shared.ErrNotFound
func (r *GormOutboxRepository) FindByID(ctx context.Context, id uuid.UUID) (*shared.OutboxMessage, error) {
	var row models.OutboxMessageModel
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, shared.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.ToDomain(), nil
}

// FindFailed returns FAILED messages, most recently updated first
func (r *GormOutboxRepository) FindFailed(ctx context.Context, limit int) ([]*shared.OutboxMessage, error) {
	var rows []models.OutboxMessageModel
	err := r.db.WithContext(ctx).
		Where("status = ?", shared.OutboxStatusFailed).
		Order("updated_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]*shared.OutboxMessage, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].ToDomain())
	}
	return out, nil
}

// Requeue moves a FAILED message back to NEW with its attempts reset.
func (r *GormOutboxRepository) Requeue(ctx context.Context, id uuid.UUID) error {
	res := r.db.WithContext(ctx).Model(&models.OutboxMessageModel{}).
		Where("id = ? AND status = ?", id, shared.OutboxStatusFailed).
		Updates(map[string]any{
			"status":     shared.OutboxStatusNew,
			"attempts":   0,
			"last_error": "",
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := r.FindByID(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: outbox message %s is not FAILED", shared.ErrInvalidState, id)
	}
	return nil
}

// CountByStatus returns the number of messages per status
func (r *GormOutboxRepository) CountByStatus(ctx context.Context) (map[shared.OutboxStatus]int64, error) {
	var rows []struct {
		Status shared.OutboxStatus
		Count  int64
	}
	err := r.db.WithContext(ctx).Model(&models.OutboxMessageModel{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := map[shared.OutboxStatus]int64{
		shared.OutboxStatusNew:    0,
		shared.OutboxStatusSent:   0,
		shared.OutboxStatusFailed: 0,
	}
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

var _ shared.OutboxRepository = (*GormOutboxRepository)(nil)
