package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/erp/exchange/internal/domain/exchange"
	"github.com/erp/exchange/internal/domain/shared"
	"github.com/erp/exchange/internal/infrastructure/event"
	"github.com/erp/exchange/internal/infrastructure/persistence/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// OrderStore is the order side of the exchange: it applies ERP order
// changes and supplies orders for export.
type OrderStore struct {
	db     *gorm.DB
	outbox *event.OutboxWriter
	now    func() time.Time
}

// NewOrderStore creates an order store.
func NewOrderStore(db *gorm.DB, outbox *event.OutboxWriter) *OrderStore {
	return &OrderStore{db: db, outbox: outbox, now: func() time.Time { return time.Now().UTC() }}
}

// ApplyOrderChange updates status and paid flag of one order. A change that
// alters the order enqueues an order.status_changed event in the same
// transaction; reapplying the same change is a no-op. Unknown orders yield
// shared.ErrNotFound.
func (s *OrderStore) ApplyOrderChange(ctx context.Context, change exchange.OrderChange) error {
	return s.outbox.Transaction(ctx, s.db, func(tx *gorm.DB) error {
		// The row lock serializes concurrent changes to one order, so each
		// sees the state the previous one committed.
		var order models.OrderModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", change.OrderID).
			Take(&order).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("order %s: %w", change.OrderID, shared.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("load order %s: %w", change.OrderID, err)
		}

		updates := map[string]any{}
		if change.Status != "" && change.Status != order.Status {
			updates["status"] = change.Status
			order.Status = change.Status
		}
		if change.Paid != nil && *change.Paid != order.Paid {
			updates["paid"] = *change.Paid
			order.Paid = *change.Paid
		}
		if len(updates) == 0 {
			return nil
		}

		now := s.now()
		updates["updated_at"] = now
		if err := tx.Model(&models.OrderModel{}).Where("id = ?", order.ID).Updates(updates).Error; err != nil {
			return fmt.Errorf("update order %s: %w", order.ID, err)
		}

		_, err = s.outbox.Enqueue(ctx, tx, exchange.AggregateOrder, order.ID, exchange.EventOrderStatusChanged, exchange.OrderStatusChanged{
			OrderID:   order.ID,
			Number:    order.Number,
			Status:    order.Status,
			Paid:      order.Paid,
			ChangedAt: now,
		})
		return err
	})
}

// PendingExportOrders returns up to limit orders never exported, oldest first.
func (s *OrderStore) PendingExportOrders(ctx context.Context, limit int) ([]exchange.ExportOrder, error) {
	var rows []models.OrderModel
	err := s.db.WithContext(ctx).
		Preload("Lines", func(db *gorm.DB) *gorm.DB { return db.Order("line_no ASC") }).
		Where("exported_at IS NULL").
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("select pending export orders: %w", err)
	}
	out := make([]exchange.ExportOrder, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].ToExport())
	}
	return out, nil
}

// MarkExported stamps orders with the object key of the document that
// carried them. Orders already stamped keep their first key.
func (s *OrderStore) MarkExported(ctx context.Context, orderIDs []string, objectKey string) error {
	if len(orderIDs) == 0 {
		return nil
	}
	now := s.now()
	err := s.db.WithContext(ctx).Model(&models.OrderModel{}).
		Where("id IN ? AND exported_at IS NULL", orderIDs).
		Updates(map[string]any{
			"exported_at":       now,
			"export_object_key": objectKey,
			"updated_at":        now,
		}).Error
	if err != nil {
		return fmt.Errorf("mark %d orders exported: %w", len(orderIDs), err)
	}
	return nil
}

var (
	_ exchange.OrderChangeApplier = (*OrderStore)(nil)
	_ exchange.ExportOrderSource  = (*OrderStore)(nil)
)
