package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/erp/exchange/internal/domain/exchange"
	"github.com/erp/exchange/internal/infrastructure/persistence/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CatalogStore persists parsed catalog and offer batches. Every write is an
// upsert on the natural key so a redelivered batch leaves the same rows.
type CatalogStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewCatalogStore creates a catalog store.
func NewCatalogStore(db *gorm.DB) *CatalogStore {
	return &CatalogStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// UpsertProducts inserts or refreshes products by guid.
func (s *CatalogStore) UpsertProducts(ctx context.Context, batch []exchange.ProductRecord) error {
	if len(batch) == 0 {
		return nil
	}
	now := s.now()
	rows := make([]*models.CatalogProductModel, 0, len(batch))
	for _, p := range dedupeByKey(batch, func(p exchange.ProductRecord) string { return p.GUID }) {
		m := models.CatalogProductModelFromDomain(p)
		m.CreatedAt, m.UpdatedAt = now, now
		rows = append(rows, m)
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "guid"}},
		DoUpdates: clause.AssignmentColumns([]string{"sku", "name", "category_id", "attributes", "updated_at"}),
	}).Create(&rows).Error
	if err != nil {
		return fmt.Errorf("upsert %d products: %w", len(rows), err)
	}
	return nil
}

// UpsertOffers inserts or refreshes offers by guid and warehouse.
func (s *CatalogStore) UpsertOffers(ctx context.Context, batch []exchange.OfferRecord) error {
	if len(batch) == 0 {
		return nil
	}
	now := s.now()
	var rows []*models.CatalogOfferModel
	for _, o := range batch {
		rows = append(rows, models.CatalogOfferModelsFromDomain(o)...)
	}
	rows = dedupeByKey(rows, func(m *models.CatalogOfferModel) string { return m.GUID + "\x00" + m.WarehouseID })
	for _, m := range rows {
		m.CreatedAt, m.UpdatedAt = now, now
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "guid"}, {Name: "warehouse_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"sku", "name", "quantity", "prices", "updated_at"}),
	}).Create(&rows).Error
	if err != nil {
		return fmt.Errorf("upsert %d offers: %w", len(rows), err)
	}
	return nil
}

// ListProducts returns up to limit products ordered by guid, starting after
// afterGUID. Pass "" for the first page.
func (s *CatalogStore) ListProducts(ctx context.Context, afterGUID string, limit int) ([]exchange.ProductRecord, error) {
	var rows []models.CatalogProductModel
	q := s.db.WithContext(ctx).Order("guid ASC").Limit(limit)
	if afterGUID != "" {
		q = q.Where("guid > ?", afterGUID)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list products after %q: %w", afterGUID, err)
	}
	out := make([]exchange.ProductRecord, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].ToDomain())
	}
	return out, nil
}

// dedupeByKey keeps the last occurrence of each key. Postgres rejects an
// INSERT ... ON CONFLICT that touches the same row twice.
func dedupeByKey[T any](items []T, key func(T) string) []T {
	index := make(map[string]int, len(items))
	out := make([]T, 0, len(items))
	for _, it := range items {
		k := key(it)
		if i, ok := index[k]; ok {
			out[i] = it
			continue
		}
		index[k] = len(out)
		out = append(out, it)
	}
	return out
}
