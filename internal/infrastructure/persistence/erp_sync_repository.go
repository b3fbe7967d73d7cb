package persistence

import (
	"context"
	"fmt"

	"github.com/erp/exchange/internal/domain/integration"
	"github.com/erp/exchange/internal/infrastructure/persistence/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ERPSyncRepository persists ERP bridge sync state keyed by (kind, external id).
type ERPSyncRepository struct {
	db *gorm.DB
}

// NewERPSyncRepository creates a sync state repository.
func NewERPSyncRepository(db *gorm.DB) *ERPSyncRepository {
	return &ERPSyncRepository{db: db}
}

// Save upserts the state for its key and counts one delivery attempt. An
// existing row's attempts grow by one whatever state.Attempts holds, so a
// state rebuilt from a redelivered message keeps the history. The stored
// total is written back to state.Attempts.
func (r *ERPSyncRepository) Save(ctx context.Context, state *integration.SyncState) error {
	m := models.ERPSyncStateModelFromDomain(state)
	if m.Attempts < 1 {
		m.Attempts = 1
	}
	db := r.db.WithContext(ctx)
	err := db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "kind"}, {Name: "external_id"}},
		DoUpdates: clause.Set{
			{Column: clause.Column{Name: "payload"}, Value: m.Payload},
			{Column: clause.Column{Name: "status"}, Value: m.Status},
			{Column: clause.Column{Name: "attempts"}, Value: gorm.Expr("erp_sync_states.attempts + 1")},
			{Column: clause.Column{Name: "last_error"}, Value: m.LastError},
			{Column: clause.Column{Name: "updated_at"}, Value: m.UpdatedAt},
		},
	}).Create(m).Error
	if err != nil {
		return fmt.Errorf("save %s sync state %s: %w", state.Kind, state.ExternalID, err)
	}

	var attempts []int
	err = db.Model(&models.ERPSyncStateModel{}).
		Where("kind = ? AND external_id = ?", state.Kind, state.ExternalID).
		Pluck("attempts", &attempts).Error
	if err != nil {
		return fmt.Errorf("read %s sync state %s: %w", state.Kind, state.ExternalID, err)
	}
	if len(attempts) == 1 {
		state.Attempts = attempts[0]
	}
	return nil
}

// FindPending returns up to limit states of kind not yet synced, least
// recently touched first.
func (r *ERPSyncRepository) FindPending(ctx context.Context, kind integration.SyncKind, limit int) ([]*integration.SyncState, error) {
	var rows []models.ERPSyncStateModel
	err := r.db.WithContext(ctx).
		Where("kind = ? AND status = ?", kind, integration.SyncStatusPending).
		Order("updated_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("find pending %s sync states: %w", kind, err)
	}
	out := make([]*integration.SyncState, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].ToDomain())
	}
	return out, nil
}

var _ integration.SyncStateRepository = (*ERPSyncRepository)(nil)
