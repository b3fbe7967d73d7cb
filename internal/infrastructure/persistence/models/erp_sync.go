package models

import (
	"time"

	"github.com/erp/exchange/internal/domain/integration"
)

// ERPSyncStateModel tracks whether the ERP has acknowledged a document.
type ERPSyncStateModel struct {
	Kind       integration.SyncKind   `gorm:"type:varchar(16);primaryKey"`
	ExternalID string                 `gorm:"type:varchar(255);primaryKey"`
	Payload    []byte                 `gorm:"type:jsonb;not null"`
	Status     integration.SyncStatus `gorm:"type:varchar(16);not null;index:idx_erp_sync_pending,priority:1"`
	Attempts   int                    `gorm:"not null;default:0"`
	LastError  string                 `gorm:"type:text"`
	UpdatedAt  time.Time              `gorm:"not null;index:idx_erp_sync_pending,priority:2"`
}

// TableName returns the table name for GORM
func (ERPSyncStateModel) TableName() string {
	return "erp_sync_states"
}

// ToDomain converts the model to a SyncState.
func (m *ERPSyncStateModel) ToDomain() *integration.SyncState {
	return &integration.SyncState{
		Kind:       m.Kind,
		ExternalID: m.ExternalID,
		Payload:    m.Payload,
		Status:     m.Status,
		Attempts:   m.Attempts,
		LastError:  m.LastError,
		UpdatedAt:  m.UpdatedAt,
	}
}

// ERPSyncStateModelFromDomain creates a model from a SyncState.
func ERPSyncStateModelFromDomain(s *integration.SyncState) *ERPSyncStateModel {
	return &ERPSyncStateModel{
		Kind:       s.Kind,
		ExternalID: s.ExternalID,
		Payload:    s.Payload,
		Status:     s.Status,
		Attempts:   s.Attempts,
		LastError:  s.LastError,
		UpdatedAt:  s.UpdatedAt,
	}
}
