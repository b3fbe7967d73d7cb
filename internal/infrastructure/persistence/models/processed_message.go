package models

import (
	"time"

	"github.com/erp/exchange/internal/domain/shared"
)

// ProcessedMessageModel is one idempotency record. The composite primary
// key is the only thing that makes acquisition atomic.
type ProcessedMessageModel struct {
	ID          string    `gorm:"type:varchar(255);primaryKey"`
	Type        string    `gorm:"type:varchar(64);primaryKey"`
	ProcessedAt time.Time `gorm:"not null"`
}

// TableName returns the table name for GORM
func (ProcessedMessageModel) TableName() string {
	return "processed_messages"
}

// ToDomain converts the model to a domain record.
func (m *ProcessedMessageModel) ToDomain() *shared.ProcessedMessage {
	return &shared.ProcessedMessage{
		ID:          m.ID,
		Type:        m.Type,
		ProcessedAt: m.ProcessedAt,
	}
}
