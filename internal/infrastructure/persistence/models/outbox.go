package models

import (
	"time"

	"github.com/erp/exchange/internal/domain/shared"
	"github.com/google/uuid"
)

// OutboxMessageModel is the persistence model for outbox messages.
type OutboxMessageModel struct {
	ID            uuid.UUID           `gorm:"type:uuid;primaryKey"`
	AggregateType string              `gorm:"type:varchar(128);not null"`
	AggregateID   string              `gorm:"type:varchar(255);not null;index:idx_outbox_aggregate"`
	EventType     string              `gorm:"type:varchar(128);not null"`
	Payload       []byte              `gorm:"type:jsonb;not null"`
	Status        shared.OutboxStatus `gorm:"type:varchar(16);not null;default:NEW;index:idx_outbox_status_created,priority:1"`
	Attempts      int                 `gorm:"not null;default:0"`
	LastError     string              `gorm:"type:text"`
	CreatedAt     time.Time           `gorm:"not null;index:idx_outbox_status_created,priority:2"`
	UpdatedAt     time.Time           `gorm:"not null"`
	SentAt        *time.Time
}

// TableName returns the table name for GORM
func (OutboxMessageModel) TableName() string {
	return "outbox_messages"
}

// ToDomain converts the persistence model to a domain OutboxMessage
func (m *OutboxMessageModel) ToDomain() *shared.OutboxMessage {
	return &shared.OutboxMessage{
		ID:            m.ID,
		AggregateType: m.AggregateType,
		AggregateID:   m.AggregateID,
		EventType:     m.EventType,
		Payload:       m.Payload,
		Status:        m.Status,
		Attempts:      m.Attempts,
		LastError:     m.LastError,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
		SentAt:        m.SentAt,
	}
}

// OutboxMessageModelFromDomain creates a persistence model from a domain message
func OutboxMessageModelFromDomain(msg *shared.OutboxMessage) *OutboxMessageModel {
	return &OutboxMessageModel{
		ID:            msg.ID,
		AggregateType: msg.AggregateType,
		AggregateID:   msg.AggregateID,
		EventType:     msg.EventType,
		Payload:       msg.Payload,
		Status:        msg.Status,
		Attempts:      msg.Attempts,
		LastError:     msg.LastError,
		CreatedAt:     msg.CreatedAt,
		UpdatedAt:     msg.UpdatedAt,
		SentAt:        msg.SentAt,
	}
}
