package models

import "time"

// TimestampModel provides the audit columns shared by mutable tables.
type TimestampModel struct {
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}
