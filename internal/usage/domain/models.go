// Package domain contains models and normalization rules for metered usage.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Kind identifies the billable activity class of an event.
type Kind string

const (
	KindCall      Kind = "call"
	KindSMS       Kind = "sms"
	KindMMS       Kind = "mms"
	KindRecording Kind = "recording"
)

// Direction identifies which leg of the rental number the event used.
type Direction string

const (
	DirectionOutbound Direction = "outbound"
	DirectionInbound  Direction = "inbound"
)

// UsageEvent stores a single unit of metered activity after normalization.
type UsageEvent struct {
	ID             snowflake.ID      `gorm:"primaryKey"`
	TenantID       snowflake.ID      `gorm:"not null;index"`
	RentalID       snowflake.ID      `gorm:"index"`
	SubscriptionID snowflake.ID      `gorm:"index"`
	SourceEventID  string            `gorm:"type:text;not null"`
	Kind           Kind              `gorm:"type:text;not null"`
	Direction      Direction         `gorm:"type:text;not null"`
	PhoneNumber    string            `gorm:"type:text;not null"` // rental number snapshot
	Counterparty   string            `gorm:"type:text"`
	Seconds        int               `gorm:"not null;default:0"`
	Minutes        int               `gorm:"not null;default:0"`
	Segments       int               `gorm:"not null;default:0"`
	Cost           float64           `gorm:"not null;default:0"`
	Status         string            `gorm:"type:text;not null"`
	RecordedAt     time.Time         `gorm:"not null"`
	Metadata       datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt      time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (UsageEvent) TableName() string { return "usage_events" }

// ProcessedEvent is the dedup ledger. A provider callback and a client report
// for the same call share a source event ID and kind, so whichever path lands
// first wins and the other becomes a no-op.
type ProcessedEvent struct {
	ID            snowflake.ID `gorm:"primaryKey"`
	TenantID      snowflake.ID `gorm:"not null;index"`
	SourceEventID string       `gorm:"type:text;not null;uniqueIndex:ux_processed_source_kind,priority:1"`
	Kind          Kind         `gorm:"type:text;not null;uniqueIndex:ux_processed_source_kind,priority:2"`
	Minutes       int          `gorm:"not null;default:0"`
	RecordedAt    time.Time    `gorm:"not null"`
	CreatedAt     time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (ProcessedEvent) TableName() string { return "processed_events" }
