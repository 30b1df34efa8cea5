// Package domain contains the local mirror of payment-provider subscriptions.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Status mirrors the provider-side subscription lifecycle. Values follow the
// provider's lowercase vocabulary so webhook payloads map without translation.
type Status string

const (
	StatusActive   Status = "active"
	StatusTrialing Status = "trialing"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
)

// IsBillable reports whether usage meters against this subscription's plan.
func (s Status) IsBillable() bool {
	return s == StatusActive || s == StatusTrialing
}

// Subscription is the local mirror row keyed by the provider subscription ID.
// The mirror is advisory: entitlement decisions read it, but the provider
// remains the source of truth and reconciliation repairs drift.
type Subscription struct {
	ID                 snowflake.ID      `gorm:"primaryKey"`
	TenantID           snowflake.ID      `gorm:"not null;index"`
	ExternalID         string            `gorm:"type:text;not null;uniqueIndex"`
	CustomerExternalID string            `gorm:"type:text;index"`
	PlanCode           string            `gorm:"type:text;not null"`
	PriceID            string            `gorm:"type:text"`
	ProductID          string            `gorm:"type:text"`
	Status             Status            `gorm:"type:text;not null"`
	ProviderStatus     string            `gorm:"type:text"` // raw provider string, never remapped
	CurrentPeriodStart *time.Time        `gorm:""`
	CurrentPeriodEnd   *time.Time        `gorm:""`
	CancelAtPeriodEnd  bool              `gorm:"not null;default:false"`
	CanceledAt         *time.Time        `gorm:""`
	Metadata           datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt          time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt          time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }
