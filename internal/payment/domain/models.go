// Package domain contains payment-provider webhook types.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// EventType is the normalized webhook event class.
type EventType string

const (
	EventTypePaymentSucceeded    EventType = "payment_succeeded"
	EventTypePaymentFailed       EventType = "payment_failed"
	EventTypeSubscriptionCreated EventType = "subscription_created"
	EventTypeSubscriptionUpdated EventType = "subscription_updated"
	EventTypeSubscriptionDeleted EventType = "subscription_deleted"
)

// Event is a provider webhook after verification and parsing.
type Event struct {
	Provider        string
	ProviderEventID string
	Type            EventType

	SubscriptionExternalID string
	CustomerExternalID     string
	TenantID               snowflake.ID // from provider metadata, zero when absent

	// Subscription snapshot, set on subscription_* events.
	SubscriptionStatus string
	PriceID            string
	ProductID          string
	PlanName           string
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	CancelAtPeriodEnd  bool

	Amount     int64
	Currency   string
	OccurredAt time.Time
	RawPayload []byte
}

// WebhookStatus records what the processor did with a webhook event.
type WebhookStatus string

const (
	WebhookStatusProcessed WebhookStatus = "processed"
	WebhookStatusIgnored   WebhookStatus = "ignored"
	WebhookStatusFailed    WebhookStatus = "failed"
)

// WebhookEvent is the receipt ledger. The unique index makes webhook
// processing idempotent under provider retries.
type WebhookEvent struct {
	ID              snowflake.ID   `gorm:"primaryKey"`
	Provider        string         `gorm:"type:text;not null;uniqueIndex:ux_webhook_provider_event,priority:1"`
	ProviderEventID string         `gorm:"type:text;not null;uniqueIndex:ux_webhook_provider_event,priority:2"`
	Type            string         `gorm:"type:text;not null"`
	Status          WebhookStatus  `gorm:"type:text;not null"`
	Error           string         `gorm:"type:text"`
	RawPayload      datatypes.JSON `gorm:"type:jsonb"`
	ReceivedAt      time.Time      `gorm:"not null"`
	CreatedAt       time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt       time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (WebhookEvent) TableName() string { return "webhook_events" }
