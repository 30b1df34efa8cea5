// Package domain contains the phone number rental lifecycle.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Status is the rental lifecycle state.
type Status string

const (
	StatusReserved  Status = "reserved"
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// IsTerminal reports whether the rental can never leave this state.
func (s Status) IsTerminal() bool {
	return s == StatusCancelled || s == StatusExpired
}

// NumberRental tracks one rented phone number for a tenant.
type NumberRental struct {
	ID                   snowflake.ID      `gorm:"primaryKey"`
	TenantID             snowflake.ID      `gorm:"not null;index"`
	SubscriptionID       snowflake.ID      `gorm:"index"`
	PhoneNumber          string            `gorm:"type:text;not null;index"`
	ProviderSID          string            `gorm:"column:provider_sid;type:text"`
	Status               Status            `gorm:"type:text;not null;index"`
	MonthlyPrice         float64           `gorm:"not null;default:0"`
	ReservedAt           *time.Time        `gorm:""`
	ReservationExpiresAt *time.Time        `gorm:""`
	ActivatedAt          *time.Time        `gorm:""`
	SuspendedAt          *time.Time        `gorm:""`
	CancelledAt          *time.Time        `gorm:""`
	ExpiresAt            *time.Time        `gorm:""` // paid-through date
	LastUsedAt           *time.Time        `gorm:""`
	TotalCalls           int64             `gorm:"not null;default:0"`
	TotalSMS             int64             `gorm:"not null;default:0"`
	Metadata             datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt            time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt            time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (NumberRental) TableName() string { return "number_rentals" }

// ExpiringSoonWindow is how close to the paid-through date a rental must be
// before listings flag it. The flag is computed at read time, never stored.
const ExpiringSoonWindow = 7 * 24 * time.Hour

// IsExpiringSoon reports whether the rental's paid-through date is within the
// warning window of now.
func (r NumberRental) IsExpiringSoon(now time.Time) bool {
	if r.ExpiresAt == nil || r.Status.IsTerminal() {
		return false
	}
	until := r.ExpiresAt.Sub(now)
	return until >= 0 && until <= ExpiringSoonWindow
}

// IsExpired reports whether the paid-through date has passed.
func (r NumberRental) IsExpired(now time.Time) bool {
	return r.ExpiresAt != nil && r.ExpiresAt.Before(now)
}

// DaysRemaining counts whole days until the paid-through date, rounding a
// partial day up so "expires tomorrow morning" reads as one day, not zero.
// Expired rentals and rentals without a paid-through date report zero.
func (r NumberRental) DaysRemaining(now time.Time) int {
	if r.ExpiresAt == nil {
		return 0
	}
	until := r.ExpiresAt.Sub(now)
	if until <= 0 {
		return 0
	}
	return int((until + 24*time.Hour - time.Nanosecond) / (24 * time.Hour))
}

// IntentState tracks the provisioning saga for one rental.
type IntentState string

const (
	IntentPending     IntentState = "pending"
	IntentPurchased   IntentState = "purchased"
	IntentCompleted   IntentState = "completed"
	IntentCompensated IntentState = "compensated"
	IntentFailed      IntentState = "failed"
)

// ProvisioningIntent is the durable record of an in-flight number purchase.
// It is written before the provider call so a crash between purchase and
// activation leaves evidence the sweeper can recover from: either finishing
// the activation or releasing the purchased number.
type ProvisioningIntent struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	TenantID    snowflake.ID `gorm:"not null;index"`
	RentalID    snowflake.ID `gorm:"not null;index"`
	PhoneNumber string       `gorm:"type:text;not null"`
	ProviderSID string       `gorm:"column:provider_sid;type:text"`
	State       IntentState  `gorm:"type:text;not null;index"`
	Attempts    int          `gorm:"not null;default:0"`
	LastError   string       `gorm:"type:text"`
	CreatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (ProvisioningIntent) TableName() string { return "provisioning_intents" }
