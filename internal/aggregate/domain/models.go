// Package domain contains the usage counter rollups billing reads from.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// DailyUsage is the per-number, per-UTC-day rollup.
type DailyUsage struct {
	ID              snowflake.ID `gorm:"primaryKey"`
	TenantID        snowflake.ID `gorm:"not null;uniqueIndex:ux_daily_tenant_rental_date,priority:1"`
	RentalID        snowflake.ID `gorm:"not null;uniqueIndex:ux_daily_tenant_rental_date,priority:2"`
	Date            string       `gorm:"type:text;not null;uniqueIndex:ux_daily_tenant_rental_date,priority:3"` // 2006-01-02 UTC
	PhoneNumber     string       `gorm:"type:text;not null"`
	CallMinutes     int64        `gorm:"not null;default:0"`
	OutboundMinutes int64        `gorm:"not null;default:0"`
	InboundMinutes  int64        `gorm:"not null;default:0"`
	CallCount       int64        `gorm:"not null;default:0"`
	SMSCount        int64        `gorm:"not null;default:0"`
	MMSCount        int64        `gorm:"not null;default:0"`
	CallCost        float64      `gorm:"not null;default:0"`
	SMSCost         float64      `gorm:"not null;default:0"`
	MMSCost         float64      `gorm:"not null;default:0"`
	RecordingCost   float64      `gorm:"not null;default:0"`
	TotalCost       float64      `gorm:"not null;default:0"`
	CreatedAt       time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt       time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (DailyUsage) TableName() string { return "daily_usages" }

// MonthlyUsage is the per-subscription, per-calendar-month rollup the
// entitlement checks read. SubscriptionID is zero when the tenant meters
// against the default plan.
type MonthlyUsage struct {
	ID              snowflake.ID `gorm:"primaryKey"`
	TenantID        snowflake.ID `gorm:"not null;uniqueIndex:ux_monthly_tenant_sub_month,priority:1"`
	SubscriptionID  snowflake.ID `gorm:"not null;default:0;uniqueIndex:ux_monthly_tenant_sub_month,priority:2"`
	Month           string       `gorm:"type:text;not null;uniqueIndex:ux_monthly_tenant_sub_month,priority:3"` // 2006-01 UTC
	CallMinutes     int64        `gorm:"not null;default:0"`
	OutboundMinutes int64        `gorm:"not null;default:0"`
	InboundMinutes  int64        `gorm:"not null;default:0"`
	CallCount       int64        `gorm:"not null;default:0"`
	SMSCount        int64        `gorm:"not null;default:0"`
	MMSCount        int64        `gorm:"not null;default:0"`
	CallCost        float64      `gorm:"not null;default:0"`
	SMSCost         float64      `gorm:"not null;default:0"`
	MMSCost         float64      `gorm:"not null;default:0"`
	RecordingCost   float64      `gorm:"not null;default:0"`
	TotalCost       float64      `gorm:"not null;default:0"`
	// Plan snapshot refreshed on every write so billing reads the cap the
	// usage was metered under, and the overage derived from it.
	PackageMonthlyMinutes int64     `gorm:"not null;default:0"`
	OverageMinutes        int64     `gorm:"not null;default:0"`
	OverageCost           float64   `gorm:"not null;default:0"`
	CreatedAt             time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt             time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (MonthlyUsage) TableName() string { return "monthly_usages" }

// Delta carries the counter increments produced by one accepted event. Cost is
// the event total; the per-kind cost fields split it so rollup rows keep the
// sub-totals TotalCost is recomputed from.
type Delta struct {
	CallMinutes     int64
	OutboundMinutes int64
	InboundMinutes  int64
	CallCount       int64
	SMSCount        int64
	MMSCount        int64
	CallCost        float64
	SMSCost         float64
	MMSCost         float64
	RecordingCost   float64
	Cost            float64
}

// IsZero reports whether applying the delta would change nothing.
func (d Delta) IsZero() bool {
	return d.CallMinutes == 0 && d.OutboundMinutes == 0 && d.InboundMinutes == 0 &&
		d.CallCount == 0 && d.SMSCount == 0 && d.MMSCount == 0 &&
		d.CallCost == 0 && d.SMSCost == 0 && d.MMSCost == 0 && d.RecordingCost == 0 &&
		d.Cost == 0
}

// Add accumulates another delta into d.
func (d *Delta) Add(other Delta) {
	d.CallMinutes += other.CallMinutes
	d.OutboundMinutes += other.OutboundMinutes
	d.InboundMinutes += other.InboundMinutes
	d.CallCount += other.CallCount
	d.SMSCount += other.SMSCount
	d.MMSCount += other.MMSCount
	d.CallCost += other.CallCost
	d.SMSCost += other.SMSCost
	d.MMSCost += other.MMSCost
	d.RecordingCost += other.RecordingCost
	d.Cost += other.Cost
}

// Entitlement is the plan snapshot the monthly upsert derives overage from.
// Unlimited plans never accrue overage.
type Entitlement struct {
	MonthlyMinutes int64
	OverageRate    float64
	Unlimited      bool
}

// DailyKey addresses one daily rollup row.
type DailyKey struct {
	TenantID    snowflake.ID
	RentalID    snowflake.ID
	PhoneNumber string
	Date        string
}

// MonthlyKey addresses one monthly rollup row.
type MonthlyKey struct {
	TenantID       snowflake.ID
	SubscriptionID snowflake.ID
	Month          string
}
