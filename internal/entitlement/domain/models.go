package domain

import (
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
)

// ActionCounter tracks per-tenant feature usage for one calendar month.
type ActionCounter struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	TenantID  snowflake.ID `gorm:"not null;uniqueIndex:ux_action_tenant_action_month,priority:1"`
	Action    ActionType   `gorm:"type:text;not null;uniqueIndex:ux_action_tenant_action_month,priority:2"`
	Month     string       `gorm:"type:text;not null;uniqueIndex:ux_action_tenant_action_month,priority:3"` // 2006-01 UTC
	Count     int64        `gorm:"not null;default:0"`
	CreatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (ActionCounter) TableName() string { return "action_counters" }

// Remaining renders as a number, or as the literal string "Unlimited" for
// uncapped plans.
type Remaining struct {
	Unlimited bool
	Value     int64
}

func (r Remaining) MarshalJSON() ([]byte, error) {
	if r.Unlimited {
		return json.Marshal("Unlimited")
	}
	return json.Marshal(r.Value)
}

// Decision is the outcome of an entitlement check.
type Decision struct {
	Allowed         bool      `json:"allowed"`
	PlanCode        string    `json:"planCode"`
	Limit           int64     `json:"limit"`
	Used            int64     `json:"used"`
	Remaining       Remaining `json:"remaining"`
	UsagePercentage float64   `json:"usagePercentage"`
	OverageMinutes  int64     `json:"overageMinutes,omitempty"`
	OverageCost     float64   `json:"overageCost,omitempty"`
	Reason          string    `json:"reason,omitempty"`
}
