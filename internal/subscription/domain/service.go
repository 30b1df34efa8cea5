package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Event is a provider subscription change after adapter parsing. Events for
// subscription IDs we have never mirrored are dropped without error.
type Event struct {
	ExternalID         string
	TenantID           snowflake.ID // zero unless the provider metadata carries it
	CustomerExternalID string
	Status             Status
	RawStatus          string // provider status verbatim, before bucketing
	PriceID            string
	ProductID          string
	PlanName           string
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	CancelAtPeriodEnd  bool
	OccurredAt         time.Time
}

// ActiveResult carries the subscription the tenant meters against. Tenants
// without a billable mirror row fall back to the default plan with a zero
// subscription ID.
type ActiveResult struct {
	Subscription Subscription
	PlanCode     string
	IsDefault    bool
}

// Service maintains the subscription mirror.
type Service interface {
	// ActiveDefault returns the tenant's billable subscription, or the
	// default plan when none exists.
	ActiveDefault(ctx context.Context, tenantID snowflake.ID) (ActiveResult, error)
	// ProcessEvent applies one provider subscription event to the mirror.
	ProcessEvent(ctx context.Context, event Event) error
	// MarkStatusByExternalID flips the mirror status, used by invoice
	// payment outcomes. Unknown external IDs are a no-op.
	MarkStatusByExternalID(ctx context.Context, externalID string, status Status) error
	GetByExternalID(ctx context.Context, externalID string) (*Subscription, error)
}
