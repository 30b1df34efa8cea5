package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

type ReserveRequest struct {
	TenantID       snowflake.ID
	SubscriptionID snowflake.ID
	PhoneNumber    string
	MonthlyPrice   float64
}

type ProvisionRequest struct {
	TenantID snowflake.ID
	RentalID snowflake.ID
}

// RentalView is a rental with its read-time flags, derived from ExpiresAt at
// query time and never stored.
type RentalView struct {
	NumberRental
	DaysRemaining int  `json:"daysRemaining"`
	ExpiringSoon  bool `json:"isExpiringSoon"`
	Expired       bool `json:"isExpired"`
}

// Service manages the rental lifecycle. All status writes route through
// Transition, and provisioning runs as a compensated two-phase flow.
type Service interface {
	Reserve(ctx context.Context, req ReserveRequest) (*NumberRental, error)
	Provision(ctx context.Context, req ProvisionRequest) (*NumberRental, error)
	Cancel(ctx context.Context, tenantID, rentalID snowflake.ID) (*NumberRental, error)

	// Subscription-driven lifecycle. Unknown subscription IDs are no-ops.
	SuspendBySubscription(ctx context.Context, subscriptionID snowflake.ID) (int64, error)
	ReactivateBySubscription(ctx context.Context, subscriptionID snowflake.ID) (int64, error)
	CancelBySubscription(ctx context.Context, subscriptionID snowflake.ID) (int64, error)

	// Sweeps.
	ExpireReservations(ctx context.Context, limit int) (int64, error)
	RecoverIntents(ctx context.Context, limit int) (int64, error)

	FindActiveByNumber(ctx context.Context, phoneNumber string) (*NumberRental, error)
	// TouchUsage advances last_used_at and adds the accepted event to the
	// rental's cumulative call/message counters in one statement.
	TouchUsage(ctx context.Context, rentalID snowflake.ID, usedAt time.Time, calls, messages int64) error
	List(ctx context.Context, tenantID snowflake.ID) ([]RentalView, error)
	Get(ctx context.Context, tenantID, rentalID snowflake.ID) (*RentalView, error)
}
