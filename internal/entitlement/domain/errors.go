package domain

import "errors"

var (
	ErrInvalidTenant   = errors.New("invalid_tenant")
	ErrUnknownAction   = errors.New("unknown_action")
	ErrLimitExceeded   = errors.New("limit_exceeded")
	ErrMinutesExceeded = errors.New("minutes_exceeded")

	// ErrNoActiveSubscription reports that the tenant has no billable
	// subscription and metered against the default plan.
	ErrNoActiveSubscription = errors.New("no_active_subscription")
)
