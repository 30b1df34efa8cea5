package domain

import "errors"

var (
	ErrSubscriptionNotFound = errors.New("subscription_not_found")
	ErrInvalidTenant        = errors.New("invalid_tenant")
	ErrInvalidExternalID    = errors.New("invalid_external_id")
)
