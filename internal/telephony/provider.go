// Package telephony wraps the upstream voice provider's number inventory API.
package telephony

import (
	"context"
	"errors"
)

var (
	ErrNumberUnavailable = errors.New("number_unavailable")
	ErrProviderDegraded  = errors.New("provider_degraded")
)

// PurchasedNumber is the provider's record of a number we now own.
type PurchasedNumber struct {
	SID          string
	PhoneNumber  string
	FriendlyName string
	Capabilities map[string]bool
}

// Provider purchases and releases phone numbers. Implementations must honor
// context cancellation; callers bound every call with the configured timeout.
type Provider interface {
	PurchaseNumber(ctx context.Context, phoneNumber string) (*PurchasedNumber, error)
	ReleaseNumber(ctx context.Context, sid string) error
}
