package cache

import (
	"strings"
	"time"

	rentaldomain "github.com/georgmattin/letscoldcall/internal/rental/domain"
	subscriptiondomain "github.com/georgmattin/letscoldcall/internal/subscription/domain"
)

const (
	defaultRentalTTL       = 45 * time.Second
	defaultSubscriptionTTL = 45 * time.Second
)

// UsageResolverCache stores hot-path resolver lookups for usage ingest.
type UsageResolverCache interface {
	GetRentalByNumber(phoneNumber string) (rentaldomain.NumberRental, bool)
	SetRentalByNumber(phoneNumber string, rental rentaldomain.NumberRental)
	InvalidateRental(phoneNumber string)
	GetActiveSubscription(tenantID string) (subscriptiondomain.Subscription, bool)
	SetActiveSubscription(tenantID string, subscription subscriptiondomain.Subscription)
	InvalidateSubscription(tenantID string)
}

type usageResolverCache struct {
	rentals       Cache[string, rentaldomain.NumberRental]
	subscriptions Cache[string, subscriptiondomain.Subscription]
	rentalTTL     time.Duration
	subTTL        time.Duration
}

// NewUsageResolverCache returns an in-memory cache tuned for usage ingest.
func NewUsageResolverCache() UsageResolverCache {
	return &usageResolverCache{
		rentals:       NewTTLCache[string, rentaldomain.NumberRental](),
		subscriptions: NewTTLCache[string, subscriptiondomain.Subscription](),
		rentalTTL:     defaultRentalTTL,
		subTTL:        defaultSubscriptionTTL,
	}
}

func (c *usageResolverCache) GetRentalByNumber(phoneNumber string) (rentaldomain.NumberRental, bool) {
	return c.rentals.Get(cacheKey(phoneNumber))
}

func (c *usageResolverCache) SetRentalByNumber(phoneNumber string, rental rentaldomain.NumberRental) {
	if rental.ID == 0 {
		return
	}
	c.rentals.Set(cacheKey(phoneNumber), rental, c.rentalTTL)
}

func (c *usageResolverCache) InvalidateRental(phoneNumber string) {
	c.rentals.Delete(cacheKey(phoneNumber))
}

func (c *usageResolverCache) GetActiveSubscription(tenantID string) (subscriptiondomain.Subscription, bool) {
	return c.subscriptions.Get(cacheKey(tenantID))
}

func (c *usageResolverCache) SetActiveSubscription(tenantID string, subscription subscriptiondomain.Subscription) {
	if subscription.ID == 0 {
		return
	}
	c.subscriptions.Set(cacheKey(tenantID), subscription, c.subTTL)
}

func (c *usageResolverCache) InvalidateSubscription(tenantID string) {
	c.subscriptions.Delete(cacheKey(tenantID))
}

func cacheKey(parts ...string) string {
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		values = append(values, strings.ToLower(trimmed))
	}
	return strings.Join(values, "|")
}
