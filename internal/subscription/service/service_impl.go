package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/georgmattin/letscoldcall/internal/cache"
	"github.com/georgmattin/letscoldcall/internal/clock"
	entitlementdomain "github.com/georgmattin/letscoldcall/internal/entitlement/domain"
	subscriptiondomain "github.com/georgmattin/letscoldcall/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	ResolverCache cache.UsageResolverCache
}

type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	genID         *snowflake.Node
	clock         clock.Clock
	resolverCache cache.UsageResolverCache
}

func NewService(p ServiceParam) subscriptiondomain.Service {
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("subscription.service"),
		genID:         p.GenID,
		clock:         p.Clock,
		resolverCache: p.ResolverCache,
	}
}

func (s *Service) ActiveDefault(ctx context.Context, tenantID snowflake.ID) (subscriptiondomain.ActiveResult, error) {
	if tenantID == 0 {
		return subscriptiondomain.ActiveResult{}, subscriptiondomain.ErrInvalidTenant
	}

	if s.resolverCache != nil {
		if cached, ok := s.resolverCache.GetActiveSubscription(tenantID.String()); ok {
			return subscriptiondomain.ActiveResult{Subscription: cached, PlanCode: cached.PlanCode}, nil
		}
	}

	var sub subscriptiondomain.Subscription
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND status IN ?", tenantID, []subscriptiondomain.Status{
			subscriptiondomain.StatusActive, subscriptiondomain.StatusTrialing,
		}).
		Order("created_at DESC").
		First(&sub).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Unsubscribed tenants meter against the default plan.
			return subscriptiondomain.ActiveResult{
				PlanCode:  entitlementdomain.DefaultPackageCode,
				IsDefault: true,
			}, nil
		}
		return subscriptiondomain.ActiveResult{}, err
	}

	if s.resolverCache != nil {
		s.resolverCache.SetActiveSubscription(tenantID.String(), sub)
	}
	return subscriptiondomain.ActiveResult{Subscription: sub, PlanCode: sub.PlanCode}, nil
}

func (s *Service) ProcessEvent(ctx context.Context, event subscriptiondomain.Event) error {
	externalID := strings.TrimSpace(event.ExternalID)
	if externalID == "" {
		return subscriptiondomain.ErrInvalidExternalID
	}

	existing, err := s.GetByExternalID(ctx, externalID)
	if err != nil {
		return err
	}

	now := s.clock.Now()
	if existing == nil {
		// Only events that can bind a tenant create a mirror row. Anything
		// else references a subscription we never sold and is dropped.
		if event.TenantID == 0 {
			s.log.Debug("dropping event for unknown subscription",
				zap.String("external_id", externalID))
			return nil
		}

		planCode := entitlementdomain.ResolvePackageCode(
			event.PriceID, event.ProductID, event.PlanName, entitlementdomain.DefaultPackageCode)
		sub := subscriptiondomain.Subscription{
			ID:                 s.genID.Generate(),
			TenantID:           event.TenantID,
			ExternalID:         externalID,
			CustomerExternalID: strings.TrimSpace(event.CustomerExternalID),
			PlanCode:           planCode,
			PriceID:            strings.TrimSpace(event.PriceID),
			ProductID:          strings.TrimSpace(event.ProductID),
			Status:             event.Status,
			ProviderStatus:     providerStatus(event),
			CurrentPeriodStart: event.CurrentPeriodStart,
			CurrentPeriodEnd:   event.CurrentPeriodEnd,
			CancelAtPeriodEnd:  event.CancelAtPeriodEnd,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		if event.Status == subscriptiondomain.StatusCanceled {
			sub.CanceledAt = &now
		}
		if err := s.db.WithContext(ctx).Create(&sub).Error; err != nil {
			return err
		}
		s.invalidate(event.TenantID)
		return nil
	}

	// Canceled is terminal. Late or replayed events cannot resurrect it.
	if existing.Status == subscriptiondomain.StatusCanceled {
		return nil
	}

	planCode := entitlementdomain.ResolvePackageCode(
		event.PriceID, event.ProductID, event.PlanName, existing.PlanCode)

	updates := map[string]any{
		"plan_code":            planCode,
		"status":               event.Status,
		"provider_status":      providerStatus(event),
		"cancel_at_period_end": event.CancelAtPeriodEnd,
		"updated_at":           now,
	}
	if priceID := strings.TrimSpace(event.PriceID); priceID != "" {
		updates["price_id"] = priceID
	}
	if productID := strings.TrimSpace(event.ProductID); productID != "" {
		updates["product_id"] = productID
	}
	if event.CurrentPeriodStart != nil {
		updates["current_period_start"] = event.CurrentPeriodStart
	}
	if event.CurrentPeriodEnd != nil {
		updates["current_period_end"] = event.CurrentPeriodEnd
	}
	if event.Status == subscriptiondomain.StatusCanceled {
		updates["canceled_at"] = now
	}

	if err := s.db.WithContext(ctx).Model(&subscriptiondomain.Subscription{}).
		Where("id = ?", existing.ID).
		Updates(updates).Error; err != nil {
		return err
	}
	s.invalidate(existing.TenantID)
	return nil
}

// providerStatus keeps the provider's status verbatim. Events synthesized
// without a raw string fall back to the bucketed value.
func providerStatus(event subscriptiondomain.Event) string {
	if raw := strings.TrimSpace(event.RawStatus); raw != "" {
		return raw
	}
	return string(event.Status)
}

func (s *Service) MarkStatusByExternalID(ctx context.Context, externalID string, status subscriptiondomain.Status) error {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return subscriptiondomain.ErrInvalidExternalID
	}

	existing, err := s.GetByExternalID(ctx, externalID)
	if err != nil || existing == nil {
		return err
	}
	if existing.Status == subscriptiondomain.StatusCanceled || existing.Status == status {
		return nil
	}

	now := s.clock.Now()
	updates := map[string]any{
		"status":     status,
		"updated_at": now,
	}
	if status == subscriptiondomain.StatusCanceled {
		updates["canceled_at"] = now
	}
	if err := s.db.WithContext(ctx).Model(&subscriptiondomain.Subscription{}).
		Where("id = ?", existing.ID).
		Updates(updates).Error; err != nil {
		return err
	}
	s.invalidate(existing.TenantID)
	return nil
}

func (s *Service) GetByExternalID(ctx context.Context, externalID string) (*subscriptiondomain.Subscription, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return nil, subscriptiondomain.ErrInvalidExternalID
	}
	var sub subscriptiondomain.Subscription
	err := s.db.WithContext(ctx).Where("external_id = ?", externalID).First(&sub).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &sub, nil
}

func (s *Service) invalidate(tenantID snowflake.ID) {
	if s.resolverCache != nil && tenantID != 0 {
		s.resolverCache.InvalidateSubscription(tenantID.String())
	}
}
