// Package webhook processes verified payment-provider events and drives the
// subscription and rental lifecycles from them.
package webhook

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/georgmattin/letscoldcall/internal/clock"
	obsmetrics "github.com/georgmattin/letscoldcall/internal/observability/metrics"
	paymentdomain "github.com/georgmattin/letscoldcall/internal/payment/domain"
	rentaldomain "github.com/georgmattin/letscoldcall/internal/rental/domain"
	subscriptiondomain "github.com/georgmattin/letscoldcall/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ServiceParam struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Registry   *paymentdomain.Registry
	SubSvc     subscriptiondomain.Service
	RentalSvc  rentaldomain.Service
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	registry   *paymentdomain.Registry
	subSvc     subscriptiondomain.Service
	rentalSvc  rentaldomain.Service
	obsMetrics *obsmetrics.Metrics
}

func NewService(p ServiceParam) *Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("payment.webhook"),
		genID:      p.GenID,
		clock:      p.Clock,
		registry:   p.Registry,
		subSvc:     p.SubSvc,
		rentalSvc:  p.RentalSvc,
		obsMetrics: p.ObsMetrics,
	}
}

// Handle verifies, dedups and applies one webhook delivery. Replays of an
// already-processed event return nil without side effects.
func (s *Service) Handle(ctx context.Context, provider string, payload []byte, headers http.Header) error {
	adapter, err := s.registry.Resolve(provider)
	if err != nil {
		return err
	}
	if err := adapter.Verify(ctx, payload, headers); err != nil {
		return err
	}

	event, err := adapter.Parse(ctx, payload)
	if err != nil {
		if errors.Is(err, paymentdomain.ErrEventIgnored) {
			return nil
		}
		return err
	}

	fresh, err := s.claimEvent(ctx, event)
	if err != nil {
		return err
	}
	if !fresh {
		s.log.Debug("skipping replayed webhook event",
			zap.String("provider", event.Provider),
			zap.String("provider_event_id", event.ProviderEventID))
		return nil
	}

	if err := s.dispatch(ctx, event); err != nil {
		s.markEvent(ctx, event, paymentdomain.WebhookStatusFailed, err)
		return err
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordPaymentEvent(ctx, event.Provider, string(event.Type))
	}
	return nil
}

// claimEvent inserts the ledger row. A unique-index hit means the event was
// seen before; previously failed events are claimed again for reprocessing.
func (s *Service) claimEvent(ctx context.Context, event *paymentdomain.Event) (bool, error) {
	now := s.clock.Now()
	row := paymentdomain.WebhookEvent{
		ID:              s.genID.Generate(),
		Provider:        event.Provider,
		ProviderEventID: event.ProviderEventID,
		Type:            string(event.Type),
		Status:          paymentdomain.WebhookStatusProcessed,
		RawPayload:      datatypes.JSON(event.RawPayload),
		ReceivedAt:      now,
		CreatedAt:       now,
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "provider"}, {Name: "provider_event_id"}},
		DoNothing: true,
	}).Create(&row)
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected > 0 {
		return true, nil
	}

	// Retry of a failed delivery. The status guard in the WHERE clause makes
	// the reclaim atomic: of two concurrent replicas only one flips the row.
	reclaim := s.db.WithContext(ctx).Model(&paymentdomain.WebhookEvent{}).
		Where("provider = ? AND provider_event_id = ? AND status = ?",
			event.Provider, event.ProviderEventID, paymentdomain.WebhookStatusFailed).
		Updates(map[string]any{
			"status":     paymentdomain.WebhookStatusProcessed,
			"error":      "",
			"updated_at": now,
		})
	if reclaim.Error != nil {
		return false, reclaim.Error
	}
	return reclaim.RowsAffected > 0, nil
}

func (s *Service) markEvent(ctx context.Context, event *paymentdomain.Event, status paymentdomain.WebhookStatus, cause error) {
	message := ""
	if cause != nil {
		message = cause.Error()
	}
	if err := s.db.WithContext(ctx).Model(&paymentdomain.WebhookEvent{}).
		Where("provider = ? AND provider_event_id = ?", event.Provider, event.ProviderEventID).
		Updates(map[string]any{
			"status": status,
			"error":  message,
		}).Error; err != nil {
		s.log.Error("failed to update webhook ledger",
			zap.String("provider_event_id", event.ProviderEventID),
			zap.Error(err))
	}
}

func (s *Service) dispatch(ctx context.Context, event *paymentdomain.Event) error {
	switch event.Type {
	case paymentdomain.EventTypePaymentSucceeded:
		return s.applyPaymentOutcome(ctx, event, subscriptiondomain.StatusActive)
	case paymentdomain.EventTypePaymentFailed:
		return s.applyPaymentOutcome(ctx, event, subscriptiondomain.StatusPastDue)
	case paymentdomain.EventTypeSubscriptionCreated,
		paymentdomain.EventTypeSubscriptionUpdated,
		paymentdomain.EventTypeSubscriptionDeleted:
		return s.applySubscriptionChange(ctx, event)
	default:
		return nil
	}
}

func (s *Service) applyPaymentOutcome(ctx context.Context, event *paymentdomain.Event, status subscriptiondomain.Status) error {
	if err := s.subSvc.MarkStatusByExternalID(ctx, event.SubscriptionExternalID, status); err != nil {
		return err
	}

	internal, err := s.subSvc.GetByExternalID(ctx, event.SubscriptionExternalID)
	if err != nil || internal == nil {
		return err
	}

	switch status {
	case subscriptiondomain.StatusActive:
		_, err = s.rentalSvc.ReactivateBySubscription(ctx, internal.ID)
	case subscriptiondomain.StatusPastDue:
		_, err = s.rentalSvc.SuspendBySubscription(ctx, internal.ID)
	}
	return err
}

func (s *Service) applySubscriptionChange(ctx context.Context, event *paymentdomain.Event) error {
	status := mapSubscriptionStatus(event.SubscriptionStatus)

	if err := s.subSvc.ProcessEvent(ctx, subscriptiondomain.Event{
		ExternalID:         event.SubscriptionExternalID,
		TenantID:           event.TenantID,
		CustomerExternalID: event.CustomerExternalID,
		Status:             status,
		RawStatus:          strings.ToLower(strings.TrimSpace(event.SubscriptionStatus)),
		PriceID:            event.PriceID,
		ProductID:          event.ProductID,
		PlanName:           event.PlanName,
		CurrentPeriodStart: event.CurrentPeriodStart,
		CurrentPeriodEnd:   event.CurrentPeriodEnd,
		CancelAtPeriodEnd:  event.CancelAtPeriodEnd,
		OccurredAt:         event.OccurredAt,
	}); err != nil {
		return err
	}

	internal, err := s.subSvc.GetByExternalID(ctx, event.SubscriptionExternalID)
	if err != nil || internal == nil {
		return err
	}

	switch status {
	case subscriptiondomain.StatusCanceled:
		_, err = s.rentalSvc.CancelBySubscription(ctx, internal.ID)
	case subscriptiondomain.StatusPastDue:
		_, err = s.rentalSvc.SuspendBySubscription(ctx, internal.ID)
	case subscriptiondomain.StatusActive, subscriptiondomain.StatusTrialing:
		_, err = s.rentalSvc.ReactivateBySubscription(ctx, internal.ID)
	}
	return err
}

func mapSubscriptionStatus(raw string) subscriptiondomain.Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "active":
		return subscriptiondomain.StatusActive
	case "trialing":
		return subscriptiondomain.StatusTrialing
	case "canceled", "incomplete_expired":
		return subscriptiondomain.StatusCanceled
	default:
		// past_due, unpaid, incomplete, paused: usage keeps metering but
		// the subscription is not in good standing.
		return subscriptiondomain.StatusPastDue
	}
}
