package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/georgmattin/letscoldcall/internal/cache"
	"github.com/georgmattin/letscoldcall/internal/clock"
	"github.com/georgmattin/letscoldcall/internal/config"
	obsmetrics "github.com/georgmattin/letscoldcall/internal/observability/metrics"
	rentaldomain "github.com/georgmattin/letscoldcall/internal/rental/domain"
	"github.com/georgmattin/letscoldcall/internal/telephony"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultReservationTTL = 15 * time.Minute
	rentalPeriod          = 30 * 24 * time.Hour
	maxIntentAttempts     = 3
)

type ServiceParam struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	Config        config.Config
	Provider      telephony.Provider
	ResolverCache cache.UsageResolverCache
	ObsMetrics    *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock

	reservationTTL time.Duration
	intentRetry    time.Duration
	provider       telephony.Provider
	resolverCache  cache.UsageResolverCache
	obsMetrics     *obsmetrics.Metrics
}

func NewService(p ServiceParam) rentaldomain.Service {
	reservationTTL := p.Config.Rental.ReservationTTL
	if reservationTTL <= 0 {
		reservationTTL = defaultReservationTTL
	}
	intentRetry := p.Config.Sweeper.IntentRetry
	if intentRetry <= 0 {
		intentRetry = 2 * time.Minute
	}
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("rental.service"),
		genID: p.GenID,
		clock: p.Clock,

		reservationTTL: reservationTTL,
		intentRetry:    intentRetry,
		provider:       p.Provider,
		resolverCache:  p.ResolverCache,
		obsMetrics:     p.ObsMetrics,
	}
}

func (s *Service) Reserve(ctx context.Context, req rentaldomain.ReserveRequest) (*rentaldomain.NumberRental, error) {
	if req.TenantID == 0 {
		return nil, rentaldomain.ErrInvalidTenant
	}
	phoneNumber := strings.TrimSpace(req.PhoneNumber)
	if phoneNumber == "" {
		return nil, rentaldomain.ErrInvalidPhoneNumber
	}

	now := s.clock.Now()
	expiresAt := now.Add(s.reservationTTL)

	var rental *rentaldomain.NumberRental
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&rentaldomain.NumberRental{}).
			Where("phone_number = ? AND status IN ?", phoneNumber, []rentaldomain.Status{
				rentaldomain.StatusReserved, rentaldomain.StatusActive, rentaldomain.StatusSuspended,
			}).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return rentaldomain.ErrNumberTaken
		}

		rental = &rentaldomain.NumberRental{
			ID:                   s.genID.Generate(),
			TenantID:             req.TenantID,
			SubscriptionID:       req.SubscriptionID,
			PhoneNumber:          phoneNumber,
			Status:               rentaldomain.StatusReserved,
			MonthlyPrice:         req.MonthlyPrice,
			ReservedAt:           &now,
			ReservationExpiresAt: &expiresAt,
			CreatedAt:            now,
			UpdatedAt:            now,
		}
		return tx.Create(rental).Error
	})
	if err != nil {
		return nil, err
	}

	s.recordTransition(ctx, "", rentaldomain.StatusReserved)
	return rental, nil
}

func (s *Service) Provision(ctx context.Context, req rentaldomain.ProvisionRequest) (*rentaldomain.NumberRental, error) {
	if req.TenantID == 0 {
		return nil, rentaldomain.ErrInvalidTenant
	}

	rental, err := s.findTenantRental(ctx, req.TenantID, req.RentalID)
	if err != nil {
		return nil, err
	}
	if rental.Status == rentaldomain.StatusActive {
		return rental, nil
	}
	if err := rentaldomain.Transition(rental.Status, rentaldomain.StatusActive); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	if rental.ReservationExpiresAt != nil && now.After(*rental.ReservationExpiresAt) {
		if err := s.applyTransition(ctx, s.db, rental, rentaldomain.StatusExpired, now); err != nil {
			return nil, err
		}
		return nil, rentaldomain.ErrReservationExpired
	}

	// Phase one: durable intent before the provider call.
	intent := &rentaldomain.ProvisioningIntent{
		ID:          s.genID.Generate(),
		TenantID:    rental.TenantID,
		RentalID:    rental.ID,
		PhoneNumber: rental.PhoneNumber,
		State:       rentaldomain.IntentPending,
		Attempts:    1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.db.WithContext(ctx).Create(intent).Error; err != nil {
		return nil, err
	}

	purchased, err := s.provider.PurchaseNumber(ctx, rental.PhoneNumber)
	if err != nil {
		s.failIntent(ctx, intent, err)
		return nil, err
	}
	if err := s.markIntent(ctx, intent, rentaldomain.IntentPurchased, purchased.SID, ""); err != nil {
		// The purchase went through but we could not record it. Release
		// immediately rather than leak a paid number.
		s.compensate(ctx, intent, purchased.SID)
		return nil, err
	}

	// Phase two: activate the rental and settle the intent together.
	activated := *rental
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		periodEnd := now.Add(rentalPeriod)
		result := tx.Model(&rentaldomain.NumberRental{}).
			Where("id = ? AND status = ?", rental.ID, rentaldomain.StatusReserved).
			Updates(map[string]any{
				"status":       rentaldomain.StatusActive,
				"provider_sid": purchased.SID,
				"activated_at": now,
				"expires_at":   periodEnd,
				"updated_at":   now,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return rentaldomain.ErrRentalNotFound
		}
		activated.Status = rentaldomain.StatusActive
		activated.ProviderSID = purchased.SID
		activated.ActivatedAt = &now
		activated.ExpiresAt = &periodEnd
		activated.UpdatedAt = now

		return tx.Model(&rentaldomain.ProvisioningIntent{}).
			Where("id = ?", intent.ID).
			Updates(map[string]any{
				"state":      rentaldomain.IntentCompleted,
				"updated_at": now,
			}).Error
	})
	if err != nil {
		s.compensate(ctx, intent, purchased.SID)
		return nil, err
	}

	s.invalidateNumber(rental.PhoneNumber)
	s.recordTransition(ctx, rentaldomain.StatusReserved, rentaldomain.StatusActive)
	return &activated, nil
}

func (s *Service) Cancel(ctx context.Context, tenantID, rentalID snowflake.ID) (*rentaldomain.NumberRental, error) {
	rental, err := s.findTenantRental(ctx, tenantID, rentalID)
	if err != nil {
		return nil, err
	}
	if rental.Status == rentaldomain.StatusCancelled {
		return rental, nil
	}
	if err := rentaldomain.Transition(rental.Status, rentaldomain.StatusCancelled); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	from := rental.Status
	if err := s.applyTransition(ctx, s.db, rental, rentaldomain.StatusCancelled, now); err != nil {
		return nil, err
	}
	s.releaseBestEffort(ctx, rental.ProviderSID, rental.PhoneNumber)
	s.recordTransition(ctx, from, rentaldomain.StatusCancelled)
	return rental, nil
}

func (s *Service) SuspendBySubscription(ctx context.Context, subscriptionID snowflake.ID) (int64, error) {
	return s.transitionBySubscription(ctx, subscriptionID,
		[]rentaldomain.Status{rentaldomain.StatusActive},
		rentaldomain.StatusSuspended, false)
}

func (s *Service) ReactivateBySubscription(ctx context.Context, subscriptionID snowflake.ID) (int64, error) {
	return s.transitionBySubscription(ctx, subscriptionID,
		[]rentaldomain.Status{rentaldomain.StatusSuspended},
		rentaldomain.StatusActive, false)
}

func (s *Service) CancelBySubscription(ctx context.Context, subscriptionID snowflake.ID) (int64, error) {
	return s.transitionBySubscription(ctx, subscriptionID,
		[]rentaldomain.Status{rentaldomain.StatusReserved, rentaldomain.StatusActive, rentaldomain.StatusSuspended},
		rentaldomain.StatusCancelled, true)
}

func (s *Service) transitionBySubscription(ctx context.Context, subscriptionID snowflake.ID, from []rentaldomain.Status, to rentaldomain.Status, release bool) (int64, error) {
	if subscriptionID == 0 {
		return 0, nil
	}

	var rentals []rentaldomain.NumberRental
	if err := s.db.WithContext(ctx).
		Where("subscription_id = ? AND status IN ?", subscriptionID, from).
		Find(&rentals).Error; err != nil {
		return 0, err
	}

	now := s.clock.Now()
	var updated int64
	for i := range rentals {
		rental := &rentals[i]
		if err := rentaldomain.Transition(rental.Status, to); err != nil {
			s.log.Warn("skipping rental transition",
				zap.String("rental_id", rental.ID.String()),
				zap.Error(err))
			continue
		}
		origin := rental.Status
		if err := s.applyTransition(ctx, s.db, rental, to, now); err != nil {
			return updated, err
		}
		if release {
			s.releaseBestEffort(ctx, rental.ProviderSID, rental.PhoneNumber)
		}
		s.recordTransition(ctx, origin, to)
		updated++
	}
	return updated, nil
}

func (s *Service) ExpireReservations(ctx context.Context, limit int) (int64, error) {
	if limit <= 0 {
		limit = 100
	}
	now := s.clock.Now()

	var rentals []rentaldomain.NumberRental
	if err := s.db.WithContext(ctx).
		Where("status = ? AND reservation_expires_at IS NOT NULL AND reservation_expires_at <= ?",
			rentaldomain.StatusReserved, now).
		Order("reservation_expires_at ASC").
		Limit(limit).
		Find(&rentals).Error; err != nil {
		return 0, err
	}

	var expired int64
	for i := range rentals {
		rental := &rentals[i]
		if err := s.applyTransition(ctx, s.db, rental, rentaldomain.StatusExpired, now); err != nil {
			return expired, err
		}
		s.recordTransition(ctx, rentaldomain.StatusReserved, rentaldomain.StatusExpired)
		expired++
	}
	return expired, nil
}

func (s *Service) RecoverIntents(ctx context.Context, limit int) (int64, error) {
	if limit <= 0 {
		limit = 50
	}
	now := s.clock.Now()
	staleBefore := now.Add(-s.intentRetry)

	var intents []rentaldomain.ProvisioningIntent
	if err := s.db.WithContext(ctx).
		Where("state IN ? AND updated_at <= ?",
			[]rentaldomain.IntentState{rentaldomain.IntentPending, rentaldomain.IntentPurchased}, staleBefore).
		Order("updated_at ASC").
		Limit(limit).
		Find(&intents).Error; err != nil {
		return 0, err
	}

	var recovered int64
	for i := range intents {
		intent := &intents[i]
		if err := s.recoverIntent(ctx, intent, now); err != nil {
			s.log.Warn("intent recovery failed",
				zap.String("intent_id", intent.ID.String()),
				zap.Error(err))
			continue
		}
		recovered++
	}
	return recovered, nil
}

func (s *Service) recoverIntent(ctx context.Context, intent *rentaldomain.ProvisioningIntent, now time.Time) error {
	if intent.Attempts >= maxIntentAttempts {
		return s.markIntent(ctx, intent, rentaldomain.IntentFailed, intent.ProviderSID, "max attempts reached")
	}

	switch intent.State {
	case rentaldomain.IntentPending:
		// Crashed before the purchase went out. Nothing was bought.
		return s.markIntent(ctx, intent, rentaldomain.IntentFailed, "", "abandoned before purchase")
	case rentaldomain.IntentPurchased:
		var rental rentaldomain.NumberRental
		err := s.db.WithContext(ctx).First(&rental, "id = ?", intent.RentalID).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if rental.Status == rentaldomain.StatusActive {
			// Activation landed, only the intent update was lost.
			return s.markIntent(ctx, intent, rentaldomain.IntentCompleted, intent.ProviderSID, "")
		}
		// Purchase succeeded but activation never did. Give the money back.
		s.compensate(ctx, intent, intent.ProviderSID)
		return nil
	default:
		return nil
	}
}

func (s *Service) FindActiveByNumber(ctx context.Context, phoneNumber string) (*rentaldomain.NumberRental, error) {
	phoneNumber = strings.TrimSpace(phoneNumber)
	if phoneNumber == "" {
		return nil, rentaldomain.ErrInvalidPhoneNumber
	}
	if s.resolverCache != nil {
		if cached, ok := s.resolverCache.GetRentalByNumber(phoneNumber); ok {
			return &cached, nil
		}
	}

	var rental rentaldomain.NumberRental
	err := s.db.WithContext(ctx).
		Where("phone_number = ? AND status IN ?", phoneNumber, []rentaldomain.Status{
			rentaldomain.StatusActive, rentaldomain.StatusSuspended,
		}).
		Order("activated_at DESC").
		First(&rental).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, rentaldomain.ErrRentalNotFound
		}
		return nil, err
	}

	if s.resolverCache != nil {
		s.resolverCache.SetRentalByNumber(phoneNumber, rental)
	}
	return &rental, nil
}

func (s *Service) TouchUsage(ctx context.Context, rentalID snowflake.ID, usedAt time.Time, calls, messages int64) error {
	if rentalID == 0 {
		return nil
	}
	// Counters increment unconditionally; last_used_at only moves forward so
	// an out-of-order callback cannot rewind it.
	updates := map[string]any{
		"last_used_at": gorm.Expr(
			"CASE WHEN last_used_at IS NULL OR last_used_at < ? THEN ? ELSE last_used_at END",
			usedAt, usedAt,
		),
		"updated_at": s.clock.Now(),
	}
	if calls > 0 {
		updates["total_calls"] = gorm.Expr("total_calls + ?", calls)
	}
	if messages > 0 {
		updates["total_sms"] = gorm.Expr("total_sms + ?", messages)
	}
	return s.db.WithContext(ctx).Model(&rentaldomain.NumberRental{}).
		Where("id = ?", rentalID).
		Updates(updates).Error
}

func (s *Service) List(ctx context.Context, tenantID snowflake.ID) ([]rentaldomain.RentalView, error) {
	if tenantID == 0 {
		return nil, rentaldomain.ErrInvalidTenant
	}

	var rentals []rentaldomain.NumberRental
	if err := s.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("created_at DESC").
		Find(&rentals).Error; err != nil {
		return nil, err
	}

	now := s.clock.Now()
	views := make([]rentaldomain.RentalView, 0, len(rentals))
	for _, rental := range rentals {
		views = append(views, buildRentalView(rental, now))
	}
	return views, nil
}

func (s *Service) Get(ctx context.Context, tenantID, rentalID snowflake.ID) (*rentaldomain.RentalView, error) {
	rental, err := s.findTenantRental(ctx, tenantID, rentalID)
	if err != nil {
		return nil, err
	}
	view := buildRentalView(*rental, s.clock.Now())
	return &view, nil
}

func buildRentalView(rental rentaldomain.NumberRental, now time.Time) rentaldomain.RentalView {
	return rentaldomain.RentalView{
		NumberRental:  rental,
		DaysRemaining: rental.DaysRemaining(now),
		ExpiringSoon:  rental.IsExpiringSoon(now),
		Expired:       rental.IsExpired(now),
	}
}

func (s *Service) findTenantRental(ctx context.Context, tenantID, rentalID snowflake.ID) (*rentaldomain.NumberRental, error) {
	if tenantID == 0 {
		return nil, rentaldomain.ErrInvalidTenant
	}
	var rental rentaldomain.NumberRental
	err := s.db.WithContext(ctx).
		Where("id = ? AND tenant_id = ?", rentalID, tenantID).
		First(&rental).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, rentaldomain.ErrRentalNotFound
		}
		return nil, err
	}
	return &rental, nil
}

func (s *Service) applyTransition(ctx context.Context, db *gorm.DB, rental *rentaldomain.NumberRental, to rentaldomain.Status, now time.Time) error {
	if err := rentaldomain.Transition(rental.Status, to); err != nil {
		return err
	}

	updates := map[string]any{
		"status":     to,
		"updated_at": now,
	}
	switch to {
	case rentaldomain.StatusSuspended:
		updates["suspended_at"] = now
	case rentaldomain.StatusCancelled:
		updates["cancelled_at"] = now
	case rentaldomain.StatusActive:
		updates["suspended_at"] = nil
	}

	result := db.WithContext(ctx).Model(&rentaldomain.NumberRental{}).
		Where("id = ? AND status = ?", rental.ID, rental.Status).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		// Lost a race with a concurrent transition.
		return rentaldomain.ErrInvalidTransition
	}

	rental.Status = to
	rental.UpdatedAt = now
	switch to {
	case rentaldomain.StatusSuspended:
		rental.SuspendedAt = &now
	case rentaldomain.StatusCancelled:
		rental.CancelledAt = &now
	case rentaldomain.StatusActive:
		rental.SuspendedAt = nil
	}

	s.invalidateNumber(rental.PhoneNumber)
	return nil
}

func (s *Service) markIntent(ctx context.Context, intent *rentaldomain.ProvisioningIntent, state rentaldomain.IntentState, providerSID, lastError string) error {
	now := s.clock.Now()
	updates := map[string]any{
		"state":      state,
		"updated_at": now,
	}
	if providerSID != "" {
		updates["provider_sid"] = providerSID
	}
	if lastError != "" {
		updates["last_error"] = lastError
	}
	if err := s.db.WithContext(ctx).Model(&rentaldomain.ProvisioningIntent{}).
		Where("id = ?", intent.ID).
		Updates(updates).Error; err != nil {
		return err
	}
	intent.State = state
	if providerSID != "" {
		intent.ProviderSID = providerSID
	}
	intent.UpdatedAt = now
	return nil
}

func (s *Service) failIntent(ctx context.Context, intent *rentaldomain.ProvisioningIntent, cause error) {
	message := ""
	if cause != nil {
		message = cause.Error()
	}
	if err := s.markIntent(ctx, intent, rentaldomain.IntentFailed, "", message); err != nil {
		s.log.Error("failed to mark intent failed",
			zap.String("intent_id", intent.ID.String()),
			zap.Error(err))
	}
}

func (s *Service) compensate(ctx context.Context, intent *rentaldomain.ProvisioningIntent, providerSID string) {
	if err := s.provider.ReleaseNumber(ctx, providerSID); err != nil {
		s.log.Error("compensation release failed",
			zap.String("intent_id", intent.ID.String()),
			zap.String("provider_sid", providerSID),
			zap.Error(err))
		// Leave the intent purchased so the sweeper retries the release.
		_ = s.bumpIntentAttempts(ctx, intent, err)
		return
	}
	if err := s.markIntent(ctx, intent, rentaldomain.IntentCompensated, providerSID, ""); err != nil {
		s.log.Error("failed to mark intent compensated",
			zap.String("intent_id", intent.ID.String()),
			zap.Error(err))
	}
	if s.obsMetrics != nil {
		s.obsMetrics.RecordCompensation(ctx, string(intent.State))
	}
}

func (s *Service) bumpIntentAttempts(ctx context.Context, intent *rentaldomain.ProvisioningIntent, cause error) error {
	now := s.clock.Now()
	message := ""
	if cause != nil {
		message = cause.Error()
	}
	return s.db.WithContext(ctx).Model(&rentaldomain.ProvisioningIntent{}).
		Where("id = ?", intent.ID).
		Updates(map[string]any{
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": message,
			"updated_at": now,
		}).Error
}

func (s *Service) releaseBestEffort(ctx context.Context, providerSID, phoneNumber string) {
	if strings.TrimSpace(providerSID) == "" {
		return
	}
	if err := s.provider.ReleaseNumber(ctx, providerSID); err != nil {
		s.log.Warn("number release failed",
			zap.String("provider_sid", providerSID),
			zap.String("phone_number", phoneNumber),
			zap.Error(err))
	}
}

func (s *Service) invalidateNumber(phoneNumber string) {
	if s.resolverCache != nil {
		s.resolverCache.InvalidateRental(phoneNumber)
	}
}

func (s *Service) recordTransition(ctx context.Context, from, to rentaldomain.Status) {
	if s.obsMetrics == nil {
		return
	}
	s.obsMetrics.RecordRentalTransition(ctx, string(from), string(to))
}
