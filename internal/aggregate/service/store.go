package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	aggregatedomain "github.com/georgmattin/letscoldcall/internal/aggregate/domain"
	"github.com/georgmattin/letscoldcall/internal/clock"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type StoreParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
}

// Store applies usage deltas to the rollup tables. All counter updates run as
// single-statement upserts so concurrent ingests never lose increments.
type Store struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
}

func NewStore(p StoreParam) *Store {
	return &Store{
		db:    p.DB,
		log:   p.Log.Named("aggregate.store"),
		genID: p.GenID,
		clock: p.Clock,
	}
}

// WithTrx returns a store bound to the given transaction.
func (s *Store) WithTrx(tx *gorm.DB) *Store {
	return &Store{db: tx, log: s.log, genID: s.genID, clock: s.clock}
}

// ApplyDaily increments the per-number daily rollup.
func (s *Store) ApplyDaily(ctx context.Context, key aggregatedomain.DailyKey, delta aggregatedomain.Delta) error {
	if key.TenantID == 0 {
		return errors.New("missing_tenant")
	}
	if strings.TrimSpace(key.Date) == "" {
		return errors.New("missing_date")
	}
	if delta.IsZero() {
		return nil
	}

	now := s.clock.Now()
	row := aggregatedomain.DailyUsage{
		ID:              s.genID.Generate(),
		TenantID:        key.TenantID,
		RentalID:        key.RentalID,
		Date:            key.Date,
		PhoneNumber:     strings.TrimSpace(key.PhoneNumber),
		CallMinutes:     delta.CallMinutes,
		OutboundMinutes: delta.OutboundMinutes,
		InboundMinutes:  delta.InboundMinutes,
		CallCount:       delta.CallCount,
		SMSCount:        delta.SMSCount,
		MMSCount:        delta.MMSCount,
		CallCost:        delta.CallCost,
		SMSCost:         delta.SMSCost,
		MMSCost:         delta.MMSCost,
		RecordingCost:   delta.RecordingCost,
		TotalCost:       delta.CallCost + delta.SMSCost + delta.MMSCost + delta.RecordingCost,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "rental_id"}, {Name: "date"}},
		DoUpdates: incrementAssignments(delta, now),
	}).Create(&row).Error
}

// ApplyMonthly increments the per-subscription monthly rollup. When an
// entitlement snapshot is given the row's package cap and overage columns are
// recomputed in the same statement.
func (s *Store) ApplyMonthly(ctx context.Context, key aggregatedomain.MonthlyKey, delta aggregatedomain.Delta, ent ...aggregatedomain.Entitlement) error {
	if key.TenantID == 0 {
		return errors.New("missing_tenant")
	}
	if strings.TrimSpace(key.Month) == "" {
		return errors.New("missing_month")
	}
	if delta.IsZero() {
		return nil
	}

	now := s.clock.Now()
	row := aggregatedomain.MonthlyUsage{
		ID:              s.genID.Generate(),
		TenantID:        key.TenantID,
		SubscriptionID:  key.SubscriptionID,
		Month:           key.Month,
		CallMinutes:     delta.CallMinutes,
		OutboundMinutes: delta.OutboundMinutes,
		InboundMinutes:  delta.InboundMinutes,
		CallCount:       delta.CallCount,
		SMSCount:        delta.SMSCount,
		MMSCount:        delta.MMSCount,
		CallCost:        delta.CallCost,
		SMSCost:         delta.SMSCost,
		MMSCost:         delta.MMSCost,
		RecordingCost:   delta.RecordingCost,
		TotalCost:       delta.CallCost + delta.SMSCost + delta.MMSCost + delta.RecordingCost,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	assignments := incrementAssignments(delta, now)
	if len(ent) > 0 {
		plan := ent[0]
		row.PackageMonthlyMinutes = plan.MonthlyMinutes
		row.OverageMinutes, row.OverageCost = overage(delta.CallMinutes, plan)
		assignments = append(assignments, overageAssignments(delta.CallMinutes, plan)...)
	}

	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "subscription_id"}, {Name: "month"}},
		DoUpdates: assignments,
	}).Create(&row).Error
}

func overage(minutes int64, plan aggregatedomain.Entitlement) (int64, float64) {
	if plan.Unlimited || minutes <= plan.MonthlyMinutes {
		return 0, 0
	}
	over := minutes - plan.MonthlyMinutes
	return over, float64(over) * plan.OverageRate
}

// overageAssignments recomputes the plan snapshot and overage columns from the
// post-increment minute total. CASE WHEN instead of GREATEST: sqlite has no
// GREATEST and MAX is an aggregate there.
func overageAssignments(deltaMinutes int64, plan aggregatedomain.Entitlement) clause.Set {
	if plan.Unlimited {
		return clause.Assignments(map[string]any{
			"package_monthly_minutes": plan.MonthlyMinutes,
			"overage_minutes":         0,
			"overage_cost":            0.0,
		})
	}
	return clause.Assignments(map[string]any{
		"package_monthly_minutes": plan.MonthlyMinutes,
		"overage_minutes": gorm.Expr(
			"CASE WHEN call_minutes + ? > ? THEN call_minutes + ? - ? ELSE 0 END",
			deltaMinutes, plan.MonthlyMinutes, deltaMinutes, plan.MonthlyMinutes,
		),
		"overage_cost": gorm.Expr(
			"CASE WHEN call_minutes + ? > ? THEN (call_minutes + ? - ?) * ? ELSE 0 END",
			deltaMinutes, plan.MonthlyMinutes, deltaMinutes, plan.MonthlyMinutes, plan.OverageRate,
		),
	})
}

func incrementAssignments(delta aggregatedomain.Delta, now any) clause.Set {
	assignments := map[string]any{"updated_at": now}
	if delta.CallMinutes != 0 {
		assignments["call_minutes"] = gorm.Expr("call_minutes + ?", delta.CallMinutes)
	}
	if delta.OutboundMinutes != 0 {
		assignments["outbound_minutes"] = gorm.Expr("outbound_minutes + ?", delta.OutboundMinutes)
	}
	if delta.InboundMinutes != 0 {
		assignments["inbound_minutes"] = gorm.Expr("inbound_minutes + ?", delta.InboundMinutes)
	}
	if delta.CallCount != 0 {
		assignments["call_count"] = gorm.Expr("call_count + ?", delta.CallCount)
	}
	if delta.SMSCount != 0 {
		assignments["sms_count"] = gorm.Expr("sms_count + ?", delta.SMSCount)
	}
	if delta.MMSCount != 0 {
		assignments["mms_count"] = gorm.Expr("mms_count + ?", delta.MMSCount)
	}
	if delta.CallCost != 0 {
		assignments["call_cost"] = gorm.Expr("call_cost + ?", delta.CallCost)
	}
	if delta.SMSCost != 0 {
		assignments["sms_cost"] = gorm.Expr("sms_cost + ?", delta.SMSCost)
	}
	if delta.MMSCost != 0 {
		assignments["mms_cost"] = gorm.Expr("mms_cost + ?", delta.MMSCost)
	}
	if delta.RecordingCost != 0 {
		assignments["recording_cost"] = gorm.Expr("recording_cost + ?", delta.RecordingCost)
	}
	// Total is always recomputed from the per-kind sub-totals, never compounded
	// onto the stored total.
	assignments["total_cost"] = gorm.Expr(
		"(call_cost + ?) + (sms_cost + ?) + (mms_cost + ?) + (recording_cost + ?)",
		delta.CallCost, delta.SMSCost, delta.MMSCost, delta.RecordingCost,
	)
	return clause.Assignments(assignments)
}

// GetMonthly fetches one monthly rollup, or nil when nothing was metered.
func (s *Store) GetMonthly(ctx context.Context, key aggregatedomain.MonthlyKey) (*aggregatedomain.MonthlyUsage, error) {
	var row aggregatedomain.MonthlyUsage
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND subscription_id = ? AND month = ?", key.TenantID, key.SubscriptionID, key.Month).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

// SumMonthly totals every monthly rollup row for the tenant and month across
// subscriptions. Entitlement checks meter against this sum so a mid-month plan
// switch cannot reset the cap.
func (s *Store) SumMonthly(ctx context.Context, tenantID snowflake.ID, month string) (aggregatedomain.Delta, error) {
	var total aggregatedomain.Delta
	err := s.db.WithContext(ctx).
		Model(&aggregatedomain.MonthlyUsage{}).
		Select(`COALESCE(SUM(call_minutes), 0) AS call_minutes,
			COALESCE(SUM(outbound_minutes), 0) AS outbound_minutes,
			COALESCE(SUM(inbound_minutes), 0) AS inbound_minutes,
			COALESCE(SUM(call_count), 0) AS call_count,
			COALESCE(SUM(sms_count), 0) AS sms_count,
			COALESCE(SUM(mms_count), 0) AS mms_count,
			COALESCE(SUM(call_cost), 0) AS call_cost,
			COALESCE(SUM(sms_cost), 0) AS sms_cost,
			COALESCE(SUM(mms_cost), 0) AS mms_cost,
			COALESCE(SUM(recording_cost), 0) AS recording_cost,
			COALESCE(SUM(total_cost), 0) AS cost`).
		Where("tenant_id = ? AND month = ?", tenantID, month).
		Scan(&total).Error
	return total, err
}

// ListDailyForMonth lists daily rollups whose date falls inside the month.
func (s *Store) ListDailyForMonth(ctx context.Context, tenantID snowflake.ID, month string) ([]aggregatedomain.DailyUsage, error) {
	var rows []aggregatedomain.DailyUsage
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND date LIKE ?", tenantID, month+"-%").
		Order("date ASC, phone_number ASC").
		Find(&rows).Error
	return rows, err
}

// ListMonthly lists monthly rollups for the tenant and month.
func (s *Store) ListMonthly(ctx context.Context, tenantID snowflake.ID, month string) ([]aggregatedomain.MonthlyUsage, error) {
	var rows []aggregatedomain.MonthlyUsage
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND month = ?", tenantID, month).
		Order("subscription_id ASC").
		Find(&rows).Error
	return rows, err
}

// ReplaceMonthly overwrites a monthly rollup with recomputed totals. Used by
// reconciliation, which rebuilds the row from the event log.
func (s *Store) ReplaceMonthly(ctx context.Context, key aggregatedomain.MonthlyKey, totals aggregatedomain.Delta, ent ...aggregatedomain.Entitlement) error {
	if key.TenantID == 0 || strings.TrimSpace(key.Month) == "" {
		return errors.New("missing_monthly_key")
	}

	now := s.clock.Now()
	totalCost := totals.CallCost + totals.SMSCost + totals.MMSCost + totals.RecordingCost
	row := aggregatedomain.MonthlyUsage{
		ID:              s.genID.Generate(),
		TenantID:        key.TenantID,
		SubscriptionID:  key.SubscriptionID,
		Month:           key.Month,
		CallMinutes:     totals.CallMinutes,
		OutboundMinutes: totals.OutboundMinutes,
		InboundMinutes:  totals.InboundMinutes,
		CallCount:       totals.CallCount,
		SMSCount:        totals.SMSCount,
		MMSCount:        totals.MMSCount,
		CallCost:        totals.CallCost,
		SMSCost:         totals.SMSCost,
		MMSCost:         totals.MMSCost,
		RecordingCost:   totals.RecordingCost,
		TotalCost:       totalCost,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	assignments := map[string]any{
		"call_minutes":     totals.CallMinutes,
		"outbound_minutes": totals.OutboundMinutes,
		"inbound_minutes":  totals.InboundMinutes,
		"call_count":       totals.CallCount,
		"sms_count":        totals.SMSCount,
		"mms_count":        totals.MMSCount,
		"call_cost":        totals.CallCost,
		"sms_cost":         totals.SMSCost,
		"mms_cost":         totals.MMSCost,
		"recording_cost":   totals.RecordingCost,
		"total_cost":       totalCost,
		"updated_at":       now,
	}
	if len(ent) > 0 {
		plan := ent[0]
		row.PackageMonthlyMinutes = plan.MonthlyMinutes
		row.OverageMinutes, row.OverageCost = overage(totals.CallMinutes, plan)
		assignments["package_monthly_minutes"] = row.PackageMonthlyMinutes
		assignments["overage_minutes"] = row.OverageMinutes
		assignments["overage_cost"] = row.OverageCost
	}

	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "subscription_id"}, {Name: "month"}},
		DoUpdates: clause.Assignments(assignments),
	}).Create(&row).Error
}
