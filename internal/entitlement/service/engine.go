package service

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	aggregateservice "github.com/georgmattin/letscoldcall/internal/aggregate/service"
	"github.com/georgmattin/letscoldcall/internal/clock"
	"github.com/georgmattin/letscoldcall/internal/config"
	entitlementdomain "github.com/georgmattin/letscoldcall/internal/entitlement/domain"
	obsmetrics "github.com/georgmattin/letscoldcall/internal/observability/metrics"
	subscriptiondomain "github.com/georgmattin/letscoldcall/internal/subscription/domain"
	usagedomain "github.com/georgmattin/letscoldcall/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type EngineParam struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Rates      *config.RateTableHolder
	SubSvc     subscriptiondomain.Service
	Aggregates *aggregateservice.Store
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Engine struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	rates      *config.RateTableHolder
	subSvc     subscriptiondomain.Service
	aggregates *aggregateservice.Store
	obsMetrics *obsmetrics.Metrics
}

func NewEngine(p EngineParam) entitlementdomain.Service {
	return &Engine{
		db:         p.DB,
		log:        p.Log.Named("entitlement.engine"),
		genID:      p.GenID,
		clock:      p.Clock,
		rates:      p.Rates,
		subSvc:     p.SubSvc,
		aggregates: p.Aggregates,
		obsMetrics: p.ObsMetrics,
	}
}

func (e *Engine) CheckCallEligibility(ctx context.Context, tenantID snowflake.ID, minutes int64) (entitlementdomain.Decision, error) {
	if tenantID == 0 {
		return entitlementdomain.Decision{}, entitlementdomain.ErrInvalidTenant
	}
	if minutes <= 0 {
		minutes = 1
	}

	active, err := e.subSvc.ActiveDefault(ctx, tenantID)
	if err != nil {
		return entitlementdomain.Decision{}, err
	}
	if active.IsDefault {
		// Metering still runs against the default plan, but eligibility
		// reports the missing subscription instead of pretending one exists.
		return entitlementdomain.Decision{}, entitlementdomain.ErrNoActiveSubscription
	}
	pkg := entitlementdomain.PackageByCode(active.PlanCode)

	month := usagedomain.MonthKey(e.clock.Now())
	totals, err := e.aggregates.SumMonthly(ctx, tenantID, month)
	if err != nil {
		return entitlementdomain.Decision{}, err
	}

	decision := buildMinutesDecision(pkg, totals.CallMinutes, minutes, e.rates.Get().OverageMinute)
	if !decision.Allowed && e.obsMetrics != nil {
		e.obsMetrics.RecordEntitlementDenial(ctx, "call", decision.Reason)
	}
	return decision, nil
}

func (e *Engine) CheckAction(ctx context.Context, tenantID snowflake.ID, action entitlementdomain.ActionType) (entitlementdomain.Decision, error) {
	if tenantID == 0 {
		return entitlementdomain.Decision{}, entitlementdomain.ErrInvalidTenant
	}
	if !entitlementdomain.KnownAction(action) {
		return entitlementdomain.Decision{}, entitlementdomain.ErrUnknownAction
	}

	pkg, err := e.resolvePackage(ctx, tenantID)
	if err != nil {
		return entitlementdomain.Decision{}, err
	}

	month := usagedomain.MonthKey(e.clock.Now())
	used, err := e.actionCount(ctx, e.db, tenantID, action, month)
	if err != nil {
		return entitlementdomain.Decision{}, err
	}

	decision := buildActionDecision(pkg, action, used)
	if !decision.Allowed && e.obsMetrics != nil {
		e.obsMetrics.RecordEntitlementDenial(ctx, string(action), decision.Reason)
	}
	return decision, nil
}

func (e *Engine) RecordAction(ctx context.Context, tenantID snowflake.ID, action entitlementdomain.ActionType) (entitlementdomain.Decision, error) {
	if tenantID == 0 {
		return entitlementdomain.Decision{}, entitlementdomain.ErrInvalidTenant
	}
	if !entitlementdomain.KnownAction(action) {
		return entitlementdomain.Decision{}, entitlementdomain.ErrUnknownAction
	}

	pkg, err := e.resolvePackage(ctx, tenantID)
	if err != nil {
		return entitlementdomain.Decision{}, err
	}
	limit := pkg.ActionLimit(action)
	month := usagedomain.MonthKey(e.clock.Now())

	var decision entitlementdomain.Decision
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := e.incrementAction(ctx, tx, tenantID, action, month); err != nil {
			return err
		}
		used, err := e.actionCount(ctx, tx, tenantID, action, month)
		if err != nil {
			return err
		}
		decision = buildActionDecision(pkg, action, used)
		if used > limit && limit < entitlementdomain.UnlimitedSentinel {
			// Over the cap after increment: roll back so the counter
			// reflects only granted actions.
			decision = buildActionDecision(pkg, action, used-1)
			decision.Allowed = false
			decision.Reason = "limit_exceeded"
			return entitlementdomain.ErrLimitExceeded
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, entitlementdomain.ErrLimitExceeded) {
			if e.obsMetrics != nil {
				e.obsMetrics.RecordEntitlementDenial(ctx, string(action), decision.Reason)
			}
			return decision, nil
		}
		return entitlementdomain.Decision{}, err
	}
	return decision, nil
}

func (e *Engine) resolvePackage(ctx context.Context, tenantID snowflake.ID) (entitlementdomain.Package, error) {
	active, err := e.subSvc.ActiveDefault(ctx, tenantID)
	if err != nil {
		return entitlementdomain.Package{}, err
	}
	return entitlementdomain.PackageByCode(active.PlanCode), nil
}

func (e *Engine) incrementAction(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID, action entitlementdomain.ActionType, month string) error {
	now := e.clock.Now()
	row := entitlementdomain.ActionCounter{
		ID:        e.genID.Generate(),
		TenantID:  tenantID,
		Action:    action,
		Month:     month,
		Count:     1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "tenant_id"}, {Name: "action"}, {Name: "month"}},
		DoUpdates: clause.Assignments(map[string]any{
			"count":      gorm.Expr("count + 1"),
			"updated_at": now,
		}),
	}).Create(&row).Error
}

func (e *Engine) actionCount(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID, action entitlementdomain.ActionType, month string) (int64, error) {
	var row entitlementdomain.ActionCounter
	err := tx.WithContext(ctx).
		Where("tenant_id = ? AND action = ? AND month = ?", tenantID, action, month).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return row.Count, nil
}

func buildMinutesDecision(pkg entitlementdomain.Package, used, requested int64, overageRate float64) entitlementdomain.Decision {
	decision := entitlementdomain.Decision{
		PlanCode: pkg.Code,
		Limit:    pkg.MonthlyCallMinutes,
		Used:     used,
	}

	if pkg.IsUnlimitedMinutes() {
		decision.Allowed = true
		decision.Remaining = entitlementdomain.Remaining{Unlimited: true}
		decision.UsagePercentage = 0
		return decision
	}

	remaining := pkg.MonthlyCallMinutes - used
	if remaining < 0 {
		remaining = 0
	}
	decision.Remaining = entitlementdomain.Remaining{Value: remaining}
	decision.UsagePercentage = usagePercentage(used, pkg.MonthlyCallMinutes)
	if overage := used - pkg.MonthlyCallMinutes; overage > 0 {
		decision.OverageMinutes = overage
		decision.OverageCost = float64(overage) * overageRate
	}
	if requested <= 0 {
		requested = 1
	}
	decision.Allowed = remaining >= requested
	if !decision.Allowed {
		decision.Reason = "minutes_exceeded"
	}
	return decision
}

func buildActionDecision(pkg entitlementdomain.Package, action entitlementdomain.ActionType, used int64) entitlementdomain.Decision {
	limit := pkg.ActionLimit(action)
	decision := entitlementdomain.Decision{
		PlanCode: pkg.Code,
		Limit:    limit,
		Used:     used,
	}

	if limit >= entitlementdomain.UnlimitedSentinel {
		decision.Allowed = true
		decision.Remaining = entitlementdomain.Remaining{Unlimited: true}
		decision.UsagePercentage = 0
		return decision
	}
	if limit <= 0 {
		decision.Allowed = false
		decision.Remaining = entitlementdomain.Remaining{}
		decision.Reason = "not_included"
		return decision
	}

	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	decision.Remaining = entitlementdomain.Remaining{Value: remaining}
	decision.UsagePercentage = usagePercentage(used, limit)
	decision.Allowed = used < limit
	if !decision.Allowed {
		decision.Reason = "limit_exceeded"
	}
	return decision
}

func usagePercentage(used, limit int64) float64 {
	if limit <= 0 {
		return 0
	}
	pct := float64(used) / float64(limit) * 100
	if pct > 100 {
		return 100
	}
	return pct
}
