// Package service rebuilds monthly rollups from the usage event log.
//
// The rollup counters are maintained incrementally at ingest time, which makes
// them fast to read but impossible to audit on their own. Reconciliation
// recomputes a month straight from usage_events and overwrites the rollup
// rows, so a recompute after any suspected drift converges the counters back
// to the event log. The event log is the source of truth; the rollups are a
// cache of it.
package service

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	aggregatedomain "github.com/georgmattin/letscoldcall/internal/aggregate/domain"
	aggregateservice "github.com/georgmattin/letscoldcall/internal/aggregate/service"
	"github.com/georgmattin/letscoldcall/internal/clock"
	"github.com/georgmattin/letscoldcall/internal/config"
	entitlementdomain "github.com/georgmattin/letscoldcall/internal/entitlement/domain"
	reconciledomain "github.com/georgmattin/letscoldcall/internal/reconcile/domain"
	subscriptiondomain "github.com/georgmattin/letscoldcall/internal/subscription/domain"
	usagedomain "github.com/georgmattin/letscoldcall/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Clock      clock.Clock
	Rates      *config.RateTableHolder
	SubSvc     subscriptiondomain.Service
	Aggregates *aggregateservice.Store
}

type serviceImpl struct {
	db         *gorm.DB
	log        *zap.Logger
	clock      clock.Clock
	rates      *config.RateTableHolder
	subSvc     subscriptiondomain.Service
	aggregates *aggregateservice.Store
}

func NewService(p ServiceParam) reconciledomain.Service {
	return &serviceImpl{
		db:         p.DB,
		log:        p.Log.Named("reconcile.service"),
		clock:      p.Clock,
		rates:      p.Rates,
		subSvc:     p.SubSvc,
		aggregates: p.Aggregates,
	}
}

// RecomputeMonth replays the tenant's usage events for one calendar month and
// overwrites the monthly rollups with the recomputed totals. Rollup rows with
// no surviving events are zeroed rather than deleted, so the unique key keeps
// absorbing late increments. Safe to run repeatedly.
func (s *serviceImpl) RecomputeMonth(ctx context.Context, tenantID snowflake.ID, month string) (*reconciledomain.RecomputeResult, error) {
	if tenantID == 0 {
		return nil, reconciledomain.ErrInvalidTenant
	}
	start, end, err := monthBounds(month)
	if err != nil {
		return nil, err
	}

	var events []usagedomain.UsageEvent
	if err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND recorded_at >= ? AND recorded_at < ?", tenantID, start, end).
		Find(&events).Error; err != nil {
		return nil, err
	}

	totals := map[snowflake.ID]aggregatedomain.Delta{}
	for _, event := range events {
		current := totals[event.SubscriptionID]
		current.Add(usagedomain.EventDelta(event))
		totals[event.SubscriptionID] = current
	}

	// Existing rollup rows with no events left for the month get zeroed.
	existing, err := s.aggregates.ListMonthly(ctx, tenantID, month)
	if err != nil {
		return nil, err
	}
	for _, row := range existing {
		if _, ok := totals[row.SubscriptionID]; !ok {
			totals[row.SubscriptionID] = aggregatedomain.Delta{}
		}
	}

	ent, err := s.entitlement(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	for subscriptionID, delta := range totals {
		key := aggregatedomain.MonthlyKey{
			TenantID:       tenantID,
			SubscriptionID: subscriptionID,
			Month:          month,
		}
		if err := s.aggregates.ReplaceMonthly(ctx, key, delta, ent); err != nil {
			return nil, err
		}
	}

	s.log.Info("recomputed monthly rollups",
		zap.String("tenant_id", tenantID.String()),
		zap.String("month", month),
		zap.Int("events", len(events)),
		zap.Int("subscriptions", len(totals)))

	return &reconciledomain.RecomputeResult{
		Month:         month,
		Events:        len(events),
		Subscriptions: len(totals),
	}, nil
}

// entitlement resolves the plan snapshot recomputed rollups derive overage
// from, matching what ingest writes.
func (s *serviceImpl) entitlement(ctx context.Context, tenantID snowflake.ID) (aggregatedomain.Entitlement, error) {
	active, err := s.subSvc.ActiveDefault(ctx, tenantID)
	if err != nil {
		return aggregatedomain.Entitlement{}, err
	}
	pkg := entitlementdomain.PackageByCode(active.PlanCode)
	return aggregatedomain.Entitlement{
		MonthlyMinutes: pkg.MonthlyCallMinutes,
		OverageRate:    s.rates.Get().OverageMinute,
		Unlimited:      pkg.IsUnlimitedMinutes(),
	}, nil
}

// Report assembles the month-close view: totals, a split per subscription the
// usage metered against, a split per rented number and a per-day series.
func (s *serviceImpl) Report(ctx context.Context, tenantID snowflake.ID, month string) (*reconciledomain.MonthlyReport, error) {
	if tenantID == 0 {
		return nil, reconciledomain.ErrInvalidTenant
	}
	if !reconciledomain.ValidMonthKey(strings.TrimSpace(month)) {
		return nil, reconciledomain.ErrInvalidMonth
	}
	month = strings.TrimSpace(month)

	monthly, err := s.aggregates.ListMonthly(ctx, tenantID, month)
	if err != nil {
		return nil, err
	}
	daily, err := s.aggregates.ListDailyForMonth(ctx, tenantID, month)
	if err != nil {
		return nil, err
	}

	report := &reconciledomain.MonthlyReport{
		Month:         month,
		Subscriptions: []reconciledomain.SubscriptionBreakdown{},
		PhoneNumbers:  []reconciledomain.PhoneNumberBreakdown{},
		Daily:         []reconciledomain.DailyBreakdown{},
	}

	for _, row := range monthly {
		report.Summary.TotalMinutes += row.CallMinutes
		report.Summary.OutboundMinutes += row.OutboundMinutes
		report.Summary.InboundMinutes += row.InboundMinutes
		report.Summary.CallCount += row.CallCount
		report.Summary.SMSCount += row.SMSCount
		report.Summary.MMSCount += row.MMSCount
		report.Summary.TotalCost += row.TotalCost
		report.Summary.OverageMinutes += row.OverageMinutes
		report.Summary.OverageCost += row.OverageCost

		subscriptionID := ""
		if row.SubscriptionID != 0 {
			subscriptionID = row.SubscriptionID.String()
		}
		report.Subscriptions = append(report.Subscriptions, reconciledomain.SubscriptionBreakdown{
			SubscriptionID: subscriptionID,
			Minutes:        row.CallMinutes,
			CallCount:      row.CallCount,
			SMSCount:       row.SMSCount,
			MMSCount:       row.MMSCount,
			TotalCost:      row.TotalCost,
			OverageMinutes: row.OverageMinutes,
			OverageCost:    row.OverageCost,
		})
	}

	byNumber := map[string]*reconciledomain.PhoneNumberBreakdown{}
	byDate := map[string]*reconciledomain.DailyBreakdown{}
	for _, row := range daily {
		number, ok := byNumber[row.PhoneNumber]
		if !ok {
			number = &reconciledomain.PhoneNumberBreakdown{PhoneNumber: row.PhoneNumber}
			byNumber[row.PhoneNumber] = number
		}
		number.Minutes += row.CallMinutes
		number.CallCount += row.CallCount
		number.SMSCount += row.SMSCount
		number.MMSCount += row.MMSCount
		number.TotalCost += row.TotalCost

		date, ok := byDate[row.Date]
		if !ok {
			date = &reconciledomain.DailyBreakdown{Date: row.Date}
			byDate[row.Date] = date
		}
		date.Minutes += row.CallMinutes
		date.CallCount += row.CallCount
		date.SMSCount += row.SMSCount
		date.MMSCount += row.MMSCount
		date.TotalCost += row.TotalCost
	}

	for _, breakdown := range byNumber {
		report.PhoneNumbers = append(report.PhoneNumbers, *breakdown)
	}
	sort.Slice(report.PhoneNumbers, func(i, j int) bool {
		return report.PhoneNumbers[i].PhoneNumber < report.PhoneNumbers[j].PhoneNumber
	})

	for _, breakdown := range byDate {
		report.Daily = append(report.Daily, *breakdown)
	}
	sort.Slice(report.Daily, func(i, j int) bool {
		return report.Daily[i].Date < report.Daily[j].Date
	})

	return report, nil
}

func monthBounds(month string) (time.Time, time.Time, error) {
	month = strings.TrimSpace(month)
	if !reconciledomain.ValidMonthKey(month) {
		return time.Time{}, time.Time{}, reconciledomain.ErrInvalidMonth
	}
	start, err := time.ParseInLocation("2006-01", month, time.UTC)
	if err != nil {
		return time.Time{}, time.Time{}, reconciledomain.ErrInvalidMonth
	}
	return start, start.AddDate(0, 1, 0), nil
}
