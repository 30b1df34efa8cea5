package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	aggregatedomain "github.com/georgmattin/letscoldcall/internal/aggregate/domain"
	aggregateservice "github.com/georgmattin/letscoldcall/internal/aggregate/service"
	"github.com/georgmattin/letscoldcall/internal/clock"
	"github.com/georgmattin/letscoldcall/internal/config"
	reconciledomain "github.com/georgmattin/letscoldcall/internal/reconcile/domain"
	subscriptiondomain "github.com/georgmattin/letscoldcall/internal/subscription/domain"
	usagedomain "github.com/georgmattin/letscoldcall/internal/usage/domain"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type stubSubService struct {
	planCode string
}

func (s stubSubService) ActiveDefault(ctx context.Context, tenantID snowflake.ID) (subscriptiondomain.ActiveResult, error) {
	return subscriptiondomain.ActiveResult{PlanCode: s.planCode, IsDefault: true}, nil
}

func (stubSubService) ProcessEvent(ctx context.Context, event subscriptiondomain.Event) error {
	return nil
}

func (stubSubService) MarkStatusByExternalID(ctx context.Context, externalID string, status subscriptiondomain.Status) error {
	return nil
}

func (stubSubService) GetByExternalID(ctx context.Context, externalID string) (*subscriptiondomain.Subscription, error) {
	return nil, nil
}

type reconcileFixture struct {
	svc        reconciledomain.Service
	db         *gorm.DB
	aggregates *aggregateservice.Store
	genID      *snowflake.Node
}

func newReconcileFixture(t *testing.T) *reconcileFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&usagedomain.UsageEvent{},
		&aggregatedomain.DailyUsage{},
		&aggregatedomain.MonthlyUsage{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fake := clock.NewFakeClock(time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC))

	aggregates := aggregateservice.NewStore(aggregateservice.StoreParam{
		DB: db, Log: zap.NewNop(), GenID: node, Clock: fake,
	})
	svc := NewService(ServiceParam{
		DB:         db,
		Log:        zap.NewNop(),
		Clock:      fake,
		Rates:      config.NewStaticRateTableHolder(config.DefaultRateTable()),
		SubSvc:     stubSubService{planCode: "starter"},
		Aggregates: aggregates,
	})
	return &reconcileFixture{svc: svc, db: db, aggregates: aggregates, genID: node}
}

func (f *reconcileFixture) insertCall(t *testing.T, tenantID, subscriptionID snowflake.ID, number string, minutes int, recordedAt time.Time) {
	t.Helper()
	event := usagedomain.UsageEvent{
		ID:             f.genID.Generate(),
		TenantID:       tenantID,
		SubscriptionID: subscriptionID,
		SourceEventID:  f.genID.Generate().String(),
		Kind:           usagedomain.KindCall,
		Direction:      usagedomain.DirectionOutbound,
		PhoneNumber:    number,
		Seconds:        minutes * 60,
		Minutes:        minutes,
		Cost:           float64(minutes) * 0.022,
		Status:         usagedomain.CallStatusCompleted,
		RecordedAt:     recordedAt,
		CreatedAt:      recordedAt,
		UpdatedAt:      recordedAt,
	}
	require.NoError(t, f.db.Create(&event).Error)
}

func TestRecomputeMonthRebuildsFromEvents(t *testing.T) {
	f := newReconcileFixture(t)
	ctx := context.Background()
	tenantID := snowflake.ID(100)
	subID := snowflake.ID(7)
	march := time.Date(2026, 3, 5, 10, 0, 0, 0, time.UTC)

	f.insertCall(t, tenantID, 0, "+15550001111", 8, march)
	f.insertCall(t, tenantID, subID, "+15550001111", 2, march.Add(24*time.Hour))
	// An April event must not leak into the March recompute.
	f.insertCall(t, tenantID, subID, "+15550001111", 99, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC))

	result, err := f.svc.RecomputeMonth(ctx, tenantID, "2026-03")
	require.NoError(t, err)
	assert.Equal(t, "2026-03", result.Month)
	assert.Equal(t, 2, result.Events)
	assert.Equal(t, 2, result.Subscriptions)

	rows, err := f.aggregates.ListMonthly(ctx, tenantID, "2026-03")
	require.NoError(t, err)
	require.Len(t, rows, 2)

	bySub := map[snowflake.ID]aggregatedomain.MonthlyUsage{}
	for _, row := range rows {
		bySub[row.SubscriptionID] = row
	}
	assert.Equal(t, int64(8), bySub[0].CallMinutes)
	assert.Equal(t, int64(2), bySub[subID].CallMinutes)
}

func TestRecomputeMonthCorrectsDriftedRollup(t *testing.T) {
	f := newReconcileFixture(t)
	ctx := context.Background()
	tenantID := snowflake.ID(100)
	march := time.Date(2026, 3, 5, 10, 0, 0, 0, time.UTC)

	f.insertCall(t, tenantID, 0, "+15550001111", 10, march)

	// Simulate counter drift: the rollup says 25 minutes, the log says 10.
	require.NoError(t, f.aggregates.ApplyMonthly(ctx,
		aggregatedomain.MonthlyKey{TenantID: tenantID, Month: "2026-03"},
		aggregatedomain.Delta{CallMinutes: 25, CallCount: 3}))

	_, err := f.svc.RecomputeMonth(ctx, tenantID, "2026-03")
	require.NoError(t, err)

	rows, err := f.aggregates.ListMonthly(ctx, tenantID, "2026-03")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(10), rows[0].CallMinutes)
	assert.Equal(t, int64(1), rows[0].CallCount)
}

func TestRecomputeMonthZeroesStaleRollup(t *testing.T) {
	f := newReconcileFixture(t)
	ctx := context.Background()
	tenantID := snowflake.ID(100)

	// Rollup exists but every event behind it is gone.
	require.NoError(t, f.aggregates.ApplyMonthly(ctx,
		aggregatedomain.MonthlyKey{TenantID: tenantID, SubscriptionID: snowflake.ID(7), Month: "2026-03"},
		aggregatedomain.Delta{CallMinutes: 42, CallCount: 4}))

	result, err := f.svc.RecomputeMonth(ctx, tenantID, "2026-03")
	require.NoError(t, err)
	assert.Equal(t, 0, result.Events)

	rows, err := f.aggregates.ListMonthly(ctx, tenantID, "2026-03")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(0), rows[0].CallMinutes)
	assert.Equal(t, int64(0), rows[0].CallCount)
}

func TestRecomputeMonthIdempotent(t *testing.T) {
	f := newReconcileFixture(t)
	ctx := context.Background()
	tenantID := snowflake.ID(100)
	f.insertCall(t, tenantID, 0, "+15550001111", 5, time.Date(2026, 3, 5, 10, 0, 0, 0, time.UTC))

	_, err := f.svc.RecomputeMonth(ctx, tenantID, "2026-03")
	require.NoError(t, err)
	_, err = f.svc.RecomputeMonth(ctx, tenantID, "2026-03")
	require.NoError(t, err)

	rows, err := f.aggregates.ListMonthly(ctx, tenantID, "2026-03")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(5), rows[0].CallMinutes)
}

func TestRecomputeMonthValidation(t *testing.T) {
	f := newReconcileFixture(t)
	ctx := context.Background()

	_, err := f.svc.RecomputeMonth(ctx, 0, "2026-03")
	assert.ErrorIs(t, err, reconciledomain.ErrInvalidTenant)

	for _, month := range []string{"", "2026", "2026-3", "march", "2026-03-01"} {
		_, err = f.svc.RecomputeMonth(ctx, snowflake.ID(100), month)
		assert.ErrorIs(t, err, reconciledomain.ErrInvalidMonth, month)
	}
}

func TestReportBreakdowns(t *testing.T) {
	f := newReconcileFixture(t)
	ctx := context.Background()
	tenantID := snowflake.ID(100)
	subID := snowflake.ID(7)

	require.NoError(t, f.aggregates.ApplyMonthly(ctx,
		aggregatedomain.MonthlyKey{TenantID: tenantID, SubscriptionID: 0, Month: "2026-03"},
		aggregatedomain.Delta{CallMinutes: 10, OutboundMinutes: 10, CallCount: 2, CallCost: 0.22, Cost: 0.22}))
	require.NoError(t, f.aggregates.ApplyMonthly(ctx,
		aggregatedomain.MonthlyKey{TenantID: tenantID, SubscriptionID: subID, Month: "2026-03"},
		aggregatedomain.Delta{CallMinutes: 4, InboundMinutes: 4, CallCount: 1, SMSCount: 3,
			CallCost: 0.048, SMSCost: 0.0237, Cost: 0.0717}))

	require.NoError(t, f.aggregates.ApplyDaily(ctx,
		aggregatedomain.DailyKey{TenantID: tenantID, RentalID: 1, PhoneNumber: "+15550001111", Date: "2026-03-05"},
		aggregatedomain.Delta{CallMinutes: 10, CallCount: 2}))
	require.NoError(t, f.aggregates.ApplyDaily(ctx,
		aggregatedomain.DailyKey{TenantID: tenantID, RentalID: 2, PhoneNumber: "+15550002222", Date: "2026-03-06"},
		aggregatedomain.Delta{CallMinutes: 4, CallCount: 1, SMSCount: 3}))

	report, err := f.svc.Report(ctx, tenantID, "2026-03")
	require.NoError(t, err)

	assert.Equal(t, "2026-03", report.Month)
	assert.Equal(t, int64(14), report.Summary.TotalMinutes)
	assert.Equal(t, int64(10), report.Summary.OutboundMinutes)
	assert.Equal(t, int64(4), report.Summary.InboundMinutes)
	assert.Equal(t, int64(3), report.Summary.CallCount)
	assert.Equal(t, int64(3), report.Summary.SMSCount)
	assert.InDelta(t, 0.2917, report.Summary.TotalCost, 1e-9)

	require.Len(t, report.Subscriptions, 2)
	assert.Equal(t, "", report.Subscriptions[0].SubscriptionID)
	assert.Equal(t, subID.String(), report.Subscriptions[1].SubscriptionID)

	require.Len(t, report.PhoneNumbers, 2)
	assert.Equal(t, "+15550001111", report.PhoneNumbers[0].PhoneNumber)
	assert.Equal(t, int64(10), report.PhoneNumbers[0].Minutes)

	require.Len(t, report.Daily, 2)
	assert.Equal(t, "2026-03-05", report.Daily[0].Date)
	assert.Equal(t, "2026-03-06", report.Daily[1].Date)
}

func TestRecomputeMonthDerivesOverage(t *testing.T) {
	f := newReconcileFixture(t)
	ctx := context.Background()
	tenantID := snowflake.ID(100)
	subID := snowflake.ID(7)
	march := time.Date(2026, 3, 5, 10, 0, 0, 0, time.UTC)

	// 520 minutes against the starter cap of 500.
	f.insertCall(t, tenantID, subID, "+15550001111", 260, march)
	f.insertCall(t, tenantID, subID, "+15550001111", 260, march.Add(24*time.Hour))

	_, err := f.svc.RecomputeMonth(ctx, tenantID, "2026-03")
	require.NoError(t, err)

	rows, err := f.aggregates.ListMonthly(ctx, tenantID, "2026-03")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(520), rows[0].CallMinutes)
	assert.Equal(t, int64(500), rows[0].PackageMonthlyMinutes)
	assert.Equal(t, int64(20), rows[0].OverageMinutes)
	assert.InDelta(t, 20*0.03, rows[0].OverageCost, 1e-9)
	assert.InDelta(t, 520*0.022, rows[0].TotalCost, 1e-9)

	report, err := f.svc.Report(ctx, tenantID, "2026-03")
	require.NoError(t, err)
	assert.Equal(t, int64(20), report.Summary.OverageMinutes)
	assert.InDelta(t, 0.6, report.Summary.OverageCost, 1e-9)
	require.Len(t, report.Subscriptions, 1)
	assert.Equal(t, int64(20), report.Subscriptions[0].OverageMinutes)
	assert.InDelta(t, 0.6, report.Subscriptions[0].OverageCost, 1e-9)
}

func TestReportEmptyMonth(t *testing.T) {
	f := newReconcileFixture(t)

	report, err := f.svc.Report(context.Background(), snowflake.ID(100), "2026-01")
	require.NoError(t, err)
	assert.Equal(t, int64(0), report.Summary.TotalMinutes)
	assert.Empty(t, report.Subscriptions)
	assert.Empty(t, report.PhoneNumbers)
	assert.Empty(t, report.Daily)

	_, err = f.svc.Report(context.Background(), snowflake.ID(100), "bad")
	assert.ErrorIs(t, err, reconciledomain.ErrInvalidMonth)
}
