package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	aggregatedomain "github.com/georgmattin/letscoldcall/internal/aggregate/domain"
	"github.com/georgmattin/letscoldcall/internal/clock"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T) (*Store, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&aggregatedomain.DailyUsage{}, &aggregatedomain.MonthlyUsage{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	store := NewStore(StoreParam{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clock.NewFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)),
	})
	return store, db
}

func TestApplyDailyIncrementsOnConflict(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	key := aggregatedomain.DailyKey{
		TenantID:    snowflake.ID(100),
		RentalID:    snowflake.ID(200),
		PhoneNumber: "+15550001111",
		Date:        "2026-03-10",
	}

	require.NoError(t, store.ApplyDaily(ctx, key, aggregatedomain.Delta{
		CallMinutes: 8, OutboundMinutes: 8, CallCount: 1, CallCost: 0.176, Cost: 0.176,
	}))
	require.NoError(t, store.ApplyDaily(ctx, key, aggregatedomain.Delta{
		CallMinutes: 2, InboundMinutes: 2, CallCount: 1, SMSCount: 1,
		CallCost: 0.024, SMSCost: 0.0079, Cost: 0.0319,
	}))

	var rows []aggregatedomain.DailyUsage
	require.NoError(t, db.Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(10), rows[0].CallMinutes)
	assert.Equal(t, int64(8), rows[0].OutboundMinutes)
	assert.Equal(t, int64(2), rows[0].InboundMinutes)
	assert.Equal(t, int64(2), rows[0].CallCount)
	assert.Equal(t, int64(1), rows[0].SMSCount)
	assert.InDelta(t, 0.2, rows[0].CallCost, 1e-9)
	assert.InDelta(t, 0.0079, rows[0].SMSCost, 1e-9)
	// Total is the sum of the per-kind sub-totals, not a compounded column.
	assert.InDelta(t, 0.2079, rows[0].TotalCost, 1e-9)
	assert.Equal(t, "+15550001111", rows[0].PhoneNumber)
}

func TestApplyDailyZeroDeltaWritesNothing(t *testing.T) {
	store, db := newTestStore(t)

	key := aggregatedomain.DailyKey{TenantID: snowflake.ID(100), RentalID: snowflake.ID(200), Date: "2026-03-10"}
	require.NoError(t, store.ApplyDaily(context.Background(), key, aggregatedomain.Delta{}))

	var count int64
	require.NoError(t, db.Model(&aggregatedomain.DailyUsage{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)
}

func TestApplyMonthlyIncrementsOnConflict(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	key := aggregatedomain.MonthlyKey{TenantID: snowflake.ID(100), SubscriptionID: snowflake.ID(7), Month: "2026-03"}
	require.NoError(t, store.ApplyMonthly(ctx, key, aggregatedomain.Delta{CallMinutes: 5, CallCount: 1}))
	require.NoError(t, store.ApplyMonthly(ctx, key, aggregatedomain.Delta{CallMinutes: 3, CallCount: 1, MMSCount: 1}))

	var rows []aggregatedomain.MonthlyUsage
	require.NoError(t, db.Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(8), rows[0].CallMinutes)
	assert.Equal(t, int64(2), rows[0].CallCount)
	assert.Equal(t, int64(1), rows[0].MMSCount)
}

func TestApplyMonthlyRecomputesOverage(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	key := aggregatedomain.MonthlyKey{TenantID: snowflake.ID(100), SubscriptionID: snowflake.ID(7), Month: "2026-03"}
	starter := aggregatedomain.Entitlement{MonthlyMinutes: 500, OverageRate: 0.03}

	require.NoError(t, store.ApplyMonthly(ctx, key, aggregatedomain.Delta{CallMinutes: 480, CallCount: 48}, starter))

	var row aggregatedomain.MonthlyUsage
	require.NoError(t, db.First(&row).Error)
	assert.Equal(t, int64(500), row.PackageMonthlyMinutes)
	assert.Equal(t, int64(0), row.OverageMinutes)
	assert.InDelta(t, 0, row.OverageCost, 1e-9)

	// The increment that crosses the cap derives overage in the same upsert.
	require.NoError(t, store.ApplyMonthly(ctx, key, aggregatedomain.Delta{CallMinutes: 40, CallCount: 4}, starter))

	require.NoError(t, db.First(&row).Error)
	assert.Equal(t, int64(520), row.CallMinutes)
	assert.Equal(t, int64(20), row.OverageMinutes)
	assert.InDelta(t, 0.6, row.OverageCost, 1e-9)
}

func TestApplyMonthlyUnlimitedNeverAccruesOverage(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	key := aggregatedomain.MonthlyKey{TenantID: snowflake.ID(100), SubscriptionID: snowflake.ID(7), Month: "2026-03"}
	unlimited := aggregatedomain.Entitlement{MonthlyMinutes: 999999, OverageRate: 0.03, Unlimited: true}

	require.NoError(t, store.ApplyMonthly(ctx, key, aggregatedomain.Delta{CallMinutes: 5000, CallCount: 500}, unlimited))
	require.NoError(t, store.ApplyMonthly(ctx, key, aggregatedomain.Delta{CallMinutes: 5000, CallCount: 500}, unlimited))

	var row aggregatedomain.MonthlyUsage
	require.NoError(t, db.First(&row).Error)
	assert.Equal(t, int64(10000), row.CallMinutes)
	assert.Equal(t, int64(0), row.OverageMinutes)
	assert.InDelta(t, 0, row.OverageCost, 1e-9)
}

func TestSumMonthlyAcrossSubscriptions(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	tenantID := snowflake.ID(100)

	// Two subscription rows in the same month plus noise in another month and
	// another tenant.
	require.NoError(t, store.ApplyMonthly(ctx, aggregatedomain.MonthlyKey{TenantID: tenantID, SubscriptionID: 0, Month: "2026-03"},
		aggregatedomain.Delta{CallMinutes: 100, CallCount: 10}))
	require.NoError(t, store.ApplyMonthly(ctx, aggregatedomain.MonthlyKey{TenantID: tenantID, SubscriptionID: snowflake.ID(7), Month: "2026-03"},
		aggregatedomain.Delta{CallMinutes: 40, CallCount: 4, SMSCount: 2}))
	require.NoError(t, store.ApplyMonthly(ctx, aggregatedomain.MonthlyKey{TenantID: tenantID, SubscriptionID: snowflake.ID(7), Month: "2026-02"},
		aggregatedomain.Delta{CallMinutes: 999}))
	require.NoError(t, store.ApplyMonthly(ctx, aggregatedomain.MonthlyKey{TenantID: snowflake.ID(999), SubscriptionID: 0, Month: "2026-03"},
		aggregatedomain.Delta{CallMinutes: 500}))

	total, err := store.SumMonthly(ctx, tenantID, "2026-03")
	require.NoError(t, err)
	assert.Equal(t, int64(140), total.CallMinutes)
	assert.Equal(t, int64(14), total.CallCount)
	assert.Equal(t, int64(2), total.SMSCount)
}

func TestSumMonthlyEmptyMonth(t *testing.T) {
	store, _ := newTestStore(t)

	total, err := store.SumMonthly(context.Background(), snowflake.ID(100), "2026-01")
	require.NoError(t, err)
	assert.True(t, total.IsZero())
}

func TestReplaceMonthlyOverwrites(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	key := aggregatedomain.MonthlyKey{TenantID: snowflake.ID(100), SubscriptionID: snowflake.ID(7), Month: "2026-03"}
	require.NoError(t, store.ApplyMonthly(ctx, key, aggregatedomain.Delta{CallMinutes: 50, CallCount: 5}))

	// Recompute assigns absolute totals, replacing whatever drifted.
	require.NoError(t, store.ReplaceMonthly(ctx, key, aggregatedomain.Delta{CallMinutes: 42, CallCount: 4, CallCost: 1.5, Cost: 1.5}))
	require.NoError(t, store.ReplaceMonthly(ctx, key, aggregatedomain.Delta{CallMinutes: 42, CallCount: 4, CallCost: 1.5, Cost: 1.5}))

	var rows []aggregatedomain.MonthlyUsage
	require.NoError(t, db.Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(42), rows[0].CallMinutes)
	assert.Equal(t, int64(4), rows[0].CallCount)
	assert.InDelta(t, 1.5, rows[0].CallCost, 1e-9)
	assert.InDelta(t, 1.5, rows[0].TotalCost, 1e-9)
}

func TestReplaceMonthlyWithEntitlementSetsOverage(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	key := aggregatedomain.MonthlyKey{TenantID: snowflake.ID(100), SubscriptionID: snowflake.ID(7), Month: "2026-03"}
	starter := aggregatedomain.Entitlement{MonthlyMinutes: 500, OverageRate: 0.03}

	require.NoError(t, store.ReplaceMonthly(ctx, key, aggregatedomain.Delta{CallMinutes: 520, CallCount: 52, CallCost: 11.44}, starter))

	var row aggregatedomain.MonthlyUsage
	require.NoError(t, db.First(&row).Error)
	assert.Equal(t, int64(500), row.PackageMonthlyMinutes)
	assert.Equal(t, int64(20), row.OverageMinutes)
	assert.InDelta(t, 0.6, row.OverageCost, 1e-9)
}

func TestListDailyForMonth(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	tenantID := snowflake.ID(100)

	require.NoError(t, store.ApplyDaily(ctx, aggregatedomain.DailyKey{TenantID: tenantID, RentalID: 1, PhoneNumber: "+15550001111", Date: "2026-03-02"},
		aggregatedomain.Delta{CallMinutes: 3, CallCount: 1}))
	require.NoError(t, store.ApplyDaily(ctx, aggregatedomain.DailyKey{TenantID: tenantID, RentalID: 2, PhoneNumber: "+15550002222", Date: "2026-03-01"},
		aggregatedomain.Delta{CallMinutes: 1, CallCount: 1}))
	require.NoError(t, store.ApplyDaily(ctx, aggregatedomain.DailyKey{TenantID: tenantID, RentalID: 1, PhoneNumber: "+15550001111", Date: "2026-04-01"},
		aggregatedomain.Delta{CallMinutes: 9, CallCount: 1}))

	rows, err := store.ListDailyForMonth(ctx, tenantID, "2026-03")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "2026-03-01", rows[0].Date)
	assert.Equal(t, "2026-03-02", rows[1].Date)
}
