package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/georgmattin/letscoldcall/internal/clock"
	"github.com/georgmattin/letscoldcall/internal/config"
	rentaldomain "github.com/georgmattin/letscoldcall/internal/rental/domain"
	"github.com/georgmattin/letscoldcall/internal/telephony"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fakeProvider struct {
	purchaseErr error
	releaseErr  error
	purchased   []string
	released    []string
	nextSID     string
}

func (p *fakeProvider) PurchaseNumber(ctx context.Context, phoneNumber string) (*telephony.PurchasedNumber, error) {
	if p.purchaseErr != nil {
		return nil, p.purchaseErr
	}
	p.purchased = append(p.purchased, phoneNumber)
	sid := p.nextSID
	if sid == "" {
		sid = "PN001"
	}
	return &telephony.PurchasedNumber{SID: sid, PhoneNumber: phoneNumber}, nil
}

func (p *fakeProvider) ReleaseNumber(ctx context.Context, sid string) error {
	if p.releaseErr != nil {
		return p.releaseErr
	}
	p.released = append(p.released, sid)
	return nil
}

type rentalFixture struct {
	svc      rentaldomain.Service
	db       *gorm.DB
	clock    *clock.FakeClock
	provider *fakeProvider
	genID    *snowflake.Node
}

func newRentalFixture(t *testing.T) *rentalFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&rentaldomain.NumberRental{}, &rentaldomain.ProvisioningIntent{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fake := clock.NewFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	provider := &fakeProvider{}

	svc := NewService(ServiceParam{
		DB:            db,
		Log:           zap.NewNop(),
		GenID:         node,
		Clock:         fake,
		Config:        config.Config{},
		Provider:      provider,
		ResolverCache: nil,
	})
	return &rentalFixture{svc: svc, db: db, clock: fake, provider: provider, genID: node}
}

func (f *rentalFixture) reserve(t *testing.T, tenantID snowflake.ID, number string) *rentaldomain.NumberRental {
	t.Helper()
	rental, err := f.svc.Reserve(context.Background(), rentaldomain.ReserveRequest{
		TenantID:    tenantID,
		PhoneNumber: number,
	})
	require.NoError(t, err)
	return rental
}

func (f *rentalFixture) loadIntents(t *testing.T, rentalID snowflake.ID) []rentaldomain.ProvisioningIntent {
	t.Helper()
	var intents []rentaldomain.ProvisioningIntent
	require.NoError(t, f.db.Where("rental_id = ?", rentalID).Order("created_at ASC").Find(&intents).Error)
	return intents
}

func TestReserve(t *testing.T) {
	f := newRentalFixture(t)

	rental := f.reserve(t, 100, "+15550001111")
	assert.Equal(t, rentaldomain.StatusReserved, rental.Status)
	require.NotNil(t, rental.ReservationExpiresAt)
	assert.Equal(t, f.clock.Now().Add(15*time.Minute), *rental.ReservationExpiresAt)

	// Another tenant cannot grab a number while it is held.
	_, err := f.svc.Reserve(context.Background(), rentaldomain.ReserveRequest{
		TenantID:    snowflake.ID(200),
		PhoneNumber: "+15550001111",
	})
	assert.ErrorIs(t, err, rentaldomain.ErrNumberTaken)
}

func TestReserveValidation(t *testing.T) {
	f := newRentalFixture(t)
	ctx := context.Background()

	_, err := f.svc.Reserve(ctx, rentaldomain.ReserveRequest{PhoneNumber: "+15550001111"})
	assert.ErrorIs(t, err, rentaldomain.ErrInvalidTenant)

	_, err = f.svc.Reserve(ctx, rentaldomain.ReserveRequest{TenantID: 100, PhoneNumber: "  "})
	assert.ErrorIs(t, err, rentaldomain.ErrInvalidPhoneNumber)
}

func TestProvisionActivates(t *testing.T) {
	f := newRentalFixture(t)
	ctx := context.Background()
	rental := f.reserve(t, 100, "+15550001111")

	activated, err := f.svc.Provision(ctx, rentaldomain.ProvisionRequest{TenantID: 100, RentalID: rental.ID})
	require.NoError(t, err)
	assert.Equal(t, rentaldomain.StatusActive, activated.Status)
	assert.Equal(t, "PN001", activated.ProviderSID)
	require.NotNil(t, activated.ExpiresAt)
	assert.Equal(t, f.clock.Now().Add(30*24*time.Hour), *activated.ExpiresAt)
	assert.Equal(t, []string{"+15550001111"}, f.provider.purchased)

	intents := f.loadIntents(t, rental.ID)
	require.Len(t, intents, 1)
	assert.Equal(t, rentaldomain.IntentCompleted, intents[0].State)
	assert.Equal(t, "PN001", intents[0].ProviderSID)
}

func TestProvisionIdempotentWhenActive(t *testing.T) {
	f := newRentalFixture(t)
	ctx := context.Background()
	rental := f.reserve(t, 100, "+15550001111")

	_, err := f.svc.Provision(ctx, rentaldomain.ProvisionRequest{TenantID: 100, RentalID: rental.ID})
	require.NoError(t, err)

	again, err := f.svc.Provision(ctx, rentaldomain.ProvisionRequest{TenantID: 100, RentalID: rental.ID})
	require.NoError(t, err)
	assert.Equal(t, rentaldomain.StatusActive, again.Status)
	assert.Len(t, f.provider.purchased, 1)
	assert.Len(t, f.loadIntents(t, rental.ID), 1)
}

func TestProvisionPurchaseFailure(t *testing.T) {
	f := newRentalFixture(t)
	ctx := context.Background()
	rental := f.reserve(t, 100, "+15550001111")
	f.provider.purchaseErr = telephony.ErrNumberUnavailable

	_, err := f.svc.Provision(ctx, rentaldomain.ProvisionRequest{TenantID: 100, RentalID: rental.ID})
	assert.ErrorIs(t, err, telephony.ErrNumberUnavailable)

	var stored rentaldomain.NumberRental
	require.NoError(t, f.db.First(&stored, "id = ?", rental.ID).Error)
	assert.Equal(t, rentaldomain.StatusReserved, stored.Status)

	intents := f.loadIntents(t, rental.ID)
	require.Len(t, intents, 1)
	assert.Equal(t, rentaldomain.IntentFailed, intents[0].State)
	assert.Equal(t, "number_unavailable", intents[0].LastError)
}

func TestProvisionExpiredReservation(t *testing.T) {
	f := newRentalFixture(t)
	ctx := context.Background()
	rental := f.reserve(t, 100, "+15550001111")

	f.clock.Advance(16 * time.Minute)
	_, err := f.svc.Provision(ctx, rentaldomain.ProvisionRequest{TenantID: 100, RentalID: rental.ID})
	assert.ErrorIs(t, err, rentaldomain.ErrReservationExpired)

	var stored rentaldomain.NumberRental
	require.NoError(t, f.db.First(&stored, "id = ?", rental.ID).Error)
	assert.Equal(t, rentaldomain.StatusExpired, stored.Status)
	assert.Empty(t, f.provider.purchased)
}

func TestProvisionUnknownRental(t *testing.T) {
	f := newRentalFixture(t)

	_, err := f.svc.Provision(context.Background(), rentaldomain.ProvisionRequest{TenantID: 100, RentalID: 12345})
	assert.ErrorIs(t, err, rentaldomain.ErrRentalNotFound)
}

func TestCancelReleasesNumber(t *testing.T) {
	f := newRentalFixture(t)
	ctx := context.Background()
	rental := f.reserve(t, 100, "+15550001111")
	_, err := f.svc.Provision(ctx, rentaldomain.ProvisionRequest{TenantID: 100, RentalID: rental.ID})
	require.NoError(t, err)

	cancelled, err := f.svc.Cancel(ctx, 100, rental.ID)
	require.NoError(t, err)
	assert.Equal(t, rentaldomain.StatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CancelledAt)
	assert.Equal(t, []string{"PN001"}, f.provider.released)

	// Cancelling again is a no-op, not an error.
	again, err := f.svc.Cancel(ctx, 100, rental.ID)
	require.NoError(t, err)
	assert.Equal(t, rentaldomain.StatusCancelled, again.Status)
	assert.Len(t, f.provider.released, 1)
}

func TestExpireReservations(t *testing.T) {
	f := newRentalFixture(t)
	ctx := context.Background()

	f.reserve(t, 100, "+15550001111")
	f.reserve(t, 100, "+15550002222")
	f.clock.Advance(10 * time.Minute)
	fresh := f.reserve(t, 100, "+15550003333")
	f.clock.Advance(6 * time.Minute)

	expired, err := f.svc.ExpireReservations(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), expired)

	var stored rentaldomain.NumberRental
	require.NoError(t, f.db.First(&stored, "id = ?", fresh.ID).Error)
	assert.Equal(t, rentaldomain.StatusReserved, stored.Status)

	// A second sweep finds nothing.
	expired, err = f.svc.ExpireReservations(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), expired)
}

func TestRecoverIntents(t *testing.T) {
	f := newRentalFixture(t)
	ctx := context.Background()
	now := f.clock.Now()
	stale := now.Add(-10 * time.Minute)

	activeRental := rentaldomain.NumberRental{
		ID: f.genID.Generate(), TenantID: 100, PhoneNumber: "+15550001111",
		Status: rentaldomain.StatusActive, CreatedAt: stale, UpdatedAt: stale,
	}
	reservedRental := rentaldomain.NumberRental{
		ID: f.genID.Generate(), TenantID: 100, PhoneNumber: "+15550002222",
		Status: rentaldomain.StatusReserved, CreatedAt: stale, UpdatedAt: stale,
	}
	require.NoError(t, f.db.Create(&activeRental).Error)
	require.NoError(t, f.db.Create(&reservedRental).Error)

	abandoned := rentaldomain.ProvisioningIntent{
		ID: f.genID.Generate(), TenantID: 100, RentalID: f.genID.Generate(),
		PhoneNumber: "+15550009999", State: rentaldomain.IntentPending,
		Attempts: 1, CreatedAt: stale, UpdatedAt: stale,
	}
	lostUpdate := rentaldomain.ProvisioningIntent{
		ID: f.genID.Generate(), TenantID: 100, RentalID: activeRental.ID,
		PhoneNumber: activeRental.PhoneNumber, ProviderSID: "PN777",
		State: rentaldomain.IntentPurchased, Attempts: 1, CreatedAt: stale, UpdatedAt: stale,
	}
	orphanPurchase := rentaldomain.ProvisioningIntent{
		ID: f.genID.Generate(), TenantID: 100, RentalID: reservedRental.ID,
		PhoneNumber: reservedRental.PhoneNumber, ProviderSID: "PN888",
		State: rentaldomain.IntentPurchased, Attempts: 1, CreatedAt: stale, UpdatedAt: stale,
	}
	exhausted := rentaldomain.ProvisioningIntent{
		ID: f.genID.Generate(), TenantID: 100, RentalID: f.genID.Generate(),
		PhoneNumber: "+15550008888", ProviderSID: "PN999",
		State: rentaldomain.IntentPurchased, Attempts: 3, CreatedAt: stale, UpdatedAt: stale,
	}
	for _, intent := range []*rentaldomain.ProvisioningIntent{&abandoned, &lostUpdate, &orphanPurchase, &exhausted} {
		require.NoError(t, f.db.Create(intent).Error)
	}

	recovered, err := f.svc.RecoverIntents(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(4), recovered)

	states := map[snowflake.ID]rentaldomain.IntentState{}
	var intents []rentaldomain.ProvisioningIntent
	require.NoError(t, f.db.Find(&intents).Error)
	for _, intent := range intents {
		states[intent.ID] = intent.State
	}
	assert.Equal(t, rentaldomain.IntentFailed, states[abandoned.ID])
	assert.Equal(t, rentaldomain.IntentCompleted, states[lostUpdate.ID])
	assert.Equal(t, rentaldomain.IntentCompensated, states[orphanPurchase.ID])
	assert.Equal(t, rentaldomain.IntentFailed, states[exhausted.ID])

	// Only the orphaned purchase gives the number back.
	assert.Equal(t, []string{"PN888"}, f.provider.released)
}

func TestRecoverIntentsReleaseFailureKeepsIntent(t *testing.T) {
	f := newRentalFixture(t)
	ctx := context.Background()
	stale := f.clock.Now().Add(-10 * time.Minute)
	f.provider.releaseErr = errors.New("provider down")

	intent := rentaldomain.ProvisioningIntent{
		ID: f.genID.Generate(), TenantID: 100, RentalID: f.genID.Generate(),
		PhoneNumber: "+15550002222", ProviderSID: "PN888",
		State: rentaldomain.IntentPurchased, Attempts: 1, CreatedAt: stale, UpdatedAt: stale,
	}
	require.NoError(t, f.db.Create(&intent).Error)

	_, err := f.svc.RecoverIntents(ctx, 0)
	require.NoError(t, err)

	var stored rentaldomain.ProvisioningIntent
	require.NoError(t, f.db.First(&stored, "id = ?", intent.ID).Error)
	assert.Equal(t, rentaldomain.IntentPurchased, stored.State)
	assert.Equal(t, 2, stored.Attempts)
	assert.Equal(t, "provider down", stored.LastError)
}

func TestFindActiveByNumber(t *testing.T) {
	f := newRentalFixture(t)
	ctx := context.Background()
	rental := f.reserve(t, 100, "+15550001111")

	// Reserved numbers are not resolvable for metering yet.
	_, err := f.svc.FindActiveByNumber(ctx, "+15550001111")
	assert.ErrorIs(t, err, rentaldomain.ErrRentalNotFound)

	_, err = f.svc.Provision(ctx, rentaldomain.ProvisionRequest{TenantID: 100, RentalID: rental.ID})
	require.NoError(t, err)

	found, err := f.svc.FindActiveByNumber(ctx, " +15550001111 ")
	require.NoError(t, err)
	assert.Equal(t, rental.ID, found.ID)

	_, err = f.svc.FindActiveByNumber(ctx, "")
	assert.ErrorIs(t, err, rentaldomain.ErrInvalidPhoneNumber)
}

func TestTouchUsageMonotonic(t *testing.T) {
	f := newRentalFixture(t)
	ctx := context.Background()
	rental := f.reserve(t, 100, "+15550001111")
	_, err := f.svc.Provision(ctx, rentaldomain.ProvisionRequest{TenantID: 100, RentalID: rental.ID})
	require.NoError(t, err)

	later := f.clock.Now().Add(time.Hour)
	require.NoError(t, f.svc.TouchUsage(ctx, rental.ID, later, 1, 0))

	var stored rentaldomain.NumberRental
	require.NoError(t, f.db.First(&stored, "id = ?", rental.ID).Error)
	require.NotNil(t, stored.LastUsedAt)
	assert.True(t, stored.LastUsedAt.Equal(later))

	// An out-of-order event cannot move the marker backwards, but its counters
	// still land.
	require.NoError(t, f.svc.TouchUsage(ctx, rental.ID, later.Add(-30*time.Minute), 1, 0))
	require.NoError(t, f.db.First(&stored, "id = ?", rental.ID).Error)
	assert.True(t, stored.LastUsedAt.Equal(later))
	assert.Equal(t, int64(2), stored.TotalCalls)
	assert.Equal(t, int64(0), stored.TotalSMS)
}

func TestTouchUsageAccumulatesCounters(t *testing.T) {
	f := newRentalFixture(t)
	ctx := context.Background()
	rental := f.reserve(t, 100, "+15550001111")
	_, err := f.svc.Provision(ctx, rentaldomain.ProvisionRequest{TenantID: 100, RentalID: rental.ID})
	require.NoError(t, err)

	now := f.clock.Now()
	require.NoError(t, f.svc.TouchUsage(ctx, rental.ID, now, 1, 0))
	require.NoError(t, f.svc.TouchUsage(ctx, rental.ID, now.Add(time.Minute), 0, 1))
	require.NoError(t, f.svc.TouchUsage(ctx, rental.ID, now.Add(2*time.Minute), 1, 0))

	var stored rentaldomain.NumberRental
	require.NoError(t, f.db.First(&stored, "id = ?", rental.ID).Error)
	assert.Equal(t, int64(2), stored.TotalCalls)
	assert.Equal(t, int64(1), stored.TotalSMS)
}

func TestListComputesExpiryView(t *testing.T) {
	f := newRentalFixture(t)
	ctx := context.Background()
	rental := f.reserve(t, 100, "+15550001111")
	_, err := f.svc.Provision(ctx, rentaldomain.ProvisionRequest{TenantID: 100, RentalID: rental.ID})
	require.NoError(t, err)

	views, err := f.svc.List(ctx, 100)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, 30, views[0].DaysRemaining)
	assert.False(t, views[0].ExpiringSoon)
	assert.False(t, views[0].Expired)

	// Inside the warning window the listing flags it without touching the row.
	f.clock.Advance(28 * 24 * time.Hour)
	views, err = f.svc.List(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 2, views[0].DaysRemaining)
	assert.True(t, views[0].ExpiringSoon)
	assert.False(t, views[0].Expired)

	f.clock.Advance(3 * 24 * time.Hour)
	view, err := f.svc.Get(ctx, 100, rental.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, view.DaysRemaining)
	assert.False(t, view.ExpiringSoon)
	assert.True(t, view.Expired)
}

func TestSubscriptionDrivenTransitions(t *testing.T) {
	f := newRentalFixture(t)
	ctx := context.Background()
	subID := snowflake.ID(700)

	rental, err := f.svc.Reserve(ctx, rentaldomain.ReserveRequest{
		TenantID: 100, SubscriptionID: subID, PhoneNumber: "+15550001111",
	})
	require.NoError(t, err)
	_, err = f.svc.Provision(ctx, rentaldomain.ProvisionRequest{TenantID: 100, RentalID: rental.ID})
	require.NoError(t, err)

	suspended, err := f.svc.SuspendBySubscription(ctx, subID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), suspended)

	reactivated, err := f.svc.ReactivateBySubscription(ctx, subID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), reactivated)

	cancelled, err := f.svc.CancelBySubscription(ctx, subID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cancelled)
	assert.Equal(t, []string{"PN001"}, f.provider.released)

	// Unknown subscriptions are a quiet no-op.
	none, err := f.svc.SuspendBySubscription(ctx, snowflake.ID(999))
	require.NoError(t, err)
	assert.Equal(t, int64(0), none)
}
