package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/georgmattin/letscoldcall/internal/clock"
	paymentdomain "github.com/georgmattin/letscoldcall/internal/payment/domain"
	rentaldomain "github.com/georgmattin/letscoldcall/internal/rental/domain"
	subscriptiondomain "github.com/georgmattin/letscoldcall/internal/subscription/domain"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fakeAdapter struct {
	verifyErr error
	parseErr  error
	event     *paymentdomain.Event
}

func (a *fakeAdapter) Provider() string { return "stripe" }

func (a *fakeAdapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	return a.verifyErr
}

func (a *fakeAdapter) Parse(ctx context.Context, payload []byte) (*paymentdomain.Event, error) {
	if a.parseErr != nil {
		return nil, a.parseErr
	}
	return a.event, nil
}

type recordingSubService struct {
	processed  []subscriptiondomain.Event
	marked     map[string]subscriptiondomain.Status
	mirror     map[string]*subscriptiondomain.Subscription
	processErr error
}

func newRecordingSubService() *recordingSubService {
	return &recordingSubService{
		marked: map[string]subscriptiondomain.Status{},
		mirror: map[string]*subscriptiondomain.Subscription{},
	}
}

func (s *recordingSubService) ActiveDefault(ctx context.Context, tenantID snowflake.ID) (subscriptiondomain.ActiveResult, error) {
	return subscriptiondomain.ActiveResult{PlanCode: "starter", IsDefault: true}, nil
}

func (s *recordingSubService) ProcessEvent(ctx context.Context, event subscriptiondomain.Event) error {
	if s.processErr != nil {
		return s.processErr
	}
	s.processed = append(s.processed, event)
	return nil
}

func (s *recordingSubService) MarkStatusByExternalID(ctx context.Context, externalID string, status subscriptiondomain.Status) error {
	s.marked[externalID] = status
	return nil
}

func (s *recordingSubService) GetByExternalID(ctx context.Context, externalID string) (*subscriptiondomain.Subscription, error) {
	return s.mirror[externalID], nil
}

type recordingRentalService struct {
	suspended   []snowflake.ID
	reactivated []snowflake.ID
	cancelled   []snowflake.ID
}

func (s *recordingRentalService) SuspendBySubscription(ctx context.Context, subscriptionID snowflake.ID) (int64, error) {
	s.suspended = append(s.suspended, subscriptionID)
	return 1, nil
}

func (s *recordingRentalService) ReactivateBySubscription(ctx context.Context, subscriptionID snowflake.ID) (int64, error) {
	s.reactivated = append(s.reactivated, subscriptionID)
	return 1, nil
}

func (s *recordingRentalService) CancelBySubscription(ctx context.Context, subscriptionID snowflake.ID) (int64, error) {
	s.cancelled = append(s.cancelled, subscriptionID)
	return 1, nil
}

func (s *recordingRentalService) Reserve(ctx context.Context, req rentaldomain.ReserveRequest) (*rentaldomain.NumberRental, error) {
	return nil, nil
}

func (s *recordingRentalService) Provision(ctx context.Context, req rentaldomain.ProvisionRequest) (*rentaldomain.NumberRental, error) {
	return nil, nil
}

func (s *recordingRentalService) Cancel(ctx context.Context, tenantID, rentalID snowflake.ID) (*rentaldomain.NumberRental, error) {
	return nil, nil
}

func (s *recordingRentalService) ExpireReservations(ctx context.Context, limit int) (int64, error) {
	return 0, nil
}

func (s *recordingRentalService) RecoverIntents(ctx context.Context, limit int) (int64, error) {
	return 0, nil
}

func (s *recordingRentalService) FindActiveByNumber(ctx context.Context, phoneNumber string) (*rentaldomain.NumberRental, error) {
	return nil, rentaldomain.ErrRentalNotFound
}

func (s *recordingRentalService) TouchUsage(ctx context.Context, rentalID snowflake.ID, usedAt time.Time, calls, messages int64) error {
	return nil
}

func (s *recordingRentalService) List(ctx context.Context, tenantID snowflake.ID) ([]rentaldomain.RentalView, error) {
	return nil, nil
}

func (s *recordingRentalService) Get(ctx context.Context, tenantID, rentalID snowflake.ID) (*rentaldomain.RentalView, error) {
	return nil, nil
}

type webhookFixture struct {
	svc     *Service
	db      *gorm.DB
	adapter *fakeAdapter
	subs    *recordingSubService
	rentals *recordingRentalService
}

func newWebhookFixture(t *testing.T) *webhookFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&paymentdomain.WebhookEvent{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	adapter := &fakeAdapter{}
	subs := newRecordingSubService()
	rentals := &recordingRentalService{}

	svc := NewService(ServiceParam{
		DB:        db,
		Log:       zap.NewNop(),
		GenID:     node,
		Clock:     clock.NewFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)),
		Registry:  paymentdomain.NewRegistry(adapter),
		SubSvc:    subs,
		RentalSvc: rentals,
	})
	return &webhookFixture{svc: svc, db: db, adapter: adapter, subs: subs, rentals: rentals}
}

func (f *webhookFixture) ledger(t *testing.T) []paymentdomain.WebhookEvent {
	t.Helper()
	var rows []paymentdomain.WebhookEvent
	require.NoError(t, f.db.Find(&rows).Error)
	return rows
}

func subscriptionEvent(eventID, status string) *paymentdomain.Event {
	return &paymentdomain.Event{
		Provider:               "stripe",
		ProviderEventID:        eventID,
		Type:                   paymentdomain.EventTypeSubscriptionUpdated,
		SubscriptionExternalID: "sub_001",
		TenantID:               snowflake.ID(100),
		SubscriptionStatus:     status,
		PriceID:                "price_starter_monthly",
		RawPayload:             []byte(`{}`),
	}
}

func TestHandleUnknownProvider(t *testing.T) {
	f := newWebhookFixture(t)

	err := f.svc.Handle(context.Background(), "paypal", []byte(`{}`), http.Header{})
	assert.ErrorIs(t, err, paymentdomain.ErrUnknownProvider)
}

func TestHandleVerificationFailure(t *testing.T) {
	f := newWebhookFixture(t)
	f.adapter.verifyErr = paymentdomain.ErrInvalidSignature

	err := f.svc.Handle(context.Background(), "stripe", []byte(`{}`), http.Header{})
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidSignature)
	assert.Empty(t, f.ledger(t))
}

func TestHandleIgnoredEventIsQuiet(t *testing.T) {
	f := newWebhookFixture(t)
	f.adapter.parseErr = paymentdomain.ErrEventIgnored

	err := f.svc.Handle(context.Background(), "stripe", []byte(`{}`), http.Header{})
	assert.NoError(t, err)
	assert.Empty(t, f.ledger(t))
}

func TestHandleSubscriptionUpdateDispatches(t *testing.T) {
	f := newWebhookFixture(t)
	f.adapter.event = subscriptionEvent("evt_001", "active")
	f.subs.mirror["sub_001"] = &subscriptiondomain.Subscription{ID: snowflake.ID(7), ExternalID: "sub_001"}

	require.NoError(t, f.svc.Handle(context.Background(), "stripe", []byte(`{}`), http.Header{}))

	require.Len(t, f.subs.processed, 1)
	assert.Equal(t, subscriptiondomain.StatusActive, f.subs.processed[0].Status)
	assert.Equal(t, []snowflake.ID{7}, f.rentals.reactivated)

	rows := f.ledger(t)
	require.Len(t, rows, 1)
	assert.Equal(t, paymentdomain.WebhookStatusProcessed, rows[0].Status)
}

func TestHandleSubscriptionUpdateCarriesRawStatus(t *testing.T) {
	f := newWebhookFixture(t)
	f.adapter.event = subscriptionEvent("evt_006", "Unpaid")
	f.subs.mirror["sub_001"] = &subscriptiondomain.Subscription{ID: snowflake.ID(7), ExternalID: "sub_001"}

	require.NoError(t, f.svc.Handle(context.Background(), "stripe", []byte(`{}`), http.Header{}))

	// The provider wording is preserved next to the internal bucket.
	require.Len(t, f.subs.processed, 1)
	assert.Equal(t, subscriptiondomain.StatusPastDue, f.subs.processed[0].Status)
	assert.Equal(t, "unpaid", f.subs.processed[0].RawStatus)
}

func TestHandleReplayIsNoOp(t *testing.T) {
	f := newWebhookFixture(t)
	f.adapter.event = subscriptionEvent("evt_001", "active")

	require.NoError(t, f.svc.Handle(context.Background(), "stripe", []byte(`{}`), http.Header{}))
	require.NoError(t, f.svc.Handle(context.Background(), "stripe", []byte(`{}`), http.Header{}))

	assert.Len(t, f.subs.processed, 1)
	assert.Len(t, f.ledger(t), 1)
}

func TestHandleFailedEventIsReclaimable(t *testing.T) {
	f := newWebhookFixture(t)
	f.adapter.event = subscriptionEvent("evt_001", "active")
	cause := errors.New("mirror write failed")
	f.subs.processErr = cause

	err := f.svc.Handle(context.Background(), "stripe", []byte(`{}`), http.Header{})
	assert.ErrorIs(t, err, cause)

	rows := f.ledger(t)
	require.Len(t, rows, 1)
	assert.Equal(t, paymentdomain.WebhookStatusFailed, rows[0].Status)
	assert.Equal(t, "mirror write failed", rows[0].Error)

	// The retry claims the failed row and processes it.
	f.subs.processErr = nil
	require.NoError(t, f.svc.Handle(context.Background(), "stripe", []byte(`{}`), http.Header{}))

	rows = f.ledger(t)
	require.Len(t, rows, 1)
	assert.Equal(t, paymentdomain.WebhookStatusProcessed, rows[0].Status)
	assert.Empty(t, rows[0].Error)
	assert.Len(t, f.subs.processed, 1)
}

func TestHandlePaymentFailedSuspendsRentals(t *testing.T) {
	f := newWebhookFixture(t)
	f.adapter.event = &paymentdomain.Event{
		Provider:               "stripe",
		ProviderEventID:        "evt_002",
		Type:                   paymentdomain.EventTypePaymentFailed,
		SubscriptionExternalID: "sub_001",
		Amount:                 4900,
		RawPayload:             []byte(`{}`),
	}
	f.subs.mirror["sub_001"] = &subscriptiondomain.Subscription{ID: snowflake.ID(7), ExternalID: "sub_001"}

	require.NoError(t, f.svc.Handle(context.Background(), "stripe", []byte(`{}`), http.Header{}))

	assert.Equal(t, subscriptiondomain.StatusPastDue, f.subs.marked["sub_001"])
	assert.Equal(t, []snowflake.ID{7}, f.rentals.suspended)
}

func TestHandlePaymentSucceededReactivates(t *testing.T) {
	f := newWebhookFixture(t)
	f.adapter.event = &paymentdomain.Event{
		Provider:               "stripe",
		ProviderEventID:        "evt_003",
		Type:                   paymentdomain.EventTypePaymentSucceeded,
		SubscriptionExternalID: "sub_001",
		RawPayload:             []byte(`{}`),
	}
	f.subs.mirror["sub_001"] = &subscriptiondomain.Subscription{ID: snowflake.ID(7), ExternalID: "sub_001"}

	require.NoError(t, f.svc.Handle(context.Background(), "stripe", []byte(`{}`), http.Header{}))

	assert.Equal(t, subscriptiondomain.StatusActive, f.subs.marked["sub_001"])
	assert.Equal(t, []snowflake.ID{7}, f.rentals.reactivated)
}

func TestHandleSubscriptionDeletedCancelsRentals(t *testing.T) {
	f := newWebhookFixture(t)
	event := subscriptionEvent("evt_004", "canceled")
	event.Type = paymentdomain.EventTypeSubscriptionDeleted
	f.adapter.event = event
	f.subs.mirror["sub_001"] = &subscriptiondomain.Subscription{ID: snowflake.ID(7), ExternalID: "sub_001"}

	require.NoError(t, f.svc.Handle(context.Background(), "stripe", []byte(`{}`), http.Header{}))

	require.Len(t, f.subs.processed, 1)
	assert.Equal(t, subscriptiondomain.StatusCanceled, f.subs.processed[0].Status)
	assert.Equal(t, []snowflake.ID{7}, f.rentals.cancelled)
}

func TestHandlePaymentOutcomeForUnknownSubscription(t *testing.T) {
	// No mirror row: status mark is a no-op and no rentals are touched.
	f := newWebhookFixture(t)
	f.adapter.event = &paymentdomain.Event{
		Provider:               "stripe",
		ProviderEventID:        "evt_005",
		Type:                   paymentdomain.EventTypePaymentSucceeded,
		SubscriptionExternalID: "sub_unknown",
		RawPayload:             []byte(`{}`),
	}

	require.NoError(t, f.svc.Handle(context.Background(), "stripe", []byte(`{}`), http.Header{}))
	assert.Empty(t, f.rentals.reactivated)
}
