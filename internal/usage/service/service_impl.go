package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	aggregatedomain "github.com/georgmattin/letscoldcall/internal/aggregate/domain"
	aggregateservice "github.com/georgmattin/letscoldcall/internal/aggregate/service"
	"github.com/georgmattin/letscoldcall/internal/clock"
	"github.com/georgmattin/letscoldcall/internal/config"
	entitlementdomain "github.com/georgmattin/letscoldcall/internal/entitlement/domain"
	obsmetrics "github.com/georgmattin/letscoldcall/internal/observability/metrics"
	rentaldomain "github.com/georgmattin/letscoldcall/internal/rental/domain"
	subscriptiondomain "github.com/georgmattin/letscoldcall/internal/subscription/domain"
	"github.com/georgmattin/letscoldcall/internal/tenantctx"
	usagedomain "github.com/georgmattin/letscoldcall/internal/usage/domain"
	"github.com/georgmattin/letscoldcall/pkg/db/option"
	"github.com/georgmattin/letscoldcall/pkg/db/pagination"
	"github.com/georgmattin/letscoldcall/pkg/repository"
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
	Rates      *config.RateTableHolder
	RentalSvc  rentaldomain.Service
	SubSvc     subscriptiondomain.Service
	Aggregates *aggregateservice.Store
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock

	rates      *config.RateTableHolder
	rentalSvc  rentaldomain.Service
	subSvc     subscriptiondomain.Service
	aggregates *aggregateservice.Store
	usagerepo  repository.Repository[usagedomain.UsageEvent]
	obsMetrics *obsmetrics.Metrics
}

func NewService(p ServiceParam) usagedomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("usage.service"),
		genID: p.GenID,
		clock: p.Clock,

		rates:      p.Rates,
		rentalSvc:  p.RentalSvc,
		subSvc:     p.SubSvc,
		aggregates: p.Aggregates,
		usagerepo:  repository.ProvideStore[usagedomain.UsageEvent](p.DB),
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) IngestCallStatus(ctx context.Context, event usagedomain.CallStatusEvent) (*usagedomain.IngestResult, error) {
	callSID := strings.TrimSpace(event.CallSID)
	if callSID == "" {
		return nil, usagedomain.ErrInvalidEvent
	}
	if event.DurationSeconds < 0 {
		return nil, usagedomain.ErrInvalidDuration
	}
	if !usagedomain.IsTerminalCallStatus(event.Status) {
		// Interim callback. Acknowledge and wait for the terminal one.
		return &usagedomain.IngestResult{}, nil
	}

	direction := usagedomain.NormalizeDirection(event.Direction)
	if direction == "" {
		return nil, usagedomain.ErrInvalidDirection
	}

	number := s.resolveTenantLeg(direction, event.From, event.To)
	rental, err := s.lookupRental(ctx, number)
	if err != nil {
		return nil, err
	}
	if rental == nil {
		// Not a number we rent. Callbacks for foreign numbers are dropped.
		s.log.Debug("dropping call event for unknown number",
			zap.String("call_sid", callSID),
			zap.String("number", number))
		return &usagedomain.IngestResult{}, nil
	}

	minutes := usagedomain.CallMinutes(event.DurationSeconds)
	occurredAt := s.occurredAt(event.OccurredAt)

	record := usagedomain.UsageEvent{
		TenantID:      rental.TenantID,
		RentalID:      rental.ID,
		SourceEventID: callSID,
		Kind:          usagedomain.KindCall,
		Direction:     direction,
		PhoneNumber:   rental.PhoneNumber,
		Counterparty:  counterparty(direction, event.From, event.To),
		Seconds:       event.DurationSeconds,
		Minutes:       minutes,
		Status:        strings.ToLower(strings.TrimSpace(event.Status)),
		RecordedAt:    occurredAt,
	}
	result, err := s.process(ctx, record)
	if err != nil {
		return nil, err
	}

	s.ingestRecording(ctx, event, rental, direction, occurredAt)
	return result, nil
}

// ingestRecording meters the call recording delivered on the same terminal
// callback. It shares the call SID with the call event; the ledger keys on
// (source_event_id, kind), so each bills at most once. A recording failure
// never fails the call ingest that already committed.
func (s *Service) ingestRecording(ctx context.Context, event usagedomain.CallStatusEvent, rental *rentaldomain.NumberRental, direction usagedomain.Direction, occurredAt time.Time) {
	recordingURL := strings.TrimSpace(event.RecordingURL)
	if recordingURL == "" || event.RecordingSeconds <= 0 {
		return
	}

	record := usagedomain.UsageEvent{
		TenantID:      rental.TenantID,
		RentalID:      rental.ID,
		SourceEventID: strings.TrimSpace(event.CallSID),
		Kind:          usagedomain.KindRecording,
		Direction:     direction,
		PhoneNumber:   rental.PhoneNumber,
		Counterparty:  counterparty(direction, event.From, event.To),
		Seconds:       event.RecordingSeconds,
		Minutes:       usagedomain.CallMinutes(event.RecordingSeconds),
		Status:        strings.ToLower(strings.TrimSpace(event.Status)),
		RecordedAt:    occurredAt,
		Metadata:      datatypes.JSONMap{"recording_url": recordingURL},
	}
	if _, err := s.process(ctx, record); err != nil {
		s.log.Warn("failed to meter call recording",
			zap.String("call_sid", record.SourceEventID),
			zap.Error(err))
	}
}

func (s *Service) IngestMessageStatus(ctx context.Context, event usagedomain.MessageStatusEvent) (*usagedomain.IngestResult, error) {
	messageSID := strings.TrimSpace(event.MessageSID)
	if messageSID == "" {
		return nil, usagedomain.ErrInvalidEvent
	}
	kind := event.Kind
	if kind != usagedomain.KindSMS && kind != usagedomain.KindMMS {
		return nil, usagedomain.ErrInvalidEvent
	}
	if !usagedomain.IsTerminalMessageStatus(event.Status) {
		return &usagedomain.IngestResult{}, nil
	}

	// Messages only flow outbound from rented numbers; inbound delivery
	// receipts carry the rental in To.
	direction := usagedomain.DirectionOutbound
	number := strings.TrimSpace(event.From)
	if usagedomain.IsClientAddress(number) || number == "" {
		number = strings.TrimSpace(event.To)
		direction = usagedomain.DirectionInbound
	}

	rental, err := s.lookupRental(ctx, number)
	if err != nil {
		return nil, err
	}
	if rental == nil {
		// Try the other leg before giving up.
		other := strings.TrimSpace(event.To)
		if direction == usagedomain.DirectionInbound {
			other = strings.TrimSpace(event.From)
		}
		rental, err = s.lookupRental(ctx, other)
		if err != nil {
			return nil, err
		}
		if rental == nil {
			s.log.Debug("dropping message event for unknown number",
				zap.String("message_sid", messageSID))
			return &usagedomain.IngestResult{}, nil
		}
		if direction == usagedomain.DirectionOutbound {
			direction = usagedomain.DirectionInbound
		} else {
			direction = usagedomain.DirectionOutbound
		}
	}

	segments := event.Segments
	if segments <= 0 {
		segments = 1
	}

	record := usagedomain.UsageEvent{
		TenantID:      rental.TenantID,
		RentalID:      rental.ID,
		SourceEventID: messageSID,
		Kind:          kind,
		Direction:     direction,
		PhoneNumber:   rental.PhoneNumber,
		Counterparty:  counterparty(direction, event.From, event.To),
		Segments:      segments,
		Status:        strings.ToLower(strings.TrimSpace(event.Status)),
		RecordedAt:    s.occurredAt(event.OccurredAt),
	}
	return s.process(ctx, record)
}

func (s *Service) IngestClientReport(ctx context.Context, report usagedomain.ClientReport) (*usagedomain.IngestResult, error) {
	tenantID, ok := tenantctx.TenantIDFromContext(ctx)
	if !ok || tenantID == 0 {
		return nil, usagedomain.ErrInvalidTenant
	}
	callSID := strings.TrimSpace(report.CallSID)
	if callSID == "" {
		return nil, usagedomain.ErrInvalidEvent
	}
	if report.DurationSeconds < 0 {
		return nil, usagedomain.ErrInvalidDuration
	}

	direction := usagedomain.NormalizeDirection(report.Direction)
	if direction == "" {
		direction = usagedomain.DirectionOutbound
	}

	rental, err := s.lookupRental(ctx, report.PhoneNumber)
	if err != nil {
		return nil, err
	}
	if rental == nil || rental.TenantID != tenantID {
		return nil, usagedomain.ErrUnknownNumber
	}

	record := usagedomain.UsageEvent{
		TenantID:      tenantID,
		RentalID:      rental.ID,
		SourceEventID: callSID,
		Kind:          usagedomain.KindCall,
		Direction:     direction,
		PhoneNumber:   rental.PhoneNumber,
		Seconds:       report.DurationSeconds,
		Minutes:       usagedomain.CallMinutes(report.DurationSeconds),
		Status:        usagedomain.CallStatusCompleted,
		RecordedAt:    s.occurredAt(report.OccurredAt),
	}
	return s.process(ctx, record)
}

// process writes the dedup ledger entry, the normalized event and the
// aggregate deltas in one transaction. The ledger insert is the idempotency
// gate: when it hits the unique index the whole event is a replay and nothing
// else is written.
func (s *Service) process(ctx context.Context, record usagedomain.UsageEvent) (*usagedomain.IngestResult, error) {
	now := s.clock.Now()
	record.ID = s.genID.Generate()
	record.Cost = s.eventCost(record)
	record.CreatedAt = now
	record.UpdatedAt = now

	active, err := s.subSvc.ActiveDefault(ctx, record.TenantID)
	if err != nil {
		return nil, err
	}
	record.SubscriptionID = active.Subscription.ID

	pkg := entitlementdomain.PackageByCode(active.PlanCode)
	ent := aggregatedomain.Entitlement{
		MonthlyMinutes: pkg.MonthlyCallMinutes,
		OverageRate:    s.rates.Get().OverageMinute,
		Unlimited:      pkg.IsUnlimitedMinutes(),
	}

	delta := usagedomain.EventDelta(record)
	duplicate := false

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ledger := usagedomain.ProcessedEvent{
			ID:            s.genID.Generate(),
			TenantID:      record.TenantID,
			SourceEventID: record.SourceEventID,
			Kind:          record.Kind,
			Minutes:       record.Minutes,
			RecordedAt:    record.RecordedAt,
			CreatedAt:     now,
		}
		result := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "source_event_id"}, {Name: "kind"}},
			DoNothing: true,
		}).Create(&ledger)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			duplicate = true
			return nil
		}

		if err := tx.Create(&record).Error; err != nil {
			return err
		}

		store := s.aggregates.WithTrx(tx)
		if err := store.ApplyDaily(ctx, aggregatedomain.DailyKey{
			TenantID:    record.TenantID,
			RentalID:    record.RentalID,
			PhoneNumber: record.PhoneNumber,
			Date:        usagedomain.DayKey(record.RecordedAt),
		}, delta); err != nil {
			return err
		}
		return store.ApplyMonthly(ctx, aggregatedomain.MonthlyKey{
			TenantID:       record.TenantID,
			SubscriptionID: record.SubscriptionID,
			Month:          usagedomain.MonthKey(record.RecordedAt),
		}, delta, ent)
	})
	if err != nil {
		return nil, err
	}

	if duplicate {
		if s.obsMetrics != nil {
			s.obsMetrics.RecordUsageDuplicate(ctx, string(record.Kind))
		}
		return &usagedomain.IngestResult{Accepted: true, Duplicate: true, Minutes: record.Minutes}, nil
	}

	var calls, messages int64
	switch record.Kind {
	case usagedomain.KindCall:
		calls = 1
	case usagedomain.KindSMS, usagedomain.KindMMS:
		messages = 1
	}
	if err := s.rentalSvc.TouchUsage(ctx, record.RentalID, record.RecordedAt, calls, messages); err != nil {
		s.log.Warn("failed to touch rental usage",
			zap.String("rental_id", record.RentalID.String()),
			zap.Error(err))
	}
	if s.obsMetrics != nil {
		s.obsMetrics.RecordUsageIngest(ctx, string(record.Kind), string(record.Direction))
	}

	return &usagedomain.IngestResult{
		Accepted: true,
		Minutes:  record.Minutes,
		Event:    &record,
	}, nil
}

func (s *Service) List(ctx context.Context, req usagedomain.ListUsageRequest) (usagedomain.ListUsageResponse, error) {
	tenantID, ok := tenantctx.TenantIDFromContext(ctx)
	if !ok || tenantID == 0 {
		return usagedomain.ListUsageResponse{}, usagedomain.ErrInvalidTenant
	}

	filter := &usagedomain.UsageEvent{TenantID: tenantID}
	if req.Kind != "" {
		filter.Kind = req.Kind
	}
	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}

	items, err := s.usagerepo.Find(ctx, filter,
		option.ApplyPagination(pagination.Pagination{
			PageToken: req.PageToken,
			PageSize:  pageSize,
		}),
		option.WithSortBy(option.QuerySortBy{Allow: map[string]bool{"created_at": true}}),
	)
	if err != nil {
		return usagedomain.ListUsageResponse{}, err
	}
	return buildUsageListResponse(items, pageSize), nil
}

func (s *Service) resolveTenantLeg(direction usagedomain.Direction, from, to string) string {
	number := usagedomain.TenantNumber(direction, from, to)
	if usagedomain.IsClientAddress(number) || number == "" {
		// Browser-originated leg. The rented number, if any, is on the
		// other side.
		other := strings.TrimSpace(to)
		if direction == usagedomain.DirectionInbound {
			other = strings.TrimSpace(from)
		}
		if !usagedomain.IsClientAddress(other) {
			return other
		}
		return ""
	}
	return number
}

func (s *Service) lookupRental(ctx context.Context, phoneNumber string) (*rentaldomain.NumberRental, error) {
	phoneNumber = strings.TrimSpace(phoneNumber)
	if phoneNumber == "" || usagedomain.IsClientAddress(phoneNumber) {
		return nil, nil
	}
	rental, err := s.rentalSvc.FindActiveByNumber(ctx, phoneNumber)
	if err != nil {
		if errors.Is(err, rentaldomain.ErrRentalNotFound) || errors.Is(err, rentaldomain.ErrInvalidPhoneNumber) {
			return nil, nil
		}
		return nil, err
	}
	return rental, nil
}

func (s *Service) occurredAt(t time.Time) time.Time {
	if t.IsZero() {
		return s.clock.Now()
	}
	return t.UTC()
}

func (s *Service) eventCost(record usagedomain.UsageEvent) float64 {
	rates := s.rates.Get()
	switch record.Kind {
	case usagedomain.KindCall:
		rate := rates.VoiceMinuteOutbound
		if record.Direction == usagedomain.DirectionInbound {
			rate = rates.VoiceMinuteInbound
		}
		return float64(record.Minutes) * rate
	case usagedomain.KindSMS:
		segments := record.Segments
		if segments <= 0 {
			segments = 1
		}
		return float64(segments) * rates.SMSMessage
	case usagedomain.KindMMS:
		segments := record.Segments
		if segments <= 0 {
			segments = 1
		}
		return float64(segments) * rates.MMSMessage
	case usagedomain.KindRecording:
		return float64(record.Minutes) * rates.RecordingMinute
	default:
		return 0
	}
}

func counterparty(direction usagedomain.Direction, from, to string) string {
	if direction == usagedomain.DirectionOutbound {
		return strings.TrimSpace(to)
	}
	return strings.TrimSpace(from)
}

func buildUsageListResponse(items []*usagedomain.UsageEvent, pageSize int) usagedomain.ListUsageResponse {
	pageInfo := pagination.BuildCursorPageInfo(items, pageSize, func(record *usagedomain.UsageEvent) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        record.ID.String(),
			CreatedAt: record.CreatedAt.Format(time.RFC3339),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if pageInfo != nil && pageInfo.HasMore && len(items) > pageSize {
		items = items[:pageSize]
	}

	records := make([]usagedomain.UsageEvent, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		records = append(records, *item)
	}

	resp := usagedomain.ListUsageResponse{UsageEvents: records}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
	}
	return resp
}
