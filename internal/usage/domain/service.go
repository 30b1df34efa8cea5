package domain

import (
	"context"
	"time"

	"github.com/georgmattin/letscoldcall/pkg/db/pagination"
)

// CallStatusEvent is a provider voice status callback after normalization of
// the transport encoding.
type CallStatusEvent struct {
	CallSID          string
	From             string
	To               string
	Direction        string
	Status           string
	DurationSeconds  int
	RecordingURL     string
	RecordingSeconds int
	OccurredAt       time.Time
}

// MessageStatusEvent is a provider messaging status callback.
type MessageStatusEvent struct {
	MessageSID string
	From       string
	To         string
	Status     string
	Kind       Kind // sms or mms
	Segments   int
	OccurredAt time.Time
}

// ClientReport is a call summary reported by the browser softphone for the
// authenticated tenant. It shares the call SID with the provider callback so
// the dedup ledger counts each call once regardless of which path lands first.
type ClientReport struct {
	CallSID         string
	PhoneNumber     string
	Direction       string
	DurationSeconds int
	OccurredAt      time.Time
}

// IngestResult describes what a single event did to the aggregates.
type IngestResult struct {
	Accepted  bool
	Duplicate bool
	Minutes   int
	Event     *UsageEvent
}

type ListUsageRequest struct {
	Kind      Kind
	PageToken string
	PageSize  int
}

type ListUsageResponse struct {
	UsageEvents []UsageEvent
	PageInfo    pagination.PageInfo
}

// Service ingests metered activity and answers usage queries.
type Service interface {
	IngestCallStatus(ctx context.Context, event CallStatusEvent) (*IngestResult, error)
	IngestMessageStatus(ctx context.Context, event MessageStatusEvent) (*IngestResult, error)
	IngestClientReport(ctx context.Context, report ClientReport) (*IngestResult, error)
	List(ctx context.Context, req ListUsageRequest) (ListUsageResponse, error)
}
