package domain

import (
	"strings"
	"time"

	aggregatedomain "github.com/georgmattin/letscoldcall/internal/aggregate/domain"
)

const clientAddressPrefix = "client:"

// Terminal provider statuses. Only these carry a billable outcome; interim
// statuses (queued, ringing, in-progress, sent) are acknowledged and dropped.
const (
	CallStatusCompleted = "completed"
	CallStatusBusy      = "busy"
	CallStatusNoAnswer  = "no-answer"

	MessageStatusDelivered = "delivered"
)

// CallMinutes converts a call duration to billed minutes. Any started minute
// bills as a whole minute, so a one second call costs one minute.
func CallMinutes(durationSeconds int) int {
	if durationSeconds <= 0 {
		return 0
	}
	return (durationSeconds + 59) / 60
}

// IsTerminalCallStatus reports whether a voice callback status is billable.
func IsTerminalCallStatus(status string) bool {
	switch normalizeStatus(status) {
	case CallStatusCompleted, CallStatusBusy, CallStatusNoAnswer:
		return true
	default:
		return false
	}
}

// IsTerminalMessageStatus reports whether a messaging callback status is billable.
func IsTerminalMessageStatus(status string) bool {
	return normalizeStatus(status) == MessageStatusDelivered
}

// IsClientAddress reports whether the address is a browser softphone leg
// rather than a real phone number.
func IsClientAddress(address string) bool {
	return strings.HasPrefix(strings.TrimSpace(address), clientAddressPrefix)
}

// NormalizeDirection folds provider direction variants into the two legs we
// meter. Twilio reports outbound calls as outbound-api or outbound-dial.
func NormalizeDirection(direction string) Direction {
	value := strings.ToLower(strings.TrimSpace(direction))
	if strings.HasPrefix(value, "outbound") {
		return DirectionOutbound
	}
	if strings.HasPrefix(value, "inbound") {
		return DirectionInbound
	}
	return ""
}

// TenantNumber picks the rental-owned leg of the event. Outbound traffic
// originates from the rented number, inbound traffic terminates on it.
func TenantNumber(direction Direction, from, to string) string {
	switch direction {
	case DirectionOutbound:
		return strings.TrimSpace(from)
	case DirectionInbound:
		return strings.TrimSpace(to)
	default:
		return ""
	}
}

// DayKey renders the UTC calendar-day aggregation key.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// MonthKey renders the UTC calendar-month aggregation key.
func MonthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

func normalizeStatus(status string) string {
	return strings.ToLower(strings.TrimSpace(status))
}

// EventDelta derives the rollup increments one accepted event contributes.
// Ingest and monthly reconciliation both go through this so a recompute can
// never disagree with the live counters.
func EventDelta(record UsageEvent) aggregatedomain.Delta {
	delta := aggregatedomain.Delta{Cost: record.Cost}
	switch record.Kind {
	case KindCall:
		delta.CallMinutes = int64(record.Minutes)
		delta.CallCount = 1
		delta.CallCost = record.Cost
		if record.Direction == DirectionInbound {
			delta.InboundMinutes = int64(record.Minutes)
		} else {
			delta.OutboundMinutes = int64(record.Minutes)
		}
	case KindSMS:
		delta.SMSCount = 1
		delta.SMSCost = record.Cost
	case KindMMS:
		delta.MMSCount = 1
		delta.MMSCost = record.Cost
	case KindRecording:
		// Recordings bill by minute but never add to the call minute caps.
		delta.RecordingCost = record.Cost
	}
	return delta
}
