package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	usagedomain "github.com/georgmattin/letscoldcall/internal/usage/domain"
	"go.uber.org/zap"
)

// twimlAck is the body telephony providers expect on status callbacks.
const twimlAck = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

// HandleVoiceStatus ingests a voice status callback. The provider retries on
// non-2xx, so ingest failures are logged and acknowledged, never propagated.
func (s *Server) HandleVoiceStatus(c *gin.Context) {
	duration, _ := strconv.Atoi(strings.TrimSpace(c.PostForm("CallDuration")))
	recordingDuration, _ := strconv.Atoi(strings.TrimSpace(c.PostForm("RecordingDuration")))
	event := usagedomain.CallStatusEvent{
		CallSID:          strings.TrimSpace(c.PostForm("CallSid")),
		From:             strings.TrimSpace(c.PostForm("From")),
		To:               strings.TrimSpace(c.PostForm("To")),
		Direction:        strings.TrimSpace(c.PostForm("Direction")),
		Status:           strings.TrimSpace(c.PostForm("CallStatus")),
		DurationSeconds:  duration,
		RecordingURL:     strings.TrimSpace(c.PostForm("RecordingUrl")),
		RecordingSeconds: recordingDuration,
		OccurredAt:       callbackTime(c.PostForm("Timestamp"), s.clock.Now()),
	}
	c.Set("source_event_id", event.CallSID)

	if _, err := s.usageSvc.IngestCallStatus(c.Request.Context(), event); err != nil {
		s.log.Warn("voice status callback dropped",
			zap.String("call_sid", event.CallSID),
			zap.Error(err))
	}

	c.Data(http.StatusOK, "text/xml; charset=utf-8", []byte(twimlAck))
}

// HandleMessageStatus ingests an SMS/MMS status callback.
func (s *Server) HandleMessageStatus(c *gin.Context) {
	segments, _ := strconv.Atoi(strings.TrimSpace(c.PostForm("NumSegments")))
	media, _ := strconv.Atoi(strings.TrimSpace(c.PostForm("NumMedia")))

	kind := usagedomain.KindSMS
	if media > 0 {
		kind = usagedomain.KindMMS
	}

	messageSID := strings.TrimSpace(c.PostForm("MessageSid"))
	if messageSID == "" {
		messageSID = strings.TrimSpace(c.PostForm("SmsSid"))
	}
	status := strings.TrimSpace(c.PostForm("MessageStatus"))
	if status == "" {
		status = strings.TrimSpace(c.PostForm("SmsStatus"))
	}

	event := usagedomain.MessageStatusEvent{
		MessageSID: messageSID,
		From:       strings.TrimSpace(c.PostForm("From")),
		To:         strings.TrimSpace(c.PostForm("To")),
		Status:     status,
		Kind:       kind,
		Segments:   segments,
		OccurredAt: callbackTime(c.PostForm("Timestamp"), s.clock.Now()),
	}
	c.Set("source_event_id", event.MessageSID)

	if _, err := s.usageSvc.IngestMessageStatus(c.Request.Context(), event); err != nil {
		s.log.Warn("message status callback dropped",
			zap.String("message_sid", event.MessageSID),
			zap.Error(err))
	}

	c.Data(http.StatusOK, "text/xml; charset=utf-8", []byte(twimlAck))
}

type clientCallReportRequest struct {
	CallSID         string    `json:"callSid" binding:"required"`
	PhoneNumber     string    `json:"phoneNumber" binding:"required"`
	Direction       string    `json:"direction"`
	DurationSeconds int       `json:"durationSeconds"`
	OccurredAt      time.Time `json:"occurredAt"`
}

type usageSnapshotResponse struct {
	Accepted            bool     `json:"accepted"`
	Duplicate           bool     `json:"duplicate"`
	Minutes             int      `json:"minutes"`
	TotalMonthlyMinutes int64    `json:"totalMonthlyMinutes"`
	RemainingMinutes    any      `json:"remainingMinutes"`
	UsagePercentage     float64  `json:"usagePercentage"`
	HasExceededLimit    bool     `json:"hasExceededLimit"`
	Warnings            []string `json:"warnings"`
}

// ReportClientCall ingests a browser-softphone call report and answers with
// the tenant's post-ingest usage snapshot. The report shares its call SID
// with the provider callback, so whichever lands second is a dedup no-op.
func (s *Server) ReportClientCall(c *gin.Context) {
	var req clientCallReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	c.Set("source_event_id", strings.TrimSpace(req.CallSID))

	occurredAt := req.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = s.clock.Now()
	}

	result, err := s.usageSvc.IngestClientReport(c.Request.Context(), usagedomain.ClientReport{
		CallSID:         req.CallSID,
		PhoneNumber:     req.PhoneNumber,
		Direction:       req.Direction,
		DurationSeconds: req.DurationSeconds,
		OccurredAt:      occurredAt,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	response := usageSnapshotResponse{
		Accepted:  result.Accepted,
		Duplicate: result.Duplicate,
		Minutes:   result.Minutes,
		Warnings:  []string{},
	}

	tenantID, _ := tenantFromRequest(c)
	decision, err := s.entitlementSvc.CheckCallEligibility(c.Request.Context(), tenantID, 1)
	if err != nil {
		// The call is already metered; a failed snapshot read should not
		// fail the report.
		s.log.Warn("usage snapshot unavailable after report", zap.Error(err))
		c.JSON(http.StatusOK, response)
		return
	}

	response.TotalMonthlyMinutes = decision.Used
	response.RemainingMinutes = decision.Remaining
	response.UsagePercentage = decision.UsagePercentage
	response.HasExceededLimit = !decision.Allowed
	response.Warnings = usageWarnings(decision.UsagePercentage, decision.Allowed, decision.Remaining.Unlimited)

	c.JSON(http.StatusOK, response)
}

// ListUsage returns the tenant's usage events, newest first, cursor paginated.
func (s *Server) ListUsage(c *gin.Context) {
	pageSize, _ := strconv.Atoi(strings.TrimSpace(c.Query("pageSize")))

	resp, err := s.usageSvc.List(c.Request.Context(), usagedomain.ListUsageRequest{
		Kind:      usagedomain.Kind(strings.TrimSpace(c.Query("kind"))),
		PageToken: strings.TrimSpace(c.Query("pageToken")),
		PageSize:  pageSize,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"usageEvents": resp.UsageEvents,
		"pageInfo":    resp.PageInfo,
	})
}

func callbackTime(raw string, fallback time.Time) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	// Twilio sends RFC1123Z timestamps on status callbacks.
	if parsed, err := time.Parse(time.RFC1123Z, raw); err == nil {
		return parsed.UTC()
	}
	if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
		return parsed.UTC()
	}
	return fallback
}

func usageWarnings(pct float64, allowed, unlimited bool) []string {
	if unlimited {
		return []string{}
	}
	warnings := []string{}
	if pct >= 100 || !allowed {
		warnings = append(warnings, "limit_reached")
	} else if pct >= 80 {
		warnings = append(warnings, "approaching_limit")
	}
	return warnings
}
