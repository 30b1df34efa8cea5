// Package stripe implements webhook verification and parsing for Stripe.
package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/georgmattin/letscoldcall/internal/clock"
	paymentdomain "github.com/georgmattin/letscoldcall/internal/payment/domain"
)

type Adapter struct {
	webhookSecret string
	clock         clock.Clock
}

func NewAdapter(webhookSecret string, clk clock.Clock) (*Adapter, error) {
	webhookSecret = strings.TrimSpace(webhookSecret)
	if webhookSecret == "" {
		return nil, paymentdomain.ErrInvalidConfig
	}
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	return &Adapter{webhookSecret: webhookSecret, clock: clk}, nil
}

func (a *Adapter) Provider() string { return "stripe" }

func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	sigHeader := strings.TrimSpace(headers.Get("Stripe-Signature"))
	if sigHeader == "" {
		return paymentdomain.ErrInvalidSignature
	}

	timestamp, signatures, err := parseSignatureHeader(sigHeader)
	if err != nil {
		return paymentdomain.ErrInvalidSignature
	}

	signedPayload := fmt.Sprintf("%s.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(a.webhookSecret))
	_, _ = mac.Write([]byte(signedPayload))
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}
	return paymentdomain.ErrInvalidSignature
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*paymentdomain.Event, error) {
	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	switch strings.TrimSpace(event.Type) {
	case "invoice.payment_succeeded":
		return a.parseInvoice(event, payload, paymentdomain.EventTypePaymentSucceeded)
	case "invoice.payment_failed":
		return a.parseInvoice(event, payload, paymentdomain.EventTypePaymentFailed)
	case "customer.subscription.created":
		return a.parseSubscription(event, payload, paymentdomain.EventTypeSubscriptionCreated)
	case "customer.subscription.updated":
		return a.parseSubscription(event, payload, paymentdomain.EventTypeSubscriptionUpdated)
	case "customer.subscription.deleted":
		return a.parseSubscription(event, payload, paymentdomain.EventTypeSubscriptionDeleted)
	default:
		return nil, paymentdomain.ErrEventIgnored
	}
}

type stripeEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    stripeEventData `json:"data"`
}

type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

type stripeInvoice struct {
	ID           string            `json:"id"`
	Subscription string            `json:"subscription"`
	Customer     string            `json:"customer"`
	AmountPaid   int64             `json:"amount_paid"`
	AmountDue    int64             `json:"amount_due"`
	Currency     string            `json:"currency"`
	Created      int64             `json:"created"`
	Metadata     map[string]string `json:"metadata"`
}

type stripeSubscription struct {
	ID                 string             `json:"id"`
	Customer           string             `json:"customer"`
	Status             string             `json:"status"`
	CancelAtPeriodEnd  bool               `json:"cancel_at_period_end"`
	CurrentPeriodStart int64              `json:"current_period_start"`
	CurrentPeriodEnd   int64              `json:"current_period_end"`
	Created            int64              `json:"created"`
	Metadata           map[string]string  `json:"metadata"`
	Items              stripeItemList     `json:"items"`
	Plan               *stripePlanSummary `json:"plan"`
}

type stripeItemList struct {
	Data []stripeItem `json:"data"`
}

type stripeItem struct {
	Price stripePrice `json:"price"`
}

type stripePrice struct {
	ID       string `json:"id"`
	Product  string `json:"product"`
	Nickname string `json:"nickname"`
}

type stripePlanSummary struct {
	ID       string `json:"id"`
	Product  string `json:"product"`
	Nickname string `json:"nickname"`
}

func (a *Adapter) parseInvoice(event stripeEvent, payload []byte, eventType paymentdomain.EventType) (*paymentdomain.Event, error) {
	var invoice stripeInvoice
	if err := json.Unmarshal(event.Data.Object, &invoice); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(invoice.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}
	// Invoices unrelated to a subscription (one-off charges) don't drive
	// any lifecycle here.
	if strings.TrimSpace(invoice.Subscription) == "" {
		return nil, paymentdomain.ErrEventIgnored
	}

	amount := invoice.AmountPaid
	if eventType == paymentdomain.EventTypePaymentFailed {
		amount = invoice.AmountDue
	}

	return &paymentdomain.Event{
		Provider:               "stripe",
		ProviderEventID:        event.ID,
		Type:                   eventType,
		SubscriptionExternalID: strings.TrimSpace(invoice.Subscription),
		CustomerExternalID:     strings.TrimSpace(invoice.Customer),
		TenantID:               metadataTenantID(invoice.Metadata),
		Amount:                 amount,
		Currency:               strings.ToUpper(strings.TrimSpace(invoice.Currency)),
		OccurredAt:             a.timestamp(invoice.Created, event.Created),
		RawPayload:             payload,
	}, nil
}

func (a *Adapter) parseSubscription(event stripeEvent, payload []byte, eventType paymentdomain.EventType) (*paymentdomain.Event, error) {
	var sub stripeSubscription
	if err := json.Unmarshal(event.Data.Object, &sub); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(sub.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	priceID, productID, planName := planIdentifiers(sub)
	status := strings.ToLower(strings.TrimSpace(sub.Status))
	if eventType == paymentdomain.EventTypeSubscriptionDeleted {
		status = "canceled"
	}

	parsed := &paymentdomain.Event{
		Provider:               "stripe",
		ProviderEventID:        event.ID,
		Type:                   eventType,
		SubscriptionExternalID: strings.TrimSpace(sub.ID),
		CustomerExternalID:     strings.TrimSpace(sub.Customer),
		TenantID:               metadataTenantID(sub.Metadata),
		SubscriptionStatus:     status,
		PriceID:                priceID,
		ProductID:              productID,
		PlanName:               planName,
		CancelAtPeriodEnd:      sub.CancelAtPeriodEnd,
		OccurredAt:             a.timestamp(sub.Created, event.Created),
		RawPayload:             payload,
	}
	if sub.CurrentPeriodStart > 0 {
		start := time.Unix(sub.CurrentPeriodStart, 0).UTC()
		parsed.CurrentPeriodStart = &start
	}
	if sub.CurrentPeriodEnd > 0 {
		end := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
		parsed.CurrentPeriodEnd = &end
	}
	return parsed, nil
}

func planIdentifiers(sub stripeSubscription) (priceID, productID, planName string) {
	if len(sub.Items.Data) > 0 {
		price := sub.Items.Data[0].Price
		priceID = strings.TrimSpace(price.ID)
		productID = strings.TrimSpace(price.Product)
		planName = strings.TrimSpace(price.Nickname)
	}
	if sub.Plan != nil {
		if priceID == "" {
			priceID = strings.TrimSpace(sub.Plan.ID)
		}
		if productID == "" {
			productID = strings.TrimSpace(sub.Plan.Product)
		}
		if planName == "" {
			planName = strings.TrimSpace(sub.Plan.Nickname)
		}
	}
	return priceID, productID, planName
}

func parseSignatureHeader(header string) (string, []string, error) {
	parts := strings.Split(header, ",")
	var timestamp string
	signatures := []string{}
	for _, part := range parts {
		piece := strings.TrimSpace(part)
		if piece == "" {
			continue
		}
		keyValue := strings.SplitN(piece, "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		key := strings.TrimSpace(keyValue[0])
		value := strings.TrimSpace(keyValue[1])
		if key == "t" {
			timestamp = value
		}
		if key == "v1" {
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, errors.New("invalid_signature")
	}
	return timestamp, signatures, nil
}

func (a *Adapter) timestamp(primary, fallback int64) time.Time {
	value := primary
	if value == 0 {
		value = fallback
	}
	if value == 0 {
		return a.clock.Now().UTC()
	}
	return time.Unix(value, 0).UTC()
}

func metadataTenantID(metadata map[string]string) snowflake.ID {
	raw := strings.TrimSpace(metadata["tenant_id"])
	if raw == "" {
		return 0
	}
	id, err := snowflake.ParseString(raw)
	if err != nil {
		return 0
	}
	return id
}
