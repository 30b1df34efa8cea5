package telephony

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/georgmattin/letscoldcall/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const defaultRequestTimeout = 10 * time.Second

type httpProvider struct {
	client     *http.Client
	log        *zap.Logger
	baseURL    string
	accountSID string
	authToken  string
	timeout    time.Duration
}

type ProviderParam struct {
	fx.In

	Config config.Config
	Log    *zap.Logger
}

// NewHTTPProvider builds the REST-backed provider client.
func NewHTTPProvider(p ProviderParam) Provider {
	timeout := p.Config.Telephony.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	baseURL := strings.TrimRight(strings.TrimSpace(p.Config.Telephony.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.twilio.com"
	}
	return &httpProvider{
		client:     &http.Client{Timeout: timeout},
		log:        p.Log.Named("telephony.provider"),
		baseURL:    baseURL,
		accountSID: strings.TrimSpace(p.Config.Telephony.AccountSID),
		authToken:  strings.TrimSpace(p.Config.Telephony.AuthToken),
		timeout:    timeout,
	}
}

type numberResource struct {
	SID          string          `json:"sid"`
	PhoneNumber  string          `json:"phone_number"`
	FriendlyName string          `json:"friendly_name"`
	Capabilities map[string]bool `json:"capabilities"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}

func (p *httpProvider) PurchaseNumber(ctx context.Context, phoneNumber string) (*PurchasedNumber, error) {
	phoneNumber = strings.TrimSpace(phoneNumber)
	if phoneNumber == "" {
		return nil, ErrNumberUnavailable
	}

	form := url.Values{}
	form.Set("PhoneNumber", phoneNumber)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/IncomingPhoneNumbers.json", p.baseURL, p.accountSID)
	body, err := p.do(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}

	var resource numberResource
	if err := json.Unmarshal(body, &resource); err != nil {
		return nil, fmt.Errorf("decode purchase response: %w", err)
	}
	if resource.SID == "" {
		return nil, ErrProviderDegraded
	}
	return &PurchasedNumber{
		SID:          resource.SID,
		PhoneNumber:  resource.PhoneNumber,
		FriendlyName: resource.FriendlyName,
		Capabilities: resource.Capabilities,
	}, nil
}

func (p *httpProvider) ReleaseNumber(ctx context.Context, sid string) error {
	sid = strings.TrimSpace(sid)
	if sid == "" {
		return nil
	}
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/IncomingPhoneNumbers/%s.json", p.baseURL, p.accountSID, sid)
	_, err := p.do(ctx, http.MethodDelete, endpoint, nil)
	return err
}

func (p *httpProvider) do(ctx context.Context, method, endpoint string, body io.Reader) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(p.accountSID, p.authToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.log.Warn("provider request failed", zap.String("method", method), zap.Error(err))
		return nil, ErrProviderDegraded
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, ErrProviderDegraded
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return payload, nil
	case resp.StatusCode == http.StatusNotFound:
		// Releasing an already-released number is fine.
		if method == http.MethodDelete {
			return payload, nil
		}
		return nil, ErrNumberUnavailable
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		var detail apiError
		_ = json.Unmarshal(payload, &detail)
		p.log.Warn("provider rejected request",
			zap.Int("status", resp.StatusCode),
			zap.Int("code", detail.Code),
			zap.String("message", detail.Message),
		)
		return nil, ErrNumberUnavailable
	default:
		p.log.Error("provider error", zap.Int("status", resp.StatusCode))
		return nil, ErrProviderDegraded
	}
}

var Module = fx.Module("telephony",
	fx.Provide(NewHTTPProvider),
)
