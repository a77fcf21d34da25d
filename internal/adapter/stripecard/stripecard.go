// Package stripecard implements the card-intent rail. Initiate creates a
// manual-capture payment intent, so funds are authorized first and captured
// by an explicit Capture call once the order may settle. Webhook events are
// provider-signed: the signature header carries a timestamp and an
// HMAC-SHA256 over "<timestamp>.<body>" keyed with the webhook secret.
package stripecard

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/yourorg/marketplace-payments/internal/adapter"
	"github.com/yourorg/marketplace-payments/internal/domain"
)

const (
	defaultBaseURL  = "https://api.stripe.com/v1"
	signatureHeader = "Stripe-Signature"
	// signatureTolerance bounds replay of a captured signed payload.
	signatureTolerance = 5 * time.Minute
)

var minorUnits = decimal.NewFromInt(100)

// Config holds the rail credentials.
type Config struct {
	BaseURL       string
	APIKey        string
	WebhookSecret string
	Currency      string
}

// Adapter implements adapter.ProviderAdapter for the card-intent rail.
type Adapter struct {
	httpClient *http.Client
	cfg        Config
	now        func() time.Time
}

func New(cfg Config, client *http.Client) *Adapter {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Currency == "" {
		cfg.Currency = "usd"
	}
	return &Adapter{httpClient: client, cfg: cfg, now: time.Now}
}

func (a *Adapter) Rail() domain.PaymentMethod { return domain.MethodCardIntent }

// postForm sends a form-encoded API call with an idempotency key, the way the
// provider's API expects.
func (a *Adapter) postForm(ctx context.Context, path string, form url.Values) (*http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, nil, fmt.Errorf("stripecard: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Idempotency-Key", uuid.NewString())

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", adapter.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
		return resp, raw, fmt.Errorf("%w: HTTP %d", adapter.ErrProviderUnavailable, resp.StatusCode)
	}
	return resp, raw, nil
}

func (a *Adapter) get(ctx context.Context, path string) (*http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.BaseURL+path, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("stripecard: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", adapter.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= http.StatusInternalServerError {
		return resp, raw, fmt.Errorf("%w: HTTP %d", adapter.ErrProviderUnavailable, resp.StatusCode)
	}
	return resp, raw, nil
}

// paymentIntent is the subset of the provider's intent object we read.
type paymentIntent struct {
	ID               string          `json:"id"`
	Status           string          `json:"status"`
	Amount           decimal.Decimal `json:"amount"`
	AmountReceived   decimal.Decimal `json:"amount_received"`
	LastPaymentError *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

func (pi paymentIntent) normalize(raw []byte) adapter.NormalizedEvent {
	ev := adapter.NormalizedEvent{
		ProviderReference:     pi.ID,
		ProviderTransactionID: pi.ID,
		RawPayload:            raw,
	}
	switch pi.Status {
	case "succeeded":
		ev.Outcome = adapter.OutcomeSucceeded
		ev.SettledAmount = pi.AmountReceived.Div(minorUnits)
	case "canceled":
		ev.Outcome = adapter.OutcomeFailed
		ev.FailureReason = "intent canceled"
	case "requires_payment_method":
		// Reached after a declined confirmation attempt.
		ev.Outcome = adapter.OutcomeFailed
		ev.FailureReason = "payment method declined"
		if pi.LastPaymentError != nil {
			ev.FailureReason = pi.LastPaymentError.Message
		}
	default:
		// processing, requires_action, requires_capture, requires_confirmation
		ev.Outcome = adapter.OutcomePending
	}
	return ev
}

// errorResponse is the provider's API error shape.
type errorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Initiate creates and confirms a manual-capture intent for the order total.
// The intent id is the correlation reference.
func (a *Adapter) Initiate(ctx context.Context, order *domain.Order, params adapter.InitiateParams) (adapter.InitiationResult, error) {
	if params.PaymentMethodID == "" {
		return adapter.InitiationResult{}, fmt.Errorf("%w: payment method id is required", adapter.ErrInvalidParams)
	}

	form := url.Values{}
	form.Set("amount", strconv.FormatInt(order.Total.Mul(minorUnits).IntPart(), 10))
	form.Set("currency", a.cfg.Currency)
	form.Set("payment_method", params.PaymentMethodID)
	form.Set("capture_method", "manual")
	form.Set("confirm", "true")
	form.Set("metadata[order_id]", order.ID)

	resp, raw, err := a.postForm(ctx, "/payment_intents", form)
	if err != nil {
		return adapter.InitiationResult{}, err
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr errorResponse
		_ = json.Unmarshal(raw, &apiErr)
		if apiErr.Error.Type == "card_error" || apiErr.Error.Type == "invalid_request_error" {
			return adapter.InitiationResult{}, fmt.Errorf("%w: %s", adapter.ErrInvalidParams, apiErr.Error.Message)
		}
		return adapter.InitiationResult{}, fmt.Errorf("%w: HTTP %d: %s", adapter.ErrProviderUnavailable, resp.StatusCode, apiErr.Error.Message)
	}

	var pi paymentIntent
	if err := json.Unmarshal(raw, &pi); err != nil {
		return adapter.InitiationResult{}, fmt.Errorf("%w: decode intent: %v", adapter.ErrProviderUnavailable, err)
	}
	if pi.ID == "" {
		return adapter.InitiationResult{}, fmt.Errorf("%w: intent response missing id", adapter.ErrProviderUnavailable)
	}

	return adapter.InitiationResult{
		ProviderReference: pi.ID,
		Flow:              adapter.FlowPoll,
		RawPayload:        raw,
	}, nil
}

// CheckStatus fetches the intent and normalizes its status.
func (a *Adapter) CheckStatus(ctx context.Context, providerReference string) (adapter.NormalizedEvent, error) {
	resp, raw, err := a.get(ctx, "/payment_intents/"+url.PathEscape(providerReference))
	if err != nil {
		return adapter.NormalizedEvent{}, err
	}
	if resp.StatusCode == http.StatusNotFound {
		return adapter.NormalizedEvent{}, adapter.ErrNotFound
	}
	var pi paymentIntent
	if err := json.Unmarshal(raw, &pi); err != nil {
		return adapter.NormalizedEvent{}, fmt.Errorf("%w: decode intent: %v", adapter.ErrProviderUnavailable, err)
	}
	return pi.normalize(raw), nil
}

// verifySignature checks the t/v1 signature scheme against the webhook secret.
func (a *Adapter) verifySignature(body []byte, header http.Header) error {
	sig := header.Get(signatureHeader)
	if sig == "" {
		return fmt.Errorf("%w: missing %s header", adapter.ErrInvalidSignature, signatureHeader)
	}

	var ts int64
	var candidates []string
	for _, part := range strings.Split(sig, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts, _ = strconv.ParseInt(v, 10, 64)
		case "v1":
			candidates = append(candidates, v)
		}
	}
	if ts == 0 || len(candidates) == 0 {
		return fmt.Errorf("%w: unparseable signature header", adapter.ErrInvalidSignature)
	}
	if delta := a.now().Sub(time.Unix(ts, 0)); delta > signatureTolerance || delta < -signatureTolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", adapter.ErrInvalidSignature)
	}

	mac := hmac.New(sha256.New, []byte(a.cfg.WebhookSecret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	for _, c := range candidates {
		if hmac.Equal([]byte(c), []byte(want)) {
			return nil
		}
	}
	return adapter.ErrInvalidSignature
}

// ParseCallback verifies the signed event and normalizes the embedded intent.
func (a *Adapter) ParseCallback(body []byte, header http.Header) (adapter.NormalizedEvent, error) {
	if err := a.verifySignature(body, header); err != nil {
		return adapter.NormalizedEvent{}, err
	}

	var event struct {
		Type string `json:"type"`
		Data struct {
			Object paymentIntent `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &event); err != nil {
		return adapter.NormalizedEvent{}, fmt.Errorf("%w: %v", adapter.ErrMalformed, err)
	}
	if event.Data.Object.ID == "" {
		return adapter.NormalizedEvent{}, fmt.Errorf("%w: event missing intent id", adapter.ErrMalformed)
	}

	ev := event.Data.Object.normalize(body)
	if event.Type == "payment_intent.payment_failed" {
		ev.Outcome = adapter.OutcomeFailed
		if ev.FailureReason == "" {
			ev.FailureReason = event.Type
		}
	}
	return ev, nil
}

// Capture settles the authorized amount on a requires_capture intent.
func (a *Adapter) Capture(ctx context.Context, providerReference string) (adapter.NormalizedEvent, error) {
	resp, raw, err := a.postForm(ctx, "/payment_intents/"+url.PathEscape(providerReference)+"/capture", url.Values{})
	if err != nil {
		return adapter.NormalizedEvent{}, err
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr errorResponse
		_ = json.Unmarshal(raw, &apiErr)
		return adapter.NormalizedEvent{}, fmt.Errorf("%w: %s", adapter.ErrNotCapturable, apiErr.Error.Message)
	}
	var pi paymentIntent
	if err := json.Unmarshal(raw, &pi); err != nil {
		return adapter.NormalizedEvent{}, fmt.Errorf("%w: decode capture response: %v", adapter.ErrProviderUnavailable, err)
	}
	return pi.normalize(raw), nil
}

var _ adapter.ProviderAdapter = (*Adapter)(nil)
