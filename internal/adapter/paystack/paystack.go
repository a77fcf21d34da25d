// Package paystack implements the redirect-wallet rail. Initiate opens a
// transaction and returns an authorization URL the customer's browser is sent
// to; the result arrives via an HMAC-SHA512 signed webhook or an explicit
// verify call. Verify doubles as the capture step for this rail.
package paystack

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/yourorg/marketplace-payments/internal/adapter"
	"github.com/yourorg/marketplace-payments/internal/domain"
)

const defaultBaseURL = "https://api.paystack.co"

// signatureHeader carries the hex HMAC-SHA512 of the raw body, keyed with the
// secret key.
const signatureHeader = "X-Paystack-Signature"

var minorUnits = decimal.NewFromInt(100)

// Config holds the rail credentials.
type Config struct {
	BaseURL     string
	SecretKey   string
	CallbackURL string
}

// Adapter implements adapter.ProviderAdapter for the redirect-wallet rail.
type Adapter struct {
	httpClient *http.Client
	cfg        Config
}

func New(cfg Config, client *http.Client) *Adapter {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	return &Adapter{httpClient: client, cfg: cfg}
}

func (a *Adapter) Rail() domain.PaymentMethod { return domain.MethodRedirectWallet }

func (a *Adapter) do(ctx context.Context, method, path string, payload any) (*http.Response, []byte, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, nil, fmt.Errorf("paystack: marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.cfg.BaseURL+path, body)
	if err != nil {
		return nil, nil, fmt.Errorf("paystack: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.cfg.SecretKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

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

// Initiate opens a transaction in minor units and returns the redirect URL
// plus the provider reference used to correlate the webhook.
func (a *Adapter) Initiate(ctx context.Context, order *domain.Order, params adapter.InitiateParams) (adapter.InitiationResult, error) {
	if params.Email == "" {
		return adapter.InitiationResult{}, fmt.Errorf("%w: email is required", adapter.ErrInvalidParams)
	}

	payload := map[string]any{
		"email":        params.Email,
		"amount":       order.Total.Mul(minorUnits).IntPart(),
		"callback_url": a.cfg.CallbackURL,
		"metadata":     map[string]string{"order_id": order.ID},
	}
	resp, raw, err := a.do(ctx, http.MethodPost, "/transaction/initialize", payload)
	if err != nil {
		return adapter.InitiationResult{}, err
	}

	var initResp struct {
		Status  bool   `json:"status"`
		Message string `json:"message"`
		Data    struct {
			AuthorizationURL string `json:"authorization_url"`
			Reference        string `json:"reference"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &initResp); err != nil {
		return adapter.InitiationResult{}, fmt.Errorf("%w: decode initialize response: %v", adapter.ErrProviderUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK || !initResp.Status || initResp.Data.Reference == "" {
		return adapter.InitiationResult{}, fmt.Errorf("%w: initialize rejected: %s", adapter.ErrInvalidParams, initResp.Message)
	}

	return adapter.InitiationResult{
		ProviderReference: initResp.Data.Reference,
		Flow:              adapter.FlowRedirect,
		RedirectURL:       initResp.Data.AuthorizationURL,
		RawPayload:        raw,
	}, nil
}

// transactionData is the shared shape of verify responses and webhook events.
type transactionData struct {
	ID              int64           `json:"id"`
	Reference       string          `json:"reference"`
	Status          string          `json:"status"`
	Amount          decimal.Decimal `json:"amount"`
	GatewayResponse string          `json:"gateway_response"`
}

func (d transactionData) normalize(raw []byte) adapter.NormalizedEvent {
	ev := adapter.NormalizedEvent{
		ProviderReference:     d.Reference,
		SettledAmount:         d.Amount.Div(minorUnits),
		ProviderTransactionID: fmt.Sprintf("%d", d.ID),
		RawPayload:            raw,
	}
	switch d.Status {
	case "success":
		ev.Outcome = adapter.OutcomeSucceeded
	case "failed", "abandoned", "reversed":
		ev.Outcome = adapter.OutcomeFailed
		ev.FailureReason = d.GatewayResponse
	default:
		// ongoing, pending, queued
		ev.Outcome = adapter.OutcomePending
	}
	return ev
}

// CheckStatus verifies the transaction by reference.
func (a *Adapter) CheckStatus(ctx context.Context, providerReference string) (adapter.NormalizedEvent, error) {
	resp, raw, err := a.do(ctx, http.MethodGet, "/transaction/verify/"+providerReference, nil)
	if err != nil {
		return adapter.NormalizedEvent{}, err
	}
	if resp.StatusCode == http.StatusNotFound {
		return adapter.NormalizedEvent{}, adapter.ErrNotFound
	}

	var verifyResp struct {
		Status  bool            `json:"status"`
		Message string          `json:"message"`
		Data    transactionData `json:"data"`
	}
	if err := json.Unmarshal(raw, &verifyResp); err != nil {
		return adapter.NormalizedEvent{}, fmt.Errorf("%w: decode verify response: %v", adapter.ErrProviderUnavailable, err)
	}
	if !verifyResp.Status {
		return adapter.NormalizedEvent{}, fmt.Errorf("%w: verify rejected: %s", adapter.ErrProviderUnavailable, verifyResp.Message)
	}
	return verifyResp.Data.normalize(raw), nil
}

// VerifySignature checks the webhook HMAC before the payload is trusted.
func (a *Adapter) VerifySignature(body []byte, header http.Header) error {
	got := header.Get(signatureHeader)
	if got == "" {
		return fmt.Errorf("%w: missing %s header", adapter.ErrInvalidSignature, signatureHeader)
	}
	mac := hmac.New(sha512.New, []byte(a.cfg.SecretKey))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(got), []byte(want)) {
		return adapter.ErrInvalidSignature
	}
	return nil
}

// ParseCallback verifies the webhook signature and normalizes the event. An
// unverified payload is never interpreted.
func (a *Adapter) ParseCallback(body []byte, header http.Header) (adapter.NormalizedEvent, error) {
	if err := a.VerifySignature(body, header); err != nil {
		return adapter.NormalizedEvent{}, err
	}

	var event struct {
		Event string          `json:"event"`
		Data  transactionData `json:"data"`
	}
	if err := json.Unmarshal(body, &event); err != nil {
		return adapter.NormalizedEvent{}, fmt.Errorf("%w: %v", adapter.ErrMalformed, err)
	}
	if event.Data.Reference == "" {
		return adapter.NormalizedEvent{}, fmt.Errorf("%w: missing transaction reference", adapter.ErrMalformed)
	}

	ev := event.Data.normalize(body)
	// The event name is authoritative over the embedded status for failures.
	if event.Event == "charge.failed" {
		ev.Outcome = adapter.OutcomeFailed
		if ev.FailureReason == "" {
			ev.FailureReason = event.Event
		}
	}
	return ev, nil
}

// Capture settles an approved transaction. For this rail the verify call is
// the capture: the wallet moves funds at approval and verify confirms the
// settled amount.
func (a *Adapter) Capture(ctx context.Context, providerReference string) (adapter.NormalizedEvent, error) {
	ev, err := a.CheckStatus(ctx, providerReference)
	if err != nil {
		return adapter.NormalizedEvent{}, err
	}
	if ev.Outcome == adapter.OutcomePending {
		return adapter.NormalizedEvent{}, fmt.Errorf("%w: transaction %s not yet approved", adapter.ErrNotCapturable, providerReference)
	}
	return ev, nil
}

var _ adapter.ProviderAdapter = (*Adapter)(nil)
