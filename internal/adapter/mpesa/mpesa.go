// Package mpesa implements the push-payment rail. The provider pushes a
// payment prompt to the customer's phone; our initiate call returns a pending
// CheckoutRequestID and the result arrives later via an unsigned callback or
// a client-driven status poll. Callbacks carry no signature, so the HTTP
// handler above this adapter must always acknowledge the provider regardless
// of parse outcome; the adapter itself only interprets payloads.
package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/yourorg/marketplace-payments/internal/adapter"
	"github.com/yourorg/marketplace-payments/internal/domain"
)

const defaultBaseURL = "https://api.safaricom.co.ke"

// result codes the status query and callback share
const (
	resultCodeSuccess         = 0
	resultCodeCancelledByUser = 1032
)

// errorCodeStillProcessing is returned by the status query while the customer
// has not yet acted on the prompt.
const errorCodeStillProcessing = "500.001.1001"

// Config holds the rail credentials and endpoints.
type Config struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	Shortcode      string
	Passkey        string
	CallbackURL    string
}

// Adapter implements adapter.ProviderAdapter for the push-payment rail.
type Adapter struct {
	httpClient *http.Client
	cfg        Config

	mu          sync.Mutex
	cachedToken string
	tokenExpiry time.Time
}

// New creates a push-payment adapter. A nil client gets a 10s-timeout default,
// matching the provider's own prompt latency budget.
func New(cfg Config, client *http.Client) *Adapter {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	return &Adapter{httpClient: client, cfg: cfg}
}

func (a *Adapter) Rail() domain.PaymentMethod { return domain.MethodPushPayment }

// accessToken fetches and caches the OAuth bearer token.
func (a *Adapter) accessToken(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cachedToken != "" && time.Now().Before(a.tokenExpiry) {
		return a.cachedToken, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		a.cfg.BaseURL+"/oauth/v1/generate?grant_type=client_credentials", nil)
	if err != nil {
		return "", fmt.Errorf("mpesa: build token request: %w", err)
	}
	req.SetBasicAuth(a.cfg.ConsumerKey, a.cfg.ConsumerSecret)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: token request: %v", adapter.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: token request returned HTTP %d", adapter.ErrProviderUnavailable, resp.StatusCode)
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   string `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("%w: decode token response: %v", adapter.ErrProviderUnavailable, err)
	}
	a.cachedToken = tok.AccessToken
	// Tokens last ~1h; refresh a minute early.
	a.tokenExpiry = time.Now().Add(59 * time.Minute)
	return a.cachedToken, nil
}

// password derives the request password for the shortcode at the given time.
func (a *Adapter) password(ts string) string {
	return base64.StdEncoding.EncodeToString([]byte(a.cfg.Shortcode + a.cfg.Passkey + ts))
}

func (a *Adapter) postJSON(ctx context.Context, path string, payload any) (*http.Response, error) {
	token, err := a.accessToken(ctx)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("mpesa: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("mpesa: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", adapter.ErrProviderUnavailable, err)
	}
	return resp, nil
}

// Initiate sends the payment prompt to the customer's phone and returns the
// provider's CheckoutRequestID as the correlation reference. The rail settles
// in whole currency units.
func (a *Adapter) Initiate(ctx context.Context, order *domain.Order, params adapter.InitiateParams) (adapter.InitiationResult, error) {
	phone, err := NormalizePhone(params.Phone)
	if err != nil {
		return adapter.InitiationResult{}, fmt.Errorf("%w: phone %q", adapter.ErrInvalidParams, params.Phone)
	}

	ts := time.Now().Format("20060102150405")
	payload := map[string]any{
		"BusinessShortCode": a.cfg.Shortcode,
		"Password":          a.password(ts),
		"Timestamp":         ts,
		"TransactionType":   "CustomerPayBillOnline",
		"Amount":            order.Total.IntPart(),
		"PartyA":            phone,
		"PartyB":            a.cfg.Shortcode,
		"PhoneNumber":       phone,
		"CallBackURL":       a.cfg.CallbackURL,
		"AccountReference":  order.ID,
		"TransactionDesc":   "Order " + order.ID,
	}

	resp, err := a.postJSON(ctx, "/mpesa/stkpush/v1/processrequest", payload)
	if err != nil {
		return adapter.InitiationResult{}, err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= http.StatusInternalServerError {
		return adapter.InitiationResult{}, fmt.Errorf("%w: push request returned HTTP %d", adapter.ErrProviderUnavailable, resp.StatusCode)
	}

	var pushResp struct {
		CheckoutRequestID   string `json:"CheckoutRequestID"`
		ResponseCode        string `json:"ResponseCode"`
		ResponseDescription string `json:"ResponseDescription"`
		ErrorMessage        string `json:"errorMessage"`
	}
	if err := json.Unmarshal(raw, &pushResp); err != nil {
		return adapter.InitiationResult{}, fmt.Errorf("%w: decode push response: %v", adapter.ErrProviderUnavailable, err)
	}
	if pushResp.ResponseCode != "0" || pushResp.CheckoutRequestID == "" {
		msg := pushResp.ResponseDescription
		if msg == "" {
			msg = pushResp.ErrorMessage
		}
		return adapter.InitiationResult{}, fmt.Errorf("%w: push rejected: %s", adapter.ErrInvalidParams, msg)
	}

	return adapter.InitiationResult{
		ProviderReference: pushResp.CheckoutRequestID,
		Flow:              adapter.FlowPoll,
		RawPayload:        raw,
	}, nil
}

// parseResultCode reads a result code that the provider serializes as a bare
// number in callbacks but as a quoted string in query responses.
func parseResultCode(raw json.RawMessage) (int64, error) {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" || s == "null" {
		return 0, fmt.Errorf("empty result code")
	}
	return strconv.ParseInt(s, 10, 64)
}

// CheckStatus queries the prompt's disposition. The query response reports no
// amount, so a succeeded event from here carries a zero SettledAmount, which
// the coordinator reads as "provider confirmed the requested amount".
func (a *Adapter) CheckStatus(ctx context.Context, providerReference string) (adapter.NormalizedEvent, error) {
	ts := time.Now().Format("20060102150405")
	payload := map[string]any{
		"BusinessShortCode": a.cfg.Shortcode,
		"Password":          a.password(ts),
		"Timestamp":         ts,
		"CheckoutRequestID": providerReference,
	}

	resp, err := a.postJSON(ctx, "/mpesa/stkpushquery/v1/query", payload)
	if err != nil {
		return adapter.NormalizedEvent{}, err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)

	var queryResp struct {
		ResultCode   json.RawMessage `json:"ResultCode"`
		ResultDesc   string          `json:"ResultDesc"`
		ErrorCode    string          `json:"errorCode"`
		ErrorMessage string          `json:"errorMessage"`
	}
	if err := json.Unmarshal(raw, &queryResp); err != nil {
		return adapter.NormalizedEvent{}, fmt.Errorf("%w: decode query response: %v", adapter.ErrProviderUnavailable, err)
	}

	ev := adapter.NormalizedEvent{ProviderReference: providerReference, RawPayload: raw}

	if resp.StatusCode != http.StatusOK {
		switch {
		case queryResp.ErrorCode == errorCodeStillProcessing:
			ev.Outcome = adapter.OutcomePending
			return ev, nil
		case resp.StatusCode == http.StatusNotFound:
			return adapter.NormalizedEvent{}, adapter.ErrNotFound
		default:
			return adapter.NormalizedEvent{}, fmt.Errorf("%w: query returned HTTP %d (%s)", adapter.ErrProviderUnavailable, resp.StatusCode, queryResp.ErrorMessage)
		}
	}

	code, err := parseResultCode(queryResp.ResultCode)
	if err != nil {
		return adapter.NormalizedEvent{}, fmt.Errorf("%w: unparseable ResultCode %s", adapter.ErrMalformed, queryResp.ResultCode)
	}
	switch code {
	case resultCodeSuccess:
		ev.Outcome = adapter.OutcomeSucceeded
	default:
		ev.Outcome = adapter.OutcomeFailed
		ev.FailureReason = fmt.Sprintf("result %d: %s", code, queryResp.ResultDesc)
	}
	return ev, nil
}

// callbackEnvelope is the provider's push result delivery shape.
type callbackEnvelope struct {
	Body struct {
		StkCallback struct {
			CheckoutRequestID string          `json:"CheckoutRequestID"`
			ResultCode        json.RawMessage `json:"ResultCode"`
			ResultDesc        string          `json:"ResultDesc"`
			CallbackMetadata  struct {
				Item []struct {
					Name  string          `json:"Name"`
					Value json.RawMessage `json:"Value"`
				} `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

// ParseCallback interprets the provider's push result. The rail does not sign
// callbacks; trust comes from matching the CheckoutRequestID to an attempt we
// created.
func (a *Adapter) ParseCallback(body []byte, _ http.Header) (adapter.NormalizedEvent, error) {
	var env callbackEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return adapter.NormalizedEvent{}, fmt.Errorf("%w: %v", adapter.ErrMalformed, err)
	}
	cb := env.Body.StkCallback
	if cb.CheckoutRequestID == "" {
		return adapter.NormalizedEvent{}, fmt.Errorf("%w: missing CheckoutRequestID", adapter.ErrMalformed)
	}

	ev := adapter.NormalizedEvent{ProviderReference: cb.CheckoutRequestID, RawPayload: body}

	code, err := parseResultCode(cb.ResultCode)
	if err != nil {
		return adapter.NormalizedEvent{}, fmt.Errorf("%w: unparseable ResultCode %s", adapter.ErrMalformed, cb.ResultCode)
	}
	if code != resultCodeSuccess {
		ev.Outcome = adapter.OutcomeFailed
		ev.FailureReason = fmt.Sprintf("result %d: %s", code, cb.ResultDesc)
		if code == resultCodeCancelledByUser {
			ev.FailureReason = "cancelled by customer"
		}
		return ev, nil
	}

	ev.Outcome = adapter.OutcomeSucceeded
	for _, item := range cb.CallbackMetadata.Item {
		switch item.Name {
		case "Amount":
			var amt decimal.Decimal
			if err := json.Unmarshal(item.Value, &amt); err == nil {
				ev.SettledAmount = amt
			}
		case "MpesaReceiptNumber":
			var receipt string
			if err := json.Unmarshal(item.Value, &receipt); err == nil {
				ev.ProviderTransactionID = receipt
			}
		}
	}
	return ev, nil
}

// Capture is a pass-through: the push rail settles directly at confirmation,
// so capturing just reports the current state.
func (a *Adapter) Capture(ctx context.Context, providerReference string) (adapter.NormalizedEvent, error) {
	return a.CheckStatus(ctx, providerReference)
}

var _ adapter.ProviderAdapter = (*Adapter)(nil)
