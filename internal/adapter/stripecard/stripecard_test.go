package stripecard

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/marketplace-payments/internal/adapter"
	"github.com/yourorg/marketplace-payments/internal/domain"
)

const testWebhookSecret = "whsec_test123"

func signEvent(body []byte, at time.Time) string {
	mac := hmac.New(sha256.New, []byte(testWebhookSecret))
	fmt.Fprintf(mac, "%d.", at.Unix())
	mac.Write(body)
	return fmt.Sprintf("t=%d,v1=%s", at.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func testOrder(t *testing.T) *domain.Order {
	t.Helper()
	li, err := domain.NewOrderLineItem("", "prod-1", "vendor-1", 1, decimal.RequireFromString("99.99"))
	require.NoError(t, err)
	o, err := domain.NewOrder("user-1", domain.MethodCardIntent, domain.ShippingAddress{}, []domain.OrderLineItem{li})
	require.NoError(t, err)
	return o
}

func newTestAdapter(t *testing.T, handler http.HandlerFunc) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL, APIKey: "sk_test", WebhookSecret: testWebhookSecret}, srv.Client())
}

func TestInitiate(t *testing.T) {
	t.Run("creates a manual-capture intent", func(t *testing.T) {
		ad := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/payment_intents", r.URL.Path)
			require.NoError(t, r.ParseForm())
			assert.Equal(t, "9999", r.PostForm.Get("amount"))
			assert.Equal(t, "manual", r.PostForm.Get("capture_method"))
			assert.NotEmpty(t, r.Header.Get("Idempotency-Key"))
			_ = json.NewEncoder(w).Encode(map[string]any{"id": "pi_123", "status": "requires_capture", "amount": 9999})
		})
		res, err := ad.Initiate(context.Background(), testOrder(t), adapter.InitiateParams{PaymentMethodID: "pm_card_visa"})
		require.NoError(t, err)
		assert.Equal(t, "pi_123", res.ProviderReference)
		assert.Equal(t, adapter.FlowPoll, res.Flow)
	})

	t.Run("card errors are caller errors", func(t *testing.T) {
		ad := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusPaymentRequired)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]string{"type": "card_error", "code": "card_declined", "message": "Your card was declined."},
			})
		})
		_, err := ad.Initiate(context.Background(), testOrder(t), adapter.InitiateParams{PaymentMethodID: "pm_bad"})
		assert.ErrorIs(t, err, adapter.ErrInvalidParams)
	})

	t.Run("requires a payment method", func(t *testing.T) {
		ad := New(Config{}, nil)
		_, err := ad.Initiate(context.Background(), testOrder(t), adapter.InitiateParams{})
		assert.ErrorIs(t, err, adapter.ErrInvalidParams)
	})
}

func TestCheckStatus(t *testing.T) {
	cases := []struct {
		intentStatus string
		outcome      adapter.Outcome
	}{
		{"succeeded", adapter.OutcomeSucceeded},
		{"canceled", adapter.OutcomeFailed},
		{"requires_payment_method", adapter.OutcomeFailed},
		{"requires_capture", adapter.OutcomePending},
		{"processing", adapter.OutcomePending},
	}
	for _, tc := range cases {
		t.Run(tc.intentStatus, func(t *testing.T) {
			ad := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
				_ = json.NewEncoder(w).Encode(map[string]any{
					"id": "pi_123", "status": tc.intentStatus,
					"amount": 9999, "amount_received": 9999,
				})
			})
			ev, err := ad.CheckStatus(context.Background(), "pi_123")
			require.NoError(t, err)
			assert.Equal(t, tc.outcome, ev.Outcome)
		})
	}
}

func TestParseCallback(t *testing.T) {
	ad := New(Config{WebhookSecret: testWebhookSecret}, nil)
	body := []byte(`{"type":"payment_intent.succeeded","data":{"object":{"id":"pi_123","status":"succeeded","amount":9999,"amount_received":9999}}}`)

	t.Run("verified event normalizes", func(t *testing.T) {
		h := http.Header{}
		h.Set("Stripe-Signature", signEvent(body, time.Now()))
		ev, err := ad.ParseCallback(body, h)
		require.NoError(t, err)
		assert.Equal(t, adapter.OutcomeSucceeded, ev.Outcome)
		assert.Equal(t, "pi_123", ev.ProviderReference)
		assert.True(t, ev.SettledAmount.Equal(decimal.RequireFromString("99.99")))
	})

	t.Run("stale timestamp rejected", func(t *testing.T) {
		h := http.Header{}
		h.Set("Stripe-Signature", signEvent(body, time.Now().Add(-time.Hour)))
		_, err := ad.ParseCallback(body, h)
		assert.ErrorIs(t, err, adapter.ErrInvalidSignature)
	})

	t.Run("tampered body rejected", func(t *testing.T) {
		h := http.Header{}
		h.Set("Stripe-Signature", signEvent([]byte("different"), time.Now()))
		_, err := ad.ParseCallback(body, h)
		assert.ErrorIs(t, err, adapter.ErrInvalidSignature)
	})

	t.Run("failed event overrides embedded status", func(t *testing.T) {
		failed := []byte(`{"type":"payment_intent.payment_failed","data":{"object":{"id":"pi_123","status":"requires_capture","amount":9999}}}`)
		h := http.Header{}
		h.Set("Stripe-Signature", signEvent(failed, time.Now()))
		ev, err := ad.ParseCallback(failed, h)
		require.NoError(t, err)
		assert.Equal(t, adapter.OutcomeFailed, ev.Outcome)
	})
}

func TestCapture(t *testing.T) {
	t.Run("capture settles the authorized amount", func(t *testing.T) {
		ad := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/payment_intents/pi_123/capture", r.URL.Path)
			_ = json.NewEncoder(w).Encode(map[string]any{"id": "pi_123", "status": "succeeded", "amount": 9999, "amount_received": 9999})
		})
		ev, err := ad.Capture(context.Background(), "pi_123")
		require.NoError(t, err)
		assert.Equal(t, adapter.OutcomeSucceeded, ev.Outcome)
		assert.True(t, ev.SettledAmount.Equal(decimal.RequireFromString("99.99")))
	})

	t.Run("uncapturable intent", func(t *testing.T) {
		ad := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]string{"type": "invalid_request_error", "message": "intent not capturable"},
			})
		})
		_, err := ad.Capture(context.Background(), "pi_123")
		assert.ErrorIs(t, err, adapter.ErrNotCapturable)
	})
}
