package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/marketplace-payments/internal/adapter"
	"github.com/yourorg/marketplace-payments/internal/adapter/mock"
	"github.com/yourorg/marketplace-payments/internal/domain"
	"github.com/yourorg/marketplace-payments/internal/gateway"
	"github.com/yourorg/marketplace-payments/internal/policy"
	"github.com/yourorg/marketplace-payments/internal/reporting"
	"github.com/yourorg/marketplace-payments/internal/settlement"
	"github.com/yourorg/marketplace-payments/internal/store"
)

type testApp struct {
	*app
	router *gin.Engine
	push   *mock.Adapter
	wallet *mock.Adapter
	card   *mock.Adapter
}

// newTestApp wires the handlers over an in-memory repository and scriptable
// adapters so the HTTP surface can be exercised without provider sandboxes.
func newTestApp(t *testing.T) *testApp {
	t.Helper()
	gin.SetMode(gin.TestMode)

	repo := store.NewMemoryStore()
	coordinator := settlement.NewCoordinator(repo, logPublisher{})

	push := mock.New(domain.MethodPushPayment)
	wallet := mock.New(domain.MethodRedirectWallet)
	card := mock.New(domain.MethodCardIntent)

	enforcer, err := policy.NewEnforcer(policy.DefaultRules())
	require.NoError(t, err)
	gw := gateway.New(repo, coordinator,
		[]adapter.ProviderAdapter{push, wallet, card}, nil, nil, enforcer)

	a := &app{repo: repo, coordinator: coordinator, gateway: gw}
	return &testApp{app: a, router: setupRouter(a), push: push, wallet: wallet, card: card}
}

func (ta *testApp) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ta.router.ServeHTTP(w, req)
	return w
}

func (ta *testApp) createOrder(t *testing.T, method domain.PaymentMethod) *domain.Order {
	t.Helper()
	w := ta.do(t, http.MethodPost, "/orders", map[string]any{
		"user_id":        "user-1",
		"payment_method": method,
		"lines": []map[string]any{
			{"product_id": "prod-1", "vendor_id": "vendor-1", "quantity": 2, "unit_price": "50.00"},
		},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var order domain.Order
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &order))
	return &order
}

func TestHealthz(t *testing.T) {
	ta := newTestApp(t)
	w := ta.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCreateOrder(t *testing.T) {
	ta := newTestApp(t)

	t.Run("creates a pending order", func(t *testing.T) {
		order := ta.createOrder(t, domain.MethodPushPayment)
		assert.Equal(t, domain.OrderPending, order.Status)
		assert.Equal(t, domain.PaymentPending, order.PaymentStatus)
		assert.True(t, order.Total.Equal(decimal.NewFromInt(100)))
	})

	t.Run("rejects a missing user", func(t *testing.T) {
		w := ta.do(t, http.MethodPost, "/orders", map[string]any{
			"payment_method": "push_payment",
			"lines": []map[string]any{
				{"product_id": "p", "vendor_id": "v", "quantity": 1, "unit_price": "1.00"},
			},
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("rejects an unparsable price", func(t *testing.T) {
		w := ta.do(t, http.MethodPost, "/orders", map[string]any{
			"user_id":        "user-1",
			"payment_method": "push_payment",
			"lines": []map[string]any{
				{"product_id": "p", "vendor_id": "v", "quantity": 1, "unit_price": "a lot"},
			},
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestGetOrder(t *testing.T) {
	ta := newTestApp(t)
	order := ta.createOrder(t, domain.MethodPushPayment)

	w := ta.do(t, http.MethodGet, "/orders/"+order.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = ta.do(t, http.MethodGet, "/orders/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStartPayment(t *testing.T) {
	ta := newTestApp(t)
	order := ta.createOrder(t, domain.MethodPushPayment)

	t.Run("accepted", func(t *testing.T) {
		w := ta.do(t, http.MethodPost, "/orders/"+order.ID+"/payments", map[string]any{"phone": "0712345678"})
		require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
		var res gateway.StartPaymentResult
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
		assert.NotEmpty(t, res.ProviderReference)
	})

	t.Run("second start conflicts", func(t *testing.T) {
		w := ta.do(t, http.MethodPost, "/orders/"+order.ID+"/payments", map[string]any{"phone": "0712345678"})
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("provider outage maps to 503", func(t *testing.T) {
		other := ta.createOrder(t, domain.MethodPushPayment)
		ta.push.InitiateFunc = func(ctx context.Context, order *domain.Order, params adapter.InitiateParams) (adapter.InitiationResult, error) {
			return adapter.InitiationResult{}, adapter.ErrProviderUnavailable
		}
		defer func() { ta.push.InitiateFunc = nil }()
		w := ta.do(t, http.MethodPost, "/orders/"+other.ID+"/payments", map[string]any{"phone": "0712345678"})
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})
}

func TestPushPaymentWebhook(t *testing.T) {
	ta := newTestApp(t)
	order := ta.createOrder(t, domain.MethodPushPayment)
	w := ta.do(t, http.MethodPost, "/orders/"+order.ID+"/payments", map[string]any{"phone": "0712345678"})
	require.Equal(t, http.StatusAccepted, w.Code)
	var start gateway.StartPaymentResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &start))

	t.Run("success callback settles the order", func(t *testing.T) {
		ta.push.ParseCallbackFunc = func(body []byte, _ http.Header) (adapter.NormalizedEvent, error) {
			return adapter.NormalizedEvent{
				ProviderReference: start.ProviderReference,
				Outcome:           adapter.OutcomeSucceeded,
				SettledAmount:     decimal.NewFromInt(100),
			}, nil
		}
		w := ta.do(t, http.MethodPost, "/webhooks/push-payment", map[string]any{"Body": map[string]any{}})
		assert.Equal(t, http.StatusOK, w.Code)

		res := ta.do(t, http.MethodGet, "/orders/"+order.ID, nil)
		var got domain.Order
		require.NoError(t, json.Unmarshal(res.Body.Bytes(), &got))
		assert.Equal(t, domain.OrderProcessing, got.Status)
		assert.Equal(t, domain.PaymentCompleted, got.PaymentStatus)
	})

	t.Run("garbage is still acknowledged", func(t *testing.T) {
		ta.push.ParseCallbackFunc = func(body []byte, _ http.Header) (adapter.NormalizedEvent, error) {
			return adapter.NormalizedEvent{}, adapter.ErrMalformed
		}
		w := ta.do(t, http.MethodPost, "/webhooks/push-payment", map[string]any{"unexpected": true})
		assert.Equal(t, http.StatusOK, w.Code, "the push rail retries on any non-200, so the ACK is unconditional")
		assert.Contains(t, w.Body.String(), `"ResultCode":0`)
	})
}

func TestSignedWebhook(t *testing.T) {
	ta := newTestApp(t)
	order := ta.createOrder(t, domain.MethodRedirectWallet)
	w := ta.do(t, http.MethodPost, "/orders/"+order.ID+"/payments", map[string]any{"email": "buyer@example.com"})
	require.Equal(t, http.StatusAccepted, w.Code)
	var start gateway.StartPaymentResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &start))

	t.Run("bad signature is unauthorized", func(t *testing.T) {
		ta.wallet.ParseCallbackFunc = func(body []byte, _ http.Header) (adapter.NormalizedEvent, error) {
			return adapter.NormalizedEvent{}, adapter.ErrInvalidSignature
		}
		w := ta.do(t, http.MethodPost, "/webhooks/redirect-wallet", map[string]any{"event": "charge.success"})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("verified event applies and replays are acknowledged", func(t *testing.T) {
		ta.wallet.ParseCallbackFunc = func(body []byte, _ http.Header) (adapter.NormalizedEvent, error) {
			return adapter.NormalizedEvent{
				ProviderReference: start.ProviderReference,
				Outcome:           adapter.OutcomeSucceeded,
				SettledAmount:     decimal.NewFromInt(100),
			}, nil
		}
		w := ta.do(t, http.MethodPost, "/webhooks/redirect-wallet", map[string]any{"event": "charge.success"})
		assert.Equal(t, http.StatusOK, w.Code)

		// Same delivery again: the attempt is terminal, so this is a replay.
		w = ta.do(t, http.MethodPost, "/webhooks/redirect-wallet", map[string]any{"event": "charge.success"})
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestPollAndCapture(t *testing.T) {
	ta := newTestApp(t)
	order := ta.createOrder(t, domain.MethodCardIntent)
	w := ta.do(t, http.MethodPost, "/orders/"+order.ID+"/payments", map[string]any{"payment_method_id": "pm_card_visa"})
	require.Equal(t, http.StatusAccepted, w.Code)

	t.Run("poll reports pending", func(t *testing.T) {
		w := ta.do(t, http.MethodGet, "/orders/"+order.ID+"/payment-status", nil)
		require.Equal(t, http.StatusOK, w.Code)
		var res gateway.PollResult
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
		assert.Equal(t, domain.PaymentPending, res.PaymentStatus)
	})

	t.Run("capture settles", func(t *testing.T) {
		ta.card.CaptureFunc = func(ctx context.Context, ref string) (adapter.NormalizedEvent, error) {
			return adapter.NormalizedEvent{
				ProviderReference: ref,
				Outcome:           adapter.OutcomeSucceeded,
				SettledAmount:     decimal.NewFromInt(100),
			}, nil
		}
		w := ta.do(t, http.MethodPost, "/orders/"+order.ID+"/capture", nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var res gateway.PollResult
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
		assert.Equal(t, domain.PaymentCompleted, res.PaymentStatus)
	})

	t.Run("nothing left to capture", func(t *testing.T) {
		w := ta.do(t, http.MethodPost, "/orders/"+order.ID+"/capture", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestFulfillmentFlow(t *testing.T) {
	ta := newTestApp(t)
	order := ta.createOrder(t, domain.MethodPushPayment)
	w := ta.do(t, http.MethodPost, "/orders/"+order.ID+"/payments", map[string]any{"phone": "0712345678"})
	require.Equal(t, http.StatusAccepted, w.Code)
	var start gateway.StartPaymentResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &start))

	t.Run("fulfillment before settlement conflicts", func(t *testing.T) {
		w := ta.do(t, http.MethodPost, fmt.Sprintf("/orders/%s/lines/%s/fulfill", order.ID, order.Lines[0].ID), nil)
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("fulfilling every line delivers the order", func(t *testing.T) {
		ta.push.ParseCallbackFunc = func(body []byte, _ http.Header) (adapter.NormalizedEvent, error) {
			return adapter.NormalizedEvent{
				ProviderReference: start.ProviderReference,
				Outcome:           adapter.OutcomeSucceeded,
				SettledAmount:     decimal.NewFromInt(100),
			}, nil
		}
		require.Equal(t, http.StatusOK, ta.do(t, http.MethodPost, "/webhooks/push-payment", map[string]any{"Body": map[string]any{}}).Code)

		w := ta.do(t, http.MethodPost, fmt.Sprintf("/orders/%s/lines/%s/fulfill", order.ID, order.Lines[0].ID), nil)
		require.Equal(t, http.StatusNoContent, w.Code)

		res := ta.do(t, http.MethodGet, "/orders/"+order.ID, nil)
		var got domain.Order
		require.NoError(t, json.Unmarshal(res.Body.Bytes(), &got))
		assert.Equal(t, domain.OrderDelivered, got.Status)
	})
}

func TestSettlementReport(t *testing.T) {
	ta := newTestApp(t)

	settled := ta.createOrder(t, domain.MethodPushPayment)
	w := ta.do(t, http.MethodPost, "/orders/"+settled.ID+"/payments", map[string]any{"phone": "0712345678"})
	require.Equal(t, http.StatusAccepted, w.Code)
	var start gateway.StartPaymentResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &start))
	ta.push.ParseCallbackFunc = func(body []byte, _ http.Header) (adapter.NormalizedEvent, error) {
		return adapter.NormalizedEvent{
			ProviderReference: start.ProviderReference,
			Outcome:           adapter.OutcomeSucceeded,
			SettledAmount:     decimal.NewFromInt(100),
		}, nil
	}
	require.Equal(t, http.StatusOK, ta.do(t, http.MethodPost, "/webhooks/push-payment", map[string]any{"Body": map[string]any{}}).Code)

	declined := ta.createOrder(t, domain.MethodPushPayment)
	w = ta.do(t, http.MethodPost, "/orders/"+declined.ID+"/payments", map[string]any{"phone": "0712345678"})
	require.Equal(t, http.StatusAccepted, w.Code)
	var start2 gateway.StartPaymentResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &start2))
	ta.push.ParseCallbackFunc = func(body []byte, _ http.Header) (adapter.NormalizedEvent, error) {
		return adapter.NormalizedEvent{
			ProviderReference: start2.ProviderReference,
			Outcome:           adapter.OutcomeFailed,
			FailureReason:     "declined",
		}, nil
	}
	require.Equal(t, http.StatusOK, ta.do(t, http.MethodPost, "/webhooks/push-payment", map[string]any{"Body": map[string]any{}}).Code)

	w = ta.do(t, http.MethodGet, "/reports/settlement", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var report reporting.SettlementReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, 2, report.TotalAttempts)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 1, report.Failed)
	assert.True(t, report.AmountSettled.Equal(decimal.NewFromInt(100)), "got %s", report.AmountSettled)
	assert.Equal(t, 2, report.AttemptsByRail[domain.MethodPushPayment])
	assert.Equal(t, 1, report.FailuresByReason["declined"])
}

func TestCancelOrder(t *testing.T) {
	ta := newTestApp(t)
	order := ta.createOrder(t, domain.MethodPushPayment)

	w := ta.do(t, http.MethodPost, "/orders/"+order.ID+"/cancel", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	t.Run("cancel is not repeatable", func(t *testing.T) {
		w := ta.do(t, http.MethodPost, "/orders/"+order.ID+"/cancel", nil)
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("cancelled orders take no payments", func(t *testing.T) {
		w := ta.do(t, http.MethodPost, "/orders/"+order.ID+"/payments", map[string]any{"phone": "0712345678"})
		assert.Equal(t, http.StatusConflict, w.Code)
	})
}
