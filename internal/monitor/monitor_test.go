package monitor_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/marketplace-payments/internal/domain"
	"github.com/yourorg/marketplace-payments/internal/monitor"
)

func TestValidate(t *testing.T) {
	m, err := monitor.NewWebhookMonitor()
	require.NoError(t, err)

	cases := []struct {
		name  string
		rail  domain.PaymentMethod
		body  string
		valid bool
	}{
		{
			name:  "well-formed push callback",
			rail:  domain.MethodPushPayment,
			body:  `{"Body":{"stkCallback":{"CheckoutRequestID":"ws_CO_1","ResultCode":0}}}`,
			valid: true,
		},
		{
			name:  "push callback missing result code",
			rail:  domain.MethodPushPayment,
			body:  `{"Body":{"stkCallback":{"CheckoutRequestID":"ws_CO_1"}}}`,
			valid: false,
		},
		{
			name:  "well-formed wallet event",
			rail:  domain.MethodRedirectWallet,
			body:  `{"event":"charge.success","data":{"reference":"ref_1","status":"success"}}`,
			valid: true,
		},
		{
			name:  "wallet event missing reference",
			rail:  domain.MethodRedirectWallet,
			body:  `{"event":"charge.success","data":{"status":"success"}}`,
			valid: false,
		},
		{
			name:  "well-formed card event",
			rail:  domain.MethodCardIntent,
			body:  `{"type":"payment_intent.succeeded","data":{"object":{"id":"pi_1"}}}`,
			valid: true,
		},
		{
			name:  "not json",
			rail:  domain.MethodCardIntent,
			body:  `<xml/>`,
			valid: false,
		},
		{
			name:  "unexpected extra fields pass",
			rail:  domain.MethodRedirectWallet,
			body:  `{"event":"charge.success","data":{"reference":"ref_1","status":"success","paid_at":"now"},"new_field":true}`,
			valid: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			violations, err := m.Validate(tc.rail, []byte(tc.body))
			require.NoError(t, err)
			if tc.valid {
				assert.Empty(t, violations)
			} else {
				assert.NotEmpty(t, violations)
				assert.NotEmpty(t, monitor.FormatViolations(violations))
			}
		})
	}

	t.Run("unknown rail errors", func(t *testing.T) {
		_, err := m.Validate(domain.PaymentMethod("carrier_pigeon"), []byte(`{}`))
		assert.Error(t, err)
	})
}
