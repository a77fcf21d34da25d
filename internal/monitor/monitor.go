// Package monitor validates inbound webhook bodies against per-rail JSON
// schemas before any adapter interprets them. The schemas are deliberately
// loose — providers add fields freely — and only pin the envelope each
// adapter actually relies on.
package monitor

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/yourorg/marketplace-payments/internal/domain"
)

const pushPaymentSchema = `{
  "type": "object",
  "required": ["Body"],
  "properties": {
    "Body": {
      "type": "object",
      "required": ["stkCallback"],
      "properties": {
        "stkCallback": {
          "type": "object",
          "required": ["CheckoutRequestID", "ResultCode"]
        }
      }
    }
  }
}`

const redirectWalletSchema = `{
  "type": "object",
  "required": ["event", "data"],
  "properties": {
    "event": {"type": "string"},
    "data": {
      "type": "object",
      "required": ["reference", "status"]
    }
  }
}`

const cardIntentSchema = `{
  "type": "object",
  "required": ["type", "data"],
  "properties": {
    "type": {"type": "string"},
    "data": {
      "type": "object",
      "required": ["object"]
    }
  }
}`

// WebhookMonitor holds one compiled schema per rail.
type WebhookMonitor struct {
	schemas map[domain.PaymentMethod]*gojsonschema.Schema
}

// NewWebhookMonitor compiles the embedded schemas; a compile failure is a
// programming error and surfaces at startup.
func NewWebhookMonitor() (*WebhookMonitor, error) {
	raw := map[domain.PaymentMethod]string{
		domain.MethodPushPayment:    pushPaymentSchema,
		domain.MethodRedirectWallet: redirectWalletSchema,
		domain.MethodCardIntent:     cardIntentSchema,
	}
	m := &WebhookMonitor{schemas: make(map[domain.PaymentMethod]*gojsonschema.Schema, len(raw))}
	for rail, src := range raw {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
		if err != nil {
			return nil, fmt.Errorf("monitor: compile %s schema: %w", rail, err)
		}
		m.schemas[rail] = schema
	}
	return m, nil
}

// Validate checks a raw webhook body against the rail's schema. It returns
// the list of violations; an empty list means the body may be parsed.
func (m *WebhookMonitor) Validate(rail domain.PaymentMethod, body []byte) ([]string, error) {
	schema, ok := m.schemas[rail]
	if !ok {
		return nil, fmt.Errorf("monitor: no schema for rail %s", rail)
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		// Not even JSON.
		return []string{err.Error()}, nil
	}
	if result.Valid() {
		return nil, nil
	}
	violations := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		violations = append(violations, desc.String())
	}
	return violations, nil
}

// FormatViolations joins violations for log lines.
func FormatViolations(violations []string) string {
	return strings.Join(violations, "; ")
}
