package domain

import (
	"time"

	"github.com/google/uuid"
)

// AttemptStatus is the lifecycle of a single provider-side collection attempt.
type AttemptStatus string

const (
	// AttemptInitiated means the attempt record exists but the provider has
	// not yet acknowledged the request. A timed-out initiate leaves the
	// attempt here, so a retry is distinguishable from a lost reply.
	AttemptInitiated AttemptStatus = "initiated"
	// AttemptAwaitingConfirmation means the provider accepted the request and
	// a callback or poll will resolve it. At most one attempt per order may
	// be in this state.
	AttemptAwaitingConfirmation AttemptStatus = "awaiting_confirmation"
	AttemptSucceeded            AttemptStatus = "succeeded"
	AttemptFailed               AttemptStatus = "failed"
	AttemptExpired              AttemptStatus = "expired"
)

// TerminalAttempt reports whether an attempt status accepts no further
// transitions. Replayed callbacks for a terminal attempt are no-ops.
func TerminalAttempt(s AttemptStatus) bool {
	return s == AttemptSucceeded || s == AttemptFailed || s == AttemptExpired
}

// PaymentAttempt is one provider-side attempt to collect payment for an order.
// Attempts are never deleted; the raw provider payload is retained verbatim
// for audit.
type PaymentAttempt struct {
	ID                string        `json:"id"`
	OrderID           string        `json:"order_id"`
	Rail              PaymentMethod `json:"rail"`
	ProviderReference string        `json:"provider_reference"`
	Status            AttemptStatus `json:"status"`
	FailureReason     string        `json:"failure_reason,omitempty"`
	RawPayload        []byte        `json:"raw_payload,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// NewPaymentAttempt creates an attempt in the initiated state.
func NewPaymentAttempt(orderID string, rail PaymentMethod) *PaymentAttempt {
	now := time.Now().UTC()
	return &PaymentAttempt{
		ID:        uuid.NewString(),
		OrderID:   orderID,
		Rail:      rail,
		Status:    AttemptInitiated,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
