// Package adapter defines the uniform contract every payment rail adapter
// implements, plus the normalized result types the settlement coordinator
// consumes. Adapters own all provider-specific concerns: authentication,
// request construction, callback parsing, and signature verification. Their
// single job is to translate three very different external protocols into
// one NormalizedEvent shape so the coordinator can run one state machine.
package adapter

import (
	"context"
	"errors"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/yourorg/marketplace-payments/internal/domain"
)

// Error taxonomy shared by all rails. Callers distinguish these with errors.Is.
var (
	// ErrInvalidParams is a caller error; not retried.
	ErrInvalidParams = errors.New("invalid payment parameters")
	// ErrProviderUnavailable is transient; the caller owns retry with backoff.
	ErrProviderUnavailable = errors.New("payment provider unavailable")
	// ErrInvalidSignature rejects a callback whose signature does not verify.
	ErrInvalidSignature = errors.New("callback signature verification failed")
	// ErrMalformed rejects a callback body the adapter cannot interpret.
	ErrMalformed = errors.New("malformed callback payload")
	// ErrNotFound means the provider has no record of the reference.
	ErrNotFound = errors.New("provider reference not found")
	// ErrNotCapturable means capture was called on a rail or attempt state
	// that has no capture step.
	ErrNotCapturable = errors.New("attempt is not capturable")
)

// Outcome is the normalized disposition of a provider event.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomePending   Outcome = "pending"
)

// NormalizedEvent is the uniform output of every adapter operation. The
// coordinator applies state transitions from these and from nothing else.
type NormalizedEvent struct {
	ProviderReference     string
	Outcome               Outcome
	SettledAmount         decimal.Decimal
	ProviderTransactionID string
	FailureReason         string
	// RawPayload is the provider body the event was derived from, retained
	// verbatim on the attempt for audit.
	RawPayload []byte
}

// Flow tells the caller how to proceed after a successful initiate.
type Flow string

const (
	// FlowRedirect: send the user's browser to RedirectURL.
	FlowRedirect Flow = "redirect"
	// FlowPoll: the provider pushes to the user out-of-band; poll for the result.
	FlowPoll Flow = "poll"
)

// InitiationResult carries the provider-assigned correlation reference and
// which flow the caller must follow.
type InitiationResult struct {
	ProviderReference string
	Flow              Flow
	RedirectURL       string
	// RawPayload is the provider's initiate response, stored on the attempt.
	RawPayload []byte
}

// InitiateParams are the method-specific inputs to start a payment. Each rail
// reads the fields it needs and rejects with ErrInvalidParams if they are
// missing.
type InitiateParams struct {
	// Phone is required by the push-payment rail; local or international
	// format, canonicalized by the adapter.
	Phone string
	// Email is required by the redirect-wallet rail.
	Email string
	// PaymentMethodID is required by the card-intent rail.
	PaymentMethodID string
}

// ProviderAdapter is implemented once per rail. The gateway treats all three
// rails through this interface.
type ProviderAdapter interface {
	// Rail identifies which payment method this adapter serves.
	Rail() domain.PaymentMethod

	// Initiate starts collection for the order and returns the provider's
	// pending/redirect result. It must not mutate order state.
	Initiate(ctx context.Context, order *domain.Order, params InitiateParams) (InitiationResult, error)

	// CheckStatus queries the provider for the current disposition of an
	// in-flight reference.
	CheckStatus(ctx context.Context, providerReference string) (NormalizedEvent, error)

	// ParseCallback validates and normalizes a provider-pushed callback.
	// It performs signature verification where the rail supports it and
	// never trusts an unverified payload.
	ParseCallback(body []byte, header http.Header) (NormalizedEvent, error)

	// Capture settles a previously authorized amount. Rails without a
	// distinct authorize/capture step return the current state unchanged.
	Capture(ctx context.Context, providerReference string) (NormalizedEvent, error)
}
