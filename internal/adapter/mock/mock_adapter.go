// Package mock provides a configurable fake ProviderAdapter for gateway and
// coordinator tests. Each method delegates to an optional function field and
// falls back to a benign default, so tests only script the calls they care
// about.
package mock

import (
	"context"
	"net/http"
	"sync"

	"github.com/yourorg/marketplace-payments/internal/adapter"
	"github.com/yourorg/marketplace-payments/internal/domain"
)

// Adapter is a scriptable ProviderAdapter.
type Adapter struct {
	RailValue domain.PaymentMethod

	InitiateFunc      func(ctx context.Context, order *domain.Order, params adapter.InitiateParams) (adapter.InitiationResult, error)
	CheckStatusFunc   func(ctx context.Context, providerReference string) (adapter.NormalizedEvent, error)
	ParseCallbackFunc func(body []byte, header http.Header) (adapter.NormalizedEvent, error)
	CaptureFunc       func(ctx context.Context, providerReference string) (adapter.NormalizedEvent, error)

	mu            sync.Mutex
	initiateCalls int
}

// New creates a mock adapter for the given rail.
func New(rail domain.PaymentMethod) *Adapter {
	return &Adapter{RailValue: rail}
}

func (m *Adapter) Rail() domain.PaymentMethod { return m.RailValue }

// InitiateCount reports how many times Initiate ran; safe under concurrent
// callers.
func (m *Adapter) InitiateCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initiateCalls
}

func (m *Adapter) Initiate(ctx context.Context, order *domain.Order, params adapter.InitiateParams) (adapter.InitiationResult, error) {
	m.mu.Lock()
	m.initiateCalls++
	m.mu.Unlock()
	if m.InitiateFunc != nil {
		return m.InitiateFunc(ctx, order, params)
	}
	return adapter.InitiationResult{
		ProviderReference: "mock-ref-" + order.ID,
		Flow:              adapter.FlowPoll,
	}, nil
}

func (m *Adapter) CheckStatus(ctx context.Context, providerReference string) (adapter.NormalizedEvent, error) {
	if m.CheckStatusFunc != nil {
		return m.CheckStatusFunc(ctx, providerReference)
	}
	return adapter.NormalizedEvent{ProviderReference: providerReference, Outcome: adapter.OutcomePending}, nil
}

func (m *Adapter) ParseCallback(body []byte, header http.Header) (adapter.NormalizedEvent, error) {
	if m.ParseCallbackFunc != nil {
		return m.ParseCallbackFunc(body, header)
	}
	return adapter.NormalizedEvent{}, adapter.ErrMalformed
}

func (m *Adapter) Capture(ctx context.Context, providerReference string) (adapter.NormalizedEvent, error) {
	if m.CaptureFunc != nil {
		return m.CaptureFunc(ctx, providerReference)
	}
	return adapter.NormalizedEvent{}, adapter.ErrNotCapturable
}

var _ adapter.ProviderAdapter = (*Adapter)(nil)
