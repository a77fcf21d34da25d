package store

import (
	"context"
	"sync"
	"time"

	"github.com/yourorg/marketplace-payments/internal/domain"
)

// MemoryStore is an in-memory OrderRepository for tests and single-node
// development. All methods are safe for concurrent use.
type MemoryStore struct {
	mu       sync.RWMutex
	orders   map[string]*domain.Order
	attempts map[string]*domain.PaymentAttempt
	// byReference indexes attempt ids by provider reference.
	byReference map[string]string
	// attemptOrder preserves append order per order id.
	attemptOrder map[string][]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:       make(map[string]*domain.Order),
		attempts:     make(map[string]*domain.PaymentAttempt),
		byReference:  make(map[string]string),
		attemptOrder: make(map[string][]string),
	}
}

func cloneOrder(o *domain.Order) *domain.Order {
	c := *o
	c.Lines = make([]domain.OrderLineItem, len(o.Lines))
	copy(c.Lines, o.Lines)
	return &c
}

func cloneAttempt(a *domain.PaymentAttempt) *domain.PaymentAttempt {
	c := *a
	if a.RawPayload != nil {
		c.RawPayload = append([]byte(nil), a.RawPayload...)
	}
	return &c
}

func (s *MemoryStore) CreateOrder(_ context.Context, o *domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ID] = cloneOrder(o)
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, orderID string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return cloneOrder(o), nil
}

func (s *MemoryStore) ListOrders(_ context.Context) ([]*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Order, 0, len(s.orders))
	for _, o := range s.orders {
		c := *o
		c.Lines = nil
		out = append(out, &c)
	}
	return out, nil
}

func (s *MemoryStore) CompareAndSwapStatus(_ context.Context, orderID string,
	expectedStatus domain.OrderStatus, expectedPayment domain.PaymentStatus,
	newStatus domain.OrderStatus, newPayment domain.PaymentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	if o.Status != expectedStatus || o.PaymentStatus != expectedPayment {
		return ErrStatusConflict
	}
	o.Status = newStatus
	o.PaymentStatus = newPayment
	o.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) AppendAttempt(_ context.Context, attempt *domain.PaymentAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if attempt.ProviderReference != "" {
		if _, exists := s.byReference[attempt.ProviderReference]; exists {
			return ErrDuplicateReference
		}
		s.byReference[attempt.ProviderReference] = attempt.ID
	}
	s.attempts[attempt.ID] = cloneAttempt(attempt)
	s.attemptOrder[attempt.OrderID] = append(s.attemptOrder[attempt.OrderID], attempt.ID)
	return nil
}

func (s *MemoryStore) UpdateAttempt(_ context.Context, attemptID string, status domain.AttemptStatus,
	providerReference, failureReason string, rawPayload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[attemptID]
	if !ok {
		return ErrAttemptNotFound
	}
	if status == domain.AttemptAwaitingConfirmation {
		for _, id := range s.attemptOrder[a.OrderID] {
			if id != attemptID && s.attempts[id].Status == domain.AttemptAwaitingConfirmation {
				return ErrAttemptConflict
			}
		}
	}
	if providerReference != "" && providerReference != a.ProviderReference {
		if existing, exists := s.byReference[providerReference]; exists && existing != attemptID {
			return ErrDuplicateReference
		}
		delete(s.byReference, a.ProviderReference)
		a.ProviderReference = providerReference
		s.byReference[providerReference] = attemptID
	}
	a.Status = status
	if failureReason != "" {
		a.FailureReason = failureReason
	}
	if rawPayload != nil {
		a.RawPayload = append([]byte(nil), rawPayload...)
	}
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) FindAttemptByProviderReference(_ context.Context, reference string) (*domain.PaymentAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byReference[reference]
	if !ok {
		return nil, ErrAttemptNotFound
	}
	return cloneAttempt(s.attempts[id]), nil
}

func (s *MemoryStore) LiveAttempt(_ context.Context, orderID string) (*domain.PaymentAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.attemptOrder[orderID] {
		if a := s.attempts[id]; a.Status == domain.AttemptAwaitingConfirmation {
			return cloneAttempt(a), nil
		}
	}
	return nil, ErrAttemptNotFound
}

func (s *MemoryStore) ListAttempts(_ context.Context, orderID string) ([]*domain.PaymentAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.attemptOrder[orderID]
	out := make([]*domain.PaymentAttempt, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneAttempt(s.attempts[id]))
	}
	return out, nil
}

func (s *MemoryStore) UpdateLineStatus(_ context.Context, orderID, lineID string, status domain.LineStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	for i := range o.Lines {
		if o.Lines[i].ID == lineID {
			o.Lines[i].Status = status
			o.UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return ErrLineNotFound
}

var _ OrderRepository = (*MemoryStore)(nil)
