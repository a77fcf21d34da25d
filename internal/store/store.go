// Package store defines durable storage for orders and their payment
// attempts. The settlement coordinator is the only writer of order status
// fields and goes through CompareAndSwapStatus, so conflicting transitions
// can never both commit even across processes.
package store

import (
	"context"
	"errors"

	"github.com/yourorg/marketplace-payments/internal/domain"
)

var (
	ErrOrderNotFound   = errors.New("order not found")
	ErrAttemptNotFound = errors.New("payment attempt not found")
	ErrLineNotFound    = errors.New("order line not found")
	// ErrStatusConflict is returned by CompareAndSwapStatus when the stored
	// status pair no longer matches the expectation; the caller's transition
	// lost a race and must re-read.
	ErrStatusConflict = errors.New("order status changed concurrently")
	// ErrDuplicateReference guards the uniqueness of provider references,
	// which are the correlation key for callbacks.
	ErrDuplicateReference = errors.New("provider reference already recorded")
	// ErrAttemptConflict rejects a move to awaiting_confirmation while the
	// order already has an awaiting attempt. The store is the last line of
	// defense for the one-live-attempt rule; two racing starts cannot both
	// promote.
	ErrAttemptConflict = errors.New("order already has an attempt awaiting confirmation")
)

// OrderRepository is the storage contract the gateway and coordinator consume.
type OrderRepository interface {
	// CreateOrder persists the order and its lines atomically.
	CreateOrder(ctx context.Context, o *domain.Order) error
	GetOrder(ctx context.Context, orderID string) (*domain.Order, error)
	// ListOrders returns every order, without line items, for reporting.
	ListOrders(ctx context.Context) ([]*domain.Order, error)

	// CompareAndSwapStatus writes the new status pair only if the stored
	// pair still equals the expected one. ErrStatusConflict on mismatch.
	CompareAndSwapStatus(ctx context.Context, orderID string,
		expectedStatus domain.OrderStatus, expectedPayment domain.PaymentStatus,
		newStatus domain.OrderStatus, newPayment domain.PaymentStatus) error

	// AppendAttempt records a new payment attempt for the order.
	AppendAttempt(ctx context.Context, attempt *domain.PaymentAttempt) error
	// UpdateAttempt rewrites an attempt's mutable fields. Attempts are never
	// deleted. Moving an attempt to awaiting_confirmation while the order
	// already has one returns ErrAttemptConflict.
	UpdateAttempt(ctx context.Context, attemptID string, status domain.AttemptStatus,
		providerReference, failureReason string, rawPayload []byte) error
	// FindAttemptByProviderReference resolves a callback, which identifies
	// itself only by the provider-assigned reference.
	FindAttemptByProviderReference(ctx context.Context, reference string) (*domain.PaymentAttempt, error)
	// LiveAttempt returns the order's awaiting-confirmation attempt, if any.
	LiveAttempt(ctx context.Context, orderID string) (*domain.PaymentAttempt, error)
	// ListAttempts returns all attempts for an order, oldest first.
	ListAttempts(ctx context.Context, orderID string) ([]*domain.PaymentAttempt, error)

	// UpdateLineStatus sets one line's fulfillment status.
	UpdateLineStatus(ctx context.Context, orderID, lineID string, status domain.LineStatus) error
}
