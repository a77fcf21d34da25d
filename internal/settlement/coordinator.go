// Package settlement owns the order/payment state machine. The coordinator is
// the only component that writes order status fields or mutates payment
// attempts after creation. Transitions for one order are serialized through a
// per-order mutex, and the repository's compare-and-swap re-checks the status
// pair at write time, so two conflicting events for the same order can never
// both commit.
//
// Valid transitions:
//
//	(pending, pending)     --succeeded-->  (processing, completed)   emits SettlementEvent
//	(pending, pending)     --failed----->  (pending, failed)         retryable
//	(pending, pending)     --pending---->  no change
//	(pending, failed)      --new attempt-> (pending, pending)
//	(processing, completed) --all lines fulfilled--> (delivered, completed)
//	any non-terminal       --cancel----->  (cancelled, *)            terminal
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/yourorg/marketplace-payments/internal/adapter"
	"github.com/yourorg/marketplace-payments/internal/domain"
	"github.com/yourorg/marketplace-payments/internal/metrics"
	"github.com/yourorg/marketplace-payments/internal/store"
)

var (
	// ErrOrderAlreadySettled rejects events for orders in a terminal state
	// or with completed payment. A late success callback after cancellation
	// must not resurrect the order.
	ErrOrderAlreadySettled = errors.New("order already settled or cancelled")
	// ErrOrderNotPayable means the order's payment status accepts no new
	// attempt.
	ErrOrderNotPayable = errors.New("order is not payable in its current state")
	// ErrOrderNotSettled means fulfillment was reported before payment
	// completed.
	ErrOrderNotSettled = errors.New("order payment has not completed")
	// ErrAttemptInFlight means the order already has an attempt awaiting
	// confirmation; a new one may not start until it resolves.
	ErrAttemptInFlight = errors.New("an attempt is already awaiting confirmation")
)

// Coordinator applies state transitions in response to normalized provider
// events.
type Coordinator struct {
	repo      store.OrderRepository
	publisher domain.EventPublisher

	// locks serializes transitions per order id. Entries are never removed;
	// the map is bounded by the set of orders touched by this process.
	locks sync.Map
}

// NewCoordinator creates a Coordinator. The publisher may be nil, in which
// case settlement events are dropped (tests).
func NewCoordinator(repo store.OrderRepository, publisher domain.EventPublisher) *Coordinator {
	if repo == nil {
		panic("order repository cannot be nil")
	}
	return &Coordinator{repo: repo, publisher: publisher}
}

func (c *Coordinator) orderLock(orderID string) *sync.Mutex {
	v, _ := c.locks.LoadOrStore(orderID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// ApplyEvent applies one normalized provider event to the attempt's order.
// Replays of terminal attempts are expected to be short-circuited by the
// gateway before reaching here; an event racing a completed transition
// observes ErrOrderAlreadySettled and must be treated as a no-op.
func (c *Coordinator) ApplyEvent(ctx context.Context, attempt *domain.PaymentAttempt, ev adapter.NormalizedEvent) error {
	tracer := otel.Tracer("settlement")
	ctx, span := tracer.Start(ctx, "Coordinator.ApplyEvent")
	defer span.End()
	span.SetAttributes(
		attribute.String("order.id", attempt.OrderID),
		attribute.String("event.outcome", string(ev.Outcome)),
	)

	lock := c.orderLock(attempt.OrderID)
	lock.Lock()
	defer lock.Unlock()

	order, err := c.repo.GetOrder(ctx, attempt.OrderID)
	if err != nil {
		return err
	}
	if domain.Terminal(order.Status, order.PaymentStatus) || order.PaymentStatus == domain.PaymentCompleted {
		return ErrOrderAlreadySettled
	}
	if order.Status != domain.OrderPending || order.PaymentStatus != domain.PaymentPending {
		// Only (pending, pending) accepts provider events. An event landing
		// on (pending, failed) is a replay for an attempt already resolved;
		// record nothing and leave the order re-payable.
		log.Printf("[settlement] order=%s dropping %s event in state (%s, %s)",
			order.ID, ev.Outcome, order.Status, order.PaymentStatus)
		return nil
	}

	// A settled amount differing from the order total is never accepted as
	// success; partial settlement is treated as failure. Events that report
	// no amount (status queries on rails that omit it) confirm the requested
	// amount.
	if ev.Outcome == adapter.OutcomeSucceeded && ev.SettledAmount.IsPositive() && !ev.SettledAmount.Equal(order.Total) {
		log.Printf("[settlement] order=%s amount mismatch: settled=%s total=%s", order.ID, ev.SettledAmount, order.Total)
		ev.Outcome = adapter.OutcomeFailed
		ev.FailureReason = fmt.Sprintf("settled amount %s does not match order total %s", ev.SettledAmount, order.Total)
	}

	switch ev.Outcome {
	case adapter.OutcomeSucceeded:
		return c.applySuccess(ctx, order, attempt, ev)
	case adapter.OutcomeFailed:
		return c.applyFailure(ctx, order, attempt, ev)
	case adapter.OutcomePending:
		// No transition; keep the provider payload for audit.
		return c.repo.UpdateAttempt(ctx, attempt.ID, attempt.Status, "", "", ev.RawPayload)
	default:
		return fmt.Errorf("unknown event outcome %q", ev.Outcome)
	}
}

func (c *Coordinator) applySuccess(ctx context.Context, order *domain.Order, attempt *domain.PaymentAttempt, ev adapter.NormalizedEvent) error {
	if err := c.cas(ctx, order, domain.OrderProcessing, domain.PaymentCompleted); err != nil {
		return err
	}
	if err := c.repo.UpdateAttempt(ctx, attempt.ID, domain.AttemptSucceeded, "", "", ev.RawPayload); err != nil {
		return err
	}
	metrics.AttemptsTotal.WithLabelValues(string(attempt.Rail), "succeeded").Inc()

	settled := ev.SettledAmount
	if !settled.IsPositive() {
		settled = order.Total
	}
	if c.publisher != nil {
		c.publisher.PublishSettlement(domain.SettlementEvent{
			OrderID:               order.ID,
			SettledAmount:         settled,
			Rail:                  attempt.Rail,
			ProviderTransactionID: ev.ProviderTransactionID,
			SettledAt:             time.Now().UTC(),
		})
	}
	log.Printf("[settlement] order=%s settled rail=%s txid=%s", order.ID, attempt.Rail, ev.ProviderTransactionID)
	return nil
}

func (c *Coordinator) applyFailure(ctx context.Context, order *domain.Order, attempt *domain.PaymentAttempt, ev adapter.NormalizedEvent) error {
	if err := c.cas(ctx, order, domain.OrderPending, domain.PaymentFailed); err != nil {
		return err
	}
	if err := c.repo.UpdateAttempt(ctx, attempt.ID, domain.AttemptFailed, "", ev.FailureReason, ev.RawPayload); err != nil {
		return err
	}
	metrics.AttemptsTotal.WithLabelValues(string(attempt.Rail), "failed").Inc()
	log.Printf("[settlement] order=%s attempt failed rail=%s reason=%q", order.ID, attempt.Rail, ev.FailureReason)
	return nil
}

// cas swaps the order's status pair from the pair just observed under the
// order lock. A conflict means another event won the race; callers surface
// that as already-settled when the winner completed payment.
func (c *Coordinator) cas(ctx context.Context, order *domain.Order, newStatus domain.OrderStatus, newPayment domain.PaymentStatus) error {
	if !domain.StatusPairValid(newStatus, newPayment) {
		return fmt.Errorf("refusing invalid status pair (%s, %s)", newStatus, newPayment)
	}
	err := c.repo.CompareAndSwapStatus(ctx, order.ID, order.Status, order.PaymentStatus, newStatus, newPayment)
	if errors.Is(err, store.ErrStatusConflict) {
		current, getErr := c.repo.GetOrder(ctx, order.ID)
		if getErr == nil && (domain.Terminal(current.Status, current.PaymentStatus) || current.PaymentStatus == domain.PaymentCompleted) {
			return ErrOrderAlreadySettled
		}
		return err
	}
	if err != nil {
		return err
	}
	metrics.TransitionsTotal.WithLabelValues(
		fmt.Sprintf("%s/%s", order.Status, order.PaymentStatus),
		fmt.Sprintf("%s/%s", newStatus, newPayment),
	).Inc()
	return nil
}

// BeginAttempt checks that the order can accept a new collection attempt and
// creates the attempt record. The payability check, live-attempt check, and
// append run under the same per-order lock that serializes event application,
// so two racing starts cannot both pass the live-attempt check, and a start
// cannot interleave with a cancellation. A (pending, failed) order is moved
// back to (pending, pending) here.
func (c *Coordinator) BeginAttempt(ctx context.Context, orderID string, rail domain.PaymentMethod) (*domain.PaymentAttempt, error) {
	lock := c.orderLock(orderID)
	lock.Lock()
	defer lock.Unlock()

	order, err := c.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if domain.Terminal(order.Status, order.PaymentStatus) {
		return nil, ErrOrderAlreadySettled
	}
	if order.PaymentStatus != domain.PaymentPending && order.PaymentStatus != domain.PaymentFailed {
		return nil, ErrOrderNotPayable
	}
	if _, err := c.repo.LiveAttempt(ctx, orderID); err == nil {
		return nil, ErrAttemptInFlight
	}

	if order.PaymentStatus == domain.PaymentFailed {
		if err := c.cas(ctx, order, domain.OrderPending, domain.PaymentPending); err != nil {
			return nil, err
		}
	}

	attempt := domain.NewPaymentAttempt(orderID, rail)
	if err := c.repo.AppendAttempt(ctx, attempt); err != nil {
		return nil, err
	}
	return attempt, nil
}

// MarkLineFulfilled records one line as shipped and, once every line has
// shipped on a settled order, moves the order to (delivered, completed).
func (c *Coordinator) MarkLineFulfilled(ctx context.Context, orderID, lineID string) error {
	lock := c.orderLock(orderID)
	lock.Lock()
	defer lock.Unlock()

	order, err := c.repo.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if domain.Terminal(order.Status, order.PaymentStatus) {
		return ErrOrderAlreadySettled
	}
	if order.Status != domain.OrderProcessing || order.PaymentStatus != domain.PaymentCompleted {
		return ErrOrderNotSettled
	}
	if err := c.repo.UpdateLineStatus(ctx, orderID, lineID, domain.LineFulfilled); err != nil {
		return err
	}

	order, err = c.repo.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if !order.AllLinesFulfilled() {
		return nil
	}
	return c.cas(ctx, order, domain.OrderDelivered, domain.PaymentCompleted)
}

// Cancel moves a non-terminal order to cancelled, freezing the payment status
// as-is. A live awaiting-confirmation attempt is expired so a late provider
// callback short-circuits at the gateway; the in-flight provider call itself
// is not chased.
func (c *Coordinator) Cancel(ctx context.Context, orderID string) error {
	lock := c.orderLock(orderID)
	lock.Lock()
	defer lock.Unlock()

	order, err := c.repo.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if domain.Terminal(order.Status, order.PaymentStatus) {
		return ErrOrderAlreadySettled
	}
	if err := c.cas(ctx, order, domain.OrderCancelled, order.PaymentStatus); err != nil {
		return err
	}

	if live, err := c.repo.LiveAttempt(ctx, orderID); err == nil {
		if err := c.repo.UpdateAttempt(ctx, live.ID, domain.AttemptExpired, "", "order cancelled", nil); err != nil {
			return err
		}
		metrics.AttemptsTotal.WithLabelValues(string(live.Rail), "expired").Inc()
	}
	log.Printf("[settlement] order=%s cancelled", orderID)
	return nil
}
