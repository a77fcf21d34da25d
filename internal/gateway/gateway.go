// Package gateway is the single entry point for starting payments, receiving
// provider callbacks, and polling payment status. It routes to the rail
// adapter selected by payment method, enforces the one-live-attempt rule,
// short-circuits replayed callbacks, and forwards normalized events to the
// settlement coordinator. A poll and a callback travel the same path; they
// are the same event arriving by different transports.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/yourorg/marketplace-payments/internal/adapter"
	"github.com/yourorg/marketplace-payments/internal/domain"
	"github.com/yourorg/marketplace-payments/internal/gateway/circuitbreaker"
	"github.com/yourorg/marketplace-payments/internal/metrics"
	"github.com/yourorg/marketplace-payments/internal/monitor"
	"github.com/yourorg/marketplace-payments/internal/policy"
	"github.com/yourorg/marketplace-payments/internal/settlement"
	"github.com/yourorg/marketplace-payments/internal/store"
)

var (
	// ErrPaymentAlreadyInFlight rejects a second start while an attempt is
	// awaiting confirmation.
	ErrPaymentAlreadyInFlight = errors.New("a payment attempt is already in flight")
	// ErrUnknownMethod means no adapter is registered for the method.
	ErrUnknownMethod = errors.New("unknown payment method")
	// ErrNoLiveAttempt means poll/capture found nothing awaiting confirmation.
	ErrNoLiveAttempt = errors.New("no payment attempt awaiting confirmation")
)

const defaultCallTimeout = 15 * time.Second

// StartPaymentResult tells the caller how to continue: redirect the browser
// or poll for the push result.
type StartPaymentResult struct {
	AttemptID         string       `json:"attempt_id"`
	ProviderReference string       `json:"provider_reference"`
	Flow              adapter.Flow `json:"flow"`
	RedirectURL       string       `json:"redirect_url,omitempty"`
}

// PollResult is a snapshot of the order's payment state after a poll.
type PollResult struct {
	OrderStatus   domain.OrderStatus   `json:"order_status"`
	PaymentStatus domain.PaymentStatus `json:"payment_status"`
	AttemptStatus domain.AttemptStatus `json:"attempt_status,omitempty"`
	FailureReason string               `json:"failure_reason,omitempty"`
	// RetryAllowed carries the policy decision when the attempt failed.
	RetryAllowed bool `json:"retry_allowed,omitempty"`
}

// Gateway wires the rail adapters, repository, coordinator, breaker, webhook
// monitor, and retry policy together.
type Gateway struct {
	repo        store.OrderRepository
	coordinator *settlement.Coordinator
	adapters    map[domain.PaymentMethod]adapter.ProviderAdapter
	breaker     *circuitbreaker.Breaker
	webhookMon  *monitor.WebhookMonitor
	policies    *policy.Enforcer
	callTimeout time.Duration
}

// New creates a Gateway. The webhook monitor and policy enforcer are
// optional; the repository, coordinator, and at least one adapter are not.
func New(repo store.OrderRepository, coordinator *settlement.Coordinator,
	adapters []adapter.ProviderAdapter, breaker *circuitbreaker.Breaker,
	webhookMon *monitor.WebhookMonitor, policies *policy.Enforcer) *Gateway {
	if repo == nil {
		panic("order repository cannot be nil")
	}
	if coordinator == nil {
		panic("settlement coordinator cannot be nil")
	}
	if len(adapters) == 0 {
		panic("at least one provider adapter is required")
	}
	if breaker == nil {
		breaker = circuitbreaker.New(circuitbreaker.Config{})
	}
	byRail := make(map[domain.PaymentMethod]adapter.ProviderAdapter, len(adapters))
	for _, a := range adapters {
		byRail[a.Rail()] = a
	}
	return &Gateway{
		repo:        repo,
		coordinator: coordinator,
		adapters:    byRail,
		breaker:     breaker,
		webhookMon:  webhookMon,
		policies:    policies,
		callTimeout: defaultCallTimeout,
	}
}

func (g *Gateway) adapterFor(method domain.PaymentMethod) (adapter.ProviderAdapter, error) {
	a, ok := g.adapters[method]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}
	return a, nil
}

// timedCall runs a provider call under the gateway timeout and records its
// latency and breaker outcome.
func (g *Gateway) timedCall(ctx context.Context, rail domain.PaymentMethod, op string,
	call func(ctx context.Context) error) error {
	key := string(rail)
	if !g.breaker.Allow(key) {
		return fmt.Errorf("%w: circuit open for %s", adapter.ErrProviderUnavailable, rail)
	}
	ctx, cancel := context.WithTimeout(ctx, g.callTimeout)
	defer cancel()

	start := time.Now()
	err := call(ctx)
	metrics.ProviderCallSeconds.WithLabelValues(key, op).Observe(time.Since(start).Seconds())

	if errors.Is(err, adapter.ErrProviderUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		g.breaker.RecordFailure(key)
	} else {
		g.breaker.RecordSuccess(key)
	}
	return err
}

// StartPayment begins collection for the order on the given rail. A failed
// previous attempt makes the order re-payable; a live attempt blocks a new
// one.
func (g *Gateway) StartPayment(ctx context.Context, orderID string, method domain.PaymentMethod,
	params adapter.InitiateParams) (StartPaymentResult, error) {
	tracer := otel.Tracer("gateway")
	ctx, span := tracer.Start(ctx, "Gateway.StartPayment")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", orderID), attribute.String("payment.method", string(method)))

	ad, err := g.adapterFor(method)
	if err != nil {
		return StartPaymentResult{}, err
	}

	// The payability and live-attempt checks and the attempt append run under
	// the coordinator's per-order lock.
	attempt, err := g.coordinator.BeginAttempt(ctx, orderID, method)
	if errors.Is(err, settlement.ErrAttemptInFlight) {
		return StartPaymentResult{}, ErrPaymentAlreadyInFlight
	}
	if err != nil {
		return StartPaymentResult{}, err
	}

	order, err := g.repo.GetOrder(ctx, orderID)
	if err != nil {
		return StartPaymentResult{}, err
	}

	var res adapter.InitiationResult
	callErr := g.timedCall(ctx, method, "initiate", func(ctx context.Context) error {
		var err error
		res, err = ad.Initiate(ctx, order, params)
		return err
	})
	if callErr != nil {
		// A timed-out initiate stays "initiated": the provider may have
		// accepted the push and we only lost the reply, so the attempt must
		// remain distinguishable from a definite rejection.
		if errors.Is(callErr, context.DeadlineExceeded) || errors.Is(callErr, adapter.ErrProviderUnavailable) {
			log.Printf("[gateway] order=%s initiate on %s unresolved: %v", orderID, method, callErr)
			return StartPaymentResult{}, fmt.Errorf("%w: %v", adapter.ErrProviderUnavailable, callErr)
		}
		if err := g.repo.UpdateAttempt(ctx, attempt.ID, domain.AttemptFailed, "", callErr.Error(), nil); err != nil {
			log.Printf("[gateway] order=%s failed to record initiate failure: %v", orderID, err)
		}
		metrics.AttemptsTotal.WithLabelValues(string(method), "rejected").Inc()
		g.evaluatePolicy(ctx, order, method, "initiate_rejected")
		return StartPaymentResult{}, callErr
	}

	if err := g.repo.UpdateAttempt(ctx, attempt.ID, domain.AttemptAwaitingConfirmation,
		res.ProviderReference, "", res.RawPayload); err != nil {
		if errors.Is(err, store.ErrAttemptConflict) {
			// A concurrent start promoted first. This attempt's reference was
			// never stored, so a late callback for it cannot resolve; retire
			// the record and surface the same conflict a sequential caller
			// would have seen.
			log.Printf("[gateway] order=%s attempt=%s lost promotion race, expiring ref=%s",
				orderID, attempt.ID, res.ProviderReference)
			if uerr := g.repo.UpdateAttempt(ctx, attempt.ID, domain.AttemptExpired, "", "superseded by concurrent attempt", nil); uerr != nil {
				log.Printf("[gateway] order=%s failed to expire superseded attempt: %v", orderID, uerr)
			}
			metrics.AttemptsTotal.WithLabelValues(string(method), "expired").Inc()
			return StartPaymentResult{}, ErrPaymentAlreadyInFlight
		}
		return StartPaymentResult{}, err
	}
	log.Printf("[gateway] order=%s attempt=%s awaiting confirmation ref=%s rail=%s",
		orderID, attempt.ID, res.ProviderReference, method)

	return StartPaymentResult{
		AttemptID:         attempt.ID,
		ProviderReference: res.ProviderReference,
		Flow:              res.Flow,
		RedirectURL:       res.RedirectURL,
	}, nil
}

// HandleCallback parses, validates, and applies one provider callback. It is
// idempotent: a replay for an attempt already resolved is a no-op returning
// nil, so providers that retry on timeout never double-apply a transition.
// HTTP handlers above decide the response code; the push rail always ACKs.
func (g *Gateway) HandleCallback(ctx context.Context, rail domain.PaymentMethod, body []byte, header http.Header) error {
	tracer := otel.Tracer("gateway")
	ctx, span := tracer.Start(ctx, "Gateway.HandleCallback")
	defer span.End()
	span.SetAttributes(attribute.String("payment.method", string(rail)))

	ad, err := g.adapterFor(rail)
	if err != nil {
		return err
	}

	if g.webhookMon != nil {
		violations, err := g.webhookMon.Validate(rail, body)
		if err != nil {
			return err
		}
		if len(violations) > 0 {
			metrics.WebhookDeliveriesTotal.WithLabelValues(string(rail), "rejected").Inc()
			log.Printf("[gateway] %s webhook failed contract check: %s", rail, monitor.FormatViolations(violations))
			return fmt.Errorf("%w: %s", adapter.ErrMalformed, monitor.FormatViolations(violations))
		}
	}

	ev, err := ad.ParseCallback(body, header)
	if err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues(string(rail), "rejected").Inc()
		log.Printf("[gateway] %s webhook rejected: %v", rail, err)
		return err
	}

	attempt, err := g.repo.FindAttemptByProviderReference(ctx, ev.ProviderReference)
	if err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues(string(rail), "rejected").Inc()
		log.Printf("[gateway] %s webhook for unknown reference %s", rail, ev.ProviderReference)
		return err
	}
	if domain.TerminalAttempt(attempt.Status) {
		metrics.WebhookDeliveriesTotal.WithLabelValues(string(rail), "replay").Inc()
		log.Printf("[gateway] %s webhook replay for attempt=%s (already %s)", rail, attempt.ID, attempt.Status)
		return nil
	}

	if err := g.coordinator.ApplyEvent(ctx, attempt, ev); err != nil {
		if errors.Is(err, settlement.ErrOrderAlreadySettled) {
			metrics.WebhookDeliveriesTotal.WithLabelValues(string(rail), "replay").Inc()
		}
		return err
	}
	metrics.WebhookDeliveriesTotal.WithLabelValues(string(rail), "applied").Inc()

	if ev.Outcome == adapter.OutcomeFailed {
		if order, err := g.repo.GetOrder(ctx, attempt.OrderID); err == nil {
			g.evaluatePolicy(ctx, order, rail, "attempt_failed")
		}
	}
	return nil
}

// PollStatus drives rails where the client polls instead of waiting for a
// callback. The normalized status-query result takes the same path a
// callback would.
func (g *Gateway) PollStatus(ctx context.Context, orderID string) (PollResult, error) {
	tracer := otel.Tracer("gateway")
	ctx, span := tracer.Start(ctx, "Gateway.PollStatus")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", orderID))

	order, err := g.repo.GetOrder(ctx, orderID)
	if err != nil {
		return PollResult{}, err
	}

	attempt, err := g.repo.LiveAttempt(ctx, orderID)
	if err != nil {
		// Nothing in flight; report the settled state.
		return g.snapshot(ctx, order)
	}

	ad, err := g.adapterFor(attempt.Rail)
	if err != nil {
		return PollResult{}, err
	}

	var ev adapter.NormalizedEvent
	callErr := g.timedCall(ctx, attempt.Rail, "check_status", func(ctx context.Context) error {
		var err error
		ev, err = ad.CheckStatus(ctx, attempt.ProviderReference)
		return err
	})
	if callErr != nil {
		return PollResult{}, callErr
	}

	if err := g.coordinator.ApplyEvent(ctx, attempt, ev); err != nil &&
		!errors.Is(err, settlement.ErrOrderAlreadySettled) {
		return PollResult{}, err
	}

	order, err = g.repo.GetOrder(ctx, orderID)
	if err != nil {
		return PollResult{}, err
	}
	return g.snapshot(ctx, order)
}

// Capture settles an authorized attempt on rails with a separate capture
// step and forwards the outcome through the normalized path.
func (g *Gateway) Capture(ctx context.Context, orderID string) (PollResult, error) {
	attempt, err := g.repo.LiveAttempt(ctx, orderID)
	if err != nil {
		return PollResult{}, ErrNoLiveAttempt
	}
	ad, err := g.adapterFor(attempt.Rail)
	if err != nil {
		return PollResult{}, err
	}

	var ev adapter.NormalizedEvent
	callErr := g.timedCall(ctx, attempt.Rail, "capture", func(ctx context.Context) error {
		var err error
		ev, err = ad.Capture(ctx, attempt.ProviderReference)
		return err
	})
	if callErr != nil {
		return PollResult{}, callErr
	}

	if err := g.coordinator.ApplyEvent(ctx, attempt, ev); err != nil &&
		!errors.Is(err, settlement.ErrOrderAlreadySettled) {
		return PollResult{}, err
	}

	order, err := g.repo.GetOrder(ctx, orderID)
	if err != nil {
		return PollResult{}, err
	}
	return g.snapshot(ctx, order)
}

// snapshot builds a PollResult from the order plus its most recent attempt.
func (g *Gateway) snapshot(ctx context.Context, order *domain.Order) (PollResult, error) {
	res := PollResult{OrderStatus: order.Status, PaymentStatus: order.PaymentStatus}
	attempts, err := g.repo.ListAttempts(ctx, order.ID)
	if err != nil {
		return res, nil
	}
	if len(attempts) > 0 {
		last := attempts[len(attempts)-1]
		res.AttemptStatus = last.Status
		res.FailureReason = last.FailureReason
	}
	if order.PaymentStatus == domain.PaymentFailed && g.policies != nil {
		d := g.policies.Evaluate(map[string]interface{}{
			"rail":          string(order.PaymentMethod),
			"attempt_count": len(attempts),
			"amount":        order.Total.InexactFloat64(),
		})
		res.RetryAllowed = d.AllowRetry
	}
	return res, nil
}

// evaluatePolicy logs the advisory decision for a failed attempt; escalation
// is an operator signal, not an automatic action.
func (g *Gateway) evaluatePolicy(ctx context.Context, order *domain.Order, rail domain.PaymentMethod, cause string) {
	if g.policies == nil {
		return
	}
	attempts, err := g.repo.ListAttempts(ctx, order.ID)
	if err != nil {
		return
	}
	d := g.policies.Evaluate(map[string]interface{}{
		"rail":          string(rail),
		"attempt_count": len(attempts),
		"amount":        order.Total.InexactFloat64(),
	})
	log.Printf("[gateway] order=%s %s: policy retry=%t escalate=%t rules=%v",
		order.ID, cause, d.AllowRetry, d.EscalateManual, d.MatchedRules)
}
