// Package policy evaluates configurable business rules over failed payment
// attempts. The outcome is advisory: it is surfaced to the caller alongside
// the failure so the caller can decide whether to offer a retry or route the
// order to manual review. Nothing here retries automatically.
package policy

import (
	"fmt"

	"github.com/Knetic/govaluate"
)

// RuleConfig is one named boolean expression. Expressions see the parameters
// passed to Evaluate, e.g. "attempt_count < 3 && rail == 'push_payment'".
type RuleConfig struct {
	Name       string
	Expression string
	// Effect is what a true evaluation grants: "allow_retry" or "escalate".
	Effect string
}

const (
	EffectAllowRetry = "allow_retry"
	EffectEscalate   = "escalate"
)

// Decision is the combined outcome of all rules for one failed attempt.
type Decision struct {
	AllowRetry     bool
	EscalateManual bool
	// MatchedRules names the rules that evaluated true.
	MatchedRules []string
}

type compiledRule struct {
	cfg  RuleConfig
	expr *govaluate.EvaluableExpression
}

// Enforcer holds compiled rules.
type Enforcer struct {
	rules []compiledRule
}

// NewEnforcer compiles the rule expressions up front so malformed config
// fails at startup, not mid-payment.
func NewEnforcer(rules []RuleConfig) (*Enforcer, error) {
	e := &Enforcer{}
	for _, rc := range rules {
		expr, err := govaluate.NewEvaluableExpression(rc.Expression)
		if err != nil {
			return nil, fmt.Errorf("policy: compile rule %q: %w", rc.Name, err)
		}
		if rc.Effect != EffectAllowRetry && rc.Effect != EffectEscalate {
			return nil, fmt.Errorf("policy: rule %q has unknown effect %q", rc.Name, rc.Effect)
		}
		e.rules = append(e.rules, compiledRule{cfg: rc, expr: expr})
	}
	return e, nil
}

// Evaluate runs every rule against the attempt parameters. A rule that errors
// at evaluation time (missing parameter) simply does not match.
func (e *Enforcer) Evaluate(params map[string]interface{}) Decision {
	var d Decision
	for _, r := range e.rules {
		result, err := r.expr.Evaluate(params)
		if err != nil {
			continue
		}
		matched, ok := result.(bool)
		if !ok || !matched {
			continue
		}
		d.MatchedRules = append(d.MatchedRules, r.cfg.Name)
		switch r.cfg.Effect {
		case EffectAllowRetry:
			d.AllowRetry = true
		case EffectEscalate:
			d.EscalateManual = true
		}
	}
	return d
}

// DefaultRules is the rule set main installs when none is configured: failed
// attempts stay retryable up to three tries, signature trouble escalates.
func DefaultRules() []RuleConfig {
	return []RuleConfig{
		{Name: "retry-budget", Expression: "attempt_count < 3", Effect: EffectAllowRetry},
		{Name: "escalate-exhausted", Expression: "attempt_count >= 3", Effect: EffectEscalate},
	}
}
