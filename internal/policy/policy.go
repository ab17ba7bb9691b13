// Package policy maps the vocabulary of each status source onto probe
// outcomes. Rules are govaluate expressions evaluated against the fields a
// source reported, so the mapping can change without touching the prober.
package policy

import (
	"fmt"
	"sort"

	"github.com/Knetic/govaluate"

	"github.com/yourorg/momo-confirm/internal/confirmation"
)

// Parameter names available to rule expressions.
const (
	ParamCode        = "code"        // gateway result code, "" when absent
	ParamDescription = "description" // gateway result description
	ParamStatus      = "status"      // order status, lower-cased
)

// PolicyRule maps an expression to an outcome for one source.
// Rules with a lower Priority are evaluated first; the first match wins.
type PolicyRule struct {
	ID         string
	Source     string // adapter.SourceGateway or adapter.SourceOrder
	Expression string
	Priority   int
	Outcome    confirmation.Outcome
}

// Decision is the result of classifying one report.
type Decision struct {
	Outcome confirmation.Outcome
	RuleID  string // empty when no rule matched
}

type compiledRule struct {
	PolicyRule
	expr *govaluate.EvaluableExpression
}

// OutcomePolicy evaluates the rules of each source.
type OutcomePolicy struct {
	rules map[string][]compiledRule
}

// DefaultRules returns the reference mapping: gateway code "0" confirms, any
// other code declines, and the order service's paid/completed and
// failed/cancelled statuses settle the payment. Everything else is pending.
func DefaultRules() []PolicyRule {
	return []PolicyRule{
		{ID: "gateway_confirmed", Source: "gateway", Expression: "code == '0'", Priority: 1, Outcome: confirmation.OutcomeSuccess},
		{ID: "gateway_declined", Source: "gateway", Expression: "code != ''", Priority: 2, Outcome: confirmation.OutcomeFailed},
		{ID: "order_paid", Source: "order", Expression: "status == 'paid' || status == 'completed'", Priority: 1, Outcome: confirmation.OutcomeSuccess},
		{ID: "order_failed", Source: "order", Expression: "status == 'failed' || status == 'cancelled'", Priority: 2, Outcome: confirmation.OutcomeFailed},
	}
}

// NewOutcomePolicy compiles rules. A rule with an empty or invalid expression
// or an unknown outcome is rejected.
func NewOutcomePolicy(rules []PolicyRule) (*OutcomePolicy, error) {
	p := &OutcomePolicy{rules: make(map[string][]compiledRule)}
	for _, r := range rules {
		if r.Expression == "" {
			return nil, fmt.Errorf("policy rule ID '%s' has an empty expression", r.ID)
		}
		switch r.Outcome {
		case confirmation.OutcomePending, confirmation.OutcomeSuccess, confirmation.OutcomeFailed:
		default:
			return nil, fmt.Errorf("policy rule ID '%s' has unknown outcome %q", r.ID, r.Outcome)
		}
		expr, err := govaluate.NewEvaluableExpression(r.Expression)
		if err != nil {
			return nil, fmt.Errorf("failed to compile rule ID '%s': %w", r.ID, err)
		}
		p.rules[r.Source] = append(p.rules[r.Source], compiledRule{PolicyRule: r, expr: expr})
	}
	for source := range p.rules {
		sort.SliceStable(p.rules[source], func(i, j int) bool {
			return p.rules[source][i].Priority < p.rules[source][j].Priority
		})
	}
	return p, nil
}

// Evaluate classifies params for source. With no matching rule the outcome
// is pending.
func (p *OutcomePolicy) Evaluate(source string, params map[string]interface{}) (Decision, error) {
	for _, r := range p.rules[source] {
		result, err := r.expr.Evaluate(params)
		if err != nil {
			return Decision{Outcome: confirmation.OutcomePending}, fmt.Errorf("policy rule ID '%s': %w", r.ID, err)
		}
		matched, ok := result.(bool)
		if !ok {
			return Decision{Outcome: confirmation.OutcomePending}, fmt.Errorf("policy rule ID '%s' did not yield a boolean, got %T", r.ID, result)
		}
		if matched {
			return Decision{Outcome: r.Outcome, RuleID: r.ID}, nil
		}
	}
	return Decision{Outcome: confirmation.OutcomePending}, nil
}
