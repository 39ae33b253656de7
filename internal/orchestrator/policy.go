package orchestrator

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/paymesh/payment-fabric/internal/models"
)

// PolicyAction is what a matched policy rule asks the orchestrator to do.
type PolicyAction string

// PolicyAction enum values
const (
	ActionApprove          PolicyAction = "approve"
	ActionReject           PolicyAction = "reject"
	ActionRequireConsensus PolicyAction = "require_consensus"
	ActionReview           PolicyAction = "review"
)

// PolicyRule is one JSON-configurable approval rule
type PolicyRule struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Condition   RuleCondition `json:"condition"`
	Action      PolicyAction  `json:"action"`
	Priority    int           `json:"priority"`
	Enabled     bool          `json:"enabled"`
}

// RuleCondition represents a rule condition
type RuleCondition struct {
	Type       string          `json:"type"`       // threshold, compound, time_window
	Field      string          `json:"field"`      // field to check
	Operator   string          `json:"operator"`   // >, <, =, >=, <=, !=, AND, OR
	Value      interface{}     `json:"value"`      // value to compare
	Conditions []RuleCondition `json:"conditions"` // for compound rules
	Start      int             `json:"start"`      // for time_window (hour)
	End        int             `json:"end"`        // for time_window (hour)
}

// PolicyEngine evaluates the approval rules against a fraud analysis and
// the payment request it was derived from. Rules are data: they can be
// replaced at runtime and are evaluated in priority order; the first
// matched rule with a non-approve action decides.
type PolicyEngine struct {
	mu    sync.RWMutex
	rules []PolicyRule
}

// NewPolicyEngine creates a policy engine seeded with the default rule set.
// highValueAmount is the threshold above which payments need swarm consensus.
func NewPolicyEngine(highValueAmount float64) *PolicyEngine {
	return &PolicyEngine{
		rules: defaultPolicyRules(highValueAmount),
	}
}

func defaultPolicyRules(highValueAmount float64) []PolicyRule {
	return []PolicyRule{
		{
			ID:          "POLICY_BLOCK_RECOMMENDATION",
			Name:        "Analyzer Block",
			Description: "Fraud analyzer recommended blocking the payment",
			Condition: RuleCondition{
				Type:     "threshold",
				Field:    "recommendation",
				Operator: "=",
				Value:    string(models.RecommendBlock),
			},
			Action:   ActionReject,
			Priority: 5,
			Enabled:  true,
		},
		{
			ID:          "POLICY_CRITICAL_RISK",
			Name:        "Critical Risk",
			Description: "Risk score in the critical band",
			Condition: RuleCondition{
				Type:     "threshold",
				Field:    "risk_score",
				Operator: ">=",
				Value:    float64(0.7),
			},
			Action:   ActionReject,
			Priority: 10,
			Enabled:  true,
		},
		{
			ID:          "POLICY_HIGH_VALUE",
			Name:        "High Value Payment",
			Description: "Amount above the consensus threshold",
			Condition: RuleCondition{
				Type:     "threshold",
				Field:    "amount",
				Operator: ">",
				Value:    highValueAmount,
			},
			Action:   ActionRequireConsensus,
			Priority: 20,
			Enabled:  true,
		},
		{
			ID:          "POLICY_HIGH_RISK_CROSS_CHAIN",
			Name:        "High Risk Cross Chain",
			Description: "Elevated risk on a cross-chain transfer",
			Condition: RuleCondition{
				Type:     "compound",
				Operator: "AND",
				Conditions: []RuleCondition{
					{Type: "threshold", Field: "risk_score", Operator: ">=", Value: float64(0.5)},
					{Type: "threshold", Field: "cross_chain", Operator: "=", Value: true},
				},
			},
			Action:   ActionRequireConsensus,
			Priority: 30,
			Enabled:  true,
		},
		{
			ID:          "POLICY_REVIEW_RECOMMENDATION",
			Name:        "Analyzer Review",
			Description: "Fraud analyzer asked for manual review",
			Condition: RuleCondition{
				Type:     "threshold",
				Field:    "recommendation",
				Operator: "=",
				Value:    string(models.RecommendReview),
			},
			Action:   ActionReview,
			Priority: 40,
			Enabled:  true,
		},
	}
}

// Evaluate runs every enabled rule in priority order and returns the first
// non-approve action together with the rule that produced it. No match
// means the payment passes through.
func (pe *PolicyEngine) Evaluate(analysis *models.FraudAnalysis, req *models.PaymentRequest) (PolicyAction, string) {
	pe.mu.RLock()
	defer pe.mu.RUnlock()

	ctx := buildPolicyContext(analysis, req)

	for _, rule := range pe.rules {
		if !rule.Enabled || rule.Action == ActionApprove {
			continue
		}
		if pe.evaluateCondition(rule.Condition, ctx) {
			log.Debug().
				Str("rule_id", rule.ID).
				Str("action", string(rule.Action)).
				Str("payment_id", req.ID).
				Msg("Policy rule matched")
			return rule.Action, rule.ID
		}
	}

	return ActionApprove, ""
}

// policyContext holds all values a rule condition can reference
type policyContext struct {
	Amount         float64
	RiskScore      float64
	RiskLevel      string
	Recommendation string
	Confidence     float64
	SignalCount    int
	CrossChain     bool
	Priority       int
	Hour           int
}

func buildPolicyContext(analysis *models.FraudAnalysis, req *models.PaymentRequest) policyContext {
	return policyContext{
		Amount:         req.Amount,
		RiskScore:      analysis.RiskScore,
		RiskLevel:      string(analysis.RiskLevel),
		Recommendation: string(analysis.Recommendation),
		Confidence:     analysis.Confidence,
		SignalCount:    len(analysis.Signals),
		CrossChain:     req.FromChain != req.ToChain,
		Priority:       req.Priority,
		Hour:           req.CreatedAt.Hour(),
	}
}

func (pe *PolicyEngine) evaluateCondition(cond RuleCondition, ctx policyContext) bool {
	switch cond.Type {
	case "threshold":
		return pe.evaluateThreshold(cond, ctx)
	case "compound":
		return pe.evaluateCompound(cond, ctx)
	case "time_window":
		return pe.evaluateTimeWindow(cond, ctx)
	default:
		return false
	}
}

func (pe *PolicyEngine) evaluateThreshold(cond RuleCondition, ctx policyContext) bool {
	fieldValue := pe.getFieldValue(cond.Field, ctx)
	condValue := cond.Value

	switch cond.Operator {
	case ">":
		return compareFloat(fieldValue, condValue, func(a, b float64) bool { return a > b })
	case "<":
		return compareFloat(fieldValue, condValue, func(a, b float64) bool { return a < b })
	case ">=":
		return compareFloat(fieldValue, condValue, func(a, b float64) bool { return a >= b })
	case "<=":
		return compareFloat(fieldValue, condValue, func(a, b float64) bool { return a <= b })
	case "=", "==":
		return compareEqual(fieldValue, condValue)
	case "!=":
		return !compareEqual(fieldValue, condValue)
	default:
		return false
	}
}

func (pe *PolicyEngine) evaluateCompound(cond RuleCondition, ctx policyContext) bool {
	if len(cond.Conditions) == 0 {
		return false
	}

	switch cond.Operator {
	case "AND":
		for _, sub := range cond.Conditions {
			if !pe.evaluateCondition(sub, ctx) {
				return false
			}
		}
		return true
	case "OR":
		for _, sub := range cond.Conditions {
			if pe.evaluateCondition(sub, ctx) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func (pe *PolicyEngine) evaluateTimeWindow(cond RuleCondition, ctx policyContext) bool {
	return ctx.Hour >= cond.Start && ctx.Hour < cond.End
}

func (pe *PolicyEngine) getFieldValue(field string, ctx policyContext) interface{} {
	switch field {
	case "amount":
		return ctx.Amount
	case "risk_score":
		return ctx.RiskScore
	case "risk_level":
		return ctx.RiskLevel
	case "recommendation":
		return ctx.Recommendation
	case "confidence":
		return ctx.Confidence
	case "signal_count":
		return float64(ctx.SignalCount)
	case "cross_chain":
		return ctx.CrossChain
	case "priority":
		return float64(ctx.Priority)
	case "hour":
		return float64(ctx.Hour)
	default:
		return nil
	}
}

func compareFloat(a, b interface{}, cmp func(float64, float64) bool) bool {
	aFloat, aOk := toFloat64(a)
	bFloat, bOk := toFloat64(b)
	if !aOk || !bOk {
		return false
	}
	return cmp(aFloat, bFloat)
}

func compareEqual(a, b interface{}) bool {
	// Handle bool comparison
	if aBool, ok := a.(bool); ok {
		if bBool, ok := b.(bool); ok {
			return aBool == bBool
		}
	}
	// Handle numeric comparison
	aFloat, aOk := toFloat64(a)
	bFloat, bOk := toFloat64(b)
	if aOk && bOk {
		return aFloat == bFloat
	}
	// Fallback to string comparison
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat64(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case int32:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// Rules returns the current rules (for API exposure)
func (pe *PolicyEngine) Rules() []PolicyRule {
	pe.mu.RLock()
	defer pe.mu.RUnlock()

	rules := make([]PolicyRule, len(pe.rules))
	copy(rules, pe.rules)
	return rules
}

// UpdateRule updates a single rule by ID, or adds it, and re-sorts the
// rule set by priority (for hot-reload).
func (pe *PolicyEngine) UpdateRule(rule PolicyRule) {
	pe.mu.Lock()
	defer pe.mu.Unlock()

	replaced := false
	for i, r := range pe.rules {
		if r.ID == rule.ID {
			pe.rules[i] = rule
			replaced = true
			break
		}
	}
	if !replaced {
		pe.rules = append(pe.rules, rule)
	}
	sort.SliceStable(pe.rules, func(i, j int) bool {
		return pe.rules[i].Priority < pe.rules[j].Priority
	})
	log.Info().Str("rule_id", rule.ID).Bool("replaced", replaced).Msg("Policy rule updated")
}

// TimeWindowRule builds a rule restricted to certain hours of the day,
// e.g. holding large transfers for review outside business hours.
func TimeWindowRule(id string, start, end int, action PolicyAction, priority int) PolicyRule {
	return PolicyRule{
		ID:        id,
		Name:      fmt.Sprintf("Window %02d-%02d", start, end),
		Condition: RuleCondition{Type: "time_window", Start: start, End: end},
		Action:    action,
		Priority:  priority,
		Enabled:   true,
	}
}
