package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/paymesh/payment-fabric/internal/models"
)

func analysisFixture(level models.RiskLevel, rec models.Recommendation, score float64) *models.FraudAnalysis {
	return &models.FraudAnalysis{
		TransactionID:  "t1",
		RiskScore:      score,
		RiskLevel:      level,
		Recommendation: rec,
		Confidence:     0.9,
		Reasoning:      []string{"fixture"},
	}
}

func paymentFixture(amount float64, from, to string) *models.PaymentRequest {
	return &models.PaymentRequest{
		ID:          "pay_1",
		UserID:      "u1",
		Amount:      amount,
		FromAddress: "0xaaa",
		ToAddress:   "0xbbb",
		FromChain:   from,
		ToChain:     to,
		CreatedAt:   time.Date(2025, 6, 1, 14, 0, 0, 0, time.UTC),
	}
}

func TestBlockRecommendationRejects(t *testing.T) {
	pe := NewPolicyEngine(10000)

	action, ruleID := pe.Evaluate(
		analysisFixture(models.RiskLevelCritical, models.RecommendBlock, 1.0),
		paymentFixture(50, "ethereum", "ethereum"))

	assert.Equal(t, ActionReject, action)
	assert.Equal(t, "POLICY_BLOCK_RECOMMENDATION", ruleID)
}

func TestCriticalScoreRejectsEvenWhenRecommendationIsSofter(t *testing.T) {
	pe := NewPolicyEngine(10000)

	action, ruleID := pe.Evaluate(
		analysisFixture(models.RiskLevelCritical, models.RecommendFlag, 0.75),
		paymentFixture(50, "ethereum", "ethereum"))

	assert.Equal(t, ActionReject, action)
	assert.Equal(t, "POLICY_CRITICAL_RISK", ruleID)
}

func TestHighValueRequiresConsensus(t *testing.T) {
	pe := NewPolicyEngine(10000)

	action, ruleID := pe.Evaluate(
		analysisFixture(models.RiskLevelSafe, models.RecommendApprove, 0.0),
		paymentFixture(10001, "ethereum", "ethereum"))

	assert.Equal(t, ActionRequireConsensus, action)
	assert.Equal(t, "POLICY_HIGH_VALUE", ruleID)

	// At the threshold itself, no consensus needed.
	action, _ = pe.Evaluate(
		analysisFixture(models.RiskLevelSafe, models.RecommendApprove, 0.0),
		paymentFixture(10000, "ethereum", "ethereum"))
	assert.Equal(t, ActionApprove, action)
}

func TestElevatedRiskCrossChainRequiresConsensus(t *testing.T) {
	pe := NewPolicyEngine(10000)

	action, ruleID := pe.Evaluate(
		analysisFixture(models.RiskLevelHigh, models.RecommendFlag, 0.55),
		paymentFixture(500, "ethereum", "polygon"))
	assert.Equal(t, ActionRequireConsensus, action)
	assert.Equal(t, "POLICY_HIGH_RISK_CROSS_CHAIN", ruleID)

	// Same risk on a single chain passes through to the review rule check
	// and, with a flag recommendation, is approved.
	action, _ = pe.Evaluate(
		analysisFixture(models.RiskLevelHigh, models.RecommendFlag, 0.55),
		paymentFixture(500, "ethereum", "ethereum"))
	assert.Equal(t, ActionApprove, action)
}

func TestReviewRecommendationFlagsForReview(t *testing.T) {
	pe := NewPolicyEngine(10000)

	action, ruleID := pe.Evaluate(
		analysisFixture(models.RiskLevelMedium, models.RecommendReview, 0.4),
		paymentFixture(50, "ethereum", "ethereum"))

	assert.Equal(t, ActionReview, action)
	assert.Equal(t, "POLICY_REVIEW_RECOMMENDATION", ruleID)
}

func TestCleanPaymentPassesThrough(t *testing.T) {
	pe := NewPolicyEngine(10000)

	action, ruleID := pe.Evaluate(
		analysisFixture(models.RiskLevelSafe, models.RecommendApprove, 0.0),
		paymentFixture(125.50, "ethereum", "polygon"))

	assert.Equal(t, ActionApprove, action)
	assert.Empty(t, ruleID)
}

func TestUpdateRuleReordersByPriority(t *testing.T) {
	pe := NewPolicyEngine(10000)
	pe.UpdateRule(PolicyRule{
		ID:   "POLICY_TEST_FLOOR",
		Name: "Tiny Amount",
		Condition: RuleCondition{
			Type: "threshold", Field: "amount", Operator: "<", Value: float64(1),
		},
		Action:   ActionReject,
		Priority: 1,
		Enabled:  true,
	})

	action, ruleID := pe.Evaluate(
		analysisFixture(models.RiskLevelCritical, models.RecommendBlock, 1.0),
		paymentFixture(0.5, "ethereum", "ethereum"))

	// Priority 1 beats the block-recommendation rule at priority 5.
	assert.Equal(t, ActionReject, action)
	assert.Equal(t, "POLICY_TEST_FLOOR", ruleID)

	rules := pe.Rules()
	assert.Equal(t, "POLICY_TEST_FLOOR", rules[0].ID)
}

func TestDisabledRuleIsSkipped(t *testing.T) {
	pe := NewPolicyEngine(10000)
	rule := pe.Rules()[0]
	rule.Enabled = false
	pe.UpdateRule(rule)

	action, ruleID := pe.Evaluate(
		analysisFixture(models.RiskLevelSafe, models.RecommendBlock, 0.0),
		paymentFixture(50, "ethereum", "ethereum"))

	assert.Equal(t, ActionApprove, action)
	assert.Empty(t, ruleID)
}

func TestTimeWindowRule(t *testing.T) {
	pe := NewPolicyEngine(10000)
	pe.UpdateRule(TimeWindowRule("POLICY_NIGHT_HOLD", 0, 5, ActionReview, 2))

	night := paymentFixture(50, "ethereum", "ethereum")
	night.CreatedAt = time.Date(2025, 6, 1, 3, 0, 0, 0, time.UTC)

	action, ruleID := pe.Evaluate(
		analysisFixture(models.RiskLevelSafe, models.RecommendApprove, 0.0), night)
	assert.Equal(t, ActionReview, action)
	assert.Equal(t, "POLICY_NIGHT_HOLD", ruleID)

	day := paymentFixture(50, "ethereum", "ethereum")
	action, _ = pe.Evaluate(
		analysisFixture(models.RiskLevelSafe, models.RecommendApprove, 0.0), day)
	assert.Equal(t, ActionApprove, action)
}

func TestCompoundOrCondition(t *testing.T) {
	pe := NewPolicyEngine(10000)
	pe.UpdateRule(PolicyRule{
		ID: "POLICY_EITHER",
		Condition: RuleCondition{
			Type:     "compound",
			Operator: "OR",
			Conditions: []RuleCondition{
				{Type: "threshold", Field: "signal_count", Operator: ">=", Value: float64(4)},
				{Type: "threshold", Field: "confidence", Operator: "<=", Value: float64(0.2)},
			},
		},
		Action:   ActionReview,
		Priority: 3,
		Enabled:  true,
	})

	lowConfidence := analysisFixture(models.RiskLevelLow, models.RecommendApprove, 0.1)
	lowConfidence.Confidence = 0.1

	action, ruleID := pe.Evaluate(lowConfidence, paymentFixture(50, "ethereum", "ethereum"))
	assert.Equal(t, ActionReview, action)
	assert.Equal(t, "POLICY_EITHER", ruleID)
}
