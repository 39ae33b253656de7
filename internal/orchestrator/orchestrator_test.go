package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paymesh/payment-fabric/internal/models"
)

type stubFraud struct {
	analysis models.FraudAnalysis
	seen     []models.Transaction
}

func (s *stubFraud) Analyze(_ context.Context, tx models.Transaction) models.FraudAnalysis {
	s.seen = append(s.seen, tx)
	a := s.analysis
	a.TransactionID = tx.ID
	return a
}

type stubPricer struct {
	rec models.PriceRecommendation
}

func (s *stubPricer) Optimal(models.MarketData) models.PriceRecommendation {
	return s.rec
}

type stubRouter struct {
	result *models.RouteResult
	err    error
	calls  int
}

func (s *stubRouter) Route(_ context.Context, from, to string, amount float64, objective models.RouteObjective) (*models.RouteResult, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	r := *s.result
	r.FromChain = from
	r.ToChain = to
	r.AmountIn = amount
	r.Objective = objective
	return &r, nil
}

type stubSwarm struct {
	consensus       *models.ConsensusResult
	consensusErr    error
	consensusCalls  int
	submitted       []models.Task
	executionStatus models.TaskStatus
	executionError  string
}

func (s *stubSwarm) RequestConsensus(_ context.Context, topic string, payload models.JSONB, _ []models.AgentRole) (*models.ConsensusResult, error) {
	s.consensusCalls++
	if s.consensusErr != nil {
		return nil, s.consensusErr
	}
	result := *s.consensus
	result.Topic = topic
	return &result, nil
}

func (s *stubSwarm) Submit(kind string, payload models.JSONB, priority int, deadline *time.Time) (models.Task, error) {
	task := models.Task{
		ID:       "task_1",
		Kind:     kind,
		Priority: priority,
		Payload:  payload,
		Status:   models.TaskPending,
		Deadline: deadline,
	}
	s.submitted = append(s.submitted, task)
	return task, nil
}

func (s *stubSwarm) Wait(_ context.Context, id string) (models.Task, error) {
	status := s.executionStatus
	if status == "" {
		status = models.TaskCompleted
	}
	return models.Task{ID: id, Kind: "execute", Status: status, Error: s.executionError}, nil
}

func safeAnalysis() models.FraudAnalysis {
	return models.FraudAnalysis{
		RiskScore:      0.0,
		RiskLevel:      models.RiskLevelSafe,
		Recommendation: models.RecommendApprove,
		Confidence:     1.0,
	}
}

func testRoute() *models.RouteResult {
	return &models.RouteResult{
		Path:               []models.RouteHop{{FromChain: "ethereum", ToChain: "polygon", Bridge: "stargate"}},
		TotalCostUSD:       4.2,
		TotalTimeSec:       60,
		HopCount:           1,
		SuccessProbability: 0.99,
	}
}

func newTestOrchestrator(fraud *stubFraud, router *stubRouter, sw *stubSwarm) *Orchestrator {
	return New(Config{HighValueAmount: 10000}, Deps{
		Fraud:  fraud,
		Pricer: &stubPricer{rec: models.PriceRecommendation{Price: 2.5, Variant: "control"}},
		Router: router,
		Swarm:  sw,
	})
}

func request(amount float64) *models.PaymentRequest {
	return &models.PaymentRequest{
		ID:          "pay_1",
		UserID:      "u1",
		Amount:      amount,
		FromAddress: "0xaaa",
		ToAddress:   "0xbbb",
		FromChain:   "ethereum",
		ToChain:     "polygon",
	}
}

func TestApprovePathEndToEnd(t *testing.T) {
	fraud := &stubFraud{analysis: safeAnalysis()}
	router := &stubRouter{result: testRoute()}
	sw := &stubSwarm{}
	orch := newTestOrchestrator(fraud, router, sw)

	decision, err := orch.ProcessPayment(context.Background(), request(125.50))
	require.NoError(t, err)

	assert.Equal(t, models.OutcomeExecuted, decision.Outcome)
	assert.Equal(t, models.RiskLevelSafe, decision.RiskLevel)
	assert.Equal(t, 2.5, decision.Price)
	assert.Equal(t, "task_1", decision.TaskID)
	require.NotNil(t, decision.Route)
	assert.Equal(t, "ethereum", decision.Route.FromChain)
	assert.Nil(t, decision.Consensus, "low-value safe payment needs no consensus")
	assert.Zero(t, sw.consensusCalls)

	require.Len(t, fraud.seen, 1)
	assert.Equal(t, "pay_1", fraud.seen[0].ID)
	assert.Equal(t, "ethereum", fraud.seen[0].Chain)

	require.Len(t, sw.submitted, 1)
	assert.Equal(t, "execute", sw.submitted[0].Kind)
	assert.Equal(t, 5, sw.submitted[0].Priority, "execution priority floor applies")
}

func TestBlockedPaymentIsRejectedWithoutRouting(t *testing.T) {
	fraud := &stubFraud{analysis: models.FraudAnalysis{
		RiskScore:      1.0,
		RiskLevel:      models.RiskLevelCritical,
		Recommendation: models.RecommendBlock,
		Confidence:     1.0,
		Reasoning:      []string{"known fraudulent address"},
	}}
	router := &stubRouter{result: testRoute()}
	sw := &stubSwarm{}
	orch := newTestOrchestrator(fraud, router, sw)

	decision, err := orch.ProcessPayment(context.Background(), request(125.50))
	require.NoError(t, err)

	assert.Equal(t, models.OutcomeRejected, decision.Outcome)
	assert.Equal(t, models.RiskLevelCritical, decision.RiskLevel)
	assert.Equal(t, 1.0, decision.RiskScore)
	assert.Contains(t, decision.Reason, "POLICY_BLOCK_RECOMMENDATION")
	assert.Contains(t, decision.Reason, "known fraudulent address")
	assert.Nil(t, decision.Route)
	assert.Zero(t, router.calls, "rejected payments must not be routed")
	assert.Empty(t, sw.submitted)
}

func TestHighValueGoesThroughConsensus(t *testing.T) {
	fraud := &stubFraud{analysis: safeAnalysis()}
	router := &stubRouter{result: testRoute()}
	sw := &stubSwarm{consensus: &models.ConsensusResult{
		Decision:         true,
		ConsensusReached: true,
		ApprovalRatio:    0.8,
		YesWeight:        8,
		NoWeight:         2,
	}}
	orch := newTestOrchestrator(fraud, router, sw)

	decision, err := orch.ProcessPayment(context.Background(), request(50000))
	require.NoError(t, err)

	assert.Equal(t, models.OutcomeExecuted, decision.Outcome)
	assert.Equal(t, 1, sw.consensusCalls)
	require.NotNil(t, decision.Consensus)
	assert.Equal(t, "approve-payment:pay_1", decision.Consensus.Topic)
	assert.InDelta(t, 0.8, decision.Consensus.ApprovalRatio, 1e-9)
}

func TestConsensusRejectionCarriesTally(t *testing.T) {
	fraud := &stubFraud{analysis: safeAnalysis()}
	router := &stubRouter{result: testRoute()}
	sw := &stubSwarm{consensus: &models.ConsensusResult{
		Decision:         false,
		ConsensusReached: true,
		ApprovalRatio:    0.35,
		YesWeight:        3.5,
		NoWeight:         6.5,
	}}
	orch := newTestOrchestrator(fraud, router, sw)

	decision, err := orch.ProcessPayment(context.Background(), request(50000))
	require.NoError(t, err)

	assert.Equal(t, models.OutcomeRejected, decision.Outcome)
	assert.Contains(t, decision.Reason, "consensus rejected")
	require.NotNil(t, decision.Consensus)
	assert.InDelta(t, 6.5, decision.Consensus.NoWeight, 1e-9)
	assert.Zero(t, router.calls)
	assert.Empty(t, sw.submitted)
}

func TestReviewRecommendationFlagsPayment(t *testing.T) {
	fraud := &stubFraud{analysis: models.FraudAnalysis{
		RiskScore:      0.4,
		RiskLevel:      models.RiskLevelMedium,
		Recommendation: models.RecommendReview,
		Confidence:     0.8,
	}}
	router := &stubRouter{result: testRoute()}
	sw := &stubSwarm{}
	orch := newTestOrchestrator(fraud, router, sw)

	decision, err := orch.ProcessPayment(context.Background(), request(200))
	require.NoError(t, err)

	assert.Equal(t, models.OutcomeReview, decision.Outcome)
	assert.Zero(t, router.calls)
}

func TestInvalidRequestsAreRejectedUpFront(t *testing.T) {
	orch := newTestOrchestrator(&stubFraud{analysis: safeAnalysis()}, &stubRouter{result: testRoute()}, &stubSwarm{})

	cases := map[string]*models.PaymentRequest{
		"zero amount":     {ID: "p", UserID: "u", Amount: 0, FromAddress: "a", ToAddress: "b", FromChain: "ethereum", ToChain: "polygon"},
		"negative amount": {ID: "p", UserID: "u", Amount: -5, FromAddress: "a", ToAddress: "b", FromChain: "ethereum", ToChain: "polygon"},
		"missing user":    {ID: "p", Amount: 10, FromAddress: "a", ToAddress: "b", FromChain: "ethereum", ToChain: "polygon"},
		"missing chain":   {ID: "p", UserID: "u", Amount: 10, FromAddress: "a", ToAddress: "b"},
		"missing address": {ID: "p", UserID: "u", Amount: 10, FromChain: "ethereum", ToChain: "polygon"},
	}

	for name, req := range cases {
		_, err := orch.ProcessPayment(context.Background(), req)
		assert.ErrorIs(t, err, models.ErrInvalidInput, name)
	}
}

func TestMissingIDIsGenerated(t *testing.T) {
	fraud := &stubFraud{analysis: safeAnalysis()}
	orch := newTestOrchestrator(fraud, &stubRouter{result: testRoute()}, &stubSwarm{})

	req := request(100)
	req.ID = ""
	decision, err := orch.ProcessPayment(context.Background(), req)
	require.NoError(t, err)
	assert.NotEmpty(t, decision.PaymentID)
	assert.Contains(t, decision.PaymentID, "pay_")
}

func TestRouterErrorSurfaces(t *testing.T) {
	routeErr := errors.New("no route")
	orch := newTestOrchestrator(&stubFraud{analysis: safeAnalysis()}, &stubRouter{err: routeErr}, &stubSwarm{})

	_, err := orch.ProcessPayment(context.Background(), request(100))
	assert.ErrorIs(t, err, routeErr)
}

func TestExecutionFailureSurfaces(t *testing.T) {
	sw := &stubSwarm{executionStatus: models.TaskFailed, executionError: "bridge unavailable"}
	orch := newTestOrchestrator(&stubFraud{analysis: safeAnalysis()}, &stubRouter{result: testRoute()}, sw)

	_, err := orch.ProcessPayment(context.Background(), request(100))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExecutionFailed)
	assert.Contains(t, err.Error(), "bridge unavailable")
}

func TestRouteObjectiveFromMetadata(t *testing.T) {
	router := &stubRouter{result: testRoute()}
	orch := newTestOrchestrator(&stubFraud{analysis: safeAnalysis()}, router, &stubSwarm{})

	req := request(100)
	req.Metadata = models.JSONB{"route_objective": "speed"}
	decision, err := orch.ProcessPayment(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, models.ObjectiveSpeed, decision.Route.Objective)

	req2 := request(100)
	req2.Metadata = models.JSONB{"route_objective": "warp"}
	decision2, err := orch.ProcessPayment(context.Background(), req2)
	require.NoError(t, err)
	assert.Equal(t, models.ObjectiveBalance, decision2.Route.Objective, "unknown objective falls back to the default")
}

func TestRequestPriorityAboveFloorIsKept(t *testing.T) {
	sw := &stubSwarm{}
	orch := newTestOrchestrator(&stubFraud{analysis: safeAnalysis()}, &stubRouter{result: testRoute()}, sw)

	req := request(100)
	req.Priority = 9
	_, err := orch.ProcessPayment(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, sw.submitted, 1)
	assert.Equal(t, 9, sw.submitted[0].Priority)
}
