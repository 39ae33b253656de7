// Package orchestrator glues the fraud analyzer, pricing engine, swarm
// and router into the payment decision pipeline.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/paymesh/payment-fabric/internal/clock"
	"github.com/paymesh/payment-fabric/internal/metrics"
	"github.com/paymesh/payment-fabric/internal/models"
)

// ErrExecutionFailed reports that the swarm accepted but could not
// complete the execution task for an approved payment.
var ErrExecutionFailed = errors.New("execution failed")

// FraudAnalyzer scores a transaction. Never fails on domain input.
type FraudAnalyzer interface {
	Analyze(ctx context.Context, tx models.Transaction) models.FraudAnalysis
}

// Pricer produces the dynamic price for the current market snapshot.
type Pricer interface {
	Optimal(market models.MarketData) models.PriceRecommendation
}

// Router finds a cross-chain route for the payment.
type Router interface {
	Route(ctx context.Context, from, to string, amount float64, objective models.RouteObjective) (*models.RouteResult, error)
}

// Swarm is the task scheduler and consensus surface of the agent pool.
type Swarm interface {
	RequestConsensus(ctx context.Context, topic string, payload models.JSONB, roleFilter []models.AgentRole) (*models.ConsensusResult, error)
	Submit(kind string, payload models.JSONB, priority int, deadline *time.Time) (models.Task, error)
	Wait(ctx context.Context, id string) (models.Task, error)
}

// MarketSource supplies the pricing engine's input snapshot.
type MarketSource interface {
	Snapshot(ctx context.Context) (models.MarketData, error)
}

// AnalysisStore persists fraud analyses for later replay comparison.
// Optional; persistence failures never block a decision.
type AnalysisStore interface {
	Create(ctx context.Context, a *models.FraudAnalysis) error
}

// Config tunes the decision pipeline.
type Config struct {
	// HighValueAmount is the amount above which the default policy set
	// requires swarm consensus.
	HighValueAmount float64
	// DecisionTimeout bounds one whole ProcessPayment call.
	DecisionTimeout time.Duration
	// ConsensusRoles restricts which agent roles vote; nil means all.
	ConsensusRoles []models.AgentRole
	// ExecutionPriority is the floor priority for execute tasks.
	ExecutionPriority int
	// DefaultObjective is used when the request does not name one.
	DefaultObjective models.RouteObjective
}

func DefaultConfig() Config {
	return Config{
		HighValueAmount:   10000,
		DecisionTimeout:   10 * time.Second,
		ExecutionPriority: 5,
		DefaultObjective:  models.ObjectiveBalance,
	}
}

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Fraud   FraudAnalyzer
	Pricer  Pricer
	Router  Router
	Swarm   Swarm
	Market  MarketSource
	Policy  *PolicyEngine
	Metrics *metrics.Metrics
	Clock   clock.Clock
	IDs     *clock.IDGenerator
	// Analyses, when set, receives every fraud analysis the pipeline runs.
	Analyses AnalysisStore
}

// Orchestrator runs the validate → analyze → price → policy → consensus →
// route → execute pipeline for each payment request.
type Orchestrator struct {
	cfg      Config
	fraud    FraudAnalyzer
	pricer   Pricer
	router   Router
	swarm    Swarm
	market   MarketSource
	policy   *PolicyEngine
	metrics  *metrics.Metrics
	clk      clock.Clock
	ids      *clock.IDGenerator
	analyses AnalysisStore
}

func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.HighValueAmount <= 0 {
		cfg.HighValueAmount = 10000
	}
	if cfg.DecisionTimeout <= 0 {
		cfg.DecisionTimeout = 10 * time.Second
	}
	if cfg.ExecutionPriority <= 0 {
		cfg.ExecutionPriority = 5
	}
	if cfg.DefaultObjective == "" {
		cfg.DefaultObjective = models.ObjectiveBalance
	}

	o := &Orchestrator{
		cfg:      cfg,
		fraud:    deps.Fraud,
		pricer:   deps.Pricer,
		router:   deps.Router,
		swarm:    deps.Swarm,
		market:   deps.Market,
		policy:   deps.Policy,
		metrics:  deps.Metrics,
		clk:      deps.Clock,
		ids:      deps.IDs,
		analyses: deps.Analyses,
	}
	if o.policy == nil {
		o.policy = NewPolicyEngine(cfg.HighValueAmount)
	}
	if o.metrics == nil {
		o.metrics = metrics.New()
	}
	if o.clk == nil {
		o.clk = clock.NewSystemClock()
	}
	if o.ids == nil {
		o.ids = clock.NewIDGenerator()
	}
	if o.market == nil {
		o.market = neutralMarket{}
	}
	return o
}

// Policy exposes the rule engine for API-driven rule updates.
func (o *Orchestrator) Policy() *PolicyEngine {
	return o.policy
}

// ProcessPayment runs one payment through the full decision pipeline.
// Fraud analysis and pricing never abort a payment; routing and swarm
// errors surface to the caller.
func (o *Orchestrator) ProcessPayment(ctx context.Context, req *models.PaymentRequest) (*models.PaymentDecision, error) {
	start := o.clk.Now()

	if err := o.validate(req); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.DecisionTimeout)
	defer cancel()

	analysis := o.fraud.Analyze(ctx, transactionFrom(req))
	o.metrics.FraudRiskScore.Observe(analysis.RiskScore)
	for _, sig := range analysis.Signals {
		o.metrics.FraudSignals.WithLabelValues(string(sig.Kind)).Inc()
	}
	if o.analyses != nil {
		if err := o.analyses.Create(ctx, &analysis); err != nil {
			log.Warn().Err(err).Str("payment_id", req.ID).Msg("Failed to persist fraud analysis")
		}
	}

	price := o.quotePrice(ctx)

	action, ruleID := o.policy.Evaluate(&analysis, req)

	var consensus *models.ConsensusResult
	switch action {
	case ActionReject:
		return o.finish(req, &models.PaymentDecision{
			PaymentID: req.ID,
			Outcome:   models.OutcomeRejected,
			Reason:    rejectionReason(ruleID, &analysis),
			RiskLevel: analysis.RiskLevel,
			RiskScore: analysis.RiskScore,
			Price:     price.Price,
		}, start), nil

	case ActionReview:
		return o.finish(req, &models.PaymentDecision{
			PaymentID: req.ID,
			Outcome:   models.OutcomeReview,
			Reason:    rejectionReason(ruleID, &analysis),
			RiskLevel: analysis.RiskLevel,
			RiskScore: analysis.RiskScore,
			Price:     price.Price,
		}, start), nil

	case ActionRequireConsensus:
		var err error
		consensus, err = o.swarm.RequestConsensus(ctx, "approve-payment:"+req.ID, models.JSONB{
			"payment_id": req.ID,
			"user_id":    req.UserID,
			"amount":     req.Amount,
			"risk_score": analysis.RiskScore,
			"risk_level": string(analysis.RiskLevel),
		}, o.cfg.ConsensusRoles)
		if err != nil {
			return nil, fmt.Errorf("consensus request: %w", err)
		}
		o.metrics.ConsensusRounds.WithLabelValues(fmt.Sprintf("%t", consensus.ConsensusReached)).Inc()
		if !consensus.Decision {
			return o.finish(req, &models.PaymentDecision{
				PaymentID: req.ID,
				Outcome:   models.OutcomeRejected,
				Reason: fmt.Sprintf("swarm consensus rejected payment (approval %.2f, rule %s)",
					consensus.ApprovalRatio, ruleID),
				RiskLevel: analysis.RiskLevel,
				RiskScore: analysis.RiskScore,
				Price:     price.Price,
				Consensus: consensus,
			}, start), nil
		}
	}

	route, err := o.router.Route(ctx, req.FromChain, req.ToChain, req.Amount, o.objectiveFor(req))
	if err != nil {
		return nil, fmt.Errorf("routing payment %s: %w", req.ID, err)
	}
	o.metrics.RoutesComputed.WithLabelValues(string(route.Objective)).Inc()
	o.metrics.RouteCostUSD.Observe(route.TotalCostUSD)

	task, err := o.execute(ctx, req, route, price.Price)
	if err != nil {
		return nil, err
	}

	return o.finish(req, &models.PaymentDecision{
		PaymentID: req.ID,
		Outcome:   models.OutcomeExecuted,
		Reason:    "approved",
		RiskLevel: analysis.RiskLevel,
		RiskScore: analysis.RiskScore,
		Price:     price.Price,
		Route:     route,
		Consensus: consensus,
		TaskID:    task.ID,
	}, start), nil
}

func (o *Orchestrator) validate(req *models.PaymentRequest) error {
	switch {
	case req == nil:
		return fmt.Errorf("%w: nil request", models.ErrInvalidInput)
	case req.Amount <= 0:
		return fmt.Errorf("%w: amount must be positive", models.ErrInvalidInput)
	case req.UserID == "":
		return fmt.Errorf("%w: missing user id", models.ErrInvalidInput)
	case req.FromChain == "" || req.ToChain == "":
		return fmt.Errorf("%w: missing chain", models.ErrInvalidInput)
	case req.FromAddress == "" || req.ToAddress == "":
		return fmt.Errorf("%w: missing address", models.ErrInvalidInput)
	}
	if req.ID == "" {
		req.ID = o.ids.NewID("pay")
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = o.clk.Now()
	}
	return nil
}

func (o *Orchestrator) quotePrice(ctx context.Context) models.PriceRecommendation {
	market, err := o.market.Snapshot(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Market snapshot failed, pricing on neutral market")
		market = models.MarketData{Demand: 0.5, Supply: 0.5, ObservedAt: o.clk.Now()}
	}
	rec := o.pricer.Optimal(market)
	variant := rec.Variant
	if variant == "" {
		variant = "none"
	}
	o.metrics.PricingAdjustments.WithLabelValues(variant).Inc()
	return rec
}

func (o *Orchestrator) execute(ctx context.Context, req *models.PaymentRequest, route *models.RouteResult, price float64) (models.Task, error) {
	priority := req.Priority
	if priority < o.cfg.ExecutionPriority {
		priority = o.cfg.ExecutionPriority
	}

	task, err := o.swarm.Submit("execute", models.JSONB{
		"payment_id": req.ID,
		"from_chain": route.FromChain,
		"to_chain":   route.ToChain,
		"amount":     req.Amount,
		"amount_out": route.AmountOut,
		"hop_count":  route.HopCount,
		"price":      price,
	}, priority, req.Deadline)
	if err != nil {
		return models.Task{}, fmt.Errorf("submitting execution for payment %s: %w", req.ID, err)
	}

	done, err := o.swarm.Wait(ctx, task.ID)
	if err != nil {
		return models.Task{}, fmt.Errorf("waiting on execution for payment %s: %w", req.ID, err)
	}
	if done.Status != models.TaskCompleted {
		return models.Task{}, fmt.Errorf("%w: payment %s task %s: %s", ErrExecutionFailed, req.ID, done.ID, done.Error)
	}
	return done, nil
}

func (o *Orchestrator) finish(req *models.PaymentRequest, decision *models.PaymentDecision, start time.Time) *models.PaymentDecision {
	decision.DecidedAt = o.clk.Now()
	decision.ElapsedMs = decision.DecidedAt.Sub(start).Milliseconds()
	o.metrics.PaymentsDecided.WithLabelValues(string(decision.Outcome)).Inc()

	log.Info().
		Str("payment_id", req.ID).
		Str("user_id", req.UserID).
		Float64("amount", req.Amount).
		Str("outcome", string(decision.Outcome)).
		Str("risk_level", string(decision.RiskLevel)).
		Int64("elapsed_ms", decision.ElapsedMs).
		Msg("Payment decided")

	return decision
}

func (o *Orchestrator) objectiveFor(req *models.PaymentRequest) models.RouteObjective {
	if v, ok := req.Metadata["route_objective"].(string); ok {
		switch obj := models.RouteObjective(v); obj {
		case models.ObjectiveCost, models.ObjectiveSpeed, models.ObjectiveBalance:
			return obj
		}
	}
	return o.cfg.DefaultObjective
}

func transactionFrom(req *models.PaymentRequest) models.Transaction {
	return models.Transaction{
		ID:          req.ID,
		UserID:      req.UserID,
		Amount:      req.Amount,
		Timestamp:   req.CreatedAt,
		FromAddress: req.FromAddress,
		ToAddress:   req.ToAddress,
		Chain:       req.FromChain,
		IP:          req.IP,
		Geo:         req.Geo,
	}
}

func rejectionReason(ruleID string, analysis *models.FraudAnalysis) string {
	if len(analysis.Reasoning) > 0 {
		return fmt.Sprintf("policy %s: %s", ruleID, strings.Join(analysis.Reasoning, "; "))
	}
	return fmt.Sprintf("policy %s", ruleID)
}

// neutralMarket is the fallback market source when none is wired; it
// keeps the pricing engine at its base price.
type neutralMarket struct{}

func (neutralMarket) Snapshot(context.Context) (models.MarketData, error) {
	return models.MarketData{Demand: 0.5, Supply: 0.5}, nil
}
