package models

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidInput marks malformed domain input: unknown chain, negative
// amount, non-monotonic timestamp, missing identifiers.
var ErrInvalidInput = errors.New("invalid input")

// User represents an operator account for the API surface
type User struct {
	ID           uuid.UUID  `json:"id"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"`
	Role         string     `json:"role"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty"`
}

// Operator role enum values
const (
	RoleAdmin    = "admin"
	RoleAnalyst  = "analyst"
	RoleOperator = "operator"
)

// GeoPoint is an optional transaction origin location
type GeoPoint struct {
	Country string  `json:"country"`
	City    string  `json:"city,omitempty"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
}

// Transaction is a single observed payment leg. Immutable once created.
type Transaction struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Amount      float64   `json:"amount"`
	Timestamp   time.Time `json:"timestamp"`
	FromAddress string    `json:"from_address"`
	ToAddress   string    `json:"to_address"`
	Chain       string    `json:"chain"`
	IP          string    `json:"ip,omitempty"`
	Geo         *GeoPoint `json:"geo,omitempty"`
}

// SignalKind classifies a fraud signal
type SignalKind string

// SignalKind enum values
const (
	SignalVelocity      SignalKind = "velocity"
	SignalAmountAnomaly SignalKind = "amount-anomaly"
	SignalPattern       SignalKind = "pattern"
	SignalGeoAnomaly    SignalKind = "geo-anomaly"
	SignalKnownFraud    SignalKind = "known-fraud"
	SignalBehavioral    SignalKind = "behavioral"
)

// Severity grades a fraud signal
type Severity string

// Severity enum values
const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// RiskLevel buckets an aggregate risk score
type RiskLevel string

// RiskLevel enum values
const (
	RiskLevelSafe     RiskLevel = "safe"
	RiskLevelLow      RiskLevel = "low"
	RiskLevelMedium   RiskLevel = "medium"
	RiskLevelHigh     RiskLevel = "high"
	RiskLevelCritical RiskLevel = "critical"
)

// Recommendation is the analyzer's suggested action
type Recommendation string

// Recommendation enum values
const (
	RecommendApprove Recommendation = "approve"
	RecommendFlag    Recommendation = "flag"
	RecommendBlock   Recommendation = "block"
	RecommendReview  Recommendation = "review"
)

// FraudSignal is a single piece of risk evidence. Immutable.
type FraudSignal struct {
	Kind        SignalKind     `json:"kind"`
	Severity    Severity       `json:"severity"`
	Confidence  float64        `json:"confidence"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// FraudAnalysis is the derived verdict for one transaction. Never mutated.
type FraudAnalysis struct {
	TransactionID  string         `json:"transaction_id"`
	RiskScore      float64        `json:"risk_score"`
	RiskLevel      RiskLevel      `json:"risk_level"`
	Signals        []FraudSignal  `json:"signals"`
	Recommendation Recommendation `json:"recommendation"`
	Confidence     float64        `json:"confidence"`
	Reasoning      []string       `json:"reasoning"`
	AnalyzedAt     time.Time      `json:"analyzed_at"`
	ElapsedMs      int64          `json:"elapsed_ms"`
}

// RiskTier labels a yield protocol
type RiskTier string

// RiskTier enum values
const (
	RiskTierLow    RiskTier = "low"
	RiskTierMedium RiskTier = "medium"
	RiskTierHigh   RiskTier = "high"
)

// Strategy selects which protocol risk tiers the allocator admits
type Strategy string

// Strategy enum values
const (
	StrategyConservative Strategy = "conservative"
	StrategyBalanced     Strategy = "balanced"
	StrategyAggressive   Strategy = "aggressive"
)

// Protocol is an external yield venue snapshot
type Protocol struct {
	Name       string   `json:"name" yaml:"name"`
	APY        float64  `json:"apy" yaml:"apy"`
	TVL        float64  `json:"tvl" yaml:"tvl"`
	RiskTier   RiskTier `json:"risk_tier" yaml:"risk_tier"`
	Weight     float64  `json:"weight" yaml:"weight"`
	MinDeposit float64  `json:"min_deposit" yaml:"min_deposit"`
}

// Position is a held deposit in one protocol. Owned by the allocator.
type Position struct {
	Protocol    string    `json:"protocol"`
	Amount      float64   `json:"amount"`
	EntryAPY    float64   `json:"entry_apy"`
	Value       float64   `json:"value"`
	LastUpdated time.Time `json:"last_updated"`
}

// ProtocolTarget is one line of a computed allocation
type ProtocolTarget struct {
	Protocol string  `json:"protocol"`
	Amount   float64 `json:"amount"`
	APY      float64 `json:"apy"`
	Score    float64 `json:"score"`
}

// AllocationReport summarizes one optimizer pass
type AllocationReport struct {
	Balance           float64          `json:"balance"`
	Available         float64          `json:"available"`
	Targets           []ProtocolTarget `json:"targets"`
	Rebalanced        bool             `json:"rebalanced"`
	TotalValue        float64          `json:"total_value"`
	WeightedAPY       float64          `json:"weighted_apy"`
	BaselineAPY       float64          `json:"baseline_apy"`
	VsBaselinePct     float64          `json:"vs_baseline_pct"`
	SkippedMinDeposit []string         `json:"skipped_min_deposit,omitempty"`
	GeneratedAt       time.Time        `json:"generated_at"`
}

// FactorKind classifies a pricing adjustment factor
type FactorKind string

// FactorKind enum values
const (
	FactorDemand     FactorKind = "demand"
	FactorCompetitor FactorKind = "competitor"
	FactorTime       FactorKind = "time"
	FactorCapacity   FactorKind = "capacity"
	FactorCustom     FactorKind = "custom"
)

// AdjustmentFactor configures one pricing input
type AdjustmentFactor struct {
	Name    string         `json:"name" yaml:"name"`
	Kind    FactorKind     `json:"kind" yaml:"kind"`
	Weight  float64        `json:"weight" yaml:"weight"`
	Enabled bool           `json:"enabled" yaml:"enabled"`
	Config  map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// CompetitorQuote is one competitor price observation
type CompetitorQuote struct {
	Competitor  string  `json:"competitor" yaml:"competitor"`
	Price       float64 `json:"price" yaml:"price"`
	MarketShare float64 `json:"market_share,omitempty" yaml:"market_share"`
}

// MarketData is the pricing combiner's input snapshot
type MarketData struct {
	Demand      float64           `json:"demand"`
	Supply      float64           `json:"supply"`
	Competitors []CompetitorQuote `json:"competitors,omitempty"`
	ObservedAt  time.Time         `json:"observed_at"`
}

// PricePoint is one committed price with its observed outcome
type PricePoint struct {
	Price     float64   `json:"price"`
	Volume    float64   `json:"volume"`
	Revenue   float64   `json:"revenue"`
	Timestamp time.Time `json:"timestamp"`
}

// FactorImpact reports how much one factor moved the price
type FactorImpact struct {
	Name   string     `json:"name"`
	Kind   FactorKind `json:"kind"`
	Score  float64    `json:"score"`
	Impact float64    `json:"impact"`
}

// PriceRecommendation is the pricing combiner's output
type PriceRecommendation struct {
	Price            float64        `json:"price"`
	BasePrice        float64        `json:"base_price"`
	Factors          []FactorImpact `json:"factors"`
	Variant          string         `json:"variant,omitempty"`
	Confidence       float64        `json:"confidence"`
	DemandChangePct  float64        `json:"demand_change_pct"`
	RevenueChangePct float64        `json:"revenue_change_pct"`
	MarginChangePct  float64        `json:"margin_change_pct"`
	GeneratedAt      time.Time      `json:"generated_at"`
}

// PriceVariant is a static A/B price multiplier
type PriceVariant struct {
	Name       string  `json:"name" yaml:"name"`
	Multiplier float64 `json:"multiplier" yaml:"multiplier"`
	Allocation float64 `json:"allocation" yaml:"allocation"`
}

// Chain describes a supported network
type Chain struct {
	Name           string  `json:"name" yaml:"name"`
	NativeToken    string  `json:"native_token" yaml:"native_token"`
	NativePriceUSD float64 `json:"native_price_usd" yaml:"native_price_usd"`
}

// Bridge is a parameterized cross-chain transfer primitive
type Bridge struct {
	Name            string   `json:"name" yaml:"name"`
	SupportedChains []string `json:"supported_chains" yaml:"supported_chains"`
	BaseFeeUSD      float64  `json:"base_fee_usd" yaml:"base_fee_usd"`
	FeePercent      float64  `json:"fee_percent" yaml:"fee_percent"`
	AvgTimeSec      float64  `json:"avg_time_sec" yaml:"avg_time_sec"`
	MaxSlippagePct  float64  `json:"max_slippage_pct" yaml:"max_slippage_pct"`
	MinAmount       float64  `json:"min_amount" yaml:"min_amount"`
	MaxAmount       float64  `json:"max_amount" yaml:"max_amount"`
	Reliability     float64  `json:"reliability" yaml:"reliability"`
}

// GasQuote is one chain's gas price snapshot in gwei
type GasQuote struct {
	Standard  float64   `json:"standard" yaml:"standard"`
	Fast      float64   `json:"fast" yaml:"fast"`
	Instant   float64   `json:"instant" yaml:"instant"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// RouteObjective selects the router's optimization criterion
type RouteObjective string

// RouteObjective enum values
const (
	ObjectiveCost    RouteObjective = "cost"
	ObjectiveSpeed   RouteObjective = "speed"
	ObjectiveBalance RouteObjective = "balance"
)

// RouteHop is one bridge edge in a route
type RouteHop struct {
	FromChain string  `json:"from_chain"`
	ToChain   string  `json:"to_chain"`
	Bridge    string  `json:"bridge"`
	Amount    float64 `json:"amount"`
	CostUSD   float64 `json:"cost_usd"`
	TimeSec   float64 `json:"time_sec"`
	GasUSD    float64 `json:"gas_usd"`
}

// RouteResult aggregates a selected path
type RouteResult struct {
	FromChain          string         `json:"from_chain"`
	ToChain            string         `json:"to_chain"`
	AmountIn           float64        `json:"amount_in"`
	AmountOut          float64        `json:"amount_out"`
	Path               []RouteHop     `json:"path"`
	TotalCostUSD       float64        `json:"total_cost_usd"`
	TotalTimeSec       float64        `json:"total_time_sec"`
	HopCount           int            `json:"hop_count"`
	SuccessProbability float64        `json:"success_probability"`
	Objective          RouteObjective `json:"objective"`
	Recommendation     string         `json:"recommendation"`
}

// AgentRole classifies a swarm agent
type AgentRole string

// AgentRole enum values
const (
	RoleValidator    AgentRole = "validator"
	RoleExecutor     AgentRole = "executor"
	RoleOptimizer    AgentRole = "optimizer"
	RoleRiskAssessor AgentRole = "risk-assessor"
	RoleCoordinator  AgentRole = "coordinator"
)

// AgentStatus is an agent lifecycle state
type AgentStatus string

// AgentStatus enum values
const (
	AgentActive  AgentStatus = "active"
	AgentBusy    AgentStatus = "busy"
	AgentOffline AgentStatus = "offline"
	AgentFailed  AgentStatus = "failed"
)

// Agent is one member of the swarm. Status transitions only; never removed
// except on shutdown.
type Agent struct {
	ID           string      `json:"id"`
	Role         AgentRole   `json:"role"`
	Capabilities []string    `json:"capabilities,omitempty"`
	Weight       float64     `json:"weight"`
	Status       AgentStatus `json:"status"`
	LastActive   time.Time   `json:"last_active"`
}

// TaskStatus is a task lifecycle state
type TaskStatus string

// TaskStatus enum values
const (
	TaskPending    TaskStatus = "pending"
	TaskAssigned   TaskStatus = "assigned"
	TaskInProgress TaskStatus = "in-progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// Task is one unit of swarm work. Terminal in completed or failed.
type Task struct {
	ID        string     `json:"id"`
	Kind      string     `json:"kind"`
	Priority  int        `json:"priority"`
	Payload   JSONB      `json:"payload,omitempty"`
	AgentID   string     `json:"agent_id,omitempty"`
	Status    TaskStatus `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	Deadline  *time.Time `json:"deadline,omitempty"`
	Result    JSONB      `json:"result,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// Vote is one agent's consensus ballot
type Vote struct {
	AgentID    string    `json:"agent_id"`
	Approve    bool      `json:"approve"`
	Confidence float64   `json:"confidence"`
	Reasoning  string    `json:"reasoning,omitempty"`
	VotedAt    time.Time `json:"voted_at"`
}

// ConsensusResult is the weighted tally for one consensus round
type ConsensusResult struct {
	Topic            string  `json:"topic"`
	Decision         bool    `json:"decision"`
	ConsensusReached bool    `json:"consensus_reached"`
	ApprovalRatio    float64 `json:"approval_ratio"`
	YesWeight        float64 `json:"yes_weight"`
	NoWeight         float64 `json:"no_weight"`
	Confidence       float64 `json:"confidence"`
	Participation    float64 `json:"participation"`
	Votes            []Vote  `json:"votes"`
}

// DecisionOutcome is the terminal state of a payment request
type DecisionOutcome string

// DecisionOutcome enum values
const (
	OutcomeExecuted DecisionOutcome = "executed"
	OutcomeRejected DecisionOutcome = "rejected"
	OutcomeReview   DecisionOutcome = "flagged_for_review"
)

// PaymentRequest is the fabric's unit of intake
type PaymentRequest struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	Amount      float64    `json:"amount"`
	FromAddress string     `json:"from_address"`
	ToAddress   string     `json:"to_address"`
	FromChain   string     `json:"from_chain"`
	ToChain     string     `json:"to_chain"`
	Priority    int        `json:"priority"`
	Deadline    *time.Time `json:"deadline,omitempty"`
	IP          string     `json:"ip,omitempty"`
	Geo         *GeoPoint  `json:"geo,omitempty"`
	Metadata    JSONB      `json:"metadata,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// PaymentDecision is the structured outcome handed back to callers
type PaymentDecision struct {
	PaymentID string           `json:"payment_id"`
	Outcome   DecisionOutcome  `json:"outcome"`
	Reason    string           `json:"reason"`
	RiskLevel RiskLevel        `json:"risk_level"`
	RiskScore float64          `json:"risk_score"`
	Price     float64          `json:"price,omitempty"`
	Route     *RouteResult     `json:"route,omitempty"`
	Consensus *ConsensusResult `json:"consensus,omitempty"`
	TaskID    string           `json:"task_id,omitempty"`
	DecidedAt time.Time        `json:"decided_at"`
	ElapsedMs int64            `json:"elapsed_ms"`
}

// PaymentEvent is the wire shape published to Redis Streams / consumed
// from Kafka
type PaymentEvent struct {
	PaymentID   string    `json:"payment_id"`
	UserID      string    `json:"user_id"`
	Amount      float64   `json:"amount"`
	FromAddress string    `json:"from_address"`
	ToAddress   string    `json:"to_address"`
	FromChain   string    `json:"from_chain"`
	ToChain     string    `json:"to_chain"`
	Priority    int       `json:"priority"`
	IP          string    `json:"ip,omitempty"`
	Geo         *GeoPoint `json:"geo,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	RetryCount  int       `json:"retry_count"`
}

// DecisionEvent is the wire shape published after a payment is decided
type DecisionEvent struct {
	PaymentID string          `json:"payment_id"`
	Outcome   DecisionOutcome `json:"outcome"`
	Reason    string          `json:"reason"`
	RiskLevel RiskLevel       `json:"risk_level"`
	RiskScore float64         `json:"risk_score"`
	Price     float64         `json:"price,omitempty"`
	HopCount  int             `json:"hop_count,omitempty"`
	TaskID    string          `json:"task_id,omitempty"`
	DecidedAt time.Time       `json:"decided_at"`
}

// AuditLog represents an audit trail entry
type AuditLog struct {
	ID         uuid.UUID  `json:"id"`
	EventType  string     `json:"event_type"`
	EntityID   string     `json:"entity_id"`
	EntityType string     `json:"entity_type"`
	UserID     *uuid.UUID `json:"user_id,omitempty"`
	Action     string     `json:"action"`
	Payload    JSONB      `json:"payload"`
	IPAddress  string     `json:"ip_address"`
	RequestID  string     `json:"request_id"`
	CreatedAt  time.Time  `json:"created_at"`
}

// AuditEventType enum values
const (
	AuditEventPayment   = "payment"
	AuditEventDecision  = "decision"
	AuditEventConsensus = "consensus"
	AuditEventRebalance = "rebalance"
	AuditEventBlocklist = "blocklist"
	AuditEventRoute     = "route"
	AuditEventUserLogin = "user_login"
)

// JSONB is a helper type for PostgreSQL JSONB columns
type JSONB map[string]interface{}

func (j JSONB) Value() ([]byte, error) {
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, j)
}

// Pagination represents pagination parameters
type Pagination struct {
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
	Total    int `json:"total"`
}

// PaginatedResponse wraps paginated results
type PaginatedResponse struct {
	Data       interface{} `json:"data"`
	Pagination Pagination  `json:"pagination"`
}

// DecisionSummary represents aggregated decision statistics for one day
type DecisionSummary struct {
	Date           string  `json:"date"`
	TotalPayments  int     `json:"total_payments"`
	TotalAmount    float64 `json:"total_amount"`
	ExecutedCount  int     `json:"executed_count"`
	RejectedCount  int     `json:"rejected_count"`
	ReviewCount    int     `json:"review_count"`
	AvgRiskScore   float64 `json:"avg_risk_score"`
	HighRiskCount  int     `json:"high_risk_count"`
	ConsensusCount int     `json:"consensus_count"`
}

// SystemMetrics represents system health metrics
type SystemMetrics struct {
	Timestamp           time.Time `json:"timestamp"`
	PaymentsPerSec      float64   `json:"payments_per_sec"`
	AvgDecisionTimeMs   float64   `json:"avg_decision_time_ms"`
	QueueDepth          int       `json:"queue_depth"`
	ActiveWorkers       int       `json:"active_workers"`
	DBConnectionsActive int       `json:"db_connections_active"`
	DBConnectionsIdle   int       `json:"db_connections_idle"`
	RejectionRate       float64   `json:"rejection_rate"`
}
