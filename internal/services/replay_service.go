package services

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/paymesh/payment-fabric/internal/clock"
	"github.com/paymesh/payment-fabric/internal/fraud"
	"github.com/paymesh/payment-fabric/internal/models"
	"github.com/paymesh/payment-fabric/internal/profile"
	"github.com/paymesh/payment-fabric/internal/repositories"
)

const maxDetailedResults = 100

// ReplayService re-runs fraud analysis over a historical payment window
// with the current detector configuration and compares the fresh verdicts
// against the ones stored at decision time. Operators use it to gauge how
// a config change would have behaved on real traffic.
type ReplayService struct {
	payments *repositories.PaymentRepository
	analyses *repositories.AnalysisRepository
	fraudCfg fraud.Config
}

// NewReplayService creates a new replay service
func NewReplayService(payments *repositories.PaymentRepository, analyses *repositories.AnalysisRepository, fraudCfg fraud.Config) *ReplayService {
	return &ReplayService{
		payments: payments,
		analyses: analyses,
		fraudCfg: fraudCfg,
	}
}

// ReplayRequest represents a replay request
type ReplayRequest struct {
	StartDate  time.Time `json:"start_date"`
	EndDate    time.Time `json:"end_date"`
	SampleSize int       `json:"sample_size,omitempty"`
}

// ReplayResult represents the outcome of a replay run
type ReplayResult struct {
	TotalPayments    int               `json:"total_payments"`
	ReplayedCount    int               `json:"replayed_count"`
	MissingBaseline  int               `json:"missing_baseline"`
	AverageScore     float64           `json:"average_score"`
	RiskDistribution map[string]int    `json:"risk_distribution"`
	SignalCounts     map[string]int    `json:"signal_counts"`
	Comparison       *ReplayComparison `json:"comparison,omitempty"`
	PaymentResults   []PaymentReplay   `json:"payment_results,omitempty"`
	ProcessingTimeMs int64             `json:"processing_time_ms"`
}

// PaymentReplay represents a single re-analyzed payment
type PaymentReplay struct {
	PaymentID     string  `json:"payment_id"`
	OriginalScore float64 `json:"original_score,omitempty"`
	ReplayScore   float64 `json:"replay_score"`
	OriginalLevel string  `json:"original_level,omitempty"`
	ReplayLevel   string  `json:"replay_level"`
	ScoreDrift    float64 `json:"score_drift"`
}

// ReplayComparison summarizes replay verdicts against stored baselines
type ReplayComparison struct {
	MatchingLevels  int     `json:"matching_levels"`
	DifferentLevels int     `json:"different_levels"`
	AvgScoreDrift   float64 `json:"avg_score_drift"`
	UpgradedRisk    int     `json:"upgraded_risk"`
	DowngradedRisk  int     `json:"downgraded_risk"`
}

// Run replays payments in arrival order through a fresh analyzer. Profiles
// are rebuilt from scratch so the window is self-contained: early payments
// in the window seed the baselines that later ones are judged against.
func (s *ReplayService) Run(ctx context.Context, req *ReplayRequest) (*ReplayResult, error) {
	startTime := time.Now()

	if !req.EndDate.After(req.StartDate) {
		return nil, fmt.Errorf("%w: end_date must be after start_date", models.ErrInvalidInput)
	}

	log.Info().
		Time("start_date", req.StartDate).
		Time("end_date", req.EndDate).
		Msg("Starting replay")

	payments, err := s.payments.GetWindow(ctx, req.StartDate, req.EndDate)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch payments: %w", err)
	}

	baselines, err := s.baselineIndex(ctx, req.StartDate, req.EndDate)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch stored analyses: %w", err)
	}

	result := &ReplayResult{
		TotalPayments:    len(payments),
		RiskDistribution: make(map[string]int),
		SignalCounts:     make(map[string]int),
	}

	if req.SampleSize > 0 && len(payments) > req.SampleSize {
		payments = payments[:req.SampleSize]
	}

	// Replay runs on a manual clock pinned to each payment's timestamp so
	// velocity and burst windows see the traffic as it originally arrived.
	clk := clock.NewManualClock(req.StartDate)
	analyzer := fraud.NewAnalyzer(profile.NewStore(clk), fraud.NewMemoryBlocklist(), clk, s.fraudCfg)

	var totalScore float64
	var drifts []float64

	for _, p := range payments {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		clk.Set(p.CreatedAt)
		analysis := analyzer.Analyze(ctx, replayTransaction(p))

		result.ReplayedCount++
		totalScore += analysis.RiskScore
		result.RiskDistribution[string(analysis.RiskLevel)]++
		for _, sig := range analysis.Signals {
			result.SignalCounts[string(sig.Kind)]++
		}

		pr := PaymentReplay{
			PaymentID:   p.ID,
			ReplayScore: analysis.RiskScore,
			ReplayLevel: string(analysis.RiskLevel),
		}

		if baseline, ok := baselines[p.ID]; ok {
			pr.OriginalScore = baseline.RiskScore
			pr.OriginalLevel = string(baseline.RiskLevel)
			pr.ScoreDrift = analysis.RiskScore - baseline.RiskScore
			drifts = append(drifts, pr.ScoreDrift)
		} else {
			result.MissingBaseline++
		}

		if len(result.PaymentResults) < maxDetailedResults {
			result.PaymentResults = append(result.PaymentResults, pr)
		}
	}

	if result.ReplayedCount > 0 {
		result.AverageScore = totalScore / float64(result.ReplayedCount)
	}
	if len(drifts) > 0 {
		result.Comparison = buildComparison(result.PaymentResults, drifts)
	}

	result.ProcessingTimeMs = time.Since(startTime).Milliseconds()

	log.Info().
		Int("total", result.TotalPayments).
		Int("replayed", result.ReplayedCount).
		Int("missing_baseline", result.MissingBaseline).
		Float64("avg_score", result.AverageScore).
		Int64("processing_ms", result.ProcessingTimeMs).
		Msg("Replay completed")

	return result, nil
}

func (s *ReplayService) baselineIndex(ctx context.Context, start, end time.Time) (map[string]*models.FraudAnalysis, error) {
	stored, err := s.analyses.GetWindow(ctx, start, end)
	if err != nil {
		return nil, err
	}

	index := make(map[string]*models.FraudAnalysis, len(stored))
	for _, a := range stored {
		// GetWindow returns oldest first; keep the latest per payment.
		index[a.TransactionID] = a
	}
	return index, nil
}

func buildComparison(results []PaymentReplay, drifts []float64) *ReplayComparison {
	comparison := &ReplayComparison{}

	for _, r := range results {
		if r.OriginalLevel == "" {
			continue
		}
		if r.OriginalLevel == r.ReplayLevel {
			comparison.MatchingLevels++
		} else {
			comparison.DifferentLevels++
		}
		if r.ScoreDrift > 0 {
			comparison.UpgradedRisk++
		} else if r.ScoreDrift < 0 {
			comparison.DowngradedRisk++
		}
	}

	var totalDrift float64
	for _, d := range drifts {
		if d < 0 {
			d = -d
		}
		totalDrift += d
	}
	comparison.AvgScoreDrift = totalDrift / float64(len(drifts))

	return comparison
}

func replayTransaction(p *models.PaymentRequest) models.Transaction {
	return models.Transaction{
		ID:          p.ID,
		UserID:      p.UserID,
		Amount:      p.Amount,
		Timestamp:   p.CreatedAt,
		FromAddress: p.FromAddress,
		ToAddress:   p.ToAddress,
		Chain:       p.FromChain,
		IP:          p.IP,
		Geo:         p.Geo,
	}
}
