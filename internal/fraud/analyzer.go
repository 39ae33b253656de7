// Package fraud scores transactions against per-user behavioral profiles.
// The analyzer never fails on domain input: detector evidence is folded
// into a conservative verdict and the profile is updated afterwards.
package fraud

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/paymesh/payment-fabric/internal/clock"
	"github.com/paymesh/payment-fabric/internal/models"
	"github.com/paymesh/payment-fabric/internal/profile"
)

var severityWeights = map[models.Severity]float64{
	models.SeverityLow:      0.25,
	models.SeverityMedium:   0.5,
	models.SeverityHigh:     0.75,
	models.SeverityCritical: 1.0,
}

// LevelThresholds are the lower bounds of each risk level. Scores below
// Low are safe.
type LevelThresholds struct {
	Low      float64
	Medium   float64
	High     float64
	Critical float64
}

type Config struct {
	VelocityPerHour int
	DeviationSigma  float64
	Thresholds      LevelThresholds
	Recommendations map[models.RiskLevel]models.Recommendation
}

func DefaultConfig() Config {
	return Config{
		VelocityPerHour: 10,
		DeviationSigma:  3.0,
		Thresholds:      LevelThresholds{Low: 0.1, Medium: 0.3, High: 0.5, Critical: 0.7},
		Recommendations: map[models.RiskLevel]models.Recommendation{
			models.RiskLevelSafe:     models.RecommendApprove,
			models.RiskLevelLow:      models.RecommendApprove,
			models.RiskLevelMedium:   models.RecommendFlag,
			models.RiskLevelHigh:     models.RecommendReview,
			models.RiskLevelCritical: models.RecommendBlock,
		},
	}
}

// Analyzer runs every enabled detector over a transaction and aggregates
// the evidence into a FraudAnalysis.
type Analyzer struct {
	store     *profile.Store
	blocklist Blocklist
	detectors []Detector
	clock     clock.Clock
	cfg       Config
}

func NewAnalyzer(store *profile.Store, blocklist Blocklist, clk clock.Clock, cfg Config) *Analyzer {
	def := DefaultConfig()
	if cfg.VelocityPerHour <= 0 {
		cfg.VelocityPerHour = def.VelocityPerHour
	}
	if cfg.DeviationSigma <= 0 {
		cfg.DeviationSigma = def.DeviationSigma
	}
	if cfg.Thresholds == (LevelThresholds{}) {
		cfg.Thresholds = def.Thresholds
	}
	if cfg.Recommendations == nil {
		cfg.Recommendations = def.Recommendations
	}

	return &Analyzer{
		store:     store,
		blocklist: blocklist,
		clock:     clk,
		cfg:       cfg,
		detectors: []Detector{
			&VelocityDetector{PerHour: cfg.VelocityPerHour},
			&AmountDetector{Sigma: cfg.DeviationSigma},
			&PatternDetector{},
			&GeoDetector{},
			&BehavioralDetector{},
		},
	}
}

// Analyze scores tx and then folds it into the user's profile. It never
// returns an error; blocklist lookup failures degrade to not-blocked.
func (a *Analyzer) Analyze(ctx context.Context, tx models.Transaction) models.FraudAnalysis {
	start := a.clock.Now()

	analysis := models.FraudAnalysis{
		TransactionID: tx.ID,
		AnalyzedAt:    start,
	}

	if addr, blocked := a.blockedAddress(ctx, tx); blocked {
		signal := models.FraudSignal{
			Kind:        models.SignalKnownFraud,
			Severity:    models.SeverityCritical,
			Confidence:  1.0,
			Description: "address " + addr + " is on the blocklist",
			Metadata:    map[string]any{"address": addr},
		}
		analysis.Signals = []models.FraudSignal{signal}
		analysis.RiskScore = 1.0
		analysis.RiskLevel = models.RiskLevelCritical
		analysis.Recommendation = models.RecommendBlock
		analysis.Confidence = 1.0
		analysis.Reasoning = []string{signal.Description}
	} else {
		snap := Snapshot{
			Now:      start,
			LastHour: a.store.Recent(tx.UserID, time.Hour),
			Burst5m:  a.store.Recent(tx.UserID, 5*time.Minute),
		}
		if p, ok := a.store.Get(tx.UserID); ok {
			snap.Profile = p
		}

		var signals []models.FraudSignal
		for _, d := range a.detectors {
			signals = append(signals, d.Detect(tx, snap)...)
		}

		analysis.Signals = signals
		analysis.RiskScore = aggregateScore(signals)
		analysis.RiskLevel = a.levelFor(analysis.RiskScore)
		analysis.Recommendation = a.recommendFor(analysis.RiskLevel, signals)
		analysis.Confidence = analysisConfidence(signals)
		analysis.Reasoning = reasons(signals)
	}

	a.store.Observe(tx)

	analysis.ElapsedMs = a.clock.Now().Sub(start).Milliseconds()

	log.Debug().
		Str("transaction_id", tx.ID).
		Str("user_id", tx.UserID).
		Float64("risk_score", analysis.RiskScore).
		Str("risk_level", string(analysis.RiskLevel)).
		Str("recommendation", string(analysis.Recommendation)).
		Int("signals", len(analysis.Signals)).
		Msg("fraud analysis completed")

	return analysis
}

// Blocklist exposes the analyzer's blocklist for management endpoints.
func (a *Analyzer) Blocklist() Blocklist {
	return a.blocklist
}

func (a *Analyzer) blockedAddress(ctx context.Context, tx models.Transaction) (string, bool) {
	for _, addr := range []string{tx.FromAddress, tx.ToAddress} {
		if addr == "" {
			continue
		}
		blocked, err := a.blocklist.Contains(ctx, addr)
		if err != nil {
			log.Warn().Err(err).Str("address", addr).Msg("blocklist lookup failed, treating as clean")
			continue
		}
		if blocked {
			return addr, true
		}
	}
	return "", false
}

func (a *Analyzer) levelFor(score float64) models.RiskLevel {
	t := a.cfg.Thresholds
	switch {
	case score >= t.Critical:
		return models.RiskLevelCritical
	case score >= t.High:
		return models.RiskLevelHigh
	case score >= t.Medium:
		return models.RiskLevelMedium
	case score >= t.Low:
		return models.RiskLevelLow
	default:
		return models.RiskLevelSafe
	}
}

// recommendFor maps the level through config. A critical geo signal
// (impossible travel) forces block no matter what the aggregate says.
func (a *Analyzer) recommendFor(level models.RiskLevel, signals []models.FraudSignal) models.Recommendation {
	for _, s := range signals {
		if s.Severity == models.SeverityCritical &&
			(s.Kind == models.SignalGeoAnomaly || s.Kind == models.SignalKnownFraud) {
			return models.RecommendBlock
		}
	}
	rec, ok := a.cfg.Recommendations[level]
	if !ok {
		return models.RecommendReview
	}
	return rec
}

func aggregateScore(signals []models.FraudSignal) float64 {
	if len(signals) == 0 {
		return 0
	}
	var sum float64
	for _, s := range signals {
		sum += severityWeights[s.Severity] * s.Confidence
	}
	return clamp01(sum / float64(len(signals)))
}

// analysisConfidence is the mean signal confidence plus a small bonus for
// corroborating evidence. No signals means high confidence in a clean
// verdict.
func analysisConfidence(signals []models.FraudSignal) float64 {
	if len(signals) == 0 {
		return 1.0
	}
	var sum float64
	for _, s := range signals {
		sum += s.Confidence
	}
	mean := sum / float64(len(signals))
	bonus := math.Min(0.2, 0.05*float64(len(signals)))
	return clamp01(mean + bonus)
}

func reasons(signals []models.FraudSignal) []string {
	if len(signals) == 0 {
		return nil
	}
	out := make([]string, 0, len(signals))
	for _, s := range signals {
		out = append(out, s.Description)
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
