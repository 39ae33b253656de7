package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/paymesh/payment-fabric/internal/models"
	"github.com/paymesh/payment-fabric/internal/queue"
	"github.com/paymesh/payment-fabric/internal/repositories"
)

// AnalyticsService aggregates decision outcomes, risk distributions, and
// system health for the reporting endpoints.
type AnalyticsService struct {
	analysisRepo *repositories.AnalysisRepository
	db           *repositories.Database
	cacheClient  *queue.CacheClient
}

// NewAnalyticsService creates a new analytics service
func NewAnalyticsService(
	analysisRepo *repositories.AnalysisRepository,
	db *repositories.Database,
	cacheClient *queue.CacheClient,
) *AnalyticsService {
	return &AnalyticsService{
		analysisRepo: analysisRepo,
		db:           db,
		cacheClient:  cacheClient,
	}
}

// GetDecisionSummary returns aggregated decision statistics for one day
func (s *AnalyticsService) GetDecisionSummary(ctx context.Context, date time.Time) (*models.DecisionSummary, error) {
	cacheKey := fmt.Sprintf("decision_summary:%s", date.Format("2006-01-02"))
	var cached models.DecisionSummary
	if s.cacheClient != nil {
		if err := s.cacheClient.Get(ctx, cacheKey, &cached); err == nil {
			return &cached, nil
		}
	}

	startOfDay := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)
	endOfDay := startOfDay.Add(24 * time.Hour)

	query := `
		SELECT
			COUNT(p.id) as total_payments,
			COALESCE(SUM(p.amount), 0) as total_amount,
			COUNT(CASE WHEN d.outcome = 'executed' THEN 1 END) as executed_count,
			COUNT(CASE WHEN d.outcome = 'rejected' THEN 1 END) as rejected_count,
			COUNT(CASE WHEN d.outcome = 'review' THEN 1 END) as review_count,
			COALESCE(AVG(d.risk_score), 0) as avg_risk_score,
			COUNT(CASE WHEN d.risk_level IN ('high', 'critical') THEN 1 END) as high_risk_count,
			COUNT(CASE WHEN d.consensus IS NOT NULL THEN 1 END) as consensus_count
		FROM payments p
		LEFT JOIN payment_decisions d ON d.payment_id = p.id
		WHERE p.created_at >= $1 AND p.created_at < $2
	`

	summary := &models.DecisionSummary{Date: startOfDay.Format("2006-01-02")}
	err := s.db.Pool.QueryRow(ctx, query, startOfDay, endOfDay).Scan(
		&summary.TotalPayments,
		&summary.TotalAmount,
		&summary.ExecutedCount,
		&summary.RejectedCount,
		&summary.ReviewCount,
		&summary.AvgRiskScore,
		&summary.HighRiskCount,
		&summary.ConsensusCount,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get decision summary: %w", err)
	}

	if s.cacheClient != nil {
		// Historical days are immutable, today keeps changing.
		cacheDuration := 5 * time.Minute
		if time.Since(endOfDay) > 0 {
			cacheDuration = 1 * time.Hour
		}
		if err := s.cacheClient.Set(ctx, cacheKey, summary, cacheDuration); err != nil {
			log.Warn().Err(err).Msg("Failed to cache decision summary")
		}
	}

	return summary, nil
}

// GetDecisionSummaryRange returns daily summaries for a date range
func (s *AnalyticsService) GetDecisionSummaryRange(ctx context.Context, startDate, endDate time.Time) ([]*models.DecisionSummary, error) {
	var summaries []*models.DecisionSummary

	for d := startDate; !d.After(endDate); d = d.AddDate(0, 0, 1) {
		summary, err := s.GetDecisionSummary(ctx, d)
		if err != nil {
			log.Warn().Err(err).Time("date", d).Msg("Failed to get summary for date")
			continue
		}
		summaries = append(summaries, summary)
	}

	return summaries, nil
}

// GetRiskDistribution returns the distribution of fraud risk levels over
// the last N days
func (s *AnalyticsService) GetRiskDistribution(ctx context.Context, days int) (*RiskDistribution, error) {
	end := time.Now().UTC()
	start := end.AddDate(0, 0, -days)

	levels, err := s.analysisRepo.GetRiskDistribution(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to get risk distribution: %w", err)
	}

	distribution := &RiskDistribution{
		Period: fmt.Sprintf("%d days", days),
		Levels: levels,
	}
	for _, count := range levels {
		distribution.Total += count
	}

	return distribution, nil
}

// GetTopSignals returns the most frequently emitted fraud signal kinds
// over the last N days
func (s *AnalyticsService) GetTopSignals(ctx context.Context, days, limit int) ([]SignalCount, error) {
	end := time.Now().UTC()
	start := end.AddDate(0, 0, -days)

	counts, err := s.analysisRepo.GetSignalCounts(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to get signal counts: %w", err)
	}

	signals := make([]SignalCount, 0, len(counts))
	for kind, count := range counts {
		signals = append(signals, SignalCount{Kind: kind, Count: count})
	}
	sortSignalCounts(signals)

	if limit > 0 && len(signals) > limit {
		signals = signals[:limit]
	}
	return signals, nil
}

// GetFlaggedPayments returns payments whose decision was review or
// rejected, newest first
func (s *AnalyticsService) GetFlaggedPayments(ctx context.Context, page, pageSize int) (*FlaggedPaymentsResponse, error) {
	offset := (page - 1) * pageSize

	countQuery := `
		SELECT COUNT(*) FROM payment_decisions
		WHERE outcome IN ('review', 'rejected')
	`
	var total int
	if err := s.db.Pool.QueryRow(ctx, countQuery).Scan(&total); err != nil {
		return nil, err
	}

	query := `
		SELECT p.id, p.user_id, p.amount, p.from_chain, p.to_chain,
			   d.outcome, d.reason, d.risk_level, d.risk_score, d.decided_at
		FROM payment_decisions d
		JOIN payments p ON p.id = d.payment_id
		WHERE d.outcome IN ('review', 'rejected')
		ORDER BY d.decided_at DESC
		LIMIT $1 OFFSET $2
	`

	rows, err := s.db.Pool.Query(ctx, query, pageSize, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var flagged []FlaggedPayment
	for rows.Next() {
		var fp FlaggedPayment
		if err := rows.Scan(
			&fp.PaymentID,
			&fp.UserID,
			&fp.Amount,
			&fp.FromChain,
			&fp.ToChain,
			&fp.Outcome,
			&fp.Reason,
			&fp.RiskLevel,
			&fp.RiskScore,
			&fp.DecidedAt,
		); err != nil {
			return nil, err
		}
		flagged = append(flagged, fp)
	}

	return &FlaggedPaymentsResponse{
		Payments: flagged,
		Pagination: models.Pagination{
			Page:     page,
			PageSize: pageSize,
			Total:    total,
		},
	}, nil
}

// GetHourlyVolume returns payment volume by hour for one day
func (s *AnalyticsService) GetHourlyVolume(ctx context.Context, date time.Time) ([]HourlyVolume, error) {
	startOfDay := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)
	endOfDay := startOfDay.Add(24 * time.Hour)

	query := `
		SELECT
			EXTRACT(HOUR FROM created_at) as hour,
			COUNT(*) as count,
			COALESCE(SUM(amount), 0) as total_amount
		FROM payments
		WHERE created_at >= $1 AND created_at < $2
		GROUP BY EXTRACT(HOUR FROM created_at)
		ORDER BY hour
	`

	rows, err := s.db.Pool.Query(ctx, query, startOfDay, endOfDay)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var volumes []HourlyVolume
	for rows.Next() {
		var hv HourlyVolume
		if err := rows.Scan(&hv.Hour, &hv.Count, &hv.TotalAmount); err != nil {
			return nil, err
		}
		volumes = append(volumes, hv)
	}

	return volumes, nil
}

// GetSystemMetrics returns current system health metrics
func (s *AnalyticsService) GetSystemMetrics(ctx context.Context, streamClient *queue.RedisStreamClient) (*models.SystemMetrics, error) {
	metrics := &models.SystemMetrics{
		Timestamp: time.Now().UTC(),
	}

	dbStats := s.db.Stats()
	metrics.DBConnectionsActive = int(dbStats.AcquiredConns())
	metrics.DBConnectionsIdle = int(dbStats.IdleConns())

	if streamClient != nil {
		if pending, err := streamClient.GetPendingCount(ctx); err == nil {
			metrics.QueueDepth = int(pending)
		}
	}

	if pps, err := s.calculatePaymentsPerSec(ctx); err == nil {
		metrics.PaymentsPerSec = pps
	}
	if avgTime, err := s.calculateAvgDecisionTime(ctx); err == nil {
		metrics.AvgDecisionTimeMs = avgTime
	}
	if rate, err := s.calculateRejectionRate(ctx); err == nil {
		metrics.RejectionRate = rate
	}

	return metrics, nil
}

func (s *AnalyticsService) calculatePaymentsPerSec(ctx context.Context) (float64, error) {
	query := `
		SELECT COUNT(*)
		FROM payments
		WHERE created_at >= NOW() - INTERVAL '1 minute'
	`

	var count int
	if err := s.db.Pool.QueryRow(ctx, query).Scan(&count); err != nil {
		return 0, err
	}

	return float64(count) / 60.0, nil
}

func (s *AnalyticsService) calculateAvgDecisionTime(ctx context.Context) (float64, error) {
	query := `
		SELECT COALESCE(AVG(elapsed_ms), 0)
		FROM payment_decisions
		WHERE decided_at >= NOW() - INTERVAL '5 minutes'
	`

	var avgTime float64
	if err := s.db.Pool.QueryRow(ctx, query).Scan(&avgTime); err != nil {
		return 0, err
	}

	return avgTime, nil
}

func (s *AnalyticsService) calculateRejectionRate(ctx context.Context) (float64, error) {
	query := `
		SELECT
			COUNT(CASE WHEN outcome = 'rejected' THEN 1 END)::float /
			NULLIF(COUNT(*), 0)
		FROM payment_decisions
		WHERE decided_at >= NOW() - INTERVAL '1 hour'
	`

	var rate *float64
	if err := s.db.Pool.QueryRow(ctx, query).Scan(&rate); err != nil {
		return 0, err
	}

	if rate == nil {
		return 0, nil
	}
	return *rate, nil
}

// Response types

// FlaggedPayment pairs a payment with its adverse decision
type FlaggedPayment struct {
	PaymentID string    `json:"payment_id"`
	UserID    string    `json:"user_id"`
	Amount    float64   `json:"amount"`
	FromChain string    `json:"from_chain"`
	ToChain   string    `json:"to_chain"`
	Outcome   string    `json:"outcome"`
	Reason    string    `json:"reason"`
	RiskLevel string    `json:"risk_level"`
	RiskScore float64   `json:"risk_score"`
	DecidedAt time.Time `json:"decided_at"`
}

// FlaggedPaymentsResponse is the response for flagged payments
type FlaggedPaymentsResponse struct {
	Payments   []FlaggedPayment  `json:"payments"`
	Pagination models.Pagination `json:"pagination"`
}

// RiskDistribution represents risk level distribution
type RiskDistribution struct {
	Period string         `json:"period"`
	Levels map[string]int `json:"levels"`
	Total  int            `json:"total"`
}

// SignalCount represents how often a fraud signal kind fired
type SignalCount struct {
	Kind  string `json:"kind"`
	Count int    `json:"count"`
}

// HourlyVolume represents payment volume for an hour
type HourlyVolume struct {
	Hour        int     `json:"hour"`
	Count       int     `json:"count"`
	TotalAmount float64 `json:"total_amount"`
}

func sortSignalCounts(signals []SignalCount) {
	for i := 0; i < len(signals)-1; i++ {
		for j := 0; j < len(signals)-i-1; j++ {
			if signals[j].Count < signals[j+1].Count {
				signals[j], signals[j+1] = signals[j+1], signals[j]
			}
		}
	}
}
