package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/lib/pq"

	"github.com/paymesh/payment-fabric/internal/models"
)

var (
	ErrAnalysisNotFound = errors.New("fraud analysis not found")
)

// AnalysisRepository handles fraud analysis database operations
type AnalysisRepository struct {
	db *Database
}

// NewAnalysisRepository creates a new analysis repository
func NewAnalysisRepository(db *Database) *AnalysisRepository {
	return &AnalysisRepository{db: db}
}

// Create persists a fraud analysis
func (r *AnalysisRepository) Create(ctx context.Context, a *models.FraudAnalysis) error {
	query := `
		INSERT INTO fraud_analyses (
			id, transaction_id, risk_score, risk_level, signal_kinds,
			signals, recommendation, confidence, reasoning, analyzed_at, elapsed_ms
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	signalsBytes, err := json.Marshal(a.Signals)
	if err != nil {
		return err
	}

	_, err = r.db.Pool.Exec(ctx, query,
		uuid.New(),
		a.TransactionID,
		a.RiskScore,
		a.RiskLevel,
		pq.Array(signalKinds(a.Signals)),
		signalsBytes,
		a.Recommendation,
		a.Confidence,
		pq.Array(a.Reasoning),
		a.AnalyzedAt,
		a.ElapsedMs,
	)

	return err
}

// GetByTransactionID retrieves the latest analysis for a transaction
func (r *AnalysisRepository) GetByTransactionID(ctx context.Context, transactionID string) (*models.FraudAnalysis, error) {
	query := `
		SELECT transaction_id, risk_score, risk_level, signals,
			   recommendation, confidence, reasoning, analyzed_at, elapsed_ms
		FROM fraud_analyses
		WHERE transaction_id = $1
		ORDER BY analyzed_at DESC
		LIMIT 1
	`

	a := &models.FraudAnalysis{}
	var signalsBytes []byte
	var reasoning []string

	err := r.db.Pool.QueryRow(ctx, query, transactionID).Scan(
		&a.TransactionID,
		&a.RiskScore,
		&a.RiskLevel,
		&signalsBytes,
		&a.Recommendation,
		&a.Confidence,
		&reasoning, // pgx handles []string directly
		&a.AnalyzedAt,
		&a.ElapsedMs,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAnalysisNotFound
		}
		return nil, err
	}

	a.Reasoning = reasoning
	if err := jsonScan(signalsBytes, &a.Signals); err != nil {
		return nil, err
	}
	return a, nil
}

// GetByRiskLevel retrieves analyses by risk level with pagination
func (r *AnalysisRepository) GetByRiskLevel(ctx context.Context, riskLevel string, page, pageSize int) ([]*models.FraudAnalysis, int, error) {
	offset := (page - 1) * pageSize

	countQuery := `SELECT COUNT(*) FROM fraud_analyses WHERE risk_level = $1`
	var total int
	if err := r.db.Pool.QueryRow(ctx, countQuery, riskLevel).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `
		SELECT transaction_id, risk_score, risk_level, signals,
			   recommendation, confidence, reasoning, analyzed_at, elapsed_ms
		FROM fraud_analyses
		WHERE risk_level = $1
		ORDER BY analyzed_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool.Query(ctx, query, riskLevel, pageSize, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	return r.scanAnalyses(rows, total)
}

// GetWindow retrieves analyses in a time window, oldest first, for replay
// comparison.
func (r *AnalysisRepository) GetWindow(ctx context.Context, start, end time.Time) ([]*models.FraudAnalysis, error) {
	query := `
		SELECT transaction_id, risk_score, risk_level, signals,
			   recommendation, confidence, reasoning, analyzed_at, elapsed_ms
		FROM fraud_analyses
		WHERE analyzed_at >= $1 AND analyzed_at < $2
		ORDER BY analyzed_at ASC
	`

	rows, err := r.db.Pool.Query(ctx, query, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	analyses, _, err := r.scanAnalyses(rows, 0)
	return analyses, err
}

// GetSignalCounts tallies signal kinds emitted over a time window
func (r *AnalysisRepository) GetSignalCounts(ctx context.Context, start, end time.Time) (map[string]int, error) {
	query := `
		SELECT unnest(signal_kinds) as kind, COUNT(*) as count
		FROM fraud_analyses
		WHERE analyzed_at >= $1 AND analyzed_at < $2
		GROUP BY kind
		ORDER BY count DESC
	`

	rows, err := r.db.Pool.Query(ctx, query, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var kind string
		var count int
		if err := rows.Scan(&kind, &count); err != nil {
			return nil, err
		}
		counts[kind] = count
	}

	return counts, nil
}

// GetRiskDistribution counts analyses per risk level over a time window
func (r *AnalysisRepository) GetRiskDistribution(ctx context.Context, start, end time.Time) (map[string]int, error) {
	query := `
		SELECT risk_level, COUNT(*) as count
		FROM fraud_analyses
		WHERE analyzed_at >= $1 AND analyzed_at < $2
		GROUP BY risk_level
	`

	rows, err := r.db.Pool.Query(ctx, query, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	dist := make(map[string]int)
	for rows.Next() {
		var level string
		var count int
		if err := rows.Scan(&level, &count); err != nil {
			return nil, err
		}
		dist[level] = count
	}

	return dist, nil
}

func (r *AnalysisRepository) scanAnalyses(rows pgx.Rows, total int) ([]*models.FraudAnalysis, int, error) {
	var analyses []*models.FraudAnalysis
	for rows.Next() {
		a := &models.FraudAnalysis{}
		var signalsBytes []byte
		var reasoning []string

		if err := rows.Scan(
			&a.TransactionID,
			&a.RiskScore,
			&a.RiskLevel,
			&signalsBytes,
			&a.Recommendation,
			&a.Confidence,
			&reasoning,
			&a.AnalyzedAt,
			&a.ElapsedMs,
		); err != nil {
			return nil, 0, err
		}

		a.Reasoning = reasoning
		if err := jsonScan(signalsBytes, &a.Signals); err != nil {
			return nil, 0, err
		}
		analyses = append(analyses, a)
	}

	return analyses, total, nil
}

func signalKinds(signals []models.FraudSignal) []string {
	kinds := make([]string, len(signals))
	for i, s := range signals {
		kinds[i] = string(s.Kind)
	}
	return kinds
}
