package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/paymesh/payment-fabric/internal/models"
)

var (
	ErrPaymentNotFound  = errors.New("payment not found")
	ErrDuplicatePayment = errors.New("duplicate payment id")
	ErrDecisionNotFound = errors.New("decision not found")
)

// PaymentRepository handles payment and decision database operations
type PaymentRepository struct {
	db *Database
}

// NewPaymentRepository creates a new payment repository
func NewPaymentRepository(db *Database) *PaymentRepository {
	return &PaymentRepository{db: db}
}

// Create persists an incoming payment request
func (r *PaymentRepository) Create(ctx context.Context, p *models.PaymentRequest) error {
	query := `
		INSERT INTO payments (
			id, user_id, amount, from_address, to_address, from_chain,
			to_chain, priority, ip, geo, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	geoBytes, err := jsonValue(p.Geo)
	if err != nil {
		return err
	}
	metadataBytes, _ := p.Metadata.Value()

	_, err = r.db.Pool.Exec(ctx, query,
		p.ID,
		p.UserID,
		p.Amount,
		p.FromAddress,
		p.ToAddress,
		p.FromChain,
		p.ToChain,
		p.Priority,
		p.IP,
		geoBytes,
		metadataBytes,
		p.CreatedAt,
	)

	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicatePayment
		}
		return err
	}

	return nil
}

// CreateBatch persists multiple payments in one round trip
func (r *PaymentRepository) CreateBatch(ctx context.Context, payments []*models.PaymentRequest) error {
	if len(payments) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	query := `
		INSERT INTO payments (
			id, user_id, amount, from_address, to_address, from_chain,
			to_chain, priority, ip, geo, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING
	`

	for _, p := range payments {
		if p.CreatedAt.IsZero() {
			p.CreatedAt = time.Now().UTC()
		}
		geoBytes, err := jsonValue(p.Geo)
		if err != nil {
			return err
		}
		metadataBytes, _ := p.Metadata.Value()

		batch.Queue(query,
			p.ID,
			p.UserID,
			p.Amount,
			p.FromAddress,
			p.ToAddress,
			p.FromChain,
			p.ToChain,
			p.Priority,
			p.IP,
			geoBytes,
			metadataBytes,
			p.CreatedAt,
		)
	}

	br := r.db.Pool.SendBatch(ctx, batch)
	defer br.Close()

	for range payments {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}

	return nil
}

// GetByID retrieves a payment by ID
func (r *PaymentRepository) GetByID(ctx context.Context, id string) (*models.PaymentRequest, error) {
	query := `
		SELECT id, user_id, amount, from_address, to_address, from_chain,
			   to_chain, priority, ip, geo, metadata, created_at
		FROM payments
		WHERE id = $1
	`

	p := &models.PaymentRequest{}
	var geoBytes, metadataBytes []byte

	err := r.db.Pool.QueryRow(ctx, query, id).Scan(
		&p.ID,
		&p.UserID,
		&p.Amount,
		&p.FromAddress,
		&p.ToAddress,
		&p.FromChain,
		&p.ToChain,
		&p.Priority,
		&p.IP,
		&geoBytes,
		&metadataBytes,
		&p.CreatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}

	if err := jsonScan(geoBytes, &p.Geo); err != nil {
		return nil, err
	}
	p.Metadata.Scan(metadataBytes)
	return p, nil
}

// GetByUserID retrieves payments for a user with pagination
func (r *PaymentRepository) GetByUserID(ctx context.Context, userID string, page, pageSize int, startDate, endDate *time.Time) ([]*models.PaymentRequest, int, error) {
	offset := (page - 1) * pageSize

	countQuery := `
		SELECT COUNT(*) FROM payments
		WHERE user_id = $1
		AND ($2::timestamptz IS NULL OR created_at >= $2)
		AND ($3::timestamptz IS NULL OR created_at <= $3)
	`
	var total int
	if err := r.db.Pool.QueryRow(ctx, countQuery, userID, startDate, endDate).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `
		SELECT id, user_id, amount, from_address, to_address, from_chain,
			   to_chain, priority, ip, geo, metadata, created_at
		FROM payments
		WHERE user_id = $1
		AND ($4::timestamptz IS NULL OR created_at >= $4)
		AND ($5::timestamptz IS NULL OR created_at <= $5)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool.Query(ctx, query, userID, pageSize, offset, startDate, endDate)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	return r.scanPayments(rows, total)
}

// GetWindow retrieves all payments in a time window, oldest first. The
// replay service uses this to re-run analyses in arrival order.
func (r *PaymentRepository) GetWindow(ctx context.Context, start, end time.Time) ([]*models.PaymentRequest, error) {
	query := `
		SELECT id, user_id, amount, from_address, to_address, from_chain,
			   to_chain, priority, ip, geo, metadata, created_at
		FROM payments
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at ASC
	`

	rows, err := r.db.Pool.Query(ctx, query, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	payments, _, err := r.scanPayments(rows, 0)
	return payments, err
}

// SaveDecision persists the terminal decision for a payment. Upsert keeps
// retried stream deliveries idempotent.
func (r *PaymentRepository) SaveDecision(ctx context.Context, d *models.PaymentDecision) error {
	query := `
		INSERT INTO payment_decisions (
			payment_id, outcome, reason, risk_level, risk_score, price,
			route, consensus, task_id, decided_at, elapsed_ms
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (payment_id) DO UPDATE SET
			outcome = EXCLUDED.outcome,
			reason = EXCLUDED.reason,
			risk_level = EXCLUDED.risk_level,
			risk_score = EXCLUDED.risk_score,
			price = EXCLUDED.price,
			route = EXCLUDED.route,
			consensus = EXCLUDED.consensus,
			task_id = EXCLUDED.task_id,
			decided_at = EXCLUDED.decided_at,
			elapsed_ms = EXCLUDED.elapsed_ms
	`

	routeBytes, err := jsonValue(d.Route)
	if err != nil {
		return err
	}
	consensusBytes, err := jsonValue(d.Consensus)
	if err != nil {
		return err
	}

	_, err = r.db.Pool.Exec(ctx, query,
		d.PaymentID,
		d.Outcome,
		d.Reason,
		d.RiskLevel,
		d.RiskScore,
		d.Price,
		routeBytes,
		consensusBytes,
		d.TaskID,
		d.DecidedAt,
		d.ElapsedMs,
	)
	return err
}

// GetDecision retrieves the decision for a payment
func (r *PaymentRepository) GetDecision(ctx context.Context, paymentID string) (*models.PaymentDecision, error) {
	query := `
		SELECT payment_id, outcome, reason, risk_level, risk_score, price,
			   route, consensus, task_id, decided_at, elapsed_ms
		FROM payment_decisions
		WHERE payment_id = $1
	`

	d := &models.PaymentDecision{}
	var routeBytes, consensusBytes []byte

	err := r.db.Pool.QueryRow(ctx, query, paymentID).Scan(
		&d.PaymentID,
		&d.Outcome,
		&d.Reason,
		&d.RiskLevel,
		&d.RiskScore,
		&d.Price,
		&routeBytes,
		&consensusBytes,
		&d.TaskID,
		&d.DecidedAt,
		&d.ElapsedMs,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDecisionNotFound
		}
		return nil, err
	}

	if err := jsonScan(routeBytes, &d.Route); err != nil {
		return nil, err
	}
	if err := jsonScan(consensusBytes, &d.Consensus); err != nil {
		return nil, err
	}
	return d, nil
}

// GetPaymentStats retrieves aggregate payment statistics for a user
func (r *PaymentRepository) GetPaymentStats(ctx context.Context, userID string, days int) (map[string]interface{}, error) {
	query := `
		SELECT
			COUNT(*) as total_count,
			COALESCE(SUM(amount), 0) as total_amount,
			COALESCE(AVG(amount), 0) as avg_amount,
			COALESCE(STDDEV(amount), 0) as stddev_amount,
			COUNT(DISTINCT from_chain) as unique_chains,
			COUNT(DISTINCT to_address) as unique_recipients
		FROM payments
		WHERE user_id = $1 AND created_at >= NOW() - ($2 || ' days')::interval
	`

	var totalCount int
	var totalAmount, avgAmount, stddevAmount float64
	var uniqueChains, uniqueRecipients int

	// Convert days to string to avoid pgx encoding issues
	daysStr := fmt.Sprintf("%d", days)

	err := r.db.Pool.QueryRow(ctx, query, userID, daysStr).Scan(
		&totalCount,
		&totalAmount,
		&avgAmount,
		&stddevAmount,
		&uniqueChains,
		&uniqueRecipients,
	)

	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"total_count":       totalCount,
		"total_amount":      totalAmount,
		"avg_amount":        avgAmount,
		"stddev_amount":     stddevAmount,
		"unique_chains":     uniqueChains,
		"unique_recipients": uniqueRecipients,
	}, nil
}

func (r *PaymentRepository) scanPayments(rows pgx.Rows, total int) ([]*models.PaymentRequest, int, error) {
	var payments []*models.PaymentRequest
	for rows.Next() {
		p := &models.PaymentRequest{}
		var geoBytes, metadataBytes []byte

		if err := rows.Scan(
			&p.ID,
			&p.UserID,
			&p.Amount,
			&p.FromAddress,
			&p.ToAddress,
			&p.FromChain,
			&p.ToChain,
			&p.Priority,
			&p.IP,
			&geoBytes,
			&metadataBytes,
			&p.CreatedAt,
		); err != nil {
			return nil, 0, err
		}

		if err := jsonScan(geoBytes, &p.Geo); err != nil {
			return nil, 0, err
		}
		p.Metadata.Scan(metadataBytes)
		payments = append(payments, p)
	}

	return payments, total, nil
}

// jsonValue marshals an optional struct for a jsonb column; nil stays NULL.
func jsonValue(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	switch val := v.(type) {
	case *models.GeoPoint:
		if val == nil {
			return nil, nil
		}
	case *models.RouteResult:
		if val == nil {
			return nil, nil
		}
	case *models.ConsensusResult:
		if val == nil {
			return nil, nil
		}
	}
	return json.Marshal(v)
}

// jsonScan unmarshals a jsonb column into dest; NULL leaves dest untouched.
func jsonScan(b []byte, dest interface{}) error {
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, dest)
}
