package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/lib/pq"

	"github.com/paymesh/payment-fabric/internal/profile"
)

var (
	ErrProfileNotFound = errors.New("user profile not found")
)

// ProfileRepository persists aggregate snapshots of in-memory user
// profiles. The profile store stays authoritative at runtime; snapshots
// let a restarted worker warm up without replaying history.
type ProfileRepository struct {
	db *Database
}

// NewProfileRepository creates a new profile repository
func NewProfileRepository(db *Database) *ProfileRepository {
	return &ProfileRepository{db: db}
}

// Upsert writes the current aggregate state of a profile
func (r *ProfileRepository) Upsert(ctx context.Context, p *profile.Profile) error {
	query := `
		INSERT INTO user_profiles (
			user_id, total_tx, total_amount, mean_amount, m2,
			chains, countries, first_seen, last_activity, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (user_id) DO UPDATE SET
			total_tx = EXCLUDED.total_tx,
			total_amount = EXCLUDED.total_amount,
			mean_amount = EXCLUDED.mean_amount,
			m2 = EXCLUDED.m2,
			chains = EXCLUDED.chains,
			countries = EXCLUDED.countries,
			last_activity = EXCLUDED.last_activity,
			updated_at = EXCLUDED.updated_at
	`

	_, err := r.db.Pool.Exec(ctx, query,
		p.UserID,
		p.TotalTx,
		p.TotalAmount,
		p.Mean,
		p.M2,
		pq.Array(setToSlice(p.Chains)),
		pq.Array(setToSlice(p.Countries)),
		p.FirstSeen,
		p.LastActivity,
		time.Now().UTC(),
	)

	return err
}

// Get retrieves a persisted profile snapshot. The recent-transaction
// history is runtime-only state and is not restored.
func (r *ProfileRepository) Get(ctx context.Context, userID string) (*profile.Profile, error) {
	query := `
		SELECT user_id, total_tx, total_amount, mean_amount, m2,
			   chains, countries, first_seen, last_activity
		FROM user_profiles
		WHERE user_id = $1
	`

	p := &profile.Profile{}
	var chains, countries []string

	err := r.db.Pool.QueryRow(ctx, query, userID).Scan(
		&p.UserID,
		&p.TotalTx,
		&p.TotalAmount,
		&p.Mean,
		&p.M2,
		&chains, // pgx handles []string directly
		&countries,
		&p.FirstSeen,
		&p.LastActivity,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProfileNotFound
		}
		return nil, err
	}

	p.Chains = sliceToSet(chains)
	p.Countries = sliceToSet(countries)
	return p, nil
}

// List retrieves profile snapshots with pagination, most recently active
// first
func (r *ProfileRepository) List(ctx context.Context, page, pageSize int) ([]*profile.Profile, int, error) {
	offset := (page - 1) * pageSize

	countQuery := `SELECT COUNT(*) FROM user_profiles`
	var total int
	if err := r.db.Pool.QueryRow(ctx, countQuery).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `
		SELECT user_id, total_tx, total_amount, mean_amount, m2,
			   chains, countries, first_seen, last_activity
		FROM user_profiles
		ORDER BY last_activity DESC
		LIMIT $1 OFFSET $2
	`

	rows, err := r.db.Pool.Query(ctx, query, pageSize, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var profiles []*profile.Profile
	for rows.Next() {
		p := &profile.Profile{}
		var chains, countries []string

		if err := rows.Scan(
			&p.UserID,
			&p.TotalTx,
			&p.TotalAmount,
			&p.Mean,
			&p.M2,
			&chains,
			&countries,
			&p.FirstSeen,
			&p.LastActivity,
		); err != nil {
			return nil, 0, err
		}

		p.Chains = sliceToSet(chains)
		p.Countries = sliceToSet(countries)
		profiles = append(profiles, p)
	}

	return profiles, total, nil
}

// Delete removes a profile snapshot
func (r *ProfileRepository) Delete(ctx context.Context, userID string) error {
	result, err := r.db.Pool.Exec(ctx, `DELETE FROM user_profiles WHERE user_id = $1`, userID)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrProfileNotFound
	}
	return nil
}

func setToSlice(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}

func sliceToSet(xs []string) map[string]bool {
	set := make(map[string]bool, len(xs))
	for _, x := range xs {
		set[x] = true
	}
	return set
}
