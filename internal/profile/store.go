// Package profile maintains per-user behavioral aggregates used by the
// fraud analyzer: running amount statistics, chain and country sets, and a
// bounded transaction history for window queries.
package profile

import (
	"math"
	"sync"
	"time"

	"github.com/paymesh/payment-fabric/internal/clock"
	"github.com/paymesh/payment-fabric/internal/models"
)

// MaxHistory caps the per-user FIFO. Counters keep accumulating past it.
const MaxHistory = 100

// Profile is a snapshot of one user's observed behavior. Returned copies
// are owned by the caller.
type Profile struct {
	UserID       string
	TotalTx      int64
	TotalAmount  float64
	Mean         float64
	M2           float64
	Chains       map[string]bool
	Countries    map[string]bool
	FirstSeen    time.Time
	LastActivity time.Time
	History      []models.Transaction
}

// Variance is the population variance of observed amounts.
func (p *Profile) Variance() float64 {
	if p.TotalTx < 2 {
		return 0
	}
	return p.M2 / float64(p.TotalTx)
}

func (p *Profile) StdDev() float64 {
	return math.Sqrt(p.Variance())
}

// AccountAge is the time elapsed since the first observed transaction.
func (p *Profile) AccountAge(now time.Time) time.Duration {
	if p.FirstSeen.IsZero() {
		return 0
	}
	return now.Sub(p.FirstSeen)
}

// Store holds user profiles. Single writer (the fraud path); readers get
// copies.
type Store struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
	clock    clock.Clock
}

func NewStore(clk clock.Clock) *Store {
	return &Store{
		profiles: make(map[string]*Profile),
		clock:    clk,
	}
}

// Observe folds tx into the user's profile: Welford update, set
// accumulation, FIFO append with oldest-first eviction past MaxHistory.
// Per-user calls must arrive in submission order; the store preserves it.
func (s *Store) Observe(tx models.Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.profiles[tx.UserID]
	if !ok {
		p = &Profile{
			UserID:    tx.UserID,
			Chains:    make(map[string]bool),
			Countries: make(map[string]bool),
			FirstSeen: tx.Timestamp,
		}
		s.profiles[tx.UserID] = p
	}

	p.TotalTx++
	p.TotalAmount += tx.Amount

	delta := tx.Amount - p.Mean
	p.Mean += delta / float64(p.TotalTx)
	p.M2 += delta * (tx.Amount - p.Mean)

	if tx.Chain != "" {
		p.Chains[tx.Chain] = true
	}
	if tx.Geo != nil && tx.Geo.Country != "" {
		p.Countries[tx.Geo.Country] = true
	}
	if tx.Timestamp.After(p.LastActivity) {
		p.LastActivity = tx.Timestamp
	}

	if len(p.History) >= MaxHistory {
		copy(p.History, p.History[1:])
		p.History = p.History[:MaxHistory-1]
	}
	p.History = append(p.History, tx)
}

// Recent returns the user's transactions newer than now−window, oldest
// first. A non-positive window returns the full capped history.
func (s *Store) Recent(userID string, window time.Duration) []models.Transaction {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[userID]
	if !ok {
		return nil
	}
	if window <= 0 {
		out := make([]models.Transaction, len(p.History))
		copy(out, p.History)
		return out
	}

	cutoff := s.clock.Now().Add(-window)
	var out []models.Transaction
	for _, tx := range p.History {
		if tx.Timestamp.After(cutoff) {
			out = append(out, tx)
		}
	}
	return out
}

// Get returns a copy of the user's profile, or false if never observed.
func (s *Store) Get(userID string) (*Profile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[userID]
	if !ok {
		return nil, false
	}
	return copyProfile(p), true
}

// Snapshot returns copies of every profile, for persistence sweeps.
func (s *Store) Snapshot() []*Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Profile, 0, len(s.profiles))
	for _, p := range s.profiles {
		out = append(out, copyProfile(p))
	}
	return out
}

// Restore seeds a profile from a persisted snapshot. Users already
// observed in this process keep their live state.
func (s *Store) Restore(p *Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.profiles[p.UserID]; ok {
		return
	}
	s.profiles[p.UserID] = copyProfile(p)
}

func copyProfile(p *Profile) *Profile {
	cp := &Profile{
		UserID:       p.UserID,
		TotalTx:      p.TotalTx,
		TotalAmount:  p.TotalAmount,
		Mean:         p.Mean,
		M2:           p.M2,
		Chains:       make(map[string]bool, len(p.Chains)),
		Countries:    make(map[string]bool, len(p.Countries)),
		FirstSeen:    p.FirstSeen,
		LastActivity: p.LastActivity,
		History:      make([]models.Transaction, len(p.History)),
	}
	for k := range p.Chains {
		cp.Chains[k] = true
	}
	for k := range p.Countries {
		cp.Countries[k] = true
	}
	copy(cp.History, p.History)
	return cp
}

// Len reports how many users have profiles.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.profiles)
}
