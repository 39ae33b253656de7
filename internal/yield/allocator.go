// Package yield spreads idle treasury across external protocols by
// configured weight, inside a risk-tier strategy, with hysteresis so small
// drifts do not churn positions.
package yield

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/paymesh/payment-fabric/internal/clock"
	"github.com/paymesh/payment-fabric/internal/models"
)

// ErrCapacityExceeded means a rebalance tried to move funds the allocator
// does not hold.
var ErrCapacityExceeded = errors.New("capacity exceeded")

// ProtocolFeed supplies the current protocol universe.
type ProtocolFeed interface {
	Protocols(ctx context.Context) ([]models.Protocol, error)
}

// ProtocolAdapter moves funds in and out of a protocol. The allocator only
// tracks the resulting position state.
type ProtocolAdapter interface {
	Deposit(ctx context.Context, protocol string, amount float64) error
	Withdraw(ctx context.Context, protocol string, amount float64) error
}

// BalanceFunc reports the treasury balance for periodic optimization runs.
type BalanceFunc func(ctx context.Context) (float64, error)

var riskMultipliers = map[models.RiskTier]float64{
	models.RiskTierLow:    1.0,
	models.RiskTierMedium: 0.8,
	models.RiskTierHigh:   0.6,
}

type Config struct {
	Strategy     models.Strategy
	ReserveRatio float64
	MinBalance   float64
	Hysteresis   float64
	BaselineAPY  float64
}

func DefaultConfig() Config {
	return Config{
		Strategy:     models.StrategyBalanced,
		ReserveRatio: 0.2,
		MinBalance:   100,
		Hysteresis:   0.05,
		BaselineAPY:  5.0,
	}
}

// Allocator owns the positions map. All mutation happens under one mutex;
// adapter calls are made while holding it so a rebalance is atomic with
// respect to concurrent optimize calls.
type Allocator struct {
	mu        sync.Mutex
	cfg       Config
	feed      ProtocolFeed
	adapter   ProtocolAdapter
	clock     clock.Clock
	positions map[string]*models.Position

	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
}

func NewAllocator(cfg Config, feed ProtocolFeed, adapter ProtocolAdapter, clk clock.Clock) *Allocator {
	def := DefaultConfig()
	if cfg.Strategy == "" {
		cfg.Strategy = def.Strategy
	}
	if cfg.ReserveRatio < 0 || cfg.ReserveRatio >= 1 {
		cfg.ReserveRatio = def.ReserveRatio
	}
	if cfg.Hysteresis <= 0 {
		cfg.Hysteresis = def.Hysteresis
	}
	if cfg.BaselineAPY == 0 {
		cfg.BaselineAPY = def.BaselineAPY
	}
	return &Allocator{
		cfg:       cfg,
		feed:      feed,
		adapter:   adapter,
		clock:     clk,
		positions: make(map[string]*models.Position),
	}
}

// Optimize computes the target allocation for balance and rebalances when
// any position drifts past the hysteresis band.
func (a *Allocator) Optimize(ctx context.Context, balance float64) (*models.AllocationReport, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clock.Now()

	if balance < a.cfg.MinBalance {
		report := a.buildReport(balance, 0, nil, nil, false, now)
		return report, nil
	}

	protocols, err := a.feed.Protocols(ctx)
	if err != nil {
		return nil, fmt.Errorf("protocol snapshot: %w", err)
	}

	admitted := admitByStrategy(protocols, a.cfg.Strategy)
	available := balance * (1 - a.cfg.ReserveRatio)

	targets, skipped := weightTargets(admitted, available)

	rebalanced := false
	if a.needsRebalance(targets) {
		if err := a.executeRebalance(ctx, targets, admitted, now); err != nil {
			return nil, err
		}
		rebalanced = true
	}

	report := a.buildReport(balance, available, targets, admitted, rebalanced, now)
	report.SkippedMinDeposit = skipped

	log.Info().
		Float64("balance", balance).
		Float64("available", available).
		Int("targets", len(targets)).
		Bool("rebalanced", rebalanced).
		Float64("weighted_apy", report.WeightedAPY).
		Msg("allocation pass completed")

	return report, nil
}

func admitByStrategy(protocols []models.Protocol, strategy models.Strategy) []models.Protocol {
	allowed := map[models.RiskTier]bool{models.RiskTierLow: true}
	switch strategy {
	case models.StrategyBalanced:
		allowed[models.RiskTierMedium] = true
	case models.StrategyAggressive:
		allowed[models.RiskTierMedium] = true
		allowed[models.RiskTierHigh] = true
	}

	var out []models.Protocol
	for _, p := range protocols {
		if allowed[p.RiskTier] && p.Weight > 0 {
			out = append(out, p)
		}
	}
	return out
}

// riskScore orders protocols for reporting; allocation itself is weight
// proportional.
func riskScore(p models.Protocol) float64 {
	return p.APY * riskMultipliers[p.RiskTier] * p.Weight
}

// weightTargets distributes available across protocols proportionally to
// weight. Protocols whose pro-rata share falls under their minimum deposit
// are dropped; the second pass redistributes over the survivors and a
// protocol dropped there stays at zero.
func weightTargets(admitted []models.Protocol, available float64) (map[string]float64, []string) {
	if available <= 0 || len(admitted) == 0 {
		return map[string]float64{}, nil
	}

	var totalWeight float64
	for _, p := range admitted {
		totalWeight += p.Weight
	}

	survivors := make([]models.Protocol, 0, len(admitted))
	var skipped []string
	for _, p := range admitted {
		share := available * p.Weight / totalWeight
		if share < p.MinDeposit {
			skipped = append(skipped, p.Name)
			continue
		}
		survivors = append(survivors, p)
	}

	targets := make(map[string]float64, len(survivors))
	if len(survivors) == 0 {
		return targets, skipped
	}

	var survivorWeight float64
	for _, p := range survivors {
		survivorWeight += p.Weight
	}
	for _, p := range survivors {
		share := available * p.Weight / survivorWeight
		if share < p.MinDeposit {
			skipped = append(skipped, p.Name)
			continue
		}
		targets[p.Name] = share
	}
	return targets, skipped
}

// needsRebalance applies the drift band per protocol, comparing targets
// against held positions. Caller holds the mutex.
func (a *Allocator) needsRebalance(targets map[string]float64) bool {
	if len(a.positions) == 0 {
		for _, t := range targets {
			if t > 0 {
				return true
			}
		}
		return false
	}

	names := make(map[string]bool, len(targets)+len(a.positions))
	for name := range targets {
		names[name] = true
	}
	for name := range a.positions {
		names[name] = true
	}

	for name := range names {
		target := targets[name]
		var current float64
		if pos, ok := a.positions[name]; ok {
			current = pos.Amount
		}
		if math.Abs(target-current)/math.Max(target, 1) > a.cfg.Hysteresis {
			return true
		}
	}
	return false
}

// executeRebalance withdraws every surplus before any deposit begins.
// Caller holds the mutex.
func (a *Allocator) executeRebalance(ctx context.Context, targets map[string]float64, protocols []models.Protocol, now time.Time) error {
	apyByName := make(map[string]float64, len(protocols))
	for _, p := range protocols {
		apyByName[p.Name] = p.APY
	}

	type move struct {
		protocol string
		amount   float64
	}
	var withdraws, deposits []move

	names := make(map[string]bool, len(targets)+len(a.positions))
	for name := range targets {
		names[name] = true
	}
	for name := range a.positions {
		names[name] = true
	}
	for name := range names {
		target := targets[name]
		var current float64
		if pos, ok := a.positions[name]; ok {
			current = pos.Amount
		}
		switch {
		case current > target:
			withdraws = append(withdraws, move{name, current - target})
		case target > current:
			deposits = append(deposits, move{name, target - current})
		}
	}

	sort.Slice(withdraws, func(i, j int) bool { return withdraws[i].protocol < withdraws[j].protocol })
	sort.Slice(deposits, func(i, j int) bool { return deposits[i].protocol < deposits[j].protocol })

	for _, m := range withdraws {
		pos, ok := a.positions[m.protocol]
		if !ok || pos.Amount < m.amount-1e-9 {
			return fmt.Errorf("withdraw %.2f from %s: %w", m.amount, m.protocol, ErrCapacityExceeded)
		}
		if err := a.adapter.Withdraw(ctx, m.protocol, m.amount); err != nil {
			return fmt.Errorf("withdraw %.2f from %s: %w", m.amount, m.protocol, err)
		}
		pos.Amount -= m.amount
		pos.Value = pos.Amount
		pos.LastUpdated = now
		if pos.Amount <= 1e-9 {
			delete(a.positions, m.protocol)
		}
	}

	for _, m := range deposits {
		if err := a.adapter.Deposit(ctx, m.protocol, m.amount); err != nil {
			return fmt.Errorf("deposit %.2f to %s: %w", m.amount, m.protocol, err)
		}
		pos, ok := a.positions[m.protocol]
		if !ok {
			pos = &models.Position{Protocol: m.protocol}
			a.positions[m.protocol] = pos
		}
		pos.Amount += m.amount
		pos.Value = pos.Amount
		pos.EntryAPY = apyByName[m.protocol]
		pos.LastUpdated = now
	}

	return nil
}

// buildReport snapshots positions into a report. Live APY from the
// protocol snapshot is preferred; positions in delisted protocols fall
// back to their entry APY. Caller holds the mutex.
func (a *Allocator) buildReport(balance, available float64, targets map[string]float64, protocols []models.Protocol, rebalanced bool, now time.Time) *models.AllocationReport {
	byName := make(map[string]models.Protocol, len(protocols))
	for _, p := range protocols {
		byName[p.Name] = p
	}

	var lines []models.ProtocolTarget
	for name, amount := range targets {
		p := byName[name]
		lines = append(lines, models.ProtocolTarget{
			Protocol: name,
			Amount:   amount,
			APY:      p.APY,
			Score:    riskScore(p),
		})
	}
	sort.Slice(lines, func(i, j int) bool {
		if lines[i].Score != lines[j].Score {
			return lines[i].Score > lines[j].Score
		}
		return lines[i].Protocol < lines[j].Protocol
	})

	var totalValue, weighted float64
	for name, pos := range a.positions {
		totalValue += pos.Value
		apy := pos.EntryAPY
		if p, ok := byName[name]; ok {
			apy = p.APY
		}
		weighted += apy * pos.Value
	}

	report := &models.AllocationReport{
		Balance:     balance,
		Available:   available,
		Targets:     lines,
		Rebalanced:  rebalanced,
		TotalValue:  totalValue,
		BaselineAPY: a.cfg.BaselineAPY,
		GeneratedAt: now,
	}
	if totalValue > 0 {
		report.WeightedAPY = weighted / totalValue
		report.VsBaselinePct = report.WeightedAPY - a.cfg.BaselineAPY
	}
	return report
}

// Divest withdraws funds from one position outside a rebalance, freeing
// treasury for payouts. Fails with ErrCapacityExceeded when the position
// does not hold the requested amount.
func (a *Allocator) Divest(ctx context.Context, protocol string, amount float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	pos, ok := a.positions[protocol]
	if !ok || pos.Amount < amount-1e-9 {
		return fmt.Errorf("divest %.2f from %s: %w", amount, protocol, ErrCapacityExceeded)
	}
	if err := a.adapter.Withdraw(ctx, protocol, amount); err != nil {
		return fmt.Errorf("divest %.2f from %s: %w", amount, protocol, err)
	}
	pos.Amount -= amount
	pos.Value = pos.Amount
	pos.LastUpdated = a.clock.Now()
	if pos.Amount <= 1e-9 {
		delete(a.positions, protocol)
	}
	return nil
}

// Positions returns a copy of held positions.
func (a *Allocator) Positions() map[string]models.Position {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[string]models.Position, len(a.positions))
	for name, pos := range a.positions {
		out[name] = *pos
	}
	return out
}

// Start launches periodic optimization. Stop halts it; Stop is safe to
// call multiple times.
func (a *Allocator) Start(period time.Duration, balance BalanceFunc) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return fmt.Errorf("allocator already running")
	}
	if balance == nil {
		return fmt.Errorf("nil balance source")
	}
	a.running = true
	a.stopCh = make(chan struct{})

	a.wg.Add(1)
	go a.runLoop(period, balance)

	log.Info().Dur("period", period).Str("strategy", string(a.cfg.Strategy)).Msg("yield allocator started")
	return nil
}

func (a *Allocator) runLoop(period time.Duration, balance BalanceFunc) {
	defer a.wg.Done()
	for {
		select {
		case <-a.stopCh:
			return
		case <-a.clock.After(period):
			ctx := context.Background()
			bal, err := balance(ctx)
			if err != nil {
				log.Error().Err(err).Msg("balance lookup failed, skipping allocation pass")
				continue
			}
			if _, err := a.Optimize(ctx, bal); err != nil {
				log.Error().Err(err).Msg("periodic allocation pass failed")
			}
		}
	}
}

func (a *Allocator) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	close(a.stopCh)
	a.mu.Unlock()

	a.wg.Wait()
	log.Info().Msg("yield allocator stopped")
}
