// Package router finds cross-chain transfer paths over the bridge graph.
// Search is a bounded iterative DFS; each hop pays its own cost, so the
// amount decays as the path grows and branches prune when a downstream
// bridge's minimum can no longer be met.
package router

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/rs/zerolog/log"

	"github.com/paymesh/payment-fabric/internal/feeds"
	"github.com/paymesh/payment-fabric/internal/models"
)

// ErrNoRoute means no path connects the chains within the hop budget.
var ErrNoRoute = errors.New("no route")

// ErrAmountOutOfRange means bridges connect the endpoints but none admits
// the amount at any hop.
var ErrAmountOutOfRange = errors.New("amount out of range")

// Gas units for the burn and mint legs of a bridge crossing.
const (
	gasUnitsOut = 150000
	gasUnitsIn  = 100000
)

type Config struct {
	MaxHops       int
	GasMultiplier float64
}

func DefaultConfig() Config {
	return Config{MaxHops: 4, GasMultiplier: 1.0}
}

// Router answers route queries against a static graph and a live gas feed.
type Router struct {
	graph *Graph
	gas   feeds.GasFeed
	cfg   Config
}

func NewRouter(graph *Graph, gas feeds.GasFeed, cfg Config) *Router {
	def := DefaultConfig()
	if cfg.MaxHops <= 0 {
		cfg.MaxHops = def.MaxHops
	}
	if cfg.GasMultiplier <= 0 {
		cfg.GasMultiplier = def.GasMultiplier
	}
	return &Router{graph: graph, gas: gas, cfg: cfg}
}

// candidate is one complete path found by the search.
type candidate struct {
	hops        []models.RouteHop
	totalCost   float64
	totalTime   float64
	amountOut   float64
	reliability float64
}

// frame is one DFS stack entry: the partial path ending at chain with
// amount still in flight.
type frame struct {
	chain       string
	amount      float64
	hops        []models.RouteHop
	visited     map[string]bool
	reliability float64
}

// Route finds the best path from one chain to another for the given
// objective. A same-chain request returns an empty path with probability 1.
func (r *Router) Route(ctx context.Context, from, to string, amount float64, objective models.RouteObjective) (*models.RouteResult, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("amount %.2f: %w", amount, models.ErrInvalidInput)
	}
	if !r.graph.HasChain(from) {
		return nil, fmt.Errorf("unknown chain %q: %w", from, models.ErrInvalidInput)
	}
	if !r.graph.HasChain(to) {
		return nil, fmt.Errorf("unknown chain %q: %w", to, models.ErrInvalidInput)
	}
	switch objective {
	case models.ObjectiveCost, models.ObjectiveSpeed, models.ObjectiveBalance:
	case "":
		objective = models.ObjectiveBalance
	default:
		return nil, fmt.Errorf("unknown objective %q: %w", objective, models.ErrInvalidInput)
	}

	if from == to {
		return &models.RouteResult{
			FromChain:          from,
			ToChain:            to,
			AmountIn:           amount,
			AmountOut:          amount,
			Path:               []models.RouteHop{},
			SuccessProbability: 1.0,
			Objective:          objective,
			Recommendation:     "same chain, no bridging required",
		}, nil
	}

	candidates, amountRejected, err := r.search(ctx, from, to, amount, objective)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		if amountRejected {
			return nil, fmt.Errorf("%.2f from %s to %s: %w", amount, from, to, ErrAmountOutOfRange)
		}
		return nil, fmt.Errorf("%s to %s within %d hops: %w", from, to, r.cfg.MaxHops, ErrNoRoute)
	}

	best := selectBest(candidates, objective)
	result := r.buildResult(from, to, amount, best, objective)

	log.Debug().
		Str("from", from).
		Str("to", to).
		Float64("amount", amount).
		Str("objective", string(objective)).
		Int("hop_count", result.HopCount).
		Float64("total_cost", result.TotalCostUSD).
		Float64("success_prob", result.SuccessProbability).
		Msg("route selected")

	return result, nil
}

// search runs the bounded DFS. It reports whether any branch died on a
// bridge's amount limits rather than topology, so the caller can
// distinguish a disconnected pair from an amount nothing admits.
func (r *Router) search(ctx context.Context, from, to string, amount float64, objective models.RouteObjective) ([]candidate, bool, error) {
	var candidates []candidate
	amountRejected := false
	bestCost := math.Inf(1)

	stack := []frame{{
		chain:       from,
		amount:      amount,
		visited:     map[string]bool{from: true},
		reliability: 1.0,
	}}

	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}

		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if len(f.hops) >= r.cfg.MaxHops {
			continue
		}

		for _, edge := range r.graph.Neighbors(f.chain) {
			if f.visited[edge.To] {
				continue
			}
			// A detour hop only makes sense while budget remains to
			// still reach the target afterwards.
			if edge.To != to && len(f.hops)+1 >= r.cfg.MaxHops {
				continue
			}
			b := edge.Bridge
			if f.amount < b.MinAmount || (b.MaxAmount > 0 && f.amount > b.MaxAmount) {
				amountRejected = true
				continue
			}

			hop, err := r.buildHop(ctx, f.chain, edge.To, b, f.amount, objective)
			if err != nil {
				return nil, false, err
			}

			pathCost := pathTotalCost(f.hops) + hop.CostUSD
			// Worse-than-best pruning is safe only for the cost
			// objective; speed and balance may prefer costlier paths.
			if objective == models.ObjectiveCost && pathCost >= bestCost {
				continue
			}

			hops := make([]models.RouteHop, len(f.hops), len(f.hops)+1)
			copy(hops, f.hops)
			hops = append(hops, hop)

			if edge.To == to {
				c := candidate{
					hops:        hops,
					totalCost:   pathCost,
					totalTime:   pathTotalTime(hops),
					amountOut:   f.amount - hop.CostUSD,
					reliability: f.reliability * b.Reliability,
				}
				candidates = append(candidates, c)
				if pathCost < bestCost {
					bestCost = pathCost
				}
				continue
			}

			remaining := f.amount - hop.CostUSD
			if remaining <= 0 {
				amountRejected = true
				continue
			}

			visited := make(map[string]bool, len(f.visited)+1)
			for k := range f.visited {
				visited[k] = true
			}
			visited[edge.To] = true

			stack = append(stack, frame{
				chain:       edge.To,
				amount:      remaining,
				hops:        hops,
				visited:     visited,
				reliability: f.reliability * b.Reliability,
			})
		}
	}

	return candidates, amountRejected, nil
}

// buildHop prices one bridge crossing: bridge fee plus gas on both sides.
func (r *Router) buildHop(ctx context.Context, from, to string, b models.Bridge, amount float64, objective models.RouteObjective) (models.RouteHop, error) {
	bridgeFee := b.BaseFeeUSD + amount*b.FeePercent/100

	gasOut, err := r.gasUSD(ctx, from, gasUnitsOut, objective)
	if err != nil {
		return models.RouteHop{}, fmt.Errorf("gas for %s: %w", from, err)
	}
	gasIn, err := r.gasUSD(ctx, to, gasUnitsIn, objective)
	if err != nil {
		return models.RouteHop{}, fmt.Errorf("gas for %s: %w", to, err)
	}

	return models.RouteHop{
		FromChain: from,
		ToChain:   to,
		Bridge:    b.Name,
		Amount:    amount,
		CostUSD:   bridgeFee + gasOut + gasIn,
		TimeSec:   b.AvgTimeSec,
		GasUSD:    gasOut + gasIn,
	}, nil
}

func (r *Router) gasUSD(ctx context.Context, chain string, units float64, objective models.RouteObjective) (float64, error) {
	quote, err := r.gas.Gas(ctx, chain)
	if err != nil {
		return 0, err
	}
	price, err := r.gas.NativePrice(ctx, chain)
	if err != nil {
		return 0, err
	}

	gwei := quote.Standard
	switch objective {
	case models.ObjectiveSpeed:
		gwei = quote.Instant
	case models.ObjectiveBalance:
		gwei = quote.Fast
	}

	return units * gwei * 1e-9 * price * r.cfg.GasMultiplier, nil
}

func pathTotalCost(hops []models.RouteHop) float64 {
	var total float64
	for _, h := range hops {
		total += h.CostUSD
	}
	return total
}

func pathTotalTime(hops []models.RouteHop) float64 {
	var total float64
	for _, h := range hops {
		total += h.TimeSec
	}
	return total
}

// successProbability starts at 1, pays a multi-hop penalty, then compounds
// per-bridge reliability.
func (c candidate) successProbability() float64 {
	p := 1.0 - 0.05*float64(len(c.hops)-1)
	return clamp01(p * c.reliability)
}

// selectBest is a single pass over candidates per the objective. The
// balance score mixes normalized cost, time, and success probability with
// fixed constants.
func selectBest(candidates []candidate, objective models.RouteObjective) candidate {
	best := candidates[0]
	bestScore := math.Inf(-1)

	for i, c := range candidates {
		var score float64
		switch objective {
		case models.ObjectiveCost:
			score = -c.totalCost
		case models.ObjectiveSpeed:
			score = -c.totalTime
		default:
			score = 0.4*(1-c.totalCost/100) + 0.3*(1-c.totalTime/600) + 0.3*c.successProbability()
		}
		if i == 0 || score > bestScore {
			best = c
			bestScore = score
		}
	}
	return best
}

func (r *Router) buildResult(from, to string, amount float64, c candidate, objective models.RouteObjective) *models.RouteResult {
	prob := c.successProbability()
	rec := fmt.Sprintf("%d-hop route via %s", len(c.hops), c.hops[0].Bridge)
	if prob < 0.9 {
		rec += "; reliability is below 90%, consider splitting the transfer"
	}

	return &models.RouteResult{
		FromChain:          from,
		ToChain:            to,
		AmountIn:           amount,
		AmountOut:          amount - c.totalCost,
		Path:               c.hops,
		TotalCostUSD:       c.totalCost,
		TotalTimeSec:       c.totalTime,
		HopCount:           len(c.hops),
		SuccessProbability: prob,
		Objective:          objective,
		Recommendation:     rec,
	}
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
