// Package pricing derives a recommended fabric fee from market inputs.
// The combiner never fails on domain input: factor evidence moves the
// price inside a configured floor/ceiling band.
package pricing

import (
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/paymesh/payment-fabric/internal/clock"
	"github.com/paymesh/payment-fabric/internal/models"
)

type Config struct {
	BasePrice    float64
	Floor        float64
	Ceiling      float64
	Elasticity   float64
	HistoryLimit int
	// LearningRate is a reserved knob carried through config; no current
	// behavior depends on it.
	LearningRate float64
	Factors      []models.AdjustmentFactor
}

func DefaultConfig(basePrice float64) Config {
	return Config{
		BasePrice:    basePrice,
		Floor:        basePrice * 0.5,
		Ceiling:      basePrice * 2.0,
		Elasticity:   -1.5,
		HistoryLimit: 1000,
		LearningRate: 0.01,
		Factors: []models.AdjustmentFactor{
			{Name: "demand-pressure", Kind: models.FactorDemand, Weight: 0.3, Enabled: true},
			{Name: "competitor-undercut", Kind: models.FactorCompetitor, Weight: 0.25, Enabled: true},
			{Name: "time-of-day", Kind: models.FactorTime, Weight: 0.2, Enabled: true},
			{Name: "capacity-headroom", Kind: models.FactorCapacity, Weight: 0.25, Enabled: true},
		},
	}
}

// Engine combines adjustment factors into a price recommendation and
// tracks committed prices for confidence and impact estimation.
type Engine struct {
	mu           sync.Mutex
	cfg          Config
	currentPrice float64
	history      []models.PricePoint
	clock        clock.Clock
	abtest       *ABTest
}

func NewEngine(cfg Config, clk clock.Clock, abtest *ABTest) *Engine {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 1000
	}
	if cfg.Elasticity == 0 {
		cfg.Elasticity = -1.5
	}
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = cfg.BasePrice * 2.0
	}
	if cfg.Floor < 0 || cfg.Floor > cfg.Ceiling {
		cfg.Floor = cfg.BasePrice * 0.5
	}
	return &Engine{
		cfg:          cfg,
		currentPrice: cfg.BasePrice,
		clock:        clk,
		abtest:       abtest,
	}
}

// Optimal derives a price for the given market snapshot. Factor impacts
// are computed against the base price; the expected-impact percentages
// compare the recommendation to the last committed price.
func (e *Engine) Optimal(market models.MarketData) models.PriceRecommendation {
	e.mu.Lock()
	defer e.mu.Unlock()

	base := e.cfg.BasePrice
	at := market.ObservedAt
	if at.IsZero() {
		at = e.clock.Now()
	}

	var impacts []models.FactorImpact
	var scores []float64
	total := 0.0
	for _, f := range e.cfg.Factors {
		if !f.Enabled {
			continue
		}
		impact, score := e.factorImpact(f, market, base, at)
		impacts = append(impacts, models.FactorImpact{
			Name:   f.Name,
			Kind:   f.Kind,
			Score:  score,
			Impact: impact,
		})
		scores = append(scores, score)
		total += impact
	}

	price := clampPrice(base+total, e.cfg.Floor, e.cfg.Ceiling)

	variant := ""
	if e.abtest != nil {
		v := e.abtest.Pick()
		variant = v.Name
		price = clampPrice(price*v.Multiplier, e.cfg.Floor, e.cfg.Ceiling)
	}

	rec := models.PriceRecommendation{
		Price:       price,
		BasePrice:   base,
		Factors:     impacts,
		Variant:     variant,
		Confidence:  e.confidence(market, scores),
		GeneratedAt: at,
	}

	if e.currentPrice > 0 {
		deltaPct := (price - e.currentPrice) / e.currentPrice
		demandChange := e.cfg.Elasticity * deltaPct
		rec.DemandChangePct = demandChange * 100
		rec.RevenueChangePct = ((1+deltaPct)*(1+demandChange) - 1) * 100
		rec.MarginChangePct = deltaPct * 0.3 * 100
	}

	log.Debug().
		Float64("price", rec.Price).
		Float64("base", base).
		Str("variant", variant).
		Float64("confidence", rec.Confidence).
		Msg("price recommendation generated")

	return rec
}

func (e *Engine) factorImpact(f models.AdjustmentFactor, market models.MarketData, p float64, at time.Time) (impact, score float64) {
	switch f.Kind {
	case models.FactorDemand:
		score = 2 * (market.Demand - 0.5)
		impact = score * f.Weight * p * 0.10

	case models.FactorCompetitor:
		if len(market.Competitors) == 0 {
			return 0, 0
		}
		var weighted, shares float64
		for _, c := range market.Competitors {
			share := c.MarketShare
			if share <= 0 {
				share = 1
			}
			weighted += c.Price * share
			shares += share
		}
		m := weighted / shares
		impact = (0.95*m - p) * f.Weight * 0.5
		score = -((p - m) / m)

	case models.FactorTime:
		hour := at.Hour()
		weekday := at.Weekday()
		switch {
		case weekday != time.Saturday && weekday != time.Sunday &&
			((hour >= 9 && hour <= 11) || (hour >= 14 && hour <= 16)):
			score = 0.5
		case weekday == time.Saturday || weekday == time.Sunday:
			score = -0.3
		case hour < 6 || hour > 22:
			score = -0.5
		}
		impact = score * f.Weight * p * 0.10

	case models.FactorCapacity:
		score = 2 * (0.5 - market.Supply)
		impact = score * f.Weight * p * 0.15

	case models.FactorCustom:
		// extension point
	}
	return impact, score
}

// Update commits a realized price with its observed outcome.
func (e *Engine) Update(price, volume, revenue float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.history = append(e.history, models.PricePoint{
		Price:     price,
		Volume:    volume,
		Revenue:   revenue,
		Timestamp: e.clock.Now(),
	})
	if len(e.history) > e.cfg.HistoryLimit {
		overflow := len(e.history) - e.cfg.HistoryLimit
		e.history = append(e.history[:0], e.history[overflow:]...)
	}
	e.currentPrice = price
}

func (e *Engine) CurrentPrice() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentPrice
}

func (e *Engine) History() []models.PricePoint {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.PricePoint, len(e.history))
	copy(out, e.history)
	return out
}

// ABTest exposes the attached experiment, if any.
func (e *Engine) ABTest() *ABTest {
	return e.abtest
}

func (e *Engine) confidence(market models.MarketData, scores []float64) float64 {
	conf := 0.7
	if len(e.history) > 100 {
		conf += 0.1
	}
	if len(market.Competitors) >= 3 {
		conf += 0.1
	}
	if variance(scores) > 0.5 {
		conf -= 0.15
	}
	return clamp01(conf)
}

func variance(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	var mean float64
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	var m2 float64
	for _, x := range xs {
		m2 += (x - mean) * (x - mean)
	}
	return m2 / float64(len(xs))
}

func clampPrice(p, floor, ceiling float64) float64 {
	return math.Max(floor, math.Min(ceiling, p))
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
