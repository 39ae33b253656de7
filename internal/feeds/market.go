package feeds

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/paymesh/payment-fabric/internal/clock"
	"github.com/paymesh/payment-fabric/internal/models"
)

// DepthReader reports how many payments are waiting for a decision.
type DepthReader interface {
	GetPendingCount(ctx context.Context) (int64, error)
}

// MarketSnapshotSource builds the pricing combiner's market view. Demand
// is inferred from decision queue depth relative to a nominal capacity;
// competitor quotes come from the competitor feed. Either input failing
// degrades to a neutral value rather than an error, so pricing never
// blocks a payment.
type MarketSnapshotSource struct {
	depth       DepthReader
	competitors CompetitorFeed
	capacity    float64
	baseSupply  float64
	clock       clock.Clock
}

func NewMarketSnapshotSource(depth DepthReader, competitors CompetitorFeed, capacity float64, clk clock.Clock) *MarketSnapshotSource {
	if capacity <= 0 {
		capacity = 1000
	}
	return &MarketSnapshotSource{
		depth:       depth,
		competitors: competitors,
		capacity:    capacity,
		baseSupply:  0.5,
		clock:       clk,
	}
}

func (s *MarketSnapshotSource) Snapshot(ctx context.Context) (models.MarketData, error) {
	market := models.MarketData{
		Demand:     0.5,
		Supply:     s.baseSupply,
		ObservedAt: s.clock.Now(),
	}

	if s.depth != nil {
		pending, err := s.depth.GetPendingCount(ctx)
		if err != nil {
			log.Debug().Err(err).Msg("queue depth unavailable, pricing on neutral demand")
		} else {
			demand := float64(pending) / s.capacity
			if demand > 1 {
				demand = 1
			}
			market.Demand = demand
		}
	}

	if s.competitors != nil {
		quotes, err := s.competitors.Quotes(ctx)
		if err != nil {
			log.Debug().Err(err).Msg("competitor quotes unavailable")
		} else {
			market.Competitors = quotes
		}
	}

	return market, nil
}
