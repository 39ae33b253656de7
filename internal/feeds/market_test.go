package feeds

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paymesh/payment-fabric/internal/clock"
	"github.com/paymesh/payment-fabric/internal/models"
)

type stubDepth struct {
	pending int64
	err     error
}

func (s *stubDepth) GetPendingCount(context.Context) (int64, error) {
	return s.pending, s.err
}

var marketNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestSnapshotDemandFromQueueDepth(t *testing.T) {
	clk := clock.NewManualClock(marketNow)
	src := NewMarketSnapshotSource(&stubDepth{pending: 250}, nil, 1000, clk)

	market, err := src.Snapshot(context.Background())
	require.NoError(t, err)

	assert.InDelta(t, 0.25, market.Demand, 1e-9)
	assert.InDelta(t, 0.5, market.Supply, 1e-9)
	assert.Equal(t, marketNow, market.ObservedAt)
}

func TestSnapshotDemandClampedAtOne(t *testing.T) {
	clk := clock.NewManualClock(marketNow)
	src := NewMarketSnapshotSource(&stubDepth{pending: 5000}, nil, 1000, clk)

	market, err := src.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1.0, market.Demand)
}

func TestSnapshotNeutralOnDepthError(t *testing.T) {
	clk := clock.NewManualClock(marketNow)
	src := NewMarketSnapshotSource(&stubDepth{err: errors.New("redis down")}, nil, 1000, clk)

	market, err := src.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0.5, market.Demand)
}

func TestSnapshotIncludesCompetitorQuotes(t *testing.T) {
	clk := clock.NewManualClock(marketNow)
	competitors := NewStaticCompetitorFeed([]models.CompetitorQuote{
		{Competitor: "bridgeco", Price: 2.1},
		{Competitor: "swiftpay", Price: 1.8},
	})
	src := NewMarketSnapshotSource(&stubDepth{pending: 100}, competitors, 1000, clk)

	market, err := src.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, market.Competitors, 2)
	assert.Equal(t, "bridgeco", market.Competitors[0].Competitor)
}

func TestSnapshotDefaultsCapacity(t *testing.T) {
	clk := clock.NewManualClock(marketNow)
	src := NewMarketSnapshotSource(&stubDepth{pending: 500}, nil, 0, clk)

	market, err := src.Snapshot(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 0.5, market.Demand, 1e-9)
}
