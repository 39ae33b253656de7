package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paymesh/payment-fabric/internal/feeds"
	"github.com/paymesh/payment-fabric/internal/models"
)

func mainnetFixture() (*Graph, feeds.GasFeed) {
	chains := []models.Chain{
		{Name: "ethereum", NativeToken: "ETH", NativePriceUSD: 3000},
		{Name: "solana", NativeToken: "SOL", NativePriceUSD: 150},
		{Name: "polygon", NativeToken: "MATIC", NativePriceUSD: 0.85},
		{Name: "arbitrum", NativeToken: "ETH", NativePriceUSD: 3000},
	}
	bridges := []models.Bridge{
		{
			Name:            "wormhole",
			SupportedChains: []string{"solana", "ethereum", "polygon"},
			BaseFeeUSD:      5,
			FeePercent:      0.1,
			AvgTimeSec:      180,
			MinAmount:       10,
			MaxAmount:       1000000,
			Reliability:     0.98,
		},
		{
			Name:            "stargate",
			SupportedChains: []string{"ethereum", "polygon", "arbitrum"},
			BaseFeeUSD:      3,
			FeePercent:      0.06,
			AvgTimeSec:      300,
			MinAmount:       20,
			MaxAmount:       500000,
			Reliability:     0.95,
		},
	}
	gas := map[string]models.GasQuote{
		"ethereum": {Standard: 25, Fast: 40, Instant: 70},
		"solana":   {Standard: 1, Fast: 2, Instant: 3},
		"polygon":  {Standard: 40, Fast: 80, Instant: 150},
		"arbitrum": {Standard: 0.1, Fast: 0.25, Instant: 0.5},
	}
	return NewGraph(chains, bridges), feeds.NewStaticGasFeed(gas, chains)
}

func TestCostOptimalSolanaToEthereum(t *testing.T) {
	graph, gas := mainnetFixture()
	r := NewRouter(graph, gas, DefaultConfig())

	result, err := r.Route(context.Background(), "solana", "ethereum", 1000, models.ObjectiveCost)
	require.NoError(t, err)

	assert.Equal(t, 1, result.HopCount)
	require.Len(t, result.Path, 1)
	assert.Equal(t, "wormhole", result.Path[0].Bridge)
	assert.Equal(t, 180.0, result.TotalTimeSec)
	assert.InDelta(t, 0.98, result.SuccessProbability, 1e-9)

	// bridge fee 5 + 1000*0.1% = 6; gas 150k@1gwei on solana + 100k@25gwei
	// on ethereum at standard tier.
	wantGas := 150000*1e-9*1*150 + 100000*25e-9*3000
	assert.InDelta(t, 6+wantGas, result.TotalCostUSD, 1e-9)
	assert.InDelta(t, result.AmountIn-result.TotalCostUSD, result.AmountOut, 1e-9)
}

func TestSameChainIsZeroHop(t *testing.T) {
	graph, gas := mainnetFixture()
	r := NewRouter(graph, gas, DefaultConfig())

	result, err := r.Route(context.Background(), "ethereum", "ethereum", 500, models.ObjectiveBalance)
	require.NoError(t, err)

	assert.Empty(t, result.Path)
	assert.Equal(t, 0, result.HopCount)
	assert.Zero(t, result.TotalCostUSD)
	assert.Equal(t, 1.0, result.SuccessProbability)
	assert.Equal(t, 500.0, result.AmountOut)
}

func TestUnknownChainRejected(t *testing.T) {
	graph, gas := mainnetFixture()
	r := NewRouter(graph, gas, DefaultConfig())

	_, err := r.Route(context.Background(), "dogechain", "ethereum", 100, models.ObjectiveCost)
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	_, err = r.Route(context.Background(), "ethereum", "solana", -5, models.ObjectiveCost)
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestNoRouteToIsolatedChain(t *testing.T) {
	chains := []models.Chain{
		{Name: "ethereum", NativePriceUSD: 3000},
		{Name: "solana", NativePriceUSD: 150},
		{Name: "island", NativePriceUSD: 1},
	}
	bridges := []models.Bridge{
		{Name: "wormhole", SupportedChains: []string{"solana", "ethereum"},
			BaseFeeUSD: 5, FeePercent: 0.1, AvgTimeSec: 180, MinAmount: 10, MaxAmount: 1e6, Reliability: 0.98},
	}
	gas := map[string]models.GasQuote{
		"ethereum": {Standard: 25, Fast: 40, Instant: 70},
		"solana":   {Standard: 1, Fast: 2, Instant: 3},
		"island":   {Standard: 1, Fast: 1, Instant: 1},
	}
	r := NewRouter(NewGraph(chains, bridges), feeds.NewStaticGasFeed(gas, chains), DefaultConfig())

	// The source has an admissible outgoing edge; that must not turn a
	// disconnected pair into an amount complaint.
	_, err := r.Route(context.Background(), "solana", "island", 100, models.ObjectiveCost)
	assert.ErrorIs(t, err, ErrNoRoute)
	assert.NotErrorIs(t, err, ErrAmountOutOfRange)
}

func TestAmountOutOfRange(t *testing.T) {
	graph, gas := mainnetFixture()
	r := NewRouter(graph, gas, DefaultConfig())

	// Below every bridge minimum.
	_, err := r.Route(context.Background(), "solana", "ethereum", 5, models.ObjectiveCost)
	assert.ErrorIs(t, err, ErrAmountOutOfRange)

	// Above the only connecting bridge's maximum.
	_, err = r.Route(context.Background(), "solana", "ethereum", 2000000, models.ObjectiveCost)
	assert.ErrorIs(t, err, ErrAmountOutOfRange)
}

// twoHopFixture has no direct edge between the endpoints, forcing a relay
// through the middle chain.
func twoHopFixture() (*Graph, feeds.GasFeed) {
	chains := []models.Chain{
		{Name: "solana", NativePriceUSD: 150},
		{Name: "polygon", NativePriceUSD: 0.85},
		{Name: "arbitrum", NativePriceUSD: 3000},
	}
	bridges := []models.Bridge{
		{Name: "wormhole", SupportedChains: []string{"solana", "polygon"},
			BaseFeeUSD: 5, FeePercent: 0.1, AvgTimeSec: 180, MinAmount: 10, MaxAmount: 1e6, Reliability: 0.98},
		{Name: "stargate", SupportedChains: []string{"polygon", "arbitrum"},
			BaseFeeUSD: 3, FeePercent: 0.06, AvgTimeSec: 300, MinAmount: 20, MaxAmount: 5e5, Reliability: 0.95},
	}
	gas := map[string]models.GasQuote{
		"solana":   {Standard: 1, Fast: 2, Instant: 3},
		"polygon":  {Standard: 40, Fast: 80, Instant: 150},
		"arbitrum": {Standard: 0.1, Fast: 0.25, Instant: 0.5},
	}
	return NewGraph(chains, bridges), feeds.NewStaticGasFeed(gas, chains)
}

func TestMultiHopAmountDecay(t *testing.T) {
	graph, gas := twoHopFixture()
	r := NewRouter(graph, gas, DefaultConfig())

	result, err := r.Route(context.Background(), "solana", "arbitrum", 1000, models.ObjectiveCost)
	require.NoError(t, err)
	require.Equal(t, 2, result.HopCount)

	first, second := result.Path[0], result.Path[1]
	assert.Equal(t, "wormhole", first.Bridge)
	assert.Equal(t, "stargate", second.Bridge)

	// The second hop carries what survived the first.
	assert.InDelta(t, 1000-first.CostUSD, second.Amount, 1e-9)
	assert.InDelta(t, first.CostUSD+second.CostUSD, result.TotalCostUSD, 1e-9)
	assert.InDelta(t, 1000-result.TotalCostUSD, result.AmountOut, 1e-9)

	// Two hops: 0.95 base penalty times both bridge reliabilities.
	assert.InDelta(t, 0.95*0.98*0.95, result.SuccessProbability, 1e-9)
}

func TestHopBudgetPrunesRelayRoutes(t *testing.T) {
	graph, gas := twoHopFixture()
	r := NewRouter(graph, gas, Config{MaxHops: 1, GasMultiplier: 1.0})

	_, err := r.Route(context.Background(), "solana", "arbitrum", 1000, models.ObjectiveCost)
	assert.ErrorIs(t, err, ErrNoRoute)
}

func TestAmountDecayPrunesBelowDownstreamMinimum(t *testing.T) {
	graph, gas := twoHopFixture()
	r := NewRouter(graph, gas, DefaultConfig())

	// 25 survives wormhole's minimum but lands under stargate's after
	// paying first-hop costs. That is an amount problem, not a missing
	// route.
	_, err := r.Route(context.Background(), "solana", "arbitrum", 25, models.ObjectiveCost)
	assert.ErrorIs(t, err, ErrAmountOutOfRange)
}

func TestObjectiveSelection(t *testing.T) {
	chains := []models.Chain{
		{Name: "ethereum", NativePriceUSD: 3000},
		{Name: "polygon", NativePriceUSD: 0.85},
	}
	bridges := []models.Bridge{
		{Name: "cheap-slow", SupportedChains: []string{"ethereum", "polygon"},
			BaseFeeUSD: 1, FeePercent: 0.01, AvgTimeSec: 900, MinAmount: 1, MaxAmount: 1e6, Reliability: 0.97},
		{Name: "fast-expensive", SupportedChains: []string{"ethereum", "polygon"},
			BaseFeeUSD: 20, FeePercent: 0.2, AvgTimeSec: 60, MinAmount: 1, MaxAmount: 1e6, Reliability: 0.97},
	}
	gas := map[string]models.GasQuote{
		"ethereum": {Standard: 25, Fast: 40, Instant: 70},
		"polygon":  {Standard: 40, Fast: 80, Instant: 150},
	}
	r := NewRouter(NewGraph(chains, bridges), feeds.NewStaticGasFeed(gas, chains), DefaultConfig())

	byCost, err := r.Route(context.Background(), "ethereum", "polygon", 1000, models.ObjectiveCost)
	require.NoError(t, err)
	assert.Equal(t, "cheap-slow", byCost.Path[0].Bridge)

	bySpeed, err := r.Route(context.Background(), "ethereum", "polygon", 1000, models.ObjectiveSpeed)
	require.NoError(t, err)
	assert.Equal(t, "fast-expensive", bySpeed.Path[0].Bridge)
}

func TestRouteRespectsHopCountBound(t *testing.T) {
	graph, gas := mainnetFixture()
	cfg := DefaultConfig()
	r := NewRouter(graph, gas, cfg)

	for _, obj := range []models.RouteObjective{models.ObjectiveCost, models.ObjectiveSpeed, models.ObjectiveBalance} {
		result, err := r.Route(context.Background(), "solana", "arbitrum", 1000, obj)
		require.NoError(t, err)
		assert.LessOrEqual(t, result.HopCount, cfg.MaxHops)
		assert.GreaterOrEqual(t, result.SuccessProbability, 0.0)
		assert.LessOrEqual(t, result.SuccessProbability, 1.0)
		for _, hop := range result.Path {
			assert.GreaterOrEqual(t, hop.Amount, 10.0, "every hop must satisfy its bridge minimum")
		}
	}
}
