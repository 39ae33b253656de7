// Package feeds supplies the live inputs the fabric consumes: gas prices,
// the yield protocol universe, competitor quotes, and bridge liquidity.
// Static implementations serve topology snapshots; HTTP implementations
// sit behind a circuit breaker and fall back to the last good snapshot.
package feeds

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/paymesh/payment-fabric/internal/clock"
	"github.com/paymesh/payment-fabric/internal/models"
)

// GasFeed reports per-chain gas tiers and the chain's native token price.
type GasFeed interface {
	Gas(ctx context.Context, chain string) (models.GasQuote, error)
	NativePrice(ctx context.Context, chain string) (float64, error)
}

// CompetitorFeed lists current competitor price quotes.
type CompetitorFeed interface {
	Quotes(ctx context.Context) ([]models.CompetitorQuote, error)
}

// BridgeFeed enumerates the bridges available to the router.
type BridgeFeed interface {
	Bridges(ctx context.Context) ([]models.Bridge, error)
}

// StaticGasFeed serves the topology's startup gas snapshot.
type StaticGasFeed struct {
	mu     sync.RWMutex
	gas    map[string]models.GasQuote
	prices map[string]float64
}

func NewStaticGasFeed(gas map[string]models.GasQuote, chains []models.Chain) *StaticGasFeed {
	f := &StaticGasFeed{
		gas:    make(map[string]models.GasQuote, len(gas)),
		prices: make(map[string]float64, len(chains)),
	}
	for chain, q := range gas {
		f.gas[chain] = q
	}
	for _, c := range chains {
		f.prices[c.Name] = c.NativePriceUSD
	}
	return f
}

func (f *StaticGasFeed) Gas(_ context.Context, chain string) (models.GasQuote, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	q, ok := f.gas[chain]
	if !ok {
		return models.GasQuote{}, fmt.Errorf("no gas quote for chain %q", chain)
	}
	return q, nil
}

func (f *StaticGasFeed) NativePrice(_ context.Context, chain string) (float64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	p, ok := f.prices[chain]
	if !ok {
		return 0, fmt.Errorf("no native price for chain %q", chain)
	}
	return p, nil
}

// SetGas replaces one chain's quote, e.g. from a refresher loop.
func (f *StaticGasFeed) SetGas(chain string, q models.GasQuote) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gas[chain] = q
}

// StaticProtocolFeed serves the topology's protocol list. It satisfies
// yield.ProtocolFeed.
type StaticProtocolFeed struct {
	mu        sync.RWMutex
	protocols []models.Protocol
}

func NewStaticProtocolFeed(protocols []models.Protocol) *StaticProtocolFeed {
	out := make([]models.Protocol, len(protocols))
	copy(out, protocols)
	return &StaticProtocolFeed{protocols: out}
}

func (f *StaticProtocolFeed) Protocols(_ context.Context) ([]models.Protocol, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]models.Protocol, len(f.protocols))
	copy(out, f.protocols)
	return out, nil
}

// SetAPY updates one protocol's APY in place.
func (f *StaticProtocolFeed) SetAPY(name string, apy float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.protocols {
		if f.protocols[i].Name == name {
			f.protocols[i].APY = apy
			return
		}
	}
}

// StaticCompetitorFeed serves the topology's competitor quotes.
type StaticCompetitorFeed struct {
	mu     sync.RWMutex
	quotes []models.CompetitorQuote
}

func NewStaticCompetitorFeed(quotes []models.CompetitorQuote) *StaticCompetitorFeed {
	out := make([]models.CompetitorQuote, len(quotes))
	copy(out, quotes)
	return &StaticCompetitorFeed{quotes: out}
}

func (f *StaticCompetitorFeed) Quotes(_ context.Context) ([]models.CompetitorQuote, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]models.CompetitorQuote, len(f.quotes))
	copy(out, f.quotes)
	return out, nil
}

// StaticBridgeFeed serves the topology's bridge set.
type StaticBridgeFeed struct {
	bridges []models.Bridge
}

func NewStaticBridgeFeed(bridges []models.Bridge) *StaticBridgeFeed {
	out := make([]models.Bridge, len(bridges))
	copy(out, bridges)
	return &StaticBridgeFeed{bridges: out}
}

func (f *StaticBridgeFeed) Bridges(_ context.Context) ([]models.Bridge, error) {
	out := make([]models.Bridge, len(f.bridges))
	copy(out, f.bridges)
	return out, nil
}

// HTTPGasFeed polls an external gas oracle. Calls run through a circuit
// breaker; while the breaker is open, or on any fetch error, the feed
// serves the last good quote from the fallback.
type HTTPGasFeed struct {
	baseURL  string
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
	fallback *StaticGasFeed
	clock    clock.Clock
}

func NewHTTPGasFeed(baseURL string, fallback *StaticGasFeed, clk clock.Clock) *HTTPGasFeed {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "gas-feed",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("gas feed breaker state changed")
		},
	})
	return &HTTPGasFeed{
		baseURL:  baseURL,
		client:   &http.Client{Timeout: 5 * time.Second},
		breaker:  breaker,
		fallback: fallback,
		clock:    clk,
	}
}

func (f *HTTPGasFeed) Gas(ctx context.Context, chain string) (models.GasQuote, error) {
	result, err := f.breaker.Execute(func() (interface{}, error) {
		return f.fetch(ctx, chain)
	})
	if err != nil {
		log.Debug().Err(err).Str("chain", chain).Msg("gas fetch failed, using fallback quote")
		return f.fallback.Gas(ctx, chain)
	}
	quote := result.(models.GasQuote)
	f.fallback.SetGas(chain, quote)
	return quote, nil
}

func (f *HTTPGasFeed) NativePrice(ctx context.Context, chain string) (float64, error) {
	return f.fallback.NativePrice(ctx, chain)
}

func (f *HTTPGasFeed) fetch(ctx context.Context, chain string) (models.GasQuote, error) {
	url := fmt.Sprintf("%s/gas/%s", f.baseURL, chain)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return models.GasQuote{}, err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return models.GasQuote{}, fmt.Errorf("gas request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return models.GasQuote{}, fmt.Errorf("gas oracle returned %d", resp.StatusCode)
	}

	var quote models.GasQuote
	if err := json.NewDecoder(resp.Body).Decode(&quote); err != nil {
		return models.GasQuote{}, fmt.Errorf("decode gas quote: %w", err)
	}
	quote.UpdatedAt = f.clock.Now()
	return quote, nil
}
