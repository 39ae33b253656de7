package pricing

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/paymesh/payment-fabric/internal/models"
)

// ABTest splits price recommendations across a static variant set and
// accumulates realized outcomes per variant.
type ABTest struct {
	mu       sync.Mutex
	variants []models.PriceVariant
	results  map[string]*VariantStats
	rng      *rand.Rand
}

// VariantStats accumulates outcomes for one variant. Revenue keeps a
// running mean/variance for significance testing.
type VariantStats struct {
	Samples      int64
	TotalVolume  float64
	TotalRevenue float64
	meanRevenue  float64
	m2Revenue    float64
}

func (s VariantStats) MeanRevenue() float64 {
	return s.meanRevenue
}

func (s VariantStats) RevenueVariance() float64 {
	if s.Samples < 2 {
		return 0
	}
	return s.m2Revenue / float64(s.Samples)
}

func NewABTest(variants []models.PriceVariant) (*ABTest, error) {
	if len(variants) == 0 {
		return nil, fmt.Errorf("no variants defined")
	}
	var total float64
	for _, v := range variants {
		if v.Allocation < 0 {
			return nil, fmt.Errorf("variant %q: negative allocation", v.Name)
		}
		if v.Multiplier <= 0 {
			return nil, fmt.Errorf("variant %q: multiplier must be positive", v.Name)
		}
		total += v.Allocation
	}
	if math.Abs(total-1.0) > 1e-3 {
		return nil, fmt.Errorf("variant allocations sum to %.3f, want 1.0", total)
	}

	results := make(map[string]*VariantStats, len(variants))
	for _, v := range variants {
		results[v.Name] = &VariantStats{}
	}
	return &ABTest{
		variants: variants,
		results:  results,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Pick draws a variant at random, weighted by allocation.
func (t *ABTest) Pick() models.PriceVariant {
	t.mu.Lock()
	defer t.mu.Unlock()

	r := t.rng.Float64()
	cumulative := 0.0
	for _, v := range t.variants {
		cumulative += v.Allocation
		if r < cumulative {
			return v
		}
	}
	return t.variants[len(t.variants)-1]
}

// PickFor assigns a variant deterministically from a key, so repeated
// quotes for the same user land in the same bucket.
func (t *ABTest) PickFor(key string) models.PriceVariant {
	hash := sha256.Sum256([]byte(key))
	bucket := float64(binary.BigEndian.Uint32(hash[:4])) / float64(math.MaxUint32)

	cumulative := 0.0
	for _, v := range t.variants {
		cumulative += v.Allocation
		if bucket < cumulative {
			return v
		}
	}
	return t.variants[len(t.variants)-1]
}

// Record folds one realized outcome into the named variant.
func (t *ABTest) Record(variant string, volume, revenue float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats, ok := t.results[variant]
	if !ok {
		return
	}
	stats.Samples++
	stats.TotalVolume += volume
	stats.TotalRevenue += revenue

	delta := revenue - stats.meanRevenue
	stats.meanRevenue += delta / float64(stats.Samples)
	stats.m2Revenue += delta * (revenue - stats.meanRevenue)
}

// Results returns a snapshot of per-variant outcomes.
func (t *ABTest) Results() map[string]VariantStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]VariantStats, len(t.results))
	for name, stats := range t.results {
		out[name] = *stats
	}
	return out
}

func (t *ABTest) Variants() []models.PriceVariant {
	out := make([]models.PriceVariant, len(t.variants))
	copy(out, t.variants)
	return out
}

// Significance runs a two-sample z-test on mean revenue between two
// variants and returns the two-tailed p-value.
func (t *ABTest) Significance(a, b string) (float64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sa, ok := t.results[a]
	if !ok {
		return 0, fmt.Errorf("unknown variant %q", a)
	}
	sb, ok := t.results[b]
	if !ok {
		return 0, fmt.Errorf("unknown variant %q", b)
	}
	if sa.Samples < 2 || sb.Samples < 2 {
		return 0, fmt.Errorf("insufficient samples: %s=%d %s=%d", a, sa.Samples, b, sb.Samples)
	}

	va := sa.m2Revenue / float64(sa.Samples)
	vb := sb.m2Revenue / float64(sb.Samples)
	se := math.Sqrt(va/float64(sa.Samples) + vb/float64(sb.Samples))
	if se == 0 {
		if sa.meanRevenue == sb.meanRevenue {
			return 1.0, nil
		}
		return 0.0, nil
	}

	z := (sa.meanRevenue - sb.meanRevenue) / se
	p := 2 * (1 - normalCDF(math.Abs(z)))
	return p, nil
}

func normalCDF(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt2))
}
