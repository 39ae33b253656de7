package pricing

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paymesh/payment-fabric/internal/models"
)

func testVariants() []models.PriceVariant {
	return []models.PriceVariant{
		{Name: "control", Multiplier: 1.0, Allocation: 0.34},
		{Name: "value", Multiplier: 0.95, Allocation: 0.33},
		{Name: "premium", Multiplier: 1.05, Allocation: 0.33},
	}
}

func TestNewABTestValidation(t *testing.T) {
	_, err := NewABTest(nil)
	assert.Error(t, err)

	_, err = NewABTest([]models.PriceVariant{
		{Name: "a", Multiplier: 1.0, Allocation: 0.5},
		{Name: "b", Multiplier: 1.1, Allocation: 0.2},
	})
	assert.Error(t, err, "allocations must sum to 1.0")

	_, err = NewABTest([]models.PriceVariant{
		{Name: "a", Multiplier: 0, Allocation: 1.0},
	})
	assert.Error(t, err, "multiplier must be positive")

	ab, err := NewABTest(testVariants())
	require.NoError(t, err)
	assert.Len(t, ab.Variants(), 3)
}

func TestPickFollowsAllocations(t *testing.T) {
	ab, err := NewABTest(testVariants())
	require.NoError(t, err)
	ab.rng = rand.New(rand.NewSource(42))

	counts := map[string]int{}
	const n = 20000
	for i := 0; i < n; i++ {
		counts[ab.Pick().Name]++
	}

	assert.InDelta(t, 0.34, float64(counts["control"])/n, 0.02)
	assert.InDelta(t, 0.33, float64(counts["value"])/n, 0.02)
	assert.InDelta(t, 0.33, float64(counts["premium"])/n, 0.02)
}

func TestPickForIsDeterministic(t *testing.T) {
	ab, err := NewABTest(testVariants())
	require.NoError(t, err)

	seen := map[string]bool{}
	for i := 0; i < 1000; i++ {
		key := fmt.Sprintf("user-%d", i)
		first := ab.PickFor(key)
		second := ab.PickFor(key)
		assert.Equal(t, first.Name, second.Name)
		seen[first.Name] = true
	}
	// with 1000 keys every variant bucket gets traffic
	assert.Len(t, seen, 3)
}

func TestRecordAndResults(t *testing.T) {
	ab, err := NewABTest(testVariants())
	require.NoError(t, err)

	for _, rev := range []float64{10, 20, 30} {
		ab.Record("control", 5, rev)
	}
	ab.Record("unknown-variant", 1, 1) // silently ignored

	results := ab.Results()
	control := results["control"]
	assert.Equal(t, int64(3), control.Samples)
	assert.Equal(t, 15.0, control.TotalVolume)
	assert.Equal(t, 60.0, control.TotalRevenue)
	assert.InDelta(t, 20.0, control.MeanRevenue(), 1e-9)
	assert.InDelta(t, 200.0/3.0, control.RevenueVariance(), 1e-9)

	assert.Equal(t, int64(0), results["value"].Samples)
}

func TestSignificance(t *testing.T) {
	ab, err := NewABTest(testVariants())
	require.NoError(t, err)

	_, err = ab.Significance("control", "value")
	assert.Error(t, err, "needs samples on both sides")

	for i := 0; i < 50; i++ {
		ab.Record("control", 1, 100+float64(i%5))
		ab.Record("value", 1, 200+float64(i%5))
	}

	p, err := ab.Significance("control", "value")
	require.NoError(t, err)
	assert.Less(t, p, 0.01, "clearly separated means must be significant")

	for i := 0; i < 50; i++ {
		ab.Record("premium", 1, 100+float64(i%5))
	}
	p, err = ab.Significance("control", "premium")
	require.NoError(t, err)
	assert.Greater(t, p, 0.5, "identical distributions must not be significant")

	_, err = ab.Significance("control", "ghost")
	assert.Error(t, err)
}
