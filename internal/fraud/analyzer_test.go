package fraud

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paymesh/payment-fabric/internal/clock"
	"github.com/paymesh/payment-fabric/internal/models"
	"github.com/paymesh/payment-fabric/internal/profile"
)

var analysisStart = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestAnalyzer(clk clock.Clock) (*Analyzer, *profile.Store, *MemoryBlocklist) {
	store := profile.NewStore(clk)
	blocklist := NewMemoryBlocklist()
	return NewAnalyzer(store, blocklist, clk, DefaultConfig()), store, blocklist
}

func testTx(user string, amount float64, at time.Time) models.Transaction {
	return models.Transaction{
		ID:          fmt.Sprintf("tx-%s-%d", user, at.UnixNano()),
		UserID:      user,
		Amount:      amount,
		Timestamp:   at,
		FromAddress: "0xsrc-" + user,
		ToAddress:   "0xdst-" + user,
		Chain:       "ethereum",
	}
}

func findSignal(signals []models.FraudSignal, kind models.SignalKind, sev models.Severity) *models.FraudSignal {
	for i := range signals {
		if signals[i].Kind == kind && signals[i].Severity == sev {
			return &signals[i]
		}
	}
	return nil
}

func TestCleanTransactionForNewUser(t *testing.T) {
	clk := clock.NewManualClock(analysisStart)
	analyzer, store, _ := newTestAnalyzer(clk)

	tx := testTx("u1", 125.50, analysisStart)
	tx.Geo = &models.GeoPoint{Country: "USA", Lat: 40.71, Lon: -74.0}

	analysis := analyzer.Analyze(context.Background(), tx)

	assert.Equal(t, models.RiskLevelSafe, analysis.RiskLevel)
	assert.Empty(t, analysis.Signals)
	assert.Equal(t, models.RecommendApprove, analysis.Recommendation)
	assert.Equal(t, 1.0, analysis.Confidence)
	assert.Equal(t, 0.0, analysis.RiskScore)

	p, ok := store.Get("u1")
	require.True(t, ok)
	assert.Equal(t, int64(1), p.TotalTx)
}

func TestVelocityBreachWithBurst(t *testing.T) {
	clk := clock.NewManualClock(analysisStart)
	analyzer, _, _ := newTestAnalyzer(clk)

	// 12 transactions inside 12 minutes, the last six packed into the
	// final burst window.
	offsets := []time.Duration{
		0, 1 * time.Minute, 2 * time.Minute, 3 * time.Minute, 4 * time.Minute, 5 * time.Minute,
		8 * time.Minute, 8*time.Minute + 30*time.Second, 9 * time.Minute,
		9*time.Minute + 30*time.Second, 10 * time.Minute, 10*time.Minute + 30*time.Second,
	}

	var last models.FraudAnalysis
	for i, off := range offsets {
		at := analysisStart.Add(off)
		clk.Set(at)
		last = analyzer.Analyze(context.Background(), testTx("u2", 100+float64(i), at))
	}

	velocity := findSignal(last.Signals, models.SignalVelocity, models.SeverityMedium)
	if velocity == nil {
		velocity = findSignal(last.Signals, models.SignalVelocity, models.SeverityHigh)
	}
	require.NotNil(t, velocity, "hourly velocity signal expected, got %+v", last.Signals)
	assert.InDelta(t, 0.55, velocity.Confidence, 0.01)

	burst := findSignal(last.Signals, models.SignalVelocity, models.SeverityHigh)
	require.NotNil(t, burst, "5-minute burst signal expected")
	assert.Equal(t, 0.9, burst.Confidence)

	assert.GreaterOrEqual(t, last.RiskScore, 0.0)
	assert.LessOrEqual(t, last.RiskScore, 1.0)
}

func TestImpossibleTravelBlocks(t *testing.T) {
	clk := clock.NewManualClock(analysisStart)
	analyzer, store, _ := newTestAnalyzer(clk)

	prior := testTx("u3", 200, analysisStart.Add(-time.Hour))
	prior.Geo = &models.GeoPoint{Country: "USA", City: "New York", Lat: 40.7128, Lon: -74.0060}
	store.Observe(prior)

	tx := testTx("u3", 210, analysisStart)
	tx.Geo = &models.GeoPoint{Country: "JPN", City: "Tokyo", Lat: 35.6762, Lon: 139.6503}

	analysis := analyzer.Analyze(context.Background(), tx)

	travel := findSignal(analysis.Signals, models.SignalGeoAnomaly, models.SeverityCritical)
	require.NotNil(t, travel, "impossible travel signal expected")
	assert.Equal(t, 0.95, travel.Confidence)
	assert.Equal(t, models.RecommendBlock, analysis.Recommendation)

	// The country mismatch also fires: JPN is outside {USA}.
	mismatch := findSignal(analysis.Signals, models.SignalGeoAnomaly, models.SeverityMedium)
	assert.NotNil(t, mismatch)
}

func TestBlocklistShortCircuitAndUnblock(t *testing.T) {
	clk := clock.NewManualClock(analysisStart)
	analyzer, _, blocklist := newTestAnalyzer(clk)
	ctx := context.Background()

	require.NoError(t, blocklist.Add(ctx, "0xbad"))

	tx := testTx("u4", 50, analysisStart)
	tx.FromAddress = "0xbad"

	first := analyzer.Analyze(ctx, tx)
	assert.Equal(t, 1.0, first.RiskScore)
	assert.Equal(t, models.RiskLevelCritical, first.RiskLevel)
	assert.Equal(t, models.RecommendBlock, first.Recommendation)
	assert.Equal(t, 1.0, first.Confidence)
	require.Len(t, first.Signals, 1)
	assert.Equal(t, models.SignalKnownFraud, first.Signals[0].Kind)

	require.NoError(t, blocklist.Remove(ctx, "0xbad"))

	clk.Advance(time.Minute)
	second := analyzer.Analyze(ctx, testTx("u4", 50, analysisStart.Add(time.Minute)))
	assert.NotEqual(t, models.RecommendBlock, second.Recommendation)
	assert.Less(t, second.RiskScore, 1.0)
}

func TestBlocklistMatchesDestination(t *testing.T) {
	clk := clock.NewManualClock(analysisStart)
	analyzer, _, blocklist := newTestAnalyzer(clk)
	ctx := context.Background()

	require.NoError(t, blocklist.Add(ctx, "0xmixer"))

	tx := testTx("u5", 75, analysisStart)
	tx.ToAddress = "0xmixer"

	analysis := analyzer.Analyze(ctx, tx)
	assert.Equal(t, models.RecommendBlock, analysis.Recommendation)
	assert.Equal(t, 1.0, analysis.RiskScore)
}

func TestAmountAnomalyBands(t *testing.T) {
	cases := []struct {
		name     string
		amount   float64
		severity models.Severity
		conf     float64
	}{
		{"just over threshold is low", 132, models.SeverityLow, 3.9192 / 6},
		{"between 1.5d and 2d is medium", 140, models.SeverityMedium, 4.8990 / 6},
		{"beyond 2d is high", 400, models.SeverityHigh, 1.0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clk := clock.NewManualClock(analysisStart)
			analyzer, store, _ := newTestAnalyzer(clk)

			for i, amt := range []float64{90, 100, 110} {
				store.Observe(testTx("u6", amt, analysisStart.Add(time.Duration(i-4)*time.Hour)))
			}

			analysis := analyzer.Analyze(context.Background(), testTx("u6", tc.amount, analysisStart))
			signal := findSignal(analysis.Signals, models.SignalAmountAnomaly, tc.severity)
			require.NotNil(t, signal, "expected %s amount signal, got %+v", tc.severity, analysis.Signals)
			assert.InDelta(t, tc.conf, signal.Confidence, 0.001)
		})
	}
}

func TestAmountAnomalyZeroSpread(t *testing.T) {
	clk := clock.NewManualClock(analysisStart)
	analyzer, store, _ := newTestAnalyzer(clk)

	for i := 0; i < 3; i++ {
		store.Observe(testTx("u7", 100, analysisStart.Add(time.Duration(i-5)*time.Hour)))
	}

	analysis := analyzer.Analyze(context.Background(), testTx("u7", 500, analysisStart))
	signal := findSignal(analysis.Signals, models.SignalAmountAnomaly, models.SeverityHigh)
	require.NotNil(t, signal)
	assert.Equal(t, 1.0, signal.Confidence)
}

func TestRoundNumberAmount(t *testing.T) {
	clk := clock.NewManualClock(analysisStart)
	analyzer, _, _ := newTestAnalyzer(clk)

	analysis := analyzer.Analyze(context.Background(), testTx("u8", 5000, analysisStart))

	signal := findSignal(analysis.Signals, models.SignalAmountAnomaly, models.SeverityLow)
	require.NotNil(t, signal)
	assert.Equal(t, 0.6, signal.Confidence)
	assert.Equal(t, models.RiskLevelLow, analysis.RiskLevel)
}

func TestSequentialAmountPattern(t *testing.T) {
	clk := clock.NewManualClock(analysisStart)
	analyzer, store, _ := newTestAnalyzer(clk)

	for i, amt := range []float64{100, 200, 300} {
		store.Observe(testTx("u9", amt, analysisStart.Add(time.Duration(i-4)*time.Hour)))
	}

	analysis := analyzer.Analyze(context.Background(), testTx("u9", 400, analysisStart))

	require.Len(t, analysis.Signals, 1, "only the sequential pattern should fire: %+v", analysis.Signals)
	assert.Equal(t, models.SignalPattern, analysis.Signals[0].Kind)
	assert.Equal(t, models.SeverityMedium, analysis.Signals[0].Severity)
	assert.Equal(t, 0.8, analysis.Signals[0].Confidence)
}

func TestRepeatedAmountPattern(t *testing.T) {
	clk := clock.NewManualClock(analysisStart)
	analyzer, store, _ := newTestAnalyzer(clk)

	for i := 0; i < 4; i++ {
		store.Observe(testTx("u10", 250, analysisStart.Add(-time.Duration(40-i*10)*time.Minute)))
	}

	analysis := analyzer.Analyze(context.Background(), testTx("u10", 250, analysisStart))

	repeated := findSignal(analysis.Signals, models.SignalPattern, models.SeverityMedium)
	require.NotNil(t, repeated)
	assert.Equal(t, 0.75, repeated.Confidence)
}

func TestAddressDispersion(t *testing.T) {
	clk := clock.NewManualClock(analysisStart)
	analyzer, store, _ := newTestAnalyzer(clk)

	for i := 0; i < 10; i++ {
		tx := testTx("u11", float64(10*(i+1)), analysisStart.Add(-time.Duration(50-i*5)*time.Minute))
		tx.ToAddress = fmt.Sprintf("0xdest-%d", i)
		store.Observe(tx)
	}

	current := testTx("u11", 137, analysisStart)
	current.ToAddress = "0xdest-final"
	analysis := analyzer.Analyze(context.Background(), current)

	dispersion := findSignal(analysis.Signals, models.SignalPattern, models.SeverityHigh)
	require.NotNil(t, dispersion, "dispersion signal expected, got %+v", analysis.Signals)
	assert.Equal(t, 0.85, dispersion.Confidence)
}

func TestNewChainForEstablishedUser(t *testing.T) {
	clk := clock.NewManualClock(analysisStart)
	analyzer, store, _ := newTestAnalyzer(clk)

	for i := 0; i < 11; i++ {
		store.Observe(testTx("u12", float64(10*(i+1)), analysisStart.Add(-time.Duration(110-i*10)*time.Minute)))
	}

	tx := testTx("u12", 100, analysisStart)
	tx.Chain = "solana"
	analysis := analyzer.Analyze(context.Background(), tx)

	require.Len(t, analysis.Signals, 1, "only the new-chain signal should fire: %+v", analysis.Signals)
	assert.Equal(t, models.SignalBehavioral, analysis.Signals[0].Kind)
	assert.Equal(t, models.SeverityLow, analysis.Signals[0].Severity)
	assert.Equal(t, 0.5, analysis.Signals[0].Confidence)
}

func TestNewAccountLargeAmount(t *testing.T) {
	clk := clock.NewManualClock(analysisStart)
	analyzer, _, _ := newTestAnalyzer(clk)

	analysis := analyzer.Analyze(context.Background(), testTx("u13", 7500.50, analysisStart))

	behavioral := findSignal(analysis.Signals, models.SignalBehavioral, models.SeverityMedium)
	require.NotNil(t, behavioral)
	assert.Equal(t, 0.65, behavioral.Confidence)
}

func TestRepeatSubmissionSeesHistory(t *testing.T) {
	clk := clock.NewManualClock(analysisStart)
	analyzer, store, _ := newTestAnalyzer(clk)
	ctx := context.Background()

	tx := testTx("u14", 300, analysisStart)
	analyzer.Analyze(ctx, tx)

	clk.Advance(time.Minute)
	tx2 := testTx("u14", 300, analysisStart.Add(time.Minute))
	analyzer.Analyze(ctx, tx2)

	p, ok := store.Get("u14")
	require.True(t, ok)
	assert.Equal(t, int64(2), p.TotalTx)
	assert.Len(t, p.History, 2)
}

func TestScoreAndConfidenceInvariants(t *testing.T) {
	clk := clock.NewManualClock(analysisStart)
	analyzer, _, blocklist := newTestAnalyzer(clk)
	ctx := context.Background()

	require.NoError(t, blocklist.Add(ctx, "0xbad"))

	amounts := []float64{0.01, 1, 999.99, 1000, 5000, 25000, 1000000}
	for i, amt := range amounts {
		at := analysisStart.Add(time.Duration(i) * time.Second)
		clk.Set(at)
		tx := testTx("u15", amt, at)
		if i%3 == 0 {
			tx.FromAddress = "0xbad"
		}
		analysis := analyzer.Analyze(ctx, tx)

		assert.GreaterOrEqual(t, analysis.RiskScore, 0.0)
		assert.LessOrEqual(t, analysis.RiskScore, 1.0)
		assert.GreaterOrEqual(t, analysis.Confidence, 0.0)
		assert.LessOrEqual(t, analysis.Confidence, 1.0)
	}
}

func TestMemoryBlocklistList(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBlocklist("0xa", "0xb")

	addrs, err := b.List(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"0xa", "0xb"}, addrs)

	require.NoError(t, b.Remove(ctx, "0xa"))
	blocked, err := b.Contains(ctx, "0xa")
	require.NoError(t, err)
	assert.False(t, blocked)
}
