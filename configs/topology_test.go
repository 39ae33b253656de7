package configs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paymesh/payment-fabric/internal/models"
)

func TestLoadTopologyShippedFile(t *testing.T) {
	topo, err := LoadTopology("topology.yaml")
	require.NoError(t, err)

	assert.NotEmpty(t, topo.Chains)
	assert.NotEmpty(t, topo.Bridges)
	assert.NotEmpty(t, topo.Protocols)
	assert.NotEmpty(t, topo.Agents)

	var wormhole *models.Bridge
	for i := range topo.Bridges {
		if topo.Bridges[i].Name == "wormhole" {
			wormhole = &topo.Bridges[i]
		}
	}
	require.NotNil(t, wormhole, "shipped topology must include wormhole")
	assert.Contains(t, wormhole.SupportedChains, "solana")
	assert.Contains(t, wormhole.SupportedChains, "ethereum")
	assert.Equal(t, 5.0, wormhole.BaseFeeUSD)
	assert.Equal(t, 0.1, wormhole.FeePercent)
	assert.Equal(t, 180.0, wormhole.AvgTimeSec)
	assert.Equal(t, 0.98, wormhole.Reliability)

	_, ok := topo.Gas["ethereum"]
	assert.True(t, ok, "gas snapshot for ethereum")

	var kamino bool
	for _, p := range topo.Protocols {
		if p.Name == "kamino" {
			kamino = true
			assert.Equal(t, models.RiskTierMedium, p.RiskTier)
		}
	}
	assert.True(t, kamino, "shipped topology must include kamino")

	weights := map[models.AgentRole]float64{}
	counts := map[models.AgentRole]int{}
	for _, a := range topo.Agents {
		weights[models.AgentRole(a.Role)] += a.Weight
		counts[models.AgentRole(a.Role)]++
	}
	assert.Equal(t, 3, counts[models.RoleValidator])
	assert.Equal(t, 2, counts[models.RoleExecutor])
	assert.Equal(t, 2, counts[models.RoleOptimizer])
	assert.Equal(t, 1, counts[models.RoleRiskAssessor])
	assert.Equal(t, 2.0, weights[models.RoleRiskAssessor])
}

func TestLoadTopologyMissingFile(t *testing.T) {
	_, err := LoadTopology("does-not-exist.yaml")
	assert.Error(t, err)
}

func TestTopologyValidate(t *testing.T) {
	base := func() *Topology {
		return &Topology{
			Chains: []models.Chain{
				{Name: "ethereum", NativeToken: "ETH", NativePriceUSD: 3000},
				{Name: "solana", NativeToken: "SOL", NativePriceUSD: 150},
			},
			Bridges: []models.Bridge{
				{
					Name:            "wormhole",
					SupportedChains: []string{"ethereum", "solana"},
					BaseFeeUSD:      5,
					FeePercent:      0.1,
					AvgTimeSec:      180,
					MinAmount:       10,
					MaxAmount:       1000000,
					Reliability:     0.98,
				},
			},
		}
	}

	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, base().Validate())
	})

	t.Run("duplicate chain", func(t *testing.T) {
		topo := base()
		topo.Chains = append(topo.Chains, models.Chain{Name: "ethereum", NativePriceUSD: 1})
		assert.Error(t, topo.Validate())
	})

	t.Run("bridge references unknown chain", func(t *testing.T) {
		topo := base()
		topo.Bridges[0].SupportedChains = []string{"ethereum", "dogechain"}
		assert.Error(t, topo.Validate())
	})

	t.Run("reliability out of range", func(t *testing.T) {
		topo := base()
		topo.Bridges[0].Reliability = 1.2
		assert.Error(t, topo.Validate())
	})

	t.Run("agent with unknown role", func(t *testing.T) {
		topo := base()
		topo.Agents = []AgentSpec{{ID: "a1", Role: "dreamer", Weight: 1}}
		assert.Error(t, topo.Validate())
	})

	t.Run("variant allocations must sum to one", func(t *testing.T) {
		topo := base()
		topo.Pricing.Variants = []models.PriceVariant{
			{Name: "control", Multiplier: 1.0, Allocation: 0.5},
			{Name: "premium", Multiplier: 1.1, Allocation: 0.2},
		}
		assert.Error(t, topo.Validate())
	})
}
