package configs

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/paymesh/payment-fabric/internal/models"
)

// Topology is the static wiring of the fabric: supported chains and
// bridges, yield venues, the agent fleet, and pricing inputs. Loaded once
// at startup; live values (gas, APY, competitor prices) are refreshed by
// feeds at runtime.
type Topology struct {
	Chains      []models.Chain             `yaml:"chains"`
	Bridges     []models.Bridge            `yaml:"bridges"`
	Gas         map[string]models.GasQuote `yaml:"gas"`
	Protocols   []models.Protocol          `yaml:"protocols"`
	Agents      []AgentSpec                `yaml:"agents"`
	Pricing     PricingTopology            `yaml:"pricing"`
	Competitors []models.CompetitorQuote   `yaml:"competitors"`
}

type AgentSpec struct {
	ID           string   `yaml:"id"`
	Role         string   `yaml:"role"`
	Weight       float64  `yaml:"weight"`
	Capabilities []string `yaml:"capabilities"`
}

type PricingTopology struct {
	Factors  []models.AdjustmentFactor `yaml:"factors"`
	Variants []models.PriceVariant     `yaml:"variants"`
}

func LoadTopology(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read topology: %w", err)
	}

	var topo Topology
	if err := yaml.Unmarshal(data, &topo); err != nil {
		return nil, fmt.Errorf("parse topology: %w", err)
	}

	if err := topo.Validate(); err != nil {
		return nil, fmt.Errorf("validate topology: %w", err)
	}
	return &topo, nil
}

// Validate rejects topologies a router or swarm could not run on.
func (t *Topology) Validate() error {
	if len(t.Chains) == 0 {
		return fmt.Errorf("no chains defined")
	}

	chains := make(map[string]bool, len(t.Chains))
	for _, c := range t.Chains {
		if c.Name == "" {
			return fmt.Errorf("chain with empty name")
		}
		if chains[c.Name] {
			return fmt.Errorf("duplicate chain %q", c.Name)
		}
		if c.NativePriceUSD <= 0 {
			return fmt.Errorf("chain %q: native_price_usd must be positive", c.Name)
		}
		chains[c.Name] = true
	}

	for _, b := range t.Bridges {
		if len(b.SupportedChains) < 2 {
			return fmt.Errorf("bridge %q: needs at least two supported chains", b.Name)
		}
		for _, c := range b.SupportedChains {
			if !chains[c] {
				return fmt.Errorf("bridge %q: unknown chain %q", b.Name, c)
			}
		}
		if b.Reliability <= 0 || b.Reliability > 1 {
			return fmt.Errorf("bridge %q: reliability must be in (0,1]", b.Name)
		}
		if b.MaxAmount > 0 && b.MinAmount > b.MaxAmount {
			return fmt.Errorf("bridge %q: min_amount exceeds max_amount", b.Name)
		}
	}

	for _, p := range t.Protocols {
		if p.Weight < 0 {
			return fmt.Errorf("protocol %q: negative weight", p.Name)
		}
		switch p.RiskTier {
		case models.RiskTierLow, models.RiskTierMedium, models.RiskTierHigh:
		default:
			return fmt.Errorf("protocol %q: unknown risk tier %q", p.Name, p.RiskTier)
		}
	}

	agentIDs := make(map[string]bool, len(t.Agents))
	for _, a := range t.Agents {
		if agentIDs[a.ID] {
			return fmt.Errorf("duplicate agent %q", a.ID)
		}
		agentIDs[a.ID] = true
		if a.Weight <= 0 {
			return fmt.Errorf("agent %q: weight must be positive", a.ID)
		}
		switch models.AgentRole(a.Role) {
		case models.RoleValidator, models.RoleExecutor, models.RoleOptimizer,
			models.RoleRiskAssessor, models.RoleCoordinator:
		default:
			return fmt.Errorf("agent %q: unknown role %q", a.ID, a.Role)
		}
	}

	var totalAlloc float64
	for _, v := range t.Pricing.Variants {
		if v.Allocation < 0 {
			return fmt.Errorf("price variant %q: negative allocation", v.Name)
		}
		totalAlloc += v.Allocation
	}
	if len(t.Pricing.Variants) > 0 && (totalAlloc < 0.999 || totalAlloc > 1.001) {
		return fmt.Errorf("price variant allocations sum to %.3f, want 1.0", totalAlloc)
	}

	return nil
}
