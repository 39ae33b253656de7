package router

import (
	"github.com/paymesh/payment-fabric/internal/models"
)

// Edge is one directed bridge crossing between two chains.
type Edge struct {
	To     string
	Bridge models.Bridge
}

// Graph is the static bridge topology: nodes are chains, and every bridge
// contributes a directed edge for each ordered pair of its supported
// chains.
type Graph struct {
	chains map[string]models.Chain
	edges  map[string][]Edge
}

func NewGraph(chains []models.Chain, bridges []models.Bridge) *Graph {
	g := &Graph{
		chains: make(map[string]models.Chain, len(chains)),
		edges:  make(map[string][]Edge),
	}
	for _, c := range chains {
		g.chains[c.Name] = c
	}
	for _, b := range bridges {
		for _, from := range b.SupportedChains {
			if _, ok := g.chains[from]; !ok {
				continue
			}
			for _, to := range b.SupportedChains {
				if from == to {
					continue
				}
				if _, ok := g.chains[to]; !ok {
					continue
				}
				g.edges[from] = append(g.edges[from], Edge{To: to, Bridge: b})
			}
		}
	}
	return g
}

func (g *Graph) HasChain(name string) bool {
	_, ok := g.chains[name]
	return ok
}

func (g *Graph) Chain(name string) (models.Chain, bool) {
	c, ok := g.chains[name]
	return c, ok
}

// Neighbors returns the outgoing edges from a chain. The returned slice is
// shared; callers must not mutate it.
func (g *Graph) Neighbors(chain string) []Edge {
	return g.edges[chain]
}

// Chains lists every configured chain name.
func (g *Graph) Chains() []string {
	out := make([]string, 0, len(g.chains))
	for name := range g.chains {
		out = append(out, name)
	}
	return out
}
