package swarm

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/paymesh/payment-fabric/internal/models"
)

// Handler is the external collaborator behind an agent: it executes
// assigned tasks and casts consensus votes.
type Handler interface {
	Execute(ctx context.Context, task *models.Task) (models.JSONB, error)
	Vote(ctx context.Context, topic string, payload models.JSONB) (approve bool, confidence float64, reasoning string, err error)
}

// rolePrior seeds a simulated agent's voting behavior.
type rolePrior struct {
	approval   float64
	confidence float64
}

// Risk assessors are the most skeptical voters and the most confident in
// their verdicts; executors and optimizers largely defer.
var rolePriors = map[models.AgentRole]rolePrior{
	models.RoleValidator:    {approval: 0.85, confidence: 0.85},
	models.RoleExecutor:     {approval: 0.80, confidence: 0.75},
	models.RoleOptimizer:    {approval: 0.75, confidence: 0.70},
	models.RoleRiskAssessor: {approval: 0.60, confidence: 0.90},
	models.RoleCoordinator:  {approval: 0.80, confidence: 0.80},
}

// SimHandler simulates an agent's work and voting from role priors. A
// fixed seed makes a swarm's behavior reproducible in tests and drills.
type SimHandler struct {
	mu   sync.Mutex
	role models.AgentRole
	rng  *rand.Rand
}

func NewSimHandler(role models.AgentRole, seed int64) *SimHandler {
	return &SimHandler{
		role: role,
		rng:  rand.New(rand.NewSource(seed)),
	}
}

func (h *SimHandler) Execute(ctx context.Context, task *models.Task) (models.JSONB, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return models.JSONB{
		"status": "ok",
		"kind":   task.Kind,
		"role":   string(h.role),
	}, nil
}

func (h *SimHandler) Vote(ctx context.Context, topic string, payload models.JSONB) (bool, float64, string, error) {
	if err := ctx.Err(); err != nil {
		return false, 0, "", err
	}

	prior, ok := rolePriors[h.role]
	if !ok {
		prior = rolePrior{approval: 0.5, confidence: 0.5}
	}

	h.mu.Lock()
	approve := h.rng.Float64() < prior.approval
	confidence := prior.confidence + (h.rng.Float64()-0.5)*0.1
	h.mu.Unlock()

	if confidence > 1 {
		confidence = 1
	}
	if confidence < 0 {
		confidence = 0
	}

	verdict := "approve"
	if !approve {
		verdict = "reject"
	}
	reasoning := fmt.Sprintf("%s %ss %s", h.role, verdict, topic)
	return approve, confidence, reasoning, nil
}

// FixedVoteHandler always votes the same way. Used in consensus drills
// and tests where the tally must be exact.
type FixedVoteHandler struct {
	Approve    bool
	Confidence float64
	Result     models.JSONB
	ExecuteErr error
}

func (h *FixedVoteHandler) Execute(ctx context.Context, task *models.Task) (models.JSONB, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if h.ExecuteErr != nil {
		return nil, h.ExecuteErr
	}
	if h.Result != nil {
		return h.Result, nil
	}
	return models.JSONB{"status": "ok"}, nil
}

func (h *FixedVoteHandler) Vote(ctx context.Context, topic string, payload models.JSONB) (bool, float64, string, error) {
	if err := ctx.Err(); err != nil {
		return false, 0, "", err
	}
	verdict := "approves"
	if !h.Approve {
		verdict = "rejects"
	}
	return h.Approve, h.Confidence, "fixed vote " + verdict + " " + topic, nil
}
