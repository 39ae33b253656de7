package swarm

import (
	"context"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/paymesh/payment-fabric/internal/models"
)

// RequestConsensus puts a topic to a weighted vote. Voters are selected
// from an atomic snapshot of the registry: every agent matching the role
// filter (all agents when the filter is empty) is eligible; offline and
// failed agents abstain, lowering participation without biasing the
// ratio. The approval ratio divides yes-weight by voted weight, not by
// total configured weight.
func (c *Coordinator) RequestConsensus(ctx context.Context, topic string, payload models.JSONB, roleFilter []models.AgentRole) (*models.ConsensusResult, error) {
	type voter struct {
		agent   models.Agent
		handler Handler
	}

	c.mu.Lock()
	var voters []voter
	for _, id := range c.order {
		st := c.agents[id]
		if len(roleFilter) > 0 && !roleIn(st.agent.Role, roleFilter) {
			continue
		}
		voters = append(voters, voter{agent: st.agent, handler: st.handler})
	}
	threshold := c.cfg.ConsensusThreshold
	c.mu.Unlock()

	result := &models.ConsensusResult{Topic: topic}
	if len(voters) == 0 {
		return result, nil
	}

	votes := make([]*models.Vote, len(voters))
	g, gctx := errgroup.WithContext(ctx)
	for i, v := range voters {
		if v.agent.Status == models.AgentOffline || v.agent.Status == models.AgentFailed {
			continue
		}
		i, v := i, v
		g.Go(func() error {
			approve, confidence, reasoning, err := v.handler.Vote(gctx, topic, payload)
			if err != nil {
				log.Warn().
					Err(err).
					Str("agent_id", v.agent.ID).
					Str("topic", topic).
					Msg("vote failed, agent abstains")
				return nil
			}
			votes[i] = &models.Vote{
				AgentID:    v.agent.ID,
				Approve:    approve,
				Confidence: clampUnit(confidence),
				Reasoning:  reasoning,
				VotedAt:    c.clock.Now(),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var yesWeight, noWeight, confidenceSum float64
	for i, vote := range votes {
		if vote == nil {
			continue
		}
		result.Votes = append(result.Votes, *vote)
		confidenceSum += vote.Confidence
		weighted := voters[i].agent.Weight * vote.Confidence
		if vote.Approve {
			yesWeight += weighted
		} else {
			noWeight += weighted
		}
	}

	result.YesWeight = yesWeight
	result.NoWeight = noWeight
	if yesWeight+noWeight > 0 {
		result.ApprovalRatio = yesWeight / (yesWeight + noWeight)
	}
	if n := len(result.Votes); n > 0 {
		result.Decision = result.ApprovalRatio >= threshold
		result.ConsensusReached = result.ApprovalRatio >= threshold || (1-result.ApprovalRatio) >= threshold
		result.Confidence = confidenceSum / float64(n)
	}
	result.Participation = float64(len(result.Votes)) / float64(len(voters))

	log.Info().
		Str("topic", topic).
		Bool("decision", result.Decision).
		Bool("reached", result.ConsensusReached).
		Float64("approval_ratio", result.ApprovalRatio).
		Float64("participation", result.Participation).
		Int("votes", len(result.Votes)).
		Msg("consensus round completed")

	return result, nil
}

func roleIn(role models.AgentRole, roles []models.AgentRole) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
