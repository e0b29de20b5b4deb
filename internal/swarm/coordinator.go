package swarm

import (
	"context"
	"sync"
	"time"

	"github.com/authz-engine/go-core/pkg/types"
)

// StageHandler performs one role's work for a dispatched request and
// reports its verdict. Handlers are supplied by the caller (bound to
// the real Guardian/Analyst/Advisor/Enforcer instances) so the
// coordinator stays agnostic of their internals.
type StageHandler func(ctx context.Context, req *types.CheckRequest) types.StageResult

// VoteHandler casts one Advisor replica's consensus vote on a proposal.
type VoteHandler func(ctx context.Context, req *types.CheckRequest) types.ConsensusVote

// dispatchStages is the fixed order required by the coordination
// protocol: Guardian, then Analyst, then Advisor, then Enforcer.
var dispatchStages = []types.AgentRole{
	types.RoleGuardian,
	types.RoleAnalyst,
	types.RoleAdvisor,
	types.RoleEnforcer,
}

// CoordinatorConfig controls the coordinator's consensus and
// aggregation behavior. Weights and thresholds are configuration,
// never compile-time constants.
type CoordinatorConfig struct {
	Weights             map[types.AgentRole]float64
	EnableConsensus     bool
	QuorumSize          int
	VoteTimeout         time.Duration
	MinConfidence       float64
	ApprovalThreshold   float64
	AllowRatioThreshold float64
	DenyRatioThreshold  float64
	EnableForHighRisk   bool
	HighRiskThreshold   float64
}

// DefaultCoordinatorConfig returns the default coordinator configuration.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		Weights: map[types.AgentRole]float64{
			types.RoleGuardian: 1.0,
			types.RoleAnalyst:  0.8,
			types.RoleAdvisor:  0.6,
			types.RoleEnforcer: 1.2,
		},
		EnableConsensus:     true,
		QuorumSize:          3,
		VoteTimeout:         500 * time.Millisecond,
		MinConfidence:       0.5,
		ApprovalThreshold:   0.6,
		AllowRatioThreshold: 0.6,
		DenyRatioThreshold:  0.4,
		EnableForHighRisk:   true,
		HighRiskThreshold:   0.85,
	}
}

// Result is the coordinator's aggregate output for one coordinated
// request.
type Result struct {
	StageResults  []types.StageResult
	Consensus     *types.ConsensusResult
	FinalDecision types.StageDecision
	AllowRatio    float64
	DenyRatio     float64
}

// Coordinator runs the consensus protocol across the swarm pool for
// requests flagged as requiring it.
type Coordinator struct {
	cfg      CoordinatorConfig
	pool     *Pool
	handlers map[types.AgentRole]StageHandler
	voter    VoteHandler
}

// NewCoordinator creates a Coordinator over pool, dispatching each stage to
// handlers[role] and, when consensus is enabled, collecting Advisor
// votes via voter.
func NewCoordinator(cfg CoordinatorConfig, pool *Pool, handlers map[types.AgentRole]StageHandler, voter VoteHandler) *Coordinator {
	return &Coordinator{cfg: cfg, pool: pool, handlers: handlers, voter: voter}
}

// ShouldCoordinate reports whether a request needs the consensus
// pipeline: either the caller explicitly asked for it, or high-risk
// escalation is enabled and the anomaly score clears the threshold.
func (c *Coordinator) ShouldCoordinate(requiresConsensus bool, anomalyScore float64) bool {
	if requiresConsensus {
		return true
	}
	return c.cfg.EnableForHighRisk && anomalyScore > c.cfg.HighRiskThreshold
}

// Coordinate runs the four-stage dispatch, optional consensus round,
// and weighted aggregation described by the coordination protocol.
func (c *Coordinator) Coordinate(ctx context.Context, req *types.CheckRequest) Result {
	var stageResults []types.StageResult

	for _, role := range dispatchStages {
		sr, ok := c.dispatchStage(ctx, role, req)
		stageResults = append(stageResults, sr)
		if !ok {
			return Result{StageResults: stageResults, FinalDecision: types.StageIndeterminate}
		}
	}

	var consensus *types.ConsensusResult
	if c.cfg.EnableConsensus && c.voter != nil {
		consensus = c.runConsensus(ctx, req)
	}

	decision, allowRatio, denyRatio := aggregate(stageResults, consensus, c.cfg)

	return Result{
		StageResults:  stageResults,
		Consensus:     consensus,
		FinalDecision: decision,
		AllowRatio:    allowRatio,
		DenyRatio:     denyRatio,
	}
}

// dispatchStage acquires a pool agent for role, scaling up and
// retrying once if none is available, then runs the handler. Returns
// ok=false if no agent could be obtained even after scaling.
func (c *Coordinator) dispatchStage(ctx context.Context, role types.AgentRole, req *types.CheckRequest) (types.StageResult, bool) {
	agent := c.pool.Assign(role, "dispatch")
	if agent == nil {
		c.pool.MaybeScale(role, []string{"dispatch"}, time.Now())
		agent = c.pool.Assign(role, "dispatch")
	}
	if agent == nil {
		return types.StageResult{Role: role, Decision: types.StageIndeterminate, Reason: "no agent available"}, false
	}
	defer c.pool.Release(agent.ID)

	handler, ok := c.handlers[role]
	if !ok {
		return types.StageResult{Role: role, Decision: types.StageIndeterminate, Reason: "no handler registered"}, false
	}

	result := handler(ctx, req)
	result.Role = role
	return result, true
}

// runConsensus broadcasts the proposal to up to QuorumSize Advisor
// replicas and collects votes until VoteTimeout elapses. Late votes
// are dropped atomically with respect to the final tally.
func (c *Coordinator) runConsensus(ctx context.Context, req *types.CheckRequest) *types.ConsensusResult {
	start := time.Now()
	deadline := start.Add(c.cfg.VoteTimeout)
	voteCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	votes := make([]types.ConsensusVote, 0, c.cfg.QuorumSize)
	var mu sync.Mutex
	var wg sync.WaitGroup

	assigned := make(map[string]bool, c.cfg.QuorumSize)
	for i := 0; i < c.cfg.QuorumSize; i++ {
		agent := c.pool.Assign(types.RoleAdvisor, "vote")
		if agent == nil {
			continue
		}
		if assigned[agent.ID] {
			// The replica was already picked in this round (as happens
			// when there are fewer distinct replicas than QuorumSize); a
			// replica never votes twice on the same proposal.
			c.pool.Release(agent.ID)
			continue
		}
		assigned[agent.ID] = true
		wg.Add(1)
		go func(agentID string) {
			defer wg.Done()
			defer c.pool.Release(agentID)

			vote := c.voter(voteCtx, req)
			if time.Now().After(deadline) {
				return // late vote, dropped
			}
			mu.Lock()
			votes = append(votes, vote)
			mu.Unlock()
		}(agent.ID)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()

	result := &types.ConsensusResult{
		ProposalID: req.Principal.ID + ":" + req.Resource.ID,
		TotalVotes: len(votes),
		DurationMs: time.Since(start).Milliseconds(),
	}
	if len(votes) == 0 {
		return result
	}

	var confidenceSum float64
	for _, v := range votes {
		confidenceSum += v.Confidence
		if v.Approve {
			result.Approvals++
		} else {
			result.Rejections++
		}
		result.Participants = append(result.Participants, v.Voter)
	}
	result.AvgConfidence = confidenceSum / float64(len(votes))
	result.Reached = result.TotalVotes >= c.cfg.QuorumSize && result.AvgConfidence >= c.cfg.MinConfidence
	result.Decision = float64(result.Approvals)/float64(result.TotalVotes) >= c.cfg.ApprovalThreshold
	return result
}

// aggregate computes the weighted final decision from stage results
// and, if reached, a synthetic consensus vote weighted 5x its average
// confidence.
func aggregate(stageResults []types.StageResult, consensus *types.ConsensusResult, cfg CoordinatorConfig) (types.StageDecision, float64, float64) {
	var totalWeight, allowWeight, denyWeight float64

	for _, sr := range stageResults {
		weight := cfg.Weights[sr.Role]
		if weight <= 0 {
			weight = 1.0
		}
		contribution := weight * sr.Confidence
		totalWeight += contribution
		switch sr.Decision {
		case types.StageAllow:
			allowWeight += contribution
		case types.StageDeny:
			denyWeight += contribution
		}
	}

	if consensus != nil && consensus.Reached {
		weight := 5 * consensus.AvgConfidence
		totalWeight += weight
		if consensus.Decision {
			allowWeight += weight
		} else {
			denyWeight += weight
		}
	}

	if totalWeight == 0 {
		return types.StageIndeterminate, 0, 0
	}

	allowRatio := allowWeight / totalWeight
	denyRatio := denyWeight / totalWeight

	switch {
	case allowRatio > cfg.AllowRatioThreshold:
		return types.StageAllow, allowRatio, denyRatio
	case denyRatio > cfg.DenyRatioThreshold:
		return types.StageDeny, allowRatio, denyRatio
	default:
		return types.StageIndeterminate, allowRatio, denyRatio
	}
}
