package swarm

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/authz-engine/go-core/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFullPool() *Pool {
	n := 0
	p := NewPool(Config{Strategy: StrategyLeastConnections, AutoScale: DefaultAutoScaleConfig()}, func(role types.AgentRole, taskTypes []string) *types.SwarmAgent {
		n++
		return &types.SwarmAgent{ID: fmt.Sprintf("%s-%d", role, n), Role: role, PriorityWeight: 1.0, SupportedTasks: taskTypes}
	})
	for _, role := range []types.AgentRole{types.RoleGuardian, types.RoleAnalyst, types.RoleAdvisor, types.RoleEnforcer} {
		p.SpawnAgent(role, []string{"dispatch", "vote"})
	}
	// extra advisor replicas for consensus quorum
	p.SpawnAgent(types.RoleAdvisor, []string{"dispatch", "vote"})
	p.SpawnAgent(types.RoleAdvisor, []string{"dispatch", "vote"})
	return p
}

func allowHandlers() map[types.AgentRole]StageHandler {
	h := func(decision types.StageDecision, confidence float64) StageHandler {
		return func(ctx context.Context, req *types.CheckRequest) types.StageResult {
			return types.StageResult{Decision: decision, Confidence: confidence}
		}
	}
	return map[types.AgentRole]StageHandler{
		types.RoleGuardian: h(types.StageAllow, 0.9),
		types.RoleAnalyst:  h(types.StageAllow, 0.8),
		types.RoleAdvisor:  h(types.StageAllow, 0.7),
		types.RoleEnforcer: h(types.StageAllow, 0.9),
	}
}

func testRequest() *types.CheckRequest {
	return &types.CheckRequest{
		Principal: &types.Principal{ID: "user:alice"},
		Resource:  &types.Resource{Kind: "document", ID: "doc:1"},
		Actions:   []string{"read"},
	}
}

func TestCoordinator_AllStagesAllowYieldsAllow(t *testing.T) {
	pool := newFullPool()
	voter := func(ctx context.Context, req *types.CheckRequest) types.ConsensusVote {
		return types.ConsensusVote{Voter: "advisor", Approve: true, Confidence: 0.9}
	}
	cfg := DefaultCoordinatorConfig()
	cfg.EnableConsensus = false // isolate weighted aggregation from consensus in this test
	c := NewCoordinator(cfg, pool, allowHandlers(), voter)

	result := c.Coordinate(context.Background(), testRequest())
	assert.Equal(t, types.StageDecision(types.StageAllow), result.FinalDecision)
	assert.Greater(t, result.AllowRatio, 0.6)
}

func TestCoordinator_MissingAgentYieldsIndeterminate(t *testing.T) {
	// pool with no Enforcer agent at all and zero max agents so scale-up can't help
	n := 0
	pool := NewPool(Config{AutoScale: AutoScaleConfig{MaxAgents: 0}}, func(role types.AgentRole, taskTypes []string) *types.SwarmAgent {
		n++
		return &types.SwarmAgent{ID: fmt.Sprintf("%s-%d", role, n), Role: role, SupportedTasks: taskTypes}
	})
	pool.SpawnAgent(types.RoleGuardian, []string{"dispatch"})
	pool.SpawnAgent(types.RoleAnalyst, []string{"dispatch"})
	pool.SpawnAgent(types.RoleAdvisor, []string{"dispatch"})
	// no enforcer agent spawned

	c := NewCoordinator(DefaultCoordinatorConfig(), pool, allowHandlers(), nil)
	result := c.Coordinate(context.Background(), testRequest())
	assert.Equal(t, types.StageDecision(types.StageIndeterminate), result.FinalDecision)
	require.NotEmpty(t, result.StageResults)
	assert.Equal(t, "no agent available", result.StageResults[len(result.StageResults)-1].Reason)
}

func TestCoordinator_AllStagesDenyYieldsDeny(t *testing.T) {
	pool := newFullPool()
	denyHandlers := map[types.AgentRole]StageHandler{
		types.RoleGuardian: func(ctx context.Context, req *types.CheckRequest) types.StageResult {
			return types.StageResult{Decision: types.StageDeny, Confidence: 0.9}
		},
		types.RoleAnalyst: func(ctx context.Context, req *types.CheckRequest) types.StageResult {
			return types.StageResult{Decision: types.StageDeny, Confidence: 0.8}
		},
		types.RoleAdvisor: func(ctx context.Context, req *types.CheckRequest) types.StageResult {
			return types.StageResult{Decision: types.StageDeny, Confidence: 0.7}
		},
		types.RoleEnforcer: func(ctx context.Context, req *types.CheckRequest) types.StageResult {
			return types.StageResult{Decision: types.StageDeny, Confidence: 0.9}
		},
	}
	cfg := DefaultCoordinatorConfig()
	cfg.EnableConsensus = false
	c := NewCoordinator(cfg, pool, denyHandlers, nil)

	result := c.Coordinate(context.Background(), testRequest())
	assert.Equal(t, types.StageDecision(types.StageDeny), result.FinalDecision)
	assert.Greater(t, result.DenyRatio, 0.4)
}

func TestCoordinator_ConsensusReachedAddsSyntheticWeight(t *testing.T) {
	pool := newFullPool()
	voter := func(ctx context.Context, req *types.CheckRequest) types.ConsensusVote {
		return types.ConsensusVote{Voter: "advisor", Approve: true, Confidence: 0.95}
	}
	cfg := DefaultCoordinatorConfig()
	cfg.QuorumSize = 3
	cfg.MinConfidence = 0.5
	cfg.ApprovalThreshold = 0.6
	c := NewCoordinator(cfg, pool, allowHandlers(), voter)

	result := c.Coordinate(context.Background(), testRequest())
	require.NotNil(t, result.Consensus)
	assert.True(t, result.Consensus.Reached)
	assert.True(t, result.Consensus.Decision)
	assert.Equal(t, types.StageDecision(types.StageAllow), result.FinalDecision)
}

func TestCoordinator_ConsensusMixedVotesTalliesApprovalsAndConfidence(t *testing.T) {
	pool := newFullPool()

	// Two replicas approve at 0.9, one rejects at 0.4.
	var mu sync.Mutex
	n := 0
	voter := func(ctx context.Context, req *types.CheckRequest) types.ConsensusVote {
		mu.Lock()
		i := n
		n++
		mu.Unlock()
		if i < 2 {
			return types.ConsensusVote{Voter: "advisor", Approve: true, Confidence: 0.9}
		}
		return types.ConsensusVote{Voter: "advisor", Approve: false, Confidence: 0.4}
	}

	cfg := DefaultCoordinatorConfig()
	cfg.QuorumSize = 3
	cfg.ApprovalThreshold = 0.6
	cfg.MinConfidence = 0.5
	c := NewCoordinator(cfg, pool, allowHandlers(), voter)

	result := c.Coordinate(context.Background(), testRequest())
	require.NotNil(t, result.Consensus)
	assert.True(t, result.Consensus.Reached)
	assert.True(t, result.Consensus.Decision)
	assert.Equal(t, 3, result.Consensus.TotalVotes)
	assert.Equal(t, 2, result.Consensus.Approvals)
	assert.Equal(t, 1, result.Consensus.Rejections)
	assert.InDelta(t, 0.733, result.Consensus.AvgConfidence, 0.01)
}

func TestCoordinator_ConsensusNotReachedBelowQuorum(t *testing.T) {
	// Only one advisor replica exists, so fewer votes than QuorumSize
	// arrive and consensus must not be reached.
	n := 0
	pool := NewPool(Config{AutoScale: AutoScaleConfig{MaxAgents: 0}}, func(role types.AgentRole, taskTypes []string) *types.SwarmAgent {
		n++
		return &types.SwarmAgent{ID: fmt.Sprintf("%s-%d", role, n), Role: role, SupportedTasks: taskTypes}
	})
	for _, role := range []types.AgentRole{types.RoleGuardian, types.RoleAnalyst, types.RoleAdvisor, types.RoleEnforcer} {
		pool.SpawnAgent(role, []string{"dispatch", "vote"})
	}

	voter := func(ctx context.Context, req *types.CheckRequest) types.ConsensusVote {
		return types.ConsensusVote{Voter: "advisor", Approve: true, Confidence: 0.9}
	}
	cfg := DefaultCoordinatorConfig()
	cfg.QuorumSize = 3
	c := NewCoordinator(cfg, pool, allowHandlers(), voter)

	result := c.Coordinate(context.Background(), testRequest())
	require.NotNil(t, result.Consensus)
	assert.False(t, result.Consensus.Reached)
	assert.Less(t, result.Consensus.TotalVotes, 3)
}

func TestCoordinator_ShouldCoordinateHonorsHighRiskThreshold(t *testing.T) {
	cfg := DefaultCoordinatorConfig()
	cfg.HighRiskThreshold = 0.8
	c := NewCoordinator(cfg, nil, nil, nil)

	assert.True(t, c.ShouldCoordinate(true, 0.0))
	assert.False(t, c.ShouldCoordinate(false, 0.5))
	assert.True(t, c.ShouldCoordinate(false, 0.85))
}
