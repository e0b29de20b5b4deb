// Package swarm maintains the typed pool of worker agents backing the
// agentic pipeline's Guardian/Analyst/Advisor/Enforcer stages under
// concurrent, high-fan-out load, plus the swarm coordinator's
// consensus protocol.
//
// Pool is a typed, lifecycle-aware agent registry with a pluggable
// load-balancing strategy in place of a bare channel of closures.
package swarm

import (
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/authz-engine/go-core/internal/metrics"
	"github.com/authz-engine/go-core/pkg/types"
)

// Strategy selects which agent handles the next assignment.
type Strategy string

const (
	StrategyRoundRobin       Strategy = "round_robin"
	StrategyLeastConnections Strategy = "least_connections"
	StrategyWeighted         Strategy = "weighted"
	StrategyRandom           Strategy = "random"
)

// AutoScaleConfig bounds the pool's reactive scaling behavior.
type AutoScaleConfig struct {
	TargetUtilization float64
	ScaleUpThreshold  float64
	ScaleDownThreshold float64
	Cooldown          time.Duration
	MaxScaleUpPerTick int
	MaxScaleDownPerTick int
	MinAgents         int
	MaxAgents         int
}

// DefaultAutoScaleConfig returns conservative auto-scaling bounds.
func DefaultAutoScaleConfig() AutoScaleConfig {
	return AutoScaleConfig{
		TargetUtilization:   0.7,
		ScaleUpThreshold:    0.85,
		ScaleDownThreshold:  0.3,
		Cooldown:            30 * time.Second,
		MaxScaleUpPerTick:   4,
		MaxScaleDownPerTick: 2,
		MinAgents:           1,
		MaxAgents:           64,
	}
}

// Config controls the pool and its load balancer.
type Config struct {
	Strategy           Strategy
	AutoScale          AutoScaleConfig
	WorkStealingEnabled bool
	WorkStealingThreshold float64
	WorkStealingMaxTransfer float64
}

// DefaultConfig returns the pool's default configuration.
func DefaultConfig() Config {
	return Config{
		Strategy:                StrategyLeastConnections,
		AutoScale:               DefaultAutoScaleConfig(),
		WorkStealingEnabled:     true,
		WorkStealingThreshold:   0.2,
		WorkStealingMaxTransfer: 0.25,
	}
}

// Pool maintains a typed registry of swarm agents with lifecycle
// transitions and a pluggable assignment strategy.
type Pool struct {
	cfg Config

	mu          sync.Mutex
	agents      map[string]*types.SwarmAgent
	rrCursor    int
	lastScaleAt time.Time
	spawn       func(role types.AgentRole, taskTypes []string) *types.SwarmAgent
	metrics     metrics.Metrics
}

// NewPool creates an empty pool. spawn constructs a new agent; the pool
// registers it directly as idle.
func NewPool(cfg Config, spawn func(role types.AgentRole, taskTypes []string) *types.SwarmAgent) *Pool {
	return &Pool{
		cfg:     cfg,
		agents:  make(map[string]*types.SwarmAgent),
		spawn:   spawn,
		metrics: metrics.NewNoOpMetrics(),
	}
}

// SetMetrics installs a metrics sink; pass nil to restore the no-op
// default.
func (p *Pool) SetMetrics(m metrics.Metrics) {
	if m == nil {
		m = metrics.NewNoOpMetrics()
	}
	p.mu.Lock()
	p.metrics = m
	p.mu.Unlock()
}

// SpawnAgent adds a new agent to the pool with status idle, eligible
// for assignment at once; the pool has no separate warmup stage.
func (p *Pool) SpawnAgent(role types.AgentRole, taskTypes []string) *types.SwarmAgent {
	p.mu.Lock()
	defer p.mu.Unlock()

	agent := p.spawn(role, taskTypes)
	agent.Status = types.AgentIdle
	p.agents[agent.ID] = agent
	return agent
}

// Drain marks an agent as draining: it finishes in-flight work but is
// no longer eligible for new assignments.
func (p *Pool) Drain(agentID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if a, ok := p.agents[agentID]; ok {
		a.Status = types.AgentDraining
	}
}

// Terminate removes an agent from the pool.
func (p *Pool) Terminate(agentID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if a, ok := p.agents[agentID]; ok {
		a.Status = types.AgentTerminated
		delete(p.agents, agentID)
	}
}

// Assign selects an agent of the given role and task type using the
// pool's configured strategy, and marks it busy. Returns nil if no
// eligible agent is available.
func (p *Pool) Assign(role types.AgentRole, taskType string) *types.SwarmAgent {
	start := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()

	eligible := p.eligibleLocked(role, taskType)
	if len(eligible) == 0 {
		p.metrics.RecordDispatchJob("no_agent", time.Since(start))
		return nil
	}

	var chosen *types.SwarmAgent
	switch p.cfg.Strategy {
	case StrategyRoundRobin:
		chosen = eligible[p.rrCursor%len(eligible)]
		p.rrCursor++
	case StrategyWeighted:
		chosen = pickWeighted(eligible)
	case StrategyRandom:
		chosen = eligible[rand.Intn(len(eligible))]
	default: // least_connections
		chosen = pickLeastLoaded(eligible)
	}

	chosen.Status = types.AgentBusy
	chosen.Load += 1.0
	chosen.AssignedAt = time.Now()
	p.metrics.RecordDispatchJob("assigned", time.Since(start))
	p.metrics.UpdateActiveWorkers(p.busyCountLocked())
	return chosen
}

func (p *Pool) busyCountLocked() int {
	n := 0
	for _, a := range p.agents {
		if a.Status == types.AgentBusy {
			n++
		}
	}
	return n
}

// Release returns an agent to idle after it completes an assignment.
func (p *Pool) Release(agentID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.agents[agentID]
	if !ok {
		return
	}
	a.Load -= 1.0
	if a.Load < 0 {
		a.Load = 0
	}
	if a.Status == types.AgentBusy {
		a.Status = types.AgentIdle
	}
}

func (p *Pool) eligibleLocked(role types.AgentRole, taskType string) []*types.SwarmAgent {
	ids := make([]string, 0, len(p.agents))
	for id := range p.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids) // deterministic iteration for round-robin

	var eligible []*types.SwarmAgent
	for _, id := range ids {
		a := p.agents[id]
		if a.Role != role {
			continue
		}
		if a.Status != types.AgentIdle && a.Status != types.AgentBusy {
			continue
		}
		if taskType != "" && !a.SupportsTask(taskType) {
			continue
		}
		eligible = append(eligible, a)
	}
	return eligible
}

func pickLeastLoaded(agents []*types.SwarmAgent) *types.SwarmAgent {
	best := agents[0]
	for _, a := range agents[1:] {
		if a.Load < best.Load {
			best = a
		}
	}
	return best
}

func pickWeighted(agents []*types.SwarmAgent) *types.SwarmAgent {
	// Assignment score blends inverse load and priority weight; the
	// highest-scoring agent wins.
	best := agents[0]
	bestScore := assignmentScore(best)
	for _, a := range agents[1:] {
		if s := assignmentScore(a); s > bestScore {
			best, bestScore = a, s
		}
	}
	return best
}

func assignmentScore(a *types.SwarmAgent) float64 {
	loadPenalty := 1.0 / (1.0 + a.Load)
	weight := a.PriorityWeight
	if weight <= 0 {
		weight = 1.0
	}
	return loadPenalty * weight
}

// Utilization returns the pool's average load across all non-terminated
// agents, used to drive auto-scaling decisions.
func (p *Pool) Utilization() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.agents) == 0 {
		return 0
	}
	var total float64
	for _, a := range p.agents {
		total += a.Load
	}
	return total / float64(len(p.agents))
}

// MaybeScale evaluates the pool's utilization against the auto-scale
// thresholds and spawns or drains agents of role accordingly, honoring
// the cooldown and per-tick caps. Returns the number of agents added
// (positive) or drained (negative).
func (p *Pool) MaybeScale(role types.AgentRole, taskTypes []string, now time.Time) int {
	p.mu.Lock()
	if now.Sub(p.lastScaleAt) < p.cfg.AutoScale.Cooldown {
		p.mu.Unlock()
		return 0
	}
	count := 0
	for _, a := range p.agents {
		if a.Role == role {
			count++
		}
	}
	p.mu.Unlock()

	utilization := p.Utilization()

	switch {
	case utilization >= p.cfg.AutoScale.ScaleUpThreshold && count < p.cfg.AutoScale.MaxAgents:
		added := 0
		for i := 0; i < p.cfg.AutoScale.MaxScaleUpPerTick && count+added < p.cfg.AutoScale.MaxAgents; i++ {
			p.SpawnAgent(role, taskTypes)
			added++
		}
		p.mu.Lock()
		p.lastScaleAt = now
		p.mu.Unlock()
		return added

	case utilization <= p.cfg.AutoScale.ScaleDownThreshold && count > p.cfg.AutoScale.MinAgents:
		drained := 0
		p.mu.Lock()
		ids := make([]string, 0, len(p.agents))
		for id, a := range p.agents {
			if a.Role == role && a.Status == types.AgentIdle {
				ids = append(ids, id)
			}
		}
		sort.Strings(ids)
		p.mu.Unlock()

		for _, id := range ids {
			if drained >= p.cfg.AutoScale.MaxScaleDownPerTick || count-drained <= p.cfg.AutoScale.MinAgents {
				break
			}
			p.Drain(id)
			p.Terminate(id)
			drained++
		}
		p.mu.Lock()
		p.lastScaleAt = now
		p.mu.Unlock()
		return -drained
	}

	return 0
}

// StealWork lets an idle agent with load below WorkStealingThreshold
// pull a bounded amount of load from the most-overloaded peer sharing
// at least one supported task type. Returns true if a transfer happened.
func (p *Pool) StealWork(role types.AgentRole) bool {
	if !p.cfg.WorkStealingEnabled {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var idle, busiest *types.SwarmAgent
	for _, a := range p.agents {
		if a.Role != role {
			continue
		}
		if a.Load <= p.cfg.WorkStealingThreshold && (idle == nil || a.Load < idle.Load) {
			idle = a
		}
		if busiest == nil || a.Load > busiest.Load {
			busiest = a
		}
	}

	if idle == nil || busiest == nil || idle.ID == busiest.ID {
		return false
	}
	if !sharesTaskType(idle, busiest) {
		return false
	}
	if busiest.Load-idle.Load < p.cfg.WorkStealingThreshold {
		return false
	}

	transfer := busiest.Load * p.cfg.WorkStealingMaxTransfer
	busiest.Load -= transfer
	idle.Load += transfer
	return true
}

func sharesTaskType(a, b *types.SwarmAgent) bool {
	set := make(map[string]bool, len(a.SupportedTasks))
	for _, t := range a.SupportedTasks {
		set[t] = true
	}
	for _, t := range b.SupportedTasks {
		if set[t] {
			return true
		}
	}
	return false
}

// Agents returns a snapshot of every agent currently in the pool.
func (p *Pool) Agents() []*types.SwarmAgent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*types.SwarmAgent, 0, len(p.agents))
	for _, a := range p.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
