// Package orchestrator coordinates the single-instance agentic
// pipeline: Enforcer pre-gate, decision engine, Guardian scoring,
// optional enforcement trigger, and optional Advisor explanation.
package orchestrator

import (
	"context"
	"strings"
	"time"

	"github.com/authz-engine/go-core/internal/advisor"
	"github.com/authz-engine/go-core/internal/analyst"
	"github.com/authz-engine/go-core/internal/decision"
	"github.com/authz-engine/go-core/internal/enforcer"
	"github.com/authz-engine/go-core/internal/engine"
	"github.com/authz-engine/go-core/internal/guardian"
	"github.com/authz-engine/go-core/internal/swarm"
	"github.com/authz-engine/go-core/pkg/types"
	"github.com/google/uuid"
)

// Orchestrator wires the agents together. All shared state is owned
// by the individual agents, so Orchestrator itself holds none and is
// safe to invoke from many concurrent callers.
type Orchestrator struct {
	engine    *engine.Engine
	guardian  *guardian.Guardian
	enforcer  *enforcer.Enforcer
	advisor   *advisor.Advisor
	analyst   *analyst.Analyst
	decisions *decision.MemoryStore

	coordinator *swarm.Coordinator
	swarmPool   *swarm.Pool

	criticalAnomalyThreshold float64
}

// Config controls orchestrator-level thresholds.
type Config struct {
	// CriticalAnomalyThreshold is the anomaly score above which the
	// orchestrator optionally asks Enforcer to trigger enforcement.
	CriticalAnomalyThreshold float64
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{CriticalAnomalyThreshold: 0.9}
}

// New creates an Orchestrator over the given agents.
func New(cfg Config, eng *engine.Engine, g *guardian.Guardian, e *enforcer.Enforcer, a *advisor.Advisor, decisions *decision.MemoryStore) *Orchestrator {
	return &Orchestrator{
		engine:                   eng,
		guardian:                 g,
		enforcer:                 e,
		advisor:                  a,
		decisions:                decisions,
		criticalAnomalyThreshold: cfg.CriticalAnomalyThreshold,
	}
}

// Options controls optional processing steps for a single request.
type Options struct {
	IncludeExplanation bool
	PolicyContext      map[string]interface{}

	// RequiresConsensus asks the swarm coordinator (if wired via
	// SetSwarm) to run its four-stage dispatch and quorum vote over
	// this request, regardless of anomaly score.
	RequiresConsensus bool
}

// Result is the orchestrator's aggregate output for one request.
type Result struct {
	Response         *types.CheckResponse
	AnomalyScore     float64
	Anomaly          *types.Anomaly
	Explanations     map[string]*types.Explanation
	Enforcement      *types.EnforcerCheckResult
	EnforcementAction *types.EnforcerAction
	Swarm            *swarm.Result
	AgentsInvolved   []string
	ProcessingTimeMs float64
}

// SetSwarm installs a swarm pool and builds a Coordinator whose four
// dispatch stages and Advisor quorum vote are bound back to this
// Orchestrator's own Guardian, Analyst, Advisor, and Enforcer. A
// request that ShouldCoordinate escalates to is independently
// re-evaluated by each stage, so the swarm path never merely repeats
// the sequential path's verdict.
func (o *Orchestrator) SetSwarm(pool *swarm.Pool, an *analyst.Analyst, cfg swarm.CoordinatorConfig) {
	o.swarmPool = pool
	o.analyst = an

	handlers := map[types.AgentRole]swarm.StageHandler{
		types.RoleGuardian: o.swarmGuardianStage,
		types.RoleAnalyst:  o.swarmAnalystStage,
		types.RoleAdvisor:  o.swarmAdvisorStage,
		types.RoleEnforcer: o.swarmEnforcerStage,
	}
	o.coordinator = swarm.NewCoordinator(cfg, pool, handlers, o.swarmAdvisorVote)
}

// ProcessRequest runs the sequential pipeline: Enforcer pre-gate,
// decision engine, Guardian scoring, optional enforcement trigger,
// optional Advisor explanation.
func (o *Orchestrator) ProcessRequest(ctx context.Context, req *types.CheckRequest, opts Options) (*Result, error) {
	start := time.Now()
	result := &Result{AgentsInvolved: []string{}}

	if o.enforcer != nil {
		check := o.enforcer.Check(req.Principal.ID)
		result.Enforcement = &check
		result.AgentsInvolved = append(result.AgentsInvolved, "enforcer")

		if !check.Allowed {
			response, err := o.engine.Check(ctx, req)
			if err != nil {
				return nil, err
			}
			enforcer.ApplyDenyToResponse(response, check.Reason)
			result.Response = response
			result.ProcessingTimeMs = msSince(start)
			return result, nil
		}
		o.enforcer.RecordAction(req.Principal.ID, start)
	}

	response, err := o.engine.Check(ctx, req)
	if err != nil {
		return nil, err
	}
	result.Response = response

	if o.decisions != nil {
		o.recordDecision(req, response, start)
	}

	if o.guardian != nil {
		score, anomaly, gErr := o.guardian.AnalyzeRequest(req.Principal.ID, req.Resource.Kind, primaryAction(req.Actions), start)
		if gErr == nil {
			result.AnomalyScore = score
			result.Anomaly = anomaly
			result.AgentsInvolved = append(result.AgentsInvolved, "guardian")

			if anomaly != nil && score >= o.criticalAnomalyThreshold && o.enforcer != nil {
				action := o.enforcer.TriggerEnforcement(types.ActionTemporaryBlock, req.Principal.ID, "critical anomaly score", anomaly.Severity, start)
				result.EnforcementAction = action
				result.AgentsInvolved = append(result.AgentsInvolved, "enforcer")
			}
		}
	}

	if o.coordinator != nil && o.coordinator.ShouldCoordinate(opts.RequiresConsensus, result.AnomalyScore) {
		swarmResult := o.coordinator.Coordinate(ctx, req)
		result.Swarm = &swarmResult
		result.AgentsInvolved = append(result.AgentsInvolved, "swarm")

		if swarmResult.FinalDecision == types.StageDeny {
			for action, r := range response.Results {
				if r.IsAllowed() {
					r.Effect = types.EffectDeny
					r.Rule = "swarm-consensus-deny"
					r.Matched = true
					response.Results[action] = r
				}
			}
		}
	}

	if opts.IncludeExplanation && o.advisor != nil {
		var effectiveDerivedRoles []string
		if response.Metadata != nil {
			effectiveDerivedRoles = response.Metadata.EffectiveDerivedRoles
		}

		result.Explanations = make(map[string]*types.Explanation, len(response.Results))
		for action, actionResult := range response.Results {
			exp, aErr := o.advisor.Explain(advisor.DecisionContext{
				Action:                 action,
				Result:                 actionResult,
				PrincipalRoles:         req.Principal.Roles,
				EffectiveDerivedRoles:  effectiveDerivedRoles,
				RequiredRolesForAction: requiredRolesFromMeta(actionResult.Meta),
			})
			if aErr == nil {
				result.Explanations[action] = exp
			}
		}
		result.AgentsInvolved = append(result.AgentsInvolved, "advisor")
	}

	result.ProcessingTimeMs = msSince(start)
	return result, nil
}

func (o *Orchestrator) recordDecision(req *types.CheckRequest, response *types.CheckResponse, at time.Time) {
	matchedRule := make(map[string]string, len(response.Results))
	results := make(map[string]types.Effect, len(response.Results))
	for action, r := range response.Results {
		matchedRule[action] = r.Rule
		results[action] = r.Effect
	}

	_, _ = o.decisions.Append(&types.DecisionRecord{
		Timestamp:    at,
		PrincipalID:  req.Principal.ID,
		ResourceKind: req.Resource.Kind,
		ResourceID:   req.Resource.ID,
		Actions:      req.Actions,
		Results:      results,
		MatchedRule:  matchedRule,
	})
}

// GetAnomalies returns recorded anomalies from the decision store; an
// empty principalID returns anomalies across all principals.
func (o *Orchestrator) GetAnomalies(principalID string) ([]*types.Anomaly, error) {
	if o.decisions == nil {
		return nil, nil
	}
	return o.decisions.Anomalies(principalID)
}

// DiscoverPatterns runs the Analyst's pattern-discovery sweep over the
// decision history.
func (o *Orchestrator) DiscoverPatterns(now time.Time) ([]*types.LearnedPattern, error) {
	if o.analyst == nil {
		return nil, nil
	}
	return o.analyst.DiscoverPatterns(now)
}

// AskQuestion forwards a free-form question to the Advisor's external
// text generator, reporting when none is configured.
func (o *Orchestrator) AskQuestion(question string) (string, error) {
	if o.advisor == nil {
		return "natural-language generation is not configured", nil
	}
	return o.advisor.AskQuestion(question)
}

// requiredRolesFromMeta decodes the matched rule's role filter the
// engine stamped onto ActionResult.Meta, if any.
func requiredRolesFromMeta(meta map[string]string) []string {
	raw, ok := meta["requiredRoles"]
	if !ok || raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

// swarmGuardianStage re-scores the request through Guardian. Unlike
// the sequential path, this run is independent of the one already
// recorded against the decision history and exists purely to give the
// coordinator's weighted aggregate its own Guardian opinion.
func (o *Orchestrator) swarmGuardianStage(ctx context.Context, req *types.CheckRequest) types.StageResult {
	if o.guardian == nil {
		return types.StageResult{Decision: types.StageIndeterminate, Reason: "guardian unavailable"}
	}
	score, anomaly, err := o.guardian.AnalyzeRequest(req.Principal.ID, req.Resource.Kind, primaryAction(req.Actions), time.Now())
	if err != nil {
		return types.StageResult{Decision: types.StageIndeterminate, Reason: err.Error()}
	}
	if anomaly != nil {
		return types.StageResult{Decision: types.StageDeny, Confidence: score, Reason: "anomaly severity " + string(anomaly.Severity)}
	}
	return types.StageResult{Decision: types.StageAllow, Confidence: 1 - score}
}

// swarmAnalystStage votes allow when the request matches an
// Analyst-approved learned pattern for this principal, and abstains
// otherwise; Analyst never has grounds to vote deny on its own.
func (o *Orchestrator) swarmAnalystStage(ctx context.Context, req *types.CheckRequest) types.StageResult {
	if o.analyst == nil {
		return types.StageResult{Decision: types.StageIndeterminate, Confidence: 0.5, Reason: "analyst unavailable"}
	}
	for _, p := range o.analyst.GetPatterns() {
		if p.IsApproved && strings.Contains(p.Description, req.Principal.ID) {
			return types.StageResult{Decision: types.StageAllow, Confidence: p.Confidence, Reason: "matches approved pattern " + p.ID}
		}
	}
	return types.StageResult{Decision: types.StageIndeterminate, Confidence: 0.5, Reason: "no matching approved pattern"}
}

// swarmAdvisorStage re-runs the decision engine and casts the primary
// action's verdict as this stage's vote.
func (o *Orchestrator) swarmAdvisorStage(ctx context.Context, req *types.CheckRequest) types.StageResult {
	if o.advisor == nil || o.engine == nil {
		return types.StageResult{Decision: types.StageIndeterminate, Reason: "advisor unavailable"}
	}
	resp, err := o.engine.Check(ctx, req)
	if err != nil {
		return types.StageResult{Decision: types.StageIndeterminate, Reason: err.Error()}
	}
	ar, ok := resp.Results[primaryAction(req.Actions)]
	if !ok {
		return types.StageResult{Decision: types.StageIndeterminate, Reason: "no result for primary action"}
	}
	decision := types.StageDeny
	if ar.IsAllowed() {
		decision = types.StageAllow
	}
	return types.StageResult{Decision: decision, Confidence: 0.6, Reason: "policy rule " + ar.Rule}
}

// swarmEnforcerStage consults the enforcement pre-gate the same way
// the sequential path does.
func (o *Orchestrator) swarmEnforcerStage(ctx context.Context, req *types.CheckRequest) types.StageResult {
	if o.enforcer == nil {
		return types.StageResult{Decision: types.StageIndeterminate, Reason: "enforcer unavailable"}
	}
	check := o.enforcer.Check(req.Principal.ID)
	if !check.Allowed {
		return types.StageResult{Decision: types.StageDeny, Confidence: 1.0, Reason: check.Reason}
	}
	return types.StageResult{Decision: types.StageAllow, Confidence: 0.9}
}

// swarmAdvisorVote casts one Advisor replica's quorum vote, approving
// when the engine's primary-action verdict for this replica is allow.
func (o *Orchestrator) swarmAdvisorVote(ctx context.Context, req *types.CheckRequest) types.ConsensusVote {
	vote := types.ConsensusVote{Voter: "advisor:" + uuid.NewString(), Timestamp: time.Now()}
	if o.engine == nil {
		return vote
	}
	resp, err := o.engine.Check(ctx, req)
	if err != nil {
		vote.Reason = err.Error()
		return vote
	}
	ar, ok := resp.Results[primaryAction(req.Actions)]
	if !ok {
		return vote
	}
	vote.Approve = ar.IsAllowed()
	vote.Confidence = 0.7
	return vote
}

func primaryAction(actions []string) string {
	if len(actions) == 0 {
		return ""
	}
	return actions[0]
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}
