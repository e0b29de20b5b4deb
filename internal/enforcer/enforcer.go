// Package enforcer maintains per-principal enforcement state: a queue
// of EnforcerActions and sliding-window rate counters, consulted as a
// fail-open pre-gate before the decision engine runs.
package enforcer

import (
	"context"
	"sync"
	"time"

	"github.com/authz-engine/go-core/internal/eventbus"
	"github.com/authz-engine/go-core/internal/ratelimit"
	"github.com/authz-engine/go-core/pkg/types"
	"github.com/google/uuid"
)

// ActionTriggeredTopic is the eventbus topic Enforcer publishes to
// whenever TriggerEnforcement creates a new EnforcerAction (pending or
// already applied).
const ActionTriggeredTopic = "enforcer.action_triggered"

// Config controls enforcement thresholds.
type Config struct {
	// RequireApprovalForSeverity is the minimum severity at which a
	// triggered action starts pending rather than applying immediately.
	RequireApprovalForSeverity types.Severity
	MaxActionsPerHour          int
	RateWindow                 time.Duration

	// Limiter, if set, backs the rate gate with a distributed limiter
	// (e.g. Redis-backed) instead of the in-process sliding window.
	// Limiter errors fail open onto the in-process window.
	Limiter ratelimit.Limiter
}

// DefaultConfig returns the default enforcement configuration.
func DefaultConfig() Config {
	return Config{
		RequireApprovalForSeverity: types.SeverityHigh,
		MaxActionsPerHour:          100,
		RateWindow:                 time.Hour,
	}
}

var severityRank = map[types.Severity]int{
	types.SeverityLow:      0,
	types.SeverityMedium:   1,
	types.SeverityHigh:     2,
	types.SeverityCritical: 3,
}

// Enforcer owns the action table (guarded by a single lock, indexed by
// id and by principal) and per-principal sliding-window rate counters.
type Enforcer struct {
	cfg Config

	mu            sync.Mutex
	actionsByID   map[string]*types.EnforcerAction
	actionsByPrincipal map[string][]string // principal -> ordered action IDs
	rateCounters  map[string][]time.Time
	blocked       map[string]string // principal -> active block reason
	bus           *eventbus.Bus
}

// New creates an empty Enforcer.
func New(cfg Config) *Enforcer {
	return &Enforcer{
		cfg:                cfg,
		actionsByID:        make(map[string]*types.EnforcerAction),
		actionsByPrincipal: make(map[string][]string),
		rateCounters:       make(map[string][]time.Time),
		blocked:            make(map[string]string),
	}
}

// SetBus installs the event bus Enforcer publishes triggered actions
// to; pass nil to stop publishing.
func (e *Enforcer) SetBus(b *eventbus.Bus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bus = b
}

// Check is consulted before the decision engine runs. It fails open:
// an internal error never blocks a request.
func (e *Enforcer) Check(principalID string) types.EnforcerCheckResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	if reason, blocked := e.blocked[principalID]; blocked {
		return types.EnforcerCheckResult{Allowed: false, Reason: reason}
	}

	if e.cfg.Limiter != nil {
		allowed, _, _, err := e.cfg.Limiter.Allow(context.Background(), "principal:"+principalID)
		if err == nil {
			if !allowed {
				return types.EnforcerCheckResult{Allowed: false, Reason: "rate_limit exceeded"}
			}
			return types.EnforcerCheckResult{Allowed: true}
		}
		// limiter unavailable: fail open onto the in-process window
	}

	if e.overRateLimit(principalID, time.Now()) {
		return types.EnforcerCheckResult{Allowed: false, Reason: "rate_limit exceeded"}
	}

	return types.EnforcerCheckResult{Allowed: true}
}

// overRateLimit prunes the principal's sliding window and reports
// whether it is at or over MaxActionsPerHour. Caller holds e.mu.
func (e *Enforcer) overRateLimit(principalID string, now time.Time) bool {
	cutoff := now.Add(-e.cfg.RateWindow)
	entries := e.rateCounters[principalID]
	pruned := entries[:0]
	for _, ts := range entries {
		if ts.After(cutoff) {
			pruned = append(pruned, ts)
		}
	}
	e.rateCounters[principalID] = pruned
	return len(pruned) >= e.cfg.MaxActionsPerHour
}

// RecordAction notes that the principal consumed one slot of their
// rate budget (called once per processed request, independent of
// enforcement triggers).
func (e *Enforcer) RecordAction(principalID string, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rateCounters[principalID] = append(e.rateCounters[principalID], now)
}

// TriggerEnforcement creates an action. If the triggering severity
// meets or exceeds RequireApprovalForSeverity, the action starts
// pending; otherwise it is applied immediately and marked completed.
func (e *Enforcer) TriggerEnforcement(actionType types.EnforcerActionType, principalID, reason string, severity types.Severity, now time.Time) *types.EnforcerAction {
	e.mu.Lock()
	defer e.mu.Unlock()

	action := &types.EnforcerAction{
		ID:          uuid.NewString(),
		Type:        actionType,
		PrincipalID: principalID,
		Status:      types.ActionPending,
		Trigger:     types.EnforcerTrigger{AgentType: "guardian", Reason: reason},
		CanRollback: actionType == types.ActionRateLimit || actionType == types.ActionTemporaryBlock,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	requiresApproval := severityRank[severity] >= severityRank[e.cfg.RequireApprovalForSeverity]
	if !requiresApproval {
		e.applyLocked(action, now)
		action.Status = types.ActionCompleted
	}

	e.index(action)
	if e.bus != nil {
		e.bus.Publish(ActionTriggeredTopic, action)
	}
	return action
}

// ApproveAction approves a pending action, applies its effect, and
// transitions it to completed. Returns nil if the action doesn't
// exist or isn't pending.
func (e *Enforcer) ApproveAction(id, approver string, now time.Time) *types.EnforcerAction {
	e.mu.Lock()
	defer e.mu.Unlock()

	action, ok := e.actionsByID[id]
	if !ok || action.Status != types.ActionPending {
		return nil
	}

	e.applyLocked(action, now)
	action.Status = types.ActionCompleted
	action.ApprovedBy = approver
	action.UpdatedAt = now
	return action
}

// applyLocked applies an action's side effect to the principal's
// enforcement state. Caller holds e.mu.
func (e *Enforcer) applyLocked(action *types.EnforcerAction, now time.Time) {
	switch action.Type {
	case types.ActionTemporaryBlock:
		e.blocked[action.PrincipalID] = action.Trigger.Reason
		action.Result = "principal blocked"
	case types.ActionRateLimit:
		e.blocked[action.PrincipalID] = "Rate limited: " + action.Trigger.Reason
		action.Result = "principal rate-limited"
	default:
		action.Result = "applied"
	}
}

// RollbackAction reverses a completed, rollback-eligible action.
func (e *Enforcer) RollbackAction(id string, now time.Time) *types.EnforcerAction {
	e.mu.Lock()
	defer e.mu.Unlock()

	action, ok := e.actionsByID[id]
	if !ok || action.Status != types.ActionCompleted || !action.CanRollback {
		return nil
	}

	delete(e.blocked, action.PrincipalID)
	action.Status = types.ActionRolledBack
	action.UpdatedAt = now
	return action
}

// DenyAction rejects a pending action (explicit deny or expiry),
// transitioning it to failed without applying its effect.
func (e *Enforcer) DenyAction(id string, now time.Time) *types.EnforcerAction {
	e.mu.Lock()
	defer e.mu.Unlock()

	action, ok := e.actionsByID[id]
	if !ok || action.Status != types.ActionPending {
		return nil
	}

	action.Status = types.ActionFailed
	action.UpdatedAt = now
	return action
}

// GetPendingActions enumerates actions currently in pending status.
func (e *Enforcer) GetPendingActions() []*types.EnforcerAction {
	e.mu.Lock()
	defer e.mu.Unlock()

	var pending []*types.EnforcerAction
	for _, a := range e.actionsByID {
		if a.Status == types.ActionPending {
			pending = append(pending, a)
		}
	}
	return pending
}

func (e *Enforcer) index(action *types.EnforcerAction) {
	e.actionsByID[action.ID] = action
	e.actionsByPrincipal[action.PrincipalID] = append(e.actionsByPrincipal[action.PrincipalID], action.ID)
}

// ApplyDenyToResponse rewrites every action result in response to deny,
// with matchedRule prefixed "enforcer:", per the forced-deny contract.
func ApplyDenyToResponse(response *types.CheckResponse, reason string) {
	for action, result := range response.Results {
		result.Effect = types.EffectDeny
		result.Matched = true
		result.Rule = "enforcer:" + reason
		response.Results[action] = result
	}
}
