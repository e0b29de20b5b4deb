// Package engine provides the core decision engine for authorization
package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/authz-engine/go-core/internal/apperr"
	"github.com/authz-engine/go-core/internal/cache"
	"github.com/authz-engine/go-core/internal/cel"
	"github.com/authz-engine/go-core/internal/derived_roles"
	"github.com/authz-engine/go-core/internal/metrics"
	"github.com/authz-engine/go-core/internal/policy"
	"github.com/authz-engine/go-core/internal/scope"
	"github.com/authz-engine/go-core/pkg/types"
	"go.uber.org/zap"
)

// Engine is the core authorization decision engine
type Engine struct {
	cel                  *cel.Engine
	store                policy.Store
	cache                cache.Cache
	scopeResolver        *scope.Resolver
	derivedRolesResolver *derived_roles.DerivedRolesResolver
	logger               *zap.Logger
	metrics              metrics.Metrics

	config Config
}

// SetMetrics installs a metrics sink; pass nil to restore the no-op
// default. Safe to call at any point after New.
func (e *Engine) SetMetrics(m metrics.Metrics) {
	if m == nil {
		m = metrics.NewNoOpMetrics()
	}
	e.metrics = m
}

// Config configures the decision engine
type Config struct {
	CacheEnabled  bool
	CacheSize     int
	CacheTTL      time.Duration
	DefaultEffect types.Effect

	// CacheType selects the decision-cache backend. Zero value
	// (cache.LRUCache) keeps the in-process-only behavior; RedisOnly
	// or HybridCacheType require RedisConfig/HybridConfig.
	CacheType    cache.CacheType
	RedisConfig  *cache.RedisConfig
	HybridConfig *cache.HybridCacheConfig
}

// DefaultConfig returns a default engine configuration
func DefaultConfig() Config {
	return Config{
		CacheEnabled:  true,
		CacheSize:     100000,
		CacheTTL:      5 * time.Minute,
		DefaultEffect: types.EffectDeny,
		CacheType:     cache.LRUCache,
	}
}

// New creates a new decision engine
func New(cfg Config, store policy.Store, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	celEngine, err := cel.NewEngine()
	if err != nil {
		return nil, err
	}

	var c cache.Cache
	if cfg.CacheEnabled {
		c, err = newDecisionCache(cfg)
		if err != nil {
			return nil, fmt.Errorf("construct decision cache: %w", err)
		}
	}

	scopeResolver := scope.NewResolver(scope.DefaultConfig())

	derivedRolesResolver, err := derived_roles.NewDerivedRolesResolver(logger)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cel:                  celEngine,
		store:                store,
		cache:                c,
		scopeResolver:        scopeResolver,
		derivedRolesResolver: derivedRolesResolver,
		logger:               logger,
		metrics:              metrics.NewNoOpMetrics(),
		config:               cfg,
	}

	// A policy change invalidates the whole decision cache rather than
	// chasing which cached verdicts it touches: derived roles and
	// principal overrides mean one policy can affect cache keys for
	// many unrelated principals/resources.
	if e.cache != nil && store != nil {
		store.Watch(func(types.PolicyChangeEvent) {
			e.ClearCache()
		})
	}

	return e, nil
}

// newDecisionCache builds the configured cache backend, defaulting to
// the in-process LRU when CacheType is unset or unrecognized.
func newDecisionCache(cfg Config) (cache.Cache, error) {
	switch cfg.CacheType {
	case cache.RedisOnly:
		redisCfg := cfg.RedisConfig
		if redisCfg == nil {
			redisCfg = cache.DefaultRedisConfig()
		}
		return cache.NewRedisCache(redisCfg)

	case cache.HybridCacheType:
		hybridCfg := cfg.HybridConfig
		if hybridCfg == nil {
			hybridCfg = &cache.HybridCacheConfig{
				L1Capacity: cfg.CacheSize,
				L1TTL:      cfg.CacheTTL,
				L2Enabled:  true,
				L2Config:   cache.DefaultRedisConfig(),
			}
		}
		return cache.NewHybridCache(hybridCfg)

	default:
		return cache.NewLRU(cfg.CacheSize, cfg.CacheTTL), nil
	}
}

// Check evaluates an authorization request: derived-role resolution,
// principal-override pass, resource-policy pass, default-deny for
// anything left undecided.
func (e *Engine) Check(ctx context.Context, req *types.CheckRequest) (*types.CheckResponse, error) {
	if err := validateCheckRequest(req); err != nil {
		e.metrics.RecordAuthError("invalid_request")
		return nil, err
	}

	start := time.Now()

	if e.cache != nil {
		if cached, ok := e.cache.Get(req.CacheKey()); ok {
			e.metrics.RecordCacheHit()
			resp := cached.(*types.CheckResponse)
			hit := *resp
			hitMeta := *resp.Metadata
			hitMeta.CacheHit = true
			hit.Metadata = &hitMeta
			return &hit, nil
		}
		e.metrics.RecordCacheMiss()
	}

	effectiveDerivedRoles, err := e.resolveDerivedRoles(req)
	if err != nil {
		e.metrics.RecordAuthError("derived_role_resolution")
		return nil, apperr.InvalidInput(err.Error())
	}
	effectiveRoles := unionRoles(req.Principal.Roles, effectiveDerivedRoles)

	principalPolicy, hasPrincipalPolicy := e.findPrincipalPolicy(req)
	effectiveScope := computeEffectiveScope(req)
	resourcePolicies, scopeResult := e.findResourcePolicies(effectiveScope, req.Resource.Kind)

	remaining := make(map[string]bool, len(req.Actions))
	for _, a := range req.Actions {
		remaining[a] = true
	}
	results := make(map[string]types.ActionResult, len(req.Actions))

	policyResolution := &types.PolicyResolution{
		ScopeResolution: scopeResult,
	}

	// Principal-override pass: rules in declaration order, first rule
	// whose actions intersect the remaining set decides those actions.
	if hasPrincipalPolicy {
		policyResolution.PrincipalPoliciesMatched = true
		policyResolution.EvaluationOrder = append(policyResolution.EvaluationOrder, "principal-override")
		if err := e.evaluatePrincipalOverride(ctx, req, principalPolicy, effectiveRoles, remaining, results); err != nil {
			return nil, err
		}
	}

	// Resource-policy pass over whatever actions the principal override
	// left undecided.
	if len(remaining) > 0 && len(resourcePolicies) > 0 {
		policyResolution.ResourcePoliciesMatched = true
		policyResolution.EvaluationOrder = append(policyResolution.EvaluationOrder, "resource-policy")
		if err := e.evaluateResourcePolicies(ctx, req, resourcePolicies, effectiveRoles, remaining, results); err != nil {
			return nil, err
		}
	}

	// Default deny for anything still undecided.
	for action := range remaining {
		results[action] = types.ActionResult{
			Effect:  e.config.DefaultEffect,
			Rule:    "default-deny",
			Matched: false,
		}
	}

	matchedPolicies := policiesConsulted(hasPrincipalPolicy, principalPolicy, resourcePolicies)

	response := &types.CheckResponse{
		RequestID: req.RequestID,
		Results:   results,
		Metadata: &types.ResponseMetadata{
			EvaluationDurationUs: float64(time.Since(start).Microseconds()),
			PoliciesEvaluated:    len(matchedPolicies),
			MatchedPolicies:      matchedPolicies,
			CacheHit:             false,
			ScopeResolution:      scopeResult,
			PolicyResolution:     policyResolution,
			EffectiveDerivedRoles: effectiveDerivedRoles,
		},
	}

	if e.cache != nil {
		e.cache.Set(req.CacheKey(), response)
	}

	for _, r := range results {
		e.metrics.RecordCheck(string(r.Effect), time.Since(start))
	}

	return response, nil
}

func validateCheckRequest(req *types.CheckRequest) error {
	if req == nil {
		return apperr.InvalidInput("request is required")
	}
	if req.Principal == nil || req.Principal.ID == "" {
		return apperr.InvalidInput("principal.id is required")
	}
	if req.Resource == nil || req.Resource.Kind == "" {
		return apperr.InvalidInput("resource.kind is required")
	}
	if len(req.Actions) == 0 {
		return apperr.InvalidInput("at least one action is required")
	}
	return nil
}

// CheckBatch evaluates multiple authorization requests concurrently.
func (e *Engine) CheckBatch(ctx context.Context, requests []*types.CheckRequest) ([]*types.CheckResponse, error) {
	responses := make([]*types.CheckResponse, len(requests))
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for i, req := range requests {
		wg.Add(1)
		go func(idx int, r *types.CheckRequest) {
			defer wg.Done()

			resp, err := e.Check(ctx, r)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}

			responses[idx] = resp
		}(i, req)
	}

	wg.Wait()
	return responses, firstErr
}

// resolveDerivedRoles expands the principal's effective role set using
// every enabled DerivedRoles policy. Failures in the resolver itself
// (not individual condition errors, which the resolver already
// absorbs) are treated as "no derived roles granted" so a broken
// derived-role graph never blocks core evaluation.
func (e *Engine) resolveDerivedRoles(req *types.CheckRequest) ([]string, error) {
	policies := e.store.GetDerivedRoles()
	if len(policies) == 0 {
		return nil, nil
	}

	resolved, err := e.derivedRolesResolver.Resolve(req.Principal, req.Resource, req.Context, policies)
	if err != nil {
		e.logger.Warn("derived role resolution failed, continuing without derived roles", zap.Error(err))
		return nil, nil
	}

	added := make([]string, 0, len(resolved))
	base := make(map[string]bool, len(req.Principal.Roles))
	for _, r := range req.Principal.Roles {
		base[r] = true
	}
	for _, r := range resolved {
		if !base[r] {
			added = append(added, r)
		}
	}
	sort.Strings(added)
	return added, nil
}

func unionRoles(base, derived []string) []string {
	seen := make(map[string]bool, len(base)+len(derived))
	result := make([]string, 0, len(base)+len(derived))
	for _, r := range base {
		if !seen[r] {
			seen[r] = true
			result = append(result, r)
		}
	}
	for _, r := range derived {
		if !seen[r] {
			seen[r] = true
			result = append(result, r)
		}
	}
	return result
}

func computeEffectiveScope(req *types.CheckRequest) string {
	if req.Resource.Scope != "" {
		return req.Resource.Scope
	}
	return req.Principal.Scope
}

func (e *Engine) findPrincipalPolicy(req *types.CheckRequest) (*types.Policy, bool) {
	stored, err := e.store.GetPrincipalPolicy(req.Principal.ID)
	if err != nil || stored == nil || stored.Policy == nil {
		return nil, false
	}

	if stored.Policy.Principal != nil && !stored.Policy.Principal.MatchesPrincipal(req.Principal) {
		return nil, false
	}

	resourceMatched := false
	for _, sel := range stored.Policy.Resources {
		if sel.MatchesResource(req.Resource) {
			resourceMatched = true
			break
		}
	}
	if !resourceMatched {
		return nil, false
	}

	return stored.Policy, true
}

// findResourcePolicies resolves the scope chain most-to-least specific
// and returns the first scope with a match, falling back to global.
func (e *Engine) findResourcePolicies(requestScope, resourceKind string) ([]*types.Policy, *types.ScopeResolutionResult) {
	all := e.store.GetPoliciesForResource(resourceKind)

	scopeResult := &types.ScopeResolutionResult{InheritanceChain: []string{}}

	if requestScope == "" {
		scopeResult.MatchedScope = "(global)"
		return filterByScope(all, ""), scopeResult
	}

	chain, err := e.scopeResolver.BuildScopeChain(requestScope)
	if err != nil {
		scopeResult.MatchedScope = "(invalid)"
		scopeResult.InheritanceChain = []string{requestScope}
		return nil, scopeResult
	}
	scopeResult.InheritanceChain = chain

	for _, s := range chain {
		matched := filterByScope(all, s)
		if len(matched) > 0 {
			scopeResult.MatchedScope = s
			scopeResult.ScopedPolicyMatched = true
			return matched, scopeResult
		}
	}

	scopeResult.MatchedScope = "(global)"
	return filterByScope(all, ""), scopeResult
}

func filterByScope(stored []*types.StoredPolicy, scopeValue string) []*types.Policy {
	result := make([]*types.Policy, 0, len(stored))
	for _, p := range stored {
		if p.Policy != nil && p.Policy.Scope == scopeValue {
			result = append(result, p.Policy)
		}
	}
	return result
}

// evaluatePrincipalOverride walks the principal policy's rules in
// declaration order; the first rule whose actions intersect the
// remaining set and whose condition is truthy decides those actions.
func (e *Engine) evaluatePrincipalOverride(
	ctx context.Context,
	req *types.CheckRequest,
	pol *types.Policy,
	effectiveRoles []string,
	remaining map[string]bool,
	results map[string]types.ActionResult,
) error {
	for _, rule := range pol.Rules {
		if err := deadlineCheck(ctx); err != nil {
			return err
		}
		if len(remaining) == 0 {
			return nil
		}

		var decided []string
		for action := range remaining {
			if rule.MatchesAction(action) {
				decided = append(decided, action)
			}
		}
		if len(decided) == 0 {
			continue
		}
		if !matchesRoleFilter(rule.Roles, rule.DerivedRoles, effectiveRoles) {
			continue
		}
		if rule.Condition != "" {
			ok, evalErr := e.evalCondition(rule.Condition, req)
			if evalErr != nil || !ok {
				continue
			}
		}

		for _, action := range decided {
			results[action] = types.ActionResult{
				Effect:  rule.Effect,
				Policy:  pol.Name,
				Rule:    rule.Name,
				Matched: true,
				Meta:    requiredRolesMeta(rule.Roles, rule.DerivedRoles),
			}
			delete(remaining, action)
		}
	}
	return nil
}

// deadlineCheck aborts evaluation at a policy/rule boundary when the
// caller's deadline has passed or the caller canceled. A partial result
// is never returned.
func deadlineCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return apperr.TimeoutErr("evaluation deadline exceeded")
		}
		return apperr.Wrap(apperr.KindCanceled, "evaluation canceled", ctx.Err())
	default:
		return nil
	}
}

// requiredRolesMeta encodes a rule's role filter (Roles ∪ DerivedRoles)
// into an ActionResult.Meta entry Advisor uses to build path-to-allow
// suggestions. Returns nil when the rule has no role filter.
func requiredRolesMeta(roles, derivedRoles []string) map[string]string {
	if len(roles) == 0 && len(derivedRoles) == 0 {
		return nil
	}
	required := make([]string, 0, len(roles)+len(derivedRoles))
	required = append(required, roles...)
	required = append(required, derivedRoles...)
	return map[string]string{"requiredRoles": strings.Join(required, ",")}
}

// evaluateResourcePolicies scans resource policies (sorted by name for
// determinism) and, per remaining action, assigns the effect of the
// first rule in declaration order that matches.
func (e *Engine) evaluateResourcePolicies(
	ctx context.Context,
	req *types.CheckRequest,
	policies []*types.Policy,
	effectiveRoles []string,
	remaining map[string]bool,
	results map[string]types.ActionResult,
) error {
	sorted := make([]*types.Policy, len(policies))
	copy(sorted, policies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	for action := range remaining {
		for _, pol := range sorted {
			if err := deadlineCheck(ctx); err != nil {
				return err
			}
			decided := false
			for _, rule := range pol.Rules {
				if !rule.MatchesAction(action) {
					continue
				}
				if !matchesRoleFilter(rule.Roles, rule.DerivedRoles, effectiveRoles) {
					continue
				}
				if rule.Condition != "" {
					ok, evalErr := e.evalCondition(rule.Condition, req)
					if evalErr != nil || !ok {
						continue
					}
				}

				results[action] = types.ActionResult{
					Effect:  rule.Effect,
					Policy:  pol.Name,
					Rule:    rule.Name,
					Matched: true,
					Meta:    requiredRolesMeta(rule.Roles, rule.DerivedRoles),
				}
				delete(remaining, action)
				decided = true
				break
			}
			if decided {
				break
			}
		}
	}
	return nil
}

// evalCondition evaluates a rule condition. An expression error is
// reported but never escalated: the caller treats it as no-match.
func (e *Engine) evalCondition(condition string, req *types.CheckRequest) (bool, error) {
	evalCtx := &cel.EvalContext{
		Principal: req.Principal.ToMap(),
		Resource:  req.Resource.ToMap(),
		Request:   req.Context,
		Context:   req.Context,
	}

	match, err := e.cel.EvaluateExpression(condition, evalCtx)
	if err != nil {
		e.logger.Debug("rule condition evaluation error, treating as no-match", zap.Error(err))
		e.metrics.RecordAuthError("cel_eval")
		return false, apperr.Wrap(apperr.KindEvalError, "condition evaluation failed", err)
	}
	return match, nil
}

// matchesRoleFilter reports whether effectiveRoles satisfies a rule's
// role filter. The filter is the union of the rule's Roles and
// DerivedRoles fields; it passes unconditionally only when both are
// empty, or when either list contains "*".
func matchesRoleFilter(ruleRoles []string, ruleDerivedRoles []string, effectiveRoles []string) bool {
	if len(ruleRoles) == 0 && len(ruleDerivedRoles) == 0 {
		return true
	}
	required := make([]string, 0, len(ruleRoles)+len(ruleDerivedRoles))
	required = append(required, ruleRoles...)
	required = append(required, ruleDerivedRoles...)

	for _, r := range required {
		if r == "*" {
			return true
		}
	}
	for _, need := range required {
		for _, have := range effectiveRoles {
			if need == have {
				return true
			}
		}
	}
	return false
}

func policiesConsulted(hasPrincipalPolicy bool, principalPolicy *types.Policy, resourcePolicies []*types.Policy) []string {
	names := make([]string, 0, len(resourcePolicies)+1)
	if hasPrincipalPolicy && principalPolicy != nil {
		names = append(names, principalPolicy.Name)
	}
	for _, p := range resourcePolicies {
		names = append(names, p.Name)
	}
	sort.Strings(names)
	return names
}

// GetStore returns the policy store
func (e *Engine) GetStore() policy.Store {
	return e.store
}

// GetCacheStats returns cache statistics
func (e *Engine) GetCacheStats() *cache.Stats {
	if e.cache == nil {
		return nil
	}
	stats := e.cache.Stats()
	return &stats
}

// ClearCache clears the decision cache
func (e *Engine) ClearCache() {
	if e.cache != nil {
		e.cache.Clear()
	}
}
