// Package derived_roles provides derived role resolution with dependency ordering
package derived_roles

import (
	"fmt"
	"sort"
	"strings"

	"github.com/authz-engine/go-core/internal/cel"
	"github.com/authz-engine/go-core/pkg/types"
	"go.uber.org/zap"
)

// DerivedRolesResolver resolves derived roles with topological sorting
// and CEL condition evaluation. Thread-safe for concurrent use.
type DerivedRolesResolver struct {
	celEngine *cel.Engine
	logger    *zap.Logger
}

// NewDerivedRolesResolver creates a new derived roles resolver with CEL engine
func NewDerivedRolesResolver(logger *zap.Logger) (*DerivedRolesResolver, error) {
	celEngine, err := cel.NewEngine()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL engine: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &DerivedRolesResolver{
		celEngine: celEngine,
		logger:    logger,
	}, nil
}

// namedDef pairs a derived role definition with the policy that declared
// it, giving the per-request evaluation cache a stable key.
type namedDef struct {
	policyName string
	def        *types.DerivedRole
}

// Resolve expands a principal's effective role set with every derived
// role whose parent-role pattern matches and whose condition (if any)
// evaluates truthy, running to a fixed point over the acyclic role
// graph formed by policies. aux carries the request's auxiliary data
// (exposed to conditions as `A`).
//
// A derived role whose condition errors is simply not granted;
// resolution continues with the remaining roles rather than failing
// the whole request.
func (r *DerivedRolesResolver) Resolve(
	principal *types.Principal,
	resource *types.Resource,
	aux map[string]interface{},
	policies []*types.DerivedRolesPolicy,
) ([]string, error) {
	if principal == nil {
		return nil, fmt.Errorf("principal cannot be nil")
	}

	resolvedRoles := make(map[string]bool)
	for _, role := range principal.Roles {
		resolvedRoles[role] = true
	}

	if len(policies) == 0 {
		return principal.Roles, nil
	}

	var defs []namedDef
	var flat []*types.DerivedRole
	for _, p := range policies {
		for _, d := range p.Definitions {
			if err := d.Validate(); err != nil {
				return nil, fmt.Errorf("invalid derived role: %w", err)
			}
			defs = append(defs, namedDef{policyName: p.Name, def: d})
			flat = append(flat, d)
		}
	}

	graph, err := buildRoleGraph(flat)
	if err != nil {
		return nil, fmt.Errorf("failed to build role graph: %w", err)
	}

	sortedDefs, err := topologicalSort(graph, defs)
	if err != nil {
		return nil, fmt.Errorf("failed to sort roles: %w", err)
	}

	cache := make(map[string]bool) // key: "policyName:defName" -> matched
	currentRoles := append([]string{}, principal.Roles...)

	for _, nd := range sortedDefs {
		derivedRole := nd.def
		cacheKey := nd.policyName + ":" + derivedRole.Name

		if cached, ok := cache[cacheKey]; ok {
			if cached && !resolvedRoles[derivedRole.Name] {
				resolvedRoles[derivedRole.Name] = true
				currentRoles = append(currentRoles, derivedRole.Name)
			}
			continue
		}

		if !derivedRole.Match(currentRoles) {
			cache[cacheKey] = false
			continue
		}

		matched, err := r.evaluateCondition(derivedRole, principal, resource, aux)
		if err != nil {
			// Expression error in a derived-role condition: absorb
			// locally, the role is not granted, evaluation continues.
			r.logger.Warn("derived role condition errored, role not granted",
				zap.String("policy", nd.policyName),
				zap.String("role", derivedRole.Name),
				zap.Error(err),
			)
			cache[cacheKey] = false
			continue
		}

		cache[cacheKey] = matched
		if matched && !resolvedRoles[derivedRole.Name] {
			resolvedRoles[derivedRole.Name] = true
			currentRoles = append(currentRoles, derivedRole.Name)
		}
	}

	result := make([]string, 0, len(resolvedRoles))
	for role := range resolvedRoles {
		result = append(result, role)
	}
	sort.Strings(result)

	return result, nil
}

// buildRoleGraph constructs a dependency graph from derived role definitions
func buildRoleGraph(derivedRoles []*types.DerivedRole) (map[string]*types.RoleGraphNode, error) {
	graph := make(map[string]*types.RoleGraphNode)

	for _, dr := range derivedRoles {
		if _, exists := graph[dr.Name]; !exists {
			graph[dr.Name] = types.NewRoleGraphNode(dr.Name)
		}
	}

	for _, dr := range derivedRoles {
		currentNode := graph[dr.Name]
		for _, parentRole := range dr.ParentRoles {
			if _, exists := graph[parentRole]; exists {
				currentNode.AddDependency(parentRole)
			}
		}
	}

	if err := detectCircularDependency(graph); err != nil {
		return nil, err
	}

	return graph, nil
}

// topologicalSort performs Kahn's algorithm, returning definitions in
// dependency-first evaluation order so a derived role can reference
// another derived role that evaluates before it.
func topologicalSort(graph map[string]*types.RoleGraphNode, defs []namedDef) ([]namedDef, error) {
	reverseEdges := make(map[string][]string)
	inDegree := make(map[string]int)

	for name, node := range graph {
		inDegree[name] = len(node.Dependencies)
		for _, dep := range node.Dependencies {
			reverseEdges[dep] = append(reverseEdges[dep], name)
		}
	}

	queue := []string{}
	for name, degree := range inDegree {
		if degree == 0 {
			queue = append(queue, name)
		}
	}
	sort.Strings(queue) // deterministic order among independent roles

	sorted := []string{}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		sorted = append(sorted, current)

		var freed []string
		for _, dependent := range reverseEdges[current] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				freed = append(freed, dependent)
			}
		}
		sort.Strings(freed)
		queue = append(queue, freed...)
	}

	if len(sorted) != len(graph) {
		return nil, fmt.Errorf("circular dependency detected in derived roles")
	}

	order := make(map[string]int, len(sorted))
	for i, name := range sorted {
		order[name] = i
	}

	result := make([]namedDef, len(defs))
	copy(result, defs)
	sort.SliceStable(result, func(i, j int) bool {
		return order[result[i].def.Name] < order[result[j].def.Name]
	})

	return result, nil
}

// evaluateCondition evaluates the CEL condition for a derived role.
// An empty condition is always truthy.
func (r *DerivedRolesResolver) evaluateCondition(
	derivedRole *types.DerivedRole,
	principal *types.Principal,
	resource *types.Resource,
	aux map[string]interface{},
) (bool, error) {
	if derivedRole.Condition == "" {
		return true, nil
	}

	ctx := &cel.EvalContext{
		Principal: principal.ToMap(),
		Resource:  map[string]interface{}{},
		Context:   aux,
	}
	if resource != nil {
		ctx.Resource = resource.ToMap()
	}

	result, err := r.celEngine.EvaluateExpression(derivedRole.Condition, ctx)
	if err != nil {
		return false, fmt.Errorf("CEL evaluation error: %w", err)
	}

	return result, nil
}

// detectCircularDependency detects circular dependencies using DFS
func detectCircularDependency(graph map[string]*types.RoleGraphNode) error {
	state := make(map[string]int) // 0 = unvisited, 1 = visiting, 2 = visited

	var dfs func(string, []string) error
	dfs = func(node string, path []string) error {
		if state[node] == 1 {
			cyclePath := append(path, node)
			return fmt.Errorf("circular dependency detected: %s", strings.Join(cyclePath, " -> "))
		}
		if state[node] == 2 {
			return nil
		}

		state[node] = 1
		path = append(path, node)

		if graphNode, exists := graph[node]; exists {
			for _, dep := range graphNode.Dependencies {
				if err := dfs(dep, path); err != nil {
					return err
				}
			}
		}

		state[node] = 2
		return nil
	}

	for node := range graph {
		if state[node] == 0 {
			if err := dfs(node, []string{}); err != nil {
				return err
			}
		}
	}

	return nil
}
