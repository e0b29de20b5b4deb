package policy

import (
	"fmt"
	"regexp"

	"github.com/authz-engine/go-core/pkg/types"
	"github.com/google/cel-go/cel"
)

// Validator provides policy validation functionality
type Validator struct {
	// Track seen rules to detect conflicts
	seenRules map[string]bool
}

// NewValidator creates a new policy validator
func NewValidator() *Validator {
	return &Validator{
		seenRules: make(map[string]bool),
	}
}

// ValidatePolicy validates the structure and syntax of a policy
func (v *Validator) ValidatePolicy(policy *types.Policy) error {
	if policy == nil {
		return fmt.Errorf("policy cannot be nil")
	}

	// Validate basic structure
	if err := v.validateBasicStructure(policy); err != nil {
		return err
	}

	// Validate rules
	if err := v.validateRules(policy); err != nil {
		return err
	}

	// Check for conflicts
	if err := v.checkForConflicts(policy); err != nil {
		return err
	}

	return nil
}

// validateBasicStructure validates the basic structure of a policy
func (v *Validator) validateBasicStructure(policy *types.Policy) error {
	if policy.Name == "" {
		return fmt.Errorf("policy name is required")
	}

	// Validate policy name format (alphanumeric, hyphens, underscores)
	if !isValidIdentifier(policy.Name) {
		return fmt.Errorf("invalid policy name format: %s (must be alphanumeric with hyphens/underscores)", policy.Name)
	}

	if policy.PrincipalPolicy {
		return v.validatePrincipalPolicyStructure(policy)
	}

	if policy.ResourceKind == "" {
		return fmt.Errorf("policy resourceKind is required")
	}

	// Validate resource kind format
	if !isValidIdentifier(policy.ResourceKind) {
		return fmt.Errorf("invalid resourceKind format: %s (must be alphanumeric with hyphens/underscores)", policy.ResourceKind)
	}

	if len(policy.Rules) == 0 {
		return fmt.Errorf("policy must have at least one rule")
	}

	return nil
}

// validatePrincipalPolicyStructure validates a principal-policy's selectors.
func (v *Validator) validatePrincipalPolicyStructure(policy *types.Policy) error {
	if policy.Principal == nil {
		return fmt.Errorf("principal policy %q requires a principal selector", policy.Name)
	}
	if policy.Principal.ID == "" && len(policy.Principal.Roles) == 0 {
		return fmt.Errorf("principal policy %q selector must specify an id or at least one role", policy.Name)
	}
	if len(policy.Resources) == 0 {
		return fmt.Errorf("principal policy %q requires at least one resource selector", policy.Name)
	}
	for i, sel := range policy.Resources {
		if sel.Kind == "" {
			return fmt.Errorf("principal policy %q resource selector %d requires a kind", policy.Name, i)
		}
	}
	if len(policy.Rules) == 0 {
		return fmt.Errorf("principal policy %q must have at least one rule", policy.Name)
	}
	return nil
}

// validateRules validates all rules in a policy
func (v *Validator) validateRules(policy *types.Policy) error {
	for i, rule := range policy.Rules {
		if err := v.validateRule(rule, i); err != nil {
			return fmt.Errorf("invalid rule at index %d: %w", i, err)
		}
	}
	return nil
}

// validateRule validates a single rule
func (v *Validator) validateRule(rule *types.Rule, index int) error {
	if rule.Name == "" {
		return fmt.Errorf("rule name is required")
	}

	if !isValidIdentifier(rule.Name) {
		return fmt.Errorf("invalid rule name format: %s", rule.Name)
	}

	if len(rule.Actions) == 0 {
		return fmt.Errorf("rule must have at least one action")
	}

	// Validate actions
	for _, action := range rule.Actions {
		if action == "" {
			return fmt.Errorf("action cannot be empty")
		}
		if !isValidAction(action) {
			return fmt.Errorf("invalid action format: %s", action)
		}
	}

	// Validate effect
	if rule.Effect != types.EffectAllow && rule.Effect != types.EffectDeny {
		return fmt.Errorf("invalid effect: %s (must be 'allow' or 'deny')", rule.Effect)
	}

	// Validate CEL condition if present
	if rule.Condition != "" {
		if err := v.validateCELExpression(rule.Condition); err != nil {
			return fmt.Errorf("invalid CEL condition: %w", err)
		}
	}

	// Validate roles if present
	if len(rule.Roles) > 0 {
		for _, role := range rule.Roles {
			if role == "" {
				return fmt.Errorf("role cannot be empty")
			}
			if !isValidIdentifier(role) {
				return fmt.Errorf("invalid role format: %s", role)
			}
		}
	}

	// Validate derived roles if present
	if len(rule.DerivedRoles) > 0 {
		for _, drole := range rule.DerivedRoles {
			if drole == "" {
				return fmt.Errorf("derived role cannot be empty")
			}
			if !isValidIdentifier(drole) {
				return fmt.Errorf("invalid derived role format: %s", drole)
			}
		}
	}

	return nil
}

// validateCELExpression validates the syntax of a CEL expression
func (v *Validator) validateCELExpression(expression string) error {
	if expression == "" {
		return fmt.Errorf("CEL expression cannot be empty")
	}

	// Create a CEL environment matching the variables and functions
	// available in the evaluation engine (internal/cel.Engine).
	env, err := cel.NewEnv(
		cel.Variable("principal", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("P", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("resource", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("R", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("request", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("context", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("A", cel.MapType(cel.StringType, cel.DynType)),
		cel.Function("hasRole",
			cel.Overload("hasRole_map_string",
				[]*cel.Type{cel.MapType(cel.StringType, cel.DynType), cel.StringType},
				cel.BoolType,
			),
		),
		cel.Function("isOwner",
			cel.Overload("isOwner_map_map",
				[]*cel.Type{cel.MapType(cel.StringType, cel.DynType), cel.MapType(cel.StringType, cel.DynType)},
				cel.BoolType,
			),
		),
		cel.Function("inList",
			cel.Overload("inList_string_list",
				[]*cel.Type{cel.StringType, cel.ListType(cel.StringType)},
				cel.BoolType,
			),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to create CEL environment: %w", err)
	}

	// Parse the expression
	parsed, issues := env.Parse(expression)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("parse error: %w", issues.Err())
	}

	// Check expression type
	checked, issues := env.Check(parsed)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("type check error: %w", issues.Err())
	}

	// Verify it returns a boolean
	if checked.OutputType() != cel.BoolType {
		return fmt.Errorf("expression must return boolean, got %v", checked.OutputType())
	}

	return nil
}

// checkForConflicts checks for conflicting rules within a policy
func (v *Validator) checkForConflicts(policy *types.Policy) error {
	// Reset seen rules for this policy
	v.seenRules = make(map[string]bool)

	for i, rule := range policy.Rules {
		ruleKey := rule.Name
		if v.seenRules[ruleKey] {
			return fmt.Errorf("duplicate rule name at index %d: %s", i, rule.Name)
		}
		v.seenRules[ruleKey] = true

		// Check for allow/deny conflict on overlapping actions
		if i > 0 {
			for j := 0; j < i; j++ {
				prevRule := policy.Rules[j]
				if hasOverlappingActions(rule.Actions, prevRule.Actions) &&
					rule.Effect != prevRule.Effect {
					// Nothing is logged and validation does not fail - overlapping rules
					// with different effects are allowed, the engine will evaluate them in order
				}
			}
		}
	}

	return nil
}

// hasOverlappingActions checks if two action lists have overlapping actions
func hasOverlappingActions(actions1, actions2 []string) bool {
	for _, a1 := range actions1 {
		for _, a2 := range actions2 {
			if a1 == "*" || a2 == "*" || a1 == a2 {
				return true
			}
		}
	}
	return false
}

// isValidIdentifier checks if a string is a valid identifier
func isValidIdentifier(s string) bool {
	// Allow alphanumeric, hyphens, and underscores
	// Must start with letter or underscore
	pattern := `^[a-zA-Z_][a-zA-Z0-9_-]*$`
	matched, err := regexp.MatchString(pattern, s)
	return err == nil && matched
}

// isValidAction checks if an action name is valid
func isValidAction(action string) bool {
	// Allow alphanumeric, hyphens, underscores, and wildcard
	if action == "*" {
		return true
	}
	pattern := `^[a-zA-Z_][a-zA-Z0-9_:-]*$`
	matched, err := regexp.MatchString(pattern, action)
	return err == nil && matched
}

// maxParentRoles bounds a single derived role's parent-role list.
const maxParentRoles = 50

// ValidateDerivedRolesPolicy validates a derived-roles definition set:
// schema shape, parent-role list bounds, wildcard pattern shape, and
// absence of self-shadowing cycles via Kahn's algorithm.
func (v *Validator) ValidateDerivedRolesPolicy(drp *types.DerivedRolesPolicy) error {
	if drp == nil {
		return fmt.Errorf("derived roles policy cannot be nil")
	}
	if drp.Name == "" {
		return fmt.Errorf("derived roles policy name is required")
	}
	if !isValidIdentifier(drp.Name) {
		return fmt.Errorf("invalid derived roles policy name format: %s", drp.Name)
	}
	if len(drp.Definitions) == 0 {
		return fmt.Errorf("derived roles policy %q must define at least one role", drp.Name)
	}

	seen := make(map[string]bool, len(drp.Definitions))
	for _, def := range drp.Definitions {
		if err := def.Validate(); err != nil {
			return err
		}
		if len(def.ParentRoles) > maxParentRoles {
			return fmt.Errorf("derived role %q has %d parent roles, exceeding the limit of %d", def.Name, len(def.ParentRoles), maxParentRoles)
		}
		if seen[def.Name] {
			return fmt.Errorf("duplicate derived role name: %s", def.Name)
		}
		seen[def.Name] = true
		if def.Condition != "" {
			if err := v.validateCELExpression(def.Condition); err != nil {
				return fmt.Errorf("derived role %q has invalid condition: %w", def.Name, err)
			}
		}
	}

	return detectDerivedRoleCycles(drp.Definitions)
}

// detectDerivedRoleCycles runs Kahn's algorithm over the dependency
// graph formed by a derived role depending on another derived role's
// name listed in its own parent roles. A role with no such dependency
// has in-degree zero and is a valid topological-sort root.
func detectDerivedRoleCycles(defs []*types.DerivedRole) error {
	byName := make(map[string]*types.DerivedRole, len(defs))
	for _, d := range defs {
		byName[d.Name] = d
	}

	nodes := make(map[string]*types.RoleGraphNode, len(defs))
	for _, d := range defs {
		nodes[d.Name] = types.NewRoleGraphNode(d.Name)
	}
	for _, d := range defs {
		for _, parent := range d.ParentRoles {
			if _, isDerived := byName[parent]; isDerived {
				nodes[d.Name].AddDependency(parent)
			}
		}
	}

	queue := make([]string, 0, len(nodes))
	for name, n := range nodes {
		if n.InDegree == 0 {
			queue = append(queue, name)
		}
	}

	resolvedCount := 0
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		nodes[name].Resolved = true
		resolvedCount++

		for _, other := range nodes {
			if other.Resolved || !other.AdjList[name] {
				continue
			}
			other.InDegree--
			if other.InDegree == 0 {
				queue = append(queue, other.Role)
			}
		}
	}

	if resolvedCount != len(nodes) {
		var unresolved []string
		for name, n := range nodes {
			if !n.Resolved {
				unresolved = append(unresolved, name)
			}
		}
		return fmt.Errorf("derived roles contain a dependency cycle among: %v", unresolved)
	}

	return nil
}

// ValidateRuleConsistency checks if rules are consistent within a policy
// (e.g., no contradictory conditions that would make a rule unreachable)
func (v *Validator) ValidateRuleConsistency(policy *types.Policy) []string {
	var warnings []string

	for i, rule := range policy.Rules {
		// Check if a rule might be unreachable due to earlier rules
		if i > 0 && rule.Effect == types.EffectDeny {
			// If a deny rule comes after an allow rule with the same actions,
			// the deny rule might be unreachable
			for j := 0; j < i; j++ {
				prevRule := policy.Rules[j]
				if prevRule.Effect == types.EffectAllow && hasOverlappingActions(rule.Actions, prevRule.Actions) {
					warnings = append(warnings,
						fmt.Sprintf("Rule %d (%s) might be unreachable: earlier allow rule (index %d) has overlapping actions",
							i, rule.Name, j))
				}
			}
		}
	}

	return warnings
}
