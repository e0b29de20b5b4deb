// Package advisor produces human- and machine-readable explanations
// for authorization decisions, including a path-to-allow for denials.
package advisor

import (
	"fmt"

	"github.com/authz-engine/go-core/pkg/types"
)

// TextExplainer generates a natural-language rendering of an
// Explanation. The default is a no-op that leaves NaturalLanguage
// empty, matching the contract that an absent external generator
// never blocks the structured explanation.
type TextExplainer interface {
	Explain(exp *types.Explanation) (string, error)
}

// QuestionAnswerer is an optional capability of a TextExplainer:
// free-form question answering over the policy domain. Explainers that
// don't implement it cause AskQuestion to report that natural-language
// generation is not configured.
type QuestionAnswerer interface {
	Ask(question string) (string, error)
}

type noopExplainer struct{}

func (noopExplainer) Explain(*types.Explanation) (string, error) { return "", nil }

// Advisor builds Explanations for decisions.
type Advisor struct {
	textExplainer TextExplainer
}

// New creates an Advisor. A nil explainer installs the no-op default.
func New(explainer TextExplainer) *Advisor {
	if explainer == nil {
		explainer = noopExplainer{}
	}
	return &Advisor{textExplainer: explainer}
}

// DecisionContext carries everything Advisor needs to build an
// Explanation for one action's result.
type DecisionContext struct {
	Action                string
	Result                types.ActionResult
	PrincipalRoles         []string
	EffectiveDerivedRoles  []string
	RequiredRolesForAction []string
}

// Explain builds the Explanation for a single action's decision. When
// a derived role contributed to the verdict (it's both effective and
// required), a "derived_role" factor is always present.
func (a *Advisor) Explain(dc DecisionContext) (*types.Explanation, error) {
	exp := &types.Explanation{}

	contributingDerivedRole := findContributingDerivedRole(dc.EffectiveDerivedRoles, dc.RequiredRolesForAction)

	if dc.Result.IsAllowed() {
		exp.Summary = fmt.Sprintf("%s is allowed by rule %q of policy %q", dc.Action, dc.Result.Rule, dc.Result.Policy)
	} else {
		exp.Summary = fmt.Sprintf("%s is denied (matched rule %q)", dc.Action, dc.Result.Rule)
	}

	exp.Factors = append(exp.Factors, types.ExplanationFactor{
		Type:        "matched_rule",
		Description: fmt.Sprintf("policy %q rule %q", dc.Result.Policy, dc.Result.Rule),
		Impact:      string(dc.Result.Effect),
	})

	if contributingDerivedRole != "" {
		exp.Factors = append(exp.Factors, types.ExplanationFactor{
			Type:        "derived_role",
			Description: fmt.Sprintf("role %q was derived and satisfied the rule's role filter", contributingDerivedRole),
			Impact:      string(dc.Result.Effect),
		})
	}

	if !dc.Result.IsAllowed() {
		exp.PathToAllow = buildPathToAllow(dc)
	}

	text, err := a.textExplainer.Explain(exp)
	if err != nil {
		// An external generator failing must not suppress the
		// structured explanation already built.
		return exp, nil
	}
	exp.NaturalLanguage = text

	return exp, nil
}

// AskQuestion forwards a free-form question to the external text
// generator if it supports question answering.
func (a *Advisor) AskQuestion(question string) (string, error) {
	qa, ok := a.textExplainer.(QuestionAnswerer)
	if !ok {
		return "natural-language generation is not configured", nil
	}
	return qa.Ask(question)
}

func findContributingDerivedRole(effectiveDerived, requiredForAction []string) string {
	required := make(map[string]bool, len(requiredForAction))
	for _, r := range requiredForAction {
		required[r] = true
	}
	for _, d := range effectiveDerived {
		if required[d] {
			return d
		}
	}
	return ""
}

func buildPathToAllow(dc DecisionContext) *types.PathToAllow {
	path := &types.PathToAllow{}

	have := make(map[string]bool, len(dc.PrincipalRoles)+len(dc.EffectiveDerivedRoles))
	for _, r := range dc.PrincipalRoles {
		have[r] = true
	}
	for _, r := range dc.EffectiveDerivedRoles {
		have[r] = true
	}

	for _, required := range dc.RequiredRolesForAction {
		if required == "*" {
			continue
		}
		if !have[required] {
			path.MissingRoles = append(path.MissingRoles, required)
		}
	}

	if len(path.MissingRoles) > 0 {
		path.SuggestedActions = append(path.SuggestedActions, fmt.Sprintf("request role(s): %v", path.MissingRoles))
	}

	return path
}
