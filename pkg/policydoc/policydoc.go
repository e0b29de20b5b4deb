// Package policydoc translates the canonical YAML/JSON policy document
// shape consumed by external collaborators (CLIs, config loaders, test
// fixtures) into the in-memory types the core decision engine operates
// on. It sits at the documented wire boundary; the engine, store, and
// resolver never parse policy documents themselves.
package policydoc

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/authz-engine/go-core/pkg/types"
	"gopkg.in/yaml.v3"
)

// Document is the on-disk shape of a single policy file. Spec holds
// the kind-specific body (a resource policy, principal policy, or
// derived-roles block), selected by Kind.
type Document struct {
	APIVersion string                    `yaml:"apiVersion"`
	Kind       types.PolicyKind          `yaml:"kind"`
	Metadata   DocumentMetadata          `yaml:"metadata"`
	Spec       map[string]interface{}    `yaml:"spec"`
}

// DocumentMetadata carries the document's store identity and labels.
type DocumentMetadata struct {
	Name      string            `yaml:"name"`
	SourceURI string            `yaml:"sourceUri,omitempty"`
	Labels    map[string]string `yaml:"labels,omitempty"`
}

// rawResourcePolicy mirrors types.Policy's yaml tags for a ResourcePolicy
// document's spec block.
type rawResourcePolicy struct {
	ResourceKind string       `yaml:"resourceKind"`
	Scope        string       `yaml:"scope,omitempty"`
	Rules        []*types.Rule `yaml:"rules"`
}

// rawPrincipalPolicy mirrors types.Policy's yaml tags for a PrincipalPolicy
// document's spec block.
type rawPrincipalPolicy struct {
	Principal *types.PrincipalSelector  `yaml:"principal"`
	Resources []*types.ResourceSelector `yaml:"resources"`
	Rules     []*types.Rule             `yaml:"rules"`
}

// rawDerivedRoles mirrors types.DerivedRolesPolicy's spec block.
type rawDerivedRoles struct {
	Definitions []*types.DerivedRole `yaml:"definitions"`
}

// Parse decodes a single YAML or JSON policy document (JSON is a YAML
// subset, so one path handles both) into a StoredPolicy ready for
// Store.Put. It does not compute ContentHash or timestamps; callers
// that persist the result should do so via Store.Put, which stamps
// those fields itself.
func Parse(content []byte) (*types.StoredPolicy, error) {
	var doc Document
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("policydoc: decode: %w", err)
	}
	if doc.Metadata.Name == "" {
		return nil, fmt.Errorf("policydoc: metadata.name is required")
	}

	specBytes, err := yaml.Marshal(doc.Spec)
	if err != nil {
		return nil, fmt.Errorf("policydoc: re-encode spec: %w", err)
	}

	stored := &types.StoredPolicy{
		Kind:      doc.Kind,
		Name:      doc.Metadata.Name,
		SourceURI: doc.Metadata.SourceURI,
		Labels:    doc.Metadata.Labels,
	}

	switch doc.Kind {
	case types.KindResourcePolicy:
		var raw rawResourcePolicy
		if err := yaml.Unmarshal(specBytes, &raw); err != nil {
			return nil, fmt.Errorf("policydoc: decode resource policy spec: %w", err)
		}
		stored.Policy = &types.Policy{
			APIVersion:   doc.APIVersion,
			Name:         doc.Metadata.Name,
			ResourceKind: raw.ResourceKind,
			Scope:        raw.Scope,
			Rules:        raw.Rules,
		}

	case types.KindPrincipal:
		var raw rawPrincipalPolicy
		if err := yaml.Unmarshal(specBytes, &raw); err != nil {
			return nil, fmt.Errorf("policydoc: decode principal policy spec: %w", err)
		}
		stored.Policy = &types.Policy{
			APIVersion:      doc.APIVersion,
			Name:            doc.Metadata.Name,
			PrincipalPolicy: true,
			Principal:       raw.Principal,
			Resources:       raw.Resources,
			Rules:           raw.Rules,
		}

	case types.KindDerivedRoles:
		var raw rawDerivedRoles
		if err := yaml.Unmarshal(specBytes, &raw); err != nil {
			return nil, fmt.Errorf("policydoc: decode derived roles spec: %w", err)
		}
		stored.DerivedRoles = &types.DerivedRolesPolicy{
			Name:        doc.Metadata.Name,
			Definitions: raw.Definitions,
		}

	default:
		return nil, fmt.Errorf("policydoc: unknown kind %q", doc.Kind)
	}

	return stored, nil
}

// ParseAll splits a multi-document YAML stream (documents separated by
// "---") and parses each into a StoredPolicy, preserving order.
func ParseAll(content []byte) ([]*types.StoredPolicy, error) {
	dec := yaml.NewDecoder(bytes.NewReader(content))

	var out []*types.StoredPolicy
	for {
		var raw yaml.Node
		if err := dec.Decode(&raw); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return out, fmt.Errorf("policydoc: decode document: %w", err)
		}
		encoded, err := yaml.Marshal(&raw)
		if err != nil {
			return out, fmt.Errorf("policydoc: re-encode document: %w", err)
		}
		stored, err := Parse(encoded)
		if err != nil {
			return out, err
		}
		out = append(out, stored)
	}
	return out, nil
}

// Render encodes a StoredPolicy back into the canonical document shape,
// the inverse of Parse. Used by tooling that needs to round-trip a
// policy fetched from the store back to a file.
func Render(stored *types.StoredPolicy) ([]byte, error) {
	doc := Document{
		APIVersion: "authz.dev/v1",
		Kind:       stored.Kind,
		Metadata: DocumentMetadata{
			Name:      stored.Name,
			SourceURI: stored.SourceURI,
			Labels:    stored.Labels,
		},
	}

	var spec interface{}
	switch stored.Kind {
	case types.KindResourcePolicy:
		if stored.Policy == nil {
			return nil, fmt.Errorf("policydoc: resource policy document missing Policy")
		}
		spec = rawResourcePolicy{
			ResourceKind: stored.Policy.ResourceKind,
			Scope:        stored.Policy.Scope,
			Rules:        stored.Policy.Rules,
		}
	case types.KindPrincipal:
		if stored.Policy == nil {
			return nil, fmt.Errorf("policydoc: principal policy document missing Policy")
		}
		spec = rawPrincipalPolicy{
			Principal: stored.Policy.Principal,
			Resources: stored.Policy.Resources,
			Rules:     stored.Policy.Rules,
		}
	case types.KindDerivedRoles:
		if stored.DerivedRoles == nil {
			return nil, fmt.Errorf("policydoc: derived roles document missing DerivedRoles")
		}
		spec = rawDerivedRoles{Definitions: stored.DerivedRoles.Definitions}
	default:
		return nil, fmt.Errorf("policydoc: unknown kind %q", stored.Kind)
	}

	specBytes, err := yaml.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("policydoc: encode spec: %w", err)
	}
	var specMap map[string]interface{}
	if err := yaml.Unmarshal(specBytes, &specMap); err != nil {
		return nil, fmt.Errorf("policydoc: normalize spec: %w", err)
	}
	doc.Spec = specMap

	return yaml.Marshal(&doc)
}
