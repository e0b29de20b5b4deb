package types

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// PolicyKind distinguishes the three policy shapes the store holds.
type PolicyKind string

const (
	KindResourcePolicy PolicyKind = "ResourcePolicy"
	KindDerivedRoles   PolicyKind = "DerivedRoles"
	KindPrincipal      PolicyKind = "PrincipalPolicy"
)

// StoredPolicy wraps a Policy with the store's bookkeeping: content
// identity, lifecycle flags, and provenance. Identity is "<kind>:<name>".
type StoredPolicy struct {
	Kind        PolicyKind          `json:"kind"`
	Name        string              `json:"name"`
	Policy      *Policy             `json:"policy,omitempty"`      // set for ResourcePolicy and PrincipalPolicy kinds
	DerivedRoles *DerivedRolesPolicy `json:"derivedRoles,omitempty"` // set for DerivedRoles kind
	Version     string            `json:"version"`
	ContentHash string            `json:"contentHash"`
	Disabled    bool              `json:"disabled"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
	SourceURI   string            `json:"sourceUri,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
}

// ID returns the store identity for this policy.
func (s *StoredPolicy) ID() string {
	return string(s.Kind) + ":" + s.Name
}

// ComputeContentHash hashes the canonical byte representation of a
// policy document. Callers pass the already-serialized bytes (the
// core does not own policy-document parsing, see pkg/policydoc).
func ComputeContentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:16])
}

// PolicyChangeType enumerates the events the store emits on watch.
type PolicyChangeType string

const (
	ChangeCreated  PolicyChangeType = "created"
	ChangeUpdated  PolicyChangeType = "updated"
	ChangeDeleted  PolicyChangeType = "deleted"
	ChangeDisabled PolicyChangeType = "disabled"
	ChangeEnabled  PolicyChangeType = "enabled"
)

// PolicyChangeEvent is delivered to store watchers.
type PolicyChangeEvent struct {
	Type            PolicyChangeType `json:"type"`
	PolicyID        string           `json:"policyId"`
	PolicyName      string           `json:"policyName"`
	PolicyKind      PolicyKind       `json:"policyKind"`
	PreviousHash    string           `json:"previousHash,omitempty"`
	NewHash         string           `json:"newHash,omitempty"`
	Timestamp       time.Time        `json:"timestamp"`
}

// PolicyFilter narrows a store query.
type PolicyFilter struct {
	Kinds        []PolicyKind
	ResourceKind string
	NameGlob     string
	Labels       map[string]string
	Disabled     *bool
	SortBy       string // "name" | "createdAt" | "updatedAt"
	Descending   bool
	Offset       int
	Limit        int
}

// DerivedRolesPolicy is the named set of derived-role definitions a
// tenant loads; DerivedRole carries the per-role match rule.
type DerivedRolesPolicy struct {
	Name        string         `json:"name" yaml:"name"`
	Definitions []*DerivedRole `json:"definitions" yaml:"definitions"`
}
