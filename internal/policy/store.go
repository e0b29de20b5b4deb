// Package policy implements the content-addressed, multi-tenant,
// watchable policy store and the policy model validator.
package policy

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/authz-engine/go-core/internal/apperr"
	"github.com/authz-engine/go-core/internal/eventbus"
	"github.com/authz-engine/go-core/pkg/types"
	"github.com/google/uuid"
)

// ChangeEventTopic is the eventbus topic the store publishes
// PolicyChangeEvent values to, in addition to delivering them to
// in-process Watch callbacks.
const ChangeEventTopic = "policy.changed"

// WatchCallback receives store change events. It MUST NOT block the
// store; the store delivers to each watcher's own goroutine.
type WatchCallback func(types.PolicyChangeEvent)

// Store is the policy store's full contract.
type Store interface {
	Put(policy *types.StoredPolicy) (*types.StoredPolicy, error)
	Get(id string) (*types.StoredPolicy, error)
	GetByName(kind types.PolicyKind, name string) (*types.StoredPolicy, error)
	Query(filter types.PolicyFilter) ([]*types.StoredPolicy, error)
	Delete(id string) error
	Disable(id string) error
	Enable(id string) error
	GetPoliciesForResource(kind string) []*types.StoredPolicy
	GetDerivedRoles() []*types.DerivedRolesPolicy
	GetPrincipalPolicy(principalID string) (*types.StoredPolicy, error)
	BulkPut(policies []*types.StoredPolicy) ([]*types.StoredPolicy, []error)
	Watch(cb WatchCallback) (unwatch func())
}

// MemoryStore is an in-memory, tenant-scoped implementation of Store.
// Tenant isolation is enforced by constructing one MemoryStore per
// tenant; the core never crosses tenants because callers never hold a
// reference to more than their own tenant's store.
type MemoryStore struct {
	mu       sync.RWMutex
	byID     map[string]*types.StoredPolicy
	byKind   map[types.PolicyKind]map[string]bool // kind -> set of ids
	byResKind map[string]map[string]bool          // resourceKind -> set of ids (ResourcePolicy only)
	byPrincipal map[string]string                  // principalId -> id (PrincipalPolicy only)

	watchMu       sync.RWMutex
	watchers      map[int]*watcher
	nextWatcherID int

	validator *Validator
	bus       *eventbus.Bus
}

// SetBus installs the event bus the store publishes PolicyChangeEvents
// to, alongside its existing Watch callbacks; pass nil to stop
// publishing.
func (s *MemoryStore) SetBus(b *eventbus.Bus) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	s.bus = b
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:        make(map[string]*types.StoredPolicy),
		byKind:      make(map[types.PolicyKind]map[string]bool),
		byResKind:   make(map[string]map[string]bool),
		byPrincipal: make(map[string]string),
		watchers:    make(map[int]*watcher),
		validator:   NewValidator(),
	}
}

// watchQueueSize bounds each watcher's delivery queue; a full queue
// evicts its oldest event rather than block the store.
const watchQueueSize = 256

// watcher is one Watch registration: a bounded queue drained by a
// single goroutine, so events reach the callback in emit order.
type watcher struct {
	queue chan types.PolicyChangeEvent
	done  chan struct{}
}

// enqueue never blocks the store. A full queue drops its oldest event
// first; the events that remain are still delivered in order.
func (w *watcher) enqueue(event types.PolicyChangeEvent) {
	select {
	case w.queue <- event:
		return
	default:
	}
	select {
	case <-w.queue:
	default:
	}
	select {
	case w.queue <- event:
	default:
	}
}

// Put upserts a policy by (kind, name): recomputes the content hash,
// preserves createdAt across updates, and emits a change event.
//
// Validation runs before any store mutation: a rejected policy (bad
// structure, or a cyclic derived-role graph) leaves the store exactly
// as it was.
func (s *MemoryStore) Put(p *types.StoredPolicy) (*types.StoredPolicy, error) {
	if p == nil || p.Name == "" {
		return nil, apperr.InvalidInput("policy name is required")
	}
	if p.Kind == types.KindDerivedRoles {
		if p.DerivedRoles == nil {
			return nil, apperr.InvalidInput("derivedRoles is required for a DerivedRoles policy")
		}
		if err := s.validator.ValidateDerivedRolesPolicy(p.DerivedRoles); err != nil {
			return nil, apperr.InvalidInput(fmt.Sprintf("derivedRoles %q: %v", p.Name, err))
		}
	} else if p.Policy == nil {
		return nil, apperr.InvalidInput("policy is required")
	} else if err := s.validator.ValidatePolicy(p.Policy); err != nil {
		return nil, apperr.InvalidInput(fmt.Sprintf("policy %q: %v", p.Name, err))
	}

	p.ContentHash = contentHash(p)

	s.mu.Lock()
	id := p.ID()
	existing, existed := s.byID[id]

	now := time.Now()
	if existed {
		p.CreatedAt = existing.CreatedAt
	} else {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	var prevHash string
	if existed {
		prevHash = existing.ContentHash
	}

	s.byID[id] = p
	s.indexAdd(p)
	s.mu.Unlock()

	changeType := types.ChangeCreated
	if existed {
		changeType = types.ChangeUpdated
	}
	s.emit(types.PolicyChangeEvent{
		Type:         changeType,
		PolicyID:     id,
		PolicyName:   p.Name,
		PolicyKind:   p.Kind,
		PreviousHash: prevHash,
		NewHash:      p.ContentHash,
		Timestamp:    now,
	})

	return p, nil
}

// contentHash covers the policy body only, not store bookkeeping
// (labels, timestamps, disabled flag), so two identical documents hash
// identically and any single change to the body changes the hash.
// json.Marshal is deterministic here: struct fields serialize in
// declaration order and map keys are sorted.
func contentHash(p *types.StoredPolicy) string {
	body := struct {
		Kind         types.PolicyKind          `json:"kind"`
		Name         string                    `json:"name"`
		Version      string                    `json:"version,omitempty"`
		Policy       *types.Policy             `json:"policy,omitempty"`
		DerivedRoles *types.DerivedRolesPolicy `json:"derivedRoles,omitempty"`
	}{p.Kind, p.Name, p.Version, p.Policy, p.DerivedRoles}
	raw, err := json.Marshal(body)
	if err != nil {
		return ""
	}
	return types.ComputeContentHash(raw)
}

// indexAdd must be called with s.mu held.
func (s *MemoryStore) indexAdd(p *types.StoredPolicy) {
	if s.byKind[p.Kind] == nil {
		s.byKind[p.Kind] = make(map[string]bool)
	}
	s.byKind[p.Kind][p.ID()] = true

	if p.Kind == types.KindResourcePolicy && p.Policy != nil && p.Policy.ResourceKind != "" {
		if s.byResKind[p.Policy.ResourceKind] == nil {
			s.byResKind[p.Policy.ResourceKind] = make(map[string]bool)
		}
		s.byResKind[p.Policy.ResourceKind][p.ID()] = true
	}

	if p.Kind == types.KindPrincipal && p.Policy != nil && p.Policy.Principal != nil && p.Policy.Principal.ID != "" {
		s.byPrincipal[p.Policy.Principal.ID] = p.ID()
	}
}

// indexRemove must be called with s.mu held.
func (s *MemoryStore) indexRemove(p *types.StoredPolicy) {
	delete(s.byKind[p.Kind], p.ID())
	if p.Kind == types.KindResourcePolicy && p.Policy != nil && p.Policy.ResourceKind != "" {
		delete(s.byResKind[p.Policy.ResourceKind], p.ID())
	}
	if p.Kind == types.KindPrincipal && p.Policy != nil && p.Policy.Principal != nil {
		if s.byPrincipal[p.Policy.Principal.ID] == p.ID() {
			delete(s.byPrincipal, p.Policy.Principal.ID)
		}
	}
}

// Get retrieves a policy by its store id ("<kind>:<name>").
func (s *MemoryStore) Get(id string) (*types.StoredPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byID[id]
	if !ok {
		return nil, apperr.NotFound("policy not found: " + id)
	}
	return p, nil
}

// GetByName is a convenience wrapper over Get for (kind, name) lookups.
func (s *MemoryStore) GetByName(kind types.PolicyKind, name string) (*types.StoredPolicy, error) {
	return s.Get(string(kind) + ":" + name)
}

// Query filters and paginates the store's contents. Sorting defaults
// to ascending name when SortBy is unset.
func (s *MemoryStore) Query(filter types.PolicyFilter) ([]*types.StoredPolicy, error) {
	s.mu.RLock()
	all := make([]*types.StoredPolicy, 0, len(s.byID))
	for _, p := range s.byID {
		all = append(all, p)
	}
	s.mu.RUnlock()

	var result []*types.StoredPolicy
	for _, p := range all {
		if !matchesFilter(p, filter) {
			continue
		}
		result = append(result, p)
	}

	sortBy := filter.SortBy
	if sortBy == "" {
		sortBy = "name"
	}
	sort.Slice(result, func(i, j int) bool {
		var less bool
		switch sortBy {
		case "createdAt":
			less = result[i].CreatedAt.Before(result[j].CreatedAt)
		case "updatedAt":
			less = result[i].UpdatedAt.Before(result[j].UpdatedAt)
		default:
			less = result[i].Name < result[j].Name
		}
		if filter.Descending {
			return !less
		}
		return less
	})

	offset := filter.Offset
	if offset > len(result) {
		offset = len(result)
	}
	result = result[offset:]
	if filter.Limit > 0 && filter.Limit < len(result) {
		result = result[:filter.Limit]
	}

	return result, nil
}

func matchesFilter(p *types.StoredPolicy, filter types.PolicyFilter) bool {
	if len(filter.Kinds) > 0 {
		found := false
		for _, k := range filter.Kinds {
			if p.Kind == k {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filter.ResourceKind != "" && (p.Kind != types.KindResourcePolicy || p.Policy == nil || p.Policy.ResourceKind != filter.ResourceKind) {
		return false
	}
	if filter.NameGlob != "" {
		if ok, _ := filepath.Match(filter.NameGlob, p.Name); !ok {
			return false
		}
	}
	for k, v := range filter.Labels {
		if p.Labels[k] != v {
			return false
		}
	}
	if filter.Disabled != nil && p.Disabled != *filter.Disabled {
		return false
	}
	return true
}

// Delete removes a policy and emits a deleted event.
func (s *MemoryStore) Delete(id string) error {
	s.mu.Lock()
	p, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return apperr.NotFound("policy not found: " + id)
	}
	delete(s.byID, id)
	s.indexRemove(p)
	s.mu.Unlock()

	s.emit(types.PolicyChangeEvent{
		Type:       types.ChangeDeleted,
		PolicyID:   id,
		PolicyName: p.Name,
		PolicyKind: p.Kind,
		Timestamp:  time.Now(),
	})
	return nil
}

// Disable marks a policy disabled; disabled policies never contribute
// to decisions or emit derived roles (invariant 2). Idempotent: a
// second call on an already-disabled policy emits no event.
func (s *MemoryStore) Disable(id string) error {
	return s.setDisabled(id, true, types.ChangeDisabled)
}

// Enable re-activates a disabled policy. Idempotent.
func (s *MemoryStore) Enable(id string) error {
	return s.setDisabled(id, false, types.ChangeEnabled)
}

func (s *MemoryStore) setDisabled(id string, disabled bool, eventType types.PolicyChangeType) error {
	s.mu.Lock()
	p, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return apperr.NotFound("policy not found: " + id)
	}
	if p.Disabled == disabled {
		s.mu.Unlock()
		return nil // no-op idempotence
	}
	p.Disabled = disabled
	p.UpdatedAt = time.Now()
	s.mu.Unlock()

	s.emit(types.PolicyChangeEvent{
		Type:       eventType,
		PolicyID:   id,
		PolicyName: p.Name,
		PolicyKind: p.Kind,
		Timestamp:  p.UpdatedAt,
	})
	return nil
}

// GetPoliciesForResource is an index-backed fast path over enabled
// ResourcePolicy entries for kind.
func (s *MemoryStore) GetPoliciesForResource(kind string) []*types.StoredPolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byResKind[kind]
	result := make([]*types.StoredPolicy, 0, len(ids))
	for id := range ids {
		if p := s.byID[id]; p != nil && !p.Disabled {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// GetDerivedRoles returns every enabled DerivedRolesPolicy in the store.
func (s *MemoryStore) GetDerivedRoles() []*types.DerivedRolesPolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byKind[types.KindDerivedRoles]
	result := make([]*types.DerivedRolesPolicy, 0, len(ids))
	for id := range ids {
		p := s.byID[id]
		if p == nil || p.Disabled || p.DerivedRoles == nil {
			continue
		}
		result = append(result, p.DerivedRoles)
	}
	return result
}

// GetPrincipalPolicy is an index-backed fast path for a principal's override.
func (s *MemoryStore) GetPrincipalPolicy(principalID string) (*types.StoredPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byPrincipal[principalID]
	if !ok {
		return nil, apperr.NotFound("no principal policy for " + principalID)
	}
	p := s.byID[id]
	if p.Disabled {
		return nil, apperr.NotFound("principal policy disabled for " + principalID)
	}
	return p, nil
}

// BulkPut upserts many policies. MemoryStore is not transactional
// across items, so it runs per-item best-effort and reports each
// failure alongside a nil success slot at that index.
func (s *MemoryStore) BulkPut(policies []*types.StoredPolicy) ([]*types.StoredPolicy, []error) {
	results := make([]*types.StoredPolicy, len(policies))
	errs := make([]error, len(policies))
	for i, p := range policies {
		stored, err := s.Put(p)
		results[i] = stored
		errs[i] = err
	}
	return results, errs
}

// Watch registers an in-process listener. Each watcher owns a bounded
// queue drained by a single goroutine, so a slow callback never blocks
// Put/Delete and events arrive in per-watcher emit order.
func (s *MemoryStore) Watch(cb WatchCallback) func() {
	w := &watcher{
		queue: make(chan types.PolicyChangeEvent, watchQueueSize),
		done:  make(chan struct{}),
	}

	s.watchMu.Lock()
	id := s.nextWatcherID
	s.nextWatcherID++
	s.watchers[id] = w
	s.watchMu.Unlock()

	go func() {
		for {
			select {
			case <-w.done:
				return
			case event := <-w.queue:
				cb(event)
			}
		}
	}()

	return func() {
		s.watchMu.Lock()
		if _, ok := s.watchers[id]; ok {
			delete(s.watchers, id)
			close(w.done)
		}
		s.watchMu.Unlock()
	}
}

func (s *MemoryStore) emit(event types.PolicyChangeEvent) {
	s.watchMu.RLock()
	ws := make([]*watcher, 0, len(s.watchers))
	for _, w := range s.watchers {
		ws = append(ws, w)
	}
	bus := s.bus
	s.watchMu.RUnlock()

	for _, w := range ws {
		w.enqueue(event)
	}
	if bus != nil {
		bus.Publish(ChangeEventTopic, event)
	}
}

// NewPolicyID generates a store-facing random suffix for callers that
// need a unique name (e.g. anonymous imports); most callers should
// supply a stable name instead.
func NewPolicyID() string {
	return uuid.NewString()
}

// ValidateName checks the identifier shape required of policy and
// rule names: starts with a letter/underscore, then alphanumerics,
// hyphens, or underscores.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("name is required")
	}
	if !isIdentifierStart(rune(name[0])) {
		return fmt.Errorf("invalid name %q: must start with a letter or underscore", name)
	}
	for _, r := range name {
		if !isIdentifierStart(r) && !isDigit(r) && r != '-' {
			return fmt.Errorf("invalid name %q: must be alphanumeric with hyphens/underscores", name)
		}
	}
	return nil
}

func isIdentifierStart(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r == '_'
}

func isDigit(r rune) bool {
	return r >= '0' && r <= '9'
}
