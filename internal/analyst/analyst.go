// Package analyst implements advisory pattern discovery over decision
// history. It never mutates policies.
package analyst

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/authz-engine/go-core/internal/decision"
	"github.com/authz-engine/go-core/pkg/types"
	"github.com/google/uuid"
)

// Config controls pattern-mining thresholds.
type Config struct {
	MinSampleSize       int
	MinConfidence       float64
}

// DefaultConfig returns the default mining thresholds.
func DefaultConfig() Config {
	return Config{
		MinSampleSize: 10,
		MinConfidence: 0.6,
	}
}

// Analyst mines frequency-based patterns from decision history. It
// owns an in-memory patterns table guarded by a single mutex.
type Analyst struct {
	cfg   Config
	store *decision.MemoryStore

	mu       sync.Mutex
	patterns map[string]*types.LearnedPattern
}

// New creates an Analyst reading through store.
func New(cfg Config, store *decision.MemoryStore) *Analyst {
	return &Analyst{
		cfg:      cfg,
		store:    store,
		patterns: make(map[string]*types.LearnedPattern),
	}
}

type tupleKey struct {
	principalID  string
	resourceKind string
	action       string
}

// DiscoverPatterns scans all decision records, tallies
// (principal, resource-kind, action) tuple frequency, and records a
// LearnedPattern for every tuple meeting the minimum sample size and
// confidence. Confidence is the tuple's share of that principal's
// total request count.
func (a *Analyst) DiscoverPatterns(now time.Time) ([]*types.LearnedPattern, error) {
	records, err := a.store.Query(types.DecisionQuery{})
	if err != nil {
		return nil, err
	}

	tupleCounts := make(map[tupleKey]int)
	principalTotals := make(map[string]int)

	for _, r := range records {
		principalTotals[r.PrincipalID]++
		for _, action := range r.Actions {
			tupleCounts[tupleKey{r.PrincipalID, r.ResourceKind, action}]++
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var discovered []*types.LearnedPattern
	for tuple, count := range tupleCounts {
		if count < a.cfg.MinSampleSize {
			continue
		}
		total := principalTotals[tuple.principalID]
		if total == 0 {
			continue
		}
		confidence := float64(count) / float64(total)
		if confidence < a.cfg.MinConfidence {
			continue
		}

		key := patternKey(tuple)
		existing, ok := a.patterns[key]
		if ok {
			existing.SampleSize = count
			existing.Confidence = confidence
			existing.LastUpdated = now
			discovered = append(discovered, existing)
			continue
		}

		p := &types.LearnedPattern{
			ID:           uuid.NewString(),
			Type:         "frequent_access",
			Description:  fmt.Sprintf("%s frequently performs %q on %q", tuple.principalID, tuple.action, tuple.resourceKind),
			Confidence:   confidence,
			SampleSize:   count,
			DiscoveredAt: now,
			LastUpdated:  now,
			IsApproved:   false,
		}
		a.patterns[key] = p
		discovered = append(discovered, p)
	}

	sort.Slice(discovered, func(i, j int) bool { return discovered[i].ID < discovered[j].ID })
	return discovered, nil
}

// GetPatterns returns every pattern discovered so far.
func (a *Analyst) GetPatterns() []*types.LearnedPattern {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]*types.LearnedPattern, 0, len(a.patterns))
	for _, p := range a.patterns {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func patternKey(t tupleKey) string {
	return t.principalID + "\x00" + t.resourceKind + "\x00" + t.action
}
