// Package decision provides the append-only decision record log and
// per-principal statistics used by baseline computation (Guardian) and
// pattern discovery (Analyst).
package decision

import (
	"sort"
	"sync"
	"time"

	"github.com/authz-engine/go-core/internal/decision/sink"
	"github.com/authz-engine/go-core/pkg/types"
	"github.com/google/uuid"
)

// DefaultTopActions is the default top-K size for common-actions statistics.
const DefaultTopActions = 5

// Store is an append-only log of DecisionRecords with query and
// per-principal statistics support. It is also the authoritative home
// for Anomaly records; Guardian keeps only a hot per-principal cache.
type Store interface {
	Append(record *types.DecisionRecord) (*types.DecisionRecord, error)
	Query(q types.DecisionQuery) ([]*types.DecisionRecord, error)
	Statistics(principalID string, topK int) (*types.PrincipalStatistics, error)
	AppendAnomaly(a *types.Anomaly) (*types.Anomaly, error)
	Anomalies(principalID string) ([]*types.Anomaly, error)
}

// MemoryStore is an in-memory, append-only DecisionRecord log. Writes
// are serialized under a single mutex; queries read a snapshot slice
// taken under the same lock so readers never observe a torn append.
type MemoryStore struct {
	mu        sync.Mutex
	records   []*types.DecisionRecord
	byID      map[string]int
	anomalies []*types.Anomaly
	sink      sink.Writer
}

// NewMemoryStore creates an empty decision log. A nil sink disables
// outbound forwarding.
func NewMemoryStore(forward sink.Writer) *MemoryStore {
	return &MemoryStore{
		byID: make(map[string]int),
		sink: forward,
	}
}

// Append records a decision. Timestamp defaults to time.Now() if zero.
// ID defaults to a generated UUID if empty. Records for a given
// principal are appended in call order, which callers must already
// serialize per principal to satisfy the monotonic-ordering guarantee.
func (s *MemoryStore) Append(record *types.DecisionRecord) (*types.DecisionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now()
	}

	s.byID[record.ID] = len(s.records)
	s.records = append(s.records, record)

	if s.sink != nil {
		// Fire-and-forget: forwarding failures never fail the append.
		_ = s.sink.Write(record)
	}

	return record, nil
}

// Query returns records matching q, most-recent first, bounded by
// q.Limit (0 = unlimited).
func (s *MemoryStore) Query(q types.DecisionQuery) ([]*types.DecisionRecord, error) {
	s.mu.Lock()
	snapshot := make([]*types.DecisionRecord, len(s.records))
	copy(snapshot, s.records)
	s.mu.Unlock()

	matched := make([]*types.DecisionRecord, 0, len(snapshot))
	for _, r := range snapshot {
		if q.PrincipalID != "" && r.PrincipalID != q.PrincipalID {
			continue
		}
		if q.ResourceKind != "" && r.ResourceKind != q.ResourceKind {
			continue
		}
		if q.Since != nil && r.Timestamp.Before(*q.Since) {
			continue
		}
		if q.Until != nil && r.Timestamp.After(*q.Until) {
			continue
		}
		matched = append(matched, r)
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}

	return matched, nil
}

// AppendAnomaly records an anomaly. ID and DetectedAt default like
// Append's fields do.
func (s *MemoryStore) AppendAnomaly(a *types.Anomaly) (*types.Anomaly, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.DetectedAt.IsZero() {
		a.DetectedAt = time.Now()
	}
	s.anomalies = append(s.anomalies, a)
	return a, nil
}

// Anomalies returns recorded anomalies, most-recent first. An empty
// principalID returns anomalies for all principals.
func (s *MemoryStore) Anomalies(principalID string) ([]*types.Anomaly, error) {
	s.mu.Lock()
	snapshot := make([]*types.Anomaly, len(s.anomalies))
	copy(snapshot, s.anomalies)
	s.mu.Unlock()

	matched := make([]*types.Anomaly, 0, len(snapshot))
	for _, a := range snapshot {
		if principalID != "" && a.PrincipalID != principalID {
			continue
		}
		matched = append(matched, a)
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].DetectedAt.After(matched[j].DetectedAt)
	})

	return matched, nil
}

// Statistics computes the per-principal aggregate Guardian and Analyst
// read for baselining and pattern discovery. topK <= 0 uses
// DefaultTopActions.
func (s *MemoryStore) Statistics(principalID string, topK int) (*types.PrincipalStatistics, error) {
	if topK <= 0 {
		topK = DefaultTopActions
	}

	records, err := s.Query(types.DecisionQuery{PrincipalID: principalID})
	if err != nil {
		return nil, err
	}

	stats := &types.PrincipalStatistics{PrincipalID: principalID}
	if len(records) == 0 {
		return stats, nil
	}

	resources := make(map[string]bool)
	actionCounts := make(map[string]int)
	hourCounts := make(map[int]int)

	for _, r := range records {
		resources[r.ResourceKind+":"+r.ResourceID] = true
		for _, a := range r.Actions {
			actionCounts[a]++
		}
		hourCounts[r.Timestamp.Hour()]++
	}

	stats.TotalRequests = len(records)
	stats.UniqueResources = len(resources)
	stats.CommonActions = topActions(actionCounts, topK)
	stats.CommonHours = commonHours(hourCounts)

	return stats, nil
}

func topActions(counts map[string]int, topK int) []types.ActionCount {
	entries := make([]types.ActionCount, 0, len(counts))
	for action, count := range counts {
		entries = append(entries, types.ActionCount{Action: action, Count: count})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Count != entries[j].Count {
			return entries[i].Count > entries[j].Count
		}
		return entries[i].Action < entries[j].Action
	})
	if len(entries) > topK {
		entries = entries[:topK]
	}
	return entries
}

func commonHours(counts map[int]int) []int {
	hours := make([]int, 0, len(counts))
	for h := range counts {
		hours = append(hours, h)
	}
	sort.Ints(hours)
	return hours
}
