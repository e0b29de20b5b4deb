// Package guardian implements the anomaly detector: four independent
// scoring channels (velocity, baseline deviation, suspicious patterns,
// permission escalation) combined into a weighted, clamped score.
package guardian

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/authz-engine/go-core/internal/decision"
	"github.com/authz-engine/go-core/internal/eventbus"
	"github.com/authz-engine/go-core/internal/metrics"
	"github.com/authz-engine/go-core/pkg/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AnomalyDetectedTopic is the eventbus topic Guardian publishes to
// whenever AnalyzeRequest produces an Anomaly.
const AnomalyDetectedTopic = "guardian.anomaly_detected"

// Config controls Guardian's scoring thresholds and background jobs.
type Config struct {
	Threshold            float64
	VelocityWindow        time.Duration
	MaxRequestsPerMinute  int
	BaselineMinSamples    int
	SuspiciousKeywords    []string
	SensitiveKindPrefixes []string
	AnomalyRingSize       int
	BaselinePurgeInterval time.Duration
	VelocityPurgeInterval time.Duration
}

// DefaultConfig returns Guardian's default configuration, matching the
// channel weights and buckets fixed by the anomaly-scoring contract.
func DefaultConfig() Config {
	return Config{
		Threshold:             0.7,
		VelocityWindow:        5 * time.Minute,
		MaxRequestsPerMinute:  60,
		BaselineMinSamples:    10,
		SuspiciousKeywords:    []string{"admin", "delete", "export", "bulk", "payout", "withdraw"},
		SensitiveKindPrefixes: []string{"admin", "payout", "user", "subscription", "payment"},
		AnomalyRingSize:       10,
		BaselinePurgeInterval: time.Hour,
		VelocityPurgeInterval: time.Minute,
	}
}

const (
	weightVelocity   = 0.3
	weightBaseline   = 0.4
	weightPatterns   = 0.2
	weightEscalation = 0.3
)

// Guardian scores requests for anomalous behavior. Shared state
// (baseline cache, velocity trackers, anomaly ring) is guarded by a
// striped lock keyed by principal id.
type Guardian struct {
	cfg     Config
	store   *decision.MemoryStore
	logger  *zap.Logger
	metrics metrics.Metrics
	bus     *eventbus.Bus

	stripes [numStripes]*stripe

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// SetMetrics installs a metrics sink; pass nil to restore the no-op
// default.
func (g *Guardian) SetMetrics(m metrics.Metrics) {
	if m == nil {
		m = metrics.NewNoOpMetrics()
	}
	g.metrics = m
}

// SetBus installs the event bus Guardian publishes detected anomalies
// to. Without one, AnalyzeRequest still scores and records anomalies;
// it just has nowhere to announce them.
func (g *Guardian) SetBus(b *eventbus.Bus) {
	g.bus = b
}

const numStripes = 32

type stripe struct {
	mu         sync.Mutex
	baselines  map[string]*types.Baseline
	velocities map[string]*velocityTracker
	rings      map[string]*anomalyRing
}

type velocityTracker struct {
	timestamps []time.Time
}

// anomalyRing is a fixed-size ring buffer of a principal's most recent
// anomalies, newest last.
type anomalyRing struct {
	items []*types.Anomaly
	cap   int
}

func (r *anomalyRing) push(a *types.Anomaly) {
	r.items = append(r.items, a)
	if len(r.items) > r.cap {
		r.items = r.items[len(r.items)-r.cap:]
	}
}

// New creates a Guardian backed by store for baseline/escalation reads
// and anomaly persistence.
func New(cfg Config, store *decision.MemoryStore, logger *zap.Logger) *Guardian {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Guardian{cfg: cfg, store: store, logger: logger, metrics: metrics.NewNoOpMetrics(), stopCh: make(chan struct{})}
	for i := range g.stripes {
		g.stripes[i] = &stripe{
			baselines:  make(map[string]*types.Baseline),
			velocities: make(map[string]*velocityTracker),
			rings:      make(map[string]*anomalyRing),
		}
	}
	return g
}

func (g *Guardian) stripeFor(principalID string) *stripe {
	h := fnv32(principalID)
	return g.stripes[h%numStripes]
}

func fnv32(s string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}

// AnalyzeRequest scores a single request across all four channels and,
// if the clamped score reaches the configured threshold, records and
// returns an Anomaly.
func (g *Guardian) AnalyzeRequest(principalID, resourceKind, action string, now time.Time) (score float64, anomaly *types.Anomaly, err error) {
	s := g.stripeFor(principalID)

	velocityStart := time.Now()
	s.mu.Lock()
	velocityScore, velocitySeverity := g.scoreVelocity(s, principalID, now)
	s.mu.Unlock()
	g.metrics.RecordGuardianOp("velocity_check", time.Since(velocityStart))

	baselineStart := time.Now()
	baselineScore, baselineFactors := g.scoreBaseline(s, principalID, resourceKind, action, now)
	g.metrics.RecordGuardianOp("baseline_update", time.Since(baselineStart))

	patternScore, patternFactors := g.scorePatterns(resourceKind, "", action)
	escalationScore, escalationFactors, escErr := g.scoreEscalation(principalID, resourceKind, now)
	if escErr != nil {
		g.logger.Warn("escalation channel failed, treating as zero", zap.Error(escErr))
		g.metrics.RecordGuardianError("escalation_query_failed")
	}

	total := velocityScore*weightVelocity + baselineScore*weightBaseline + patternScore*weightPatterns + escalationScore*weightEscalation
	clamped := clamp01(total)

	if clamped < g.cfg.Threshold {
		return clamped, nil, nil
	}

	var factors []types.RiskFactor
	if velocityScore > 0 {
		factors = append(factors, types.RiskFactor{Name: "velocity", Score: velocityScore, Severity: velocitySeverity})
	}
	factors = append(factors, baselineFactors...)
	factors = append(factors, patternFactors...)
	factors = append(factors, escalationFactors...)

	anomalyType := classifyType(factors)
	severity := classifySeverity(factors, clamped)

	a := &types.Anomaly{
		ID:          uuid.NewString(),
		DetectedAt:  now,
		Type:        anomalyType,
		Severity:    severity,
		PrincipalID: principalID,
		Score:       clamped,
		Factors:     factors,
		Observed:    types.ObservedSnapshot{ResourceKind: resourceKind, Action: action, Hour: now.Hour()},
		Status:      types.AnomalyOpen,
	}

	s.mu.Lock()
	ring, ok := s.rings[principalID]
	if !ok {
		ring = &anomalyRing{cap: g.cfg.AnomalyRingSize}
		s.rings[principalID] = ring
	}
	ring.push(a)
	s.mu.Unlock()

	if g.store != nil {
		// The store holds the authoritative copy; the ring is a hot
		// cache bounded to the most recent entries.
		_, _ = g.store.AppendAnomaly(a)
	}

	if g.bus != nil {
		g.bus.Publish(AnomalyDetectedTopic, a)
	}

	return clamped, a, nil
}

// RecentAnomalies returns the in-memory ring of a principal's most
// recent anomalies, newest last.
func (g *Guardian) RecentAnomalies(principalID string) []*types.Anomaly {
	s := g.stripeFor(principalID)
	s.mu.Lock()
	defer s.mu.Unlock()
	ring, ok := s.rings[principalID]
	if !ok {
		return nil
	}
	out := make([]*types.Anomaly, len(ring.items))
	copy(out, ring.items)
	return out
}

// scoreVelocity updates the sliding-window request tracker and buckets
// the observed rate against the reference rate. Caller holds s.mu.
func (g *Guardian) scoreVelocity(s *stripe, principalID string, now time.Time) (float64, types.Severity) {
	tracker, ok := s.velocities[principalID]
	if !ok {
		tracker = &velocityTracker{}
		s.velocities[principalID] = tracker
	}

	tracker.timestamps = append(tracker.timestamps, now)
	cutoff := now.Add(-g.cfg.VelocityWindow)
	pruned := tracker.timestamps[:0]
	for _, ts := range tracker.timestamps {
		if ts.After(cutoff) {
			pruned = append(pruned, ts)
		}
	}
	tracker.timestamps = pruned

	windowMinutes := g.cfg.VelocityWindow.Minutes()
	referenceRate := float64(g.cfg.MaxRequestsPerMinute) * windowMinutes
	if referenceRate <= 0 {
		return 0, ""
	}

	ratio := float64(len(tracker.timestamps)) / referenceRate

	switch {
	case ratio < 0.5:
		return 0, ""
	case ratio < 0.7:
		return 0.2, types.SeverityLow
	case ratio < 1.0:
		return 0.5, types.SeverityMedium
	case ratio < 1.5:
		return 0.8, types.SeverityHigh
	default:
		return 1.0, types.SeverityCritical
	}
}

// scoreBaseline compares the request against the principal's baseline,
// computing it lazily (and caching it) from decision history if absent;
// a cached baseline is only recomputed after purgeBaselines drops it.
// Caller must not hold s.mu (baseline computation reads the
// decision store, which may itself lock internally).
func (g *Guardian) scoreBaseline(s *stripe, principalID, resourceKind, action string, now time.Time) (float64, []types.RiskFactor) {
	s.mu.Lock()
	baseline, ok := s.baselines[principalID]
	s.mu.Unlock()

	if !ok {
		baseline = g.computeBaseline(principalID, now)
		s.mu.Lock()
		s.baselines[principalID] = baseline
		s.mu.Unlock()
	}

	if baseline == nil || baseline.SampleSize < g.cfg.BaselineMinSamples {
		return 0.2, []types.RiskFactor{{Name: "new_principal", Score: 0.2, Severity: types.SeverityLow}}
	}

	var score float64
	var factors []types.RiskFactor

	if !baseline.HasAction(action) {
		score += 0.3
		factors = append(factors, types.RiskFactor{Name: "unusual_action", Score: 0.3, Severity: types.SeverityMedium})
	}

	hour := now.Hour()
	if hour < 6 || hour > 22 {
		score += 0.15
		factors = append(factors, types.RiskFactor{Name: "unusual_time", Score: 0.15, Severity: types.SeverityLow})
	}

	_ = resourceKind
	return score, factors
}

func (g *Guardian) computeBaseline(principalID string, now time.Time) *types.Baseline {
	if g.store == nil {
		return nil
	}

	stats, err := g.store.Statistics(principalID, 0)
	if err != nil {
		g.logger.Warn("baseline computation failed", zap.String("principal", principalID), zap.Error(err))
		return nil
	}

	actions := make([]string, 0, len(stats.CommonActions))
	for _, ac := range stats.CommonActions {
		actions = append(actions, ac.Action)
	}

	return &types.Baseline{
		PrincipalID:         principalID,
		SampleSize:          stats.TotalRequests,
		CommonActions:       actions,
		CommonHours:         stats.CommonHours,
		UniqueResourceCount: stats.UniqueResources,
		ComputedAt:          now,
	}
}

// scorePatterns checks resource kind/id/action for configured
// suspicious substrings and bulk-operation markers.
func (g *Guardian) scorePatterns(resourceKind, resourceID, action string) (float64, []types.RiskFactor) {
	var score float64
	var factors []types.RiskFactor

	haystack := strings.ToLower(resourceKind + " " + resourceID + " " + action)
	var hits int
	for _, kw := range g.cfg.SuspiciousKeywords {
		if strings.Contains(haystack, strings.ToLower(kw)) {
			hits++
		}
	}
	if hits > 0 {
		score = 0.25 * float64(hits)
		if score > 1.0 {
			score = 1.0
		}
		factors = append(factors, types.RiskFactor{Name: "suspicious_pattern", Score: score, Severity: types.SeverityMedium})
	}

	actionLower := strings.ToLower(action)
	if strings.Contains(actionLower, "bulk") || strings.Contains(actionLower, "batch") || strings.Contains(actionLower, "all") {
		score += 0.3
		factors = append(factors, types.RiskFactor{Name: "bulk_operation", Score: 0.3, Severity: types.SeverityMedium})
	}

	return score, factors
}

// scoreEscalation checks whether the requested resource kind is both
// new to the principal's last-24h history and matches a sensitive
// prefix.
func (g *Guardian) scoreEscalation(principalID, resourceKind string, now time.Time) (float64, []types.RiskFactor, error) {
	if g.store == nil {
		return 0, nil, nil
	}

	since := now.Add(-24 * time.Hour)
	records, err := g.store.Query(types.DecisionQuery{PrincipalID: principalID, Since: &since, Limit: 50})
	if err != nil {
		return 0, nil, err
	}

	seenKinds := make(map[string]bool, len(records))
	for _, r := range records {
		seenKinds[r.ResourceKind] = true
	}

	if seenKinds[resourceKind] {
		return 0, nil, nil
	}

	for _, prefix := range g.cfg.SensitiveKindPrefixes {
		if strings.HasPrefix(resourceKind, prefix) {
			return 0.5, []types.RiskFactor{{Name: "permission_escalation", Score: 0.5, Severity: types.SeverityHigh}}, nil
		}
	}

	return 0, nil, nil
}

// classifyType picks the primary anomaly type by fixed priority:
// velocity > escalation > pattern (suspicious) > time > bulk > new
// principal, defaulting to pattern_deviation.
func classifyType(factors []types.RiskFactor) types.AnomalyType {
	priority := []struct {
		name string
		t    types.AnomalyType
	}{
		{"velocity", types.AnomalyVelocitySpike},
		{"permission_escalation", types.AnomalyPermissionEscalation},
		{"suspicious_pattern", types.AnomalyUnusualResourceAccess},
		{"unusual_time", types.AnomalyUnusualAccessTime},
		{"bulk_operation", types.AnomalyBulkOperation},
		{"new_principal", types.AnomalyNewResourceType},
	}

	byName := make(map[string]bool, len(factors))
	for _, f := range factors {
		byName[f.Name] = true
	}

	for _, p := range priority {
		if byName[p.name] {
			return p.t
		}
	}
	return types.AnomalyPatternDeviation
}

// classifySeverity is critical if any factor is critical or score>=0.9,
// high if any factor is high or score>=0.7, medium if score>=0.5, else low.
func classifySeverity(factors []types.RiskFactor, score float64) types.Severity {
	hasCritical, hasHigh := false, false
	for _, f := range factors {
		if f.Severity == types.SeverityCritical {
			hasCritical = true
		}
		if f.Severity == types.SeverityHigh {
			hasHigh = true
		}
	}

	switch {
	case hasCritical || score >= 0.9:
		return types.SeverityCritical
	case hasHigh || score >= 0.7:
		return types.SeverityHigh
	case score >= 0.5:
		return types.SeverityMedium
	default:
		return types.SeverityLow
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// StartBackgroundJobs launches the hourly baseline purge and per-minute
// velocity purge as cancellable scheduled tasks.
func (g *Guardian) StartBackgroundJobs(ctx context.Context) {
	g.wg.Add(2)
	go g.runPeriodic(ctx, g.cfg.BaselinePurgeInterval, g.purgeBaselines)
	go g.runPeriodic(ctx, g.cfg.VelocityPurgeInterval, g.purgeVelocities)
}

// Stop cancels background jobs and waits for them to exit.
func (g *Guardian) Stop() {
	close(g.stopCh)
	g.wg.Wait()
}

func (g *Guardian) runPeriodic(ctx context.Context, interval time.Duration, fn func(time.Time)) {
	defer g.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-g.stopCh:
			return
		case now := <-ticker.C:
			fn(now)
		}
	}
}

// purgeBaselines drops every cached baseline, forcing recomputation on
// next use.
func (g *Guardian) purgeBaselines(time.Time) {
	var total int
	for _, s := range g.stripes {
		s.mu.Lock()
		total += len(s.baselines)
		s.baselines = make(map[string]*types.Baseline)
		s.mu.Unlock()
	}
	g.metrics.UpdateGuardianStoreSize(total)
}

// purgeVelocities removes tracker entries older than the velocity
// window and drops empty trackers.
func (g *Guardian) purgeVelocities(now time.Time) {
	cutoff := now.Add(-g.cfg.VelocityWindow)
	for _, s := range g.stripes {
		s.mu.Lock()
		for principalID, tracker := range s.velocities {
			pruned := tracker.timestamps[:0]
			for _, ts := range tracker.timestamps {
				if ts.After(cutoff) {
					pruned = append(pruned, ts)
				}
			}
			tracker.timestamps = pruned
			if len(tracker.timestamps) == 0 {
				delete(s.velocities, principalID)
			}
		}
		s.mu.Unlock()
	}
}
