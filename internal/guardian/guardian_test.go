package guardian

import (
	"testing"
	"time"

	"github.com/authz-engine/go-core/internal/decision"
	"github.com/authz-engine/go-core/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuardian_NewPrincipalScoresAsNewPrincipal(t *testing.T) {
	store := decision.NewMemoryStore(nil)
	g := New(DefaultConfig(), store, nil)

	score, anomaly, err := g.AnalyzeRequest("user:alice", "document", "read", time.Now())
	require.NoError(t, err)
	assert.InDelta(t, 0.08, score, 0.2) // baseline(0.2)*0.4 weight, below threshold
	assert.Nil(t, anomaly)
}

func TestGuardian_VelocitySpikeTriggersAnomaly(t *testing.T) {
	store := decision.NewMemoryStore(nil)
	cfg := DefaultConfig()
	cfg.MaxRequestsPerMinute = 1
	cfg.VelocityWindow = time.Minute
	cfg.Threshold = 0.2
	g := New(cfg, store, nil)

	now := time.Now()
	for i := 0; i < 5; i++ {
		g.AnalyzeRequest("user:alice", "document", "read", now)
	}
	score, anomaly, err := g.AnalyzeRequest("user:alice", "document", "read", now)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, score, cfg.Threshold)
	require.NotNil(t, anomaly)
	assert.Equal(t, types.AnomalyVelocitySpike, anomaly.Type)
}

func TestGuardian_VelocityScoreZeroBelowHalfReferenceRate(t *testing.T) {
	store := decision.NewMemoryStore(nil)
	cfg := DefaultConfig()
	cfg.MaxRequestsPerMinute = 10
	cfg.VelocityWindow = 5 * time.Minute
	g := New(cfg, store, nil)

	// Reference rate is 50 for this window; 10 requests is well under
	// the 50% bucket boundary.
	s := g.stripeFor("user:alice")
	now := time.Now()
	var score float64
	s.mu.Lock()
	for i := 0; i < 10; i++ {
		score, _ = g.scoreVelocity(s, "user:alice", now)
	}
	s.mu.Unlock()
	assert.Equal(t, 0.0, score)
}

func TestGuardian_SuspiciousPatternContributesScore(t *testing.T) {
	store := decision.NewMemoryStore(nil)
	g := New(DefaultConfig(), store, nil)

	patternScore, factors := g.scorePatterns("admin_panel", "", "bulk_delete")
	assert.Greater(t, patternScore, 0.0)
	assert.NotEmpty(t, factors)
}

func TestGuardian_EscalationFlagsNewSensitiveKind(t *testing.T) {
	store := decision.NewMemoryStore(nil)
	_, err := store.Append(&types.DecisionRecord{PrincipalID: "user:alice", ResourceKind: "document", Timestamp: time.Now().Add(-time.Hour)})
	require.NoError(t, err)

	g := New(DefaultConfig(), store, nil)
	score, factors, err := g.scoreEscalation("user:alice", "admin_panel", time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0.5, score)
	require.Len(t, factors, 1)
	assert.Equal(t, "permission_escalation", factors[0].Name)
}

func TestGuardian_RecentAnomaliesRingBounded(t *testing.T) {
	store := decision.NewMemoryStore(nil)
	cfg := DefaultConfig()
	cfg.Threshold = 0.01
	cfg.AnomalyRingSize = 2
	g := New(cfg, store, nil)

	now := time.Now()
	for i := 0; i < 5; i++ {
		g.AnalyzeRequest("user:alice", "admin_export", "bulk_delete", now)
	}

	recent := g.RecentAnomalies("user:alice")
	assert.LessOrEqual(t, len(recent), 2)
}

func TestGuardian_AnomalyPersistedToDecisionStore(t *testing.T) {
	store := decision.NewMemoryStore(nil)
	cfg := DefaultConfig()
	cfg.Threshold = 0.01
	g := New(cfg, store, nil)

	_, anomaly, err := g.AnalyzeRequest("user:alice", "admin_export", "bulk_delete", time.Now())
	require.NoError(t, err)
	require.NotNil(t, anomaly)

	persisted, err := store.Anomalies("user:alice")
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, anomaly.ID, persisted[0].ID)
}

func TestClassifySeverity(t *testing.T) {
	assert.Equal(t, types.SeverityCritical, classifySeverity(nil, 0.95))
	assert.Equal(t, types.SeverityHigh, classifySeverity(nil, 0.75))
	assert.Equal(t, types.SeverityMedium, classifySeverity(nil, 0.55))
	assert.Equal(t, types.SeverityLow, classifySeverity(nil, 0.1))
}

func TestClassifyType_PriorityOrder(t *testing.T) {
	factors := []types.RiskFactor{
		{Name: "new_principal"},
		{Name: "permission_escalation"},
	}
	assert.Equal(t, types.AnomalyPermissionEscalation, classifyType(factors))
}
