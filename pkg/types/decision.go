package types

import "time"

// DecisionRecord is the append-only record of a single evaluated check,
// retained for baseline computation and query.
type DecisionRecord struct {
	ID                string            `json:"id"`
	Timestamp         time.Time         `json:"timestamp"`
	PrincipalID       string            `json:"principalId"`
	ResourceKind      string            `json:"resourceKind"`
	ResourceID        string            `json:"resourceId"`
	Actions           []string          `json:"actions"`
	Results           map[string]Effect `json:"results"`
	MatchedRule       map[string]string `json:"matchedRule"`
	EffectiveDerived  []string          `json:"effectiveDerivedRoles,omitempty"`
	AnomalyScore      float64           `json:"anomalyScore,omitempty"`
}

// DecisionQuery narrows a query over the decision log.
type DecisionQuery struct {
	PrincipalID  string
	ResourceKind string
	Since        *time.Time
	Until        *time.Time
	Limit        int
}

// PrincipalStatistics is the per-principal aggregate Guardian/Analyst
// read for baselining and pattern discovery.
type PrincipalStatistics struct {
	PrincipalID    string         `json:"principalId"`
	TotalRequests  int            `json:"totalRequests"`
	UniqueResources int           `json:"uniqueResources"`
	CommonActions  []ActionCount  `json:"commonActions"`
	CommonHours    []int          `json:"commonHours"`
}

// ActionCount is one entry of a top-K common-actions list.
type ActionCount struct {
	Action string `json:"action"`
	Count  int    `json:"count"`
}
