package types

import "time"

// AgentRole identifies which stage of the pipeline a swarm agent plays.
type AgentRole string

const (
	RoleGuardian    AgentRole = "Guardian"
	RoleAnalyst     AgentRole = "Analyst"
	RoleAdvisor     AgentRole = "Advisor"
	RoleEnforcer    AgentRole = "Enforcer"
	RoleCoordinator AgentRole = "Coordinator"
)

// AgentStatus is a swarm worker's lifecycle stage.
type AgentStatus string

const (
	AgentIdle       AgentStatus = "idle"
	AgentBusy       AgentStatus = "busy"
	AgentCoolingDown AgentStatus = "cooling_down"
	AgentDraining   AgentStatus = "draining"
	AgentTerminated AgentStatus = "terminated"
)

// SwarmAgent is one worker in the pool maintained by the load balancer.
type SwarmAgent struct {
	ID              string      `json:"id"`
	Role            AgentRole   `json:"role"`
	Status          AgentStatus `json:"status"`
	Load            float64     `json:"load"`
	Capabilities    []string    `json:"capabilities"`
	PriorityWeight  float64     `json:"priorityWeight"`
	SupportedTasks  []string    `json:"supportedTaskTypes"`
	AssignedAt      time.Time   `json:"assignedAt,omitempty"`
}

// SupportsTask reports whether this agent's supported-task-types
// includes taskType.
func (a *SwarmAgent) SupportsTask(taskType string) bool {
	for _, t := range a.SupportedTasks {
		if t == taskType {
			return true
		}
	}
	return false
}

// ConsensusVote is a single Advisor replica's opinion on a proposal.
type ConsensusVote struct {
	Voter      string    `json:"voter"`
	Approve    bool      `json:"approve"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
	Reason     string    `json:"reason,omitempty"`
}

// ConsensusResult is the merged outcome of a quorum round.
type ConsensusResult struct {
	ProposalID    string  `json:"proposalId"`
	Reached       bool    `json:"reached"`
	Decision      bool    `json:"decision"`
	TotalVotes    int     `json:"totalVotes"`
	Approvals     int     `json:"approvals"`
	Rejections    int     `json:"rejections"`
	AvgConfidence float64 `json:"avgConfidence"`
	Participants  []string `json:"participants"`
	DurationMs    int64   `json:"durationMs"`
}

// StageDecision is one role's verdict within a swarm pipeline dispatch.
type StageDecision string

const (
	StageAllow         StageDecision = "allow"
	StageDeny          StageDecision = "deny"
	StageIndeterminate StageDecision = "indeterminate"
)

// StageResult is what a dispatched pool agent returns for its stage.
type StageResult struct {
	Role       AgentRole     `json:"role"`
	Decision   StageDecision `json:"decision"`
	Confidence float64       `json:"confidence"`
	Reason     string        `json:"reason,omitempty"`
}
