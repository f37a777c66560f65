// Package models defines the domain types shared across the orchestration
// core: agents, grants, evaluations, messages, and workflow state.
package models

import "time"

// AgentType identifies the role of an agent in the review pipeline.
type AgentType string

// Agent type constants. The five evaluator types cast votes; intake,
// coordinator, and executor drive the workflow around them.
const (
	AgentTypeIntake       AgentType = "intake"
	AgentTypeTechnical    AgentType = "technical"
	AgentTypeImpact       AgentType = "impact"
	AgentTypeDueDiligence AgentType = "due_diligence"
	AgentTypeBudget       AgentType = "budget"
	AgentTypeCommunity    AgentType = "community"
	AgentTypeCoordinator  AgentType = "coordinator"
	AgentTypeExecutor     AgentType = "executor"
)

// AllAgentTypes returns every agent type in registration order.
func AllAgentTypes() []AgentType {
	return []AgentType{
		AgentTypeIntake,
		AgentTypeTechnical,
		AgentTypeImpact,
		AgentTypeDueDiligence,
		AgentTypeBudget,
		AgentTypeCommunity,
		AgentTypeCoordinator,
		AgentTypeExecutor,
	}
}

// EvaluatorTypes returns the agent types whose votes decide a grant.
func EvaluatorTypes() []AgentType {
	return []AgentType{
		AgentTypeTechnical,
		AgentTypeImpact,
		AgentTypeDueDiligence,
		AgentTypeBudget,
		AgentTypeCommunity,
	}
}

// IsValid checks if the agent type is one of the known roles.
func (t AgentType) IsValid() bool {
	switch t {
	case AgentTypeIntake, AgentTypeTechnical, AgentTypeImpact,
		AgentTypeDueDiligence, AgentTypeBudget, AgentTypeCommunity,
		AgentTypeCoordinator, AgentTypeExecutor:
		return true
	default:
		return false
	}
}

// String returns the string representation of the agent type.
func (t AgentType) String() string {
	return string(t)
}

// AgentStatus represents the liveness state of a registered agent.
type AgentStatus string

// Agent status constants.
const (
	AgentStatusActive   AgentStatus = "active"
	AgentStatusInactive AgentStatus = "inactive"
	AgentStatusBusy     AgentStatus = "busy"
)

// AgentInfo is a registry record for one agent instance.
type AgentInfo struct {
	ID               string      `json:"id"`
	Type             AgentType   `json:"type"`
	Status           AgentStatus `json:"status"`
	ConnectedAt      time.Time   `json:"connected_at"`
	LastActivity     time.Time   `json:"last_activity"`
	EvaluationsCount int         `json:"evaluations_count"`
}

// AgentCapabilities maps each agent type to its advertised capabilities.
// Used by bus discovery to build the capability directory.
var AgentCapabilities = map[AgentType][]string{
	AgentTypeIntake:       {"grant_submission", "ipfs_upload", "blockchain_write"},
	AgentTypeTechnical:    {"technical_analysis", "code_review", "architecture_evaluation"},
	AgentTypeImpact:       {"impact_assessment", "ecosystem_analysis", "alignment_check"},
	AgentTypeDueDiligence: {"team_research", "github_analysis", "reputation_check"},
	AgentTypeBudget:       {"budget_analysis", "cost_comparison", "milestone_generation"},
	AgentTypeCommunity:    {"sentiment_analysis", "poll_management", "community_feedback"},
	AgentTypeCoordinator:  {"workflow_orchestration", "decision_making", "agent_coordination"},
	AgentTypeExecutor:     {"fund_release", "milestone_tracking", "blockchain_execution"},
}

// HealthStatus classifies an agent's health as tracked by the orchestrator.
type HealthStatus string

// Health status constants, ordered from best to worst.
const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// AgentHealth is the orchestrator's health record for one agent type.
type AgentHealth struct {
	AgentType           AgentType    `json:"agent_type"`
	Status              HealthStatus `json:"status"`
	LastCheck           time.Time    `json:"last_check"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	LastError           string       `json:"last_error,omitempty"`
}
