package models

import "time"

// WorkflowStage is one step in a grant's review lifecycle.
type WorkflowStage string

// Workflow stages in forward order. Complete and failed are terminal.
const (
	StageSubmission WorkflowStage = "submission"
	StageEvaluation WorkflowStage = "evaluation"
	StageVoting     WorkflowStage = "voting"
	StageDecision   WorkflowStage = "decision"
	StageExecution  WorkflowStage = "execution"
	StageComplete   WorkflowStage = "complete"
	StageFailed     WorkflowStage = "failed"
)

// stageOrder assigns each non-failed stage its position in the forward path.
var stageOrder = map[WorkflowStage]int{
	StageSubmission: 0,
	StageEvaluation: 1,
	StageVoting:     2,
	StageDecision:   3,
	StageExecution:  4,
	StageComplete:   5,
}

// IsTerminal reports whether the stage ends the workflow.
func (s WorkflowStage) IsTerminal() bool {
	return s == StageComplete || s == StageFailed
}

// CanAdvanceTo reports whether a transition from s to next moves strictly
// forward. Failed is reachable from any non-terminal stage.
func (s WorkflowStage) CanAdvanceTo(next WorkflowStage) bool {
	if s.IsTerminal() {
		return false
	}
	if next == StageFailed {
		return true
	}
	from, ok := stageOrder[s]
	if !ok {
		return false
	}
	to, ok := stageOrder[next]
	if !ok {
		return false
	}
	return to > from
}

// WorkflowStatus is the observable state of one grant's workflow.
type WorkflowStatus struct {
	GrantID             int64         `json:"grant_id"`
	Stage               WorkflowStage `json:"stage"`
	Progress            float64       `json:"progress"` // [0, 100], monotonic
	EvaluationsComplete []AgentType   `json:"evaluations_complete"`
	EvaluationsPending  []AgentType   `json:"evaluations_pending"`
	StartedAt           time.Time     `json:"started_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
	Error               string        `json:"error,omitempty"`
}
