package models

import "time"

// GrantStatus represents the lifecycle state of a grant in the data store.
type GrantStatus string

// Grant status constants.
const (
	GrantStatusPending     GrantStatus = "pending"
	GrantStatusUnderReview GrantStatus = "under_review"
	GrantStatusApproved    GrantStatus = "approved"
	GrantStatusRejected    GrantStatus = "rejected"
	GrantStatusCompleted   GrantStatus = "completed"
)

// IsValid checks if the status is one of the known grant statuses.
func (s GrantStatus) IsValid() bool {
	switch s {
	case GrantStatusPending, GrantStatusUnderReview, GrantStatusApproved,
		GrantStatusRejected, GrantStatusCompleted:
		return true
	default:
		return false
	}
}

// Grant is a funding application under review.
type Grant struct {
	ID          int64       `json:"id"`
	Applicant   string      `json:"applicant"`
	IPFSHash    string      `json:"ipfs_hash,omitempty"`
	ProjectName string      `json:"project_name"`
	Description string      `json:"description,omitempty"`
	Amount      float64     `json:"amount"`
	Status      GrantStatus `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   *time.Time  `json:"updated_at,omitempty"`
}

// Evaluation is one evaluator agent's vote on a grant.
// At most one evaluation exists per (grant_id, agent_type).
type Evaluation struct {
	ID              string    `json:"id"`
	GrantID         int64     `json:"grant_id"`
	AgentType       AgentType `json:"agent_type"`
	Score           float64   `json:"score"`      // [0, 100]
	Reasoning       string    `json:"reasoning,omitempty"`
	Confidence      float64   `json:"confidence"` // [0, 1]
	Concerns        []string  `json:"concerns,omitempty"`
	Recommendations []string  `json:"recommendations,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Vote is an evaluation projected down to what the decision rule needs.
type Vote struct {
	AgentType AgentType `json:"agent_type"`
	Score     float64   `json:"score"`
	Timestamp time.Time `json:"timestamp"`
}

// Decision is the outcome of vote aggregation.
type Decision string

// Decision constants.
const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// VotingResult is the derived aggregate of a grant's evaluations.
// Callers must not act on it unless Finalized is true.
type VotingResult struct {
	GrantID    int64   `json:"grant_id"`
	Votes      []Vote  `json:"votes"`
	TotalScore float64 `json:"total_score"`
	Finalized  bool    `json:"finalized"`
	Approved   bool    `json:"approved"`
}

// MeanScore returns the average vote score, or 0 with no votes.
func (r *VotingResult) MeanScore() float64 {
	if len(r.Votes) == 0 {
		return 0
	}
	return r.TotalScore / float64(len(r.Votes))
}
