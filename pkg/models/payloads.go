package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Typed message payloads. Each MessageType has one payload variant; the
// Message.Data map is only the wire form. EncodePayload/DecodePayload
// convert between the two via JSON.

// NewGrantPayload accompanies new_grant messages to the intake agent.
type NewGrantPayload struct {
	GrantID   int64          `json:"grant_id"`
	GrantData map[string]any `json:"grant_data,omitempty"`
}

// EvaluationRequestPayload accompanies evaluation_request messages fanned
// out to the evaluator set.
type EvaluationRequestPayload struct {
	GrantID     int64          `json:"grant_id"`
	GrantData   map[string]any `json:"grant_data,omitempty"`
	RequestedAt time.Time      `json:"requested_at"`
	Timeout     time.Duration  `json:"timeout,omitempty"`
}

// VoteCastPayload is what evaluator agents send back to the core.
type VoteCastPayload struct {
	GrantID         int64     `json:"grant_id"`
	AgentType       AgentType `json:"agent_type,omitempty"` // defaults to message sender
	Score           float64   `json:"score"`
	Reasoning       string    `json:"reasoning,omitempty"`
	Confidence      float64   `json:"confidence,omitempty"`
	Concerns        []string  `json:"concerns,omitempty"`
	Recommendations []string  `json:"recommendations,omitempty"`
}

// EvaluationCompletePayload is the optional completion signal; the bus
// infers completion from vote_cast, so this is informational.
type EvaluationCompletePayload struct {
	GrantID   int64     `json:"grant_id"`
	AgentType AgentType `json:"agent_type"`
}

// ApprovalDecisionPayload accompanies approval_decision messages to the
// executor agent.
type ApprovalDecisionPayload struct {
	GrantID      int64         `json:"grant_id"`
	Decision     Decision      `json:"decision"`
	VotingResult *VotingResult `json:"voting_result,omitempty"`
}

// MilestoneCreatedPayload accompanies milestone_created checks sent to the
// executor for approved grants.
type MilestoneCreatedPayload struct {
	GrantID   int64     `json:"grant_id"`
	CheckedAt time.Time `json:"checked_at"`
}

// SystemStatusPayload accompanies system_status probes and announcements.
type SystemStatusPayload struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// EncodePayload converts a typed payload to the map form carried by Message.Data.
func EncodePayload(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("unmarshal payload to map: %w", err)
	}
	return data, nil
}

// DecodePayload converts a message's Data map back to a typed payload.
func DecodePayload[T any](m *Message) (T, error) {
	var payload T
	raw, err := json.Marshal(m.Data)
	if err != nil {
		return payload, fmt.Errorf("marshal message data: %w", err)
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return payload, fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return payload, nil
}
