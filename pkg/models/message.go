package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType classifies the messages exchanged between agents.
type MessageType string

// Message type constants.
const (
	MessageTypeNewGrant           MessageType = "new_grant"
	MessageTypeEvaluationRequest  MessageType = "evaluation_request"
	MessageTypeEvaluationComplete MessageType = "evaluation_complete"
	MessageTypeVoteCast           MessageType = "vote_cast"
	MessageTypeApprovalDecision   MessageType = "approval_decision"
	MessageTypeMilestoneCreated   MessageType = "milestone_created"
	MessageTypeSystemStatus       MessageType = "system_status"
)

// IsValid checks if the message type is one of the known types.
func (t MessageType) IsValid() bool {
	switch t {
	case MessageTypeNewGrant, MessageTypeEvaluationRequest,
		MessageTypeEvaluationComplete, MessageTypeVoteCast,
		MessageTypeApprovalDecision, MessageTypeMilestoneCreated,
		MessageTypeSystemStatus:
		return true
	default:
		return false
	}
}

// Message is the envelope routed between agents. An empty To slice means
// broadcast to all active agents. Data is the wire form of a typed payload
// (see payloads.go); the map is a transport detail, not an invariant.
type Message struct {
	ID        string         `json:"id"`
	From      AgentType      `json:"from"`
	To        []AgentType    `json:"to,omitempty"`
	Type      MessageType    `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// GrantID extracts the grant id from the message payload, if present.
func (m *Message) GrantID() (int64, bool) {
	raw, ok := m.Data["grant_id"]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	case json.Number:
		id, err := v.Int64()
		return id, err == nil
	default:
		return 0, false
	}
}

// Clone returns a deep copy of the message. The Data map is copied one
// level deep, which is sufficient for the payloads this system carries.
func (m *Message) Clone() *Message {
	clone := &Message{
		ID:        m.ID,
		From:      m.From,
		Type:      m.Type,
		Timestamp: m.Timestamp,
	}
	if m.To != nil {
		clone.To = append([]AgentType(nil), m.To...)
	}
	if m.Data != nil {
		clone.Data = make(map[string]any, len(m.Data))
		for k, v := range m.Data {
			clone.Data[k] = v
		}
	}
	return clone
}

// Priority determines queue position at the bus.
type Priority int

// Priority levels, lowest to highest.
const (
	PriorityLow      Priority = 0
	PriorityNormal   Priority = 1
	PriorityHigh     Priority = 2
	PriorityCritical Priority = 3
)

// String returns the string representation of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority parses a priority name with validation.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "low":
		return PriorityLow, nil
	case "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority: %q", s)
	}
}

// QueuedMessage wraps a routed message with bus delivery state.
type QueuedMessage struct {
	Message             *Message   `json:"message"`
	Priority            Priority   `json:"priority"`
	RetryCount          int        `json:"retry_count"`
	MaxRetries          int        `json:"max_retries"`
	CreatedAt           time.Time  `json:"created_at"`
	ProcessingStartedAt *time.Time `json:"processing_started_at,omitempty"`
	DeliveredAt         *time.Time `json:"delivered_at,omitempty"`
	Error               string     `json:"error,omitempty"`
}
