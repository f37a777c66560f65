package bus

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/grantmesh/grantmesh/pkg/models"
	"github.com/grantmesh/grantmesh/pkg/registry"
)

// subscriberBuffer is the capacity of each per-agent message channel.
const subscriberBuffer = 32

// Router assigns identity and history to messages and hands them to
// per-agent subscriber channels. The bus splits routing into Prepare
// (identity, history, broadcast resolution) at enqueue time and Notify
// (subscriber delivery) once recipients are confirmed available; Route
// performs both for direct callers.
type Router struct {
	registry   *registry.Registry
	maxHistory int

	mu          sync.RWMutex
	history     []*models.Message
	subscribers map[string]chan *models.Message // agent id → inbox
}

// NewRouter creates a router reading agent state from the given registry.
// maxHistory caps the retained message history (oldest pruned).
func NewRouter(reg *registry.Registry, maxHistory int) *Router {
	return &Router{
		registry:    reg,
		maxHistory:  maxHistory,
		subscribers: make(map[string]chan *models.Message),
	}
}

// newMessageID builds an id that is strictly increasing in time with a
// random suffix for disambiguation within the same nanosecond.
func newMessageID() string {
	return fmt.Sprintf("%d-%s", time.Now().UnixNano(), uuid.NewString()[:8])
}

// Prepare completes a partial message: fresh id, timestamp, broadcast
// resolution for an empty recipient set, history append, and sender
// activity bump. Returns the completed message.
func (r *Router) Prepare(msg *models.Message) *models.Message {
	msg.ID = newMessageID()
	msg.Timestamp = time.Now()

	// Empty recipient set means broadcast to all currently active agents.
	if len(msg.To) == 0 {
		msg.To = r.activeTypes()
	}

	r.mu.Lock()
	r.history = append(r.history, msg)
	if overflow := len(r.history) - r.maxHistory; overflow > 0 {
		r.history = append([]*models.Message(nil), r.history[overflow:]...)
	}
	r.mu.Unlock()

	// Bump the sender's activity on every successful route.
	for _, sender := range r.registry.GetByType(msg.From) {
		if err := r.registry.UpdateActivity(sender.ID); err != nil {
			slog.Warn("Failed to update sender activity",
				"agent_id", sender.ID, "error", err)
		}
	}

	return msg
}

// Notify delivers the message to the subscriber channel of every agent
// matching the recipient types. Delivery is non-blocking; a full inbox
// drops the message for that subscriber with a warning.
func (r *Router) Notify(msg *models.Message) {
	recipients := make([]*models.AgentInfo, 0, len(msg.To))
	for _, t := range msg.To {
		recipients = append(recipients, r.registry.GetByType(t)...)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, agent := range recipients {
		ch, ok := r.subscribers[agent.ID]
		if !ok {
			continue
		}
		select {
		case ch <- msg.Clone():
		default:
			slog.Warn("Subscriber inbox full, dropping message",
				"agent_id", agent.ID, "message_id", msg.ID, "message_type", msg.Type)
		}
	}
}

// Route prepares and immediately notifies. Direct router callers get
// synchronous delivery; the bus uses Prepare/Notify for its async path.
func (r *Router) Route(msg *models.Message) *models.Message {
	completed := r.Prepare(msg)
	r.Notify(completed)
	return completed
}

// Subscribe wires a per-agent inbox channel and returns it with a cancel
// function. Re-subscribing an agent id replaces its previous inbox.
func (r *Router) Subscribe(agentID string) (<-chan *models.Message, func()) {
	r.mu.Lock()
	if old, exists := r.subscribers[agentID]; exists {
		close(old)
	}
	ch := make(chan *models.Message, subscriberBuffer)
	r.subscribers[agentID] = ch
	r.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			r.mu.Lock()
			if cur, exists := r.subscribers[agentID]; exists && cur == ch {
				delete(r.subscribers, agentID)
				close(ch)
			}
			r.mu.Unlock()
		})
	}
	return ch, cancel
}

// Unsubscribe removes an agent's inbox.
func (r *Router) Unsubscribe(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, exists := r.subscribers[agentID]; exists {
		delete(r.subscribers, agentID)
		close(ch)
	}
}

// HistoryFilter selects messages from the router history.
// Zero values match everything; Limit 0 means no limit.
type HistoryFilter struct {
	From  models.AgentType
	To    models.AgentType
	Type  models.MessageType
	Limit int
}

// History returns a snapshot of matching messages, oldest first.
func (r *Router) History(filter HistoryFilter) []*models.Message {
	r.mu.RLock()
	defer r.mu.RUnlock()

	matched := make([]*models.Message, 0, len(r.history))
	for _, msg := range r.history {
		if filter.From != "" && msg.From != filter.From {
			continue
		}
		if filter.Type != "" && msg.Type != filter.Type {
			continue
		}
		if filter.To != "" && !containsType(msg.To, filter.To) {
			continue
		}
		matched = append(matched, msg.Clone())
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[len(matched)-filter.Limit:]
	}
	return matched
}

// Clear empties the history. Subscribers are unaffected.
func (r *Router) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = nil
}

// activeTypes returns the distinct types of all currently active agents.
func (r *Router) activeTypes() []models.AgentType {
	seen := make(map[models.AgentType]bool)
	var types []models.AgentType
	for _, agent := range r.registry.GetByStatus(models.AgentStatusActive) {
		if !seen[agent.Type] {
			seen[agent.Type] = true
			types = append(types, agent.Type)
		}
	}
	return types
}

func containsType(types []models.AgentType, t models.AgentType) bool {
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}
