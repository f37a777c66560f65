// Package registry maintains the directory of live agent instances.
package registry

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/grantmesh/grantmesh/pkg/models"
)

// Sentinel errors for registry operations.
var (
	// ErrDuplicateAgent is returned when registering an id that is already active.
	ErrDuplicateAgent = errors.New("agent already registered")

	// ErrAgentNotFound is returned when the id has no active registration.
	ErrAgentNotFound = errors.New("agent not found")
)

// entry pairs an agent record with its registration sequence number,
// used to keep GetByType results in registration order.
type entry struct {
	info *models.AgentInfo
	seq  int64
}

// Registry is the thread-safe catalog of agent instances.
type Registry struct {
	mu      sync.RWMutex
	agents  map[string]*entry
	nextSeq int64
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{agents: make(map[string]*entry)}
}

// Register adds an agent with status active. Fails with ErrDuplicateAgent
// if the id is already registered.
func (r *Registry) Register(id string, agentType models.AgentType) (*models.AgentInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[id]; exists {
		return nil, ErrDuplicateAgent
	}

	now := time.Now()
	info := &models.AgentInfo{
		ID:           id,
		Type:         agentType,
		Status:       models.AgentStatusActive,
		ConnectedAt:  now,
		LastActivity: now,
	}
	r.agents[id] = &entry{info: info, seq: r.nextSeq}
	r.nextSeq++

	slog.Debug("Agent registered", "agent_id", id, "agent_type", agentType)
	cp := *info
	return &cp, nil
}

// Unregister removes an agent. Unknown ids return ErrAgentNotFound but
// leave the registry unchanged, so the call is idempotent.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[id]; !exists {
		return ErrAgentNotFound
	}
	delete(r.agents, id)
	slog.Debug("Agent unregistered", "agent_id", id)
	return nil
}

// Get returns a copy of the agent record.
func (r *Registry) Get(id string) (*models.AgentInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, exists := r.agents[id]
	if !exists {
		return nil, ErrAgentNotFound
	}
	cp := *e.info
	return &cp, nil
}

// GetByType returns all agents of a type in registration order.
func (r *Registry) GetByType(agentType models.AgentType) []*models.AgentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect(func(e *entry) bool { return e.info.Type == agentType })
}

// GetByStatus returns all agents with the given status in registration order.
func (r *Registry) GetByStatus(status models.AgentStatus) []*models.AgentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect(func(e *entry) bool { return e.info.Status == status })
}

// All returns every registered agent in registration order.
func (r *Registry) All() []*models.AgentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect(func(*entry) bool { return true })
}

// collect snapshots matching entries sorted by registration sequence.
// Callers must hold at least a read lock.
func (r *Registry) collect(match func(*entry) bool) []*models.AgentInfo {
	matched := make([]*entry, 0, len(r.agents))
	for _, e := range r.agents {
		if match(e) {
			matched = append(matched, e)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].seq < matched[j].seq })

	result := make([]*models.AgentInfo, len(matched))
	for i, e := range matched {
		cp := *e.info
		result[i] = &cp
	}
	return result
}

// UpdateActivity bumps the agent's last_activity timestamp.
func (r *Registry) UpdateActivity(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.agents[id]
	if !exists {
		return ErrAgentNotFound
	}
	e.info.LastActivity = time.Now()
	return nil
}

// SetStatus mutates the agent's status. The registry imposes no transition
// protocol; upstream callers enforce their own rules.
func (r *Registry) SetStatus(id string, status models.AgentStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.agents[id]
	if !exists {
		return ErrAgentNotFound
	}
	e.info.Status = status
	return nil
}

// IncrementEvaluations bumps the agent's evaluation counter.
func (r *Registry) IncrementEvaluations(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.agents[id]
	if !exists {
		return ErrAgentNotFound
	}
	e.info.EvaluationsCount++
	return nil
}

// ActiveByType reports whether at least one agent of the type is active.
func (r *Registry) ActiveByType(agentType models.AgentType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, e := range r.agents {
		if e.info.Type == agentType && e.info.Status == models.AgentStatusActive {
			return true
		}
	}
	return false
}

// Count returns the number of registered agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}
