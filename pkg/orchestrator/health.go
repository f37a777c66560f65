package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/grantmesh/grantmesh/pkg/events"
	"github.com/grantmesh/grantmesh/pkg/models"
)

// recoveryFailureThreshold is how many consecutive probe failures mark an
// agent unhealthy and trigger re-registration.
const recoveryFailureThreshold = 3

// HealthEvent is the payload of health:degraded events.
type HealthEvent struct {
	AgentType           models.AgentType    `json:"agent_type"`
	Status              models.HealthStatus `json:"status"`
	ConsecutiveFailures int                 `json:"consecutive_failures"`
	Error               string              `json:"error,omitempty"`
}

// RecoveryEvent is the payload of agent:recovered and agent:recovery:failed.
type RecoveryEvent struct {
	AgentType models.AgentType `json:"agent_type"`
	OldID     string           `json:"old_id"`
	NewID     string           `json:"new_id,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// runHealthLoop periodically re-assesses agent health.
func (o *Orchestrator) runHealthLoop(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.Orchestrator.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.CheckAgentHealth()
		}
	}
}

// CheckAgentHealth runs one health pass over the roster. In passive mode
// an agent is healthy while its registration is active and degraded when
// its activity goes stale. Active probing additionally counts consecutive
// failures and re-registers an agent once it crosses the threshold.
func (o *Orchestrator) CheckAgentHealth() {
	now := time.Now()

	for _, t := range models.AllAgentTypes() {
		o.mu.Lock()
		id, registered := o.agents[t]
		h, tracked := o.health[t]
		o.mu.Unlock()
		if !tracked {
			continue
		}

		probeErr := o.probe(id, registered)

		o.mu.Lock()
		h.LastCheck = now
		if probeErr == nil {
			if h.Status != models.HealthStatusHealthy {
				o.logger.Info("Agent healthy again", "agent_type", t)
			}
			h.Status = models.HealthStatusHealthy
			h.ConsecutiveFailures = 0
			h.LastError = ""
			o.mu.Unlock()
			continue
		}

		h.LastError = probeErr.Error()
		if !o.cfg.Orchestrator.ActiveProbing {
			// Passive mode only observes; it never escalates to unhealthy.
			h.Status = models.HealthStatusDegraded
			o.mu.Unlock()
			o.emitDegraded(t, h)
			continue
		}

		h.ConsecutiveFailures++
		if h.ConsecutiveFailures < recoveryFailureThreshold {
			h.Status = models.HealthStatusDegraded
			failures := h.ConsecutiveFailures
			o.mu.Unlock()
			o.emitDegraded(t, h)
			o.logger.Warn("Agent degraded",
				"agent_type", t, "consecutive_failures", failures, "error", probeErr)
			continue
		}

		h.Status = models.HealthStatusUnhealthy
		o.mu.Unlock()
		o.recoverAgent(t, id, h)
	}
}

// probe checks one agent's registration liveness.
func (o *Orchestrator) probe(id string, registered bool) error {
	if !registered {
		return fmt.Errorf("agent not registered")
	}
	info, err := o.reg.Get(id)
	if err != nil {
		return fmt.Errorf("registration lookup: %w", err)
	}
	if info.Status == models.AgentStatusInactive {
		return fmt.Errorf("agent inactive")
	}
	return nil
}

// recoverAgent replaces an unhealthy agent's registration with a fresh
// instance id.
func (o *Orchestrator) recoverAgent(t models.AgentType, oldID string, h *models.AgentHealth) {
	o.logger.Warn("Recovering unhealthy agent", "agent_type", t, "agent_id", oldID)

	if err := o.reg.Unregister(oldID); err != nil {
		o.logger.Debug("Stale registration already gone",
			"agent_id", oldID, "error", err)
	}

	newID := newAgentID(t)
	if _, err := o.reg.Register(newID, t); err != nil {
		o.emitter.Emit(events.AgentRecoveryFailed, RecoveryEvent{
			AgentType: t, OldID: oldID, Error: err.Error(),
		})
		o.logger.Error("Agent recovery failed",
			"agent_type", t, "error", err)
		return
	}

	o.mu.Lock()
	o.agents[t] = newID
	h.Status = models.HealthStatusHealthy
	h.ConsecutiveFailures = 0
	h.LastError = ""
	o.mu.Unlock()

	o.emitter.Emit(events.AgentRecovered, RecoveryEvent{
		AgentType: t, OldID: oldID, NewID: newID,
	})
	o.logger.Info("Agent recovered",
		"agent_type", t, "old_id", oldID, "new_id", newID)
}

func (o *Orchestrator) emitDegraded(t models.AgentType, h *models.AgentHealth) {
	o.mu.Lock()
	evt := HealthEvent{
		AgentType:           t,
		Status:              h.Status,
		ConsecutiveFailures: h.ConsecutiveFailures,
		Error:               h.LastError,
	}
	o.mu.Unlock()
	o.emitter.Emit(events.HealthDegraded, evt)
}

// GetAgentHealth returns a copy of the full health map.
func (o *Orchestrator) GetAgentHealth() map[models.AgentType]*models.AgentHealth {
	o.mu.Lock()
	defer o.mu.Unlock()

	result := make(map[models.AgentType]*models.AgentHealth, len(o.health))
	for t, h := range o.health {
		cp := *h
		result[t] = &cp
	}
	return result
}

// GetAgentHealthFor returns one agent type's health record.
func (o *Orchestrator) GetAgentHealthFor(t models.AgentType) (*models.AgentHealth, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	h, ok := o.health[t]
	if !ok {
		return nil, false
	}
	cp := *h
	return &cp, true
}

// GetSystemHealth is the worst health status across the roster.
func (o *Orchestrator) GetSystemHealth() models.HealthStatus {
	o.mu.Lock()
	defer o.mu.Unlock()

	worst := models.HealthStatusHealthy
	for _, h := range o.health {
		switch h.Status {
		case models.HealthStatusUnhealthy:
			return models.HealthStatusUnhealthy
		case models.HealthStatusDegraded:
			worst = models.HealthStatusDegraded
		}
	}
	return worst
}
