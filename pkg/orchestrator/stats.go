package orchestrator

import (
	"time"

	"github.com/grantmesh/grantmesh/pkg/bus"
	"github.com/grantmesh/grantmesh/pkg/models"
)

// Stats is the system-wide snapshot served by the stats endpoint.
type Stats struct {
	GrantsProcessed       int       `json:"grants_processed"`
	Approved              int       `json:"approved"`
	Rejected              int       `json:"rejected"`
	ActiveWorkflows       int       `json:"active_workflows"`
	AverageEvaluationTime float64   `json:"average_evaluation_time_seconds"`
	AgentsHealthy         int       `json:"agents_healthy"`
	AgentsUnhealthy       int       `json:"agents_unhealthy"`
	UptimeSeconds         float64   `json:"uptime_seconds"`
	Bus                   bus.Stats `json:"bus"`
}

// GetStats aggregates counters from the store, engine, health map, and bus.
func (o *Orchestrator) GetStats() Stats {
	stats := Stats{
		ActiveWorkflows: o.engine.ActiveCount(),
		Bus:             o.bus.GetStats(),
	}

	for _, g := range o.store.ListGrants() {
		stats.GrantsProcessed++
		switch g.Status {
		case models.GrantStatusApproved, models.GrantStatusCompleted:
			stats.Approved++
		case models.GrantStatusRejected:
			stats.Rejected++
		}
	}

	var decided int
	var totalElapsed time.Duration
	for _, w := range o.engine.ListWorkflows() {
		if w.Stage == models.StageComplete {
			decided++
			totalElapsed += w.UpdatedAt.Sub(w.StartedAt)
		}
	}
	if decided > 0 {
		stats.AverageEvaluationTime = totalElapsed.Seconds() / float64(decided)
	}

	for _, h := range o.GetAgentHealth() {
		if h.Status == models.HealthStatusUnhealthy {
			stats.AgentsUnhealthy++
		} else {
			stats.AgentsHealthy++
		}
	}

	o.mu.Lock()
	if o.started {
		stats.UptimeSeconds = time.Since(o.startedAt).Seconds()
	}
	o.mu.Unlock()

	return stats
}
