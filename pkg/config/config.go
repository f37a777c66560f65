// Package config loads and validates orchestrator configuration from an
// optional YAML file merged over built-in defaults, with environment
// overrides for the external bridge settings.
package config

import (
	"fmt"
	"time"

	"github.com/grantmesh/grantmesh/pkg/models"
)

// Config is the root configuration for the orchestration core.
type Config struct {
	Orchestrator *OrchestratorConfig `yaml:"orchestrator"`
	Bus          *BusConfig          `yaml:"bus"`
	Bridge       *BridgeConfig       `yaml:"bridge"`
}

// OrchestratorConfig controls workflow and health behavior.
type OrchestratorConfig struct {
	// EvaluationTimeout bounds how long a workflow waits for evaluator votes.
	EvaluationTimeout time.Duration `yaml:"evaluation_timeout"`

	// ParallelEvaluations fans evaluation requests out concurrently when true.
	ParallelEvaluations *bool `yaml:"parallel_evaluations"`

	// RequiredEvaluators is the set of agent types whose votes are required.
	RequiredEvaluators []models.AgentType `yaml:"required_evaluators"`

	// ApprovalThreshold is the mean-score cutoff (out of 100).
	ApprovalThreshold float64 `yaml:"approval_threshold"`

	// MajorityRequired is the minimum count of evaluators whose individual
	// score meets the threshold.
	MajorityRequired int `yaml:"majority_required"`

	// HealthCheckInterval is the period of the agent health loop.
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`

	// MilestoneCheckInterval is the period of the approved-grant milestone scan.
	MilestoneCheckInterval time.Duration `yaml:"milestone_check_interval"`

	// ActiveProbing enables agent liveness probing in the health loop.
	// Off by default so mock agents are not marked unhealthy.
	ActiveProbing bool `yaml:"active_probing"`

	// ShutdownGrace is the max time to wait for active workflows on shutdown.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// Parallel reports whether parallel fan-out is enabled (default true).
func (c *OrchestratorConfig) Parallel() bool {
	return c.ParallelEvaluations == nil || *c.ParallelEvaluations
}

// BusConfig controls the message bus queue and loops.
type BusConfig struct {
	// MaxQueueSize caps the priority queue; sends beyond it are dropped.
	MaxQueueSize int `yaml:"max_queue_size"`

	// BatchSize is the max messages dequeued per processing tick.
	BatchSize int `yaml:"batch_size"`

	// MaxRetries bounds re-delivery attempts for unavailable recipients.
	MaxRetries int `yaml:"max_retries"`

	// ProcessingInterval is the period of the delivery loop.
	ProcessingInterval time.Duration `yaml:"processing_interval"`

	// DiscoveryInterval is the period of the registry snapshot loop.
	DiscoveryInterval time.Duration `yaml:"discovery_interval"`

	// MaxHistory caps the router's message history; oldest entries are pruned.
	MaxHistory int `yaml:"max_history"`
}

// BridgeConfig points at the external database service. BaseURL and
// APIKey fall back to PYTHON_SERVICES_URL / PYTHON_API_KEY (or the
// BRIDGE_BASE_URL / BRIDGE_API_KEY aliases) when unset.
type BridgeConfig struct {
	BaseURL        string        `yaml:"python_services_url"`
	APIKey         string        `yaml:"python_api_key"`
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// MaxElapsed caps the total backoff-retry window for one status mirror.
	MaxElapsed time.Duration `yaml:"max_elapsed"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Orchestrator: DefaultOrchestratorConfig(),
		Bus:          DefaultBusConfig(),
		Bridge:       DefaultBridgeConfig(),
	}
}

// DefaultOrchestratorConfig returns the built-in orchestrator defaults.
func DefaultOrchestratorConfig() *OrchestratorConfig {
	return &OrchestratorConfig{
		EvaluationTimeout:      5 * time.Minute,
		RequiredEvaluators:     models.EvaluatorTypes(),
		ApprovalThreshold:      50,
		MajorityRequired:       3,
		HealthCheckInterval:    30 * time.Second,
		MilestoneCheckInterval: time.Hour,
		ShutdownGrace:          30 * time.Second,
	}
}

// DefaultBusConfig returns the built-in bus defaults.
func DefaultBusConfig() *BusConfig {
	return &BusConfig{
		MaxQueueSize:       10000,
		BatchSize:          10,
		MaxRetries:         3,
		ProcessingInterval: 100 * time.Millisecond,
		DiscoveryInterval:  5 * time.Second,
		MaxHistory:         1000,
	}
}

// DefaultBridgeConfig returns the built-in bridge defaults (disabled until
// a base URL is configured).
func DefaultBridgeConfig() *BridgeConfig {
	return &BridgeConfig{
		RequestTimeout: 10 * time.Second,
		MaxElapsed:     30 * time.Second,
	}
}

// Validate checks cross-field constraints after merging.
func (c *Config) Validate() error {
	o := c.Orchestrator
	if o.EvaluationTimeout <= 0 {
		return fmt.Errorf("orchestrator.evaluation_timeout must be positive, got %v", o.EvaluationTimeout)
	}
	if o.ApprovalThreshold < 0 || o.ApprovalThreshold > 100 {
		return fmt.Errorf("orchestrator.approval_threshold must be in [0,100], got %v", o.ApprovalThreshold)
	}
	if len(o.RequiredEvaluators) == 0 {
		return fmt.Errorf("orchestrator.required_evaluators must not be empty")
	}
	for _, t := range o.RequiredEvaluators {
		if !t.IsValid() {
			return fmt.Errorf("orchestrator.required_evaluators contains unknown agent type %q", t)
		}
	}
	if o.MajorityRequired < 1 || o.MajorityRequired > len(o.RequiredEvaluators) {
		return fmt.Errorf("orchestrator.majority_required must be in [1,%d], got %d",
			len(o.RequiredEvaluators), o.MajorityRequired)
	}

	b := c.Bus
	if b.MaxQueueSize < 1 {
		return fmt.Errorf("bus.max_queue_size must be positive, got %d", b.MaxQueueSize)
	}
	if b.BatchSize < 1 {
		return fmt.Errorf("bus.batch_size must be positive, got %d", b.BatchSize)
	}
	if b.MaxRetries < 0 {
		return fmt.Errorf("bus.max_retries must not be negative, got %d", b.MaxRetries)
	}
	if b.ProcessingInterval <= 0 {
		return fmt.Errorf("bus.processing_interval must be positive, got %v", b.ProcessingInterval)
	}
	if b.MaxHistory < 1 {
		return fmt.Errorf("bus.max_history must be positive, got %d", b.MaxHistory)
	}
	return nil
}
