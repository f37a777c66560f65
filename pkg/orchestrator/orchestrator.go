// Package orchestrator owns the system lifecycle: it registers the agent
// roster, wires vote intake into the workflow engine, and runs the health
// and milestone background loops.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/grantmesh/grantmesh/pkg/bus"
	"github.com/grantmesh/grantmesh/pkg/config"
	"github.com/grantmesh/grantmesh/pkg/events"
	"github.com/grantmesh/grantmesh/pkg/metrics"
	"github.com/grantmesh/grantmesh/pkg/models"
	"github.com/grantmesh/grantmesh/pkg/registry"
	"github.com/grantmesh/grantmesh/pkg/store"
	"github.com/grantmesh/grantmesh/pkg/workflow"
)

// ErrNotStarted is returned for operations that need a running orchestrator.
var ErrNotStarted = errors.New("orchestrator not started")

// Orchestrator assembles and runs the review platform core.
type Orchestrator struct {
	cfg     *config.Config
	reg     *registry.Registry
	emitter *events.Emitter
	rec     *metrics.Recorder
	bridge  *store.Bridge
	store   *store.Store
	bus     *bus.Bus
	engine  *workflow.Engine
	logger  *slog.Logger

	mu        sync.Mutex
	started   bool
	startedAt time.Time
	agents    map[models.AgentType]string // type → registered instance id
	health    map[models.AgentType]*models.AgentHealth

	cancelVotes func()

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New wires the full component graph from configuration. The metrics
// recorder may be nil.
func New(cfg *config.Config, rec *metrics.Recorder) *Orchestrator {
	reg := registry.New()
	emitter := events.NewEmitter()
	bridge := store.NewBridge(cfg.Bridge)
	st := store.New(bridge)
	b := bus.New(cfg.Bus, reg, emitter, rec)

	return &Orchestrator{
		cfg:     cfg,
		reg:     reg,
		emitter: emitter,
		rec:     rec,
		bridge:  bridge,
		store:   st,
		bus:     b,
		engine:  workflow.New(cfg.Orchestrator, b, st, emitter, rec),
		logger:  slog.With("component", "orchestrator"),
		agents:  make(map[models.AgentType]string),
		health:  make(map[models.AgentType]*models.AgentHealth),
		stopCh:  make(chan struct{}),
	}
}

// Component accessors for the API layer.
func (o *Orchestrator) Bus() *bus.Bus                { return o.bus }
func (o *Orchestrator) Store() *store.Store          { return o.store }
func (o *Orchestrator) Engine() *workflow.Engine     { return o.engine }
func (o *Orchestrator) Registry() *registry.Registry { return o.reg }
func (o *Orchestrator) Emitter() *events.Emitter     { return o.emitter }

// newAgentID builds a per-boot instance id for an agent type.
func newAgentID(t models.AgentType) string {
	return fmt.Sprintf("%s-%s", t, uuid.NewString()[:8])
}

// Start registers the agent roster, starts the bus, and launches the
// vote intake, health, and milestone loops. Calling Start on a running
// orchestrator is a no-op.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		o.logger.Warn("Orchestrator already started, ignoring duplicate Start call")
		return nil
	}

	now := time.Now()
	for _, t := range models.AllAgentTypes() {
		id := newAgentID(t)
		if _, err := o.reg.Register(id, t); err != nil {
			o.mu.Unlock()
			return fmt.Errorf("register %s agent: %w", t, err)
		}
		o.agents[t] = id
		o.health[t] = &models.AgentHealth{
			AgentType: t,
			Status:    models.HealthStatusHealthy,
			LastCheck: now,
		}
	}
	o.started = true
	o.startedAt = now
	o.mu.Unlock()

	voteCh, cancelVotes := o.bus.SubscribeToEvent("orchestrator", models.MessageTypeVoteCast)
	o.cancelVotes = cancelVotes
	o.bus.Start(ctx)

	o.wg.Add(3)
	go func() {
		defer o.wg.Done()
		o.runVoteIntake(voteCh)
	}()
	go func() {
		defer o.wg.Done()
		o.runHealthLoop(ctx)
	}()
	go func() {
		defer o.wg.Done()
		o.runMilestoneLoop(ctx)
	}()

	o.emitter.Emit(events.OrchestratorStarted, map[string]any{
		"agents": len(models.AllAgentTypes()),
	})
	o.logger.Info("Orchestrator started",
		"agents", len(models.AllAgentTypes()),
		"evaluation_timeout", o.cfg.Orchestrator.EvaluationTimeout,
		"parallel_evaluations", o.cfg.Orchestrator.Parallel())
	return nil
}

// Shutdown stops the loops, waits up to the configured grace period for
// active workflows, drains the bridge, and unregisters the roster.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()

	o.logger.Info("Orchestrator shutting down",
		"active_workflows", o.engine.ActiveCount(),
		"grace", o.cfg.Orchestrator.ShutdownGrace)

	if !o.engine.WaitIdle(o.cfg.Orchestrator.ShutdownGrace) {
		o.logger.Warn("Shutdown grace elapsed with workflows still active",
			"remaining", o.engine.ActiveCount())
	}

	o.stopOnce.Do(func() { close(o.stopCh) })
	if o.cancelVotes != nil {
		o.cancelVotes()
	}
	o.wg.Wait()
	o.bus.Stop()
	if o.bridge != nil {
		o.bridge.Wait()
	}

	o.mu.Lock()
	for t, id := range o.agents {
		if err := o.reg.Unregister(id); err != nil {
			o.logger.Warn("Failed to unregister agent", "agent_type", t, "error", err)
		}
	}
	o.agents = make(map[models.AgentType]string)
	o.started = false
	o.mu.Unlock()

	o.emitter.Emit(events.OrchestratorStopped, nil)
	o.logger.Info("Orchestrator stopped")
}

// ProcessNewGrant validates and stores a grant submission, announces it to
// the intake agent, and starts its review workflow.
func (o *Orchestrator) ProcessNewGrant(g *models.Grant) (*models.Grant, error) {
	o.mu.Lock()
	started := o.started
	o.mu.Unlock()
	if !started {
		return nil, ErrNotStarted
	}

	created, err := o.store.CreateGrant(g)
	if err != nil {
		return nil, err
	}

	data, err := models.EncodePayload(models.NewGrantPayload{
		GrantID: created.ID,
		GrantData: map[string]any{
			"applicant":    created.Applicant,
			"project_name": created.ProjectName,
			"amount":       created.Amount,
		},
	})
	if err != nil {
		return nil, err
	}
	if _, err := o.bus.Send(models.AgentTypeCoordinator,
		[]models.AgentType{models.AgentTypeIntake},
		models.MessageTypeNewGrant, data, bus.DefaultSendOptions()); err != nil {
		o.logger.Warn("Failed to announce grant to intake",
			"grant_id", created.ID, "error", err)
	}

	if err := o.engine.Start(created); err != nil {
		return nil, err
	}
	return created, nil
}

// GetWorkflowStatus returns one workflow's observable state.
func (o *Orchestrator) GetWorkflowStatus(grantID int64) (*models.WorkflowStatus, error) {
	return o.engine.GetStatus(grantID)
}

// GetActiveWorkflows returns all non-terminal workflows.
func (o *Orchestrator) GetActiveWorkflows() []*models.WorkflowStatus {
	return o.engine.ActiveWorkflows()
}

// AbortWorkflow terminates a workflow on operator request.
func (o *Orchestrator) AbortWorkflow(grantID int64, reason string) error {
	return o.engine.Abort(grantID, reason)
}

// runVoteIntake decodes delivered vote_cast messages and feeds them to
// the workflow engine.
func (o *Orchestrator) runVoteIntake(voteCh <-chan *models.Message) {
	for {
		select {
		case <-o.stopCh:
			return
		case msg, ok := <-voteCh:
			if !ok {
				return
			}
			o.handleVoteMessage(msg)
		}
	}
}

func (o *Orchestrator) handleVoteMessage(msg *models.Message) {
	payload, err := models.DecodePayload[models.VoteCastPayload](msg)
	if err != nil {
		o.emitter.Emit(events.MessageError, map[string]any{
			"message_id": msg.ID, "error": err.Error(),
		})
		o.logger.Error("Malformed vote payload",
			"message_id", msg.ID, "from", msg.From, "error", err)
		return
	}

	if err := o.engine.HandleVote(msg.From, payload); err != nil {
		o.logger.Error("Vote rejected",
			"grant_id", payload.GrantID, "from", msg.From, "error", err)
		return
	}

	o.mu.Lock()
	id, ok := o.agents[msg.From]
	o.mu.Unlock()
	if ok {
		if err := o.reg.IncrementEvaluations(id); err != nil {
			o.logger.Debug("Failed to bump evaluation count",
				"agent_id", id, "error", err)
		}
	}
}

// runMilestoneLoop periodically scans approved grants and nudges the
// executor to check their milestones.
func (o *Orchestrator) runMilestoneLoop(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.Orchestrator.MilestoneCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.CheckMilestones()
		}
	}
}

// CheckMilestones sends a milestone check to the executor for every
// approved grant. Returns how many checks were sent.
func (o *Orchestrator) CheckMilestones() int {
	approved := o.store.GetGrantsByStatus(models.GrantStatusApproved)
	sent := 0
	for _, g := range approved {
		data, err := models.EncodePayload(models.MilestoneCreatedPayload{
			GrantID:   g.ID,
			CheckedAt: time.Now(),
		})
		if err != nil {
			o.logger.Error("Failed to encode milestone check",
				"grant_id", g.ID, "error", err)
			continue
		}
		if _, err := o.bus.Send(models.AgentTypeCoordinator,
			[]models.AgentType{models.AgentTypeExecutor},
			models.MessageTypeMilestoneCreated, data, bus.DefaultSendOptions()); err != nil {
			o.logger.Warn("Failed to send milestone check",
				"grant_id", g.ID, "error", err)
			continue
		}
		sent++
	}
	if sent > 0 {
		o.logger.Debug("Milestone checks dispatched", "count", sent)
	}
	return sent
}
