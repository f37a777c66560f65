// Package workflow drives each grant through its review lifecycle:
// submission, evaluator fan-out, vote collection, decision, and execution.
package workflow

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/grantmesh/grantmesh/pkg/bus"
	"github.com/grantmesh/grantmesh/pkg/config"
	"github.com/grantmesh/grantmesh/pkg/events"
	"github.com/grantmesh/grantmesh/pkg/metrics"
	"github.com/grantmesh/grantmesh/pkg/models"
	"github.com/grantmesh/grantmesh/pkg/store"
)

// Sentinel errors for workflow operations.
var (
	// ErrWorkflowNotFound is returned when no workflow exists for the grant.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrWorkflowExists is returned when the grant already has a workflow.
	ErrWorkflowExists = errors.New("workflow already exists")

	// ErrWorkflowTerminal is returned for operations on a finished workflow.
	ErrWorkflowTerminal = errors.New("workflow already terminal")
)

// Stage progress checkpoints. Evaluation interpolates between its start
// and the voting checkpoint as votes arrive.
const (
	progressSubmission = 10
	progressEvaluation = 20
	progressVoting     = 70
	progressDecision   = 80
	progressExecution  = 90
	progressComplete   = 100
)

// StageEvent is the payload of workflow:started/complete/failed events.
type StageEvent struct {
	GrantID  int64                `json:"grant_id"`
	Stage    models.WorkflowStage `json:"stage"`
	Progress float64              `json:"progress"`
	Decision models.Decision      `json:"decision,omitempty"`
	Error    string               `json:"error,omitempty"`
}

// ProgressEvent is the payload of evaluation:progress events.
type ProgressEvent struct {
	GrantID   int64              `json:"grant_id"`
	AgentType models.AgentType   `json:"agent_type"`
	Complete  []models.AgentType `json:"complete"`
	Pending   []models.AgentType `json:"pending"`
	Progress  float64            `json:"progress"`
}

// EvaluationErrorEvent is the payload of evaluation:failed events.
type EvaluationErrorEvent struct {
	GrantID   int64            `json:"grant_id"`
	AgentType models.AgentType `json:"agent_type,omitempty"`
	Error     string           `json:"error"`
}

// TimeoutEvent is the payload of evaluation:timeout events.
type TimeoutEvent struct {
	GrantID int64              `json:"grant_id"`
	Missing []models.AgentType `json:"missing"`
}

// workflowState is one grant's in-flight review.
type workflowState struct {
	status models.WorkflowStatus
	voted  map[models.AgentType]bool
	timer  *time.Timer
}

// Engine runs grant review workflows on top of the bus and store.
type Engine struct {
	cfg     *config.OrchestratorConfig
	bus     *bus.Bus
	store   *store.Store
	emitter *events.Emitter
	rec     *metrics.Recorder
	logger  *slog.Logger

	mu        sync.Mutex
	workflows map[int64]*workflowState
}

// New creates an engine. The metrics recorder may be nil.
func New(cfg *config.OrchestratorConfig, b *bus.Bus, st *store.Store, emitter *events.Emitter, rec *metrics.Recorder) *Engine {
	return &Engine{
		cfg:       cfg,
		bus:       b,
		store:     st,
		emitter:   emitter,
		rec:       rec,
		logger:    slog.With("component", "workflow"),
		workflows: make(map[int64]*workflowState),
	}
}

// Start begins the review workflow for a stored grant: fans evaluation
// requests out to the required evaluators and arms the evaluation
// timeout. The grant record stays pending while evaluators work; it
// moves to under_review only when every vote is in and voting begins.
func (e *Engine) Start(grant *models.Grant) error {
	now := time.Now()

	e.mu.Lock()
	if _, exists := e.workflows[grant.ID]; exists {
		e.mu.Unlock()
		return fmt.Errorf("grant %d: %w", grant.ID, ErrWorkflowExists)
	}
	state := &workflowState{
		status: models.WorkflowStatus{
			GrantID:            grant.ID,
			Stage:              models.StageSubmission,
			Progress:           progressSubmission,
			EvaluationsPending: append([]models.AgentType(nil), e.cfg.RequiredEvaluators...),
			StartedAt:          now,
			UpdatedAt:          now,
		},
		voted: make(map[models.AgentType]bool),
	}
	e.workflows[grant.ID] = state
	e.mu.Unlock()

	e.rec.WorkflowStarted()
	e.emitter.Emit(events.WorkflowStarted, StageEvent{
		GrantID: grant.ID, Stage: models.StageSubmission, Progress: progressSubmission,
	})
	e.logger.Info("Workflow started",
		"grant_id", grant.ID, "project", grant.ProjectName, "amount", grant.Amount)

	e.mu.Lock()
	e.advanceLocked(state, models.StageEvaluation, progressEvaluation)
	e.mu.Unlock()

	e.fanOut(grant)

	e.mu.Lock()
	if !state.status.Stage.IsTerminal() {
		state.timer = time.AfterFunc(e.cfg.EvaluationTimeout, func() {
			e.handleTimeout(grant.ID)
		})
	}
	e.mu.Unlock()

	return nil
}

// fanOut sends one evaluation request per required evaluator, concurrently
// or in order depending on configuration.
func (e *Engine) fanOut(grant *models.Grant) {
	grantData := map[string]any{
		"applicant":    grant.Applicant,
		"project_name": grant.ProjectName,
		"description":  grant.Description,
		"amount":       grant.Amount,
		"ipfs_hash":    grant.IPFSHash,
	}

	if e.cfg.Parallel() {
		var wg sync.WaitGroup
		for _, t := range e.cfg.RequiredEvaluators {
			wg.Add(1)
			go func(t models.AgentType) {
				defer wg.Done()
				e.requestEvaluation(grant.ID, t, grantData)
			}(t)
		}
		wg.Wait()
		return
	}
	for _, t := range e.cfg.RequiredEvaluators {
		e.requestEvaluation(grant.ID, t, grantData)
	}
}

func (e *Engine) requestEvaluation(grantID int64, evaluator models.AgentType, grantData map[string]any) {
	data, err := models.EncodePayload(models.EvaluationRequestPayload{
		GrantID:     grantID,
		GrantData:   grantData,
		RequestedAt: time.Now(),
		Timeout:     e.cfg.EvaluationTimeout,
	})
	if err != nil {
		e.logger.Error("Failed to encode evaluation request",
			"grant_id", grantID, "evaluator", evaluator, "error", err)
		return
	}
	if _, err := e.bus.Send(models.AgentTypeCoordinator, []models.AgentType{evaluator},
		models.MessageTypeEvaluationRequest, data,
		bus.SendOptions{Priority: models.PriorityHigh, MaxRetries: -1}); err != nil {
		e.logger.Error("Failed to send evaluation request",
			"grant_id", grantID, "evaluator", evaluator, "error", err)
	}
}

// HandleVote records one evaluator's vote. Votes for unknown or finished
// workflows and duplicate votes are tolerated and ignored. When the last
// required vote arrives the workflow proceeds through voting, decision,
// and execution synchronously.
func (e *Engine) HandleVote(sender models.AgentType, payload models.VoteCastPayload) error {
	agentType := payload.AgentType
	if agentType == "" {
		agentType = sender
	}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Panic while processing vote",
				"grant_id", payload.GrantID, "agent_type", agentType, "panic", r)
			e.fail(payload.GrantID, fmt.Sprintf("internal error processing vote: %v", r))
		}
	}()

	e.mu.Lock()
	state, exists := e.workflows[payload.GrantID]
	if !exists || state.status.Stage.IsTerminal() {
		e.mu.Unlock()
		e.logger.Warn("Ignoring vote for inactive workflow",
			"grant_id", payload.GrantID, "agent_type", agentType)
		return nil
	}
	e.mu.Unlock()

	_, err := e.store.AddEvaluation(&models.Evaluation{
		GrantID:         payload.GrantID,
		AgentType:       agentType,
		Score:           payload.Score,
		Reasoning:       payload.Reasoning,
		Confidence:      payload.Confidence,
		Concerns:        payload.Concerns,
		Recommendations: payload.Recommendations,
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicateEvaluation) {
			e.logger.Debug("Duplicate vote ignored",
				"grant_id", payload.GrantID, "agent_type", agentType)
			return nil
		}
		// A bad vote does not fail the workflow; the evaluator may retry.
		e.emitter.Emit(events.EvaluationFailed, EvaluationErrorEvent{
			GrantID:   payload.GrantID,
			AgentType: agentType,
			Error:     err.Error(),
		})
		return fmt.Errorf("record vote: %w", err)
	}

	e.mu.Lock()
	state.voted[agentType] = true
	complete, pending := e.splitEvaluatorsLocked(state)
	state.status.EvaluationsComplete = complete
	state.status.EvaluationsPending = pending

	frac := float64(len(complete)) / float64(len(e.cfg.RequiredEvaluators))
	e.bumpProgressLocked(state, progressEvaluation+frac*(progressVoting-progressEvaluation))
	allIn := len(pending) == 0
	progress := state.status.Progress
	e.mu.Unlock()

	e.emitter.Emit(events.EvaluationProgress, ProgressEvent{
		GrantID:   payload.GrantID,
		AgentType: agentType,
		Complete:  complete,
		Pending:   pending,
		Progress:  progress,
	})
	e.logger.Info("Vote recorded", "grant_id", payload.GrantID,
		"agent_type", agentType, "score", payload.Score,
		"complete", len(complete), "required", len(e.cfg.RequiredEvaluators))

	if allIn {
		e.finalize(payload.GrantID, state)
	}
	return nil
}

// finalize runs voting, decision, and execution once every required vote
// is in.
func (e *Engine) finalize(grantID int64, state *workflowState) {
	e.mu.Lock()
	if state.status.Stage.IsTerminal() {
		e.mu.Unlock()
		return
	}
	if state.timer != nil {
		state.timer.Stop()
		state.timer = nil
	}
	e.advanceLocked(state, models.StageVoting, progressVoting)
	e.mu.Unlock()

	if _, err := e.store.UpdateGrantStatus(grantID, models.GrantStatusUnderReview); err != nil {
		e.fail(grantID, fmt.Sprintf("mark under review: %v", err))
		return
	}

	result, err := e.store.CalculateVotingResult(grantID, store.DecisionParams{
		ApprovalThreshold: e.cfg.ApprovalThreshold,
		MajorityRequired:  e.cfg.MajorityRequired,
		RequiredVotes:     len(e.cfg.RequiredEvaluators),
	})
	if err != nil {
		e.emitter.Emit(events.EvaluationFailed, EvaluationErrorEvent{
			GrantID: grantID, Error: err.Error(),
		})
		e.fail(grantID, fmt.Sprintf("aggregate votes: %v", err))
		return
	}
	if !result.Finalized {
		// Every required evaluator voted, so the result must be finalized.
		e.fail(grantID, "vote aggregation produced a non-finalized result")
		return
	}

	decision := models.DecisionRejected
	newStatus := models.GrantStatusRejected
	if result.Approved {
		decision = models.DecisionApproved
		newStatus = models.GrantStatusApproved
	}

	e.mu.Lock()
	e.advanceLocked(state, models.StageDecision, progressDecision)
	e.mu.Unlock()

	if _, err := e.store.UpdateGrantStatus(grantID, newStatus); err != nil {
		e.fail(grantID, fmt.Sprintf("apply decision: %v", err))
		return
	}
	e.logger.Info("Decision reached", "grant_id", grantID,
		"decision", decision, "mean_score", result.MeanScore(), "votes", len(result.Votes))

	e.mu.Lock()
	e.advanceLocked(state, models.StageExecution, progressExecution)
	e.mu.Unlock()
	e.notifyExecutor(grantID, decision, result)

	e.mu.Lock()
	e.advanceLocked(state, models.StageComplete, progressComplete)
	elapsed := time.Since(state.status.StartedAt)
	e.mu.Unlock()

	e.rec.WorkflowDecided(string(decision), elapsed)
	e.emitter.Emit(events.WorkflowComplete, StageEvent{
		GrantID:  grantID,
		Stage:    models.StageComplete,
		Progress: progressComplete,
		Decision: decision,
	})
}

// notifyExecutor sends the approval decision to the executor agent at
// critical priority so fund release outranks any queued traffic.
func (e *Engine) notifyExecutor(grantID int64, decision models.Decision, result *models.VotingResult) {
	data, err := models.EncodePayload(models.ApprovalDecisionPayload{
		GrantID:      grantID,
		Decision:     decision,
		VotingResult: result,
	})
	if err != nil {
		e.logger.Error("Failed to encode approval decision",
			"grant_id", grantID, "error", err)
		return
	}
	if _, err := e.bus.Send(models.AgentTypeCoordinator,
		[]models.AgentType{models.AgentTypeExecutor},
		models.MessageTypeApprovalDecision, data,
		bus.SendOptions{Priority: models.PriorityCritical, MaxRetries: -1}); err != nil {
		e.logger.Error("Failed to send approval decision",
			"grant_id", grantID, "error", err)
	}
}

// handleTimeout fails a workflow whose evaluators did not all respond in
// time. The timer fires at most once per workflow.
func (e *Engine) handleTimeout(grantID int64) {
	e.mu.Lock()
	state, exists := e.workflows[grantID]
	if !exists || state.status.Stage.IsTerminal() || state.status.Stage != models.StageEvaluation {
		e.mu.Unlock()
		return
	}
	_, missing := e.splitEvaluatorsLocked(state)
	e.mu.Unlock()

	e.emitter.Emit(events.EvaluationTimeout, TimeoutEvent{GrantID: grantID, Missing: missing})
	e.logger.Warn("Evaluation timed out",
		"grant_id", grantID, "missing", missing, "timeout", e.cfg.EvaluationTimeout)
	e.fail(grantID, fmt.Sprintf("evaluation timeout, missing votes from: %v", missing))
}

// Abort terminates a workflow on operator request.
func (e *Engine) Abort(grantID int64, reason string) error {
	e.mu.Lock()
	state, exists := e.workflows[grantID]
	if !exists {
		e.mu.Unlock()
		return fmt.Errorf("grant %d: %w", grantID, ErrWorkflowNotFound)
	}
	if state.status.Stage.IsTerminal() {
		e.mu.Unlock()
		return fmt.Errorf("grant %d: %w", grantID, ErrWorkflowTerminal)
	}
	e.mu.Unlock()

	if reason == "" {
		reason = "aborted by operator"
	}
	e.logger.Warn("Workflow aborted", "grant_id", grantID, "reason", reason)
	e.fail(grantID, reason)
	return nil
}

// fail moves a workflow to the failed stage and mirrors the rejection to
// the grant record when its lifecycle still allows one.
func (e *Engine) fail(grantID int64, reason string) {
	e.mu.Lock()
	state, exists := e.workflows[grantID]
	if !exists || !state.status.Stage.CanAdvanceTo(models.StageFailed) {
		e.mu.Unlock()
		return
	}
	if state.timer != nil {
		state.timer.Stop()
		state.timer = nil
	}
	state.status.Stage = models.StageFailed
	state.status.Error = reason
	state.status.UpdatedAt = time.Now()
	progress := state.status.Progress
	e.mu.Unlock()

	if _, err := e.store.UpdateGrantStatus(grantID, models.GrantStatusRejected); err != nil &&
		!errors.Is(err, store.ErrIllegalTransition) {
		e.logger.Error("Failed to mark grant rejected after workflow failure",
			"grant_id", grantID, "error", err)
	}

	e.rec.WorkflowFailed()
	e.emitter.Emit(events.WorkflowFailed, StageEvent{
		GrantID:  grantID,
		Stage:    models.StageFailed,
		Progress: progress,
		Error:    reason,
	})
	e.logger.Error("Workflow failed", "grant_id", grantID, "reason", reason)
}

// GetStatus returns a copy of a workflow's observable state.
func (e *Engine) GetStatus(grantID int64) (*models.WorkflowStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	state, exists := e.workflows[grantID]
	if !exists {
		return nil, fmt.Errorf("grant %d: %w", grantID, ErrWorkflowNotFound)
	}
	return copyStatus(&state.status), nil
}

// ActiveWorkflows returns all non-terminal workflows in grant id order.
func (e *Engine) ActiveWorkflows() []*models.WorkflowStatus {
	return e.list(func(s *workflowState) bool { return !s.status.Stage.IsTerminal() })
}

// ListWorkflows returns every workflow in grant id order.
func (e *Engine) ListWorkflows() []*models.WorkflowStatus {
	return e.list(func(*workflowState) bool { return true })
}

// ActiveCount returns the number of non-terminal workflows.
func (e *Engine) ActiveCount() int {
	return len(e.ActiveWorkflows())
}

// WaitIdle blocks until no workflow is active or the timeout elapses.
// Returns true when idle.
func (e *Engine) WaitIdle(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if e.ActiveCount() == 0 {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return e.ActiveCount() == 0
}

func (e *Engine) list(match func(*workflowState) bool) []*models.WorkflowStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	var result []*models.WorkflowStatus
	for _, state := range e.workflows {
		if match(state) {
			result = append(result, copyStatus(&state.status))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].GrantID < result[j].GrantID })
	return result
}

// advanceLocked moves the workflow forward if the transition is legal and
// bumps progress. Callers hold e.mu.
func (e *Engine) advanceLocked(state *workflowState, next models.WorkflowStage, progress float64) {
	if !state.status.Stage.CanAdvanceTo(next) {
		return
	}
	state.status.Stage = next
	e.bumpProgressLocked(state, progress)
}

// bumpProgressLocked raises progress monotonically. Callers hold e.mu.
func (e *Engine) bumpProgressLocked(state *workflowState, progress float64) {
	if progress > state.status.Progress {
		state.status.Progress = progress
	}
	state.status.UpdatedAt = time.Now()
}

// splitEvaluatorsLocked partitions the required evaluators into voted and
// pending, preserving configured order. Callers hold e.mu.
func (e *Engine) splitEvaluatorsLocked(state *workflowState) (complete, pending []models.AgentType) {
	for _, t := range e.cfg.RequiredEvaluators {
		if state.voted[t] {
			complete = append(complete, t)
		} else {
			pending = append(pending, t)
		}
	}
	return complete, pending
}

func copyStatus(s *models.WorkflowStatus) *models.WorkflowStatus {
	cp := *s
	cp.EvaluationsComplete = append([]models.AgentType(nil), s.EvaluationsComplete...)
	cp.EvaluationsPending = append([]models.AgentType(nil), s.EvaluationsPending...)
	return &cp
}
