package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grantmesh/grantmesh/pkg/bus"
	"github.com/grantmesh/grantmesh/pkg/config"
	"github.com/grantmesh/grantmesh/pkg/events"
	"github.com/grantmesh/grantmesh/pkg/models"
	"github.com/grantmesh/grantmesh/pkg/registry"
	"github.com/grantmesh/grantmesh/pkg/store"
)

// newTestEngine wires an engine over a real store and bus. The bus loops
// are not started; tests inspect queued message records directly.
func newTestEngine(t *testing.T, mutate func(*config.OrchestratorConfig)) (*Engine, *store.Store, *bus.Bus, *events.Emitter) {
	t.Helper()

	cfg := config.DefaultOrchestratorConfig()
	if mutate != nil {
		mutate(cfg)
	}
	st := store.New(nil)
	emitter := events.NewEmitter()
	b := bus.New(config.DefaultBusConfig(), registry.New(), emitter, nil)
	return New(cfg, b, st, emitter, nil), st, b, emitter
}

func createGrant(t *testing.T, st *store.Store) *models.Grant {
	t.Helper()
	g, err := st.CreateGrant(&models.Grant{
		Applicant:   "0xA1b2",
		ProjectName: "mesh-indexer",
		Amount:      25000,
	})
	require.NoError(t, err)
	return g
}

func castVote(t *testing.T, e *Engine, grantID int64, agent models.AgentType, score float64) {
	t.Helper()
	require.NoError(t, e.HandleVote(agent, models.VoteCastPayload{
		GrantID:    grantID,
		Score:      score,
		Confidence: 0.9,
	}))
}

func castVotes(t *testing.T, e *Engine, grantID int64, scores []float64) {
	t.Helper()
	for i, score := range scores {
		castVote(t, e, grantID, models.EvaluatorTypes()[i], score)
	}
}

func messagesOfType(b *bus.Bus, grantID int64, mt models.MessageType) []*models.QueuedMessage {
	var out []*models.QueuedMessage
	for _, qm := range b.GetMessagesForGrant(grantID) {
		if qm.Message.Type == mt {
			out = append(out, qm)
		}
	}
	return out
}

func TestStart_FansOutAndKeepsPending(t *testing.T) {
	e, st, b, emitter := newTestEngine(t, nil)
	startedCh, cancel := emitter.Subscribe(events.WorkflowStarted)
	defer cancel()

	g := createGrant(t, st)
	require.NoError(t, e.Start(g))

	assert.Len(t, startedCh, 1)

	updated, err := st.GetGrant(g.ID)
	require.NoError(t, err)
	assert.Equal(t, models.GrantStatusPending, updated.Status,
		"grant stays pending while evaluators work")

	status, err := e.GetStatus(g.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StageEvaluation, status.Stage)
	assert.Equal(t, float64(20), status.Progress)
	assert.Equal(t, models.EvaluatorTypes(), status.EvaluationsPending)
	assert.Empty(t, status.EvaluationsComplete)

	requests := messagesOfType(b, g.ID, models.MessageTypeEvaluationRequest)
	require.Len(t, requests, 5, "one request per required evaluator")
	seen := make(map[models.AgentType]bool)
	for _, qm := range requests {
		assert.Equal(t, models.PriorityHigh, qm.Priority)
		require.Len(t, qm.Message.To, 1)
		seen[qm.Message.To[0]] = true
	}
	assert.Len(t, seen, 5, "each evaluator addressed exactly once")
}

func TestStart_SequentialFanOut(t *testing.T) {
	off := false
	e, st, b, _ := newTestEngine(t, func(c *config.OrchestratorConfig) {
		c.ParallelEvaluations = &off
	})

	g := createGrant(t, st)
	require.NoError(t, e.Start(g))
	assert.Len(t, messagesOfType(b, g.ID, models.MessageTypeEvaluationRequest), 5)
}

func TestStart_DuplicateWorkflow(t *testing.T) {
	e, st, _, _ := newTestEngine(t, nil)
	g := createGrant(t, st)

	require.NoError(t, e.Start(g))
	assert.ErrorIs(t, e.Start(g), ErrWorkflowExists)
}

func TestHandleVote_TracksProgress(t *testing.T) {
	e, st, _, emitter := newTestEngine(t, nil)
	progressCh, cancel := emitter.Subscribe(events.EvaluationProgress)
	defer cancel()

	g := createGrant(t, st)
	require.NoError(t, e.Start(g))

	castVote(t, e, g.ID, models.AgentTypeTechnical, 72)
	castVote(t, e, g.ID, models.AgentTypeBudget, 65)

	status, err := e.GetStatus(g.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StageEvaluation, status.Stage)
	assert.InDelta(t, 40, status.Progress, 0.001, "20 + 2/5 of the evaluation span")
	assert.Equal(t,
		[]models.AgentType{models.AgentTypeTechnical, models.AgentTypeBudget},
		status.EvaluationsComplete)
	assert.Len(t, status.EvaluationsPending, 3)
	assert.Len(t, progressCh, 2)
}

func TestGrantStatusFollowsStages(t *testing.T) {
	e, st, _, _ := newTestEngine(t, nil)

	g := createGrant(t, st)
	require.NoError(t, e.Start(g))

	// Pending through the whole evaluation stage, even with most votes in.
	evaluators := models.EvaluatorTypes()
	for _, agent := range evaluators[:4] {
		castVote(t, e, g.ID, agent, 72)
		updated, err := st.GetGrant(g.ID)
		require.NoError(t, err)
		assert.Equal(t, models.GrantStatusPending, updated.Status)
	}
	pending := st.GetGrantsByStatus(models.GrantStatusPending)
	require.Len(t, pending, 1)
	assert.Equal(t, g.ID, pending[0].ID)

	// The last vote drives voting (under_review) and the decision.
	castVote(t, e, g.ID, evaluators[4], 72)
	updated, err := st.GetGrant(g.ID)
	require.NoError(t, err)
	assert.Equal(t, models.GrantStatusApproved, updated.Status)
	assert.Empty(t, st.GetGrantsByStatus(models.GrantStatusPending))
	assert.Empty(t, st.GetGrantsByStatus(models.GrantStatusUnderReview))
}

func TestHandleVote_InvalidScoreEmitsEvaluationFailed(t *testing.T) {
	e, st, _, emitter := newTestEngine(t, nil)
	failedCh, cancel := emitter.Subscribe(events.EvaluationFailed)
	defer cancel()

	g := createGrant(t, st)
	require.NoError(t, e.Start(g))

	err := e.HandleVote(models.AgentTypeTechnical, models.VoteCastPayload{
		GrantID: g.ID, Score: 150, Confidence: 0.9,
	})
	require.Error(t, err)

	require.Len(t, failedCh, 1)
	evt := (<-failedCh).Payload.(EvaluationErrorEvent)
	assert.Equal(t, g.ID, evt.GrantID)
	assert.Equal(t, models.AgentTypeTechnical, evt.AgentType)
	assert.NotEmpty(t, evt.Error)

	// The workflow survives the bad vote and the evaluator may retry.
	status, err := e.GetStatus(g.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StageEvaluation, status.Stage)
	castVote(t, e, g.ID, models.AgentTypeTechnical, 72)
	assert.Equal(t, 1, st.CountEvaluations(g.ID))
}

func TestWorkflow_ApprovalPath(t *testing.T) {
	e, st, b, emitter := newTestEngine(t, nil)
	completeCh, cancel := emitter.Subscribe(events.WorkflowComplete)
	defer cancel()

	g := createGrant(t, st)
	require.NoError(t, e.Start(g))
	castVotes(t, e, g.ID, []float64{72, 65, 80, 58, 70})

	status, err := e.GetStatus(g.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StageComplete, status.Stage)
	assert.Equal(t, float64(100), status.Progress)

	updated, err := st.GetGrant(g.ID)
	require.NoError(t, err)
	assert.Equal(t, models.GrantStatusApproved, updated.Status)

	evts := make([]events.Event, 0, 1)
	for len(completeCh) > 0 {
		evts = append(evts, <-completeCh)
	}
	require.Len(t, evts, 1)
	stage := evts[0].Payload.(StageEvent)
	assert.Equal(t, models.DecisionApproved, stage.Decision)

	decisions := messagesOfType(b, g.ID, models.MessageTypeApprovalDecision)
	require.Len(t, decisions, 1)
	assert.Equal(t, models.PriorityCritical, decisions[0].Priority)
	assert.Equal(t, []models.AgentType{models.AgentTypeExecutor}, decisions[0].Message.To)

	payload, err := models.DecodePayload[models.ApprovalDecisionPayload](decisions[0].Message)
	require.NoError(t, err)
	assert.Equal(t, models.DecisionApproved, payload.Decision)
	require.NotNil(t, payload.VotingResult)
	assert.True(t, payload.VotingResult.Approved)
	assert.Len(t, payload.VotingResult.Votes, 5)
}

func TestWorkflow_RejectionPath(t *testing.T) {
	e, st, b, _ := newTestEngine(t, nil)

	g := createGrant(t, st)
	require.NoError(t, e.Start(g))
	castVotes(t, e, g.ID, []float64{40, 45, 38, 42, 55})

	status, err := e.GetStatus(g.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StageComplete, status.Stage, "rejection still completes the workflow")

	updated, err := st.GetGrant(g.ID)
	require.NoError(t, err)
	assert.Equal(t, models.GrantStatusRejected, updated.Status)

	decisions := messagesOfType(b, g.ID, models.MessageTypeApprovalDecision)
	require.Len(t, decisions, 1)
	payload, err := models.DecodePayload[models.ApprovalDecisionPayload](decisions[0].Message)
	require.NoError(t, err)
	assert.Equal(t, models.DecisionRejected, payload.Decision)
}

func TestHandleVote_DuplicateIgnored(t *testing.T) {
	e, st, _, _ := newTestEngine(t, nil)
	g := createGrant(t, st)
	require.NoError(t, e.Start(g))

	castVote(t, e, g.ID, models.AgentTypeTechnical, 72)
	castVote(t, e, g.ID, models.AgentTypeTechnical, 95)

	status, err := e.GetStatus(g.ID)
	require.NoError(t, err)
	assert.InDelta(t, 30, status.Progress, 0.001, "second vote does not advance progress")
	assert.Equal(t, 1, st.CountEvaluations(g.ID))
}

func TestHandleVote_UnknownWorkflowTolerated(t *testing.T) {
	e, _, _, _ := newTestEngine(t, nil)
	assert.NoError(t, e.HandleVote(models.AgentTypeTechnical, models.VoteCastPayload{
		GrantID: 999, Score: 50,
	}))
}

func TestHandleVote_AfterCompletionIgnored(t *testing.T) {
	e, st, _, _ := newTestEngine(t, nil)
	g := createGrant(t, st)
	require.NoError(t, e.Start(g))
	castVotes(t, e, g.ID, []float64{72, 65, 80, 58, 70})

	// A straggler vote after the decision is dropped without error.
	assert.NoError(t, e.HandleVote(models.AgentTypeTechnical, models.VoteCastPayload{
		GrantID: g.ID, Score: 10,
	}))

	updated, err := st.GetGrant(g.ID)
	require.NoError(t, err)
	assert.Equal(t, models.GrantStatusApproved, updated.Status)
}

func TestWorkflow_EvaluationTimeout(t *testing.T) {
	e, st, _, emitter := newTestEngine(t, func(c *config.OrchestratorConfig) {
		c.EvaluationTimeout = 30 * time.Millisecond
	})
	timeoutCh, cancelTimeout := emitter.Subscribe(events.EvaluationTimeout)
	defer cancelTimeout()
	failedCh, cancelFailed := emitter.Subscribe(events.WorkflowFailed)
	defer cancelFailed()

	g := createGrant(t, st)
	require.NoError(t, e.Start(g))
	castVote(t, e, g.ID, models.AgentTypeTechnical, 72)
	castVote(t, e, g.ID, models.AgentTypeImpact, 65)

	require.Eventually(t, func() bool {
		status, err := e.GetStatus(g.ID)
		return err == nil && status.Stage == models.StageFailed
	}, time.Second, 5*time.Millisecond)

	status, err := e.GetStatus(g.ID)
	require.NoError(t, err)
	assert.Contains(t, status.Error, "timeout")
	assert.Contains(t, status.Error, "due_diligence")

	require.Len(t, timeoutCh, 1, "evaluation:timeout fires exactly once")
	timeout := (<-timeoutCh).Payload.(TimeoutEvent)
	assert.ElementsMatch(t, []models.AgentType{
		models.AgentTypeDueDiligence, models.AgentTypeBudget, models.AgentTypeCommunity,
	}, timeout.Missing)
	assert.Len(t, failedCh, 1)

	updated, err := st.GetGrant(g.ID)
	require.NoError(t, err)
	assert.Equal(t, models.GrantStatusRejected, updated.Status)

	// A vote arriving after the deadline cannot revive the workflow.
	assert.NoError(t, e.HandleVote(models.AgentTypeBudget, models.VoteCastPayload{
		GrantID: g.ID, Score: 90,
	}))
	status, err = e.GetStatus(g.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StageFailed, status.Stage)
}

func TestWorkflow_TimerStoppedOnCompletion(t *testing.T) {
	e, st, _, emitter := newTestEngine(t, func(c *config.OrchestratorConfig) {
		c.EvaluationTimeout = 30 * time.Millisecond
	})
	timeoutCh, cancel := emitter.Subscribe(events.EvaluationTimeout)
	defer cancel()

	g := createGrant(t, st)
	require.NoError(t, e.Start(g))
	castVotes(t, e, g.ID, []float64{72, 65, 80, 58, 70})

	time.Sleep(60 * time.Millisecond)
	assert.Len(t, timeoutCh, 0, "completed workflow never times out")
}

func TestAbort(t *testing.T) {
	e, st, _, emitter := newTestEngine(t, nil)
	failedCh, cancel := emitter.Subscribe(events.WorkflowFailed)
	defer cancel()

	g := createGrant(t, st)
	require.NoError(t, e.Start(g))

	require.NoError(t, e.Abort(g.ID, "operator requested"))

	status, err := e.GetStatus(g.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StageFailed, status.Stage)
	assert.Equal(t, "operator requested", status.Error)
	assert.Len(t, failedCh, 1)

	assert.ErrorIs(t, e.Abort(g.ID, "again"), ErrWorkflowTerminal)
	assert.ErrorIs(t, e.Abort(404, "missing"), ErrWorkflowNotFound)
}

func TestWorkflowListings(t *testing.T) {
	e, st, _, _ := newTestEngine(t, nil)

	first := createGrant(t, st)
	second := createGrant(t, st)
	require.NoError(t, e.Start(first))
	require.NoError(t, e.Start(second))
	castVotes(t, e, first.ID, []float64{72, 65, 80, 58, 70})

	active := e.ActiveWorkflows()
	require.Len(t, active, 1)
	assert.Equal(t, second.ID, active[0].GrantID)
	assert.Equal(t, 1, e.ActiveCount())
	assert.Len(t, e.ListWorkflows(), 2)

	_, err := e.GetStatus(999)
	assert.ErrorIs(t, err, ErrWorkflowNotFound)
}

func TestWaitIdle(t *testing.T) {
	e, st, _, _ := newTestEngine(t, nil)
	g := createGrant(t, st)
	require.NoError(t, e.Start(g))

	assert.False(t, e.WaitIdle(60*time.Millisecond))
	castVotes(t, e, g.ID, []float64{72, 65, 80, 58, 70})
	assert.True(t, e.WaitIdle(time.Second))
}
