// Package store holds the in-memory grant and evaluation state. It is the
// source of truth during a process lifetime; the external database only
// receives asynchronous status mirrors through the bridge.
package store

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/grantmesh/grantmesh/pkg/models"
)

// Sentinel errors for store operations.
var (
	// ErrGrantNotFound is returned when no grant exists for the id.
	ErrGrantNotFound = errors.New("grant not found")

	// ErrIllegalTransition is returned for a status change the grant
	// lifecycle does not allow.
	ErrIllegalTransition = errors.New("illegal grant status transition")

	// ErrDuplicateEvaluation is returned when an agent type already
	// evaluated the grant.
	ErrDuplicateEvaluation = errors.New("evaluation already recorded for agent type")
)

// ValidationError describes a rejected field value.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
}

// legalTransitions is the grant lifecycle. Approved, rejected, and
// completed are terminal except approved → completed.
var legalTransitions = map[models.GrantStatus][]models.GrantStatus{
	models.GrantStatusPending:     {models.GrantStatusUnderReview, models.GrantStatusRejected},
	models.GrantStatusUnderReview: {models.GrantStatusApproved, models.GrantStatusRejected},
	models.GrantStatusApproved:    {models.GrantStatusCompleted},
}

// DecisionParams are the inputs to vote aggregation.
type DecisionParams struct {
	// ApprovalThreshold is the mean-score cutoff (out of 100) and the
	// per-vote cutoff for the majority count.
	ApprovalThreshold float64

	// MajorityRequired is the minimum number of votes at or above the
	// threshold.
	MajorityRequired int

	// RequiredVotes is how many votes finalize the result.
	RequiredVotes int
}

// Store is the thread-safe in-memory grant database.
type Store struct {
	bridge *Bridge // nil disables external mirroring

	nextID atomic.Int64

	mu          sync.RWMutex
	grants      map[int64]*models.Grant
	evaluations map[int64]map[models.AgentType]*models.Evaluation
}

// New creates an empty store. The bridge may be nil.
func New(bridge *Bridge) *Store {
	return &Store{
		bridge:      bridge,
		grants:      make(map[int64]*models.Grant),
		evaluations: make(map[int64]map[models.AgentType]*models.Evaluation),
	}
}

// CreateGrant validates and stores a new grant with a fresh id and
// pending status. Returns a copy of the stored record.
func (s *Store) CreateGrant(g *models.Grant) (*models.Grant, error) {
	if g.Applicant == "" {
		return nil, &ValidationError{Field: "applicant", Message: "must not be empty"}
	}
	if g.ProjectName == "" {
		return nil, &ValidationError{Field: "project_name", Message: "must not be empty"}
	}
	if g.Amount <= 0 {
		return nil, &ValidationError{Field: "amount", Message: "must be positive"}
	}

	stored := *g
	stored.ID = s.nextID.Add(1)
	stored.Status = models.GrantStatusPending
	stored.CreatedAt = time.Now()
	stored.UpdatedAt = nil

	s.mu.Lock()
	s.grants[stored.ID] = &stored
	s.mu.Unlock()

	cp := stored
	return &cp, nil
}

// GetGrant returns a copy of the grant.
func (s *Store) GetGrant(id int64) (*models.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.grants[id]
	if !ok {
		return nil, fmt.Errorf("grant %d: %w", id, ErrGrantNotFound)
	}
	cp := *g
	return &cp, nil
}

// GetGrantsByStatus returns copies of all grants in the status, id order.
func (s *Store) GetGrantsByStatus(status models.GrantStatus) []*models.Grant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(func(g *models.Grant) bool { return g.Status == status })
}

// ListGrants returns copies of every grant in id order.
func (s *Store) ListGrants() []*models.Grant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(func(*models.Grant) bool { return true })
}

// collect snapshots matching grants sorted by id. Callers hold the lock.
func (s *Store) collect(match func(*models.Grant) bool) []*models.Grant {
	var result []*models.Grant
	for _, g := range s.grants {
		if match(g) {
			cp := *g
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// UpdateGrantStatus applies a lifecycle transition and asynchronously
// mirrors it to the external database. Illegal transitions leave the
// grant unchanged.
func (s *Store) UpdateGrantStatus(id int64, status models.GrantStatus) (*models.Grant, error) {
	if !status.IsValid() {
		return nil, &ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", status)}
	}

	s.mu.Lock()
	g, ok := s.grants[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("grant %d: %w", id, ErrGrantNotFound)
	}
	if !transitionAllowed(g.Status, status) {
		from := g.Status
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s → %s", ErrIllegalTransition, from, status)
	}
	now := time.Now()
	g.Status = status
	g.UpdatedAt = &now
	cp := *g
	s.mu.Unlock()

	if s.bridge != nil {
		s.bridge.MirrorStatus(id, status)
	}
	return &cp, nil
}

func transitionAllowed(from, to models.GrantStatus) bool {
	for _, allowed := range legalTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// AddEvaluation validates and records one agent's evaluation of a grant.
// At most one evaluation per (grant, agent type) is kept.
func (s *Store) AddEvaluation(e *models.Evaluation) (*models.Evaluation, error) {
	if !e.AgentType.IsValid() {
		return nil, &ValidationError{Field: "agent_type", Message: fmt.Sprintf("unknown agent type %q", e.AgentType)}
	}
	if e.Score < 0 || e.Score > 100 {
		return nil, &ValidationError{Field: "score", Message: fmt.Sprintf("must be in [0,100], got %v", e.Score)}
	}
	if e.Confidence < 0 || e.Confidence > 1 {
		return nil, &ValidationError{Field: "confidence", Message: fmt.Sprintf("must be in [0,1], got %v", e.Confidence)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.grants[e.GrantID]; !ok {
		return nil, fmt.Errorf("grant %d: %w", e.GrantID, ErrGrantNotFound)
	}
	byType, ok := s.evaluations[e.GrantID]
	if !ok {
		byType = make(map[models.AgentType]*models.Evaluation)
		s.evaluations[e.GrantID] = byType
	}
	if _, exists := byType[e.AgentType]; exists {
		return nil, fmt.Errorf("grant %d, %s: %w", e.GrantID, e.AgentType, ErrDuplicateEvaluation)
	}

	stored := *e
	stored.ID = uuid.NewString()
	stored.CreatedAt = time.Now()
	byType[e.AgentType] = &stored

	cp := stored
	return &cp, nil
}

// GetEvaluations returns copies of a grant's evaluations, oldest first.
func (s *Store) GetEvaluations(grantID int64) []*models.Evaluation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byType := s.evaluations[grantID]
	result := make([]*models.Evaluation, 0, len(byType))
	for _, e := range byType {
		cp := *e
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].AgentType < result[j].AgentType
	})
	return result
}

// CountEvaluations returns how many agent types have evaluated the grant.
func (s *Store) CountEvaluations(grantID int64) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.evaluations[grantID])
}

// CalculateVotingResult aggregates a grant's evaluations under the
// decision rule: approval requires the mean score to meet the threshold
// AND at least MajorityRequired individual votes at or above it. The
// result is finalized once RequiredVotes votes are in; Approved is only
// meaningful on a finalized result.
func (s *Store) CalculateVotingResult(grantID int64, p DecisionParams) (*models.VotingResult, error) {
	s.mu.RLock()
	if _, ok := s.grants[grantID]; !ok {
		s.mu.RUnlock()
		return nil, fmt.Errorf("grant %d: %w", grantID, ErrGrantNotFound)
	}
	s.mu.RUnlock()

	evals := s.GetEvaluations(grantID)
	result := &models.VotingResult{
		GrantID: grantID,
		Votes:   make([]models.Vote, 0, len(evals)),
	}

	atOrAbove := 0
	for _, e := range evals {
		result.Votes = append(result.Votes, models.Vote{
			AgentType: e.AgentType,
			Score:     e.Score,
			Timestamp: e.CreatedAt,
		})
		result.TotalScore += e.Score
		if e.Score >= p.ApprovalThreshold {
			atOrAbove++
		}
	}

	result.Finalized = len(result.Votes) >= p.RequiredVotes
	if result.Finalized {
		result.Approved = result.MeanScore() >= p.ApprovalThreshold &&
			atOrAbove >= p.MajorityRequired
	}
	return result, nil
}
