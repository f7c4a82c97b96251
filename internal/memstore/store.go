// Package memstore is an in-memory implementation of the pipeline store, used
// by tests and by CLI runs without a database. Records are copied on the way
// in and out so callers never share state with the store.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/content-pipeline/internal/activity"
	"github.com/jonathan/content-pipeline/internal/types"
)

// Store holds executions, sessions, stage results and activities.
type Store struct {
	mu         sync.Mutex
	executions map[uuid.UUID]*types.Execution
	order      []uuid.UUID
	sessions   map[uuid.UUID]*types.CheckpointSession // by execution id
	results    map[uuid.UUID]map[string]*types.StageResult
	activities map[uuid.UUID]*types.AgentActivity
	byExec     map[uuid.UUID][]uuid.UUID
}

// New creates an empty store.
func New() *Store {
	return &Store{
		executions: map[uuid.UUID]*types.Execution{},
		sessions:   map[uuid.UUID]*types.CheckpointSession{},
		results:    map[uuid.UUID]map[string]*types.StageResult{},
		activities: map[uuid.UUID]*types.AgentActivity{},
		byExec:     map[uuid.UUID][]uuid.UUID{},
	}
}

func cloneExecution(e *types.Execution) *types.Execution {
	out := *e
	out.Input.ProjectNames = slices.Clone(e.Input.ProjectNames)
	out.Input.DocumentIDs = slices.Clone(e.Input.DocumentIDs)
	out.FinalResult = types.CloneMap(e.FinalResult)
	return &out
}

func cloneResult(r *types.StageResult) *types.StageResult {
	out := *r
	out.Result = types.CloneMap(r.Result)
	out.RepairStrategies = slices.Clone(r.RepairStrategies)
	return &out
}

func cloneActivity(a *types.AgentActivity) *types.AgentActivity {
	out := *a
	out.Decisions = slices.Clone(a.Decisions)
	out.RetrievalUsage = slices.Clone(a.RetrievalUsage)
	out.ContentChanges = slices.Clone(a.ContentChanges)
	out.Warnings = slices.Clone(a.Warnings)
	out.Errors = slices.Clone(a.Errors)
	out.Badges = slices.Clone(a.Badges)
	return &out
}

// CreateExecution stores a copy of e; ids must be unique.
func (s *Store) CreateExecution(_ context.Context, e *types.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[e.ID]; ok {
		return fmt.Errorf("execution %s already exists", e.ID)
	}
	s.executions[e.ID] = cloneExecution(e)
	s.order = append(s.order, e.ID)
	return nil
}

// GetExecution returns nil, nil when the execution does not exist.
func (s *Store) GetExecution(_ context.Context, id uuid.UUID) (*types.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok {
		return nil, nil
	}
	return cloneExecution(e), nil
}

// UpdateExecution replaces a stored execution.
func (s *Store) UpdateExecution(_ context.Context, e *types.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[e.ID]; !ok {
		return fmt.Errorf("execution %s not found", e.ID)
	}
	s.executions[e.ID] = cloneExecution(e)
	return nil
}

// ListExecutions returns the most recent executions first.
func (s *Store) ListExecutions(_ context.Context, limit int) ([]types.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Execution
	for i := len(s.order) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, *cloneExecution(s.executions[s.order[i]]))
	}
	return out, nil
}

// CreateSession stores the session of an execution that has none yet.
func (s *Store) CreateSession(_ context.Context, cs *types.CheckpointSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[cs.ExecutionID]; ok {
		return fmt.Errorf("execution %s already has a checkpoint session", cs.ExecutionID)
	}
	s.sessions[cs.ExecutionID] = cs.Clone()
	return nil
}

// GetSessionByExecution returns nil, nil when there is no session.
func (s *Store) GetSessionByExecution(_ context.Context, executionID uuid.UUID) (*types.CheckpointSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.sessions[executionID]
	if !ok {
		return nil, nil
	}
	return cs.Clone(), nil
}

// UpdateSession replaces the session of cs.ExecutionID.
func (s *Store) UpdateSession(_ context.Context, cs *types.CheckpointSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[cs.ExecutionID]; !ok {
		return fmt.Errorf("checkpoint session for execution %s not found", cs.ExecutionID)
	}
	s.sessions[cs.ExecutionID] = cs.Clone()
	return nil
}

// UpsertStageResult inserts or replaces the result for (execution, stage). A completed
// result is rejected with *types.StageOrderError unless every lower-order result is completed.
func (s *Store) UpsertStageResult(_ context.Context, r *types.StageResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byStage := s.results[r.ExecutionID]
	if byStage == nil {
		byStage = map[string]*types.StageResult{}
		s.results[r.ExecutionID] = byStage
	}

	if r.Status == types.StageCompleted {
		completed := 0
		for _, other := range byStage {
			if other.StageOrder < r.StageOrder && other.Status == types.StageCompleted {
				completed++
			}
		}
		if completed != r.StageOrder-1 {
			return &types.StageOrderError{Stage: r.Stage, Order: r.StageOrder, Completed: completed}
		}
	}

	now := time.Now()
	stored := cloneResult(r)
	if existing, ok := byStage[r.Stage]; ok {
		stored.ID = existing.ID
		stored.CreatedAt = existing.CreatedAt
	} else {
		if stored.ID == uuid.Nil {
			stored.ID = uuid.New()
		}
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = now
		}
	}
	stored.UpdatedAt = now
	byStage[r.Stage] = stored
	r.ID, r.CreatedAt, r.UpdatedAt = stored.ID, stored.CreatedAt, stored.UpdatedAt
	return nil
}

// GetStageResult returns nil, nil when there is no result for the stage.
func (s *Store) GetStageResult(_ context.Context, executionID uuid.UUID, stage string) (*types.StageResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[executionID][stage]
	if !ok {
		return nil, nil
	}
	return cloneResult(r), nil
}

// ListStageResults returns the execution's results by stage order.
func (s *Store) ListStageResults(_ context.Context, executionID uuid.UUID) ([]types.StageResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.StageResult, 0, len(s.results[executionID]))
	for _, r := range s.results[executionID] {
		out = append(out, *cloneResult(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StageOrder < out[j].StageOrder })
	return out, nil
}

// CreateActivity stores a copy of a.
func (s *Store) CreateActivity(_ context.Context, a *types.AgentActivity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activities[a.ID] = cloneActivity(a)
	s.byExec[a.ExecutionID] = append(s.byExec[a.ExecutionID], a.ID)
	return nil
}

// AppendActivityEntry appends entry to the list named by kind.
func (s *Store) AppendActivityEntry(_ context.Context, id uuid.UUID, kind types.EntryKind, entry any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.runningActivity(id)
	if err != nil {
		return err
	}

	switch e := entry.(type) {
	case types.Decision:
		a.Decisions = append(a.Decisions, e)
	case types.RetrievalUsage:
		a.RetrievalUsage = append(a.RetrievalUsage, e)
	case types.ContentChange:
		a.ContentChanges = append(a.ContentChanges, e)
	case types.Badge:
		a.Badges = append(a.Badges, e)
	case types.Note:
		switch kind {
		case types.EntryWarning:
			a.Warnings = append(a.Warnings, e)
		case types.EntryError:
			a.Errors = append(a.Errors, e)
		default:
			return fmt.Errorf("note entry for %q", kind)
		}
	default:
		return fmt.Errorf("unsupported activity entry %T for %q", entry, kind)
	}
	return nil
}

// IncrementActivityCounter adds delta to a counter of a running activity.
func (s *Store) IncrementActivityCounter(_ context.Context, id uuid.UUID, counter types.CounterKind, delta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.runningActivity(id)
	if err != nil {
		return err
	}
	switch counter {
	case types.CounterLLMCalls:
		a.Counters.LLMCalls += delta
	case types.CounterCacheHits:
		a.Counters.CacheHits += delta
	case types.CounterRepairAttempts:
		a.Counters.RepairAttempts += delta
	default:
		return fmt.Errorf("unknown counter %q", counter)
	}
	return nil
}

// FinishActivity freezes a running activity with status.
func (s *Store) FinishActivity(_ context.Context, id uuid.UUID, status types.ActivityStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.runningActivity(id)
	if err != nil {
		return err
	}
	a.Status = status
	a.CompletedAt = &at
	return nil
}

func (s *Store) runningActivity(id uuid.UUID) (*types.AgentActivity, error) {
	a, ok := s.activities[id]
	if !ok {
		return nil, fmt.Errorf("activity %s not found", id)
	}
	if a.Status != types.ActivityRunning {
		return nil, activity.ErrActivityFrozen
	}
	return a, nil
}

// ListActivities returns the execution's activities in creation order.
func (s *Store) ListActivities(_ context.Context, executionID uuid.UUID) ([]types.AgentActivity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.byExec[executionID]
	out := make([]types.AgentActivity, 0, len(ids))
	for _, id := range ids {
		out = append(out, *cloneActivity(s.activities[id]))
	}
	return out, nil
}
