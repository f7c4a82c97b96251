// Package pipeline drives content executions through the stage sequence. It
// owns the checkpoint/resume semantics: a stage recorded as completed in the
// checkpoint session is never run again, and its stored result (reviewer edits
// included) is what later stages see.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jonathan/content-pipeline/internal/activity"
	"github.com/jonathan/content-pipeline/internal/agent"
	"github.com/jonathan/content-pipeline/internal/checkpoint"
	"github.com/jonathan/content-pipeline/internal/logging"
	"github.com/jonathan/content-pipeline/internal/pipeline/stages"
	"github.com/jonathan/content-pipeline/internal/retrieval"
	"github.com/jonathan/content-pipeline/internal/types"
)

// DefaultSessionTTL is how long a checkpoint session stays usable.
const DefaultSessionTTL = 7 * 24 * time.Hour

// StageExecutor runs one stage; *agent.Executor is the production implementation.
type StageExecutor interface {
	Execute(ctx context.Context, def stages.Definition, input map[string]any) (*agent.Result, error)
}

// Searcher finds reference chunks; *retrieval.Scorer is the production implementation.
type Searcher interface {
	Search(ctx context.Context, query string, scope retrieval.Scope, k int) (*retrieval.Results, error)
}

// Options configures an Orchestrator. Store and Executor are required.
type Options struct {
	Store      Store
	Registry   *stages.Registry
	Executor   StageExecutor
	Searcher   Searcher // nil disables retrieval
	Logger     *zap.Logger
	Now        func() time.Time
	SessionTTL time.Duration
	OnProgress ProgressCallback
}

// OutcomeStatus says where a run stopped.
type OutcomeStatus string

const (
	OutcomeCompleted OutcomeStatus = "completed"
	OutcomePaused    OutcomeStatus = "paused_for_review"
	OutcomeFailed    OutcomeStatus = "failed"
)

// RunOutcome describes a run that reached completion or a stable halt.
type RunOutcome struct {
	ExecutionID uuid.UUID      `json:"execution_id"`
	Status      OutcomeStatus  `json:"status"`
	Stage       string         `json:"stage,omitempty"` // last stage run, or the one awaiting review
	StagesRun   []string       `json:"stages_run"`
	Result      map[string]any `json:"result,omitempty"`
}

// State is a snapshot of everything known about one execution.
type State struct {
	Execution  *types.Execution         `json:"execution"`
	Session    *types.CheckpointSession `json:"session"`
	Stages     []types.StageResult      `json:"stages"`
	Activities []types.AgentActivity    `json:"activities"`
	NextStage  string                   `json:"next_stage,omitempty"`
}

// Orchestrator runs executions. Distinct executions may run concurrently; a
// second run of the same execution in this process fails with ErrExecutionBusy.
type Orchestrator struct {
	store      Store
	registry   *stages.Registry
	executor   StageExecutor
	searcher   Searcher
	activity   *activity.Logger
	logger     *zap.Logger
	now        func() time.Time
	sessionTTL time.Duration
	onProgress ProgressCallback

	mu      sync.Mutex
	running map[uuid.UUID]bool
}

// New creates an Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, errors.New("pipeline: store is required")
	}
	if opts.Executor == nil {
		return nil, errors.New("pipeline: executor is required")
	}
	if opts.Registry == nil {
		opts.Registry = stages.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = DefaultSessionTTL
	}
	logger := logging.OrNop(opts.Logger)

	return &Orchestrator{
		store:      opts.Store,
		registry:   opts.Registry,
		executor:   opts.Executor,
		searcher:   opts.Searcher,
		activity:   activity.NewLogger(opts.Store, logger, opts.Now),
		logger:     logger,
		now:        opts.Now,
		sessionTTL: opts.SessionTTL,
		onProgress: opts.OnProgress,
		running:    map[uuid.UUID]bool{},
	}, nil
}

// Registry returns the stage registry in use.
func (o *Orchestrator) Registry() *stages.Registry {
	return o.registry
}

func (o *Orchestrator) acquire(id uuid.UUID) (func(), error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running[id] {
		return nil, fmt.Errorf("%w: %s", ErrExecutionBusy, id)
	}
	o.running[id] = true
	return func() {
		o.mu.Lock()
		delete(o.running, id)
		o.mu.Unlock()
	}, nil
}

func (o *Orchestrator) emit(e ProgressEvent) {
	if o.onProgress == nil {
		return
	}
	e.At = o.now()
	o.onProgress(e)
}

// Start validates input and creates a pending execution with its checkpoint session.
func (o *Orchestrator) Start(ctx context.Context, input types.PipelineInput, mode types.Mode) (uuid.UUID, error) {
	if err := input.Validate(); err != nil {
		return uuid.Nil, fmt.Errorf("invalid input: %w", err)
	}
	switch mode {
	case "":
		mode = types.ModeAutomatic
	case types.ModeAutomatic, types.ModeManual:
	default:
		return uuid.Nil, fmt.Errorf("invalid mode %q", mode)
	}

	now := o.now()
	exec := &types.Execution{
		ID:        uuid.New(),
		Input:     input.WithDefaults(),
		Mode:      mode,
		Status:    types.ExecutionPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.store.CreateExecution(ctx, exec); err != nil {
		return uuid.Nil, fmt.Errorf("failed to create execution: %w", err)
	}
	if err := o.store.CreateSession(ctx, checkpoint.New(exec.ID, mode, o.sessionTTL, now)); err != nil {
		return uuid.Nil, fmt.Errorf("failed to create checkpoint session: %w", err)
	}

	o.logger.Info("execution created",
		zap.String(logging.FieldExecutionID, exec.ID.String()),
		zap.String("mode", string(mode)),
		zap.String("topic", input.Topic))
	return exec.ID, nil
}

// Run drives the execution until it completes, pauses for review or fails.
func (o *Orchestrator) Run(ctx context.Context, id uuid.UUID) (*RunOutcome, error) {
	release, err := o.acquire(id)
	if err != nil {
		return nil, err
	}
	defer release()
	return o.run(ctx, id)
}

// Resume continues an execution after a restart. Completed stages are reused as stored.
func (o *Orchestrator) Resume(ctx context.Context, id uuid.UUID) (*RunOutcome, error) {
	return o.Run(ctx, id)
}

func (o *Orchestrator) load(ctx context.Context, id uuid.UUID) (*types.Execution, *types.CheckpointSession, error) {
	exec, err := o.store.GetExecution(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load execution %s: %w", id, err)
	}
	if exec == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
	}
	sess, err := o.store.GetSessionByExecution(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load checkpoint session for %s: %w", id, err)
	}
	if sess == nil {
		return nil, nil, fmt.Errorf("execution %s has no checkpoint session", id)
	}
	return exec, sess, nil
}

// checkOpen persists an elapsed expiry and rejects expired or completed sessions.
func (o *Orchestrator) checkOpen(ctx context.Context, sess *types.CheckpointSession) error {
	was := sess.Status
	err := checkpoint.CheckOpen(sess, o.now())
	if sess.Status != was {
		if uerr := o.store.UpdateSession(ctx, sess); uerr != nil {
			o.logger.Warn("failed to persist session expiry", zap.Error(uerr))
		}
	}
	return err
}

func (o *Orchestrator) run(ctx context.Context, id uuid.UUID) (*RunOutcome, error) {
	exec, sess, err := o.load(ctx, id)
	if err != nil {
		return nil, err
	}
	outcome := &RunOutcome{ExecutionID: id, StagesRun: []string{}}

	if err := o.checkOpen(ctx, sess); err != nil {
		if errors.Is(err, checkpoint.ErrSessionCompleted) && exec.Status != types.ExecutionCompleted {
			return o.finish(ctx, exec, sess, outcome)
		}
		return nil, fmt.Errorf("execution %s: %w", id, err)
	}
	if exec.Status == types.ExecutionFailed {
		return nil, fmt.Errorf("%w: %s failed at %s", ErrExecutionFailed, id, deref(exec.ErrorStage))
	}
	if sess.Status == types.SessionPaused {
		outcome.Status = OutcomePaused
		outcome.Stage = sess.LastCompleted()
		return outcome, nil
	}

	if err := o.validateCompleted(ctx, sess); err != nil {
		var depErr *StageDependencyError
		stage := ""
		if errors.As(err, &depErr) {
			stage = depErr.Stage
		}
		o.failExecution(ctx, exec, stage, err)
		return nil, err
	}

	order := o.registry.Order()
	for {
		if err := ctx.Err(); err != nil {
			return outcome, err
		}
		next, ok := checkpoint.NextStage(sess, order)
		if !ok {
			return o.finish(ctx, exec, sess, outcome)
		}
		def, _ := o.registry.Get(next)

		outcome.Stage = def.ID
		if err := o.runStage(ctx, exec, sess, def); err != nil {
			outcome.Status = OutcomeFailed
			return outcome, err
		}
		outcome.StagesRun = append(outcome.StagesRun, def.ID)

		if sess.Status == types.SessionPaused {
			outcome.Status = OutcomePaused
			o.emit(ProgressEvent{
				Type:        EventPaused,
				ExecutionID: id.String(),
				Stage:       def.ID,
				Message:     fmt.Sprintf("Paused for review after %s", def.ID),
			})
			return outcome, nil
		}
	}
}

// validateCompleted checks the completed list against the stage order and the stored results.
func (o *Orchestrator) validateCompleted(ctx context.Context, sess *types.CheckpointSession) error {
	if err := checkpoint.ValidatePrefix(sess.StagesCompleted, o.registry.Order()); err != nil {
		var prefixErr *checkpoint.PrefixError
		stage := ""
		if errors.As(err, &prefixErr) {
			stage = prefixErr.Got
		}
		return &StageDependencyError{Stage: stage, Message: "completed stages are not a prefix of the stage order", Cause: err}
	}

	results, err := o.store.ListStageResults(ctx, sess.ExecutionID)
	if err != nil {
		return fmt.Errorf("failed to list stage results: %w", err)
	}
	byStage := make(map[string]types.StageStatus, len(results))
	for _, r := range results {
		byStage[r.Stage] = r.Status
	}
	for _, stage := range sess.StagesCompleted {
		if byStage[stage] != types.StageCompleted {
			return &StageDependencyError{Stage: stage, Message: "marked completed without a completed stage result"}
		}
		if _, ok := sess.StageResults[stage]; !ok {
			return &StageDependencyError{Stage: stage, Message: "marked completed without a stored result"}
		}
	}
	return nil
}

func (o *Orchestrator) finish(ctx context.Context, exec *types.Execution, sess *types.CheckpointSession, outcome *RunOutcome) (*RunOutcome, error) {
	now := o.now()
	all := make(map[string]any, len(sess.StagesCompleted))
	for _, stage := range sess.StagesCompleted {
		all[stage] = types.CloneMap(sess.StageResults[stage])
	}
	final := types.CloneMap(sess.StageResults[sess.LastCompleted()])
	if final == nil {
		final = map[string]any{}
	}
	final["stages"] = all

	exec.Status = types.ExecutionCompleted
	exec.FinalResult = final
	exec.CurrentStage = ""
	exec.CompletedAt = &now
	exec.UpdatedAt = now
	if err := o.store.UpdateExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("failed to complete execution: %w", err)
	}
	if sess.Status != types.SessionCompleted {
		sess.Status = types.SessionCompleted
		sess.UpdatedAt = now
		if err := o.store.UpdateSession(ctx, sess); err != nil {
			return nil, fmt.Errorf("failed to complete checkpoint session: %w", err)
		}
	}

	o.logger.Info("execution completed",
		zap.String(logging.FieldExecutionID, exec.ID.String()),
		zap.Int("total_tokens", exec.Metrics.TotalTokens),
		zap.Float64("cost_usd", exec.Metrics.CostUSD))
	o.emit(ProgressEvent{
		Type:        EventCompleted,
		ExecutionID: exec.ID.String(),
		Message:     "Execution completed",
		Content:     exec.Metrics,
	})

	outcome.Status = OutcomeCompleted
	outcome.Result = final
	return outcome, nil
}

func (o *Orchestrator) failExecution(ctx context.Context, exec *types.Execution, stage string, cause error) {
	now := o.now()
	msg := cause.Error()
	exec.Status = types.ExecutionFailed
	exec.ErrorStage = &stage
	exec.ErrorMessage = &msg
	exec.UpdatedAt = now
	if err := o.store.UpdateExecution(ctx, exec); err != nil {
		o.logger.Error("failed to record execution failure",
			zap.String(logging.FieldExecutionID, exec.ID.String()), zap.Error(err))
	}
}

// GetState returns the execution with its session, stage results and activities.
func (o *Orchestrator) GetState(ctx context.Context, id uuid.UUID) (*State, error) {
	exec, sess, err := o.load(ctx, id)
	if err != nil {
		return nil, err
	}
	_ = o.checkOpen(ctx, sess)

	results, err := o.store.ListStageResults(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list stage results: %w", err)
	}
	activities, err := o.store.ListActivities(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list activities: %w", err)
	}

	state := &State{Execution: exec, Session: sess, Stages: results, Activities: activities}
	if next, ok := checkpoint.NextStage(sess, o.registry.Order()); ok {
		state.NextStage = next
	}
	return state, nil
}

// SubmitCheckpointAction applies a reviewer action to a paused execution and continues it.
func (o *Orchestrator) SubmitCheckpointAction(ctx context.Context, id uuid.UUID, req types.ActionRequest) (*RunOutcome, error) {
	release, err := o.acquire(id)
	if err != nil {
		return nil, err
	}
	defer release()

	_, sess, err := o.load(ctx, id)
	if err != nil {
		return nil, err
	}

	before := sess.Clone()
	applied, err := checkpoint.Apply(sess, req, o.now())
	if err != nil {
		if sess.Status != before.Status {
			_ = o.store.UpdateSession(ctx, sess)
		}
		return nil, fmt.Errorf("execution %s: %w", id, err)
	}

	if applied.Action == types.ActionReject {
		sr, err := o.store.GetStageResult(ctx, id, applied.Reopened)
		if err != nil {
			return nil, fmt.Errorf("failed to load stage result: %w", err)
		}
		if sr != nil {
			sr.Status = types.StagePending
			sr.CompletedAt = nil
			if err := o.store.UpsertStageResult(ctx, sr); err != nil {
				return nil, fmt.Errorf("failed to reopen stage %s: %w", applied.Reopened, err)
			}
		}
	}
	if err := o.store.UpdateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to save checkpoint session: %w", err)
	}
	if applied.Action == types.ActionEdit {
		o.recordEdits(ctx, id, applied, before.StageResults[applied.Stage])
	}

	o.logger.Info("checkpoint action applied",
		zap.String(logging.FieldExecutionID, id.String()),
		zap.String(logging.FieldStage, applied.Stage),
		zap.String("action", string(applied.Action)))
	return o.run(ctx, id)
}

// RetryStage re-runs the execution's failed stage, or its next pending stage.
func (o *Orchestrator) RetryStage(ctx context.Context, id uuid.UUID, stage string) (*RunOutcome, error) {
	release, err := o.acquire(id)
	if err != nil {
		return nil, err
	}
	defer release()

	exec, sess, err := o.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := o.checkOpen(ctx, sess); err != nil {
		return nil, fmt.Errorf("execution %s: %w", id, err)
	}
	def, ok := o.registry.Get(stage)
	if !ok {
		return nil, fmt.Errorf("%w: unknown stage %q", ErrInvalidRetry, stage)
	}
	if sess.Status == types.SessionPaused {
		return nil, fmt.Errorf("%w: %s is awaiting review", ErrInvalidRetry, sess.LastCompleted())
	}
	if sess.HasCompleted(def.ID) {
		return nil, fmt.Errorf("%w: %s already completed", ErrInvalidRetry, def.ID)
	}
	next, hasNext := checkpoint.NextStage(sess, o.registry.Order())
	if !hasNext || next != def.ID {
		return nil, fmt.Errorf("%w: %s is not the next pending stage", ErrInvalidRetry, def.ID)
	}
	if exec.Status == types.ExecutionFailed && exec.ErrorStage != nil && *exec.ErrorStage != "" && *exec.ErrorStage != def.ID {
		return nil, fmt.Errorf("%w: execution failed at %s", ErrInvalidRetry, *exec.ErrorStage)
	}

	sr, err := o.store.GetStageResult(ctx, id, def.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load stage result: %w", err)
	}
	if sr == nil {
		sr = &types.StageResult{ExecutionID: id, Stage: def.ID, StageOrder: def.Order}
	}
	sr.Status = types.StagePending
	sr.RetryCount++
	sr.ErrorKind = nil
	sr.ErrorMessage = nil
	if err := o.store.UpsertStageResult(ctx, sr); err != nil {
		return nil, fmt.Errorf("failed to reset stage %s: %w", def.ID, err)
	}

	exec.Status = types.ExecutionRunning
	exec.ErrorStage = nil
	exec.ErrorMessage = nil
	exec.UpdatedAt = o.now()
	if err := o.store.UpdateExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("failed to reopen execution: %w", err)
	}

	o.logger.Info("retrying stage",
		zap.String(logging.FieldExecutionID, id.String()),
		zap.String(logging.FieldStage, def.ID),
		zap.Int("retry_count", sr.RetryCount))
	return o.run(ctx, id)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
