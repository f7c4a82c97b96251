// Package activity records what each stage invocation did: decisions, the
// reference chunks it used, content rewrites, warnings, errors, quality badges
// and call counters. Records only grow, and only while the stage is running.
package activity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jonathan/content-pipeline/internal/logging"
	"github.com/jonathan/content-pipeline/internal/types"
)

// ErrActivityFrozen is returned by stores for appends to an activity that is no longer running.
var ErrActivityFrozen = errors.New("activity is no longer running")

// Store persists activities. Each append is a single atomic update that fails
// with ErrActivityFrozen unless the activity is running.
type Store interface {
	CreateActivity(ctx context.Context, a *types.AgentActivity) error
	AppendActivityEntry(ctx context.Context, id uuid.UUID, kind types.EntryKind, entry any) error
	IncrementActivityCounter(ctx context.Context, id uuid.UUID, counter types.CounterKind, delta int) error
	FinishActivity(ctx context.Context, id uuid.UUID, status types.ActivityStatus, at time.Time) error
}

// Logger opens activity records.
type Logger struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

// NewLogger creates a Logger. A nil clock uses time.Now.
func NewLogger(store Store, logger *zap.Logger, now func() time.Time) *Logger {
	if now == nil {
		now = time.Now
	}
	return &Logger{store: store, logger: logging.OrNop(logger), now: now}
}

// Begin creates a running activity for one invocation of stage.
func (l *Logger) Begin(ctx context.Context, executionID uuid.UUID, stage string) (*Recorder, error) {
	a := &types.AgentActivity{
		ID:             uuid.New(),
		ExecutionID:    executionID,
		Stage:          stage,
		Status:         types.ActivityRunning,
		Decisions:      []types.Decision{},
		RetrievalUsage: []types.RetrievalUsage{},
		ContentChanges: []types.ContentChange{},
		Warnings:       []types.Note{},
		Errors:         []types.Note{},
		Badges:         []types.Badge{},
		StartedAt:      l.now(),
	}
	if err := l.store.CreateActivity(ctx, a); err != nil {
		return nil, fmt.Errorf("failed to create activity: %w", err)
	}
	return &Recorder{
		id:     a.ID,
		store:  l.store,
		now:    l.now,
		logger: l.logger.With(zap.String(logging.FieldExecutionID, executionID.String()), zap.String(logging.FieldStage, stage)),
	}, nil
}

// Recorder appends to one activity. A nil *Recorder accepts and drops everything,
// so callers can keep going when Begin failed.
type Recorder struct {
	id     uuid.UUID
	store  Store
	now    func() time.Time
	logger *zap.Logger
}

// ID returns the activity id.
func (r *Recorder) ID() uuid.UUID {
	if r == nil {
		return uuid.Nil
	}
	return r.id
}

func (r *Recorder) append(ctx context.Context, kind types.EntryKind, entry any) error {
	if r == nil {
		return nil
	}
	if err := r.store.AppendActivityEntry(ctx, r.id, kind, entry); err != nil {
		r.logger.Warn("activity append failed", zap.String("kind", string(kind)), zap.Error(err))
		return err
	}
	return nil
}

func (r *Recorder) count(ctx context.Context, counter types.CounterKind, delta int) error {
	if r == nil || delta == 0 {
		return nil
	}
	if err := r.store.IncrementActivityCounter(ctx, r.id, counter, delta); err != nil {
		r.logger.Warn("activity counter update failed", zap.String("counter", string(counter)), zap.Error(err))
		return err
	}
	return nil
}

// Decision records a choice the stage made, with optional supporting data.
func (r *Recorder) Decision(ctx context.Context, message string, data map[string]any) error {
	if r == nil {
		return nil
	}
	return r.append(ctx, types.EntryDecision, types.Decision{Message: message, Data: data, At: r.now()})
}

// Retrieval records one reference chunk the stage was given.
func (r *Recorder) Retrieval(ctx context.Context, usage types.RetrievalUsage) error {
	if r == nil {
		return nil
	}
	if usage.At.IsZero() {
		usage.At = r.now()
	}
	return r.append(ctx, types.EntryRetrieval, usage)
}

// ContentChange records a rewrite together with its line diff.
func (r *Recorder) ContentChange(ctx context.Context, before, after, reason, location string) error {
	if r == nil {
		return nil
	}
	return r.append(ctx, types.EntryContentChange, types.ContentChange{
		Before:   before,
		After:    after,
		Reason:   reason,
		Location: location,
		Diff:     LineDiff(before, after),
		At:       r.now(),
	})
}

// Warning records a non-fatal problem.
func (r *Recorder) Warning(ctx context.Context, message string) error {
	if r == nil {
		return nil
	}
	return r.append(ctx, types.EntryWarning, types.Note{Message: message, At: r.now()})
}

// Error records a failure message.
func (r *Recorder) Error(ctx context.Context, message string) error {
	if r == nil {
		return nil
	}
	return r.append(ctx, types.EntryError, types.Note{Message: message, At: r.now()})
}

// Badge records a quality badge such as length or style.
func (r *Recorder) Badge(ctx context.Context, name, level, detail string) error {
	if r == nil {
		return nil
	}
	return r.append(ctx, types.EntryBadge, types.Badge{Name: name, Level: level, Detail: detail, At: r.now()})
}

// CountLLMCalls adds n generation calls.
func (r *Recorder) CountLLMCalls(ctx context.Context, n int) error {
	return r.count(ctx, types.CounterLLMCalls, n)
}

// CountCacheHit counts one reused query embedding.
func (r *Recorder) CountCacheHit(ctx context.Context) error {
	return r.count(ctx, types.CounterCacheHits, 1)
}

// CountRepairAttempts adds n repair strategies tried after the direct parse.
func (r *Recorder) CountRepairAttempts(ctx context.Context, n int) error {
	return r.count(ctx, types.CounterRepairAttempts, n)
}

// Complete freezes the activity as completed.
func (r *Recorder) Complete(ctx context.Context) error {
	return r.finish(ctx, types.ActivityCompleted)
}

// Fail records cause and freezes the activity as failed.
func (r *Recorder) Fail(ctx context.Context, cause error) error {
	if r == nil {
		return nil
	}
	if cause != nil {
		_ = r.Error(ctx, cause.Error())
	}
	return r.finish(ctx, types.ActivityFailed)
}

func (r *Recorder) finish(ctx context.Context, status types.ActivityStatus) error {
	if r == nil {
		return nil
	}
	if err := r.store.FinishActivity(ctx, r.id, status, r.now()); err != nil {
		r.logger.Warn("activity finish failed", zap.String("status", string(status)), zap.Error(err))
		return err
	}
	return nil
}
