package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/content-pipeline/internal/activity"
	"github.com/jonathan/content-pipeline/internal/types"
)

// entryColumns maps entry kinds to their jsonb list column. Only these names are
// ever interpolated into SQL.
var entryColumns = map[types.EntryKind]string{
	types.EntryDecision:      "decisions",
	types.EntryRetrieval:     "retrieval_usage",
	types.EntryContentChange: "content_changes",
	types.EntryWarning:       "warnings",
	types.EntryError:         "errors",
	types.EntryBadge:         "badges",
}

var counterColumns = map[types.CounterKind]string{
	types.CounterLLMCalls:       "llm_calls",
	types.CounterCacheHits:      "cache_hits",
	types.CounterRepairAttempts: "repair_attempts",
}

// CreateActivity inserts a running activity with empty entry lists.
func (db *DB) CreateActivity(ctx context.Context, a *types.AgentActivity) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO agent_activities (id, execution_id, stage, status, started_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		a.ID, a.ExecutionID, a.Stage, a.Status, a.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create activity: %w", err)
	}
	return nil
}

// AppendActivityEntry appends entry to the list named by kind in one UPDATE that
// only matches a running activity.
func (db *DB) AppendActivityEntry(ctx context.Context, id uuid.UUID, kind types.EntryKind, entry any) error {
	column, ok := entryColumns[kind]
	if !ok {
		return fmt.Errorf("unknown activity entry kind %q", kind)
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal %s entry: %w", kind, err)
	}

	tag, err := db.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE agent_activities SET %[1]s = %[1]s || jsonb_build_array($2::jsonb)
		             WHERE id = $1 AND status = 'running'`, column),
		id, data,
	)
	if err != nil {
		return fmt.Errorf("failed to append %s entry: %w", kind, err)
	}
	if tag.RowsAffected() == 0 {
		return db.notRunning(ctx, id)
	}
	return nil
}

// IncrementActivityCounter adds delta to a counter of a running activity.
func (db *DB) IncrementActivityCounter(ctx context.Context, id uuid.UUID, counter types.CounterKind, delta int) error {
	column, ok := counterColumns[counter]
	if !ok {
		return fmt.Errorf("unknown counter %q", counter)
	}
	tag, err := db.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE agent_activities SET %[1]s = %[1]s + $2 WHERE id = $1 AND status = 'running'`, column),
		id, delta,
	)
	if err != nil {
		return fmt.Errorf("failed to increment %s: %w", counter, err)
	}
	if tag.RowsAffected() == 0 {
		return db.notRunning(ctx, id)
	}
	return nil
}

// FinishActivity freezes a running activity with its final status.
func (db *DB) FinishActivity(ctx context.Context, id uuid.UUID, status types.ActivityStatus, at time.Time) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE agent_activities SET status = $2, completed_at = $3 WHERE id = $1 AND status = 'running'`,
		id, status, at,
	)
	if err != nil {
		return fmt.Errorf("failed to finish activity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return db.notRunning(ctx, id)
	}
	return nil
}

// notRunning explains an update that matched no running activity.
func (db *DB) notRunning(ctx context.Context, id uuid.UUID) error {
	var exists bool
	if err := db.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM agent_activities WHERE id = $1)`, id,
	).Scan(&exists); err != nil {
		return fmt.Errorf("failed to look up activity: %w", err)
	}
	if !exists {
		return fmt.Errorf("activity %s not found", id)
	}
	return activity.ErrActivityFrozen
}

// ListActivities returns the execution's activities in creation order.
func (db *DB) ListActivities(ctx context.Context, executionID uuid.UUID) ([]types.AgentActivity, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, execution_id, stage, status, decisions, retrieval_usage, content_changes,
		        warnings, errors, badges, llm_calls, cache_hits, repair_attempts, started_at, completed_at
		 FROM agent_activities WHERE execution_id = $1 ORDER BY seq`,
		executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list activities: %w", err)
	}
	defer rows.Close()

	var out []types.AgentActivity
	for rows.Next() {
		var a types.AgentActivity
		var decisions, retrievals, changes, warnings, errs, badges []byte
		if err := rows.Scan(&a.ID, &a.ExecutionID, &a.Stage, &a.Status, &decisions, &retrievals, &changes,
			&warnings, &errs, &badges, &a.Counters.LLMCalls, &a.Counters.CacheHits, &a.Counters.RepairAttempts,
			&a.StartedAt, &a.CompletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan activity: %w", err)
		}
		lists := []struct {
			data []byte
			dst  any
			what string
		}{
			{decisions, &a.Decisions, "decisions"},
			{retrievals, &a.RetrievalUsage, "retrieval usage"},
			{changes, &a.ContentChanges, "content changes"},
			{warnings, &a.Warnings, "warnings"},
			{errs, &a.Errors, "errors"},
			{badges, &a.Badges, "badges"},
		}
		for _, l := range lists {
			if err := unmarshalJSON(l.data, l.dst, l.what); err != nil {
				return nil, err
			}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
