package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/jonathan/content-pipeline/internal/types"
)

const stageResultColumns = `id, execution_id, stage, stage_order, status, result, system_prompt,
	user_prompt, raw_response, model, temperature, input_tokens, output_tokens, duration_ms,
	retry_count, repair_strategies, error_kind, error_message, diagnostics, started_at,
	completed_at, created_at, updated_at`

// UpsertStageResult inserts or replaces the result for (execution, stage) and
// writes the stored id and timestamps back to r. A completed result is rejected
// with *types.StageOrderError unless every lower-order result is completed; the
// check and the write share a transaction holding the execution row lock.
func (db *DB) UpsertStageResult(ctx context.Context, r *types.StageResult) error {
	result, err := marshalJSON(r.Result, "")
	if err != nil {
		return fmt.Errorf("failed to marshal stage result: %w", err)
	}
	diagnostics, err := marshalJSON(r.Diagnostics, "")
	if err != nil {
		return fmt.Errorf("failed to marshal diagnostics: %w", err)
	}
	strategies := r.RepairStrategies
	if strategies == nil {
		strategies = []string{}
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT 1 FROM executions WHERE id = $1 FOR UPDATE`, r.ExecutionID); err != nil {
		return fmt.Errorf("failed to lock execution: %w", err)
	}

	if r.Status == types.StageCompleted {
		var completed int
		if err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM stage_results
			 WHERE execution_id = $1 AND stage_order < $2 AND status = 'completed'`,
			r.ExecutionID, r.StageOrder,
		).Scan(&completed); err != nil {
			return fmt.Errorf("failed to count completed stages: %w", err)
		}
		if completed != r.StageOrder-1 {
			return &types.StageOrderError{Stage: r.Stage, Order: r.StageOrder, Completed: completed}
		}
	}

	id := r.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO stage_results (id, execution_id, stage, stage_order, status, result, system_prompt,
		                            user_prompt, raw_response, model, temperature, input_tokens,
		                            output_tokens, duration_ms, retry_count, repair_strategies,
		                            error_kind, error_message, diagnostics, started_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
		 ON CONFLICT (execution_id, stage) DO UPDATE SET
		     stage_order = EXCLUDED.stage_order, status = EXCLUDED.status, result = EXCLUDED.result,
		     system_prompt = EXCLUDED.system_prompt, user_prompt = EXCLUDED.user_prompt,
		     raw_response = EXCLUDED.raw_response, model = EXCLUDED.model,
		     temperature = EXCLUDED.temperature, input_tokens = EXCLUDED.input_tokens,
		     output_tokens = EXCLUDED.output_tokens, duration_ms = EXCLUDED.duration_ms,
		     retry_count = EXCLUDED.retry_count, repair_strategies = EXCLUDED.repair_strategies,
		     error_kind = EXCLUDED.error_kind, error_message = EXCLUDED.error_message,
		     diagnostics = EXCLUDED.diagnostics, started_at = EXCLUDED.started_at,
		     completed_at = EXCLUDED.completed_at, updated_at = NOW()
		 RETURNING id, created_at, updated_at`,
		id, r.ExecutionID, r.Stage, r.StageOrder, r.Status, result, r.SystemPrompt,
		r.UserPrompt, r.RawResponse, r.Model, r.Temperature, r.InputTokens,
		r.OutputTokens, r.DurationMs, r.RetryCount, strategies,
		r.ErrorKind, r.ErrorMessage, diagnostics, r.StartedAt, r.CompletedAt,
	).Scan(&r.ID, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save stage result %s: %w", r.Stage, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit stage result %s: %w", r.Stage, err)
	}
	return nil
}

// GetStageResult returns nil, nil when there is no result for the stage.
func (db *DB) GetStageResult(ctx context.Context, executionID uuid.UUID, stage string) (*types.StageResult, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+stageResultColumns+` FROM stage_results WHERE execution_id = $1 AND stage = $2`,
		executionID, stage)
	r, err := scanStageResult(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get stage result: %w", err)
	}
	return r, nil
}

// ListStageResults returns the execution's results by stage order.
func (db *DB) ListStageResults(ctx context.Context, executionID uuid.UUID) ([]types.StageResult, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+stageResultColumns+` FROM stage_results WHERE execution_id = $1 ORDER BY stage_order`,
		executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list stage results: %w", err)
	}
	defer rows.Close()

	var out []types.StageResult
	for rows.Next() {
		r, err := scanStageResult(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stage result: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func scanStageResult(row pgx.Row) (*types.StageResult, error) {
	var r types.StageResult
	var result, diagnostics []byte
	if err := row.Scan(&r.ID, &r.ExecutionID, &r.Stage, &r.StageOrder, &r.Status, &result, &r.SystemPrompt,
		&r.UserPrompt, &r.RawResponse, &r.Model, &r.Temperature, &r.InputTokens, &r.OutputTokens, &r.DurationMs,
		&r.RetryCount, &r.RepairStrategies, &r.ErrorKind, &r.ErrorMessage, &diagnostics, &r.StartedAt,
		&r.CompletedAt, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(result, &r.Result, "stage result"); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(diagnostics, &r.Diagnostics, "diagnostics"); err != nil {
		return nil, err
	}
	return &r, nil
}
