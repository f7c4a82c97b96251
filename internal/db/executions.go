package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/jonathan/content-pipeline/internal/types"
)

const executionColumns = `id, input, mode, current_stage, status, metrics, final_result,
	error_stage, error_message, created_at, updated_at, completed_at`

// CreateExecution inserts a new execution.
func (db *DB) CreateExecution(ctx context.Context, e *types.Execution) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	input, metrics, final, err := encodeExecution(e)
	if err != nil {
		return err
	}

	err = db.pool.QueryRow(ctx,
		`INSERT INTO executions (id, input, mode, current_stage, status, metrics, final_result,
		                         error_stage, error_message, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING created_at, updated_at`,
		e.ID, input, e.Mode, e.CurrentStage, e.Status, metrics, final,
		e.ErrorStage, e.ErrorMessage, e.CompletedAt,
	).Scan(&e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create execution: %w", err)
	}
	return nil
}

// GetExecution returns nil, nil when the execution does not exist.
func (db *DB) GetExecution(ctx context.Context, id uuid.UUID) (*types.Execution, error) {
	row := db.pool.QueryRow(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = $1`, id)
	e, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	return e, nil
}

// UpdateExecution overwrites the mutable execution fields.
func (db *DB) UpdateExecution(ctx context.Context, e *types.Execution) error {
	_, metrics, final, err := encodeExecution(e)
	if err != nil {
		return err
	}

	err = db.pool.QueryRow(ctx,
		`UPDATE executions
		 SET current_stage = $2, status = $3, metrics = $4, final_result = $5,
		     error_stage = $6, error_message = $7, completed_at = $8, updated_at = NOW()
		 WHERE id = $1
		 RETURNING updated_at`,
		e.ID, e.CurrentStage, e.Status, metrics, final, e.ErrorStage, e.ErrorMessage, e.CompletedAt,
	).Scan(&e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("execution not found: %s", e.ID)
		}
		return fmt.Errorf("failed to update execution: %w", err)
	}
	return nil
}

// ListExecutions returns recent executions, newest first.
func (db *DB) ListExecutions(ctx context.Context, limit int) ([]types.Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+executionColumns+` FROM executions ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var out []types.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func encodeExecution(e *types.Execution) (input, metrics, final []byte, err error) {
	if input, err = marshalJSON(e.Input, "{}"); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal input: %w", err)
	}
	if metrics, err = marshalJSON(e.Metrics, "{}"); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal metrics: %w", err)
	}
	if final, err = marshalJSON(e.FinalResult, ""); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal final result: %w", err)
	}
	return input, metrics, final, nil
}

func scanExecution(row pgx.Row) (*types.Execution, error) {
	var e types.Execution
	var input, metrics, final []byte
	if err := row.Scan(&e.ID, &input, &e.Mode, &e.CurrentStage, &e.Status, &metrics, &final,
		&e.ErrorStage, &e.ErrorMessage, &e.CreatedAt, &e.UpdatedAt, &e.CompletedAt); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(input, &e.Input, "input"); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(metrics, &e.Metrics, "metrics"); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(final, &e.FinalResult, "final result"); err != nil {
		return nil, err
	}
	return &e, nil
}
