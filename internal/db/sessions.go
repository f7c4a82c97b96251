package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/jonathan/content-pipeline/internal/types"
)

type sessionJSON struct {
	results, edits, actions []byte
}

func encodeSession(s *types.CheckpointSession) (sessionJSON, error) {
	var out sessionJSON
	var err error
	if out.results, err = marshalJSON(s.StageResults, "{}"); err != nil {
		return out, fmt.Errorf("failed to marshal stage results: %w", err)
	}
	if out.edits, err = marshalJSON(s.UserEdits, "[]"); err != nil {
		return out, fmt.Errorf("failed to marshal user edits: %w", err)
	}
	if out.actions, err = marshalJSON(s.Actions, "[]"); err != nil {
		return out, fmt.Errorf("failed to marshal actions: %w", err)
	}
	return out, nil
}

func completedOrEmpty(stages []string) []string {
	if stages == nil {
		return []string{}
	}
	return stages
}

// CreateSession inserts the checkpoint session of an execution.
func (db *DB) CreateSession(ctx context.Context, s *types.CheckpointSession) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	j, err := encodeSession(s)
	if err != nil {
		return err
	}

	err = db.pool.QueryRow(ctx,
		`INSERT INTO checkpoint_sessions (id, execution_id, mode, status, current_stage, stages_completed,
		                                  stage_results, user_edits, actions, pending_instructions, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 RETURNING created_at, updated_at`,
		s.ID, s.ExecutionID, s.Mode, s.Status, s.CurrentStage, completedOrEmpty(s.StagesCompleted),
		j.results, j.edits, j.actions, s.PendingInstructions, s.ExpiresAt,
	).Scan(&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint session: %w", err)
	}
	return nil
}

// GetSessionByExecution returns nil, nil when the execution has no session.
func (db *DB) GetSessionByExecution(ctx context.Context, executionID uuid.UUID) (*types.CheckpointSession, error) {
	var s types.CheckpointSession
	var results, edits, actions []byte

	err := db.pool.QueryRow(ctx,
		`SELECT id, execution_id, mode, status, current_stage, stages_completed, stage_results,
		        user_edits, actions, pending_instructions, expires_at, created_at, updated_at
		 FROM checkpoint_sessions WHERE execution_id = $1`,
		executionID,
	).Scan(&s.ID, &s.ExecutionID, &s.Mode, &s.Status, &s.CurrentStage, &s.StagesCompleted, &results,
		&edits, &actions, &s.PendingInstructions, &s.ExpiresAt, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get checkpoint session: %w", err)
	}

	if err := unmarshalJSON(results, &s.StageResults, "stage results"); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(edits, &s.UserEdits, "user edits"); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(actions, &s.Actions, "actions"); err != nil {
		return nil, err
	}
	return &s, nil
}

// UpdateSession overwrites the session's state.
func (db *DB) UpdateSession(ctx context.Context, s *types.CheckpointSession) error {
	j, err := encodeSession(s)
	if err != nil {
		return err
	}

	err = db.pool.QueryRow(ctx,
		`UPDATE checkpoint_sessions
		 SET status = $2, current_stage = $3, stages_completed = $4, stage_results = $5,
		     user_edits = $6, actions = $7, pending_instructions = $8, expires_at = $9, updated_at = NOW()
		 WHERE execution_id = $1
		 RETURNING updated_at`,
		s.ExecutionID, s.Status, s.CurrentStage, completedOrEmpty(s.StagesCompleted), j.results,
		j.edits, j.actions, s.PendingInstructions, s.ExpiresAt,
	).Scan(&s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("checkpoint session not found for execution %s", s.ExecutionID)
		}
		return fmt.Errorf("failed to update checkpoint session: %w", err)
	}
	return nil
}
