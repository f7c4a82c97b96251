package pipeline

import (
	"context"

	"github.com/google/uuid"

	"github.com/jonathan/content-pipeline/internal/activity"
	"github.com/jonathan/content-pipeline/internal/types"
)

// Store persists executions, checkpoint sessions, stage results and activities.
// Getters return nil, nil for missing records. UpsertStageResult rejects a
// completed result whose lower-order stages are not all completed with a
// *types.StageOrderError.
type Store interface {
	activity.Store

	CreateExecution(ctx context.Context, e *types.Execution) error
	GetExecution(ctx context.Context, id uuid.UUID) (*types.Execution, error)
	UpdateExecution(ctx context.Context, e *types.Execution) error
	ListExecutions(ctx context.Context, limit int) ([]types.Execution, error)

	CreateSession(ctx context.Context, s *types.CheckpointSession) error
	GetSessionByExecution(ctx context.Context, executionID uuid.UUID) (*types.CheckpointSession, error)
	UpdateSession(ctx context.Context, s *types.CheckpointSession) error

	UpsertStageResult(ctx context.Context, r *types.StageResult) error
	GetStageResult(ctx context.Context, executionID uuid.UUID, stage string) (*types.StageResult, error)
	ListStageResults(ctx context.Context, executionID uuid.UUID) ([]types.StageResult, error)

	ListActivities(ctx context.Context, executionID uuid.UUID) ([]types.AgentActivity, error)
}
