package pipeline

import (
	"errors"
	"fmt"

	"github.com/jonathan/content-pipeline/internal/agent"
	"github.com/jonathan/content-pipeline/internal/llm"
	"github.com/jonathan/content-pipeline/internal/repair"
	"github.com/jonathan/content-pipeline/internal/types"
)

var (
	// ErrExecutionNotFound is returned for an unknown execution id.
	ErrExecutionNotFound = errors.New("execution not found")
	// ErrInvalidRetry is returned when a stage retry targets anything but the failed or next pending stage.
	ErrInvalidRetry = errors.New("stage cannot be retried")
	// ErrExecutionFailed is returned by Run for a failed execution; retry the failed stage instead.
	ErrExecutionFailed = errors.New("execution failed; retry the failed stage to continue")
	// ErrExecutionBusy is returned when another run of the same execution is in progress.
	ErrExecutionBusy = errors.New("execution is already running")
)

// Stable error kinds stored on failed stage results.
const (
	KindTransientNetwork  = "transient_network"
	KindEmptyResponse     = "empty_response"
	KindMalformedResponse = "malformed_response"
	KindValidation        = "validation"
	KindStageDependency   = "stage_dependency"
	KindInternal          = "internal"
)

// StageDependencyError is returned when the completed-stage record has a gap, is
// out of order, or names a stage without a completed result.
type StageDependencyError struct {
	Stage   string
	Message string
	Cause   error
}

func (e *StageDependencyError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("stage dependency violated at %s: %s: %v", e.Stage, e.Message, e.Cause)
	}
	return fmt.Sprintf("stage dependency violated at %s: %s", e.Stage, e.Message)
}

func (e *StageDependencyError) Unwrap() error {
	return e.Cause
}

// StageError is a failed stage with its classified kind.
type StageError struct {
	Stage string
	Kind  string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed (%s): %v", e.Stage, e.Kind, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// ErrorKind classifies err into one of the stable kinds.
func ErrorKind(err error) string {
	var (
		stageErr     *StageError
		transient    *llm.TransientError
		empty        *agent.EmptyResponseError
		malformed    *repair.MalformedResponseError
		validation   *agent.ValidationError
		dependency   *StageDependencyError
		orderViolate *types.StageOrderError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &stageErr):
		return stageErr.Kind
	case errors.As(err, &transient):
		return KindTransientNetwork
	case errors.As(err, &empty):
		return KindEmptyResponse
	case errors.As(err, &malformed):
		return KindMalformedResponse
	case errors.As(err, &validation):
		return KindValidation
	case errors.As(err, &dependency), errors.As(err, &orderViolate):
		return KindStageDependency
	default:
		return KindInternal
	}
}
