package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/jonathan/content-pipeline/internal/checkpoint"
	"github.com/jonathan/content-pipeline/internal/pipeline"
)

// ErrValidation indicates request validation failure
type ErrValidation struct {
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation error: %s - %s", e.Field, e.Message)
}

// HTTPStatus returns the appropriate HTTP status code for an error
func HTTPStatus(err error) int {
	var (
		validation *ErrValidation
		fields     validator.ValidationErrors
	)
	switch {
	case errors.As(err, &validation), errors.As(err, &fields),
		errors.Is(err, checkpoint.ErrInvalidAction):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrExecutionNotFound):
		return http.StatusNotFound
	case errors.Is(err, checkpoint.ErrSessionExpired):
		return http.StatusGone
	case errors.Is(err, pipeline.ErrExecutionBusy),
		errors.Is(err, pipeline.ErrExecutionFailed),
		errors.Is(err, pipeline.ErrInvalidRetry),
		errors.Is(err, checkpoint.ErrNotPaused),
		errors.Is(err, checkpoint.ErrSessionCompleted):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
