// Package agent runs a single pipeline stage against the model: it renders the
// stage prompts, calls the generation client, recovers the JSON payload and
// checks it against the stage's output contract.
package agent

import (
	"fmt"
	"strings"

	"github.com/jonathan/content-pipeline/internal/schemas"
)

// EmptyResponseError is returned when the model produced no text.
type EmptyResponseError struct {
	Stage string
	Model string
}

func (e *EmptyResponseError) Error() string {
	return fmt.Sprintf("stage %s: model %s returned an empty response", e.Stage, e.Model)
}

// ValidationError is returned when a parsed payload does not satisfy the stage's contract.
type ValidationError struct {
	Stage   string
	Message string
	Missing []string
	Fields  []schemas.FieldError
	Cause   error
}

func (e *ValidationError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "stage %s: %s", e.Stage, e.Message)
	if len(e.Missing) > 0 {
		fmt.Fprintf(&sb, ": missing %s", strings.Join(e.Missing, ", "))
	}
	for _, f := range e.Fields {
		fmt.Fprintf(&sb, "; %s: %s", f.Field, f.Message)
	}
	return sb.String()
}

func (e *ValidationError) Unwrap() error {
	return e.Cause
}
