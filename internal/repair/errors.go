// Package repair recovers structured JSON values from unreliable model output.
package repair

import (
	"fmt"
	"strings"
)

// MalformedResponseError is returned when every strategy failed to produce parseable JSON.
// It carries enough context for an operator to see what the model sent and where parsing broke.
type MalformedResponseError struct {
	Original  string
	Repaired  string // working text after the last applied strategy
	LastErr   error
	Offset    int
	Window    string
	Attempted []string
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed response: %v at offset %d near %q (tried: %s)",
		e.LastErr, e.Offset, e.Window, strings.Join(e.Attempted, ", "))
}

func (e *MalformedResponseError) Unwrap() error {
	return e.LastErr
}

// Diagnostics returns the error detail as a JSON-friendly map for audit storage.
func (e *MalformedResponseError) Diagnostics() map[string]any {
	lastErr := ""
	if e.LastErr != nil {
		lastErr = e.LastErr.Error()
	}
	return map[string]any{
		"offset":     e.Offset,
		"window":     e.Window,
		"attempted":  e.Attempted,
		"last_error": lastErr,
	}
}
