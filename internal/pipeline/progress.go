package pipeline

import "time"

// Progress event types.
const (
	EventStageStarted   = "stage_started"
	EventStageCompleted = "stage_completed"
	EventStageFailed    = "stage_failed"
	EventPaused         = "paused"
	EventCompleted      = "completed"
)

// ProgressEvent represents a progress update during pipeline execution
type ProgressEvent struct {
	Type        string    `json:"type"`
	ExecutionID string    `json:"execution_id"`
	Stage       string    `json:"stage,omitempty"`
	Message     string    `json:"message"`
	Content     any       `json:"content,omitempty"`
	At          time.Time `json:"at"`
}

// ProgressCallback is called when pipeline progress occurs. It runs on the
// pipeline goroutine and must not block.
type ProgressCallback func(event ProgressEvent)
