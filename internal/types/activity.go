package types

import (
	"time"

	"github.com/google/uuid"
)

// ActivityStatus is the lifecycle state of an agent activity record
type ActivityStatus string

const (
	ActivityRunning   ActivityStatus = "running"
	ActivityCompleted ActivityStatus = "completed"
	ActivityFailed    ActivityStatus = "failed"
)

// EntryKind selects which append-only log of an activity an entry goes to
type EntryKind string

const (
	EntryDecision      EntryKind = "decisions"
	EntryRetrieval     EntryKind = "retrieval_usage"
	EntryContentChange EntryKind = "content_changes"
	EntryWarning       EntryKind = "warnings"
	EntryError         EntryKind = "errors"
	EntryBadge         EntryKind = "badges"
)

// CounterKind names a performance counter of an activity
type CounterKind string

const (
	CounterLLMCalls       CounterKind = "llm_calls"
	CounterCacheHits      CounterKind = "cache_hits"
	CounterRepairAttempts CounterKind = "repair_attempts"
)

// Decision is a free-form note about something the stage chose to do
type Decision struct {
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
	At      time.Time      `json:"at"`
}

// RetrievalUsage records one reference chunk that was handed to a stage
type RetrievalUsage struct {
	ChunkID      string    `json:"chunk_id"`
	DocumentID   string    `json:"document_id"`
	DocumentName string    `json:"document_name,omitempty"`
	Similarity   float64   `json:"similarity"`
	Influence    string    `json:"influence,omitempty"`
	At           time.Time `json:"at"`
}

// ContentChange records a before/after rewrite made by a stage or a reviewer
type ContentChange struct {
	Before   string    `json:"before"`
	After    string    `json:"after"`
	Reason   string    `json:"reason,omitempty"`
	Location string    `json:"location,omitempty"`
	Diff     string    `json:"diff,omitempty"`
	At       time.Time `json:"at"`
}

// Note is a timestamped warning or error message
type Note struct {
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Badge is a quality marker attached to stage output
type Badge struct {
	Name   string    `json:"name"`
	Level  string    `json:"level,omitempty"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// ActivityCounters holds performance counters of one stage invocation
type ActivityCounters struct {
	LLMCalls       int `json:"llm_calls"`
	CacheHits      int `json:"cache_hits"`
	RepairAttempts int `json:"repair_attempts"`
}

// AgentActivity is the audit record of one stage invocation. Its lists only grow,
// and only while the activity is running.
type AgentActivity struct {
	ID             uuid.UUID        `json:"id"`
	ExecutionID    uuid.UUID        `json:"execution_id"`
	Stage          string           `json:"stage"`
	Status         ActivityStatus   `json:"status"`
	Decisions      []Decision       `json:"decisions"`
	RetrievalUsage []RetrievalUsage `json:"retrieval_usage"`
	ContentChanges []ContentChange  `json:"content_changes"`
	Warnings       []Note           `json:"warnings"`
	Errors         []Note           `json:"errors"`
	Badges         []Badge          `json:"badges"`
	Counters       ActivityCounters `json:"counters"`
	StartedAt      time.Time        `json:"started_at"`
	CompletedAt    *time.Time       `json:"completed_at,omitempty"`
}
