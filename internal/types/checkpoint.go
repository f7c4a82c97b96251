package types

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// SessionStatus is the state of a checkpoint session
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionPaused    SessionStatus = "paused"
	SessionCompleted SessionStatus = "completed"
	SessionExpired   SessionStatus = "expired"
)

// ActionType names a checkpoint action. Approve, edit and reject come from a reviewer;
// stage_complete is recorded by the orchestrator.
type ActionType string

const (
	ActionApprove       ActionType = "approve"
	ActionEdit          ActionType = "edit"
	ActionReject        ActionType = "reject"
	ActionStageComplete ActionType = "stage_complete"
)

// UserEdit records a single field overwrite applied to a stored stage result
type UserEdit struct {
	Stage    string    `json:"stage"`
	Field    string    `json:"field"`
	OldValue any       `json:"old_value"`
	NewValue any       `json:"new_value"`
	EditedAt time.Time `json:"edited_at"`
}

// CheckpointAction is one entry of the session's action history
type CheckpointAction struct {
	Action ActionType `json:"action"`
	Stage  string     `json:"stage"`
	Note   string     `json:"note,omitempty"`
	At     time.Time  `json:"at"`
}

// CheckpointSession is the resumable view over one execution. It is the single
// source of truth for which stages are done.
type CheckpointSession struct {
	ID                  uuid.UUID                 `json:"id"`
	ExecutionID         uuid.UUID                 `json:"execution_id"`
	Mode                Mode                      `json:"mode"`
	Status              SessionStatus             `json:"status"`
	CurrentStage        string                    `json:"current_stage,omitempty"`
	StagesCompleted     []string                  `json:"stages_completed"`
	StageResults        map[string]map[string]any `json:"stage_results"`
	UserEdits           []UserEdit                `json:"user_edits"`
	Actions             []CheckpointAction        `json:"actions"`
	PendingInstructions string                    `json:"pending_instructions,omitempty"`
	ExpiresAt           time.Time                 `json:"expires_at"`
	CreatedAt           time.Time                 `json:"created_at"`
	UpdatedAt           time.Time                 `json:"updated_at"`
}

// HasCompleted reports whether stage is recorded in StagesCompleted
func (s *CheckpointSession) HasCompleted(stage string) bool {
	return slices.Contains(s.StagesCompleted, stage)
}

// LastCompleted returns the most recently completed stage, or "" when none
func (s *CheckpointSession) LastCompleted() string {
	if len(s.StagesCompleted) == 0 {
		return ""
	}
	return s.StagesCompleted[len(s.StagesCompleted)-1]
}

// Clone returns a deep copy. Stored results are copied through JSON so callers
// can never mutate the stored map by accident.
func (s *CheckpointSession) Clone() *CheckpointSession {
	if s == nil {
		return nil
	}
	out := *s
	out.StagesCompleted = slices.Clone(s.StagesCompleted)
	out.UserEdits = slices.Clone(s.UserEdits)
	out.Actions = slices.Clone(s.Actions)
	out.StageResults = make(map[string]map[string]any, len(s.StageResults))
	for stage, result := range s.StageResults {
		out.StageResults[stage] = CloneMap(result)
	}
	return &out
}

// CloneMap deep-copies a JSON-shaped map. Values that cannot round-trip are copied shallowly.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return m
	}
	return out
}

// FieldEdit is a reviewer-supplied overwrite of one top-level field of a stage result
type FieldEdit struct {
	Field string `json:"field" validate:"required"`
	Value any    `json:"value"`
}

// ActionRequest is a reviewer action submitted against a paused session
type ActionRequest struct {
	Action       ActionType  `json:"action" validate:"required,oneof=approve edit reject"`
	Edits        []FieldEdit `json:"edits,omitempty" validate:"required_if=Action edit,dive"`
	Feedback     string      `json:"feedback,omitempty"`
	Instructions string      `json:"instructions,omitempty"`
}

// Validate validates the ActionRequest using the validator.
func (r *ActionRequest) Validate() error {
	validate := validator.New()
	return validate.Struct(r)
}
