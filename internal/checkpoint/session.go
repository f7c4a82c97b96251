// Package checkpoint implements the checkpoint session state machine. Every
// function works on a *types.CheckpointSession in memory with an injected
// clock; persistence is the caller's job.
package checkpoint

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/content-pipeline/internal/types"
)

var (
	// ErrSessionExpired is returned for any operation on an expired session.
	ErrSessionExpired = errors.New("checkpoint session expired")
	// ErrNotPaused is returned when a reviewer action targets a session that is not awaiting review.
	ErrNotPaused = errors.New("checkpoint session is not paused")
	// ErrInvalidAction is returned for malformed reviewer actions.
	ErrInvalidAction = errors.New("invalid checkpoint action")
	// ErrSessionCompleted is returned when a completed session is asked to change.
	ErrSessionCompleted = errors.New("checkpoint session already completed")
)

// PrefixError reports that the completed list is not a prefix of the stage order.
type PrefixError struct {
	Position int
	Expected string
	Got      string
}

func (e *PrefixError) Error() string {
	if e.Expected == "" {
		return fmt.Sprintf("stages_completed[%d] = %q is beyond the declared stages", e.Position, e.Got)
	}
	return fmt.Sprintf("stages_completed[%d] = %q, expected %q", e.Position, e.Got, e.Expected)
}

// New starts an active session for an execution.
func New(executionID uuid.UUID, mode types.Mode, ttl time.Duration, now time.Time) *types.CheckpointSession {
	return &types.CheckpointSession{
		ID:              uuid.New(),
		ExecutionID:     executionID,
		Mode:            mode,
		Status:          types.SessionActive,
		StagesCompleted: []string{},
		StageResults:    map[string]map[string]any{},
		UserEdits:       []types.UserEdit{},
		Actions:         []types.CheckpointAction{},
		ExpiresAt:       now.Add(ttl),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Expire moves s to expired when its expiry has passed and it is not completed.
// It reports whether s is expired afterwards.
func Expire(s *types.CheckpointSession, now time.Time) bool {
	switch s.Status {
	case types.SessionExpired:
		return true
	case types.SessionCompleted:
		return false
	}
	if !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt) {
		s.Status = types.SessionExpired
		s.UpdatedAt = now
		return true
	}
	return false
}

// ValidatePrefix checks that completed is a prefix of order.
func ValidatePrefix(completed, order []string) error {
	for i, stage := range completed {
		if i >= len(order) {
			return &PrefixError{Position: i, Got: stage}
		}
		if order[i] != stage {
			return &PrefixError{Position: i, Expected: order[i], Got: stage}
		}
	}
	return nil
}

// NextStage returns the first stage of order that is not completed yet.
func NextStage(s *types.CheckpointSession, order []string) (string, bool) {
	if len(s.StagesCompleted) >= len(order) {
		return "", false
	}
	return order[len(s.StagesCompleted)], true
}

// CompleteStage records stage as done with its result. Stages must complete in
// order. Manual sessions pause after every stage except the last; the last stage
// completes the session.
func CompleteStage(s *types.CheckpointSession, stage string, result map[string]any, order []string, now time.Time) error {
	if err := checkActive(s, now); err != nil {
		return err
	}
	if s.Status == types.SessionPaused {
		return fmt.Errorf("%w: review the last stage first", ErrNotPaused)
	}
	next, ok := NextStage(s, order)
	if !ok || next != stage {
		return &PrefixError{Position: len(s.StagesCompleted), Expected: next, Got: stage}
	}

	s.StagesCompleted = append(s.StagesCompleted, stage)
	if s.StageResults == nil {
		s.StageResults = map[string]map[string]any{}
	}
	s.StageResults[stage] = types.CloneMap(result)
	s.Actions = append(s.Actions, types.CheckpointAction{Action: types.ActionStageComplete, Stage: stage, At: now})
	s.PendingInstructions = ""
	s.CurrentStage = stage
	s.UpdatedAt = now

	switch {
	case len(s.StagesCompleted) == len(order):
		s.Status = types.SessionCompleted
	case s.Mode == types.ModeManual:
		s.Status = types.SessionPaused
	default:
		s.Status = types.SessionActive
	}
	return nil
}

// Applied describes the effect of a reviewer action.
type Applied struct {
	Action types.ActionType
	Stage  string
	Edits  []types.UserEdit
	// Reopened is the stage a reject removed from the completed list
	Reopened string
}

// Apply applies a reviewer action to a paused session and reactivates it.
// Edits overwrite top-level fields of the last completed stage's stored result.
// Reject removes the last completed stage so it runs again, with the feedback
// as instructions for the rerun.
func Apply(s *types.CheckpointSession, req types.ActionRequest, now time.Time) (*Applied, error) {
	if err := checkActive(s, now); err != nil {
		return nil, err
	}
	if s.Status != types.SessionPaused {
		return nil, ErrNotPaused
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAction, err)
	}
	last := s.LastCompleted()
	if last == "" {
		return nil, fmt.Errorf("%w: no completed stage to review", ErrInvalidAction)
	}

	out := &Applied{Action: req.Action, Stage: last}
	switch req.Action {
	case types.ActionApprove:
		s.PendingInstructions = req.Instructions

	case types.ActionEdit:
		result := s.StageResults[last]
		if result == nil {
			result = map[string]any{}
			s.StageResults[last] = result
		}
		for _, e := range req.Edits {
			edit := types.UserEdit{
				Stage:    last,
				Field:    e.Field,
				OldValue: result[e.Field],
				NewValue: e.Value,
				EditedAt: now,
			}
			result[e.Field] = e.Value
			s.UserEdits = append(s.UserEdits, edit)
			out.Edits = append(out.Edits, edit)
		}
		s.PendingInstructions = req.Instructions

	case types.ActionReject:
		s.StagesCompleted = s.StagesCompleted[:len(s.StagesCompleted)-1]
		delete(s.StageResults, last)
		s.PendingInstructions = joinInstructions(req.Feedback, req.Instructions)
		s.CurrentStage = last
		out.Reopened = last

	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidAction, req.Action)
	}

	s.Actions = append(s.Actions, types.CheckpointAction{
		Action: req.Action,
		Stage:  last,
		Note:   req.Feedback,
		At:     now,
	})
	s.Status = types.SessionActive
	s.UpdatedAt = now
	return out, nil
}

// CheckOpen returns ErrSessionExpired or ErrSessionCompleted when s can no longer change.
func CheckOpen(s *types.CheckpointSession, now time.Time) error {
	return checkActive(s, now)
}

func checkActive(s *types.CheckpointSession, now time.Time) error {
	if Expire(s, now) {
		return ErrSessionExpired
	}
	if s.Status == types.SessionCompleted {
		return ErrSessionCompleted
	}
	return nil
}

func joinInstructions(parts ...string) string {
	out := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += p
	}
	return out
}
