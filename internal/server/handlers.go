package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jonathan/content-pipeline/internal/checkpoint"
	"github.com/jonathan/content-pipeline/internal/pipeline"
	"github.com/jonathan/content-pipeline/internal/types"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

var validate = validator.New()

// CreateExecutionRequest is the body of POST /executions.
type CreateExecutionRequest struct {
	Input types.PipelineInput `json:"input"`
	Mode  types.Mode          `json:"mode,omitempty" validate:"omitempty,oneof=automatic manual"`
	// Run starts the execution in the background right away.
	Run bool `json:"run,omitempty"`
}

// CreateExecutionResponse is returned by POST /executions.
type CreateExecutionResponse struct {
	ExecutionID string     `json:"execution_id"`
	Mode        types.Mode `json:"mode"`
	Running     bool       `json:"running"`
}

// AcceptedResponse is returned when a run was started in the background.
type AcceptedResponse struct {
	ExecutionID string `json:"execution_id"`
	Status      string `json:"status"`
	Events      string `json:"events"`
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return &ErrValidation{Field: "body", Message: err.Error()}
	}
	return nil
}

func pathID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		return uuid.Nil, &ErrValidation{Field: "id", Message: "not a valid UUID"}
	}
	return id, nil
}

// waitRequested reports whether the caller asked to block until the run halts.
func waitRequested(r *http.Request) bool {
	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	return wait
}

// dispatch runs fn in the request when ?wait=true, otherwise in the background
// with a 202 pointing at the event stream.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, id uuid.UUID, op string,
	fn func(ctx context.Context) (*pipeline.RunOutcome, error)) {
	if waitRequested(r) {
		outcome, err := fn(r.Context())
		if err != nil {
			s.failure(w, err)
			return
		}
		s.jsonResponse(w, http.StatusOK, outcome)
		return
	}

	s.launch(id, op, fn)
	s.jsonResponse(w, http.StatusAccepted, AcceptedResponse{
		ExecutionID: id.String(),
		Status:      "accepted",
		Events:      "/executions/" + id.String() + "/events",
	})
}

// handleCreateExecution creates an execution and optionally starts it.
func (s *Server) handleCreateExecution(w http.ResponseWriter, r *http.Request) {
	var req CreateExecutionRequest
	if err := decodeJSON(r, &req); err != nil {
		s.failure(w, err)
		return
	}
	if err := validate.Struct(req); err != nil {
		s.failure(w, err)
		return
	}
	mode := req.Mode
	if mode == "" {
		mode = types.ModeAutomatic
	}

	id, err := s.pipeline.Start(r.Context(), req.Input, mode)
	if err != nil {
		s.failure(w, err)
		return
	}
	if req.Run {
		s.launch(id, "run", func(ctx context.Context) (*pipeline.RunOutcome, error) {
			return s.pipeline.Run(ctx, id)
		})
	}

	w.Header().Set("Location", "/executions/"+id.String())
	s.jsonResponse(w, http.StatusCreated, CreateExecutionResponse{
		ExecutionID: id.String(),
		Mode:        mode,
		Running:     req.Run,
	})
}

// handleGetExecution returns the full state snapshot of an execution.
func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.failure(w, err)
		return
	}
	state, err := s.pipeline.GetState(r.Context(), id)
	if err != nil {
		s.failure(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, state)
}

// handleRunExecution runs or resumes an execution.
func (s *Server) handleRunExecution(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.failure(w, err)
		return
	}
	state, err := s.pipeline.GetState(r.Context(), id)
	if err != nil {
		s.failure(w, err)
		return
	}
	if state.Session != nil && state.Session.Status == types.SessionCompleted {
		s.failure(w, checkpoint.ErrSessionCompleted)
		return
	}
	if state.Execution != nil && state.Execution.Status == types.ExecutionFailed {
		s.failure(w, pipeline.ErrExecutionFailed)
		return
	}

	s.dispatch(w, r, id, "run", func(ctx context.Context) (*pipeline.RunOutcome, error) {
		return s.pipeline.Run(ctx, id)
	})
}

// handleCheckpointAction applies a reviewer decision to a paused execution.
func (s *Server) handleCheckpointAction(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.failure(w, err)
		return
	}
	var req types.ActionRequest
	if err := decodeJSON(r, &req); err != nil {
		s.failure(w, err)
		return
	}
	if err := req.Validate(); err != nil {
		s.failure(w, err)
		return
	}

	state, err := s.pipeline.GetState(r.Context(), id)
	if err != nil {
		s.failure(w, err)
		return
	}
	if state.Session == nil || state.Session.Status != types.SessionPaused {
		if state.Session != nil && state.Session.Status == types.SessionExpired {
			s.failure(w, checkpoint.ErrSessionExpired)
			return
		}
		s.failure(w, checkpoint.ErrNotPaused)
		return
	}

	s.dispatch(w, r, id, "action:"+string(req.Action), func(ctx context.Context) (*pipeline.RunOutcome, error) {
		return s.pipeline.SubmitCheckpointAction(ctx, id, req)
	})
}

// handleRetryStage re-runs a failed stage, or the next pending one.
func (s *Server) handleRetryStage(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.failure(w, err)
		return
	}
	stage := r.PathValue("stage")
	if _, err := s.pipeline.GetState(r.Context(), id); err != nil {
		s.failure(w, err)
		return
	}

	s.dispatch(w, r, id, "retry:"+stage, func(ctx context.Context) (*pipeline.RunOutcome, error) {
		return s.pipeline.RetryStage(ctx, id, stage)
	})
}

// settled reports whether no progress can follow without a new request: the
// execution is terminal or its session is paused, expired or completed.
func settled(state *pipeline.State) bool {
	if state.Execution != nil && state.Execution.IsTerminal() {
		return true
	}
	if state.Session == nil {
		return false
	}
	switch state.Session.Status {
	case types.SessionPaused, types.SessionExpired, types.SessionCompleted:
		return true
	}
	return false
}

// handleEvents streams the execution's progress events. The first event is a
// snapshot of the current execution; the stream ends after the run completes,
// pauses or fails, or when the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.failure(w, err)
		return
	}

	events, unsubscribe := s.broker.Subscribe(id.String())
	defer unsubscribe()

	state, err := s.pipeline.GetState(r.Context(), id)
	if err != nil {
		s.failure(w, err)
		return
	}

	sse, err := NewSSEWriter(w)
	if err != nil {
		s.logger.Warn("cannot stream events", zap.Error(err))
		return
	}
	if err := sse.WriteEvent("snapshot", state.Execution); err != nil {
		return
	}
	if settled(state) {
		return
	}

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.baseCtx.Done():
			return
		case <-heartbeat.C:
			if err := sse.WriteComment("ping"); err != nil {
				return
			}
		case ev := <-events:
			if err := sse.WriteEvent(ev.Type, ev); err != nil {
				s.logger.Debug("event stream closed", zap.Error(err))
				return
			}
			if endsStream(ev.Type) {
				return
			}
		}
	}
}

