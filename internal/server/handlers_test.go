package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/content-pipeline/internal/pipeline"
	"github.com/jonathan/content-pipeline/internal/server/ratelimit"
	"github.com/jonathan/content-pipeline/internal/types"
)

type mockPipeline struct {
	StartFunc    func(ctx context.Context, input types.PipelineInput, mode types.Mode) (uuid.UUID, error)
	RunFunc      func(ctx context.Context, id uuid.UUID) (*pipeline.RunOutcome, error)
	ActionFunc   func(ctx context.Context, id uuid.UUID, req types.ActionRequest) (*pipeline.RunOutcome, error)
	RetryFunc    func(ctx context.Context, id uuid.UUID, stage string) (*pipeline.RunOutcome, error)
	GetStateFunc func(ctx context.Context, id uuid.UUID) (*pipeline.State, error)
}

func (m *mockPipeline) Start(ctx context.Context, input types.PipelineInput, mode types.Mode) (uuid.UUID, error) {
	if m.StartFunc == nil {
		return uuid.New(), nil
	}
	return m.StartFunc(ctx, input, mode)
}

func (m *mockPipeline) Run(ctx context.Context, id uuid.UUID) (*pipeline.RunOutcome, error) {
	if m.RunFunc == nil {
		return &pipeline.RunOutcome{ExecutionID: id, Status: pipeline.OutcomeCompleted}, nil
	}
	return m.RunFunc(ctx, id)
}

func (m *mockPipeline) SubmitCheckpointAction(ctx context.Context, id uuid.UUID, req types.ActionRequest) (*pipeline.RunOutcome, error) {
	if m.ActionFunc == nil {
		return &pipeline.RunOutcome{ExecutionID: id, Status: pipeline.OutcomePaused}, nil
	}
	return m.ActionFunc(ctx, id, req)
}

func (m *mockPipeline) RetryStage(ctx context.Context, id uuid.UUID, stage string) (*pipeline.RunOutcome, error) {
	if m.RetryFunc == nil {
		return &pipeline.RunOutcome{ExecutionID: id, Status: pipeline.OutcomeCompleted, Stage: stage}, nil
	}
	return m.RetryFunc(ctx, id, stage)
}

func (m *mockPipeline) GetState(ctx context.Context, id uuid.UUID) (*pipeline.State, error) {
	if m.GetStateFunc == nil {
		return stateWith(id, types.ExecutionPending, types.SessionActive), nil
	}
	return m.GetStateFunc(ctx, id)
}

func stateWith(id uuid.UUID, exec types.ExecutionStatus, sess types.SessionStatus) *pipeline.State {
	return &pipeline.State{
		Execution: &types.Execution{ID: id, Status: exec, Input: types.PipelineInput{Topic: "Observability"}},
		Session:   &types.CheckpointSession{ExecutionID: id, Status: sess},
	}
}

func newTestServer(t *testing.T, mp *mockPipeline, limiter *ratelimit.Limiter) *Server {
	t.Helper()
	s, err := New(Config{Heartbeat: time.Hour}, Deps{Pipeline: mp, Broker: NewBroker(), Limiter: limiter})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestNew_RequiresDeps(t *testing.T) {
	_, err := New(Config{}, Deps{Broker: NewBroker()})
	assert.Error(t, err)
	_, err = New(Config{}, Deps{Pipeline: &mockPipeline{}})
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, &mockPipeline{}, nil)

	w := do(t, s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode[map[string]string](t, w)["status"])
}

func TestHealth_Unavailable(t *testing.T) {
	s, err := New(Config{}, Deps{
		Pipeline: &mockPipeline{},
		Broker:   NewBroker(),
		Health:   func(context.Context) error { return errors.New("connection refused") },
	})
	require.NoError(t, err)
	defer s.Close()

	w := do(t, s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "connection refused", decode[map[string]string](t, w)["error"])
}

func TestCreateExecution(t *testing.T) {
	id := uuid.New()
	var gotInput types.PipelineInput
	var gotMode types.Mode
	s := newTestServer(t, &mockPipeline{
		StartFunc: func(_ context.Context, in types.PipelineInput, mode types.Mode) (uuid.UUID, error) {
			gotInput, gotMode = in, mode
			return id, nil
		},
	}, nil)

	w := do(t, s, http.MethodPost, "/executions",
		`{"input": {"topic": "Kubernetes cost control", "audience": "platform teams"}, "mode": "manual"}`)

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "/executions/"+id.String(), w.Header().Get("Location"))
	resp := decode[CreateExecutionResponse](t, w)
	assert.Equal(t, id.String(), resp.ExecutionID)
	assert.Equal(t, types.ModeManual, resp.Mode)
	assert.False(t, resp.Running)
	assert.Equal(t, "Kubernetes cost control", gotInput.Topic)
	assert.Equal(t, "platform teams", gotInput.Audience)
	assert.Equal(t, types.ModeManual, gotMode)
}

func TestCreateExecution_DefaultsToAutomatic(t *testing.T) {
	s := newTestServer(t, &mockPipeline{}, nil)

	w := do(t, s, http.MethodPost, "/executions", `{"input": {"topic": "x"}}`)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, types.ModeAutomatic, decode[CreateExecutionResponse](t, w).Mode)
}

func TestCreateExecution_BadRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"input": `},
		{"unknown field", `{"input": {"topic": "x"}, "priority": 1}`},
		{"missing topic", `{"input": {}}`},
		{"invalid mode", `{"input": {"topic": "x"}, "mode": "turbo"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, &mockPipeline{
				StartFunc: func(context.Context, types.PipelineInput, types.Mode) (uuid.UUID, error) {
					t.Fatal("Start must not be called")
					return uuid.Nil, nil
				},
			}, nil)
			w := do(t, s, http.MethodPost, "/executions", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.NotEmpty(t, decode[map[string]string](t, w)["error"])
		})
	}
}

func TestCreateExecution_RunStartsInBackground(t *testing.T) {
	ran := make(chan uuid.UUID, 1)
	s := newTestServer(t, &mockPipeline{
		RunFunc: func(_ context.Context, id uuid.UUID) (*pipeline.RunOutcome, error) {
			ran <- id
			return &pipeline.RunOutcome{ExecutionID: id, Status: pipeline.OutcomeCompleted}, nil
		},
	}, nil)

	w := do(t, s, http.MethodPost, "/executions", `{"input": {"topic": "x"}, "run": true}`)
	require.Equal(t, http.StatusCreated, w.Code)
	resp := decode[CreateExecutionResponse](t, w)
	assert.True(t, resp.Running)

	select {
	case id := <-ran:
		assert.Equal(t, resp.ExecutionID, id.String())
	case <-time.After(5 * time.Second):
		t.Fatal("run was not started")
	}
}

func TestGetExecution(t *testing.T) {
	id := uuid.New()
	s := newTestServer(t, &mockPipeline{
		GetStateFunc: func(_ context.Context, got uuid.UUID) (*pipeline.State, error) {
			if got != id {
				return nil, fmt.Errorf("%w: %s", pipeline.ErrExecutionNotFound, got)
			}
			st := stateWith(id, types.ExecutionRunning, types.SessionActive)
			st.NextStage = "outline"
			return st, nil
		},
	}, nil)

	w := do(t, s, http.MethodGet, "/executions/"+id.String(), "")
	require.Equal(t, http.StatusOK, w.Code)
	st := decode[pipeline.State](t, w)
	assert.Equal(t, "outline", st.NextStage)
	assert.Equal(t, types.ExecutionRunning, st.Execution.Status)

	w = do(t, s, http.MethodGet, "/executions/"+uuid.NewString(), "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, s, http.MethodGet, "/executions/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRunExecution_Wait(t *testing.T) {
	id := uuid.New()
	s := newTestServer(t, &mockPipeline{
		RunFunc: func(_ context.Context, got uuid.UUID) (*pipeline.RunOutcome, error) {
			return &pipeline.RunOutcome{ExecutionID: got, Status: pipeline.OutcomePaused, Stage: "research",
				StagesRun: []string{"research"}}, nil
		},
	}, nil)

	w := do(t, s, http.MethodPost, "/executions/"+id.String()+"/run?wait=true", "")
	require.Equal(t, http.StatusOK, w.Code)
	out := decode[pipeline.RunOutcome](t, w)
	assert.Equal(t, pipeline.OutcomePaused, out.Status)
	assert.Equal(t, []string{"research"}, out.StagesRun)
}

func TestRunExecution_WaitPropagatesErrors(t *testing.T) {
	s := newTestServer(t, &mockPipeline{
		RunFunc: func(context.Context, uuid.UUID) (*pipeline.RunOutcome, error) {
			return nil, pipeline.ErrExecutionBusy
		},
	}, nil)

	w := do(t, s, http.MethodPost, "/executions/"+uuid.NewString()+"/run?wait=1", "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestRunExecution_Async(t *testing.T) {
	id := uuid.New()
	done := make(chan struct{})
	s := newTestServer(t, &mockPipeline{
		RunFunc: func(ctx context.Context, _ uuid.UUID) (*pipeline.RunOutcome, error) {
			defer close(done)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}, nil)

	w := do(t, s, http.MethodPost, "/executions/"+id.String()+"/run", "")
	require.Equal(t, http.StatusAccepted, w.Code)
	resp := decode[AcceptedResponse](t, w)
	assert.Equal(t, "/executions/"+id.String()+"/events", resp.Events)

	// Close cancels the background run and waits for it.
	s.Close()
	select {
	case <-done:
	default:
		t.Fatal("Close returned before the run stopped")
	}
}

func TestRunExecution_RejectsTerminal(t *testing.T) {
	tests := []struct {
		name string
		exec types.ExecutionStatus
		sess types.SessionStatus
	}{
		{"completed", types.ExecutionCompleted, types.SessionCompleted},
		{"failed", types.ExecutionFailed, types.SessionActive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, &mockPipeline{
				GetStateFunc: func(_ context.Context, id uuid.UUID) (*pipeline.State, error) {
					return stateWith(id, tt.exec, tt.sess), nil
				},
				RunFunc: func(context.Context, uuid.UUID) (*pipeline.RunOutcome, error) {
					t.Fatal("Run must not be called")
					return nil, nil
				},
			}, nil)
			w := do(t, s, http.MethodPost, "/executions/"+uuid.NewString()+"/run", "")
			assert.Equal(t, http.StatusConflict, w.Code)
		})
	}
}

func TestCheckpointAction_Wait(t *testing.T) {
	var got types.ActionRequest
	s := newTestServer(t, &mockPipeline{
		GetStateFunc: func(_ context.Context, id uuid.UUID) (*pipeline.State, error) {
			return stateWith(id, types.ExecutionRunning, types.SessionPaused), nil
		},
		ActionFunc: func(_ context.Context, id uuid.UUID, req types.ActionRequest) (*pipeline.RunOutcome, error) {
			got = req
			return &pipeline.RunOutcome{ExecutionID: id, Status: pipeline.OutcomePaused, Stage: "outline"}, nil
		},
	}, nil)

	w := do(t, s, http.MethodPost, "/executions/"+uuid.NewString()+"/actions?wait=true",
		`{"action": "edit", "edits": [{"field": "title", "value": "A Better Title"}]}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, types.ActionEdit, got.Action)
	require.Len(t, got.Edits, 1)
	assert.Equal(t, "title", got.Edits[0].Field)
}

func TestCheckpointAction_Rejections(t *testing.T) {
	tests := []struct {
		name string
		sess types.SessionStatus
		body string
		want int
	}{
		{"unknown action", types.SessionPaused, `{"action": "skip"}`, http.StatusBadRequest},
		{"edit without edits", types.SessionPaused, `{"action": "edit"}`, http.StatusBadRequest},
		{"not paused", types.SessionActive, `{"action": "approve"}`, http.StatusConflict},
		{"expired", types.SessionExpired, `{"action": "approve"}`, http.StatusGone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, &mockPipeline{
				GetStateFunc: func(_ context.Context, id uuid.UUID) (*pipeline.State, error) {
					return stateWith(id, types.ExecutionRunning, tt.sess), nil
				},
				ActionFunc: func(context.Context, uuid.UUID, types.ActionRequest) (*pipeline.RunOutcome, error) {
					t.Fatal("action must not be submitted")
					return nil, nil
				},
			}, nil)
			w := do(t, s, http.MethodPost, "/executions/"+uuid.NewString()+"/actions", tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestRetryStage(t *testing.T) {
	var gotStage string
	s := newTestServer(t, &mockPipeline{
		RetryFunc: func(_ context.Context, id uuid.UUID, stage string) (*pipeline.RunOutcome, error) {
			gotStage = stage
			if stage == "research" {
				return nil, fmt.Errorf("%w: research is completed", pipeline.ErrInvalidRetry)
			}
			return &pipeline.RunOutcome{ExecutionID: id, Status: pipeline.OutcomeCompleted}, nil
		},
	}, nil)
	id := uuid.NewString()

	w := do(t, s, http.MethodPost, "/executions/"+id+"/stages/draft/retry?wait=true", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "draft", gotStage)

	w = do(t, s, http.MethodPost, "/executions/"+id+"/stages/research/retry?wait=true", "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestInternalErrorsAreNotEchoed(t *testing.T) {
	s := newTestServer(t, &mockPipeline{
		GetStateFunc: func(context.Context, uuid.UUID) (*pipeline.State, error) {
			return nil, errors.New("pq: password authentication failed")
		},
	}, nil)

	w := do(t, s, http.MethodGet, "/executions/"+uuid.NewString(), "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "internal error", decode[map[string]string](t, w)["error"])
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t, &mockPipeline{}, nil)

	w := do(t, s, http.MethodOptions, "/executions", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRateLimit(t *testing.T) {
	limiter := ratelimit.NewLimiter(&ratelimit.Config{Enabled: true, DefaultLimit: 1, DefaultWindow: time.Minute})
	s := newTestServer(t, &mockPipeline{}, limiter)
	path := "/executions/" + uuid.NewString()

	w := do(t, s, http.MethodGet, path, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1", w.Header().Get("X-RateLimit-Limit"))

	w = do(t, s, http.MethodGet, path, "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, "rate_limit_exceeded", decode[map[string]any](t, w)["error"])

	// Health is never limited.
	w = do(t, s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

type sseEvent struct {
	name string
	data string
}

func readEvents(t *testing.T, sc *bufio.Scanner, n int) []sseEvent {
	t.Helper()
	var out []sseEvent
	var cur sseEvent
	for len(out) < n && sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		case line == "" && cur.name != "":
			out = append(out, cur)
			cur = sseEvent{}
		}
	}
	require.Len(t, out, n, "stream ended early: %v", sc.Err())
	return out
}

func TestEvents_StreamsUntilCompleted(t *testing.T) {
	id := uuid.New()
	s := newTestServer(t, &mockPipeline{}, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/executions/" + id.String() + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	sc := bufio.NewScanner(resp.Body)
	snapshot := readEvents(t, sc, 1)[0]
	assert.Equal(t, "snapshot", snapshot.name)
	assert.Contains(t, snapshot.data, id.String())

	require.Equal(t, 1, s.broker.Subscribers(id.String()))
	s.broker.Publish(pipeline.ProgressEvent{Type: pipeline.EventStageStarted, ExecutionID: id.String(), Stage: "research"})
	s.broker.Publish(pipeline.ProgressEvent{Type: pipeline.EventStageStarted, ExecutionID: uuid.NewString(), Stage: "other"})
	s.broker.Publish(pipeline.ProgressEvent{Type: pipeline.EventCompleted, ExecutionID: id.String()})

	events := readEvents(t, sc, 2)
	assert.Equal(t, pipeline.EventStageStarted, events[0].name)
	assert.Contains(t, events[0].data, `"stage":"research"`)
	assert.Equal(t, pipeline.EventCompleted, events[1].name)

	// The server closes the stream after the terminal event.
	assert.False(t, sc.Scan())
	assert.Eventually(t, func() bool { return s.broker.Subscribers(id.String()) == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestEvents_SettledExecutionEndsAfterSnapshot(t *testing.T) {
	tests := []struct {
		name string
		exec types.ExecutionStatus
		sess types.SessionStatus
	}{
		{"completed", types.ExecutionCompleted, types.SessionCompleted},
		{"failed", types.ExecutionFailed, types.SessionActive},
		{"paused for review", types.ExecutionRunning, types.SessionPaused},
		{"expired", types.ExecutionRunning, types.SessionExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := uuid.New()
			s := newTestServer(t, &mockPipeline{
				GetStateFunc: func(context.Context, uuid.UUID) (*pipeline.State, error) {
					return stateWith(id, tt.exec, tt.sess), nil
				},
			}, nil)
			ts := httptest.NewServer(s.Handler())
			defer ts.Close()

			resp, err := http.Get(ts.URL + "/executions/" + id.String() + "/events")
			require.NoError(t, err)
			defer resp.Body.Close()

			sc := bufio.NewScanner(resp.Body)
			assert.Equal(t, "snapshot", readEvents(t, sc, 1)[0].name)
			assert.False(t, sc.Scan(), "stream stays open after the snapshot")
			assert.Eventually(t, func() bool { return s.broker.Subscribers(id.String()) == 0 }, 5*time.Second, 10*time.Millisecond)
		})
	}
}

func TestEvents_UnknownExecution(t *testing.T) {
	s := newTestServer(t, &mockPipeline{
		GetStateFunc: func(_ context.Context, id uuid.UUID) (*pipeline.State, error) {
			return nil, fmt.Errorf("%w: %s", pipeline.ErrExecutionNotFound, id)
		},
	}, nil)

	w := do(t, s, http.MethodGet, "/executions/"+uuid.NewString()+"/events", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestBackgroundErrorIsPublished(t *testing.T) {
	id := uuid.New()
	s := newTestServer(t, &mockPipeline{
		RunFunc: func(context.Context, uuid.UUID) (*pipeline.RunOutcome, error) {
			return nil, pipeline.ErrExecutionBusy
		},
	}, nil)
	events, cancel := s.broker.Subscribe(id.String())
	defer cancel()

	w := do(t, s, http.MethodPost, "/executions/"+id.String()+"/run", "")
	require.Equal(t, http.StatusAccepted, w.Code)

	select {
	case ev := <-events:
		assert.Equal(t, EventError, ev.Type)
		assert.Contains(t, ev.Message, "already running")
	case <-time.After(5 * time.Second):
		t.Fatal("no error event")
	}
}

func TestBroker_PublishNeverBlocks(t *testing.T) {
	b := NewBroker()
	events, cancel := b.Subscribe("e1")

	for i := 0; i < subscriberBuffer*2; i++ {
		b.Publish(pipeline.ProgressEvent{Type: pipeline.EventStageStarted, ExecutionID: "e1"})
	}
	assert.Len(t, events, subscriberBuffer)

	cancel()
	assert.Zero(t, b.Subscribers("e1"))
	b.Publish(pipeline.ProgressEvent{Type: pipeline.EventCompleted, ExecutionID: "e1"})
}

func TestBroker_FinalEventSurvivesFullBuffer(t *testing.T) {
	b := NewBroker()
	events, cancel := b.Subscribe("e1")
	defer cancel()

	for i := 0; i < subscriberBuffer; i++ {
		b.Publish(pipeline.ProgressEvent{Type: pipeline.EventStageStarted, ExecutionID: "e1"})
	}
	b.Publish(pipeline.ProgressEvent{Type: pipeline.EventStageCompleted, ExecutionID: "e1"})
	b.Publish(pipeline.ProgressEvent{Type: pipeline.EventPaused, ExecutionID: "e1"})

	require.Len(t, events, subscriberBuffer)
	var last pipeline.ProgressEvent
	for len(events) > 0 {
		ev := <-events
		assert.NotEqual(t, pipeline.EventStageCompleted, ev.Type, "non-final events are still dropped when full")
		last = ev
	}
	assert.Equal(t, pipeline.EventPaused, last.Type)
}

func TestBroker_ConcurrentSubscribers(t *testing.T) {
	b := NewBroker()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			events, cancel := b.Subscribe("e1")
			defer cancel()
			b.Publish(pipeline.ProgressEvent{Type: pipeline.EventPaused, ExecutionID: "e1"})
			<-events
		}()
	}
	wg.Wait()
	assert.Zero(t, b.Subscribers("e1"))
}

