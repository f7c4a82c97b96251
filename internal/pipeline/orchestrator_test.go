package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/content-pipeline/internal/agent"
	"github.com/jonathan/content-pipeline/internal/checkpoint"
	"github.com/jonathan/content-pipeline/internal/llm"
	"github.com/jonathan/content-pipeline/internal/llm/llmtest"
	"github.com/jonathan/content-pipeline/internal/pipeline/stages"
	"github.com/jonathan/content-pipeline/internal/repair"
	"github.com/jonathan/content-pipeline/internal/retrieval"
	"github.com/jonathan/content-pipeline/internal/types"
)

func TestStart_ValidatesInput(t *testing.T) {
	f := newFixture(t, threeStages(t), nil)

	_, err := f.o.Start(context.Background(), types.PipelineInput{}, types.ModeAutomatic)
	assert.ErrorContains(t, err, "invalid input")

	_, err = f.o.Start(context.Background(), types.PipelineInput{Topic: "x"}, "sometimes")
	assert.ErrorContains(t, err, "invalid mode")
}

func TestStart_CreatesExecutionAndSession(t *testing.T) {
	f := newFixture(t, threeStages(t), nil)

	id := f.start(t, types.ModeManual)

	exec := f.execution(t, id)
	assert.Equal(t, types.ExecutionPending, exec.Status)
	assert.Equal(t, "blog_post", exec.Input.ContentType, "defaults applied")
	sess := f.session(t, id)
	assert.Equal(t, types.SessionActive, sess.Status)
	assert.Equal(t, f.clock.Now().Add(24*time.Hour), sess.ExpiresAt)
}

func TestRun_ThreeStagesAutomaticEndToEnd(t *testing.T) {
	responses := map[string]string{
		"Research the topic": `{"facts": [{"fact": "Tracing finds slow calls", "source": "notes"}], "questions": ["Where to start?"]}`,
		"Create an outline":  "```json\n{\"title\": \"Small-team observability\", \"sections\": [{\"heading\": \"Start with logs\"}]}\n```",
		"Write the full draft": `{"title": "Small-team observability" "body": "Start with structured logs."}`,
	}
	mock := &llmtest.MockClient{
		GenerateFunc: func(_ context.Context, req llm.Request) (*llm.Response, error) {
			for marker, body := range responses {
				if strings.HasPrefix(req.Prompt, marker) {
					return llmtest.Text(body, 200, 80), nil
				}
			}
			return nil, fmt.Errorf("unexpected prompt: %.40s", req.Prompt)
		},
	}
	executor := agent.NewExecutor(mock, nil, nil).WithPolicy(llmtest.FastPolicy())

	f := newFixture(t, threeStages(t), nil)
	o, err := New(Options{Store: f.store, Registry: threeStages(t), Executor: executor, Now: f.clock.Now, OnProgress: f.events.add})
	require.NoError(t, err)
	id, err := o.Start(context.Background(), types.PipelineInput{Topic: "Observability", TargetWords: 600}, types.ModeAutomatic)
	require.NoError(t, err)

	outcome, err := o.Run(context.Background(), id)

	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome.Status)
	assert.Equal(t, []string{stages.Research, stages.Outline, stages.Draft}, outcome.StagesRun)

	exec := f.execution(t, id)
	assert.Equal(t, types.ExecutionCompleted, exec.Status)
	assert.Equal(t, "Start with structured logs.", exec.FinalResult["body"])
	assert.Contains(t, exec.FinalResult["stages"], stages.Outline)
	assert.Equal(t, types.Metrics{
		InputTokens: 600, OutputTokens: 240, TotalTokens: 840, LLMCalls: 3,
		DurationMs: exec.Metrics.DurationMs, CostUSD: exec.Metrics.CostUSD,
	}, exec.Metrics)
	require.NotNil(t, exec.CompletedAt)

	results, err := f.store.ListStageResults(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for i, r := range results {
		assert.Equal(t, types.StageCompleted, r.Status, r.Stage)
		assert.Equal(t, i+1, r.StageOrder)
		assert.NotEmpty(t, r.UserPrompt)
		assert.NotEmpty(t, r.RawResponse)
	}
	assert.Contains(t, results[2].RepairStrategies, repair.StrategyPositionalComma, "draft response needed a comma")

	// the outline prompt carried research's stored result
	calls := mock.Calls()
	require.Len(t, calls, 3)
	assert.Contains(t, calls[1].Prompt, "Tracing finds slow calls")

	sess := f.session(t, id)
	assert.Equal(t, types.SessionCompleted, sess.Status)
	assert.Equal(t, []string{stages.Research, stages.Outline, stages.Draft}, sess.StagesCompleted)

	assert.Equal(t, []string{
		EventStageStarted, EventStageCompleted,
		EventStageStarted, EventStageCompleted,
		EventStageStarted, EventStageCompleted,
		EventCompleted,
	}, f.events.types())

	_, err = o.Run(context.Background(), id)
	assert.ErrorIs(t, err, checkpoint.ErrSessionCompleted)
}

func TestRun_ManualPausesAfterEachStage(t *testing.T) {
	f := newFixture(t, threeStages(t), nil)
	id := f.start(t, types.ModeManual)

	outcome, err := f.o.Run(context.Background(), id)

	require.NoError(t, err)
	assert.Equal(t, OutcomePaused, outcome.Status)
	assert.Equal(t, stages.Research, outcome.Stage)
	assert.Equal(t, []string{stages.Research}, f.exec.Calls())
	assert.Equal(t, types.SessionPaused, f.session(t, id).Status)

	// running again while paused does nothing
	outcome, err = f.o.Run(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, OutcomePaused, outcome.Status)
	assert.Len(t, f.exec.Calls(), 1)

	outcome, err = f.o.SubmitCheckpointAction(context.Background(), id, types.ActionRequest{Action: types.ActionApprove})
	require.NoError(t, err)
	assert.Equal(t, OutcomePaused, outcome.Status)
	assert.Equal(t, stages.Outline, outcome.Stage)

	outcome, err = f.o.SubmitCheckpointAction(context.Background(), id, types.ActionRequest{Action: types.ActionApprove})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome.Status)
	assert.Equal(t, []string{stages.Research, stages.Outline, stages.Draft}, f.exec.Calls())
}

func TestResume_CompletedStagesNeverRerun(t *testing.T) {
	f := newFixture(t, threeStages(t), nil)
	id := f.start(t, types.ModeManual)
	_, err := f.o.Run(context.Background(), id)
	require.NoError(t, err)

	storedBefore := f.session(t, id).StageResults[stages.Research]

	// a new process picks the execution up
	restarted := f.orchestrator(t, threeStages(t), nil)
	_, err = restarted.SubmitCheckpointAction(context.Background(), id, types.ActionRequest{Action: types.ActionApprove})
	require.NoError(t, err)
	_, err = restarted.SubmitCheckpointAction(context.Background(), id, types.ActionRequest{Action: types.ActionApprove})
	require.NoError(t, err)

	for _, stage := range []string{stages.Research, stages.Outline, stages.Draft} {
		assert.Equal(t, 1, f.exec.CallCount(stage), stage)
	}
	if diff := cmp.Diff(storedBefore, f.exec.LastInput(stages.Outline)[stages.Research]); diff != "" {
		t.Errorf("outline saw a different research result (-stored +seen):\n%s", diff)
	}
}

func TestResume_AfterCrashMidStage(t *testing.T) {
	f := newFixture(t, threeStages(t), nil)
	id := f.start(t, types.ModeAutomatic)

	ctx, cancel := context.WithCancel(context.Background())
	f.exec.ExecuteFunc = func(ctx context.Context, def stages.Definition, _ map[string]any) (*agent.Result, error) {
		if def.ID == stages.Outline {
			cancel()
			return nil, ctx.Err()
		}
		return okResult(map[string]any{"stage": def.ID}), nil
	}

	_, err := f.o.Run(ctx, id)
	require.ErrorIs(t, err, context.Canceled)

	exec := f.execution(t, id)
	assert.NotEqual(t, types.ExecutionFailed, exec.Status, "an interrupted run is resumable")
	outline, _ := f.store.GetStageResult(context.Background(), id, stages.Outline)
	assert.Equal(t, types.StagePending, outline.Status)

	f.exec.ExecuteFunc = nil
	outcome, err := f.o.Resume(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome.Status)
	assert.Equal(t, []string{stages.Outline, stages.Draft}, outcome.StagesRun)
	assert.Equal(t, 1, f.exec.CallCount(stages.Research))
}

func TestSubmitCheckpointAction_EditPropagates(t *testing.T) {
	f := newFixture(t, threeStages(t), nil)
	id := f.start(t, types.ModeManual)
	f.exec.ExecuteFunc = func(_ context.Context, def stages.Definition, _ map[string]any) (*agent.Result, error) {
		return okResult(map[string]any{"facts": []any{"model fact"}, "questions": []any{"q"}, "stage": def.ID}), nil
	}
	_, err := f.o.Run(context.Background(), id)
	require.NoError(t, err)

	_, err = f.o.SubmitCheckpointAction(context.Background(), id, types.ActionRequest{
		Action: types.ActionEdit,
		Edits:  []types.FieldEdit{{Field: "facts", Value: []any{"reviewer fact"}}},
	})
	require.NoError(t, err)

	seen := f.exec.LastInput(stages.Outline)[stages.Research].(map[string]any)
	assert.Equal(t, []any{"reviewer fact"}, seen["facts"])

	sess := f.session(t, id)
	require.Len(t, sess.UserEdits, 1)
	assert.Equal(t, []any{"model fact"}, sess.UserEdits[0].OldValue)

	// the stage result keeps what the model returned
	sr, _ := f.store.GetStageResult(context.Background(), id, stages.Research)
	assert.Equal(t, []any{"model fact"}, sr.Result["facts"])

	acts, _ := f.store.ListActivities(context.Background(), id)
	var edits int
	for _, a := range acts {
		for _, c := range a.ContentChanges {
			if c.Reason == "reviewer edit" {
				edits++
				assert.Equal(t, "facts", c.Location)
			}
		}
	}
	assert.Equal(t, 1, edits)
}

func TestSubmitCheckpointAction_RejectRerunsWithFeedback(t *testing.T) {
	f := newFixture(t, threeStages(t), nil)
	id := f.start(t, types.ModeManual)
	_, err := f.o.Run(context.Background(), id)
	require.NoError(t, err)

	outcome, err := f.o.SubmitCheckpointAction(context.Background(), id, types.ActionRequest{
		Action:   types.ActionReject,
		Feedback: "use primary sources",
	})

	require.NoError(t, err)
	assert.Equal(t, OutcomePaused, outcome.Status)
	assert.Equal(t, stages.Research, outcome.Stage)
	assert.Equal(t, 2, f.exec.CallCount(stages.Research))
	assert.Equal(t, "use primary sources", f.exec.LastInput(stages.Research)["instructions"])
	assert.Empty(t, f.session(t, id).PendingInstructions, "consumed by the rerun")
}

// countingEmbedder maps every text to the same vector and counts calls.
type countingEmbedder struct{ calls int }

func (c *countingEmbedder) Embed(context.Context, string) ([]float32, error) {
	c.calls++
	return []float32{1, 0}, nil
}

func (c *countingEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

func (c *countingEmbedder) Name() string { return "counting" }

func TestSubmitCheckpointAction_RejectReusesQueryEmbedding(t *testing.T) {
	ctx := context.Background()
	chunks := retrieval.NewMemoryStore()
	require.NoError(t, chunks.Store(ctx, []types.Chunk{
		{DocumentID: "guide", DocumentName: "Guide", Text: "Lead with the outcome.", Embedding: []float32{1, 0}},
	}))
	embedder := &countingEmbedder{}
	f := newFixture(t, threeStages(t), retrieval.NewScorer(embedder, chunks, nil))
	id := f.start(t, types.ModeManual)
	_, err := f.o.Run(ctx, id)
	require.NoError(t, err)

	_, err = f.o.SubmitCheckpointAction(ctx, id, types.ActionRequest{Action: types.ActionReject, Feedback: "shorter"})
	require.NoError(t, err)

	acts, err := f.store.ListActivities(ctx, id)
	require.NoError(t, err)
	require.Len(t, acts, 2)
	assert.Equal(t, 0, acts[0].Counters.CacheHits)
	assert.Equal(t, 1, acts[1].Counters.CacheHits, "the rerun repeats the research query")
	assert.Equal(t, 1, embedder.calls)
	assert.Contains(t, f.exec.LastInput(stages.Research)["references"], "Lead with the outcome.")
}

func TestSubmitCheckpointAction_RequiresPause(t *testing.T) {
	f := newFixture(t, threeStages(t), nil)
	id := f.start(t, types.ModeAutomatic)

	_, err := f.o.SubmitCheckpointAction(context.Background(), id, types.ActionRequest{Action: types.ActionApprove})

	assert.ErrorIs(t, err, checkpoint.ErrNotPaused)
}

func TestSessionExpiry(t *testing.T) {
	f := newFixture(t, threeStages(t), nil)
	id := f.start(t, types.ModeManual)
	_, err := f.o.Run(context.Background(), id)
	require.NoError(t, err)

	f.clock.Advance(25 * time.Hour)

	_, err = f.o.SubmitCheckpointAction(context.Background(), id, types.ActionRequest{Action: types.ActionApprove})
	assert.ErrorIs(t, err, checkpoint.ErrSessionExpired)
	assert.Equal(t, types.SessionExpired, f.session(t, id).Status)

	_, err = f.o.Run(context.Background(), id)
	assert.ErrorIs(t, err, checkpoint.ErrSessionExpired)
	_, err = f.o.RetryStage(context.Background(), id, stages.Outline)
	assert.ErrorIs(t, err, checkpoint.ErrSessionExpired)
}

func TestRun_StageFailureIsRecorded(t *testing.T) {
	f := newFixture(t, threeStages(t), nil)
	id := f.start(t, types.ModeAutomatic)
	f.exec.ExecuteFunc = func(_ context.Context, def stages.Definition, _ map[string]any) (*agent.Result, error) {
		if def.ID == stages.Outline {
			res := okResult(nil)
			res.Diagnostics.RawResponse = "   "
			return res, &agent.EmptyResponseError{Stage: def.ID, Model: "mock-model"}
		}
		return okResult(map[string]any{"stage": def.ID}), nil
	}

	outcome, err := f.o.Run(context.Background(), id)

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, KindEmptyResponse, stageErr.Kind)
	var empty *agent.EmptyResponseError
	assert.ErrorAs(t, err, &empty)
	assert.Equal(t, OutcomeFailed, outcome.Status)

	sr, _ := f.store.GetStageResult(context.Background(), id, stages.Outline)
	assert.Equal(t, types.StageFailed, sr.Status)
	assert.Equal(t, KindEmptyResponse, *sr.ErrorKind)

	exec := f.execution(t, id)
	assert.Equal(t, types.ExecutionFailed, exec.Status)
	assert.Equal(t, stages.Outline, *exec.ErrorStage)
	assert.Equal(t, []string{stages.Research}, f.session(t, id).StagesCompleted)

	_, err = f.o.Run(context.Background(), id)
	assert.ErrorIs(t, err, ErrExecutionFailed)

	acts, _ := f.store.ListActivities(context.Background(), id)
	require.Len(t, acts, 2)
	assert.Equal(t, types.ActivityFailed, acts[1].Status)
	assert.NotEmpty(t, acts[1].Errors)
}

func TestRetryStage(t *testing.T) {
	f := newFixture(t, threeStages(t), nil)
	id := f.start(t, types.ModeAutomatic)
	failing := true
	f.exec.ExecuteFunc = func(_ context.Context, def stages.Definition, _ map[string]any) (*agent.Result, error) {
		if def.ID == stages.Outline && failing {
			return okResult(nil), &llm.TransientError{Attempts: 4, Cause: errors.New("503")}
		}
		return okResult(map[string]any{"stage": def.ID}), nil
	}
	_, err := f.o.Run(context.Background(), id)
	require.Equal(t, KindTransientNetwork, ErrorKind(err))

	_, err = f.o.RetryStage(context.Background(), id, stages.Draft)
	assert.ErrorIs(t, err, ErrInvalidRetry)
	_, err = f.o.RetryStage(context.Background(), id, "nope")
	assert.ErrorIs(t, err, ErrInvalidRetry)
	_, err = f.o.RetryStage(context.Background(), id, stages.Research)
	assert.ErrorIs(t, err, ErrInvalidRetry)
	assert.ErrorContains(t, err, "research already completed")

	failing = false
	outcome, err := f.o.RetryStage(context.Background(), id, stages.Outline)

	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome.Status)
	sr, _ := f.store.GetStageResult(context.Background(), id, stages.Outline)
	assert.Equal(t, 1, sr.RetryCount)
	assert.Nil(t, sr.ErrorKind)
	assert.Equal(t, 1, f.exec.CallCount(stages.Research))
}

func TestRun_GapInCompletedStagesIsFatal(t *testing.T) {
	f := newFixture(t, threeStages(t), nil)
	id := f.start(t, types.ModeAutomatic)

	sess := f.session(t, id)
	sess.StagesCompleted = []string{stages.Outline}
	sess.StageResults = map[string]map[string]any{stages.Outline: {"title": "x"}}
	require.NoError(t, f.store.UpdateSession(context.Background(), sess))

	_, err := f.o.Run(context.Background(), id)

	var depErr *StageDependencyError
	require.ErrorAs(t, err, &depErr)
	assert.Equal(t, KindStageDependency, ErrorKind(err))
	assert.Empty(t, f.exec.Calls(), "never silently skips")
	assert.Equal(t, types.ExecutionFailed, f.execution(t, id).Status)
}

func TestRun_CompletedStageWithoutResultIsFatal(t *testing.T) {
	f := newFixture(t, threeStages(t), nil)
	id := f.start(t, types.ModeAutomatic)

	sess := f.session(t, id)
	sess.StagesCompleted = []string{stages.Research}
	sess.StageResults = map[string]map[string]any{stages.Research: {"facts": []any{}}}
	require.NoError(t, f.store.UpdateSession(context.Background(), sess))

	_, err := f.o.Run(context.Background(), id)

	var depErr *StageDependencyError
	require.ErrorAs(t, err, &depErr)
	assert.Equal(t, stages.Research, depErr.Stage)
}

func TestRun_RetrievalAttachesReferences(t *testing.T) {
	searcher := &fakeSearcher{results: []retrieval.ScoredChunk{
		{Chunk: types.Chunk{ID: uuid.New(), DocumentID: "doc-1", DocumentName: "Style guide", Text: "Prefer short sentences."}, Similarity: 0.91},
		{Chunk: types.Chunk{ID: uuid.New(), DocumentID: "doc-2", Text: "Metrics first."}, Similarity: 0.42},
	}}
	f := newFixture(t, threeStages(t), searcher)
	id, err := f.o.Start(context.Background(), types.PipelineInput{Topic: "Logs", Goal: "teach", CampaignID: "spring"}, types.ModeAutomatic)
	require.NoError(t, err)

	_, err = f.o.Run(context.Background(), id)
	require.NoError(t, err)

	refs, _ := f.exec.LastInput(stages.Research)["references"].(string)
	assert.Contains(t, refs, "Style guide (similarity 0.91)")
	assert.Contains(t, refs, "Prefer short sentences.")
	_, hasRefs := f.exec.LastInput(stages.Outline)["references"]
	assert.False(t, hasRefs, "outline declares no retrieval need")

	require.NotEmpty(t, searcher.queries)
	assert.Equal(t, "Logs teach", searcher.queries[0])
	assert.Equal(t, "spring", searcher.scopes[0].CampaignID)

	acts, _ := f.store.ListActivities(context.Background(), id)
	require.NotEmpty(t, acts)
	usage := acts[0].RetrievalUsage
	require.Len(t, usage, 2)
	assert.Equal(t, "high", usage[0].Influence)
	assert.Equal(t, "low", usage[1].Influence)
}

func TestRun_RetrievalFailureDoesNotFailStage(t *testing.T) {
	searcher := &fakeSearcher{err: errors.New("embedding backend down")}
	f := newFixture(t, threeStages(t), searcher)
	id := f.start(t, types.ModeAutomatic)

	outcome, err := f.o.Run(context.Background(), id)

	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome.Status)
	acts, _ := f.store.ListActivities(context.Background(), id)
	assert.Contains(t, acts[0].Warnings[0].Message, "embedding backend down")
}

func TestRun_BusyExecution(t *testing.T) {
	f := newFixture(t, threeStages(t), nil)
	id := f.start(t, types.ModeAutomatic)

	release, err := f.o.acquire(id)
	require.NoError(t, err)
	_, err = f.o.Run(context.Background(), id)
	assert.ErrorIs(t, err, ErrExecutionBusy)
	release()

	_, err = f.o.Run(context.Background(), id)
	assert.NoError(t, err)
}

func TestRun_UnknownExecution(t *testing.T) {
	f := newFixture(t, threeStages(t), nil)

	_, err := f.o.Run(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrExecutionNotFound)
	_, err = f.o.GetState(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrExecutionNotFound)
}

func TestGetState(t *testing.T) {
	f := newFixture(t, threeStages(t), nil)
	id := f.start(t, types.ModeManual)
	_, err := f.o.Run(context.Background(), id)
	require.NoError(t, err)

	state, err := f.o.GetState(context.Background(), id)

	require.NoError(t, err)
	assert.Equal(t, id, state.Execution.ID)
	assert.Equal(t, types.SessionPaused, state.Session.Status)
	assert.Equal(t, stages.Outline, state.NextStage)
	require.Len(t, state.Stages, 1)
	require.Len(t, state.Activities, 1)
	assert.Equal(t, 1, state.Activities[0].Counters.LLMCalls)
}

func TestRecordOutput_ContentChangesAndBadges(t *testing.T) {
	f := newFixture(t, stages.Default(), nil)
	id := f.start(t, types.ModeAutomatic)
	f.exec.ExecuteFunc = func(_ context.Context, def stages.Definition, _ map[string]any) (*agent.Result, error) {
		switch def.ID {
		case stages.Draft:
			return okResult(map[string]any{"title": "t", "body": "line one\nline two\n"}), nil
		case stages.Optimize:
			return okResult(map[string]any{
				"body":             "line one\nline 2\n",
				"meta_description": "m",
				"changes":          []any{map[string]any{"before": "two", "after": "2", "reason": "numerals", "location": "para 1"}},
			}), nil
		case stages.Originality:
			return okResult(map[string]any{"score": 0.9, "body": "line one\nline 2\n"}), nil
		case stages.Polish:
			return okResult(map[string]any{"title": "t", "body": "final\n", "summary": "s", "word_count": float64(880)}), nil
		}
		return okResult(map[string]any{"stage": def.ID}), nil
	}

	_, err := f.o.Run(context.Background(), id)
	require.NoError(t, err)

	acts, _ := f.store.ListActivities(context.Background(), id)
	byStage := map[string]types.AgentActivity{}
	for _, a := range acts {
		byStage[a.Stage] = a
	}

	opt := byStage[stages.Optimize].ContentChanges
	require.Len(t, opt, 2)
	assert.Equal(t, "optimize revision", opt[0].Reason)
	assert.Contains(t, opt[0].Diff, "-line two")
	assert.Contains(t, opt[0].Diff, "+line 2")
	assert.Equal(t, "numerals", opt[1].Reason)

	assert.Empty(t, byStage[stages.Originality].ContentChanges, "unchanged body")
	require.Len(t, byStage[stages.Originality].Badges, 1)
	assert.Equal(t, "high", byStage[stages.Originality].Badges[0].Level)

	polish := byStage[stages.Polish].Badges
	require.Len(t, polish, 1)
	assert.Equal(t, "on_target", polish[0].Level)
}

func TestRecordOutput_InvalidUTF8Warning(t *testing.T) {
	f := newFixture(t, threeStages(t), nil)
	id := f.start(t, types.ModeAutomatic)
	f.exec.ExecuteFunc = func(_ context.Context, def stages.Definition, _ map[string]any) (*agent.Result, error) {
		res := okResult(map[string]any{"stage": def.ID})
		if def.ID == stages.Research {
			res.Diagnostics.Repair.InvalidUTF8 = 2
		}
		return res, nil
	}

	_, err := f.o.Run(context.Background(), id)
	require.NoError(t, err)

	acts, _ := f.store.ListActivities(context.Background(), id)
	require.Len(t, acts, 3)
	require.Len(t, acts[0].Warnings, 1)
	assert.Equal(t, "model output had 2 invalid UTF-8 byte(s), decoded as U+FFFD", acts[0].Warnings[0].Message)
	assert.Empty(t, acts[1].Warnings)
}

func TestRecordOutput_AvoidedTerms(t *testing.T) {
	f := newFixture(t, stages.Default(), nil)
	id := f.start(t, types.ModeAutomatic)
	f.exec.ExecuteFunc = func(_ context.Context, def stages.Definition, _ map[string]any) (*agent.Result, error) {
		switch {
		case def.ID == stages.StyleProfile:
			return okResult(map[string]any{"tone": "plain", "guidelines": []any{"short"}, "avoid_terms": []any{"synergy", "leverage"}}), nil
		case def.ID == stages.Draft:
			return okResult(map[string]any{"title": "t", "body": "Unlock Synergy with logs.\n"}), nil
		case def.ContentField != "":
			return okResult(map[string]any{"title": "t", "body": "Logs help.\n", "summary": "s", "meta_description": "m", "score": 0.9}), nil
		}
		return okResult(map[string]any{"stage": def.ID}), nil
	}

	_, err := f.o.Run(context.Background(), id)
	require.NoError(t, err)

	acts, _ := f.store.ListActivities(context.Background(), id)
	byStage := map[string]types.AgentActivity{}
	for _, a := range acts {
		byStage[a.Stage] = a
	}

	draft := byStage[stages.Draft]
	require.Len(t, draft.Warnings, 1)
	assert.Equal(t, "content uses avoided terms: synergy", draft.Warnings[0].Message)
	require.Len(t, draft.Badges, 1)
	assert.Equal(t, "style", draft.Badges[0].Name)
	assert.Equal(t, "flagged", draft.Badges[0].Level)

	var optimizeStyle []string
	for _, b := range byStage[stages.Optimize].Badges {
		if b.Name == "style" {
			optimizeStyle = append(optimizeStyle, b.Level)
		}
	}
	assert.Equal(t, []string{"clean"}, optimizeStyle)
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{fmt.Errorf("wrapped: %w", &llm.TransientError{Attempts: 4, Cause: errors.New("x")}), KindTransientNetwork},
		{&agent.EmptyResponseError{}, KindEmptyResponse},
		{fmt.Errorf("stage draft: %w", &repair.MalformedResponseError{LastErr: errors.New("x")}), KindMalformedResponse},
		{&agent.ValidationError{Stage: "draft"}, KindValidation},
		{&StageDependencyError{Stage: "draft"}, KindStageDependency},
		{&types.StageOrderError{Stage: "draft", Order: 2}, KindStageDependency},
		{&StageError{Stage: "draft", Kind: KindValidation, Err: errors.New("x")}, KindValidation},
		{errors.New("disk full"), KindInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ErrorKind(tt.err), fmt.Sprint(tt.err))
	}
}
