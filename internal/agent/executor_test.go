package agent

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"

	"github.com/jonathan/content-pipeline/internal/llm"
	"github.com/jonathan/content-pipeline/internal/llm/llmtest"
	"github.com/jonathan/content-pipeline/internal/pipeline/stages"
	"github.com/jonathan/content-pipeline/internal/repair"
)

func newTestExecutor(client llm.Client) *Executor {
	return NewExecutor(client, nil, nil).WithPolicy(llmtest.FastPolicy())
}

func stage(t *testing.T, id string) stages.Definition {
	t.Helper()
	def, ok := stages.Default().Get(id)
	require.True(t, ok)
	return def
}

func draftInput() map[string]any {
	return map[string]any{
		"topic":         "Go generics",
		"target_words":  800,
		"outline":       map[string]any{"title": "Generics", "sections": []any{map[string]any{"heading": "Intro"}}},
		"style_profile": map[string]any{"tone": "plain"},
		"research":      map[string]any{"facts": []any{"Go 1.18 added generics"}},
	}
}

func TestExecute_Success(t *testing.T) {
	mock := &llmtest.MockClient{
		GenerateFunc: func(_ context.Context, req llm.Request) (*llm.Response, error) {
			return llmtest.Text(`{"title": "Generics in Go", "body": "# Generics\n..."}`, 120, 40), nil
		},
	}

	res, err := newTestExecutor(mock).Execute(context.Background(), stage(t, stages.Draft), draftInput())

	require.NoError(t, err)
	assert.Equal(t, "Generics in Go", res.Output["title"])
	assert.Equal(t, 120, res.Diagnostics.InputTokens)
	assert.Equal(t, 40, res.Diagnostics.OutputTokens)
	assert.Equal(t, 1, res.Diagnostics.Attempts)
	assert.Equal(t, repair.StrategyDirect, res.Diagnostics.Repair.Strategy)

	calls := mock.Calls()
	require.Len(t, calls, 1)
	req := calls[0]
	assert.Equal(t, llm.TierAdvanced, req.Tier)
	assert.InDelta(t, 0.7, req.Temperature, 0.001)
	assert.True(t, req.JSON)
	assert.Contains(t, req.Prompt, "Aim for 800 words")
	assert.Contains(t, req.Prompt, `"title": "Generics"`, "structured context renders as JSON")
	assert.Contains(t, req.Prompt, "Return ONLY valid JSON")
	assert.NotEmpty(t, req.System)
	assert.Equal(t, req.Prompt, res.Diagnostics.UserPrompt)
}

func TestExecute_MissingPlaceholdersBlanked(t *testing.T) {
	mock := &llmtest.MockClient{
		GenerateFunc: func(_ context.Context, _ llm.Request) (*llm.Response, error) {
			return llmtest.Text(`{"title": "t", "body": "b"}`, 1, 1), nil
		},
	}

	res, err := newTestExecutor(mock).Execute(context.Background(), stage(t, stages.Draft), draftInput())

	require.NoError(t, err)
	assert.Contains(t, res.Diagnostics.MissingPlaceholders, "references")
	assert.Contains(t, res.Diagnostics.MissingPlaceholders, "instructions")
	assert.NotContains(t, res.Diagnostics.UserPrompt, "{{")
}

func TestExecute_RepairsMalformedOutput(t *testing.T) {
	mock := &llmtest.MockClient{
		GenerateFunc: func(_ context.Context, _ llm.Request) (*llm.Response, error) {
			return llmtest.Text("```json\n{\"title\": \"T\" \"body\": \"B\",}\n```", 1, 1), nil
		},
	}

	res, err := newTestExecutor(mock).Execute(context.Background(), stage(t, stages.Draft), draftInput())

	require.NoError(t, err)
	assert.Equal(t, map[string]any{"title": "T", "body": "B"}, res.Output)
	assert.True(t, res.Diagnostics.Repair.Repaired())
}

func TestExecute_EmptyResponse(t *testing.T) {
	mock := &llmtest.MockClient{
		GenerateFunc: func(_ context.Context, _ llm.Request) (*llm.Response, error) {
			return llmtest.Text("  \n ", 10, 0), nil
		},
	}

	res, err := newTestExecutor(mock).Execute(context.Background(), stage(t, stages.Draft), draftInput())

	var empty *EmptyResponseError
	require.ErrorAs(t, err, &empty)
	assert.Equal(t, stages.Draft, empty.Stage)
	require.NotNil(t, res)
	assert.Nil(t, res.Diagnostics.Repair, "repair is not attempted on empty output")
}

func TestExecute_MalformedResponse(t *testing.T) {
	mock := &llmtest.MockClient{
		GenerateFunc: func(_ context.Context, _ llm.Request) (*llm.Response, error) {
			return llmtest.Text(`{"title": [1, 2}`, 1, 1), nil
		},
	}

	res, err := newTestExecutor(mock).Execute(context.Background(), stage(t, stages.Draft), draftInput())

	var malformed *repair.MalformedResponseError
	require.ErrorAs(t, err, &malformed)
	require.NotNil(t, res)
	assert.Nil(t, res.Output)
	assert.Equal(t, `{"title": [1, 2}`, res.Diagnostics.RawResponse)
	assert.Contains(t, res.Diagnostics.Malformed, "offset")
}

func TestExecute_NotAnObject(t *testing.T) {
	mock := &llmtest.MockClient{
		GenerateFunc: func(_ context.Context, _ llm.Request) (*llm.Response, error) {
			return llmtest.Text(`[{"title": "x"}]`, 1, 1), nil
		},
	}

	_, err := newTestExecutor(mock).Execute(context.Background(), stage(t, stages.Draft), draftInput())

	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Error(), "an array")
}

func TestExecute_MissingRequiredFields(t *testing.T) {
	mock := &llmtest.MockClient{
		GenerateFunc: func(_ context.Context, _ llm.Request) (*llm.Response, error) {
			return llmtest.Text(`{"title": "x", "body": null}`, 1, 1), nil
		},
	}

	_, err := newTestExecutor(mock).Execute(context.Background(), stage(t, stages.Draft), draftInput())

	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, []string{"body"}, ve.Missing)
}

func TestExecute_SchemaViolation(t *testing.T) {
	mock := &llmtest.MockClient{
		GenerateFunc: func(_ context.Context, _ llm.Request) (*llm.Response, error) {
			return llmtest.Text(`{"score": 7, "body": "text"}`, 1, 1), nil
		},
	}

	_, err := newTestExecutor(mock).Execute(context.Background(), stage(t, stages.Originality), map[string]any{})

	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	require.NotEmpty(t, ve.Fields)
	assert.Equal(t, "score", ve.Fields[0].Field)
}

func TestExecute_RetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	mock := &llmtest.MockClient{
		GenerateFunc: func(_ context.Context, _ llm.Request) (*llm.Response, error) {
			if calls.Add(1) < 3 {
				return nil, &googleapi.Error{Code: 503}
			}
			return llmtest.Text(`{"title": "t", "body": "b"}`, 1, 1), nil
		},
	}

	res, err := newTestExecutor(mock).Execute(context.Background(), stage(t, stages.Draft), draftInput())

	require.NoError(t, err)
	assert.Equal(t, 3, res.Diagnostics.Attempts)
}

func TestExecute_TransientExhausted(t *testing.T) {
	mock := &llmtest.MockClient{
		GenerateFunc: func(_ context.Context, _ llm.Request) (*llm.Response, error) {
			return nil, &googleapi.Error{Code: 429}
		},
	}

	res, err := newTestExecutor(mock).Execute(context.Background(), stage(t, stages.Draft), draftInput())

	var transient *llm.TransientError
	require.ErrorAs(t, err, &transient)
	assert.Equal(t, 4, transient.Attempts)
	assert.Equal(t, 4, res.Diagnostics.Attempts)
	assert.Len(t, mock.Calls(), 4)
}

func TestExecute_PermanentErrorNotRetried(t *testing.T) {
	mock := &llmtest.MockClient{
		GenerateFunc: func(_ context.Context, _ llm.Request) (*llm.Response, error) {
			return nil, errors.New("invalid argument")
		},
	}

	_, err := newTestExecutor(mock).Execute(context.Background(), stage(t, stages.Draft), draftInput())

	require.Error(t, err)
	assert.Len(t, mock.Calls(), 1)
	assert.True(t, strings.Contains(err.Error(), "invalid argument"))
}

func TestExecute_UnknownPromptKey(t *testing.T) {
	def := stage(t, stages.Draft)
	def.UserKey = "nope-user"

	res, err := newTestExecutor(&llmtest.MockClient{}).Execute(context.Background(), def, nil)

	assert.Nil(t, res)
	require.Error(t, err)
}
