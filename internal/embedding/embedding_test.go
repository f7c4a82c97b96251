package embedding

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/content-pipeline/internal/llm"
)

// MockEmbedder implements Embedder for testing
type MockEmbedder struct {
	EmbedFunc      func(ctx context.Context, text string) ([]float32, error)
	EmbedBatchFunc func(ctx context.Context, texts []string) ([][]float32, error)
}

func (m *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if m.EmbedFunc != nil {
		return m.EmbedFunc(ctx, text)
	}
	return []float32{1, 0}, nil
}

func (m *MockEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if m.EmbedBatchFunc != nil {
		return m.EmbedBatchFunc(ctx, texts)
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

func (m *MockEmbedder) Name() string { return "mock-embedder" }

func testPolicy() llm.RetryPolicy {
	return llm.RetryPolicy{Attempts: 3, InitialDelay: time.Millisecond, Multiplier: 2}
}

func TestRetrying_RetriesTransient(t *testing.T) {
	calls := 0
	mock := &MockEmbedder{EmbedFunc: func(_ context.Context, _ string) ([]float32, error) {
		calls++
		if calls == 1 {
			return nil, &llm.StatusError{Code: 503}
		}
		return []float32{0.5, 0.5}, nil
	}}

	v, err := WithRetry(mock, testPolicy(), nil).Embed(context.Background(), "hello")

	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.5}, v)
	assert.Equal(t, 2, calls)
}

func TestRetrying_PermanentFailsFast(t *testing.T) {
	calls := 0
	mock := &MockEmbedder{EmbedBatchFunc: func(_ context.Context, _ []string) ([][]float32, error) {
		calls++
		return nil, errors.New("invalid argument")
	}}

	_, err := WithRetry(mock, testPolicy(), nil).EmbedBatch(context.Background(), []string{"a"})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetrying_Name(t *testing.T) {
	assert.Equal(t, "mock-embedder", WithRetry(&MockEmbedder{}, testPolicy(), nil).Name())
}

func TestNewGeminiEmbedder_RequiresClient(t *testing.T) {
	_, err := NewGeminiEmbedder(nil, "text-embedding-004", 0)
	assert.Error(t, err)
}
