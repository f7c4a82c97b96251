// Package llmtest provides test doubles for the llm package.
package llmtest

import (
	"context"
	"sync"

	"github.com/jonathan/content-pipeline/internal/llm"
)

// MockClient implements llm.Client with overridable functions
type MockClient struct {
	GenerateFunc func(ctx context.Context, req llm.Request) (*llm.Response, error)
	GetModelFunc func(tier llm.ModelTier) string
	CloseFunc    func() error

	mu    sync.Mutex
	calls []llm.Request
}

// Generate records req and answers with GenerateFunc, or an empty object.
func (m *MockClient) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	m.mu.Unlock()

	if m.GenerateFunc != nil {
		return m.GenerateFunc(ctx, req)
	}
	return &llm.Response{Text: `{}`, Model: m.GetModel(req.Tier)}, nil
}

// GetModel answers with GetModelFunc, or "mock-model".
func (m *MockClient) GetModel(tier llm.ModelTier) string {
	if m.GetModelFunc != nil {
		return m.GetModelFunc(tier)
	}
	return "mock-model"
}

// Close calls CloseFunc when set.
func (m *MockClient) Close() error {
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}

// Calls returns the requests received so far.
func (m *MockClient) Calls() []llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]llm.Request, len(m.calls))
	copy(out, m.calls)
	return out
}

// Text returns a response with the given body and token counts.
func Text(body string, in, out int) *llm.Response {
	return &llm.Response{Text: body, Model: "mock-model", InputTokens: in, OutputTokens: out}
}

// FastPolicy is a retry policy with no waiting, for tests.
func FastPolicy() llm.RetryPolicy {
	return llm.RetryPolicy{Attempts: 4, InitialDelay: 0, Multiplier: 2}
}
