package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"go.uber.org/zap"

	"github.com/jonathan/content-pipeline/internal/agent"
	"github.com/jonathan/content-pipeline/internal/embedding"
	"github.com/jonathan/content-pipeline/internal/llm"
	"github.com/jonathan/content-pipeline/internal/pipeline"
	"github.com/jonathan/content-pipeline/internal/pipeline/stages"
	"github.com/jonathan/content-pipeline/internal/retrieval"
)

// cappedSearcher limits every stage's retrieval to the configured k.
type cappedSearcher struct {
	next pipeline.Searcher
	max  int
}

func (c cappedSearcher) Search(ctx context.Context, query string, scope retrieval.Scope, k int) (*retrieval.Results, error) {
	if c.max > 0 && k > c.max {
		k = c.max
	}
	return c.next.Search(ctx, query, scope, k)
}

// noExecutor backs read-only commands that never run a stage.
type noExecutor struct{}

func (noExecutor) Execute(context.Context, stages.Definition, map[string]any) (*agent.Result, error) {
	return nil, errors.New("stage execution is not available in this command")
}

// engine is a wired orchestrator plus the resources it holds open.
type engine struct {
	*pipeline.Orchestrator
	storage *storage
	client  llm.Client
}

func (e *engine) Close() {
	if e.client != nil {
		_ = e.client.Close()
	}
	e.storage.Close()
}

// newEngine opens storage, connects to the model provider and builds the
// orchestrator. onProgress may be nil.
func newEngine(ctx context.Context, onProgress pipeline.ProgressCallback) (*engine, error) {
	if err := requireAPIKey(); err != nil {
		return nil, err
	}
	st, err := openStorage(ctx)
	if err != nil {
		return nil, err
	}

	cfg := &settings.cfg
	llmCfg := cfg.LLM()
	logger := settings.logger

	gemini, err := llm.NewGeminiClient(ctx, llmCfg, cfg.APIKey)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to create LLM client: %w", err)
	}

	embedder, err := queryEmbedder(gemini.Underlying(), llmCfg, logger)
	if err != nil {
		_ = gemini.Close()
		st.Close()
		return nil, err
	}
	searcher := cappedSearcher{
		next: retrieval.NewScorer(embedder, st.chunks, logger),
		max:  cfg.RetrievalK,
	}

	orch, err := pipeline.New(pipeline.Options{
		Store:      st.store,
		Executor:   agent.NewExecutor(gemini, llmCfg, logger),
		Searcher:   searcher,
		Logger:     logger,
		SessionTTL: cfg.SessionTTL(),
		OnProgress: onProgress,
	})
	if err != nil {
		_ = gemini.Close()
		st.Close()
		return nil, err
	}
	return &engine{Orchestrator: orch, storage: st, client: gemini}, nil
}

func queryEmbedder(client *genai.Client, cfg *llm.Config, logger *zap.Logger) (embedding.Embedder, error) {
	em, err := embedding.NewGeminiEmbedder(client, cfg.EmbeddingModel, genai.TaskTypeRetrievalQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}
	return embedding.WithRetry(em, cfg.EmbeddingPolicy(), logger), nil
}

// printProgress writes the human-readable progress lines of a run.
func printProgress(ev pipeline.ProgressEvent) {
	switch ev.Type {
	case pipeline.EventStageStarted:
		printf("%s...\n", ev.Message)
	case pipeline.EventStageCompleted:
		printf("  ✓ %s\n", ev.Message)
	case pipeline.EventStageFailed:
		printf("  ✗ %s: %s\n", ev.Stage, ev.Message)
	case pipeline.EventPaused, pipeline.EventCompleted:
		printf("%s\n", ev.Message)
	}
}
