// Package embedding provides vector embedding generation for retrieval.
package embedding

import (
	"context"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"go.uber.org/zap"

	"github.com/jonathan/content-pipeline/internal/llm"
)

// Embedder generates vector embeddings for text.
type Embedder interface {
	// Embed generates the embedding for a single text
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedBatch generates embeddings for several texts, in input order
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	// Name returns the embedding model name
	Name() string
}

// Gemini accepts at most this many texts per batch request.
const maxBatchSize = 100

// GeminiEmbedder implements Embedder with the Gemini embedding API.
type GeminiEmbedder struct {
	model    *genai.EmbeddingModel
	name     string
	taskType genai.TaskType
}

// NewGeminiEmbedder creates an embedder on an existing client. Use
// genai.TaskTypeRetrievalDocument for stored chunks and
// genai.TaskTypeRetrievalQuery for search queries.
func NewGeminiEmbedder(client *genai.Client, modelName string, taskType genai.TaskType) (*GeminiEmbedder, error) {
	if client == nil {
		return nil, fmt.Errorf("genai client is required")
	}
	if modelName == "" {
		return nil, fmt.Errorf("embedding model name is required")
	}
	em := client.EmbeddingModel(modelName)
	em.TaskType = taskType
	return &GeminiEmbedder{model: em, name: modelName, taskType: taskType}, nil
}

// Embed generates the embedding for a single text
func (e *GeminiEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	res, err := e.model.EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, fmt.Errorf("failed to embed content: %w", err)
	}
	if res.Embedding == nil || len(res.Embedding.Values) == 0 {
		return nil, fmt.Errorf("embedding response contained no values")
	}
	return res.Embedding.Values, nil
}

// EmbedBatch embeds texts in requests of at most maxBatchSize
func (e *GeminiEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += maxBatchSize {
		end := min(start+maxBatchSize, len(texts))

		batch := e.model.NewBatch()
		for _, t := range texts[start:end] {
			batch = batch.AddContent(genai.Text(t))
		}
		res, err := e.model.BatchEmbedContents(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("failed to embed batch %d-%d: %w", start, end, err)
		}
		if len(res.Embeddings) != end-start {
			return nil, fmt.Errorf("embedding batch returned %d vectors for %d texts", len(res.Embeddings), end-start)
		}
		for _, emb := range res.Embeddings {
			out = append(out, emb.Values)
		}
	}
	return out, nil
}

// Name returns the embedding model name
func (e *GeminiEmbedder) Name() string {
	return e.name
}

// Retrying wraps an Embedder with the shared network retry policy.
type Retrying struct {
	next   Embedder
	policy llm.RetryPolicy
	logger *zap.Logger
}

// WithRetry bounds every call of next with policy.
func WithRetry(next Embedder, policy llm.RetryPolicy, logger *zap.Logger) *Retrying {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retrying{next: next, policy: policy, logger: logger.With(zap.String("embedder", next.Name()))}
}

// Embed generates the embedding for a single text
func (r *Retrying) Embed(ctx context.Context, text string) ([]float32, error) {
	v, _, err := llm.Do(ctx, r.policy, r.logger, func(ctx context.Context) ([]float32, error) {
		return r.next.Embed(ctx, text)
	})
	return v, err
}

// EmbedBatch generates embeddings for several texts
func (r *Retrying) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	v, _, err := llm.Do(ctx, r.policy, r.logger, func(ctx context.Context) ([][]float32, error) {
		return r.next.EmbedBatch(ctx, texts)
	})
	return v, err
}

// Name returns the wrapped embedder's name
func (r *Retrying) Name() string {
	return r.next.Name()
}
