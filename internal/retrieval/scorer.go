package retrieval

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/golang/groupcache/lru"
	"go.uber.org/zap"

	"github.com/jonathan/content-pipeline/internal/embedding"
	"github.com/jonathan/content-pipeline/internal/logging"
	"github.com/jonathan/content-pipeline/internal/types"
)

// DefaultK is used when a search asks for k <= 0.
const DefaultK = 5

// DefaultQueryCacheSize is how many query embeddings a Scorer keeps.
const DefaultQueryCacheSize = 256

// ScoredChunk is a chunk with its similarity to the query
type ScoredChunk struct {
	Chunk      types.Chunk `json:"chunk"`
	Similarity float64     `json:"similarity"`
}

// Results is the outcome of one search.
type Results struct {
	Chunks []ScoredChunk
	// CacheHit is set when the query embedding came from the cache.
	CacheHit bool
}

// Scorer embeds a query and ranks the in-scope chunks by cosine similarity.
// Query embeddings are kept in an LRU cache; chunk lists are always read fresh.
type Scorer struct {
	embedder embedding.Embedder
	store    ChunkStore
	logger   *zap.Logger

	mu    sync.Mutex
	cache *lru.Cache
}

// NewScorer creates a scorer with a query cache of DefaultQueryCacheSize. The
// embedder should already carry the retry policy.
func NewScorer(embedder embedding.Embedder, store ChunkStore, logger *zap.Logger) *Scorer {
	return &Scorer{
		embedder: embedder,
		store:    store,
		logger:   logging.OrNop(logger),
		cache:    lru.New(DefaultQueryCacheSize),
	}
}

// WithQueryCache replaces the query cache with one holding size entries.
// A size <= 0 disables caching.
func (s *Scorer) WithQueryCache(size int) *Scorer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if size <= 0 {
		s.cache = nil
	} else {
		s.cache = lru.New(size)
	}
	return s
}

// Search returns the top k chunks in scope, best first. Equal scores keep the
// store's insertion order.
func (s *Scorer) Search(ctx context.Context, query string, scope Scope, k int) (*Results, error) {
	if k <= 0 {
		k = DefaultK
	}

	queryVec, hit, err := s.embedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	candidates, err := s.store.List(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}

	return &Results{Chunks: Rank(queryVec, candidates, scope, k, s.logger), CacheHit: hit}, nil
}

// embedQuery returns the cached embedding of query or computes and caches it.
func (s *Scorer) embedQuery(ctx context.Context, query string) ([]float32, bool, error) {
	s.mu.Lock()
	if s.cache != nil {
		if v, ok := s.cache.Get(query); ok {
			s.mu.Unlock()
			return v.([]float32), true, nil
		}
	}
	s.mu.Unlock()

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	if s.cache != nil {
		s.cache.Add(query, vec)
	}
	s.mu.Unlock()
	return vec, false, nil
}

// Rank scores candidates against queryVec. Chunks outside scope are dropped even
// if the store returned them; chunks with a different dimension are skipped.
func Rank(queryVec []float32, candidates []types.Chunk, scope Scope, k int, logger *zap.Logger) []ScoredChunk {
	logger = logging.OrNop(logger)

	results := make([]ScoredChunk, 0, len(candidates))
	skipped := 0
	for _, c := range candidates {
		if !scope.Matches(c) {
			continue
		}
		if len(c.Embedding) != len(queryVec) {
			skipped++
			continue
		}
		results = append(results, ScoredChunk{Chunk: c, Similarity: Similarity(queryVec, c.Embedding)})
	}
	if skipped > 0 {
		logger.Warn("skipped chunks with mismatched embedding dimension",
			zap.Int("skipped", skipped), zap.Int("query_dim", len(queryVec)))
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})

	if k > 0 && len(results) > k {
		results = results[:k]
	}
	return results
}

// Similarity is the cosine similarity of a and b, or 0 when either has zero norm
// or the lengths differ.
func Similarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
