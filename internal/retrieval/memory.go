package retrieval

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/content-pipeline/internal/types"
)

// MemoryStore is an in-process ChunkStore that keeps insertion order.
type MemoryStore struct {
	mu     sync.RWMutex
	chunks []types.Chunk
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Store appends chunks, assigning ids and timestamps where missing.
func (m *MemoryStore) Store(_ context.Context, chunks []types.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	for _, c := range chunks {
		if c.DocumentID == "" {
			return fmt.Errorf("chunk %d has no document id", c.ChunkIndex)
		}
		if c.ID == uuid.Nil {
			c.ID = uuid.New()
		}
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		c.ProjectNames = slices.Clone(c.ProjectNames)
		c.Embedding = slices.Clone(c.Embedding)
		m.chunks = append(m.chunks, c)
	}
	return nil
}

// List returns the chunks in scope, in insertion order
func (m *MemoryStore) List(_ context.Context, scope Scope) ([]types.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.Chunk, 0, len(m.chunks))
	for _, c := range m.chunks {
		if scope.Matches(c) {
			out = append(out, c)
		}
	}
	return out, nil
}

// DeleteByDocument removes every chunk of a document and returns how many were removed.
func (m *MemoryStore) DeleteByDocument(_ context.Context, documentID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	before := len(m.chunks)
	m.chunks = slices.DeleteFunc(m.chunks, func(c types.Chunk) bool {
		return c.DocumentID == documentID
	})
	return before - len(m.chunks), nil
}
