package ingestion

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/content-pipeline/internal/retrieval"
)

type fakeEmbedder struct {
	mu        sync.Mutex
	calls     int
	BatchFunc func(texts []string) ([][]float32, error)
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := f.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.BatchFunc != nil {
		return f.BatchFunc(texts)
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), 1}
	}
	return out, nil
}

func (f *fakeEmbedder) Name() string { return "fake" }

func (f *fakeEmbedder) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func writeDoc(t *testing.T, paragraphs int) string {
	t.Helper()
	var paras []string
	for i := 0; i < paragraphs; i++ {
		paras = append(paras, strings.TrimSpace(strings.Repeat("Our product ships weekly. ", 4)))
	}
	path := filepath.Join(t.TempDir(), "release-notes.md")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(paras, "\n\n")), 0644))
	return path
}

func TestIngest_FileChunksAreScopedAndOrdered(t *testing.T) {
	store := retrieval.NewMemoryStore()
	emb := &fakeEmbedder{}
	ing := NewIngester(emb, store, Options{ChunkSize: 250, ChunkOverlap: 0, BatchSize: 2}, nil)
	path := writeDoc(t, 10)

	meta, err := ing.Ingest(context.Background(), Source{
		Path:         path,
		CampaignID:   "spring-launch",
		ProjectNames: []string{"atlas"},
	})
	require.NoError(t, err)
	assert.Equal(t, path, meta.DocumentID)
	assert.Equal(t, "release-notes", meta.Title)

	chunks, err := store.List(context.Background(), retrieval.Scope{CampaignID: "spring-launch"})
	require.NoError(t, err)
	require.Len(t, chunks, meta.Chunks)
	require.Greater(t, len(chunks), 2)

	for i, c := range chunks {
		assert.Equal(t, i, c.ChunkIndex)
		assert.Equal(t, path, c.DocumentID)
		assert.Equal(t, "release-notes", c.DocumentName)
		assert.Equal(t, []string{"atlas"}, c.ProjectNames)
		assert.Equal(t, []float32{float32(len(c.Text)), 1}, c.Embedding)
	}
	assert.Equal(t, (len(chunks)+1)/2, emb.Calls())
}

func TestIngest_ReingestReplacesDocument(t *testing.T) {
	store := retrieval.NewMemoryStore()
	ing := NewIngester(&fakeEmbedder{}, store, Options{ChunkSize: 250}, nil)
	path := writeDoc(t, 6)
	src := Source{Path: path, DocumentID: "notes"}

	first, err := ing.Ingest(context.Background(), src)
	require.NoError(t, err)
	second, err := ing.Ingest(context.Background(), src)
	require.NoError(t, err)

	chunks, err := store.List(context.Background(), retrieval.Scope{DocumentIDs: []string{"notes"}})
	require.NoError(t, err)
	assert.Equal(t, first.Chunks, second.Chunks)
	assert.Len(t, chunks, second.Chunks)
}

func TestIngest_EmbedFailureKeepsExistingChunks(t *testing.T) {
	store := retrieval.NewMemoryStore()
	emb := &fakeEmbedder{}
	ing := NewIngester(emb, store, Options{ChunkSize: 250}, nil)
	src := Source{Path: writeDoc(t, 6), DocumentID: "notes"}

	before, err := ing.Ingest(context.Background(), src)
	require.NoError(t, err)

	emb.BatchFunc = func([]string) ([][]float32, error) { return nil, errors.New("quota exceeded") }
	_, err = ing.Ingest(context.Background(), src)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exceeded")

	chunks, err := store.List(context.Background(), retrieval.Scope{DocumentIDs: []string{"notes"}})
	require.NoError(t, err)
	assert.Len(t, chunks, before.Chunks)
}

func TestIngest_ShortEmbedderResponse(t *testing.T) {
	emb := &fakeEmbedder{BatchFunc: func([]string) ([][]float32, error) { return [][]float32{{1}}, nil }}
	ing := NewIngester(emb, retrieval.NewMemoryStore(), Options{ChunkSize: 250, BatchSize: 4}, nil)

	_, err := ing.Ingest(context.Background(), Source{Path: writeDoc(t, 8)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vectors for")
}

func TestIngest_NoSource(t *testing.T) {
	ing := NewIngester(&fakeEmbedder{}, retrieval.NewMemoryStore(), Options{}, nil)
	_, err := ing.Ingest(context.Background(), Source{CampaignID: "c"})
	assert.ErrorIs(t, err, ErrNoSource)
}

func TestIngest_EmptyDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blank.txt")
	require.NoError(t, os.WriteFile(path, []byte(" \n\n \t"), 0644))

	ing := NewIngester(&fakeEmbedder{}, retrieval.NewMemoryStore(), Options{}, nil)
	_, err := ing.Ingest(context.Background(), Source{Path: path})
	assert.ErrorIs(t, err, ErrEmptyDocument)
}

func TestIngest_URL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><head><title>Voice and Tone</title></head><body>
			<nav>Docs | Blog</nav>
			<main>
			<h1>Voice</h1>
			<p>We are   plain spoken.</p>
			</main>
			<footer>© Example</footer></body></html>`))
	}))
	defer server.Close()

	store := retrieval.NewMemoryStore()
	ing := NewIngester(&fakeEmbedder{}, store, Options{}, nil)

	meta, err := ing.Ingest(context.Background(), Source{URL: server.URL, ProjectNames: []string{"docs"}})
	require.NoError(t, err)
	assert.Equal(t, server.URL, meta.DocumentID)
	assert.Equal(t, "Voice and Tone", meta.Title)
	assert.Equal(t, 1, meta.Chunks)

	chunks, err := store.List(context.Background(), retrieval.Scope{ProjectNames: []string{"docs"}})
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "# Voice\n\nWe are plain spoken.", chunks[0].Text)
	assert.NotContains(t, chunks[0].Text, "Docs | Blog")
}

func TestIngest_URLHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	ing := NewIngester(&fakeEmbedder{}, retrieval.NewMemoryStore(), Options{}, nil)
	_, err := ing.Ingest(context.Background(), Source{URL: server.URL})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}
