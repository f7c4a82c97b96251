package ingestion

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jonathan/content-pipeline/internal/embedding"
	"github.com/jonathan/content-pipeline/internal/fetch"
	"github.com/jonathan/content-pipeline/internal/retrieval"
	"github.com/jonathan/content-pipeline/internal/types"
)

var (
	// ErrNoSource is returned when a Source names neither a URL nor a path.
	ErrNoSource = errors.New("source needs a url or a path")
	// ErrEmptyDocument is returned when a document has no text after cleaning.
	ErrEmptyDocument = errors.New("document has no text")
)

// Source names one reference document and the scope its chunks belong to.
type Source struct {
	URL  string
	Path string
	// DocumentID defaults to the URL or path.
	DocumentID   string
	DocumentName string
	CampaignID   string
	ProjectNames []string
}

func (s Source) documentID() string {
	switch {
	case s.DocumentID != "":
		return s.DocumentID
	case s.URL != "":
		return s.URL
	default:
		return s.Path
	}
}

// Options tunes chunking and embedding.
type Options struct {
	ChunkSize    int
	ChunkOverlap int
	// BatchSize is the number of chunks per EmbedBatch call.
	BatchSize int
	// Concurrency bounds the in-flight EmbedBatch calls.
	Concurrency int
	// Fetch configures URL sources, including the optional browser fallback.
	Fetch *fetch.Options
}

// DefaultOptions returns 1200-char chunks with 200 chars of overlap, embedded
// 16 at a time with 4 concurrent requests.
func DefaultOptions() Options {
	return Options{
		ChunkSize:    DefaultChunkSize,
		ChunkOverlap: DefaultChunkOverlap,
		BatchSize:    16,
		Concurrency:  4,
	}
}

// Ingester fetches, chunks, embeds and stores reference documents.
type Ingester struct {
	embedder embedding.Embedder
	store    retrieval.ChunkStore
	fetcher  *fetch.Client
	opts     Options
	logger   *zap.Logger
}

// NewIngester wires an ingester. Zero option fields take their defaults.
func NewIngester(embedder embedding.Embedder, store retrieval.ChunkStore, opts Options, logger *zap.Logger) *Ingester {
	def := DefaultOptions()
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = def.ChunkSize
	}
	if opts.ChunkOverlap < 0 {
		opts.ChunkOverlap = 0
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = def.BatchSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = def.Concurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingester{
		embedder: embedder,
		store:    store,
		fetcher:  fetch.New(opts.Fetch, logger),
		opts:     opts,
		logger:   logger,
	}
}

// Load reads or fetches the source and returns its cleaned text.
func (ing *Ingester) Load(ctx context.Context, src Source) (string, *Metadata, error) {
	switch {
	case src.URL != "":
		result, err := ing.fetcher.Document(ctx, src.URL)
		if err != nil {
			return "", nil, err
		}
		cleaned := CleanText(result.Text)
		meta := NewMetadata(cleaned, src.URL)
		meta.Title = result.Title
		if result.Rendered {
			ing.logger.Debug("used rendered page", zap.String("url", src.URL))
		}
		return cleaned, meta, nil
	case src.Path != "":
		return ReadFile(src.Path)
	default:
		return "", nil, ErrNoSource
	}
}

// Ingest replaces the document's chunks with freshly embedded ones. Nothing is
// deleted unless every chunk embedded successfully.
func (ing *Ingester) Ingest(ctx context.Context, src Source) (*Metadata, error) {
	text, meta, err := ing.Load(ctx, src)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyDocument
	}

	docID := src.documentID()
	name := src.DocumentName
	if name == "" {
		name = meta.Title
	}
	meta.DocumentID = docID
	meta.Title = name

	texts := Split(text, ing.opts.ChunkSize, ing.opts.ChunkOverlap)
	vectors, err := ing.embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("failed to embed %s: %w", docID, err)
	}

	chunks := make([]types.Chunk, len(texts))
	for i, t := range texts {
		chunks[i] = types.Chunk{
			ID:           uuid.New(),
			DocumentID:   docID,
			DocumentName: name,
			ProjectNames: src.ProjectNames,
			CampaignID:   src.CampaignID,
			ChunkIndex:   i,
			Text:         t,
			Embedding:    vectors[i],
		}
	}

	removed, err := ing.store.DeleteByDocument(ctx, docID)
	if err != nil {
		return nil, err
	}
	if err := ing.store.Store(ctx, chunks); err != nil {
		return nil, err
	}
	meta.Chunks = len(chunks)

	ing.logger.Info("ingested document",
		zap.String("document_id", docID),
		zap.Int("chunks", len(chunks)),
		zap.Int("replaced", removed),
		zap.String("embedder", ing.embedder.Name()))
	return meta, nil
}

// embed runs EmbedBatch over fixed-size batches with bounded concurrency and
// returns the vectors in text order.
func (ing *Ingester) embed(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ing.opts.Concurrency)

	for start := 0; start < len(texts); start += ing.opts.BatchSize {
		end := min(start+ing.opts.BatchSize, len(texts))
		g.Go(func() error {
			batch, err := ing.embedder.EmbedBatch(gctx, texts[start:end])
			if err != nil {
				return err
			}
			if len(batch) != end-start {
				return fmt.Errorf("embedder returned %d vectors for %d texts", len(batch), end-start)
			}
			copy(vectors[start:end], batch)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return vectors, nil
}
