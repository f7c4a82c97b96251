package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/spf13/cobra"

	"github.com/jonathan/content-pipeline/internal/discovery"
	"github.com/jonathan/content-pipeline/internal/embedding"
	"github.com/jonathan/content-pipeline/internal/fetch"
	"github.com/jonathan/content-pipeline/internal/ingestion"
	"github.com/jonathan/content-pipeline/internal/llm"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Add a reference document to the retrieval store",
	Long: `Fetches a URL (or reads a file), extracts and cleans its main text, splits it into
overlapping chunks, embeds them and stores them under the given scope.
Re-ingesting a document replaces its previous chunks.

With --discover, candidate documents for a topic are found through Google Custom Search
(GOOGLE_SEARCH_ENGINE_ID must be set) and each one is ingested.

With --dry-run the cleaned text is written to --out and nothing is embedded.`,
	RunE: runIngest,
}

var (
	ingestURL        string
	ingestFile       string
	ingestDocumentID string
	ingestName       string
	ingestCampaign   string
	ingestProjects   []string
	ingestOutDir     string
	ingestDryRun     bool
	ingestUseBrowser bool
	ingestStrip      []string
	ingestDiscover   string
	ingestSites      []string
	ingestMax        int
)

func init() {
	f := ingestCmd.Flags()
	f.StringVarP(&ingestURL, "url", "u", "", "URL of the document")
	f.StringVarP(&ingestFile, "file", "f", "", "Path to a local text file")
	f.StringVar(&ingestDocumentID, "document-id", "", "Document id (defaults to the URL or path)")
	f.StringVar(&ingestName, "name", "", "Display name (defaults to the page title or file name)")
	f.StringVar(&ingestCampaign, "campaign", "", "Campaign the document belongs to")
	f.StringSliceVar(&ingestProjects, "project", nil, "Projects the document belongs to (repeatable)")
	f.StringVarP(&ingestOutDir, "out", "o", "", "With --dry-run, directory to write the cleaned text and metadata to")
	f.BoolVar(&ingestDryRun, "dry-run", false, "Only extract and clean; do not embed or store")
	f.BoolVar(&ingestUseBrowser, "use-browser", false, "Render pages with a headless browser when static text is thin (requires Chrome)")
	f.StringSliceVar(&ingestStrip, "strip", nil, "Extra CSS selectors to remove from fetched pages (repeatable)")
	f.StringVar(&ingestDiscover, "discover", "", "Search the web for documents about this topic and ingest them")
	f.StringSliceVar(&ingestSites, "site", nil, "With --discover, only accept results from these domains (repeatable)")
	f.IntVar(&ingestMax, "max", 5, "With --discover, the maximum documents to ingest")
	ingestCmd.MarkFlagsMutuallyExclusive("url", "file", "discover")
	ingestCmd.MarkFlagsOneRequired("url", "file", "discover")

	rootCmd.AddCommand(ingestCmd)
}

func ingestOptions() ingestion.Options {
	cfg := &settings.cfg
	opts := ingestion.DefaultOptions()
	if cfg.ChunkSize > 0 {
		opts.ChunkSize = cfg.ChunkSize
	}
	if cfg.ChunkOverlap > 0 {
		opts.ChunkOverlap = cfg.ChunkOverlap
	}
	if cfg.EmbedConcurrency > 0 {
		opts.Concurrency = cfg.EmbedConcurrency
	}
	opts.Fetch = fetch.DefaultOptions()
	opts.Fetch.Noise = ingestStrip
	if ingestUseBrowser || cfg.UseBrowser {
		opts.Fetch.Browser = fetch.DefaultBrowserOptions(settings.logger)
	}
	return opts
}

func runIngest(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	opts := ingestOptions()

	sources := []ingestion.Source{{URL: ingestURL, Path: ingestFile, DocumentID: ingestDocumentID, DocumentName: ingestName}}
	if ingestDiscover != "" {
		found, err := discoverSources(ctx)
		if err != nil {
			return err
		}
		sources = found
	}
	for i := range sources {
		sources[i].CampaignID = ingestCampaign
		sources[i].ProjectNames = ingestProjects
	}

	if ingestDryRun {
		for _, src := range sources {
			text, meta, err := ingestion.NewIngester(nil, nil, opts, settings.logger).Load(ctx, src)
			if err != nil {
				return err
			}
			meta.Chunks = len(ingestion.Split(text, opts.ChunkSize, opts.ChunkOverlap))
			printf("%s: %d characters, %d chunks (hash %s)\n",
				firstNonEmpty(src.URL, src.Path), len(text), meta.Chunks, meta.Hash[:12])
			if err := writeCleaned(text, meta); err != nil {
				return err
			}
		}
		return nil
	}

	if err := requireAPIKey(); err != nil {
		return err
	}
	st, err := openStorage(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	llmCfg := settings.cfg.LLM()
	client, err := llm.NewGeminiClient(ctx, llmCfg, settings.cfg.APIKey)
	if err != nil {
		return fmt.Errorf("failed to create embedding client: %w", err)
	}
	defer func() { _ = client.Close() }()

	em, err := embedding.NewGeminiEmbedder(client.Underlying(), llmCfg.EmbeddingModel, genai.TaskTypeRetrievalDocument)
	if err != nil {
		return err
	}
	ing := ingestion.NewIngester(embedding.WithRetry(em, llmCfg.EmbeddingPolicy(), settings.logger), st.chunks, opts, settings.logger)

	var failed int
	for _, src := range sources {
		printf("Ingesting %s...\n", firstNonEmpty(src.URL, src.Path))
		meta, err := ing.Ingest(ctx, src)
		if err != nil {
			// A discovered page that cannot be fetched should not stop the others.
			if len(sources) > 1 && ctx.Err() == nil {
				printf("  ✗ %v\n", err)
				failed++
				continue
			}
			return fmt.Errorf("ingestion failed: %w", err)
		}
		printf("  ✓ Stored %d chunks for %s (%s)\n", meta.Chunks, meta.DocumentID, meta.Title)
	}
	if noDB {
		stderr("warning: --no-db keeps chunks only for this process\n")
	}
	if failed == len(sources) {
		return fmt.Errorf("none of the %d documents could be ingested", failed)
	}
	return nil
}

// discoverSources turns search results for --discover into sources.
func discoverSources(ctx context.Context) ([]ingestion.Source, error) {
	cfg := &settings.cfg
	if cfg.SearchEngineID == "" {
		return nil, fmt.Errorf("GOOGLE_SEARCH_ENGINE_ID environment variable or search_engine_id config is required for --discover")
	}
	key := firstNonEmpty(cfg.SearchAPIKey, cfg.APIKey)
	if key == "" {
		return nil, fmt.Errorf("GOOGLE_SEARCH_API_KEY or GEMINI_API_KEY is required for --discover")
	}

	searcher, err := discovery.NewCustomSearch(ctx, key, cfg.SearchEngineID)
	if err != nil {
		return nil, err
	}
	candidates, err := discovery.Discover(ctx, searcher, discovery.Request{
		Topic: ingestDiscover,
		Sites: ingestSites,
		Limit: ingestMax,
	}, settings.logger)
	if err != nil {
		return nil, fmt.Errorf("discovery failed: %w", err)
	}

	sources := make([]ingestion.Source, 0, len(candidates))
	for _, c := range candidates {
		printf("  found %.2f %s\n", c.Priority, c.URL)
		sources = append(sources, ingestion.Source{URL: c.URL, DocumentName: c.Title})
	}
	return sources, nil
}

func writeCleaned(text string, meta *ingestion.Metadata) error {
	if ingestOutDir == "" {
		return nil
	}
	name := strings.TrimSuffix(filepath.Base(firstNonEmpty(meta.Path, meta.Title, "document")), filepath.Ext(meta.Path))
	if err := ingestion.WriteOutput(ingestOutDir, name, text, meta); err != nil {
		return err
	}
	printf("  ✓ Wrote %s\n", filepath.Join(ingestOutDir, name+".cleaned.txt"))
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
