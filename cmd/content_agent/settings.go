package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jonathan/content-pipeline/internal/config"
	"github.com/jonathan/content-pipeline/internal/db"
	"github.com/jonathan/content-pipeline/internal/logging"
	"github.com/jonathan/content-pipeline/internal/memstore"
	"github.com/jonathan/content-pipeline/internal/pipeline"
	"github.com/jonathan/content-pipeline/internal/prompts"
	"github.com/jonathan/content-pipeline/internal/retrieval"
)

// settings is the resolved configuration and logger shared by every command.
var settings struct {
	cfg    config.Config
	logger *zap.Logger
	out    io.Writer
	errOut io.Writer
}

// loadSettings merges config file, environment and flags, in that order of
// increasing priority, and builds the logger.
func loadSettings(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging())
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	if cfg.PromptDir != "" {
		prompts.SetOverrideDir(cfg.PromptDir)
	}

	settings.cfg = cfg
	settings.logger = logger
	settings.out = cmd.OutOrStdout()
	settings.errOut = cmd.ErrOrStderr()
	return nil
}

func resolveConfig(cmd *cobra.Command) (config.Config, error) {
	// Step 1: Load config file if provided
	var cfg config.Config
	if configPath != "" {
		loaded, err := config.LoadConfig(configPath)
		if err != nil {
			return cfg, fmt.Errorf("failed to load config: %w", err)
		}
		cfg = *loaded
	}

	// Step 2: Environment variables override the file
	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}

	// Step 3: Apply CLI overrides; only flags that were explicitly set
	flags := cmd.Flags()
	if flags.Changed("db-url") {
		cfg.DatabaseURL = databaseURL
	}
	if flags.Changed("api-key") {
		cfg.APIKey = apiKey
	}
	if flags.Changed("verbose") {
		cfg.Verbose = verbose
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = logLevel
	}

	// Step 4: Apply defaults for unset values
	cfg = cfg.MergeWithDefaults(config.Defaults())

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// storage holds the opened persistence backends for one command.
type storage struct {
	store  pipeline.Store
	chunks retrieval.ChunkStore
	db     *db.DB // nil with --no-db
}

func (s *storage) Close() {
	if s.db != nil {
		s.db.Close()
	}
}

// openStorage connects to PostgreSQL, or uses in-memory stores with --no-db.
func openStorage(ctx context.Context) (*storage, error) {
	if noDB {
		return &storage{store: memstore.New(), chunks: retrieval.NewMemoryStore()}, nil
	}
	if settings.cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable or --db-url flag is required (or pass --no-db)")
	}
	database, err := db.Connect(ctx, settings.cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	return &storage{store: database, chunks: database.Chunks(), db: database}, nil
}

func requireAPIKey() error {
	if settings.cfg.APIKey == "" {
		return fmt.Errorf("GEMINI_API_KEY environment variable or --api-key flag is required")
	}
	return nil
}

func printf(format string, args ...any) {
	_, _ = fmt.Fprintf(settings.out, format, args...)
}

func stderr(format string, args ...any) {
	w := settings.errOut
	if w == nil {
		w = os.Stderr
	}
	_, _ = fmt.Fprintf(w, format, args...)
}
