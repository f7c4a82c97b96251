// Package config provides configuration loading and validation for the CLI.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/jonathan/content-pipeline/internal/llm"
	"github.com/jonathan/content-pipeline/internal/logging"
	"github.com/jonathan/content-pipeline/internal/types"
)

// Config represents the CLI configuration. It can be loaded from a JSON or YAML
// file, overlaid from the environment and finally overridden by CLI flags.
// All fields are optional; missing values use defaults.
type Config struct {
	// Storage
	DatabaseURL string `json:"database_url,omitempty" yaml:"database_url,omitempty" env:"DATABASE_URL"`

	// Models
	APIKey                   string `json:"api_key,omitempty" yaml:"api_key,omitempty" env:"GEMINI_API_KEY"`
	Provider                 string `json:"provider,omitempty" yaml:"provider,omitempty" env:"LLM_PROVIDER" validate:"omitempty,oneof=gemini"`
	ModelLite                string `json:"model_lite,omitempty" yaml:"model_lite,omitempty" env:"LLM_MODEL_LITE"`
	ModelStandard            string `json:"model_standard,omitempty" yaml:"model_standard,omitempty" env:"LLM_MODEL_STANDARD"`
	ModelAdvanced            string `json:"model_advanced,omitempty" yaml:"model_advanced,omitempty" env:"LLM_MODEL_ADVANCED"`
	EmbeddingModel           string `json:"embedding_model,omitempty" yaml:"embedding_model,omitempty" env:"EMBEDDING_MODEL"`
	GenerationTimeoutSeconds int    `json:"generation_timeout_seconds,omitempty" yaml:"generation_timeout_seconds,omitempty" env:"GENERATION_TIMEOUT_SECONDS" validate:"gte=0"`
	EmbeddingTimeoutSeconds  int    `json:"embedding_timeout_seconds,omitempty" yaml:"embedding_timeout_seconds,omitempty" env:"EMBEDDING_TIMEOUT_SECONDS" validate:"gte=0"`
	RetryAttempts            int    `json:"retry_attempts,omitempty" yaml:"retry_attempts,omitempty" env:"LLM_RETRY_ATTEMPTS" validate:"gte=0,lte=10"`
	RetryInitialDelayMs      int    `json:"retry_initial_delay_ms,omitempty" yaml:"retry_initial_delay_ms,omitempty" env:"LLM_RETRY_INITIAL_DELAY_MS" validate:"gte=0"`

	// Pipeline
	DefaultMode     string `json:"default_mode,omitempty" yaml:"default_mode,omitempty" env:"PIPELINE_MODE" validate:"omitempty,oneof=automatic manual"`
	SessionTTLHours int    `json:"session_ttl_hours,omitempty" yaml:"session_ttl_hours,omitempty" env:"SESSION_TTL_HOURS" validate:"gte=0"`
	RetrievalK      int    `json:"retrieval_k,omitempty" yaml:"retrieval_k,omitempty" env:"RETRIEVAL_K" validate:"gte=0,lte=50"`
	PromptDir       string `json:"prompt_dir,omitempty" yaml:"prompt_dir,omitempty" env:"PROMPT_DIR"`

	// Ingestion
	ChunkSize        int  `json:"chunk_size,omitempty" yaml:"chunk_size,omitempty" env:"CHUNK_SIZE" validate:"gte=0"`
	ChunkOverlap     int  `json:"chunk_overlap,omitempty" yaml:"chunk_overlap,omitempty" env:"CHUNK_OVERLAP" validate:"gte=0"`
	EmbedConcurrency int  `json:"embed_concurrency,omitempty" yaml:"embed_concurrency,omitempty" env:"EMBED_CONCURRENCY" validate:"gte=0,lte=32"`
	UseBrowser       bool `json:"use_browser,omitempty" yaml:"use_browser,omitempty" env:"USE_BROWSER"` // Use headless browser for JS-rendered sources

	// Reference discovery (Google Custom Search)
	SearchAPIKey   string `json:"search_api_key,omitempty" yaml:"search_api_key,omitempty" env:"GOOGLE_SEARCH_API_KEY"` // defaults to api_key
	SearchEngineID string `json:"search_engine_id,omitempty" yaml:"search_engine_id,omitempty" env:"GOOGLE_SEARCH_ENGINE_ID"`

	// Server
	Port               int    `json:"port,omitempty" yaml:"port,omitempty" env:"PORT" validate:"gte=0,lte=65535"`
	RateLimitDisabled  bool   `json:"rate_limit_disabled,omitempty" yaml:"rate_limit_disabled,omitempty" env:"RATE_LIMIT_DISABLED"`
	RateLimitPerMinute int    `json:"rate_limit_per_minute,omitempty" yaml:"rate_limit_per_minute,omitempty" env:"RATE_LIMIT_PER_MINUTE" validate:"gte=0"`
	RateLimitWhitelist string `json:"rate_limit_whitelist,omitempty" yaml:"rate_limit_whitelist,omitempty" env:"RATE_LIMIT_WHITELIST"` // comma-separated IPs

	// Logging
	LogLevel  string `json:"log_level,omitempty" yaml:"log_level,omitempty" env:"LOG_LEVEL" validate:"omitempty,oneof=debug info warn warning error"`
	LogFormat string `json:"log_format,omitempty" yaml:"log_format,omitempty" env:"LOG_FORMAT" validate:"omitempty,oneof=console json"`
	LogFile   string `json:"log_file,omitempty" yaml:"log_file,omitempty" env:"LOG_FILE"`

	Verbose bool `json:"verbose,omitempty" yaml:"verbose,omitempty" env:"VERBOSE"` // Print detailed state after each command
}

var validate = validator.New()

// LoadConfig loads configuration from a JSON or YAML file, chosen by extension.
// Returns an error if the file cannot be read or parsed.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config path is empty")
	}

	// Resolve path relative to current directory if not absolute
	if !filepath.IsAbs(path) {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get current directory: %w", err)
		}
		path = filepath.Join(cwd, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	}

	return &cfg, nil
}

// ApplyEnv overlays values from environment variables that are set. Fields whose
// variable is unset keep their current value.
func (c *Config) ApplyEnv() error {
	if err := env.Parse(c); err != nil {
		return fmt.Errorf("failed to read environment: %w", err)
	}
	return nil
}

// Validate checks that the configuration has valid values.
// Note: This doesn't check for required fields since those depend on the command.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	if c.ChunkSize > 0 && c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("config error: 'chunk_overlap' must be smaller than 'chunk_size'")
	}
	if c.PromptDir != "" {
		if info, err := os.Stat(c.PromptDir); err != nil || !info.IsDir() {
			return fmt.Errorf("config error: prompt directory not found: %s", c.PromptDir)
		}
	}
	return nil
}

// Defaults returns the values used for anything left unset.
func Defaults() Config {
	gemini := llm.DefaultGeminiConfig()
	return Config{
		Provider:                 string(llm.ProviderGemini),
		ModelLite:                gemini.Models[llm.TierLite],
		ModelStandard:            gemini.Models[llm.TierStandard],
		ModelAdvanced:            gemini.Models[llm.TierAdvanced],
		EmbeddingModel:           gemini.EmbeddingModel,
		GenerationTimeoutSeconds: int(gemini.GenerationTimeout / time.Second),
		EmbeddingTimeoutSeconds:  int(gemini.EmbeddingTimeout / time.Second),
		RetryAttempts:            gemini.Retry.Attempts,
		RetryInitialDelayMs:      int(gemini.Retry.InitialDelay / time.Millisecond),
		DefaultMode:              string(types.ModeAutomatic),
		SessionTTLHours:          7 * 24,
		RetrievalK:               5,
		ChunkSize:                1200,
		ChunkOverlap:             200,
		EmbedConcurrency:         4,
		Port:                     8080,
		RateLimitPerMinute:       600,
		LogLevel:                 "info",
		LogFormat:                "console",
	}
}

type stringField struct {
	dst *string
	def string
}

type intField struct {
	dst *int
	def int
}

// MergeWithDefaults returns a new Config with empty fields filled from defaults.
func (c *Config) MergeWithDefaults(defaults Config) Config {
	result := *c

	strs := []stringField{
		{&result.DatabaseURL, defaults.DatabaseURL},
		{&result.APIKey, defaults.APIKey},
		{&result.Provider, defaults.Provider},
		{&result.ModelLite, defaults.ModelLite},
		{&result.ModelStandard, defaults.ModelStandard},
		{&result.ModelAdvanced, defaults.ModelAdvanced},
		{&result.EmbeddingModel, defaults.EmbeddingModel},
		{&result.DefaultMode, defaults.DefaultMode},
		{&result.PromptDir, defaults.PromptDir},
		{&result.SearchAPIKey, defaults.SearchAPIKey},
		{&result.SearchEngineID, defaults.SearchEngineID},
		{&result.RateLimitWhitelist, defaults.RateLimitWhitelist},
		{&result.LogLevel, defaults.LogLevel},
		{&result.LogFormat, defaults.LogFormat},
		{&result.LogFile, defaults.LogFile},
	}
	for _, s := range strs {
		if *s.dst == "" {
			*s.dst = s.def
		}
	}

	ints := []intField{
		{&result.GenerationTimeoutSeconds, defaults.GenerationTimeoutSeconds},
		{&result.EmbeddingTimeoutSeconds, defaults.EmbeddingTimeoutSeconds},
		{&result.RetryAttempts, defaults.RetryAttempts},
		{&result.RetryInitialDelayMs, defaults.RetryInitialDelayMs},
		{&result.SessionTTLHours, defaults.SessionTTLHours},
		{&result.RetrievalK, defaults.RetrievalK},
		{&result.ChunkSize, defaults.ChunkSize},
		{&result.ChunkOverlap, defaults.ChunkOverlap},
		{&result.EmbedConcurrency, defaults.EmbedConcurrency},
		{&result.Port, defaults.Port},
		{&result.RateLimitPerMinute, defaults.RateLimitPerMinute},
	}
	for _, i := range ints {
		if *i.dst == 0 {
			*i.dst = i.def
		}
	}

	// Bool fields: cannot distinguish unset from false, so we don't merge
	// (CLI flags and the environment always win for bools)

	return result
}

// LLM resolves the model configuration injected into the executor and embedder.
func (c *Config) LLM() *llm.Config {
	cfg := llm.DefaultGeminiConfig()
	for tier, model := range map[llm.ModelTier]string{
		llm.TierLite:     c.ModelLite,
		llm.TierStandard: c.ModelStandard,
		llm.TierAdvanced: c.ModelAdvanced,
	} {
		if model != "" {
			cfg = cfg.WithModel(tier, model)
		}
	}
	if c.EmbeddingModel != "" {
		cfg.EmbeddingModel = c.EmbeddingModel
	}
	if c.GenerationTimeoutSeconds > 0 {
		cfg.GenerationTimeout = time.Duration(c.GenerationTimeoutSeconds) * time.Second
	}
	if c.EmbeddingTimeoutSeconds > 0 {
		cfg.EmbeddingTimeout = time.Duration(c.EmbeddingTimeoutSeconds) * time.Second
	}
	if c.RetryAttempts > 0 {
		cfg.Retry.Attempts = c.RetryAttempts
	}
	if c.RetryInitialDelayMs > 0 {
		cfg.Retry.InitialDelay = time.Duration(c.RetryInitialDelayMs) * time.Millisecond
	}
	return cfg
}

// Logging returns the logger settings.
func (c *Config) Logging() logging.Config {
	return logging.Config{Level: c.LogLevel, Format: c.LogFormat, File: c.LogFile}
}

// Mode returns the default run mode, automatic when unset.
func (c *Config) Mode() types.Mode {
	if c.DefaultMode == "" {
		return types.ModeAutomatic
	}
	return types.Mode(c.DefaultMode)
}

// SessionTTL returns how long a checkpoint session stays open; zero means the pipeline default.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLHours) * time.Hour
}
