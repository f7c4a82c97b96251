// Package llm provides the generation client, model tier configuration and the
// retry policy shared by every network call the pipeline makes.
package llm

import "time"

// ModelTier represents the complexity/capability level of a model
type ModelTier string

const (
	// TierLite is for cheap passes: polishing, short rewrites
	TierLite ModelTier = "lite"
	// TierStandard is for structured output: outlines, profiles, research notes
	TierStandard ModelTier = "standard"
	// TierAdvanced is for long-form drafting and review
	TierAdvanced ModelTier = "advanced"
)

// Provider represents an LLM provider
type Provider string

// ProviderGemini is the Google Gemini provider, currently the only one wired.
const ProviderGemini Provider = "gemini"

// Config holds the resolved model configuration for one pipeline process.
// It is built once at startup and injected; nothing reads it from global state.
type Config struct {
	Provider          Provider
	Models            map[ModelTier]string
	EmbeddingModel    string
	GenerationTimeout time.Duration
	EmbeddingTimeout  time.Duration
	Retry             RetryPolicy
}

// DefaultConfig returns the default configuration (currently Gemini)
func DefaultConfig() *Config {
	return DefaultGeminiConfig()
}

// DefaultGeminiConfig returns the default Gemini configuration
func DefaultGeminiConfig() *Config {
	return &Config{
		Provider: ProviderGemini,
		Models: map[ModelTier]string{
			TierLite:     "gemini-2.5-flash-lite",
			TierStandard: "gemini-2.5-flash",
			TierAdvanced: "gemini-2.5-pro",
		},
		EmbeddingModel:    "text-embedding-004",
		GenerationTimeout: 120 * time.Second,
		EmbeddingTimeout:  30 * time.Second,
		Retry:             DefaultRetryPolicy(),
	}
}

// GetModel returns the model name for a given tier
func (c *Config) GetModel(tier ModelTier) string {
	if model, ok := c.Models[tier]; ok {
		return model
	}
	// Fallback chain: try standard, then lite
	if model, ok := c.Models[TierStandard]; ok {
		return model
	}
	if model, ok := c.Models[TierLite]; ok {
		return model
	}
	return ""
}

// WithModel returns a copy of the config with a specific model for a tier
func (c *Config) WithModel(tier ModelTier, model string) *Config {
	next := *c
	next.Models = make(map[ModelTier]string, len(c.Models)+1)
	for k, v := range c.Models {
		next.Models[k] = v
	}
	next.Models[tier] = model
	return &next
}

// GenerationPolicy returns the retry policy for generation calls, bounded by GenerationTimeout per attempt.
func (c *Config) GenerationPolicy() RetryPolicy {
	p := c.Retry
	p.AttemptTimeout = c.GenerationTimeout
	return p
}

// EmbeddingPolicy returns the retry policy for embedding calls, bounded by EmbeddingTimeout per attempt.
func (c *Config) EmbeddingPolicy() RetryPolicy {
	p := c.Retry
	p.AttemptTimeout = c.EmbeddingTimeout
	return p
}
