package ratelimit

import (
	"net/http"
	"strings"
	"time"
)

// EndpointConfig limits one method on one route pattern.
type EndpointConfig struct {
	// Pattern is a path where "*" matches exactly one segment, or a prefix ending
	// in "/" that matches everything below it.
	Pattern string
	Method  string
	Limit   int           // requests per Window
	Window  time.Duration
	Burst   int // bucket capacity; Limit when 0
}

// Config holds rate limiting configuration.
type Config struct {
	Enabled         bool
	DefaultLimit    int
	DefaultWindow   time.Duration
	CleanupInterval time.Duration
	// IdleTTL is how long an unused bucket is kept.
	IdleTTL         time.Duration
	Whitelist       map[string]bool
	Blacklist       map[string]bool
	EndpointConfigs []EndpointConfig
}

// DefaultConfig allows 600 requests a minute per client, with the tighter
// per-endpoint limits of DefaultEndpointConfigs.
func DefaultConfig() *Config {
	return &Config{
		Enabled:         true,
		DefaultLimit:    600,
		DefaultWindow:   time.Minute,
		CleanupInterval: 5 * time.Minute,
		IdleTTL:         time.Hour,
		Whitelist:       map[string]bool{},
		Blacklist:       map[string]bool{},
		EndpointConfigs: DefaultEndpointConfigs(),
	}
}

// DefaultEndpointConfigs limits the routes that spend model tokens.
func DefaultEndpointConfigs() []EndpointConfig {
	return []EndpointConfig{
		// Model calls
		{Pattern: "/executions/*/run", Method: http.MethodPost, Limit: 30, Window: time.Hour, Burst: 5},
		{Pattern: "/executions/*/actions", Method: http.MethodPost, Limit: 60, Window: time.Hour, Burst: 10},
		{Pattern: "/executions/*/stages/*/retry", Method: http.MethodPost, Limit: 30, Window: time.Hour, Burst: 5},

		// Writes
		{Pattern: "/executions", Method: http.MethodPost, Limit: 120, Window: time.Minute, Burst: 20},
	}
}

// ParseIPList splits a comma separated list into a set.
func ParseIPList(list string) map[string]bool {
	out := map[string]bool{}
	for _, ip := range strings.Split(list, ",") {
		if ip = strings.TrimSpace(ip); ip != "" {
			out[ip] = true
		}
	}
	return out
}
