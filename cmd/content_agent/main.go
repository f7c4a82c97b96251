// Package main provides the content_agent CLI: it runs, resumes and reviews
// content pipeline executions and serves them over HTTP.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "content_agent",
	Short: "Multi-stage content generation pipeline",
	Long: `content_agent runs a fixed sequence of LLM stages (research, style profiling, outlining,
drafting, optimization, originality review, final polish) with checkpoints between stages.

Configuration is read from --config (JSON or YAML), then environment variables, then flags.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadSettings,
}

var (
	configPath  string
	databaseURL string
	apiKey      string
	noDB        bool
	verbose     bool
	logLevel    string
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "Path to config file (.json, .yaml or .yml)")
	flags.StringVar(&databaseURL, "db-url", "", "PostgreSQL connection URL (defaults to DATABASE_URL env var)")
	flags.StringVar(&apiKey, "api-key", "", "Gemini API Key (defaults to GEMINI_API_KEY env var)")
	flags.BoolVar(&noDB, "no-db", false, "Keep all state in memory for this process only")
	flags.BoolVarP(&verbose, "verbose", "v", false, "Print detailed state after each command")
	flags.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn or error")
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
