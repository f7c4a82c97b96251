package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jonathan/content-pipeline/internal/server"
	"github.com/jonathan/content-pipeline/internal/server/ratelimit"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP control surface",
	Long: `Start an HTTP server exposing the pipeline operations: create, run, review actions,
stage retry, state and a server-sent event stream of progress per execution.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (defaults to config port, 8080)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := &settings.cfg
	if cmd.Flags().Changed("port") {
		cfg.Port = servePort
	}

	broker := server.NewBroker()
	eng, err := newEngine(ctx, broker.Publish)
	if err != nil {
		return err
	}
	defer eng.Close()

	deps := server.Deps{
		Pipeline: eng,
		Broker:   broker,
		Limiter:  ratelimit.NewLimiter(rateLimitConfig()),
		Logger:   settings.logger,
	}
	if eng.storage.db != nil {
		deps.Health = eng.storage.db.Ping
	}

	srv, err := server.New(server.Config{Port: cfg.Port}, deps)
	if err != nil {
		return err
	}
	printf("Listening on :%d\n", cfg.Port)
	return srv.ListenAndServe(ctx)
}

func rateLimitConfig() *ratelimit.Config {
	cfg := &settings.cfg
	rl := ratelimit.DefaultConfig()
	rl.Enabled = !cfg.RateLimitDisabled
	if cfg.RateLimitPerMinute > 0 {
		rl.DefaultLimit = cfg.RateLimitPerMinute
	}
	rl.Whitelist = ratelimit.ParseIPList(cfg.RateLimitWhitelist)
	return rl
}
