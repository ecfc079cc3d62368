package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cpm-dev/cpm/internal/config"
	"github.com/cpm-dev/cpm/internal/logging"
	"github.com/cpm-dev/cpm/internal/mcp"
)

func newServeCmd() *cobra.Command {
	var (
		transport, metricsAddr, embeddingURL string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server exposing query, plan_from_intent, and evidence_digest",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), transport, metricsAddr, embeddingURL)
		},
	}
	cmd.Flags().StringVar(&transport, "transport", "stdio", "MCP transport (stdio)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Address to additionally serve Prometheus metrics on (disabled unless set)")
	cmd.Flags().StringVar(&embeddingURL, "embedding-url", "", "Embedding service endpoint (overrides config)")
	return cmd
}

func runServe(ctx context.Context, transport, metricsAddr, embeddingURL string) error {
	// MCP stdio mode reserves stdout for JSON-RPC; route diagnostics to the
	// rotating debug log instead of stderr/stdout chatter.
	cleanup, err := logging.SetupMCPMode()
	if err != nil {
		return fmt.Errorf("failed to set up MCP logging: %w", err)
	}
	defer cleanup()

	cfg, err := config.Load(".")
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if embeddingURL != "" {
		cfg.Retrieval.EmbeddingURL = embeddingURL
	}
	if transport == "" {
		transport = cfg.Server.Transport
	}

	resolver := newResolver(cfg)
	engine, err := newEngine(cfg, resolver)
	if err != nil {
		return err
	}

	srv, err := mcp.NewServer(engine, resolver, cfg)
	if err != nil {
		return fmt.Errorf("failed to construct MCP server: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", srv.Metrics().Handler())
		httpSrv := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			_ = httpSrv.ListenAndServe()
		}()
		go func() {
			<-ctx.Done()
			_ = httpSrv.Close()
		}()
	}

	return srv.Serve(ctx, transport)
}
