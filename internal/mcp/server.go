// Package mcp implements the Model Context Protocol (MCP) server exposing
// the retrieval engine's query, plan_from_intent, and evidence_digest tools.
package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/cpm-dev/cpm/internal/config"
	"github.com/cpm-dev/cpm/internal/oci"
	"github.com/cpm-dev/cpm/internal/retrieval"
	"github.com/cpm-dev/cpm/pkg/version"
)

// Server is the MCP server bridging AI clients (Claude Code, Cursor) to the
// content-addressed packet retrieval engine.
type Server struct {
	mcp      *mcp.Server
	engine   *retrieval.Engine
	resolver *oci.Resolver
	config   *config.Config
	logger   *slog.Logger
	metrics  *Metrics

	mu sync.RWMutex
}

// NewServer creates a new MCP server over an already-configured retrieval
// engine and resolver.
func NewServer(engine *retrieval.Engine, resolver *oci.Resolver, cfg *config.Config) (*Server, error) {
	if engine == nil {
		return nil, fmt.Errorf("retrieval engine is required")
	}
	if resolver == nil {
		return nil, fmt.Errorf("oci resolver is required")
	}
	if cfg == nil {
		cfg = config.NewConfig()
	}

	s := &Server{
		engine:   engine,
		resolver: resolver,
		config:   cfg,
		logger:   slog.Default(),
		metrics:  NewMetrics(),
	}

	s.mcp = mcp.NewServer(
		&mcp.Implementation{
			Name:    "cpm",
			Version: version.Version,
		},
		nil, // ServerOptions - capabilities are inferred from registered tools
	)

	s.registerTools()

	return s, nil
}

// MCPServer returns the underlying MCP server instance.
func (s *Server) MCPServer() *mcp.Server {
	return s.mcp
}

// Metrics returns the server's Prometheus metrics, for cmd/cpm serve to
// optionally mount over HTTP alongside the stdio transport.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Info returns the server name and version.
func (s *Server) Info() (name, ver string) {
	return "cpm", version.Version
}

// registerTools registers query, plan_from_intent, and evidence_digest with
// the MCP server.
func (s *Server) registerTools() {
	s.logger.Debug("registering MCP tools")

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name: "query",
		Description: "Run a nearest-neighbor query against a pinned or tagged packet. " +
			"Materializes the packet on cache miss and rebuilds its index against the " +
			"local embedder when no compatible prebuilt index ships with it.",
	}, s.mcpQueryHandler)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name: "plan_from_intent",
		Description: "Score candidate packet source URIs against an intent string using " +
			"metadata-only features, falling back to a single probe query per tied " +
			"candidate. Returns a selected packet plus ranked fallbacks.",
	}, s.mcpPlanHandler)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name: "evidence_digest",
		Description: "Run a query and reduce its hits to a deduplicated, length-bounded " +
			"set of snippets plus a one-line summary suitable for citing as evidence.",
	}, s.mcpEvidenceHandler)

	s.logger.Info("MCP tools registered", slog.Int("count", 3))
}

// mcpQueryHandler is the MCP SDK handler for the query tool.
func (s *Server) mcpQueryHandler(ctx context.Context, _ *mcp.CallToolRequest, input QueryInput) (
	*mcp.CallToolResult,
	QueryOutput,
	error,
) {
	start := time.Now()
	requestID := generateRequestID()

	if input.Ref == "" {
		return nil, QueryOutput{}, NewInvalidParamsError("ref parameter is required")
	}
	if input.Q == "" {
		return nil, QueryOutput{}, NewInvalidParamsError("q parameter is required")
	}

	s.logger.Info("query started", slog.String("request_id", requestID), slog.String("ref", input.Ref))

	result, err := s.engine.Query(ctx, input.Ref, input.Q, input.K)
	duration := time.Since(start)
	if err != nil {
		s.logger.Error("query failed", slog.String("request_id", requestID), slog.String("error", err.Error()))
		s.metrics.ObserveQuery(duration, false, false)
		return nil, QueryOutput{}, MapError(err)
	}

	s.logger.Info("query completed",
		slog.String("request_id", requestID),
		slog.Duration("duration", duration),
		slog.Bool("cache_hit", result.CacheHit),
		slog.Int("result_count", len(result.Results)))
	s.metrics.ObserveQuery(duration, true, result.CacheHit)

	return nil, toQueryOutput(result), nil
}

// mcpPlanHandler is the MCP SDK handler for the plan_from_intent tool.
func (s *Server) mcpPlanHandler(ctx context.Context, _ *mcp.CallToolRequest, input PlanInput) (
	*mcp.CallToolResult,
	PlanOutput,
	error,
) {
	requestID := generateRequestID()

	if input.Intent == "" {
		return nil, PlanOutput{}, NewInvalidParamsError("intent parameter is required")
	}
	if len(input.SourceURIs) == 0 {
		return nil, PlanOutput{}, NewInvalidParamsError("source_uris must contain at least one candidate")
	}

	s.logger.Info("plan_from_intent started", slog.String("request_id", requestID), slog.Int("candidates", len(input.SourceURIs)))

	constraints := retrieval.Constraints{
		Kind:       input.Kind,
		Entrypoint: input.Entrypoint,
		Capability: input.Capability,
	}

	result, err := retrieval.PlanFromIntent(ctx, s.engine, s.resolver, input.Intent, input.SourceURIs, constraints)
	if err != nil {
		s.logger.Error("plan_from_intent failed", slog.String("request_id", requestID), slog.String("error", err.Error()))
		return nil, PlanOutput{}, MapError(err)
	}

	s.logger.Info("plan_from_intent completed", slog.String("request_id", requestID), slog.String("intent_class", result.Intent))

	return nil, toPlanOutput(result), nil
}

// mcpEvidenceHandler is the MCP SDK handler for the evidence_digest tool.
func (s *Server) mcpEvidenceHandler(ctx context.Context, _ *mcp.CallToolRequest, input EvidenceInput) (
	*mcp.CallToolResult,
	EvidenceOutput,
	error,
) {
	requestID := generateRequestID()

	if input.Ref == "" {
		return nil, EvidenceOutput{}, NewInvalidParamsError("ref parameter is required")
	}
	if input.Q == "" {
		return nil, EvidenceOutput{}, NewInvalidParamsError("q parameter is required")
	}

	s.logger.Info("evidence_digest started", slog.String("request_id", requestID), slog.String("ref", input.Ref))

	result, err := retrieval.EvidenceDigest(ctx, s.engine, input.Ref, input.Q, input.K, input.MaxChars)
	if err != nil {
		s.logger.Error("evidence_digest failed", slog.String("request_id", requestID), slog.String("error", err.Error()))
		return nil, EvidenceOutput{}, MapError(err)
	}

	s.logger.Info("evidence_digest completed", slog.String("request_id", requestID), slog.Int("snippet_count", len(result.Snippets)))

	return nil, toEvidenceOutput(result), nil
}

// Serve starts the server with the specified transport.
func (s *Server) Serve(ctx context.Context, transport string) error {
	s.logger.Info("starting MCP server", slog.String("transport", transport))

	switch transport {
	case "stdio":
		err := s.mcp.Run(ctx, &mcp.StdioTransport{})
		if err != nil && err != context.Canceled {
			s.logger.Error("MCP server stopped with error", slog.String("error", err.Error()))
		} else {
			s.logger.Info("MCP server stopped gracefully")
		}
		return err
	default:
		return fmt.Errorf("unknown transport: %s (supported: stdio)", transport)
	}
}

// Close releases server resources. The MCP server stops when its context is
// canceled, so there is nothing else to release here.
func (s *Server) Close() error {
	return nil
}

// generateRequestID creates a unique request ID for log correlation.
func generateRequestID() string {
	return uuid.NewString()
}
