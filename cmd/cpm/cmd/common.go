package cmd

import (
	"errors"

	"github.com/cpm-dev/cpm/internal/cas"
	"github.com/cpm-dev/cpm/internal/config"
	"github.com/cpm-dev/cpm/internal/embed"
	"github.com/cpm-dev/cpm/internal/oci"
	"github.com/cpm-dev/cpm/internal/packetio"
	"github.com/cpm-dev/cpm/internal/retrieval"
)

// newResolver builds the oci.Resolver every CAS-touching subcommand shares,
// rooted at CPM_ROOT per cfg/the environment (spec §6.3).
func newResolver(cfg *config.Config) *oci.Resolver {
	layout := cas.NewLayout(config.ResolveRoot("."))
	policy := oci.Policy{
		HostAllowlist:  cfg.Resolver.HostAllowlist,
		AllowHTTPHosts: cfg.Resolver.AllowHTTPHosts,
		StrictVerify:   cfg.Resolver.StrictVerify,
	}
	return oci.NewResolver(layout, policy, cfg.Resolver.DefaultRegistry, cfg.Resolver.AliasTTLSeconds)
}

// newEngine builds the retrieval engine used by query/plan/serve, over an
// embedder pointed at cfg.Retrieval.EmbeddingURL.
func newEngine(cfg *config.Config, resolver *oci.Resolver) (*retrieval.Engine, error) {
	if cfg.Retrieval.EmbeddingURL == "" {
		return nil, errEmbeddingURLRequired
	}
	embedder, err := embed.NewHTTPClient(cfg.Retrieval.EmbeddingURL)
	if err != nil {
		return nil, err
	}
	spec := packetio.EmbeddingSpec{
		Provider:   "openai-compatible",
		Model:      cfg.Build.EmbeddingModel,
		Dim:        uint32(cfg.Build.EmbeddingDim),
		Dtype:      "f32",
		Normalized: true,
	}
	layout := cas.NewLayout(config.ResolveRoot("."))
	return retrieval.NewEngine(layout, resolver, embedder, cfg.Retrieval, spec), nil
}

var errEmbeddingURLRequired = errors.New("an embedding endpoint is required: pass --embedding-url or set retrieval.embedding_url in cpm config")
