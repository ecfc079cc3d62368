package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cpm-dev/cpm/internal/config"
)

func newQueryCmd() *cobra.Command {
	var (
		k            int
		embeddingURL string
	)
	cmd := &cobra.Command{
		Use:   "query <source-uri> <text...>",
		Short: "Run a nearest-neighbor query against a packet",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(".")
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if embeddingURL != "" {
				cfg.Retrieval.EmbeddingURL = embeddingURL
			}
			engine, err := newEngine(cfg, newResolver(cfg))
			if err != nil {
				return err
			}

			q := joinArgs(args[1:])
			result, err := engine.Query(cmd.Context(), args[0], q, k)
			if err != nil {
				return fmt.Errorf("query failed: %w", err)
			}

			data, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		},
	}
	cmd.Flags().IntVar(&k, "k", 0, "Number of hits to return (0 uses the configured default)")
	cmd.Flags().StringVar(&embeddingURL, "embedding-url", "", "Embedding service endpoint (overrides config)")
	return cmd
}

func joinArgs(args []string) string {
	out := args[0]
	for _, a := range args[1:] {
		out += " " + a
	}
	return out
}
