package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cpm-dev/cpm/internal/config"
	"github.com/cpm-dev/cpm/internal/retrieval"
)

func newPlanCmd() *cobra.Command {
	var (
		kind, entrypoint, capability, embeddingURL string
	)
	cmd := &cobra.Command{
		Use:   "plan <intent> <source-uri...>",
		Short: "Select the best-matching packet for an intent among candidate source URIs",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(".")
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if embeddingURL != "" {
				cfg.Retrieval.EmbeddingURL = embeddingURL
			}
			resolver := newResolver(cfg)
			engine, err := newEngine(cfg, resolver)
			if err != nil {
				return err
			}

			result, err := retrieval.PlanFromIntent(cmd.Context(), engine, resolver, args[0], args[1:], retrieval.Constraints{
				Kind:       kind,
				Entrypoint: entrypoint,
				Capability: capability,
			})
			if err != nil {
				return fmt.Errorf("plan failed: %w", err)
			}

			data, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "Require this packet kind")
	cmd.Flags().StringVar(&entrypoint, "entrypoint", "", "Require this entrypoint")
	cmd.Flags().StringVar(&capability, "capability", "", "Require this capability")
	cmd.Flags().StringVar(&embeddingURL, "embedding-url", "", "Embedding service endpoint (overrides config, used for probe queries)")
	return cmd
}
