package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cpm-dev/cpm/internal/config"
)

func newInstallCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "install <source-uri>",
		Aliases: []string{"fetch"},
		Short:   "Resolve and fetch a packet into the local content-addressed cache",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInstall(cmd, args[0])
		},
	}
	return cmd
}

func runInstall(cmd *cobra.Command, sourceURI string) error {
	cfg, err := config.Load(".")
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	resolver := newResolver(cfg)

	dir, digest, err := resolver.ResolveAndFetch(cmd.Context(), sourceURI)
	if err != nil {
		return fmt.Errorf("install failed: %w", err)
	}

	fmt.Printf("installed %s\n  digest: %s\n  payload: %s\n", sourceURI, digest, dir)
	return nil
}
