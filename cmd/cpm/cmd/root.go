// Package cmd provides the CLI commands for cpm.
package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/cpm-dev/cpm/internal/logging"
	"github.com/cpm-dev/cpm/pkg/version"
)

// Debug logging flag, shared across the whole command tree.
var (
	debugMode      bool
	loggingCleanup func()
)

// NewRootCmd creates the root command for the cpm CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cpm",
		Short: "Content-addressed packet manager for AI context",
		Long: `cpm builds, fetches, and serves "packets": immutable, content-addressed
bundles of chunked text, embedding vectors, and a nearest-neighbor index,
distributed over standard OCI registries.

Use 'cpm build run' to build a packet from a source tree, 'cpm install' to
fetch one into the local cache, and 'cpm serve' to expose query,
plan_from_intent, and evidence_digest as MCP tools for AI coding assistants.`,
		Version: version.Version,
	}

	cmd.SetVersionTemplate("cpm version {{.Version}}\n")

	cmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging to ~/.cpm/logs/")
	cmd.PersistentPreRunE = startLogging
	cmd.PersistentPostRunE = stopLogging

	cmd.AddCommand(newBuildCmd())
	cmd.AddCommand(newInstallCmd())
	cmd.AddCommand(newQueryCmd())
	cmd.AddCommand(newPlanCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newDoctorCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// startLogging enables debug file logging for the duration of one command
// invocation when --debug is set; MCP mode (cpm serve) sets up its own
// logging separately, since stdout is reserved for JSON-RPC there.
func startLogging(cmd *cobra.Command, _ []string) error {
	if !debugMode {
		return nil
	}
	logger, cleanup, err := logging.Setup(logging.DebugConfig())
	if err != nil {
		return fmt.Errorf("failed to setup debug logging: %w", err)
	}
	loggingCleanup = cleanup
	slog.SetDefault(logger)
	slog.Debug("debug logging enabled", slog.String("log_file", logging.DefaultLogPath()), slog.String("command", cmd.Name()))
	return nil
}

func stopLogging(_ *cobra.Command, _ []string) error {
	if loggingCleanup != nil {
		loggingCleanup()
		loggingCleanup = nil
	}
	return nil
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}
