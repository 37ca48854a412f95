// Package cli implements the specgate command-line interface using cobra.
package cli

import (
	"runtime"

	"github.com/spf13/cobra"
)

// Build metadata, set at build time via ldflags.
var (
	Version   = "0.1.0-dev"
	BuildDate = "unknown"
	GitCommit = "unknown"
	GoVersion = runtime.Version()
)

// Execute runs the root command.
func Execute() error {
	return rootCmd().Execute()
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "specgate",
		Short: "Trust boundary between AI agents and your test suite",
		Long: `Specgate is an MCP server that mediates an AI agent's access to a local
project's end-to-end test suite. The agent can list, read, and run spec
files and fetch run artifacts; every path is containment-checked, every
byte of project output is scrubbed of secrets and wrapped in an
untrusted-content envelope, and at most one run is in flight at a time.

Quick start:
  specgate serve --root ./my-app                  # stdio mode
  specgate serve --config specgate.yaml
  specgate check --config specgate.yaml
  cat runner.log | specgate redact`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(
		serveCmd(),
		checkCmd(),
		redactCmd(),
		versionCmd(),
	)

	return cmd
}
