package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/specgate-dev/specgate/internal/config"
	"github.com/specgate-dev/specgate/internal/pathguard"
)

// ErrPathDenied is returned when specgate check --path hits a containment
// violation, so scripts can branch on the exit code.
var ErrPathDenied = errors.New("path denied")

func checkCmd() *cobra.Command {
	var configFile string
	var checkPath string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate config or test path containment",
		Long: `Validate a specgate config file and optionally resolve a candidate path
through the containment rules, to see what the agent would be allowed.

Examples:
  specgate check --config specgate.yaml
  specgate check --config specgate.yaml --path cypress/e2e/login.cy.ts
  specgate check --config specgate.yaml --path ../outside.cy.ts`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if configFile == "" {
				return fmt.Errorf("--config is required")
			}
			cfg, err := config.Load(configFile)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Config validation FAILED: %v\n", err)
				return err
			}
			fmt.Println("Config validation: OK")
			fmt.Printf("  Project root:   %s\n", cfg.ProjectRoot)
			fmt.Printf("  Runner binary:  %s\n", cfg.Runner.Binary)
			fmt.Printf("  Spec suffixes:  %v\n", cfg.Runner.SpecSuffixes)
			fmt.Printf("  Run timeout:    %ds (grace %ds)\n", cfg.Runner.TimeoutSeconds, cfg.Runner.KillGraceSeconds)
			fmt.Printf("  Artifact dir:   %s\n", cfg.Artifacts.Dir)
			fmt.Printf("  Extra patterns: %d redaction rules\n", len(cfg.RedactPatterns))
			if cfg.Transport.Enabled {
				fmt.Printf("  Transport:      http %s\n", cfg.Transport.Listen)
			} else {
				fmt.Printf("  Transport:      stdio\n")
			}

			if checkPath != "" {
				root, err := pathguard.New(cfg.ProjectRoot)
				if err != nil {
					return fmt.Errorf("opening project root: %w", err)
				}
				fmt.Printf("\nResolving path: %s\n", checkPath)
				_, rerr := root.Resolve(checkPath)
				switch {
				case rerr == nil:
					fmt.Println("  Result: ALLOWED")
				case errors.Is(rerr, pathguard.ErrNotFound):
					fmt.Println("  Result: NOT FOUND (contained, but no such file)")
				case errors.Is(rerr, pathguard.ErrTraversal):
					fmt.Println("  Result: DENIED (escapes project root)")
					return ErrPathDenied
				default:
					return fmt.Errorf("resolving path: %w", rerr)
				}
			}

			return nil
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "config file path to validate")
	cmd.Flags().StringVar(&checkPath, "path", "", "candidate path to resolve through containment rules")

	return cmd
}
