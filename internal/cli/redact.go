package cli

import (
	"bufio"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/specgate-dev/specgate/internal/config"
	"github.com/specgate-dev/specgate/internal/redact"
)

func redactCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "redact",
		Short: "Filter stdin through the secret redaction engine",
		Long: `Read text from stdin, redact anything that looks like a credential, and
write the result to stdout. Uses the built-in rules plus any custom
patterns from the config file. Useful for sharing runner logs.

Examples:
  cat cypress.log | specgate redact
  specgate redact --config specgate.yaml < runner-output.txt`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			engine := redact.New()
			if configFile != "" {
				cfg, err := config.Load(configFile)
				if err != nil {
					return fmt.Errorf("loading config: %w", err)
				}
				engine, err = redact.NewWithPatterns(cfg.RedactPatterns)
				if err != nil {
					return fmt.Errorf("compiling redact patterns: %w", err)
				}
			}

			scanner := bufio.NewScanner(os.Stdin)
			// Runner output lines can be long; default token size is not enough.
			scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
			w := bufio.NewWriter(os.Stdout)
			defer w.Flush()

			for scanner.Scan() {
				if _, err := fmt.Fprintln(w, engine.Redact(scanner.Text())); err != nil {
					return err
				}
			}
			return scanner.Err()
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "config file with extra redact_patterns")

	return cmd
}
