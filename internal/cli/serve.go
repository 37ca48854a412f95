package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/specgate-dev/specgate/internal/artifacts"
	"github.com/specgate-dev/specgate/internal/audit"
	"github.com/specgate-dev/specgate/internal/config"
	"github.com/specgate-dev/specgate/internal/history"
	"github.com/specgate-dev/specgate/internal/httpguard"
	"github.com/specgate-dev/specgate/internal/metrics"
	"github.com/specgate-dev/specgate/internal/pathguard"
	"github.com/specgate-dev/specgate/internal/redact"
	"github.com/specgate-dev/specgate/internal/runner"
	"github.com/specgate-dev/specgate/internal/tools"
)

const endpointPath = "/mcp"

func serveCmd() *cobra.Command {
	var configFile string
	var rootDir string
	var httpMode bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the specgate MCP server",
		Long: `Start the MCP server that mediates agent access to the project's specs.

By default the server speaks MCP over stdio, for use as a local MCP server
entry in the agent's configuration. With transport.enabled (or --http) it
instead serves a single guarded POST endpoint on a loopback address.

Examples:
  specgate serve --root ./my-app
  specgate serve --config specgate.yaml
  specgate serve --config specgate.yaml --http`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg *config.Config
			var err error

			if configFile != "" {
				cfg, err = config.Load(configFile)
				if err != nil {
					return fmt.Errorf("loading config: %w", err)
				}
			} else {
				cfg = config.Defaults()
			}
			if rootDir != "" {
				cfg.ProjectRoot = rootDir
			}
			if httpMode {
				cfg.Transport.Enabled = true
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			redactor, err := redact.NewWithPatterns(cfg.RedactPatterns)
			if err != nil {
				return fmt.Errorf("compiling redact patterns: %w", err)
			}

			logger, err := audit.New(
				cfg.Logging.Format,
				cfg.Logging.Output,
				cfg.Logging.File,
				cfg.Logging.IncludeCalls,
				redactor,
			)
			if err != nil {
				return fmt.Errorf("creating audit logger: %w", err)
			}
			defer logger.Close()

			root, err := pathguard.New(cfg.ProjectRoot)
			if err != nil {
				return fmt.Errorf("opening project root: %w", err)
			}

			met := metrics.New()
			redactor.OnHit(met.RecordRedactionHit)
			run := runner.New(root, cfg.Runner, redactor, logger, met)
			store := artifacts.New(root, cfg.Artifacts, cfg.Runner.SpecSuffixes, redactor)

			hist, err := history.Open(filepath.Join(root.Path(), cfg.Artifacts.Dir, "history.db"), cfg.HistoryKeep)
			if err != nil {
				return fmt.Errorf("opening run history: %w", err)
			}
			defer hist.Close()

			reg := tools.NewRegistry(root, run, store, hist, logger, met)

			s := server.NewMCPServer("specgate", Version,
				server.WithToolCapabilities(false),
				server.WithRecovery(),
			)
			reg.Register(s)

			ctx, cancel := signal.NotifyContext(
				context.Background(),
				syscall.SIGINT,
				syscall.SIGTERM,
			)
			defer cancel()

			if configFile != "" {
				reloader := config.NewReloader(configFile)
				go func() { _ = reloader.Start(ctx) }()
				go func() {
					for next := range reloader.Changes() {
						// Only the read-path limits swap at runtime; the
						// runner, transport, and logging are pinned until
						// restart.
						reg.SwapArtifacts(artifacts.New(root, next.Artifacts, next.Runner.SpecSuffixes, redactor))
						logger.LogConfigReload("applied", "artifact read limits refreshed")
					}
				}()
			}

			if cfg.Transport.MetricsListen != "" {
				go serveMetrics(ctx, cfg.Transport.MetricsListen, met)
			}

			mode := "stdio"
			if cfg.Transport.Enabled {
				mode = "http"
			}
			logger.LogStartup(mode, root.Path())

			if cfg.Transport.Enabled {
				err = serveHTTP(ctx, cfg, s, logger, met)
			} else {
				err = serveStdio(ctx, s)
			}

			// Give an in-flight run a bounded chance to die cleanly.
			shutCtx, shutCancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer shutCancel()
			if serr := run.Shutdown(shutCtx); serr != nil {
				logger.LogInternalError("runner", serr.Error())
			}
			logger.LogShutdown("signal received")
			return err
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "config file path")
	cmd.Flags().StringVar(&rootDir, "root", "", "project root directory (overrides config)")
	cmd.Flags().BoolVar(&httpMode, "http", false, "serve the guarded HTTP endpoint instead of stdio")

	return cmd
}

func serveStdio(ctx context.Context, s *server.MCPServer) error {
	srv := server.NewStdioServer(s)
	if err := srv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("stdio server: %w", err)
	}
	return nil
}

func serveHTTP(ctx context.Context, cfg *config.Config, s *server.MCPServer, logger *audit.Logger, met *metrics.Metrics) error {
	token := cfg.Transport.Token
	if token == "" {
		var err error
		token, err = httpguard.GenerateToken()
		if err != nil {
			return err
		}
		// Printed once, to stderr only; it is never logged or persisted.
		fmt.Fprintf(os.Stderr, "specgate: generated bearer token: %s\n", token)
	}

	ln, err := net.Listen("tcp", cfg.Transport.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Transport.Listen, err)
	}

	inner := server.NewStreamableHTTPServer(s,
		server.WithEndpointPath(endpointPath),
		server.WithStateLess(true),
	)
	guard, err := httpguard.New(inner, endpointPath, ln.Addr().String(), token,
		int64(cfg.Transport.BodyLimitBytes), logger, met)
	if err != nil {
		return err
	}

	httpSrv := &http.Server{
		Handler:           guard,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.Serve(ln) }()

	fmt.Fprintf(os.Stderr, "specgate: serving http://%s%s\n", ln.Addr(), endpointPath)

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func serveMetrics(ctx context.Context, listen string, met *metrics.Metrics) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", met.Handler())
	srv := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fmt.Fprintf(os.Stderr, "specgate: metrics listener: %v\n", err)
	}
}
