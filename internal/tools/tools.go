// Package tools registers the MCP tool surface and adapts internal
// results and errors into protocol results. Handlers never return a Go
// error across the transport; failures become structured IsError results
// with sanitized messages.
package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/specgate-dev/specgate/internal/artifacts"
	"github.com/specgate-dev/specgate/internal/audit"
	"github.com/specgate-dev/specgate/internal/envelope"
	"github.com/specgate-dev/specgate/internal/history"
	"github.com/specgate-dev/specgate/internal/metrics"
	"github.com/specgate-dev/specgate/internal/pathguard"
	"github.com/specgate-dev/specgate/internal/redact"
	"github.com/specgate-dev/specgate/internal/runner"
)

const defaultHistoryLimit = 20

// Registry wires the tool handlers to their backing components. The
// artifacts store sits behind an atomic pointer: config reloads swap in a
// store with fresh read limits without pausing in-flight handlers.
type Registry struct {
	root    *pathguard.Root
	runner  *runner.Manager
	store   atomic.Pointer[artifacts.Store]
	history *history.Store
	log     *audit.Logger
	met     *metrics.Metrics
}

func NewRegistry(root *pathguard.Root, run *runner.Manager, store *artifacts.Store, hist *history.Store, log *audit.Logger, met *metrics.Metrics) *Registry {
	reg := &Registry{root: root, runner: run, history: hist, log: log, met: met}
	reg.store.Store(store)
	return reg
}

// SwapArtifacts replaces the artifacts store. Used by config hot reload.
func (reg *Registry) SwapArtifacts(store *artifacts.Store) {
	reg.store.Store(store)
}

func (reg *Registry) artifacts() *artifacts.Store {
	return reg.store.Load()
}

// Register adds every tool to the MCP server.
func (reg *Registry) Register(s *server.MCPServer) {
	s.AddTool(mcp.NewTool("list_specs",
		mcp.WithDescription("List the spec files available in the project, as relative paths."),
	), reg.handleListSpecs)

	s.AddTool(mcp.NewTool("read_spec",
		mcp.WithDescription("Read the content of one spec file."),
		mcp.WithString("spec", mcp.Required(),
			mcp.Description("Relative path of the spec file, as returned by list_specs.")),
	), reg.handleReadSpec)

	s.AddTool(mcp.NewTool("run_spec",
		mcp.WithDescription("Run one spec through the configured runner. Only one run can be in flight at a time."),
		mcp.WithString("spec", mcp.Required(),
			mcp.Description("Relative path of the spec file to run.")),
	), reg.handleRunSpec)

	s.AddTool(mcp.NewTool("last_run",
		mcp.WithDescription("Return the structured result of the most recent run, parsed from the runner's result artifact."),
	), reg.handleLastRun)

	s.AddTool(mcp.NewTool("read_artifact",
		mcp.WithDescription("Read a file from the run artifact directory (logs, result JSON, DOM snapshots)."),
		mcp.WithString("name", mcp.Required(),
			mcp.Description("Artifact file name inside the artifact directory.")),
	), reg.handleReadArtifact)

	s.AddTool(mcp.NewTool("run_history",
		mcp.WithDescription("List recent runs recorded by this server, newest first."),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of entries to return. Defaults to 20.")),
	), reg.handleRunHistory)
}

func (reg *Registry) handleListSpecs(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	start := time.Now()
	reqID := uuid.New().String()

	specs, truncated, err := reg.artifacts().ListSpecs()
	if err != nil {
		return reg.fail("list_specs", "", reqID, err), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d spec file(s)", len(specs))
	if truncated {
		sb.WriteString(" (listing capped; narrow the suffix allow-list to see the rest)")
	}
	sb.WriteString("\n")
	for _, s := range specs {
		sb.WriteString(s)
		sb.WriteString("\n")
	}

	reg.ok("list_specs", "", reqID, start)
	return mcp.NewToolResultText(envelope.Wrap(sb.String())), nil
}

func (reg *Registry) handleReadSpec(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	start := time.Now()
	reqID := uuid.New().String()

	spec, err := request.RequireString("spec")
	if err != nil {
		return mcp.NewToolResultError("missing required argument: spec"), nil
	}

	content, truncated, err := reg.artifacts().ReadSpec(spec)
	if err != nil {
		return reg.fail("read_spec", spec, reqID, err), nil
	}
	if truncated {
		content += "\n[content truncated at read ceiling]"
	}

	reg.ok("read_spec", spec, reqID, start)
	return mcp.NewToolResultText(envelope.Wrap(content)), nil
}

func (reg *Registry) handleRunSpec(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	start := time.Now()
	reqID := uuid.New().String()

	spec, err := request.RequireString("spec")
	if err != nil {
		return mcp.NewToolResultError("missing required argument: spec"), nil
	}

	res, err := reg.runner.Run(ctx, spec)
	if err != nil {
		return reg.fail("run_spec", spec, reqID, err), nil
	}

	if reg.history != nil {
		entry := history.Entry{
			RunID:         res.RunID,
			Spec:          spec,
			StartedAt:     start,
			DurationMs:    res.DurationMs,
			ExitCode:      res.ExitCode,
			Outcome:       outcomeWord(res),
			CapturedBytes: res.CapturedBytes,
		}
		if herr := reg.history.Record(ctx, entry); herr != nil {
			// History is best effort; the run result still goes back.
			reg.log.LogInternalError("history", herr.Error())
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "run %s: %s\n", res.RunID, outcomeWord(res))
	fmt.Fprintf(&sb, "spec: %s\nexit code: %d\nduration: %dms\ncaptured: %d bytes\n",
		res.Spec, res.ExitCode, res.DurationMs, res.CapturedBytes)
	if res.Message != "" {
		fmt.Fprintf(&sb, "note: %s\n", res.Message)
	}
	sb.WriteString("\nrunner output:\n")
	sb.WriteString(envelope.Wrap(res.Output))

	// Failed runs are still results, not protocol errors; the agent needs
	// the output to act on the failure.
	reg.ok("run_spec", spec, reqID, start)
	return mcp.NewToolResultText(sb.String()), nil
}

func (reg *Registry) handleLastRun(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	start := time.Now()
	reqID := uuid.New().String()

	res, err := reg.artifacts().LastRun()
	if err != nil {
		return reg.fail("last_run", "", reqID, err), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "tests: %d total, %d passed, %d failed, %d pending, %d skipped\n",
		res.TotalTests, res.TotalPassed, res.TotalFailed, res.TotalPending, res.TotalSkipped)
	fmt.Fprintf(&sb, "duration: %dms\n", res.DurationMs)
	if res.StartedAt != "" {
		fmt.Fprintf(&sb, "started: %s\n", res.StartedAt)
	}
	for _, run := range res.Runs {
		fmt.Fprintf(&sb, "- %s: %s", run.Spec, run.State)
		if run.Failures > 0 {
			fmt.Fprintf(&sb, " (%d failure(s))", run.Failures)
		}
		sb.WriteString("\n")
		if run.Error != "" {
			fmt.Fprintf(&sb, "  error: %s\n", run.Error)
		}
	}

	reg.ok("last_run", "", reqID, start)
	return mcp.NewToolResultText(envelope.Wrap(sb.String())), nil
}

func (reg *Registry) handleReadArtifact(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	start := time.Now()
	reqID := uuid.New().String()

	name, err := request.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("missing required argument: name"), nil
	}

	content, truncated, err := reg.artifacts().ReadArtifact(name)
	if err != nil {
		if errors.Is(err, pathguard.ErrNotFound) {
			// Listing what exists beats a bare rejection here; names are
			// project-derived and go out enveloped like any content.
			if names, lerr := reg.artifacts().ListArtifacts(); lerr == nil && len(names) > 0 {
				msg := "not found: " + name + "\navailable artifacts:\n" + strings.Join(names, "\n")
				reg.met.RecordToolCall("read_artifact", "error")
				return mcp.NewToolResultError(envelope.Neutralize(msg)), nil
			}
		}
		return reg.fail("read_artifact", name, reqID, err), nil
	}
	if truncated {
		content += "\n[content truncated at read ceiling]"
	}

	reg.ok("read_artifact", name, reqID, start)
	return mcp.NewToolResultText(envelope.Wrap(content)), nil
}

func (reg *Registry) handleRunHistory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	start := time.Now()
	reqID := uuid.New().String()

	if reg.history == nil {
		return mcp.NewToolResultError("run history is not enabled"), nil
	}

	limit := request.GetInt("limit", defaultHistoryLimit)
	if limit < 1 || limit > 500 {
		limit = defaultHistoryLimit
	}

	entries, err := reg.history.Recent(ctx, limit)
	if err != nil {
		return reg.fail("run_history", "", reqID, err), nil
	}
	if len(entries) == 0 {
		return mcp.NewToolResultText("no runs recorded yet"), nil
	}

	var sb strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&sb, "%s  %-12s %s  exit=%d  %dms  %s\n",
			e.StartedAt.Format(time.RFC3339), e.Outcome, e.Spec, e.ExitCode, e.DurationMs, e.RunID)
	}

	reg.ok("run_history", "", reqID, start)
	return mcp.NewToolResultText(sb.String()), nil
}

// ok records a successful call in the audit trail and metrics.
func (reg *Registry) ok(tool, target, reqID string, start time.Time) {
	reg.met.RecordToolCall(tool, "ok")
	reg.log.LogToolCall(tool, target, reqID, time.Since(start))
}

// fail maps an internal error to an agent-facing result. The message
// never carries a resolved path or raw internal error text.
func (reg *Registry) fail(tool, target, reqID string, err error) *mcp.CallToolResult {
	reg.met.RecordToolCall(tool, "error")

	var re *runner.RunError
	switch {
	case errors.Is(err, pathguard.ErrTraversal):
		reg.met.RecordGuardRejection("traversal")
		reg.log.LogTraversalBlocked(tool, target, reqID)
		return mcp.NewToolResultError("access denied")

	case errors.Is(err, pathguard.ErrNotFound):
		reg.log.LogToolDenied(tool, target, "not found", reqID)
		return mcp.NewToolResultError("not found: " + envelope.Neutralize(target))

	case errors.Is(err, artifacts.ErrMalformed):
		reg.log.LogToolDenied(tool, target, "malformed artifact", reqID)
		return mcp.NewToolResultError("the result artifact could not be parsed; it may be corrupt, oversized, or from an interrupted run")

	case errors.As(err, &re):
		reg.log.LogToolDenied(tool, target, re.Kind.String(), reqID)
		return mcp.NewToolResultError(reg.scrub(re.Error()))
	}

	reg.log.LogToolDenied(tool, target, "internal error", reqID)
	return mcp.NewToolResultError(reg.scrub(err.Error()))
}

func (reg *Registry) scrub(msg string) string {
	return redact.ScrubPaths(msg, reg.root.Path())
}

func outcomeWord(res *runner.Result) string {
	switch {
	case res.TimedOut:
		return "timed out"
	case res.Canceled:
		return "canceled"
	case res.Success:
		return "passed"
	default:
		return "failed"
	}
}
