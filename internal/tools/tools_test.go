package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/specgate-dev/specgate/internal/artifacts"
	"github.com/specgate-dev/specgate/internal/audit"
	"github.com/specgate-dev/specgate/internal/config"
	"github.com/specgate-dev/specgate/internal/envelope"
	"github.com/specgate-dev/specgate/internal/history"
	"github.com/specgate-dev/specgate/internal/metrics"
	"github.com/specgate-dev/specgate/internal/pathguard"
	"github.com/specgate-dev/specgate/internal/redact"
	"github.com/specgate-dev/specgate/internal/runner"
)

func newRegistry(t *testing.T) (*Registry, *runner.Manager, string) {
	t.Helper()
	dir := t.TempDir()

	mustWrite := func(rel, content string, mode os.FileMode) {
		t.Helper()
		full := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte(content), mode); err != nil {
			t.Fatal(err)
		}
	}
	mustWrite("bin/runner", "#!/bin/sh\necho \"ran $3\"\nexit 0\n", 0o755)
	mustWrite("cypress/e2e/login.cy.ts", "it('logs in', () => {})", 0o644)
	mustWrite("cypress/e2e/cart.cy.ts", "it('adds to cart', () => {})", 0o644)
	mustWrite(".specgate/console.log", "browser console output", 0o644)

	root, err := pathguard.New(dir)
	if err != nil {
		t.Fatal(err)
	}

	cfg := config.Defaults()
	cfg.ProjectRoot = dir
	cfg.Runner.Binary = filepath.Join("bin", "runner")
	cfg.Runner.SpecSuffixes = []string{".cy.ts"}
	cfg.Runner.TimeoutSeconds = 10
	cfg.Runner.KillGraceSeconds = 1

	redactor := redact.New()
	log := audit.NewNop()
	met := metrics.New()

	run := runner.New(root, cfg.Runner, redactor, log, met)
	store := artifacts.New(root, cfg.Artifacts, cfg.Runner.SpecSuffixes, redactor)
	hist, err := history.Open(filepath.Join(dir, ".specgate", "history.db"), cfg.HistoryKeep)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { hist.Close() })

	return NewRegistry(root, run, store, hist, log, met), run, dir
}

func callWith(args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) == 0 {
		t.Fatal("result has no content")
	}
	tc, ok := mcp.AsTextContent(res.Content[0])
	if !ok {
		t.Fatalf("content is not text: %#v", res.Content[0])
	}
	return tc.Text
}

func TestListSpecs(t *testing.T) {
	reg, _, _ := newRegistry(t)

	res, err := reg.handleListSpecs(context.Background(), callWith(nil))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	text := resultText(t, res)
	if res.IsError {
		t.Fatalf("unexpected error result: %s", text)
	}
	if !strings.Contains(text, "cypress/e2e/login.cy.ts") || !strings.Contains(text, "cypress/e2e/cart.cy.ts") {
		t.Errorf("listing missing specs: %s", text)
	}
	if !strings.Contains(text, envelope.Open) {
		t.Error("listing is not enveloped")
	}
}

func TestReadSpec(t *testing.T) {
	reg, _, _ := newRegistry(t)

	res, err := reg.handleReadSpec(context.Background(), callWith(map[string]any{"spec": "cypress/e2e/login.cy.ts"}))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	text := resultText(t, res)
	if res.IsError || !strings.Contains(text, "logs in") {
		t.Errorf("result = %s", text)
	}
	if !strings.Contains(text, envelope.Open) || !strings.Contains(text, envelope.Close) {
		t.Error("content is not enveloped")
	}
}

func TestReadSpecDeniesTraversal(t *testing.T) {
	reg, _, _ := newRegistry(t)

	res, err := reg.handleReadSpec(context.Background(), callWith(map[string]any{"spec": "../../etc/passwd.cy.ts"}))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if !res.IsError {
		t.Fatal("traversal was not rejected")
	}
	text := resultText(t, res)
	if text != "access denied" {
		t.Errorf("message = %q, want bare denial with no path detail", text)
	}
}

func TestReadSpecNotFound(t *testing.T) {
	reg, _, _ := newRegistry(t)

	res, err := reg.handleReadSpec(context.Background(), callWith(map[string]any{"spec": "cypress/e2e/ghost.cy.ts"}))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	text := resultText(t, res)
	if !res.IsError || !strings.Contains(text, "not found") {
		t.Errorf("result = %q", text)
	}
}

func TestReadSpecMissingArgument(t *testing.T) {
	reg, _, _ := newRegistry(t)

	res, err := reg.handleReadSpec(context.Background(), callWith(nil))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if !res.IsError {
		t.Error("missing argument accepted")
	}
}

func TestRunSpecAndHistory(t *testing.T) {
	reg, _, _ := newRegistry(t)
	ctx := context.Background()

	res, err := reg.handleRunSpec(ctx, callWith(map[string]any{"spec": "cypress/e2e/login.cy.ts"}))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	text := resultText(t, res)
	if res.IsError {
		t.Fatalf("run failed: %s", text)
	}
	if !strings.Contains(text, "passed") || !strings.Contains(text, "exit code: 0") {
		t.Errorf("result = %s", text)
	}
	if !strings.Contains(text, envelope.Open) {
		t.Error("runner output is not enveloped")
	}

	histRes, err := reg.handleRunHistory(ctx, callWith(nil))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	histText := resultText(t, histRes)
	if !strings.Contains(histText, "cypress/e2e/login.cy.ts") || !strings.Contains(histText, "passed") {
		t.Errorf("history = %s", histText)
	}
}

func TestRunSpecBusyMessage(t *testing.T) {
	reg, run, dir := newRegistry(t)
	// Swap in a slow runner and occupy the slot.
	if err := os.WriteFile(filepath.Join(dir, "bin", "runner"), []byte("#!/bin/sh\nsleep 3\n"), 0o755); err != nil { //nolint:gosec
		t.Fatal(err)
	}
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		reg.handleRunSpec(ctx, callWith(map[string]any{"spec": "cypress/e2e/login.cy.ts"})) //nolint:errcheck
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !run.Busy() {
		if time.Now().After(deadline) {
			t.Fatal("first run never acquired the slot")
		}
		time.Sleep(10 * time.Millisecond)
	}

	res, err := reg.handleRunSpec(ctx, callWith(map[string]any{"spec": "cypress/e2e/cart.cy.ts"}))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if !res.IsError {
		t.Fatal("concurrent run was not rejected")
	}
	if text := resultText(t, res); !strings.Contains(text, "already in progress") {
		t.Errorf("message = %q", text)
	}
	<-done
}

func TestLastRunDegradedOnCorruptArtifact(t *testing.T) {
	reg, _, dir := newRegistry(t)
	if err := os.WriteFile(filepath.Join(dir, ".specgate", "last-run.json"), []byte(`{"totalTests":`), 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := reg.handleLastRun(context.Background(), callWith(nil))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	text := resultText(t, res)
	if !res.IsError || !strings.Contains(text, "could not be parsed") {
		t.Errorf("result = %q", text)
	}
}

func TestLastRun(t *testing.T) {
	reg, _, dir := newRegistry(t)
	result := `{"totalTests": 2, "totalPassed": 2, "runs": [{"spec": "cypress/e2e/login.cy.ts", "state": "passed"}]}`
	if err := os.WriteFile(filepath.Join(dir, ".specgate", "last-run.json"), []byte(result), 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := reg.handleLastRun(context.Background(), callWith(nil))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	text := resultText(t, res)
	if res.IsError || !strings.Contains(text, "2 passed") {
		t.Errorf("result = %s", text)
	}
}

func TestReadArtifact(t *testing.T) {
	reg, _, _ := newRegistry(t)

	res, err := reg.handleReadArtifact(context.Background(), callWith(map[string]any{"name": "console.log"}))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	text := resultText(t, res)
	if res.IsError || !strings.Contains(text, "browser console output") {
		t.Errorf("result = %s", text)
	}
}

func TestReadArtifactUnknownListsAvailable(t *testing.T) {
	reg, _, _ := newRegistry(t)

	res, err := reg.handleReadArtifact(context.Background(), callWith(map[string]any{"name": "ghost.log"}))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	text := resultText(t, res)
	if !res.IsError || !strings.Contains(text, "console.log") {
		t.Errorf("result = %q, want available artifact listing", text)
	}
}

func TestRunHistoryEmpty(t *testing.T) {
	reg, _, _ := newRegistry(t)

	res, err := reg.handleRunHistory(context.Background(), callWith(nil))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if text := resultText(t, res); !strings.Contains(text, "no runs recorded") {
		t.Errorf("result = %q", text)
	}
}
