package artifacts

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/specgate-dev/specgate/internal/config"
	"github.com/specgate-dev/specgate/internal/pathguard"
	"github.com/specgate-dev/specgate/internal/redact"
)

func newStore(t *testing.T, mutate func(*config.Artifacts)) (*Store, string) {
	t.Helper()
	dir := t.TempDir()

	mustWrite := func(rel, content string) {
		t.Helper()
		full := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	mustWrite("cypress/e2e/login.cy.ts", "it('logs in', () => {})")
	mustWrite("cypress/e2e/cart.cy.ts", "it('adds to cart', () => {})")
	mustWrite("cypress/support/helpers.ts", "export const noop = () => {}")
	mustWrite("node_modules/pkg/inner.cy.ts", "never listed")
	mustWrite(".specgate/console.log", "plain console output")
	mustWrite(".specgate/payload.bin", "not readable")

	root, err := pathguard.New(dir)
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.Artifacts{
		Dir:            ".specgate",
		ResultFile:     "last-run.json",
		Extensions:     []string{".json", ".txt", ".log", ".html"},
		MaxReadBytes:   1 << 16,
		MaxListEntries: 100,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return New(root, cfg, []string{".cy.ts", ".cy.js"}, redact.New()), dir
}

func TestListSpecs(t *testing.T) {
	s, _ := newStore(t, nil)

	specs, truncated, err := s.ListSpecs()
	if err != nil {
		t.Fatalf("ListSpecs: %v", err)
	}
	if truncated {
		t.Error("unexpected truncation")
	}
	want := []string{"cypress/e2e/cart.cy.ts", "cypress/e2e/login.cy.ts"}
	if len(specs) != len(want) {
		t.Fatalf("specs = %v, want %v", specs, want)
	}
	for i := range want {
		if specs[i] != want[i] {
			t.Errorf("specs[%d] = %q, want %q", i, specs[i], want[i])
		}
	}
}

func TestListSpecsCapped(t *testing.T) {
	s, _ := newStore(t, func(c *config.Artifacts) { c.MaxListEntries = 1 })

	specs, truncated, err := s.ListSpecs()
	if err != nil {
		t.Fatalf("ListSpecs: %v", err)
	}
	if !truncated || len(specs) != 1 {
		t.Errorf("specs = %v truncated = %v, want single capped entry", specs, truncated)
	}
}

func TestReadSpec(t *testing.T) {
	s, _ := newStore(t, nil)

	content, truncated, err := s.ReadSpec("cypress/e2e/login.cy.ts")
	if err != nil {
		t.Fatalf("ReadSpec: %v", err)
	}
	if truncated || !strings.Contains(content, "logs in") {
		t.Errorf("content = %q truncated = %v", content, truncated)
	}
}

func TestReadSpecRejections(t *testing.T) {
	s, dir := newStore(t, nil)
	if err := os.Symlink("/etc/passwd", filepath.Join(dir, "cypress", "evil.cy.ts")); err != nil {
		t.Skipf("symlink: %v", err)
	}

	tests := []struct {
		name      string
		candidate string
		wantErr   error
	}{
		{"wrong suffix", "cypress/support/helpers.ts", pathguard.ErrNotFound},
		{"traversal", "../../../etc/passwd.cy.ts", pathguard.ErrTraversal},
		{"missing", "cypress/e2e/nope.cy.ts", pathguard.ErrNotFound},
		{"symlink", "cypress/evil.cy.ts", pathguard.ErrTraversal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := s.ReadSpec(tt.candidate)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestReadSpecTruncatesAtCeiling(t *testing.T) {
	s, dir := newStore(t, func(c *config.Artifacts) { c.MaxReadBytes = 64 })
	big := strings.Repeat("x", 500)
	if err := os.WriteFile(filepath.Join(dir, "cypress", "e2e", "big.cy.ts"), []byte(big), 0o644); err != nil {
		t.Fatal(err)
	}

	content, truncated, err := s.ReadSpec("cypress/e2e/big.cy.ts")
	if err != nil {
		t.Fatalf("ReadSpec: %v", err)
	}
	if !truncated || len(content) != 64 {
		t.Errorf("len = %d truncated = %v, want 64-byte cut", len(content), truncated)
	}
}

func TestReadSpecRedactsSecrets(t *testing.T) {
	s, dir := newStore(t, nil)
	src := `cy.request({auth: "password=TopSecretValue42"})`
	if err := os.WriteFile(filepath.Join(dir, "cypress", "e2e", "auth.cy.ts"), []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}

	content, _, err := s.ReadSpec("cypress/e2e/auth.cy.ts")
	if err != nil {
		t.Fatalf("ReadSpec: %v", err)
	}
	if strings.Contains(content, "TopSecretValue42") {
		t.Errorf("secret survived: %q", content)
	}
}

func TestReadArtifact(t *testing.T) {
	s, _ := newStore(t, nil)

	content, _, err := s.ReadArtifact("console.log")
	if err != nil {
		t.Fatalf("ReadArtifact: %v", err)
	}
	if !strings.Contains(content, "plain console output") {
		t.Errorf("content = %q", content)
	}

	if _, _, err := s.ReadArtifact("payload.bin"); !errors.Is(err, pathguard.ErrNotFound) {
		t.Errorf("disallowed extension err = %v, want ErrNotFound", err)
	}
	if _, _, err := s.ReadArtifact("../cypress/e2e/login.cy.ts.json"); err == nil {
		t.Error("escape from artifact dir succeeded")
	}
}

func TestListArtifacts(t *testing.T) {
	s, _ := newStore(t, nil)

	names, err := s.ListArtifacts()
	if err != nil {
		t.Fatalf("ListArtifacts: %v", err)
	}
	if len(names) != 1 || names[0] != "console.log" {
		t.Errorf("names = %v, want [console.log]", names)
	}
}

func TestLastRun(t *testing.T) {
	s, dir := newStore(t, nil)
	result := `{
		"totalTests": 4, "totalPassed": 3, "totalFailed": 1,
		"totalDuration": 9120,
		"runs": [
			{"spec": "cypress/e2e/login.cy.ts", "state": "failed",
			 "error": "expected token=abcd1234efgh to be set", "failures": 1}
		]
	}`
	if err := os.WriteFile(filepath.Join(dir, ".specgate", "last-run.json"), []byte(result), 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := s.LastRun()
	if err != nil {
		t.Fatalf("LastRun: %v", err)
	}
	if res.TotalTests != 4 || res.TotalFailed != 1 || len(res.Runs) != 1 {
		t.Errorf("result = %+v", res)
	}
	if strings.Contains(res.Runs[0].Error, "abcd1234efgh") {
		t.Errorf("secret survived in run error: %q", res.Runs[0].Error)
	}
}

func TestLastRunMalformed(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"invalid json", `{"totalTests": `},
		{"trailing data", `{"totalTests": 1} {"again": true}`},
		{"wrong shape", `{"totalTests": "four"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, dir := newStore(t, nil)
			if err := os.WriteFile(filepath.Join(dir, ".specgate", "last-run.json"), []byte(tt.content), 0o644); err != nil {
				t.Fatal(err)
			}
			_, err := s.LastRun()
			if !errors.Is(err, ErrMalformed) {
				t.Errorf("err = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestLastRunMissing(t *testing.T) {
	s, _ := newStore(t, nil)
	if _, err := s.LastRun(); !errors.Is(err, pathguard.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestLastRunOversized(t *testing.T) {
	s, dir := newStore(t, func(c *config.Artifacts) { c.MaxReadBytes = 32 })
	big := `{"totalTests": 1, "runs": [` + strings.Repeat(`{},`, 50) + `{}]}`
	if err := os.WriteFile(filepath.Join(dir, ".specgate", "last-run.json"), []byte(big), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := s.LastRun(); !errors.Is(err, ErrMalformed) {
		t.Errorf("err = %v, want ErrMalformed", err)
	}
}
