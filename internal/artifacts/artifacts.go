// Package artifacts gives bounded read access to spec files and run
// artifacts inside the project root. Every path goes through the
// containment resolver and every returned byte is redacted; content from
// the project is untrusted input to the caller.
package artifacts

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/specgate-dev/specgate/internal/config"
	"github.com/specgate-dev/specgate/internal/pathguard"
	"github.com/specgate-dev/specgate/internal/redact"
)

// ErrMalformed marks upstream data (the runner's result artifact) that
// could not be decoded. Callers report a degraded result, never crash.
var ErrMalformed = errors.New("result artifact is malformed")

// skipDirs are never descended into when listing specs.
var skipDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	".hg":          true,
	".svn":         true,
}

// Store reads project files on behalf of the agent.
type Store struct {
	root     *pathguard.Root
	cfg      config.Artifacts
	suffixes []string
	redactor *redact.Engine
}

func New(root *pathguard.Root, cfg config.Artifacts, specSuffixes []string, redactor *redact.Engine) *Store {
	return &Store{root: root, cfg: cfg, suffixes: specSuffixes, redactor: redactor}
}

// ListSpecs walks the project and returns relative paths of files matching
// the spec suffix allow-list, capped at MaxListEntries. The boolean reports
// whether the cap cut the listing short.
func (s *Store) ListSpecs() ([]string, bool, error) {
	var specs []string
	truncated := false

	err := filepath.WalkDir(s.root.Path(), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable subtrees are skipped, not fatal.
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if skipDirs[d.Name()] || d.Name() == s.cfg.Dir {
				return fs.SkipDir
			}
			return nil
		}
		// Symlinked files are not listed; they cannot be run either.
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		if !s.hasSpecSuffix(d.Name()) {
			return nil
		}
		if len(specs) >= s.cfg.MaxListEntries {
			truncated = true
			return fs.SkipAll
		}
		specs = append(specs, filepath.ToSlash(s.root.Rel(path)))
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("walking project: %w", err)
	}

	sort.Strings(specs)
	return specs, truncated, nil
}

// ReadSpec returns the redacted content of one spec file. The boolean
// reports whether the read ceiling truncated the content.
func (s *Store) ReadSpec(candidate string) (string, bool, error) {
	if !s.hasSpecSuffix(candidate) {
		return "", false, fmt.Errorf("%q: %w", candidate, pathguard.ErrNotFound)
	}
	path, err := s.root.ResolveNoSymlink(candidate)
	if err != nil {
		return "", false, err
	}
	return s.readCapped(path)
}

// ReadArtifact returns the redacted content of a file inside the artifact
// directory. Only allow-listed extensions are readable.
func (s *Store) ReadArtifact(name string) (string, bool, error) {
	if !s.extensionAllowed(name) {
		return "", false, fmt.Errorf("%q: %w", name, pathguard.ErrNotFound)
	}
	path, err := s.resolveArtifact(name)
	if err != nil {
		return "", false, err
	}
	return s.readCapped(path)
}

// ListArtifacts returns the file names directly inside the artifact
// directory that match the extension allow-list.
func (s *Store) ListArtifacts() ([]string, error) {
	dir, err := s.root.Resolve(s.cfg.Dir)
	if err != nil {
		if errors.Is(err, pathguard.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading artifact dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || e.Type()&fs.ModeSymlink != 0 {
			continue
		}
		if s.extensionAllowed(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// RunResult is the shape of the runner's result artifact. The file is
// written by an external process and decoded defensively.
type RunResult struct {
	TotalTests   int       `json:"totalTests"`
	TotalPassed  int       `json:"totalPassed"`
	TotalFailed  int       `json:"totalFailed"`
	TotalPending int       `json:"totalPending"`
	TotalSkipped int       `json:"totalSkipped"`
	StartedAt    string    `json:"startedTestsAt"`
	EndedAt      string    `json:"endedTestsAt"`
	DurationMs   int64     `json:"totalDuration"`
	Runs         []SpecRun `json:"runs"`
}

// SpecRun is one spec's entry in the result artifact.
type SpecRun struct {
	Spec     string `json:"spec"`
	State    string `json:"state"`
	Error    string `json:"error"`
	Failures int    `json:"failures"`
}

// LastRun decodes the runner's result artifact. A missing file maps to
// pathguard.ErrNotFound; anything unparseable or oversized maps to
// ErrMalformed. Free-text fields are redacted before return.
func (s *Store) LastRun() (*RunResult, error) {
	path, err := s.resolveArtifact(s.cfg.ResultFile)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("result artifact: %w", pathguard.ErrNotFound)
	}
	if info.Size() > int64(s.cfg.MaxReadBytes) {
		return nil, fmt.Errorf("result artifact is %d bytes, limit %d: %w",
			info.Size(), s.cfg.MaxReadBytes, ErrMalformed)
	}

	data, err := os.ReadFile(path) //nolint:gosec // G304: path resolved by pathguard
	if err != nil {
		return nil, fmt.Errorf("reading result artifact: %w", err)
	}

	res := &RunResult{}
	dec := json.NewDecoder(strings.NewReader(string(data)))
	if err := dec.Decode(res); err != nil {
		return nil, fmt.Errorf("decoding result artifact: %w", ErrMalformed)
	}
	// Trailing garbage after the document is as suspect as bad syntax.
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("trailing data in result artifact: %w", ErrMalformed)
	}

	for i := range res.Runs {
		res.Runs[i].Spec = s.redactor.Redact(res.Runs[i].Spec)
		res.Runs[i].Error = s.redactor.Redact(res.Runs[i].Error)
		res.Runs[i].State = s.redactor.Redact(res.Runs[i].State)
	}
	return res, nil
}

// resolveArtifact confines name to the artifact directory. The directory
// itself is resolved first so a symlinked artifact dir cannot widen the
// reachable set.
func (s *Store) resolveArtifact(name string) (string, error) {
	dirPath, err := s.root.ResolveNoSymlink(s.cfg.Dir)
	if err != nil {
		return "", err
	}
	sub, err := pathguard.New(dirPath)
	if err != nil {
		return "", fmt.Errorf("artifact dir: %w", pathguard.ErrNotFound)
	}
	return sub.ResolveNoSymlink(name)
}

func (s *Store) readCapped(path string) (string, bool, error) {
	f, err := os.Open(path) //nolint:gosec // G304: path resolved by pathguard
	if err != nil {
		return "", false, fmt.Errorf("opening %s: %w", filepath.Base(path), pathguard.ErrNotFound)
	}
	defer f.Close()

	limited := io.LimitReader(f, int64(s.cfg.MaxReadBytes)+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return "", false, fmt.Errorf("reading %s: %w", filepath.Base(path), err)
	}
	truncated := false
	if len(data) > s.cfg.MaxReadBytes {
		data = data[:s.cfg.MaxReadBytes]
		truncated = true
	}
	return s.redactor.Redact(string(data)), truncated, nil
}

func (s *Store) hasSpecSuffix(name string) bool {
	for _, suf := range s.suffixes {
		if strings.HasSuffix(name, suf) {
			return true
		}
	}
	return false
}

func (s *Store) extensionAllowed(name string) bool {
	ext := filepath.Ext(name)
	for _, e := range s.cfg.Extensions {
		if strings.EqualFold(ext, e) {
			return true
		}
	}
	return false
}
