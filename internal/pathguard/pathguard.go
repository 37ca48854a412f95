// Package pathguard proves that caller-supplied paths stay inside the
// project root. Every file-reading operation resolves candidates through
// Resolve before touching the filesystem; nothing else in the codebase is
// allowed to construct an in-root absolute path from agent input.
package pathguard

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrTraversal is returned when a candidate path escapes the root, either
// lexically or through a symlink. Callers surface it as a generic access
// denial without the resolved path.
var ErrTraversal = errors.New("path escapes project root")

// ErrNotFound is returned when the candidate does not exist under the root.
// Kept distinct from ErrTraversal so callers can answer "file not found"
// without conflating it with a containment violation.
var ErrNotFound = errors.New("path not found")

// Root is a canonicalized project root directory. Immutable after New.
type Root struct {
	path string // symlink-resolved absolute path, no trailing separator
}

// New canonicalizes dir and returns it as a containment root. The root is
// resolved through symlinks up front: a root that is itself reached through
// a symlink must not produce false rejections when candidates under it
// resolve to the link target.
func New(dir string) (*Root, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("absolutizing root: %w", err)
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolving root: %w", err)
	}
	info, err := os.Stat(real)
	if err != nil {
		return nil, fmt.Errorf("stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root %s is not a directory", dir)
	}
	return &Root{path: strings.TrimRight(real, string(filepath.Separator))}, nil
}

// Path returns the canonical root path.
func (r *Root) Path() string { return r.path }

// Resolve joins candidate onto the root and returns its symlink-resolved
// absolute form, proven to lie strictly inside the root. The check is
// two-stage: a lexical prefix check first (so obviously-invalid candidates
// get a precise traversal error even when they do not exist), then the
// resolved form is re-checked; that is the actual security boundary, since
// a symlink whose target escapes the root passes stage one.
func (r *Root) Resolve(candidate string) (string, error) {
	if candidate == "" {
		return "", ErrTraversal
	}
	if filepath.IsAbs(candidate) {
		return "", ErrTraversal
	}

	joined := filepath.Join(r.path, candidate)
	// Join cleans the path, so ".." segments have already collapsed; a
	// root-equal result means the candidate named the root itself, which
	// is not "a file under the root".
	if !r.contains(joined) {
		return "", ErrTraversal
	}

	real, err := filepath.EvalSymlinks(joined)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, candidate)
		}
		return "", fmt.Errorf("resolving %s: %w", candidate, err)
	}

	if !r.contains(real) {
		return "", ErrTraversal
	}
	return real, nil
}

// ResolveNoSymlink resolves candidate like Resolve and additionally rejects
// targets that are themselves symlinks. Execution targets are held to this
// stricter bar than read targets.
func (r *Root) ResolveNoSymlink(candidate string) (string, error) {
	joined := filepath.Join(r.path, candidate)
	if filepath.IsAbs(candidate) || !r.contains(joined) {
		return "", ErrTraversal
	}
	info, err := os.Lstat(joined)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, candidate)
		}
		return "", fmt.Errorf("lstat %s: %w", candidate, err)
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return "", ErrTraversal
	}
	return r.Resolve(candidate)
}

// contains reports whether p is strictly under the root. Prefix matching is
// done against root + separator so that a sibling like /proj-evil does not
// pass for root /proj.
func (r *Root) contains(p string) bool {
	return strings.HasPrefix(p, r.path+string(filepath.Separator))
}

// Rel returns p relative to the root for display in agent-facing messages.
// Falls back to the base name when p is somehow not under the root.
func (r *Root) Rel(p string) string {
	rel, err := filepath.Rel(r.path, p)
	if err != nil || strings.HasPrefix(rel, "..") {
		return filepath.Base(p)
	}
	return rel
}
