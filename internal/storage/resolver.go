package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/HuiungJang/private-nas-for-mac/internal/logging"
)

// Resolver maps logical paths onto the physical tree below a single root.
// It is the only place where containment is decided: every store operation
// resolves each of its path arguments here first.
type Resolver struct {
	root         string
	evalSymlinks func(string) (string, error)
}

// ResolverOption customizes a Resolver.
type ResolverOption func(*Resolver)

// WithSymlinkEvaluator replaces filepath.EvalSymlinks, letting tests model
// filesystems whose link layout differs from the host.
func WithSymlinkEvaluator(fn func(string) (string, error)) ResolverOption {
	return func(r *Resolver) {
		r.evalSymlinks = fn
	}
}

// NewResolver canonicalizes root and returns a resolver confined to it.
// The root must exist and be a directory.
func NewResolver(root string, opts ...ResolverOption) (*Resolver, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("storage root is required")
	}
	r := &Resolver{evalSymlinks: filepath.EvalSymlinks}
	for _, opt := range opts {
		opt(r)
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("absolute root %s: %w", root, err)
	}
	canonical, err := r.evalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("canonicalize root %s: %w", root, err)
	}
	r.root = filepath.Clean(canonical)
	return r, nil
}

// Root returns the canonical physical root.
func (r *Resolver) Root() string { return r.root }

// Resolve returns the canonical physical path for logicalPath. Blank input
// is the root. The result is the root or one of its descendants; anything
// else fails with ErrAccessDenied.
func (r *Resolver) Resolve(logicalPath string) (string, error) {
	if strings.TrimSpace(logicalPath) == "" {
		return r.root, nil
	}
	if strings.ContainsRune(logicalPath, 0) {
		return "", Invalid("resolve", logicalPath, "path contains NUL byte")
	}

	rel := strings.TrimPrefix(logicalPath, "/")
	joined := filepath.Join(r.root, filepath.FromSlash(rel))
	if !r.contains(joined) {
		return "", r.deny(logicalPath, joined)
	}

	canonical, err := r.canonicalize(joined)
	if err != nil {
		return "", E("resolve", logicalPath, ErrIO, err)
	}
	if !r.contains(canonical) {
		return "", r.deny(logicalPath, canonical)
	}
	return canonical, nil
}

// ResolveNoFollow is Resolve for operations on the entry itself. Only the
// parent is canonicalized; a symlink in the final component is returned as
// the link, not its target.
func (r *Resolver) ResolveNoFollow(logicalPath string) (string, error) {
	if strings.TrimSpace(logicalPath) == "" {
		return r.root, nil
	}
	if strings.ContainsRune(logicalPath, 0) {
		return "", Invalid("resolve", logicalPath, "path contains NUL byte")
	}

	rel := strings.TrimPrefix(logicalPath, "/")
	joined := filepath.Join(r.root, filepath.FromSlash(rel))
	if !r.contains(joined) {
		return "", r.deny(logicalPath, joined)
	}
	if joined == r.root {
		return r.root, nil
	}

	parent, err := r.canonicalize(filepath.Dir(joined))
	if err != nil {
		return "", E("resolve", logicalPath, ErrIO, err)
	}
	if !r.contains(parent) {
		return "", r.deny(logicalPath, parent)
	}
	return filepath.Join(parent, filepath.Base(joined)), nil
}

// Logical converts a physical path below the root back to its logical form.
func (r *Resolver) Logical(physical string) string {
	rel, err := filepath.Rel(r.root, physical)
	if err != nil || rel == "." {
		return "/"
	}
	return "/" + filepath.ToSlash(rel)
}

// Normalize resolves logicalPath and returns its canonical logical form.
func (r *Resolver) Normalize(logicalPath string) (string, error) {
	physical, err := r.Resolve(logicalPath)
	if err != nil {
		return "", err
	}
	return r.Logical(physical), nil
}

// IsRoot reports whether physical is the root itself.
func (r *Resolver) IsRoot(physical string) bool {
	return physical == r.root
}

// canonicalize evaluates symlinks on the longest existing prefix of p and
// appends the not-yet-existing remainder unchanged.
func (r *Resolver) canonicalize(p string) (string, error) {
	var tail []string
	cur := p
	for {
		resolved, err := r.evalSymlinks(cur)
		if err == nil {
			for i := len(tail) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, tail[i])
			}
			return filepath.Clean(resolved), nil
		}
		if !errors.Is(err, fs.ErrNotExist) && !errors.Is(err, syscall.ENOTDIR) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return p, nil
		}
		tail = append(tail, filepath.Base(cur))
		cur = parent
	}
}

func (r *Resolver) contains(p string) bool {
	rel, err := filepath.Rel(r.root, p)
	if err != nil || filepath.IsAbs(rel) {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator))
}

func (r *Resolver) deny(logicalPath, physical string) error {
	logging.Warn("security: path escapes storage root",
		zap.String("logical_path", logicalPath),
		zap.String("physical_path", physical))
	return E("resolve", logicalPath, ErrAccessDenied, errors.New("path is outside the storage root"))
}
