// Package local provides the local filesystem file store.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/HuiungJang/private-nas-for-mac/internal/logging"
	"github.com/HuiungJang/private-nas-for-mac/internal/storage"
)

const (
	// tempPrefix marks in-flight uploads; listings hide these names.
	tempPrefix  = ".vault-"
	tempPattern = tempPrefix + "*.tmp"

	defaultOwner    = "system"
	defaultMaxLimit = 500
)

// Config holds local filesystem store settings.
type Config struct {
	RootPath   string
	CreateDirs bool
	// Excludes adds names hidden from listings on top of the built-in set.
	Excludes []string
	// MaxListLimit caps the page size of a listing.
	MaxListLimit int
	// Owner is reported as the owner of every listed entry.
	Owner string
}

// Store implements storage.Store on the local filesystem.
type Store struct {
	resolver *storage.Resolver
	excludes map[string]struct{}
	maxLimit int
	owner    string
}

var _ storage.Store = (*Store)(nil)

// New creates a local store rooted at cfg.RootPath.
func New(cfg Config, opts ...storage.ResolverOption) (*Store, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("root_path is required")
	}

	info, err := os.Stat(cfg.RootPath)
	if err != nil {
		if os.IsNotExist(err) && cfg.CreateDirs {
			if mkErr := os.MkdirAll(cfg.RootPath, 0o755); mkErr != nil {
				return nil, fmt.Errorf("create root path %s: %w", cfg.RootPath, mkErr)
			}
		} else {
			return nil, fmt.Errorf("stat root path %s: %w", cfg.RootPath, err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("root path %s is not a directory", cfg.RootPath)
	}

	resolver, err := storage.NewResolver(cfg.RootPath, opts...)
	if err != nil {
		return nil, err
	}

	excludes := make(map[string]struct{}, len(defaultExcludes)+len(cfg.Excludes))
	for _, name := range defaultExcludes {
		excludes[name] = struct{}{}
	}
	for _, name := range cfg.Excludes {
		if name = strings.TrimSpace(name); name != "" {
			excludes[name] = struct{}{}
		}
	}

	maxLimit := cfg.MaxListLimit
	if maxLimit <= 0 {
		maxLimit = defaultMaxLimit
	}
	owner := cfg.Owner
	if owner == "" {
		owner = defaultOwner
	}

	return &Store{
		resolver: resolver,
		excludes: excludes,
		maxLimit: maxLimit,
		owner:    owner,
	}, nil
}

// Resolver returns the path resolver guarding this store.
func (s *Store) Resolver() *storage.Resolver { return s.resolver }

// Root returns the canonical physical root.
func (s *Store) Root() string { return s.resolver.Root() }

// Save writes body to a hidden temp file next to the destination and then
// publishes it under the final name with an exclusive create, so concurrent
// writers to one path produce exactly one winner and no partial files.
func (s *Store) Save(ctx context.Context, logicalPath string, body io.Reader, size int64, actor string) error {
	const op = "save"
	target, err := s.resolver.Resolve(logicalPath)
	if err != nil {
		return err
	}
	if s.resolver.IsRoot(target) {
		return storage.Invalid(op, logicalPath, "cannot write to the storage root")
	}

	if _, err := os.Lstat(target); err == nil {
		return storage.E(op, logicalPath, storage.ErrAlreadyExists, nil)
	} else if errors.Is(err, syscall.ENOTDIR) {
		return storage.Invalid(op, logicalPath, "parent is not a directory")
	} else if !os.IsNotExist(err) {
		return storage.E(op, logicalPath, storage.ErrIO, err)
	}

	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		if errors.Is(err, syscall.ENOTDIR) {
			return storage.Invalid(op, logicalPath, "parent is not a directory")
		}
		return storage.E(op, logicalPath, storage.ErrIO, err)
	}

	tmp, err := os.CreateTemp(dir, tempPattern)
	if err != nil {
		return storage.E(op, logicalPath, storage.ErrIO, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	src := io.Reader(&contextReader{ctx: ctx, r: body})
	if size >= 0 {
		src = io.LimitReader(src, size+1)
	}
	n, err := io.Copy(tmp, src)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return storage.E(op, logicalPath, storage.ErrIO, err)
	}
	if size >= 0 && n != size {
		return storage.Invalid(op, logicalPath, "received %d bytes, declared %d", n, size)
	}

	if err := publish(tmpName, target); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return storage.E(op, logicalPath, storage.ErrAlreadyExists, nil)
		}
		return storage.E(op, logicalPath, storage.ErrIO, err)
	}

	logging.WithContext(ctx).Info("file saved",
		zap.String("actor", actor),
		zap.String("path", s.resolver.Logical(target)),
		zap.Int64("size", n))
	return nil
}

// Retrieve opens a regular file. The content type is probed from the file
// extension and, failing that, from the leading bytes.
func (s *Store) Retrieve(ctx context.Context, logicalPath string, actor string) (*storage.Content, error) {
	const op = "retrieve"
	target, err := s.resolver.Resolve(logicalPath)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(target)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storage.E(op, logicalPath, storage.ErrNotFound, nil)
		}
		return nil, storage.E(op, logicalPath, storage.ErrIO, err)
	}
	if info.IsDir() {
		return nil, storage.Invalid(op, logicalPath, "path is a directory")
	}

	f, err := os.Open(target)
	if err != nil {
		return nil, storage.E(op, logicalPath, storage.ErrIO, err)
	}

	logging.WithContext(ctx).Debug("file opened",
		zap.String("actor", actor),
		zap.String("path", s.resolver.Logical(target)))

	return &storage.Content{
		Name:        filepath.Base(target),
		ContentType: probeContentType(target, f),
		Size:        info.Size(),
		ModTime:     info.ModTime(),
		Body:        f,
	}, nil
}

// Move renames src to dst without replacing an existing destination. A move
// across devices falls back to copy-then-delete for regular files and is not
// atomic; after a failure the caller should re-list to learn the state.
func (s *Store) Move(ctx context.Context, srcLogical, dstLogical string, actor string) error {
	const op = "move"
	src, err := s.resolver.ResolveNoFollow(srcLogical)
	if err != nil {
		return err
	}
	dst, err := s.resolver.ResolveNoFollow(dstLogical)
	if err != nil {
		return err
	}
	if s.resolver.IsRoot(src) || s.resolver.IsRoot(dst) {
		return storage.Invalid(op, srcLogical, "cannot move the storage root")
	}

	srcInfo, err := os.Lstat(src)
	if err != nil {
		if os.IsNotExist(err) {
			return storage.E(op, srcLogical, storage.ErrNotFound, nil)
		}
		return storage.E(op, srcLogical, storage.ErrIO, err)
	}
	if _, err := os.Lstat(dst); err == nil {
		return storage.E(op, dstLogical, storage.ErrAlreadyExists, nil)
	} else if !os.IsNotExist(err) {
		return storage.E(op, dstLogical, storage.ErrIO, err)
	}
	if srcInfo.IsDir() && isWithin(src, dst) {
		return storage.Invalid(op, dstLogical, "cannot move a directory into itself")
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return storage.E(op, dstLogical, storage.ErrIO, err)
	}

	err = renameNoReplace(src, dst)
	if errors.Is(err, syscall.EXDEV) && srcInfo.Mode().IsRegular() {
		err = moveAcrossDevices(src, dst)
	}
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return storage.E(op, dstLogical, storage.ErrAlreadyExists, nil)
		}
		return storage.E(op, srcLogical, storage.ErrIO, err)
	}

	logging.WithContext(ctx).Info("file moved",
		zap.String("actor", actor),
		zap.String("from", s.resolver.Logical(src)),
		zap.String("to", s.resolver.Logical(dst)))
	return nil
}

// Delete removes a file or an empty directory. A symlink is removed itself,
// never its target.
func (s *Store) Delete(ctx context.Context, logicalPath string, actor string) error {
	const op = "delete"
	target, err := s.resolver.ResolveNoFollow(logicalPath)
	if err != nil {
		return err
	}
	if s.resolver.IsRoot(target) {
		return storage.Invalid(op, logicalPath, "cannot delete the storage root")
	}

	if _, err := os.Lstat(target); err != nil {
		if os.IsNotExist(err) {
			return storage.E(op, logicalPath, storage.ErrNotFound, nil)
		}
		return storage.E(op, logicalPath, storage.ErrIO, err)
	}

	if err := os.Remove(target); err != nil {
		switch {
		case errors.Is(err, syscall.ENOTEMPTY), errors.Is(err, fs.ErrExist):
			return storage.Invalid(op, logicalPath, "directory is not empty")
		case os.IsNotExist(err):
			return storage.E(op, logicalPath, storage.ErrNotFound, nil)
		default:
			return storage.E(op, logicalPath, storage.ErrIO, err)
		}
	}

	logging.WithContext(ctx).Info("file deleted",
		zap.String("actor", actor),
		zap.String("path", s.resolver.Logical(target)))
	return nil
}

// CreateDirectory creates a single directory named name under parent.
// Missing ancestors of parent are created too.
func (s *Store) CreateDirectory(ctx context.Context, parent, name string, actor string) error {
	const op = "mkdir"
	name = strings.TrimSpace(name)
	if err := checkDirName(name); err != nil {
		return storage.Invalid(op, parent, "%v", err)
	}

	logicalPath := strings.TrimSuffix(parent, "/") + "/" + name
	target, err := s.resolver.Resolve(logicalPath)
	if err != nil {
		return err
	}
	if _, err := os.Lstat(target); err == nil {
		return storage.E(op, logicalPath, storage.ErrAlreadyExists, nil)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		if errors.Is(err, syscall.ENOTDIR) {
			return storage.Invalid(op, logicalPath, "parent is not a directory")
		}
		return storage.E(op, logicalPath, storage.ErrIO, err)
	}
	if err := os.Mkdir(target, 0o755); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return storage.E(op, logicalPath, storage.ErrAlreadyExists, nil)
		}
		return storage.E(op, logicalPath, storage.ErrIO, err)
	}

	logging.WithContext(ctx).Info("directory created",
		zap.String("actor", actor),
		zap.String("path", s.resolver.Logical(target)))
	return nil
}

// Exists reports whether an entry named logicalPath exists. A dangling
// symlink counts.
func (s *Store) Exists(_ context.Context, logicalPath string) (bool, error) {
	target, err := s.resolver.ResolveNoFollow(logicalPath)
	if err != nil {
		return false, err
	}
	if _, err := os.Lstat(target); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, storage.E("exists", logicalPath, storage.ErrIO, err)
	}
	return true, nil
}

// Size returns the size of a regular file.
func (s *Store) Size(_ context.Context, logicalPath string) (int64, error) {
	const op = "size"
	target, err := s.resolver.Resolve(logicalPath)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(target)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, storage.E(op, logicalPath, storage.ErrNotFound, nil)
		}
		return 0, storage.E(op, logicalPath, storage.ErrIO, err)
	}
	if info.IsDir() {
		return 0, storage.Invalid(op, logicalPath, "path is a directory")
	}
	return info.Size(), nil
}

// AvailableSpace returns the usable bytes on the root's device.
func (s *Store) AvailableSpace(_ context.Context) (int64, error) {
	avail, _, err := DiskUsage(s.resolver.Root())
	if err != nil {
		return 0, storage.E("available space", "/", storage.ErrIO, err)
	}
	return avail, nil
}

func checkDirName(name string) error {
	switch {
	case name == "":
		return errors.New("directory name is required")
	case strings.ContainsAny(name, `/\`):
		return errors.New("directory name must not contain path separators")
	case name == "." || name == "..":
		return errors.New("invalid directory name")
	}
	for _, r := range name {
		if r < 0x20 {
			return errors.New("directory name contains control characters")
		}
	}
	return nil
}

// publish links tmp to target, failing if target exists. Filesystems without
// hard links get an exclusive create plus copy instead.
func publish(tmp, target string) error {
	err := os.Link(tmp, target)
	if err == nil || errors.Is(err, fs.ErrExist) {
		return err
	}
	return copyExclusive(tmp, target)
}

func copyExclusive(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return err
	}
	return nil
}

func moveAcrossDevices(src, dst string) error {
	tmp, err := os.CreateTemp(filepath.Dir(dst), tempPattern)
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	in, err := os.Open(src)
	if err != nil {
		tmp.Close()
		return err
	}
	_, err = io.Copy(tmp, in)
	in.Close()
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return err
	}
	if err := publish(tmpName, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

func isWithin(parent, child string) bool {
	rel, err := filepath.Rel(parent, child)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator)))
}

func probeContentType(name string, f *os.File) string {
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct
	}
	buf := make([]byte, 512)
	n, err := f.ReadAt(buf, 0)
	if n == 0 && err != nil {
		return storage.DefaultContentType
	}
	return http.DetectContentType(buf[:n])
}

// contextReader stops reading once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
