package local

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/HuiungJang/private-nas-for-mac/internal/logging"
	"github.com/HuiungJang/private-nas-for-mac/internal/storage"
)

const rootLabel = "Root"

// defaultExcludes are OS metadata entries hidden at every level.
var defaultExcludes = []string{
	".Spotlight-V100",
	".fseventsd",
	".Trashes",
	".TemporaryItems",
	".DocumentRevisions-V100",
	".VolumeIcon.icns",
}

// rootVolumeExcludes are hidden only directly under the storage root, where a
// mounted system volume would surface them.
var rootVolumeExcludes = map[string]struct{}{
	"Macintosh HD":        {},
	"Macintosh HD - Data": {},
}

// List returns one page of the directory at logicalPath. Directories sort
// before files; within a group entries follow sort, ties broken by name.
// The offset is clamped to [0, total] and the limit to [1, max].
func (s *Store) List(ctx context.Context, logicalPath string, offset, limit int, sort storage.SortOrder) (*storage.Listing, error) {
	const op = "list"
	dir, err := s.resolver.Resolve(logicalPath)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storage.E(op, logicalPath, storage.ErrNotFound, nil)
		}
		return nil, storage.E(op, logicalPath, storage.ErrIO, err)
	}
	if !info.IsDir() {
		return nil, storage.Invalid(op, logicalPath, "not a directory")
	}

	dirents, err := os.ReadDir(dir)
	if err != nil {
		return nil, storage.E(op, logicalPath, storage.ErrIO, err)
	}

	logicalDir := s.resolver.Logical(dir)
	atRoot := s.resolver.IsRoot(dir)
	log := logging.WithContext(ctx)

	entries := make([]storage.Entry, 0, len(dirents))
	for _, de := range dirents {
		name := de.Name()
		if s.hidden(name, atRoot) {
			continue
		}
		entryPath := path.Join(logicalDir, name)

		fi, err := de.Info()
		if err == nil && fi.Mode()&os.ModeSymlink != 0 {
			fi, err = s.followLink(entryPath)
		}
		if err != nil {
			log.Warn("skipping entry",
				zap.String("path", entryPath),
				zap.Error(err))
			continue
		}

		entries = append(entries, storage.Entry{
			Name:         name,
			Path:         entryPath,
			IsDir:        fi.IsDir(),
			Size:         entrySize(fi),
			LastModified: fi.ModTime(),
			Owner:        s.owner,
		})
	}

	slices.SortFunc(entries, entryOrder(sort))

	total := len(entries)
	limit = min(max(limit, 1), s.maxLimit)
	offset = min(max(offset, 0), total)
	end := min(offset+limit, total)

	return &storage.Listing{
		Path:        logicalDir,
		Breadcrumbs: s.breadcrumbs(dir),
		Items:       slices.Clone(entries[offset:end]),
		TotalCount:  total,
		Offset:      offset,
		Limit:       limit,
	}, nil
}

func (s *Store) hidden(name string, atRoot bool) bool {
	if _, ok := s.excludes[name]; ok {
		return true
	}
	if atRoot {
		if _, ok := rootVolumeExcludes[name]; ok {
			return true
		}
	}
	return strings.HasPrefix(name, tempPrefix) && strings.HasSuffix(name, ".tmp")
}

// followLink stats a symlink's target. Links pointing outside the root are
// reported as errors so they never show up in a listing.
func (s *Store) followLink(logicalPath string) (os.FileInfo, error) {
	target, err := s.resolver.Resolve(logicalPath)
	if err != nil {
		return nil, err
	}
	return os.Stat(target)
}

func entrySize(fi os.FileInfo) int64 {
	if fi.IsDir() {
		return 0
	}
	return fi.Size()
}

func entryOrder(sort storage.SortOrder) func(a, b storage.Entry) int {
	return func(a, b storage.Entry) int {
		if a.IsDir != b.IsDir {
			if a.IsDir {
				return -1
			}
			return 1
		}
		var c int
		switch sort {
		case storage.SortNameDesc:
			c = strings.Compare(b.Name, a.Name)
		case storage.SortModifiedAsc:
			c = a.LastModified.Compare(b.LastModified)
		case storage.SortModifiedDesc:
			c = b.LastModified.Compare(a.LastModified)
		}
		if c != 0 {
			return c
		}
		return strings.Compare(a.Name, b.Name)
	}
}

// breadcrumbs returns the chain from the root down to dir, inclusive.
func (s *Store) breadcrumbs(dir string) []storage.Breadcrumb {
	var crumbs []storage.Breadcrumb
	for cur := dir; ; {
		if s.resolver.IsRoot(cur) {
			crumbs = append(crumbs, storage.Breadcrumb{Name: rootLabel, Path: "/"})
			break
		}
		crumbs = append(crumbs, storage.Breadcrumb{Name: filepath.Base(cur), Path: s.resolver.Logical(cur)})
		parent := filepath.Dir(cur)
		if parent == cur {
			break
		}
		cur = parent
	}
	slices.Reverse(crumbs)
	return crumbs
}
