// Package preview serves image thumbnails from a disk cache. Cached files
// are named by a hash of the logical path and generated on first request.
package preview

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"github.com/HuiungJang/private-nas-for-mac/internal/logging"
	"github.com/HuiungJang/private-nas-for-mac/internal/metrics"
	"github.com/HuiungJang/private-nas-for-mac/internal/storage"
)

const (
	cacheExt     = ".jpg"
	cacheTempPat = ".preview-*.tmp"
)

// Option customizes a Cache.
type Option func(*Cache)

// WithIndex enables staleness checks against the source size and mtime.
func WithIndex(ix *Index) Option {
	return func(c *Cache) { c.index = ix }
}

// WithNormalizer sets the function that canonicalizes logical paths before
// hashing, so that aliases of one file share a cache entry.
func WithNormalizer(fn func(string) (string, error)) Option {
	return func(c *Cache) { c.normalize = fn }
}

// Cache is the preview cache.
type Cache struct {
	store     storage.Store
	gen       Generator
	dir       string
	index     *Index
	normalize func(string) (string, error)
	hits      metrics.Counter
	misses    metrics.Counter
	locks     keyedMutex
}

// NewCache creates the cache directory if needed and returns a cache
// reading sources from store.
func NewCache(store storage.Store, gen Generator, dir string, reg metrics.Registry, opts ...Option) (*Cache, error) {
	if dir == "" {
		return nil, errors.New("preview cache directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create preview cache dir %s: %w", dir, err)
	}
	reg = metrics.OrNop(reg)
	c := &Cache{
		store:     store,
		gen:       gen,
		dir:       dir,
		normalize: cleanLogical,
		hits:      reg.Counter(metrics.PreviewCacheHit, "Preview requests served from the cache"),
		misses:    reg.Counter(metrics.PreviewCacheMiss, "Preview requests that generated or fell back"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Key returns the cache key of an already normalized logical path.
func Key(logicalPath string) string {
	sum := blake2b.Sum256([]byte(logicalPath))
	return hex.EncodeToString(sum[:])
}

// Stats returns the hit and miss counts.
func (c *Cache) Stats() (hits, misses float64) {
	return c.hits.Value(), c.misses.Value()
}

// Get returns a preview of logicalPath. A cached thumbnail is streamed
// directly. Otherwise a thumbnail is generated into the cache and streamed
// from there. Images that cannot be thumbnailed are returned as-is; other
// content fails with storage.ErrInvalidArgument.
func (c *Cache) Get(ctx context.Context, logicalPath, actor string) (*storage.Content, error) {
	norm, err := c.normalize(logicalPath)
	if err != nil {
		return nil, err
	}
	key := Key(norm)
	cachePath := filepath.Join(c.dir, key+cacheExt)

	unlock := c.locks.lock(key)
	defer unlock()

	var src *storage.Content
	if c.index != nil {
		src, err = c.store.Retrieve(ctx, norm, actor)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				c.evict(key)
			}
			return nil, err
		}
		fp := Fingerprint{Size: src.Size, ModTime: src.ModTime}
		if cached, ok, err := c.index.Get(key); err == nil && ok && cached.equal(fp) {
			if hit, err := c.openCached(cachePath, norm); err == nil {
				src.Body.Close()
				c.hits.Inc()
				return hit, nil
			}
		} else if err != nil {
			logging.WithContext(ctx).Warn("preview index read failed", zap.Error(err))
		}
	} else if hit, err := c.openCached(cachePath, norm); err == nil {
		c.hits.Inc()
		return hit, nil
	}

	c.misses.Inc()
	if src == nil {
		if src, err = c.store.Retrieve(ctx, norm, actor); err != nil {
			return nil, err
		}
	}

	if c.gen.Supports(src.ContentType) {
		err := c.generate(src, cachePath)
		src.Body.Close()
		if err == nil {
			if c.index != nil {
				if err := c.index.Put(key, Fingerprint{Size: src.Size, ModTime: src.ModTime}); err != nil {
					logging.WithContext(ctx).Warn("preview index write failed", zap.Error(err))
				}
			}
			return c.openCached(cachePath, norm)
		}
		logging.WithContext(ctx).Warn("thumbnail generation failed, serving original",
			zap.String("path", norm),
			zap.String("content_type", src.ContentType),
			zap.Error(err))
		src = nil
	}

	if src != nil && !IsImage(src.ContentType) {
		src.Body.Close()
		return nil, storage.Invalid("preview", norm, "preview not available for %s", src.ContentType)
	}
	if src == nil {
		// The generator consumed the stream; open the original again.
		return c.store.Retrieve(ctx, norm, actor)
	}
	return src, nil
}

// Evict drops the cached preview of logicalPath. Callers evict after a
// successful change to the source.
func (c *Cache) Evict(logicalPath string) {
	norm, err := c.normalize(logicalPath)
	if err != nil {
		return
	}
	key := Key(norm)
	unlock := c.locks.lock(key)
	defer unlock()
	c.evict(key)
}

func (c *Cache) evict(key string) {
	if err := os.Remove(filepath.Join(c.dir, key+cacheExt)); err != nil && !os.IsNotExist(err) {
		logging.Warn("preview eviction failed", zap.String("key", key), zap.Error(err))
	}
	if c.index != nil {
		if err := c.index.Delete(key); err != nil {
			logging.Warn("preview index delete failed", zap.String("key", key), zap.Error(err))
		}
	}
}

func (c *Cache) openCached(cachePath, logicalPath string) (*storage.Content, error) {
	f, err := os.Open(cachePath)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &storage.Content{
		Name:        thumbName(logicalPath),
		ContentType: ContentType,
		Size:        info.Size(),
		ModTime:     info.ModTime(),
		Body:        f,
	}, nil
}

// generate writes the thumbnail to a temp file and renames it into place,
// so readers never see a partial thumbnail.
func (c *Cache) generate(src *storage.Content, cachePath string) error {
	tmp, err := os.CreateTemp(c.dir, cacheTempPat)
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	err = c.gen.Generate(src.Body, src.ContentType, tmp)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return err
	}
	return os.Rename(tmpName, cachePath)
}

func cleanLogical(p string) (string, error) {
	return path.Clean("/" + strings.TrimPrefix(p, "/")), nil
}

func thumbName(logicalPath string) string {
	base := path.Base(logicalPath)
	return strings.TrimSuffix(base, path.Ext(base)) + cacheExt
}

// keyedMutex serializes work per cache key.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
