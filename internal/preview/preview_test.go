package preview

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HuiungJang/private-nas-for-mac/internal/logging"
	"github.com/HuiungJang/private-nas-for-mac/internal/metrics"
	"github.com/HuiungJang/private-nas-for-mac/internal/storage"
	"github.com/HuiungJang/private-nas-for-mac/internal/storage/local"
)

func TestMain(m *testing.M) {
	logging.InitNop()
	os.Exit(m.Run())
}

type countingGenerator struct {
	Generator
	calls atomic.Int32
}

func (g *countingGenerator) Generate(src io.Reader, contentType string, dst io.Writer) error {
	g.calls.Add(1)
	return g.Generator.Generate(src, contentType, dst)
}

type fixture struct {
	store *local.Store
	cache *Cache
	gen   *countingGenerator
	reg   *metrics.Local
	dir   string
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	store, err := local.New(local.Config{RootPath: t.TempDir()})
	require.NoError(t, err)
	gen := &countingGenerator{Generator: NewImageGenerator(0, 0, 0)}
	reg := metrics.NewLocal()
	dir := filepath.Join(t.TempDir(), "previews")
	opts = append([]Option{WithNormalizer(store.Resolver().Normalize)}, opts...)
	cache, err := NewCache(store, gen, dir, reg, opts...)
	require.NoError(t, err)
	return &fixture{store: store, cache: cache, gen: gen, reg: reg, dir: dir}
}

func (f *fixture) put(t *testing.T, p string, data []byte) {
	t.Helper()
	require.NoError(t, f.store.Save(context.Background(), p, bytes.NewReader(data), int64(len(data)), "tester"))
}

func (f *fixture) get(t *testing.T, p string) ([]byte, *storage.Content) {
	t.Helper()
	c, err := f.cache.Get(context.Background(), p, "tester")
	require.NoError(t, err)
	defer c.Body.Close()
	data, err := io.ReadAll(c.Body)
	require.NoError(t, err)
	return data, c
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), 128, 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestNewCacheCreatesDirectory(t *testing.T) {
	f := newFixture(t)
	assert.DirExists(t, f.dir)

	_, err := NewCache(f.store, f.gen, "", nil)
	assert.Error(t, err)
}

func TestKeyIsFixedWidthAndDeterministic(t *testing.T) {
	assert.Len(t, Key("/a.png"), 64)
	assert.Equal(t, Key("/a.png"), Key("/a.png"))
	assert.NotEqual(t, Key("/a.png"), Key("/b.png"))
}

func TestGetCachesThumbnail(t *testing.T) {
	f := newFixture(t)
	f.put(t, "/photos/big.png", pngBytes(t, 800, 400))

	first, c := f.get(t, "/photos/big.png")
	assert.Equal(t, ContentType, c.ContentType)
	assert.Equal(t, "big.jpg", c.Name)

	cfg, format, err := image.DecodeConfig(bytes.NewReader(first))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, 200, cfg.Width)
	assert.Equal(t, 100, cfg.Height)

	second, _ := f.get(t, "photos//big.png")
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), f.gen.calls.Load())

	hits, misses := f.cache.Stats()
	assert.Equal(t, 1.0, hits)
	assert.Equal(t, 1.0, misses)

	onDisk, err := os.ReadFile(filepath.Join(f.dir, Key("/photos/big.png")+".jpg"))
	require.NoError(t, err)
	assert.Equal(t, first, onDisk)
}

func TestGetConcurrentGeneratesOnce(t *testing.T) {
	f := newFixture(t)
	f.put(t, "/p.png", pngBytes(t, 300, 300))

	var wg sync.WaitGroup
	results := make([][]byte, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := f.cache.Get(context.Background(), "/p.png", "tester")
			if err != nil {
				t.Error(err)
				return
			}
			defer c.Body.Close()
			results[i], _ = io.ReadAll(c.Body)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), f.gen.calls.Load())
	for _, r := range results[1:] {
		assert.Equal(t, results[0], r)
	}
}

func TestGetFallsBackToOriginalImage(t *testing.T) {
	f := newFixture(t)
	svg := []byte(`<svg xmlns="http://www.w3.org/2000/svg"/>`)
	f.put(t, "/logo.svg", svg)

	got, c := f.get(t, "/logo.svg")
	assert.Equal(t, svg, got)
	assert.True(t, strings.HasPrefix(c.ContentType, "image/svg"))
	assert.Equal(t, int32(0), f.gen.calls.Load())
}

func TestGetFallsBackWhenGenerationFails(t *testing.T) {
	f := newFixture(t)
	corrupt := []byte("definitely not a png")
	f.put(t, "/broken.png", corrupt)

	got, c := f.get(t, "/broken.png")
	assert.Equal(t, corrupt, got)
	assert.Equal(t, "image/png", c.ContentType)
	assert.NoFileExists(t, filepath.Join(f.dir, Key("/broken.png")+".jpg"))

	entries, err := os.ReadDir(f.dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "temp files must be cleaned up")
}

func TestGetRejectsNonImages(t *testing.T) {
	f := newFixture(t)
	f.put(t, "/notes.txt", []byte("hello"))

	_, err := f.cache.Get(context.Background(), "/notes.txt", "tester")
	assert.True(t, errors.Is(err, storage.ErrInvalidArgument))

	_, err = f.cache.Get(context.Background(), "/missing.png", "tester")
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	_, err = f.cache.Get(context.Background(), "../../etc/passwd", "tester")
	assert.True(t, errors.Is(err, storage.ErrAccessDenied))
}

func TestIndexDetectsStaleSource(t *testing.T) {
	ix, err := OpenIndex("")
	require.NoError(t, err)
	defer ix.Close()
	f := newFixture(t, WithIndex(ix))

	f.put(t, "/p.png", pngBytes(t, 400, 400))
	first, _ := f.get(t, "/p.png")
	f.get(t, "/p.png")
	assert.Equal(t, int32(1), f.gen.calls.Load())

	// Replace the source with a differently shaped image.
	phys := filepath.Join(f.store.Root(), "p.png")
	require.NoError(t, os.WriteFile(phys, pngBytes(t, 400, 100), 0o644))
	later := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(phys, later, later))

	second, _ := f.get(t, "/p.png")
	assert.Equal(t, int32(2), f.gen.calls.Load())
	assert.NotEqual(t, first, second)

	require.NoError(t, os.Remove(phys))
	_, err = f.cache.Get(context.Background(), "/p.png", "tester")
	assert.True(t, errors.Is(err, storage.ErrNotFound))
	assert.NoFileExists(t, filepath.Join(f.dir, Key("/p.png")+".jpg"))
	n, err := ix.Len()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestIndexRoundTrip(t *testing.T) {
	ix, err := OpenIndex(t.TempDir())
	require.NoError(t, err)
	defer ix.Close()

	_, ok, err := ix.Get("k")
	require.NoError(t, err)
	assert.False(t, ok)

	fp := Fingerprint{Size: 42, ModTime: time.Unix(1700000000, 123)}
	require.NoError(t, ix.Put("k", fp))
	got, ok, err := ix.Get("k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, fp.equal(got))

	require.NoError(t, ix.Delete("k"))
	require.NoError(t, ix.Delete("k"))
	_, ok, err = ix.Get("k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvict(t *testing.T) {
	f := newFixture(t)
	f.put(t, "/a.png", pngBytes(t, 50, 50))
	f.put(t, "/b.png", pngBytes(t, 50, 50))
	f.get(t, "/a.png")
	f.get(t, "/b.png")
	cached := func(p string) string { return filepath.Join(f.dir, Key(p)+".jpg") }
	require.FileExists(t, cached("/a.png"))

	// Aliases of the path reach the same entry.
	f.cache.Evict("docs/../a.png")
	assert.NoFileExists(t, cached("/a.png"))
	assert.FileExists(t, cached("/b.png"))

	f.cache.Evict("/../escape.png")
	f.cache.Evict("/never-cached.png")
	assert.FileExists(t, cached("/b.png"))

	before := f.gen.calls.Load()
	f.get(t, "/a.png")
	assert.Equal(t, before+1, f.gen.calls.Load(), "evicted entry is regenerated")
}

func TestGeneratorHonorsOrientation(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 40, 20))
	rotated := applyOrientation(img, 6)
	assert.Equal(t, 20, rotated.Bounds().Dx())
	assert.Equal(t, 40, rotated.Bounds().Dy())
	assert.Equal(t, img, applyOrientation(img, 1))

	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	assert.Equal(t, 1, ExtractOrientation(bytes.NewReader(buf.Bytes())), "no EXIF block")
}

func TestGeneratorSupports(t *testing.T) {
	g := NewImageGenerator(0, 0, 0)
	for _, ct := range []string{"image/jpeg", "image/png", "IMAGE/PNG", "image/webp", "image/gif; charset=binary", "image/bmp"} {
		assert.True(t, g.Supports(ct), ct)
	}
	for _, ct := range []string{"image/svg+xml", "text/plain", "", "application/octet-stream"} {
		assert.False(t, g.Supports(ct), ct)
	}
}

func TestGeneratorBuffersNonSeekableJPEG(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 500, 250))
	var src bytes.Buffer
	require.NoError(t, jpeg.Encode(&src, img, nil))

	var out bytes.Buffer
	g := NewImageGenerator(100, 100, 90)
	require.NoError(t, g.Generate(io.NopCloser(&src), "image/jpeg", &out))

	cfg, err := jpeg.DecodeConfig(&out)
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.Width)
	assert.Equal(t, 50, cfg.Height)
}
