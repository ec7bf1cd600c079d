package files

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HuiungJang/private-nas-for-mac/internal/audit"
	"github.com/HuiungJang/private-nas-for-mac/internal/auth"
	"github.com/HuiungJang/private-nas-for-mac/internal/logging"
	"github.com/HuiungJang/private-nas-for-mac/internal/storage"
	"github.com/HuiungJang/private-nas-for-mac/internal/storage/local"
)

func TestMain(m *testing.M) {
	logging.InitNop()
	os.Exit(m.Run())
}

type captureRecorder struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (c *captureRecorder) Record(_ context.Context, e audit.Entry) {
	c.mu.Lock()
	c.entries = append(c.entries, e)
	c.mu.Unlock()
}

func (c *captureRecorder) all() []audit.Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]audit.Entry(nil), c.entries...)
}

// stubStore overrides selected operations of a real store.
type stubStore struct {
	storage.Store
	available    int64
	availableErr error
	deleteErr    error
}

func (s *stubStore) AvailableSpace(ctx context.Context) (int64, error) {
	if s.available > 0 || s.availableErr != nil {
		return s.available, s.availableErr
	}
	return s.Store.AvailableSpace(ctx)
}

func (s *stubStore) Delete(ctx context.Context, p, actor string) error {
	if s.deleteErr != nil {
		return s.deleteErr
	}
	return s.Store.Delete(ctx, p, actor)
}

type fixture struct {
	svc   *Service
	store *stubStore
	rec   *captureRecorder
	root  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ls, err := local.New(local.Config{RootPath: t.TempDir()})
	require.NoError(t, err)
	stub := &stubStore{Store: ls}
	rec := &captureRecorder{}
	return &fixture{
		svc:   NewService(stub, DefaultValidator(), rec),
		store: stub,
		rec:   rec,
		root:  ls.Root(),
	}
}

func (f *fixture) upload(t *testing.T, dir, name, body string) string {
	t.Helper()
	p, err := f.svc.Upload(context.Background(), UploadRequest{
		Body:      strings.NewReader(body),
		FileName:  name,
		Directory: dir,
		Size:      int64(len(body)),
		Actor:     "alice",
	})
	require.NoError(t, err)
	return p
}

func sha(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestValidator(t *testing.T) {
	v := DefaultValidator()
	assert.NoError(t, v.Validate("report.pdf", 1))
	assert.NoError(t, v.Validate(strings.Repeat("é", 255), DefaultMaxFileSize))

	bad := []struct {
		name string
		size int64
	}{
		{"", 1},
		{"   ", 1},
		{strings.Repeat("a", 256), 1},
		{"..hidden", 1},
		{"a..b", 1},
		{"dir/file", 1},
		{`dir\file`, 1},
		{"tab\tname", 1},
		{"nul\x00", 1},
		{"ok.txt", 0},
		{"ok.txt", -1},
		{"ok.txt", DefaultMaxFileSize + 1},
	}
	for _, tc := range bad {
		err := v.Validate(tc.name, tc.size)
		assert.True(t, errors.Is(err, storage.ErrInvalidArgument), "%q/%d", tc.name, tc.size)
	}

	small := Validator{MaxNameLength: 4, MaxFileSize: 10}
	assert.Error(t, small.Validate("abcde", 1))
	assert.Error(t, small.Validate("abcd", 11))
}

func TestHelloScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.svc.CreateDirectory(ctx, "/", "docs", "alice"))

	p := f.upload(t, "/docs", "hello.txt", "hello")
	assert.Equal(t, "/docs/hello.txt", p)

	l, err := f.svc.List(ctx, "/docs", 0, 10, storage.SortNameAsc)
	require.NoError(t, err)
	require.Len(t, l.Items, 1)
	assert.Equal(t, "hello.txt", l.Items[0].Name)
	assert.False(t, l.Items[0].IsDir)
	assert.Equal(t, int64(5), l.Items[0].Size)

	c, err := f.svc.Download(ctx, "/docs/hello.txt", "alice")
	require.NoError(t, err)
	defer c.Body.Close()
	data, err := io.ReadAll(c.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	assert.Equal(t, int64(5), c.Size)
}

func TestUploadJoinsDirectory(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, "/a.txt", f.upload(t, "", "a.txt", "a"))
	assert.Equal(t, "/b.txt", f.upload(t, "/", "b.txt", "b"))
	assert.Equal(t, "/x/y/c.txt", f.upload(t, "/x/y/", "c.txt", "c"))
	assert.FileExists(t, filepath.Join(f.root, "x", "y", "c.txt"))
}

func TestUploadRecordsAudit(t *testing.T) {
	f := newFixture(t)
	ctx := auth.WithClientIP(context.Background(), "192.0.2.7")
	_, err := f.svc.Upload(ctx, UploadRequest{
		Body: strings.NewReader("abc"), FileName: "a.txt", Directory: "/", Size: 3, Actor: "alice",
	})
	require.NoError(t, err)

	entries := f.rec.all()
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "alice", e.ActorID)
	assert.Equal(t, audit.ActionUpload, e.Action)
	assert.Equal(t, "/a.txt", e.Target)
	assert.Equal(t, audit.StatusSuccess, e.Status)
	assert.Equal(t, int64(3), e.Size)
	assert.Equal(t, "192.0.2.7", e.SourceIP)
}

func TestUploadValidationFailsBeforeIO(t *testing.T) {
	f := newFixture(t)
	f.store.availableErr = errors.New("must not be called")

	_, err := f.svc.Upload(context.Background(), UploadRequest{
		Body: strings.NewReader("x"), FileName: "../x", Size: 1, Actor: "alice",
	})
	assert.True(t, errors.Is(err, storage.ErrInvalidArgument))
	assert.Empty(t, f.rec.all())
}

func TestUploadInsufficientStorage(t *testing.T) {
	f := newFixture(t)
	f.store.available = 1099

	_, err := f.svc.Upload(context.Background(), UploadRequest{
		Body: strings.NewReader(strings.Repeat("x", 1000)), FileName: "big.bin", Size: 1000, Actor: "alice",
	})
	assert.True(t, errors.Is(err, storage.ErrInsufficientStorage))
	assert.NoFileExists(t, filepath.Join(f.root, "big.bin"))

	// Free space must exceed size plus the margin, equality is not enough.
	f.store.available = 1100
	_, err = f.svc.Upload(context.Background(), UploadRequest{
		Body: strings.NewReader(strings.Repeat("x", 1000)), FileName: "big.bin", Size: 1000, Actor: "alice",
	})
	assert.True(t, errors.Is(err, storage.ErrInsufficientStorage))
	assert.NoFileExists(t, filepath.Join(f.root, "big.bin"))

	f.store.available = 1101
	_, err = f.svc.Upload(context.Background(), UploadRequest{
		Body: strings.NewReader(strings.Repeat("x", 1000)), FileName: "big.bin", Size: 1000, Actor: "alice",
	})
	assert.NoError(t, err)
}

func TestUploadExistingFails(t *testing.T) {
	f := newFixture(t)
	f.upload(t, "/", "a.txt", "first")

	_, err := f.svc.Upload(context.Background(), UploadRequest{
		Body: strings.NewReader("second"), FileName: "a.txt", Size: 6, Actor: "bob",
	})
	assert.True(t, errors.Is(err, storage.ErrAlreadyExists))

	entries := f.rec.all()
	require.Len(t, entries, 2)
	assert.Equal(t, audit.StatusFailure, entries[1].Status)
}

func TestUploadChecksumMatch(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Upload(context.Background(), UploadRequest{
		Body: strings.NewReader("hello"), FileName: "h.txt", Size: 5, Actor: "alice",
		Checksum: "  " + strings.ToUpper(sha("hello")) + " ",
	})
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(f.root, "h.txt"))
}

func TestUploadChecksumMismatchRemovesFile(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Upload(context.Background(), UploadRequest{
		Body: strings.NewReader("hello"), FileName: "h.txt", Size: 5, Actor: "alice",
		Checksum: sha("goodbye"),
	})
	assert.True(t, errors.Is(err, storage.ErrInvalidArgument))
	assert.NoFileExists(t, filepath.Join(f.root, "h.txt"))

	entries := f.rec.all()
	require.Len(t, entries, 1)
	assert.Equal(t, audit.StatusFailure, entries[0].Status)
}

func TestUploadChecksumMismatchDeleteFailureSurfacesBoth(t *testing.T) {
	f := newFixture(t)
	deleteErr := errors.New("disk on fire")
	f.store.deleteErr = deleteErr

	_, err := f.svc.Upload(context.Background(), UploadRequest{
		Body: strings.NewReader("hello"), FileName: "h.txt", Size: 5, Actor: "alice",
		Checksum: sha("nope"),
	})
	assert.True(t, errors.Is(err, storage.ErrInvalidArgument))
	assert.True(t, errors.Is(err, deleteErr))
	assert.Contains(t, err.Error(), "checksum mismatch")
}

func TestRoundTripBinary(t *testing.T) {
	f := newFixture(t)
	body := make([]byte, 3*checksumBufferSize+17)
	for i := range body {
		body[i] = byte(i * 31)
	}
	sum := sha256.Sum256(body)

	_, err := f.svc.Upload(context.Background(), UploadRequest{
		Body: strings.NewReader(string(body)), FileName: "blob.bin", Size: int64(len(body)), Actor: "alice",
		Checksum: hex.EncodeToString(sum[:]),
	})
	require.NoError(t, err)

	c, err := f.svc.Download(context.Background(), "/blob.bin", "alice")
	require.NoError(t, err)
	defer c.Body.Close()
	got, err := io.ReadAll(c.Body)
	require.NoError(t, err)
	assert.Equal(t, body, got)
	assert.Equal(t, int64(len(body)), c.Size)
}

func TestDeleteFilesPartialFailure(t *testing.T) {
	f := newFixture(t)
	f.upload(t, "/", "a", "a")
	f.upload(t, "/", "c", "c")

	res := f.svc.DeleteFiles(context.Background(), []string{"/a", "/b", "/c"}, "alice")
	assert.Equal(t, []string{"/a", "/c"}, res.Deleted)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "/b", res.Failures[0].Path)
	assert.Contains(t, res.Failures[0].Reason, "not found")
	assert.NoFileExists(t, filepath.Join(f.root, "a"))
	assert.NoFileExists(t, filepath.Join(f.root, "c"))

	var statuses []audit.Status
	for _, e := range f.rec.all() {
		if e.Action == audit.ActionDelete {
			statuses = append(statuses, e.Status)
		}
	}
	assert.Equal(t, []audit.Status{audit.StatusSuccess, audit.StatusFailure, audit.StatusSuccess}, statuses)
}

func TestDeleteFilesReasonsHidePhysicalPaths(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.svc.CreateDirectory(context.Background(), "/", "full", "alice"))
	f.upload(t, "/full", "x", "x")

	res := f.svc.DeleteFiles(context.Background(), []string{"/full", "../../etc/passwd"}, "alice")
	assert.Empty(t, res.Deleted)
	require.Len(t, res.Failures, 2)
	for _, fail := range res.Failures {
		assert.NotContains(t, fail.Reason, f.root)
	}
	assert.Contains(t, res.Failures[1].Reason, "access denied")
}

func TestDeleteFilesEmpty(t *testing.T) {
	f := newFixture(t)
	res := f.svc.DeleteFiles(context.Background(), nil, "alice")
	assert.NotNil(t, res.Deleted)
	assert.NotNil(t, res.Failures)
	assert.Empty(t, res.Deleted)
}

func TestMoveFileAudit(t *testing.T) {
	f := newFixture(t)
	f.upload(t, "/", "a.txt", "a")

	require.NoError(t, f.svc.MoveFile(context.Background(), "/a.txt", "/b.txt", "alice"))
	err := f.svc.MoveFile(context.Background(), "/a.txt", "/c.txt", "alice")
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	entries := f.rec.all()
	require.Len(t, entries, 3)
	assert.Equal(t, "/a.txt -> /b.txt", entries[1].Target)
	assert.Equal(t, audit.StatusSuccess, entries[1].Status)
	assert.Equal(t, audit.StatusFailure, entries[2].Status)
}

func TestCreateDirectoryAudit(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.svc.CreateDirectory(context.Background(), "/", " photos ", "alice"))
	err := f.svc.CreateDirectory(context.Background(), "/", "..", "alice")
	assert.True(t, errors.Is(err, storage.ErrInvalidArgument))

	entries := f.rec.all()
	require.Len(t, entries, 2)
	assert.Equal(t, "/photos", entries[0].Target)
	assert.Equal(t, audit.ActionCreateDirectory, entries[0].Action)
	assert.Equal(t, audit.StatusFailure, entries[1].Status)
}

func TestDownloadAudit(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Download(context.Background(), "/missing", "alice")
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	entries := f.rec.all()
	require.Len(t, entries, 1)
	assert.Equal(t, audit.ActionDownload, entries[0].Action)
	assert.Equal(t, audit.StatusFailure, entries[0].Status)
}

func TestUploadStatus(t *testing.T) {
	f := newFixture(t)
	st, err := f.svc.UploadStatus(context.Background(), "/nope")
	require.NoError(t, err)
	assert.False(t, st.Exists)

	f.upload(t, "/", "part.bin", "12345")
	st, err = f.svc.UploadStatus(context.Background(), "/part.bin")
	require.NoError(t, err)
	assert.Equal(t, UploadStatus{Exists: true, Size: 5}, st)

	_, err = f.svc.UploadStatus(context.Background(), "../x")
	assert.True(t, errors.Is(err, storage.ErrAccessDenied))
}

func TestListClampsAndPaginates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 12; i++ {
		f.upload(t, "/", fmt.Sprintf("f%02d", i), "x")
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, f.svc.CreateDirectory(ctx, "/", fmt.Sprintf("d%d", i), "alice"))
	}

	for _, sort := range []storage.SortOrder{storage.SortNameAsc, storage.SortNameDesc, storage.SortModifiedAsc, storage.SortModifiedDesc} {
		full, err := f.svc.List(ctx, "/", 0, 1000, sort)
		require.NoError(t, err)
		assert.Equal(t, 500, full.Limit)
		require.Equal(t, 15, full.TotalCount)

		seenFile := false
		for _, e := range full.Items {
			if !e.IsDir {
				seenFile = true
			} else {
				assert.False(t, seenFile, "%s: directory after file", sort)
			}
		}

		for _, step := range []int{1, 4, 7, 15, 20} {
			var got []storage.Entry
			for off := 0; off < full.TotalCount; off += step {
				page, err := f.svc.List(ctx, "/", off, step, sort)
				require.NoError(t, err)
				assert.Len(t, page.Items, min(step, max(0, full.TotalCount-off)))
				got = append(got, page.Items...)
			}
			assert.Equal(t, full.Items, got, "%s step %d", sort, step)
		}
	}

	l, err := f.svc.List(ctx, "/", -4, -1, storage.SortNameAsc)
	require.NoError(t, err)
	assert.Equal(t, 0, l.Offset)
	assert.Equal(t, 1, l.Limit)
}

func TestListUsesStoreCeiling(t *testing.T) {
	ls, err := local.New(local.Config{RootPath: t.TempDir(), MaxListLimit: 2000})
	require.NoError(t, err)
	svc := NewService(ls, DefaultValidator(), nil)

	l, err := svc.List(context.Background(), "/", 0, 1500, storage.SortNameAsc)
	require.NoError(t, err)
	assert.Equal(t, 1500, l.Limit)

	l, err = svc.List(context.Background(), "/", 0, 5000, storage.SortNameAsc)
	require.NoError(t, err)
	assert.Equal(t, 2000, l.Limit)
}

type evictions struct {
	mu    sync.Mutex
	paths []string
}

func (e *evictions) Evict(p string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paths = append(e.paths, p)
}

func TestSuccessfulChangesEvictSynchronously(t *testing.T) {
	ls, err := local.New(local.Config{RootPath: t.TempDir()})
	require.NoError(t, err)
	ev := &evictions{}
	svc := NewService(ls, DefaultValidator(), &captureRecorder{}, WithInvalidator(ev))
	ctx := context.Background()

	_, err = svc.Upload(ctx, UploadRequest{Body: strings.NewReader("a"), FileName: "a.png", Directory: "/", Size: 1, Actor: "alice"})
	require.NoError(t, err)
	_, err = svc.Upload(ctx, UploadRequest{Body: strings.NewReader("b"), FileName: "b.png", Directory: "/", Size: 1, Actor: "alice"})
	require.NoError(t, err)
	assert.Equal(t, []string{"/a.png", "/b.png"}, ev.paths)

	ev.paths = nil
	require.NoError(t, svc.MoveFile(ctx, "/a.png", "/c.png", "alice"))
	assert.Equal(t, []string{"/a.png", "/c.png"}, ev.paths)

	ev.paths = nil
	assert.Error(t, svc.MoveFile(ctx, "/missing.png", "/d.png", "alice"))
	res := svc.DeleteFiles(ctx, []string{"/b.png", "/missing.png", "/c.png"}, "alice")
	assert.Equal(t, []string{"/b.png", "/c.png"}, res.Deleted)
	assert.Equal(t, []string{"/b.png", "/c.png"}, ev.paths, "failed operations leave derived data alone")

	ev.paths = nil
	_, err = svc.Upload(ctx, UploadRequest{Body: strings.NewReader("x"), FileName: "e.png", Directory: "/", Size: 1, Actor: "alice", Checksum: sha("y")})
	assert.Error(t, err)
	assert.Empty(t, ev.paths)
}
