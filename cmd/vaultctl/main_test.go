package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HuiungJang/private-nas-for-mac/internal/auth"
	"github.com/HuiungJang/private-nas-for-mac/internal/logging"
	"github.com/HuiungJang/private-nas-for-mac/internal/storage/local"
)

func TestMain(m *testing.M) {
	logging.InitNop()
	os.Exit(m.Run())
}

func seed(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	for p, body := range map[string]string{
		"docs/hello.txt":      "hello",
		"docs/deep/inner.bin": "1234567",
		"a.txt":               "a",
	} {
		full := filepath.Join(root, filepath.FromSlash(p))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(body), 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(root, ".Trashes"), 0o755))
	return root
}

func runCLI(args ...string) (code int, stdout, stderr string) {
	var out, errOut bytes.Buffer
	code = run(args, &out, &errOut)
	return code, out.String(), errOut.String()
}

func TestTree(t *testing.T) {
	root := seed(t)
	code, out, stderr := runCLI("tree", "-root", root, "-sizes")
	require.Equal(t, 0, code, stderr)

	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	require.Len(t, lines, 6)
	assert.Equal(t, "/", lines[0])
	assert.Contains(t, lines[1], "docs/")
	assert.Contains(t, lines[2], "deep/")
	assert.Contains(t, lines[3], "inner.bin (7)")
	assert.Contains(t, lines[4], "hello.txt (5)")
	assert.Contains(t, lines[5], "a.txt (1)")
	assert.NotContains(t, out, ".Trashes")
}

func TestTreeDepthAndStart(t *testing.T) {
	root := seed(t)
	code, out, _ := runCLI("tree", "-root", root, "-depth", "1")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "docs/")
	assert.NotContains(t, out, "hello.txt")

	code, out, _ = runCLI("tree", "-root", root, "/docs")
	require.Equal(t, 0, code)
	assert.True(t, strings.HasPrefix(out, "docs\n"), out)
	assert.Contains(t, out, "inner.bin")
	assert.NotContains(t, out, "a.txt")

	code, _, stderr := runCLI("tree", "-root", root, "../..")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "access denied")
}

func TestTreePaginates(t *testing.T) {
	root := t.TempDir()
	for i := 0; i < pageSize+3; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(root, fmt.Sprintf("f%04d", i)), nil, 0o644))
	}
	store, err := local.New(local.Config{RootPath: root})
	require.NoError(t, err)
	out, err := renderTree(context.Background(), store, "/", treeOptions{})
	require.NoError(t, err)
	assert.Equal(t, pageSize+4, strings.Count(out, "\n"))
}

func TestLs(t *testing.T) {
	root := seed(t)
	code, out, stderr := runCLI("ls", "-root", root, "-sort", "name_desc", "/")
	require.Equal(t, 0, code, stderr)
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "d"), lines[0])
	assert.True(t, strings.HasSuffix(lines[0], "docs"))
	assert.True(t, strings.HasSuffix(lines[1], "a.txt"))
	assert.Equal(t, "2 of 2 entries in /", lines[2])

	code, _, _ = runCLI("ls", "-root", root, "-sort", "bogus")
	assert.Equal(t, 1, code)
}

func TestInitConfigAndToken(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	code, out, _ := runCLI("init-config", "-out", cfgPath)
	require.Equal(t, 0, code)
	assert.Contains(t, out, "wrote")
	code, _, stderr := runCLI("init-config", "-out", cfgPath)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "already exists")

	code, out, _ = runCLI("init-config", "-out", "-")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "storage:")

	secret := "0123456789abcdef0123456789abcdef"
	require.NoError(t, os.WriteFile(cfgPath, []byte("auth:\n  jwt_secret: "+secret+"\n  issuer: test\n"), 0o600))

	code, out, stderr = runCLI("-config", cfgPath, "token", "-subject", "u-1", "-admin")
	require.Equal(t, 0, code, stderr)
	a, err := auth.New(secret, "test", time.Hour)
	require.NoError(t, err)
	claims, err := a.ValidateToken(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "u-1", claims.Subject)
	assert.True(t, claims.IsAdmin)

	code, _, _ = runCLI("-config", cfgPath, "token")
	assert.Equal(t, 2, code)
}

func TestUsageErrors(t *testing.T) {
	code, _, stderr := runCLI()
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "ACTIONs")

	code, _, stderr = runCLI("frobnicate")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "unknown action")

	code, _, _ = runCLI("tree", "-nope")
	assert.Equal(t, 2, code)
}
