package local_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/autopilot/internal/model"
	"github.com/slok/autopilot/internal/tool"
	"github.com/slok/autopilot/internal/tool/local"
)

func newFS(t *testing.T) (*local.Filesystem, string) {
	t.Helper()
	root := t.TempDir()
	f, err := local.NewFilesystem(local.FilesystemConfig{Root: root})
	require.NoError(t, err)
	return f, root
}

func TestFilesystemWriteRead(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)
	ctx := context.Background()
	f, root := newFS(t)

	path := filepath.Join(root, "a", "b", "c.txt")
	res, err := f.Write(ctx, path, []byte("hello"))
	require.NoError(err)
	assert.True(res.Created)
	assert.Equal(5, res.BytesWritten)

	res, err = f.Write(ctx, path, []byte("hello again"))
	require.NoError(err)
	assert.False(res.Created)

	got, err := f.Read(ctx, path)
	require.NoError(err)
	assert.Equal("hello again", got.Content)
	assert.False(got.Truncated)

	_, err = f.Read(ctx, filepath.Join(root, "missing"))
	assert.True(errors.Is(err, model.ErrNotFound))
}

func TestFilesystemReadTruncatesAndDetectsBinary(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)
	ctx := context.Background()
	f, root := newFS(t)

	big := filepath.Join(root, "big.txt")
	require.NoError(os.WriteFile(big, []byte(strings.Repeat("x", tool.MaxReadBytes+10)), 0o644))
	got, err := f.Read(ctx, big)
	require.NoError(err)
	assert.True(got.Truncated)
	assert.Len(got.Content, tool.MaxReadBytes)

	bin := filepath.Join(root, "bin")
	require.NoError(os.WriteFile(bin, []byte{0xff, 0xfe, 0x00, 0x01}, 0o644))
	got, err = f.Read(ctx, bin)
	require.NoError(err)
	assert.True(got.Binary)
	assert.Empty(got.Content)
}

func TestFilesystemApplyPatch(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)
	ctx := context.Background()
	f, root := newFS(t)

	path := filepath.Join(root, "main.go")
	before := "package main\n\nfunc main() {}\n"
	after := "package main\n\nfunc main() { println(\"hi\") }\n"
	require.NoError(os.WriteFile(path, []byte(before), 0o644))

	dmp := diffmatchpatch.New()
	patch := dmp.PatchToText(dmp.PatchMake(before, after))

	_, err := f.ApplyPatch(ctx, path, patch)
	require.NoError(err)

	data, err := os.ReadFile(path)
	require.NoError(err)
	assert.Equal(after, string(data))

	_, err = f.ApplyPatch(ctx, path, "not a patch")
	assert.True(errors.Is(err, model.ErrNotValid))
}

func TestFilesystemSearch(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)
	ctx := context.Background()
	f, root := newFS(t)

	require.NoError(os.MkdirAll(filepath.Join(root, "pkg"), 0o755))
	require.NoError(os.MkdirAll(filepath.Join(root, ".git"), 0o755))
	require.NoError(os.WriteFile(filepath.Join(root, "pkg", "a.go"), []byte("one\nTODO fix\nthree\n"), 0o644))
	require.NoError(os.WriteFile(filepath.Join(root, "b.go"), []byte("TODO first\n"), 0o644))
	require.NoError(os.WriteFile(filepath.Join(root, ".git", "HEAD"), []byte("TODO hidden\n"), 0o644))

	matches, err := f.Search(ctx, `TODO`, nil)
	require.NoError(err)
	assert.Equal([]tool.SearchMatch{
		{Path: "b.go", Line: 1, Text: "TODO first"},
		{Path: "pkg/a.go", Line: 2, Text: "TODO fix"},
	}, matches)

	matches, err = f.Search(ctx, `TODO`, []string{filepath.Join(root, "pkg")})
	require.NoError(err)
	assert.Len(matches, 1)

	_, err = f.Search(ctx, `(`, nil)
	assert.True(errors.Is(err, model.ErrNotValid))
}
