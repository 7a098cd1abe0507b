package workspace_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/autopilot/internal/model"
	"github.com/slok/autopilot/internal/workspace"
)

func TestResolveInside(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src"), 0o755))
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "escape")))
	require.NoError(t, os.Symlink(filepath.Join(root, "src"), filepath.Join(root, "inner")))

	ws, err := workspace.New(root)
	require.NoError(t, err)

	tests := map[string]struct {
		path   string
		expRel string
		expErr bool
	}{
		"A relative path should resolve inside.": {
			path:   "src/main.go",
			expRel: "src/main.go",
		},
		"A missing nested path should resolve lexically.": {
			path:   "a/b/../c.txt",
			expRel: "a/c.txt",
		},
		"The root itself should be inside.": {
			path:   ".",
			expRel: ".",
		},
		"A parent traversal should escape.": {
			path:   "../x",
			expErr: true,
		},
		"An absolute path outside should escape.": {
			path:   "/etc/passwd",
			expErr: true,
		},
		"A symlink pointing outside should escape.": {
			path:   "escape/secret",
			expErr: true,
		},
		"A symlink pointing inside should be followed.": {
			path:   "inner/x.go",
			expRel: "src/x.go",
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			abs, err := ws.ResolveInside(test.path)
			if test.expErr {
				assert.True(errors.Is(err, model.ErrPolicyViolation))
				return
			}

			if assert.NoError(err) {
				rel, err := ws.Rel(abs)
				assert.NoError(err)
				assert.Equal(test.expRel, rel)
			}
		})
	}
}

func TestNewMissingWorkspace(t *testing.T) {
	_, err := workspace.New(filepath.Join(t.TempDir(), "missing"))
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

func TestLockIsExclusive(t *testing.T) {
	require := require.New(t)

	ws, err := workspace.New(t.TempDir())
	require.NoError(err)

	release, err := ws.Lock(context.Background())
	require.NoError(err)

	_, ok := ws.TryLock()
	require.False(ok)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = ws.Lock(ctx)
	require.Error(err)

	release()
	release2, ok := ws.TryLock()
	require.True(ok)
	release2()
}

func TestWithin(t *testing.T) {
	assert.True(t, workspace.Within("/a/b", "/a/b"))
	assert.True(t, workspace.Within("/a/b", "/a/b/c"))
	assert.False(t, workspace.Within("/a/b", "/a/bc"))
	assert.False(t, workspace.Within("/a/b", "/a"))
	assert.True(t, workspace.Within("/", "/x"))
}
