package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/semaphore"

	"github.com/slok/autopilot/internal/model"
)

// Workspace is the working directory a task operates on. It resolves paths
// and holds the lock that serializes mutations of the tree and its version
// control state.
type Workspace struct {
	root string
	sem  *semaphore.Weighted
}

// New returns a workspace rooted at dir. The root is made absolute and its
// symlinks are resolved, so containment checks compare canonical paths.
func New(dir string) (*Workspace, error) {
	if dir == "" {
		return nil, fmt.Errorf("workspace directory is required: %w", model.ErrNotValid)
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("could not make %q absolute: %w", dir, err)
	}

	root, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("workspace %q: %w", dir, model.ErrNotFound)
		}
		return nil, fmt.Errorf("could not resolve workspace %q: %w", dir, err)
	}

	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("could not stat workspace %q: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace %q is not a directory: %w", root, model.ErrNotValid)
	}

	return &Workspace{root: root, sem: semaphore.NewWeighted(1)}, nil
}

// Root returns the canonical workspace root.
func (w *Workspace) Root() string { return w.root }

// Resolve returns the canonical absolute form of p. Relative paths are
// relative to the workspace root. The existing part of the path has its
// symlinks resolved, the missing tail is normalized lexically.
func (w *Workspace) Resolve(p string) (string, error) {
	if p == "" {
		return w.root, nil
	}
	if strings.ContainsRune(p, 0) {
		return "", fmt.Errorf("path contains a NUL byte: %w", model.ErrNotValid)
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(w.root, p)
	}
	return canonical(filepath.Clean(p))
}

// Contains returns true if the canonical path is the root or under it.
func (w *Workspace) Contains(abs string) bool {
	return Within(w.root, abs)
}

// ResolveInside resolves p and fails if it escapes the workspace.
func (w *Workspace) ResolveInside(p string) (string, error) {
	abs, err := w.Resolve(p)
	if err != nil {
		return "", err
	}
	if !w.Contains(abs) {
		return "", fmt.Errorf("path %q resolves outside the workspace: %w", p, model.ErrPolicyViolation)
	}
	return abs, nil
}

// Rel returns the slash separated path of abs relative to the root.
func (w *Workspace) Rel(abs string) (string, error) {
	rel, err := filepath.Rel(w.root, abs)
	if err != nil {
		return "", fmt.Errorf("could not make %q relative: %w", abs, err)
	}
	return filepath.ToSlash(rel), nil
}

// Lock acquires the mutation lock. The returned func releases it.
func (w *Workspace) Lock(ctx context.Context) (release func(), err error) {
	if err := w.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("could not acquire workspace lock: %w", err)
	}
	return func() { w.sem.Release(1) }, nil
}

// TryLock acquires the mutation lock only if it's free.
func (w *Workspace) TryLock() (release func(), ok bool) {
	if !w.sem.TryAcquire(1) {
		return nil, false
	}
	return func() { w.sem.Release(1) }, true
}

// Within returns true if path is root or a descendant of root. Both must be clean absolute paths.
func Within(root, path string) bool {
	if path == root {
		return true
	}
	if root == string(filepath.Separator) {
		return strings.HasPrefix(path, root)
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}

func canonical(p string) (string, error) {
	existing := p
	var tail []string
	for {
		_, err := os.Lstat(existing)
		if err == nil {
			break
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("could not stat %q: %w", existing, err)
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			break
		}
		tail = append([]string{filepath.Base(existing)}, tail...)
		existing = parent
	}

	resolved, err := filepath.EvalSymlinks(existing)
	if err != nil {
		// A dangling symlink, keep it lexical.
		if errors.Is(err, fs.ErrNotExist) {
			resolved = existing
		} else {
			return "", fmt.Errorf("could not resolve %q: %w", existing, err)
		}
	}

	return filepath.Join(append([]string{resolved}, tail...)...), nil
}
