package checkpoint

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
)

// Tree lists the files a checkpoint covers and the baseline they are diffed against.
type Tree interface {
	// Baseline returns the revision checkpoints are relative to, empty for the empty tree.
	Baseline(ctx context.Context) (string, error)
	// BaselineFiles returns the files of a baseline revision with their permissions.
	BaselineFiles(ctx context.Context, rev string) (map[string]fs.FileMode, error)
	// BaselineContent returns the content of a file at a baseline revision.
	BaselineContent(ctx context.Context, rev, path string) ([]byte, error)
	// Files returns the slash separated, root relative working tree files.
	Files(ctx context.Context) ([]string, error)
}

// TreeFunc returns the tree of a workspace root.
type TreeFunc func(ctx context.Context, root string) (Tree, error)

// DirTree is the Tree of a plain directory, its baseline is always the empty tree.
type DirTree struct {
	root    string
	exclude []string
}

// NewDirTree returns a tree over root. Excluded entries are root relative
// slash paths whose subtree is ignored; `.git` is always excluded.
func NewDirTree(root string, exclude ...string) *DirTree {
	return &DirTree{root: root, exclude: append([]string{".git"}, exclude...)}
}

func (d *DirTree) Baseline(ctx context.Context) (string, error) { return "", nil }

func (d *DirTree) BaselineFiles(ctx context.Context, rev string) (map[string]fs.FileMode, error) {
	if rev != "" {
		return nil, fmt.Errorf("directory trees have no revision %q", rev)
	}
	return map[string]fs.FileMode{}, nil
}

func (d *DirTree) BaselineContent(ctx context.Context, rev, path string) ([]byte, error) {
	return nil, fmt.Errorf("directory trees have no baseline content")
}

func (d *DirTree) Files(ctx context.Context) ([]string, error) {
	var files []string
	err := filepath.WalkDir(d.root, func(p string, e fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		rel, err := filepath.Rel(d.root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}

		if d.excluded(rel) {
			if e.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if e.Type().IsRegular() {
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("could not list %s: %w", d.root, err)
	}

	sort.Strings(files)
	return files, nil
}

func (d *DirTree) excluded(rel string) bool {
	for _, e := range d.exclude {
		if rel == e || strings.HasPrefix(rel, e+"/") {
			return true
		}
	}
	return false
}
