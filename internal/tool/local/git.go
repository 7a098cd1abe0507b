package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"

	"github.com/slok/autopilot/internal/log"
	"github.com/slok/autopilot/internal/model"
	"github.com/slok/autopilot/internal/tool"
)

// GitConfig is the configuration of the local git wrapper.
type GitConfig struct {
	// Root is the repository working directory.
	Root string
	// Binary is the git executable, defaults to `git`.
	Binary string
	Logger log.Logger
}

func (c *GitConfig) defaults() error {
	if c.Root == "" {
		return fmt.Errorf("root is required")
	}
	if c.Binary == "" {
		c.Binary = "git"
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "local.Git"})
	return nil
}

// Git wraps the git command line for a workspace repository. Besides the tool
// operations it exposes the revision and tree listings checkpoints use.
type Git struct {
	root   string
	binary string
	logger log.Logger
}

// NewGit returns a git wrapper.
func NewGit(cfg GitConfig) (*Git, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Git{
		root:   cfg.Root,
		binary: cfg.Binary,
		logger: cfg.Logger,
	}, nil
}

var _ tool.Git = &Git{}

// IsRepository returns true if dir is inside a git working tree.
func IsRepository(ctx context.Context, dir string) bool {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--is-inside-work-tree")
	cmd.Dir = dir
	out, err := cmd.Output()
	return err == nil && strings.TrimSpace(string(out)) == "true"
}

// Status satisfies tool.Git.
func (g *Git) Status(ctx context.Context) (string, error) {
	return g.run(ctx, "status", "--porcelain=v1", "--branch")
}

// Diff satisfies tool.Git. An empty path diffs the whole working tree.
func (g *Git) Diff(ctx context.Context, path string) (string, error) {
	args := []string{"diff", "--no-color", "--no-ext-diff"}
	if path != "" {
		args = append(args, "--", path)
	}
	return g.run(ctx, args...)
}

// Commit satisfies tool.Git. Every change is staged before committing, the new revision is returned.
func (g *Git) Commit(ctx context.Context, message string) (string, error) {
	if _, err := g.run(ctx, "add", "--all"); err != nil {
		return "", err
	}
	if _, err := g.run(ctx, "commit", "--no-verify", "-m", message); err != nil {
		return "", err
	}
	rev, err := g.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(rev), nil
}

// Baseline returns the HEAD revision, empty if the repository has no commits yet.
func (g *Git) Baseline(ctx context.Context) (string, error) {
	out, err := g.run(ctx, "rev-parse", "--verify", "--quiet", "HEAD")
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// BaselineFiles returns the regular files of a revision with their permissions.
func (g *Git) BaselineFiles(ctx context.Context, rev string) (map[string]fs.FileMode, error) {
	files := map[string]fs.FileMode{}
	if rev == "" {
		return files, nil
	}

	out, err := g.run(ctx, "ls-tree", "-r", "-z", rev)
	if err != nil {
		return nil, err
	}

	for _, entry := range strings.Split(out, "\x00") {
		if entry == "" {
			continue
		}
		meta, path, ok := strings.Cut(entry, "\t")
		if !ok {
			continue
		}
		fields := strings.Fields(meta)
		if len(fields) != 3 || fields[1] != "blob" {
			continue
		}
		mode, err := strconv.ParseUint(fields[0], 8, 32)
		if err != nil {
			continue
		}
		// Symlinks (120000) are not snapshotted.
		if mode&0o170000 != 0o100000 {
			continue
		}
		files[path] = fs.FileMode(mode & 0o777)
	}

	return files, nil
}

// BaselineContent returns the content of a file at a revision.
func (g *Git) BaselineContent(ctx context.Context, rev, path string) ([]byte, error) {
	out, err := g.output(ctx, "show", rev+":"+path)
	if err != nil {
		return nil, fmt.Errorf("could not read %s at %s: %w", path, rev, err)
	}
	return out, nil
}

// Files returns the tracked and untracked, non ignored, working tree files.
// Tracked files deleted from the working tree are included.
func (g *Git) Files(ctx context.Context) ([]string, error) {
	out, err := g.run(ctx, "ls-files", "-z", "--cached", "--others", "--exclude-standard")
	if err != nil {
		return nil, err
	}

	seen := map[string]struct{}{}
	var files []string
	for _, p := range strings.Split(out, "\x00") {
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		files = append(files, p)
	}
	sort.Strings(files)

	return files, nil
}

func (g *Git) run(ctx context.Context, args ...string) (string, error) {
	out, err := g.output(ctx, args...)
	return string(out), err
}

func (g *Git) output(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, g.binary, args...)
	cmd.Dir = g.root
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "LC_ALL=C")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	g.logger.Debugf("Running git %s", strings.Join(args, " "))
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("git %s failed: %s: %w: %w", args[0], strings.TrimSpace(stderr.String()), model.ErrToolExecution, err)
		}
		return nil, fmt.Errorf("could not run git: %w", err)
	}

	return stdout.Bytes(), nil
}
