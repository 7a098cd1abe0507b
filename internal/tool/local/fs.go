package local

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/slok/autopilot/internal/log"
	"github.com/slok/autopilot/internal/model"
	"github.com/slok/autopilot/internal/tool"
	"github.com/slok/autopilot/internal/utils/file"
)

const (
	maxSearchFileBytes = 1 << 20
	maxSearchLineBytes = 300
)

// FilesystemConfig is the configuration of the local filesystem.
type FilesystemConfig struct {
	// Root is the directory searched when a search has no paths.
	Root   string
	Logger log.Logger
}

func (c *FilesystemConfig) defaults() error {
	if c.Root == "" {
		return fmt.Errorf("root is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "local.Filesystem"})
	return nil
}

// Filesystem is the tool.Filesystem implementation over the local disk.
type Filesystem struct {
	root   string
	dmp    *diffmatchpatch.DiffMatchPatch
	logger log.Logger
}

// NewFilesystem returns a local filesystem collaborator.
func NewFilesystem(cfg FilesystemConfig) (*Filesystem, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Filesystem{
		root:   cfg.Root,
		dmp:    diffmatchpatch.New(),
		logger: cfg.Logger,
	}, nil
}

var _ tool.Filesystem = &Filesystem{}

// Read satisfies tool.Filesystem.
func (f *Filesystem) Read(ctx context.Context, path string) (*tool.FileContent, error) {
	fh, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("file %q: %w", path, model.ErrNotFound)
		}
		return nil, fmt.Errorf("could not open %q: %w", path, err)
	}
	defer fh.Close()

	info, err := fh.Stat()
	if err != nil {
		return nil, fmt.Errorf("could not stat %q: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%q is a directory: %w", path, model.ErrNotValid)
	}

	data, err := io.ReadAll(io.LimitReader(fh, tool.MaxReadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("could not read %q: %w", path, err)
	}

	res := &tool.FileContent{Size: info.Size()}
	if len(data) > tool.MaxReadBytes {
		data = data[:tool.MaxReadBytes]
		res.Truncated = true
	}

	if !utf8.Valid(trimPartialRune(data)) {
		res.Binary = true
		return res, nil
	}

	res.Content, _ = tool.Truncate(string(data), tool.MaxReadBytes)
	return res, nil
}

// Write satisfies tool.Filesystem. Parent directories are created.
func (f *Filesystem) Write(ctx context.Context, path string, content []byte) (*tool.WriteResult, error) {
	perm := fs.FileMode(0o644)
	created := true
	if info, err := os.Stat(path); err == nil {
		if info.IsDir() {
			return nil, fmt.Errorf("%q is a directory: %w", path, model.ErrNotValid)
		}
		perm = info.Mode().Perm()
		created = false
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("could not create parent directories: %w", err)
	}

	if err := file.WriteAtomic(path, content, perm); err != nil {
		return nil, fmt.Errorf("could not write %q: %w", path, err)
	}

	return &tool.WriteResult{BytesWritten: len(content), Created: created}, nil
}

// ApplyPatch satisfies tool.Filesystem. The patch is a diff-match-patch text
// patch, it's applied only if every hunk applies.
func (f *Filesystem) ApplyPatch(ctx context.Context, path string, patch string) (*tool.WriteResult, error) {
	patches, err := f.dmp.PatchFromText(patch)
	if err != nil {
		return nil, fmt.Errorf("invalid patch: %w", model.ErrNotValid)
	}

	current, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("could not read %q: %w", path, err)
	}

	out, applied := f.dmp.PatchApply(patches, string(current))
	for i, ok := range applied {
		if !ok {
			return nil, fmt.Errorf("hunk %d of %d doesn't apply to %q: %w", i+1, len(applied), path, model.ErrToolExecution)
		}
	}

	return f.Write(ctx, path, []byte(out))
}

// Search satisfies tool.Filesystem. The pattern is a regular expression matched per line.
func (f *Filesystem) Search(ctx context.Context, pattern string, paths []string) ([]tool.SearchMatch, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid search pattern %q: %w", pattern, model.ErrNotValid)
	}

	if len(paths) == 0 {
		paths = []string{f.root}
	}

	var matches []tool.SearchMatch
	errStop := errors.New("stop")
	for _, base := range paths {
		err := filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if d.IsDir() {
				if d.Name() == ".git" {
					return filepath.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() {
				return nil
			}

			found, err := searchFile(p, re, tool.MaxSearchResults-len(matches))
			if err != nil {
				f.logger.Debugf("Skipping %s: %s", p, err)
				return nil
			}
			for _, m := range found {
				m.Path = f.rel(p)
				matches = append(matches, m)
			}
			if len(matches) >= tool.MaxSearchResults {
				return errStop
			}
			return nil
		})
		if err != nil && !errors.Is(err, errStop) {
			return nil, fmt.Errorf("could not search %q: %w", base, err)
		}
		if len(matches) >= tool.MaxSearchResults {
			break
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Path != matches[j].Path {
			return matches[i].Path < matches[j].Path
		}
		return matches[i].Line < matches[j].Line
	})

	return matches, nil
}

func (f *Filesystem) rel(p string) string {
	r, err := filepath.Rel(f.root, p)
	if err != nil {
		return p
	}
	return filepath.ToSlash(r)
}

func searchFile(path string, re *regexp.Regexp, limit int) ([]tool.SearchMatch, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	head := make([]byte, 8000)
	n, _ := io.ReadFull(fh, head)
	if bytes.IndexByte(head[:n], 0) >= 0 {
		return nil, fmt.Errorf("binary file")
	}
	if _, err := fh.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	var matches []tool.SearchMatch
	sc := bufio.NewScanner(io.LimitReader(fh, maxSearchFileBytes))
	sc.Buffer(make([]byte, 64*1024), maxSearchFileBytes)
	line := 0
	for sc.Scan() && len(matches) < limit {
		line++
		text := sc.Text()
		if !re.MatchString(text) {
			continue
		}
		text, _ = tool.Truncate(text, maxSearchLineBytes)
		matches = append(matches, tool.SearchMatch{Line: line, Text: text})
	}

	return matches, sc.Err()
}

// trimPartialRune drops an incomplete trailing rune left by a size limit.
func trimPartialRune(data []byte) []byte {
	for i := 0; i < utf8.UTFMax && i < len(data); i++ {
		r, size := utf8.DecodeLastRune(data[:len(data)-i])
		if r != utf8.RuneError || size > 1 {
			return data[:len(data)-i]
		}
	}
	return data
}
