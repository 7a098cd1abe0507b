package checkpoint

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/slok/autopilot/internal/log"
	"github.com/slok/autopilot/internal/model"
	"github.com/slok/autopilot/internal/storage"
	"github.com/slok/autopilot/internal/tool"
	"github.com/slok/autopilot/internal/utils/file"
	"github.com/slok/autopilot/internal/workspace"
)

// ManagerConfig is the configuration of the checkpoint manager.
type ManagerConfig struct {
	TaskID     string
	Workspace  *workspace.Workspace
	Tree       Tree
	Repository storage.CheckpointRepository
	Logger     log.Logger
	Now        func() time.Time
}

func (c *ManagerConfig) defaults() error {
	if c.TaskID == "" {
		return fmt.Errorf("task id is required")
	}
	if c.Workspace == nil {
		return fmt.Errorf("workspace is required")
	}
	if c.Repository == nil {
		return fmt.Errorf("repository is required")
	}
	if c.Tree == nil {
		c.Tree = NewDirTree(c.Workspace.Root())
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "checkpoint.Manager", "task-id": c.TaskID})
	if c.Now == nil {
		c.Now = func() time.Time { return time.Now().UTC() }
	}
	return nil
}

// Manager snapshots the working tree as reversible patches and restores them.
// Every operation holds the workspace mutation lock.
type Manager struct {
	taskID string
	ws     *workspace.Workspace
	tree   Tree
	repo   storage.CheckpointRepository
	dmp    *diffmatchpatch.DiffMatchPatch
	logger log.Logger
	now    func() time.Time
}

// NewManager returns a checkpoint manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Manager{
		taskID: cfg.TaskID,
		ws:     cfg.Workspace,
		tree:   cfg.Tree,
		repo:   cfg.Repository,
		dmp:    diffmatchpatch.New(),
		logger: cfg.Logger,
		now:    cfg.Now,
	}, nil
}

var _ tool.Checkpointer = &Manager{}

// Create snapshots the working tree relative to the baseline and stores it with the next id.
func (m *Manager) Create(ctx context.Context, label string) (*model.Checkpoint, error) {
	release, err := m.ws.Lock(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	return m.create(ctx, label, 0)
}

// Restore returns the working tree to the state of a checkpoint. Either the
// whole tree ends at the target state or nothing is changed.
func (m *Manager) Restore(ctx context.Context, id int) error {
	release, err := m.ws.Lock(ctx)
	if err != nil {
		return err
	}
	defer release()

	return m.restore(ctx, id)
}

// Branch restores a checkpoint and records a new one whose parent is it, starting
// a new timeline from that point.
func (m *Manager) Branch(ctx context.Context, id int, label string) (*model.Checkpoint, error) {
	release, err := m.ws.Lock(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := m.restore(ctx, id); err != nil {
		return nil, err
	}

	return m.create(ctx, label, id)
}

// List returns the checkpoints of the task.
func (m *Manager) List(ctx context.Context) ([]model.Checkpoint, error) {
	return m.repo.ListCheckpoints(ctx, m.taskID)
}

func (m *Manager) create(ctx context.Context, label string, parent int) (*model.Checkpoint, error) {
	rev, err := m.tree.Baseline(ctx)
	if err != nil {
		return nil, fmt.Errorf("could not get baseline: %w", err)
	}

	baseModes, err := m.tree.BaselineFiles(ctx, rev)
	if err != nil {
		return nil, fmt.Errorf("could not list baseline files: %w", err)
	}

	current, err := m.readWorking(ctx)
	if err != nil {
		return nil, err
	}

	patch := model.CheckpointPatch{Baseline: rev}
	for _, path := range unionPaths(baseModes, current) {
		baseMode, inBase := baseModes[path]
		cur, inWorking := current[path]

		switch {
		case inBase && !inWorking:
			patch.Files = append(patch.Files, model.FilePatch{Path: path, Op: model.FileOpDelete})

		case !inBase && inWorking:
			fp := model.FilePatch{Path: path, Op: model.FileOpAdd, Mode: uint32(cur.mode), SHA256: digest(cur.data)}
			fp.Content, fp.Base64 = encodeContent(cur.data)
			patch.Files = append(patch.Files, fp)

		case inBase && inWorking:
			base, err := m.tree.BaselineContent(ctx, rev, path)
			if err != nil {
				return nil, err
			}
			if bytes.Equal(base, cur.data) && baseMode == cur.mode {
				continue
			}
			patch.Files = append(patch.Files, m.modifyPatch(path, base, cur))
		}
	}

	last, err := m.repo.LastCheckpointID(ctx, m.taskID)
	if err != nil {
		return nil, fmt.Errorf("could not get last checkpoint: %w", err)
	}

	c := model.Checkpoint{
		ID:        last + 1,
		TaskID:    m.taskID,
		Label:     label,
		ParentID:  parent,
		Baseline:  rev,
		Files:     len(patch.Files),
		CreatedAt: m.now(),
	}

	if err := m.repo.CreateCheckpoint(ctx, c, patch); err != nil {
		return nil, fmt.Errorf("could not store checkpoint: %w", err)
	}

	m.logger.Infof("Checkpoint %d created with %d changed files", c.ID, c.Files)
	return &c, nil
}

// modifyPatch prefers a text patch and falls back to the full content when the
// files aren't text or the patch doesn't reproduce the content exactly.
func (m *Manager) modifyPatch(path string, base []byte, cur workingFile) model.FilePatch {
	fp := model.FilePatch{Path: path, Op: model.FileOpModify, Mode: uint32(cur.mode), SHA256: digest(cur.data)}

	if utf8.Valid(base) && utf8.Valid(cur.data) && !bytes.Equal(base, cur.data) {
		text := m.dmp.PatchToText(m.dmp.PatchMake(string(base), string(cur.data)))
		if out, ok := m.applyPatch(text, base); ok && bytes.Equal(out, cur.data) {
			fp.Patch = text
			return fp
		}
	}

	fp.Content = base64.StdEncoding.EncodeToString(cur.data)
	fp.Base64 = true
	return fp
}

func (m *Manager) applyPatch(text string, base []byte) ([]byte, bool) {
	patches, err := m.dmp.PatchFromText(text)
	if err != nil {
		return nil, false
	}
	out, applied := m.dmp.PatchApply(patches, string(base))
	for _, ok := range applied {
		if !ok {
			return nil, false
		}
	}
	return []byte(out), true
}

type workingFile struct {
	data []byte
	mode fs.FileMode
}

func (m *Manager) readWorking(ctx context.Context) (map[string]workingFile, error) {
	paths, err := m.tree.Files(ctx)
	if err != nil {
		return nil, fmt.Errorf("could not list working tree: %w", err)
	}

	files := make(map[string]workingFile, len(paths))
	for _, p := range paths {
		abs := filepath.Join(m.ws.Root(), filepath.FromSlash(p))
		info, err := os.Lstat(abs)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("could not stat %s: %w", p, err)
		}
		// Symlinks and special files are not snapshotted.
		if !info.Mode().IsRegular() {
			continue
		}

		// Files reached through a symlinked directory are not part of the tree.
		if real, err := m.ws.Resolve(abs); err != nil || real != abs {
			continue
		}

		data, err := os.ReadFile(abs)
		if err != nil {
			return nil, fmt.Errorf("could not read %s: %w", p, err)
		}
		files[p] = workingFile{data: data, mode: info.Mode().Perm()}
	}

	return files, nil
}

func (m *Manager) restore(ctx context.Context, id int) error {
	c, patch, err := m.repo.GetCheckpoint(ctx, m.taskID, id)
	if err != nil {
		return fmt.Errorf("could not get checkpoint %d: %w", id, err)
	}

	target, err := m.targetTree(ctx, c.Baseline, *patch)
	if err != nil {
		return fmt.Errorf("could not rebuild checkpoint %d: %w", id, err)
	}

	current, err := m.readWorking(ctx)
	if err != nil {
		return err
	}

	// Deletes go first so files standing where a directory is needed are gone
	// before the writes.
	var ops []fileOp
	for _, path := range sortedKeys(current) {
		if _, ok := target[path]; !ok {
			ops = append(ops, fileOp{path: path})
		}
	}
	for _, path := range sortedKeys(target) {
		want := target[path]
		have, ok := current[path]
		if ok && bytes.Equal(have.data, want.data) && have.mode == want.mode {
			continue
		}
		ops = append(ops, fileOp{path: path, write: true, data: want.data, mode: want.mode})
	}

	if err := m.apply(ops, current); err != nil {
		return fmt.Errorf("could not restore checkpoint %d: %w", id, err)
	}

	m.logger.Infof("Checkpoint %d restored (%d files changed)", id, len(ops))
	return nil
}

func (m *Manager) targetTree(ctx context.Context, rev string, patch model.CheckpointPatch) (map[string]workingFile, error) {
	if err := patch.Validate(); err != nil {
		return nil, err
	}

	baseModes, err := m.tree.BaselineFiles(ctx, rev)
	if err != nil {
		return nil, fmt.Errorf("could not list baseline files: %w", err)
	}

	changed := make(map[string]model.FilePatch, len(patch.Files))
	for _, f := range patch.Files {
		changed[f.Path] = f
	}

	target := map[string]workingFile{}
	for path, mode := range baseModes {
		f, isChanged := changed[path]
		if isChanged && f.Op == model.FileOpDelete {
			continue
		}

		base, err := m.tree.BaselineContent(ctx, rev, path)
		if err != nil {
			return nil, err
		}
		if !isChanged {
			target[path] = workingFile{data: base, mode: mode}
			continue
		}
		if f.Op != model.FileOpModify {
			return nil, fmt.Errorf("file %s exists in the baseline but is patched as %s: %w", path, f.Op, model.ErrNotValid)
		}

		data, err := m.modifiedContent(f, base)
		if err != nil {
			return nil, err
		}
		target[path] = workingFile{data: data, mode: fileMode(f.Mode, mode)}
	}

	for _, f := range patch.Files {
		if _, inBase := baseModes[f.Path]; inBase {
			continue
		}
		if f.Op != model.FileOpAdd {
			return nil, fmt.Errorf("file %s is missing from the baseline but is patched as %s: %w", f.Path, f.Op, model.ErrNotValid)
		}
		data, err := decodeContent(f)
		if err != nil {
			return nil, err
		}
		if err := checkDigest(f, data); err != nil {
			return nil, err
		}
		target[f.Path] = workingFile{data: data, mode: fileMode(f.Mode, 0o644)}
	}

	return target, nil
}

func (m *Manager) modifiedContent(f model.FilePatch, base []byte) ([]byte, error) {
	var data []byte
	if f.Base64 {
		d, err := decodeContent(f)
		if err != nil {
			return nil, err
		}
		data = d
	} else {
		out, ok := m.applyPatch(f.Patch, base)
		if !ok {
			return nil, fmt.Errorf("patch of %s doesn't apply to its baseline: %w", f.Path, model.ErrNotValid)
		}
		data = out
	}

	if err := checkDigest(f, data); err != nil {
		return nil, err
	}
	return data, nil
}

type fileOp struct {
	path  string
	write bool
	data  []byte
	mode  fs.FileMode
}

// apply runs the operations and undoes the applied ones if any fails.
func (m *Manager) apply(ops []fileOp, current map[string]workingFile) (err error) {
	var undo []func() error
	defer func() {
		if err == nil {
			return
		}
		for i := len(undo) - 1; i >= 0; i-- {
			if uerr := undo[i](); uerr != nil {
				m.logger.Errorf("Could not roll back restore: %s", uerr)
			}
		}
	}()

	for _, op := range ops {
		abs := m.abs(op.path)
		if !m.ws.Contains(abs) {
			return fmt.Errorf("path %s escapes the workspace: %w", op.path, model.ErrNotValid)
		}

		if !op.write {
			if _, err := m.ws.ResolveInside(abs); err != nil {
				return err
			}
			if err := os.Remove(abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("could not delete %s: %w", op.path, err)
			}
			prev := current[op.path]
			undo = append(undo, func() error { return writeFile(abs, prev.data, prev.mode) })
			continue
		}

		parentUndo, err := m.ensureParents(op.path)
		undo = append(undo, parentUndo...)
		if err != nil {
			return err
		}
		if _, err := m.ws.ResolveInside(filepath.Dir(abs)); err != nil {
			return err
		}

		fileUndo, err := m.write(abs, op, current)
		if err != nil {
			return err
		}
		undo = append(undo, fileUndo)
	}

	return nil
}

// ensureParents makes every parent of a root relative path a real directory.
// Missing directories are created and symlinked ones are replaced by an empty
// directory, so a write never lands outside the workspace.
func (m *Manager) ensureParents(rel string) ([]func() error, error) {
	var undo []func() error

	dir := m.ws.Root()
	parent := filepath.Dir(filepath.FromSlash(rel))
	if parent == "." {
		return nil, nil
	}
	for _, name := range strings.Split(parent, string(filepath.Separator)) {
		dir = filepath.Join(dir, name)
		p := dir

		info, err := os.Lstat(p)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			if err := os.Mkdir(p, 0o755); err != nil {
				return undo, fmt.Errorf("could not create directory %s: %w", p, err)
			}
			undo = append(undo, func() error { return os.Remove(p) })

		case err != nil:
			return undo, fmt.Errorf("could not stat %s: %w", p, err)

		case info.Mode()&fs.ModeSymlink != 0:
			link, err := os.Readlink(p)
			if err != nil {
				return undo, fmt.Errorf("could not read link %s: %w", p, err)
			}
			if err := os.Remove(p); err != nil {
				return undo, fmt.Errorf("could not remove link %s: %w", p, err)
			}
			if err := os.Mkdir(p, 0o755); err != nil {
				_ = os.Symlink(link, p)
				return undo, fmt.Errorf("could not create directory %s: %w", p, err)
			}
			m.logger.Warningf("Symlinked directory %s replaced by a directory", p)
			undo = append(undo, func() error {
				if err := os.Remove(p); err != nil {
					return err
				}
				return os.Symlink(link, p)
			})

		case !info.IsDir():
			return undo, fmt.Errorf("%s is not a directory: %w", p, model.ErrNotValid)
		}
	}

	return undo, nil
}

// write replaces the entry at abs with the operation content and returns how to undo it.
func (m *Manager) write(abs string, op fileOp, current map[string]workingFile) (func() error, error) {
	var link string
	info, err := os.Lstat(abs)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("could not stat %s: %w", op.path, err)
	case info.IsDir():
		// Only an empty directory left by the deletes can be replaced.
		if err := os.Remove(abs); err != nil {
			return nil, fmt.Errorf("could not replace directory %s: %w", op.path, err)
		}
		if err := writeFile(abs, op.data, op.mode); err != nil {
			_ = os.Mkdir(abs, info.Mode().Perm())
			return nil, err
		}
		return func() error {
			if err := os.Remove(abs); err != nil {
				return err
			}
			return os.Mkdir(abs, info.Mode().Perm())
		}, nil
	case info.Mode()&fs.ModeSymlink != 0:
		if link, err = os.Readlink(abs); err != nil {
			return nil, fmt.Errorf("could not read link %s: %w", op.path, err)
		}
	}

	if err := writeFile(abs, op.data, op.mode); err != nil {
		return nil, err
	}

	prev, had := current[op.path]
	return func() error {
		if had {
			return writeFile(abs, prev.data, prev.mode)
		}
		if err := os.Remove(abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		if link != "" {
			return os.Symlink(link, abs)
		}
		return nil
	}, nil
}

func (m *Manager) abs(rel string) string {
	return filepath.Join(m.ws.Root(), filepath.FromSlash(rel))
}

func writeFile(path string, data []byte, mode fs.FileMode) error {
	if err := file.WriteAtomic(path, data, mode); err != nil {
		return fmt.Errorf("could not write %s: %w", path, err)
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func unionPaths[A, B any](a map[string]A, b map[string]B) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	for p := range a {
		seen[p] = struct{}{}
	}
	for p := range b {
		seen[p] = struct{}{}
	}
	paths := make([]string, 0, len(seen))
	for p := range seen {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func encodeContent(data []byte) (string, bool) {
	if utf8.Valid(data) {
		return string(data), false
	}
	return base64.StdEncoding.EncodeToString(data), true
}

func decodeContent(f model.FilePatch) ([]byte, error) {
	if !f.Base64 {
		return []byte(f.Content), nil
	}
	data, err := base64.StdEncoding.DecodeString(f.Content)
	if err != nil {
		return nil, fmt.Errorf("invalid content of %s: %w", f.Path, model.ErrNotValid)
	}
	return data, nil
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func checkDigest(f model.FilePatch, data []byte) error {
	if f.SHA256 != "" && f.SHA256 != digest(data) {
		return fmt.Errorf("content of %s doesn't match its digest: %w", f.Path, model.ErrNotValid)
	}
	return nil
}

func fileMode(m uint32, def fs.FileMode) fs.FileMode {
	if m == 0 {
		return def
	}
	return fs.FileMode(m) & fs.ModePerm
}
