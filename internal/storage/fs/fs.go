package fs

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/slok/autopilot/internal/conventions"
	"github.com/slok/autopilot/internal/log"
	"github.com/slok/autopilot/internal/model"
	storageio "github.com/slok/autopilot/internal/storage/io"
	"github.com/slok/autopilot/internal/utils/file"
)

// RepositoryConfig is the configuration for the filesystem repository.
type RepositoryConfig struct {
	DataDir string
	Logger  log.Logger
}

func (c *RepositoryConfig) defaults() error {
	if c.DataDir == "" {
		return fmt.Errorf("data dir is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "storage.FS"})
	return nil
}

// Repository stores task records, event logs and checkpoints on the local filesystem
// using the `<data-dir>/tasks/<task-id>` layout.
type Repository struct {
	dataDir string
	// mu serializes writers, the event log has a single logical writer per run.
	mu sync.Mutex
	// tails are the last known ends of the run logs by path.
	tails  map[string]runTail
	logger log.Logger
}

type runTail struct {
	seq  int64
	size int64
}

// NewRepository creates a new filesystem repository.
func NewRepository(cfg RepositoryConfig) (*Repository, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if err := os.MkdirAll(filepath.Join(cfg.DataDir, conventions.TasksDir), 0755); err != nil {
		return nil, fmt.Errorf("could not create data dir: %w", err)
	}

	return &Repository{
		dataDir: cfg.DataDir,
		tails:   map[string]runTail{},
		logger:  cfg.Logger,
	}, nil
}

// SaveTask writes the task config record.
func (r *Repository) SaveTask(ctx context.Context, t model.Task) error {
	if err := model.ValidateTaskID(t.ID); err != nil {
		return err
	}

	data, err := storageio.MarshalTask(t, nil)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := file.WriteAtomic(conventions.TaskFilePath(r.dataDir, t.ID, conventions.TaskFile), data, 0644); err != nil {
		return fmt.Errorf("could not write task: %w", err)
	}

	r.logger.Debugf("Saved task %s", t.ID)
	return nil
}

// GetTask reads the task config record.
func (r *Repository) GetTask(ctx context.Context, id string) (*model.Task, error) {
	if err := model.ValidateTaskID(id); err != nil {
		return nil, err
	}

	path := conventions.TaskFilePath(r.dataDir, id, conventions.TaskFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("task %s: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("could not read task: %w", err)
	}

	t, _, err := storageio.ParseTask(data)
	if err != nil {
		return nil, fmt.Errorf("could not load task %s: %w", id, err)
	}

	if info, err := os.Stat(path); err == nil {
		t.CreatedAt = info.ModTime().UTC()
	}

	return &t, nil
}

// ListTasks returns all the stored tasks sorted by ID.
func (r *Repository) ListTasks(ctx context.Context) ([]model.Task, error) {
	entries, err := os.ReadDir(filepath.Join(r.dataDir, conventions.TasksDir))
	if err != nil {
		return nil, fmt.Errorf("could not list tasks: %w", err)
	}

	var tasks []model.Task
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		t, err := r.GetTask(ctx, e.Name())
		if err != nil {
			if errors.Is(err, model.ErrNotFound) {
				continue
			}
			return nil, err
		}
		tasks = append(tasks, *t)
	}

	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks, nil
}

// SavePlan writes the plan record of a task.
func (r *Repository) SavePlan(ctx context.Context, taskID string, p model.Plan) error {
	if err := model.ValidateTaskID(taskID); err != nil {
		return err
	}

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("could not marshal plan: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := file.WriteAtomic(conventions.TaskFilePath(r.dataDir, taskID, conventions.PlanFile), data, 0644); err != nil {
		return fmt.Errorf("could not write plan: %w", err)
	}
	return nil
}

// GetPlan reads the plan record of a task.
func (r *Repository) GetPlan(ctx context.Context, taskID string) (*model.Plan, error) {
	if err := model.ValidateTaskID(taskID); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(conventions.TaskFilePath(r.dataDir, taskID, conventions.PlanFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("plan of task %s: %w", taskID, model.ErrNotFound)
		}
		return nil, fmt.Errorf("could not read plan: %w", err)
	}

	var p model.Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("could not decode plan: %w", err)
	}
	return &p, nil
}

// AppendEvent appends an event as a JSON line to the log of its run and syncs it.
// The event sequence must follow the last one in the log.
func (r *Repository) AppendEvent(ctx context.Context, taskID string, e model.Event) error {
	if err := model.ValidateTaskID(taskID); err != nil {
		return err
	}
	if err := validateRunID(e.RunID); err != nil {
		return err
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("could not marshal event: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	path := conventions.RunLogPath(r.dataDir, taskID, e.RunID)
	last, err := r.lastSeq(ctx, taskID, e.RunID, path)
	if err != nil {
		return err
	}
	switch {
	case e.Seq <= last:
		return fmt.Errorf("event %d of run %s: %w", e.Seq, e.RunID, model.ErrAlreadyExists)
	case e.Seq != last+1:
		return fmt.Errorf("event %d of run %s doesn't follow %d: %w", e.Seq, e.RunID, last, model.ErrNotValid)
	}

	if err := file.AppendLine(path, data); err != nil {
		delete(r.tails, path)
		return fmt.Errorf("could not append event: %w", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		delete(r.tails, path)
		return nil
	}
	r.tails[path] = runTail{seq: e.Seq, size: info.Size()}
	return nil
}

// lastSeq returns the sequence of the last event of a run log, -1 if it has
// none. The log is only read again when its size changed since the last append.
func (r *Repository) lastSeq(ctx context.Context, taskID, runID, path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return -1, nil
		}
		return 0, fmt.Errorf("could not stat event log: %w", err)
	}
	if t, ok := r.tails[path]; ok && t.size == info.Size() {
		return t.seq, nil
	}

	events, err := r.ListEvents(ctx, taskID, runID)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return -1, nil
	}
	return events[len(events)-1].Seq, nil
}

// ListEvents reads the event log of a run. A torn last line (a crash during the
// append) is ignored, any other undecodable line is an error.
func (r *Repository) ListEvents(ctx context.Context, taskID, runID string) ([]model.Event, error) {
	if err := model.ValidateTaskID(taskID); err != nil {
		return nil, err
	}
	if err := validateRunID(runID); err != nil {
		return nil, err
	}

	f, err := os.Open(conventions.RunLogPath(r.dataDir, taskID, runID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("events of run %s: %w", runID, model.ErrNotFound)
		}
		return nil, fmt.Errorf("could not open event log: %w", err)
	}
	defer f.Close()

	var events []model.Event
	reader := bufio.NewReader(f)
	for lineNo := 1; ; lineNo++ {
		line, err := reader.ReadBytes('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("could not read event log: %w", err)
		}
		torn := errors.Is(err, io.EOF)

		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			var e model.Event
			if jerr := json.Unmarshal(line, &e); jerr != nil {
				if torn {
					r.logger.Warningf("Ignoring torn last line %d of run %s", lineNo, runID)
					break
				}
				return nil, fmt.Errorf("could not decode event at line %d: %w", lineNo, jerr)
			}
			events = append(events, e)
		}

		if torn {
			break
		}
	}

	return events, nil
}

// ListRunIDs returns the run ids that have an event log for a task.
func (r *Repository) ListRunIDs(ctx context.Context, taskID string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(conventions.TaskDir(r.dataDir, taskID), conventions.RunsDir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("could not list runs: %w", err)
	}

	var ids []string
	for _, e := range entries {
		name := e.Name()
		if ext := filepath.Ext(name); ext == ".jsonl" {
			ids = append(ids, name[:len(name)-len(ext)])
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// CreateCheckpoint writes the checkpoint meta and patch records. The meta is written
// last so a checkpoint without meta is never listed.
func (r *Repository) CreateCheckpoint(ctx context.Context, c model.Checkpoint, p model.CheckpointPatch) error {
	if err := model.ValidateTaskID(c.TaskID); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	last, err := r.lastCheckpointID(c.TaskID)
	if err != nil {
		return err
	}
	if c.ID <= last {
		return fmt.Errorf("checkpoint %d of task %s: %w", c.ID, c.TaskID, model.ErrAlreadyExists)
	}

	dir := conventions.CheckpointDir(r.dataDir, c.TaskID, c.ID)

	patchData, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("could not marshal patch: %w", err)
	}
	if err := file.WriteAtomic(filepath.Join(dir, conventions.CheckpointPatchFile), patchData, 0644); err != nil {
		return fmt.Errorf("could not write patch: %w", err)
	}

	metaData, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("could not marshal checkpoint: %w", err)
	}
	if err := file.WriteAtomic(filepath.Join(dir, conventions.CheckpointMetaFile), metaData, 0644); err != nil {
		return fmt.Errorf("could not write checkpoint: %w", err)
	}

	r.logger.Debugf("Created checkpoint %d for task %s", c.ID, c.TaskID)
	return nil
}

// GetCheckpoint reads a checkpoint and its patch.
func (r *Repository) GetCheckpoint(ctx context.Context, taskID string, id int) (*model.Checkpoint, *model.CheckpointPatch, error) {
	if err := model.ValidateTaskID(taskID); err != nil {
		return nil, nil, err
	}

	dir := conventions.CheckpointDir(r.dataDir, taskID, id)

	c, err := readCheckpointMeta(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, fmt.Errorf("checkpoint %d of task %s: %w", id, taskID, model.ErrNotFound)
		}
		return nil, nil, err
	}

	data, err := os.ReadFile(filepath.Join(dir, conventions.CheckpointPatchFile))
	if err != nil {
		return nil, nil, fmt.Errorf("could not read checkpoint patch: %w", err)
	}
	var p model.CheckpointPatch
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, nil, fmt.Errorf("could not decode checkpoint patch: %w", err)
	}

	return c, &p, nil
}

// ListCheckpoints returns the checkpoints of a task in ID order.
func (r *Repository) ListCheckpoints(ctx context.Context, taskID string) ([]model.Checkpoint, error) {
	if err := model.ValidateTaskID(taskID); err != nil {
		return nil, err
	}

	ids, err := r.checkpointIDs(taskID)
	if err != nil {
		return nil, err
	}

	cps := make([]model.Checkpoint, 0, len(ids))
	for _, id := range ids {
		c, err := readCheckpointMeta(conventions.CheckpointDir(r.dataDir, taskID, id))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, err
		}
		cps = append(cps, *c)
	}
	return cps, nil
}

// LastCheckpointID returns the last checkpoint ID of a task, 0 if none.
func (r *Repository) LastCheckpointID(ctx context.Context, taskID string) (int, error) {
	if err := model.ValidateTaskID(taskID); err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.lastCheckpointID(taskID)
}

func (r *Repository) lastCheckpointID(taskID string) (int, error) {
	ids, err := r.checkpointIDs(taskID)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	return ids[len(ids)-1], nil
}

// checkpointIDs returns the sorted ids of the checkpoint directories, including
// partially written ones so their ids are never reused.
func (r *Repository) checkpointIDs(taskID string) ([]int, error) {
	entries, err := os.ReadDir(filepath.Join(conventions.TaskDir(r.dataDir, taskID), conventions.CheckpointsDir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("could not list checkpoints: %w", err)
	}

	var ids []int
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids, nil
}

func readCheckpointMeta(dir string) (*model.Checkpoint, error) {
	data, err := os.ReadFile(filepath.Join(dir, conventions.CheckpointMetaFile))
	if err != nil {
		return nil, err
	}

	var c model.Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("could not decode checkpoint: %w", err)
	}
	return &c, nil
}

func validateRunID(id string) error {
	// Run ids share the task id charset, they are used as file names.
	if err := model.ValidateTaskID(id); err != nil {
		return fmt.Errorf("invalid run id %q: %w", id, model.ErrNotValid)
	}
	return nil
}
