package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/slok/autopilot/internal/log"
	"github.com/slok/autopilot/internal/model"
)

// RepositoryConfig is the configuration for the memory repository.
type RepositoryConfig struct {
	Logger log.Logger
}

func (c *RepositoryConfig) defaults() error {
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "storage.Memory"})
	return nil
}

type checkpointRecord struct {
	checkpoint model.Checkpoint
	patch      model.CheckpointPatch
}

// Repository is an in-memory implementation of all the storage repositories.
type Repository struct {
	tasks       map[string]model.Task
	plans       map[string]model.Plan
	events      map[string][]model.Event
	checkpoints map[string][]checkpointRecord
	audit       []model.AuditEntry
	runs        map[string]model.Run
	leases      map[string]bool
	mu          sync.RWMutex
	logger      log.Logger
}

// NewRepository creates a new memory repository.
func NewRepository(cfg RepositoryConfig) (*Repository, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Repository{
		tasks:       make(map[string]model.Task),
		plans:       make(map[string]model.Plan),
		events:      make(map[string][]model.Event),
		checkpoints: make(map[string][]checkpointRecord),
		runs:        make(map[string]model.Run),
		leases:      make(map[string]bool),
		logger:      cfg.Logger,
	}, nil
}

// SaveTask creates or replaces a task.
func (r *Repository) SaveTask(ctx context.Context, t model.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tasks[t.ID] = t
	r.logger.Debugf("Saved task in repository: %s", t.ID)
	return nil
}

// GetTask retrieves a task by ID.
func (r *Repository) GetTask(ctx context.Context, id string) (*model.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, model.ErrNotFound)
	}
	return &t, nil
}

// ListTasks returns all the tasks sorted by ID.
func (r *Repository) ListTasks(ctx context.Context) ([]model.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tasks := make([]model.Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks, nil
}

// SavePlan replaces the plan of a task.
func (r *Repository) SavePlan(ctx context.Context, taskID string, p model.Plan) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.plans[taskID] = p.Copy()
	return nil
}

// GetPlan retrieves the plan of a task.
func (r *Repository) GetPlan(ctx context.Context, taskID string) (*model.Plan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.plans[taskID]
	if !ok {
		return nil, fmt.Errorf("plan of task %s: %w", taskID, model.ErrNotFound)
	}
	c := p.Copy()
	return &c, nil
}

// AppendEvent appends an event to its run, its sequence must follow the last one.
func (r *Repository) AppendEvent(ctx context.Context, taskID string, e model.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := taskID + "/" + e.RunID
	events := r.events[key]
	last := int64(-1)
	if n := len(events); n > 0 {
		last = events[n-1].Seq
	}
	if err := checkNextSeq(e, last); err != nil {
		return err
	}

	r.events[key] = append(events, e)
	return nil
}

func checkNextSeq(e model.Event, last int64) error {
	switch {
	case e.Seq <= last:
		return fmt.Errorf("event %d of run %s: %w", e.Seq, e.RunID, model.ErrAlreadyExists)
	case e.Seq != last+1:
		return fmt.Errorf("event %d of run %s doesn't follow %d: %w", e.Seq, e.RunID, last, model.ErrNotValid)
	}
	return nil
}

// LeaseRun takes the writer lease of a run until the returned func is called.
func (r *Repository) LeaseRun(ctx context.Context, taskID, runID string) (func() error, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := taskID + "/" + runID
	if r.leases[key] {
		return nil, fmt.Errorf("run %s is leased: %w", runID, model.ErrAlreadyExists)
	}
	r.leases[key] = true

	var once sync.Once
	return func() error {
		once.Do(func() {
			r.mu.Lock()
			delete(r.leases, key)
			r.mu.Unlock()
		})
		return nil
	}, nil
}

// ListEvents returns the events of a run.
func (r *Repository) ListEvents(ctx context.Context, taskID, runID string) ([]model.Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	events, ok := r.events[taskID+"/"+runID]
	if !ok {
		return nil, fmt.Errorf("events of run %s: %w", runID, model.ErrNotFound)
	}
	return append([]model.Event(nil), events...), nil
}

// CreateCheckpoint stores a checkpoint, its ID must be the next one of the task.
func (r *Repository) CreateCheckpoint(ctx context.Context, c model.Checkpoint, p model.CheckpointPatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	records := r.checkpoints[c.TaskID]
	last := 0
	if len(records) > 0 {
		last = records[len(records)-1].checkpoint.ID
	}
	if c.ID <= last {
		return fmt.Errorf("checkpoint %d of task %s: %w", c.ID, c.TaskID, model.ErrAlreadyExists)
	}

	r.checkpoints[c.TaskID] = append(records, checkpointRecord{checkpoint: c, patch: p})
	r.logger.Debugf("Created checkpoint %d for task %s", c.ID, c.TaskID)
	return nil
}

// GetCheckpoint retrieves a checkpoint with its patch.
func (r *Repository) GetCheckpoint(ctx context.Context, taskID string, id int) (*model.Checkpoint, *model.CheckpointPatch, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, rec := range r.checkpoints[taskID] {
		if rec.checkpoint.ID == id {
			c := rec.checkpoint
			p := rec.patch
			return &c, &p, nil
		}
	}
	return nil, nil, fmt.Errorf("checkpoint %d of task %s: %w", id, taskID, model.ErrNotFound)
}

// ListCheckpoints returns the checkpoints of a task in ID order.
func (r *Repository) ListCheckpoints(ctx context.Context, taskID string) ([]model.Checkpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	records := r.checkpoints[taskID]
	cps := make([]model.Checkpoint, 0, len(records))
	for _, rec := range records {
		cps = append(cps, rec.checkpoint)
	}
	return cps, nil
}

// LastCheckpointID returns the last checkpoint ID of a task.
func (r *Repository) LastCheckpointID(ctx context.Context, taskID string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	records := r.checkpoints[taskID]
	if len(records) == 0 {
		return 0, nil
	}
	return records[len(records)-1].checkpoint.ID, nil
}

// AppendAudit appends an audit entry.
func (r *Repository) AppendAudit(ctx context.Context, e model.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.audit = append(r.audit, e)
	return nil
}

// ListAudit returns the audit entries of a task in insertion order.
func (r *Repository) ListAudit(ctx context.Context, taskID string) ([]model.AuditEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var entries []model.AuditEntry
	for _, e := range r.audit {
		if e.TaskID == taskID {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// CreateRun creates a run, only one active run per task is allowed.
func (r *Repository) CreateRun(ctx context.Context, run model.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.runs[run.ID]; ok {
		return fmt.Errorf("run %s: %w", run.ID, model.ErrAlreadyExists)
	}

	if run.Active() {
		for _, existing := range r.runs {
			if existing.TaskID == run.TaskID && existing.Active() {
				return fmt.Errorf("task %s already has active run %s: %w", run.TaskID, existing.ID, model.ErrAlreadyExists)
			}
		}
	}

	r.runs[run.ID] = run
	return nil
}

// UpdateRun updates an existing run.
func (r *Repository) UpdateRun(ctx context.Context, run model.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.runs[run.ID]; !ok {
		return fmt.Errorf("run %s: %w", run.ID, model.ErrNotFound)
	}
	r.runs[run.ID] = run
	return nil
}

// GetRun retrieves a run by ID.
func (r *Repository) GetRun(ctx context.Context, id string) (*model.Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	run, ok := r.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, model.ErrNotFound)
	}
	return &run, nil
}

// ListRuns returns the runs of a task, newest first.
func (r *Repository) ListRuns(ctx context.Context, taskID string) ([]model.Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var runs []model.Run
	for _, run := range r.runs {
		if run.TaskID == taskID {
			runs = append(runs, run)
		}
	}
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].ID > runs[j].ID
		}
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	return runs, nil
}

// GetActiveRun returns the active run of a task.
func (r *Repository) GetActiveRun(ctx context.Context, taskID string) (*model.Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, run := range r.runs {
		if run.TaskID == taskID && run.Active() {
			return &run, nil
		}
	}
	return nil, fmt.Errorf("active run of task %s: %w", taskID, model.ErrNotFound)
}
