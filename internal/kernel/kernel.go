package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/slok/autopilot/internal/dispatch"
	"github.com/slok/autopilot/internal/eventlog"
	"github.com/slok/autopilot/internal/judge"
	"github.com/slok/autopilot/internal/log"
	"github.com/slok/autopilot/internal/model"
	"github.com/slok/autopilot/internal/proposer"
	"github.com/slok/autopilot/internal/storage"
	"github.com/slok/autopilot/internal/tool"
	"github.com/slok/autopilot/internal/workspace"
)

// Checkpointer is the checkpoint manager the kernel drives.
type Checkpointer interface {
	tool.Checkpointer
	Branch(ctx context.Context, id int, label string) (*model.Checkpoint, error)
}

// Config is the kernel configuration.
type Config struct {
	Task model.Task
	// Plan is the initial plan, when missing the planner drafts one.
	Plan *model.Plan
	// Log is the event log of the run.
	Log *eventlog.Log
	// Events are the persisted events of a resumed run.
	Events    []model.Event
	Workspace *workspace.Workspace

	Proposer proposer.Proposer
	Planner  proposer.Planner

	Terminal    tool.Terminal
	Filesystem  tool.Filesystem
	Git         tool.Git
	Browser     tool.Browser
	Checkpoints Checkpointer

	Audit storage.AuditRepository
	// Runs keeps the run index in sync with the state transitions, optional.
	Runs storage.RunRepository
	// Tasks persists the task and plan records when they change, optional.
	Tasks storage.TaskRepository

	Env []string
	// DiffSummaryBytes bounds the diff summary handed to the model.
	DiffSummaryBytes int
	Logger           log.Logger
	Now              func() time.Time
}

func (c *Config) defaults() error {
	if err := c.Task.Validate(); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}
	if c.Log == nil {
		return fmt.Errorf("event log is required")
	}
	if c.Log.TaskID() != c.Task.ID {
		return fmt.Errorf("event log belongs to task %q, not %q", c.Log.TaskID(), c.Task.ID)
	}
	if c.Workspace == nil {
		return fmt.Errorf("workspace is required")
	}
	if c.Proposer == nil {
		return fmt.Errorf("proposer is required")
	}
	if c.Audit == nil {
		return fmt.Errorf("audit repository is required")
	}
	if c.Plan != nil {
		if err := c.Plan.Validate(); err != nil {
			return fmt.Errorf("invalid plan: %w", err)
		}
	}
	if c.DiffSummaryBytes <= 0 {
		c.DiffSummaryBytes = 4000
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "kernel.Kernel", "task-id": c.Task.ID, "run-id": c.Log.RunID()})
	if c.Now == nil {
		c.Now = func() time.Time { return time.Now().UTC() }
	}
	return nil
}

type command struct {
	fn   func(ctx context.Context) error
	resp chan error
}

type worker struct {
	cancel context.CancelFunc
	done   chan error
	pause  atomic.Bool
}

// Kernel is the loop engine of a run. Commands are handled one at a time by
// the kernel actor (Run) and iterations run in a worker goroutine. The state
// is only changed by appending events.
type Kernel struct {
	task        model.Task
	plan        *model.Plan
	log         *eventlog.Log
	ws          *workspace.Workspace
	proposer    proposer.Proposer
	planner     proposer.Planner
	git         tool.Git
	checkpoints Checkpointer
	dispatcher  *dispatch.Dispatcher
	judge       *judge.Judge
	runs        storage.RunRepository
	tasks       storage.TaskRepository
	diffBytes   int
	logger      log.Logger
	now         func() time.Time

	cmds chan command

	mu    sync.Mutex
	state *State

	// Only used by the actor.
	worker *worker
}

// New returns a kernel for the run of the event log.
func New(cfg Config) (*Kernel, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	state, err := Replay(cfg.Task.ID, cfg.Log.RunID(), cfg.Events)
	if err != nil {
		return nil, fmt.Errorf("could not replay run: %w", err)
	}

	k := &Kernel{
		task:        cfg.Task,
		plan:        cfg.Plan,
		log:         cfg.Log,
		ws:          cfg.Workspace,
		proposer:    cfg.Proposer,
		planner:     cfg.Planner,
		git:         cfg.Git,
		checkpoints: cfg.Checkpoints,
		runs:        cfg.Runs,
		tasks:       cfg.Tasks,
		diffBytes:   cfg.DiffSummaryBytes,
		logger:      cfg.Logger,
		now:         cfg.Now,
		cmds:        make(chan command),
		state:       state,
	}

	var checkpointer tool.Checkpointer
	if cfg.Checkpoints != nil {
		checkpointer = cfg.Checkpoints
	}
	k.dispatcher, err = dispatch.New(dispatch.Config{
		TaskID:       cfg.Task.ID,
		RunID:        cfg.Log.RunID(),
		Workspace:    cfg.Workspace,
		Audit:        cfg.Audit,
		Emit:         k.emit,
		Terminal:     cfg.Terminal,
		Filesystem:   cfg.Filesystem,
		Git:          cfg.Git,
		Browser:      cfg.Browser,
		Checkpointer: checkpointer,
		Env:          cfg.Env,
		Logger:       cfg.Logger,
		Now:          cfg.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create dispatcher: %w", err)
	}

	k.judge, err = judge.New(judge.Config{
		Workspace: cfg.Workspace,
		Logger:    cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create judge: %w", err)
	}

	return k, nil
}

// State returns a snapshot of the run state.
func (k *Kernel) State() State {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.state.Copy()
}

func (k *Kernel) status() model.RunStatus {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.state.Status
}

// Subscribe returns a read only subscription to the events appended from now on.
func (k *Kernel) Subscribe(buffer int) *eventlog.Subscription {
	return k.log.Subscribe(buffer)
}

// Run runs the kernel actor until the context is cancelled. A cancelled
// context stops an iterating run like the Stop command does, a run waiting
// for the user is left as it is so it can be resumed later.
func (k *Kernel) Run(ctx context.Context) error {
	bg := context.WithoutCancel(ctx)

	// A persisted run that was running when its process died can't be running now.
	if k.status() == model.RunStatusRunning {
		if err := k.transition(bg, model.RunStatusPaused, model.ReasonInterrupted); err != nil {
			return err
		}
	}

	for {
		var workerDone chan error
		if k.worker != nil {
			workerDone = k.worker.done
		}

		select {
		case <-ctx.Done():
			busy, err := k.busy(bg)
			if err != nil || !busy {
				return err
			}
			return k.stop(bg)

		case cmd := <-k.cmds:
			cmd.resp <- cmd.fn(ctx)

		case err := <-workerDone:
			k.worker = nil
			if err := k.workerFinished(bg, err); err != nil {
				return err
			}
		}
	}
}

// do sends a command to the actor and waits for its result.
func (k *Kernel) do(ctx context.Context, fn func(ctx context.Context) error) error {
	cmd := command{fn: fn, resp: make(chan error, 1)}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case k.cmds <- cmd:
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-cmd.resp:
		return err
	}
}

// emit appends an event and applies it to the state. Apart from a failure the
// log can't take, it's the only way the state changes. It's safe to call from
// any goroutine.
func (k *Kernel) emit(ctx context.Context, p model.EventPayload) error {
	k.mu.Lock()
	e, err := k.log.Append(ctx, p)
	if err != nil {
		k.mu.Unlock()
		return err
	}
	k.state.Apply(e)
	run := runRecord(k.state, e.TS)
	k.mu.Unlock()

	k.persist(ctx, p, run)
	return nil
}

func runRecord(st *State, ts time.Time) model.Run {
	return model.Run{
		ID:        st.RunID,
		TaskID:    st.TaskID,
		Status:    st.Status,
		Reason:    st.Reason,
		LastError: st.LastError,
		LastSeq:   st.LastSeq,
		UpdatedAt: ts,
	}
}

// persist keeps the derived records in sync, they can be rebuilt from the log
// so failures are only logged.
func (k *Kernel) persist(ctx context.Context, p model.EventPayload, run model.Run) {
	ctx = context.WithoutCancel(ctx)

	switch p := p.(type) {
	case model.StateChanged:
		k.persistRun(ctx, run)
	case model.PlanUpdated:
		if k.tasks == nil {
			return
		}
		if err := k.tasks.SavePlan(ctx, run.TaskID, p.Plan); err != nil {
			k.logger.Warningf("Could not save plan record: %s", err)
		}
	case model.TaskUpdated:
		if k.tasks == nil {
			return
		}
		if err := k.tasks.SaveTask(ctx, p.Task); err != nil {
			k.logger.Warningf("Could not save task record: %s", err)
		}
	}
}

func (k *Kernel) persistRun(ctx context.Context, run model.Run) {
	if k.runs == nil {
		return
	}
	stored, err := k.runs.GetRun(ctx, run.ID)
	if err != nil {
		k.logger.Warningf("Could not get run index record: %s", err)
		return
	}
	run.CreatedAt = stored.CreatedAt
	if err := k.runs.UpdateRun(ctx, run); err != nil {
		k.logger.Warningf("Could not update run index record: %s", err)
	}
}

// transition appends a state change from the current status.
func (k *Kernel) transition(ctx context.Context, to model.RunStatus, reason string) error {
	from := k.status()
	if from != to && !from.CanTransition(to) {
		return fmt.Errorf("%s -> %s: %w", from, to, model.ErrInvalidTransition)
	}
	k.logger.Infof("Run %s -> %s (%s)", from, to, reason)
	return k.emit(context.WithoutCancel(ctx), model.StateChanged{From: from, To: to, Reason: reason})
}

func (k *Kernel) startWorker(ctx context.Context, resume *decisionResume) {
	wctx, cancel := context.WithCancel(ctx)
	w := &worker{cancel: cancel, done: make(chan error, 1)}
	k.worker = w

	go func() {
		defer cancel()
		w.done <- k.work(wctx, w, resume)
	}()
}

func (k *Kernel) workerFinished(ctx context.Context, err error) error {
	if err != nil && !errors.Is(err, context.Canceled) {
		return k.fatal(ctx, err)
	}

	if k.status() == model.RunStatusRunning {
		if err := k.transition(ctx, model.RunStatusPaused, model.ReasonPaused); err != nil {
			return k.fatal(ctx, err)
		}
	}
	return nil
}

// fatal moves the run to ERROR. If even that can't be recorded the error is
// returned, the actor stops and the failure only reaches the in memory state
// and the run index.
func (k *Kernel) fatal(ctx context.Context, cause error) error {
	k.logger.Errorf("Run failed: %s", cause)

	err := k.emit(ctx, model.ErrorRaised{Message: cause.Error(), Fatal: true})
	if err == nil {
		err = k.transition(ctx, model.RunStatusError, model.ReasonFatal)
	}
	if err == nil {
		return nil
	}

	k.unrecorded(ctx, cause)
	return fmt.Errorf("run failed: %w (could not record it: %w)", cause, err)
}

// unrecorded marks the run as failed outside of the event log.
func (k *Kernel) unrecorded(ctx context.Context, cause error) {
	k.mu.Lock()
	k.state.Status = model.RunStatusError
	k.state.Reason = model.ReasonFatal
	k.state.LastError = cause.Error()
	run := runRecord(k.state, k.now())
	k.mu.Unlock()

	k.persistRun(context.WithoutCancel(ctx), run)
}

// stop kills the worker and aborts the run.
func (k *Kernel) stop(ctx context.Context) error {
	if w := k.worker; w != nil {
		w.cancel()
		err := <-w.done
		k.worker = nil
		if err != nil && !errors.Is(err, context.Canceled) {
			k.logger.Warningf("Worker stopped with error: %s", err)
		}
	}

	if k.status().Terminal() {
		return nil
	}
	if err := k.transition(ctx, model.RunStatusError, model.ReasonAborted); err != nil {
		return k.fatal(ctx, err)
	}
	return nil
}

// busy returns true while the worker iterates. A worker that already left
// RUNNING is about to exit, so it's waited for.
func (k *Kernel) busy(ctx context.Context) (bool, error) {
	if k.worker == nil {
		return false, nil
	}
	if k.status() == model.RunStatusRunning {
		return true, nil
	}

	err := <-k.worker.done
	k.worker = nil
	return false, k.workerFinished(context.WithoutCancel(ctx), err)
}

// idle returns an error when the worker is running, some commands are only
// accepted between iterations.
func (k *Kernel) idle(ctx context.Context, what string) error {
	busy, err := k.busy(ctx)
	if err != nil {
		return err
	}
	if busy {
		return fmt.Errorf("%s is not allowed while the run is iterating: %w", what, model.ErrInvalidTransition)
	}
	if st := k.status(); st.Terminal() {
		return fmt.Errorf("%s is not allowed on a %s run: %w", what, st, model.ErrInvalidTransition)
	}
	return nil
}
