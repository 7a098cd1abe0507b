package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/slok/autopilot/internal/log"
	"github.com/slok/autopilot/internal/model"
	"github.com/slok/autopilot/internal/policy"
	"github.com/slok/autopilot/internal/storage"
	"github.com/slok/autopilot/internal/tool"
	"github.com/slok/autopilot/internal/workspace"
)

// EmitFunc appends an event to the run event log.
type EmitFunc func(ctx context.Context, p model.EventPayload) error

// Config is the dispatcher configuration.
type Config struct {
	TaskID    string
	RunID     string
	Workspace *workspace.Workspace
	Audit     storage.AuditRepository
	Emit      EmitFunc

	Terminal     tool.Terminal
	Filesystem   tool.Filesystem
	Git          tool.Git
	Browser      tool.Browser
	Checkpointer tool.Checkpointer

	// Env is added to the environment of every command.
	Env []string
	// ExecTimeout bounds shell commands (terminal.exec).
	ExecTimeout time.Duration
	// RunTimeout bounds programs (terminal.run).
	RunTimeout time.Duration
	// ToolTimeout bounds the rest of the actions.
	ToolTimeout time.Duration

	Logger log.Logger
	Now    func() time.Time
	NewID  func() string
}

func (c *Config) defaults() error {
	if c.TaskID == "" {
		return fmt.Errorf("task id is required")
	}
	if c.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if c.Workspace == nil {
		return fmt.Errorf("workspace is required")
	}
	if c.Audit == nil {
		return fmt.Errorf("audit repository is required")
	}
	if c.Emit == nil {
		return fmt.Errorf("emit func is required")
	}
	if c.ExecTimeout <= 0 {
		c.ExecTimeout = 15 * time.Second
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = 10 * time.Minute
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = 2 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "dispatch.Dispatcher", "run-id": c.RunID})
	if c.Now == nil {
		c.Now = func() time.Time { return time.Now().UTC() }
	}
	if c.NewID == nil {
		c.NewID = func() string { return ulid.Make().String() }
	}
	return nil
}

// Request is a single action to dispatch.
type Request struct {
	Iteration int
	StepID    string
	Action    model.Action
	Policy    model.RiskPolicy
	Autonomy  model.Autonomy
	// ConfirmWaived is set when a human approved the action.
	ConfirmWaived bool
	// Deadline is the end of the wall time budget, zero means none.
	Deadline time.Time
	// ToolCallID reuses an id already handed out (e.g. by a decision slot).
	ToolCallID string
}

// Result is the outcome of a dispatch.
type Result struct {
	ToolCall    model.ToolCall
	Observation model.Observation
	// ConfirmRequired is set when the action waits for a human decision, it
	// has not been executed and no event has been appended.
	ConfirmRequired bool
	Reason          string
}

// Dispatcher is the single entry point of tool actions. It screens them with the
// risk policy, runs the approved ones and records everything in the event and audit logs.
type Dispatcher struct {
	taskID       string
	runID        string
	ws           *workspace.Workspace
	policy       *policy.Evaluator
	audit        storage.AuditRepository
	emit         EmitFunc
	terminal     tool.Terminal
	fs           tool.Filesystem
	git          tool.Git
	browser      tool.Browser
	checkpointer tool.Checkpointer
	env          []string
	execTimeout  time.Duration
	runTimeout   time.Duration
	toolTimeout  time.Duration
	logger       log.Logger
	now          func() time.Time
	newID        func() string
}

// New returns a new dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	ev, err := policy.NewEvaluator(cfg.Workspace)
	if err != nil {
		return nil, fmt.Errorf("could not create policy evaluator: %w", err)
	}

	return &Dispatcher{
		taskID:       cfg.TaskID,
		runID:        cfg.RunID,
		ws:           cfg.Workspace,
		policy:       ev,
		audit:        cfg.Audit,
		emit:         cfg.Emit,
		terminal:     cfg.Terminal,
		fs:           cfg.Filesystem,
		git:          cfg.Git,
		browser:      cfg.Browser,
		checkpointer: cfg.Checkpointer,
		env:          cfg.Env,
		execTimeout:  cfg.ExecTimeout,
		runTimeout:   cfg.RunTimeout,
		toolTimeout:  cfg.ToolTimeout,
		logger:       cfg.Logger,
		now:          cfg.Now,
		newID:        cfg.NewID,
	}, nil
}

// Dispatch screens and runs an action. The returned error is only set when the
// event log can't be appended to, every other failure is an Observation.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Result, error) {
	if req.Action == nil {
		return nil, fmt.Errorf("action is required: %w", model.ErrNotValid)
	}
	if req.ToolCallID == "" {
		req.ToolCallID = d.newID()
	}

	v := d.policy.Evaluate(req.Policy, req.Action, policy.Options{ConfirmWaived: req.ConfirmWaived})
	if v.Outcome == policy.OutcomeDeny {
		return d.Refuse(ctx, req, *v.Denial)
	}

	if v.Outcome == policy.OutcomeConfirm || d.needsConfirm(req) {
		reason := v.Reason
		if reason == "" {
			reason = fmt.Sprintf("%s requires confirmation under %s autonomy", req.Action.ActionType(), req.Autonomy)
		}
		d.recordAudit(ctx, req, model.AuditDecisionConfirm, reason)

		return &Result{
			ToolCall:        d.toolCall(req, model.ToolCallStatusRunning),
			ConfirmRequired: true,
			Reason:          reason,
		}, nil
	}

	decision := model.AuditDecisionApproved
	if req.ConfirmWaived {
		decision = model.AuditDecisionUserApproved
	}
	d.recordAudit(ctx, req, decision, "")

	return d.execute(ctx, req)
}

// Refuse records an action that is never executed: a risk policy, budget, or
// human denial. The collaborators are never called.
func (d *Dispatcher) Refuse(ctx context.Context, req Request, denial model.Denial) (*Result, error) {
	if req.Action == nil {
		return nil, fmt.Errorf("action is required: %w", model.ErrNotValid)
	}
	if req.ToolCallID == "" {
		req.ToolCallID = d.newID()
	}

	decision := model.AuditDecisionDenied
	if denial.Kind == model.DenialKindUser {
		decision = model.AuditDecisionUserDenied
	}
	d.recordAudit(ctx, req, decision, denial.Reason)
	d.logger.Warningf("Action %s denied (%s): %s", req.Action.ActionType(), denial.Kind, denial.Reason)

	obs := model.Observation{
		ToolCallID: req.ToolCallID,
		ActionType: req.Action.ActionType(),
		OK:         false,
		Summary:    fmt.Sprintf("denied by %s policy: %s", denial.Kind, denial.Reason),
		Denial:     &denial,
	}
	if err := d.emit(context.WithoutCancel(ctx), model.ObservationRecorded{
		Iteration:   req.Iteration,
		StepID:      req.StepID,
		Action:      model.ActionEnvelope{Action: req.Action},
		Observation: obs,
	}); err != nil {
		return nil, err
	}

	return &Result{ToolCall: d.toolCall(req, model.ToolCallStatusError), Observation: obs}, nil
}

func (d *Dispatcher) needsConfirm(req Request) bool {
	return req.Autonomy == model.AutonomySemi && !req.ConfirmWaived && model.ActionMutates(req.Action)
}

func (d *Dispatcher) execute(ctx context.Context, req Request) (*Result, error) {
	tc := d.toolCall(req, model.ToolCallStatusRunning)
	if err := d.emit(ctx, model.ToolCallStarted{ToolCall: tc}); err != nil {
		return nil, err
	}

	// From here on the call is finalized even if the run is being stopped.
	emitCtx := context.WithoutCancel(ctx)
	start := d.now()

	var (
		chunkMu  sync.Mutex
		chunkErr error
	)
	onChunk := func(stream, data string) {
		err := d.emit(emitCtx, model.ToolCallChunk{ToolCallID: tc.ID, Stream: stream, Data: data})
		if err != nil {
			chunkMu.Lock()
			if chunkErr == nil {
				chunkErr = err
			}
			chunkMu.Unlock()
		}
	}

	obs, extra := d.run(ctx, req, onChunk)
	obs.ToolCallID = tc.ID
	obs.ActionType = req.Action.ActionType()

	chunkMu.Lock()
	err := chunkErr
	chunkMu.Unlock()
	if err != nil {
		return nil, err
	}

	if extra != nil {
		if err := d.emit(emitCtx, extra); err != nil {
			return nil, err
		}
	}

	tc.Status = model.ToolCallStatusOK
	if !obs.OK {
		tc.Status = model.ToolCallStatusError
	}
	if err := d.emit(emitCtx, model.ToolCallFinished{
		ToolCallID: tc.ID,
		Status:     tc.Status,
		DurationMs: d.now().Sub(start).Milliseconds(),
	}); err != nil {
		return nil, err
	}

	if err := d.emit(emitCtx, model.ObservationRecorded{
		Iteration:   req.Iteration,
		StepID:      req.StepID,
		Action:      model.ActionEnvelope{Action: req.Action},
		Observation: obs,
	}); err != nil {
		return nil, err
	}

	return &Result{ToolCall: tc, Observation: obs}, nil
}

// run executes the action and normalizes the outcome. Checkpoint actions also
// return the event that records them.
func (d *Dispatcher) run(ctx context.Context, req Request, onChunk tool.ChunkFunc) (model.Observation, model.EventPayload) {
	a := req.Action

	// Checkpoint actions are serialized by the checkpoint manager itself.
	if model.ActionMutates(a) && a.ActionType() != model.ActionCheckpointRestore {
		release, err := d.ws.Lock(ctx)
		if err != nil {
			return model.Observation{Summary: "aborted while waiting for the workspace lock", Aborted: true}, nil
		}
		defer release()
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeout(req))
	defer cancel()

	obs, extra, err := d.call(callCtx, a, onChunk)
	if err == nil {
		return obs, extra
	}

	switch {
	case ctx.Err() != nil:
		obs.Aborted = true
		obs.Summary = fmt.Sprintf("%s aborted", a.ActionType())
	case errors.Is(callCtx.Err(), context.DeadlineExceeded):
		obs.Summary = fmt.Sprintf("%s timed out after %s", a.ActionType(), d.timeout(req))
	default:
		obs.Summary = fmt.Sprintf("%s failed: %s", a.ActionType(), err)
	}
	obs.OK = false
	return obs, nil
}

func (d *Dispatcher) timeout(req Request) time.Duration {
	t := d.toolTimeout
	switch req.Action.(type) {
	case model.TerminalExec:
		t = d.execTimeout
	case model.TerminalRun:
		t = d.runTimeout
	}

	if !req.Deadline.IsZero() {
		if left := req.Deadline.Sub(d.now()); left < t {
			t = max(left, time.Millisecond)
		}
	}
	return t
}

func (d *Dispatcher) call(ctx context.Context, a model.Action, onChunk tool.ChunkFunc) (model.Observation, model.EventPayload, error) {
	switch a := a.(type) {
	case model.TerminalRun:
		dir, err := d.ws.Resolve(a.Cwd)
		if err != nil {
			return model.Observation{}, nil, err
		}
		return d.terminalCall(ctx, tool.TerminalRequest{Program: a.Program, Args: a.Args, Dir: dir, Env: d.env}, onChunk)

	case model.TerminalExec:
		dir, err := d.ws.Resolve(a.Cwd)
		if err != nil {
			return model.Observation{}, nil, err
		}
		return d.terminalCall(ctx, tool.TerminalRequest{Shell: a.Cmd, Dir: dir, Env: d.env}, onChunk)

	case model.FSRead:
		if d.fs == nil {
			return model.Observation{}, nil, missing("filesystem")
		}
		path, err := d.ws.Resolve(a.Path)
		if err != nil {
			return model.Observation{}, nil, err
		}
		res, err := d.fs.Read(ctx, path)
		if err != nil {
			return model.Observation{}, nil, err
		}
		obs := model.Observation{OK: true, Output: res.Content, Truncated: res.Truncated, Raw: marshal(res)}
		obs.Summary = fmt.Sprintf("read %d bytes from %s", res.Size, a.Path)
		if res.Binary {
			obs.Summary = fmt.Sprintf("%s is a binary file of %d bytes", a.Path, res.Size)
		}
		return obs, nil, nil

	case model.FSWrite:
		if d.fs == nil {
			return model.Observation{}, nil, missing("filesystem")
		}
		path, err := d.ws.Resolve(a.Path)
		if err != nil {
			return model.Observation{}, nil, err
		}
		res, err := d.fs.Write(ctx, path, []byte(a.Content))
		if err != nil {
			return model.Observation{}, nil, err
		}
		return model.Observation{
			OK:        true,
			Summary:   fmt.Sprintf("wrote %d bytes to %s", res.BytesWritten, a.Path),
			Artifacts: []string{a.Path},
			Raw:       marshal(res),
		}, nil, nil

	case model.FSApplyPatch:
		if d.fs == nil {
			return model.Observation{}, nil, missing("filesystem")
		}
		path, err := d.ws.Resolve(a.Path)
		if err != nil {
			return model.Observation{}, nil, err
		}
		res, err := d.fs.ApplyPatch(ctx, path, a.Patch)
		if err != nil {
			return model.Observation{}, nil, err
		}
		return model.Observation{
			OK:        true,
			Summary:   fmt.Sprintf("patched %s (%d bytes)", a.Path, res.BytesWritten),
			Artifacts: []string{a.Path},
			Raw:       marshal(res),
		}, nil, nil

	case model.FSSearch:
		if d.fs == nil {
			return model.Observation{}, nil, missing("filesystem")
		}
		paths := make([]string, 0, len(a.Paths))
		for _, p := range a.Paths {
			abs, err := d.ws.Resolve(p)
			if err != nil {
				return model.Observation{}, nil, err
			}
			paths = append(paths, abs)
		}
		matches, err := d.fs.Search(ctx, a.Pattern, paths)
		if err != nil {
			return model.Observation{}, nil, err
		}
		lines := make([]string, 0, len(matches))
		for _, m := range matches {
			lines = append(lines, fmt.Sprintf("%s:%d: %s", m.Path, m.Line, m.Text))
		}
		out, truncated := tool.Truncate(strings.Join(lines, "\n"), tool.MaxExcerptBytes)
		return model.Observation{
			OK:        true,
			Summary:   fmt.Sprintf("%d matches for %q", len(matches), a.Pattern),
			Output:    out,
			Truncated: truncated || len(matches) >= tool.MaxSearchResults,
			Raw:       marshal(matches),
		}, nil, nil

	case model.GitStatus:
		if d.git == nil {
			return model.Observation{}, nil, missing("git")
		}
		out, err := d.git.Status(ctx)
		if err != nil {
			return model.Observation{}, nil, err
		}
		return textObservation("git status", out), nil, nil

	case model.GitDiff:
		if d.git == nil {
			return model.Observation{}, nil, missing("git")
		}
		var rel string
		if a.Path != "" {
			abs, err := d.ws.Resolve(a.Path)
			if err != nil {
				return model.Observation{}, nil, err
			}
			if rel, err = d.ws.Rel(abs); err != nil {
				return model.Observation{}, nil, err
			}
		}
		out, err := d.git.Diff(ctx, rel)
		if err != nil {
			return model.Observation{}, nil, err
		}
		return textObservation("git diff", out), nil, nil

	case model.GitCommit:
		if d.git == nil {
			return model.Observation{}, nil, missing("git")
		}
		rev, err := d.git.Commit(ctx, a.Message)
		if err != nil {
			return model.Observation{}, nil, err
		}
		return model.Observation{OK: true, Summary: "committed " + rev, Artifacts: []string{rev}}, nil, nil

	case model.CheckpointCreate:
		if d.checkpointer == nil {
			return model.Observation{}, nil, missing("checkpoint")
		}
		cp, err := d.checkpointer.Create(ctx, a.Label)
		if err != nil {
			return model.Observation{}, nil, err
		}
		return model.Observation{
			OK:        true,
			Summary:   fmt.Sprintf("checkpoint %d created (%d files)", cp.ID, cp.Files),
			Artifacts: []string{fmt.Sprintf("checkpoint:%d", cp.ID)},
			Raw:       marshal(cp),
		}, model.CheckpointCreated{Checkpoint: *cp}, nil

	case model.CheckpointRestore:
		if d.checkpointer == nil {
			return model.Observation{}, nil, missing("checkpoint")
		}
		if err := d.checkpointer.Restore(ctx, a.ID); err != nil {
			return model.Observation{}, nil, err
		}
		return model.Observation{
			OK:        true,
			Summary:   fmt.Sprintf("checkpoint %d restored", a.ID),
			Artifacts: []string{fmt.Sprintf("checkpoint:%d", a.ID)},
		}, model.CheckpointRestored{ID: a.ID}, nil

	case model.BrowserFetch:
		if d.browser == nil {
			return model.Observation{}, nil, missing("browser")
		}
		res, err := d.browser.Fetch(ctx, a.URL)
		if err != nil {
			return model.Observation{}, nil, err
		}
		return model.Observation{
			OK:        res.StatusCode >= 200 && res.StatusCode < 400,
			Summary:   fmt.Sprintf("GET %s: %d", a.URL, res.StatusCode),
			Output:    res.Body,
			Truncated: res.Truncated,
			Raw:       marshal(map[string]any{"statusCode": res.StatusCode, "contentType": res.ContentType}),
		}, nil, nil
	}

	return model.Observation{}, nil, fmt.Errorf("unsupported action %q: %w", a.ActionType(), model.ErrNotValid)
}

type terminalRaw struct {
	ExitCode  int    `json:"exitCode"`
	Stdout    string `json:"stdout"`
	Stderr    string `json:"stderr"`
	Truncated bool   `json:"truncated"`
}

func (d *Dispatcher) terminalCall(ctx context.Context, req tool.TerminalRequest, onChunk tool.ChunkFunc) (model.Observation, model.EventPayload, error) {
	if d.terminal == nil {
		return model.Observation{}, nil, missing("terminal")
	}

	res, err := d.terminal.Run(ctx, req, onChunk)
	if err != nil {
		obs := model.Observation{ExitCode: model.IntPtr(-1)}
		if res != nil {
			obs.Output, obs.Truncated = tool.Truncate(res.Stdout+res.Stderr, tool.MaxExcerptBytes)
		}
		return obs, nil, err
	}

	stdout, outTrunc := tool.Truncate(res.Stdout, tool.MaxExcerptBytes)
	stderr, errTrunc := tool.Truncate(res.Stderr, tool.MaxExcerptBytes)
	output, truncated := tool.Truncate(res.Stdout+res.Stderr, tool.MaxExcerptBytes)

	line := req.Shell
	if line == "" {
		line = strings.TrimSpace(req.Program + " " + strings.Join(req.Args, " "))
	}

	return model.Observation{
		OK:        res.ExitCode == 0,
		Summary:   fmt.Sprintf("`%s` exited with %d", line, res.ExitCode),
		ExitCode:  model.IntPtr(res.ExitCode),
		Output:    output,
		Truncated: truncated,
		Raw: marshal(terminalRaw{
			ExitCode:  res.ExitCode,
			Stdout:    stdout,
			Stderr:    stderr,
			Truncated: outTrunc || errTrunc,
		}),
	}, nil, nil
}

func (d *Dispatcher) toolCall(req Request, status model.ToolCallStatus) model.ToolCall {
	return model.ToolCall{
		ID:        req.ToolCallID,
		StepID:    req.StepID,
		Iteration: req.Iteration,
		Action:    model.ActionEnvelope{Action: req.Action},
		Status:    status,
	}
}

// recordAudit appends the audit entry of an attempt. The audit log is a
// compliance record, a failure is logged but doesn't stop the run.
func (d *Dispatcher) recordAudit(ctx context.Context, req Request, decision model.AuditDecision, reason string) {
	payload, err := model.MarshalAction(req.Action)
	if err != nil {
		payload = []byte(fmt.Sprintf("%q", req.Action.ActionType()))
	}

	entry := model.AuditEntry{
		ID:         d.newID(),
		TaskID:     d.taskID,
		RunID:      d.runID,
		ToolCallID: req.ToolCallID,
		Timestamp:  d.now(),
		Action:     req.Action.ActionType(),
		Decision:   decision,
		Reason:     reason,
		Payload:    string(payload),
	}
	if err := d.audit.AppendAudit(context.WithoutCancel(ctx), entry); err != nil {
		d.logger.Errorf("Could not record audit entry %s: %s", entry.AuditName(), err)
	}
}

func textObservation(what, out string) model.Observation {
	text, truncated := tool.Truncate(out, tool.MaxExcerptBytes)
	summary := what + ": no changes"
	if n := strings.Count(strings.TrimSpace(out), "\n"); strings.TrimSpace(out) != "" {
		summary = fmt.Sprintf("%s: %d lines", what, n+1)
	}
	return model.Observation{OK: true, Summary: summary, Output: text, Truncated: truncated}
}

func missing(what string) error {
	return fmt.Errorf("no %s collaborator configured: %w", what, model.ErrToolExecution)
}

func marshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
