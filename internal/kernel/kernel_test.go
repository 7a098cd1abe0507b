package kernel_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/slok/autopilot/internal/checkpoint"
	"github.com/slok/autopilot/internal/eventlog"
	"github.com/slok/autopilot/internal/kernel"
	"github.com/slok/autopilot/internal/model"
	"github.com/slok/autopilot/internal/proposer"
	"github.com/slok/autopilot/internal/proposer/script"
	"github.com/slok/autopilot/internal/storage/memory"
	"github.com/slok/autopilot/internal/tool"
	"github.com/slok/autopilot/internal/tool/toolmock"
	"github.com/slok/autopilot/internal/workspace"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeTerminal answers commands with a function.
type fakeTerminal struct {
	mu    sync.Mutex
	calls []tool.TerminalRequest
	run   func(ctx context.Context, n int, req tool.TerminalRequest) (*tool.TerminalResult, error)
}

func (f *fakeTerminal) Run(ctx context.Context, req tool.TerminalRequest, onChunk tool.ChunkFunc) (*tool.TerminalResult, error) {
	f.mu.Lock()
	n := len(f.calls)
	f.calls = append(f.calls, req)
	f.mu.Unlock()

	res, err := f.run(ctx, n, req)
	if res != nil && onChunk != nil && res.Stdout != "" {
		onChunk(tool.StreamStdout, res.Stdout)
	}
	return res, err
}

func (f *fakeTerminal) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type harness struct {
	kernel *kernel.Kernel
	repo   *memory.Repository
	dir    string
}

type options struct {
	task        func(t *model.Task)
	plan        *model.Plan
	proposer    proposer.Proposer
	terminal    tool.Terminal
	fs          tool.Filesystem
	git         tool.Git
	browser     tool.Browser
	checkpoints bool
}

func newTask(dir string) model.Task {
	return model.Task{
		ID:        "task-1",
		Workspace: dir,
		Goal:      "make the tests pass",
		Budget: model.BudgetLimits{
			MaxIterations: 10,
			MaxToolCalls:  64,
			MaxWallTime:   time.Hour,
		},
		RiskPolicy: model.RiskPolicy{
			CommandPolicy: model.CommandPolicyBlocklist,
			PathPolicy:    model.PathPolicyWorkspaceOnly,
		},
		Autonomy:               model.AutonomyAuto,
		MaxRepairRounds:        3,
		MaxActionsPerIteration: 8,
	}
}

func newHarness(t *testing.T, opts options) *harness {
	t.Helper()
	require := require.New(t)

	dir := t.TempDir()
	ws, err := workspace.New(dir)
	require.NoError(err)

	repo, err := memory.NewRepository(memory.RepositoryConfig{})
	require.NoError(err)

	task := newTask(ws.Root())
	if opts.task != nil {
		opts.task(&task)
	}

	l, err := eventlog.New(context.Background(), eventlog.Config{TaskID: task.ID, RunID: "run-1", Repository: repo})
	require.NoError(err)

	require.NoError(repo.CreateRun(context.Background(), model.Run{ID: "run-1", TaskID: task.ID, Status: model.RunStatusIdle}))

	var cps kernel.Checkpointer
	if opts.checkpoints {
		m, err := checkpoint.NewManager(checkpoint.ManagerConfig{TaskID: task.ID, Workspace: ws, Repository: repo})
		require.NoError(err)
		cps = m
	}

	k, err := kernel.New(kernel.Config{
		Task:        task,
		Plan:        opts.plan,
		Log:         l,
		Workspace:   ws,
		Proposer:    opts.proposer,
		Terminal:    opts.terminal,
		Filesystem:  opts.fs,
		Git:         opts.git,
		Browser:     opts.browser,
		Checkpoints: cps,
		Audit:       repo,
		Runs:        repo,
		Tasks:       repo,
	})
	require.NoError(err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- k.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
		l.Close()
	})

	return &harness{kernel: k, repo: repo, dir: ws.Root()}
}

func (h *harness) waitStatus(t *testing.T, status model.RunStatus) kernel.State {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.kernel.State().Status == status
	}, 5*time.Second, 5*time.Millisecond, "run never reached %s (is %s)", status, h.kernel.State().Status)
	return h.kernel.State()
}

func (h *harness) events(t *testing.T) []model.Event {
	t.Helper()
	events, err := h.repo.ListEvents(context.Background(), "task-1", "run-1")
	require.NoError(t, err)
	return events
}

func payloads[T model.EventPayload](events []model.Event) []T {
	var ps []T
	for _, e := range events {
		if p, ok := e.Payload.(T); ok {
			ps = append(ps, p)
		}
	}
	return ps
}

func newScript(t *testing.T, data string) proposer.Proposer {
	t.Helper()
	p, err := script.NewProposer(script.ProposerConfig{Data: []byte(data)})
	require.NoError(t, err)
	return p
}

func runTestsPlan() *model.Plan {
	return &model.Plan{Steps: []model.Step{{
		ID:     "tests",
		Title:  "run tests",
		Status: model.StepStatusPending,
		Rules: []model.JudgeRule{{
			ID:           "tests-pass",
			Type:         model.JudgeRuleCommand,
			Command:      []string{"run-tests"},
			SuccessMatch: "PASS",
		}},
	}}}
}

const runTestsScript = `
steps:
  tests:
    - actions:
        - type: terminal.run
          program: run-tests
    - actions:
        - type: terminal.run
          program: run-tests
`

func failThenPass() *fakeTerminal {
	return &fakeTerminal{run: func(ctx context.Context, n int, req tool.TerminalRequest) (*tool.TerminalResult, error) {
		if n == 0 {
			return &tool.TerminalResult{ExitCode: 1, Stdout: "FAIL\n"}, nil
		}
		return &tool.TerminalResult{ExitCode: 0, Stdout: "PASS\n"}, nil
	}}
}

func TestKernelRepairsAFailedStep(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	h := newHarness(t, options{
		plan:        runTestsPlan(),
		proposer:    newScript(t, runTestsScript),
		terminal:    failThenPass(),
		checkpoints: true,
	})

	require.NoError(h.kernel.Start(context.Background()))
	st := h.waitStatus(t, model.RunStatusDone)

	// The repair step is injected ahead of the failed step and both end done.
	require.Len(st.Plan.Steps, 2)
	assert.Equal("tests-repair-1", st.Plan.Steps[0].ID)
	assert.Equal("tests", st.Plan.Steps[0].RepairOf)
	for _, s := range st.Plan.Steps {
		assert.True(s.Done, "step %s", s.ID)
		assert.Equal(model.StepStatusDone, s.Status, "step %s", s.ID)
	}

	var verdicts []model.JudgeStatus
	for _, j := range payloads[model.JudgeEvaluated](h.events(t)) {
		if j.Scope == model.JudgeScopeStep {
			verdicts = append(verdicts, j.Result.Status)
		}
	}
	assert.Equal([]model.JudgeStatus{model.JudgeStatusFail, model.JudgeStatusPass}, verdicts)
	assert.Equal(2, st.Budget.UsedIter)
	assert.Equal(1, st.LastCheckpointID)

	run, err := h.repo.GetRun(context.Background(), "run-1")
	require.NoError(err)
	assert.Equal(model.RunStatusDone, run.Status)

	plan, err := h.repo.GetPlan(context.Background(), "task-1")
	require.NoError(err)
	assert.True(plan.AllDone())
}

func TestKernelReplayRebuildsTheState(t *testing.T) {
	require := require.New(t)

	h := newHarness(t, options{
		plan:        runTestsPlan(),
		proposer:    newScript(t, runTestsScript),
		terminal:    failThenPass(),
		checkpoints: true,
	})

	require.NoError(h.kernel.Start(context.Background()))
	live := h.waitStatus(t, model.RunStatusDone)

	events := h.events(t)
	for i, e := range events {
		require.Equal(int64(i), e.Seq, "sequences must be gap free")
	}

	replayed, err := kernel.Replay("task-1", "run-1", events)
	require.NoError(err)
	if diff := cmp.Diff(live, *replayed); diff != "" {
		t.Errorf("replayed state mismatch (-live +replayed):\n%s", diff)
	}

	_, err = kernel.Replay("task-1", "run-1", append(events[:3:3], events[4:]...))
	require.ErrorIs(err, model.ErrEventLog)
}

func TestKernelPauses(t *testing.T) {
	tests := map[string]struct {
		task       func(t *model.Task)
		plan       *model.Plan
		proposer   func(t *testing.T) proposer.Proposer
		git        func(m *toolmock.MockGit)
		expReason  string
		expIter    int
		expCalls   int
		expDenials []model.DenialKind
	}{
		"A run that exhausts its iterations should wait for the user.": {
			task: func(t *model.Task) { t.Budget.MaxIterations = 3 },
			plan: &model.Plan{Steps: []model.Step{
				{ID: "s1", Title: "one", Status: model.StepStatusPending},
				{ID: "s2", Title: "two", Status: model.StepStatusPending},
				{ID: "s3", Title: "three", Status: model.StepStatusPending},
				{ID: "s4", Title: "four", Status: model.StepStatusPending},
				{ID: "s5", Title: "five", Status: model.StepStatusPending},
			}},
			proposer: func(t *testing.T) proposer.Proposer {
				return newScript(t, "steps: {}\n")
			},
			expReason: string(model.BudgetReasonIterations),
			expIter:   3,
		},
		"A tool call over the budget should be refused and wait for the user.": {
			task: func(t *model.Task) { t.Budget.MaxToolCalls = 2 },
			plan: &model.Plan{Steps: []model.Step{{ID: "s1", Title: "status", Status: model.StepStatusPending}}},
			proposer: func(t *testing.T) proposer.Proposer {
				return newScript(t, `
steps:
  s1:
    - actions:
        - type: git.status
        - type: git.diff
        - type: git.diff
          path: main.go
`)
			},
			git: func(m *toolmock.MockGit) {
				m.On("Status", mock.Anything).Once().Return("clean", nil)
			},
			expReason:  string(model.BudgetReasonToolCalls),
			expIter:    1,
			expCalls:   2,
			expDenials: []model.DenialKind{model.DenialKindBudget},
		},
		"A browser fetch without network should be denied and never retried.": {
			task: func(t *model.Task) { t.MaxRepairRounds = 0 },
			plan: &model.Plan{Steps: []model.Step{{ID: "s1", Title: "docs", Status: model.StepStatusPending}}},
			proposer: func(t *testing.T) proposer.Proposer {
				return newScript(t, `
steps:
  s1:
    - actions:
        - type: browser.fetch
          url: https://example.com
`)
			},
			expReason:  model.ReasonRepairExhausted,
			expIter:    1,
			expDenials: []model.DenialKind{model.DenialKindNetwork},
		},
		"A hard stop step should wait for the user before proposing.": {
			plan: &model.Plan{Steps: []model.Step{{ID: "deploy", Title: "deploy", Status: model.StepStatusPending, HardStop: true}}},
			proposer: func(t *testing.T) proposer.Proposer {
				return newScript(t, "steps: {}\n")
			},
			expReason: model.ReasonHardStopPrefix + "deploy",
		},
		"Plan only autonomy should record the proposal and wait for the user.": {
			task: func(t *model.Task) { t.Autonomy = model.AutonomyPlanOnly },
			plan: &model.Plan{Steps: []model.Step{{ID: "s1", Title: "write", Status: model.StepStatusPending}}},
			proposer: func(t *testing.T) proposer.Proposer {
				return newScript(t, `
steps:
  s1:
    - actions:
        - type: fs.write
          path: main.go
          content: x
`)
			},
			expReason: model.ReasonPlanOnly,
			expIter:   1,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			mgit := &toolmock.MockGit{}
			mgit.On("Diff", mock.Anything, "").Maybe().Return("", nil)
			if test.git != nil {
				test.git(mgit)
			}
			mbrowser := &toolmock.MockBrowser{}
			mfs := &toolmock.MockFilesystem{}

			h := newHarness(t, options{
				task:     test.task,
				plan:     test.plan,
				proposer: test.proposer(t),
				git:      mgit,
				browser:  mbrowser,
				fs:       mfs,
			})

			require.NoError(h.kernel.Start(context.Background()))
			st := h.waitStatus(t, model.RunStatusAwaitingUser)

			assert.Equal(test.expReason, st.Reason)
			assert.Equal(test.expIter, st.Budget.UsedIter)
			assert.Equal(test.expCalls, st.Budget.UsedToolCalls)
			assert.LessOrEqual(st.Budget.UsedToolCalls, st.Budget.Limits.MaxToolCalls)

			var denials []model.DenialKind
			for _, o := range payloads[model.ObservationRecorded](h.events(t)) {
				if o.Observation.Denial != nil {
					assert.False(o.Observation.OK)
					denials = append(denials, o.Observation.Denial.Kind)
				}
			}
			assert.Equal(test.expDenials, denials)

			mbrowser.AssertNotCalled(t, "Fetch", mock.Anything, mock.Anything)
			mfs.AssertNotCalled(t, "Write", mock.Anything, mock.Anything, mock.Anything)
			mgit.AssertExpectations(t)
		})
	}
}

func TestKernelSemiAutonomyApproval(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	mfs := &toolmock.MockFilesystem{}
	mfs.On("Write", mock.Anything, mock.Anything, []byte("package main\n")).Once().Return(&tool.WriteResult{BytesWritten: 13, Created: true}, nil)

	h := newHarness(t, options{
		task: func(t *model.Task) { t.Autonomy = model.AutonomySemi },
		plan: &model.Plan{Steps: []model.Step{{ID: "s1", Title: "write", Status: model.StepStatusPending}}},
		proposer: newScript(t, `
steps:
  s1:
    - actions:
        - type: fs.write
          path: main.go
          content: "package main\n"
`),
		fs: mfs,
	})

	require.NoError(h.kernel.Start(context.Background()))
	st := h.waitStatus(t, model.RunStatusAwaitingUser)
	assert.Equal(model.ReasonConfirmRequired, st.Reason)
	require.NotNil(st.PendingDecision)
	mfs.AssertNotCalled(t, "Write", mock.Anything, mock.Anything, mock.Anything)

	// A resume without a decision is not an answer.
	err := h.kernel.Resume(context.Background())
	assert.ErrorIs(err, model.ErrInvalidTransition)

	require.NoError(h.kernel.UserInput(context.Background(), kernel.UserInput{Decision: model.DecisionApprove}))
	st = h.waitStatus(t, model.RunStatusDone)
	assert.Nil(st.PendingDecision)
	mfs.AssertExpectations(t)

	entries, err := h.repo.ListAudit(context.Background(), "task-1")
	require.NoError(err)
	var decisions []model.AuditDecision
	for _, e := range entries {
		decisions = append(decisions, e.Decision)
	}
	assert.Equal([]model.AuditDecision{model.AuditDecisionConfirm, model.AuditDecisionUserApproved}, decisions)
}

func TestKernelSemiAutonomyDenial(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	mfs := &toolmock.MockFilesystem{}
	h := newHarness(t, options{
		task: func(t *model.Task) {
			t.Autonomy = model.AutonomySemi
			t.MaxRepairRounds = 0
		},
		plan: &model.Plan{Steps: []model.Step{{ID: "s1", Title: "write", Status: model.StepStatusPending}}},
		proposer: newScript(t, `
steps:
  s1:
    - actions:
        - type: fs.write
          path: main.go
          content: x
`),
		fs: mfs,
	})

	require.NoError(h.kernel.Start(context.Background()))
	h.waitStatus(t, model.RunStatusAwaitingUser)

	require.NoError(h.kernel.UserInput(context.Background(), kernel.UserInput{Decision: model.DecisionDeny, Message: "not that file"}))
	require.Eventually(func() bool {
		st := h.kernel.State()
		return st.Status == model.RunStatusAwaitingUser && st.Reason == model.ReasonRepairExhausted
	}, 5*time.Second, 5*time.Millisecond)

	mfs.AssertNotCalled(t, "Write", mock.Anything, mock.Anything, mock.Anything)
	obs := payloads[model.ObservationRecorded](h.events(t))
	require.Len(obs, 1)
	assert.Equal(model.DenialKindUser, obs[0].Observation.Denial.Kind)
}

func TestKernelStopAbortsARunningCommand(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	started := make(chan struct{})
	term := &fakeTerminal{run: func(ctx context.Context, n int, req tool.TerminalRequest) (*tool.TerminalResult, error) {
		close(started)
		<-ctx.Done()
		return &tool.TerminalResult{ExitCode: -1}, ctx.Err()
	}}

	h := newHarness(t, options{
		plan: &model.Plan{Steps: []model.Step{{ID: "s1", Title: "sleep", Status: model.StepStatusPending}}},
		proposer: newScript(t, `
steps:
  s1:
    - actions:
        - type: terminal.run
          program: sleep
          args: ["3600"]
`),
		terminal: term,
	})

	require.NoError(h.kernel.Start(context.Background()))
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("command never started")
	}

	require.NoError(h.kernel.Stop(context.Background()))
	st := h.kernel.State()
	assert.Equal(model.RunStatusError, st.Status)
	assert.Equal(model.ReasonAborted, st.Reason)

	events := h.events(t)
	last := events[len(events)-1]
	assert.Equal(model.StateChanged{From: model.RunStatusRunning, To: model.RunStatusError, Reason: model.ReasonAborted}, last.Payload)

	obs := payloads[model.ObservationRecorded](events)
	require.Len(obs, 1)
	assert.True(obs[0].Observation.Aborted)
	assert.False(obs[0].Observation.OK)
}

func TestKernelCommandsWhileIterating(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	release := make(chan struct{})
	proposing := make(chan struct{}, 1)
	p := proposer.ProposerFunc(func(ctx context.Context, req proposer.Request, onChunk proposer.ChunkFunc) (*proposer.Proposal, error) {
		select {
		case proposing <- struct{}{}:
		default:
		}
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &proposer.Proposal{Actions: []model.ActionEnvelope{}}, nil
	})

	h := newHarness(t, options{
		plan:     &model.Plan{Steps: []model.Step{{ID: "s1", Title: "think", Status: model.StepStatusPending}}},
		proposer: p,
	})

	require.NoError(h.kernel.Start(context.Background()))
	<-proposing

	ctx := context.Background()
	assert.ErrorIs(h.kernel.UpdatePlan(ctx, model.Plan{}), model.ErrInvalidTransition)
	assert.ErrorIs(h.kernel.SetStepStatus(ctx, "s1", model.StepStatusSkipped), model.ErrInvalidTransition)
	assert.ErrorIs(h.kernel.UpdateTask(ctx, kernel.TaskUpdate{}), model.ErrInvalidTransition)
	assert.ErrorIs(h.kernel.Resume(ctx), model.ErrInvalidTransition)

	require.NoError(h.kernel.Pause(ctx))
	close(release)
	h.waitStatus(t, model.RunStatusPaused)

	// Paused runs accept changes.
	require.NoError(h.kernel.SetStepStatus(ctx, "s1", model.StepStatusSkipped))
	require.NoError(h.kernel.Resume(ctx))
	h.waitStatus(t, model.RunStatusDone)
}

func TestKernelContinueOpensANewBudgetWindow(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	h := newHarness(t, options{
		task:     func(t *model.Task) { t.Budget.MaxIterations = 1 },
		plan:     &model.Plan{Steps: []model.Step{{ID: "s1", Title: "think", Status: model.StepStatusPending}}},
		proposer: newScript(t, "steps: {}\n"),
	})

	require.NoError(h.kernel.Start(context.Background()))
	st := h.waitStatus(t, model.RunStatusAwaitingUser)
	assert.Equal(string(model.BudgetReasonIterations), st.Reason)

	// Without a new window or higher limits the run pauses again.
	require.NoError(h.kernel.Resume(context.Background()))
	require.Eventually(func() bool {
		st := h.kernel.State()
		return st.Status == model.RunStatusAwaitingUser && st.LastSeq > 0
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(1, h.kernel.State().Budget.UsedIter)

	require.NoError(h.kernel.UserInput(context.Background(), kernel.UserInput{Continue: true, Message: "go on"}))
	require.Eventually(func() bool {
		st := h.kernel.State()
		return st.Status == model.RunStatusAwaitingUser && st.Iteration == 2
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(1, h.kernel.State().Budget.UsedIter)
}

func TestKernelCheckpointCommands(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	h := newHarness(t, options{
		plan:        &model.Plan{Steps: []model.Step{}},
		proposer:    newScript(t, "steps: {}\n"),
		checkpoints: true,
	})
	ctx := context.Background()
	path := filepath.Join(h.dir, "a.txt")

	require.NoError(os.WriteFile(path, []byte("one"), 0o644))
	cp, err := h.kernel.CreateCheckpoint(ctx, "first")
	require.NoError(err)
	assert.Equal(1, cp.ID)

	require.NoError(os.WriteFile(path, []byte("two"), 0o644))
	require.NoError(h.kernel.RestoreCheckpoint(ctx, cp.ID))
	got, err := os.ReadFile(path)
	require.NoError(err)
	assert.Equal("one", string(got))

	branch, err := h.kernel.BranchCheckpoint(ctx, cp.ID, "retry")
	require.NoError(err)
	assert.Equal(cp.ID, branch.ParentID)
	assert.Equal(branch.ID, h.kernel.State().LastCheckpointID)

	err = h.kernel.RestoreCheckpoint(ctx, 42)
	assert.True(errors.Is(err, model.ErrNotFound))

	restored := payloads[model.CheckpointRestored](h.events(t))
	assert.Equal([]model.CheckpointRestored{{ID: 1}, {ID: 1, BranchID: 2}}, restored)
}

// breakableEvents fails every append once broken.
type breakableEvents struct {
	*memory.Repository
	broken atomic.Bool
}

func (b *breakableEvents) AppendEvent(ctx context.Context, taskID string, e model.Event) error {
	if b.broken.Load() {
		return errors.New("disk full")
	}
	return b.Repository.AppendEvent(ctx, taskID, e)
}

func TestKernelEventLogFailureMarksTheRunAsFailed(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	ws, err := workspace.New(t.TempDir())
	require.NoError(err)
	mem, err := memory.NewRepository(memory.RepositoryConfig{})
	require.NoError(err)
	repo := &breakableEvents{Repository: mem}

	task := newTask(ws.Root())
	l, err := eventlog.New(context.Background(), eventlog.Config{TaskID: task.ID, RunID: "run-1", Repository: repo})
	require.NoError(err)
	defer l.Close()
	require.NoError(repo.CreateRun(context.Background(), model.Run{ID: "run-1", TaskID: task.ID, Status: model.RunStatusIdle}))

	// The log breaks while the model is thinking.
	prop := proposer.ProposerFunc(func(ctx context.Context, req proposer.Request, onChunk proposer.ChunkFunc) (*proposer.Proposal, error) {
		repo.broken.Store(true)
		return &proposer.Proposal{Message: "done"}, nil
	})

	k, err := kernel.New(kernel.Config{
		Task:      task,
		Plan:      &model.Plan{Steps: []model.Step{{ID: "s1", Title: "think", Status: model.StepStatusPending}}},
		Log:       l,
		Workspace: ws,
		Proposer:  prop,
		Audit:     repo,
		Runs:      repo,
	})
	require.NoError(err)

	done := make(chan error, 1)
	go func() { done <- k.Run(context.Background()) }()
	require.NoError(k.Start(context.Background()))

	select {
	case err := <-done:
		assert.ErrorIs(err, model.ErrEventLog)
	case <-time.After(5 * time.Second):
		t.Fatal("kernel didn't stop")
	}

	st := k.State()
	assert.Equal(model.RunStatusError, st.Status)
	assert.Equal(model.ReasonFatal, st.Reason)
	assert.Contains(st.LastError, "disk full")

	run, err := repo.GetRun(context.Background(), "run-1")
	require.NoError(err)
	assert.Equal(model.RunStatusError, run.Status)
	assert.Contains(run.LastError, "disk full")
}

func TestKernelRejectsALogOfAnotherTask(t *testing.T) {
	require := require.New(t)

	ws, err := workspace.New(t.TempDir())
	require.NoError(err)
	repo, err := memory.NewRepository(memory.RepositoryConfig{})
	require.NoError(err)

	l, err := eventlog.New(context.Background(), eventlog.Config{TaskID: "other", RunID: "run-1", Repository: repo})
	require.NoError(err)
	defer l.Close()

	_, err = kernel.New(kernel.Config{
		Task:      newTask(ws.Root()),
		Log:       l,
		Workspace: ws,
		Proposer:  newScript(t, "steps: {}\n"),
		Audit:     repo,
	})
	require.Error(err)
}

func TestKernelCompletionCommandsGoThroughTheRiskPolicy(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	term := &fakeTerminal{run: func(ctx context.Context, n int, req tool.TerminalRequest) (*tool.TerminalResult, error) {
		return &tool.TerminalResult{ExitCode: 0, Stdout: "deployed\n"}, nil
	}}
	h := newHarness(t, options{
		task: func(t *model.Task) {
			t.RiskPolicy.CommandPolicy = model.CommandPolicyConfirm
			t.Completion = []model.JudgeRule{{ID: "deploy", Type: model.JudgeRuleCommand, Command: []string{"make", "deploy"}}}
		},
		plan: &model.Plan{Steps: []model.Step{{
			ID: "s1", Title: "prepare", Status: model.StepStatusPending,
			Rules: []model.JudgeRule{{ID: "ready", Type: model.JudgeRuleFileExists, Path: "ready.txt"}},
		}}},
		proposer: newScript(t, "steps: {}\n"),
		terminal: term,
	})
	require.NoError(os.WriteFile(filepath.Join(h.dir, "ready.txt"), []byte("ok"), 0o644))

	// The completion command waits for a decision like any other command.
	require.NoError(h.kernel.Start(context.Background()))
	st := h.waitStatus(t, model.RunStatusAwaitingUser)
	assert.Equal(model.ReasonConfirmRequired, st.Reason)
	require.NotNil(st.PendingDecision)
	assert.Equal(model.ActionTerminalRun, st.PendingDecision.Action.ActionType())
	assert.Equal(0, term.Calls())
	assert.Equal(0, st.Budget.UsedToolCalls)

	require.NoError(h.kernel.UserInput(context.Background(), kernel.UserInput{Decision: model.DecisionApprove}))
	st = h.waitStatus(t, model.RunStatusDone)
	assert.Equal(1, term.Calls())
	assert.Equal(1, st.Budget.UsedToolCalls)

	events := h.events(t)
	started := payloads[model.ToolCallStarted](events)
	require.Len(started, 1)
	assert.Equal(model.ActionTerminalRun, started[0].ToolCall.Action.ActionType())
	assert.Equal("completion", started[0].ToolCall.StepID)
	require.Len(payloads[model.ToolCallFinished](events), 1)

	var completion []model.JudgeEvaluated
	for _, j := range payloads[model.JudgeEvaluated](events) {
		if j.Scope == model.JudgeScopeCompletion {
			completion = append(completion, j)
		}
	}
	require.Len(completion, 1)
	assert.Equal(model.JudgeStatusPass, completion[0].Result.Status)

	entries, err := h.repo.ListAudit(context.Background(), "task-1")
	require.NoError(err)
	var decisions []model.AuditDecision
	for _, e := range entries {
		assert.Equal(model.ActionTerminalRun, e.Action)
		decisions = append(decisions, e.Decision)
	}
	assert.Equal([]model.AuditDecision{model.AuditDecisionConfirm, model.AuditDecisionUserApproved}, decisions)
}
