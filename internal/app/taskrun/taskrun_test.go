package taskrun_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/slok/autopilot/internal/app/taskrun"
	"github.com/slok/autopilot/internal/kernel"
	"github.com/slok/autopilot/internal/model"
	"github.com/slok/autopilot/internal/proposer/script"
	"github.com/slok/autopilot/internal/storage/memory"
	"github.com/slok/autopilot/internal/tool"
	"github.com/slok/autopilot/internal/tool/local"
	"github.com/slok/autopilot/internal/workspace"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeTerminal struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeTerminal) Run(ctx context.Context, req tool.TerminalRequest, onChunk tool.ChunkFunc) (*tool.TerminalResult, error) {
	f.mu.Lock()
	n := f.calls
	f.calls++
	f.mu.Unlock()

	if n == 0 {
		return &tool.TerminalResult{ExitCode: 1, Stdout: "FAIL\n"}, nil
	}
	return &tool.TerminalResult{ExitCode: 0, Stdout: "PASS\n"}, nil
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

func newService(t *testing.T, repo *memory.Repository, scriptData string, terminal tool.Terminal) *taskrun.Service {
	t.Helper()

	p, err := script.NewProposer(script.ProposerConfig{Data: []byte(scriptData)})
	require.NoError(t, err)

	ids := 0
	svc, err := taskrun.NewService(taskrun.ServiceConfig{
		Repository: repo,
		Runs:       repo,
		Audit:      repo,
		Proposer:   p,
		Tools: func(ctx context.Context, task model.Task, ws *workspace.Workspace) (*taskrun.Tools, error) {
			fs, err := local.NewFilesystem(local.FilesystemConfig{Root: ws.Root()})
			if err != nil {
				return nil, err
			}
			return &taskrun.Tools{Terminal: terminal, Filesystem: fs}, nil
		},
		NewID: func() string {
			ids++
			return "run-" + string(rune('0'+ids))
		},
	})
	require.NoError(t, err)
	return svc
}

func TestNewService(t *testing.T) {
	repo, err := memory.NewRepository(memory.RepositoryConfig{})
	require.NoError(t, err)
	p, err := script.NewProposer(script.ProposerConfig{Data: []byte("steps: {}")})
	require.NoError(t, err)
	tools := func(context.Context, model.Task, *workspace.Workspace) (*taskrun.Tools, error) {
		return &taskrun.Tools{}, nil
	}

	tests := map[string]struct {
		cfg    taskrun.ServiceConfig
		expErr bool
	}{
		"A complete config should be valid.": {
			cfg: taskrun.ServiceConfig{Repository: repo, Runs: repo, Audit: repo, Proposer: p, Tools: tools},
		},
		"Missing repository should fail.": {
			cfg:    taskrun.ServiceConfig{Runs: repo, Audit: repo, Proposer: p, Tools: tools},
			expErr: true,
		},
		"Missing proposer should fail.": {
			cfg:    taskrun.ServiceConfig{Repository: repo, Runs: repo, Audit: repo, Tools: tools},
			expErr: true,
		},
		"Missing tools factory should fail.": {
			cfg:    taskrun.ServiceConfig{Repository: repo, Runs: repo, Audit: repo, Proposer: p},
			expErr: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := taskrun.NewService(test.cfg)
			if test.expErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestServiceRunCompletesANewRun(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	repo, err := memory.NewRepository(memory.RepositoryConfig{})
	require.NoError(err)
	dir := t.TempDir()
	require.NoError(repo.SaveTask(ctx, newTask(dir)))

	// The stored plan comes from a previous run, its progress must be reset.
	require.NoError(repo.SavePlan(ctx, "task-1", model.Plan{Version: 3, Steps: []model.Step{
		{ID: "tests-repair-1", Title: "repair", Status: model.StepStatusDone, Done: true, RepairOf: "tests"},
		{ID: "tests", Title: "run tests", Status: model.StepStatusDone, Done: true, Rules: []model.JudgeRule{{
			ID:           "tests-pass",
			Type:         model.JudgeRuleCommand,
			Command:      []string{"run-tests"},
			SuccessMatch: "PASS",
		}}},
	}}))

	svc := newService(t, repo, `
steps:
  tests:
    - actions:
        - type: terminal.run
          program: run-tests
    - actions:
        - type: terminal.run
          program: run-tests
`, &fakeTerminal{})

	var streamed []model.Event
	res, err := svc.Run(ctx, taskrun.Request{
		TaskID: "task-1",
		OnEvent: func(e model.Event) error {
			streamed = append(streamed, e)
			return nil
		},
	})
	require.NoError(err)

	assert.Equal("run-1", res.RunID)
	assert.Equal(model.RunStatusDone, res.State.Status)
	assert.Equal(2, res.State.Budget.UsedIter)

	// A single repair step is synthesized by this run.
	var ids []string
	for _, s := range res.State.Plan.Steps {
		ids = append(ids, s.ID)
	}
	assert.Equal([]string{"tests-repair-1", "tests"}, ids)

	events, err := repo.ListEvents(ctx, "task-1", "run-1")
	require.NoError(err)
	assert.Equal(events, streamed)

	run, err := repo.GetRun(ctx, "run-1")
	require.NoError(err)
	assert.Equal(model.RunStatusDone, run.Status)
	assert.Equal(events[len(events)-1].Seq, run.LastSeq)
}

const writeScript = `
steps:
  s1:
    - actions:
        - type: fs.write
          path: main.go
          content: "package main\n"
`

func semiTask(t *testing.T, repo *memory.Repository) string {
	t.Helper()
	ctx := context.Background()

	dir := t.TempDir()
	task := newTask(dir)
	task.Autonomy = model.AutonomySemi
	require.NoError(t, repo.SaveTask(ctx, task))
	require.NoError(t, repo.SavePlan(ctx, "task-1", model.Plan{Steps: []model.Step{{ID: "s1", Title: "write", Status: model.StepStatusPending}}}))
	return dir
}

func TestServiceRunResumesAnAwaitingRun(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	repo, err := memory.NewRepository(memory.RepositoryConfig{})
	require.NoError(err)
	dir := semiTask(t, repo)

	res, err := newService(t, repo, writeScript, &fakeTerminal{}).Run(ctx, taskrun.Request{TaskID: "task-1"})
	require.NoError(err)
	assert.Equal(model.RunStatusAwaitingUser, res.State.Status)
	assert.Equal(model.ReasonConfirmRequired, res.State.Reason)
	assert.NoFileExists(filepath.Join(dir, "main.go"))

	// A new run can't start while the previous one waits for the user.
	_, err = newService(t, repo, writeScript, &fakeTerminal{}).Run(ctx, taskrun.Request{TaskID: "task-1"})
	assert.ErrorIs(err, model.ErrAlreadyExists)

	// The approval is answered by a new process.
	res, err = newService(t, repo, writeScript, &fakeTerminal{}).Run(ctx, taskrun.Request{
		TaskID: "task-1",
		RunID:  res.RunID,
		Input:  &kernel.UserInput{Decision: model.DecisionApprove},
	})
	require.NoError(err)
	assert.Equal(model.RunStatusDone, res.State.Status)

	got, err := os.ReadFile(filepath.Join(dir, "main.go"))
	require.NoError(err)
	assert.Equal("package main\n", string(got))

	// Finished runs can't be resumed.
	_, err = newService(t, repo, writeScript, &fakeTerminal{}).Run(ctx, taskrun.Request{TaskID: "task-1", RunID: res.RunID})
	assert.ErrorIs(err, model.ErrInvalidTransition)
}

func TestServiceRunUnknownRun(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	repo, err := memory.NewRepository(memory.RepositoryConfig{})
	require.NoError(err)
	semiTask(t, repo)

	_, err = newService(t, repo, writeScript, &fakeTerminal{}).Run(ctx, taskrun.Request{TaskID: "task-1", RunID: "missing"})
	require.ErrorIs(err, model.ErrNotFound)
}

// blockingTerminal blocks every command until it's cancelled.
type blockingTerminal struct {
	started chan struct{}
	once    sync.Once
}

func (b *blockingTerminal) Run(ctx context.Context, req tool.TerminalRequest, onChunk tool.ChunkFunc) (*tool.TerminalResult, error) {
	b.once.Do(func() { close(b.started) })
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestServiceRunRejectsARunDrivenElsewhere(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	repo, err := memory.NewRepository(memory.RepositoryConfig{})
	require.NoError(err)
	require.NoError(repo.SaveTask(context.Background(), newTask(t.TempDir())))
	require.NoError(repo.SavePlan(context.Background(), "task-1", model.Plan{Steps: []model.Step{{ID: "tests", Title: "run tests", Status: model.StepStatusPending}}}))

	const testsScript = `
steps:
  tests:
    - actions:
        - type: terminal.run
          program: run-tests
`
	term := &blockingTerminal{started: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type result struct {
		res *taskrun.Result
		err error
	}
	svc := newService(t, repo, testsScript, term)
	first := make(chan result, 1)
	go func() {
		res, err := svc.Run(ctx, taskrun.Request{TaskID: "task-1"})
		first <- result{res: res, err: err}
	}()

	select {
	case <-term.started:
	case <-time.After(5 * time.Second):
		t.Fatal("run never started its command")
	}

	// The run is RUNNING in the index but another service owns its log.
	_, err = newService(t, repo, testsScript, &fakeTerminal{}).Run(context.Background(), taskrun.Request{TaskID: "task-1", RunID: "run-1"})
	assert.ErrorIs(err, model.ErrAlreadyExists)

	cancel()
	got := <-first
	require.NoError(got.err)
	assert.Equal(model.RunStatusError, got.res.State.Status)

	events, err := repo.ListEvents(context.Background(), "task-1", "run-1")
	require.NoError(err)
	for i, e := range events {
		assert.Equal(int64(i), e.Seq)
	}
}
