package sqlite_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/autopilot/internal/log"
	"github.com/slok/autopilot/internal/model"
	"github.com/slok/autopilot/internal/storage/sqlite"
)

func runFixture(id, taskID string, status model.RunStatus, createdAt time.Time) model.Run {
	return model.Run{
		ID:        id,
		TaskID:    taskID,
		Status:    status,
		LastSeq:   -1,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func newRepo(t *testing.T) *sqlite.Repository {
	t.Helper()
	repo, err := sqlite.NewRepository(context.Background(), sqlite.RepositoryConfig{
		DBPath: filepath.Join(t.TempDir(), "test.db"),
		Logger: log.Noop,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestRunCRUD(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, repo.CreateRun(ctx, runFixture("r1", "t1", model.RunStatusIdle, t0)))

	got, err := repo.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "t1", got.TaskID)
	assert.Equal(t, model.RunStatusIdle, got.Status)
	assert.Equal(t, int64(-1), got.LastSeq)
	assert.True(t, got.CreatedAt.Equal(t0))

	updated := *got
	updated.Status = model.RunStatusAwaitingUser
	updated.Reason = "iterations_exhausted"
	updated.LastSeq = 41
	updated.UpdatedAt = t0.Add(time.Minute)
	require.NoError(t, repo.UpdateRun(ctx, updated))

	got, err = repo.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusAwaitingUser, got.Status)
	assert.Equal(t, "iterations_exhausted", got.Reason)
	assert.Equal(t, int64(41), got.LastSeq)

	active, err := repo.GetActiveRun(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "r1", active.ID)

	_, err = repo.GetRun(ctx, "missing")
	assert.True(t, errors.Is(err, model.ErrNotFound))

	err = repo.UpdateRun(ctx, runFixture("missing", "t1", model.RunStatusDone, t0))
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

func TestOneActiveRunPerTask(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, repo.CreateRun(ctx, runFixture("r1", "t1", model.RunStatusRunning, t0)))

	// A second active run is rejected by the partial unique index.
	err := repo.CreateRun(ctx, runFixture("r2", "t1", model.RunStatusIdle, t0.Add(time.Second)))
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrAlreadyExists))

	// Other tasks are independent.
	require.NoError(t, repo.CreateRun(ctx, runFixture("r3", "t2", model.RunStatusRunning, t0)))

	// Once terminal, a new run can be created.
	done := runFixture("r1", "t1", model.RunStatusDone, t0)
	require.NoError(t, repo.UpdateRun(ctx, done))
	require.NoError(t, repo.CreateRun(ctx, runFixture("r2", "t1", model.RunStatusIdle, t0.Add(time.Second))))

	runs, err := repo.ListRuns(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "r2", runs[0].ID)
	assert.Equal(t, "r1", runs[1].ID)

	_, err = repo.GetActiveRun(ctx, "t3")
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

func TestAudit(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	entries := []model.AuditEntry{
		{ID: "a1", TaskID: "t1", RunID: "r1", ToolCallID: "tc1", Timestamp: t0, Action: model.ActionTerminalRun, Decision: model.AuditDecisionApproved, Payload: `{"type":"terminal.run","program":"ls"}`},
		{ID: "a2", TaskID: "t1", RunID: "r1", ToolCallID: "tc2", Timestamp: t0.Add(time.Second), Action: model.ActionBrowserFetch, Decision: model.AuditDecisionDenied, Reason: "network disabled"},
		{ID: "a3", TaskID: "t2", RunID: "r9", Timestamp: t0, Action: model.ActionFSRead, Decision: model.AuditDecisionApproved},
	}
	for _, e := range entries {
		require.NoError(t, repo.AppendAudit(ctx, e))
	}

	err := repo.AppendAudit(ctx, entries[0])
	assert.True(t, errors.Is(err, model.ErrAlreadyExists))

	got, err := repo.ListAudit(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, entries[0], got[0])
	assert.Equal(t, "network disabled", got[1].Reason)
	assert.Equal(t, "tool.browser.fetch.denied", got[1].AuditName())
}
