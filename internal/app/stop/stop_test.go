package stop_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/autopilot/internal/app/stop"
	"github.com/slok/autopilot/internal/log"
	"github.com/slok/autopilot/internal/model"
	"github.com/slok/autopilot/internal/storage/memory"
	"github.com/slok/autopilot/internal/storage/storagemock"
)

func TestNewService(t *testing.T) {
	tests := map[string]struct {
		config stop.ServiceConfig
		expErr bool
	}{
		"valid config should create service": {
			config: stop.ServiceConfig{
				Events: &storagemock.MockEventRepository{},
				Runs:   &storagemock.MockRunRepository{},
				Logger: log.Noop,
			},
		},
		"missing event repository should fail": {
			config: stop.ServiceConfig{
				Runs: &storagemock.MockRunRepository{},
			},
			expErr: true,
		},
		"missing run repository should fail": {
			config: stop.ServiceConfig{
				Events: &storagemock.MockEventRepository{},
			},
			expErr: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			require := require.New(t)

			svc, err := stop.NewService(test.config)

			if test.expErr {
				require.Error(err)
				require.Nil(svc)
			} else {
				require.NoError(err)
				require.NotNil(svc)
			}
		})
	}
}

func seedRun(t *testing.T, repo *memory.Repository, id string, transitions ...model.StateChanged) {
	t.Helper()
	ctx := context.Background()
	ts := time.Date(2026, 1, 30, 10, 0, 0, 0, time.UTC)

	status := model.RunStatusIdle
	for i, tr := range transitions {
		e := model.Event{ID: id + "-" + string(rune('a'+i)), RunID: id, Seq: int64(i), TS: ts, Type: tr.EventType(), Payload: tr}
		require.NoError(t, repo.AppendEvent(ctx, "task-1", e))
		status = tr.To
	}
	require.NoError(t, repo.CreateRun(ctx, model.Run{ID: id, TaskID: "task-1", Status: status, LastSeq: int64(len(transitions) - 1), CreatedAt: ts}))
}

func TestServiceRun(t *testing.T) {
	started := model.StateChanged{From: model.RunStatusIdle, To: model.RunStatusRunning, Reason: model.ReasonStarted}
	paused := model.StateChanged{From: model.RunStatusRunning, To: model.RunStatusPaused, Reason: model.ReasonPaused}
	done := model.StateChanged{From: model.RunStatusRunning, To: model.RunStatusDone}

	tests := map[string]struct {
		seed    func(t *testing.T, repo *memory.Repository)
		req     stop.Request
		expFrom model.RunStatus
		expLast int64
		expErr  error
	}{
		"A paused run should be aborted.": {
			seed:    func(t *testing.T, repo *memory.Repository) { seedRun(t, repo, "run-1", started, paused) },
			req:     stop.Request{TaskID: "task-1", RunID: "run-1"},
			expFrom: model.RunStatusPaused,
			expLast: 2,
		},
		"The active run should be aborted when no run is requested.": {
			seed: func(t *testing.T, repo *memory.Repository) {
				seedRun(t, repo, "run-1", started, done)
				seedRun(t, repo, "run-2", started, paused)
			},
			req:     stop.Request{TaskID: "task-1"},
			expFrom: model.RunStatusPaused,
			expLast: 2,
		},
		"A run that never started should be aborted.": {
			seed:    func(t *testing.T, repo *memory.Repository) { seedRun(t, repo, "run-1") },
			req:     stop.Request{TaskID: "task-1", RunID: "run-1"},
			expFrom: model.RunStatusIdle,
			expLast: 0,
		},
		"A running run should be rejected.": {
			seed:   func(t *testing.T, repo *memory.Repository) { seedRun(t, repo, "run-1", started) },
			req:    stop.Request{TaskID: "task-1", RunID: "run-1"},
			expErr: model.ErrInvalidTransition,
		},
		"A run driven by another writer should be rejected.": {
			seed: func(t *testing.T, repo *memory.Repository) {
				seedRun(t, repo, "run-1", started, paused)
				_, err := repo.LeaseRun(context.Background(), "task-1", "run-1")
				require.NoError(t, err)
			},
			req:    stop.Request{TaskID: "task-1", RunID: "run-1"},
			expErr: model.ErrAlreadyExists,
		},
		"A finished run should be rejected.": {
			seed:   func(t *testing.T, repo *memory.Repository) { seedRun(t, repo, "run-1", started, done) },
			req:    stop.Request{TaskID: "task-1", RunID: "run-1"},
			expErr: model.ErrInvalidTransition,
		},
		"A task without an active run should fail.": {
			seed:   func(t *testing.T, repo *memory.Repository) { seedRun(t, repo, "run-1", started, done) },
			req:    stop.Request{TaskID: "task-1"},
			expErr: model.ErrNotFound,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			repo, err := memory.NewRepository(memory.RepositoryConfig{})
			require.NoError(err)
			test.seed(t, repo)

			svc, err := stop.NewService(stop.ServiceConfig{Events: repo, Runs: repo})
			require.NoError(err)

			st, err := svc.Run(context.Background(), test.req)
			if test.expErr != nil {
				assert.ErrorIs(err, test.expErr)
				return
			}
			require.NoError(err)

			assert.Equal(model.RunStatusError, st.Status)
			assert.Equal(model.ReasonAborted, st.Reason)
			assert.Equal(test.expLast, st.LastSeq)

			events, err := repo.ListEvents(context.Background(), "task-1", st.RunID)
			require.NoError(err)
			last := events[len(events)-1]
			assert.Equal(model.StateChanged{From: test.expFrom, To: model.RunStatusError, Reason: model.ReasonAborted}, last.Payload)

			run, err := repo.GetRun(context.Background(), st.RunID)
			require.NoError(err)
			assert.Equal(model.RunStatusError, run.Status)
			assert.Equal(test.expLast, run.LastSeq)
		})
	}
}
