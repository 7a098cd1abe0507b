package kernel

import (
	"context"
	"fmt"
	"time"

	"github.com/slok/autopilot/internal/eventlog"
	"github.com/slok/autopilot/internal/log"
	"github.com/slok/autopilot/internal/model"
	"github.com/slok/autopilot/internal/storage"
)

// RecordConfig locates the run Record appends to.
type RecordConfig struct {
	TaskID string
	RunID  string
	Events storage.EventRepository
	Runs   storage.RunRepository
	Logger log.Logger
	Now    func() time.Time
}

// RecordFunc returns the events to append given the replayed state of the run.
type RecordFunc func(st State) ([]model.EventPayload, error)

// Record appends events to the log of a run no process is iterating, keeping
// the run index in sync. Runs that are RUNNING belong to a live kernel and
// terminal runs are closed, both are rejected with model.ErrInvalidTransition.
func Record(ctx context.Context, cfg RecordConfig, fn RecordFunc) (*State, error) {
	if cfg.Runs == nil {
		return nil, fmt.Errorf("run repository is required")
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}

	l, events, err := eventlog.Open(ctx, eventlog.Config{
		TaskID:     cfg.TaskID,
		RunID:      cfg.RunID,
		Repository: cfg.Events,
		Logger:     cfg.Logger,
		Now:        cfg.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("could not open event log: %w", err)
	}
	defer l.Close()

	st, err := Replay(cfg.TaskID, cfg.RunID, events)
	if err != nil {
		return nil, err
	}
	if st.Status == model.RunStatusRunning || st.Status.Terminal() {
		return nil, fmt.Errorf("run %s is %s: %w", cfg.RunID, st.Status, model.ErrInvalidTransition)
	}

	payloads, err := fn(st.Copy())
	if err != nil {
		return nil, err
	}
	for _, p := range payloads {
		e, err := l.Append(ctx, p)
		if err != nil {
			return nil, err
		}
		st.Apply(e)
	}

	r, err := cfg.Runs.GetRun(ctx, cfg.RunID)
	if err != nil {
		return nil, fmt.Errorf("could not get run: %w", err)
	}
	r.Status = st.Status
	r.Reason = st.Reason
	r.LastError = st.LastError
	r.LastSeq = st.LastSeq
	r.UpdatedAt = cfg.Now()
	if err := cfg.Runs.UpdateRun(ctx, *r); err != nil {
		return nil, fmt.Errorf("could not update run: %w", err)
	}

	return st, nil
}
