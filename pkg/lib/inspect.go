package lib

import (
	"context"
	"fmt"

	"github.com/slok/autopilot/internal/app/audit"
	"github.com/slok/autopilot/internal/app/events"
	"github.com/slok/autopilot/internal/app/list"
	"github.com/slok/autopilot/internal/app/status"
)

// ListRunsOpts filters the runs of a task. Pass nil for all of them.
type ListRunsOpts struct {
	// Status only returns runs with this status.
	Status *RunStatus
	// ActiveOnly only returns runs that didn't finish.
	ActiveOnly bool
}

// ListRuns returns the runs of a task, newest first.
func (c *Client) ListRuns(ctx context.Context, taskID string, opts *ListRunsOpts) ([]Run, error) {
	svc, err := list.NewService(list.ServiceConfig{
		Repository: c.db,
		Logger:     c.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create service: %w", err)
	}

	req := list.Request{TaskID: taskID}
	if opts != nil {
		req.StatusFilter = opts.Status
		req.ActiveOnly = opts.ActiveOnly
	}

	return svc.Run(ctx, req)
}

// EventsOpts filters the events of a run. Pass nil for all of them.
type EventsOpts struct {
	// FromSeq skips the events before this sequence.
	FromSeq int64
	// Types only returns events of these types.
	Types []EventType
}

// Events returns the event log of a run in sequence order. An empty runID
// reads the latest run of the task.
//
// Returns [ErrNotFound] if the task has no such run.
func (c *Client) Events(ctx context.Context, taskID, runID string, opts *EventsOpts) ([]Event, error) {
	svc, err := events.NewService(events.ServiceConfig{
		Events: c.files,
		Runs:   c.db,
		Logger: c.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create service: %w", err)
	}

	req := events.Request{TaskID: taskID, RunID: runID}
	if opts != nil {
		req.FromSeq = opts.FromSeq
		req.Types = opts.Types
	}

	res, err := svc.Run(ctx, req)
	if err != nil {
		return nil, err
	}
	return res.Events, nil
}

// Replay rebuilds the state of a run from its event log. An empty runID
// replays the latest run of the task.
//
// Returns [ErrNotFound] if the task has no such run.
func (c *Client) Replay(ctx context.Context, taskID, runID string) (*State, error) {
	svc, err := status.NewService(status.ServiceConfig{
		Events: c.files,
		Runs:   c.db,
		Logger: c.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create service: %w", err)
	}

	return svc.Run(ctx, status.Request{TaskID: taskID, RunID: runID})
}

// AuditOpts filters the audit log of a task. Pass nil for all the entries.
type AuditOpts struct {
	// RunID only returns the entries of a run.
	RunID string
	// Decision only returns the entries with this decision.
	Decision *AuditDecision
}

// Audit returns the policy decisions taken on the actions of a task.
func (c *Client) Audit(ctx context.Context, taskID string, opts *AuditOpts) ([]AuditEntry, error) {
	svc, err := audit.NewService(audit.ServiceConfig{
		Repository: c.db,
		Logger:     c.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create service: %w", err)
	}

	req := audit.Request{TaskID: taskID}
	if opts != nil {
		req.RunID = opts.RunID
		req.DecisionFilter = opts.Decision
	}

	return svc.Run(ctx, req)
}
