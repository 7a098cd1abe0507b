package lib

import (
	"context"
	"fmt"

	"github.com/slok/autopilot/internal/app/checkpointcreate"
	"github.com/slok/autopilot/internal/app/checkpointlist"
	"github.com/slok/autopilot/internal/app/checkpointrestore"
	"github.com/slok/autopilot/internal/tool/toolset"
)

// CreateCheckpoint snapshots the workspace of a task. When the task has a run
// waiting for the user the checkpoint is recorded in its event log.
//
// Returns [ErrInvalidTransition] while a run of the task is iterating.
func (c *Client) CreateCheckpoint(ctx context.Context, taskID, label string) (*Checkpoint, error) {
	svc, err := checkpointcreate.NewService(checkpointcreate.ServiceConfig{
		Repository: c.files,
		Runs:       c.db,
		Tree:       toolset.NewTreeFunc(c.logger),
		Logger:     c.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create service: %w", err)
	}

	return svc.Run(ctx, checkpointcreate.Request{TaskID: taskID, Label: label})
}

// ListCheckpoints returns the checkpoints of a task in creation order.
func (c *Client) ListCheckpoints(ctx context.Context, taskID string) ([]Checkpoint, error) {
	svc, err := checkpointlist.NewService(checkpointlist.ServiceConfig{
		Repository: c.files,
		Logger:     c.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create service: %w", err)
	}

	return svc.Run(ctx, checkpointlist.Request{TaskID: taskID})
}

// RestoreCheckpointOpts configures a checkpoint restore. Pass nil to restore in place.
type RestoreCheckpointOpts struct {
	// Branch records a new checkpoint that starts a branch from the restored one.
	Branch bool
	// Label is the label of the branch checkpoint.
	Label string
}

// RestoreCheckpoint restores the workspace of a task to a checkpoint. It returns
// the branch checkpoint when one is requested.
//
// Returns [ErrNotFound] if the checkpoint doesn't exist or
// [ErrInvalidTransition] while a run of the task is iterating.
func (c *Client) RestoreCheckpoint(ctx context.Context, taskID string, id int, opts *RestoreCheckpointOpts) (*Checkpoint, error) {
	svc, err := checkpointrestore.NewService(checkpointrestore.ServiceConfig{
		Repository: c.files,
		Runs:       c.db,
		Tree:       toolset.NewTreeFunc(c.logger),
		Logger:     c.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create service: %w", err)
	}

	req := checkpointrestore.Request{TaskID: taskID, ID: id}
	if opts != nil {
		req.Branch = opts.Branch
		req.Label = opts.Label
	}

	res, err := svc.Run(ctx, req)
	if err != nil {
		return nil, err
	}
	return res.Branch, nil
}
