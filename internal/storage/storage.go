package storage

import (
	"context"

	"github.com/slok/autopilot/internal/model"
)

// TaskRepository is the interface for task config and plan persistence.
type TaskRepository interface {
	SaveTask(ctx context.Context, t model.Task) error
	GetTask(ctx context.Context, id string) (*model.Task, error)
	ListTasks(ctx context.Context) ([]model.Task, error)
	SavePlan(ctx context.Context, taskID string, p model.Plan) error
	GetPlan(ctx context.Context, taskID string) (*model.Plan, error)
}

// EventRepository is the interface for the append only event log persistence.
type EventRepository interface {
	// AppendEvent durably appends an event to the log of its run.
	AppendEvent(ctx context.Context, taskID string, e model.Event) error
	// ListEvents returns the events of a run in sequence order.
	ListEvents(ctx context.Context, taskID, runID string) ([]model.Event, error)
	// LeaseRun takes the exclusive writer lease of a run. It fails with
	// model.ErrAlreadyExists while someone else holds it.
	LeaseRun(ctx context.Context, taskID, runID string) (release func() error, err error)
}

// CheckpointRepository is the interface for checkpoint persistence.
type CheckpointRepository interface {
	CreateCheckpoint(ctx context.Context, c model.Checkpoint, p model.CheckpointPatch) error
	GetCheckpoint(ctx context.Context, taskID string, id int) (*model.Checkpoint, *model.CheckpointPatch, error)
	ListCheckpoints(ctx context.Context, taskID string) ([]model.Checkpoint, error)
	// LastCheckpointID returns 0 when the task has no checkpoints.
	LastCheckpointID(ctx context.Context, taskID string) (int, error)
}

// AuditRepository is the interface for the audit log persistence.
type AuditRepository interface {
	AppendAudit(ctx context.Context, e model.AuditEntry) error
	ListAudit(ctx context.Context, taskID string) ([]model.AuditEntry, error)
}

// RunRepository is the interface for the run index persistence.
type RunRepository interface {
	// CreateRun fails with model.ErrAlreadyExists if the task already has an active run.
	CreateRun(ctx context.Context, r model.Run) error
	UpdateRun(ctx context.Context, r model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context, taskID string) ([]model.Run, error)
	// GetActiveRun returns model.ErrNotFound when the task has no active run.
	GetActiveRun(ctx context.Context, taskID string) (*model.Run, error)
}
