package storagemock

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/slok/autopilot/internal/model"
	"github.com/slok/autopilot/internal/storage"
)

var (
	_ storage.TaskRepository       = &MockTaskRepository{}
	_ storage.EventRepository      = &MockEventRepository{}
	_ storage.CheckpointRepository = &MockCheckpointRepository{}
	_ storage.AuditRepository      = &MockAuditRepository{}
	_ storage.RunRepository        = &MockRunRepository{}
)

// MockTaskRepository is a mock of storage.TaskRepository.
type MockTaskRepository struct{ mock.Mock }

func (m *MockTaskRepository) SaveTask(ctx context.Context, t model.Task) error {
	args := m.Called(ctx, t)
	return args.Error(0)
}

func (m *MockTaskRepository) GetTask(ctx context.Context, id string) (*model.Task, error) {
	args := m.Called(ctx, id)
	if v := args.Get(0); v != nil {
		return v.(*model.Task), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockTaskRepository) ListTasks(ctx context.Context) ([]model.Task, error) {
	args := m.Called(ctx)
	if v := args.Get(0); v != nil {
		return v.([]model.Task), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockTaskRepository) SavePlan(ctx context.Context, taskID string, p model.Plan) error {
	args := m.Called(ctx, taskID, p)
	return args.Error(0)
}

func (m *MockTaskRepository) GetPlan(ctx context.Context, taskID string) (*model.Plan, error) {
	args := m.Called(ctx, taskID)
	if v := args.Get(0); v != nil {
		return v.(*model.Plan), args.Error(1)
	}
	return nil, args.Error(1)
}

// MockEventRepository is a mock of storage.EventRepository.
type MockEventRepository struct{ mock.Mock }

func (m *MockEventRepository) AppendEvent(ctx context.Context, taskID string, e model.Event) error {
	args := m.Called(ctx, taskID, e)
	return args.Error(0)
}

func (m *MockEventRepository) ListEvents(ctx context.Context, taskID, runID string) ([]model.Event, error) {
	args := m.Called(ctx, taskID, runID)
	if v := args.Get(0); v != nil {
		return v.([]model.Event), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockEventRepository) LeaseRun(ctx context.Context, taskID, runID string) (func() error, error) {
	args := m.Called(ctx, taskID, runID)
	if v := args.Get(0); v != nil {
		return v.(func() error), args.Error(1)
	}
	return nil, args.Error(1)
}

// MockCheckpointRepository is a mock of storage.CheckpointRepository.
type MockCheckpointRepository struct{ mock.Mock }

func (m *MockCheckpointRepository) CreateCheckpoint(ctx context.Context, c model.Checkpoint, p model.CheckpointPatch) error {
	args := m.Called(ctx, c, p)
	return args.Error(0)
}

func (m *MockCheckpointRepository) GetCheckpoint(ctx context.Context, taskID string, id int) (*model.Checkpoint, *model.CheckpointPatch, error) {
	args := m.Called(ctx, taskID, id)
	var (
		c *model.Checkpoint
		p *model.CheckpointPatch
	)
	if v := args.Get(0); v != nil {
		c = v.(*model.Checkpoint)
	}
	if v := args.Get(1); v != nil {
		p = v.(*model.CheckpointPatch)
	}
	return c, p, args.Error(2)
}

func (m *MockCheckpointRepository) ListCheckpoints(ctx context.Context, taskID string) ([]model.Checkpoint, error) {
	args := m.Called(ctx, taskID)
	if v := args.Get(0); v != nil {
		return v.([]model.Checkpoint), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockCheckpointRepository) LastCheckpointID(ctx context.Context, taskID string) (int, error) {
	args := m.Called(ctx, taskID)
	return args.Int(0), args.Error(1)
}

// MockAuditRepository is a mock of storage.AuditRepository.
type MockAuditRepository struct{ mock.Mock }

func (m *MockAuditRepository) AppendAudit(ctx context.Context, e model.AuditEntry) error {
	args := m.Called(ctx, e)
	return args.Error(0)
}

func (m *MockAuditRepository) ListAudit(ctx context.Context, taskID string) ([]model.AuditEntry, error) {
	args := m.Called(ctx, taskID)
	if v := args.Get(0); v != nil {
		return v.([]model.AuditEntry), args.Error(1)
	}
	return nil, args.Error(1)
}

// MockRunRepository is a mock of storage.RunRepository.
type MockRunRepository struct{ mock.Mock }

func (m *MockRunRepository) CreateRun(ctx context.Context, r model.Run) error {
	args := m.Called(ctx, r)
	return args.Error(0)
}

func (m *MockRunRepository) UpdateRun(ctx context.Context, r model.Run) error {
	args := m.Called(ctx, r)
	return args.Error(0)
}

func (m *MockRunRepository) GetRun(ctx context.Context, id string) (*model.Run, error) {
	args := m.Called(ctx, id)
	if v := args.Get(0); v != nil {
		return v.(*model.Run), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRunRepository) ListRuns(ctx context.Context, taskID string) ([]model.Run, error) {
	args := m.Called(ctx, taskID)
	if v := args.Get(0); v != nil {
		return v.([]model.Run), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRunRepository) GetActiveRun(ctx context.Context, taskID string) (*model.Run, error) {
	args := m.Called(ctx, taskID)
	if v := args.Get(0); v != nil {
		return v.(*model.Run), args.Error(1)
	}
	return nil, args.Error(1)
}
