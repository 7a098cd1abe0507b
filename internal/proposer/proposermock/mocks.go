package proposermock

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/slok/autopilot/internal/model"
	"github.com/slok/autopilot/internal/proposer"
)

var (
	_ proposer.Proposer = &MockProposer{}
	_ proposer.Planner  = &MockPlanner{}
)

// MockProposer is a mock of proposer.Proposer.
type MockProposer struct{ mock.Mock }

func (m *MockProposer) Propose(ctx context.Context, req proposer.Request, onChunk proposer.ChunkFunc) (*proposer.Proposal, error) {
	args := m.Called(ctx, req, onChunk)
	if v := args.Get(0); v != nil {
		return v.(*proposer.Proposal), args.Error(1)
	}
	return nil, args.Error(1)
}

// MockPlanner is a mock of proposer.Planner.
type MockPlanner struct{ mock.Mock }

func (m *MockPlanner) Plan(ctx context.Context, goal string) (*model.Plan, error) {
	args := m.Called(ctx, goal)
	if v := args.Get(0); v != nil {
		return v.(*model.Plan), args.Error(1)
	}
	return nil, args.Error(1)
}
