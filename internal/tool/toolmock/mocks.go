package toolmock

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/slok/autopilot/internal/model"
	"github.com/slok/autopilot/internal/tool"
)

var (
	_ tool.Terminal     = &MockTerminal{}
	_ tool.Filesystem   = &MockFilesystem{}
	_ tool.Git          = &MockGit{}
	_ tool.Browser      = &MockBrowser{}
	_ tool.Checkpointer = &MockCheckpointer{}
)

// MockTerminal is a mock of tool.Terminal.
type MockTerminal struct{ mock.Mock }

func (m *MockTerminal) Run(ctx context.Context, req tool.TerminalRequest, onChunk tool.ChunkFunc) (*tool.TerminalResult, error) {
	args := m.Called(ctx, req, onChunk)
	if v := args.Get(0); v != nil {
		return v.(*tool.TerminalResult), args.Error(1)
	}
	return nil, args.Error(1)
}

// MockFilesystem is a mock of tool.Filesystem.
type MockFilesystem struct{ mock.Mock }

func (m *MockFilesystem) Read(ctx context.Context, path string) (*tool.FileContent, error) {
	args := m.Called(ctx, path)
	if v := args.Get(0); v != nil {
		return v.(*tool.FileContent), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockFilesystem) Write(ctx context.Context, path string, content []byte) (*tool.WriteResult, error) {
	args := m.Called(ctx, path, content)
	if v := args.Get(0); v != nil {
		return v.(*tool.WriteResult), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockFilesystem) ApplyPatch(ctx context.Context, path string, patch string) (*tool.WriteResult, error) {
	args := m.Called(ctx, path, patch)
	if v := args.Get(0); v != nil {
		return v.(*tool.WriteResult), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockFilesystem) Search(ctx context.Context, pattern string, paths []string) ([]tool.SearchMatch, error) {
	args := m.Called(ctx, pattern, paths)
	if v := args.Get(0); v != nil {
		return v.([]tool.SearchMatch), args.Error(1)
	}
	return nil, args.Error(1)
}

// MockGit is a mock of tool.Git.
type MockGit struct{ mock.Mock }

func (m *MockGit) Status(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockGit) Diff(ctx context.Context, path string) (string, error) {
	args := m.Called(ctx, path)
	return args.String(0), args.Error(1)
}

func (m *MockGit) Commit(ctx context.Context, message string) (string, error) {
	args := m.Called(ctx, message)
	return args.String(0), args.Error(1)
}

// MockBrowser is a mock of tool.Browser.
type MockBrowser struct{ mock.Mock }

func (m *MockBrowser) Fetch(ctx context.Context, url string) (*tool.FetchResult, error) {
	args := m.Called(ctx, url)
	if v := args.Get(0); v != nil {
		return v.(*tool.FetchResult), args.Error(1)
	}
	return nil, args.Error(1)
}

// MockCheckpointer is a mock of tool.Checkpointer.
type MockCheckpointer struct{ mock.Mock }

func (m *MockCheckpointer) Create(ctx context.Context, label string) (*model.Checkpoint, error) {
	args := m.Called(ctx, label)
	if v := args.Get(0); v != nil {
		return v.(*model.Checkpoint), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockCheckpointer) Restore(ctx context.Context, id int) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}
