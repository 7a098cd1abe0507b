package audit_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/slok/autopilot/internal/app/audit"
	"github.com/slok/autopilot/internal/log"
	"github.com/slok/autopilot/internal/model"
	"github.com/slok/autopilot/internal/storage/storagemock"
)

func TestNewService(t *testing.T) {
	tests := map[string]struct {
		config audit.ServiceConfig
		expErr bool
	}{
		"valid config should create service": {
			config: audit.ServiceConfig{
				Repository: &storagemock.MockAuditRepository{},
				Logger:     log.Noop,
			},
		},
		"missing repository should fail": {
			config: audit.ServiceConfig{Logger: log.Noop},
			expErr: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			require := require.New(t)

			svc, err := audit.NewService(test.config)

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

func TestService_Run(t *testing.T) {
	ts := time.Date(2026, 1, 30, 10, 0, 0, 0, time.UTC)
	denied := model.AuditDecisionDenied

	entries := []model.AuditEntry{
		{ID: "a1", TaskID: "task-1", RunID: "run-1", ToolCallID: "tc1", Timestamp: ts, Action: model.ActionTerminalRun, Decision: model.AuditDecisionApproved},
		{ID: "a2", TaskID: "task-1", RunID: "run-1", ToolCallID: "tc2", Timestamp: ts, Action: model.ActionBrowserFetch, Decision: model.AuditDecisionDenied, Reason: "network is not allowed"},
		{ID: "a3", TaskID: "task-1", RunID: "run-2", ToolCallID: "tc1", Timestamp: ts, Action: model.ActionFSWrite, Decision: model.AuditDecisionDenied, Reason: "outside of the workspace"},
	}

	tests := map[string]struct {
		mock      func(m *storagemock.MockAuditRepository)
		req       audit.Request
		expResult []model.AuditEntry
		expErr    bool
	}{
		"All the entries of a task should be returned.": {
			mock: func(m *storagemock.MockAuditRepository) {
				m.On("ListAudit", mock.Anything, "task-1").Once().Return(entries, nil)
			},
			req:       audit.Request{TaskID: "task-1"},
			expResult: entries,
		},
		"Entries should be filtered by run.": {
			mock: func(m *storagemock.MockAuditRepository) {
				m.On("ListAudit", mock.Anything, "task-1").Once().Return(entries, nil)
			},
			req:       audit.Request{TaskID: "task-1", RunID: "run-2"},
			expResult: []model.AuditEntry{entries[2]},
		},
		"Entries should be filtered by decision.": {
			mock: func(m *storagemock.MockAuditRepository) {
				m.On("ListAudit", mock.Anything, "task-1").Once().Return(entries, nil)
			},
			req:       audit.Request{TaskID: "task-1", RunID: "run-1", DecisionFilter: &denied},
			expResult: []model.AuditEntry{entries[1]},
		},
		"A repository error should propagate.": {
			mock: func(m *storagemock.MockAuditRepository) {
				m.On("ListAudit", mock.Anything, "task-1").Once().Return(nil, fmt.Errorf("database error"))
			},
			req:    audit.Request{TaskID: "task-1"},
			expErr: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			m := &storagemock.MockAuditRepository{}
			test.mock(m)

			svc, err := audit.NewService(audit.ServiceConfig{Repository: m})
			require.NoError(err)

			result, err := svc.Run(context.Background(), test.req)

			if test.expErr {
				assert.Error(err)
			} else {
				assert.NoError(err)
				assert.Equal(test.expResult, result)
			}

			m.AssertExpectations(t)
		})
	}
}
