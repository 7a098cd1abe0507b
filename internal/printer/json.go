package printer

import (
	"encoding/json"
	"io"
	"time"

	"github.com/slok/autopilot/internal/kernel"
	"github.com/slok/autopilot/internal/model"
)

// JSONPrinter prints run information in JSON format.
type JSONPrinter struct {
	writer io.Writer
}

// NewJSONPrinter creates a new JSON printer.
func NewJSONPrinter(w io.Writer) *JSONPrinter {
	return &JSONPrinter{writer: w}
}

// taskOutput represents the task and plan output.
type taskOutput struct {
	Task model.Task  `json:"task"`
	Plan *model.Plan `json:"plan,omitempty"`
}

// runOutput represents a run index record.
type runOutput struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	Status    string    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	Events    int64     `json:"events"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// auditOutput represents an audit log entry.
type auditOutput struct {
	ID         string          `json:"id"`
	RunID      string          `json:"run_id"`
	ToolCallID string          `json:"tool_call_id"`
	Timestamp  time.Time       `json:"timestamp"`
	Action     string          `json:"action"`
	Decision   string          `json:"decision"`
	Reason     string          `json:"reason,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// stateOutput represents a replayed run state.
type stateOutput struct {
	RunID            string                   `json:"run_id"`
	TaskID           string                   `json:"task_id"`
	Status           string                   `json:"status"`
	Reason           string                   `json:"reason,omitempty"`
	LastError        string                   `json:"last_error,omitempty"`
	LastSeq          int64                    `json:"last_seq"`
	Iteration        int                      `json:"iteration"`
	UsedIterations   int                      `json:"used_iterations"`
	UsedToolCalls    int                      `json:"used_tool_calls"`
	Budget           model.BudgetLimits       `json:"budget"`
	Plan             model.Plan               `json:"plan"`
	LastCheckpointID int                      `json:"last_checkpoint_id,omitempty"`
	PendingDecision  *model.DecisionRequested `json:"pending_decision,omitempty"`
	LastFailure      *model.EvidencePack      `json:"last_failure,omitempty"`
}

// messageOutput represents a simple message output.
type messageOutput struct {
	Message string `json:"message"`
}

// PrintTask prints the task and its plan in JSON format.
func (j *JSONPrinter) PrintTask(task model.Task, plan *model.Plan) error {
	return j.encode(taskOutput{Task: task, Plan: plan})
}

// PrintEvent prints an event as a single JSON line, the same encoding the run log uses.
func (j *JSONPrinter) PrintEvent(e model.Event) error {
	return json.NewEncoder(j.writer).Encode(e)
}

// PrintRuns prints runs in JSON format.
func (j *JSONPrinter) PrintRuns(runs []model.Run) error {
	items := make([]runOutput, len(runs))
	for i, r := range runs {
		items[i] = runOutput{
			ID:        r.ID,
			TaskID:    r.TaskID,
			Status:    string(r.Status),
			Reason:    r.Reason,
			LastError: r.LastError,
			Events:    r.LastSeq + 1,
			CreatedAt: r.CreatedAt.UTC(),
			UpdatedAt: r.UpdatedAt.UTC(),
		}
	}
	return j.encode(items)
}

// PrintAudit prints audit entries in JSON format.
func (j *JSONPrinter) PrintAudit(entries []model.AuditEntry) error {
	items := make([]auditOutput, len(entries))
	for i, e := range entries {
		items[i] = auditOutput{
			ID:         e.ID,
			RunID:      e.RunID,
			ToolCallID: e.ToolCallID,
			Timestamp:  e.Timestamp.UTC(),
			Action:     string(e.Action),
			Decision:   string(e.Decision),
			Reason:     e.Reason,
		}
		if json.Valid([]byte(e.Payload)) {
			items[i].Payload = json.RawMessage(e.Payload)
		}
	}
	return j.encode(items)
}

// PrintCheckpoints prints checkpoints in JSON format.
func (j *JSONPrinter) PrintCheckpoints(checkpoints []model.Checkpoint) error {
	if checkpoints == nil {
		checkpoints = []model.Checkpoint{}
	}
	return j.encode(checkpoints)
}

// PrintState prints a replayed run state in JSON format.
func (j *JSONPrinter) PrintState(st kernel.State) error {
	return j.encode(stateOutput{
		RunID:            st.RunID,
		TaskID:           st.TaskID,
		Status:           string(st.Status),
		Reason:           st.Reason,
		LastError:        st.LastError,
		LastSeq:          st.LastSeq,
		Iteration:        st.Iteration,
		UsedIterations:   st.Budget.UsedIter,
		UsedToolCalls:    st.Budget.UsedToolCalls,
		Budget:           st.Budget.Limits,
		Plan:             st.Plan,
		LastCheckpointID: st.LastCheckpointID,
		PendingDecision:  st.PendingDecision,
		LastFailure:      st.LastFailure,
	})
}

// PrintMessage prints a simple message in JSON format.
func (j *JSONPrinter) PrintMessage(msg string) error {
	return j.encode(messageOutput{Message: msg})
}

func (j *JSONPrinter) encode(v any) error {
	enc := json.NewEncoder(j.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
