package model

import (
	"encoding/json"
)

// DenialKind is the check that refused an action.
type DenialKind string

const (
	DenialKindPath    DenialKind = "path"
	DenialKindCommand DenialKind = "command"
	DenialKindNetwork DenialKind = "network"
	DenialKindBudget  DenialKind = "budget"
	DenialKindUser    DenialKind = "user"
	DenialKindAction  DenialKind = "action"
)

// Denial explains why an action was never executed.
type Denial struct {
	Kind   DenialKind `json:"kind"`
	Reason string     `json:"reason"`
	// Budget is the exhausted limit when the kind is budget.
	Budget BudgetReason `json:"budget,omitempty"`
}

// PolicyViolation returns true if the denial comes from the risk policy (or the user), these
// are never retried automatically.
func (d Denial) PolicyViolation() bool {
	return d.Kind != DenialKindBudget
}

// Observation is the normalized result of a tool call. There is always one, even
// for denied or failed calls.
type Observation struct {
	ToolCallID string     `json:"toolCallId"`
	ActionType ActionType `json:"actionType"`
	OK         bool       `json:"ok"`
	Summary    string     `json:"summary"`
	ExitCode   *int       `json:"exitCode,omitempty"`
	// Output is the (truncated) text output used by text rules and failure evidence.
	Output    string   `json:"output,omitempty"`
	Truncated bool     `json:"truncated,omitempty"`
	Artifacts []string `json:"artifacts,omitempty"`
	// Raw is the collaborator specific result payload.
	Raw    json.RawMessage `json:"raw,omitempty"`
	Denial *Denial         `json:"denial,omitempty"`
	// Aborted is set when the call was cancelled by a stop.
	Aborted bool `json:"aborted,omitempty"`
}

// Denied returns true if the action never reached a collaborator.
func (o Observation) Denied() bool { return o.Denial != nil }

// ToolCallStatus is the lifecycle status of a tool call.
type ToolCallStatus string

const (
	ToolCallStatusRunning ToolCallStatus = "running"
	ToolCallStatusOK      ToolCallStatus = "ok"
	ToolCallStatusError   ToolCallStatus = "error"
)

// ToolCall is an action instance the dispatcher executes.
type ToolCall struct {
	ID        string         `json:"id"`
	StepID    string         `json:"stepId,omitempty"`
	Iteration int            `json:"iteration"`
	Action    ActionEnvelope `json:"action"`
	Status    ToolCallStatus `json:"status"`
}

// IntPtr returns a pointer to the int.
func IntPtr(i int) *int { return &i }
