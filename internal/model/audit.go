package model

import (
	"time"
)

// AuditDecision is the outcome recorded for a tool invocation attempt.
type AuditDecision string

const (
	AuditDecisionApproved     AuditDecision = "approved"
	AuditDecisionDenied       AuditDecision = "denied"
	AuditDecisionConfirm      AuditDecision = "confirm_requested"
	AuditDecisionUserApproved AuditDecision = "user_approved"
	AuditDecisionUserDenied   AuditDecision = "user_denied"
)

// AuditEntry records every tool invocation attempt, approved or not.
type AuditEntry struct {
	ID         string
	TaskID     string
	RunID      string
	ToolCallID string
	Timestamp  time.Time
	Action     ActionType
	Decision   AuditDecision
	Reason     string
	// Payload is the JSON encoded action.
	Payload string
}

// AuditName returns the dotted name of the entry (e.g. `tool.terminal.run.denied`).
func (a AuditEntry) AuditName() string {
	return "tool." + string(a.Action) + "." + string(a.Decision)
}
