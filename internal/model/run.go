package model

import (
	"time"
)

// RunStatus is the status of the loop engine for a run.
type RunStatus string

const (
	RunStatusIdle         RunStatus = "IDLE"
	RunStatusRunning      RunStatus = "RUNNING"
	RunStatusPaused       RunStatus = "PAUSED"
	RunStatusAwaitingUser RunStatus = "AWAITING_USER"
	RunStatusError        RunStatus = "ERROR"
	RunStatusDone         RunStatus = "DONE"
)

// Terminal returns true if the status can't transition anymore.
func (s RunStatus) Terminal() bool {
	return s == RunStatusDone || s == RunStatusError
}

var runTransitions = map[RunStatus][]RunStatus{
	RunStatusIdle:         {RunStatusRunning, RunStatusError},
	RunStatusRunning:      {RunStatusPaused, RunStatusAwaitingUser, RunStatusError, RunStatusDone},
	RunStatusPaused:       {RunStatusRunning, RunStatusError},
	RunStatusAwaitingUser: {RunStatusRunning, RunStatusError},
}

// CanTransition returns true if the state machine allows going from s to to.
// Any non terminal state can be aborted into ERROR.
func (s RunStatus) CanTransition(to RunStatus) bool {
	for _, t := range runTransitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

// Well known transition reasons.
const (
	ReasonStarted         = "started"
	ReasonResumed         = "resumed"
	ReasonPaused          = "paused"
	ReasonAborted         = "aborted"
	ReasonCompleted       = "completed"
	ReasonConfirmRequired = "confirm_required"
	ReasonPlanOnly        = "plan_only"
	ReasonRepairExhausted = "repair_exhausted"
	ReasonHardStopPrefix  = "hard_stop:"
	ReasonFatal           = "fatal"
	ReasonInterrupted     = "interrupted"
)

// Run is the index record of a run of a task.
type Run struct {
	ID        string
	TaskID    string
	Status    RunStatus
	Reason    string
	LastError string
	LastSeq   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Active returns true if the run is not in a terminal state.
func (r Run) Active() bool { return !r.Status.Terminal() }
