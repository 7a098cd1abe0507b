package lib

import (
	"github.com/slok/autopilot/internal/kernel"
	"github.com/slok/autopilot/internal/model"
	"github.com/slok/autopilot/internal/proposer"
)

// Task, plan and run records.
type (
	Task       = model.Task
	Plan       = model.Plan
	Step       = model.Step
	Run        = model.Run
	RunStatus  = model.RunStatus
	Event      = model.Event
	EventType  = model.EventType
	Checkpoint = model.Checkpoint
	AuditEntry = model.AuditEntry
	// State is the state of a run rebuilt from its event log.
	State = kernel.State
	// UserInput answers a run waiting for the user.
	UserInput     = kernel.UserInput
	Decision      = model.Decision
	AuditDecision = model.AuditDecision
)

// Model collaborators.
type (
	Proposer        = proposer.Proposer
	Planner         = proposer.Planner
	ProposerFunc    = proposer.ProposerFunc
	ProposerRequest = proposer.Request
	Proposal        = proposer.Proposal
	ChunkFunc       = proposer.ChunkFunc
)

// Actions a proposal can use, wrapped in an ActionEnvelope.
type (
	Action            = model.Action
	ActionEnvelope    = model.ActionEnvelope
	TerminalRun       = model.TerminalRun
	TerminalExec      = model.TerminalExec
	FSRead            = model.FSRead
	FSWrite           = model.FSWrite
	FSApplyPatch      = model.FSApplyPatch
	FSSearch          = model.FSSearch
	GitStatus         = model.GitStatus
	GitDiff           = model.GitDiff
	GitCommit         = model.GitCommit
	CheckpointCreate  = model.CheckpointCreate
	CheckpointRestore = model.CheckpointRestore
	BrowserFetch      = model.BrowserFetch
)

const (
	RunStatusIdle         = model.RunStatusIdle
	RunStatusRunning      = model.RunStatusRunning
	RunStatusPaused       = model.RunStatusPaused
	RunStatusAwaitingUser = model.RunStatusAwaitingUser
	RunStatusError        = model.RunStatusError
	RunStatusDone         = model.RunStatusDone

	DecisionApprove = model.DecisionApprove
	DecisionDeny    = model.DecisionDeny
)

var (
	// ErrNotFound is returned when a task, run or checkpoint doesn't exist.
	ErrNotFound = model.ErrNotFound
	// ErrAlreadyExists is returned when a task already has an active run.
	ErrAlreadyExists = model.ErrAlreadyExists
	// ErrNotValid is returned on invalid input.
	ErrNotValid = model.ErrNotValid
	// ErrInvalidTransition is returned when a run can't do an operation in its status.
	ErrInvalidTransition = model.ErrInvalidTransition
)
