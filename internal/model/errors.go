package model

import "errors"

var (
	// ErrNotFound is returned when a resource is not found.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when a resource already exists.
	ErrAlreadyExists = errors.New("already exists")
	// ErrNotValid is returned when a resource is not valid.
	ErrNotValid = errors.New("not valid")

	// ErrPolicyViolation is returned when the risk policy denies an action.
	ErrPolicyViolation = errors.New("policy violation")
	// ErrToolExecution is returned when a tool collaborator fails to execute an action.
	ErrToolExecution = errors.New("tool execution error")
	// ErrEventLog is returned when the event log can't be appended to. It's fatal for a run.
	ErrEventLog = errors.New("event log failure")
	// ErrInvalidTransition is returned when a command is not valid for the current run state.
	ErrInvalidTransition = errors.New("invalid state transition")
)
