package model

import (
	"fmt"
	"regexp"
	"time"
)

var taskIDRegexp = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// Autonomy is the degree of self-direction the loop has.
type Autonomy string

const (
	// AutonomyAuto executes every action the risk policy approves.
	AutonomyAuto Autonomy = "auto"
	// AutonomySemi asks for confirmation before any mutating action.
	AutonomySemi Autonomy = "semi"
	// AutonomyPlanOnly never executes actions, only records proposals.
	AutonomyPlanOnly Autonomy = "plan-only"
)

// CommandPolicy selects how terminal commands are screened.
type CommandPolicy string

const (
	CommandPolicyConfirm   CommandPolicy = "confirm"
	CommandPolicyAllowlist CommandPolicy = "allowlist"
	CommandPolicyBlocklist CommandPolicy = "blocklist"
)

// PathPolicy selects how filesystem paths are screened.
type PathPolicy string

const (
	PathPolicyWorkspaceOnly PathPolicy = "workspace_only"
	PathPolicyAllowlist     PathPolicy = "allowlist"
)

// RiskPolicy are the sandboxing rules for paths, commands and network.
type RiskPolicy struct {
	AllowNetwork  bool          `json:"allowNetwork"`
	CommandPolicy CommandPolicy `json:"commandPolicy"`
	PathPolicy    PathPolicy    `json:"pathPolicy"`
	// CommandAllowlist are the program names (or command prefixes) allowed under the allowlist policy.
	CommandAllowlist []string `json:"commandAllowlist,omitempty"`
	// CommandBlocklist are extra command patterns denied under the blocklist policy.
	CommandBlocklist []string `json:"commandBlocklist,omitempty"`
	// PathAllowlist are the extra roots admitted under the allowlist path policy.
	PathAllowlist []string `json:"pathAllowlist,omitempty"`
}

// Validate validates the risk policy.
func (r RiskPolicy) Validate() error {
	switch r.CommandPolicy {
	case CommandPolicyConfirm, CommandPolicyAllowlist, CommandPolicyBlocklist:
	default:
		return fmt.Errorf("unknown command policy %q: %w", r.CommandPolicy, ErrNotValid)
	}

	switch r.PathPolicy {
	case PathPolicyWorkspaceOnly, PathPolicyAllowlist:
	default:
		return fmt.Errorf("unknown path policy %q: %w", r.PathPolicy, ErrNotValid)
	}

	if r.PathPolicy == PathPolicyAllowlist && len(r.PathAllowlist) == 0 {
		return fmt.Errorf("path allowlist policy requires at least one allowed path: %w", ErrNotValid)
	}

	return nil
}

// Task is the mission configuration a run executes.
type Task struct {
	ID        string `json:"taskId"`
	Workspace string `json:"workspace"`
	Goal      string `json:"goal"`
	// Completion are the global judge rules that certify the run as done.
	Completion []JudgeRule  `json:"completion,omitempty"`
	Budget     BudgetLimits `json:"budget"`
	RiskPolicy RiskPolicy   `json:"riskPolicy"`
	Autonomy   Autonomy     `json:"autonomy"`

	// CheckpointEvery creates a checkpoint every N iterations (0 disables it).
	// A checkpoint is always created after a step passes.
	CheckpointEvery int `json:"checkpointEvery"`
	// MaxRepairRounds bounds the consecutive repair steps injected for a step.
	MaxRepairRounds int `json:"maxRepairRounds"`
	// MaxActionsPerIteration bounds the proposed batch size.
	MaxActionsPerIteration int `json:"maxActionsPerIteration"`

	CreatedAt time.Time `json:"createdAt"`
}

// Validate validates the task model.
func (t Task) Validate() error {
	if err := ValidateTaskID(t.ID); err != nil {
		return err
	}

	if t.Workspace == "" {
		return fmt.Errorf("workspace is required: %w", ErrNotValid)
	}

	if t.Goal == "" {
		return fmt.Errorf("goal is required: %w", ErrNotValid)
	}

	switch t.Autonomy {
	case AutonomyAuto, AutonomySemi, AutonomyPlanOnly:
	default:
		return fmt.Errorf("unknown autonomy %q: %w", t.Autonomy, ErrNotValid)
	}

	if err := t.Budget.Validate(); err != nil {
		return fmt.Errorf("invalid budget: %w", err)
	}

	if err := t.RiskPolicy.Validate(); err != nil {
		return fmt.Errorf("invalid risk policy: %w", err)
	}

	if t.CheckpointEvery < 0 {
		return fmt.Errorf("checkpoint every can't be negative: %w", ErrNotValid)
	}

	if t.MaxRepairRounds < 0 {
		return fmt.Errorf("max repair rounds can't be negative: %w", ErrNotValid)
	}

	if t.MaxActionsPerIteration <= 0 {
		return fmt.Errorf("max actions per iteration must be positive: %w", ErrNotValid)
	}

	for _, r := range t.Completion {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("invalid completion rule: %w", err)
		}
	}

	return nil
}

// ValidateTaskID validates a task identifier, it's used as a directory name.
func ValidateTaskID(id string) error {
	if id == "" {
		return fmt.Errorf("task id is required: %w", ErrNotValid)
	}

	if !taskIDRegexp.MatchString(id) {
		return fmt.Errorf("task id %q is invalid (allowed: [a-zA-Z0-9._-]): %w", id, ErrNotValid)
	}

	return nil
}
