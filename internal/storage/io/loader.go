package io

import (
	"context"
	"fmt"
	"io/fs"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/slok/autopilot/internal/model"
)

// Task config defaults.
const (
	DefaultMaxIterations          = 8
	DefaultMaxToolCalls           = 64
	DefaultMaxWallTime            = 30 * time.Minute
	DefaultMaxRepairRounds        = 3
	DefaultMaxActionsPerIteration = 8
)

// TaskYAMLRepository loads task configuration from YAML files.
type TaskYAMLRepository struct {
	fs fs.FS
}

// NewTaskYAMLRepository creates a new YAML task config repository.
func NewTaskYAMLRepository(filesystem fs.FS) *TaskYAMLRepository {
	return &TaskYAMLRepository{fs: filesystem}
}

// GetTask loads a task configuration from a YAML file and returns the validated domain
// models. The plan is nil when the config doesn't declare one.
func (r *TaskYAMLRepository) GetTask(ctx context.Context, path string) (model.Task, *model.Plan, error) {
	data, err := fs.ReadFile(r.fs, path)
	if err != nil {
		return model.Task{}, nil, fmt.Errorf("reading config file: %w", err)
	}

	if ctx.Err() != nil {
		return model.Task{}, nil, ctx.Err()
	}

	return ParseTask(data)
}

// ParseTask parses and validates a YAML task config.
func ParseTask(data []byte) (model.Task, *model.Plan, error) {
	var cfg TaskConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return model.Task{}, nil, fmt.Errorf("parsing YAML: %w", err)
	}

	task, plan := cfg.toModel()

	if err := task.Validate(); err != nil {
		return model.Task{}, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if plan != nil {
		if err := plan.Validate(); err != nil {
			return model.Task{}, nil, fmt.Errorf("invalid plan: %w", err)
		}
	}

	return task, plan, nil
}

// MarshalTask encodes a task (and optional plan) as a YAML config document.
func MarshalTask(t model.Task, p *model.Plan) ([]byte, error) {
	cfg := fromModel(t, p)
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("could not marshal task: %w", err)
	}
	return data, nil
}

// TaskConfig represents the YAML structure of a task configuration.
type TaskConfig struct {
	TaskID                 string            `yaml:"taskId"`
	Workspace              string            `yaml:"workspace"`
	Goal                   string            `yaml:"goal"`
	Completion             []JudgeRuleConfig `yaml:"completion,omitempty"`
	Budget                 BudgetConfig      `yaml:"budget"`
	RiskPolicy             RiskPolicyConfig  `yaml:"riskPolicy"`
	Autonomy               string            `yaml:"autonomy,omitempty"`
	CheckpointEvery        int               `yaml:"checkpointEvery,omitempty"`
	MaxRepairRounds        *int              `yaml:"maxRepairRounds,omitempty"`
	MaxActionsPerIteration int               `yaml:"maxActionsPerIteration,omitempty"`
	Plan                   *PlanConfig       `yaml:"plan,omitempty"`
}

// BudgetConfig represents the YAML structure of the budget limits.
type BudgetConfig struct {
	MaxIterations int   `yaml:"maxIterations,omitempty"`
	MaxToolCalls  int   `yaml:"maxToolCalls,omitempty"`
	MaxWallTimeMs int64 `yaml:"maxWallTimeMs,omitempty"`
}

// RiskPolicyConfig represents the YAML structure of the risk policy.
type RiskPolicyConfig struct {
	AllowNetwork     bool     `yaml:"allowNetwork"`
	CommandPolicy    string   `yaml:"commandPolicy,omitempty"`
	PathPolicy       string   `yaml:"pathPolicy,omitempty"`
	CommandAllowlist []string `yaml:"commandAllowlist,omitempty"`
	CommandBlocklist []string `yaml:"commandBlocklist,omitempty"`
	PathAllowlist    []string `yaml:"pathAllowlist,omitempty"`
}

// JudgeRuleConfig represents the YAML structure of a judge rule.
type JudgeRuleConfig struct {
	ID           string            `yaml:"id"`
	Type         string            `yaml:"type"`
	Command      []string          `yaml:"command,omitempty"`
	SuccessMatch string            `yaml:"successMatch,omitempty"`
	FailMatch    string            `yaml:"failMatch,omitempty"`
	Path         string            `yaml:"path,omitempty"`
	Source       string            `yaml:"source,omitempty"`
	Mode         string            `yaml:"mode,omitempty"`
	Rules        []JudgeRuleConfig `yaml:"rules,omitempty"`
}

// PlanConfig represents the YAML structure of an initial plan.
type PlanConfig struct {
	Goal  string       `yaml:"goal,omitempty"`
	Steps []StepConfig `yaml:"steps"`
}

// StepConfig represents the YAML structure of a plan step.
type StepConfig struct {
	ID       string            `yaml:"id"`
	Title    string            `yaml:"title"`
	Criteria string            `yaml:"criteria,omitempty"`
	HardStop bool              `yaml:"hardStop,omitempty"`
	Rules    []JudgeRuleConfig `yaml:"rules,omitempty"`
}

func (c TaskConfig) toModel() (model.Task, *model.Plan) {
	t := model.Task{
		ID:        c.TaskID,
		Workspace: c.Workspace,
		Goal:      c.Goal,
		Budget: model.BudgetLimits{
			MaxIterations: c.Budget.MaxIterations,
			MaxToolCalls:  c.Budget.MaxToolCalls,
			MaxWallTime:   time.Duration(c.Budget.MaxWallTimeMs) * time.Millisecond,
		},
		RiskPolicy: model.RiskPolicy{
			AllowNetwork:     c.RiskPolicy.AllowNetwork,
			CommandPolicy:    model.CommandPolicy(c.RiskPolicy.CommandPolicy),
			PathPolicy:       model.PathPolicy(c.RiskPolicy.PathPolicy),
			CommandAllowlist: c.RiskPolicy.CommandAllowlist,
			CommandBlocklist: c.RiskPolicy.CommandBlocklist,
			PathAllowlist:    c.RiskPolicy.PathAllowlist,
		},
		Autonomy:               model.Autonomy(c.Autonomy),
		CheckpointEvery:        c.CheckpointEvery,
		MaxRepairRounds:        DefaultMaxRepairRounds,
		MaxActionsPerIteration: c.MaxActionsPerIteration,
		Completion:             rulesToModel(c.Completion),
	}

	// Defaults.
	if t.Budget.MaxIterations == 0 {
		t.Budget.MaxIterations = DefaultMaxIterations
	}
	if t.Budget.MaxToolCalls == 0 {
		t.Budget.MaxToolCalls = DefaultMaxToolCalls
	}
	if t.Budget.MaxWallTime == 0 {
		t.Budget.MaxWallTime = DefaultMaxWallTime
	}
	if t.RiskPolicy.CommandPolicy == "" {
		t.RiskPolicy.CommandPolicy = model.CommandPolicyBlocklist
	}
	if t.RiskPolicy.PathPolicy == "" {
		t.RiskPolicy.PathPolicy = model.PathPolicyWorkspaceOnly
	}
	if t.Autonomy == "" {
		t.Autonomy = model.AutonomyAuto
	}
	if c.MaxRepairRounds != nil {
		t.MaxRepairRounds = *c.MaxRepairRounds
	}
	if t.MaxActionsPerIteration == 0 {
		t.MaxActionsPerIteration = DefaultMaxActionsPerIteration
	}

	if c.Plan == nil {
		return t, nil
	}

	p := c.Plan.ToModel(c.Goal)
	return t, &p
}

// ToModel returns the plan model, the goal is used when the plan doesn't set one.
func (c PlanConfig) ToModel(goal string) model.Plan {
	p := model.Plan{Version: 1, Goal: c.Goal}
	if p.Goal == "" {
		p.Goal = goal
	}
	for _, s := range c.Steps {
		p.Steps = append(p.Steps, model.Step{
			ID:       s.ID,
			Title:    s.Title,
			Criteria: s.Criteria,
			Status:   model.StepStatusPending,
			HardStop: s.HardStop,
			Rules:    rulesToModel(s.Rules),
		})
	}
	return p
}

func rulesToModel(rules []JudgeRuleConfig) []model.JudgeRule {
	if len(rules) == 0 {
		return nil
	}

	res := make([]model.JudgeRule, 0, len(rules))
	for _, r := range rules {
		res = append(res, model.JudgeRule{
			ID:           r.ID,
			Type:         model.JudgeRuleType(r.Type),
			Command:      r.Command,
			SuccessMatch: r.SuccessMatch,
			FailMatch:    r.FailMatch,
			Path:         r.Path,
			Source:       model.ActionType(r.Source),
			Mode:         model.CompositeMode(r.Mode),
			Rules:        rulesToModel(r.Rules),
		})
	}
	return res
}

func fromModel(t model.Task, p *model.Plan) TaskConfig {
	repair := t.MaxRepairRounds
	cfg := TaskConfig{
		TaskID:    t.ID,
		Workspace: t.Workspace,
		Goal:      t.Goal,
		Budget: BudgetConfig{
			MaxIterations: t.Budget.MaxIterations,
			MaxToolCalls:  t.Budget.MaxToolCalls,
			MaxWallTimeMs: t.Budget.MaxWallTime.Milliseconds(),
		},
		RiskPolicy: RiskPolicyConfig{
			AllowNetwork:     t.RiskPolicy.AllowNetwork,
			CommandPolicy:    string(t.RiskPolicy.CommandPolicy),
			PathPolicy:       string(t.RiskPolicy.PathPolicy),
			CommandAllowlist: t.RiskPolicy.CommandAllowlist,
			CommandBlocklist: t.RiskPolicy.CommandBlocklist,
			PathAllowlist:    t.RiskPolicy.PathAllowlist,
		},
		Autonomy:               string(t.Autonomy),
		CheckpointEvery:        t.CheckpointEvery,
		MaxRepairRounds:        &repair,
		MaxActionsPerIteration: t.MaxActionsPerIteration,
		Completion:             rulesFromModel(t.Completion),
	}

	if p != nil {
		cfg.Plan = &PlanConfig{Goal: p.Goal}
		for _, s := range p.Steps {
			cfg.Plan.Steps = append(cfg.Plan.Steps, StepConfig{
				ID:       s.ID,
				Title:    s.Title,
				Criteria: s.Criteria,
				HardStop: s.HardStop,
				Rules:    rulesFromModel(s.Rules),
			})
		}
	}

	return cfg
}

func rulesFromModel(rules []model.JudgeRule) []JudgeRuleConfig {
	if len(rules) == 0 {
		return nil
	}

	res := make([]JudgeRuleConfig, 0, len(rules))
	for _, r := range rules {
		res = append(res, JudgeRuleConfig{
			ID:           r.ID,
			Type:         string(r.Type),
			Command:      r.Command,
			SuccessMatch: r.SuccessMatch,
			FailMatch:    r.FailMatch,
			Path:         r.Path,
			Source:       string(r.Source),
			Mode:         string(r.Mode),
			Rules:        rulesFromModel(r.Rules),
		})
	}
	return res
}
