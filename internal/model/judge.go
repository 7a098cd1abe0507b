package model

import (
	"fmt"
	"regexp"
)

// JudgeRuleType is the kind of a judge rule.
type JudgeRuleType string

const (
	// JudgeRuleCommand runs a command and matches its output.
	JudgeRuleCommand JudgeRuleType = "command"
	// JudgeRuleFileExists passes when the path exists.
	JudgeRuleFileExists JudgeRuleType = "file_exists"
	// JudgeRuleFileAbsent passes when the path doesn't exist.
	JudgeRuleFileAbsent JudgeRuleType = "file_absent"
	// JudgeRuleTextMatch matches the output of the tool calls already run in the iteration.
	JudgeRuleTextMatch JudgeRuleType = "text_match"
	// JudgeRuleComposite aggregates child rules.
	JudgeRuleComposite JudgeRuleType = "composite"
)

// CompositeMode is how a composite rule aggregates its children.
type CompositeMode string

const (
	CompositeModeAll CompositeMode = "all"
	CompositeModeAny CompositeMode = "any"
)

// JudgeRule is a single objective check.
type JudgeRule struct {
	ID   string        `json:"id"`
	Type JudgeRuleType `json:"type"`
	// Command is the argv for command rules.
	Command []string `json:"command,omitempty"`
	// SuccessMatch is a regexp that must match the output for the rule to pass.
	SuccessMatch string `json:"successMatch,omitempty"`
	// FailMatch is a regexp that fails the rule when it matches the output.
	FailMatch string `json:"failMatch,omitempty"`
	// Path is the workspace relative path for file rules.
	Path string `json:"path,omitempty"`
	// Source restricts text match rules to observations of an action type (e.g. terminal.run).
	Source ActionType `json:"source,omitempty"`
	// Mode and Rules are used by composite rules.
	Mode  CompositeMode `json:"mode,omitempty"`
	Rules []JudgeRule   `json:"rules,omitempty"`
}

// Validate validates the judge rule.
func (r JudgeRule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("judge rule id is required: %w", ErrNotValid)
	}

	for _, expr := range []string{r.SuccessMatch, r.FailMatch} {
		if expr == "" {
			continue
		}
		if _, err := regexp.Compile(expr); err != nil {
			return fmt.Errorf("rule %q has an invalid pattern %q: %w", r.ID, expr, ErrNotValid)
		}
	}

	switch r.Type {
	case JudgeRuleCommand:
		if len(r.Command) == 0 {
			return fmt.Errorf("command rule %q requires a command: %w", r.ID, ErrNotValid)
		}
	case JudgeRuleFileExists, JudgeRuleFileAbsent:
		if r.Path == "" {
			return fmt.Errorf("file rule %q requires a path: %w", r.ID, ErrNotValid)
		}
	case JudgeRuleTextMatch:
		if r.SuccessMatch == "" && r.FailMatch == "" {
			return fmt.Errorf("text match rule %q requires a success or fail match: %w", r.ID, ErrNotValid)
		}
	case JudgeRuleComposite:
		if r.Mode != CompositeModeAll && r.Mode != CompositeModeAny {
			return fmt.Errorf("composite rule %q has unknown mode %q: %w", r.ID, r.Mode, ErrNotValid)
		}
		if len(r.Rules) == 0 {
			return fmt.Errorf("composite rule %q requires child rules: %w", r.ID, ErrNotValid)
		}
		for _, c := range r.Rules {
			if err := c.Validate(); err != nil {
				return fmt.Errorf("composite rule %q: %w", r.ID, err)
			}
		}
	default:
		return fmt.Errorf("rule %q has unknown type %q: %w", r.ID, r.Type, ErrNotValid)
	}

	return nil
}

// JudgeStatus is a verdict.
type JudgeStatus string

const (
	JudgeStatusPass    JudgeStatus = "pass"
	JudgeStatusFail    JudgeStatus = "fail"
	JudgeStatusPending JudgeStatus = "pending"
)

// JudgeCheck is the outcome of a single rule.
type JudgeCheck struct {
	ID       string        `json:"id"`
	Type     JudgeRuleType `json:"type"`
	Status   JudgeStatus   `json:"status"`
	Reason   string        `json:"reason,omitempty"`
	Evidence []string      `json:"evidence,omitempty"`
}

// JudgeResult is the aggregated verdict of a rule set.
type JudgeResult struct {
	Status  JudgeStatus  `json:"status"`
	Reasons []string     `json:"reasons"`
	Checks  []JudgeCheck `json:"checks"`
	// Evidence are references into the event log (tool call ids and event sequences).
	Evidence []string `json:"evidence"`
}
