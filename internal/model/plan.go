package model

import (
	"fmt"
)

// StepStatus is the status of a plan step.
type StepStatus string

const (
	StepStatusPending StepStatus = "pending"
	StepStatusRunning StepStatus = "running"
	StepStatusDone    StepStatus = "done"
	StepStatusSkipped StepStatus = "skipped"
	StepStatusError   StepStatus = "error"
)

// Valid returns true if the status is a known one.
func (s StepStatus) Valid() bool {
	switch s {
	case StepStatusPending, StepStatusRunning, StepStatusDone, StepStatusSkipped, StepStatusError:
		return true
	}
	return false
}

// Step is a single goal directed item of a plan.
type Step struct {
	ID       string     `json:"id"`
	Title    string     `json:"title"`
	Criteria string     `json:"criteria,omitempty"`
	Status   StepStatus `json:"status"`
	Done     bool       `json:"done"`
	HardStop bool       `json:"hardStop"`
	// Rules are the step level judge rules, when empty the step is judged by its batch outcome.
	Rules []JudgeRule `json:"rules,omitempty"`
	// RepairOf is set on synthesized repair steps and points to the step being repaired.
	RepairOf string `json:"repairOf,omitempty"`
}

// Complete returns true if the step doesn't need more work.
func (s Step) Complete() bool {
	return s.Done || s.Status == StepStatusDone || s.Status == StepStatusSkipped
}

// Plan is the ordered checklist a run works through. Plans are replaced as a whole.
type Plan struct {
	Version int    `json:"version"`
	Goal    string `json:"goal"`
	Steps   []Step `json:"steps"`
}

// Validate validates the plan model.
func (p Plan) Validate() error {
	ids := map[string]struct{}{}
	for i, s := range p.Steps {
		if s.ID == "" {
			return fmt.Errorf("step %d id is required: %w", i, ErrNotValid)
		}

		if _, ok := ids[s.ID]; ok {
			return fmt.Errorf("step id %q is duplicated: %w", s.ID, ErrNotValid)
		}
		ids[s.ID] = struct{}{}

		if s.Title == "" {
			return fmt.Errorf("step %q title is required: %w", s.ID, ErrNotValid)
		}

		if !s.Status.Valid() {
			return fmt.Errorf("step %q has unknown status %q: %w", s.ID, s.Status, ErrNotValid)
		}

		for _, r := range s.Rules {
			if err := r.Validate(); err != nil {
				return fmt.Errorf("step %q has an invalid rule: %w", s.ID, err)
			}
		}
	}

	return nil
}

// Copy returns a deep copy of the plan.
func (p Plan) Copy() Plan {
	steps := make([]Step, len(p.Steps))
	for i, s := range p.Steps {
		s.Rules = append([]JudgeRule(nil), s.Rules...)
		steps[i] = s
	}
	p.Steps = steps
	return p
}

// NextStep returns the index of the first incomplete step, or -1 if all are complete.
func (p Plan) NextStep() int {
	for i, s := range p.Steps {
		if !s.Complete() {
			return i
		}
	}
	return -1
}

// StepIndex returns the index of the step with the id, or -1.
func (p Plan) StepIndex(id string) int {
	for i, s := range p.Steps {
		if s.ID == id {
			return i
		}
	}
	return -1
}

// AllDone returns true if every step is complete.
func (p Plan) AllDone() bool {
	return p.NextStep() == -1
}
