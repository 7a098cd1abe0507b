package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// BudgetLimits are the consumption limits of a run.
type BudgetLimits struct {
	MaxIterations int
	MaxToolCalls  int
	MaxWallTime   time.Duration
}

// Validate validates the budget limits.
func (b BudgetLimits) Validate() error {
	if b.MaxIterations <= 0 {
		return fmt.Errorf("max iterations must be positive: %w", ErrNotValid)
	}
	if b.MaxToolCalls <= 0 {
		return fmt.Errorf("max tool calls must be positive: %w", ErrNotValid)
	}
	if b.MaxWallTime <= 0 {
		return fmt.Errorf("max wall time must be positive: %w", ErrNotValid)
	}
	return nil
}

// Budget is the used/max accounting of a run.
type Budget struct {
	Limits        BudgetLimits
	UsedIter      int
	UsedToolCalls int
	// WindowStart is when the current wall time window began.
	WindowStart time.Time
}

// BudgetReason identifies which limit forced a pause.
type BudgetReason string

const (
	BudgetReasonIterations BudgetReason = "iterations_exhausted"
	BudgetReasonToolCalls  BudgetReason = "tool_calls_exhausted"
	BudgetReasonWallTime   BudgetReason = "wall_time_exhausted"
)

type budgetLimitsJSON struct {
	MaxIterations int   `json:"maxIterations"`
	MaxToolCalls  int   `json:"maxToolCalls"`
	MaxWallTimeMs int64 `json:"maxWallTimeMs"`
}

// MarshalJSON satisfies json.Marshaler, wall time is encoded in milliseconds.
func (b BudgetLimits) MarshalJSON() ([]byte, error) {
	return json.Marshal(budgetLimitsJSON{
		MaxIterations: b.MaxIterations,
		MaxToolCalls:  b.MaxToolCalls,
		MaxWallTimeMs: b.MaxWallTime.Milliseconds(),
	})
}

// UnmarshalJSON satisfies json.Unmarshaler.
func (b *BudgetLimits) UnmarshalJSON(data []byte) error {
	var j budgetLimitsJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	*b = BudgetLimits{
		MaxIterations: j.MaxIterations,
		MaxToolCalls:  j.MaxToolCalls,
		MaxWallTime:   time.Duration(j.MaxWallTimeMs) * time.Millisecond,
	}
	return nil
}
