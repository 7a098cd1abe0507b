package model

// EvidencePack bundles what supports the verdict of an iteration.
type EvidencePack struct {
	Iteration int    `json:"iteration"`
	StepID    string `json:"stepId"`
	// ToolCalls are the ids of the tool calls run in the iteration.
	ToolCalls []string `json:"toolCalls"`
	// Diff is the working tree diff summary after the iteration.
	Diff    string   `json:"diff,omitempty"`
	Errors  []string `json:"errors,omitempty"`
	Summary string   `json:"summary"`
}
