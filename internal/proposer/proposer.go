package proposer

import (
	"context"
	"fmt"

	"github.com/slok/autopilot/internal/model"
)

// Request is the context the model receives to propose the next batch of actions.
type Request struct {
	TaskID    string     `json:"taskId"`
	Goal      string     `json:"goal"`
	Plan      model.Plan `json:"plan"`
	Step      model.Step `json:"step"`
	Iteration int        `json:"iteration"`
	// DiffSummary is the working tree diff summary.
	DiffSummary string `json:"diffSummary,omitempty"`
	// LastFailure is the evidence of the last failed iteration, if any.
	LastFailure        *model.EvidencePack `json:"lastFailure,omitempty"`
	RecentObservations []model.Observation `json:"recentObservations,omitempty"`
	// AllowedActions is the action vocabulary the proposal must use.
	AllowedActions []model.ActionType `json:"allowedActions"`
	MaxActions     int                `json:"maxActions"`
}

// Proposal is a batch of actions proposed for a step.
type Proposal struct {
	Actions   []model.ActionEnvelope `json:"actions"`
	Rationale string                 `json:"rationale,omitempty"`
	// Message is free text for the operator.
	Message string `json:"message,omitempty"`
}

// Validate checks the proposal is within the request bounds.
func (p Proposal) Validate(req Request) error {
	if req.MaxActions > 0 && len(p.Actions) > req.MaxActions {
		return fmt.Errorf("proposal has %d actions, the maximum is %d: %w", len(p.Actions), req.MaxActions, model.ErrNotValid)
	}
	for i, a := range p.Actions {
		if a.Action == nil {
			return fmt.Errorf("proposed action %d is empty: %w", i, model.ErrNotValid)
		}
	}
	return nil
}

// ChunkFunc receives streamed model output.
type ChunkFunc func(chunk string)

// Proposer is the model collaborator that proposes tool actions.
type Proposer interface {
	Propose(ctx context.Context, req Request, onChunk ChunkFunc) (*Proposal, error)
}

// Planner is the optional model collaborator that drafts the initial plan of a goal.
type Planner interface {
	Plan(ctx context.Context, goal string) (*model.Plan, error)
}

// ProposerFunc is a helper to create proposers from functions.
type ProposerFunc func(ctx context.Context, req Request, onChunk ChunkFunc) (*Proposal, error)

func (f ProposerFunc) Propose(ctx context.Context, req Request, onChunk ChunkFunc) (*Proposal, error) {
	return f(ctx, req, onChunk)
}
