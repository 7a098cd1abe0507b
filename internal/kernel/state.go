package kernel

import (
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strings"

	"github.com/slok/autopilot/internal/eventlog"
	"github.com/slok/autopilot/internal/judge"
	"github.com/slok/autopilot/internal/model"
)

// maxRecentObservations bounds the observations handed to the model as context.
const maxRecentObservations = 6

// State is the in-memory state of a run. It's only changed by applying the
// events of the run log, so replaying a log rebuilds the same state.
type State struct {
	RunID     string
	TaskID    string
	Status    model.RunStatus
	Reason    string
	LastError string
	LastSeq   int64

	Task      model.Task
	Plan      model.Plan
	Budget    model.Budget
	Iteration int
	StepID    string

	// ToolCalls are the tool calls of the run by id.
	ToolCalls map[string]model.ToolCall
	// IterationEvidence are the observations of the current iteration.
	IterationEvidence  []judge.Evidence
	RecentObservations []model.Observation
	LastFailure        *model.EvidencePack
	LastJudge          *model.JudgeEvaluated
	PendingDecision    *model.DecisionRequested
	// Denied are the policy denials by action fingerprint.
	Denied map[string]model.Denial
	// AckedHardStops are the hard stop steps a human already resumed.
	AckedHardStops   map[string]bool
	LastCheckpointID int
}

// NewState returns the state of a run that has no events.
func NewState(taskID, runID string) *State {
	return &State{
		RunID:          runID,
		TaskID:         taskID,
		Status:         model.RunStatusIdle,
		LastSeq:        -1,
		ToolCalls:      map[string]model.ToolCall{},
		Denied:         map[string]model.Denial{},
		AckedHardStops: map[string]bool{},
	}
}

// Copy returns a deep copy of the state.
func (s *State) Copy() State {
	c := *s
	c.Task.Completion = slices.Clone(s.Task.Completion)
	c.Plan = s.Plan.Copy()
	c.ToolCalls = maps.Clone(s.ToolCalls)
	c.IterationEvidence = slices.Clone(s.IterationEvidence)
	c.RecentObservations = slices.Clone(s.RecentObservations)
	c.Denied = maps.Clone(s.Denied)
	c.AckedHardStops = maps.Clone(s.AckedHardStops)
	if s.LastFailure != nil {
		f := *s.LastFailure
		c.LastFailure = &f
	}
	if s.LastJudge != nil {
		j := *s.LastJudge
		c.LastJudge = &j
	}
	if s.PendingDecision != nil {
		d := *s.PendingDecision
		c.PendingDecision = &d
	}
	return c
}

// Apply folds an event into the state.
func (s *State) Apply(e model.Event) {
	s.LastSeq = e.Seq

	switch p := e.Payload.(type) {
	case model.StateChanged:
		if p.From == model.RunStatusAwaitingUser && p.To == model.RunStatusRunning {
			if id, ok := strings.CutPrefix(s.Reason, model.ReasonHardStopPrefix); ok {
				s.AckedHardStops[id] = true
			}
		}
		if p.From == model.RunStatusIdle && p.To == model.RunStatusRunning {
			s.Budget.WindowStart = e.TS
		}
		s.Status = p.To
		s.Reason = p.Reason

	case model.UserMessage:
		if p.Continue {
			s.Budget.UsedIter = 0
			s.Budget.UsedToolCalls = 0
			s.Budget.WindowStart = e.TS
		}
		if p.Decision != "" {
			s.PendingDecision = nil
		}

	case model.TaskUpdated:
		if !reflect.DeepEqual(s.Task.RiskPolicy, p.Task.RiskPolicy) {
			s.Denied = map[string]model.Denial{}
		}
		s.Task = p.Task
		s.Task.Completion = slices.Clone(p.Task.Completion)
		s.Budget.Limits = p.Task.Budget

	case model.PlanUpdated:
		s.Plan = p.Plan.Copy()

	case model.IterationStarted:
		s.Iteration = p.Iteration
		s.StepID = p.StepID
		s.Budget.UsedIter++
		s.IterationEvidence = nil

	case model.ToolCallStarted:
		s.Budget.UsedToolCalls++
		s.ToolCalls[p.ToolCall.ID] = p.ToolCall

	case model.ToolCallFinished:
		if tc, ok := s.ToolCalls[p.ToolCallID]; ok {
			tc.Status = p.Status
			s.ToolCalls[p.ToolCallID] = tc
		}

	case model.ObservationRecorded:
		s.IterationEvidence = append(s.IterationEvidence, judge.Evidence{
			Seq:         e.Seq,
			Action:      p.Action.Action,
			Observation: p.Observation,
		})
		s.RecentObservations = append(s.RecentObservations, p.Observation)
		if n := len(s.RecentObservations); n > maxRecentObservations {
			s.RecentObservations = slices.Clone(s.RecentObservations[n-maxRecentObservations:])
		}
		if d := p.Observation.Denial; d != nil && d.PolicyViolation() && d.Kind != model.DenialKindUser {
			s.Denied[model.ActionFingerprint(p.Action.Action)] = *d
		}

	case model.DecisionRequested:
		d := p
		s.PendingDecision = &d

	case model.JudgeEvaluated:
		j := p
		s.LastJudge = &j
		if p.Scope == model.JudgeScopeStep && p.Result.Status == model.JudgeStatusPass {
			s.LastFailure = nil
		}

	case model.EvidenceRecorded:
		if len(p.Evidence.Errors) > 0 {
			ev := p.Evidence
			s.LastFailure = &ev
		}

	case model.CheckpointCreated:
		s.LastCheckpointID = p.Checkpoint.ID

	case model.CheckpointRestored:
		if p.BranchID > 0 {
			s.LastCheckpointID = p.BranchID
		}

	case model.ErrorRaised:
		s.LastError = p.Message
	}
}

// Replay rebuilds the state of a run from its events. The events must be the
// complete log of the run, a sequence gap fails.
func Replay(taskID, runID string, events []model.Event) (*State, error) {
	if err := eventlog.CheckSequence(events); err != nil {
		return nil, err
	}

	s := NewState(taskID, runID)
	for _, e := range events {
		if e.RunID != runID {
			return nil, fmt.Errorf("event %d belongs to run %s: %w", e.Seq, e.RunID, model.ErrNotValid)
		}
		s.Apply(e)
	}

	return s, nil
}
