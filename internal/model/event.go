package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType is the fixed enumeration of event kinds.
type EventType string

const (
	EventStateChanged       EventType = "state_changed"
	EventUserMessage        EventType = "user_message"
	EventModelMessage       EventType = "model_message"
	EventModelChunk         EventType = "model_chunk"
	EventModelDone          EventType = "model_done"
	EventActionProposed     EventType = "action_proposed"
	EventToolCallStarted    EventType = "tool_call_started"
	EventToolCallChunk      EventType = "tool_call_chunk"
	EventToolCallFinished   EventType = "tool_call_finished"
	EventObservation        EventType = "observation"
	EventPlanUpdated        EventType = "plan_updated"
	EventTaskUpdated        EventType = "task_updated"
	EventJudgeResult        EventType = "judge_result"
	EventError              EventType = "error"
	EventIterationStarted   EventType = "iteration_started"
	EventDecisionRequested  EventType = "decision_requested"
	EventCheckpointCreated  EventType = "checkpoint_created"
	EventCheckpointRestored EventType = "checkpoint_restored"
	EventEvidence           EventType = "evidence"
)

// EventPayload is the concrete payload of an event type.
type EventPayload interface {
	EventType() EventType
}

// Event is an immutable record of the event log.
type Event struct {
	ID      string
	RunID   string
	TS      time.Time
	Seq     int64
	Type    EventType
	Payload EventPayload
}

// Validate checks that the event is well formed and its payload matches its type.
func (e Event) Validate() error {
	if e.RunID == "" {
		return fmt.Errorf("event run id is required: %w", ErrNotValid)
	}
	return ValidatePayload(e.Type, e.Payload)
}

// ValidatePayload checks that the payload is the concrete type of the event type.
func ValidatePayload(t EventType, p EventPayload) error {
	if p == nil {
		return fmt.Errorf("event %q payload is required: %w", t, ErrNotValid)
	}
	if _, ok := p.(UnknownPayload); ok {
		return fmt.Errorf("event %q payload is unknown: %w", t, ErrNotValid)
	}
	if p.EventType() != t {
		return fmt.Errorf("event %q can't carry a %q payload: %w", t, p.EventType(), ErrNotValid)
	}
	if v, ok := p.(interface{ Validate() error }); ok {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("invalid %q payload: %w", t, err)
		}
	}
	return nil
}

type StateChanged struct {
	From   RunStatus `json:"from"`
	To     RunStatus `json:"to"`
	Reason string    `json:"reason,omitempty"`
}

func (p StateChanged) Validate() error {
	if p.From != p.To && !p.From.CanTransition(p.To) {
		return fmt.Errorf("%s -> %s: %w", p.From, p.To, ErrInvalidTransition)
	}
	return nil
}

// Decision is the human answer to a decision slot.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionDeny    Decision = "deny"
)

type UserMessage struct {
	Message  string   `json:"message,omitempty"`
	Decision Decision `json:"decision,omitempty"`
	// Continue opens a fresh budget window.
	Continue bool `json:"continue,omitempty"`
}

func (p UserMessage) Validate() error {
	switch p.Decision {
	case "", DecisionApprove, DecisionDeny:
		return nil
	}
	return fmt.Errorf("unknown decision %q: %w", p.Decision, ErrNotValid)
}

type ModelMessage struct {
	StepID  string `json:"stepId,omitempty"`
	Message string `json:"message"`
}

type ModelChunk struct {
	StepID string `json:"stepId,omitempty"`
	Chunk  string `json:"chunk"`
}

type ModelDone struct {
	StepID  string `json:"stepId,omitempty"`
	Actions int    `json:"actions"`
}

type ActionProposed struct {
	Iteration int              `json:"iteration"`
	StepID    string           `json:"stepId"`
	Actions   []ActionEnvelope `json:"actions"`
	Rationale string           `json:"rationale,omitempty"`
}

type ToolCallStarted struct {
	ToolCall ToolCall `json:"toolCall"`
}

func (p ToolCallStarted) Validate() error {
	if p.ToolCall.ID == "" {
		return fmt.Errorf("tool call id is required: %w", ErrNotValid)
	}
	if p.ToolCall.Action.Action == nil {
		return fmt.Errorf("tool call action is required: %w", ErrNotValid)
	}
	return nil
}

type ToolCallChunk struct {
	ToolCallID string `json:"toolCallId"`
	Stream     string `json:"stream"`
	Data       string `json:"data"`
}

type ToolCallFinished struct {
	ToolCallID string         `json:"toolCallId"`
	Status     ToolCallStatus `json:"status"`
	DurationMs int64          `json:"durationMs"`
}

func (p ToolCallFinished) Validate() error {
	if p.Status != ToolCallStatusOK && p.Status != ToolCallStatusError {
		return fmt.Errorf("finished tool call status must be ok or error: %w", ErrNotValid)
	}
	return nil
}

type ObservationRecorded struct {
	Iteration   int            `json:"iteration"`
	StepID      string         `json:"stepId,omitempty"`
	Action      ActionEnvelope `json:"action"`
	Observation Observation    `json:"observation"`
}

func (p ObservationRecorded) Validate() error {
	if p.Action.Action == nil {
		return fmt.Errorf("observed action is required: %w", ErrNotValid)
	}
	return nil
}

type PlanUpdated struct {
	Plan   Plan   `json:"plan"`
	Reason string `json:"reason,omitempty"`
}

func (p PlanUpdated) Validate() error { return p.Plan.Validate() }

type TaskUpdated struct {
	Task   Task   `json:"task"`
	Reason string `json:"reason,omitempty"`
}

func (p TaskUpdated) Validate() error { return p.Task.Validate() }

// JudgeScope tells if a verdict is about a step or the whole run.
type JudgeScope string

const (
	JudgeScopeStep       JudgeScope = "step"
	JudgeScopeCompletion JudgeScope = "completion"
)

type JudgeEvaluated struct {
	Scope     JudgeScope  `json:"scope"`
	Iteration int         `json:"iteration"`
	StepID    string      `json:"stepId,omitempty"`
	Result    JudgeResult `json:"result"`
}

type ErrorRaised struct {
	Message string `json:"message"`
	Fatal   bool   `json:"fatal"`
}

type IterationStarted struct {
	Iteration int    `json:"iteration"`
	StepID    string `json:"stepId"`
}

type DecisionRequested struct {
	Iteration  int              `json:"iteration"`
	StepID     string           `json:"stepId"`
	ToolCallID string           `json:"toolCallId"`
	Action     ActionEnvelope   `json:"action"`
	Remaining  []ActionEnvelope `json:"remaining,omitempty"`
	Reason     string           `json:"reason"`
}

type CheckpointCreated struct {
	Checkpoint Checkpoint `json:"checkpoint"`
}

type CheckpointRestored struct {
	ID int `json:"id"`
	// BranchID is the checkpoint recorded for the new branch, if any.
	BranchID int `json:"branchId,omitempty"`
}

type EvidenceRecorded struct {
	Evidence EvidencePack `json:"evidence"`
}

// UnknownPayload keeps payloads of event types this version doesn't know.
type UnknownPayload struct {
	Type EventType
	Raw  json.RawMessage
}

func (StateChanged) EventType() EventType        { return EventStateChanged }
func (UserMessage) EventType() EventType         { return EventUserMessage }
func (ModelMessage) EventType() EventType        { return EventModelMessage }
func (ModelChunk) EventType() EventType          { return EventModelChunk }
func (ModelDone) EventType() EventType           { return EventModelDone }
func (ActionProposed) EventType() EventType      { return EventActionProposed }
func (ToolCallStarted) EventType() EventType     { return EventToolCallStarted }
func (ToolCallChunk) EventType() EventType       { return EventToolCallChunk }
func (ToolCallFinished) EventType() EventType    { return EventToolCallFinished }
func (ObservationRecorded) EventType() EventType { return EventObservation }
func (PlanUpdated) EventType() EventType         { return EventPlanUpdated }
func (TaskUpdated) EventType() EventType         { return EventTaskUpdated }
func (JudgeEvaluated) EventType() EventType      { return EventJudgeResult }
func (ErrorRaised) EventType() EventType         { return EventError }
func (IterationStarted) EventType() EventType    { return EventIterationStarted }
func (DecisionRequested) EventType() EventType   { return EventDecisionRequested }
func (CheckpointCreated) EventType() EventType   { return EventCheckpointCreated }
func (CheckpointRestored) EventType() EventType  { return EventCheckpointRestored }
func (EvidenceRecorded) EventType() EventType    { return EventEvidence }
func (u UnknownPayload) EventType() EventType    { return u.Type }

var payloadDecoders = map[EventType]func([]byte) (EventPayload, error){
	EventStateChanged:       decodePayload[StateChanged],
	EventUserMessage:        decodePayload[UserMessage],
	EventModelMessage:       decodePayload[ModelMessage],
	EventModelChunk:         decodePayload[ModelChunk],
	EventModelDone:          decodePayload[ModelDone],
	EventActionProposed:     decodePayload[ActionProposed],
	EventToolCallStarted:    decodePayload[ToolCallStarted],
	EventToolCallChunk:      decodePayload[ToolCallChunk],
	EventToolCallFinished:   decodePayload[ToolCallFinished],
	EventObservation:        decodePayload[ObservationRecorded],
	EventPlanUpdated:        decodePayload[PlanUpdated],
	EventTaskUpdated:        decodePayload[TaskUpdated],
	EventJudgeResult:        decodePayload[JudgeEvaluated],
	EventError:              decodePayload[ErrorRaised],
	EventIterationStarted:   decodePayload[IterationStarted],
	EventDecisionRequested:  decodePayload[DecisionRequested],
	EventCheckpointCreated:  decodePayload[CheckpointCreated],
	EventCheckpointRestored: decodePayload[CheckpointRestored],
	EventEvidence:           decodePayload[EvidenceRecorded],
}

func decodePayload[T EventPayload](data []byte) (EventPayload, error) {
	var p T
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return p, nil
}

type eventJSON struct {
	ID      string          `json:"id"`
	RunID   string          `json:"runId"`
	TS      time.Time       `json:"ts"`
	Seq     int64           `json:"seq"`
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// MarshalJSON satisfies json.Marshaler.
func (e Event) MarshalJSON() ([]byte, error) {
	var payload json.RawMessage
	switch p := e.Payload.(type) {
	case nil:
		payload = json.RawMessage("null")
	case UnknownPayload:
		payload = p.Raw
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("could not marshal %q payload: %w", e.Type, err)
		}
		payload = data
	}

	return json.Marshal(eventJSON{
		ID:      e.ID,
		RunID:   e.RunID,
		TS:      e.TS,
		Seq:     e.Seq,
		Type:    e.Type,
		Payload: payload,
	})
}

// UnmarshalJSON satisfies json.Unmarshaler. Unknown event types are kept as UnknownPayload.
func (e *Event) UnmarshalJSON(data []byte) error {
	var j eventJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}

	var payload EventPayload
	decode, ok := payloadDecoders[j.Type]
	if ok {
		p, err := decode(j.Payload)
		if err != nil {
			return fmt.Errorf("could not decode %q payload: %w", j.Type, err)
		}
		payload = p
	} else {
		raw := make(json.RawMessage, len(j.Payload))
		copy(raw, j.Payload)
		payload = UnknownPayload{Type: j.Type, Raw: raw}
	}

	*e = Event{
		ID:      j.ID,
		RunID:   j.RunID,
		TS:      j.TS,
		Seq:     j.Seq,
		Type:    j.Type,
		Payload: payload,
	}
	return nil
}
