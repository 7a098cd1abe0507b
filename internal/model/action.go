package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ActionType is the discriminator of a tool action.
type ActionType string

const (
	ActionTerminalRun       ActionType = "terminal.run"
	ActionTerminalExec      ActionType = "terminal.exec"
	ActionFSRead            ActionType = "fs.read"
	ActionFSWrite           ActionType = "fs.write"
	ActionFSApplyPatch      ActionType = "fs.applyPatch"
	ActionFSSearch          ActionType = "fs.search"
	ActionGitStatus         ActionType = "git.status"
	ActionGitDiff           ActionType = "git.diff"
	ActionGitCommit         ActionType = "git.commit"
	ActionCheckpointCreate  ActionType = "checkpoint.create"
	ActionCheckpointRestore ActionType = "checkpoint.restore"
	ActionBrowserFetch      ActionType = "browser.fetch"
)

// KnownActionTypes is the action vocabulary the kernel understands, in a stable order.
var KnownActionTypes = []ActionType{
	ActionTerminalRun,
	ActionTerminalExec,
	ActionFSRead,
	ActionFSWrite,
	ActionFSApplyPatch,
	ActionFSSearch,
	ActionGitStatus,
	ActionGitDiff,
	ActionGitCommit,
	ActionCheckpointCreate,
	ActionCheckpointRestore,
	ActionBrowserFetch,
}

// Action is a tool action. The concrete types of this package are the only implementations.
type Action interface {
	ActionType() ActionType
	isAction()
}

type TerminalRun struct {
	Program string   `json:"program"`
	Args    []string `json:"args,omitempty"`
	Cwd     string   `json:"cwd,omitempty"`
}

type TerminalExec struct {
	Cmd string `json:"cmd"`
	Cwd string `json:"cwd,omitempty"`
}

type FSRead struct {
	Path string `json:"path"`
}

type FSWrite struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type FSApplyPatch struct {
	Path  string `json:"path"`
	Patch string `json:"patch"`
}

type FSSearch struct {
	Pattern string   `json:"pattern"`
	Paths   []string `json:"paths,omitempty"`
}

type GitStatus struct{}

type GitDiff struct {
	Path string `json:"path,omitempty"`
}

type GitCommit struct {
	Message string `json:"message"`
}

type CheckpointCreate struct {
	Label string `json:"label,omitempty"`
}

type CheckpointRestore struct {
	ID int `json:"id"`
}

type BrowserFetch struct {
	URL string `json:"url"`
}

// UnknownAction keeps actions of types this version doesn't know, so newer
// proposals can be decoded, recorded and denied instead of breaking decoding.
type UnknownAction struct {
	Type ActionType
	Raw  json.RawMessage
}

func (TerminalRun) ActionType() ActionType       { return ActionTerminalRun }
func (TerminalExec) ActionType() ActionType      { return ActionTerminalExec }
func (FSRead) ActionType() ActionType            { return ActionFSRead }
func (FSWrite) ActionType() ActionType           { return ActionFSWrite }
func (FSApplyPatch) ActionType() ActionType      { return ActionFSApplyPatch }
func (FSSearch) ActionType() ActionType          { return ActionFSSearch }
func (GitStatus) ActionType() ActionType         { return ActionGitStatus }
func (GitDiff) ActionType() ActionType           { return ActionGitDiff }
func (GitCommit) ActionType() ActionType         { return ActionGitCommit }
func (CheckpointCreate) ActionType() ActionType  { return ActionCheckpointCreate }
func (CheckpointRestore) ActionType() ActionType { return ActionCheckpointRestore }
func (BrowserFetch) ActionType() ActionType      { return ActionBrowserFetch }
func (u UnknownAction) ActionType() ActionType   { return u.Type }

func (TerminalRun) isAction()       {}
func (TerminalExec) isAction()      {}
func (FSRead) isAction()            {}
func (FSWrite) isAction()           {}
func (FSApplyPatch) isAction()      {}
func (FSSearch) isAction()          {}
func (GitStatus) isAction()         {}
func (GitDiff) isAction()           {}
func (GitCommit) isAction()         {}
func (CheckpointCreate) isAction()  {}
func (CheckpointRestore) isAction() {}
func (BrowserFetch) isAction()      {}
func (UnknownAction) isAction()     {}

// ValidateAction checks the required parameters of an action.
func ValidateAction(a Action) error {
	switch a := a.(type) {
	case TerminalRun:
		if a.Program == "" {
			return fmt.Errorf("terminal.run requires a program: %w", ErrNotValid)
		}
	case TerminalExec:
		if strings.TrimSpace(a.Cmd) == "" {
			return fmt.Errorf("terminal.exec requires a command: %w", ErrNotValid)
		}
	case FSRead:
		if a.Path == "" {
			return fmt.Errorf("fs.read requires a path: %w", ErrNotValid)
		}
	case FSWrite:
		if a.Path == "" {
			return fmt.Errorf("fs.write requires a path: %w", ErrNotValid)
		}
	case FSApplyPatch:
		if a.Path == "" || a.Patch == "" {
			return fmt.Errorf("fs.applyPatch requires a path and a patch: %w", ErrNotValid)
		}
	case FSSearch:
		if a.Pattern == "" {
			return fmt.Errorf("fs.search requires a pattern: %w", ErrNotValid)
		}
	case GitStatus, GitDiff:
	case GitCommit:
		if strings.TrimSpace(a.Message) == "" {
			return fmt.Errorf("git.commit requires a message: %w", ErrNotValid)
		}
	case CheckpointCreate:
	case CheckpointRestore:
		if a.ID <= 0 {
			return fmt.Errorf("checkpoint.restore requires a positive id: %w", ErrNotValid)
		}
	case BrowserFetch:
		if a.URL == "" {
			return fmt.Errorf("browser.fetch requires a url: %w", ErrNotValid)
		}
	case UnknownAction:
		return fmt.Errorf("unknown action type %q: %w", a.Type, ErrNotValid)
	case nil:
		return fmt.Errorf("action is required: %w", ErrNotValid)
	default:
		return fmt.Errorf("unsupported action %T: %w", a, ErrNotValid)
	}

	return nil
}

// ActionPaths returns the filesystem path arguments of an action, they are the
// ones the path policy must contain. Working directories are included.
func ActionPaths(a Action) []string {
	switch a := a.(type) {
	case TerminalRun:
		return nonEmpty(a.Cwd)
	case TerminalExec:
		return nonEmpty(a.Cwd)
	case FSRead:
		return nonEmpty(a.Path)
	case FSWrite:
		return nonEmpty(a.Path)
	case FSApplyPatch:
		return nonEmpty(a.Path)
	case FSSearch:
		return append([]string{}, a.Paths...)
	case GitDiff:
		return nonEmpty(a.Path)
	}
	return nil
}

// ActionCommandLine returns the command line of terminal actions.
func ActionCommandLine(a Action) (string, bool) {
	switch a := a.(type) {
	case TerminalRun:
		if len(a.Args) == 0 {
			return a.Program, true
		}
		return a.Program + " " + strings.Join(a.Args, " "), true
	case TerminalExec:
		return strings.TrimSpace(a.Cmd), true
	}
	return "", false
}

// ActionMutates returns true if the action can change the workspace or its
// version control state.
func ActionMutates(a Action) bool {
	switch a.(type) {
	case TerminalRun, TerminalExec, FSWrite, FSApplyPatch, GitCommit, CheckpointRestore:
		return true
	}
	return false
}

// ActionRequiresNetwork returns true if the action needs outbound network access.
func ActionRequiresNetwork(a Action) bool {
	_, ok := a.(BrowserFetch)
	return ok
}

// ActionFingerprint returns a stable identity of the action type and parameters.
func ActionFingerprint(a Action) string {
	data, err := MarshalAction(a)
	if err != nil {
		return string(a.ActionType())
	}
	return string(data)
}

// MarshalAction encodes an action as a JSON object discriminated by its `type` field.
func MarshalAction(a Action) ([]byte, error) {
	if a == nil {
		return nil, fmt.Errorf("action is required: %w", ErrNotValid)
	}

	if u, ok := a.(UnknownAction); ok {
		if len(u.Raw) > 0 {
			return u.Raw, nil
		}
		return json.Marshal(map[string]ActionType{"type": u.Type})
	}

	params, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("could not marshal action params: %w", err)
	}

	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(params, &fields); err != nil {
		return nil, fmt.Errorf("could not split action params: %w", err)
	}

	typ, err := json.Marshal(a.ActionType())
	if err != nil {
		return nil, err
	}
	fields["type"] = typ

	return json.Marshal(fields)
}

// UnmarshalAction decodes an action JSON object. Unknown types are decoded as UnknownAction.
func UnmarshalAction(data []byte) (Action, error) {
	var head struct {
		Type ActionType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("could not decode action: %w", err)
	}
	if head.Type == "" {
		return nil, fmt.Errorf("action type is required: %w", ErrNotValid)
	}

	var (
		a   Action
		err error
	)
	switch head.Type {
	case ActionTerminalRun:
		a, err = decodeAction[TerminalRun](data)
	case ActionTerminalExec:
		a, err = decodeAction[TerminalExec](data)
	case ActionFSRead:
		a, err = decodeAction[FSRead](data)
	case ActionFSWrite:
		a, err = decodeAction[FSWrite](data)
	case ActionFSApplyPatch:
		a, err = decodeAction[FSApplyPatch](data)
	case ActionFSSearch:
		a, err = decodeAction[FSSearch](data)
	case ActionGitStatus:
		a = GitStatus{}
	case ActionGitDiff:
		a, err = decodeAction[GitDiff](data)
	case ActionGitCommit:
		a, err = decodeAction[GitCommit](data)
	case ActionCheckpointCreate:
		a, err = decodeAction[CheckpointCreate](data)
	case ActionCheckpointRestore:
		a, err = decodeAction[CheckpointRestore](data)
	case ActionBrowserFetch:
		a, err = decodeAction[BrowserFetch](data)
	default:
		raw := make(json.RawMessage, len(data))
		copy(raw, data)
		a = UnknownAction{Type: head.Type, Raw: raw}
	}
	if err != nil {
		return nil, fmt.Errorf("could not decode %s action: %w", head.Type, err)
	}

	return a, nil
}

func decodeAction[T Action](data []byte) (Action, error) {
	var a T
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, err
	}
	return a, nil
}

// ActionEnvelope wraps an action so it can be embedded in JSON documents.
type ActionEnvelope struct {
	Action
}

// MarshalJSON satisfies json.Marshaler.
func (e ActionEnvelope) MarshalJSON() ([]byte, error) {
	if e.Action == nil {
		return []byte("null"), nil
	}
	return MarshalAction(e.Action)
}

// UnmarshalJSON satisfies json.Unmarshaler.
func (e *ActionEnvelope) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		e.Action = nil
		return nil
	}
	a, err := UnmarshalAction(data)
	if err != nil {
		return err
	}
	e.Action = a
	return nil
}

func nonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return []string{s}
}
