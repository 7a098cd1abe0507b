package model_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/autopilot/internal/model"
)

func TestUnmarshalAction(t *testing.T) {
	tests := map[string]struct {
		data      string
		expAction model.Action
		expErr    bool
	}{
		"A terminal run action should be decoded.": {
			data:      `{"type":"terminal.run","program":"go","args":["test","./..."],"cwd":"pkg"}`,
			expAction: model.TerminalRun{Program: "go", Args: []string{"test", "./..."}, Cwd: "pkg"},
		},
		"A git status action without params should be decoded.": {
			data:      `{"type":"git.status"}`,
			expAction: model.GitStatus{},
		},
		"A checkpoint restore action should be decoded.": {
			data:      `{"type":"checkpoint.restore","id":3}`,
			expAction: model.CheckpointRestore{ID: 3},
		},
		"An unknown action type should be kept as an unknown action.": {
			data:      `{"type":"k8s.apply","manifest":"x"}`,
			expAction: model.UnknownAction{Type: "k8s.apply", Raw: json.RawMessage(`{"type":"k8s.apply","manifest":"x"}`)},
		},
		"An action without type should fail.": {
			data:   `{"path":"a"}`,
			expErr: true,
		},
		"Invalid JSON should fail.": {
			data:   `{`,
			expErr: true,
		},
		"Wrong param types should fail.": {
			data:   `{"type":"fs.read","path":12}`,
			expErr: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			gotAction, err := model.UnmarshalAction([]byte(test.data))

			if test.expErr {
				assert.Error(err)
			} else if assert.NoError(err) {
				assert.Equal(test.expAction, gotAction)
			}
		})
	}
}

func TestMarshalActionRoundTrip(t *testing.T) {
	actions := []model.Action{
		model.TerminalRun{Program: "make", Args: []string{"test"}},
		model.TerminalExec{Cmd: "echo hi | wc -c"},
		model.FSRead{Path: "README.md"},
		model.FSWrite{Path: "a.txt", Content: "hello"},
		model.FSApplyPatch{Path: "a.txt", Patch: "@@ -1 +1 @@"},
		model.FSSearch{Pattern: "TODO", Paths: []string{"internal"}},
		model.GitStatus{},
		model.GitDiff{Path: "a.txt"},
		model.GitCommit{Message: "fix"},
		model.CheckpointCreate{Label: "before"},
		model.CheckpointRestore{ID: 1},
		model.BrowserFetch{URL: "https://example.com"},
	}

	require := require.New(t)
	for _, a := range actions {
		data, err := model.MarshalAction(a)
		require.NoError(err)

		var head map[string]any
		require.NoError(json.Unmarshal(data, &head))
		require.Equal(string(a.ActionType()), head["type"])

		got, err := model.UnmarshalAction(data)
		require.NoError(err)
		require.Equal(a, got)
	}
}

func TestValidateAction(t *testing.T) {
	tests := map[string]struct {
		action model.Action
		expErr bool
	}{
		"A valid terminal run should not fail.": {
			action: model.TerminalRun{Program: "ls"},
		},
		"A terminal run without program should fail.": {
			action: model.TerminalRun{},
			expErr: true,
		},
		"A blank terminal exec should fail.": {
			action: model.TerminalExec{Cmd: "  "},
			expErr: true,
		},
		"A patch without patch text should fail.": {
			action: model.FSApplyPatch{Path: "a"},
			expErr: true,
		},
		"A restore with a zero id should fail.": {
			action: model.CheckpointRestore{},
			expErr: true,
		},
		"An unknown action should fail.": {
			action: model.UnknownAction{Type: "x"},
			expErr: true,
		},
		"A nil action should fail.": {
			action: nil,
			expErr: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			err := model.ValidateAction(test.action)
			if test.expErr {
				assert.ErrorIs(t, err, model.ErrNotValid)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestActionClassification(t *testing.T) {
	tests := map[string]struct {
		action     model.Action
		expMutates bool
		expNetwork bool
		expPaths   []string
		expCmd     string
	}{
		"A read is not mutating.": {
			action:   model.FSRead{Path: "a"},
			expPaths: []string{"a"},
		},
		"A write is mutating.": {
			action:     model.FSWrite{Path: "a"},
			expMutates: true,
			expPaths:   []string{"a"},
		},
		"A terminal run mutates and exposes its command line and cwd.": {
			action:     model.TerminalRun{Program: "go", Args: []string{"vet"}, Cwd: "sub"},
			expMutates: true,
			expPaths:   []string{"sub"},
			expCmd:     "go vet",
		},
		"A fetch requires network.": {
			action:     model.BrowserFetch{URL: "http://x"},
			expNetwork: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			assert.Equal(test.expMutates, model.ActionMutates(test.action))
			assert.Equal(test.expNetwork, model.ActionRequiresNetwork(test.action))
			assert.Equal(test.expPaths, model.ActionPaths(test.action))
			cmd, _ := model.ActionCommandLine(test.action)
			assert.Equal(test.expCmd, cmd)
		})
	}
}

func TestActionFingerprint(t *testing.T) {
	assert := assert.New(t)

	a := model.FSWrite{Path: "/etc/passwd", Content: "x"}
	b := model.FSWrite{Path: "/etc/passwd", Content: "x"}
	c := model.FSWrite{Path: "/etc/passwd", Content: "y"}

	assert.Equal(model.ActionFingerprint(a), model.ActionFingerprint(b))
	assert.NotEqual(model.ActionFingerprint(a), model.ActionFingerprint(c))
}
