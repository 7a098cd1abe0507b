//go:build unix

package command_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/autopilot/internal/model"
	"github.com/slok/autopilot/internal/proposer"
	"github.com/slok/autopilot/internal/proposer/command"
)

// fakeModel writes an executable script that logs to stderr and answers with out.
func fakeModel(t *testing.T, out string, exitCode int) string {
	t.Helper()
	bin := filepath.Join(t.TempDir(), "model")
	script := "#!/bin/sh\ncat > \"$0.input\"\necho thinking >&2\ncat <<'EOF'\n" + out + "\nEOF\nexit " + string(rune('0'+exitCode)) + "\n"
	require.NoError(t, os.WriteFile(bin, []byte(script), 0o755))
	return bin
}

func TestProposerPropose(t *testing.T) {
	tests := map[string]struct {
		out        string
		exitCode   int
		maxActions int
		expActions []model.Action
		expErr     bool
	}{
		"A JSON answer should be decoded.": {
			out:        `{"actions":[{"type":"terminal.run","program":"go","args":["test","./..."]}],"rationale":"test it"}`,
			expActions: []model.Action{model.TerminalRun{Program: "go", Args: []string{"test", "./..."}}},
		},
		"An almost JSON answer should be repaired.": {
			out:        `{"actions":[{"type":"git.diff",},],}`,
			expActions: []model.Action{model.GitDiff{}},
		},
		"Unknown action types should be kept.": {
			out:        `{"actions":[{"type":"db.drop","table":"users"}]}`,
			expActions: []model.Action{model.UnknownAction{Type: "db.drop", Raw: []byte(`{"type":"db.drop","table":"users"}`)}},
		},
		"A proposal over the batch limit should fail.": {
			out:        `{"actions":[{"type":"git.status"},{"type":"git.status"}]}`,
			maxActions: 1,
			expErr:     true,
		},
		"A failing program should fail.": {
			out:      `{}`,
			exitCode: 3,
			expErr:   true,
		},
		"An empty answer should fail.": {
			out:    ``,
			expErr: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			bin := fakeModel(t, test.out, test.exitCode)
			p, err := command.NewProposer(command.ProposerConfig{Command: []string{bin}})
			require.NoError(err)

			var chunks []string
			prop, err := p.Propose(context.Background(), proposer.Request{
				TaskID:     "task-1",
				Step:       model.Step{ID: "tests"},
				MaxActions: test.maxActions,
			}, func(c string) { chunks = append(chunks, c) })

			if test.expErr {
				assert.Error(err)
				return
			}
			require.NoError(err)

			got := []model.Action{}
			for _, a := range prop.Actions {
				got = append(got, a.Action)
			}
			assert.Equal(test.expActions, got)
			assert.Equal([]string{"thinking\n"}, chunks)

			input, err := os.ReadFile(bin + ".input")
			require.NoError(err)
			assert.Contains(string(input), `"kind":"propose"`)
			assert.Contains(string(input), `"taskId":"task-1"`)
		})
	}
}

func TestProposerPlan(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	bin := fakeModel(t, `{"steps":[{"id":"s1","title":"Write code"},{"id":"s2","title":"Test it","hardStop":true}]}`, 0)
	p, err := command.NewProposer(command.ProposerConfig{Command: []string{bin}})
	require.NoError(err)

	plan, err := p.Plan(context.Background(), "ship it")
	require.NoError(err)
	assert.Equal("ship it", plan.Goal)
	require.Len(plan.Steps, 2)
	assert.Equal(model.StepStatusPending, plan.Steps[0].Status)
	assert.True(plan.Steps[1].HardStop)
}
