package script_test

import (
	"context"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/autopilot/internal/model"
	"github.com/slok/autopilot/internal/proposer"
	"github.com/slok/autopilot/internal/proposer/script"
)

const testScript = `
plan:
  steps:
    - id: tests
      title: Run tests
      rules:
        - id: tests-pass
          type: command
          command: [run-tests]
          successMatch: PASS
steps:
  tests:
    - rationale: run the suite
      actions:
        - type: terminal.run
          program: run-tests
    - rationale: fix and run again
      actions:
        - type: fs.write
          path: main.go
          content: "package main\n"
        - type: terminal.run
          program: run-tests
  "*":
    - actions:
        - type: git.status
`

func TestProposerPropose(t *testing.T) {
	tests := map[string]struct {
		steps      []model.Step
		expActions [][]model.ActionType
	}{
		"Batches should be consumed in order.": {
			steps: []model.Step{{ID: "tests"}, {ID: "tests"}, {ID: "tests"}},
			expActions: [][]model.ActionType{
				{model.ActionTerminalRun},
				{model.ActionFSWrite, model.ActionTerminalRun},
				{},
			},
		},
		"A repair step should continue the batches of the step it repairs.": {
			steps: []model.Step{{ID: "tests"}, {ID: "tests-repair-1", RepairOf: "tests"}},
			expActions: [][]model.ActionType{
				{model.ActionTerminalRun},
				{model.ActionFSWrite, model.ActionTerminalRun},
			},
		},
		"A step without batches should use the wildcard batches.": {
			steps: []model.Step{{ID: "docs"}, {ID: "lint"}},
			expActions: [][]model.ActionType{
				{model.ActionGitStatus},
				{},
			},
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			p, err := script.NewProposer(script.ProposerConfig{Data: []byte(testScript)})
			require.NoError(err)

			for i, step := range test.steps {
				prop, err := p.Propose(context.Background(), proposer.Request{Step: step}, nil)
				require.NoError(err)

				got := []model.ActionType{}
				for _, a := range prop.Actions {
					got = append(got, a.ActionType())
				}
				assert.Equal(test.expActions[i], got, "proposal %d", i)
			}
		})
	}
}

func TestProposerDecodesActionParams(t *testing.T) {
	require := require.New(t)

	p, err := script.NewProposer(script.ProposerConfig{Data: []byte(testScript)})
	require.NoError(err)
	_, err = p.Propose(context.Background(), proposer.Request{Step: model.Step{ID: "tests"}}, nil)
	require.NoError(err)

	var chunks []string
	prop, err := p.Propose(context.Background(), proposer.Request{Step: model.Step{ID: "tests"}}, func(c string) { chunks = append(chunks, c) })
	require.NoError(err)

	assert.Equal(t, model.FSWrite{Path: "main.go", Content: "package main\n"}, prop.Actions[0].Action)
	assert.Equal(t, model.TerminalRun{Program: "run-tests"}, prop.Actions[1].Action)
	assert.Equal(t, []string{"fix and run again"}, chunks)
}

func TestProposerPlan(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	fsys := fstest.MapFS{"script.yaml": {Data: []byte(testScript)}}
	p, err := script.NewProposer(script.ProposerConfig{FS: fsys, Path: "script.yaml"})
	require.NoError(err)

	plan, err := p.Plan(context.Background(), "make the tests pass")
	require.NoError(err)
	assert.Equal("make the tests pass", plan.Goal)
	require.Len(plan.Steps, 1)
	assert.Equal(model.StepStatusPending, plan.Steps[0].Status)
	assert.Equal([]string{"run-tests"}, plan.Steps[0].Rules[0].Command)
}

func TestNewProposerInvalidScript(t *testing.T) {
	tests := map[string]struct {
		script string
	}{
		"An action without type should fail.": {
			script: "steps:\n  a:\n    - actions:\n        - program: ls\n",
		},
		"Malformed YAML should fail.": {
			script: "steps: [",
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := script.NewProposer(script.ProposerConfig{Data: []byte(test.script)})
			assert.Error(t, err)
		})
	}
}
