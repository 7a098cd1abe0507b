package commands

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/autopilot/internal/kernel"
	"github.com/slok/autopilot/internal/model"
)

func TestParseEnv(t *testing.T) {
	t.Setenv("FROM_HOST", "host-value")

	tests := map[string]struct {
		specs  []string
		expEnv []string
		expErr bool
	}{
		"KEY=VALUE should parse": {
			specs:  []string{"FOO=bar"},
			expEnv: []string{"FOO=bar"},
		},
		"KEY should inherit from host": {
			specs:  []string{"FROM_HOST"},
			expEnv: []string{"FROM_HOST=host-value"},
		},
		"Later entries should override earlier ones and the list should be sorted": {
			specs:  []string{"ZED=1", "FOO=one", "FOO=two"},
			expEnv: []string{"FOO=two", "ZED=1"},
		},
		"No specs should return an empty list": {
			specs:  nil,
			expEnv: []string{},
		},
		"Missing inherited var should fail": {
			specs:  []string{"DOES_NOT_EXIST"},
			expErr: true,
		},
		"Invalid key should fail": {
			specs:  []string{"1INVALID=value"},
			expErr: true,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			env, err := parseEnv(tc.specs)

			if tc.expErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tc.expEnv, env)
		})
	}
}

func TestResumeUserInput(t *testing.T) {
	tests := map[string]struct {
		cmd      ResumeCommand
		expInput *kernel.UserInput
		expErr   bool
	}{
		"No flags should be a plain resume.": {
			cmd:      ResumeCommand{},
			expInput: nil,
		},
		"Approving should send the approve decision.": {
			cmd:      ResumeCommand{approve: true},
			expInput: &kernel.UserInput{Decision: model.DecisionApprove},
		},
		"Denying with a message should send both.": {
			cmd:      ResumeCommand{deny: true, message: "use a smaller change"},
			expInput: &kernel.UserInput{Decision: model.DecisionDeny, Message: "use a smaller change"},
		},
		"Continuing should open a new budget window.": {
			cmd:      ResumeCommand{newBudget: true},
			expInput: &kernel.UserInput{Continue: true},
		},
		"Approving and denying at the same time should fail.": {
			cmd:    ResumeCommand{approve: true, deny: true},
			expErr: true,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			in, err := tc.cmd.userInput()

			if tc.expErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tc.expInput, in)
		})
	}
}

func TestRunnerFlagsNewProposer(t *testing.T) {
	tests := map[string]struct {
		flags  runnerFlags
		expErr bool
	}{
		"A proposer command should be used.": {
			flags: runnerFlags{proposerCmd: "my-model --json"},
		},
		"Missing proposer should fail.": {
			flags:  runnerFlags{},
			expErr: true,
		},
		"Script and command at the same time should fail.": {
			flags:  runnerFlags{script: "script.yaml", proposerCmd: "my-model"},
			expErr: true,
		},
		"A missing script file should fail.": {
			flags:  runnerFlags{script: "/does/not/exist.yaml"},
			expErr: true,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			p, planner, err := tc.flags.newProposer(nil, nil)

			if tc.expErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.NotNil(t, p)
			assert.NotNil(t, planner)
		})
	}
}
