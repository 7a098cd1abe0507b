//go:build unix

package local_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/autopilot/internal/tool"
	"github.com/slok/autopilot/internal/tool/local"
)

func TestTerminalRun(t *testing.T) {
	tests := map[string]struct {
		req         tool.TerminalRequest
		expExitCode int
		expStdout   string
		expStderr   string
		expErr      bool
	}{
		"A program should run with its arguments.": {
			req:       tool.TerminalRequest{Program: "echo", Args: []string{"hello", "world"}},
			expStdout: "hello world\n",
		},
		"A shell command should run in the shell.": {
			req:         tool.TerminalRequest{Shell: "echo out; echo err 1>&2; exit 3"},
			expExitCode: 3,
			expStdout:   "out\n",
			expStderr:   "err\n",
		},
		"Extra environment should be visible.": {
			req:       tool.TerminalRequest{Shell: "echo $AUTOPILOT_TEST", Env: []string{"AUTOPILOT_TEST=yes"}},
			expStdout: "yes\n",
		},
		"A missing program should fail.": {
			req:    tool.TerminalRequest{Program: "autopilot-missing-program-xyz"},
			expErr: true,
		},
		"An empty request should fail.": {
			req:    tool.TerminalRequest{},
			expErr: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			term, err := local.NewTerminal(local.TerminalConfig{})
			require.NoError(err)

			test.req.Dir = t.TempDir()
			res, err := term.Run(context.Background(), test.req, nil)
			if test.expErr {
				assert.Error(err)
				return
			}

			require.NoError(err)
			assert.Equal(test.expExitCode, res.ExitCode)
			assert.Equal(test.expStdout, res.Stdout)
			assert.Equal(test.expStderr, res.Stderr)
		})
	}
}

func TestTerminalRunStreamsChunks(t *testing.T) {
	term, err := local.NewTerminal(local.TerminalConfig{})
	require.NoError(t, err)

	var (
		mu     sync.Mutex
		chunks []string
	)
	onChunk := func(stream, data string) {
		mu.Lock()
		defer mu.Unlock()
		chunks = append(chunks, stream+":"+data)
	}

	_, err = term.Run(context.Background(), tool.TerminalRequest{Shell: "echo a", Dir: t.TempDir()}, onChunk)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "stdout:a\n", strings.Join(chunks, ""))
}

func TestTerminalCancelKillsProcessGroup(t *testing.T) {
	term, err := local.NewTerminal(local.TerminalConfig{KillGrace: 500 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	// The child sleep keeps the pipes open, only a group kill ends it quickly.
	_, err = term.Run(ctx, tool.TerminalRequest{Shell: "sleep 30 & sleep 30", Dir: t.TempDir()}, nil)
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}
