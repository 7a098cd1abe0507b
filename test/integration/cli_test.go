package integration

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/autopilot/internal/model"
	"github.com/slok/autopilot/test/integration/testutils"
)

// Config holds integration test configuration loaded from environment variables.
type Config struct {
	Binary string
}

// NewConfig loads the integration test configuration from environment variables.
// If the activation env var is not set, the test is skipped. Without a binary
// the CLI is built in a temporary directory.
func NewConfig(t *testing.T) Config {
	t.Helper()

	const (
		envActivation = "AUTOPILOT_INTEGRATION"
		envBinary     = "AUTOPILOT_INTEGRATION_BINARY"
	)

	if os.Getenv(envActivation) != "true" {
		t.Skipf("Skipping integration test: %s is not set to 'true'", envActivation)
	}

	c := Config{Binary: os.Getenv(envBinary)}
	if c.Binary == "" {
		c.Binary = filepath.Join(t.TempDir(), "autopilot")
		out, err := exec.Command("go", "build", "-o", c.Binary, "../../cmd/autopilot").CombinedOutput()
		require.NoError(t, err, "Failed to build autopilot binary: %s", out)
	}

	return c
}

// cli runs autopilot commands over an isolated data directory.
type cli struct {
	t      *testing.T
	binary string
	env    []string
}

func newCLI(t *testing.T, cfg Config) *cli {
	return &cli{
		t:      t,
		binary: cfg.Binary,
		env:    []string{"AUTOPILOT_DATA_DIR=" + t.TempDir()},
	}
}

func (c *cli) run(args ...string) string {
	c.t.Helper()
	res, err := testutils.RunAutopilot(context.Background(), c.binary, c.env, args...)
	require.NoError(c.t, err, "autopilot %v failed: %s", args, res.Stderr)
	return string(res.Stdout)
}

func (c *cli) runErr(args ...string) {
	c.t.Helper()
	res, err := testutils.RunAutopilot(context.Background(), c.binary, c.env, args...)
	require.Error(c.t, err, "autopilot %v should fail", args)
	assert.Equal(c.t, 1, res.ExitCode)
}

// writeTask writes a task config, its workspace and a script that writes the
// main file. It returns the config and script paths.
func writeTask(t *testing.T, autonomy string) (config, script, workspace string) {
	t.Helper()

	dir := t.TempDir()
	workspace = filepath.Join(dir, "ws")
	require.NoError(t, os.Mkdir(workspace, 0o755))

	config = filepath.Join(dir, "task.yaml")
	require.NoError(t, os.WriteFile(config, []byte(fmt.Sprintf(`taskId: hello
workspace: ws
goal: Write the main file
autonomy: %s
plan:
  steps:
    - id: s1
      title: write main
      rules:
        - id: main-exists
          type: file_exists
          path: main.go
`, autonomy)), 0o644))

	script = filepath.Join(dir, "script.yaml")
	require.NoError(t, os.WriteFile(script, []byte(`steps:
  s1:
    - actions:
        - type: fs.write
          path: main.go
          content: "package main\n"
`), 0o644))

	return config, script, workspace
}

func decodeEvents(t *testing.T, out string) []model.Event {
	t.Helper()

	var events []model.Event
	sc := bufio.NewScanner(bytes.NewBufferString(out))
	sc.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for sc.Scan() {
		var e model.Event
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		events = append(events, e)
	}
	require.NoError(t, sc.Err())
	return events
}

func TestCLIRunToCompletion(t *testing.T) {
	cfg := NewConfig(t)
	assert := assert.New(t)
	require := require.New(t)

	c := newCLI(t, cfg)
	config, script, workspace := writeTask(t, "auto")

	out := c.run("init", config)
	assert.Contains(out, "Task:       hello")
	assert.Contains(out, "s1")

	out = c.run("run", "hello", "--script", script)
	assert.Contains(out, ": DONE")
	assert.FileExists(filepath.Join(workspace, "main.go"))

	// The run index and the replayed log agree.
	var runs []struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	require.NoError(json.Unmarshal([]byte(c.run("runs", "hello", "--format", "json")), &runs))
	require.Len(runs, 1)
	assert.Equal("DONE", runs[0].Status)

	events := decodeEvents(t, c.run("events", "hello", runs[0].ID, "--format", "json"))
	require.NotEmpty(events)
	assert.Equal(model.EventStateChanged, events[0].Type)
	for i, e := range events {
		assert.Equal(int64(i), e.Seq)
	}

	out = c.run("replay", "hello")
	assert.Contains(out, "Status:      DONE")

	out = c.run("audit", "hello")
	assert.Contains(out, "fs.write")

	// Checkpoints can be taken once the run finished.
	out = c.run("checkpoint", "create", "hello", "final")
	assert.Contains(out, "Checkpoint created successfully!")

	var checkpoints []model.Checkpoint
	require.NoError(json.Unmarshal([]byte(c.run("checkpoint", "list", "hello", "--format", "json")), &checkpoints))
	assert.NotEmpty(checkpoints)

	// Finished runs can't be resumed.
	c.runErr("resume", "hello", runs[0].ID, "--script", script)
}

func TestCLIApproveAndStop(t *testing.T) {
	cfg := NewConfig(t)
	assert := assert.New(t)
	require := require.New(t)

	c := newCLI(t, cfg)
	config, script, workspace := writeTask(t, "semi")
	c.run("init", config)

	out := c.run("run", "hello", "--script", script)
	assert.Contains(out, ": AWAITING_USER (confirm_required)")
	assert.NoFileExists(filepath.Join(workspace, "main.go"))

	// Only one run of a task can be active.
	c.runErr("run", "hello", "--script", script)

	var runs []struct {
		ID string `json:"id"`
	}
	require.NoError(json.Unmarshal([]byte(c.run("runs", "hello", "--active", "--format", "json")), &runs))
	require.Len(runs, 1)

	out = c.run("resume", "hello", runs[0].ID, "--approve", "--script", script)
	assert.Contains(out, ": DONE")
	assert.FileExists(filepath.Join(workspace, "main.go"))

	// A second run waits again and is aborted.
	require.NoError(os.Remove(filepath.Join(workspace, "main.go")))
	out = c.run("run", "hello", "--script", script)
	assert.Contains(out, ": AWAITING_USER")

	out = c.run("stop", "hello")
	assert.Contains(out, "stopped (aborted)")

	out = c.run("runs", "hello", "--status", "error")
	assert.Contains(out, "aborted")
}

func TestCLIDockerTerminal(t *testing.T) {
	cfg := NewConfig(t)
	if os.Getenv("AUTOPILOT_INTEGRATION_DOCKER") != "true" {
		t.Skip("Skipping docker test: AUTOPILOT_INTEGRATION_DOCKER is not set to 'true'")
	}
	assert := assert.New(t)
	require := require.New(t)

	docker := newDockerHelper(t)
	t.Cleanup(func() { docker.cleanupContainers(t) })

	c := newCLI(t, cfg)
	config, _, workspace := writeTask(t, "auto")
	c.run("init", config)

	script := filepath.Join(t.TempDir(), "script.yaml")
	require.NoError(os.WriteFile(script, []byte(`steps:
  s1:
    - actions:
        - type: terminal.exec
          cmd: "echo 'package main' > main.go"
`), 0o644))

	out := c.run("run", "hello", "--script", script, "--terminal", "docker", "--docker-image", "busybox:1.36")
	assert.Contains(out, ": DONE")
	assert.FileExists(filepath.Join(workspace, "main.go"))

	// The terminal container is removed when the run stops.
	assert.Empty(docker.terminalContainers(t))
}
