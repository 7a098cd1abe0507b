package testutils

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
)

// Result is the outcome of an autopilot invocation.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// RunAutopilot executes the autopilot binary with logging disabled so stdout
// only has command output. env entries are appended to the host environment
// and win over it. A non zero exit is returned as an error along with the result.
func RunAutopilot(ctx context.Context, binary string, env []string, args ...string) (Result, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Env = append(append(os.Environ(), "AUTOPILOT_NO_LOG=true"), env...)

	err := cmd.Run()

	res := Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
	}
	return res, err
}
