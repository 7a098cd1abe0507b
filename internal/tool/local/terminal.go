package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/slok/autopilot/internal/log"
	"github.com/slok/autopilot/internal/model"
	"github.com/slok/autopilot/internal/tool"
)

const maxCaptureBytes = 1 << 20

// TerminalConfig is the configuration of the local terminal.
type TerminalConfig struct {
	// Env are extra `KEY=VALUE` variables added to the process environment.
	Env []string
	// Shell is the shell used for shell command lines, defaults to `sh`.
	Shell string
	// KillGrace is how long to wait for output pipes after the process is killed.
	KillGrace time.Duration
	Logger    log.Logger
}

func (c *TerminalConfig) defaults() error {
	if c.Shell == "" {
		c.Shell = "sh"
	}
	if c.KillGrace <= 0 {
		c.KillGrace = 2 * time.Second
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "local.Terminal"})
	return nil
}

// Terminal runs commands as local processes. Each command gets its own process
// group, so cancelling kills every descendant.
type Terminal struct {
	env       []string
	shell     string
	killGrace time.Duration
	logger    log.Logger
}

// NewTerminal returns a local terminal.
func NewTerminal(cfg TerminalConfig) (*Terminal, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Terminal{
		env:       cfg.Env,
		shell:     cfg.Shell,
		killGrace: cfg.KillGrace,
		logger:    cfg.Logger,
	}, nil
}

var _ tool.Terminal = &Terminal{}

// Run satisfies tool.Terminal.
func (t *Terminal) Run(ctx context.Context, req tool.TerminalRequest, onChunk tool.ChunkFunc) (*tool.TerminalResult, error) {
	var cmd *exec.Cmd
	switch {
	case req.Shell != "":
		cmd = exec.CommandContext(ctx, t.shell, "-c", req.Shell)
	case req.Program != "":
		cmd = exec.CommandContext(ctx, req.Program, req.Args...)
	default:
		return nil, fmt.Errorf("program or shell command is required: %w", model.ErrNotValid)
	}

	cmd.Dir = req.Dir
	cmd.Env = append(append(os.Environ(), t.env...), req.Env...)
	cmd.WaitDelay = t.killGrace
	setProcessGroup(cmd)

	var mu sync.Mutex
	stdout := &streamWriter{stream: tool.StreamStdout, onChunk: onChunk, mu: &mu}
	stderr := &streamWriter{stream: tool.StreamStderr, onChunk: onChunk, mu: &mu}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	t.logger.Debugf("Running %q in %s", cmd.String(), req.Dir)
	err := cmd.Run()

	res := &tool.TerminalResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		res.ExitCode = -1
		return res, fmt.Errorf("command interrupted: %w", ctxErr)
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return nil, fmt.Errorf("could not run command: %w", err)
	}

	return res, nil
}

// streamWriter captures a bounded copy of a stream and forwards chunks.
type streamWriter struct {
	stream  string
	onChunk tool.ChunkFunc
	mu      *sync.Mutex
	buf     []byte
}

func (w *streamWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if room := maxCaptureBytes - len(w.buf); room > 0 {
		if len(p) < room {
			room = len(p)
		}
		w.buf = append(w.buf, p[:room]...)
	}

	if w.onChunk != nil {
		w.onChunk(w.stream, string(p))
	}

	return len(p), nil
}

func (w *streamWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return string(w.buf)
}
