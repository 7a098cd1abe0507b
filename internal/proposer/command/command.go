package command

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"

	"github.com/slok/autopilot/internal/log"
	"github.com/slok/autopilot/internal/model"
	"github.com/slok/autopilot/internal/proposer"
)

// Request kinds written to the program.
const (
	KindPropose = "propose"
	KindPlan    = "plan"
)

// Input is the JSON document written to the program stdin.
type Input struct {
	Kind    string            `json:"kind"`
	Request *proposer.Request `json:"request,omitempty"`
	Goal    string            `json:"goal,omitempty"`
}

// ProposerConfig is the configuration of the command proposer.
type ProposerConfig struct {
	// Command is the program and its arguments.
	Command []string
	Dir     string
	Env     []string
	Timeout time.Duration
	Logger  log.Logger
}

func (c *ProposerConfig) defaults() error {
	if len(c.Command) == 0 || c.Command[0] == "" {
		return fmt.Errorf("command is required")
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "command.Proposer"})
	return nil
}

// Proposer delegates proposals to an external program, usually a model client.
// The request is written as JSON to its stdin and the answer is read from its
// stdout, stderr lines are streamed as model chunks.
type Proposer struct {
	command []string
	dir     string
	env     []string
	timeout time.Duration
	logger  log.Logger
}

// NewProposer returns a new command proposer.
func NewProposer(cfg ProposerConfig) (*Proposer, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Proposer{
		command: cfg.Command,
		dir:     cfg.Dir,
		env:     cfg.Env,
		timeout: cfg.Timeout,
		logger:  cfg.Logger,
	}, nil
}

var (
	_ proposer.Proposer = &Proposer{}
	_ proposer.Planner  = &Proposer{}
)

// Propose satisfies proposer.Proposer.
func (p *Proposer) Propose(ctx context.Context, req proposer.Request, onChunk proposer.ChunkFunc) (*proposer.Proposal, error) {
	out, err := p.call(ctx, Input{Kind: KindPropose, Request: &req}, onChunk)
	if err != nil {
		return nil, err
	}

	var prop proposer.Proposal
	if err := decode(out, &prop); err != nil {
		return nil, err
	}
	if prop.Actions == nil {
		prop.Actions = []model.ActionEnvelope{}
	}
	if err := prop.Validate(req); err != nil {
		return nil, err
	}

	return &prop, nil
}

// Plan satisfies proposer.Planner.
func (p *Proposer) Plan(ctx context.Context, goal string) (*model.Plan, error) {
	out, err := p.call(ctx, Input{Kind: KindPlan, Goal: goal}, nil)
	if err != nil {
		return nil, err
	}

	var plan model.Plan
	if err := decode(out, &plan); err != nil {
		return nil, err
	}
	if plan.Goal == "" {
		plan.Goal = goal
	}
	for i := range plan.Steps {
		if plan.Steps[i].Status == "" {
			plan.Steps[i].Status = model.StepStatusPending
		}
	}
	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("invalid plan: %w", err)
	}

	return &plan, nil
}

func (p *Proposer) call(ctx context.Context, in Input, onChunk proposer.ChunkFunc) ([]byte, error) {
	input, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("could not marshal input: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.command[0], p.command[1:]...)
	cmd.Dir = p.dir
	cmd.Env = append(os.Environ(), p.env...)
	cmd.Stdin = bytes.NewReader(input)
	cmd.WaitDelay = 2 * time.Second

	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("could not pipe stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("could not start proposer %q: %w", p.command[0], err)
	}

	// The pipe must be drained before waiting.
	tail := streamLines(stderr, onChunk)

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("proposer interrupted: %w", ctx.Err())
		}
		return nil, fmt.Errorf("proposer failed: %w: %s", err, strings.Join(tail, "\n"))
	}

	return stdout.Bytes(), nil
}

// streamLines forwards every line and returns the last ones for error reporting.
func streamLines(r io.Reader, onChunk proposer.ChunkFunc) []string {
	const keep = 5

	var tail []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if onChunk != nil {
			onChunk(line + "\n")
		}
		tail = append(tail, line)
		if len(tail) > keep {
			tail = tail[1:]
		}
	}
	return tail
}

// decode parses the program answer. Model output is often almost JSON (trailing
// commas, fences, truncated documents) so it's repaired before decoding.
func decode(out []byte, v any) error {
	text := strings.TrimSpace(string(out))
	if text == "" {
		return fmt.Errorf("proposer returned an empty answer: %w", model.ErrNotValid)
	}

	if err := json.Unmarshal([]byte(text), v); err == nil {
		return nil
	}

	repaired, err := jsonrepair.JSONRepair(text)
	if err != nil {
		return fmt.Errorf("proposer answer is not JSON: %w: %w", model.ErrNotValid, err)
	}
	if err := json.Unmarshal([]byte(repaired), v); err != nil {
		return fmt.Errorf("could not decode proposer answer: %w: %w", model.ErrNotValid, err)
	}
	return nil
}
