package judge

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"slices"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/slok/autopilot/internal/log"
	"github.com/slok/autopilot/internal/model"
	"github.com/slok/autopilot/internal/workspace"
)

const patternCacheSize = 256

// Evidence is an observed tool call the rules can be evaluated against.
type Evidence struct {
	Seq         int64
	Action      model.Action
	Observation model.Observation
}

// Ref returns the event log reference of the evidence.
func (e Evidence) Ref() string {
	if e.Observation.ToolCallID != "" {
		return e.Observation.ToolCallID
	}
	return fmt.Sprintf("seq:%d", e.Seq)
}

// Config is the judge configuration.
type Config struct {
	Workspace *workspace.Workspace
	Logger    log.Logger
}

func (c *Config) defaults() error {
	if c.Workspace == nil {
		return fmt.Errorf("workspace is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "judge.Judge"})
	return nil
}

// Judge evaluates rule sets into verdicts. It never runs commands, command
// rules are judged by the observations of commands that already ran.
type Judge struct {
	ws       *workspace.Workspace
	patterns *lru.Cache[string, *regexp.Regexp]
	logger   log.Logger
}

// New returns a new judge.
func New(cfg Config) (*Judge, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	patterns, err := lru.New[string, *regexp.Regexp](patternCacheSize)
	if err != nil {
		return nil, fmt.Errorf("could not create pattern cache: %w", err)
	}

	return &Judge{
		ws:       cfg.Workspace,
		patterns: patterns,
		logger:   cfg.Logger,
	}, nil
}

// Evaluate runs the rules in order and aggregates their checks. An empty rule set passes.
func (j *Judge) Evaluate(rules []model.JudgeRule, evidence []Evidence) model.JudgeResult {
	checks := make([]model.JudgeCheck, 0, len(rules))
	for _, r := range rules {
		checks = append(checks, j.evaluate(r, evidence))
	}

	res := Aggregate(checks)
	j.logger.Debugf("%d rules evaluated: %s", len(rules), res.Status)
	return res
}

// Unrun returns the commands of the command rules, nested ones included, that
// have no run in the evidence yet. Each command is returned once.
func Unrun(rules []model.JudgeRule, evidence []Evidence) []model.TerminalRun {
	var (
		cmds []model.TerminalRun
		seen = map[string]bool{}
	)

	var walk func(rules []model.JudgeRule)
	walk = func(rules []model.JudgeRule) {
		for _, r := range rules {
			switch {
			case r.Type == model.JudgeRuleComposite:
				walk(r.Rules)
			case r.Type != model.JudgeRuleCommand || len(r.Command) == 0:
			case seen[strings.Join(r.Command, "\x00")]:
			default:
				seen[strings.Join(r.Command, "\x00")] = true
				if !slices.ContainsFunc(evidence, func(e Evidence) bool { return runsCommand(e.Action, r.Command) }) {
					cmds = append(cmds, model.TerminalRun{Program: r.Command[0], Args: r.Command[1:]})
				}
			}
		}
	}
	walk(rules)

	return cmds
}

// Aggregate folds checks into a verdict: any fail fails, otherwise any pending
// is pending, otherwise it passes. Every fail reason is kept.
func Aggregate(checks []model.JudgeCheck) model.JudgeResult {
	res := model.JudgeResult{
		Status:   model.JudgeStatusPass,
		Reasons:  []string{},
		Checks:   checks,
		Evidence: []string{},
	}
	if res.Checks == nil {
		res.Checks = []model.JudgeCheck{}
	}

	var pending []string
	for _, c := range checks {
		for _, e := range c.Evidence {
			if !slices.Contains(res.Evidence, e) {
				res.Evidence = append(res.Evidence, e)
			}
		}

		switch c.Status {
		case model.JudgeStatusFail:
			res.Status = model.JudgeStatusFail
			res.Reasons = append(res.Reasons, fmt.Sprintf("%s: %s", c.ID, c.Reason))
		case model.JudgeStatusPending:
			pending = append(pending, fmt.Sprintf("%s: %s", c.ID, c.Reason))
		}
	}

	if res.Status != model.JudgeStatusFail && len(pending) > 0 {
		res.Status = model.JudgeStatusPending
		res.Reasons = pending
	}

	return res
}

func (j *Judge) evaluate(r model.JudgeRule, evidence []Evidence) model.JudgeCheck {
	check := model.JudgeCheck{ID: r.ID, Type: r.Type}
	if err := r.Validate(); err != nil {
		return fail(check, err.Error())
	}

	switch r.Type {
	case model.JudgeRuleCommand:
		return j.command(check, r, evidence)
	case model.JudgeRuleFileExists, model.JudgeRuleFileAbsent:
		return j.file(check, r)
	case model.JudgeRuleTextMatch:
		return j.textMatch(check, r, evidence)
	case model.JudgeRuleComposite:
		return j.composite(check, r, evidence)
	}

	return fail(check, fmt.Sprintf("unknown rule type %q", r.Type))
}

func (j *Judge) command(check model.JudgeCheck, r model.JudgeRule, evidence []Evidence) model.JudgeCheck {
	// The latest run of the command in the evidence wins.
	for i := len(evidence) - 1; i >= 0; i-- {
		e := evidence[i]
		if !runsCommand(e.Action, r.Command) {
			continue
		}

		check.Evidence = []string{e.Ref()}
		if e.Observation.Denied() {
			return fail(check, "command was denied: "+e.Observation.Denial.Reason)
		}
		if e.Observation.Aborted {
			return pending(check, "command was aborted")
		}

		exitCode := 0
		if e.Observation.ExitCode != nil {
			exitCode = *e.Observation.ExitCode
		} else if !e.Observation.OK {
			exitCode = -1
		}
		return j.matchOutput(check, r, e.Observation.Output, exitCode)
	}

	return pending(check, fmt.Sprintf("command %q has not run yet", strings.Join(r.Command, " ")))
}

func (j *Judge) matchOutput(check model.JudgeCheck, r model.JudgeRule, output string, exitCode int) model.JudgeCheck {
	if r.FailMatch != "" {
		re, err := j.pattern(r.FailMatch)
		if err != nil {
			return fail(check, err.Error())
		}
		if re.MatchString(output) {
			return fail(check, fmt.Sprintf("output matches fail pattern %q", r.FailMatch))
		}
	}

	if r.SuccessMatch != "" {
		re, err := j.pattern(r.SuccessMatch)
		if err != nil {
			return fail(check, err.Error())
		}
		if re.MatchString(output) {
			return pass(check, fmt.Sprintf("output matches success pattern %q", r.SuccessMatch))
		}
		return fail(check, fmt.Sprintf("output doesn't match success pattern %q (exit code %d)", r.SuccessMatch, exitCode))
	}

	if exitCode != 0 {
		return fail(check, fmt.Sprintf("exit code %d", exitCode))
	}
	return pass(check, "exit code 0")
}

func (j *Judge) file(check model.JudgeCheck, r model.JudgeRule) model.JudgeCheck {
	path, err := j.ws.ResolveInside(r.Path)
	if err != nil {
		return fail(check, err.Error())
	}

	_, err = os.Lstat(path)
	exists := err == nil
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return pending(check, fmt.Sprintf("could not stat %s: %s", r.Path, err))
	}

	switch {
	case r.Type == model.JudgeRuleFileExists && exists:
		return pass(check, r.Path+" exists")
	case r.Type == model.JudgeRuleFileExists:
		return fail(check, r.Path+" doesn't exist")
	case exists:
		return fail(check, r.Path+" exists")
	default:
		return pass(check, r.Path+" doesn't exist")
	}
}

func (j *Judge) textMatch(check model.JudgeCheck, r model.JudgeRule, evidence []Evidence) model.JudgeCheck {
	var (
		outputs []string
		refs    []string
	)
	for _, e := range evidence {
		if r.Source != "" && e.Observation.ActionType != r.Source {
			continue
		}
		text := e.Observation.Output
		if text == "" {
			text = e.Observation.Summary
		}
		outputs = append(outputs, text)
		refs = append(refs, e.Ref())
	}
	if len(outputs) == 0 {
		return pending(check, "there is no output to match")
	}
	check.Evidence = refs

	if r.FailMatch != "" {
		re, err := j.pattern(r.FailMatch)
		if err != nil {
			return fail(check, err.Error())
		}
		for _, o := range outputs {
			if re.MatchString(o) {
				return fail(check, fmt.Sprintf("output matches fail pattern %q", r.FailMatch))
			}
		}
	}

	if r.SuccessMatch == "" {
		return pass(check, "no output matches the fail pattern")
	}

	re, err := j.pattern(r.SuccessMatch)
	if err != nil {
		return fail(check, err.Error())
	}
	for _, o := range outputs {
		if re.MatchString(o) {
			return pass(check, fmt.Sprintf("output matches success pattern %q", r.SuccessMatch))
		}
	}
	return fail(check, fmt.Sprintf("no output matches success pattern %q", r.SuccessMatch))
}

func (j *Judge) composite(check model.JudgeCheck, r model.JudgeRule, evidence []Evidence) model.JudgeCheck {
	children := make([]model.JudgeCheck, 0, len(r.Rules))
	for _, c := range r.Rules {
		children = append(children, j.evaluate(c, evidence))
	}

	agg := Aggregate(children)
	check.Evidence = agg.Evidence

	if r.Mode == model.CompositeModeAny {
		var pendingCount int
		for _, c := range children {
			switch c.Status {
			case model.JudgeStatusPass:
				return pass(check, c.ID+" passed")
			case model.JudgeStatusPending:
				pendingCount++
			}
		}
		if pendingCount > 0 {
			return pending(check, fmt.Sprintf("%d rules can't be evaluated yet", pendingCount))
		}
		return fail(check, "no rule passed: "+strings.Join(agg.Reasons, "; "))
	}

	switch agg.Status {
	case model.JudgeStatusFail:
		return fail(check, strings.Join(agg.Reasons, "; "))
	case model.JudgeStatusPending:
		return pending(check, strings.Join(agg.Reasons, "; "))
	}
	return pass(check, "every rule passed")
}

func (j *Judge) pattern(expr string) (*regexp.Regexp, error) {
	if re, ok := j.patterns.Get(expr); ok {
		return re, nil
	}

	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", expr, model.ErrNotValid)
	}
	j.patterns.Add(expr, re)
	return re, nil
}

// runsCommand returns true if the action runs the argv of a command rule.
func runsCommand(a model.Action, command []string) bool {
	switch a := a.(type) {
	case model.TerminalRun:
		return a.Program == command[0] && slices.Equal(a.Args, command[1:])
	case model.TerminalExec:
		return strings.TrimSpace(a.Cmd) == strings.Join(command, " ")
	}
	return false
}

func pass(c model.JudgeCheck, reason string) model.JudgeCheck {
	c.Status = model.JudgeStatusPass
	c.Reason = reason
	return c
}

func fail(c model.JudgeCheck, reason string) model.JudgeCheck {
	c.Status = model.JudgeStatusFail
	c.Reason = reason
	return c
}

func pending(c model.JudgeCheck, reason string) model.JudgeCheck {
	c.Status = model.JudgeStatusPending
	c.Reason = reason
	return c
}
