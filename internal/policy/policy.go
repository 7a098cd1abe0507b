package policy

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/slok/autopilot/internal/model"
	"github.com/slok/autopilot/internal/workspace"
)

// Outcome is the result of evaluating an action.
type Outcome string

const (
	OutcomeAllow   Outcome = "allow"
	OutcomeDeny    Outcome = "deny"
	OutcomeConfirm Outcome = "confirm"
)

// Verdict is the evaluation of an action against a risk policy.
type Verdict struct {
	Outcome Outcome
	// Denial is set when the outcome is deny.
	Denial *model.Denial
	// Reason explains confirm outcomes.
	Reason string
}

// Options tune a single evaluation.
type Options struct {
	// ConfirmWaived is set when a human already approved the action, it only
	// skips the confirmation step. Path and network checks still apply.
	ConfirmWaived bool
}

// Evaluator checks tool actions against a risk policy. The checks always run in
// the same order and stop at the first denial: path, command, network.
type Evaluator struct {
	ws *workspace.Workspace
}

// NewEvaluator returns an evaluator for the workspace.
func NewEvaluator(ws *workspace.Workspace) (*Evaluator, error) {
	if ws == nil {
		return nil, fmt.Errorf("workspace is required")
	}
	return &Evaluator{ws: ws}, nil
}

// Evaluate returns the verdict for the action. Anything not explicitly allowed is denied.
func (e *Evaluator) Evaluate(rp model.RiskPolicy, a model.Action, opts Options) Verdict {
	if err := model.ValidateAction(a); err != nil {
		return deny(model.DenialKindAction, err.Error())
	}

	if v, ok := e.evaluatePaths(rp, a); !ok {
		return v
	}

	v := evaluateCommand(rp, a, opts)
	if v.Outcome == OutcomeDeny {
		return v
	}

	if nv, ok := evaluateNetwork(rp, a); !ok {
		return nv
	}

	return v
}

func (e *Evaluator) evaluatePaths(rp model.RiskPolicy, a model.Action) (Verdict, bool) {
	for _, p := range model.ActionPaths(a) {
		abs, err := e.ws.Resolve(p)
		if err != nil {
			return deny(model.DenialKindPath, fmt.Sprintf("path %q can't be resolved: %s", p, err)), false
		}

		if e.ws.Contains(abs) {
			continue
		}

		if rp.PathPolicy == model.PathPolicyAllowlist && e.allowlisted(rp.PathAllowlist, abs) {
			continue
		}

		return deny(model.DenialKindPath, fmt.Sprintf("path %q resolves outside the workspace (%s policy)", p, rp.PathPolicy)), false
	}

	return Verdict{Outcome: OutcomeAllow}, true
}

func (e *Evaluator) allowlisted(roots []string, abs string) bool {
	for _, r := range roots {
		root, err := e.ws.Resolve(r)
		if err != nil {
			continue
		}
		if workspace.Within(root, abs) {
			return true
		}
	}
	return false
}

func evaluateCommand(rp model.RiskPolicy, a model.Action, opts Options) Verdict {
	line, ok := model.ActionCommandLine(a)
	if !ok {
		return Verdict{Outcome: OutcomeAllow}
	}

	// Built in dangerous patterns are denied whatever the policy.
	if p, blocked := matchBuiltinBlocklist(line); blocked {
		return deny(model.DenialKindCommand, fmt.Sprintf("blocked dangerous command pattern: %s", p))
	}

	switch rp.CommandPolicy {
	case model.CommandPolicyBlocklist:
		if p, blocked := matchPatterns(line, rp.CommandBlocklist); blocked {
			return deny(model.DenialKindCommand, fmt.Sprintf("command matches blocklist entry: %s", p))
		}
		return Verdict{Outcome: OutcomeAllow}

	case model.CommandPolicyAllowlist:
		if _, isShell := a.(model.TerminalExec); isShell && hasShellChaining(line) {
			return deny(model.DenialKindCommand, "shell operators are not allowed under the allowlist policy")
		}
		if !allowlisted(rp.CommandAllowlist, line) {
			return deny(model.DenialKindCommand, fmt.Sprintf("command %q is not in the allowlist", programName(line)))
		}
		return Verdict{Outcome: OutcomeAllow}

	case model.CommandPolicyConfirm:
		if opts.ConfirmWaived {
			return Verdict{Outcome: OutcomeAllow}
		}
		return Verdict{Outcome: OutcomeConfirm, Reason: fmt.Sprintf("command %q requires confirmation", line)}
	}

	return deny(model.DenialKindCommand, fmt.Sprintf("unknown command policy %q", rp.CommandPolicy))
}

func evaluateNetwork(rp model.RiskPolicy, a model.Action) (Verdict, bool) {
	if rp.AllowNetwork {
		return Verdict{Outcome: OutcomeAllow}, true
	}

	if model.ActionRequiresNetwork(a) {
		return deny(model.DenialKindNetwork, fmt.Sprintf("%s requires network access and the network is disabled", a.ActionType())), false
	}

	if line, ok := model.ActionCommandLine(a); ok {
		if prog, net := usesNetworkProgram(line); net {
			return deny(model.DenialKindNetwork, fmt.Sprintf("%s requires network access and the network is disabled", prog)), false
		}
	}

	return Verdict{Outcome: OutcomeAllow}, true
}

func deny(kind model.DenialKind, reason string) Verdict {
	return Verdict{
		Outcome: OutcomeDeny,
		Denial:  &model.Denial{Kind: kind, Reason: reason},
	}
}

func allowlisted(entries []string, line string) bool {
	prog := programName(line)
	lower := strings.ToLower(line)
	for _, e := range entries {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		// Entries with arguments are command prefixes, bare entries are program names.
		if strings.Contains(e, " ") {
			if lower == e || strings.HasPrefix(lower, e+" ") {
				return true
			}
			continue
		}
		if prog == e {
			return true
		}
	}
	return false
}

func programName(line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return ""
	}
	return strings.ToLower(filepath.Base(fields[0]))
}

func hasShellChaining(line string) bool {
	for _, op := range []string{";", "&&", "||", "|", "`", "$(", ">", "<", "\n"} {
		if strings.Contains(line, op) {
			return true
		}
	}
	return false
}
