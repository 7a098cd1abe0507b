package kernel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/slok/autopilot/internal/dispatch"
	"github.com/slok/autopilot/internal/judge"
	"github.com/slok/autopilot/internal/model"
	"github.com/slok/autopilot/internal/proposer"
	"github.com/slok/autopilot/internal/tool"
)

const completionStepID = "completion"

// decisionResume is the answer to a decision slot the worker picks up first.
type decisionResume struct {
	Request  model.DecisionRequested
	Decision model.Decision
}

// batchOutcome is what happened to the actions of an iteration.
type batchOutcome struct {
	// Failed is set when an action was denied or failed, the rest were skipped.
	Failed bool
	// Suspended is set when the run left RUNNING in the middle of the batch.
	Suspended bool
}

// work is the worker loop. It returns nil when the run leaves RUNNING or a
// pause was requested, and an error on fatal failures.
func (k *Kernel) work(ctx context.Context, w *worker, resume *decisionResume) error {
	if resume != nil {
		done, err := k.resumeDecision(ctx, *resume)
		if err != nil || done {
			return err
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if w.pause.Load() {
			return nil
		}

		done, err := k.iterate(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// iterate runs a single loop iteration. It returns true when the run left RUNNING.
func (k *Kernel) iterate(ctx context.Context) (bool, error) {
	st := k.State()

	if st.Plan.AllDone() {
		return k.complete(ctx, st)
	}

	if reason := k.exhausted(st); reason != "" {
		return true, k.await(ctx, string(reason))
	}

	idx := st.Plan.NextStep()
	step := st.Plan.Steps[idx]
	if step.HardStop && !st.AckedHardStops[step.ID] {
		return true, k.await(ctx, model.ReasonHardStopPrefix+step.ID)
	}

	iteration := st.Iteration + 1
	if err := k.emit(ctx, model.IterationStarted{Iteration: iteration, StepID: step.ID}); err != nil {
		return false, err
	}
	if step.Status != model.StepStatusRunning {
		if err := k.updateStep(ctx, step.ID, model.StepStatusRunning, "step started"); err != nil {
			return false, err
		}
	}

	prop, err := k.propose(ctx, st, iteration, step)
	if err != nil {
		return false, err
	}
	if ctx.Err() != nil {
		return false, ctx.Err()
	}

	if prop == nil {
		return k.finishIteration(ctx, iteration, step, batchOutcome{Failed: true})
	}

	if st.Task.Autonomy == model.AutonomyPlanOnly {
		return true, k.await(ctx, model.ReasonPlanOnly)
	}

	out, err := k.runBatch(ctx, iteration, step, prop.Actions)
	if err != nil {
		return false, err
	}
	if out.Suspended {
		return true, nil
	}

	return k.finishIteration(ctx, iteration, step, out)
}

// propose asks the model for the next batch. A nil proposal means the model
// failed, the failure is already recorded.
func (k *Kernel) propose(ctx context.Context, st State, iteration int, step model.Step) (*proposer.Proposal, error) {
	req := proposer.Request{
		TaskID:             st.Task.ID,
		Goal:               st.Task.Goal,
		Plan:               st.Plan,
		Step:               step,
		Iteration:          iteration,
		DiffSummary:        k.diffSummary(ctx),
		LastFailure:        st.LastFailure,
		RecentObservations: st.RecentObservations,
		AllowedActions:     model.KnownActionTypes,
		MaxActions:         st.Task.MaxActionsPerIteration,
	}

	var (
		chunkMu  sync.Mutex
		chunkErr error
	)
	onChunk := func(chunk string) {
		chunkMu.Lock()
		defer chunkMu.Unlock()
		if chunkErr != nil {
			return
		}
		chunkErr = k.emit(ctx, model.ModelChunk{StepID: step.ID, Chunk: chunk})
	}

	prop, err := k.proposer.Propose(ctx, req, onChunk)
	chunkMu.Lock()
	defer chunkMu.Unlock()
	if chunkErr != nil {
		return nil, chunkErr
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		k.logger.Warningf("Proposer failed on step %s: %s", step.ID, err)
		if err := k.emit(ctx, model.ErrorRaised{Message: fmt.Sprintf("proposer failed: %s", err)}); err != nil {
			return nil, err
		}
		return nil, nil
	}

	actions := prop.Actions
	if limit := st.Task.MaxActionsPerIteration; len(actions) > limit {
		k.logger.Warningf("Proposal of %d actions truncated to %d", len(actions), limit)
		actions = actions[:limit]
	}
	prop.Actions = actions

	if prop.Message != "" {
		if err := k.emit(ctx, model.ModelMessage{StepID: step.ID, Message: prop.Message}); err != nil {
			return nil, err
		}
	}
	if err := k.emit(ctx, model.ModelDone{StepID: step.ID, Actions: len(actions)}); err != nil {
		return nil, err
	}
	if err := k.emit(ctx, model.ActionProposed{
		Iteration: iteration,
		StepID:    step.ID,
		Actions:   actions,
		Rationale: prop.Rationale,
	}); err != nil {
		return nil, err
	}

	return prop, nil
}

// runBatch dispatches the actions in order. The first denied or failed action
// skips the rest.
func (k *Kernel) runBatch(ctx context.Context, iteration int, step model.Step, actions []model.ActionEnvelope) (batchOutcome, error) {
	for i, env := range actions {
		st := k.State()
		req := k.dispatchRequest(st, iteration, step.ID, env.Action)

		if denial, ok := st.Denied[model.ActionFingerprint(env.Action)]; ok {
			k.logger.Infof("Action %s was already denied, not dispatching it again", env.Action.ActionType())
			if _, err := k.dispatcher.Refuse(ctx, req, denial); err != nil {
				return batchOutcome{}, err
			}
			return batchOutcome{Failed: true}, nil
		}

		if st.Budget.UsedToolCalls >= st.Budget.Limits.MaxToolCalls {
			return k.refuseBudget(ctx, req, model.BudgetReasonToolCalls)
		}

		res, err := k.dispatcher.Dispatch(ctx, req)
		if err != nil {
			return batchOutcome{}, err
		}
		if ctx.Err() != nil {
			return batchOutcome{}, ctx.Err()
		}

		if res.ConfirmRequired {
			if err := k.emit(ctx, model.DecisionRequested{
				Iteration:  iteration,
				StepID:     step.ID,
				ToolCallID: res.ToolCall.ID,
				Action:     env,
				Remaining:  actions[i+1:],
				Reason:     res.Reason,
			}); err != nil {
				return batchOutcome{}, err
			}
			return batchOutcome{Suspended: true}, k.await(ctx, model.ReasonConfirmRequired)
		}

		if !res.Observation.OK {
			return batchOutcome{Failed: true}, nil
		}
	}

	return batchOutcome{}, nil
}

func (k *Kernel) refuseBudget(ctx context.Context, req dispatch.Request, reason model.BudgetReason) (batchOutcome, error) {
	denial := model.Denial{
		Kind:   model.DenialKindBudget,
		Reason: fmt.Sprintf("%s: %d tool calls used", reason, k.State().Budget.UsedToolCalls),
		Budget: reason,
	}
	if _, err := k.dispatcher.Refuse(ctx, req, denial); err != nil {
		return batchOutcome{}, err
	}
	return batchOutcome{Suspended: true}, k.await(ctx, string(reason))
}

func (k *Kernel) dispatchRequest(st State, iteration int, stepID string, a model.Action) dispatch.Request {
	return dispatch.Request{
		Iteration: iteration,
		StepID:    stepID,
		Action:    a,
		Policy:    st.Task.RiskPolicy,
		Autonomy:  st.Task.Autonomy,
		Deadline:  st.Budget.WindowStart.Add(st.Budget.Limits.MaxWallTime),
	}
}

// resumeDecision finishes the iteration a decision slot suspended. A completion
// command only records its observation, the completion judge runs again on the
// next iteration and dispatches the commands still missing.
func (k *Kernel) resumeDecision(ctx context.Context, d decisionResume) (bool, error) {
	st := k.State()
	completion := d.Request.StepID == completionStepID

	var step model.Step
	if !completion {
		i := st.Plan.StepIndex(d.Request.StepID)
		if i < 0 {
			k.logger.Warningf("Step %s of the decision is gone from the plan", d.Request.StepID)
			return false, nil
		}
		step = st.Plan.Steps[i]
	}

	req := k.dispatchRequest(st, d.Request.Iteration, d.Request.StepID, d.Request.Action.Action)
	req.ToolCallID = d.Request.ToolCallID

	if d.Decision == model.DecisionDeny {
		denial := model.Denial{Kind: model.DenialKindUser, Reason: "denied by the user"}
		if _, err := k.dispatcher.Refuse(ctx, req, denial); err != nil {
			return false, err
		}
		if completion {
			return false, nil
		}
		return k.finishIteration(ctx, d.Request.Iteration, step, batchOutcome{Failed: true})
	}

	if st.Budget.UsedToolCalls >= st.Budget.Limits.MaxToolCalls {
		out, err := k.refuseBudget(ctx, req, model.BudgetReasonToolCalls)
		return out.Suspended, err
	}

	req.ConfirmWaived = true
	res, err := k.dispatcher.Dispatch(ctx, req)
	if err != nil {
		return false, err
	}
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if completion {
		return false, nil
	}

	out := batchOutcome{Failed: !res.Observation.OK}
	if !out.Failed {
		out, err = k.runBatch(ctx, d.Request.Iteration, step, d.Request.Remaining)
		if err != nil {
			return false, err
		}
		if out.Suspended {
			return true, nil
		}
	}

	return k.finishIteration(ctx, d.Request.Iteration, step, out)
}

// finishIteration judges the step, moves the plan forward and checks the budget.
func (k *Kernel) finishIteration(ctx context.Context, iteration int, step model.Step, out batchOutcome) (bool, error) {
	st := k.State()
	evidence := st.IterationEvidence

	result := k.judgeStep(ctx, step, evidence, out)
	if err := k.emit(ctx, model.JudgeEvaluated{
		Scope:     model.JudgeScopeStep,
		Iteration: iteration,
		StepID:    step.ID,
		Result:    result,
	}); err != nil {
		return false, err
	}

	if err := k.emit(ctx, model.EvidenceRecorded{Evidence: k.evidencePack(ctx, iteration, step, evidence, result)}); err != nil {
		return false, err
	}

	checkpointed := false
	switch result.Status {
	case model.JudgeStatusPass:
		if err := k.stepPassed(ctx, step); err != nil {
			return false, err
		}
		if err := k.checkpoint(ctx, "step "+step.ID); err != nil {
			return false, err
		}
		checkpointed = true

	case model.JudgeStatusFail:
		exhausted, err := k.repair(ctx, step)
		if err != nil {
			return false, err
		}
		if exhausted {
			return true, k.await(ctx, model.ReasonRepairExhausted)
		}
	}

	if every := st.Task.CheckpointEvery; every > 0 && iteration%every == 0 && !checkpointed {
		if err := k.checkpoint(ctx, fmt.Sprintf("iteration %d", iteration)); err != nil {
			return false, err
		}
	}

	st = k.State()
	if st.Plan.AllDone() {
		return false, nil
	}
	if reason := k.exhausted(st); reason != "" {
		return true, k.await(ctx, string(reason))
	}
	return false, nil
}

// judgeStep returns the step verdict. A failed batch is a failed check, steps
// without rules are judged by their observations.
func (k *Kernel) judgeStep(ctx context.Context, step model.Step, evidence []judge.Evidence, out batchOutcome) model.JudgeResult {
	var checks []model.JudgeCheck
	if len(step.Rules) > 0 {
		checks = k.judge.Evaluate(step.Rules, evidence).Checks
	} else {
		checks = append(checks, observationsCheck(evidence))
	}

	if out.Failed {
		c := model.JudgeCheck{ID: "batch", Type: model.JudgeRuleCommand, Status: model.JudgeStatusFail, Reason: "an action of the batch was denied or failed"}
		for _, e := range evidence {
			if !e.Observation.OK {
				c.Reason = e.Observation.Summary
				c.Evidence = append(c.Evidence, e.Ref())
			}
		}
		if len(evidence) == 0 {
			c.Reason = "no actions could be proposed"
		}
		checks = append(checks, c)
	}

	return judge.Aggregate(checks)
}

func observationsCheck(evidence []judge.Evidence) model.JudgeCheck {
	c := model.JudgeCheck{ID: "observations", Type: model.JudgeRuleTextMatch}
	ok := 0
	for _, e := range evidence {
		c.Evidence = append(c.Evidence, e.Ref())
		if !e.Observation.OK {
			c.Status = model.JudgeStatusFail
			c.Reason = e.Observation.Summary
			return c
		}
		ok++
	}

	if ok == 0 {
		c.Status = model.JudgeStatusPending
		c.Reason = "no observations yet"
		return c
	}
	c.Status = model.JudgeStatusPass
	c.Reason = fmt.Sprintf("%d actions succeeded", ok)
	return c
}

func (k *Kernel) evidencePack(ctx context.Context, iteration int, step model.Step, evidence []judge.Evidence, result model.JudgeResult) model.EvidencePack {
	pack := model.EvidencePack{
		Iteration: iteration,
		StepID:    step.ID,
		ToolCalls: []string{},
		Diff:      k.diffSummary(ctx),
	}
	for _, e := range evidence {
		pack.ToolCalls = append(pack.ToolCalls, e.Ref())
		if !e.Observation.OK {
			msg := e.Observation.Summary
			if out := strings.TrimSpace(e.Observation.Output); out != "" {
				excerpt, _ := tool.Truncate(out, 2000)
				msg += "\n" + excerpt
			}
			pack.Errors = append(pack.Errors, msg)
		}
	}
	if result.Status == model.JudgeStatusFail {
		pack.Errors = append(pack.Errors, result.Reasons...)
	}

	pack.Summary = fmt.Sprintf("step %s: %s after %d tool calls", step.ID, result.Status, len(evidence))
	return pack
}

func (k *Kernel) stepPassed(ctx context.Context, step model.Step) error {
	plan := k.State().Plan
	for i, s := range plan.Steps {
		if s.ID == step.ID || (step.RepairOf != "" && s.ID == step.RepairOf) {
			plan.Steps[i].Status = model.StepStatusDone
			plan.Steps[i].Done = true
		}
	}
	plan.Version++
	return k.emit(ctx, model.PlanUpdated{Plan: plan, Reason: fmt.Sprintf("step %s passed", step.ID)})
}

// repair injects a repair step ahead of a failed one. It returns true when the
// repair rounds of the step are exhausted.
func (k *Kernel) repair(ctx context.Context, step model.Step) (bool, error) {
	st := k.State()
	plan := st.Plan
	root := step.ID
	if step.RepairOf != "" {
		root = step.RepairOf
	}

	rounds := 0
	for _, s := range plan.Steps {
		if s.RepairOf == root {
			rounds++
		}
	}

	i := plan.StepIndex(step.ID)
	if i < 0 {
		return false, fmt.Errorf("failed step %q is not in the plan: %w", step.ID, model.ErrNotFound)
	}

	if rounds >= st.Task.MaxRepairRounds {
		plan.Steps[i].Status = model.StepStatusError
		plan.Version++
		return true, k.emit(ctx, model.PlanUpdated{Plan: plan, Reason: fmt.Sprintf("step %s failed after %d repairs", root, rounds)})
	}

	if step.RepairOf != "" {
		// A failed repair is superseded by the next round.
		plan.Steps[i].Status = model.StepStatusSkipped
	} else {
		plan.Steps[i].Status = model.StepStatusPending
	}

	original := step
	if j := plan.StepIndex(root); j >= 0 {
		original = plan.Steps[j]
	}
	repair := model.Step{
		ID:       fmt.Sprintf("%s-repair-%d", root, rounds+1),
		Title:    "Repair: " + strings.TrimPrefix(original.Title, "Repair: "),
		Criteria: original.Criteria,
		Status:   model.StepStatusPending,
		Rules:    append([]model.JudgeRule(nil), original.Rules...),
		RepairOf: root,
	}

	steps := make([]model.Step, 0, len(plan.Steps)+1)
	steps = append(steps, plan.Steps[:i]...)
	steps = append(steps, repair)
	steps = append(steps, plan.Steps[i:]...)
	plan.Steps = steps
	plan.Version++

	return false, k.emit(ctx, model.PlanUpdated{Plan: plan, Reason: fmt.Sprintf("repair %s injected", repair.ID)})
}

// complete runs the completion judge once every step is done. The commands its
// rules need are dispatched first, like any other action.
func (k *Kernel) complete(ctx context.Context, st State) (bool, error) {
	var actions []model.ActionEnvelope
	for _, cmd := range judge.Unrun(st.Task.Completion, st.IterationEvidence) {
		actions = append(actions, model.ActionEnvelope{Action: cmd})
	}
	if len(actions) > 0 {
		out, err := k.runBatch(ctx, st.Iteration, model.Step{ID: completionStepID}, actions)
		if err != nil {
			return false, err
		}
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if out.Suspended {
			return true, nil
		}
		st = k.State()
	}

	result := k.judge.Evaluate(st.Task.Completion, st.IterationEvidence)

	if err := k.emit(ctx, model.JudgeEvaluated{
		Scope:     model.JudgeScopeCompletion,
		Iteration: st.Iteration,
		Result:    result,
	}); err != nil {
		return false, err
	}

	if result.Status == model.JudgeStatusPass {
		return true, k.transition(ctx, model.RunStatusDone, model.ReasonCompleted)
	}

	// The goal is not met yet, keep iterating on a completion repair step.
	rounds := 0
	for _, s := range st.Plan.Steps {
		if s.RepairOf == completionStepID {
			rounds++
		}
	}
	if rounds >= st.Task.MaxRepairRounds {
		return true, k.await(ctx, model.ReasonRepairExhausted)
	}

	plan := st.Plan
	plan.Steps = append(plan.Steps, model.Step{
		ID:       fmt.Sprintf("%s-repair-%d", completionStepID, rounds+1),
		Title:    "Repair: meet the completion criteria",
		Criteria: strings.Join(result.Reasons, "; "),
		Status:   model.StepStatusPending,
		Rules:    append([]model.JudgeRule(nil), st.Task.Completion...),
		RepairOf: completionStepID,
	})
	plan.Version++
	return false, k.emit(ctx, model.PlanUpdated{Plan: plan, Reason: "completion judge failed"})
}

func (k *Kernel) updateStep(ctx context.Context, stepID string, status model.StepStatus, reason string) error {
	plan := k.State().Plan
	i := plan.StepIndex(stepID)
	if i < 0 {
		return fmt.Errorf("step %q: %w", stepID, model.ErrNotFound)
	}
	plan.Steps[i].Status = status
	plan.Version++
	return k.emit(ctx, model.PlanUpdated{Plan: plan, Reason: reason})
}

// checkpoint snapshots the working tree at an iteration boundary. A failure
// is recorded but doesn't stop the run.
func (k *Kernel) checkpoint(ctx context.Context, label string) error {
	if k.checkpoints == nil {
		return nil
	}

	cp, err := k.checkpoints.Create(ctx, label)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		k.logger.Warningf("Could not create checkpoint: %s", err)
		return k.emit(ctx, model.ErrorRaised{Message: fmt.Sprintf("could not create checkpoint: %s", err)})
	}
	return k.emit(ctx, model.CheckpointCreated{Checkpoint: *cp})
}

// exhausted returns the first budget limit the run reached.
func (k *Kernel) exhausted(st State) model.BudgetReason {
	b := st.Budget
	switch {
	case b.UsedIter >= b.Limits.MaxIterations:
		return model.BudgetReasonIterations
	case b.UsedToolCalls >= b.Limits.MaxToolCalls:
		return model.BudgetReasonToolCalls
	case !b.WindowStart.IsZero() && k.now().Sub(b.WindowStart) >= b.Limits.MaxWallTime:
		return model.BudgetReasonWallTime
	}
	return ""
}

func (k *Kernel) await(ctx context.Context, reason string) error {
	return k.transition(ctx, model.RunStatusAwaitingUser, reason)
}

func (k *Kernel) diffSummary(ctx context.Context) string {
	if k.git == nil {
		return ""
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	out, err := k.git.Diff(ctx, "")
	if err != nil {
		k.logger.Debugf("Could not get diff summary: %s", err)
		return ""
	}
	summary, _ := tool.Truncate(out, k.diffBytes)
	return summary
}
