package kernel

import (
	"context"
	"fmt"

	"github.com/slok/autopilot/internal/model"
)

// UserInput is a human message to the run. At an AWAITING_USER pause it
// resumes the run, answering the pending decision if there is one.
type UserInput struct {
	Message  string
	Decision model.Decision
	// Continue opens a fresh budget window.
	Continue bool
}

// TaskUpdate relaxes (or tightens) the limits of a paused run.
type TaskUpdate struct {
	Budget     *model.BudgetLimits
	RiskPolicy *model.RiskPolicy
}

// Start starts an IDLE run: it records the task and the plan and begins iterating.
func (k *Kernel) Start(ctx context.Context) error {
	return k.do(ctx, func(ctx context.Context) error {
		if st := k.status(); st != model.RunStatusIdle {
			return fmt.Errorf("can't start a %s run: %w", st, model.ErrInvalidTransition)
		}

		plan, err := k.initialPlan(ctx)
		if err != nil {
			return err
		}

		if err := k.emit(ctx, model.TaskUpdated{Task: k.task, Reason: model.ReasonStarted}); err != nil {
			return err
		}
		if err := k.emit(ctx, model.PlanUpdated{Plan: plan, Reason: model.ReasonStarted}); err != nil {
			return err
		}
		if err := k.transition(ctx, model.RunStatusRunning, model.ReasonStarted); err != nil {
			return err
		}

		k.startWorker(ctx, nil)
		return nil
	})
}

func (k *Kernel) initialPlan(ctx context.Context) (model.Plan, error) {
	if k.plan != nil {
		p := k.plan.Copy()
		if p.Goal == "" {
			p.Goal = k.task.Goal
		}
		return p, nil
	}

	if k.planner == nil {
		return model.Plan{Goal: k.task.Goal, Steps: []model.Step{}}, nil
	}

	p, err := k.planner.Plan(ctx, k.task.Goal)
	if err != nil {
		return model.Plan{}, fmt.Errorf("could not draft plan: %w", err)
	}
	if err := p.Validate(); err != nil {
		return model.Plan{}, fmt.Errorf("drafted plan is invalid: %w", err)
	}
	return p.Copy(), nil
}

// Pause asks a RUNNING run to pause, it happens once the current iteration ends.
func (k *Kernel) Pause(ctx context.Context) error {
	return k.do(ctx, func(ctx context.Context) error {
		if k.worker == nil || k.status() != model.RunStatusRunning {
			return fmt.Errorf("can't pause a %s run: %w", k.status(), model.ErrInvalidTransition)
		}
		k.worker.pause.Store(true)
		return nil
	})
}

// Resume resumes a PAUSED run, or an AWAITING_USER one without a pending decision.
func (k *Kernel) Resume(ctx context.Context) error {
	return k.do(ctx, func(ctx context.Context) error {
		st := k.State()
		if st.PendingDecision != nil {
			return fmt.Errorf("the run waits for a decision on %s: %w", st.PendingDecision.Action.ActionType(), model.ErrInvalidTransition)
		}
		return k.resume(ctx, st.Status, nil)
	})
}

func (k *Kernel) resume(ctx context.Context, from model.RunStatus, d *decisionResume) error {
	busy, err := k.busy(ctx)
	if err != nil {
		return err
	}
	if busy || (from != model.RunStatusPaused && from != model.RunStatusAwaitingUser) {
		return fmt.Errorf("can't resume a %s run: %w", from, model.ErrInvalidTransition)
	}
	if err := k.transition(ctx, model.RunStatusRunning, model.ReasonResumed); err != nil {
		return err
	}
	k.startWorker(ctx, d)
	return nil
}

// Stop aborts the run, killing any in flight tool call. The run ends in ERROR.
func (k *Kernel) Stop(ctx context.Context) error {
	return k.do(ctx, func(ctx context.Context) error {
		return k.stop(context.WithoutCancel(ctx))
	})
}

// UserInput records a human message. When the run is AWAITING_USER it's resumed.
func (k *Kernel) UserInput(ctx context.Context, in UserInput) error {
	return k.do(ctx, func(ctx context.Context) error {
		st := k.State()
		if st.Status.Terminal() {
			return fmt.Errorf("can't send input to a %s run: %w", st.Status, model.ErrInvalidTransition)
		}

		var resume *decisionResume
		if in.Decision != "" {
			if st.PendingDecision == nil || st.Status != model.RunStatusAwaitingUser {
				return fmt.Errorf("there is no pending decision: %w", model.ErrInvalidTransition)
			}
			resume = &decisionResume{Request: *st.PendingDecision, Decision: in.Decision}
		}

		msg := model.UserMessage{Message: in.Message, Decision: in.Decision, Continue: in.Continue}
		if err := msg.Validate(); err != nil {
			return err
		}
		if st.Status == model.RunStatusAwaitingUser && st.PendingDecision != nil && resume == nil {
			// Only a decision can answer a decision slot.
			return k.emit(ctx, msg)
		}
		if err := k.emit(ctx, msg); err != nil {
			return err
		}

		if st.Status != model.RunStatusAwaitingUser {
			return nil
		}
		return k.resume(ctx, st.Status, resume)
	})
}

// UpdatePlan replaces the plan of a run that is not iterating.
func (k *Kernel) UpdatePlan(ctx context.Context, plan model.Plan) error {
	return k.do(ctx, func(ctx context.Context) error {
		if err := k.idle(ctx, "updating the plan"); err != nil {
			return err
		}
		if err := plan.Validate(); err != nil {
			return err
		}

		plan = plan.Copy()
		plan.Version = k.State().Plan.Version + 1
		return k.emit(ctx, model.PlanUpdated{Plan: plan, Reason: "user"})
	})
}

// SetStepStatus changes the status of a plan step of a run that is not iterating.
func (k *Kernel) SetStepStatus(ctx context.Context, stepID string, status model.StepStatus) error {
	return k.do(ctx, func(ctx context.Context) error {
		if err := k.idle(ctx, "changing a step"); err != nil {
			return err
		}
		if !status.Valid() {
			return fmt.Errorf("unknown step status %q: %w", status, model.ErrNotValid)
		}

		plan := k.State().Plan
		i := plan.StepIndex(stepID)
		if i < 0 {
			return fmt.Errorf("step %q: %w", stepID, model.ErrNotFound)
		}
		plan.Steps[i].Status = status
		plan.Steps[i].Done = status == model.StepStatusDone
		plan.Version++
		return k.emit(ctx, model.PlanUpdated{Plan: plan, Reason: "user"})
	})
}

// UpdateTask changes the budget or the risk policy of a run that is not iterating.
func (k *Kernel) UpdateTask(ctx context.Context, up TaskUpdate) error {
	return k.do(ctx, func(ctx context.Context) error {
		if err := k.idle(ctx, "updating the task"); err != nil {
			return err
		}

		st := k.State()
		task := st.Task
		if st.Status == model.RunStatusIdle {
			task = k.task
		}
		if up.Budget != nil {
			task.Budget = *up.Budget
		}
		if up.RiskPolicy != nil {
			task.RiskPolicy = *up.RiskPolicy
		}
		if err := task.Validate(); err != nil {
			return err
		}

		if st.Status == model.RunStatusIdle {
			// Recorded when the run starts.
			k.task = task
			return nil
		}
		return k.emit(ctx, model.TaskUpdated{Task: task, Reason: "user"})
	})
}

// CreateCheckpoint snapshots the working tree of a run that is not iterating.
func (k *Kernel) CreateCheckpoint(ctx context.Context, label string) (*model.Checkpoint, error) {
	var cp *model.Checkpoint
	err := k.do(ctx, func(ctx context.Context) error {
		if err := k.checkpointable(ctx, "creating a checkpoint"); err != nil {
			return err
		}

		c, err := k.checkpoints.Create(ctx, label)
		if err != nil {
			return fmt.Errorf("could not create checkpoint: %w", err)
		}
		cp = c
		return k.emit(ctx, model.CheckpointCreated{Checkpoint: *c})
	})
	return cp, err
}

// RestoreCheckpoint returns the working tree of a run that is not iterating to a checkpoint.
func (k *Kernel) RestoreCheckpoint(ctx context.Context, id int) error {
	return k.do(ctx, func(ctx context.Context) error {
		if err := k.checkpointable(ctx, "restoring a checkpoint"); err != nil {
			return err
		}

		if err := k.checkpoints.Restore(ctx, id); err != nil {
			return fmt.Errorf("could not restore checkpoint %d: %w", id, err)
		}
		return k.emit(ctx, model.CheckpointRestored{ID: id})
	})
}

// BranchCheckpoint restores a checkpoint and starts a new branch from it.
func (k *Kernel) BranchCheckpoint(ctx context.Context, id int, label string) (*model.Checkpoint, error) {
	var cp *model.Checkpoint
	err := k.do(ctx, func(ctx context.Context) error {
		if err := k.checkpointable(ctx, "branching a checkpoint"); err != nil {
			return err
		}

		c, err := k.checkpoints.Branch(ctx, id, label)
		if err != nil {
			return fmt.Errorf("could not branch checkpoint %d: %w", id, err)
		}
		cp = c
		return k.emit(ctx, model.CheckpointRestored{ID: id, BranchID: c.ID})
	})
	return cp, err
}

func (k *Kernel) checkpointable(ctx context.Context, what string) error {
	if k.checkpoints == nil {
		return fmt.Errorf("%s: no checkpoint manager: %w", what, model.ErrNotValid)
	}
	return k.idle(ctx, what)
}
