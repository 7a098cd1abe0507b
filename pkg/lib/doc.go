// Package lib provides a Go SDK to run autopilot tasks programmatically.
//
// It exposes the same operations as the autopilot CLI over the same data
// directory, so tasks registered or runs started with one can be inspected and
// resumed with the other.
//
// # Quick Start
//
// Register a task configuration and run it with a model client:
//
//	client, err := lib.New(ctx, lib.Config{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	task, err := client.RegisterTask(ctx, "/path/to/task.yaml")
//
//	res, err := client.RunTask(ctx, task.Task.ID, lib.RunOpts{
//	    Proposer: myModel,
//	    OnEvent: func(e lib.Event) error {
//	        fmt.Println(e.Seq, e.Type)
//	        return nil
//	    },
//	})
//
// A run stops when it's done, fails, waits for the user or runs out of budget.
// Runs waiting for the user are answered with [Client.ResumeRun]:
//
//	if res.State.Status == lib.RunStatusAwaitingUser {
//	    res, err = client.ResumeRun(ctx, task.Task.ID, res.RunID, &lib.UserInput{
//	        Decision: lib.DecisionApprove,
//	    }, opts)
//	}
//
// # Proposers
//
// Any [Proposer] implementation can drive a run. [ProposerFunc] adapts a
// function and [RunOpts].Script uses a YAML script with the proposals of each
// plan step, useful for tests and demos.
//
// # Inspection
//
// The event log of a run is the source of truth, the state of a run is always
// rebuilt from it:
//
//	state, _ := client.Replay(ctx, taskID, runID)
//	events, _ := client.Events(ctx, taskID, runID, nil)
//	entries, _ := client.Audit(ctx, taskID, nil)
//
// # Error Handling
//
// All methods return errors that can be inspected with [errors.Is]:
//
//   - [ErrNotFound]: The task, run or checkpoint does not exist.
//   - [ErrAlreadyExists]: The task already has an active run.
//   - [ErrNotValid]: Invalid input.
//   - [ErrInvalidTransition]: The run can't do that in its current status.
package lib
