package printer

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/slok/autopilot/internal/kernel"
	"github.com/slok/autopilot/internal/model"
)

// maxLineText bounds the free text printed in a single event line.
const maxLineText = 160

// TablePrinter prints run information in a human readable format.
type TablePrinter struct {
	writer io.Writer
}

// NewTablePrinter creates a new table printer.
func NewTablePrinter(w io.Writer) *TablePrinter {
	return &TablePrinter{writer: w}
}

// PrintTask prints the task configuration and its plan.
func (t *TablePrinter) PrintTask(task model.Task, plan *model.Plan) error {
	fmt.Fprintf(t.writer, "Task:       %s\n", task.ID)
	fmt.Fprintf(t.writer, "Workspace:  %s\n", task.Workspace)
	fmt.Fprintf(t.writer, "Goal:       %s\n", task.Goal)
	fmt.Fprintf(t.writer, "Autonomy:   %s\n", task.Autonomy)
	fmt.Fprintf(t.writer, "Budget:     %d iterations, %d tool calls, %s\n", task.Budget.MaxIterations, task.Budget.MaxToolCalls, FormatElapsed(task.Budget.MaxWallTime))
	fmt.Fprintf(t.writer, "Commands:   %s\n", task.RiskPolicy.CommandPolicy)
	fmt.Fprintf(t.writer, "Paths:      %s\n", task.RiskPolicy.PathPolicy)
	fmt.Fprintf(t.writer, "Network:    %t\n", task.RiskPolicy.AllowNetwork)

	if plan != nil {
		fmt.Fprintln(t.writer)
		t.printPlan(*plan)
	}

	return nil
}

func (t *TablePrinter) printPlan(plan model.Plan) {
	tw := tabwriter.NewWriter(t.writer, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintln(tw, "STEP\tSTATUS\tHARD STOP\tTITLE")
	for _, s := range plan.Steps {
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", s.ID, s.Status, s.HardStop, s.Title)
	}
}

// PrintEvent prints an event as a single line.
func (t *TablePrinter) PrintEvent(e model.Event) error {
	_, err := fmt.Fprintf(t.writer, "%5d %s %-20s %s\n", e.Seq, e.TS.UTC().Format("15:04:05"), e.Type, EventSummary(e.Payload))
	return err
}

// EventSummary returns a one line description of an event payload.
func EventSummary(p model.EventPayload) string {
	switch p := p.(type) {
	case model.StateChanged:
		s := fmt.Sprintf("%s -> %s", p.From, p.To)
		if p.Reason != "" {
			s += " (" + p.Reason + ")"
		}
		return s

	case model.UserMessage:
		var parts []string
		if p.Decision != "" {
			parts = append(parts, "decision="+string(p.Decision))
		}
		if p.Continue {
			parts = append(parts, "continue")
		}
		if p.Message != "" {
			parts = append(parts, oneLine(p.Message))
		}
		return strings.Join(parts, " ")

	case model.ModelMessage:
		return oneLine(p.Message)

	case model.ModelChunk:
		return oneLine(p.Chunk)

	case model.ModelDone:
		return fmt.Sprintf("step %s: %d actions proposed", p.StepID, p.Actions)

	case model.ActionProposed:
		types := make([]string, 0, len(p.Actions))
		for _, a := range p.Actions {
			types = append(types, string(a.Action.ActionType()))
		}
		return fmt.Sprintf("iteration %d step %s: [%s]", p.Iteration, p.StepID, strings.Join(types, ", "))

	case model.ToolCallStarted:
		return fmt.Sprintf("%s %s", p.ToolCall.ID, describeAction(p.ToolCall.Action.Action))

	case model.ToolCallChunk:
		return fmt.Sprintf("%s %s: %s", p.ToolCallID, p.Stream, oneLine(p.Data))

	case model.ToolCallFinished:
		return fmt.Sprintf("%s %s in %s", p.ToolCallID, p.Status, FormatElapsed(time.Duration(p.DurationMs)*time.Millisecond))

	case model.ObservationRecorded:
		status := "ok"
		if !p.Observation.OK {
			status = "failed"
		}
		if p.Observation.Denial != nil {
			status = "denied"
		}
		s := fmt.Sprintf("%s %s: %s", p.Observation.ActionType, status, oneLine(p.Observation.Summary))
		if n := len(p.Observation.Output); n > 0 {
			s += fmt.Sprintf(" (%s output)", FormatBytes(int64(n)))
		}
		return s

	case model.PlanUpdated:
		done := 0
		for _, s := range p.Plan.Steps {
			if s.Complete() {
				done++
			}
		}
		return fmt.Sprintf("v%d %d/%d steps complete (%s)", p.Plan.Version, done, len(p.Plan.Steps), p.Reason)

	case model.TaskUpdated:
		return fmt.Sprintf("%s (%s)", p.Task.ID, p.Reason)

	case model.JudgeEvaluated:
		s := fmt.Sprintf("%s %s", p.Scope, p.Result.Status)
		if p.StepID != "" {
			s = fmt.Sprintf("%s %s: %s", p.Scope, p.StepID, p.Result.Status)
		}
		if len(p.Result.Reasons) > 0 {
			s += ": " + oneLine(strings.Join(p.Result.Reasons, "; "))
		}
		return s

	case model.ErrorRaised:
		if p.Fatal {
			return "fatal: " + oneLine(p.Message)
		}
		return oneLine(p.Message)

	case model.IterationStarted:
		return fmt.Sprintf("iteration %d step %s", p.Iteration, p.StepID)

	case model.DecisionRequested:
		return fmt.Sprintf("%s waits for approval: %s", describeAction(p.Action.Action), oneLine(p.Reason))

	case model.CheckpointCreated:
		return fmt.Sprintf("checkpoint %d %q (%d files)", p.Checkpoint.ID, p.Checkpoint.Label, p.Checkpoint.Files)

	case model.CheckpointRestored:
		if p.BranchID > 0 {
			return fmt.Sprintf("checkpoint %d restored, branch %d", p.ID, p.BranchID)
		}
		return fmt.Sprintf("checkpoint %d restored", p.ID)

	case model.EvidenceRecorded:
		return oneLine(p.Evidence.Summary)

	case model.UnknownPayload:
		return "unknown payload " + string(p.Type)
	}

	return fmt.Sprintf("%T", p)
}

func describeAction(a model.Action) string {
	if a == nil {
		return ""
	}
	if line, ok := model.ActionCommandLine(a); ok {
		return fmt.Sprintf("%s `%s`", a.ActionType(), oneLine(line))
	}
	if paths := model.ActionPaths(a); len(paths) > 0 {
		return fmt.Sprintf("%s %s", a.ActionType(), strings.Join(paths, " "))
	}
	if f, ok := a.(model.BrowserFetch); ok {
		return fmt.Sprintf("%s %s", a.ActionType(), f.URL)
	}
	return string(a.ActionType())
}

func oneLine(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > maxLineText {
		return s[:maxLineText] + "..."
	}
	return s
}

// PrintRuns prints the runs of a task.
func (t *TablePrinter) PrintRuns(runs []model.Run) error {
	if len(runs) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(t.writer, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintln(tw, "RUN\tSTATUS\tREASON\tEVENTS\tCREATED\tUPDATED")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n", r.ID, r.Status, r.Reason, r.LastSeq+1, TimeAgo(r.CreatedAt), TimeAgo(r.UpdatedAt))
	}

	return nil
}

// PrintAudit prints the audit log of a task.
func (t *TablePrinter) PrintAudit(entries []model.AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(t.writer, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintln(tw, "TIME\tRUN\tTOOL CALL\tACTION\tDECISION\tREASON")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", FormatTimestamp(e.Timestamp), e.RunID, e.ToolCallID, e.Action, e.Decision, oneLine(e.Reason))
	}

	return nil
}

// PrintCheckpoints prints the checkpoints of a task.
func (t *TablePrinter) PrintCheckpoints(checkpoints []model.Checkpoint) error {
	if len(checkpoints) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(t.writer, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintln(tw, "ID\tPARENT\tLABEL\tFILES\tCREATED")
	for _, c := range checkpoints {
		parent := "-"
		if c.ParentID > 0 {
			parent = fmt.Sprint(c.ParentID)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\n", c.ID, parent, c.Label, c.Files, TimeAgo(c.CreatedAt))
	}

	return nil
}

// PrintState prints the state of a run rebuilt from its events.
func (t *TablePrinter) PrintState(st kernel.State) error {
	b := st.Budget
	fmt.Fprintf(t.writer, "Run:         %s\n", st.RunID)
	fmt.Fprintf(t.writer, "Task:        %s\n", st.TaskID)
	fmt.Fprintf(t.writer, "Status:      %s\n", st.Status)
	if st.Reason != "" {
		fmt.Fprintf(t.writer, "Reason:      %s\n", st.Reason)
	}
	if st.LastError != "" {
		fmt.Fprintf(t.writer, "Last error:  %s\n", oneLine(st.LastError))
	}
	fmt.Fprintf(t.writer, "Events:      %d\n", st.LastSeq+1)
	fmt.Fprintf(t.writer, "Iterations:  %d/%d\n", b.UsedIter, b.Limits.MaxIterations)
	fmt.Fprintf(t.writer, "Tool calls:  %d/%d\n", b.UsedToolCalls, b.Limits.MaxToolCalls)
	if !b.WindowStart.IsZero() {
		fmt.Fprintf(t.writer, "Wall time:   %s limit, window started %s\n", FormatElapsed(b.Limits.MaxWallTime), TimeAgo(b.WindowStart))
	}
	if st.LastCheckpointID > 0 {
		fmt.Fprintf(t.writer, "Checkpoint:  %d\n", st.LastCheckpointID)
	}
	if d := st.PendingDecision; d != nil {
		fmt.Fprintf(t.writer, "Decision:    %s (%s)\n", describeAction(d.Action.Action), d.Reason)
	}

	fmt.Fprintln(t.writer)
	t.printPlan(st.Plan)
	return nil
}

// PrintMessage prints a simple text message.
func (t *TablePrinter) PrintMessage(msg string) error {
	fmt.Fprintln(t.writer, msg)
	return nil
}
