package printer

import (
	"github.com/slok/autopilot/internal/kernel"
	"github.com/slok/autopilot/internal/model"
)

// Printer knows how to print run information in different formats.
type Printer interface {
	PrintTask(task model.Task, plan *model.Plan) error
	PrintEvent(e model.Event) error
	PrintRuns(runs []model.Run) error
	PrintAudit(entries []model.AuditEntry) error
	PrintCheckpoints(checkpoints []model.Checkpoint) error
	PrintState(st kernel.State) error
	PrintMessage(msg string) error
}

var (
	_ Printer = &TablePrinter{}
	_ Printer = &JSONPrinter{}
)
