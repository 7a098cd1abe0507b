package commands

import (
	"context"
	"fmt"

	"github.com/alecthomas/kingpin/v2"

	"github.com/slok/autopilot/internal/app/audit"
	"github.com/slok/autopilot/internal/model"
)

// AuditCommand prints the policy decisions taken on the actions of a task.
type AuditCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	taskID   string
	runID    string
	decision string
	format   string
}

// NewAuditCommand returns the audit command.
func NewAuditCommand(rootCmd *RootCommand, app *kingpin.Application) *AuditCommand {
	c := &AuditCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("audit", "Print the audit log of a task.")
	c.Cmd.Arg("task-id", "Task ID.").Required().StringVar(&c.taskID)
	c.Cmd.Flag("run", "Only show the entries of this run.").StringVar(&c.runID)
	c.Cmd.Flag("decision", "Filter by decision.").EnumVar(&c.decision,
		string(model.AuditDecisionApproved),
		string(model.AuditDecisionDenied),
		string(model.AuditDecisionConfirm),
		string(model.AuditDecisionUserApproved),
		string(model.AuditDecisionUserDenied),
	)
	c.Cmd.Flag("format", "Output format (table, json).").Default(formatTable).EnumVar(&c.format, formatTable, formatJSON)

	return c
}

func (c AuditCommand) Name() string { return c.Cmd.FullCommand() }

func (c AuditCommand) Run(ctx context.Context) error {
	logger := c.rootCmd.Logger

	var decisionFilter *model.AuditDecision
	if c.decision != "" {
		d := model.AuditDecision(c.decision)
		decisionFilter = &d
	}

	st, err := c.rootCmd.openStorages(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	svc, err := audit.NewService(audit.ServiceConfig{
		Repository: st.db,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("could not create service: %w", err)
	}

	entries, err := svc.Run(ctx, audit.Request{
		TaskID:         c.taskID,
		RunID:          c.runID,
		DecisionFilter: decisionFilter,
	})
	if err != nil {
		return fmt.Errorf("could not get audit log: %w", err)
	}

	if err := c.rootCmd.newPrinter(c.format).PrintAudit(entries); err != nil {
		return fmt.Errorf("could not print audit log: %w", err)
	}

	return nil
}
