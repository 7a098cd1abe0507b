package commands

import (
	"context"
	"fmt"

	"github.com/alecthomas/kingpin/v2"

	"github.com/slok/autopilot/internal/app/events"
	"github.com/slok/autopilot/internal/model"
)

// EventsCommand prints the event log of a run.
type EventsCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	taskID  string
	runID   string
	fromSeq int64
	types   []string
	format  string
}

// NewEventsCommand returns the events command.
func NewEventsCommand(rootCmd *RootCommand, app *kingpin.Application) *EventsCommand {
	c := &EventsCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("events", "Print the event log of a run.")
	c.Cmd.Arg("task-id", "Task ID.").Required().StringVar(&c.taskID)
	c.Cmd.Arg("run-id", "Run ID, the latest run of the task when missing.").StringVar(&c.runID)
	c.Cmd.Flag("from", "Skip the events before this sequence.").Default("0").Int64Var(&c.fromSeq)
	c.Cmd.Flag("type", "Only print events of this type (repeatable).").StringsVar(&c.types)
	c.Cmd.Flag("format", "Output format (table, json).").Default(formatTable).EnumVar(&c.format, formatTable, formatJSON)

	return c
}

func (c EventsCommand) Name() string { return c.Cmd.FullCommand() }

func (c EventsCommand) Run(ctx context.Context) error {
	logger := c.rootCmd.Logger

	types := make([]model.EventType, 0, len(c.types))
	for _, t := range c.types {
		types = append(types, model.EventType(t))
	}

	st, err := c.rootCmd.openStorages(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	svc, err := events.NewService(events.ServiceConfig{
		Events: st.files,
		Runs:   st.db,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("could not create service: %w", err)
	}

	res, err := svc.Run(ctx, events.Request{
		TaskID:  c.taskID,
		RunID:   c.runID,
		FromSeq: c.fromSeq,
		Types:   types,
	})
	if err != nil {
		return fmt.Errorf("could not get events: %w", err)
	}

	p := c.rootCmd.newPrinter(c.format)
	for _, e := range res.Events {
		if err := p.PrintEvent(e); err != nil {
			return fmt.Errorf("could not print event: %w", err)
		}
	}

	return nil
}
