package commands

import (
	"context"
	"fmt"

	"github.com/alecthomas/kingpin/v2"

	"github.com/slok/autopilot/internal/app/checkpointcreate"
	"github.com/slok/autopilot/internal/app/checkpointlist"
	"github.com/slok/autopilot/internal/app/checkpointrestore"
	"github.com/slok/autopilot/internal/model"
	"github.com/slok/autopilot/internal/tool/toolset"
)

// CheckpointCreateCommand snapshots the workspace of a task.
type CheckpointCreateCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	taskID string
	label  string
}

// NewCheckpointCreateCommand returns the checkpoint create command.
func NewCheckpointCreateCommand(rootCmd *RootCommand, checkpointCmd *kingpin.CmdClause) *CheckpointCreateCommand {
	c := &CheckpointCreateCommand{rootCmd: rootCmd}

	c.Cmd = checkpointCmd.Command("create", "Create a checkpoint of the task workspace.")
	c.Cmd.Arg("task-id", "Task ID.").Required().StringVar(&c.taskID)
	c.Cmd.Arg("label", "Optional checkpoint label.").StringVar(&c.label)

	return c
}

func (c CheckpointCreateCommand) Name() string { return c.Cmd.FullCommand() }

func (c CheckpointCreateCommand) Run(ctx context.Context) error {
	logger := c.rootCmd.Logger

	st, err := c.rootCmd.openStorages(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	svc, err := checkpointcreate.NewService(checkpointcreate.ServiceConfig{
		Repository: st.files,
		Runs:       st.db,
		Tree:       toolset.NewTreeFunc(logger),
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("could not create service: %w", err)
	}

	cp, err := svc.Run(ctx, checkpointcreate.Request{
		TaskID: c.taskID,
		Label:  c.label,
	})
	if err != nil {
		return fmt.Errorf("could not create checkpoint: %w", err)
	}

	fmt.Fprintf(c.rootCmd.Stdout, "Checkpoint created successfully!\n")
	printCheckpoint(c.rootCmd, *cp)

	return nil
}

func printCheckpoint(rootCmd *RootCommand, cp model.Checkpoint) {
	fmt.Fprintf(rootCmd.Stdout, "  ID:        %d\n", cp.ID)
	if cp.ParentID > 0 {
		fmt.Fprintf(rootCmd.Stdout, "  Parent:    %d\n", cp.ParentID)
	}
	fmt.Fprintf(rootCmd.Stdout, "  Label:     %s\n", cp.Label)
	fmt.Fprintf(rootCmd.Stdout, "  Files:     %d\n", cp.Files)
}

// CheckpointListCommand lists the checkpoints of a task.
type CheckpointListCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	taskID   string
	parentID int
	format   string
}

// NewCheckpointListCommand returns the checkpoint list command.
func NewCheckpointListCommand(rootCmd *RootCommand, checkpointCmd *kingpin.CmdClause) *CheckpointListCommand {
	c := &CheckpointListCommand{rootCmd: rootCmd}

	c.Cmd = checkpointCmd.Command("list", "List the checkpoints of a task.")
	c.Cmd.Arg("task-id", "Task ID.").Required().StringVar(&c.taskID)
	c.Cmd.Flag("parent", "Only show the checkpoints branched from this one.").IntVar(&c.parentID)
	c.Cmd.Flag("format", "Output format (table, json).").Default(formatTable).EnumVar(&c.format, formatTable, formatJSON)

	return c
}

func (c CheckpointListCommand) Name() string { return c.Cmd.FullCommand() }

func (c CheckpointListCommand) Run(ctx context.Context) error {
	logger := c.rootCmd.Logger

	st, err := c.rootCmd.openStorages(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	svc, err := checkpointlist.NewService(checkpointlist.ServiceConfig{
		Repository: st.files,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("could not create service: %w", err)
	}

	checkpoints, err := svc.Run(ctx, checkpointlist.Request{
		TaskID:   c.taskID,
		ParentID: c.parentID,
	})
	if err != nil {
		return fmt.Errorf("could not list checkpoints: %w", err)
	}

	if err := c.rootCmd.newPrinter(c.format).PrintCheckpoints(checkpoints); err != nil {
		return fmt.Errorf("could not print checkpoints: %w", err)
	}

	return nil
}

// CheckpointRestoreCommand restores the workspace of a task to a checkpoint.
type CheckpointRestoreCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	taskID string
	id     int
	branch bool
	label  string
}

// NewCheckpointRestoreCommand returns the checkpoint restore command.
func NewCheckpointRestoreCommand(rootCmd *RootCommand, checkpointCmd *kingpin.CmdClause) *CheckpointRestoreCommand {
	c := &CheckpointRestoreCommand{rootCmd: rootCmd}

	c.Cmd = checkpointCmd.Command("restore", "Restore the task workspace to a checkpoint.")
	c.Cmd.Arg("task-id", "Task ID.").Required().StringVar(&c.taskID)
	c.Cmd.Arg("checkpoint-id", "Checkpoint ID.").Required().IntVar(&c.id)
	c.Cmd.Flag("branch", "Start a new branch from the restored checkpoint.").BoolVar(&c.branch)
	c.Cmd.Flag("label", "Label of the branch checkpoint.").StringVar(&c.label)

	return c
}

func (c CheckpointRestoreCommand) Name() string { return c.Cmd.FullCommand() }

func (c CheckpointRestoreCommand) Run(ctx context.Context) error {
	logger := c.rootCmd.Logger

	st, err := c.rootCmd.openStorages(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	svc, err := checkpointrestore.NewService(checkpointrestore.ServiceConfig{
		Repository: st.files,
		Runs:       st.db,
		Tree:       toolset.NewTreeFunc(logger),
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("could not create service: %w", err)
	}

	res, err := svc.Run(ctx, checkpointrestore.Request{
		TaskID: c.taskID,
		ID:     c.id,
		Branch: c.branch,
		Label:  c.label,
	})
	if err != nil {
		return fmt.Errorf("could not restore checkpoint: %w", err)
	}

	fmt.Fprintf(c.rootCmd.Stdout, "Checkpoint %d restored\n", c.id)
	if res.Branch != nil {
		fmt.Fprintf(c.rootCmd.Stdout, "Branch created:\n")
		printCheckpoint(c.rootCmd, *res.Branch)
	}

	return nil
}
