package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/alecthomas/kingpin/v2"

	"github.com/slok/autopilot/internal/app/taskinit"
	storageio "github.com/slok/autopilot/internal/storage/io"
)

// InitCommand registers a task configuration.
type InitCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	path   string
	format string
}

// NewInitCommand returns the init command.
func NewInitCommand(rootCmd *RootCommand, app *kingpin.Application) *InitCommand {
	c := &InitCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("init", "Register (or update) a task from its YAML configuration.")
	c.Cmd.Arg("config", "Task YAML configuration file.").Required().StringVar(&c.path)
	c.Cmd.Flag("format", "Output format (table, json).").Default(formatTable).EnumVar(&c.format, formatTable, formatJSON)

	return c
}

func (c InitCommand) Name() string { return c.Cmd.FullCommand() }

func (c InitCommand) Run(ctx context.Context) error {
	logger := c.rootCmd.Logger

	abs, err := filepath.Abs(c.path)
	if err != nil {
		return fmt.Errorf("could not resolve config path: %w", err)
	}
	dir := filepath.Dir(abs)

	st, err := c.rootCmd.openStorages(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	svc, err := taskinit.NewService(taskinit.ServiceConfig{
		Loader:     storageio.NewTaskYAMLRepository(os.DirFS(dir)),
		Repository: st.files,
		Runs:       st.db,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("could not create service: %w", err)
	}

	// Relative workspaces are resolved against the config directory.
	res, err := svc.Run(ctx, taskinit.Request{
		Path:    filepath.Base(abs),
		BaseDir: dir,
	})
	if err != nil {
		return fmt.Errorf("could not register task: %w", err)
	}

	if err := c.rootCmd.newPrinter(c.format).PrintTask(res.Task, res.Plan); err != nil {
		return fmt.Errorf("could not print task: %w", err)
	}

	return nil
}
