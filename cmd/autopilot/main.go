package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/oklog/run"
	"github.com/sirupsen/logrus"

	"github.com/slok/autopilot/cmd/autopilot/commands"
	"github.com/slok/autopilot/internal/log"
	loglogrus "github.com/slok/autopilot/internal/log/logrus"
)

const (
	// Version is the application version (set via ldflags).
	Version = "dev"
)

// Run runs the main application.
func Run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) (err error) {
	app := kingpin.New("autopilot", "Autonomous task runner over a local workspace.")
	app.DefaultEnvars()
	rootCmd := commands.NewRootCommand(app)

	// Setup commands (registers flags).
	initCmd := commands.NewInitCommand(rootCmd, app)
	runCmd := commands.NewRunCommand(rootCmd, app)
	resumeCmd := commands.NewResumeCommand(rootCmd, app)
	stopCmd := commands.NewStopCommand(rootCmd, app)
	eventsCmd := commands.NewEventsCommand(rootCmd, app)
	replayCmd := commands.NewReplayCommand(rootCmd, app)
	runsCmd := commands.NewRunsCommand(rootCmd, app)
	auditCmd := commands.NewAuditCommand(rootCmd, app)

	// Checkpoint subcommands share a parent command.
	checkpointCmd := app.Command("checkpoint", "Manage workspace checkpoints.")
	checkpointCreateCmd := commands.NewCheckpointCreateCommand(rootCmd, checkpointCmd)
	checkpointListCmd := commands.NewCheckpointListCommand(rootCmd, checkpointCmd)
	checkpointRestoreCmd := commands.NewCheckpointRestoreCommand(rootCmd, checkpointCmd)

	cmds := map[string]commands.Command{
		initCmd.Name():              initCmd,
		runCmd.Name():               runCmd,
		resumeCmd.Name():            resumeCmd,
		stopCmd.Name():              stopCmd,
		eventsCmd.Name():            eventsCmd,
		replayCmd.Name():            replayCmd,
		runsCmd.Name():              runsCmd,
		auditCmd.Name():             auditCmd,
		checkpointCreateCmd.Name():  checkpointCreateCmd,
		checkpointListCmd.Name():    checkpointListCmd,
		checkpointRestoreCmd.Name(): checkpointRestoreCmd,
	}

	// Parse command.
	cmdName, err := app.Parse(args[1:])
	if err != nil {
		return fmt.Errorf("invalid command configuration: %w", err)
	}

	// Set standard input/output.
	rootCmd.Stdin = stdin
	rootCmd.Stdout = stdout
	rootCmd.Stderr = stderr

	// Commands that print structured output don't log unless --debug is set.
	printerCommands := map[string]bool{
		"events":          true,
		"replay":          true,
		"runs":            true,
		"audit":           true,
		"checkpoint list": true,
	}
	if printerCommands[cmdName] && !rootCmd.Debug {
		rootCmd.NoLog = true
	}

	// Set logger.
	rootCmd.Logger = getLogger(ctx, *rootCmd)

	var g run.Group

	// OS signals.
	{
		signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
		defer signalCancel()

		g.Add(
			func() error {
				<-signalCtx.Done()
				rootCmd.Logger.Infof("Termination signal received")
				return nil
			},
			func(_ error) {
				signalCancel()
			},
		)
	}

	// Execute command.
	{
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		g.Add(
			func() error {
				err := cmds[cmdName].Run(ctx)
				if err != nil {
					return fmt.Errorf("%q command failed: %w", cmdName, err)
				}
				return nil
			},
			func(_ error) {
				cancel()
			},
		)
	}

	return g.Run()
}

// getLogger returns the application logger.
func getLogger(ctx context.Context, config commands.RootCommand) log.Logger {
	if config.NoLog {
		return log.Noop
	}

	// Logs go to stderr so the run events printed on stdout can be piped.
	logrusLog := logrus.New()
	logrusLog.Out = config.Stderr
	logrusLogEntry := logrus.NewEntry(logrusLog)

	if config.Debug {
		logrusLogEntry.Logger.SetLevel(logrus.DebugLevel)
	}

	switch config.LoggerType {
	case commands.LoggerTypeDefault:
		logrusLogEntry.Logger.SetFormatter(&logrus.TextFormatter{
			ForceColors:   !config.NoColor,
			DisableColors: config.NoColor,
		})
	case commands.LoggerTypeJSON:
		logrusLogEntry.Logger.SetFormatter(&logrus.JSONFormatter{})
	}

	logger := loglogrus.NewLogrus(logrusLogEntry).WithValues(log.Kv{
		"version": Version,
	})

	logger.Debugf("Debug level is enabled")

	return logger
}

func main() {
	ctx := context.Background()
	err := Run(ctx, os.Args, os.Stdin, os.Stdout, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
