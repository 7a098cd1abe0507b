package commands

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/alecthomas/kingpin/v2"
	"k8s.io/client-go/util/homedir"

	"github.com/slok/autopilot/internal/conventions"
	"github.com/slok/autopilot/internal/log"
	"github.com/slok/autopilot/internal/printer"
	storagefs "github.com/slok/autopilot/internal/storage/fs"
	"github.com/slok/autopilot/internal/storage/sqlite"
)

const (
	// LoggerTypeDefault is the logger default type.
	LoggerTypeDefault = "default"
	// LoggerTypeJSON is the logger json type.
	LoggerTypeJSON = "json"
)

const (
	formatTable = "table"
	formatJSON  = "json"
)

// Command represents an application command, all commands that want to be executed
// should implement and setup on main.
type Command interface {
	Name() string
	Run(ctx context.Context) error
}

// RootCommand represents the root command configuration and global configuration
// for all the commands.
type RootCommand struct {
	// Global flags.
	Debug      bool
	NoLog      bool
	NoColor    bool
	LoggerType string
	DataDir    string
	DBPath     string

	// Global instances.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	Logger log.Logger
}

// NewRootCommand initializes the main root configuration.
func NewRootCommand(app *kingpin.Application) *RootCommand {
	c := &RootCommand{}

	app.Flag("debug", "Enable debug mode.").BoolVar(&c.Debug)
	app.Flag("no-log", "Disable logger.").BoolVar(&c.NoLog)
	app.Flag("no-color", "Disable logger color.").BoolVar(&c.NoColor)
	app.Flag("logger", "Selects the logger type.").Default(LoggerTypeDefault).EnumVar(&c.LoggerType, LoggerTypeDefault, LoggerTypeJSON)

	defaultDataDir := filepath.Join(homedir.HomeDir(), conventions.DefaultDataDir)
	app.Flag("data-dir", "Directory where tasks, run logs and checkpoints are stored.").Envar("AUTOPILOT_DATA_DIR").Default(defaultDataDir).StringVar(&c.DataDir)
	app.Flag("db-path", "Path to the SQLite database file, defaults to the data dir database.").Envar("AUTOPILOT_DB_PATH").StringVar(&c.DBPath)

	return c
}

// storages are the repositories of the data dir: task, plan, event and
// checkpoint files on disk and the run index and audit log in SQLite.
type storages struct {
	files *storagefs.Repository
	db    *sqlite.Repository
}

func (s *storages) Close() error { return s.db.Close() }

func (c RootCommand) openStorages(ctx context.Context) (*storages, error) {
	files, err := storagefs.NewRepository(storagefs.RepositoryConfig{
		DataDir: c.DataDir,
		Logger:  c.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create file repository: %w", err)
	}

	dbPath := c.DBPath
	if dbPath == "" {
		dbPath = filepath.Join(c.DataDir, conventions.DBFile)
	}
	db, err := sqlite.NewRepository(ctx, sqlite.RepositoryConfig{
		DBPath: dbPath,
		Logger: c.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create repository: %w", err)
	}

	return &storages{files: files, db: db}, nil
}

// newPrinter returns the printer of an output format.
func (c RootCommand) newPrinter(format string) printer.Printer {
	if format == formatJSON {
		return printer.NewJSONPrinter(c.Stdout)
	}
	return printer.NewTablePrinter(c.Stdout)
}
