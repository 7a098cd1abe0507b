package lib

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/slok/autopilot/internal/conventions"
	"github.com/slok/autopilot/internal/log"
	storagefs "github.com/slok/autopilot/internal/storage/fs"
	"github.com/slok/autopilot/internal/storage/sqlite"
)

// Config configures the SDK client.
//
// All fields are optional. An empty Config{} uses ~/.autopilot as the data
// directory, the same one the CLI uses.
type Config struct {
	// DataDir is the base directory for task files, run logs and checkpoints.
	// Default: ~/.autopilot.
	DataDir string

	// DBPath is the SQLite database with the run index and the audit log.
	// Default: <DataDir>/autopilot.db.
	DBPath string

	// Logger receives structured log output from the SDK.
	// Default: noop (silent). See the log sub-package for the interface.
	Logger log.Logger
}

func (c *Config) defaults() error {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("could not get user home dir: %w", err)
		}
		c.DataDir = filepath.Join(home, conventions.DefaultDataDir)
	}

	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, conventions.DBFile)
	}

	if c.Logger == nil {
		c.Logger = log.Noop
	}

	return nil
}

// Client is the SDK entry point.
//
// Create a Client with [New] and release its resources with [Client.Close].
// A Client is safe for concurrent use, a task still runs a single run at a time.
type Client struct {
	files  *storagefs.Repository
	db     *sqlite.Repository
	logger log.Logger
}

// New creates a new SDK client over a data directory.
//
// The caller must call [Client.Close] when done to release the database
// connection.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	files, err := storagefs.NewRepository(storagefs.RepositoryConfig{
		DataDir: cfg.DataDir,
		Logger:  cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create file repository: %w", err)
	}

	db, err := sqlite.NewRepository(ctx, sqlite.RepositoryConfig{
		DBPath: cfg.DBPath,
		Logger: cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create repository: %w", err)
	}

	return &Client{
		files:  files,
		db:     db,
		logger: cfg.Logger,
	}, nil
}

// Close releases the database connection. After Close returns, the client
// must not be used.
func (c *Client) Close() error {
	return c.db.Close()
}
