package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/slok/autopilot/internal/log"
	"github.com/slok/autopilot/internal/model"
	"github.com/slok/autopilot/internal/storage/sqlite/migrations"
)

// RepositoryConfig is the configuration for the SQLite repository.
type RepositoryConfig struct {
	DBPath string
	Logger log.Logger
}

func (c *RepositoryConfig) defaults() error {
	if c.DBPath == "" {
		return fmt.Errorf("db path is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "storage.SQLite"})
	return nil
}

// Repository is a SQLite implementation of storage.RunRepository and storage.AuditRepository.
type Repository struct {
	db     *sql.DB
	logger log.Logger
}

// NewRepository creates a new SQLite repository.
func NewRepository(ctx context.Context, cfg RepositoryConfig) (*Repository, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	dir := filepath.Dir(cfg.DBPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("could not create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.DBPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}

	if _, err := migrations.Up(ctx, db, cfg.Logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not migrate database: %w", err)
	}

	cfg.Logger.Debugf("SQLite repository initialized at %s", cfg.DBPath)

	return &Repository{db: db, logger: cfg.Logger}, nil
}

// Close closes the database connection.
func (r *Repository) Close() error { return r.db.Close() }

// CreateRun creates a new run in the repository.
func (r *Repository) CreateRun(ctx context.Context, run model.Run) error {
	query := `
		INSERT INTO runs (id, task_id, status, reason, last_error, last_seq, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, query,
		run.ID,
		run.TaskID,
		run.Status,
		run.Reason,
		run.LastError,
		run.LastSeq,
		run.CreatedAt.UnixMilli(),
		run.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: runs.") {
			return fmt.Errorf("run %s of task %s: %w", run.ID, run.TaskID, model.ErrAlreadyExists)
		}
		return fmt.Errorf("could not insert run: %w", err)
	}

	r.logger.Debugf("Created run in repository: %s", run.ID)
	return nil
}

// UpdateRun updates an existing run.
func (r *Repository) UpdateRun(ctx context.Context, run model.Run) error {
	query := `
		UPDATE runs
		SET
			status = ?,
			reason = ?,
			last_error = ?,
			last_seq = ?,
			updated_at = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, query,
		run.Status,
		run.Reason,
		run.LastError,
		run.LastSeq,
		run.UpdatedAt.UnixMilli(),
		run.ID,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: runs.") {
			return fmt.Errorf("task %s already has an active run: %w", run.TaskID, model.ErrAlreadyExists)
		}
		return fmt.Errorf("could not update run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("could not get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run %s: %w", run.ID, model.ErrNotFound)
	}

	return nil
}

const runColumns = `id, task_id, status, reason, last_error, last_seq, created_at, updated_at`

// GetRun retrieves a run by ID.
func (r *Repository) GetRun(ctx context.Context, id string) (*model.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = ?`

	run, err := scanRun(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("run %s: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("could not query run: %w", err)
	}

	return run, nil
}

// GetActiveRun retrieves the non terminal run of a task.
func (r *Repository) GetActiveRun(ctx context.Context, taskID string) (*model.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE task_id = ? AND status NOT IN (?, ?)`

	run, err := scanRun(r.db.QueryRowContext(ctx, query, taskID, model.RunStatusDone, model.RunStatusError))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("active run of task %s: %w", taskID, model.ErrNotFound)
		}
		return nil, fmt.Errorf("could not query active run: %w", err)
	}

	return run, nil
}

// ListRuns returns the runs of a task, newest first.
func (r *Repository) ListRuns(ctx context.Context, taskID string) ([]model.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE task_id = ? ORDER BY created_at DESC, id DESC`

	rows, err := r.db.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("could not query runs: %w", err)
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("could not scan row: %w", err)
		}
		runs = append(runs, *run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return runs, nil
}

// AppendAudit appends an audit entry.
func (r *Repository) AppendAudit(ctx context.Context, e model.AuditEntry) error {
	query := `
		INSERT INTO audit (id, task_id, run_id, tool_call_id, ts, action, decision, reason, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, query,
		e.ID,
		e.TaskID,
		e.RunID,
		e.ToolCallID,
		e.Timestamp.UnixMilli(),
		e.Action,
		e.Decision,
		e.Reason,
		e.Payload,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: audit.") {
			return fmt.Errorf("audit entry %s: %w", e.ID, model.ErrAlreadyExists)
		}
		return fmt.Errorf("could not insert audit entry: %w", err)
	}

	return nil
}

// ListAudit returns the audit entries of a task in insertion order.
func (r *Repository) ListAudit(ctx context.Context, taskID string) ([]model.AuditEntry, error) {
	query := `
		SELECT id, task_id, run_id, tool_call_id, ts, action, decision, reason, payload
		FROM audit
		WHERE task_id = ?
		ORDER BY seq ASC
	`

	rows, err := r.db.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("could not query audit: %w", err)
	}
	defer rows.Close()

	var entries []model.AuditEntry
	for rows.Next() {
		var (
			e  model.AuditEntry
			ts int64
		)
		err := rows.Scan(&e.ID, &e.TaskID, &e.RunID, &e.ToolCallID, &ts, &e.Action, &e.Decision, &e.Reason, &e.Payload)
		if err != nil {
			return nil, fmt.Errorf("could not scan row: %w", err)
		}
		e.Timestamp = time.UnixMilli(ts).UTC()
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return entries, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*model.Run, error) {
	var (
		run                  model.Run
		createdAt, updatedAt int64
	)

	err := s.Scan(
		&run.ID,
		&run.TaskID,
		&run.Status,
		&run.Reason,
		&run.LastError,
		&run.LastSeq,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	run.CreatedAt = time.UnixMilli(createdAt).UTC()
	run.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &run, nil
}
