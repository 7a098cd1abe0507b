package fs

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/slok/autopilot/internal/conventions"
	"github.com/slok/autopilot/internal/model"
)

var errLocked = errors.New("locked")

// LeaseRun locks the lock file of a run. The lock is held by the open file, so a
// process that dies releases it.
func (r *Repository) LeaseRun(ctx context.Context, taskID, runID string) (func() error, error) {
	if err := model.ValidateTaskID(taskID); err != nil {
		return nil, err
	}
	if err := validateRunID(runID); err != nil {
		return nil, err
	}

	l, err := lockFile(conventions.RunLockPath(r.dataDir, taskID, runID))
	if err != nil {
		if errors.Is(err, errLocked) {
			return nil, fmt.Errorf("run %s is driven by another process: %w", runID, model.ErrAlreadyExists)
		}
		return nil, fmt.Errorf("could not lock run %s: %w", runID, err)
	}
	r.logger.Debugf("Run %s leased", runID)

	var (
		once sync.Once
		rerr error
	)
	return func() error {
		once.Do(func() { rerr = l.unlock() })
		return rerr
	}, nil
}
