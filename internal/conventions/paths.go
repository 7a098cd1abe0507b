package conventions

import (
	"fmt"
	"path/filepath"
)

const (
	// DefaultDataDir is the default autopilot data directory name (relative to home).
	DefaultDataDir = ".autopilot"
	// DBFile is the SQLite database filename inside the data directory.
	DBFile = "autopilot.db"
	// TasksDir is the subdirectory for task data.
	TasksDir = "tasks"

	// Task-level files.

	// TaskFile is the filename of the task config record.
	TaskFile = "task.yaml"
	// PlanFile is the filename of the plan record.
	PlanFile = "plan.json"
	// RunsDir is the subdirectory for the run event logs.
	RunsDir = "runs"
	// CheckpointsDir is the subdirectory for checkpoints.
	CheckpointsDir = "checkpoints"

	// Checkpoint-level files.

	// CheckpointMetaFile is the filename of the checkpoint metadata.
	CheckpointMetaFile = "meta.json"
	// CheckpointPatchFile is the filename of the checkpoint working tree patch.
	CheckpointPatchFile = "patch.json"
)

// TaskDir returns the directory for a specific task.
func TaskDir(dataDir, taskID string) string {
	return filepath.Join(dataDir, TasksDir, taskID)
}

// TaskFilePath returns the full path to a file inside a task directory.
func TaskFilePath(dataDir, taskID, filename string) string {
	return filepath.Join(TaskDir(dataDir, taskID), filename)
}

// RunLogPath returns the path to the line delimited event log of a run.
func RunLogPath(dataDir, taskID, runID string) string {
	return filepath.Join(TaskDir(dataDir, taskID), RunsDir, runID+".jsonl")
}

// RunLockPath returns the path to the lock file of the single writer of a run.
func RunLockPath(dataDir, taskID, runID string) string {
	return filepath.Join(TaskDir(dataDir, taskID), RunsDir, runID+".lock")
}

// CheckpointDir returns the directory of a checkpoint, ids are zero padded so they sort.
func CheckpointDir(dataDir, taskID string, id int) string {
	return filepath.Join(TaskDir(dataDir, taskID), CheckpointsDir, fmt.Sprintf("%06d", id))
}

// DBPath returns the default SQLite database path of a data directory.
func DBPath(dataDir string) string {
	return filepath.Join(dataDir, DBFile)
}
