package model

import (
	"fmt"
	"time"
)

// Checkpoint is a restorable snapshot of the working tree of a task.
type Checkpoint struct {
	// ID is monotonic per task, starting at 1.
	ID     int    `json:"id"`
	TaskID string `json:"taskId"`
	Label  string `json:"label,omitempty"`
	// ParentID is set when the checkpoint starts a branch from a previous one.
	ParentID int `json:"parentId,omitempty"`
	// Baseline is the version control revision the patch is relative to, empty for the empty tree.
	Baseline  string    `json:"baseline,omitempty"`
	Files     int       `json:"files"`
	CreatedAt time.Time `json:"createdAt"`
}

// FileOp is the change of a file relative to the checkpoint baseline.
type FileOp string

const (
	FileOpAdd    FileOp = "add"
	FileOpModify FileOp = "modify"
	FileOpDelete FileOp = "delete"
)

// FilePatch is the reversible change of a single file.
type FilePatch struct {
	Path string `json:"path"`
	Op   FileOp `json:"op"`
	// Patch is a diff-match-patch text patch from the baseline content (modify).
	Patch string `json:"patch,omitempty"`
	// Content is the full content for added files or non text files.
	Content string `json:"content,omitempty"`
	// Base64 marks Content as base64 encoded binary data.
	Base64 bool `json:"base64,omitempty"`
	// Mode is the file permission bits.
	Mode uint32 `json:"mode,omitempty"`
	// SHA256 is the hex digest of the resulting content, empty for deletions.
	SHA256 string `json:"sha256,omitempty"`
}

// CheckpointPatch is the working tree diff of a checkpoint.
type CheckpointPatch struct {
	Baseline string      `json:"baseline,omitempty"`
	Files    []FilePatch `json:"files"`
}

// Validate validates the checkpoint patch.
func (p CheckpointPatch) Validate() error {
	seen := map[string]struct{}{}
	for _, f := range p.Files {
		if f.Path == "" {
			return fmt.Errorf("file patch path is required: %w", ErrNotValid)
		}
		if _, ok := seen[f.Path]; ok {
			return fmt.Errorf("file %q is patched twice: %w", f.Path, ErrNotValid)
		}
		seen[f.Path] = struct{}{}

		switch f.Op {
		case FileOpAdd, FileOpDelete:
		case FileOpModify:
			if f.Patch == "" && !f.Base64 {
				return fmt.Errorf("modified file %q requires a patch: %w", f.Path, ErrNotValid)
			}
		default:
			return fmt.Errorf("file %q has unknown op %q: %w", f.Path, f.Op, ErrNotValid)
		}
	}
	return nil
}
