package tool

import (
	"context"

	"github.com/slok/autopilot/internal/model"
)

// Output limits applied to collaborator results.
const (
	// MaxExcerptBytes bounds the terminal output kept in observations.
	MaxExcerptBytes = 12000
	// MaxReadBytes bounds the content returned by a file read.
	MaxReadBytes = 240000
	// MaxSearchResults bounds the matches returned by a search.
	MaxSearchResults = 200
)

// Stream names of terminal output chunks.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// ChunkFunc receives streamed output while a command runs.
type ChunkFunc func(stream, data string)

// TerminalRequest is a command to run. Either Program (with Args) or Shell is set.
type TerminalRequest struct {
	Program string
	Args    []string
	// Shell is a shell command line run with `sh -c`.
	Shell string
	// Dir is the absolute working directory.
	Dir string
	Env []string
}

// TerminalResult is the outcome of a finished command.
type TerminalResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Terminal is the process execution collaborator. Cancelling the context must
// kill the process and everything it spawned.
type Terminal interface {
	Run(ctx context.Context, req TerminalRequest, onChunk ChunkFunc) (*TerminalResult, error)
}

// FileContent is the result of a file read.
type FileContent struct {
	Content   string
	Size      int64
	Truncated bool
	Binary    bool
}

// WriteResult is the result of a file write or patch.
type WriteResult struct {
	BytesWritten int
	Created      bool
}

// SearchMatch is a single search hit.
type SearchMatch struct {
	Path string `json:"path"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

// Filesystem is the sandboxed filesystem collaborator. Paths are absolute and
// already checked by the risk policy.
type Filesystem interface {
	Read(ctx context.Context, path string) (*FileContent, error)
	Write(ctx context.Context, path string, content []byte) (*WriteResult, error)
	ApplyPatch(ctx context.Context, path string, patch string) (*WriteResult, error)
	Search(ctx context.Context, pattern string, paths []string) ([]SearchMatch, error)
}

// Git is the version control collaborator, bound to the workspace repository.
type Git interface {
	Status(ctx context.Context) (string, error)
	Diff(ctx context.Context, path string) (string, error)
	Commit(ctx context.Context, message string) (string, error)
}

// FetchResult is the result of a network fetch.
type FetchResult struct {
	StatusCode  int
	ContentType string
	Body        string
	Truncated   bool
}

// Browser is the optional network fetch collaborator.
type Browser interface {
	Fetch(ctx context.Context, url string) (*FetchResult, error)
}

// Checkpointer creates and restores working tree checkpoints.
type Checkpointer interface {
	Create(ctx context.Context, label string) (*model.Checkpoint, error)
	Restore(ctx context.Context, id int) error
}

// Truncate cuts s to at most max bytes without splitting a UTF-8 sequence.
func Truncate(s string, max int) (string, bool) {
	if len(s) <= max {
		return s, false
	}
	end := max
	for end > 0 && !isRuneStart(s[end]) {
		end--
	}
	return s[:end], true
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
