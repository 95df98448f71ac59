// Package tracker captures filesystem changes made inside a workspace
// session. Changes are detected against a shadow git repository kept next to
// the session root, so the workspace itself stays free of version-control
// metadata the agent could observe.
package tracker

import (
	"context"
	"errors"
	"time"

	"github.com/kandev/workspace/internal/sandbox"
)

var (
	// ErrTrackingDisabled is returned once a tracker has shut itself off
	// after an unrecoverable failure.
	ErrTrackingDisabled = errors.New("change tracking disabled")

	// ErrGitUnavailable is returned when the git binary is not present in
	// the execution environment.
	ErrGitUnavailable = errors.New("git is not available")
)

// FileChange statuses.
const (
	StatusAdded    = "added"
	StatusModified = "modified"
	StatusDeleted  = "deleted"
	StatusRenamed  = "renamed"
)

// FileChange describes one changed path within a captured operation.
type FileChange struct {
	Path    string `json:"path"`
	Status  string `json:"status"`
	OldPath string `json:"old_path,omitempty"` // set for renames
}

// ChangeSummary is the result of capturing one operation's changes.
type ChangeSummary struct {
	Changed      bool         `json:"changed"`
	Patch        string       `json:"patch,omitempty"`
	Files        []FileChange `json:"files,omitempty"`
	Additions    int          `json:"additions"`
	Deletions    int          `json:"deletions"`
	BaseRevision string       `json:"base_revision"`
	HeadRevision string       `json:"head_revision"`
}

// Runner executes shell commands inside the session's execution environment.
// sandbox.Sandbox satisfies it, which lets the same tracker drive both the
// local and the remote backend.
type Runner interface {
	Execute(ctx context.Context, command, cwd string, timeout time.Duration) (*sandbox.ExecResult, error)
}

// Tracker captures the changes an operation made to the session root.
type Tracker interface {
	// Init prepares the shadow repository and records the baseline state.
	Init(ctx context.Context) error

	// Track captures everything that changed since the previous capture and
	// advances the baseline. A no-op operation yields Changed == false.
	Track(ctx context.Context, operation string, sequence int) (*ChangeSummary, error)

	// Disabled reports whether tracking shut itself off, and why.
	Disabled() (bool, error)

	// Cleanup removes the shadow repository.
	Cleanup(ctx context.Context) error
}
