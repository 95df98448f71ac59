// Package workspace manages sandboxed workspace sessions: their lifecycle,
// command execution, file operations, repository clones, and the change
// artifacts captured after every mutating operation.
package workspace

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kandev/workspace/internal/sandbox"
	"github.com/kandev/workspace/internal/tracker"
)

var (
	// ErrSessionNotFound is returned when no session matches a lookup key.
	ErrSessionNotFound = errors.New("workspace session not found")

	// ErrToolDisabled is returned when an operation's tool is not enabled
	// for the session.
	ErrToolDisabled = errors.New("tool is not enabled for this session")

	// ErrReadBeforeWrite is returned when a session with the read-before-write
	// policy mutates an existing file it has not read.
	ErrReadBeforeWrite = errors.New("file must be read before it is modified")

	// ErrOldStringNotFound is returned when an edit's search text is absent.
	ErrOldStringNotFound = errors.New("old string not found in file")

	// ErrOldStringAmbiguous is returned when an edit's search text appears
	// more than once.
	ErrOldStringAmbiguous = errors.New("old string appears more than once in file")

	// ErrOutsideCloneScope is returned when a mutation targets a path
	// outside the session's cloned repository.
	ErrOutsideCloneScope = errors.New("path is outside the cloned repository")

	// ErrAlreadyCloned is returned when a session that already holds a
	// clone is asked to clone again.
	ErrAlreadyCloned = errors.New("session already has a cloned repository")

	// ErrInstanceBound is returned when a durable instance is already bound
	// to a different session.
	ErrInstanceBound = errors.New("durable instance is bound to another session")

	// ErrCloneFailed is returned when git clone itself fails or times out.
	ErrCloneFailed = errors.New("repository clone failed")
)

// Tool names a session profile can enable.
const (
	ToolExecuteCommand  = "execute_command"
	ToolReadFile        = "read_file"
	ToolWriteFile       = "write_file"
	ToolEditFile        = "edit_file"
	ToolDeleteFile      = "delete_file"
	ToolCreateDirectory = "create_directory"
	ToolListDirectory   = "list_directory"
	ToolCloneRepository = "clone_repository"
)

// AllTools is the default tool set for profiles that do not restrict tools.
var AllTools = []string{
	ToolExecuteCommand, ToolReadFile, ToolWriteFile, ToolEditFile,
	ToolDeleteFile, ToolCreateDirectory, ToolListDirectory, ToolCloneRepository,
}

// Session statuses.
const (
	StatusActive  = "active"
	StatusEvicted = "evicted"
)

// Session is one live workspace: an execution backend, a contained
// filesystem, and a change tracker, all rooted at the same directory.
type Session struct {
	WorkspaceRef      string
	ExecutionID       string
	DurableInstanceID string
	Name              string
	RootPath          string
	Backend           string

	// CloneScope is the session-relative directory of the cloned
	// repository. Set once by the first successful clone; afterwards all
	// mutations must stay inside it.
	CloneScope string

	EnabledTools           map[string]bool
	RequireReadBeforeWrite bool
	CommandTimeout         time.Duration

	CreatedAt time.Time

	// lastAccess is the eviction clock in unix nanoseconds. It is atomic
	// because the sweeper and operations read it under different locks.
	lastAccess atomic.Int64

	sandbox sandbox.Sandbox
	fs      sandbox.Filesystem
	tracker tracker.Tracker

	// mu serializes all operations on this session. Concurrent requests
	// against the same workspace queue up rather than interleave.
	mu        sync.Mutex
	sequence  int
	readPaths map[string]bool
}

// toolEnabled reports whether the profile enables a tool.
func (s *Session) toolEnabled(tool string) bool {
	return s.EnabledTools[tool]
}

// touch refreshes the eviction clock.
func (s *Session) touch() {
	s.lastAccess.Store(time.Now().UnixNano())
}

// LastAccessedAt returns the last time an operation touched the session.
func (s *Session) LastAccessedAt() time.Time {
	return time.Unix(0, s.lastAccess.Load()).UTC()
}

// markRead records that a path's content was observed.
// Callers must hold s.mu.
func (s *Session) markRead(path string) {
	s.readPaths[path] = true
}

// hasRead reports whether a path's content was observed.
// Callers must hold s.mu.
func (s *Session) hasRead(path string) bool {
	return s.readPaths[path]
}

// Sandbox exposes the session's execution backend.
func (s *Session) Sandbox() sandbox.Sandbox {
	return s.sandbox
}

// Info summarizes the session for API responses.
func (s *Session) Info() SessionInfo {
	tools := make([]string, 0, len(s.EnabledTools))
	for _, tool := range AllTools {
		if s.EnabledTools[tool] {
			tools = append(tools, tool)
		}
	}

	trackingDisabled := false
	var trackingError string
	if s.tracker != nil {
		if disabled, cause := s.tracker.Disabled(); disabled {
			trackingDisabled = true
			if cause != nil {
				trackingError = cause.Error()
			}
		}
	}

	return SessionInfo{
		WorkspaceRef:           s.WorkspaceRef,
		ExecutionID:            s.ExecutionID,
		DurableInstanceID:      s.DurableInstanceID,
		Name:                   s.Name,
		RootPath:               s.RootPath,
		Backend:                s.Backend,
		CloneScope:             s.CloneScope,
		EnabledTools:           tools,
		RequireReadBeforeWrite: s.RequireReadBeforeWrite,
		CommandTimeoutSeconds:  int(s.CommandTimeout.Seconds()),
		TrackingDisabled:       trackingDisabled,
		TrackingError:          trackingError,
		Sandbox:                s.sandbox.Info(),
		CreatedAt:              s.CreatedAt,
		LastAccessed:           s.LastAccessedAt(),
	}
}

// SessionInfo is the externally visible view of a session.
type SessionInfo struct {
	WorkspaceRef           string       `json:"workspace_ref"`
	ExecutionID            string       `json:"execution_id"`
	DurableInstanceID      string       `json:"durable_instance_id,omitempty"`
	Name                   string       `json:"name,omitempty"`
	RootPath               string       `json:"root_path"`
	Backend                string       `json:"backend"`
	CloneScope             string       `json:"clone_scope,omitempty"`
	EnabledTools           []string     `json:"enabled_tools"`
	RequireReadBeforeWrite bool         `json:"require_read_before_write"`
	CommandTimeoutSeconds  int          `json:"command_timeout_seconds"`
	TrackingDisabled       bool         `json:"tracking_disabled,omitempty"`
	TrackingError          string       `json:"tracking_error,omitempty"`
	Sandbox                sandbox.Info `json:"sandbox"`
	CreatedAt              time.Time    `json:"created_at"`
	LastAccessed           time.Time    `json:"last_accessed"`
}
