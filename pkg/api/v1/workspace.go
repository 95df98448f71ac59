// Package v1 defines the public API types for the workspaced service.
package v1

import "time"

// WorkspaceSession is the wire representation of a workspace session.
type WorkspaceSession struct {
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
	Sandbox                SandboxInfo  `json:"sandbox"`
	CreatedAt              time.Time    `json:"created_at"`
	LastAccessed           time.Time    `json:"last_accessed"`
}

// SandboxInfo describes a session's execution backend.
type SandboxInfo struct {
	Backend     string `json:"backend"`
	Root        string `json:"root"`
	Isolation   string `json:"isolation,omitempty"`
	ContainerID string `json:"container_id,omitempty"`
	Address     string `json:"address,omitempty"`
}

// CommandExecution is the wire result of a command run.
type CommandExecution struct {
	Stdout        string        `json:"stdout"`
	Stderr        string        `json:"stderr"`
	ExitCode      int           `json:"exit_code"`
	Success       bool          `json:"success"`
	DurationMs    int64         `json:"duration_ms"`
	TimedOut      bool          `json:"timed_out,omitempty"`
	Change        *ChangeRecord `json:"change,omitempty"`
	TrackingError string        `json:"tracking_error,omitempty"`
}

// FileOperationResult is the wire result of a file operation.
type FileOperationResult struct {
	Operation     string        `json:"operation"`
	Path          string        `json:"path"`
	Content       string        `json:"content,omitempty"`
	Entries       []FileEntry   `json:"entries,omitempty"`
	Change        *ChangeRecord `json:"change,omitempty"`
	TrackingError string        `json:"tracking_error,omitempty"`
}

// FileEntry describes one directory listing entry.
type FileEntry struct {
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	IsDir   bool      `json:"is_dir"`
	ModTime time.Time `json:"mod_time"`
}

// CloneOutcome is the wire result of a repository clone.
type CloneOutcome struct {
	Repository    string        `json:"repository"`
	Branch        string        `json:"branch,omitempty"`
	TargetDir     string        `json:"target_dir"`
	CommitHash    string        `json:"commit_hash"`
	FileCount     int           `json:"file_count"`
	Change        *ChangeRecord `json:"change,omitempty"`
	TrackingError string        `json:"tracking_error,omitempty"`
}

// FileChangeRecord describes one changed path inside a change record.
type FileChangeRecord struct {
	Path    string `json:"path"`
	Status  string `json:"status"`
	OldPath string `json:"old_path,omitempty"`
}

// ChangeRecord is the wire representation of a change artifact's metadata.
type ChangeRecord struct {
	ID                string             `json:"id"`
	WorkspaceRef      string             `json:"workspace_ref"`
	ExecutionID       string             `json:"execution_id"`
	DurableInstanceID string             `json:"durable_instance_id,omitempty"`
	Operation         string             `json:"operation"`
	Sequence          int                `json:"sequence"`
	Files             []FileChangeRecord `json:"files,omitempty"`
	Additions         int                `json:"additions"`
	Deletions         int                `json:"deletions"`
	SHA256            string             `json:"sha256"`
	SizeBytes         int64              `json:"size_bytes"`
	OriginalSize      int64              `json:"original_size,omitempty"`
	Truncated         bool               `json:"truncated"`
	Compressed        bool               `json:"compressed"`
	Excluded          bool               `json:"excluded"`
	CreatedAt         time.Time          `json:"created_at"`
}

// ChangeArtifact is a change record together with its patch text.
type ChangeArtifact struct {
	ChangeRecord
	Patch string `json:"patch"`
}

// CleanupResult reports what a workspace cleanup tore down.
type CleanupResult struct {
	WorkspaceRef     string   `json:"workspace_ref"`
	Found            bool     `json:"found"`
	SandboxDestroyed bool     `json:"sandbox_destroyed"`
	TrackerRemoved   bool     `json:"tracker_removed"`
	Errors           []string `json:"errors,omitempty"`
}
