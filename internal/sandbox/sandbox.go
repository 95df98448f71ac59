// Package sandbox provides the execution and filesystem backends for
// workspace sessions. Two variants implement the same contracts: a local
// isolated child process and a remote container provisioned through the
// Docker control plane.
package sandbox

import (
	"context"
	"errors"
	"time"
)

// Backend kinds.
const (
	BackendLocal  = "local"
	BackendRemote = "remote"
)

var (
	// ErrNotFound is returned when a path does not exist.
	ErrNotFound = errors.New("path not found")

	// ErrIsDirectory is returned when a file operation targets a directory.
	ErrIsDirectory = errors.New("path is a directory")

	// ErrExists is returned when the target path already exists.
	ErrExists = errors.New("path already exists")

	// ErrPermission is returned when the sandbox lacks access to a path.
	ErrPermission = errors.New("permission denied")

	// ErrNotEmpty is returned when deleting a non-empty directory without recursive.
	ErrNotEmpty = errors.New("directory not empty")

	// ErrNotDirectory is returned when a directory operation targets a file.
	ErrNotDirectory = errors.New("path is not a directory")

	// ErrPathEscapesRoot is returned when a path resolves outside the session root.
	ErrPathEscapesRoot = errors.New("path escapes session root")

	// ErrNotReady is returned when the sandbox has not been started.
	ErrNotReady = errors.New("sandbox not ready")

	// ErrProvisionTimeout is returned when remote provisioning does not
	// produce a reachable address within the configured timeout.
	ErrProvisionTimeout = errors.New("sandbox provisioning timed out")
)

// ExecResult holds the outcome of a command execution.
// A failing command is reported through ExitCode/Success, not an error.
type ExecResult struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	Success  bool          `json:"success"`
	Duration time.Duration `json:"duration"`
	TimedOut bool          `json:"timed_out,omitempty"`
}

// Info describes a running sandbox for diagnostics and API responses.
type Info struct {
	Backend     string `json:"backend"`
	Root        string `json:"root"`
	Isolation   string `json:"isolation,omitempty"`
	ContainerID string `json:"container_id,omitempty"`
	Address     string `json:"address,omitempty"`
}

// Sandbox executes shell commands on behalf of one workspace session.
type Sandbox interface {
	// Start provisions the execution environment.
	Start(ctx context.Context) error

	// Execute runs a shell command with a timeout and working directory.
	// A non-zero exit or a timeout is reported in the result, not as an error.
	Execute(ctx context.Context, command, cwd string, timeout time.Duration) (*ExecResult, error)

	// Destroy tears down the execution environment.
	Destroy(ctx context.Context) error

	// Info returns backend diagnostics.
	Info() Info
}

// FileInfo describes a file or directory inside the sandbox.
type FileInfo struct {
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	IsDir   bool      `json:"is_dir"`
	ModTime time.Time `json:"mod_time"`
}

// Filesystem provides path-contained file CRUD rooted under a session's
// working directory. Paths are relative to the root, or absolute but
// contained within it.
type Filesystem interface {
	Read(ctx context.Context, path string) ([]byte, error)
	Write(ctx context.Context, path string, data []byte) error
	Append(ctx context.Context, path string, data []byte) error
	Delete(ctx context.Context, path string, recursive bool) error
	Mkdir(ctx context.Context, path string) error
	Stat(ctx context.Context, path string) (*FileInfo, error)
	List(ctx context.Context, path string) ([]FileInfo, error)

	// Root returns the absolute session root the filesystem is confined to.
	Root() string
}
