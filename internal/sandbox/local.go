package sandbox

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/workspace/internal/common/logger"
)

// Isolation backends for the local sandbox, in detection order.
const (
	IsolationBwrap   = "bwrap"
	IsolationUnshare = "unshare"
	IsolationNone    = "none"
)

// lookPathFn resolves binaries on the host. Overridable in tests.
var lookPathFn = exec.LookPath

// DetectIsolation probes for an available local isolation backend.
func DetectIsolation() string {
	if _, err := lookPathFn("bwrap"); err == nil {
		return IsolationBwrap
	}
	if _, err := lookPathFn("unshare"); err == nil {
		return IsolationUnshare
	}
	return IsolationNone
}

// LocalSandbox runs commands as isolated child processes on the host.
type LocalSandbox struct {
	root      string
	isolation string
	logger    *logger.Logger
	started   bool
}

// NewLocalSandbox creates a local sandbox rooted at root. isolation is one of
// the Isolation* constants or "auto".
func NewLocalSandbox(root, isolation string, log *logger.Logger) *LocalSandbox {
	if isolation == "" || isolation == "auto" {
		isolation = DetectIsolation()
	}
	return &LocalSandbox{
		root:      filepath.Clean(root),
		isolation: isolation,
		logger:    log.WithFields(zap.String("component", "local-sandbox")),
	}
}

// Start creates the session root directory.
func (s *LocalSandbox) Start(ctx context.Context) error {
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return err
	}
	if s.isolation == IsolationNone {
		s.logger.Warn("no isolation backend available, running commands unconfined",
			zap.String("root", s.root))
	} else {
		s.logger.Debug("local sandbox started",
			zap.String("root", s.root),
			zap.String("isolation", s.isolation))
	}
	s.started = true
	return nil
}

// Execute runs a shell command under the detected isolation backend.
func (s *LocalSandbox) Execute(ctx context.Context, command, cwd string, timeout time.Duration) (*ExecResult, error) {
	if !s.started {
		return nil, ErrNotReady
	}

	workdir := s.root
	if cwd != "" {
		resolved, err := ResolveWithinRoot(s.root, cwd)
		if err != nil {
			return nil, err
		}
		workdir = resolved
	}

	execCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	name, args := s.buildArgv(command, workdir)
	cmd := exec.CommandContext(execCtx, name, args...)
	cmd.Dir = workdir

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	result := &ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: elapsed,
	}

	switch {
	case err == nil:
		result.ExitCode = 0
		result.Success = true
	case execCtx.Err() == context.DeadlineExceeded:
		// Timeout is a sentinel failure, not an error.
		result.ExitCode = -1
		result.TimedOut = true
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			return nil, err
		}
	}

	return result, nil
}

// buildArgv wraps the shell command in the isolation backend's invocation.
func (s *LocalSandbox) buildArgv(command, workdir string) (string, []string) {
	switch s.isolation {
	case IsolationBwrap:
		return "bwrap", []string{
			"--die-with-parent",
			"--unshare-pid",
			"--bind", "/", "/",
			"--dev", "/dev",
			"--proc", "/proc",
			"--chdir", workdir,
			"/bin/sh", "-c", command,
		}
	case IsolationUnshare:
		return "unshare", []string{
			"--user", "--map-root-user", "--pid", "--fork",
			"/bin/sh", "-c", command,
		}
	default:
		return "/bin/sh", []string{"-c", command}
	}
}

// Destroy removes the session root.
func (s *LocalSandbox) Destroy(ctx context.Context) error {
	s.started = false
	return os.RemoveAll(s.root)
}

// Info returns backend diagnostics.
func (s *LocalSandbox) Info() Info {
	return Info{
		Backend:   BackendLocal,
		Root:      s.root,
		Isolation: s.isolation,
	}
}

// LocalFilesystem performs direct file I/O contained under a session root.
type LocalFilesystem struct {
	root string
}

// NewLocalFilesystem creates a filesystem rooted at root.
func NewLocalFilesystem(root string) *LocalFilesystem {
	return &LocalFilesystem{root: filepath.Clean(root)}
}

// Root returns the session root.
func (f *LocalFilesystem) Root() string {
	return f.root
}

func (f *LocalFilesystem) resolve(path string) (string, error) {
	return ResolveWithinRoot(f.root, path)
}

// Read returns the contents of a file.
func (f *LocalFilesystem) Read(ctx context.Context, path string) ([]byte, error) {
	resolved, err := f.resolve(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return nil, mapFSError(err, path)
	}
	if info.IsDir() {
		return nil, wrapPath(ErrIsDirectory, path)
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, mapFSError(err, path)
	}
	return data, nil
}

// Write creates or overwrites a file, creating parent directories as needed.
func (f *LocalFilesystem) Write(ctx context.Context, path string, data []byte) error {
	resolved, err := f.resolve(path)
	if err != nil {
		return err
	}
	if info, statErr := os.Stat(resolved); statErr == nil && info.IsDir() {
		return wrapPath(ErrIsDirectory, path)
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return mapFSError(err, path)
	}
	if err := os.WriteFile(resolved, data, 0o644); err != nil {
		return mapFSError(err, path)
	}
	return nil
}

// Append appends to a file, creating it if absent.
func (f *LocalFilesystem) Append(ctx context.Context, path string, data []byte) error {
	resolved, err := f.resolve(path)
	if err != nil {
		return err
	}
	if info, statErr := os.Stat(resolved); statErr == nil && info.IsDir() {
		return wrapPath(ErrIsDirectory, path)
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return mapFSError(err, path)
	}
	file, err := os.OpenFile(resolved, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return mapFSError(err, path)
	}
	defer file.Close()
	_, err = file.Write(data)
	return err
}

// Delete removes a file or directory. Non-empty directories require recursive.
func (f *LocalFilesystem) Delete(ctx context.Context, path string, recursive bool) error {
	resolved, err := f.resolve(path)
	if err != nil {
		return err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return mapFSError(err, path)
	}
	if info.IsDir() && !recursive {
		entries, readErr := os.ReadDir(resolved)
		if readErr != nil {
			return mapFSError(readErr, path)
		}
		if len(entries) > 0 {
			return wrapPath(ErrNotEmpty, path)
		}
	}
	if recursive {
		return os.RemoveAll(resolved)
	}
	if err := os.Remove(resolved); err != nil {
		return mapFSError(err, path)
	}
	return nil
}

// Mkdir creates a directory (and parents). An existing file at the path fails.
func (f *LocalFilesystem) Mkdir(ctx context.Context, path string) error {
	resolved, err := f.resolve(path)
	if err != nil {
		return err
	}
	if info, statErr := os.Stat(resolved); statErr == nil {
		if info.IsDir() {
			return wrapPath(ErrExists, path)
		}
		return wrapPath(ErrNotDirectory, path)
	}
	if err := os.MkdirAll(resolved, 0o755); err != nil {
		return mapFSError(err, path)
	}
	return nil
}

// Stat returns metadata for a path.
func (f *LocalFilesystem) Stat(ctx context.Context, path string) (*FileInfo, error) {
	resolved, err := f.resolve(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return nil, mapFSError(err, path)
	}
	return &FileInfo{
		Path:    path,
		Size:    info.Size(),
		IsDir:   info.IsDir(),
		ModTime: info.ModTime(),
	}, nil
}

// List returns the entries of a directory sorted by name.
func (f *LocalFilesystem) List(ctx context.Context, path string) ([]FileInfo, error) {
	resolved, err := f.resolve(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return nil, mapFSError(err, path)
	}
	if !info.IsDir() {
		return nil, wrapPath(ErrNotDirectory, path)
	}
	entries, err := os.ReadDir(resolved)
	if err != nil {
		return nil, mapFSError(err, path)
	}

	result := make([]FileInfo, 0, len(entries))
	for _, entry := range entries {
		entryInfo, infoErr := entry.Info()
		if infoErr != nil {
			continue
		}
		result = append(result, FileInfo{
			Path:    filepath.Join(path, entry.Name()),
			Size:    entryInfo.Size(),
			IsDir:   entry.IsDir(),
			ModTime: entryInfo.ModTime(),
		})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Path < result[j].Path })
	return result, nil
}

// mapFSError converts os errors into the package's typed errors.
func mapFSError(err error, path string) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return wrapPath(ErrNotFound, path)
	case errors.Is(err, fs.ErrExist):
		return wrapPath(ErrExists, path)
	case errors.Is(err, fs.ErrPermission):
		return wrapPath(ErrPermission, path)
	default:
		return err
	}
}

func wrapPath(sentinel error, path string) error {
	return &PathError{Path: path, Err: sentinel}
}

// PathError attaches the offending path to a typed filesystem error.
type PathError struct {
	Path string
	Err  error
}

func (e *PathError) Error() string {
	return e.Err.Error() + ": " + e.Path
}

func (e *PathError) Unwrap() error {
	return e.Err
}
