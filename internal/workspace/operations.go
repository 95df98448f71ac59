package workspace

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/workspace/internal/artifact"
	"github.com/kandev/workspace/internal/events"
	"github.com/kandev/workspace/internal/sandbox"
)

// CommandResult is the outcome of an execute_command operation. A failing
// command is a successful operation: the exit code and output are returned,
// never an error.
type CommandResult struct {
	Exec          sandbox.ExecResult `json:"exec"`
	Change        *artifact.Artifact `json:"change,omitempty"`
	TrackingError string             `json:"tracking_error,omitempty"`
}

// ExecuteCommand runs a shell command in a session's sandbox and captures
// any resulting changes.
func (m *Manager) ExecuteCommand(ctx context.Context, key, command, cwd string, timeoutSeconds int) (*CommandResult, error) {
	sess, err := m.Lookup(ctx, key)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.touch()

	if !sess.toolEnabled(ToolExecuteCommand) {
		return nil, fmt.Errorf("%w: %s", ErrToolDisabled, ToolExecuteCommand)
	}

	timeout := sess.CommandTimeout
	if timeoutSeconds > 0 {
		timeout = time.Duration(timeoutSeconds) * time.Second
	}

	result, err := sess.sandbox.Execute(ctx, command, cwd, timeout)
	if err != nil {
		return nil, fmt.Errorf("execute command: %w", err)
	}

	change, trackingErr := m.captureChange(ctx, sess, ToolExecuteCommand, false)
	m.persist(ctx, sess)

	return &CommandResult{
		Exec:          *result,
		Change:        change,
		TrackingError: trackingErr,
	}, nil
}

// FileOpRequest describes one file operation.
type FileOpRequest struct {
	Operation string `json:"operation"`
	Path      string `json:"path"`
	Content   string `json:"content,omitempty"`    // write_file
	OldString string `json:"old_string,omitempty"` // edit_file
	NewString string `json:"new_string,omitempty"` // edit_file
	Recursive bool   `json:"recursive,omitempty"`  // delete_file
}

// FileOpResult is the outcome of a file operation.
type FileOpResult struct {
	Operation     string             `json:"operation"`
	Path          string             `json:"path"`
	Content       string             `json:"content,omitempty"` // read_file
	Entries       []sandbox.FileInfo `json:"entries,omitempty"` // list_directory
	Change        *artifact.Artifact `json:"change,omitempty"`
	TrackingError string             `json:"tracking_error,omitempty"`
}

// fileOpTools maps operations to the tool that must be enabled for them.
var fileOpTools = map[string]string{
	"read_file":        ToolReadFile,
	"write_file":       ToolWriteFile,
	"edit_file":        ToolEditFile,
	"delete_file":      ToolDeleteFile,
	"create_directory": ToolCreateDirectory,
	"list_directory":   ToolListDirectory,
}

// ExecuteFileOperation performs one file operation in a session, enforcing
// the tool profile, the read-before-write policy, and clone-scope
// containment, then captures any resulting changes.
func (m *Manager) ExecuteFileOperation(ctx context.Context, key string, req FileOpRequest) (*FileOpResult, error) {
	sess, err := m.Lookup(ctx, key)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.touch()

	tool, ok := fileOpTools[req.Operation]
	if !ok {
		return nil, fmt.Errorf("unknown file operation %q", req.Operation)
	}
	if !sess.toolEnabled(tool) {
		return nil, fmt.Errorf("%w: %s", ErrToolDisabled, tool)
	}

	result := &FileOpResult{Operation: req.Operation, Path: req.Path}

	switch req.Operation {
	case "read_file":
		data, err := sess.fs.Read(ctx, req.Path)
		if err != nil {
			return nil, err
		}
		sess.markRead(normalizePath(req.Path))
		result.Content = string(data)
		return result, nil

	case "list_directory":
		entries, err := sess.fs.List(ctx, req.Path)
		if err != nil {
			return nil, err
		}
		result.Entries = entries
		return result, nil

	case "write_file":
		if err := m.checkMutation(ctx, sess, req.Path, true); err != nil {
			return nil, err
		}
		if err := sess.fs.Write(ctx, req.Path, []byte(req.Content)); err != nil {
			return nil, err
		}
		// The session now knows the file's content.
		sess.markRead(normalizePath(req.Path))

	case "edit_file":
		if err := m.checkMutation(ctx, sess, req.Path, false); err != nil {
			return nil, err
		}
		if err := m.applyEdit(ctx, sess, req); err != nil {
			return nil, err
		}

	case "delete_file":
		if err := m.checkMutation(ctx, sess, req.Path, false); err != nil {
			return nil, err
		}
		if err := sess.fs.Delete(ctx, req.Path, req.Recursive); err != nil {
			return nil, err
		}

	case "create_directory":
		if err := m.checkMutation(ctx, sess, req.Path, true); err != nil {
			return nil, err
		}
		if err := sess.fs.Mkdir(ctx, req.Path); err != nil {
			return nil, err
		}
	}

	result.Change, result.TrackingError = m.captureChange(ctx, sess, req.Operation, false)
	m.persist(ctx, sess)
	return result, nil
}

// applyEdit replaces one occurrence of old text with new text. The old text
// must appear exactly once so the replacement site is unambiguous.
func (m *Manager) applyEdit(ctx context.Context, sess *Session, req FileOpRequest) error {
	if req.OldString == "" {
		return fmt.Errorf("edit_file requires old_string")
	}

	data, err := sess.fs.Read(ctx, req.Path)
	if err != nil {
		return err
	}
	content := string(data)

	switch strings.Count(content, req.OldString) {
	case 0:
		return fmt.Errorf("%w: %s", ErrOldStringNotFound, req.Path)
	case 1:
	default:
		return fmt.Errorf("%w: %s", ErrOldStringAmbiguous, req.Path)
	}

	updated := strings.Replace(content, req.OldString, req.NewString, 1)
	if err := sess.fs.Write(ctx, req.Path, []byte(updated)); err != nil {
		return err
	}
	sess.markRead(normalizePath(req.Path))
	return nil
}

// checkMutation enforces clone-scope containment and, for existing files,
// the read-before-write policy. newFileAllowed distinguishes operations that
// may create their target (write_file, create_directory) from those whose
// target must exist and have been read (edit_file, delete_file).
func (m *Manager) checkMutation(ctx context.Context, sess *Session, path string, newFileAllowed bool) error {
	if err := m.checkScope(sess, path); err != nil {
		return err
	}
	if !sess.RequireReadBeforeWrite {
		return nil
	}
	if sess.hasRead(normalizePath(path)) {
		return nil
	}

	info, err := sess.fs.Stat(ctx, path)
	switch {
	case errors.Is(err, sandbox.ErrNotFound):
		if newFileAllowed {
			return nil
		}
		return err
	case err != nil:
		return err
	case info.IsDir:
		// Directories have no content to read; the policy covers files only.
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrReadBeforeWrite, path)
	}
}

// checkScope rejects mutations outside the cloned repository once a clone
// scope is set.
func (m *Manager) checkScope(sess *Session, path string) error {
	if sess.CloneScope == "" {
		return nil
	}

	root := sess.fs.Root()
	resolved, err := sandbox.ResolveWithinRoot(root, path)
	if err != nil {
		return err
	}
	scope := filepath.Join(root, sess.CloneScope)
	if !sandbox.Contains(scope, resolved) {
		return fmt.Errorf("%w: %s", ErrOutsideCloneScope, path)
	}
	return nil
}

// captureChange tracks the session's state after an operation and stores an
// artifact when something changed. Tracking problems are reported alongside
// the primary result, never as its failure.
func (m *Manager) captureChange(ctx context.Context, sess *Session, operation string, excluded bool) (*artifact.Artifact, string) {
	if sess.tracker == nil {
		return nil, "change tracking unavailable"
	}

	// The sequence number only advances once the tracker commits a change,
	// so artifact sequences stay gap-free across no-op operations.
	sequence := sess.sequence + 1
	summary, err := sess.tracker.Track(ctx, operation, sequence)
	if err != nil {
		return nil, err.Error()
	}
	if !summary.Changed {
		return nil, ""
	}
	sess.sequence = sequence

	if m.artifacts == nil {
		return nil, "artifact store unavailable"
	}

	art, err := m.artifacts.Save(ctx, artifact.SaveInput{
		WorkspaceRef:      sess.WorkspaceRef,
		ExecutionID:       sess.ExecutionID,
		DurableInstanceID: sess.DurableInstanceID,
		Operation:         operation,
		Sequence:          sequence,
		Summary:           summary,
		Excluded:          excluded,
	})
	if err != nil {
		m.logger.WithExecutionID(sess.ExecutionID).Warn("failed to store change artifact",
			zap.String("workspace_ref", sess.WorkspaceRef),
			zap.String("operation", operation),
			zap.Error(err))
		return nil, err.Error()
	}

	m.publish(ctx, events.ChangeCaptured, map[string]interface{}{
		"workspace_ref": sess.WorkspaceRef,
		"execution_id":  sess.ExecutionID,
		"artifact_id":   art.ID,
		"operation":     operation,
		"sequence":      sequence,
	})
	return art, ""
}

// normalizePath canonicalizes a session-relative path for read tracking.
func normalizePath(path string) string {
	return filepath.Clean(path)
}

// Artifact loads one artifact with its patch text.
func (m *Manager) Artifact(ctx context.Context, id string) (*artifact.Artifact, string, error) {
	if m.artifacts == nil {
		return nil, "", artifact.ErrNotFound
	}
	return m.artifacts.Get(ctx, id)
}

// ArtifactsByExecutionID lists an execution's artifact metadata.
func (m *Manager) ArtifactsByExecutionID(ctx context.Context, executionID string) ([]*artifact.Artifact, error) {
	if m.artifacts == nil {
		return nil, nil
	}
	return m.artifacts.ListByExecutionID(ctx, executionID)
}

// ExecutionPatch assembles the combined patch for an execution.
func (m *Manager) ExecutionPatch(ctx context.Context, executionID string, opts artifact.PatchOptions) (string, error) {
	if m.artifacts == nil {
		return "", nil
	}
	return m.artifacts.ExecutionPatch(ctx, executionID, opts)
}

// PurgeWorkspaceArtifacts deletes a workspace's artifact metadata and blobs.
// Cleanup leaves artifacts in place so patches survive eviction; purging is
// an explicit, separate step.
func (m *Manager) PurgeWorkspaceArtifacts(ctx context.Context, workspaceRef string) error {
	if m.artifacts == nil {
		return nil
	}
	return m.artifacts.DeleteByWorkspaceRef(ctx, workspaceRef)
}
