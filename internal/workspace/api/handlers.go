package api

import (
	stderrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/workspace/internal/artifact"
	"github.com/kandev/workspace/internal/common/errors"
	"github.com/kandev/workspace/internal/common/logger"
	"github.com/kandev/workspace/internal/sandbox"
	"github.com/kandev/workspace/internal/tracker"
	"github.com/kandev/workspace/internal/workspace"
	v1 "github.com/kandev/workspace/pkg/api/v1"
)

// Handler contains HTTP handlers for the workspaced API
type Handler struct {
	manager *workspace.Manager
	logger  *logger.Logger
}

// NewHandler creates a new API handler
func NewHandler(manager *workspace.Manager, log *logger.Logger) *Handler {
	return &Handler{
		manager: manager,
		logger:  log.WithFields(zap.String("component", "workspace-api")),
	}
}

// CreateProfile creates or returns the session for a workspace ref
// POST /api/v1/workspaces
func (h *Handler) CreateProfile(c *gin.Context) {
	var req CreateProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if req.WorkspaceRef == "" && req.ExecutionID == "" {
		appErr := errors.BadRequest("workspace_ref or execution_id is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	info, err := h.manager.CreateOrGetProfile(c.Request.Context(), workspace.ProfileSpec{
		WorkspaceRef:           req.WorkspaceRef,
		ExecutionID:            req.ExecutionID,
		Name:                   req.Name,
		Backend:                req.Backend,
		EnabledTools:           req.EnabledTools,
		RequireReadBeforeWrite: req.RequireReadBeforeWrite,
		CommandTimeoutSeconds:  req.CommandTimeoutSeconds,
	})
	if err != nil {
		h.respondError(c, err, "failed to create workspace session")
		return
	}

	c.JSON(http.StatusOK, sessionToResponse(info))
}

// ListSessions lists all live sessions
// GET /api/v1/workspaces
func (h *Handler) ListSessions(c *gin.Context) {
	infos := h.manager.ListSessions()

	sessions := make([]v1.WorkspaceSession, 0, len(infos))
	for i := range infos {
		sessions = append(sessions, *sessionToResponse(&infos[i]))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "total": len(sessions)})
}

// GetSession returns one session by workspace ref, instance ID, or execution ID
// GET /api/v1/workspaces/:ref
func (h *Handler) GetSession(c *gin.Context) {
	info, err := h.manager.GetSessionInfo(c.Request.Context(), c.Param("ref"))
	if err != nil {
		h.respondError(c, err, "failed to look up session")
		return
	}
	c.JSON(http.StatusOK, sessionToResponse(info))
}

// ExecuteCommand runs a shell command in a session
// POST /api/v1/workspaces/:ref/execute
func (h *Handler) ExecuteCommand(c *gin.Context) {
	var req ExecuteCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	result, err := h.manager.ExecuteCommand(c.Request.Context(), c.Param("ref"),
		req.Command, req.Cwd, req.TimeoutSeconds)
	if err != nil {
		h.respondError(c, err, "failed to execute command")
		return
	}

	c.JSON(http.StatusOK, &v1.CommandExecution{
		Stdout:        result.Exec.Stdout,
		Stderr:        result.Exec.Stderr,
		ExitCode:      result.Exec.ExitCode,
		Success:       result.Exec.Success,
		DurationMs:    result.Exec.Duration.Milliseconds(),
		TimedOut:      result.Exec.TimedOut,
		Change:        changeToRecord(result.Change),
		TrackingError: result.TrackingError,
	})
}

// FileOperation performs one file operation in a session
// POST /api/v1/workspaces/:ref/files
func (h *Handler) FileOperation(c *gin.Context) {
	var req FileOperationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	result, err := h.manager.ExecuteFileOperation(c.Request.Context(), c.Param("ref"),
		workspace.FileOpRequest{
			Operation: req.Operation,
			Path:      req.Path,
			Content:   req.Content,
			OldString: req.OldString,
			NewString: req.NewString,
			Recursive: req.Recursive,
		})
	if err != nil {
		h.respondError(c, err, "file operation failed")
		return
	}

	resp := &v1.FileOperationResult{
		Operation:     result.Operation,
		Path:          result.Path,
		Content:       result.Content,
		Change:        changeToRecord(result.Change),
		TrackingError: result.TrackingError,
	}
	for _, entry := range result.Entries {
		resp.Entries = append(resp.Entries, v1.FileEntry{
			Path:    entry.Path,
			Size:    entry.Size,
			IsDir:   entry.IsDir,
			ModTime: entry.ModTime,
		})
	}
	c.JSON(http.StatusOK, resp)
}

// CloneRepository clones a repository into a session
// POST /api/v1/workspaces/:ref/clone
func (h *Handler) CloneRepository(c *gin.Context) {
	var req CloneRepositoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	result, err := h.manager.CloneRepository(c.Request.Context(), c.Param("ref"),
		workspace.CloneRequest{
			URL:       req.URL,
			Owner:     req.Owner,
			Repo:      req.Repo,
			Branch:    req.Branch,
			Token:     req.Token,
			TargetDir: req.TargetDir,
			Depth:     req.Depth,
		})
	if err != nil {
		h.respondError(c, err, "failed to clone repository")
		return
	}

	c.JSON(http.StatusOK, &v1.CloneOutcome{
		Repository:    result.Repository,
		Branch:        result.Branch,
		TargetDir:     result.TargetDir,
		CommitHash:    result.CommitHash,
		FileCount:     result.FileCount,
		Change:        changeToRecord(result.Change),
		TrackingError: result.TrackingError,
	})
}

// BindInstance binds a durable agent instance to a session
// POST /api/v1/workspaces/:ref/bind
func (h *Handler) BindInstance(c *gin.Context) {
	var req BindInstanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if err := h.manager.BindDurableInstance(c.Request.Context(), c.Param("ref"), req.InstanceID); err != nil {
		h.respondError(c, err, "failed to bind instance")
		return
	}
	c.Status(http.StatusNoContent)
}

// CleanupWorkspace tears down a session by workspace ref. Artifacts survive
// cleanup unless purge_artifacts=true is passed.
// DELETE /api/v1/workspaces/:ref
func (h *Handler) CleanupWorkspace(c *gin.Context) {
	ref := c.Param("ref")
	outcome := h.manager.CleanupByWorkspaceRef(c.Request.Context(), ref)
	if c.Query("purge_artifacts") == "true" {
		if err := h.manager.PurgeWorkspaceArtifacts(c.Request.Context(), ref); err != nil {
			outcome.Errors = append(outcome.Errors, "artifact purge: "+err.Error())
		}
	}
	c.JSON(http.StatusOK, cleanupToResponse(outcome))
}

// CleanupExecution tears down the session bound to an execution
// DELETE /api/v1/executions/:executionId/workspace
func (h *Handler) CleanupExecution(c *gin.Context) {
	outcome := h.manager.CleanupByExecutionID(c.Request.Context(), c.Param("executionId"))
	c.JSON(http.StatusOK, cleanupToResponse(outcome))
}

// ListArtifacts lists an execution's change artifacts
// GET /api/v1/executions/:executionId/artifacts
func (h *Handler) ListArtifacts(c *gin.Context) {
	artifacts, err := h.manager.ArtifactsByExecutionID(c.Request.Context(), c.Param("executionId"))
	if err != nil {
		h.respondError(c, err, "failed to list artifacts")
		return
	}

	records := make([]v1.ChangeRecord, 0, len(artifacts))
	for _, a := range artifacts {
		records = append(records, *changeToRecord(a))
	}
	c.JSON(http.StatusOK, gin.H{"artifacts": records, "total": len(records)})
}

// GetExecutionPatch assembles the combined patch for an execution
// GET /api/v1/executions/:executionId/patch
func (h *Handler) GetExecutionPatch(c *gin.Context) {
	opts := artifact.PatchOptions{
		DurableInstanceID: c.Query("durable_instance_id"),
		IncludeExcluded:   c.Query("include_excluded") == "true",
	}

	patch, err := h.manager.ExecutionPatch(c.Request.Context(), c.Param("executionId"), opts)
	if err != nil {
		h.respondError(c, err, "failed to assemble execution patch")
		return
	}
	c.JSON(http.StatusOK, gin.H{"execution_id": c.Param("executionId"), "patch": patch})
}

// GetArtifact returns one artifact with its patch text
// GET /api/v1/artifacts/:artifactId
func (h *Handler) GetArtifact(c *gin.Context) {
	a, patch, err := h.manager.Artifact(c.Request.Context(), c.Param("artifactId"))
	if err != nil {
		h.respondError(c, err, "failed to load artifact")
		return
	}
	c.JSON(http.StatusOK, &v1.ChangeArtifact{ChangeRecord: *changeToRecord(a), Patch: patch})
}

// respondError maps domain errors onto HTTP responses.
func (h *Handler) respondError(c *gin.Context, err error, message string) {
	var appErr *errors.AppError
	switch {
	case stderrors.Is(err, workspace.ErrSessionNotFound),
		stderrors.Is(err, artifact.ErrNotFound),
		stderrors.Is(err, sandbox.ErrNotFound):
		appErr = errors.NotFound("resource", err.Error())
	case stderrors.Is(err, workspace.ErrToolDisabled):
		appErr = errors.Forbidden(err.Error())
	case stderrors.Is(err, workspace.ErrAlreadyCloned):
		appErr = errors.Conflict(err.Error())
	case stderrors.Is(err, workspace.ErrReadBeforeWrite),
		stderrors.Is(err, workspace.ErrCloneFailed),
		stderrors.Is(err, workspace.ErrOldStringNotFound),
		stderrors.Is(err, workspace.ErrOldStringAmbiguous),
		stderrors.Is(err, workspace.ErrOutsideCloneScope),
		stderrors.Is(err, workspace.ErrInstanceBound),
		stderrors.Is(err, artifact.ErrPatchTooLarge),
		stderrors.Is(err, sandbox.ErrPathEscapesRoot),
		stderrors.Is(err, sandbox.ErrIsDirectory),
		stderrors.Is(err, sandbox.ErrNotDirectory),
		stderrors.Is(err, sandbox.ErrNotEmpty),
		stderrors.Is(err, sandbox.ErrExists):
		appErr = errors.BadRequest(err.Error())
	case stderrors.Is(err, tracker.ErrGitUnavailable),
		stderrors.Is(err, sandbox.ErrProvisionTimeout),
		stderrors.Is(err, sandbox.ErrNotReady):
		appErr = errors.ServiceUnavailable(err.Error())
	default:
		h.logger.Error(message, zap.Error(err))
		appErr = errors.InternalError(message, err)
	}
	c.JSON(appErr.HTTPStatus, appErr)
}

func sessionToResponse(info *workspace.SessionInfo) *v1.WorkspaceSession {
	return &v1.WorkspaceSession{
		WorkspaceRef:           info.WorkspaceRef,
		ExecutionID:            info.ExecutionID,
		DurableInstanceID:      info.DurableInstanceID,
		Name:                   info.Name,
		RootPath:               info.RootPath,
		Backend:                info.Backend,
		CloneScope:             info.CloneScope,
		EnabledTools:           info.EnabledTools,
		RequireReadBeforeWrite: info.RequireReadBeforeWrite,
		CommandTimeoutSeconds:  info.CommandTimeoutSeconds,
		TrackingDisabled:       info.TrackingDisabled,
		TrackingError:          info.TrackingError,
		Sandbox: v1.SandboxInfo{
			Backend:     info.Sandbox.Backend,
			Root:        info.Sandbox.Root,
			Isolation:   info.Sandbox.Isolation,
			ContainerID: info.Sandbox.ContainerID,
			Address:     info.Sandbox.Address,
		},
		CreatedAt:    info.CreatedAt,
		LastAccessed: info.LastAccessed,
	}
}

func changeToRecord(a *artifact.Artifact) *v1.ChangeRecord {
	if a == nil {
		return nil
	}

	record := &v1.ChangeRecord{
		ID:                a.ID,
		WorkspaceRef:      a.WorkspaceRef,
		ExecutionID:       a.ExecutionID,
		DurableInstanceID: a.DurableInstanceID,
		Operation:         a.Operation,
		Sequence:          a.Sequence,
		Additions:         a.Additions,
		Deletions:         a.Deletions,
		SHA256:            a.SHA256,
		SizeBytes:         a.SizeBytes,
		OriginalSize:      a.OriginalSize,
		Truncated:         a.Truncated,
		Compressed:        a.Compressed,
		Excluded:          a.Excluded,
		CreatedAt:         a.CreatedAt,
	}
	for _, f := range a.Files {
		record.Files = append(record.Files, v1.FileChangeRecord{
			Path:    f.Path,
			Status:  f.Status,
			OldPath: f.OldPath,
		})
	}
	return record
}

func cleanupToResponse(outcome *workspace.CleanupOutcome) *v1.CleanupResult {
	return &v1.CleanupResult{
		WorkspaceRef:     outcome.WorkspaceRef,
		Found:            outcome.Found,
		SandboxDestroyed: outcome.SandboxDestroyed,
		TrackerRemoved:   outcome.TrackerRemoved,
		Errors:           outcome.Errors,
	}
}
