package api

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"testing"

	"github.com/gin-gonic/gin"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/workspace/internal/artifact"
	"github.com/kandev/workspace/internal/common/config"
	"github.com/kandev/workspace/internal/common/logger"
	"github.com/kandev/workspace/internal/db/dialect"
	"github.com/kandev/workspace/internal/events/bus"
	"github.com/kandev/workspace/internal/sandbox"
	"github.com/kandev/workspace/internal/workspace"
	v1 "github.com/kandev/workspace/pkg/api/v1"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{
		Level:  "error",
		Format: "json",
	})
	return log
}

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	log := newTestLogger()
	cfg := &config.Config{
		Sandbox: config.SandboxConfig{
			Backend:        sandbox.BackendLocal,
			BasePath:       t.TempDir(),
			Isolation:      sandbox.IsolationNone,
			CommandTimeout: 30,
		},
		Workspace: config.WorkspaceConfig{SessionTTL: 3600, SweepInterval: 300},
		Artifact:  config.ArtifactConfig{CompressThreshold: 10 * 1024},
		Clone:     config.CloneConfig{Depth: 1, StripMetadata: true},
	}

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := workspace.NewSQLStore(db, dialect.SQLite3)
	require.NoError(t, err)
	repo, err := artifact.NewSQLRepository(db, dialect.SQLite3)
	require.NoError(t, err)
	blobs, err := artifact.NewFileBlobStore(t.TempDir())
	require.NoError(t, err)
	artifacts := artifact.NewStore(repo, blobs, cfg.Artifact, log)

	manager := workspace.NewManager(cfg, store, artifacts, nil, nil, bus.NewMemoryEventBus(log), log)

	router := gin.New()
	SetupRoutes(router.Group("/api/v1"), manager, log)
	return router
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func createTestSession(t *testing.T, router *gin.Engine) {
	t.Helper()
	rec := doJSON(t, router, http.MethodPost, "/api/v1/workspaces", CreateProfileRequest{
		WorkspaceRef: "ws-api",
		ExecutionID:  "exec-api",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestCreateProfileEndpoint(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/workspaces", CreateProfileRequest{
		WorkspaceRef: "ws-api",
		ExecutionID:  "exec-api",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var session v1.WorkspaceSession
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &session))
	assert.Equal(t, "ws-api", session.WorkspaceRef)
	assert.Equal(t, sandbox.BackendLocal, session.Backend)
	assert.NotEmpty(t, session.EnabledTools)
}

func TestCreateProfileRequiresIdentity(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/workspaces", CreateProfileRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// An execution ID alone is enough; the ref is generated.
	rec = doJSON(t, router, http.MethodPost, "/api/v1/workspaces", CreateProfileRequest{
		ExecutionID: "exec-generated",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var session v1.WorkspaceSession
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &session))
	assert.NotEmpty(t, session.WorkspaceRef)
	assert.Equal(t, "exec-generated", session.ExecutionID)
}

func TestExecuteCommandEndpoint(t *testing.T) {
	router := newTestRouter(t)
	createTestSession(t, router)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/workspaces/ws-api/execute", ExecuteCommandRequest{
		Command: "echo api > out.txt",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result v1.CommandExecution
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.Success)
	require.NotNil(t, result.Change)
	assert.Equal(t, "out.txt", result.Change.Files[0].Path)
}

func TestFileOperationEndpoint(t *testing.T) {
	router := newTestRouter(t)
	createTestSession(t, router)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/workspaces/ws-api/files", FileOperationRequest{
		Operation: "write_file", Path: "f.txt", Content: "hello",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, router, http.MethodPost, "/api/v1/workspaces/ws-api/files", FileOperationRequest{
		Operation: "read_file", Path: "f.txt",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var result v1.FileOperationResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "hello", result.Content)
}

func TestFileOperationNotFoundMapsTo404(t *testing.T) {
	router := newTestRouter(t)
	createTestSession(t, router)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/workspaces/ws-api/files", FileOperationRequest{
		Operation: "read_file", Path: "missing.txt",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUnknownSessionMapsTo404(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/workspaces/nope/execute", ExecuteCommandRequest{
		Command: "true",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCleanupEndpoint(t *testing.T) {
	router := newTestRouter(t)
	createTestSession(t, router)

	rec := doJSON(t, router, http.MethodDelete, "/api/v1/workspaces/ws-api", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var result v1.CleanupResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.Found)
	assert.True(t, result.SandboxDestroyed)
}

func TestExecutionPatchEndpoint(t *testing.T) {
	router := newTestRouter(t)
	createTestSession(t, router)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/workspaces/ws-api/files", FileOperationRequest{
		Operation: "write_file", Path: "patched.txt", Content: "patched content\n",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/v1/executions/exec-api/patch", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		ExecutionID string `json:"execution_id"`
		Patch       string `json:"patch"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "exec-api", body.ExecutionID)
	assert.Contains(t, body.Patch, "patched content")
}
