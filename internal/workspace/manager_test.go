package workspace

import (
	"context"
	"database/sql"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/workspace/internal/artifact"
	"github.com/kandev/workspace/internal/common/config"
	"github.com/kandev/workspace/internal/common/logger"
	"github.com/kandev/workspace/internal/credentials"
	"github.com/kandev/workspace/internal/db/dialect"
	"github.com/kandev/workspace/internal/events/bus"
	"github.com/kandev/workspace/internal/sandbox"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Sandbox: config.SandboxConfig{
			Backend:        sandbox.BackendLocal,
			BasePath:       t.TempDir(),
			Isolation:      sandbox.IsolationNone,
			CommandTimeout: 30,
		},
		Workspace: config.WorkspaceConfig{
			SessionTTL:    3600,
			SweepInterval: 300,
		},
		Artifact: config.ArtifactConfig{
			CompressThreshold: 10 * 1024,
		},
		Clone: config.CloneConfig{Depth: 1, StripMetadata: true},
	}
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	requireGit(t)

	cfg := testConfig(t)
	log := logger.Default()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := NewSQLStore(db, dialect.SQLite3)
	require.NoError(t, err)

	repo, err := artifact.NewSQLRepository(db, dialect.SQLite3)
	require.NoError(t, err)
	blobs, err := artifact.NewFileBlobStore(t.TempDir())
	require.NoError(t, err)
	artifacts := artifact.NewStore(repo, blobs, cfg.Artifact, log)

	creds := credentials.NewManager(log)
	creds.AddProvider(credentials.NewEnvProvider(""))

	return NewManager(cfg, store, artifacts, creds, nil, bus.NewMemoryEventBus(log), log)
}

func createSession(t *testing.T, m *Manager, spec ProfileSpec) *SessionInfo {
	t.Helper()
	if spec.WorkspaceRef == "" {
		spec.WorkspaceRef = "ws-test"
	}
	if spec.ExecutionID == "" {
		spec.ExecutionID = "exec-test"
	}
	info, err := m.CreateOrGetProfile(context.Background(), spec)
	require.NoError(t, err)
	return info
}

func TestCreateOrGetProfileIdempotent(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	first := createSession(t, m, ProfileSpec{})
	second, err := m.CreateOrGetProfile(ctx, ProfileSpec{WorkspaceRef: "ws-test"})
	require.NoError(t, err)

	assert.Equal(t, first.WorkspaceRef, second.WorkspaceRef)
	assert.Equal(t, first.RootPath, second.RootPath)
	assert.Equal(t, sandbox.BackendLocal, second.Backend)
	assert.Len(t, m.ListSessions(), 1)
}

func TestCreateProfileByExecutionIDOnly(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	first, err := m.CreateOrGetProfile(ctx, ProfileSpec{ExecutionID: "exec-only"})
	require.NoError(t, err)
	assert.NotEmpty(t, first.WorkspaceRef)

	second, err := m.CreateOrGetProfile(ctx, ProfileSpec{ExecutionID: "exec-only"})
	require.NoError(t, err)
	assert.Equal(t, first.WorkspaceRef, second.WorkspaceRef)
	assert.Len(t, m.ListSessions(), 1)

	_, err = m.CreateOrGetProfile(ctx, ProfileSpec{})
	assert.Error(t, err)
}

func TestCreateProfileIdempotentPerExecution(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	first, err := m.CreateOrGetProfile(ctx, ProfileSpec{WorkspaceRef: "ref-a", ExecutionID: "exec-dup"})
	require.NoError(t, err)

	// A second create for the same execution returns the existing session,
	// whatever ref it asks for.
	second, err := m.CreateOrGetProfile(ctx, ProfileSpec{WorkspaceRef: "ref-b", ExecutionID: "exec-dup"})
	require.NoError(t, err)
	assert.Equal(t, "ref-a", second.WorkspaceRef)
	assert.Equal(t, first.RootPath, second.RootPath)
	assert.Len(t, m.ListSessions(), 1)
}

func TestExecuteCommandCapturesChange(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	createSession(t, m, ProfileSpec{})

	result, err := m.ExecuteCommand(ctx, "ws-test", "echo created > file.txt", "", 0)
	require.NoError(t, err)
	assert.True(t, result.Exec.Success)
	assert.Empty(t, result.TrackingError)

	require.NotNil(t, result.Change)
	require.Len(t, result.Change.Files, 1)
	assert.Equal(t, "file.txt", result.Change.Files[0].Path)
	assert.Equal(t, "added", result.Change.Files[0].Status)
}

func TestExecuteCommandFailureIsNotAnError(t *testing.T) {
	m := newTestManager(t)
	createSession(t, m, ProfileSpec{})

	result, err := m.ExecuteCommand(context.Background(), "ws-test", "exit 7", "", 0)
	require.NoError(t, err)
	assert.False(t, result.Exec.Success)
	assert.Equal(t, 7, result.Exec.ExitCode)
	assert.Nil(t, result.Change)
}

func TestFileOperationLifecycle(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	createSession(t, m, ProfileSpec{})

	write, err := m.ExecuteFileOperation(ctx, "ws-test", FileOpRequest{
		Operation: "write_file", Path: "notes.txt", Content: "first line\n",
	})
	require.NoError(t, err)
	require.NotNil(t, write.Change)
	assert.Equal(t, "added", write.Change.Files[0].Status)

	edit, err := m.ExecuteFileOperation(ctx, "ws-test", FileOpRequest{
		Operation: "edit_file", Path: "notes.txt",
		OldString: "first line", NewString: "edited line",
	})
	require.NoError(t, err)
	require.NotNil(t, edit.Change)
	assert.Equal(t, "modified", edit.Change.Files[0].Status)

	read, err := m.ExecuteFileOperation(ctx, "ws-test", FileOpRequest{
		Operation: "read_file", Path: "notes.txt",
	})
	require.NoError(t, err)
	assert.Equal(t, "edited line\n", read.Content)
	assert.Nil(t, read.Change)

	del, err := m.ExecuteFileOperation(ctx, "ws-test", FileOpRequest{
		Operation: "delete_file", Path: "notes.txt",
	})
	require.NoError(t, err)
	require.NotNil(t, del.Change)
	assert.Equal(t, "deleted", del.Change.Files[0].Status)

	// Sequence numbers advance by exactly one per captured change.
	assert.Equal(t, write.Change.Sequence+1, edit.Change.Sequence)
	assert.Equal(t, edit.Change.Sequence+1, del.Change.Sequence)
}

func TestSequencesAreGapFree(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	createSession(t, m, ProfileSpec{})

	_, err := m.ExecuteFileOperation(ctx, "ws-test", FileOpRequest{
		Operation: "write_file", Path: "a.txt", Content: "a\n",
	})
	require.NoError(t, err)

	// A command that changes nothing must not consume a sequence number.
	result, err := m.ExecuteCommand(ctx, "ws-test", "true", "", 0)
	require.NoError(t, err)
	assert.Nil(t, result.Change)

	_, err = m.ExecuteFileOperation(ctx, "ws-test", FileOpRequest{
		Operation: "write_file", Path: "b.txt", Content: "b\n",
	})
	require.NoError(t, err)

	artifacts, err := m.ArtifactsByExecutionID(ctx, "exec-test")
	require.NoError(t, err)
	require.Len(t, artifacts, 2)
	assert.Equal(t, 1, artifacts[0].Sequence)
	assert.Equal(t, 2, artifacts[1].Sequence)
}

func TestReadBeforeWritePolicy(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	createSession(t, m, ProfileSpec{RequireReadBeforeWrite: true})

	// Creating a new file is always allowed.
	_, err := m.ExecuteFileOperation(ctx, "ws-test", FileOpRequest{
		Operation: "write_file", Path: "a.txt", Content: "v1\n",
	})
	require.NoError(t, err)

	// A file created by a command has not been read by the session.
	_, err = m.ExecuteCommand(ctx, "ws-test", "echo x > b.txt", "", 0)
	require.NoError(t, err)

	_, err = m.ExecuteFileOperation(ctx, "ws-test", FileOpRequest{
		Operation: "write_file", Path: "b.txt", Content: "overwrite\n",
	})
	assert.ErrorIs(t, err, ErrReadBeforeWrite)

	_, err = m.ExecuteFileOperation(ctx, "ws-test", FileOpRequest{
		Operation: "edit_file", Path: "b.txt", OldString: "x", NewString: "y",
	})
	assert.ErrorIs(t, err, ErrReadBeforeWrite)

	_, err = m.ExecuteFileOperation(ctx, "ws-test", FileOpRequest{
		Operation: "delete_file", Path: "b.txt",
	})
	assert.ErrorIs(t, err, ErrReadBeforeWrite)

	// Creating a directory never needs a prior read.
	_, err = m.ExecuteFileOperation(ctx, "ws-test", FileOpRequest{
		Operation: "create_directory", Path: "newdir",
	})
	assert.NoError(t, err)

	// Reading unlocks mutation.
	_, err = m.ExecuteFileOperation(ctx, "ws-test", FileOpRequest{
		Operation: "read_file", Path: "b.txt",
	})
	require.NoError(t, err)

	_, err = m.ExecuteFileOperation(ctx, "ws-test", FileOpRequest{
		Operation: "write_file", Path: "b.txt", Content: "overwrite\n",
	})
	assert.NoError(t, err)

	_, err = m.ExecuteFileOperation(ctx, "ws-test", FileOpRequest{
		Operation: "delete_file", Path: "b.txt",
	})
	assert.NoError(t, err)

	// The session's own writes count as reads.
	_, err = m.ExecuteFileOperation(ctx, "ws-test", FileOpRequest{
		Operation: "edit_file", Path: "a.txt", OldString: "v1", NewString: "v2",
	})
	assert.NoError(t, err)
}

func TestEditFileOldStringValidation(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	createSession(t, m, ProfileSpec{})

	_, err := m.ExecuteFileOperation(ctx, "ws-test", FileOpRequest{
		Operation: "write_file", Path: "f.txt", Content: "dup\ndup\n",
	})
	require.NoError(t, err)

	_, err = m.ExecuteFileOperation(ctx, "ws-test", FileOpRequest{
		Operation: "edit_file", Path: "f.txt", OldString: "missing", NewString: "x",
	})
	assert.ErrorIs(t, err, ErrOldStringNotFound)

	_, err = m.ExecuteFileOperation(ctx, "ws-test", FileOpRequest{
		Operation: "edit_file", Path: "f.txt", OldString: "dup", NewString: "x",
	})
	assert.ErrorIs(t, err, ErrOldStringAmbiguous)
}

func TestToolProfileEnforced(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	createSession(t, m, ProfileSpec{EnabledTools: []string{ToolReadFile, ToolListDirectory}})

	_, err := m.ExecuteCommand(ctx, "ws-test", "echo hi", "", 0)
	assert.ErrorIs(t, err, ErrToolDisabled)

	_, err = m.ExecuteFileOperation(ctx, "ws-test", FileOpRequest{
		Operation: "write_file", Path: "f.txt", Content: "x",
	})
	assert.ErrorIs(t, err, ErrToolDisabled)

	_, err = m.CloneRepository(ctx, "ws-test", CloneRequest{URL: "file:///tmp/x", TargetDir: "repo"})
	assert.ErrorIs(t, err, ErrToolDisabled)
}

// newSourceRepo creates a local git repository to clone from.
func newSourceRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}
	run("init", "--quiet", "-b", "main")
	run("config", "user.email", "test@localhost")
	run("config", "user.name", "test")

	require.NoError(t, writeTestFile(dir, "README.md", "# source\n"))
	require.NoError(t, writeTestFile(dir, "src/main.go", "package main\n"))
	run("add", "-A")
	run("commit", "--quiet", "-m", "initial")
	return dir
}

func TestCloneRepository(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	createSession(t, m, ProfileSpec{})

	src := newSourceRepo(t)
	result, err := m.CloneRepository(ctx, "ws-test", CloneRequest{
		URL: "file://" + src, TargetDir: "repo",
	})
	require.NoError(t, err)

	assert.Equal(t, "repo", result.TargetDir)
	assert.Len(t, result.CommitHash, 40)
	assert.Equal(t, 2, result.FileCount)
	require.NotNil(t, result.Change)
	assert.True(t, result.Change.Excluded)

	// A second clone on the same session is rejected.
	_, err = m.CloneRepository(ctx, "ws-test", CloneRequest{
		URL: "file://" + src, TargetDir: "other",
	})
	assert.ErrorIs(t, err, ErrAlreadyCloned)
}

func TestCloneScopeContainment(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	createSession(t, m, ProfileSpec{})

	src := newSourceRepo(t)
	_, err := m.CloneRepository(ctx, "ws-test", CloneRequest{
		URL: "file://" + src, TargetDir: "repo",
	})
	require.NoError(t, err)

	_, err = m.ExecuteFileOperation(ctx, "ws-test", FileOpRequest{
		Operation: "write_file", Path: "repo/new.txt", Content: "inside\n",
	})
	require.NoError(t, err)

	_, err = m.ExecuteFileOperation(ctx, "ws-test", FileOpRequest{
		Operation: "write_file", Path: "outside.txt", Content: "outside\n",
	})
	assert.ErrorIs(t, err, ErrOutsideCloneScope)

	_, err = m.ExecuteFileOperation(ctx, "ws-test", FileOpRequest{
		Operation: "delete_file", Path: "repo/../outside", Recursive: true,
	})
	assert.ErrorIs(t, err, ErrOutsideCloneScope)
}

func TestCloneTargetValidation(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	createSession(t, m, ProfileSpec{})

	for _, target := range []string{".", "..", "/abs/path", "a/../.."} {
		_, err := m.CloneRepository(ctx, "ws-test", CloneRequest{
			URL: "file:///nowhere", TargetDir: target,
		})
		assert.ErrorIs(t, err, sandbox.ErrPathEscapesRoot, "target %q", target)
	}

	_, err := m.CloneRepository(ctx, "ws-test", CloneRequest{})
	assert.ErrorIs(t, err, ErrCloneFailed)
}

func TestCloneBranchSelection(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	createSession(t, m, ProfileSpec{})

	src := newSourceRepo(t)
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = src
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}
	run("checkout", "--quiet", "-b", "feature")
	require.NoError(t, writeTestFile(src, "feature.txt", "branch only\n"))
	run("add", "-A")
	run("commit", "--quiet", "-m", "feature work")
	run("checkout", "--quiet", "main")

	result, err := m.CloneRepository(ctx, "ws-test", CloneRequest{
		URL: "file://" + src, Branch: "feature", TargetDir: "repo",
	})
	require.NoError(t, err)
	assert.Equal(t, "feature", result.Branch)

	read, err := m.ExecuteFileOperation(ctx, "ws-test", FileOpRequest{
		Operation: "read_file", Path: "repo/feature.txt",
	})
	require.NoError(t, err)
	assert.Equal(t, "branch only\n", read.Content)
}

func TestCloneDefaultTargetDir(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	createSession(t, m, ProfileSpec{})

	src := newSourceRepo(t)
	result, err := m.CloneRepository(ctx, "ws-test", CloneRequest{URL: "file://" + src})
	require.NoError(t, err)

	assert.Equal(t, filepath.Base(src), result.TargetDir)
	assert.Equal(t, "main", result.Branch)
	assert.NotEmpty(t, result.Repository)

	_, err = m.ExecuteFileOperation(ctx, "ws-test", FileOpRequest{
		Operation: "read_file", Path: filepath.Join(result.TargetDir, "README.md"),
	})
	assert.NoError(t, err)
}

func TestResolveRepository(t *testing.T) {
	cloneURL, repository, err := resolveRepository(CloneRequest{Owner: "acme", Repo: "widgets"})
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/acme/widgets.git", cloneURL)
	assert.Equal(t, "acme/widgets", repository)

	cloneURL, repository, err = resolveRepository(CloneRequest{URL: "https://github.com/acme/widgets.git"})
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/acme/widgets.git", cloneURL)
	assert.Equal(t, "acme/widgets", repository)

	_, _, err = resolveRepository(CloneRequest{})
	assert.ErrorIs(t, err, ErrCloneFailed)
}

func TestAuthenticateURLCallerToken(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	authURL, token, err := m.authenticateURL(ctx, "https://github.com/acme/widgets.git", "tok-123")
	require.NoError(t, err)
	assert.Equal(t, "tok-123", token)
	assert.Contains(t, authURL, "x-access-token:tok-123@github.com")

	// Redaction keeps the token out of surfaced errors.
	assert.NotContains(t, redact("fatal: could not read "+authURL, token), "tok-123")

	// Non-HTTP URLs are left untouched.
	authURL, token, err = m.authenticateURL(ctx, "file:///src/repo", "tok-123")
	require.NoError(t, err)
	assert.Empty(t, token)
	assert.Equal(t, "file:///src/repo", authURL)
}

func TestExecutionPatchExcludesClone(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	createSession(t, m, ProfileSpec{})

	src := newSourceRepo(t)
	_, err := m.CloneRepository(ctx, "ws-test", CloneRequest{
		URL: "file://" + src, TargetDir: "repo",
	})
	require.NoError(t, err)

	_, err = m.ExecuteFileOperation(ctx, "ws-test", FileOpRequest{
		Operation: "write_file", Path: "repo/change.txt", Content: "tracked change\n",
	})
	require.NoError(t, err)

	patch, err := m.ExecutionPatch(ctx, "exec-test", artifact.PatchOptions{})
	require.NoError(t, err)
	assert.Contains(t, patch, "tracked change")
	assert.NotContains(t, patch, "README")

	full, err := m.ExecutionPatch(ctx, "exec-test", artifact.PatchOptions{IncludeExcluded: true})
	require.NoError(t, err)
	assert.Contains(t, full, "README")
}

func TestCleanupByExecutionID(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	info := createSession(t, m, ProfileSpec{})

	outcome := m.CleanupByExecutionID(ctx, "exec-test")
	assert.True(t, outcome.Found)
	assert.True(t, outcome.SandboxDestroyed)
	assert.True(t, outcome.TrackerRemoved)
	assert.Empty(t, outcome.Errors)
	assert.NoDirExists(t, info.RootPath)

	_, err := m.Lookup(ctx, "ws-test")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	// Cleaning up again reports the evicted record without errors.
	again := m.CleanupByWorkspaceRef(ctx, "ws-test")
	assert.True(t, again.Found)
	assert.False(t, again.SandboxDestroyed)
}

func TestSweepEvictsIdleSessions(t *testing.T) {
	m := newTestManager(t)
	createSession(t, m, ProfileSpec{})

	m.mu.Lock()
	m.sessions["ws-test"].lastAccess.Store(time.Now().Add(-2 * time.Hour).UnixNano())
	m.mu.Unlock()

	m.sweepExpired()

	_, err := m.Lookup(context.Background(), "ws-test")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSweepDuringOperations(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	createSession(t, m, ProfileSpec{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			_, _ = m.ExecuteCommand(ctx, "ws-test", "true", "", 0)
		}
	}()
	for i := 0; i < 20; i++ {
		m.sweepExpired()
	}
	<-done

	// The session stayed fresh throughout, so the sweeper left it alone.
	_, err := m.Lookup(ctx, "ws-test")
	assert.NoError(t, err)
}

func TestBindDurableInstance(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	createSession(t, m, ProfileSpec{})
	createSession(t, m, ProfileSpec{WorkspaceRef: "ws-other", ExecutionID: "exec-other"})

	require.NoError(t, m.BindDurableInstance(ctx, "ws-test", "instance-1"))

	// Operations route by instance ID.
	result, err := m.ExecuteCommand(ctx, "instance-1", "echo bound", "", 0)
	require.NoError(t, err)
	assert.Equal(t, "bound\n", result.Exec.Stdout)

	// The same instance cannot bind to a second session.
	err = m.BindDurableInstance(ctx, "ws-other", "instance-1")
	assert.ErrorIs(t, err, ErrInstanceBound)
}

func TestSessionRehydration(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	createSession(t, m, ProfileSpec{})

	_, err := m.ExecuteFileOperation(ctx, "ws-test", FileOpRequest{
		Operation: "write_file", Path: "kept.txt", Content: "survives\n",
	})
	require.NoError(t, err)

	// Simulate a restart: drop the in-memory session, keep the record.
	m.mu.Lock()
	sess := m.sessions["ws-test"]
	m.unindex(sess)
	m.mu.Unlock()

	info, err := m.CreateOrGetProfile(ctx, ProfileSpec{WorkspaceRef: "ws-test"})
	require.NoError(t, err)
	assert.Equal(t, sess.RootPath, info.RootPath)

	read, err := m.ExecuteFileOperation(ctx, "ws-test", FileOpRequest{
		Operation: "read_file", Path: "kept.txt",
	})
	require.NoError(t, err)
	assert.Equal(t, "survives\n", read.Content)
}

func TestLookupHydratesByExecutionID(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	createSession(t, m, ProfileSpec{})

	_, err := m.ExecuteFileOperation(ctx, "ws-test", FileOpRequest{
		Operation: "write_file", Path: "kept.txt", Content: "survives\n",
	})
	require.NoError(t, err)

	// Simulate a restart: drop the in-memory session, keep the record.
	m.mu.Lock()
	m.unindex(m.sessions["ws-test"])
	m.mu.Unlock()

	// Routing by execution ID rebuilds the session from its record.
	read, err := m.ExecuteFileOperation(ctx, "exec-test", FileOpRequest{
		Operation: "read_file", Path: "kept.txt",
	})
	require.NoError(t, err)
	assert.Equal(t, "survives\n", read.Content)
}

func TestCleanupByExecutionIDAfterRestart(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	createSession(t, m, ProfileSpec{})

	m.mu.Lock()
	m.unindex(m.sessions["ws-test"])
	m.mu.Unlock()

	outcome := m.CleanupByExecutionID(ctx, "exec-test")
	assert.True(t, outcome.Found)
	assert.Equal(t, "ws-test", outcome.WorkspaceRef)
}

func TestDiscardDuplicateKeepsSharedLocalState(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	createSession(t, m, ProfileSpec{})

	_, err := m.ExecuteFileOperation(ctx, "ws-test", FileOpRequest{
		Operation: "write_file", Path: "kept.txt", Content: "winner\n",
	})
	require.NoError(t, err)

	// A duplicate built for the same ref shares the winner's root and
	// shadow repository; discarding it must leave both intact.
	dup, err := m.buildSession(ctx, ProfileSpec{WorkspaceRef: "ws-test", ExecutionID: "exec-test"})
	require.NoError(t, err)
	m.discardDuplicate(ctx, dup)

	read, err := m.ExecuteFileOperation(ctx, "ws-test", FileOpRequest{
		Operation: "read_file", Path: "kept.txt",
	})
	require.NoError(t, err)
	assert.Equal(t, "winner\n", read.Content)

	// Change tracking still works for the surviving session.
	result, err := m.ExecuteFileOperation(ctx, "ws-test", FileOpRequest{
		Operation: "write_file", Path: "after.txt", Content: "still tracked\n",
	})
	require.NoError(t, err)
	require.NotNil(t, result.Change)
	assert.Equal(t, "after.txt", result.Change.Files[0].Path)
}

func writeTestFile(dir, rel, content string) error {
	full := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	return os.WriteFile(full, []byte(content), 0o644)
}
