package tracker

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/workspace/internal/common/logger"
	"github.com/kandev/workspace/internal/sandbox"
)

// newTestTracker runs a real git against a throwaway session root.
func newTestTracker(t *testing.T) (*GitTracker, string) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	root := filepath.Join(t.TempDir(), "ws")
	sb := sandbox.NewLocalSandbox(root, sandbox.IsolationNone, logger.Default())
	require.NoError(t, sb.Start(context.Background()))

	tr := NewGitTracker(sb, root, logger.Default())
	require.NoError(t, tr.Init(context.Background()))
	return tr, root
}

func writeFile(t *testing.T, root, path, content string) {
	t.Helper()
	full := filepath.Join(root, path)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func TestTrackAddedFile(t *testing.T) {
	tr, root := newTestTracker(t)
	writeFile(t, root, "hello.txt", "hello\n")

	summary, err := tr.Track(context.Background(), "write_file", 1)
	require.NoError(t, err)

	assert.True(t, summary.Changed)
	require.Len(t, summary.Files, 1)
	assert.Equal(t, "hello.txt", summary.Files[0].Path)
	assert.Equal(t, StatusAdded, summary.Files[0].Status)
	assert.Equal(t, 1, summary.Additions)
	assert.Equal(t, 0, summary.Deletions)
	assert.Contains(t, summary.Patch, "+hello")
	assert.NotEqual(t, summary.BaseRevision, summary.HeadRevision)
}

func TestTrackModifiedAndDeleted(t *testing.T) {
	tr, root := newTestTracker(t)
	writeFile(t, root, "a.txt", "one\n")
	writeFile(t, root, "b.txt", "two\n")

	_, err := tr.Track(context.Background(), "write_file", 1)
	require.NoError(t, err)

	writeFile(t, root, "a.txt", "one\nchanged\n")
	require.NoError(t, os.Remove(filepath.Join(root, "b.txt")))

	summary, err := tr.Track(context.Background(), "edit_file", 2)
	require.NoError(t, err)

	assert.True(t, summary.Changed)
	require.Len(t, summary.Files, 2)

	statuses := map[string]string{}
	for _, f := range summary.Files {
		statuses[f.Path] = f.Status
	}
	assert.Equal(t, StatusModified, statuses["a.txt"])
	assert.Equal(t, StatusDeleted, statuses["b.txt"])
	assert.Equal(t, 1, summary.Additions)
	assert.Equal(t, 1, summary.Deletions)
}

func TestTrackNoChange(t *testing.T) {
	tr, _ := newTestTracker(t)

	summary, err := tr.Track(context.Background(), "execute_command", 1)
	require.NoError(t, err)

	assert.False(t, summary.Changed)
	assert.Empty(t, summary.Patch)
	assert.Empty(t, summary.Files)
	assert.Equal(t, summary.BaseRevision, summary.HeadRevision)
}

func TestTrackBaselineAdvances(t *testing.T) {
	tr, root := newTestTracker(t)

	writeFile(t, root, "f.txt", "v1\n")
	first, err := tr.Track(context.Background(), "write_file", 1)
	require.NoError(t, err)

	// The same content must not show up again in the next capture.
	second, err := tr.Track(context.Background(), "execute_command", 2)
	require.NoError(t, err)
	assert.False(t, second.Changed)
	assert.Equal(t, first.HeadRevision, second.BaseRevision)
}

func TestTrackShadowDirOutsideRoot(t *testing.T) {
	tr, root := newTestTracker(t)

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), "shadow-git")
		assert.NotEqual(t, ".git", e.Name())
	}
	assert.DirExists(t, tr.gitDir)
}

func TestTrackerDisabledAfterFailure(t *testing.T) {
	tr, root := newTestTracker(t)

	// Destroying the shadow repository makes the next capture fail and the
	// tracker shut itself off.
	require.NoError(t, os.RemoveAll(tr.gitDir))
	writeFile(t, root, "x.txt", "x\n")

	_, err := tr.Track(context.Background(), "write_file", 1)
	require.Error(t, err)

	disabled, cause := tr.Disabled()
	assert.True(t, disabled)
	assert.Error(t, cause)

	_, err = tr.Track(context.Background(), "write_file", 2)
	assert.ErrorIs(t, err, ErrTrackingDisabled)
}

func TestCleanupRemovesShadow(t *testing.T) {
	tr, _ := newTestTracker(t)
	require.NoError(t, tr.Cleanup(context.Background()))
	assert.NoDirExists(t, tr.gitDir)
}

func TestParseNameStatus(t *testing.T) {
	out := "A\tnew.txt\nM\tchanged.txt\nD\tgone.txt\nR100\told.txt\tnew-name.txt\n"

	changes := parseNameStatus(out)
	require.Len(t, changes, 4)
	assert.Equal(t, FileChange{Path: "new.txt", Status: StatusAdded}, changes[0])
	assert.Equal(t, FileChange{Path: "changed.txt", Status: StatusModified}, changes[1])
	assert.Equal(t, FileChange{Path: "gone.txt", Status: StatusDeleted}, changes[2])
	assert.Equal(t, FileChange{Path: "new-name.txt", Status: StatusRenamed, OldPath: "old.txt"}, changes[3])
}

func TestParseNumstat(t *testing.T) {
	out := "3\t1\ta.txt\n-\t-\tbin.dat\n10\t0\tb.txt\n"

	additions, deletions := parseNumstat(out)
	assert.Equal(t, 13, additions)
	assert.Equal(t, 1, deletions)
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, "'plain'", shellQuote("plain"))
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
}
