package artifact

import (
	"context"
	"database/sql"
	"os"
	"strings"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/workspace/internal/common/config"
	"github.com/kandev/workspace/internal/common/logger"
	"github.com/kandev/workspace/internal/db/dialect"
	"github.com/kandev/workspace/internal/tracker"
)

func newTestStore(t *testing.T, cfg config.ArtifactConfig) (*Store, *FileBlobStore) {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	repo, err := NewSQLRepository(db, dialect.SQLite3)
	require.NoError(t, err)

	blobs, err := NewFileBlobStore(t.TempDir())
	require.NoError(t, err)

	return NewStore(repo, blobs, cfg, logger.Default()), blobs
}

func testInput(seq int, patch string) SaveInput {
	return SaveInput{
		WorkspaceRef: "ws-1",
		ExecutionID:  "exec-1",
		Operation:    "write_file",
		Sequence:     seq,
		Summary: &tracker.ChangeSummary{
			Changed:      true,
			Patch:        patch,
			Files:        []tracker.FileChange{{Path: "f.txt", Status: tracker.StatusAdded}},
			Additions:    1,
			BaseRevision: "base",
			HeadRevision: "head",
		},
	}
}

func TestSaveAndGet(t *testing.T) {
	store, _ := newTestStore(t, config.ArtifactConfig{CompressThreshold: 1024})
	ctx := context.Background()

	saved, err := store.Save(ctx, testInput(1, "diff --git a/f.txt b/f.txt\n+new\n"))
	require.NoError(t, err)
	assert.NotEmpty(t, saved.ID)
	assert.False(t, saved.Compressed)
	assert.False(t, saved.Truncated)
	assert.Len(t, saved.SHA256, 64)

	loaded, patch, err := store.Get(ctx, saved.ID)
	require.NoError(t, err)
	assert.Equal(t, saved.ID, loaded.ID)
	assert.Equal(t, "diff --git a/f.txt b/f.txt\n+new\n", patch)
	require.Len(t, loaded.Files, 1)
	assert.Equal(t, tracker.StatusAdded, loaded.Files[0].Status)
}

func TestSaveCompressesAboveThreshold(t *testing.T) {
	store, blobs := newTestStore(t, config.ArtifactConfig{CompressThreshold: 10})
	ctx := context.Background()

	patch := strings.Repeat("+compressible line\n", 100)
	saved, err := store.Save(ctx, testInput(1, patch))
	require.NoError(t, err)
	assert.True(t, saved.Compressed)

	// The stored payload is smaller than the patch text.
	payload, err := blobs.Get(ctx, saved.BlobKey)
	require.NoError(t, err)
	assert.Less(t, len(payload), len(patch))

	_, roundtrip, err := store.Get(ctx, saved.ID)
	require.NoError(t, err)
	assert.Equal(t, patch, roundtrip)
}

func TestSaveTruncatesOversizePatch(t *testing.T) {
	store, _ := newTestStore(t, config.ArtifactConfig{
		MaxPatchBytes:  32,
		OversizePolicy: PolicyTruncate,
	})
	ctx := context.Background()

	patch := strings.Repeat("x", 100)
	saved, err := store.Save(ctx, testInput(1, patch))
	require.NoError(t, err)
	assert.True(t, saved.Truncated)
	assert.Equal(t, int64(100), saved.OriginalSize)
	assert.LessOrEqual(t, saved.SizeBytes, int64(32))
	assert.Less(t, saved.SizeBytes, saved.OriginalSize)

	_, stored, err := store.Get(ctx, saved.ID)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(stored), 32)
	assert.True(t, strings.HasPrefix(stored, "xxx"))
	assert.Contains(t, stored, "[patch truncated]")
}

func TestSaveTruncationStaysUnderLimit(t *testing.T) {
	store, _ := newTestStore(t, config.ArtifactConfig{
		MaxPatchBytes:  32,
		OversizePolicy: PolicyTruncate,
	})
	ctx := context.Background()

	// A patch barely over the limit must still shrink, never grow.
	saved, err := store.Save(ctx, testInput(1, strings.Repeat("y", 40)))
	require.NoError(t, err)
	assert.True(t, saved.Truncated)
	assert.LessOrEqual(t, saved.SizeBytes, int64(32))
	assert.Equal(t, int64(40), saved.OriginalSize)
	assert.Less(t, saved.SizeBytes, saved.OriginalSize)
}

func TestSaveRejectsOversizePatch(t *testing.T) {
	store, _ := newTestStore(t, config.ArtifactConfig{
		MaxPatchBytes:  32,
		OversizePolicy: PolicyReject,
	})

	_, err := store.Save(context.Background(), testInput(1, strings.Repeat("x", 100)))
	assert.ErrorIs(t, err, ErrPatchTooLarge)
}

func TestGetDetectsCorruption(t *testing.T) {
	store, blobs := newTestStore(t, config.ArtifactConfig{})
	ctx := context.Background()

	saved, err := store.Save(ctx, testInput(1, "original patch content\n"))
	require.NoError(t, err)

	// Flip the payload behind the store's back.
	require.NoError(t, os.WriteFile(blobs.path(saved.BlobKey), []byte("tampered"), 0o644))

	_, _, err = store.Get(ctx, saved.ID)
	assert.ErrorIs(t, err, ErrIntegrity)
}

func TestGetMissing(t *testing.T) {
	store, _ := newTestStore(t, config.ArtifactConfig{})
	_, _, err := store.Get(context.Background(), "no-such-id")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExecutionPatchOrdering(t *testing.T) {
	store, _ := newTestStore(t, config.ArtifactConfig{})
	ctx := context.Background()

	// Saved out of order, assembled by sequence.
	_, err := store.Save(ctx, testInput(2, "second\n"))
	require.NoError(t, err)
	_, err = store.Save(ctx, testInput(1, "first\n"))
	require.NoError(t, err)

	patch, err := store.ExecutionPatch(ctx, "exec-1", PatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, "first\nsecond\n", patch)
}

func TestExecutionPatchSkipsExcluded(t *testing.T) {
	store, _ := newTestStore(t, config.ArtifactConfig{})
	ctx := context.Background()

	clone := testInput(1, "clone import\n")
	clone.Operation = "clone_repository"
	clone.Excluded = true
	_, err := store.Save(ctx, clone)
	require.NoError(t, err)
	_, err = store.Save(ctx, testInput(2, "edit\n"))
	require.NoError(t, err)

	patch, err := store.ExecutionPatch(ctx, "exec-1", PatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, "edit\n", patch)

	patch, err = store.ExecutionPatch(ctx, "exec-1", PatchOptions{IncludeExcluded: true})
	require.NoError(t, err)
	assert.Equal(t, "clone import\nedit\n", patch)
}

func TestExecutionPatchDurableInstanceFilter(t *testing.T) {
	store, _ := newTestStore(t, config.ArtifactConfig{})
	ctx := context.Background()

	bound := testInput(1, "bound change\n")
	bound.DurableInstanceID = "instance-a"
	_, err := store.Save(ctx, bound)
	require.NoError(t, err)

	other := testInput(2, "other change\n")
	other.DurableInstanceID = "instance-b"
	_, err = store.Save(ctx, other)
	require.NoError(t, err)

	patch, err := store.ExecutionPatch(ctx, "exec-1", PatchOptions{DurableInstanceID: "instance-a"})
	require.NoError(t, err)
	assert.Equal(t, "bound change\n", patch)
}

func TestDeleteByWorkspaceRef(t *testing.T) {
	store, blobs := newTestStore(t, config.ArtifactConfig{})
	ctx := context.Background()

	saved, err := store.Save(ctx, testInput(1, "patch\n"))
	require.NoError(t, err)

	require.NoError(t, store.DeleteByWorkspaceRef(ctx, "ws-1"))

	_, _, err = store.Get(ctx, saved.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = blobs.Get(ctx, saved.BlobKey)
	assert.ErrorIs(t, err, ErrNotFound)
}
