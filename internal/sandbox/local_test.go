package sandbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/workspace/internal/common/logger"
)

func newTestSandbox(t *testing.T) *LocalSandbox {
	t.Helper()
	sb := NewLocalSandbox(t.TempDir(), IsolationNone, logger.Default())
	require.NoError(t, sb.Start(context.Background()))
	return sb
}

func TestDetectIsolation(t *testing.T) {
	orig := lookPathFn
	defer func() { lookPathFn = orig }()

	lookPathFn = func(name string) (string, error) {
		if name == "bwrap" {
			return "/usr/bin/bwrap", nil
		}
		return "", errors.New("not found")
	}
	assert.Equal(t, IsolationBwrap, DetectIsolation())

	lookPathFn = func(name string) (string, error) {
		if name == "unshare" {
			return "/usr/bin/unshare", nil
		}
		return "", errors.New("not found")
	}
	assert.Equal(t, IsolationUnshare, DetectIsolation())

	lookPathFn = func(name string) (string, error) {
		return "", errors.New("not found")
	}
	assert.Equal(t, IsolationNone, DetectIsolation())
}

func TestLocalExecute(t *testing.T) {
	sb := newTestSandbox(t)

	result, err := sb.Execute(context.Background(), "echo hello", "", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, "hello\n", result.Stdout)
}

func TestLocalExecuteFailingCommand(t *testing.T) {
	sb := newTestSandbox(t)

	// A non-zero exit is reported in the result, not as an error.
	result, err := sb.Execute(context.Background(), "exit 3", "", 10*time.Second)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, 3, result.ExitCode)
	assert.False(t, result.TimedOut)
}

func TestLocalExecuteTimeout(t *testing.T) {
	sb := newTestSandbox(t)

	result, err := sb.Execute(context.Background(), "sleep 5", "", 100*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.True(t, result.TimedOut)
	assert.Equal(t, -1, result.ExitCode)
}

func TestLocalExecuteCwd(t *testing.T) {
	sb := newTestSandbox(t)
	require.NoError(t, os.MkdirAll(filepath.Join(sb.root, "sub"), 0o755))

	result, err := sb.Execute(context.Background(), "pwd", "sub", 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(sb.root, "sub")+"\n", result.Stdout)
}

func TestLocalExecuteCwdEscape(t *testing.T) {
	sb := newTestSandbox(t)

	_, err := sb.Execute(context.Background(), "pwd", "../outside", 10*time.Second)
	assert.ErrorIs(t, err, ErrPathEscapesRoot)
}

func TestLocalExecuteBeforeStart(t *testing.T) {
	sb := NewLocalSandbox(t.TempDir(), IsolationNone, logger.Default())
	_, err := sb.Execute(context.Background(), "true", "", time.Second)
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestLocalDestroyRemovesRoot(t *testing.T) {
	sb := newTestSandbox(t)
	require.NoError(t, sb.Destroy(context.Background()))
	_, err := os.Stat(sb.root)
	assert.True(t, os.IsNotExist(err))
}

func TestLocalFilesystemReadWrite(t *testing.T) {
	fs := NewLocalFilesystem(t.TempDir())
	ctx := context.Background()

	require.NoError(t, fs.Write(ctx, "dir/file.txt", []byte("content")))

	data, err := fs.Read(ctx, "dir/file.txt")
	require.NoError(t, err)
	assert.Equal(t, "content", string(data))

	require.NoError(t, fs.Append(ctx, "dir/file.txt", []byte(" more")))
	data, err = fs.Read(ctx, "dir/file.txt")
	require.NoError(t, err)
	assert.Equal(t, "content more", string(data))
}

func TestLocalFilesystemReadMissing(t *testing.T) {
	fs := NewLocalFilesystem(t.TempDir())

	_, err := fs.Read(context.Background(), "missing.txt")
	assert.ErrorIs(t, err, ErrNotFound)

	var pathErr *PathError
	require.ErrorAs(t, err, &pathErr)
	assert.Equal(t, "missing.txt", pathErr.Path)
}

func TestLocalFilesystemReadDirectory(t *testing.T) {
	fs := NewLocalFilesystem(t.TempDir())
	ctx := context.Background()

	require.NoError(t, fs.Mkdir(ctx, "sub"))
	_, err := fs.Read(ctx, "sub")
	assert.ErrorIs(t, err, ErrIsDirectory)
}

func TestLocalFilesystemDeleteNonEmpty(t *testing.T) {
	fs := NewLocalFilesystem(t.TempDir())
	ctx := context.Background()

	require.NoError(t, fs.Write(ctx, "sub/file.txt", []byte("x")))

	err := fs.Delete(ctx, "sub", false)
	assert.ErrorIs(t, err, ErrNotEmpty)

	require.NoError(t, fs.Delete(ctx, "sub", true))
	_, err = fs.Stat(ctx, "sub")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalFilesystemMkdirExisting(t *testing.T) {
	fs := NewLocalFilesystem(t.TempDir())
	ctx := context.Background()

	require.NoError(t, fs.Mkdir(ctx, "sub"))
	assert.ErrorIs(t, fs.Mkdir(ctx, "sub"), ErrExists)

	require.NoError(t, fs.Write(ctx, "file.txt", []byte("x")))
	assert.ErrorIs(t, fs.Mkdir(ctx, "file.txt"), ErrNotDirectory)
}

func TestLocalFilesystemEscape(t *testing.T) {
	fs := NewLocalFilesystem(t.TempDir())
	ctx := context.Background()

	assert.ErrorIs(t, fs.Write(ctx, "../escape.txt", []byte("x")), ErrPathEscapesRoot)
	_, err := fs.Read(ctx, "/etc/passwd")
	assert.ErrorIs(t, err, ErrPathEscapesRoot)
}

func TestLocalFilesystemList(t *testing.T) {
	fs := NewLocalFilesystem(t.TempDir())
	ctx := context.Background()

	require.NoError(t, fs.Write(ctx, "b.txt", []byte("b")))
	require.NoError(t, fs.Write(ctx, "a.txt", []byte("a")))
	require.NoError(t, fs.Mkdir(ctx, "c"))

	entries, err := fs.List(ctx, ".")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "a.txt", entries[0].Path)
	assert.Equal(t, "b.txt", entries[1].Path)
	assert.Equal(t, "c", entries[2].Path)
	assert.True(t, entries[2].IsDir)

	_, err = fs.List(ctx, "a.txt")
	assert.ErrorIs(t, err, ErrNotDirectory)
}
