package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupLocalStorage(t *testing.T) *LocalStorage {
	ls, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	return ls
}

func TestLocalStorage_StageAndCommit(t *testing.T) {
	ls := setupLocalStorage(t)
	ctx := context.Background()
	path := "uploads/tenant-1/user-1/obj"

	// stage out of order; commit assembles by index
	require.NoError(t, ls.StagePart(ctx, path, 1, strings.NewReader("world")))
	require.NoError(t, ls.StagePart(ctx, path, 0, strings.NewReader("hello ")))
	require.NoError(t, ls.CommitParts(ctx, path, 2))

	content, err := ls.Retrieve(ctx, path)
	require.NoError(t, err)
	defer content.Close()

	data, err := io.ReadAll(content)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))

	// the staging area is gone after commit
	_, err = os.Stat(ls.partsDir(path))
	assert.True(t, os.IsNotExist(err))

	size, err := ls.GetSize(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, int64(len("hello world")), size)
}

func TestLocalStorage_RestageOverwrites(t *testing.T) {
	ls := setupLocalStorage(t)
	ctx := context.Background()
	path := "obj"

	require.NoError(t, ls.StagePart(ctx, path, 0, strings.NewReader("first")))
	require.NoError(t, ls.StagePart(ctx, path, 0, strings.NewReader("second")))
	require.NoError(t, ls.CommitParts(ctx, path, 1))

	content, err := ls.Retrieve(ctx, path)
	require.NoError(t, err)
	defer content.Close()

	data, err := io.ReadAll(content)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))
}

func TestLocalStorage_CommitMissingPart(t *testing.T) {
	ls := setupLocalStorage(t)
	ctx := context.Background()
	path := "obj"

	require.NoError(t, ls.StagePart(ctx, path, 0, strings.NewReader("aa")))
	require.NoError(t, ls.StagePart(ctx, path, 2, strings.NewReader("cc")))

	err := ls.CommitParts(ctx, path, 3)
	require.Error(t, err)

	// no partial object left behind
	exists, err := ls.Exists(ctx, path)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestLocalStorage_DiscardPart(t *testing.T) {
	ls := setupLocalStorage(t)
	ctx := context.Background()
	path := "obj"

	require.NoError(t, ls.StagePart(ctx, path, 0, strings.NewReader("aa")))
	require.NoError(t, ls.DiscardPart(ctx, path, 0))

	_, err := os.Stat(ls.partPath(path, 0))
	assert.True(t, os.IsNotExist(err))

	// discarding a part that was never staged is fine
	require.NoError(t, ls.DiscardPart(ctx, path, 7))
}

func TestLocalStorage_DiscardParts(t *testing.T) {
	ls := setupLocalStorage(t)
	ctx := context.Background()
	path := "uploads/tenant-1/user-1/obj"

	require.NoError(t, ls.StagePart(ctx, path, 0, strings.NewReader("aa")))
	require.NoError(t, ls.StagePart(ctx, path, 1, strings.NewReader("bb")))
	require.NoError(t, ls.DiscardParts(ctx, path))

	_, err := os.Stat(ls.partsDir(path))
	assert.True(t, os.IsNotExist(err))

	// idempotent
	require.NoError(t, ls.DiscardParts(ctx, path))
}

func TestLocalStorage_DeleteAndExists(t *testing.T) {
	ls := setupLocalStorage(t)
	ctx := context.Background()
	path := "obj"

	require.NoError(t, ls.StagePart(ctx, path, 0, strings.NewReader("data")))
	require.NoError(t, ls.CommitParts(ctx, path, 1))

	exists, err := ls.Exists(ctx, path)
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, ls.Delete(ctx, path))

	exists, err = ls.Exists(ctx, path)
	require.NoError(t, err)
	assert.False(t, exists)

	// deleting again is a no-op
	require.NoError(t, ls.Delete(ctx, path))

	_, err = ls.Retrieve(ctx, path)
	assert.Error(t, err)
}

func TestLocalStorage_CancelledContext(t *testing.T) {
	ls := setupLocalStorage(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Error(t, ls.StagePart(ctx, "obj", 0, strings.NewReader("x")))
	assert.Error(t, ls.CommitParts(ctx, "obj", 1))
	_, err := ls.Retrieve(ctx, "obj")
	assert.Error(t, err)
}

func TestLocalStorage_NoTempFilesLeftBehind(t *testing.T) {
	base := t.TempDir()
	ls, err := NewLocalStorage(base)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, ls.StagePart(ctx, "obj", 0, strings.NewReader("data")))
	require.NoError(t, ls.CommitParts(ctx, "obj", 1))

	var leftovers []string
	err = filepath.Walk(base, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if strings.Contains(info.Name(), ".tmp.") {
			leftovers = append(leftovers, p)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}
