package storage

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/xuecangming/multidrive/internal/common/errors"
	"github.com/xuecangming/multidrive/internal/core/logger"
	"github.com/xuecangming/multidrive/internal/remote"
)

func TestLocalStorage_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewLocalStorageFS(memfs.New())

	dir, err := s.CreateFolder(ctx, "docs", RootID, false)
	require.NoError(t, err)
	assert.Equal(t, "/docs", dir)

	id, err := s.UploadStream(ctx, "a.txt", bytes.NewReader([]byte("hello")), 5, dir, nil)
	require.NoError(t, err)
	assert.Equal(t, "/docs/a.txt", id)

	page, err := s.ListFolder(ctx, dir, "")
	require.NoError(t, err)
	require.Len(t, page.Nodes, 1)
	assert.Equal(t, int64(5), page.Nodes[0].Size)

	rc, err := s.DownloadStream(ctx, id)
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, "hello", string(data))

	_, err = s.CopyFileNative(ctx, id, RootID, "b.txt")
	assert.ErrorIs(t, err, remote.ErrNativeCopyUnsupported)
	copyID, err := s.UploadStream(ctx, "b.txt", bytes.NewReader([]byte("hello")), 5, RootID, nil)
	require.NoError(t, err)
	meta, err := s.GetFileMetadata(ctx, copyID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), meta.Size)

	require.NoError(t, s.MoveNode(ctx, copyID, dir, "c.txt"))
	_, err = s.GetFileMetadata(ctx, "/docs/c.txt")
	require.NoError(t, err)

	require.NoError(t, s.DeleteNode(ctx, dir))
	_, err = s.GetFileMetadata(ctx, id)
	assert.ErrorIs(t, err, remote.ErrNodeNotFound)
}

func TestLocalStorage_CreateFolderDuplicates(t *testing.T) {
	ctx := context.Background()
	s := NewLocalStorageFS(memfs.New())

	_, err := s.CreateFolder(ctx, "x", RootID, false)
	require.NoError(t, err)

	_, err = s.CreateFolder(ctx, "x", RootID, false)
	assert.Error(t, err)

	id, err := s.CreateFolder(ctx, "x", RootID, true)
	require.NoError(t, err)
	assert.Equal(t, "/x", id)
}

func TestStaging_CleanupRemovesFile(t *testing.T) {
	fs := memfs.New()
	st := NewStaging(fs, "/stage", nil, logger.NewNop())

	f, cleanup, err := st.TempFile(context.Background(), 10)
	require.NoError(t, err)
	_, err = f.Write([]byte("0123456789"))
	require.NoError(t, err)

	entries, _ := fs.ReadDir("/stage")
	assert.Len(t, entries, 1)

	cleanup()
	cleanup()

	entries, _ = fs.ReadDir("/stage")
	assert.Len(t, entries, 0)
}

func TestStaging_RefusesWhenDiskTooSmall(t *testing.T) {
	fs := memfs.New()
	st := NewStaging(fs, "/stage", func(context.Context) (uint64, error) { return 100, nil }, logger.NewNop())

	_, _, err := st.TempFile(context.Background(), 101)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrStorageFull))

	_, err = fs.Stat("/stage")
	assert.Error(t, err, "nothing created on refusal")
}
