package sftp

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xuecangming/multidrive/internal/core/cancel"
	"github.com/xuecangming/multidrive/internal/remote"
)

// newInMemory connects an adapter to an in-memory SFTP server over a pipe
func newInMemory(t *testing.T) *Adapter {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	server := sftp.NewRequestServer(serverConn, sftp.InMemHandler())
	go func() { _ = server.Serve() }()

	client, err := sftp.NewClientPipe(clientConn, clientConn)
	require.NoError(t, err)
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return NewFromClient(client, "/")
}

func TestAdapter_RoundTrip(t *testing.T) {
	ctx := context.Background()
	a := newInMemory(t)

	dir, err := a.CreateFolder(ctx, "docs", RootID, false)
	require.NoError(t, err)
	assert.Equal(t, "/docs", dir)

	id, err := a.UploadStream(ctx, "a.txt", bytes.NewReader([]byte("hello sftp")), 10, dir, cancel.NewToken())
	require.NoError(t, err)
	assert.Equal(t, "/docs/a.txt", id)

	nodes, err := remote.ListAll(ctx, a, dir)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, int64(10), nodes[0].Size)

	rc, err := a.DownloadStream(ctx, id)
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, "hello sftp", string(data))

	_, err = a.CreateFolder(ctx, "archive", RootID, false)
	require.NoError(t, err)
	require.NoError(t, a.MoveNode(ctx, id, "/archive", "b.txt"))
	meta, err := a.GetFileMetadata(ctx, "/archive/b.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(10), meta.Size)

	require.NoError(t, a.DeleteNode(ctx, "/archive"))
	_, err = a.GetFileMetadata(ctx, "/archive/b.txt")
	assert.ErrorIs(t, err, remote.ErrNodeNotFound)
}

func TestAdapter_CreateFolderDuplicates(t *testing.T) {
	ctx := context.Background()
	a := newInMemory(t)

	_, err := a.CreateFolder(ctx, "x", RootID, false)
	require.NoError(t, err)
	_, err = a.CreateFolder(ctx, "x", RootID, false)
	assert.Error(t, err)
	id, err := a.CreateFolder(ctx, "x", RootID, true)
	require.NoError(t, err)
	assert.Equal(t, "/x", id)
}

func TestAdapter_CancelledUploadLeavesNoPartialFile(t *testing.T) {
	ctx := context.Background()
	a := newInMemory(t)
	tok := cancel.NewToken()
	tok.Cancel()

	_, err := a.UploadStream(ctx, "big.bin", bytes.NewReader(make([]byte, 1024)), 1024, RootID, tok)

	assert.ErrorIs(t, err, cancel.ErrCancelled)
	_, err = a.GetFileMetadata(ctx, "/big.bin")
	assert.ErrorIs(t, err, remote.ErrNodeNotFound)
}

func TestAdapter_NoNativeCopy(t *testing.T) {
	a := newInMemory(t)

	_, err := a.CopyFileNative(context.Background(), "/a", RootID, "b")

	assert.ErrorIs(t, err, remote.ErrNativeCopyUnsupported)
}
