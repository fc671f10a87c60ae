package remote_test

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/xuecangming/multidrive/internal/common/errors"
	"github.com/xuecangming/multidrive/internal/core/cancel"
	"github.com/xuecangming/multidrive/internal/remote"
	"github.com/xuecangming/multidrive/internal/remote/remotetest"
)

func TestRegistry(t *testing.T) {
	reg := remote.NewRegistry()
	fake := remotetest.New("onedrive")
	reg.Register("b", fake)
	reg.Register("a", remotetest.New("s3"))

	got, err := reg.Get("b")
	require.NoError(t, err)
	assert.Same(t, fake, got)
	assert.Equal(t, []string{"a", "b"}, reg.Accounts())

	reg.Unregister("b")
	_, err = reg.Get("b")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrAdapterNotFound))
}

func TestListAll_FollowsPages(t *testing.T) {
	fake := remotetest.New("local")
	fake.PageSize = 2
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		fake.AddFile(remotetest.RootID, name, []byte(name))
	}

	nodes, err := remote.ListAll(context.Background(), fake, remotetest.RootID)
	require.NoError(t, err)
	require.Len(t, nodes, 5)
	assert.Equal(t, "e", nodes[4].Name)
	assert.Equal(t, 3, fake.ListCalls)
}

func TestFindChild(t *testing.T) {
	fake := remotetest.New("local")
	id := fake.AddFolder(remotetest.RootID, "docs")
	fake.AddFile(remotetest.RootID, "docs.txt", nil)

	n, ok, err := remote.FindChild(context.Background(), fake, remotetest.RootID, "docs", true)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, id, n.ID)

	_, ok, err = remote.FindChild(context.Background(), fake, remotetest.RootID, "missing", true)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTokenReader_StopsWithinOneChunk(t *testing.T) {
	tok := cancel.NewToken()
	src := bytes.NewReader(make([]byte, 10*1024))

	var reads int
	r := remote.NewTokenReader(src, tok, 1024, func(read int64) {
		reads++
		if read >= 1024 {
			tok.Cancel()
		}
	})

	buf := make([]byte, 4096)
	n, err := r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 1024, n)

	_, err = r.Read(buf)
	assert.ErrorIs(t, err, cancel.ErrCancelled)
	assert.Equal(t, 1, reads)
	assert.Equal(t, int64(1024), r.BytesRead())
}

func TestTokenReader_Pause(t *testing.T) {
	tok := cancel.NewToken()
	tok.Pause()
	_, err := io.ReadAll(remote.NewTokenReader(strings.NewReader("data"), tok, 0, nil))
	assert.ErrorIs(t, err, cancel.ErrPaused)
}

func TestSniffContentType(t *testing.T) {
	png := append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 64)...)

	ct, r := remote.SniffContentType("image.bin", bytes.NewReader(png))
	assert.Equal(t, "image/png", ct)
	all, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, png, all)

	ct, _ = remote.SniffContentType("notes.json", bytes.NewReader([]byte{0x00, 0x01, 0x02}))
	assert.Equal(t, "application/json", ct)
}
