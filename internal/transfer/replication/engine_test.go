package replication

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xuecangming/multidrive/internal/core/cancel"
	"github.com/xuecangming/multidrive/internal/core/logger"
	"github.com/xuecangming/multidrive/internal/core/retry"
	"github.com/xuecangming/multidrive/internal/remote/remotetest"
	"github.com/xuecangming/multidrive/internal/transfer/strategy"
)

func newEngine(t *testing.T, concurrency int) *Engine {
	t.Helper()
	e, err := New(Config{
		Concurrency: concurrency,
		ListTimeout: time.Second,
		Retry:       &retry.Config{MaxAttempts: 1},
		Logger:      logger.NewNop(),
	})
	require.NoError(t, err)
	return e
}

func copier() *strategy.Copier {
	return strategy.NewCopier(strategy.Config{
		ChunkSize: 8,
		Retry:     &retry.Config{MaxAttempts: 1},
		Logger:    logger.NewNop(),
	}, nil)
}

// tree builds root/{a.txt, sub/{b.txt, deep/{c.txt}}, .DS_Store} plus wide/ with n files
func tree(src *remotetest.Fake, wide int) {
	src.AddFile(remotetest.RootID, "a.txt", []byte("aaaa"))
	src.AddFile(remotetest.RootID, ".DS_Store", []byte("junk"))
	sub := src.AddFolder(remotetest.RootID, "sub")
	src.AddFile(sub, "b.txt", []byte("bb"))
	deep := src.AddFolder(sub, "deep")
	src.AddFile(deep, "c.txt", []byte("c"))
	if wide > 0 {
		w := src.AddFolder(remotetest.RootID, "wide")
		for i := 0; i < wide; i++ {
			src.AddFile(w, fmt.Sprintf("f%02d.bin", i), []byte("0123456789"))
		}
	}
}

func TestRun_ReplicatesTreeParentsFirst(t *testing.T) {
	src := remotetest.New("s3")
	dst := remotetest.New("onedrive")
	src.PageSize = 2
	tree(src, 0)
	tok := cancel.NewToken()

	res, err := newEngine(t, 5).Run(context.Background(), Request{
		Source: src, SourceFolderID: remotetest.RootID,
		Dest: dst, DestParentID: remotetest.RootID,
		CreateRoot: true, RootName: "backup",
		Token: tok,
		Copy:  UsingCopier(copier(), src, dst, tok),
	})

	require.NoError(t, err)
	assert.Empty(t, res.Failures)
	assert.Equal(t, 3, res.FilesCopied)
	assert.Equal(t, 3, res.FoldersCreated)
	assert.Equal(t, int64(7), res.BytesCopied)

	id, ok := dst.Lookup("backup/sub/deep/c.txt")
	require.True(t, ok, "upload into a missing parent fails, so presence proves ordering")
	data, _ := dst.Data(id)
	assert.Equal(t, "c", string(data))

	_, ok = dst.Lookup("backup/.DS_Store")
	assert.False(t, ok, "excluded by default")
}

func TestRun_BoundsInFlightOperations(t *testing.T) {
	src := remotetest.New("s3")
	dst := remotetest.New("sftp")
	gauge := &remotetest.Gauge{}
	dst.Gauge = gauge
	dst.Delay = 5 * time.Millisecond
	tree(src, 40)
	tok := cancel.NewToken()

	res, err := newEngine(t, 5).Run(context.Background(), Request{
		Source: src, SourceFolderID: remotetest.RootID,
		Dest: dst, DestParentID: remotetest.RootID,
		Token: tok,
		Copy:  UsingCopier(copier(), src, dst, tok),
	})

	require.NoError(t, err)
	assert.Equal(t, 43, res.FilesCopied)
	assert.LessOrEqual(t, gauge.Peak(), 5)
	assert.Greater(t, gauge.Peak(), 1)
}

func TestRun_FailedFolderSkipsSubtree(t *testing.T) {
	src := remotetest.New("s3")
	dst := remotetest.New("sftp")
	tree(src, 3)
	dst.CreateErr = func(name string) error {
		if name == "sub" {
			return fmt.Errorf("permission denied")
		}
		return nil
	}
	tok := cancel.NewToken()

	res, err := newEngine(t, 5).Run(context.Background(), Request{
		Source: src, SourceFolderID: remotetest.RootID,
		Dest: dst, DestParentID: remotetest.RootID,
		Token: tok,
		Copy:  UsingCopier(copier(), src, dst, tok),
	})

	require.NoError(t, err)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "sub", res.Failures[0].Name)
	assert.Equal(t, 4, res.FilesCopied, "a.txt and the three wide files")
	_, ok := dst.Lookup("sub")
	assert.False(t, ok)
}

func TestRun_ListFailureOnlyAffectsThatFolder(t *testing.T) {
	src := remotetest.New("s3")
	dst := remotetest.New("sftp")
	tree(src, 2)
	subID, _ := src.Lookup("sub")
	src.ListErr = func(folderID string) error {
		if folderID == subID {
			return context.DeadlineExceeded
		}
		return nil
	}
	tok := cancel.NewToken()

	res, err := newEngine(t, 5).Run(context.Background(), Request{
		Source: src, SourceFolderID: remotetest.RootID,
		Dest: dst, DestParentID: remotetest.RootID,
		Token: tok,
		Copy:  UsingCopier(copier(), src, dst, tok),
	})

	require.NoError(t, err)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "sub", res.Failures[0].Name)
	assert.ErrorIs(t, res.Failures[0].Err, context.DeadlineExceeded)
	assert.Equal(t, 3, res.FilesCopied)
}

func TestRun_StopsStartingWorkOnceCancelled(t *testing.T) {
	src := remotetest.New("s3")
	dst := remotetest.New("sftp")
	tree(src, 40)
	tok := cancel.NewToken()

	var copies int32
	inner := UsingCopier(copier(), src, dst, tok)
	res, err := newEngine(t, 2).Run(context.Background(), Request{
		Source: src, SourceFolderID: remotetest.RootID,
		Dest: dst, DestParentID: remotetest.RootID,
		Token: tok,
		Copy: func(ctx context.Context, op Operation) (int64, error) {
			if atomic.AddInt32(&copies, 1) == 3 {
				tok.Cancel()
			}
			return inner(ctx, op)
		},
	})

	assert.ErrorIs(t, err, cancel.ErrCancelled)
	assert.LessOrEqual(t, atomic.LoadInt32(&copies), int32(4))
	assert.Less(t, res.FilesCopied, 43)
	assert.Empty(t, res.Failures, "stop errors are not item failures")
}

func TestRun_RootCreationFailureFailsWholeRun(t *testing.T) {
	src := remotetest.New("s3")
	dst := remotetest.New("sftp")
	tree(src, 0)
	dst.CreateErr = func(string) error { return fmt.Errorf("quota exceeded") }
	tok := cancel.NewToken()

	_, err := newEngine(t, 5).Run(context.Background(), Request{
		Source: src, SourceFolderID: remotetest.RootID,
		Dest: dst, DestParentID: remotetest.RootID,
		CreateRoot: true, RootName: "backup",
		Token: tok,
		Copy:  UsingCopier(copier(), src, dst, tok),
	})

	require.Error(t, err)
	assert.Equal(t, 0, dst.Uploads)
}

func TestRun_ReportsProgressUpToTotal(t *testing.T) {
	src := remotetest.New("s3")
	dst := remotetest.New("sftp")
	tree(src, 0)
	tok := cancel.NewToken()

	var lastDone, lastTotal int64
	_, err := newEngine(t, 1).Run(context.Background(), Request{
		Source: src, SourceFolderID: remotetest.RootID,
		Dest: dst, DestParentID: remotetest.RootID,
		Token:      tok,
		Copy:       UsingCopier(copier(), src, dst, tok),
		OnProgress: func(done, total int64) { lastDone, lastTotal = done, total },
	})

	require.NoError(t, err)
	assert.Equal(t, int64(7), lastTotal)
	assert.Equal(t, lastTotal, lastDone)
}

func TestNew_RejectsInvalidPattern(t *testing.T) {
	_, err := New(Config{Excludes: []string{"[unclosed"}})
	assert.Error(t, err)
}

func TestExcluded(t *testing.T) {
	e := newEngine(t, 1)
	assert.True(t, e.Excluded(".DS_Store"))
	assert.True(t, e.Excluded("a/b/Thumbs.db"))
	assert.False(t, e.Excluded("a/b/photo.jpg"))
}

func TestWithExcludes(t *testing.T) {
	e := newEngine(t, 1)

	more, err := e.WithExcludes([]string{"**/*.tmp"})
	require.NoError(t, err)
	assert.True(t, more.Excluded("x/y.tmp"))
	assert.True(t, more.Excluded(".DS_Store"))
	assert.False(t, e.Excluded("x/y.tmp"))

	_, err = e.WithExcludes([]string{"[bad"})
	assert.Error(t, err)
}
