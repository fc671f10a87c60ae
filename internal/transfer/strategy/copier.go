// Package strategy copies single files between accounts, choosing between a
// provider-side copy, a direct stream and a staged transfer.
package strategy

import (
	"context"
	"io"
	"time"

	"github.com/go-git/go-billy/v5"
	"gitlab.com/tozd/go/errors"

	"github.com/xuecangming/multidrive/internal/core/cancel"
	"github.com/xuecangming/multidrive/internal/core/logger"
	"github.com/xuecangming/multidrive/internal/core/retry"
	"github.com/xuecangming/multidrive/internal/remote"
)

// DefaultStagingThreshold is the size from which transfers go through a temporary file
const DefaultStagingThreshold int64 = 64 << 20

// Method records how a file was copied
type Method string

const (
	MethodNative Method = "native"
	MethodStream Method = "stream"
	MethodStaged Method = "staged"
)

// Stager provides temporary files for staged transfers
type Stager interface {
	TempFile(ctx context.Context, size int64) (billy.File, func(), error)
}

// Config holds copier settings
type Config struct {
	ChunkSize        int
	StagingThreshold int64
	Retry            *retry.Config
	Logger           logger.Logger
}

// Request describes one file copy
type Request struct {
	Source       remote.Adapter
	SourceID     string
	Dest         remote.Adapter
	DestParentID string
	Name         string
	// Size is read from the source when not positive
	Size  int64
	Token *cancel.Token
	// OnProgress receives bytes done and the total, which counts staged bytes twice
	OnProgress func(done, total int64)
}

// Result describes a finished copy
type Result struct {
	NodeID string
	Method Method
	Size   int64
}

// Copier copies single files between adapters
type Copier struct {
	chunkSize int
	threshold int64
	retry     *retry.Config
	stager    Stager
	log       logger.Logger
}

// NewCopier creates a copier. Without a stager large files are streamed.
func NewCopier(cfg Config, stager Stager) *Copier {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = remote.DefaultChunkSize
	}
	if cfg.StagingThreshold <= 0 {
		cfg.StagingThreshold = DefaultStagingThreshold
	}
	if cfg.Retry == nil {
		cfg.Retry = retry.DefaultConfig()
	}
	return &Copier{
		chunkSize: cfg.ChunkSize,
		threshold: cfg.StagingThreshold,
		retry:     cfg.Retry,
		stager:    stager,
		log:       logger.OrGlobal(cfg.Logger),
	}
}

// Copy copies one file. Provider-side copy is tried first when both adapters
// share a provider; any failure there falls back to moving the bytes.
func (c *Copier) Copy(ctx context.Context, req Request) (Result, error) {
	if err := req.Token.Err(); err != nil {
		return Result{}, err
	}
	log := c.log.With(logger.String("name", req.Name), logger.String("source_id", req.SourceID))

	if req.Source.Provider() == req.Dest.Provider() {
		id, err := req.Source.CopyFileNative(ctx, req.SourceID, req.DestParentID, req.Name)
		if err == nil {
			if req.OnProgress != nil {
				req.OnProgress(1, 1)
			}
			log.Debug("copied natively")
			return Result{NodeID: id, Method: MethodNative, Size: req.Size}, nil
		}
		if !errors.Is(err, remote.ErrNativeCopyUnsupported) {
			log.Warn("native copy failed, falling back to byte transfer", logger.Error(err))
		}
	}

	size := req.Size
	if size <= 0 {
		meta, err := req.Source.GetFileMetadata(ctx, req.SourceID)
		if err != nil {
			return Result{}, errors.Errorf("stat %s: %w", req.Name, err)
		}
		size = meta.Size
	}

	method := MethodStream
	if c.stager != nil && size >= c.threshold {
		method = MethodStaged
	}

	var nodeID string
	err := retry.DoToken(ctx, req.Token, func(ctx context.Context) error {
		var err error
		if method == MethodStaged {
			nodeID, err = c.staged(ctx, req, size)
		} else {
			nodeID, err = c.stream(ctx, req, size)
		}
		return err
	}, c.retry, isRetryable, func(attempt int, err error, delay time.Duration) {
		log.Warn("transfer attempt failed",
			logger.Int("attempt", attempt),
			logger.Duration("backoff", delay),
			logger.Error(err))
	})
	if err != nil {
		return Result{}, err
	}
	return Result{NodeID: nodeID, Method: method, Size: size}, nil
}

// stream pipes the download straight into the upload
func (c *Copier) stream(ctx context.Context, req Request, size int64) (string, error) {
	rc, err := req.Source.DownloadStream(ctx, req.SourceID)
	if err != nil {
		return "", errors.Errorf("open %s: %w", req.Name, err)
	}
	defer rc.Close()

	r := remote.NewTokenReader(rc, req.Token, c.chunkSize, progressFn(req.OnProgress, 0, size))
	id, err := req.Dest.UploadStream(ctx, req.Name, r, size, req.DestParentID, req.Token)
	if stop := req.Token.Err(); stop != nil {
		return "", stop
	}
	if err != nil {
		return "", errors.Errorf("upload %s: %w", req.Name, err)
	}
	return id, nil
}

// staged downloads to a temporary file and uploads from it. The file is
// removed on every exit path.
func (c *Copier) staged(ctx context.Context, req Request, size int64) (string, error) {
	f, cleanup, err := c.stager.TempFile(ctx, size)
	if err != nil {
		return "", err
	}
	defer cleanup()

	rc, err := req.Source.DownloadStream(ctx, req.SourceID)
	if err != nil {
		return "", errors.Errorf("open %s: %w", req.Name, err)
	}
	down := remote.NewTokenReader(rc, req.Token, c.chunkSize, progressFn(req.OnProgress, 0, 2*size))
	_, err = io.Copy(f, down)
	rc.Close()
	if err != nil {
		if stop := req.Token.Err(); stop != nil {
			return "", stop
		}
		return "", errors.Errorf("stage %s: %w", req.Name, err)
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", errors.Errorf("rewind staged %s: %w", req.Name, err)
	}
	up := remote.NewTokenReader(f, req.Token, c.chunkSize, progressFn(req.OnProgress, size, 2*size))
	id, err := req.Dest.UploadStream(ctx, req.Name, up, size, req.DestParentID, req.Token)
	if stop := req.Token.Err(); stop != nil {
		return "", stop
	}
	if err != nil {
		return "", errors.Errorf("upload staged %s: %w", req.Name, err)
	}
	return id, nil
}

func progressFn(fn func(done, total int64), offset, total int64) func(int64) {
	if fn == nil {
		return nil
	}
	return func(read int64) {
		fn(offset+read, total)
	}
}

// isRetryable excludes missing nodes on top of the default classification
func isRetryable(err error) bool {
	if errors.Is(err, remote.ErrNodeNotFound) {
		return false
	}
	return retry.IsTransient(err)
}
