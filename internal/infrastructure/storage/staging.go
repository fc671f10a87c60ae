package storage

import (
	"context"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/shirou/gopsutil/v3/disk"
	"gitlab.com/tozd/go/errors"

	apperrors "github.com/xuecangming/multidrive/internal/common/errors"
	"github.com/xuecangming/multidrive/internal/core/logger"
)

// FreeSpaceFunc reports the free bytes available to the staging area
type FreeSpaceFunc func(ctx context.Context) (uint64, error)

// DiskFree returns a FreeSpaceFunc for the volume holding path
func DiskFree(path string) FreeSpaceFunc {
	return func(ctx context.Context) (uint64, error) {
		usage, err := disk.UsageWithContext(ctx, path)
		if err != nil {
			return 0, errors.Errorf("disk usage of %s: %w", path, err)
		}
		return usage.Free, nil
	}
}

// Staging hands out temporary files for staged transfers
type Staging struct {
	fs   billy.Filesystem
	dir  string
	free FreeSpaceFunc
	log  logger.Logger
}

// NewStaging creates a staging area inside dir of fs. A nil free func skips the space check.
func NewStaging(fs billy.Filesystem, dir string, free FreeSpaceFunc, log logger.Logger) *Staging {
	return &Staging{fs: fs, dir: dir, free: free, log: logger.OrGlobal(log)}
}

// NewOSStaging creates a staging area in a local directory, checking free
// disk space of that directory before every staged transfer.
func NewOSStaging(dir string, log logger.Logger) (*Staging, error) {
	fs := osfs.New(dir)
	if err := fs.MkdirAll(".", 0o755); err != nil {
		return nil, errors.Errorf("create staging dir %s: %w", dir, err)
	}
	return NewStaging(fs, ".", DiskFree(dir), log), nil
}

// TempFile creates a temporary file able to hold size bytes. The returned
// cleanup closes and removes it and is safe to call more than once.
func (s *Staging) TempFile(ctx context.Context, size int64) (billy.File, func(), error) {
	if s.free != nil && size > 0 {
		free, err := s.free(ctx)
		if err != nil {
			return nil, nil, err
		}
		if uint64(size) > free {
			return nil, nil, apperrors.StorageFull().
				WithDetails("staging", true).
				WithDetails("required", size).
				WithDetails("free", free)
		}
	}

	f, err := util.TempFile(s.fs, s.dir, "multidrive-stage-")
	if err != nil {
		return nil, nil, errors.Errorf("create staging file: %w", err)
	}

	name := f.Name()
	done := false
	cleanup := func() {
		if done {
			return
		}
		done = true
		_ = f.Close()
		if err := s.fs.Remove(name); err != nil {
			s.log.Warn("failed to remove staging file", logger.String("file", name), logger.Error(err))
		}
	}
	return f, cleanup, nil
}
