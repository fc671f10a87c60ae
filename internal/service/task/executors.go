package task

import (
	"context"
	"path"
	"strings"
	"time"

	"gitlab.com/tozd/go/errors"

	apperrors "github.com/xuecangming/multidrive/internal/common/errors"
	"github.com/xuecangming/multidrive/internal/common/types"
	"github.com/xuecangming/multidrive/internal/core/cancel"
	"github.com/xuecangming/multidrive/internal/core/logger"
	"github.com/xuecangming/multidrive/internal/core/retry"
	"github.com/xuecangming/multidrive/internal/infrastructure/vault"
	"github.com/xuecangming/multidrive/internal/remote"
	"github.com/xuecangming/multidrive/internal/transfer/replication"
	"github.com/xuecangming/multidrive/internal/transfer/strategy"
)

// execution is the state of one run of one task
type execution struct {
	s        *Service
	task     *types.Task
	tok      *cancel.Token
	warnings []string
}

func baseName(p string) string {
	return path.Base(strings.TrimRight(p, "/"))
}

func (x *execution) log() logger.Logger {
	return x.s.log.With(logger.String("task_id", x.task.ID))
}

func (x *execution) progress(done, total int64) {
	if total <= 0 {
		return
	}
	x.s.setProgress(x.task.ID, float64(done)/float64(total))
}

func (x *execution) adapter(id string) (remote.Adapter, error) {
	return x.s.accounts.Adapter(id)
}

// transferred drops cached quotas that a finished transfer made stale
func (x *execution) transferred(accountIDs ...string) {
	if x.s.quotas == nil {
		return
	}
	for _, id := range accountIDs {
		x.s.quotas.Invalidate(id)
	}
}

// withRetry runs a direct adapter call with the transient error policy
func (x *execution) withRetry(ctx context.Context, what string, op func(ctx context.Context) error) error {
	log := x.log()
	return retry.DoNotify(ctx, func(ctx context.Context) error {
		if err := x.tok.Err(); err != nil {
			return err
		}
		return op(ctx)
	}, x.s.retry, retryable, func(attempt int, err error, delay time.Duration) {
		log.Warn(what+" failed, retrying", logger.Int("attempt", attempt), logger.Duration("delay", delay), logger.Error(err))
	})
}

func retryable(err error) bool {
	if errors.Is(err, remote.ErrNodeNotFound) {
		return false
	}
	return retry.IsTransient(err)
}

// replicate runs the replication engine and turns per-item failures into warnings
func (x *execution) replicate(ctx context.Context, excludes []string, req replication.Request) (replication.Result, error) {
	engine, err := x.s.engine.WithExcludes(excludes)
	if err != nil {
		return replication.Result{}, apperrors.InvalidRequest(err.Error())
	}
	req.Token = x.tok
	req.Copy = replication.UsingCopier(x.s.copier, req.Source, req.Dest, x.tok)
	req.OnProgress = x.progress

	res, err := engine.Run(ctx, req)
	for _, f := range res.Failures {
		x.warnings = append(x.warnings, f.Error())
	}
	if err != nil {
		return res, err
	}
	x.log().Info("replication finished",
		logger.Int("files", res.FilesCopied),
		logger.Int("folders", res.FoldersCreated),
		logger.Int64("bytes", res.BytesCopied),
		logger.Int("failures", len(res.Failures)))
	return res, nil
}

func (x *execution) requireVault() error {
	if x.s.vault == nil || !x.s.vault.Unlocked() {
		return apperrors.VaultLocked()
	}
	return nil
}

func (x *execution) upload(ctx context.Context, p types.UploadPayload) error {
	dest, err := x.adapter(x.task.AccountID)
	if err != nil {
		return err
	}
	src, name := p.LocalPath, baseName(p.LocalPath)
	if p.Encrypt {
		if err := x.requireVault(); err != nil {
			return err
		}
		if src, err = x.s.vault.Encrypt(ctx, p.LocalPath); err != nil {
			return errors.Errorf("encrypt %s: %w", p.LocalPath, err)
		}
		defer func() {
			if err := x.s.local.DeleteNode(context.WithoutCancel(ctx), src); err != nil {
				x.log().Warn("encrypted copy not removed", logger.String("path", src), logger.Error(err))
			}
		}()
		name += vault.Ext
	}

	meta, err := x.s.local.GetFileMetadata(ctx, src)
	if errors.Is(err, remote.ErrNodeNotFound) {
		return apperrors.PathNotFound(p.LocalPath)
	} else if err != nil {
		return errors.Errorf("stat %s: %w", src, err)
	}

	_, err = x.s.copier.Copy(ctx, strategy.Request{
		Source:       x.s.local,
		SourceID:     src,
		Dest:         dest,
		DestParentID: p.ParentID,
		Name:         name,
		Size:         meta.Size,
		Token:        x.tok,
		OnProgress:   x.progress,
	})
	x.transferred(x.task.AccountID)
	return err
}

func (x *execution) uploadFolder(ctx context.Context, p types.UploadFolderPayload) error {
	dest, err := x.adapter(x.task.AccountID)
	if err != nil {
		return err
	}
	_, err = x.replicate(ctx, p.Excludes, replication.Request{
		Source:         x.s.local,
		SourceFolderID: p.LocalPath,
		Dest:           dest,
		DestParentID:   p.ParentID,
		CreateRoot:     true,
		RootName:       baseName(p.LocalPath),
	})
	x.transferred(x.task.AccountID)
	return err
}

func (x *execution) download(ctx context.Context, p types.DownloadPayload) error {
	src, err := x.adapter(x.task.AccountID)
	if err != nil {
		return err
	}
	if p.Decrypt {
		if err := x.requireVault(); err != nil {
			return err
		}
	}

	_, err = x.s.copier.Copy(ctx, strategy.Request{
		Source:       src,
		SourceID:     p.NodeID,
		Dest:         x.s.local,
		DestParentID: path.Dir(p.LocalPath),
		Name:         path.Base(p.LocalPath),
		Size:         p.Size,
		Token:        x.tok,
		OnProgress:   x.progress,
	})
	if err != nil {
		return err
	}
	if p.Decrypt {
		if _, err := x.s.vault.Decrypt(ctx, p.LocalPath); err != nil {
			return errors.Errorf("decrypt %s: %w", p.LocalPath, err)
		}
	}
	return nil
}

func (x *execution) downloadFolder(ctx context.Context, p types.DownloadFolderPayload) error {
	src, err := x.adapter(x.task.AccountID)
	if err != nil {
		return err
	}
	dir := strings.TrimRight(p.LocalPath, "/")
	if _, err := x.s.local.CreateFolder(ctx, path.Base(dir), path.Dir(dir), true); err != nil {
		return errors.Errorf("create %s: %w", p.LocalPath, err)
	}
	_, err = x.replicate(ctx, p.Excludes, replication.Request{
		Source:         src,
		SourceFolderID: p.FolderID,
		Dest:           x.s.local,
		DestParentID:   dir,
	})
	return err
}

func (x *execution) delete(ctx context.Context, p types.DeletePayload) error {
	a, err := x.adapter(x.task.AccountID)
	if err != nil {
		return err
	}
	err = x.withRetry(ctx, "delete", func(ctx context.Context) error {
		return a.DeleteNode(ctx, p.NodeID)
	})
	x.transferred(x.task.AccountID)
	return err
}

func (x *execution) createFolder(ctx context.Context, p types.CreateFolderPayload) error {
	a, err := x.adapter(x.task.AccountID)
	if err != nil {
		return err
	}
	return x.withRetry(ctx, "create folder", func(ctx context.Context) error {
		_, err := a.CreateFolder(ctx, p.Name, p.ParentID, p.CheckDuplicates)
		return err
	})
}

// move renames within an account, or copies to the other account and
// deletes the source once everything arrived
func (x *execution) move(ctx context.Context, p types.MovePayload) error {
	src, err := x.adapter(x.task.AccountID)
	if err != nil {
		return err
	}
	if p.DestAccountID == "" || p.DestAccountID == x.task.AccountID {
		return x.withRetry(ctx, "move", func(ctx context.Context) error {
			return src.MoveNode(ctx, p.NodeID, p.DestParentID, p.NewName)
		})
	}

	dest, err := x.adapter(p.DestAccountID)
	if err != nil {
		return err
	}
	meta, err := src.GetFileMetadata(ctx, p.NodeID)
	if err != nil {
		return errors.Errorf("stat %s: %w", p.NodeID, err)
	}
	name := p.NewName
	if name == "" {
		name = meta.Name
	}

	if p.IsFolder || meta.IsFolder {
		res, err := x.replicate(ctx, nil, replication.Request{
			Source:         src,
			SourceFolderID: p.NodeID,
			Dest:           dest,
			DestParentID:   p.DestParentID,
			CreateRoot:     true,
			RootName:       name,
		})
		if err != nil {
			return err
		}
		if len(res.Failures) > 0 {
			x.warnings = append(x.warnings, "source kept because some items were not copied")
			x.transferred(p.DestAccountID)
			return nil
		}
	} else {
		if err := x.s.fits(ctx, p.DestAccountID, meta.Size); err != nil {
			return err
		}
		if _, err := x.s.copier.Copy(ctx, strategy.Request{
			Source:       src,
			SourceID:     p.NodeID,
			Dest:         dest,
			DestParentID: p.DestParentID,
			Name:         name,
			Size:         meta.Size,
			Token:        x.tok,
			OnProgress:   x.progress,
		}); err != nil {
			return err
		}
	}

	x.transferred(x.task.AccountID, p.DestAccountID)
	return x.withRetry(ctx, "delete moved source", func(ctx context.Context) error {
		return src.DeleteNode(ctx, p.NodeID)
	})
}

func (x *execution) copyFile(ctx context.Context, p types.CopyFilePayload) error {
	src, err := x.adapter(p.SourceAccountID)
	if err != nil {
		return err
	}
	dest, err := x.adapter(x.task.AccountID)
	if err != nil {
		return err
	}
	size := p.Size
	if size <= 0 {
		meta, err := src.GetFileMetadata(ctx, p.SourceID)
		if err != nil {
			return errors.Errorf("stat %s: %w", p.SourceID, err)
		}
		size = meta.Size
	}

	_, err = x.s.copier.Copy(ctx, strategy.Request{
		Source:       src,
		SourceID:     p.SourceID,
		Dest:         dest,
		DestParentID: p.DestParentID,
		Name:         p.NewName,
		Size:         size,
		Token:        x.tok,
		OnProgress:   x.progress,
	})
	x.transferred(x.task.AccountID)
	return err
}

func (x *execution) copyFolder(ctx context.Context, p types.CopyFolderPayload) error {
	src, err := x.adapter(p.SourceAccountID)
	if err != nil {
		return err
	}
	dest, err := x.adapter(x.task.AccountID)
	if err != nil {
		return err
	}
	name := p.NewName
	if name == "" {
		meta, err := src.GetFileMetadata(ctx, p.SourceID)
		if err != nil {
			return errors.Errorf("stat %s: %w", p.SourceID, err)
		}
		name = meta.Name
	}
	_, err = x.replicate(ctx, p.Excludes, replication.Request{
		Source:         src,
		SourceFolderID: p.SourceID,
		Dest:           dest,
		DestParentID:   p.DestParentID,
		CreateRoot:     true,
		RootName:       name,
	})
	x.transferred(x.task.AccountID)
	return err
}
