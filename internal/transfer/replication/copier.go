package replication

import (
	"context"

	"github.com/xuecangming/multidrive/internal/core/cancel"
	"github.com/xuecangming/multidrive/internal/remote"
	"github.com/xuecangming/multidrive/internal/transfer/strategy"
)

// UsingCopier adapts a strategy copier into a FileCopier between src and dst
func UsingCopier(c *strategy.Copier, src, dst remote.Adapter, tok *cancel.Token) FileCopier {
	return func(ctx context.Context, op Operation) (int64, error) {
		res, err := c.Copy(ctx, strategy.Request{
			Source:       src,
			SourceID:     op.SourceID,
			Dest:         dst,
			DestParentID: op.DestParentID,
			Name:         op.Name,
			Size:         op.FileSize,
			Token:        tok,
		})
		if err != nil {
			return 0, err
		}
		return res.Size, nil
	}
}
