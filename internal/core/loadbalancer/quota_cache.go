package loadbalancer

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/xuecangming/multidrive/internal/core/clock"
	"github.com/xuecangming/multidrive/internal/core/logger"
	"github.com/xuecangming/multidrive/internal/remote"
)

// DefaultQuotaTTL is how long a fetched quota is trusted
const DefaultQuotaTTL = 30 * time.Minute

// QuotaFetcher returns the live quota of one account
type QuotaFetcher func(ctx context.Context, accountID string) (remote.Quota, error)

// AccountRef identifies one backing account of a drive
type AccountRef struct {
	ID       string
	Name     string
	Provider string
}

type quotaEntry struct {
	quota     remote.Quota
	fetchedAt time.Time
}

// QuotaCache caches account quotas and collapses concurrent fetches of the
// same account into one call.
type QuotaCache struct {
	fetch QuotaFetcher
	ttl   time.Duration
	clk   clock.Clock
	log   logger.Logger
	group singleflight.Group

	mu      sync.RWMutex
	entries map[string]quotaEntry
}

// NewQuotaCache creates a cache; ttl <= 0 selects DefaultQuotaTTL and a nil clock the real one
func NewQuotaCache(fetch QuotaFetcher, ttl time.Duration, clk clock.Clock, log logger.Logger) *QuotaCache {
	if ttl <= 0 {
		ttl = DefaultQuotaTTL
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &QuotaCache{
		fetch:   fetch,
		ttl:     ttl,
		clk:     clk,
		log:     logger.OrGlobal(log),
		entries: make(map[string]quotaEntry),
	}
}

// Get returns the cached quota, fetching it when missing or expired
func (c *QuotaCache) Get(ctx context.Context, accountID string) (remote.Quota, error) {
	c.mu.RLock()
	e, ok := c.entries[accountID]
	c.mu.RUnlock()
	if ok && c.clk.Now().Sub(e.fetchedAt) < c.ttl {
		return e.quota, nil
	}
	return c.Refresh(ctx, accountID)
}

// Refresh fetches the quota now and stores it
func (c *QuotaCache) Refresh(ctx context.Context, accountID string) (remote.Quota, error) {
	v, err, _ := c.group.Do(accountID, func() (interface{}, error) {
		q, err := c.fetch(ctx, accountID)
		if err != nil {
			return remote.Quota{}, err
		}
		c.mu.Lock()
		c.entries[accountID] = quotaEntry{quota: q, fetchedAt: c.clk.Now()}
		c.mu.Unlock()
		return q, nil
	})
	if err != nil {
		return remote.Quota{}, err
	}
	return v.(remote.Quota), nil
}

// Invalidate drops the cached quota of an account, e.g. after an upload
func (c *QuotaCache) Invalidate(accountID string) {
	c.mu.Lock()
	delete(c.entries, accountID)
	c.mu.Unlock()
}

// InvalidateAll empties the cache
func (c *QuotaCache) InvalidateAll() {
	c.mu.Lock()
	c.entries = make(map[string]quotaEntry)
	c.mu.Unlock()
}

// Infos fetches the quotas of all accounts concurrently. Accounts whose quota
// cannot be fetched are left out and returned as failed.
func (c *QuotaCache) Infos(ctx context.Context, accounts []AccountRef, refresh bool) ([]DriveUploadInfo, []string) {
	results := make([]*DriveUploadInfo, len(accounts))
	failed := make([]bool, len(accounts))

	g, gctx := errgroup.WithContext(ctx)
	for i, acct := range accounts {
		i, acct := i, acct
		g.Go(func() error {
			get := c.Get
			if refresh {
				get = c.Refresh
			}
			q, err := get(gctx, acct.ID)
			if err != nil {
				c.log.Warn("skipping account without quota",
					logger.String("account_id", acct.ID),
					logger.Error(err))
				failed[i] = true
				return nil
			}
			results[i] = &DriveUploadInfo{
				AccountID:      acct.ID,
				AccountName:    acct.Name,
				Provider:       acct.Provider,
				UsedBytes:      q.Used,
				TotalBytes:     q.Total,
				RemainingBytes: remaining(q),
			}
			return nil
		})
	}
	_ = g.Wait()

	var infos []DriveUploadInfo
	var failedIDs []string
	for i, r := range results {
		if failed[i] {
			failedIDs = append(failedIDs, accounts[i].ID)
			continue
		}
		infos = append(infos, *r)
	}
	return infos, failedIDs
}

// remaining treats an unknown total as unlimited
func remaining(q remote.Quota) int64 {
	if q.Total <= 0 {
		return 1<<63 - 1
	}
	if r := q.Total - q.Used; r > 0 {
		return r
	}
	return 0
}
