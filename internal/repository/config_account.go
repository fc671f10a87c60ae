package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	apperrors "github.com/xuecangming/multidrive/internal/common/errors"
	"github.com/xuecangming/multidrive/internal/common/types"
)

// ConfigAccountRepository serves accounts declared in the config file. Token
// and quota updates are kept in memory only.
type ConfigAccountRepository struct {
	mu       sync.RWMutex
	accounts map[string]*types.StorageAccount
}

// NewConfigAccountRepository copies the given accounts
func NewConfigAccountRepository(accounts []types.StorageAccount) *ConfigAccountRepository {
	r := &ConfigAccountRepository{accounts: make(map[string]*types.StorageAccount, len(accounts))}
	now := time.Now()
	for i := range accounts {
		a := accounts[i]
		if a.Provider == "" {
			a.Provider = types.ProviderOneDrive
		}
		if a.Status == "" {
			a.Status = "active"
		}
		a.CreatedAt, a.UpdatedAt = now, now
		r.accounts[a.ID] = &a
	}
	return r
}

func copyAccount(a *types.StorageAccount) *types.StorageAccount {
	c := *a
	if a.Settings != nil {
		c.Settings = make(map[string]string, len(a.Settings))
		for k, v := range a.Settings {
			c.Settings[k] = v
		}
	}
	return &c
}

// List returns accounts by priority, then id
func (r *ConfigAccountRepository) List(ctx context.Context) ([]*types.StorageAccount, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*types.StorageAccount, 0, len(r.accounts))
	for _, a := range r.accounts {
		out = append(out, copyAccount(a))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Get returns one account
func (r *ConfigAccountRepository) Get(ctx context.Context, id string) (*types.StorageAccount, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.accounts[id]
	if !ok {
		return nil, apperrors.NewNotFoundError("account", id)
	}
	return copyAccount(a), nil
}

func (r *ConfigAccountRepository) update(id string, fn func(a *types.StorageAccount)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.accounts[id]
	if !ok {
		return apperrors.NewNotFoundError("account", id)
	}
	fn(a)
	a.UpdatedAt = time.Now()
	return nil
}

// UpdateToken implements AccountStore
func (r *ConfigAccountRepository) UpdateToken(ctx context.Context, id, accessToken, refreshToken string, expiresAt time.Time) error {
	return r.update(id, func(a *types.StorageAccount) {
		a.AccessToken, a.RefreshToken, a.TokenExpires = accessToken, refreshToken, expiresAt
	})
}

// UpdateSpaceInfo implements AccountStore
func (r *ConfigAccountRepository) UpdateSpaceInfo(ctx context.Context, id string, totalSpace, usedSpace int64) error {
	return r.update(id, func(a *types.StorageAccount) {
		a.TotalSpace, a.UsedSpace, a.LastSync = totalSpace, usedSpace, time.Now()
	})
}

// UpdateStatus implements AccountStore
func (r *ConfigAccountRepository) UpdateStatus(ctx context.Context, id, status, errorMessage string) error {
	return r.update(id, func(a *types.StorageAccount) {
		a.Status, a.ErrorMessage = status, errorMessage
	})
}

var _ AccountStore = (*ConfigAccountRepository)(nil)
