// Package account loads storage accounts, connects their adapters and keeps
// credentials and quota snapshots up to date.
package account

import (
	"context"
	"io"
	"sync"
	"time"

	"gitlab.com/tozd/go/errors"

	apperrors "github.com/xuecangming/multidrive/internal/common/errors"
	"github.com/xuecangming/multidrive/internal/common/types"
	"github.com/xuecangming/multidrive/internal/core/loadbalancer"
	"github.com/xuecangming/multidrive/internal/core/logger"
	"github.com/xuecangming/multidrive/internal/infrastructure/onedrive"
	"github.com/xuecangming/multidrive/internal/infrastructure/s3"
	"github.com/xuecangming/multidrive/internal/infrastructure/sftp"
	"github.com/xuecangming/multidrive/internal/infrastructure/storage"
	"github.com/xuecangming/multidrive/internal/remote"
	"github.com/xuecangming/multidrive/internal/repository"
)

// Connector builds the adapter of one account
type Connector func(ctx context.Context, acc *types.StorageAccount) (remote.Adapter, error)

// Options configures the service
type Options struct {
	OneDrive onedrive.Config
	// Connect overrides the per-provider adapter construction
	Connect       Connector
	VirtualDrives []types.VirtualDriveConfig
	Logger        logger.Logger
}

// Service provides account management operations
type Service struct {
	store    repository.AccountStore
	registry *remote.Registry
	connect  Connector
	onedrive onedrive.Config
	log      logger.Logger

	drives map[string]types.VirtualDriveConfig

	mu      sync.Mutex
	closers map[string]io.Closer
}

// NewService creates a new account service
func NewService(store repository.AccountStore, registry *remote.Registry, opts Options) *Service {
	s := &Service{
		store:    store,
		registry: registry,
		onedrive: opts.OneDrive,
		log:      logger.OrGlobal(opts.Logger),
		drives:   make(map[string]types.VirtualDriveConfig, len(opts.VirtualDrives)),
		closers:  make(map[string]io.Closer),
	}
	s.connect = opts.Connect
	if s.connect == nil {
		s.connect = s.connectProvider
	}
	for _, d := range opts.VirtualDrives {
		s.drives[d.ID] = d
	}
	return s
}

// Registry returns the adapters of connected accounts
func (s *Service) Registry() *remote.Registry {
	return s.registry
}

// Load connects every active account. Accounts that fail to connect are
// marked as errored and left out of the registry.
func (s *Service) Load(ctx context.Context) error {
	accounts, err := s.store.List(ctx)
	if err != nil {
		return errors.Errorf("load accounts: %w", err)
	}
	for _, acc := range accounts {
		if !acc.IsActive() {
			continue
		}
		if err := s.Connect(ctx, acc); err != nil {
			s.log.Warn("account not connected",
				logger.String("account_id", acc.ID),
				logger.String("provider", acc.Provider),
				logger.Error(err))
		}
	}
	s.log.Info("accounts loaded", logger.Int("connected", len(s.registry.Accounts())), logger.Int("total", len(accounts)))
	return nil
}

// Connect builds and registers the adapter of acc, replacing any previous one
func (s *Service) Connect(ctx context.Context, acc *types.StorageAccount) error {
	a, err := s.connect(ctx, acc)
	if err != nil {
		s.markError(ctx, acc.ID, err)
		return err
	}
	s.registry.Register(acc.ID, a)

	s.mu.Lock()
	old := s.closers[acc.ID]
	delete(s.closers, acc.ID)
	if c, ok := a.(io.Closer); ok {
		s.closers[acc.ID] = c
	}
	s.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return nil
}

func (s *Service) connectProvider(ctx context.Context, acc *types.StorageAccount) (remote.Adapter, error) {
	switch acc.Provider {
	case types.ProviderOneDrive, "":
		return onedrive.NewAccountClient(acc, s.onedrive, s.persistToken(acc.ID)), nil
	case types.ProviderS3:
		return s3.NewFromAccount(ctx, acc)
	case types.ProviderSFTP:
		return sftp.Dial(ctx, acc, s.log)
	case types.ProviderLocal:
		root := acc.Setting("root", "")
		if root == "" {
			return nil, apperrors.InvalidRequest("local account " + acc.ID + " requires a root setting")
		}
		return storage.NewLocalStorage(root)
	default:
		return nil, apperrors.InvalidRequest("unknown provider " + acc.Provider)
	}
}

// persistToken stores refreshed OneDrive credentials
func (s *Service) persistToken(id string) func(onedrive.Token) {
	return func(tok onedrive.Token) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.store.UpdateToken(ctx, id, tok.AccessToken, tok.RefreshToken, tok.Expires); err != nil {
			s.log.Error("failed to persist refreshed token", logger.String("account_id", id), logger.Error(err))
		}
	}
}

func (s *Service) markError(ctx context.Context, id string, cause error) {
	if err := s.store.UpdateStatus(ctx, id, "error", cause.Error()); err != nil {
		s.log.Warn("failed to record account status", logger.String("account_id", id), logger.Error(err))
	}
}

// Get retrieves an account by ID
func (s *Service) Get(ctx context.Context, id string) (*types.StorageAccount, error) {
	return s.store.Get(ctx, id)
}

// List retrieves all accounts
func (s *Service) List(ctx context.Context) ([]*types.StorageAccount, error) {
	return s.store.List(ctx)
}

// Adapter returns the connected adapter of an account
func (s *Service) Adapter(id string) (remote.Adapter, error) {
	return s.registry.Get(id)
}

// Quota fetches the live quota of an account and records it. It is the
// fetcher behind the quota cache.
func (s *Service) Quota(ctx context.Context, id string) (remote.Quota, error) {
	a, err := s.registry.Get(id)
	if err != nil {
		return remote.Quota{}, err
	}
	q, err := a.GetStorageQuota(ctx)
	if err != nil {
		return remote.Quota{}, errors.Errorf("quota of %s: %w", id, err)
	}
	if err := s.store.UpdateSpaceInfo(ctx, id, q.Total, q.Used); err != nil {
		s.log.Debug("space info not recorded", logger.String("account_id", id), logger.Error(err))
	}
	return q, nil
}

// Refs describes accounts for destination selection. Unknown ids are kept
// so that their quota lookup fails and they are reported.
func (s *Service) Refs(ctx context.Context, ids []string) []loadbalancer.AccountRef {
	refs := make([]loadbalancer.AccountRef, 0, len(ids))
	for _, id := range ids {
		ref := loadbalancer.AccountRef{ID: id}
		if acc, err := s.store.Get(ctx, id); err == nil {
			ref.Name, ref.Provider = acc.Name, acc.Provider
		}
		refs = append(refs, ref)
	}
	return refs
}

// ConnectedRefs describes every connected account
func (s *Service) ConnectedRefs(ctx context.Context) []loadbalancer.AccountRef {
	return s.Refs(ctx, s.registry.Accounts())
}

// Drive returns a configured virtual drive
func (s *Service) Drive(id string) (types.VirtualDriveConfig, error) {
	d, ok := s.drives[id]
	if !ok {
		return types.VirtualDriveConfig{}, apperrors.NewNotFoundError("virtual drive", id)
	}
	return d, nil
}

// AuthorizationURL returns the consent URL of a OneDrive account. The
// account id is carried as the OAuth state.
func (s *Service) AuthorizationURL(ctx context.Context, id, redirectURI string) (string, error) {
	acc, err := s.oauthAccount(ctx, id)
	if err != nil {
		return "", err
	}
	return s.auth(acc, redirectURI).GetAuthorizationURL(id), nil
}

// CompleteAuthorization exchanges an authorization code for tokens, stores
// them and reconnects the account
func (s *Service) CompleteAuthorization(ctx context.Context, id, code, redirectURI string) error {
	acc, err := s.oauthAccount(ctx, id)
	if err != nil {
		return err
	}
	resp, err := s.auth(acc, redirectURI).ExchangeCode(ctx, code)
	if err != nil {
		return apperrors.UpstreamError("failed to exchange code: " + err.Error())
	}

	acc.AccessToken = resp.AccessToken
	acc.RefreshToken = resp.RefreshToken
	acc.TokenExpires = time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	acc.Status = "active"
	if err := s.store.UpdateToken(ctx, id, acc.AccessToken, acc.RefreshToken, acc.TokenExpires); err != nil {
		return err
	}
	if err := s.store.UpdateStatus(ctx, id, "active", ""); err != nil {
		return err
	}
	return s.Connect(ctx, acc)
}

func (s *Service) oauthAccount(ctx context.Context, id string) (*types.StorageAccount, error) {
	acc, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if acc.Provider != types.ProviderOneDrive && acc.Provider != "" {
		return nil, apperrors.InvalidRequest("account " + id + " does not use OAuth")
	}
	return acc, nil
}

func (s *Service) auth(acc *types.StorageAccount, redirectURI string) *onedrive.Auth {
	return onedrive.NewAuth(onedrive.AuthConfig{
		ClientID:     acc.ClientID,
		ClientSecret: acc.ClientSecret,
		TenantID:     acc.TenantID,
		RedirectURI:  redirectURI,
		LoginURL:     acc.Setting("login_url", ""),
	})
}

// Close closes adapters holding connections
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var first error
	for id, c := range s.closers {
		if err := c.Close(); err != nil && first == nil {
			first = errors.Errorf("close %s: %w", id, err)
		}
		delete(s.closers, id)
	}
	return first
}
