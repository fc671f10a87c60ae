package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"gitlab.com/tozd/go/errors"

	apperrors "github.com/xuecangming/multidrive/internal/common/errors"
	"github.com/xuecangming/multidrive/internal/common/types"
)

// AccountStore is the persistence used by the account service
type AccountStore interface {
	List(ctx context.Context) ([]*types.StorageAccount, error)
	Get(ctx context.Context, id string) (*types.StorageAccount, error)
	UpdateToken(ctx context.Context, id, accessToken, refreshToken string, expiresAt time.Time) error
	UpdateSpaceInfo(ctx context.Context, id string, totalSpace, usedSpace int64) error
	UpdateStatus(ctx context.Context, id, status, errorMessage string) error
}

// AccountRepository handles storage account data access
type AccountRepository struct {
	db *sql.DB
}

// NewAccountRepository creates a new account repository
func NewAccountRepository(db *sql.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

const accountColumns = `
	id, name, email, provider,
	COALESCE(client_id, ''), COALESCE(client_secret, ''), COALESCE(tenant_id, ''),
	COALESCE(refresh_token, ''), COALESCE(access_token, ''), token_expires,
	settings, COALESCE(total_space, 0), COALESCE(used_space, 0),
	COALESCE(status, 'active'), COALESCE(priority, 0),
	last_sync, error_message, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*types.StorageAccount, error) {
	account := &types.StorageAccount{}
	var lastSync, tokenExpires sql.NullTime
	var errorMessage sql.NullString
	var settings []byte

	if err := row.Scan(
		&account.ID, &account.Name, &account.Email, &account.Provider,
		&account.ClientID, &account.ClientSecret, &account.TenantID,
		&account.RefreshToken, &account.AccessToken, &tokenExpires,
		&settings, &account.TotalSpace, &account.UsedSpace,
		&account.Status, &account.Priority,
		&lastSync, &errorMessage,
		&account.CreatedAt, &account.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if lastSync.Valid {
		account.LastSync = lastSync.Time
	}
	if tokenExpires.Valid {
		account.TokenExpires = tokenExpires.Time
	}
	if errorMessage.Valid {
		account.ErrorMessage = errorMessage.String
	}
	var err error
	if account.Settings, err = decodeSettings(settings); err != nil {
		return nil, errors.Errorf("account %s: %w", account.ID, err)
	}
	return account, nil
}

func encodeSettings(s map[string]string) ([]byte, error) {
	if s == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(s)
	return b, errors.WithStack(err)
}

func decodeSettings(b []byte) (map[string]string, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var s map[string]string
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, errors.Errorf("decode settings: %w", err)
	}
	if len(s) == 0 {
		return nil, nil
	}
	return s, nil
}

func notFound(id string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return apperrors.NewNotFoundError("account", id)
	}
	return errors.WithStack(err)
}

// Create creates a new storage account
func (r *AccountRepository) Create(ctx context.Context, account *types.StorageAccount) error {
	query := `
		INSERT INTO storage_accounts (
			id, name, email, provider, client_id, client_secret, tenant_id,
			refresh_token, access_token, token_expires, settings,
			total_space, used_space, status, priority,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`

	settings, err := encodeSettings(account.Settings)
	if err != nil {
		return err
	}
	now := time.Now()
	_, err = r.db.ExecContext(ctx, query,
		account.ID, account.Name, account.Email, account.Provider,
		account.ClientID, account.ClientSecret, account.TenantID,
		account.RefreshToken, account.AccessToken, account.TokenExpires, settings,
		account.TotalSpace, account.UsedSpace,
		account.Status, account.Priority,
		now, now,
	)
	if err != nil {
		return errors.Errorf("create account %s: %w", account.ID, err)
	}

	account.CreatedAt = now
	account.UpdatedAt = now
	return nil
}

// Get retrieves an account by ID
func (r *AccountRepository) Get(ctx context.Context, id string) (*types.StorageAccount, error) {
	query := `SELECT ` + accountColumns + ` FROM storage_accounts WHERE id = $1`

	account, err := scanAccount(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, notFound(id, err)
	}
	return account, nil
}

// List retrieves all accounts
func (r *AccountRepository) List(ctx context.Context) ([]*types.StorageAccount, error) {
	query := `SELECT ` + accountColumns + ` FROM storage_accounts ORDER BY priority DESC, created_at ASC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*types.StorageAccount
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, errors.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, account)
	}
	return accounts, errors.WithStack(rows.Err())
}

// Update updates an account
func (r *AccountRepository) Update(ctx context.Context, account *types.StorageAccount) error {
	query := `
		UPDATE storage_accounts
		SET name = $2, email = $3, provider = $4, client_id = $5, client_secret = $6, tenant_id = $7,
		    refresh_token = $8, access_token = $9, token_expires = $10, settings = $11,
		    total_space = $12, used_space = $13, status = $14, priority = $15,
		    last_sync = $16, error_message = $17, updated_at = $18
		WHERE id = $1
	`

	settings, err := encodeSettings(account.Settings)
	if err != nil {
		return err
	}
	now := time.Now()
	res, err := r.db.ExecContext(ctx, query,
		account.ID, account.Name, account.Email, account.Provider,
		account.ClientID, account.ClientSecret, account.TenantID,
		account.RefreshToken, account.AccessToken, account.TokenExpires, settings,
		account.TotalSpace, account.UsedSpace,
		account.Status, account.Priority,
		account.LastSync, account.ErrorMessage,
		now,
	)
	if err := affected(account.ID, res, err); err != nil {
		return err
	}
	account.UpdatedAt = now
	return nil
}

// UpdateToken updates account tokens
func (r *AccountRepository) UpdateToken(ctx context.Context, id, accessToken, refreshToken string, expiresAt time.Time) error {
	query := `
		UPDATE storage_accounts
		SET access_token = $2, refresh_token = $3, token_expires = $4, updated_at = $5
		WHERE id = $1
	`
	res, err := r.db.ExecContext(ctx, query, id, accessToken, refreshToken, expiresAt, time.Now())
	return affected(id, res, err)
}

// UpdateSpaceInfo updates account space information
func (r *AccountRepository) UpdateSpaceInfo(ctx context.Context, id string, totalSpace, usedSpace int64) error {
	query := `
		UPDATE storage_accounts
		SET total_space = $2, used_space = $3, last_sync = $4, updated_at = $5
		WHERE id = $1
	`
	now := time.Now()
	res, err := r.db.ExecContext(ctx, query, id, totalSpace, usedSpace, now, now)
	return affected(id, res, err)
}

// UpdateStatus updates account status
func (r *AccountRepository) UpdateStatus(ctx context.Context, id, status, errorMessage string) error {
	query := `
		UPDATE storage_accounts
		SET status = $2, error_message = $3, updated_at = $4
		WHERE id = $1
	`
	res, err := r.db.ExecContext(ctx, query, id, status, errorMessage, time.Now())
	return affected(id, res, err)
}

// Delete deletes an account
func (r *AccountRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM storage_accounts WHERE id = $1`, id)
	return affected(id, res, err)
}

func affected(id string, res sql.Result, err error) error {
	if err != nil {
		return errors.Errorf("account %s: %w", id, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return errors.WithStack(err)
	}
	if rows == 0 {
		return apperrors.NewNotFoundError("account", id)
	}
	return nil
}

var _ AccountStore = (*AccountRepository)(nil)
