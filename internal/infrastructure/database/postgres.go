package database

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	"gitlab.com/tozd/go/errors"

	"github.com/xuecangming/multidrive/internal/common/types"
)

// Enabled reports whether a database is configured
func Enabled(config types.DatabaseConfig) bool {
	return config.Host != ""
}

// DSN builds the lib/pq connection string
func DSN(config types.DatabaseConfig) string {
	port := config.Port
	if port == 0 {
		port = 5432
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		config.Host,
		port,
		config.User,
		config.Password,
		config.Name,
	)
}

// NewPostgresDB creates a new PostgreSQL database connection
func NewPostgresDB(ctx context.Context, config types.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", DSN(config))
	if err != nil {
		return nil, errors.Errorf("failed to open database: %w", err)
	}

	if config.MaxConnections > 0 {
		db.SetMaxOpenConns(config.MaxConnections)
		db.SetMaxIdleConns(config.MaxConnections / 2)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

// Migrations returns the schema statements in the order they are applied
func Migrations() []string {
	return []string{
		createStorageAccountsTable,
		addProviderColumns,
		relaxOAuthColumns,
		createAccountIndexes,
	}
}

// RunMigrations runs database migrations
func RunMigrations(ctx context.Context, db *sql.DB) error {
	for i, migration := range Migrations() {
		if _, err := db.ExecContext(ctx, migration); err != nil {
			return errors.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}

const createStorageAccountsTable = `
CREATE TABLE IF NOT EXISTS storage_accounts (
    id              UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    name            VARCHAR(255) NOT NULL,
    email           VARCHAR(255) NOT NULL DEFAULT '',

    client_id       VARCHAR(255),
    client_secret   TEXT,
    tenant_id       VARCHAR(255),

    refresh_token   TEXT,
    access_token    TEXT,
    token_expires   TIMESTAMP,

    total_space     BIGINT DEFAULT 0,
    used_space      BIGINT DEFAULT 0,

    status          VARCHAR(50) DEFAULT 'active',
    priority        INT DEFAULT 0,
    last_sync       TIMESTAMP,
    error_message   TEXT,

    created_at      TIMESTAMP DEFAULT NOW(),
    updated_at      TIMESTAMP DEFAULT NOW()
);
`

// databases created by earlier releases only held OneDrive accounts
const addProviderColumns = `
ALTER TABLE storage_accounts ADD COLUMN IF NOT EXISTS provider VARCHAR(32) NOT NULL DEFAULT 'onedrive';
ALTER TABLE storage_accounts ADD COLUMN IF NOT EXISTS settings JSONB NOT NULL DEFAULT '{}';
`

const relaxOAuthColumns = `
ALTER TABLE storage_accounts ALTER COLUMN client_id DROP NOT NULL;
ALTER TABLE storage_accounts ALTER COLUMN client_secret DROP NOT NULL;
ALTER TABLE storage_accounts ALTER COLUMN tenant_id DROP NOT NULL;
ALTER TABLE storage_accounts DROP CONSTRAINT IF EXISTS storage_accounts_email_key;
`

const createAccountIndexes = `
CREATE INDEX IF NOT EXISTS idx_accounts_status ON storage_accounts(status);
CREATE UNIQUE INDEX IF NOT EXISTS idx_accounts_provider_email
    ON storage_accounts(provider, email) WHERE email <> '';
`
