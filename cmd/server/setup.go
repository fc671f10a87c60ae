package main

import (
	"context"
	"database/sql"
	"io"
	"os"

	"gitlab.com/tozd/go/errors"

	"github.com/xuecangming/multidrive/internal/common/types"
	"github.com/xuecangming/multidrive/internal/common/utils"
	"github.com/xuecangming/multidrive/internal/core/logger"
	"github.com/xuecangming/multidrive/internal/infrastructure/database"
	"github.com/xuecangming/multidrive/internal/infrastructure/storage"
	"github.com/xuecangming/multidrive/internal/infrastructure/vault"
	"github.com/xuecangming/multidrive/internal/repository"
)

// loadConfig reads the config file and installs the global logger it describes
func loadConfig() (*types.Config, logger.Logger, io.Closer, error) {
	cfg, err := utils.LoadConfig(configFile)
	if err != nil {
		return nil, nil, nil, errors.Errorf("loading config: %w", err)
	}

	out, closer, err := logOutput(cfg.Logging.Output)
	if err != nil {
		return nil, nil, nil, err
	}
	level := logger.ParseLevel(cfg.Logging.Level)
	if debug {
		level = logger.DebugLevel
	}
	log := logger.New(&logger.Config{
		Level:      level,
		Format:     cfg.Logging.Format,
		Output:     out,
		TimeFormat: logger.DefaultConfig().TimeFormat,
	})
	logger.SetGlobalLogger(log)
	return cfg, log, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// logOutput resolves "stdout", "stderr" or a file path
func logOutput(output string) (io.Writer, io.Closer, error) {
	switch output {
	case "", "stdout":
		return os.Stdout, nopCloser{}, nil
	case "stderr":
		return os.Stderr, nopCloser{}, nil
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, errors.Errorf("open log file: %w", err)
	}
	return f, f, nil
}

// openStore returns the account store: PostgreSQL when a database is
// configured, otherwise the accounts listed in the config file. db is nil in
// the second case.
func openStore(ctx context.Context, cfg *types.Config, log logger.Logger) (repository.AccountStore, *sql.DB, error) {
	if !database.Enabled(cfg.Database) {
		log.Info("no database configured, using config file accounts",
			logger.Int("accounts", len(cfg.Accounts)))
		return repository.NewConfigAccountRepository(cfg.Accounts), nil, nil
	}

	db, err := database.NewPostgresDB(ctx, cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	if err := database.RunMigrations(ctx, db); err != nil {
		db.Close()
		return nil, nil, err
	}
	return repository.NewAccountRepository(db), db, nil
}

// newVault builds the vault on the local transfer filesystem, so salt_file,
// work_dir and task paths all resolve under transfer.local_root. It is
// unlocked when the config carries a password.
func newVault(cfg types.VaultConfig, local *storage.LocalStorage) (*vault.Vault, error) {
	v := vault.New(local.Filesystem(), cfg.SaltFile, cfg.WorkDir)
	if cfg.Password != "" {
		if err := v.Unlock(cfg.Password); err != nil {
			return nil, errors.Errorf("unlock vault: %w", err)
		}
	}
	return v, nil
}
