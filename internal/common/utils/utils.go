package utils

import (
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gitlab.com/tozd/go/errors"
	"gopkg.in/yaml.v3"

	apperrors "github.com/xuecangming/multidrive/internal/common/errors"
	"github.com/xuecangming/multidrive/internal/common/types"
)

// Limit bounds shared by the scheduler and configuration
const (
	MinLimit = 1
	MaxLimit = 20
)

// ConfigPath resolves the config file location: the explicit path, then
// CONFIG_PATH, then configs/config.yaml.
func ConfigPath(path string) string {
	if path != "" {
		return path
	}
	if env := os.Getenv("CONFIG_PATH"); env != "" {
		return env
	}
	return "configs/config.yaml"
}

// LoadConfig loads configuration from file
func LoadConfig(path string) (*types.Config, error) {
	configPath := ConfigPath(path)

	config := defaultConfig()
	data, err := os.ReadFile(configPath)
	if err != nil {
		// Use the defaults if the file is missing
		if !os.IsNotExist(err) {
			return nil, errors.Errorf("failed to read config file: %w", err)
		}
	} else if err := yaml.Unmarshal(data, config); err != nil {
		return nil, errors.Errorf("failed to parse config file: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(config)

	if err := ValidateConfig(config); err != nil {
		return nil, err
	}
	return config, nil
}

// defaultConfig returns default configuration
func defaultConfig() *types.Config {
	return &types.Config{
		Server: types.ServerConfig{
			Host:      "0.0.0.0",
			Port:      8080,
			APIPrefix: "/api/v1",
		},
		Database: types.DatabaseConfig{
			Port:           5432,
			Name:           "multidrive",
			User:           "postgres",
			MaxConnections: 20,
		},
		Transfer: types.TransferConfig{
			GlobalLimit:            15,
			PerAccountLimit:        3,
			ChunkSize:              4 << 20,  // 4MB
			StagingThreshold:       64 << 20, // 64MB
			StagingDir:             os.TempDir(),
			ReplicationConcurrency: 5,
			ListTimeout:            15,
			Excludes:               []string{"**/.DS_Store", "**/Thumbs.db", "**/desktop.ini"},
			LocalRoot:              "/",
		},
		Retry: types.RetryConfig{
			MaxAttempts:  3,
			InitialDelay: 1000,
			MaxDelay:     30000,
			Multiplier:   2,
		},
		Progress: types.ProgressConfig{
			TaskInterval:  500,
			FlushInterval: 2000,
		},
		Quota: types.QuotaConfig{
			CacheTTL: 1800,
			Buffer:   1 << 20,
		},
		Vault: types.VaultConfig{
			SaltFile: ".multidrive/vault.salt",
			WorkDir:  ".multidrive/encrypted",
		},
		Logging: types.LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *types.Config) {
	if dbHost := os.Getenv("DB_HOST"); dbHost != "" {
		config.Database.Host = dbHost
	}
	if dbPassword := os.Getenv("DB_PASSWORD"); dbPassword != "" {
		config.Database.Password = dbPassword
	}
	if vaultPassword := os.Getenv("MULTIDRIVE_VAULT_PASSWORD"); vaultPassword != "" {
		config.Vault.Password = vaultPassword
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
}

// ValidateConfig rejects settings the services cannot run with
func ValidateConfig(config *types.Config) error {
	if err := ValidateLimits(config.Transfer.GlobalLimit, config.Transfer.PerAccountLimit); err != nil {
		return err
	}
	if config.Transfer.ChunkSize <= 0 {
		return apperrors.InvalidRequest("transfer.chunk_size must be positive")
	}
	if config.Transfer.ReplicationConcurrency < 1 {
		return apperrors.InvalidRequest("transfer.replication_concurrency must be at least 1")
	}

	seen := make(map[string]bool)
	for _, vd := range config.VirtualDrives {
		if vd.ID == "" || len(vd.Accounts) == 0 {
			return apperrors.InvalidRequest("virtual drive needs an id and at least one account")
		}
		if seen[vd.ID] {
			return apperrors.InvalidRequest("duplicate virtual drive id " + vd.ID)
		}
		seen[vd.ID] = true
	}
	return nil
}

// ValidateLimits checks both concurrency ceilings against [MinLimit, MaxLimit]
func ValidateLimits(global, perAccount int) error {
	if global < MinLimit || global > MaxLimit {
		return apperrors.InvalidRequest("global limit must be between 1 and 20").
			WithDetails("global", global)
	}
	if perAccount < MinLimit || perAccount > MaxLimit {
		return apperrors.InvalidRequest("per-account limit must be between 1 and 20").
			WithDetails("per_account", perAccount)
	}
	return nil
}

// Millis converts a millisecond config value to a duration, using def when unset
func Millis(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Millisecond
}

// Seconds converts a second config value to a duration, using def when unset
func Seconds(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Second
}

// ValidateName checks a remote file or folder name
func ValidateName(name string) bool {
	if len(name) < 1 || len(name) > 255 {
		return false
	}
	if strings.TrimSpace(name) == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, "/\x00")
}

// GenerateID generates a unique ID for entities
func GenerateID() string {
	return uuid.New().String()
}
