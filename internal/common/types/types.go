package types

import "time"

// Config represents application configuration
type Config struct {
	Server        ServerConfig         `yaml:"server"`
	Database      DatabaseConfig       `yaml:"database"`
	Transfer      TransferConfig       `yaml:"transfer"`
	Retry         RetryConfig          `yaml:"retry"`
	Progress      ProgressConfig       `yaml:"progress"`
	Quota         QuotaConfig          `yaml:"quota"`
	Logging       LoggingConfig        `yaml:"logging"`
	Vault         VaultConfig          `yaml:"vault"`
	Accounts      []StorageAccount     `yaml:"accounts"`
	VirtualDrives []VirtualDriveConfig `yaml:"virtual_drives"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	APIPrefix string `yaml:"api_prefix"`
	BaseURL   string `yaml:"base_url"`
	// RateLimit bounds API requests per client per minute; 0 disables it
	RateLimit int `yaml:"rate_limit"`
}

// DatabaseConfig represents database configuration. An empty host disables
// the database and accounts are read from the config file only.
type DatabaseConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	Name           string `yaml:"name"`
	User           string `yaml:"user"`
	Password       string `yaml:"password"`
	MaxConnections int    `yaml:"max_connections"`
}

// TransferConfig holds scheduler, copier and replication settings
type TransferConfig struct {
	GlobalLimit            int      `yaml:"global_limit"`
	PerAccountLimit        int      `yaml:"per_account_limit"`
	ChunkSize              int64    `yaml:"chunk_size"`
	StagingThreshold       int64    `yaml:"staging_threshold"`
	StagingDir             string   `yaml:"staging_dir"`
	ReplicationConcurrency int      `yaml:"replication_concurrency"`
	ListTimeout            int      `yaml:"list_timeout"` // seconds
	Excludes               []string `yaml:"excludes"`
	LocalRoot              string   `yaml:"local_root"`
}

// RetryConfig represents retry configuration
type RetryConfig struct {
	MaxAttempts  int `yaml:"max_attempts"`
	InitialDelay int `yaml:"initial_delay"` // milliseconds
	MaxDelay     int `yaml:"max_delay"`     // milliseconds
	Multiplier   int `yaml:"multiplier"`
}

// ProgressConfig controls notification throttling, in milliseconds
type ProgressConfig struct {
	TaskInterval  int `yaml:"task_interval"`
	FlushInterval int `yaml:"flush_interval"`
}

// QuotaConfig controls quota caching and the fit buffer
type QuotaConfig struct {
	CacheTTL int   `yaml:"cache_ttl"` // seconds
	Buffer   int64 `yaml:"buffer"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// VaultConfig configures the file encryption vault. SaltFile and WorkDir
// are resolved under transfer.local_root, like task local paths.
type VaultConfig struct {
	Enabled  bool   `yaml:"enabled"`
	SaltFile string `yaml:"salt_file"`
	Password string `yaml:"-"`
	WorkDir  string `yaml:"work_dir"`
}

// VirtualDriveConfig declares an aggregated drive backed by several accounts
type VirtualDriveConfig struct {
	ID       string   `yaml:"id" json:"id"`
	Name     string   `yaml:"name" json:"name"`
	Accounts []string `yaml:"accounts" json:"accounts"`
	Strategy string   `yaml:"strategy" json:"strategy"`
}

// Provider names
const (
	ProviderOneDrive = "onedrive"
	ProviderS3       = "s3"
	ProviderSFTP     = "sftp"
	ProviderLocal    = "local"
)

// StorageAccount represents one authenticated identity on one provider
type StorageAccount struct {
	ID           string            `json:"id" yaml:"id"`
	Name         string            `json:"name" yaml:"name"`
	Email        string            `json:"email" yaml:"email"`
	Provider     string            `json:"provider" yaml:"provider"`
	ClientID     string            `json:"client_id,omitempty" yaml:"client_id"`
	ClientSecret string            `json:"-" yaml:"client_secret"`
	TenantID     string            `json:"tenant_id,omitempty" yaml:"tenant_id"`
	RefreshToken string            `json:"-" yaml:"refresh_token"`
	AccessToken  string            `json:"-" yaml:"access_token"`
	TokenExpires time.Time         `json:"token_expires,omitempty" yaml:"-"`
	Settings     map[string]string `json:"settings,omitempty" yaml:"settings"`
	TotalSpace   int64             `json:"total_space" yaml:"-"`
	UsedSpace    int64             `json:"used_space" yaml:"-"`
	Status       string            `json:"status" yaml:"status"`
	Priority     int               `json:"priority" yaml:"priority"`
	LastSync     time.Time         `json:"last_sync,omitempty" yaml:"-"`
	ErrorMessage string            `json:"error_message,omitempty" yaml:"-"`
	CreatedAt    time.Time         `json:"created_at" yaml:"-"`
	UpdatedAt    time.Time         `json:"updated_at" yaml:"-"`
}

// Setting returns a provider setting or def when unset
func (a *StorageAccount) Setting(key, def string) string {
	if v, ok := a.Settings[key]; ok && v != "" {
		return v
	}
	return def
}

// IsActive reports whether the account takes part in transfers
func (a *StorageAccount) IsActive() bool {
	return a.Status == "" || a.Status == "active"
}
