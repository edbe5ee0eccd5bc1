// Package config provides centralized configuration management for csvmerge.
// It loads configuration from environment variables with sensible defaults and
// validates all settings on startup to fail fast on misconfiguration.
package config

import (
	"strconv"
	"time"
)

// Config holds all application configuration.
// All settings can be configured via environment variables.
type Config struct {
	GitHub   GitHubConfig
	Source   SourceConfig
	Target   TargetConfig
	Database DatabaseConfig
	Ingest   IngestConfig
	Server   ServerConfig
	Rate     RateLimitConfig
	Security SecurityConfig
	Logging  LoggingConfig
}

// GitHubConfig holds credentials for the source repository.
//
// With AppID, InstallationID and a private key set, a GitHub App
// installation token is exchanged per run. Otherwise Token is used as-is,
// and with neither the repository is read anonymously.
type GitHubConfig struct {
	AppID          string `env:"GITHUB_APP_ID" envAlt:"APP_ID"`
	InstallationID string `env:"GITHUB_INSTALLATION_ID" envAlt:"INSTALLATION_ID"`

	// PrivateKey is the PEM-encoded app key; PrivateKeyPath is read when it is empty
	PrivateKey     string `env:"GITHUB_PRIVATE_KEY" envAlt:"PRIVATE_KEY"`
	PrivateKeyPath string `env:"GITHUB_PRIVATE_KEY_PATH"`

	// Token is a personal access or workflow token used when no app is configured
	Token string `env:"GITHUB_TOKEN"`

	// APIURL is the REST API base (default: https://api.github.com)
	APIURL string `env:"GITHUB_API_URL" default:"https://api.github.com"`

	// WebhookSecret verifies X-Hub-Signature-256 on webhook deliveries
	WebhookSecret string `env:"GITHUB_WEBHOOK_SECRET"`
}

// UsesApp reports whether GitHub App credentials are configured.
func (c *GitHubConfig) UsesApp() bool {
	return c.AppID != "" || c.InstallationID != ""
}

// SourceConfig identifies the repository and commit to read.
type SourceConfig struct {
	// Repo is owner/name; used to derive the clone URL and to match webhooks
	Repo string `env:"SOURCE_REPO" envAlt:"REPO_NAME"`

	// CloneURL overrides the https://github.com/{Repo}.git default
	CloneURL string `env:"SOURCE_CLONE_URL"`

	// Path reads a local repository instead of cloning
	Path string `env:"SOURCE_REPO_PATH"`

	// Commit is the commit ingested by the ingest command
	Commit string `env:"SOURCE_COMMIT" envAlt:"COMMIT_SHA"`

	// FileExtension selects the changed files to ingest (default: .csv)
	FileExtension string `env:"SOURCE_FILE_EXTENSION" default:".csv"`

	// MaxFileSize caps a fetched file in bytes (default: 100MB)
	MaxFileSize int64 `env:"SOURCE_MAX_FILE_SIZE" default:"104857600"`
}

// CloneTarget returns the URL to clone, or "" when reading a local path.
func (c *SourceConfig) CloneTarget() string {
	if c.Path != "" {
		return ""
	}
	if c.CloneURL != "" {
		return c.CloneURL
	}
	if c.Repo == "" {
		return ""
	}
	return "https://github.com/" + c.Repo + ".git"
}

// TargetConfig identifies the table records are merged into.
type TargetConfig struct {
	// Project is the catalog; empty uses the connection's database
	Project string `env:"TARGET_PROJECT" envAlt:"GCP_PROJECT"`

	// Dataset is the schema holding the target and staging tables (default: public)
	Dataset string `env:"TARGET_DATASET" envAlt:"BIGQUERY_DATASET" default:"public"`

	Table string `env:"TARGET_TABLE" envAlt:"BIGQUERY_TABLE" required:"true"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	// URL is the PostgreSQL connection string (required)
	// Supports both DATABASE_URL and DB_URL env vars for compatibility
	URL string `env:"DATABASE_URL" envAlt:"DB_URL" required:"true"`

	// MaxConns is the maximum number of connections in the pool (default: 10)
	MaxConns int `env:"DB_MAX_CONNS" default:"10"`

	// MinConns is the minimum number of connections to keep open (default: 1)
	MinConns int `env:"DB_MIN_CONNS" default:"1"`

	// MaxConnLifetime is the maximum lifetime of a connection (default: 1h)
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`

	// MaxConnIdleTime is the maximum idle time before a connection is closed (default: 30m)
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`
}

// IngestConfig holds pipeline settings.
type IngestConfig struct {
	// Concurrency is the number of files processed in parallel (default: 1)
	Concurrency int `env:"INGEST_CONCURRENCY" default:"1"`

	// DuplicatePolicy is last_wins or reject (default: last_wins)
	DuplicatePolicy string `env:"INGEST_DUPLICATE_POLICY" default:"last_wins"`

	// MergeStrategy is merge or on_conflict (default: merge)
	MergeStrategy string `env:"INGEST_MERGE_STRATEGY" default:"merge"`

	AuthTimeout    time.Duration `env:"INGEST_AUTH_TIMEOUT" default:"30s"`
	FetchTimeout   time.Duration `env:"INGEST_FETCH_TIMEOUT" default:"2m"`
	StageTimeout   time.Duration `env:"INGEST_STAGE_TIMEOUT" default:"2m"`
	MergeTimeout   time.Duration `env:"INGEST_MERGE_TIMEOUT" default:"5m"`
	CleanupTimeout time.Duration `env:"INGEST_CLEANUP_TIMEOUT" default:"30s"`

	// RunTimeout bounds a whole run started by the server (default: 30m)
	RunTimeout time.Duration `env:"INGEST_RUN_TIMEOUT" default:"30m"`

	// MaxConcurrentRuns is the number of server-triggered runs in flight (default: 2)
	MaxConcurrentRuns int `env:"INGEST_MAX_CONCURRENT_RUNS" default:"2"`

	// RunWait is how long a trigger waits for a run slot (default: 10s)
	RunWait time.Duration `env:"INGEST_RUN_WAIT" default:"10s"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`

	// Port is the port to listen on (default: 8080)
	Port int `env:"SERVER_PORT" default:"8080"`

	// ReadTimeout is the maximum duration for reading request body (default: 15s)
	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"15s"`

	// WriteTimeout is the maximum duration for writing response (default: 30s)
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"30s"`

	// IdleTimeout is the keep-alive timeout (default: 60s)
	IdleTimeout time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown (default: 30s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	// RequestTimeout is the middleware timeout for requests (default: 30s)
	RequestTimeout time.Duration `env:"SERVER_REQUEST_TIMEOUT" default:"30s"`

	// RunHistory is how many finished runs GET /api/runs/{id} remembers (default: 100)
	RunHistory int `env:"SERVER_RUN_HISTORY" default:"100"`
}

// RateLimitConfig holds per-IP rate limiting settings.
type RateLimitConfig struct {
	// Enabled controls whether rate limiting is active (default: true)
	Enabled bool `env:"RATE_LIMIT_ENABLED" default:"true"`

	// RequestsPerMinute is the sustained rate per IP (default: 60)
	RequestsPerMinute int `env:"RATE_LIMIT_REQUESTS_PER_MINUTE" default:"60"`

	// Burst is the number of requests allowed at once (default: 10)
	Burst int `env:"RATE_LIMIT_BURST" default:"10"`
}

// SecurityConfig holds security-related settings.
type SecurityConfig struct {
	// TrustedProxies is a comma-separated list of trusted proxy CIDRs
	TrustedProxies []string `env:"TRUSTED_PROXIES"`

	// RequireAPIKey protects /api routes with X-API-Key (default: false)
	RequireAPIKey bool `env:"REQUIRE_API_KEY" default:"false"`

	// APIKeys is a comma-separated list of accepted keys
	APIKeys []string `env:"API_KEYS"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}
