package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Load reads configuration from environment variables.
// It applies defaults for unset values and validates the result.
// Returns an error if required values are missing or validation fails.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := loadStruct(reflect.ValueOf(cfg).Elem()); err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// loadStruct recursively populates struct fields from environment variables.
func loadStruct(v reflect.Value) error {
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fieldVal := v.Field(i)

		// Skip unexported fields
		if !fieldVal.CanSet() {
			continue
		}

		// Recurse into nested structs
		if field.Type.Kind() == reflect.Struct && field.Type != reflect.TypeOf(time.Time{}) {
			if err := loadStruct(fieldVal); err != nil {
				return err
			}
			continue
		}

		// Get tags
		envName := field.Tag.Get("env")
		if envName == "" {
			continue
		}

		// Try primary env var, then alternate
		value := lookup(envName, field.Tag.Get("envAlt"))

		// Apply default if not set
		if value == "" {
			if field.Tag.Get("required") == "true" {
				return fmt.Errorf("required environment variable %s is not set", envName)
			}
			value = field.Tag.Get("default")
		}
		if value == "" {
			continue
		}

		// Set the field value
		if err := setField(fieldVal, value); err != nil {
			return fmt.Errorf("invalid value for %s=%q: %w", envName, value, err)
		}
	}

	return nil
}

// lookup returns the first non-empty variable among name and its alternate.
func lookup(name, alt string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	if alt != "" {
		return os.Getenv(alt)
	}
	return ""
}

// setField sets a reflect.Value from a string based on its type.
func setField(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int64:
		// Handle time.Duration specially
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("invalid duration: %w", err)
			}
			field.Set(reflect.ValueOf(d))
			return nil
		}
		i, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid integer: %w", err)
		}
		field.SetInt(i)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean: %w", err)
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type: %s", field.Type().Elem().Kind())
		}
		field.Set(reflect.ValueOf(splitList(value)))

	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}

	return nil
}

// splitList splits a comma-separated value, trimming blanks.
func splitList(value string) []string {
	// Split comma-separated values, trim whitespace
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			result = append(result, p)
		}
	}
	return result
}

// Validate checks that the configuration is valid.
// Returns an error describing all validation failures.
func (c *Config) Validate() error {
	var errs []string

	// GitHub validation
	if c.GitHub.UsesApp() {
		if c.GitHub.AppID == "" || c.GitHub.InstallationID == "" {
			errs = append(errs, "GITHUB_APP_ID and GITHUB_INSTALLATION_ID must be set together")
		}
		if c.GitHub.PrivateKey == "" && c.GitHub.PrivateKeyPath == "" {
			errs = append(errs, "GITHUB_PRIVATE_KEY or GITHUB_PRIVATE_KEY_PATH is required with a GitHub App")
		}
	}

	// Source validation
	if c.Source.Path == "" && c.Source.CloneTarget() == "" {
		errs = append(errs, "one of SOURCE_REPO, SOURCE_CLONE_URL or SOURCE_REPO_PATH is required")
	}
	if !strings.HasPrefix(c.Source.FileExtension, ".") {
		errs = append(errs, fmt.Sprintf("SOURCE_FILE_EXTENSION (%q) must start with a dot", c.Source.FileExtension))
	}
	if c.Source.MaxFileSize <= 0 {
		errs = append(errs, "SOURCE_MAX_FILE_SIZE must be positive")
	}

	// Target validation
	if c.Target.Table == "" {
		errs = append(errs, "TARGET_TABLE is required")
	}
	if strings.HasPrefix(c.Target.Table, "staging_") {
		errs = append(errs, fmt.Sprintf("TARGET_TABLE (%q) must not use the staging_ prefix", c.Target.Table))
	}

	// Database validation
	if c.Database.URL == "" {
		errs = append(errs, "DATABASE_URL is required")
	}
	if c.Database.MaxConns < c.Database.MinConns {
		errs = append(errs, fmt.Sprintf("DB_MAX_CONNS (%d) must be >= DB_MIN_CONNS (%d)",
			c.Database.MaxConns, c.Database.MinConns))
	}
	if c.Database.MaxConns <= 0 {
		errs = append(errs, "DB_MAX_CONNS must be positive")
	}
	if c.Database.MinConns < 0 {
		errs = append(errs, "DB_MIN_CONNS must be non-negative")
	}

	// Ingest validation
	if c.Ingest.Concurrency <= 0 {
		errs = append(errs, "INGEST_CONCURRENCY must be positive")
	}
	switch c.Ingest.DuplicatePolicy {
	case "last_wins", "reject":
	default:
		errs = append(errs, fmt.Sprintf("INGEST_DUPLICATE_POLICY (%q) must be one of: last_wins, reject", c.Ingest.DuplicatePolicy))
	}
	switch c.Ingest.MergeStrategy {
	case "merge", "on_conflict":
	default:
		errs = append(errs, fmt.Sprintf("INGEST_MERGE_STRATEGY (%q) must be one of: merge, on_conflict", c.Ingest.MergeStrategy))
	}
	timeouts := []struct {
		name string
		d    time.Duration
	}{
		{"INGEST_AUTH_TIMEOUT", c.Ingest.AuthTimeout},
		{"INGEST_FETCH_TIMEOUT", c.Ingest.FetchTimeout},
		{"INGEST_STAGE_TIMEOUT", c.Ingest.StageTimeout},
		{"INGEST_MERGE_TIMEOUT", c.Ingest.MergeTimeout},
		{"INGEST_CLEANUP_TIMEOUT", c.Ingest.CleanupTimeout},
		{"INGEST_RUN_TIMEOUT", c.Ingest.RunTimeout},
	}
	for _, to := range timeouts {
		if to.d <= 0 {
			errs = append(errs, to.name+" must be positive")
		}
	}
	if c.Ingest.MaxConcurrentRuns <= 0 {
		errs = append(errs, "INGEST_MAX_CONCURRENT_RUNS must be positive")
	}

	// Server validation
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("SERVER_PORT (%d) must be 1-65535", c.Server.Port))
	}
	if c.Server.ReadTimeout < 0 {
		errs = append(errs, "SERVER_READ_TIMEOUT must be non-negative")
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, "SERVER_SHUTDOWN_TIMEOUT must be positive")
	}

	// Rate limit validation
	if c.Rate.Enabled && c.Rate.RequestsPerMinute <= 0 {
		errs = append(errs, "RATE_LIMIT_REQUESTS_PER_MINUTE must be positive when rate limiting is enabled")
	}
	if c.Rate.Enabled && c.Rate.Burst <= 0 {
		errs = append(errs, "RATE_LIMIT_BURST must be positive when rate limiting is enabled")
	}

	// Security validation
	if c.Security.RequireAPIKey && len(c.Security.APIKeys) == 0 {
		errs = append(errs, "REQUIRE_API_KEY is true but API_KEYS is empty; configure at least one API key or disable auth")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, fmt.Sprintf("LOG_LEVEL (%q) must be one of: debug, info, warn, error", c.Logging.Level))
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		errs = append(errs, fmt.Sprintf("LOG_FORMAT (%q) must be one of: text, json", c.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// PrivateKeyPEM returns the app private key, reading PrivateKeyPath if the
// key is not given inline.
func (c *GitHubConfig) PrivateKeyPEM() ([]byte, error) {
	if c.PrivateKey != "" {
		// Keys passed through CI variables often carry literal \n.
		return []byte(strings.ReplaceAll(c.PrivateKey, `\n`, "\n")), nil
	}
	if c.PrivateKeyPath == "" {
		return nil, fmt.Errorf("no GitHub App private key configured")
	}
	data, err := os.ReadFile(c.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	return data, nil
}

// String returns a safe string representation of the config for logging.
// Secrets and database URLs are masked.
func (c *Config) String() string {
	var b strings.Builder
	b.WriteString("Config{")
	fmt.Fprintf(&b, "GitHub: {AppID: %q, InstallationID: %q, PrivateKey: %s, Token: %s, WebhookSecret: %s}, ",
		c.GitHub.AppID, c.GitHub.InstallationID,
		mask(c.GitHub.PrivateKey+c.GitHub.PrivateKeyPath), mask(c.GitHub.Token), mask(c.GitHub.WebhookSecret))
	fmt.Fprintf(&b, "Source: {Repo: %q, Path: %q, Commit: %q, FileExtension: %q}, ",
		c.Source.Repo, c.Source.Path, c.Source.Commit, c.Source.FileExtension)
	fmt.Fprintf(&b, "Target: {Project: %q, Dataset: %q, Table: %q}, ",
		c.Target.Project, c.Target.Dataset, c.Target.Table)
	fmt.Fprintf(&b, "Database: {URL: %s, MaxConns: %d, MinConns: %d}, ",
		mask(c.Database.URL), c.Database.MaxConns, c.Database.MinConns)
	fmt.Fprintf(&b, "Ingest: {Concurrency: %d, DuplicatePolicy: %q, MergeStrategy: %q}, ",
		c.Ingest.Concurrency, c.Ingest.DuplicatePolicy, c.Ingest.MergeStrategy)
	fmt.Fprintf(&b, "Server: {Host: %q, Port: %d}, ", c.Server.Host, c.Server.Port)
	fmt.Fprintf(&b, "Rate: {Enabled: %v, RequestsPerMinute: %d}, ",
		c.Rate.Enabled, c.Rate.RequestsPerMinute)
	fmt.Fprintf(&b, "Logging: {Level: %q, Format: %q}",
		c.Logging.Level, c.Logging.Format)
	b.WriteString("}")
	return b.String()
}

func mask(s string) string {
	if s == "" {
		return "[UNSET]"
	}
	return "[MASKED]"
}
