package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

// Config holds all plugin host configuration
type Config struct {
	// DataDir holds installed plugins and the metadata database.
	DataDir string
	// CacheDir holds downloads and git clones.
	CacheDir string

	// DatabaseURL overrides the SQLite metadata file with a postgres:// DSN.
	DatabaseURL string

	Limits        LimitsConfig
	Security      SecurityConfig
	Download      DownloadConfig
	Git           GitConfig
	S3            S3Config
	Registry      RegistryConfig
	Server        ServerConfig
	Observability ObservabilityConfig
}

// LimitsConfig holds the operator-wide ceilings a manifest may request.
type LimitsConfig struct {
	MaxMemoryBytes int64
	MaxCPUTime     time.Duration
	MaxConcurrent  int
}

// SecurityConfig controls signature verification.
type SecurityConfig struct {
	TrustedKeysDir    string
	RequireSignatures bool
}

// DownloadConfig bounds URL downloads.
type DownloadConfig struct {
	MaxBytes  int64
	Timeout   time.Duration
	Retries   int
	VerifyTLS bool
}

// S3Config configures s3:// sources. Empty credentials fall back to the
// default AWS credential chain.
type S3Config struct {
	Enabled         bool
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// GitConfig configures git sources.
type GitConfig struct {
	Binary  string
	Timeout time.Duration
}

// RegistryConfig configures the plugin registry and remote health probing.
type RegistryConfig struct {
	URL            string
	HealthInterval time.Duration
}

// ServerConfig holds admin HTTP server configuration
type ServerConfig struct {
	AdminAddr       string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	DrainTimeout    time.Duration
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel  string
	LogFormat string

	// OpenTelemetry
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
	OTelSampleRatio    float64
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		DataDir:       getEnv("PLUGHOST_DATA_DIR", defaultDir(os.UserConfigDir)),
		CacheDir:      getEnv("PLUGHOST_CACHE_DIR", defaultDir(os.UserCacheDir)),
		DatabaseURL:   getEnv("PLUGHOST_DATABASE_URL", ""),
		Limits:        loadLimitsConfig(),
		Security:      loadSecurityConfig(),
		Download:      loadDownloadConfig(),
		Git:           loadGitConfig(),
		S3:            loadS3Config(),
		Registry:      loadRegistryConfig(),
		Server:        loadServerConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func defaultDir(base func() (string, error)) string {
	dir, err := base()
	if err != nil || dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "plughost")
}

func loadLimitsConfig() LimitsConfig {
	return LimitsConfig{
		MaxMemoryBytes: getEnvInt64("PLUGHOST_MAX_MEMORY_BYTES", 256*1024*1024),
		MaxCPUTime:     getEnvDuration("PLUGHOST_MAX_CPU_TIME", 30*time.Second),
		MaxConcurrent:  getEnvInt("PLUGHOST_MAX_CONCURRENT", 64),
	}
}

func loadSecurityConfig() SecurityConfig {
	return SecurityConfig{
		TrustedKeysDir:    getEnv("PLUGHOST_TRUSTED_KEYS_DIR", ""),
		RequireSignatures: getEnvBool("PLUGHOST_REQUIRE_SIGNATURES", true),
	}
}

func loadDownloadConfig() DownloadConfig {
	return DownloadConfig{
		MaxBytes:  getEnvInt64("PLUGHOST_DOWNLOAD_MAX_BYTES", 100*1024*1024),
		Timeout:   getEnvDuration("PLUGHOST_DOWNLOAD_TIMEOUT", 5*time.Minute),
		Retries:   getEnvInt("PLUGHOST_DOWNLOAD_RETRIES", 3),
		VerifyTLS: getEnvBool("PLUGHOST_VERIFY_TLS", true),
	}
}

func loadGitConfig() GitConfig {
	return GitConfig{
		Binary:  getEnv("PLUGHOST_GIT_BINARY", "git"),
		Timeout: getEnvDuration("PLUGHOST_GIT_TIMEOUT", 5*time.Minute),
	}
}

func loadS3Config() S3Config {
	return S3Config{
		Enabled:         getEnvBool("PLUGHOST_S3_ENABLED", false),
		Region:          getEnv("PLUGHOST_S3_REGION", "us-east-1"),
		Endpoint:        getEnv("PLUGHOST_S3_ENDPOINT", ""),
		AccessKeyID:     getEnv("PLUGHOST_S3_ACCESS_KEY", ""),
		SecretAccessKey: getEnv("PLUGHOST_S3_SECRET_KEY", ""),
		UsePathStyle:    getEnvBool("PLUGHOST_S3_USE_PATH_STYLE", false),
	}
}

func loadRegistryConfig() RegistryConfig {
	return RegistryConfig{
		URL:            getEnv("PLUGHOST_REGISTRY_URL", "https://registry.plughost.dev"),
		HealthInterval: getEnvDuration("PLUGHOST_HEALTH_INTERVAL", 10*time.Second),
	}
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		AdminAddr:       getEnv("PLUGHOST_ADMIN_ADDR", ":9464"),
		ReadTimeout:     getEnvDuration("PLUGHOST_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("PLUGHOST_WRITE_TIMEOUT", 15*time.Second),
		ShutdownTimeout: getEnvDuration("PLUGHOST_SHUTDOWN_TIMEOUT", 30*time.Second),
		DrainTimeout:    getEnvDuration("PLUGHOST_DRAIN_TIMEOUT", 10*time.Second),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           getEnv("PLUGHOST_LOG_LEVEL", "info"),
		LogFormat:          getEnv("PLUGHOST_LOG_FORMAT", "text"),
		OTelEnabled:        getEnvBool("PLUGHOST_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("PLUGHOST_OTEL_ENDPOINT", ""),
		OTelServiceName:    getEnv("PLUGHOST_OTEL_SERVICE_NAME", "plughost"),
		OTelServiceVersion: getEnv("PLUGHOST_OTEL_SERVICE_VERSION", "0.1.0"),
		OTelInsecure:       getEnvBool("PLUGHOST_OTEL_INSECURE", false),
		OTelSampleRatio:    getEnvFloat("PLUGHOST_OTEL_SAMPLE_RATIO", 1.0),
	}
}

// Validate checks if the configuration is valid. Every problem is reported.
func (c *Config) Validate() error {
	var result *multierror.Error
	fail := func(format string, args ...interface{}) {
		result = multierror.Append(result, fmt.Errorf(format, args...))
	}

	if c.DataDir == "" {
		fail("data dir is required")
	}
	if c.CacheDir == "" {
		fail("cache dir is required")
	}

	if c.Limits.MaxMemoryBytes <= 0 {
		fail("max memory bytes must be positive")
	}
	if c.Limits.MaxCPUTime <= 0 {
		fail("max CPU time must be positive")
	}
	if c.Limits.MaxConcurrent <= 0 {
		fail("max concurrent requests must be positive")
	}

	if c.Download.MaxBytes <= 0 {
		fail("download max bytes must be positive")
	}
	if c.Download.Timeout <= 0 {
		fail("download timeout must be positive")
	}
	if c.Download.Retries < 0 {
		fail("download retries cannot be negative")
	}
	if c.Git.Timeout <= 0 {
		fail("git timeout must be positive")
	}
	if c.Registry.HealthInterval < time.Second {
		fail("health interval must be at least 1s, got %s", c.Registry.HealthInterval)
	}

	if c.DatabaseURL != "" && !strings.HasPrefix(c.DatabaseURL, "postgres://") && !strings.HasPrefix(c.DatabaseURL, "postgresql://") {
		fail("database url must be a postgres:// DSN")
	}
	if c.S3.Enabled && (c.S3.AccessKeyID == "") != (c.S3.SecretAccessKey == "") {
		fail("S3 access key and secret key must be set together")
	}

	if c.Security.TrustedKeysDir != "" {
		if info, err := os.Stat(c.Security.TrustedKeysDir); err != nil || !info.IsDir() {
			fail("trusted keys dir %s is not a directory", c.Security.TrustedKeysDir)
		}
	}

	if _, err := logrus.ParseLevel(c.Observability.LogLevel); err != nil {
		fail("invalid log level %q", c.Observability.LogLevel)
	}
	switch strings.ToLower(c.Observability.LogFormat) {
	case "text", "json":
	default:
		fail("invalid log format %q (must be text or json)", c.Observability.LogFormat)
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			fail("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			fail("OpenTelemetry service name is required when OTel is enabled")
		}
		if r := c.Observability.OTelSampleRatio; r < 0 || r > 1 {
			fail("OpenTelemetry sample ratio must be within [0, 1], got %v", r)
		}
	}

	return result.ErrorOrNil()
}

// MetadataDSN is the metadata database: DatabaseURL when set, otherwise a
// SQLite file under the data dir.
func (c *Config) MetadataDSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return filepath.Join(c.DataDir, "plugins.db")
}

// PluginsDir is where installed plugin trees live.
func (c *Config) PluginsDir() string {
	return filepath.Join(c.DataDir, "plugins")
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
