// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/quotevoice/internal/archive"
	"github.com/ashureev/quotevoice/internal/storage"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string
	Session     SessionConfig
	Storage     StorageConfig
	Archive     ArchiveConfig
	Realtime    RealtimeConfig
	Vehicle     VehicleConfig
	RateLimit   RateLimitConfig
}

// SessionConfig controls the live session table.
type SessionConfig struct {
	Timeout       time.Duration
	MaxConcurrent int
	SweepInterval time.Duration
}

// StorageConfig selects and configures the artifact backend.
type StorageConfig struct {
	Backend         storage.Kind
	Root            string
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// ArchiveConfig controls conversation archiving.
type ArchiveConfig struct {
	CaptureAudio     bool
	SaveExtracted    bool
	Sanitize         archive.SanitizePolicy
	SnapshotInterval time.Duration
	JournalDir       string
}

// RealtimeConfig points at the remote conversational engine.
type RealtimeConfig struct {
	URL     string
	APIKey  string
	Model   string
	AgentID string
}

// VehicleConfig selects the vehicle catalogue. A non-empty CatalogAddr uses
// the gRPC catalogue; otherwise the YAML file at CatalogPath, or the embedded
// default when that is empty.
type VehicleConfig struct {
	CatalogAddr string
	CatalogPath string
}

// RateLimitConfig bounds session creation per client.
type RateLimitConfig struct {
	Requests int
	Window   time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	backend, err := storage.ParseKind(getEnv("STORAGE_BACKEND", ""))
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	sanitize, err := archive.ParseSanitizePolicy(getEnv("ARCHIVE_SANITIZE", ""))
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/quotevoice.db"),
		Session: SessionConfig{
			Timeout:       getEnvDuration("SESSION_TIMEOUT_MS", 30*time.Minute),
			MaxConcurrent: getEnvInt("MAX_CONCURRENT_SESSIONS", 100),
			SweepInterval: getEnvDuration("SESSION_SWEEP_INTERVAL_MS", 5*time.Minute),
		},
		Storage: StorageConfig{
			Backend:         backend,
			Root:            getEnv("STORAGE_ROOT", "./data/conversations"),
			Bucket:          getEnv("STORAGE_BUCKET", ""),
			Prefix:          getEnv("STORAGE_PREFIX", ""),
			Region:          getEnv("AWS_REGION", "us-east-1"),
			Endpoint:        getEnv("S3_ENDPOINT", ""),
			AccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
		},
		Archive: ArchiveConfig{
			CaptureAudio:     getEnvBool("ARCHIVE_CAPTURE_AUDIO", false),
			SaveExtracted:    getEnvBool("ARCHIVE_SAVE_EXTRACTED", true),
			Sanitize:         sanitize,
			SnapshotInterval: getEnvDuration("ARCHIVE_SNAPSHOT_INTERVAL_MS", 30*time.Second),
			JournalDir:       getEnv("ARCHIVE_JOURNAL_DIR", "./data/journal"),
		},
		Realtime: RealtimeConfig{
			URL:     getEnv("REALTIME_URL", "wss://api.openai.com/v1/realtime"),
			APIKey:  getEnv("REALTIME_API_KEY", ""),
			Model:   getEnv("REALTIME_MODEL", "gpt-4o-realtime-preview"),
			AgentID: getEnv("REALTIME_AGENT_ID", "quote-intake"),
		},
		Vehicle: VehicleConfig{
			CatalogAddr: getEnv("VEHICLE_CATALOG_ADDR", ""),
			CatalogPath: getEnv("VEHICLE_CATALOG_PATH", ""),
		},
		RateLimit: RateLimitConfig{
			Requests: getEnvInt("RATE_LIMIT_REQUESTS", 10),
			Window:   getEnvDuration("RATE_LIMIT_WINDOW_MS", time.Minute),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Session.Timeout <= 0 {
		return fmt.Errorf("SESSION_TIMEOUT_MS must be > 0")
	}
	if c.Session.MaxConcurrent <= 0 {
		return fmt.Errorf("MAX_CONCURRENT_SESSIONS must be > 0")
	}
	if c.Session.SweepInterval <= 0 {
		return fmt.Errorf("SESSION_SWEEP_INTERVAL_MS must be > 0")
	}
	switch c.Storage.Backend {
	case storage.KindLocal:
		if c.Storage.Root == "" {
			return fmt.Errorf("STORAGE_ROOT cannot be empty for the local backend")
		}
	case storage.KindS3:
		if c.Storage.Bucket == "" {
			return fmt.Errorf("STORAGE_BUCKET is required for the s3 backend")
		}
	}
	if c.Archive.SnapshotInterval <= 0 {
		return fmt.Errorf("ARCHIVE_SNAPSHOT_INTERVAL_MS must be > 0")
	}
	if c.Realtime.URL == "" {
		return fmt.Errorf("REALTIME_URL cannot be empty")
	}
	if c.RateLimit.Requests <= 0 || c.RateLimit.Window <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW_MS must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration reads a millisecond count.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	ms, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}
