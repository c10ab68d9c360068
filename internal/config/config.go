package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Defaults for runtime knobs. Values are overridable via env or the
// settings table; the settings table wins for scheduler knobs.
const (
	DefaultListenPort        = 2542
	DefaultCollectionTimeout = 600 * time.Second
	DefaultRetryCount        = 3
	DefaultRetentionDays     = 30
	DefaultWorkers           = 2
	DefaultRateLimitRequests = 100
	DefaultRateLimitWindow   = 60 * time.Second
)

// Config is the start-of-process configuration. It is immutable after
// Load except for the fields the Watcher updates under its own lock.
type Config struct {
	DataDir    string
	DBPath     string
	ListenHost string
	ListenPort int

	LogLevel  string
	LogFormat string

	Environment string
	CORSOrigins string

	// Credential vault
	MasterKey []byte
	KeySalt   string

	// Privileged ingest
	IngestAPIKey string

	// Collection knobs
	CollectionInterval    time.Duration
	CollectionTimeout     time.Duration
	CollectionRetryCount  int
	DisableAutoCollection bool
	Workers               int
	RetentionDays         int

	// API
	RateLimitRequests int
	RateLimitWindow   time.Duration
	TrustProxyHeaders bool
}

// Load reads .env from the data dir (if present), overlays process env,
// and validates the result.
func Load() (*Config, error) {
	dataDir := os.Getenv("BLACKLIST_DATA_DIR")
	if dataDir == "" {
		dataDir = "/etc/blacklist"
	}

	envFile := filepath.Join(dataDir, ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			log.Warn().Err(err).Str("path", envFile).Msg("Failed to load env file")
		}
	}
	// Also pick up a .env in the working directory for development.
	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("Loaded .env from working directory")
	}

	cfg := &Config{
		DataDir:              dataDir,
		DBPath:               filepath.Join(dataDir, "blacklist.db"),
		ListenHost:           "0.0.0.0",
		ListenPort:           DefaultListenPort,
		LogLevel:             "info",
		LogFormat:            "auto",
		Environment:          "production",
		CollectionTimeout:    DefaultCollectionTimeout,
		CollectionRetryCount: DefaultRetryCount,
		Workers:              DefaultWorkers,
		RetentionDays:        DefaultRetentionDays,
		RateLimitRequests:    DefaultRateLimitRequests,
		RateLimitWindow:      DefaultRateLimitWindow,
	}

	if v := os.Getenv("DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("LISTEN_HOST"); v != "" {
		cfg.ListenHost = v
	}
	if v := os.Getenv("LISTEN_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 && port < 65536 {
			cfg.ListenPort = port
		} else {
			log.Warn().Str("value", v).Msg("Invalid LISTEN_PORT, using default")
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.LogFormat = strings.ToLower(v)
	}
	if v := os.Getenv("ENVIRONMENT"); v != "" {
		cfg.Environment = strings.ToLower(v)
	}
	cfg.CORSOrigins = os.Getenv("CORS_ORIGINS")
	cfg.IngestAPIKey = os.Getenv("INGEST_API_KEY")
	cfg.KeySalt = os.Getenv("CREDENTIAL_KEY_SALT")
	if cfg.KeySalt == "" {
		// Deployment-fixed default; rotating it invalidates stored ciphertexts.
		cfg.KeySalt = "blacklist-credential-v1"
	}

	if v := os.Getenv("CREDENTIAL_MASTER_KEY"); v != "" {
		key, err := parseMasterKey(v)
		if err != nil {
			return nil, fmt.Errorf("CREDENTIAL_MASTER_KEY: %w", err)
		}
		cfg.MasterKey = key
	}

	if v := os.Getenv("COLLECTION_INTERVAL"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.CollectionInterval = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("COLLECTION_TIMEOUT"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.CollectionTimeout = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("COLLECTION_RETRY_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.CollectionRetryCount = n
		}
	}
	if v := os.Getenv("COLLECTION_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Workers = n
		}
	}
	if v := os.Getenv("RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RetentionDays = n
		}
	}
	if v := os.Getenv("DISABLE_AUTO_COLLECTION"); v != "" {
		cfg.DisableAutoCollection = parseBool(v)
	}
	if v := os.Getenv("RATE_LIMIT_REQUESTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RateLimitRequests = n
		}
	}
	if v := os.Getenv("RATE_LIMIT_WINDOW"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.RateLimitWindow = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("TRUST_PROXY_HEADERS"); v != "" {
		cfg.TrustProxyHeaders = parseBool(v)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces invariants that must hold before any component starts.
func (c *Config) Validate() error {
	if len(c.MasterKey) == 0 {
		return fmt.Errorf("CREDENTIAL_MASTER_KEY is required (32 bytes, hex or raw)")
	}
	if len(c.MasterKey) != 32 {
		return fmt.Errorf("CREDENTIAL_MASTER_KEY must be 32 bytes, got %d", len(c.MasterKey))
	}
	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return fmt.Errorf("invalid listen port %d", c.ListenPort)
	}
	if c.CollectionTimeout <= 0 {
		return fmt.Errorf("collection timeout must be positive")
	}
	return nil
}

// ListenAddr returns host:port for the HTTP server.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.ListenHost, c.ListenPort)
}

// parseMasterKey accepts a 64-char hex string or a raw 32-byte secret.
func parseMasterKey(v string) ([]byte, error) {
	v = strings.TrimSpace(v)
	if len(v) == 64 {
		if key, err := hex.DecodeString(v); err == nil {
			return key, nil
		}
	}
	if len(v) == 32 {
		return []byte(v), nil
	}
	return nil, fmt.Errorf("expected 64 hex chars or 32 raw bytes, got %d bytes", len(v))
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
