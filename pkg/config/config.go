package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// WorldLine storage backends.
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Config holds node configuration read from the environment.
type Config struct {
	LogLevel string

	WorldLineBackend string
	WorldLineDir     string
	DatabaseURL      string
	RedisAddr        string
	RunID            string
	HandleTTL        time.Duration

	// ReceiptsDB is a SQLite path; empty keeps receipts in memory.
	ReceiptsDB string

	OTLPEndpoint string
	OTLPInsecure bool

	LLMURL    string
	LLMModel  string
	LLMAPIKey string

	ArchiveBackend  string
	ArchiveDir      string
	ArchiveBucket   string
	ArchiveRegion   string
	ArchiveEndpoint string
	ArchivePrefix   string
}

// Load loads configuration from OPENIBANK_* environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		LogLevel:         getenv("OPENIBANK_LOG_LEVEL", "INFO"),
		WorldLineBackend: getenv("OPENIBANK_WORLDLINE_BACKEND", BackendMemory),
		WorldLineDir:     getenv("OPENIBANK_WORLDLINE_DIR", "data/worldline"),
		DatabaseURL:      os.Getenv("OPENIBANK_DATABASE_URL"),
		RedisAddr:        os.Getenv("OPENIBANK_REDIS_ADDR"),
		RunID:            getenv("OPENIBANK_RUN_ID", "default"),
		HandleTTL:        5 * time.Minute,
		ReceiptsDB:       os.Getenv("OPENIBANK_RECEIPTS_DB"),
		OTLPEndpoint:     os.Getenv("OPENIBANK_OTLP_ENDPOINT"),
		OTLPInsecure:     os.Getenv("OPENIBANK_OTLP_INSECURE") == "true",
		LLMURL:           getenv("OPENIBANK_LLM_URL", "http://localhost:1234/v1"),
		LLMModel:         getenv("OPENIBANK_LLM_MODEL", "local-model"),
		LLMAPIKey:        os.Getenv("OPENIBANK_LLM_API_KEY"),
		ArchiveBackend:   os.Getenv("OPENIBANK_ARCHIVE_BACKEND"),
		ArchiveDir:       getenv("OPENIBANK_ARCHIVE_DIR", "data/archive"),
		ArchiveBucket:    os.Getenv("OPENIBANK_ARCHIVE_BUCKET"),
		ArchiveRegion:    os.Getenv("OPENIBANK_ARCHIVE_REGION"),
		ArchiveEndpoint:  os.Getenv("OPENIBANK_ARCHIVE_ENDPOINT"),
		ArchivePrefix:    os.Getenv("OPENIBANK_ARCHIVE_PREFIX"),
	}
	if v := os.Getenv("OPENIBANK_HANDLE_TTL"); v != "" {
		d, err := parseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("OPENIBANK_HANDLE_TTL: %w", err)
		}
		cfg.HandleTTL = d
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks backend selection and the settings each backend needs.
func (c *Config) Validate() error {
	switch c.WorldLineBackend {
	case BackendMemory:
	case BackendFile, BackendSQLite:
		if c.WorldLineDir == "" {
			return fmt.Errorf("config: %s backend needs OPENIBANK_WORLDLINE_DIR", c.WorldLineBackend)
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("config: postgres backend needs OPENIBANK_DATABASE_URL")
		}
	default:
		return fmt.Errorf("config: unknown worldline backend %q", c.WorldLineBackend)
	}
	if c.RunID == "" {
		return fmt.Errorf("config: run id is required")
	}
	if c.HandleTTL <= 0 {
		return fmt.Errorf("config: handle ttl must be positive, got %s", c.HandleTTL)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// SlogLevel returns the configured level; Validate has already checked it.
func (c *Config) SlogLevel() slog.Level {
	l, _ := ParseLevel(c.LogLevel)
	return l
}

// ParseLevel accepts DEBUG, INFO, WARN or ERROR in any case.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("config: invalid log level %q", s)
	}
	return l, nil
}

// parseDuration accepts Go durations or a bare number of seconds.
func parseDuration(s string) (time.Duration, error) {
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(s)
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
