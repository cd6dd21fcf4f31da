package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the arkhaul server.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Archive  ArchiveConfig
	Transfer TransferConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

// ArchiveConfig points at the remote content archive's metadata API.
type ArchiveConfig struct {
	BaseURL string
	Timeout time.Duration
}

// TransferConfig controls the external transfer tool and job scheduling.
type TransferConfig struct {
	// Tool is the path of the external transfer program invoked once per job.
	Tool string
	// DownloadDir is the root all download destinations must stay under.
	DownloadDir string
	// MaxConcurrent bounds simultaneous running transfers (clamped to 1..10).
	MaxConcurrent int
	// CancelGrace is how long a cancelled runner gets to stop before the job
	// is force-finalized and the runner abandoned.
	CancelGrace time.Duration
	// ProgressInterval is the minimum spacing between persisted progress
	// updates for one job; faster updates are coalesced.
	ProgressInterval time.Duration
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("ARKHAUL_PORT", 8080),
			Env:  envString("ARKHAUL_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Archive: ArchiveConfig{
			BaseURL: os.Getenv("ARCHIVE_BASE_URL"),
			Timeout: envDuration("ARCHIVE_TIMEOUT", 30*time.Second),
		},
		Transfer: TransferConfig{
			Tool:             envString("ARKHAUL_TRANSFER_TOOL", "ia"),
			DownloadDir:      envString("ARKHAUL_DOWNLOAD_DIR", "/data"),
			MaxConcurrent:    envInt("ARKHAUL_MAX_CONCURRENT", 3),
			CancelGrace:      envDuration("ARKHAUL_CANCEL_GRACE", 5*time.Second),
			ProgressInterval: envDuration("ARKHAUL_PROGRESS_INTERVAL", 500*time.Millisecond),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	// Clamp the concurrency bound the way the settings UI does.
	if cfg.Transfer.MaxConcurrent < 1 {
		cfg.Transfer.MaxConcurrent = 1
	}
	if cfg.Transfer.MaxConcurrent > 10 {
		cfg.Transfer.MaxConcurrent = 10
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Archive.BaseURL == "" {
		return fmt.Errorf("ARCHIVE_BASE_URL is required")
	}
	if !strings.HasPrefix(c.Archive.BaseURL, "http://") && !strings.HasPrefix(c.Archive.BaseURL, "https://") {
		return fmt.Errorf("ARCHIVE_BASE_URL must start with http:// or https://, got %q", c.Archive.BaseURL)
	}

	if c.Transfer.Tool == "" {
		return fmt.Errorf("ARKHAUL_TRANSFER_TOOL must not be empty")
	}
	if c.Transfer.CancelGrace <= 0 {
		return fmt.Errorf("ARKHAUL_CANCEL_GRACE must be positive, got %s", c.Transfer.CancelGrace)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
