package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "sandboxrun.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path. The YAML file is
// optional; a missing file is not an error.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

func loadYAML(cfg *Config, path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// loadEnv overlays environment variables onto cfg. Only non-empty values
// override.
func loadEnv(cfg *Config) {
	setInt(&cfg.Server.HTTPPort, "SANDBOXRUN_HTTP_PORT")
	setInt(&cfg.Server.InternalPort, "SANDBOXRUN_INTERNAL_PORT")
	setInt(&cfg.Server.RPCPort, "SANDBOXRUN_RPC_PORT")
	setDuration(&cfg.Server.ShutdownTimeout, "SANDBOXRUN_SHUTDOWN_TIMEOUT")
	setString(&cfg.Database.Driver, "SANDBOXRUN_DB_DRIVER")
	setString(&cfg.Database.URL, "DATABASE_URL")
	setInt32(&cfg.Database.MaxConns, "SANDBOXRUN_DB_MAX_CONNS")
	setInt(&cfg.Lifecycle.ThreadIDMaxLength, "SANDBOXRUN_THREAD_ID_MAX_LENGTH")
	setDuration(&cfg.Lifecycle.IdleTimeout, "SANDBOXRUN_IDLE_TIMEOUT")
	setDuration(&cfg.Lifecycle.BootTimeout, "SANDBOXRUN_BOOT_TIMEOUT")
	setDuration(&cfg.Lifecycle.DefaultMaxDuration, "SANDBOXRUN_DEFAULT_MAX_DURATION")
	setBool(&cfg.Sweeper.Enabled, "SANDBOXRUN_SWEEPER_ENABLED")
	setString(&cfg.Sweeper.Schedule, "SANDBOXRUN_SWEEPER_SCHEDULE")
	setInt(&cfg.Sweeper.BatchLimit, "SANDBOXRUN_SWEEPER_BATCH_LIMIT")
	setDuration(&cfg.Sweeper.Timeout, "SANDBOXRUN_SWEEPER_TIMEOUT")
	setDuration(&cfg.Access.CacheTTL, "SANDBOXRUN_ACCESS_CACHE_TTL")
	setInt64(&cfg.Access.CacheMaxItems, "SANDBOXRUN_ACCESS_CACHE_MAX_ITEMS")
	setString(&cfg.Access.PolicyFile, "SANDBOXRUN_POLICY_FILE")
	setDuration(&cfg.RateLimit.Window, "SANDBOXRUN_RATE_LIMIT_WINDOW")
	setInt(&cfg.RateLimit.MaxRuns, "SANDBOXRUN_RATE_LIMIT_MAX_RUNS")
	setString(&cfg.Logging.Level, "SANDBOXRUN_LOG_LEVEL")
	setString(&cfg.Logging.Format, "SANDBOXRUN_LOG_FORMAT")
	setBool(&cfg.Telemetry.Enabled, "SANDBOXRUN_TELEMETRY_ENABLED")
	setString(&cfg.Telemetry.Endpoint, "SANDBOXRUN_TELEMETRY_ENDPOINT")
}

func validate(cfg *Config) error {
	switch cfg.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", cfg.Database.Driver)
	}
	if cfg.Database.URL == "" {
		return errors.New("database.url is required")
	}
	if cfg.Server.HTTPPort <= 0 || cfg.Server.InternalPort <= 0 {
		return errors.New("server.http_port and server.internal_port must be > 0")
	}
	if cfg.Lifecycle.ThreadIDMaxLength < 1 {
		return errors.New("lifecycle.thread_id_max_length must be >= 1")
	}
	if cfg.Lifecycle.IdleTimeout <= 0 || cfg.Lifecycle.BootTimeout <= 0 || cfg.Lifecycle.DefaultMaxDuration <= 0 {
		return errors.New("lifecycle timeouts must be > 0")
	}
	if cfg.Sweeper.Enabled && cfg.Sweeper.Schedule == "" {
		return errors.New("sweeper.schedule is required when the sweeper is enabled")
	}
	if cfg.Sweeper.BatchLimit < 1 {
		return errors.New("sweeper.batch_limit must be >= 1")
	}
	if cfg.RateLimit.MaxRuns < 0 {
		return errors.New("rate_limit.max_runs must be >= 0")
	}
	if cfg.RateLimit.MaxRuns > 0 && cfg.RateLimit.Window <= 0 {
		return errors.New("rate_limit.window must be > 0 when max_runs is set")
	}
	switch cfg.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", cfg.Logging.Format)
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
