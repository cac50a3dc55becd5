// Package config provides configuration for the sandbox run service.
// Precedence: defaults < YAML file < environment variables.
package config

import "time"

// Config holds the service configuration.
type Config struct {
	Server    Server    `yaml:"server"`
	Database  Database  `yaml:"database"`
	Lifecycle Lifecycle `yaml:"lifecycle"`
	Sweeper   Sweeper   `yaml:"sweeper"`
	Access    Access    `yaml:"access"`
	RateLimit RateLimit `yaml:"rate_limit"`
	Logging   Logging   `yaml:"logging"`
	Telemetry Telemetry `yaml:"telemetry"`
}

// Server holds listener settings. A zero RPCPort disables JSON-RPC.
type Server struct {
	HTTPPort        int           `yaml:"http_port"`
	InternalPort    int           `yaml:"internal_port"`
	RPCPort         int           `yaml:"rpc_port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Database selects the run store.
type Database struct {
	Driver   string `yaml:"driver"` // "sqlite" | "postgres"
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"max_conns"`
}

// Lifecycle holds the global run timeouts. It is read-only after startup.
type Lifecycle struct {
	ThreadIDMaxLength  int           `yaml:"thread_id_max_length"`
	IdleTimeout        time.Duration `yaml:"idle_timeout"`
	BootTimeout        time.Duration `yaml:"boot_timeout"`
	DefaultMaxDuration time.Duration `yaml:"default_max_duration"`
}

// Sweeper schedules the reconciliation pass.
type Sweeper struct {
	Enabled    bool          `yaml:"enabled"`
	Schedule   string        `yaml:"schedule"` // cron spec, e.g. "@every 30s"
	BatchLimit int           `yaml:"batch_limit"`
	Timeout    time.Duration `yaml:"timeout"`
}

// Access configures the membership gate.
type Access struct {
	CacheTTL      time.Duration `yaml:"cache_ttl"`
	CacheMaxItems int64         `yaml:"cache_max_items"`
	PolicyFile    string        `yaml:"policy_file"`
}

// RateLimit bounds run creation per principal. MaxRuns 0 disables it.
type RateLimit struct {
	Window  time.Duration `yaml:"window"`
	MaxRuns int           `yaml:"max_runs"`
}

// Logging configures the process logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" | "json"
}

// Telemetry configures metric export.
type Telemetry struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Server: Server{
			HTTPPort:        8080,
			InternalPort:    8081,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: Database{
			Driver:   "sqlite",
			URL:      "file:sandboxrun.db?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on",
			MaxConns: 10,
		},
		Lifecycle: Lifecycle{
			ThreadIDMaxLength:  256,
			IdleTimeout:        10 * time.Minute,
			BootTimeout:        2 * time.Minute,
			DefaultMaxDuration: time.Hour,
		},
		Sweeper: Sweeper{
			Enabled:    true,
			Schedule:   "@every 30s",
			BatchLimit: 100,
			Timeout:    20 * time.Second,
		},
		Access: Access{
			CacheTTL:      30 * time.Second,
			CacheMaxItems: 10_000,
		},
		RateLimit: RateLimit{
			Window: time.Hour,
		},
		Logging: Logging{
			Level:  "info",
			Format: "text",
		},
		Telemetry: Telemetry{
			Endpoint: "localhost:4317",
		},
	}
}
