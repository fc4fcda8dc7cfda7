// =============================================================================
// agentrun configuration loader
// =============================================================================
// Unified configuration loading: defaults → YAML file → environment overrides.
//
// Usage:
//
//	cfg, err := config.Load("config.yaml")
//
// A missing file is not an error; defaults plus environment apply.
// =============================================================================
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete runtime configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	LLM        LLMConfig        `yaml:"llm"`
	Registry   RegistryConfig   `yaml:"registry"`
	Store      StoreConfig      `yaml:"store"`
	Permission PermissionConfig `yaml:"permission"`
	Session    SessionConfig    `yaml:"session"`
	Pool       PoolConfig       `yaml:"pool"`
	Redis      RedisConfig      `yaml:"redis"`
	Audit      AuditConfig      `yaml:"audit"`
	Log        LogConfig        `yaml:"log"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// ServerConfig configures the HTTP/WebSocket listener.
type ServerConfig struct {
	Addr            string   `yaml:"addr"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	IdleTimeout     Duration `yaml:"idle_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// LLMConfig configures the planner/optimizer model access.
type LLMConfig struct {
	APIKey      string   `yaml:"api_key"`
	BaseURL     string   `yaml:"base_url"`
	Model       string   `yaml:"model"`
	Timeout     Duration `yaml:"timeout"`
	MaxRetries  int      `yaml:"max_retries"`
	RatePerMin  int      `yaml:"rate_per_min"`
	Temperature float32  `yaml:"temperature"`
}

// RegistryConfig locates the node catalog document.
type RegistryConfig struct {
	Path string `yaml:"path"`
	// CatalogTokenBudget bounds SummarizeForPlanner output.
	CatalogTokenBudget int `yaml:"catalog_token_budget"`
}

// StoreConfig configures workflow template persistence.
type StoreConfig struct {
	Root string `yaml:"root"`
	// SimilarityLimit is how many templates the designer sees.
	SimilarityLimit int `yaml:"similarity_limit"`
}

// PermissionConfig configures permission request lifecycle.
type PermissionConfig struct {
	DefaultTTL    Duration `yaml:"default_ttl"`
	HardCap       Duration `yaml:"hard_cap"`
	SweepInterval Duration `yaml:"sweep_interval"`
}

// SessionConfig configures per-session limits.
type SessionConfig struct {
	Deadline       Duration `yaml:"deadline"`
	HistoryLimit   int      `yaml:"history_limit"`
	MaxConcurrency int      `yaml:"max_concurrency"`
}

// PoolConfig bounds concurrent capability invocations process-wide.
type PoolConfig struct {
	MaxWorkers int `yaml:"max_workers"`
}

// RedisConfig configures the optional retrieval cache. Empty Addr disables it.
type RedisConfig struct {
	Addr     string   `yaml:"addr"`
	Password string   `yaml:"password"`
	DB       int      `yaml:"db"`
	TTL      Duration `yaml:"ttl"`
}

// AuditConfig configures the permission audit trail. Empty Path disables it.
type AuditConfig struct {
	Path string `yaml:"path"`
}

// LogConfig configures zap.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			IdleTimeout:     Duration(120 * time.Second),
			ShutdownTimeout: Duration(30 * time.Second),
		},
		LLM: LLMConfig{
			Model:       "gemini-2.5-flash",
			Timeout:     Duration(120 * time.Second),
			MaxRetries:  3,
			RatePerMin:  60,
			Temperature: 0.7,
		},
		Registry: RegistryConfig{
			Path:               "config/nodes.json",
			CatalogTokenBudget: 4096,
		},
		Store: StoreConfig{
			Root:            "./workflows",
			SimilarityLimit: 3,
		},
		Permission: PermissionConfig{
			DefaultTTL:    Duration(5 * time.Minute),
			HardCap:       Duration(10 * time.Minute),
			SweepInterval: Duration(time.Second),
		},
		Session: SessionConfig{
			Deadline:       Duration(15 * time.Minute),
			HistoryLimit:   40,
			MaxConcurrency: 1,
		},
		Pool: PoolConfig{
			MaxWorkers: 64,
		},
		Redis: RedisConfig{
			TTL: Duration(10 * time.Minute),
		},
		Log: LogConfig{
			Level: "info",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "agentrun",
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file, and
// environment overrides, in that order.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// defaults + env only
		default:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays the documented environment variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("LLM_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("LLM_BASE_URL"); v != "" {
		c.LLM.BaseURL = v
	}
	if v := os.Getenv("LLM_MODEL"); v != "" {
		c.LLM.Model = v
	}
	if v := os.Getenv("STORE_ROOT"); v != "" {
		c.Store.Root = v
	}
	if v := os.Getenv("PERMISSION_DEFAULT_TTL_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			c.Permission.DefaultTTL = Duration(time.Duration(secs) * time.Second)
		}
	}
	if v := os.Getenv("SESSION_DEADLINE_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			c.Session.Deadline = Duration(time.Duration(secs) * time.Second)
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REGISTRY_PATH"); v != "" {
		c.Registry.Path = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.Addr = v
	}
}

// Validate checks invariants that would otherwise surface deep at runtime.
func (c *Config) Validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.Log.Level)
	}
	if c.Pool.MaxWorkers <= 0 {
		return fmt.Errorf("pool.max_workers must be positive, got %d", c.Pool.MaxWorkers)
	}
	if c.Permission.DefaultTTL <= 0 {
		return fmt.Errorf("permission.default_ttl must be positive")
	}
	if c.Permission.HardCap < c.Permission.DefaultTTL {
		c.Permission.HardCap = c.Permission.DefaultTTL
	}
	if c.Store.SimilarityLimit <= 0 {
		c.Store.SimilarityLimit = 3
	}
	if c.Session.Deadline <= 0 {
		return fmt.Errorf("session.deadline must be positive")
	}
	return nil
}
