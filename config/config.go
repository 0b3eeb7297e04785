package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/linesport/oddstream/errors"
)

// Storage mode constants
const (
	StorageModeMemory = "memory" // In-memory only, records lost on restart
	StorageModeNATS   = "nats"   // NATS JetStream KV
	StorageModeRedis  = "redis"  // Redis
)

// Duration wraps time.Duration so YAML can carry values like "30s" or "7d"
// written as "168h".
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration string form.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the complete application configuration.
type Config struct {
	Version   string          `yaml:"version" json:"version"`
	Service   ServiceConfig   `yaml:"service" json:"service"`
	Gateway   GatewayConfig   `yaml:"gateway" json:"gateway"`
	Registry  RegistryConfig  `yaml:"registry" json:"registry"`
	Dedup     DedupConfig     `yaml:"dedup" json:"dedup"`
	Pool      PoolConfig      `yaml:"pool" json:"pool"`
	Lifecycle LifecycleConfig `yaml:"lifecycle" json:"lifecycle"`
	Storage   StorageConfig   `yaml:"storage" json:"storage"`
	NATS      NATSConfig      `yaml:"nats" json:"nats"`
	Redis     RedisConfig     `yaml:"redis" json:"redis"`
	Metrics   MetricsConfig   `yaml:"metrics" json:"metrics"`
}

// ServiceConfig identifies the deployment.
type ServiceConfig struct {
	Name        string `yaml:"name" json:"name"`
	Environment string `yaml:"environment" json:"environment"`
	LogLevel    string `yaml:"logLevel" json:"logLevel"`
}

// GatewayConfig holds the WebSocket ingest server settings.
type GatewayConfig struct {
	Port         int      `yaml:"port" json:"port"`
	Path         string   `yaml:"path" json:"path"`
	PingInterval Duration `yaml:"pingInterval" json:"pingInterval"`
	ReadTimeout  Duration `yaml:"readTimeout" json:"readTimeout"`
	WriteTimeout Duration `yaml:"writeTimeout" json:"writeTimeout"`
}

// RegistryConfig holds connection registry settings.
type RegistryConfig struct {
	QueueSize                int      `yaml:"queueSize" json:"queueSize"`
	Cooldown                 Duration `yaml:"cooldown" json:"cooldown"`
	CloseOnBackpressureLimit bool     `yaml:"closeOnBackpressureLimit" json:"closeOnBackpressureLimit"`
	CloseStreak              int64    `yaml:"closeStreak" json:"closeStreak"`
}

// DedupConfig holds fingerprint cache settings.
type DedupConfig struct {
	TTL             Duration `yaml:"ttl" json:"ttl"`
	CleanupInterval Duration `yaml:"cleanupInterval" json:"cleanupInterval"`
}

// PoolConfig holds dispatch pool settings. Zero workers means inline
// synchronous processing.
type PoolConfig struct {
	Workers   int `yaml:"workers" json:"workers"`
	QueueSize int `yaml:"queueSize" json:"queueSize"`
}

// LifecycleConfig holds the lifecycle engine's timing settings.
type LifecycleConfig struct {
	ActiveTimeout      Duration `yaml:"activeTimeout" json:"activeTimeout"`
	ValidationInterval Duration `yaml:"validationInterval" json:"validationInterval"`
	ArchivalDelay      Duration `yaml:"archivalDelay" json:"archivalDelay"`
	DeletionDelay      Duration `yaml:"deletionDelay" json:"deletionDelay"`
	SweepInterval      Duration `yaml:"sweepInterval" json:"sweepInterval"`
}

// StorageConfig selects the lifecycle store backend.
type StorageConfig struct {
	Mode string `yaml:"mode" json:"mode"`
}

// NATSConfig defines NATS connection settings.
type NATSConfig struct {
	URL           string   `yaml:"url" json:"url"`
	MaxReconnects int      `yaml:"maxReconnects" json:"maxReconnects"`
	ReconnectWait Duration `yaml:"reconnectWait" json:"reconnectWait"`
	MirrorSubject string   `yaml:"mirrorSubject" json:"mirrorSubject"`
}

// RedisConfig defines Redis connection settings.
type RedisConfig struct {
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Port    int    `yaml:"port" json:"port"`
	Path    string `yaml:"path" json:"path"`
}

// Default returns the standard configuration.
func Default() *Config {
	return &Config{
		Version: "1.0.0",
		Service: ServiceConfig{
			Name:        "oddstream",
			Environment: "dev",
			LogLevel:    "info",
		},
		Gateway: GatewayConfig{
			Port:         8080,
			Path:         "/ws",
			PingInterval: Duration(30 * time.Second),
			ReadTimeout:  Duration(60 * time.Second),
			WriteTimeout: Duration(10 * time.Second),
		},
		Registry: RegistryConfig{
			QueueSize:   256,
			Cooldown:    Duration(100 * time.Millisecond),
			CloseStreak: 50,
		},
		Dedup: DedupConfig{
			TTL:             Duration(5 * time.Minute),
			CleanupInterval: Duration(time.Minute),
		},
		Pool: PoolConfig{
			Workers:   4,
			QueueSize: 1024,
		},
		Lifecycle: LifecycleConfig{
			ActiveTimeout:      Duration(24 * time.Hour),
			ValidationInterval: Duration(6 * time.Hour),
			ArchivalDelay:      Duration(7 * 24 * time.Hour),
			DeletionDelay:      Duration(30 * 24 * time.Hour),
			SweepInterval:      Duration(60 * time.Second),
		},
		Storage: StorageConfig{Mode: StorageModeMemory},
		NATS: NATSConfig{
			URL:           "",
			MaxReconnects: -1,
			ReconnectWait: Duration(2 * time.Second),
			MirrorSubject: "ticks.processed",
		},
		Redis: RedisConfig{
			Host: "localhost",
			Port: 6379,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
	}
}

// Load reads path, applies environment overrides, and validates the result.
// A missing file is not an error: defaults plus environment apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// fall through to env overrides
		case err != nil:
			return nil, errors.Wrap(err, "config", "Load", "read "+path)
		default:
			if err := validateSchema(data); err != nil {
				return nil, err
			}
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, errors.WrapInvalid(err, "config", "Load", "parse "+path)
			}
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides maps ODDSTREAM_* variables onto config fields.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("ODDSTREAM_LOG_LEVEL"); v != "" {
		c.Service.LogLevel = v
	}
	if v := os.Getenv("ODDSTREAM_ENVIRONMENT"); v != "" {
		c.Service.Environment = v
	}
	if v := os.Getenv("ODDSTREAM_GATEWAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Gateway.Port = port
		}
	}
	if v := os.Getenv("ODDSTREAM_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Metrics.Port = port
		}
	}
	if v := os.Getenv("ODDSTREAM_STORAGE_MODE"); v != "" {
		c.Storage.Mode = v
	}
	if v := os.Getenv("ODDSTREAM_NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv("ODDSTREAM_REDIS_HOST"); v != "" {
		c.Redis.Host = v
	}
	if v := os.Getenv("ODDSTREAM_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("ODDSTREAM_POOL_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.Pool.Workers = n
		}
	}
}

// Validate enforces the semantic rules the schema cannot express.
func (c *Config) Validate() error {
	if c.Gateway.Port < 1024 || c.Gateway.Port > 65535 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			fmt.Sprintf("gateway.port %d out of range 1024-65535", c.Gateway.Port))
	}
	if c.Gateway.Path == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate", "gateway.path is required")
	}
	if c.Pool.Workers < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			fmt.Sprintf("pool.workers must be >= 0, got %d", c.Pool.Workers))
	}
	if c.Dedup.TTL <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate", "dedup.ttl must be positive")
	}

	switch c.Storage.Mode {
	case StorageModeMemory:
	case StorageModeNATS:
		if c.NATS.URL == "" {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
				"storage.mode nats requires nats.url")
		}
	case StorageModeRedis:
		if c.Redis.Host == "" {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
				"storage.mode redis requires redis.host")
		}
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			fmt.Sprintf("unknown storage.mode %q", c.Storage.Mode))
	}

	if c.Metrics.Enabled {
		if c.Metrics.Port < 1024 || c.Metrics.Port > 65535 {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
				fmt.Sprintf("metrics.port %d out of range 1024-65535", c.Metrics.Port))
		}
		if c.Metrics.Port == c.Gateway.Port {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
				"metrics.port must differ from gateway.port")
		}
	}

	switch c.Service.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			fmt.Sprintf("unknown logLevel %q", c.Service.LogLevel))
	}
	return nil
}

// Clone creates a deep copy of the configuration.
func (c *Config) Clone() *Config {
	if c == nil {
		return Default()
	}
	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}
	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}
