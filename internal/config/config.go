// Package config loads and validates sitecapture configuration via Viper.
//
// There are three surfaces: the gateway service (file plus SITECAPTURE_* environment),
// the worker (environment only, four keys) and the CLI client (a region table file).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is shared by every surface.
const EnvPrefix = "SITECAPTURE"

// MaxGCSCapabilityTTL is the longest lifetime GCS accepts for a V4 signed URL.
const MaxGCSCapabilityTTL = 7 * 24 * time.Hour

// Storage backends.
const (
	StorageGCS    = "gcs"
	StorageLocal  = "local"
	StorageMemory = "memory"
)

// Queue backends.
const (
	QueuePostgres = "postgres"
	QueueMemory   = "memory"
)

// Autoscale backends.
const (
	AutoscaleProcess = "process"
	AutoscaleMemory  = "memory"
)

// Config captures all gateway service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Region      string            `mapstructure:"region"`
	Queue       QueueConfig       `mapstructure:"queue"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Autoscale   AutoscaleConfig   `mapstructure:"autoscale"`
	PubSub      PubSubConfig      `mapstructure:"pubsub"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Application ApplicationConfig `mapstructure:"application"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
	// PublicURL is the externally reachable gateway address used in capability URLs
	// for stores the gateway serves itself.
	PublicURL string `mapstructure:"public_url"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// QueueConfig selects and tunes the job queue.
type QueueConfig struct {
	Backend         string        `mapstructure:"backend"`
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	DepthThreshold  int           `mapstructure:"depth_threshold"`
}

// StorageConfig selects the artifact store and capability signing.
type StorageConfig struct {
	Backend        string        `mapstructure:"backend"`
	Bucket         string        `mapstructure:"bucket"`
	GoogleAccessID string        `mapstructure:"google_access_id"`
	PrivateKeyFile string        `mapstructure:"private_key_file"`
	LocalDir       string        `mapstructure:"local_dir"`
	SigningSecret  string        `mapstructure:"signing_secret"`
	CapabilityTTL  time.Duration `mapstructure:"capability_ttl"`
}

// AutoscaleConfig controls the worker pool.
type AutoscaleConfig struct {
	Backend       string   `mapstructure:"backend"`
	Min           int      `mapstructure:"min"`
	Max           int      `mapstructure:"max"`
	WorkerCommand string   `mapstructure:"worker_command"`
	WorkerArgs    []string `mapstructure:"worker_args"`
}

// PubSubConfig holds metadata for submission notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool     `mapstructure:"development"`
	OutputPaths []string `mapstructure:"output_paths"`
}

// ApplicationConfig describes the service for tracing resources.
type ApplicationConfig struct {
	ServiceName string `mapstructure:"service_name"`
	Version     string `mapstructure:"version"`
	// TraceProjectID enables export to Google Cloud Trace when set.
	TraceProjectID string `mapstructure:"trace_project_id"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := newViper()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.public_url", "http://localhost:8080")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("region", "local")
	v.SetDefault("queue.backend", QueueMemory)
	v.SetDefault("queue.table", "capture_jobs")
	v.SetDefault("queue.max_conns", 4)
	v.SetDefault("queue.max_conn_lifetime", "30m")
	v.SetDefault("queue.depth_threshold", 10)
	v.SetDefault("storage.backend", StorageMemory)
	v.SetDefault("storage.local_dir", "artifacts")
	v.SetDefault("storage.capability_ttl", "24h")
	v.SetDefault("autoscale.backend", AutoscaleMemory)
	v.SetDefault("autoscale.min", 0)
	v.SetDefault("autoscale.max", 4)
	v.SetDefault("autoscale.worker_args", []string{"worker"})
	v.SetDefault("logging.development", true)
	v.SetDefault("application.service_name", "sitecapture-gateway")
	v.SetDefault("application.version", "dev")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if strings.TrimSpace(c.Region) == "" {
		return fmt.Errorf("region is required")
	}
	if c.Queue.DepthThreshold <= 0 {
		return fmt.Errorf("queue.depth_threshold must be > 0")
	}
	switch c.Queue.Backend {
	case QueuePostgres:
		if c.Queue.DSN == "" {
			return fmt.Errorf("queue.dsn is required for the postgres queue")
		}
	case QueueMemory:
	default:
		return fmt.Errorf("unknown queue.backend %q", c.Queue.Backend)
	}
	switch c.Storage.Backend {
	case StorageGCS:
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket is required for gcs")
		}
	case StorageLocal, StorageMemory:
		if len(c.Storage.SigningSecret) < 16 {
			return fmt.Errorf("storage.signing_secret must be at least 16 bytes for %s storage", c.Storage.Backend)
		}
		if c.Server.PublicURL == "" {
			return fmt.Errorf("server.public_url is required for %s storage", c.Storage.Backend)
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	if c.Storage.CapabilityTTL <= 0 {
		return fmt.Errorf("storage.capability_ttl must be > 0")
	}
	// Signing happens after enqueue, so an unsignable TTL would strand every job.
	if c.Storage.Backend == StorageGCS && c.Storage.CapabilityTTL > MaxGCSCapabilityTTL {
		return fmt.Errorf("storage.capability_ttl %s exceeds the gcs signed url limit of %s",
			c.Storage.CapabilityTTL, MaxGCSCapabilityTTL)
	}
	if c.Autoscale.Min < 0 || c.Autoscale.Max < c.Autoscale.Min || c.Autoscale.Max == 0 {
		return fmt.Errorf("autoscale bounds must satisfy 0 <= min <= max and max > 0")
	}
	switch c.Autoscale.Backend {
	case AutoscaleProcess:
		// Worker subprocesses cannot see in-process state.
		if c.Queue.Backend != QueuePostgres || c.Storage.Backend == StorageMemory {
			return fmt.Errorf("autoscale.backend process needs the postgres queue and gcs or local storage")
		}
	case AutoscaleMemory:
	default:
		return fmt.Errorf("unknown autoscale.backend %q", c.Autoscale.Backend)
	}
	return nil
}
