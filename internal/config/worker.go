package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Worker environment keys. A worker has no other configuration surface.
const (
	EnvLogDestination = EnvPrefix + "_LOG_DESTINATION"
	EnvQueueEndpoint  = EnvPrefix + "_QUEUE_ENDPOINT"
	EnvStorageBucket  = EnvPrefix + "_STORAGE_BUCKET"
	EnvRegion         = EnvPrefix + "_REGION"
)

// LocalBucketScheme marks a storage bucket that is a directory on local disk.
const LocalBucketScheme = "file://"

// WorkerConfig is the worker's environment.
type WorkerConfig struct {
	// LogDestination is a file path for logs in addition to stderr. Empty means stderr only.
	LogDestination string `mapstructure:"log_destination"`
	// QueueEndpoint is the Postgres DSN of the job queue.
	QueueEndpoint string `mapstructure:"queue_endpoint"`
	// StorageBucket is a GCS bucket name or file://<dir>.
	StorageBucket string `mapstructure:"storage_bucket"`
	Region        string `mapstructure:"region"`
}

// LoadWorker reads the worker configuration from the environment.
func LoadWorker() (WorkerConfig, error) {
	v := viper.New()
	for key, env := range map[string]string{
		"log_destination": EnvLogDestination,
		"queue_endpoint":  EnvQueueEndpoint,
		"storage_bucket":  EnvStorageBucket,
		"region":          EnvRegion,
	} {
		if err := v.BindEnv(key, env); err != nil {
			return WorkerConfig{}, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	var cfg WorkerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return WorkerConfig{}, fmt.Errorf("unmarshal worker config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return WorkerConfig{}, err
	}
	return cfg, nil
}

// Validate reports the first missing required key.
func (c WorkerConfig) Validate() error {
	switch {
	case strings.TrimSpace(c.QueueEndpoint) == "":
		return fmt.Errorf("%s is required", EnvQueueEndpoint)
	case strings.TrimSpace(c.StorageBucket) == "":
		return fmt.Errorf("%s is required", EnvStorageBucket)
	case strings.TrimSpace(c.Region) == "":
		return fmt.Errorf("%s is required", EnvRegion)
	case c.StorageBucket == LocalBucketScheme:
		return fmt.Errorf("%s needs a directory after %s", EnvStorageBucket, LocalBucketScheme)
	}
	return nil
}

// LocalDir returns the directory of a file:// bucket and whether the bucket is local.
func (c WorkerConfig) LocalDir() (string, bool) {
	dir, ok := strings.CutPrefix(c.StorageBucket, LocalBucketScheme)
	return dir, ok
}
