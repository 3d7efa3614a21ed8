// Package engine wires the storage core (page/buffer/heap/index/catalog),
// the concurrency core (txn/recovery) and exposes the single collaborator
// spec.md §4.9/§10 names: Engine. Nothing else in the tree constructs a
// buffer pool, catalog, or lock manager directly.
package engine

import (
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config holds everything Open needs to bring a database file online.
// Grounded on tuannm99-novasql's internal/config.go NovaSqlConfig/LoadConfig
// pattern: a mapstructure-tagged struct populated by viper from YAML.
type Config struct {
	PoolSize int `mapstructure:"pool_size"`

	CheckpointIntervalCron        string `mapstructure:"checkpoint_interval_cron"`
	DeadlockDetectionIntervalCron string `mapstructure:"deadlock_detection_interval_cron"`

	ReadConcurrency int `mapstructure:"read_concurrency"`

	// DefaultIsolation is one of "read-uncommitted", "read-committed",
	// "repeatable-read" (spec.md §5).
	DefaultIsolation string `mapstructure:"default_isolation"`
}

// DefaultConfig matches spec.md §5's default isolation level and a
// conservative background-task cadence.
func DefaultConfig() Config {
	return Config{
		PoolSize:                      256,
		CheckpointIntervalCron:        "@every 30s",
		DeadlockDetectionIntervalCron: "@every 1s",
		ReadConcurrency:               8,
		DefaultIsolation:              "repeatable-read",
	}
}

// LoadConfig reads a YAML config file and overlays it onto DefaultConfig,
// mirroring tuannm99-novasql's LoadConfig(path) (*NovaSqlConfig, error).
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrap(err, "engine: read config")
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "engine: decode config")
	}
	return &cfg, nil
}
