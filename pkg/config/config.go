// Package config loads engine configuration from an optional YAML file and
// TAILWATCH_* environment overrides, with defaults suited to a single-node
// deployment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// WebSocket tuning shared by the live-tail hub.
const (
	WSReadBufferSize  = 1024
	WSWriteBufferSize = 1024
	WSBroadcastBuffer = 256
	WSChannelBuffer   = 10
	WSWriteDeadline   = 10 * time.Second
	WSReadDeadline    = 60 * time.Second
	WSPingInterval    = 30 * time.Second
)

// Config is the full engine configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Partition PartitionConfig `mapstructure:"partition"`
	Rollup    RollupConfig    `mapstructure:"rollup"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type StorageConfig struct {
	DataDir     string        `mapstructure:"data_dir"`
	InMemory    bool          `mapstructure:"in_memory"`
	MaxMemoryMB int64         `mapstructure:"max_memory_mb"`
	GCInterval  time.Duration `mapstructure:"gc_interval"`
}

type PartitionConfig struct {
	MaintenanceInterval time.Duration `mapstructure:"maintenance_interval"`
	DeleteSafetyMargin  time.Duration `mapstructure:"delete_safety_margin"`
	LogsGrace           time.Duration `mapstructure:"logs_grace"`
	MetricsGrace        time.Duration `mapstructure:"metrics_grace"`
	SpansGrace          time.Duration `mapstructure:"spans_grace"`
}

type RollupConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	LagTolerance1m time.Duration `mapstructure:"lag_tolerance_1m"`
	LagTolerance1h time.Duration `mapstructure:"lag_tolerance_1h"`
	LagTolerance1d time.Duration `mapstructure:"lag_tolerance_1d"`
}

type AlertingConfig struct {
	EvaluationInterval time.Duration `mapstructure:"evaluation_interval"`
	ResolveOnDisable   bool          `mapstructure:"resolve_on_disable"`
}

type NotifyConfig struct {
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	QueueSize   int           `mapstructure:"queue_size"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Debug  bool   `mapstructure:"debug"`
	Output string `mapstructure:"output"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("storage.data_dir", "./data/tailwatch")
	v.SetDefault("storage.in_memory", false)
	v.SetDefault("storage.max_memory_mb", 48)
	v.SetDefault("storage.gc_interval", 10*time.Minute)

	v.SetDefault("partition.maintenance_interval", 5*time.Minute)
	v.SetDefault("partition.delete_safety_margin", 10*time.Minute)
	v.SetDefault("partition.logs_grace", 48*time.Hour)
	v.SetDefault("partition.metrics_grace", 24*time.Hour)
	v.SetDefault("partition.spans_grace", 48*time.Hour)

	v.SetDefault("rollup.interval", 30*time.Second)
	v.SetDefault("rollup.lag_tolerance_1m", 10*time.Minute)
	v.SetDefault("rollup.lag_tolerance_1h", 2*time.Hour)
	v.SetDefault("rollup.lag_tolerance_1d", 26*time.Hour)

	v.SetDefault("alerting.evaluation_interval", 30*time.Second)
	v.SetDefault("alerting.resolve_on_disable", false)

	v.SetDefault("notify.timeout", 10*time.Second)
	v.SetDefault("notify.max_attempts", 4)
	v.SetDefault("notify.base_delay", 5*time.Second)
	v.SetDefault("notify.queue_size", 256)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.debug", false)
	v.SetDefault("log.output", "stdout")
}

// Load reads configuration. path may be empty, in which case only defaults
// and environment variables apply.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("TAILWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}
