// Package config loads and validates coordinator configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server       ServerConfig            `mapstructure:"server"`
	Auth         AuthConfig              `mapstructure:"auth"`
	DB           DBConfig                `mapstructure:"db"`
	Health       HealthConfig            `mapstructure:"health"`
	Intervention InterventionConfig      `mapstructure:"intervention"`
	Notify       NotifyConfig            `mapstructure:"notify"`
	Dispatcher   DispatcherConfig        `mapstructure:"dispatcher"`
	Archive      ArchiveConfig           `mapstructure:"archive"`
	Logging      LoggingConfig           `mapstructure:"logging"`
	Engines      map[string]EngineConfig `mapstructure:"engines"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// DBConfig controls access to the relational store. Provider selects the
// backend: "postgres" or "memory".
type DBConfig struct {
	Provider        string `mapstructure:"provider"`
	DSN             string `mapstructure:"dsn"`
	MaxConns        int32  `mapstructure:"max_conns"`
	MinConns        int32  `mapstructure:"min_conns"`
	MaxConnLifetime int    `mapstructure:"max_conn_lifetime_minutes"`
}

// HealthConfig governs circuit breaker behavior and EMA smoothing.
type HealthConfig struct {
	Alpha            float64 `mapstructure:"alpha"`
	FailureThreshold int     `mapstructure:"failure_threshold"`
	CooldownMinutes  int     `mapstructure:"cooldown_minutes"`
}

// EngineConfig describes one search engine's selection weight and quota.
type EngineConfig struct {
	Weight     float64 `mapstructure:"weight"`
	DailyQuota int64   `mapstructure:"daily_quota"`
}

// InterventionConfig controls the human intervention queue.
type InterventionConfig struct {
	TTLHours          int `mapstructure:"ttl_hours"`
	SweepIntervalMins int `mapstructure:"sweep_interval_minutes"`
}

// NotifyConfig selects the notification sink and coalescing delay. Provider
// is "log" or "pubsub".
type NotifyConfig struct {
	Provider     string `mapstructure:"provider"`
	DelaySeconds int    `mapstructure:"delay_seconds"`
	ProjectID    string `mapstructure:"project_id"`
	TopicName    string `mapstructure:"topic_name"`
}

// DispatcherConfig governs job fan-out.
type DispatcherConfig struct {
	Concurrency int `mapstructure:"concurrency"`
	QueueDepth  int `mapstructure:"queue_depth"`
}

// ArchiveConfig sets the session payload archive backend: "gcs", "local",
// or "noop".
type ArchiveConfig struct {
	Provider  string `mapstructure:"provider"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	BaseDir   string `mapstructure:"base_dir"`
	Prefix    string `mapstructure:"prefix"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("COORDINATOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

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

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("db.provider", "memory")
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.max_conn_lifetime_minutes", 30)
	v.SetDefault("health.alpha", 0.1)
	v.SetDefault("health.failure_threshold", 2)
	v.SetDefault("health.cooldown_minutes", 30)
	v.SetDefault("intervention.ttl_hours", 4)
	v.SetDefault("intervention.sweep_interval_minutes", 15)
	v.SetDefault("notify.provider", "log")
	v.SetDefault("notify.delay_seconds", 30)
	v.SetDefault("dispatcher.concurrency", 4)
	v.SetDefault("dispatcher.queue_depth", 64)
	v.SetDefault("archive.provider", "noop")
	v.SetDefault("archive.prefix", "sessions")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.DB.Provider == "postgres" && c.DB.DSN == "" {
		return fmt.Errorf("db.dsn must be set when db.provider is postgres")
	}
	if c.Health.Alpha <= 0 || c.Health.Alpha > 1 {
		return fmt.Errorf("health.alpha must be in (0, 1]")
	}
	if c.Health.FailureThreshold <= 0 {
		return fmt.Errorf("health.failure_threshold must be > 0")
	}
	if c.Health.CooldownMinutes <= 0 {
		return fmt.Errorf("health.cooldown_minutes must be > 0")
	}
	if c.Intervention.TTLHours <= 0 {
		return fmt.Errorf("intervention.ttl_hours must be > 0")
	}
	if c.Notify.Provider == "pubsub" && (c.Notify.ProjectID == "" || c.Notify.TopicName == "") {
		return fmt.Errorf("notify.project_id and notify.topic_name must be set when notify.provider is pubsub")
	}
	if c.Dispatcher.Concurrency <= 0 {
		return fmt.Errorf("dispatcher.concurrency must be > 0")
	}
	if c.Archive.Provider == "gcs" && c.Archive.GCSBucket == "" {
		return fmt.Errorf("archive.gcs_bucket must be set when archive.provider is gcs")
	}
	if c.Archive.Provider == "local" && c.Archive.BaseDir == "" {
		return fmt.Errorf("archive.base_dir must be set when archive.provider is local")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// Cooldown converts the configured cooldown window into a duration.
func (c Config) Cooldown() time.Duration {
	return time.Duration(c.Health.CooldownMinutes) * time.Minute
}

// InterventionTTL converts the configured item TTL into a duration.
func (c Config) InterventionTTL() time.Duration {
	return time.Duration(c.Intervention.TTLHours) * time.Hour
}

// CoalesceDelay converts the notification delay into a duration.
func (c Config) CoalesceDelay() time.Duration {
	return time.Duration(c.Notify.DelaySeconds) * time.Second
}
