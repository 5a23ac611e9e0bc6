// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Download  DownloadConfig  `mapstructure:"download"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// SchedulerConfig governs the polling loop and worker pool.
type SchedulerConfig struct {
	MaxWorkers          int `mapstructure:"max_workers"`
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds"`
	StaleAfterSeconds   int `mapstructure:"stale_after_seconds"`
}

// DownloadConfig bounds individual download executions.
type DownloadConfig struct {
	Binary         string `mapstructure:"binary"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	MaxSizeMB      int    `mapstructure:"max_size_mb"`
	MergeFormat    string `mapstructure:"merge_format"`
}

// StorageConfig sets local filesystem paths for artifact files.
type StorageConfig struct {
	Root     string `mapstructure:"root"`
	VideoDir string `mapstructure:"video_dir"`
	TempDir  string `mapstructure:"temp_dir"`
}

// DBConfig controls access to the relational database. An empty DSN selects
// the in-memory store.
type DBConfig struct {
	DSN                 string `mapstructure:"dsn"`
	MaxConns            int    `mapstructure:"max_conns"`
	MinConns            int    `mapstructure:"min_conns"`
	ConnLifetimeSeconds int    `mapstructure:"conn_lifetime_seconds"`
}

// ProgressConfig tunes the event broadcaster and database write throttling.
type ProgressConfig struct {
	BufferSize           int `mapstructure:"buffer_size"`
	WriteIntervalSeconds int `mapstructure:"write_interval_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("VIDNAG")
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
	v.SetDefault("scheduler.max_workers", 4)
	v.SetDefault("scheduler.poll_interval_seconds", 5)
	v.SetDefault("scheduler.stale_after_seconds", 3600)
	v.SetDefault("download.binary", "yt-dlp")
	v.SetDefault("download.timeout_seconds", 300)
	v.SetDefault("download.max_size_mb", 1000)
	v.SetDefault("download.merge_format", "mp4")
	v.SetDefault("storage.root", "/var/vidnag")
	v.SetDefault("storage.video_dir", "videos")
	v.SetDefault("storage.temp_dir", "tmp")
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.conn_lifetime_seconds", 1800)
	v.SetDefault("progress.buffer_size", 16)
	v.SetDefault("progress.write_interval_seconds", 2)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Scheduler.MaxWorkers <= 0 {
		return fmt.Errorf("scheduler.max_workers must be > 0")
	}
	if c.Scheduler.PollIntervalSeconds <= 0 {
		return fmt.Errorf("scheduler.poll_interval_seconds must be > 0")
	}
	if c.Download.TimeoutSeconds <= 0 {
		return fmt.Errorf("download.timeout_seconds must be > 0")
	}
	if c.Download.MaxSizeMB <= 0 {
		return fmt.Errorf("download.max_size_mb must be > 0")
	}
	if c.Storage.Root == "" {
		return fmt.Errorf("storage.root must be set")
	}
	if c.Progress.WriteIntervalSeconds <= 0 {
		return fmt.Errorf("progress.write_interval_seconds must be > 0")
	}
	return nil
}

// PollInterval returns the scheduler poll cadence as a duration.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Scheduler.PollIntervalSeconds) * time.Second
}

// DownloadTimeout returns the per-job execution budget as a duration.
func (c Config) DownloadTimeout() time.Duration {
	return time.Duration(c.Download.TimeoutSeconds) * time.Second
}

// StaleAfter returns how long a running job may be unobserved before startup
// reconciliation fails it.
func (c Config) StaleAfter() time.Duration {
	return time.Duration(c.Scheduler.StaleAfterSeconds) * time.Second
}

// ProgressWriteInterval returns the minimum spacing between progress rows.
func (c Config) ProgressWriteInterval() time.Duration {
	return time.Duration(c.Progress.WriteIntervalSeconds) * time.Second
}
