package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
scheduler:
  max_workers: 8
  poll_interval_seconds: 2
  stale_after_seconds: 600
download:
  binary: /usr/local/bin/yt-dlp
  timeout_seconds: 120
  max_size_mb: 500
  merge_format: mkv
storage:
  root: /srv/media
  video_dir: clips
db:
  dsn: postgres://vidnag@localhost/vidnag
progress:
  buffer_size: 32
  write_interval_seconds: 1
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Scheduler.MaxWorkers != 8 {
		t.Fatalf("expected 8 workers, got %d", cfg.Scheduler.MaxWorkers)
	}
	if cfg.Download.Binary != "/usr/local/bin/yt-dlp" || cfg.Download.MaxSizeMB != 500 {
		t.Fatalf("expected download overrides to apply: %+v", cfg.Download)
	}
	if cfg.Storage.Root != "/srv/media" || cfg.Storage.VideoDir != "clips" {
		t.Fatalf("expected storage overrides to apply: %+v", cfg.Storage)
	}
	if cfg.Storage.TempDir != "tmp" {
		t.Fatalf("expected temp_dir default to survive, got %q", cfg.Storage.TempDir)
	}
	if got := cfg.PollInterval(); got != 2*time.Second {
		t.Fatalf("expected poll interval 2s, got %v", got)
	}
	if got := cfg.DownloadTimeout(); got != 120*time.Second {
		t.Fatalf("expected download timeout 120s, got %v", got)
	}
	if got := cfg.ProgressWriteInterval(); got != time.Second {
		t.Fatalf("expected progress write interval 1s, got %v", got)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Scheduler.MaxWorkers != 4 {
		t.Fatalf("expected default 4 workers, got %d", cfg.Scheduler.MaxWorkers)
	}
	if cfg.Scheduler.PollIntervalSeconds != 5 {
		t.Fatalf("expected default 5s poll, got %d", cfg.Scheduler.PollIntervalSeconds)
	}
	if cfg.Download.MaxSizeMB != 1000 {
		t.Fatalf("expected default 1000MB cap, got %d", cfg.Download.MaxSizeMB)
	}
	if cfg.Download.Binary != "yt-dlp" {
		t.Fatalf("expected default binary, got %q", cfg.Download.Binary)
	}
	if cfg.Storage.Root != "/var/vidnag" {
		t.Fatalf("expected default storage root, got %q", cfg.Storage.Root)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:    ServerConfig{Port: 8080},
		Scheduler: SchedulerConfig{MaxWorkers: 4, PollIntervalSeconds: 5},
		Download:  DownloadConfig{TimeoutSeconds: 300, MaxSizeMB: 1000},
		Storage:   StorageConfig{Root: "/var/vidnag"},
		Progress:  ProgressConfig{WriteIntervalSeconds: 2},
	}

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "invalid port",
			cfg: func() Config {
				c := base
				c.Server.Port = 0
				return c
			}(),
			want: "server.port",
		},
		{
			name: "invalid workers",
			cfg: func() Config {
				c := base
				c.Scheduler.MaxWorkers = 0
				return c
			}(),
			want: "scheduler.max_workers",
		},
		{
			name: "invalid poll interval",
			cfg: func() Config {
				c := base
				c.Scheduler.PollIntervalSeconds = -1
				return c
			}(),
			want: "scheduler.poll_interval_seconds",
		},
		{
			name: "invalid timeout",
			cfg: func() Config {
				c := base
				c.Download.TimeoutSeconds = 0
				return c
			}(),
			want: "download.timeout_seconds",
		},
		{
			name: "invalid size cap",
			cfg: func() Config {
				c := base
				c.Download.MaxSizeMB = 0
				return c
			}(),
			want: "download.max_size_mb",
		},
		{
			name: "missing storage root",
			cfg: func() Config {
				c := base
				c.Storage.Root = ""
				return c
			}(),
			want: "storage.root",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
