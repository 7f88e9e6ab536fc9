// Package config loads process configuration from an optional YAML file,
// a .env file and the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Lastfm   LastfmConfig   `yaml:"lastfm"`
	Sync     SyncConfig     `yaml:"sync"`
	Stats    StatsConfig    `yaml:"stats"`
	HTTP     HTTPConfig     `yaml:"http"`
	Log      LogConfig      `yaml:"log"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type LastfmConfig struct {
	Username        string        `yaml:"username"`
	APIKey          string        `yaml:"api_key"`
	BaseURL         string        `yaml:"base_url"`
	Timeout         time.Duration `yaml:"timeout"`
	CacheTTL        time.Duration `yaml:"cache_ttl"`
	RequestInterval time.Duration `yaml:"request_interval"`
}

type SyncConfig struct {
	Enabled             *bool         `yaml:"enabled"`
	Interval            time.Duration `yaml:"interval"`
	StartupGrace        time.Duration `yaml:"startup_grace"`
	PageSize            int           `yaml:"page_size"`
	BackfillPages       int           `yaml:"backfill_pages"`
	IncrementalMaxPages int           `yaml:"incremental_max_pages"`
	CycleTimeout        time.Duration `yaml:"cycle_timeout"`
}

// SchedulerEnabled reports whether the periodic sync loop should run.
func (s SyncConfig) SchedulerEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

type StatsConfig struct {
	TrendDays int           `yaml:"trend_days"`
	TopLimit  int           `yaml:"top_limit"`
	FreshFor  time.Duration `yaml:"fresh_for"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads the configuration. A missing file at path is not an error;
// an empty path skips the file entirely.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config file: %w", err)
		default:
			expanded := os.ExpandEnv(string(data))
			if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	cfg.applyEnv()
	cfg.setDefaults()

	return &cfg, nil
}

func (c *Config) applyEnv() {
	overrides := []struct {
		key string
		dst *string
	}{
		{"DATABASE_URL", &c.Database.URL},
		{"LASTFM_API_KEY", &c.Lastfm.APIKey},
		{"LASTFM_USERNAME", &c.Lastfm.Username},
		{"HTTP_ADDR", &c.HTTP.Addr},
		{"LOG_LEVEL", &c.Log.Level},
		{"LOG_FORMAT", &c.Log.Format},
	}
	for _, o := range overrides {
		if v, ok := os.LookupEnv(o.key); ok && v != "" {
			*o.dst = v
		}
	}
}

func (c *Config) setDefaults() {
	if c.Database.URL == "" {
		c.Database.URL = "postgres://localhost:5432/listening_history?sslmode=disable"
	}
	if c.Lastfm.Timeout == 0 {
		c.Lastfm.Timeout = 10 * time.Second
	}
	if c.Lastfm.CacheTTL == 0 {
		c.Lastfm.CacheTTL = 15 * time.Minute
	}
	if c.Lastfm.RequestInterval == 0 {
		c.Lastfm.RequestInterval = 250 * time.Millisecond
	}
	if c.Sync.Interval == 0 {
		c.Sync.Interval = 15 * time.Minute
	}
	if c.Sync.StartupGrace == 0 {
		c.Sync.StartupGrace = 10 * time.Second
	}
	if c.Sync.PageSize == 0 {
		c.Sync.PageSize = 200
	}
	if c.Sync.BackfillPages == 0 {
		c.Sync.BackfillPages = 10
	}
	if c.Sync.IncrementalMaxPages == 0 {
		c.Sync.IncrementalMaxPages = 50
	}
	if c.Sync.CycleTimeout == 0 {
		c.Sync.CycleTimeout = 10 * time.Minute
	}
	if c.Stats.TrendDays == 0 {
		c.Stats.TrendDays = 30
	}
	if c.Stats.TopLimit == 0 {
		c.Stats.TopLimit = 10
	}
	if c.Stats.FreshFor == 0 {
		c.Stats.FreshFor = 30 * time.Minute
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = "127.0.0.1:8080"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
}
