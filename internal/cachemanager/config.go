package cachemanager

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultLanguage = "en-GB"
	portPlaceholder = "{port}"
)

type Config struct {
	Server struct {
		Port        int    `yaml:"port"`
		MaxBodySize string `yaml:"maxBodySize"`

		maxBody int64
	} `yaml:"server"`

	Store struct {
		ConnectionString string `yaml:"connectionString"`
		TableName        string `yaml:"tableName"`
		TTL              string `yaml:"ttl"`

		ttlDur time.Duration
	} `yaml:"store"`

	Renderer struct {
		// URL of the local renderer; {port} is replaced by the port from the
		// request path.
		URL     string `yaml:"url"`
		Timeout string `yaml:"timeout"`

		timeoutDur time.Duration
	} `yaml:"renderer"`

	Cache struct {
		DedupeInflight    bool `yaml:"dedupeInflight"`
		BackgroundInserts int  `yaml:"backgroundInserts"`
	} `yaml:"cache"`

	Logging struct {
		LogStatsEvery string `yaml:"logStatsEvery"`

		logStatsEveryDur time.Duration
	} `yaml:"logging"`

	Warmup struct {
		Every    string          `yaml:"every"`
		Requests []WarmupRequest `yaml:"requests"`

		everyDur time.Duration
	} `yaml:"warmup"`
}

// WarmupRequest is a prerender request replayed periodically.
type WarmupRequest struct {
	Port       int            `yaml:"port"`
	RemoteName string         `yaml:"remoteName"`
	Language   string         `yaml:"language"`
	Body       map[string]any `yaml:"body"`
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

// ParseConfig decodes YAML, applies the CONNECTION_STRING and TABLE_NAME
// environment overrides and the defaults, and validates the result.
func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if v := os.Getenv("CONNECTION_STRING"); v != "" {
		cfg.Store.ConnectionString = v
	}
	if v := os.Getenv("TABLE_NAME"); v != "" {
		cfg.Store.TableName = v
	}

	if cfg.Server.Port == 0 {
		cfg.Server.Port = 3001
	}
	if cfg.Server.MaxBodySize == "" {
		cfg.Server.MaxBodySize = "1mb"
	}
	n, err := parseBytes(cfg.Server.MaxBodySize)
	if err != nil {
		return Config{}, fmt.Errorf("server.maxBodySize: %w", err)
	}
	cfg.Server.maxBody = n

	if cfg.Store.ConnectionString == "" {
		cfg.Store.ConnectionString = "leveldb://./data/prerender"
	}
	if cfg.Store.TableName == "" {
		cfg.Store.TableName = "prerender"
	}
	if cfg.Store.TTL == "" {
		cfg.Store.TTL = "10m"
	}
	if cfg.Store.ttlDur, err = parsePositiveDuration(cfg.Store.TTL); err != nil {
		return Config{}, fmt.Errorf("store.ttl: %w", err)
	}

	if cfg.Renderer.URL == "" {
		cfg.Renderer.URL = "http://127.0.0.1:{port}/prerender"
	}
	if !strings.Contains(cfg.Renderer.URL, portPlaceholder) {
		return Config{}, fmt.Errorf("renderer.url must contain %s", portPlaceholder)
	}
	if cfg.Renderer.Timeout != "" {
		if cfg.Renderer.timeoutDur, err = parsePositiveDuration(cfg.Renderer.Timeout); err != nil {
			return Config{}, fmt.Errorf("renderer.timeout: %w", err)
		}
	}

	if cfg.Cache.BackgroundInserts == 0 {
		cfg.Cache.BackgroundInserts = 32
	}
	if cfg.Cache.BackgroundInserts < 0 {
		return Config{}, fmt.Errorf("cache.backgroundInserts must be positive")
	}

	if cfg.Logging.LogStatsEvery != "" {
		if cfg.Logging.logStatsEveryDur, err = parsePositiveDuration(cfg.Logging.LogStatsEvery); err != nil {
			return Config{}, fmt.Errorf("logging.logStatsEvery: %w", err)
		}
	}

	if cfg.Warmup.Every != "" {
		if cfg.Warmup.everyDur, err = parsePositiveDuration(cfg.Warmup.Every); err != nil {
			return Config{}, fmt.Errorf("warmup.every: %w", err)
		}
	}
	for i := range cfg.Warmup.Requests {
		w := &cfg.Warmup.Requests[i]
		if w.Port <= 0 || w.Port > 65535 {
			return Config{}, fmt.Errorf("warmup.requests[%d].port: invalid port %d", i, w.Port)
		}
		if w.Language == "" {
			w.Language = DefaultLanguage
		}
	}

	return cfg, nil
}

func parsePositiveDuration(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive, got %s", s)
	}
	return d, nil
}
