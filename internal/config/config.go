// internal/config/config.go
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultDeviceURL      = "http://192.168.1.1:8080"
	DefaultRequestTimeout = 30 * time.Second
	DefaultFetchTimeout   = 10 * time.Second
	DefaultConcurrency    = 4
	MaxConcurrency        = 32
	DefaultPollInterval   = time.Minute
	DefaultEvidenceDir    = "evidence"
	DefaultCacheTTL       = 10 * time.Minute
	DefaultSimulatorAddr  = "127.0.0.1:8080"
)

// ClientConfig for the cellwatch client
type ClientConfig struct {
	DeviceURL       string          `yaml:"device_url"`
	RequestTimeout  time.Duration   `yaml:"request_timeout"`
	FetchTimeout    time.Duration   `yaml:"fetch_timeout"` // per report during aggregation
	Concurrency     int             `yaml:"concurrency"`
	RateLimit       float64         `yaml:"rate_limit"` // requests/second, 0 = unlimited
	EvidenceDir     string          `yaml:"evidence_dir"`
	LedgerPath      string          `yaml:"ledger_path"`
	StateFile       string          `yaml:"state_file"` // watch cursor
	PollInterval    time.Duration   `yaml:"poll_interval"`
	LogLevel        string          `yaml:"log_level"`
	CompressRawLogs bool            `yaml:"compress_raw_logs"`
	ReportCache     ReportCache     `yaml:"report_cache"`
	Simulator       SimulatorConfig `yaml:"simulator"`
}

// ReportCache configures the optional Redis report cache
type ReportCache struct {
	RedisURL string        `yaml:"redis_url"` // empty disables the cache
	TTL      time.Duration `yaml:"ttl"`
}

// SimulatorConfig for `cellwatch simulate`
type SimulatorConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	FixtureDir string `yaml:"fixture_dir"`
}

// Load reads config from a YAML file, applies env overrides and defaults,
// and validates the result. An empty path skips the file.
func Load(path string) (*ClientConfig, error) {
	var cfg ClientConfig

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	// Env overrides
	if v := os.Getenv("CELLWATCH_DEVICE_URL"); v != "" {
		cfg.DeviceURL = v
	}
	if v := os.Getenv("CELLWATCH_REDIS_URL"); v != "" {
		cfg.ReportCache.RedisURL = v
	}
	if v := os.Getenv("CELLWATCH_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *ClientConfig) applyDefaults() {
	if c.DeviceURL == "" {
		c.DeviceURL = DefaultDeviceURL
	}
	c.DeviceURL = strings.TrimRight(c.DeviceURL, "/")
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.FetchTimeout == 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
	if c.Concurrency == 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.EvidenceDir == "" {
		c.EvidenceDir = DefaultEvidenceDir
	}
	if c.LedgerPath == "" {
		c.LedgerPath = filepath.Join(c.EvidenceDir, "ledger.db")
	}
	if c.StateFile == "" {
		c.StateFile = filepath.Join(c.EvidenceDir, ".watch-cursor")
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.ReportCache.TTL == 0 {
		c.ReportCache.TTL = DefaultCacheTTL
	}
	if c.Simulator.ListenAddr == "" {
		c.Simulator.ListenAddr = DefaultSimulatorAddr
	}
}

// Validate rejects values the client cannot run with
func (c *ClientConfig) Validate() error {
	u, err := url.Parse(c.DeviceURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("device_url %q must be an http(s) URL", c.DeviceURL)
	}
	if c.Concurrency < 1 || c.Concurrency > MaxConcurrency {
		return fmt.Errorf("concurrency %d outside [1, %d]", c.Concurrency, MaxConcurrency)
	}
	if c.RequestTimeout < 0 || c.FetchTimeout < 0 || c.PollInterval < 0 || c.ReportCache.TTL < 0 {
		return fmt.Errorf("timeouts and intervals must be positive")
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("rate_limit %v must not be negative", c.RateLimit)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// Level returns the configured log level
func (c *ClientConfig) Level() slog.Level {
	l, _ := ParseLevel(c.LogLevel)
	return l
}

// ParseLevel maps debug/info/warn/error onto slog levels
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log_level %q: want debug, info, warn or error", s)
	}
	return l, nil
}
