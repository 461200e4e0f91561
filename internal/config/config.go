package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultBaseURL          = "http://127.0.0.1:8000"
	DefaultPollInterval     = 3 * time.Second
	DefaultFetchTimeout     = 15 * time.Second
	DefaultCacheDSN         = "memory://"
	DefaultListenAddr       = "127.0.0.1:8090"
	DefaultTimelineLimit    = 5
	DefaultConsultationHold = 30 * time.Second
)

type Logger interface {
	Printf(format string, args ...any)
}

type Config struct {
	Backend       BackendConfig `yaml:"backend"`
	Poll          PollConfig    `yaml:"poll"`
	Cache         CacheConfig   `yaml:"cache"`
	HTTP          HTTPConfig    `yaml:"http"`
	TimelineLimit int           `yaml:"timelineLimit"`
	// ConsultationHold caps how long a consultation action keeps the busy
	// guard while the queue has not reported the new state.
	ConsultationHold time.Duration `yaml:"consultationHold"`
}

type BackendConfig struct {
	BaseURL string `yaml:"baseURL"`
	Token   string `yaml:"token"`
}

type PollConfig struct {
	Interval time.Duration `yaml:"interval"`
	Jitter   float64       `yaml:"jitter"`
	Timeout  time.Duration `yaml:"timeout"`
}

type CacheConfig struct {
	DSN string `yaml:"dsn"`
}

type HTTPConfig struct {
	Listen string `yaml:"listen"`
	// Token guards the /v1 routes when set.
	Token string `yaml:"token"`
}

func Default() Config {
	return Config{
		Backend:          BackendConfig{BaseURL: DefaultBaseURL},
		Poll:             PollConfig{Interval: DefaultPollInterval, Timeout: DefaultFetchTimeout},
		Cache:            CacheConfig{DSN: DefaultCacheDSN},
		HTTP:             HTTPConfig{Listen: DefaultListenAddr},
		TimelineLimit:    DefaultTimelineLimit,
		ConsultationHold: DefaultConsultationHold,
	}
}

// Load reads the YAML file at path over the defaults. An empty path or an
// empty file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	path = strings.TrimSpace(path)
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overlays LIVESYNC_* variables. Unparseable values are logged and
// ignored.
func (c *Config) ApplyEnv(logger Logger) {
	c.Backend.BaseURL = envOrDefault("LIVESYNC_BASE_URL", c.Backend.BaseURL)
	c.Backend.Token = envOrDefault("LIVESYNC_TOKEN", c.Backend.Token)
	c.Poll.Interval = durationEnv(logger, "LIVESYNC_POLL_INTERVAL", c.Poll.Interval)
	c.Poll.Jitter = floatEnv(logger, "LIVESYNC_POLL_JITTER", c.Poll.Jitter)
	c.Poll.Timeout = durationEnv(logger, "LIVESYNC_FETCH_TIMEOUT", c.Poll.Timeout)
	c.Cache.DSN = envOrDefault("LIVESYNC_CACHE_DSN", c.Cache.DSN)
	c.HTTP.Listen = envOrDefault("LIVESYNC_LISTEN", c.HTTP.Listen)
	c.HTTP.Token = envOrDefault("LIVESYNC_API_TOKEN", c.HTTP.Token)
	c.TimelineLimit = intEnv(logger, "LIVESYNC_TIMELINE_LIMIT", c.TimelineLimit)
	c.ConsultationHold = durationEnv(logger, "LIVESYNC_CONSULTATION_HOLD", c.ConsultationHold)
}

// Validate fills unset values with defaults and rejects settings the process
// cannot run with.
func (c *Config) Validate() error {
	c.Backend.BaseURL = strings.TrimRight(strings.TrimSpace(c.Backend.BaseURL), "/")
	if c.Backend.BaseURL == "" {
		c.Backend.BaseURL = DefaultBaseURL
	}
	parsed, err := url.Parse(c.Backend.BaseURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return fmt.Errorf("backend base URL %q must be an absolute http(s) URL", c.Backend.BaseURL)
	}
	c.Backend.Token = strings.TrimSpace(c.Backend.Token)
	if c.Poll.Interval <= 0 {
		c.Poll.Interval = DefaultPollInterval
	}
	if c.Poll.Timeout <= 0 {
		c.Poll.Timeout = DefaultFetchTimeout
	}
	if c.Poll.Jitter < 0 {
		c.Poll.Jitter = 0
	} else if c.Poll.Jitter > 1 {
		c.Poll.Jitter = 1
	}
	c.Cache.DSN = strings.TrimSpace(c.Cache.DSN)
	if c.Cache.DSN == "" {
		c.Cache.DSN = DefaultCacheDSN
	}
	c.HTTP.Listen = strings.TrimSpace(c.HTTP.Listen)
	c.HTTP.Token = strings.TrimSpace(c.HTTP.Token)
	if c.HTTP.Listen == "" {
		c.HTTP.Listen = DefaultListenAddr
	}
	if c.TimelineLimit <= 0 {
		c.TimelineLimit = DefaultTimelineLimit
	}
	if c.ConsultationHold <= 0 {
		c.ConsultationHold = DefaultConsultationHold
	}
	return nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(logger Logger, name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		logf(logger, "invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func floatEnv(logger Logger, name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		logf(logger, "invalid %s=%q, using fallback %f", name, raw, fallback)
		return fallback
	}
	return value
}

func intEnv(logger Logger, name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		logf(logger, "invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func logf(logger Logger, format string, args ...any) {
	if logger == nil {
		return
	}
	logger.Printf(format, args...)
}
