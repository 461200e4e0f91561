package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureLogger struct {
	lines []string
}

func (l *captureLogger) Printf(format string, args ...any) {
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "livesync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadWithoutPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, 3*time.Second, cfg.Poll.Interval)
	assert.Equal(t, "memory://", cfg.Cache.DSN)
}

func TestLoadOverlaysFile(t *testing.T) {
	path := writeConfig(t, `
backend:
  baseURL: https://clinic.example.org/api
  token: secret
poll:
  interval: 5s
  jitter: 0.2
cache:
  dsn: sqlite:///var/lib/livesync/cache.db
timelineLimit: 8
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://clinic.example.org/api", cfg.Backend.BaseURL)
	assert.Equal(t, "secret", cfg.Backend.Token)
	assert.Equal(t, 5*time.Second, cfg.Poll.Interval)
	assert.Equal(t, 0.2, cfg.Poll.Jitter)
	assert.Equal(t, DefaultFetchTimeout, cfg.Poll.Timeout, "unset keys keep their defaults")
	assert.Equal(t, "sqlite:///var/lib/livesync/cache.db", cfg.Cache.DSN)
	assert.Equal(t, DefaultListenAddr, cfg.HTTP.Listen)
	assert.Equal(t, 8, cfg.TimelineLimit)
}

func TestLoadEmptyFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeConfig(t, "poll:\n  intervall: 5s\n"))
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestApplyEnvOverridesFile(t *testing.T) {
	t.Setenv("LIVESYNC_BASE_URL", "http://backend:9000")
	t.Setenv("LIVESYNC_POLL_INTERVAL", "750ms")
	t.Setenv("LIVESYNC_POLL_JITTER", "0.35")
	t.Setenv("LIVESYNC_CACHE_DSN", "redis://cache:6379/1")
	t.Setenv("LIVESYNC_LISTEN", ":9999")
	t.Setenv("LIVESYNC_API_TOKEN", "dashboard-token")
	t.Setenv("LIVESYNC_TIMELINE_LIMIT", "3")
	t.Setenv("LIVESYNC_CONSULTATION_HOLD", "45s")

	cfg := Default()
	cfg.ApplyEnv(nil)
	assert.Equal(t, "http://backend:9000", cfg.Backend.BaseURL)
	assert.Equal(t, 750*time.Millisecond, cfg.Poll.Interval)
	assert.Equal(t, 0.35, cfg.Poll.Jitter)
	assert.Equal(t, "redis://cache:6379/1", cfg.Cache.DSN)
	assert.Equal(t, ":9999", cfg.HTTP.Listen)
	assert.Equal(t, "dashboard-token", cfg.HTTP.Token)
	assert.Equal(t, 3, cfg.TimelineLimit)
	assert.Equal(t, 45*time.Second, cfg.ConsultationHold)
}

func TestApplyEnvFallsBackOnInvalid(t *testing.T) {
	t.Setenv("LIVESYNC_POLL_INTERVAL", "soon")
	t.Setenv("LIVESYNC_POLL_JITTER", "oops")
	t.Setenv("LIVESYNC_TIMELINE_LIMIT", "many")

	logger := &captureLogger{}
	cfg := Default()
	cfg.ApplyEnv(logger)
	assert.Equal(t, DefaultPollInterval, cfg.Poll.Interval)
	assert.Equal(t, 0.0, cfg.Poll.Jitter)
	assert.Equal(t, DefaultTimelineLimit, cfg.TimelineLimit)
	assert.Len(t, logger.lines, 3)
}

func TestValidateAppliesDefaultsAndClamps(t *testing.T) {
	cfg := Config{Poll: PollConfig{Jitter: 1.5}}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultBaseURL, cfg.Backend.BaseURL)
	assert.Equal(t, DefaultPollInterval, cfg.Poll.Interval)
	assert.Equal(t, DefaultFetchTimeout, cfg.Poll.Timeout)
	assert.Equal(t, 1.0, cfg.Poll.Jitter)
	assert.Equal(t, DefaultCacheDSN, cfg.Cache.DSN)
	assert.Equal(t, DefaultListenAddr, cfg.HTTP.Listen)
	assert.Equal(t, DefaultTimelineLimit, cfg.TimelineLimit)
	assert.Equal(t, DefaultConsultationHold, cfg.ConsultationHold)

	cfg = Config{Backend: BackendConfig{BaseURL: "http://backend:8000/"}, Poll: PollConfig{Jitter: -1}}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "http://backend:8000", cfg.Backend.BaseURL)
	assert.Equal(t, 0.0, cfg.Poll.Jitter)
}

func TestValidateRejectsBadBaseURL(t *testing.T) {
	for _, raw := range []string{"backend:8000", "ftp://backend", "http://"} {
		cfg := Default()
		cfg.Backend.BaseURL = raw
		assert.Error(t, cfg.Validate(), raw)
	}
}
