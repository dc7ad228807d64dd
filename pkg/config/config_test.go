package config

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadTestConfig(t *testing.T) *Config {
	t.Helper()
	t.Setenv("RECORDING_DIR", t.TempDir())
	t.Setenv("SEGMENT_DIR", t.TempDir())
	cfg, err := Load(logrus.New())
	require.NoError(t, err)
	return cfg
}

func TestLoadDefaults(t *testing.T) {
	cfg := loadTestConfig(t)

	assert.Equal(t, "wss://api.openai.com/v1/realtime", cfg.Realtime.URL)
	assert.Equal(t, "gpt-realtime", cfg.Realtime.Model)
	assert.Equal(t, "cedar", cfg.Realtime.Voice)
	assert.Equal(t, "high", cfg.Realtime.Eagerness)
	assert.NotEmpty(t, cfg.Realtime.Instructions)

	assert.Equal(t, 200*time.Millisecond, cfg.Playback.SegmentDuration)
	assert.Equal(t, 100*time.Millisecond, cfg.Playback.JitterThreshold)
	assert.Equal(t, 10*time.Millisecond, cfg.Playback.OverlapLead)
	assert.Equal(t, 20*time.Millisecond, cfg.Ingress.FrameDuration)

	assert.Equal(t, 11, cfg.Policy.CallerDigits)
	assert.Equal(t, []string{"sipvicious"}, cfg.Policy.BlockedSubstrings)

	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 9091, cfg.Metrics.Port)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("SEGMENT_DURATION_MS", "250")
	t.Setenv("JITTER_THRESHOLD_MS", "150")
	t.Setenv("OVERLAP_LEAD_MS", "5")
	t.Setenv("CALLER_DIGITS", "10")
	t.Setenv("BLOCKED_UA_SUBSTRINGS", "sipvicious, friendly-scanner")
	t.Setenv("METRICS_ENABLED", "false")
	t.Setenv("REALTIME_VOICE", "marin")
	cfg := loadTestConfig(t)

	assert.Equal(t, 250*time.Millisecond, cfg.Playback.SegmentDuration)
	assert.Equal(t, 150*time.Millisecond, cfg.Playback.JitterThreshold)
	assert.Equal(t, 5*time.Millisecond, cfg.Playback.OverlapLead)
	assert.Equal(t, 10, cfg.Policy.CallerDigits)
	assert.Equal(t, []string{"sipvicious", "friendly-scanner"}, cfg.Policy.BlockedSubstrings)
	assert.False(t, cfg.Metrics.Enabled)
	assert.Equal(t, "marin", cfg.Realtime.Voice)
}

func TestLoadRejectsUnworkableValues(t *testing.T) {
	t.Setenv("RECORDING_DIR", t.TempDir())
	t.Setenv("SEGMENT_DIR", t.TempDir())

	// Overlap lead as long as the segment itself cannot schedule anything
	t.Setenv("SEGMENT_DURATION_MS", "100")
	t.Setenv("OVERLAP_LEAD_MS", "100")
	_, err := Load(logrus.New())
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := loadTestConfig(t)
	require.NoError(t, cfg.Validate())

	broken := *cfg
	broken.Playback.SegmentDuration = 0
	assert.Error(t, broken.Validate())

	broken = *cfg
	broken.Playback.JitterThreshold = -time.Millisecond
	assert.Error(t, broken.Validate())

	broken = *cfg
	broken.Ingress.FrameDuration = 0
	assert.Error(t, broken.Validate())

	broken = *cfg
	broken.Policy.CallerDigits = 0
	assert.Error(t, broken.Validate())
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("TEST_STRING", "value")
	assert.Equal(t, "value", getEnv("TEST_STRING", "default"))
	assert.Equal(t, "default", getEnv("TEST_STRING_MISSING", "default"))

	t.Setenv("TEST_BOOL", "yes")
	assert.True(t, getEnvBool("TEST_BOOL", false))
	t.Setenv("TEST_BOOL", "off")
	assert.False(t, getEnvBool("TEST_BOOL", true))
	t.Setenv("TEST_BOOL", "maybe")
	assert.True(t, getEnvBool("TEST_BOOL", true))

	t.Setenv("TEST_INT", "42")
	assert.Equal(t, 42, getEnvInt("TEST_INT", 7))
	t.Setenv("TEST_INT", "not-a-number")
	assert.Equal(t, 7, getEnvInt("TEST_INT", 7))

	t.Setenv("TEST_DURATION", "1500ms")
	assert.Equal(t, 1500*time.Millisecond, getEnvDuration("TEST_DURATION", time.Second))

	t.Setenv("TEST_MILLIS", "30")
	assert.Equal(t, 30*time.Millisecond, getEnvMillis("TEST_MILLIS", 10))

	t.Setenv("TEST_LIST", "a, b ,,c")
	assert.Equal(t, []string{"a", "b", "c"}, getEnvList("TEST_LIST", nil))
	assert.Equal(t, []string{"x"}, getEnvList("TEST_LIST_MISSING", []string{"x"}))
}

func TestApplyLogging(t *testing.T) {
	cfg := loadTestConfig(t)
	logger := logrus.New()

	cfg.Logging.Level = "debug"
	cfg.Logging.Format = "json"
	require.NoError(t, cfg.ApplyLogging(logger))
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)

	cfg.Logging.Format = "text"
	require.NoError(t, cfg.ApplyLogging(logger))
	assert.IsType(t, &logrus.TextFormatter{}, logger.Formatter)

	cfg.Logging.Level = "not-a-level"
	assert.Error(t, cfg.ApplyLogging(logger))
}
