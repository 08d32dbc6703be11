package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		DatabaseURL:  "postgres://localhost/errsight",
		ListenAddr:   ":8080",
		SamplingRate: 1.0,
		Analytics:    defaultAnalytics(),
	}
}

func TestDefaultsAreValid(t *testing.T) {
	assert.NoError(t, validConfig().Validate())
}

func TestValidateRejectsBadThresholds(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero sampling rate", func(c *Config) { c.SamplingRate = 0 }},
		{"sampling rate above one", func(c *Config) { c.SamplingRate = 1.5 }},
		{"zero temporal window", func(c *Config) { c.Analytics.TemporalWindow = 0 }},
		{"negative regression margin", func(c *Config) { c.Analytics.ReleaseRegressionMargin = -0.1 }},
		{"inverted cascade lag window", func(c *Config) {
			c.Analytics.CascadeMinLag = 10 * time.Minute
			c.Analytics.CascadeMaxLag = time.Minute
		}},
		{"cascade confidence above one", func(c *Config) { c.Analytics.CascadeMinConfidence = 1.5 }},
		{"zero cascade samples", func(c *Config) { c.Analytics.CascadeMinSamples = 0 }},
		{"baseline samples exceed window", func(c *Config) {
			c.Analytics.BaselineWindowSize = 4
			c.Analytics.BaselineMinSamples = 10
		}},
		{"negative baseline cooldown", func(c *Config) { c.Analytics.BaselineCooldown = -time.Hour }},
		{"score weights not summing to one", func(c *Config) { c.Analytics.Score.ErrorRateWeight = 0.9 }},
		{"zero score scale", func(c *Config) { c.Analytics.Score.SeverityScale = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("APP_DATABASE_URL", "postgres://db/errsight")
	t.Setenv("APP_LISTEN_ADDR", ":9090")
	t.Setenv("APP_SAMPLING_RATE", "0.25")
	t.Setenv("APP_RETENTION_DAYS", "7")
	t.Setenv("APP_IGNORE_PATTERNS", "HealthCheck, probe")
	t.Setenv("APP_ANALYTICS_CONFIG", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://db/errsight", cfg.DatabaseURL)
	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, 0.25, cfg.SamplingRate)
	assert.Equal(t, 7, cfg.RetentionDays)
	assert.Equal(t, []string{"HealthCheck", "probe"}, cfg.IgnorePatterns)
}

func TestLoadAnalyticsOverridesFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "analytics.yaml")
	body := []byte("cascadeMinConfidence: 0.8\nbaselineStdDevMultiplier: 2.5\nscore:\n  errorRateWeight: 0.4\n  severityWeight: 0.4\n  resolutionWeight: 0.2\n  errorRateScale: 100\n  severityScale: 200\n  resolutionScale: 604800000000000\n")
	require.NoError(t, os.WriteFile(path, body, 0o600))
	t.Setenv("APP_ANALYTICS_CONFIG", path)
	t.Setenv("APP_SAMPLING_RATE", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 0.8, cfg.Analytics.CascadeMinConfidence)
	assert.Equal(t, 2.5, cfg.Analytics.BaselineStdDevMultiplier)
	assert.Equal(t, 0.4, cfg.Analytics.Score.ErrorRateWeight)
	// Untouched keys keep their defaults.
	assert.Equal(t, 5, cfg.Analytics.CascadeMinSamples)
}

func TestLoadRejectsBadAnalyticsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "analytics.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cascadeMinLag: [not a duration"), 0o600))
	t.Setenv("APP_ANALYTICS_CONFIG", path)

	_, err := Load()
	assert.Error(t, err)
}
