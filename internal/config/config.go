package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the core runtime configuration for the service. Values are
// sourced from environment variables, with the analytics tuning surface
// optionally overridden from a YAML file (APP_ANALYTICS_CONFIG). The value
// is built once in main and passed to components; nothing reads it through
// ambient globals.
type Config struct {
	DatabaseURL string
	ListenAddr  string

	// BootstrapAPIKey, when set, is created as an active ingest key for the
	// application named by BootstrapApplication on startup.
	BootstrapAPIKey      string
	BootstrapApplication string

	// NATSURL enables async ingestion when non-empty: Record publishes to a
	// queue and a worker drains it. Empty means synchronous writes.
	NATSURL string

	// RetentionDays bounds how long raw occurrence rows are kept. Groups and
	// their counters are never expired.
	RetentionDays int

	// SamplingRate is the probability that an occurrence beyond a group's
	// first is persisted as a row. Group occurrence_count stays exact (every
	// report increments it); windowed analytics scale row counts by
	// 1/SamplingRate to recover the true volume.
	SamplingRate float64

	// IgnorePatterns drops occurrences whose error type matches any pattern
	// (case-insensitive substring match) before a group is ever created.
	IgnorePatterns []string

	Analytics AnalyticsConfig
}

// AnalyticsConfig is the tuning surface for the correlation, cascade,
// baseline and scoring components. Defaults are usable; operators override
// selectively via YAML.
type AnalyticsConfig struct {
	// TemporalWindow is the bucket width used when looking for groups that
	// spike together.
	TemporalWindow time.Duration `yaml:"temporalWindow"`

	// ReleaseRegressionMargin flags a release as problematic when its error
	// count exceeds the previous release's by this fraction (0.5 = +50%).
	ReleaseRegressionMargin float64 `yaml:"releaseRegressionMargin"`

	// UserMinDistinctTypes is the minimum number of distinct error types a
	// user must have hit inside the window to be reported.
	UserMinDistinctTypes int `yaml:"userMinDistinctTypes"`

	CascadeMinLag        time.Duration `yaml:"cascadeMinLag"`
	CascadeMaxLag        time.Duration `yaml:"cascadeMaxLag"`
	CascadeMinConfidence float64       `yaml:"cascadeMinConfidence"`
	CascadeMinSamples    int           `yaml:"cascadeMinSamples"`
	CascadeMaxDepth      int           `yaml:"cascadeMaxDepth"`

	BaselineBucket           time.Duration `yaml:"baselineBucket"`
	BaselineWindowSize       int           `yaml:"baselineWindowSize"`
	BaselineStdDevMultiplier float64       `yaml:"baselineStdDevMultiplier"`
	BaselineMinSamples       int           `yaml:"baselineMinSamples"`
	BaselineMinDelta         float64       `yaml:"baselineMinDelta"`
	BaselineCooldown         time.Duration `yaml:"baselineCooldown"`

	// RunInterval is the cadence of the background analytics runner;
	// RunTimeout bounds each individual analysis inside a tick.
	RunInterval time.Duration `yaml:"runInterval"`
	RunTimeout  time.Duration `yaml:"runTimeout"`

	Score ScoreWeights `yaml:"score"`
}

// ScoreWeights names the constants of the platform stability formula. The
// three weights must sum to 1; the scales set what counts as "fully bad" for
// each normalized subscore.
type ScoreWeights struct {
	ErrorRateWeight  float64 `yaml:"errorRateWeight"`
	SeverityWeight   float64 `yaml:"severityWeight"`
	ResolutionWeight float64 `yaml:"resolutionWeight"`

	// ErrorRateScale is the occurrences-per-hour rate that maps to an error
	// subscore of 0; SeverityScale and ResolutionScale play the same role
	// for the weighted severity rate and the mean resolution duration.
	ErrorRateScale  float64       `yaml:"errorRateScale"`
	SeverityScale   float64       `yaml:"severityScale"`
	ResolutionScale time.Duration `yaml:"resolutionScale"`
}

// Load reads configuration from environment variables and the optional
// analytics YAML file. It does not validate; call Validate before use.
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL:          os.Getenv("APP_DATABASE_URL"),
		ListenAddr:           getenv("APP_LISTEN_ADDR", ":8080"),
		BootstrapAPIKey:      os.Getenv("APP_BOOTSTRAP_API_KEY"),
		BootstrapApplication: getenv("APP_BOOTSTRAP_APPLICATION", "default"),
		NATSURL:              os.Getenv("APP_NATS_URL"),
		RetentionDays:        30,
		SamplingRate:         1.0,
		Analytics:            defaultAnalytics(),
	}

	if v := os.Getenv("APP_RETENTION_DAYS"); v != "" {
		if days, err := strconv.Atoi(v); err == nil && days > 0 {
			cfg.RetentionDays = days
		}
	}
	if v := os.Getenv("APP_SAMPLING_RATE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("APP_SAMPLING_RATE: %w", err)
		}
		cfg.SamplingRate = f
	}
	if v := os.Getenv("APP_IGNORE_PATTERNS"); v != "" {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				cfg.IgnorePatterns = append(cfg.IgnorePatterns, p)
			}
		}
	}

	if path := os.Getenv("APP_ANALYTICS_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read analytics config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg.Analytics); err != nil {
			return nil, fmt.Errorf("parse analytics config: %w", err)
		}
	}

	return cfg, nil
}

func defaultAnalytics() AnalyticsConfig {
	return AnalyticsConfig{
		TemporalWindow:          time.Minute,
		ReleaseRegressionMargin: 0.5,
		UserMinDistinctTypes:    2,

		CascadeMinLag:        0,
		CascadeMaxLag:        5 * time.Minute,
		CascadeMinConfidence: 0.6,
		CascadeMinSamples:    5,
		CascadeMaxDepth:      10,

		BaselineBucket:           time.Hour,
		BaselineWindowSize:       72,
		BaselineStdDevMultiplier: 3.0,
		BaselineMinSamples:       6,
		BaselineMinDelta:         5,
		BaselineCooldown:         time.Hour,

		RunInterval: 5 * time.Minute,
		RunTimeout:  time.Minute,

		Score: ScoreWeights{
			ErrorRateWeight:  0.5,
			SeverityWeight:   0.3,
			ResolutionWeight: 0.2,
			ErrorRateScale:   100,
			SeverityScale:    200,
			ResolutionScale:  7 * 24 * time.Hour,
		},
	}
}

// Validate rejects unusable configuration up front so bad thresholds fail at
// startup rather than per occurrence.
func (c *Config) Validate() error {
	if c.SamplingRate <= 0 || c.SamplingRate > 1 {
		return fmt.Errorf("sampling rate must be in (0, 1], got %g", c.SamplingRate)
	}
	a := c.Analytics
	if a.TemporalWindow <= 0 {
		return errors.New("temporal window must be positive")
	}
	if a.ReleaseRegressionMargin < 0 {
		return errors.New("release regression margin must not be negative")
	}
	if a.UserMinDistinctTypes < 1 {
		return errors.New("user minimum distinct types must be at least 1")
	}
	if a.CascadeMinLag < 0 || a.CascadeMaxLag <= a.CascadeMinLag {
		return fmt.Errorf("cascade lag window [%s, %s] is invalid", a.CascadeMinLag, a.CascadeMaxLag)
	}
	if a.CascadeMinConfidence <= 0 || a.CascadeMinConfidence > 1 {
		return fmt.Errorf("cascade minimum confidence must be in (0, 1], got %g", a.CascadeMinConfidence)
	}
	if a.CascadeMinSamples < 1 {
		return errors.New("cascade minimum samples must be at least 1")
	}
	if a.CascadeMaxDepth < 1 {
		return errors.New("cascade maximum depth must be at least 1")
	}
	if a.BaselineBucket <= 0 {
		return errors.New("baseline bucket must be positive")
	}
	if a.BaselineWindowSize < 2 {
		return errors.New("baseline window size must be at least 2")
	}
	if a.BaselineStdDevMultiplier <= 0 {
		return errors.New("baseline stddev multiplier must be positive")
	}
	if a.BaselineMinSamples < 2 || a.BaselineMinSamples > a.BaselineWindowSize {
		return errors.New("baseline minimum samples must be in [2, window size]")
	}
	if a.BaselineMinDelta < 0 {
		return errors.New("baseline minimum delta must not be negative")
	}
	if a.BaselineCooldown < 0 {
		return errors.New("baseline cooldown must not be negative")
	}
	if a.RunInterval <= 0 || a.RunTimeout <= 0 {
		return errors.New("analytics run interval and timeout must be positive")
	}
	w := a.Score
	sum := w.ErrorRateWeight + w.SeverityWeight + w.ResolutionWeight
	if sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("platform score weights must sum to 1, got %g", sum)
	}
	if w.ErrorRateScale <= 0 || w.SeverityScale <= 0 || w.ResolutionScale <= 0 {
		return errors.New("platform score scales must be positive")
	}
	return nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
