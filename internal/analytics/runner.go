package analytics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"

	"errsight/internal/config"
	dbpkg "errsight/internal/db"
)

var analysisDuration *prometheus.HistogramVec

// InitMetrics registers the analytics-side Prometheus metrics. Call once
// from main.
func InitMetrics() {
	analysisDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "errsight",
			Name:      "analysis_duration_seconds",
			Help:      "Duration of scheduled analytics runs.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
		},
		[]string{"analysis"},
	)
	prometheus.MustRegister(analysisDuration)
}

// Runner schedules the periodic analytics: cascade detection and baseline
// evaluation per application. Correlation and platform scores are computed
// on demand by the query layer.
type Runner struct {
	db       *gorm.DB
	cfg      config.AnalyticsConfig
	cascade  *CascadeDetector
	baseline *BaselineMonitor
	logger   *slog.Logger
}

// NewRunner wires a Runner.
func NewRunner(db *gorm.DB, cfg config.AnalyticsConfig, cascade *CascadeDetector, baseline *BaselineMonitor, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{db: db, cfg: cfg, cascade: cascade, baseline: baseline, logger: logger}
}

// Start launches the background loop: one pass at startup, then one per
// interval, until ctx is cancelled.
func (r *Runner) Start(ctx context.Context) {
	go func() {
		r.RunOnce(ctx, time.Now().UTC())

		ticker := time.NewTicker(r.cfg.RunInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case t := <-ticker.C:
				r.RunOnce(ctx, t.UTC())
			}
		}
	}()
}

// RunOnce executes one scheduled pass over every application. Each analysis
// runs under its own timeout and recover; a failure in one never aborts the
// others, it is logged and the previous persisted result stays queryable.
func (r *Runner) RunOnce(ctx context.Context, now time.Time) {
	apps, err := dbpkg.ListApplications(r.db)
	if err != nil {
		r.logger.Error("analytics pass could not list applications", "error", err)
		return
	}

	// Cascades are detected over a trailing window long enough to hold a
	// meaningful number of lag pairs.
	cascadeFrom := now.Add(-24 * time.Hour)
	closedBucket := now.Truncate(r.cfg.BaselineBucket).Add(-r.cfg.BaselineBucket)

	for _, app := range apps {
		appID := app.ID
		r.runIsolated(ctx, "cascade", appID, func(runCtx context.Context) error {
			return r.cascade.DetectAndStore(r.db.WithContext(runCtx), appID, cascadeFrom, now)
		})
		r.runIsolated(ctx, "baseline", appID, func(runCtx context.Context) error {
			return r.baseline.CatchUp(r.db.WithContext(runCtx), appID, closedBucket)
		})
	}
}

func (r *Runner) runIsolated(ctx context.Context, name string, appID uint, fn func(context.Context) error) {
	runCtx, cancel := context.WithTimeout(ctx, r.cfg.RunTimeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if analysisDuration != nil {
			analysisDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		}
		if rec := recover(); rec != nil {
			r.logger.Error("analysis panicked", "analysis", name, "application_id", appID, "panic", rec)
		}
	}()

	if err := fn(runCtx); err != nil {
		r.logger.Error("analysis failed", "analysis", name, "application_id", appID, "error", err)
	}
}
