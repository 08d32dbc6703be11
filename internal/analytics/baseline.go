package analytics

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"errsight/internal/config"
	dbpkg "errsight/internal/db"
	"errsight/internal/events"
)

// GlobalKey tracks the application-wide occurrence total.
const GlobalKey = "global"

// BaselineMonitor maintains rolling bucketed rate statistics per tracked key
// and raises alerts when a closed bucket deviates from the learned baseline.
// It is the sole writer of baseline_state and baseline_alerts.
type BaselineMonitor struct {
	cfg      config.AnalyticsConfig
	sampling float64
	bus      *events.Bus
	logger   *slog.Logger
}

// NewBaselineMonitor constructs a monitor. A nil bus disables event
// publishing.
func NewBaselineMonitor(cfg config.AnalyticsConfig, samplingRate float64, bus *events.Bus, logger *slog.Logger) *BaselineMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	if samplingRate <= 0 {
		samplingRate = 1
	}
	return &BaselineMonitor{cfg: cfg, sampling: samplingRate, bus: bus, logger: logger}
}

// CatchUp closes every bucket from the oldest tracked key's last closed
// bucket up to latestClosed. Buckets that elapsed while the process was down
// are replayed in order with their stored (possibly zero) counts, so the
// learned history never gaps across a restart. Replay is bounded by the
// window size; anything older would be evicted immediately anyway.
func (m *BaselineMonitor) CatchUp(gdb *gorm.DB, appID uint, latestClosed time.Time) error {
	latestClosed = latestClosed.UTC().Truncate(m.cfg.BaselineBucket)

	var states []dbpkg.BaselineState
	if err := gdb.Where("application_id = ?", appID).Find(&states).Error; err != nil {
		return fmt.Errorf("load baseline state: %w", err)
	}

	start := latestClosed
	for _, s := range states {
		if s.LastBucket.IsZero() {
			continue
		}
		if next := s.LastBucket.UTC().Truncate(m.cfg.BaselineBucket).Add(m.cfg.BaselineBucket); next.Before(start) {
			start = next
		}
	}
	if floor := latestClosed.Add(-time.Duration(m.cfg.BaselineWindowSize-1) * m.cfg.BaselineBucket); start.Before(floor) {
		start = floor
	}

	for bucket := start; !bucket.After(latestClosed); bucket = bucket.Add(m.cfg.BaselineBucket) {
		if err := m.EvaluateApplication(gdb, appID, bucket); err != nil {
			return err
		}
	}
	return nil
}

// EvaluateApplication closes the bucket starting at bucketStart for every
// tracked key of the application: each active group, every previously
// tracked key, and the global total. Re-evaluating an already-closed bucket
// is a no-op, so overlapping scheduler ticks are safe.
func (m *BaselineMonitor) EvaluateApplication(gdb *gorm.DB, appID uint, bucketStart time.Time) error {
	bucketStart = bucketStart.UTC().Truncate(m.cfg.BaselineBucket)
	bucketEnd := bucketStart.Add(m.cfg.BaselineBucket)

	occs, err := dbpkg.OccurrencesInWindow(gdb, appID, bucketStart, bucketEnd)
	if err != nil {
		return fmt.Errorf("load bucket occurrences: %w", err)
	}

	counts := map[string]int64{GlobalKey: 0}
	for _, o := range occs {
		counts[groupKey(o.GroupID)]++
		counts[GlobalKey]++
	}
	for key, raw := range counts {
		counts[key] = m.scale(raw)
	}

	// Previously tracked keys with no activity this bucket still close a
	// zero bucket, otherwise a dead-quiet group would freeze its history.
	var states []dbpkg.BaselineState
	if err := gdb.Where("application_id = ?", appID).Find(&states).Error; err != nil {
		return fmt.Errorf("load baseline state: %w", err)
	}
	existing := make(map[string]*dbpkg.BaselineState, len(states))
	for i := range states {
		existing[states[i].Key] = &states[i]
		if _, ok := counts[states[i].Key]; !ok {
			counts[states[i].Key] = 0
		}
	}

	for key, count := range counts {
		if err := m.evaluateKey(gdb, appID, key, existing[key], count, bucketStart); err != nil {
			return fmt.Errorf("key %s: %w", key, err)
		}
	}
	return nil
}

func (m *BaselineMonitor) evaluateKey(gdb *gorm.DB, appID uint, key string, state *dbpkg.BaselineState, count int64, bucketStart time.Time) error {
	if state == nil {
		state = &dbpkg.BaselineState{ApplicationID: appID, Key: key}
	} else if !state.LastBucket.IsZero() && !bucketStart.After(state.LastBucket) {
		// Bucket already closed for this key.
		return nil
	}

	history := decodeWindow(state.Window)
	closedAt := bucketStart.Add(m.cfg.BaselineBucket)

	// The just-closed bucket is judged against the history before it.
	mean, stddev := windowStats(history)
	if m.shouldAlert(history, mean, stddev, count, state.LastAlertAt, closedAt) {
		alert := dbpkg.BaselineAlert{
			ID:            uuid.NewString(),
			ApplicationID: appID,
			Key:           key,
			GroupID:       groupIDFromKey(key),
			BucketStart:   bucketStart,
			Count:         count,
			Mean:          mean,
			StdDev:        stddev,
			Threshold:     mean + m.cfg.BaselineStdDevMultiplier*stddev,
			RaisedAt:      closedAt,
		}
		if err := gdb.Create(&alert).Error; err != nil {
			return fmt.Errorf("store alert: %w", err)
		}
		state.LastAlertAt = &closedAt
		m.logger.Warn("baseline alert raised",
			"application_id", appID, "key", key, "count", count, "mean", mean, "stddev", stddev)
		if m.bus != nil {
			var groupID uint
			if g := groupIDFromKey(key); g != nil {
				groupID = *g
			}
			m.bus.Publish(events.Event{
				Topic:         events.TopicBaselineAlert,
				ApplicationID: appID,
				GroupID:       groupID,
				At:            closedAt,
				Payload:       map[string]any{"alert_id": alert.ID, "count": count},
			})
		}
	}

	// Statistics advance whether or not an alert was raised or suppressed.
	history = append(history, count)
	if excess := len(history) - m.cfg.BaselineWindowSize; excess > 0 {
		history = history[excess:]
	}
	state.Mean, state.StdDev = windowStats(history)
	state.Window = encodeWindow(history)
	state.LastBucket = bucketStart

	if state.ID != 0 {
		return gdb.Save(state).Error
	}
	// First bucket for this key: concurrent runner ticks could race on the
	// insert, so create with the same per-key replace-on-write semantics as
	// ingestion.
	return gdb.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "application_id"}, {Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"window", "mean", "std_dev", "last_bucket", "last_alert_at", "updated_at",
		}),
	}).Create(state).Error
}

// shouldAlert applies, in order: the cold-start minimum sample count, the
// statistical threshold, the minimum-absolute-delta floor (so a flat history
// with zero stddev can't alert on a trivial increase), and the cooldown.
func (m *BaselineMonitor) shouldAlert(history []int64, mean, stddev float64, count int64, lastAlertAt *time.Time, now time.Time) bool {
	if len(history) < m.cfg.BaselineMinSamples {
		return false
	}
	if float64(count) <= mean+m.cfg.BaselineStdDevMultiplier*stddev {
		return false
	}
	if float64(count)-mean < m.cfg.BaselineMinDelta {
		return false
	}
	if lastAlertAt != nil && now.Sub(*lastAlertAt) < m.cfg.BaselineCooldown {
		return false
	}
	return true
}

func (m *BaselineMonitor) scale(persisted int64) int64 {
	if m.sampling >= 1 {
		return persisted
	}
	return int64(math.Round(float64(persisted) / m.sampling))
}

func groupKey(groupID uint) string {
	return strconv.FormatUint(uint64(groupID), 10)
}

func groupIDFromKey(key string) *uint {
	if key == GlobalKey {
		return nil
	}
	n, err := strconv.ParseUint(key, 10, 64)
	if err != nil {
		return nil
	}
	id := uint(n)
	return &id
}

func decodeWindow(raw datatypes.JSON) []int64 {
	if len(raw) == 0 {
		return nil
	}
	var window []int64
	if err := json.Unmarshal(raw, &window); err != nil {
		return nil
	}
	return window
}

func encodeWindow(window []int64) datatypes.JSON {
	data, _ := json.Marshal(window)
	return data
}

func windowStats(window []int64) (mean, stddev float64) {
	if len(window) == 0 {
		return 0, 0
	}
	for _, v := range window {
		mean += float64(v)
	}
	mean /= float64(len(window))
	var variance float64
	for _, v := range window {
		d := float64(v) - mean
		variance += d * d
	}
	variance /= float64(len(window))
	return mean, math.Sqrt(variance)
}
