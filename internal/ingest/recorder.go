// Package ingest is the write path: it turns raw error reports into
// deduplicated groups and append-only occurrence rows. Every error anywhere
// in a monitored application funnels through here, so the path is short,
// concurrency-safe and fail-safe.
package ingest

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"errsight/internal/config"
	dbpkg "errsight/internal/db"
	"errsight/internal/events"
	"errsight/internal/fingerprint"
)

// Occurrence is one raw error report as accepted by the ingest boundary.
type Occurrence struct {
	Application string         `json:"application"`
	ErrorType   string         `json:"error_type"`
	Message     string         `json:"message,omitempty"`
	Origin      string         `json:"origin,omitempty"`
	Severity    string         `json:"severity,omitempty"`
	Platform    string         `json:"platform,omitempty"`
	Release     string         `json:"release,omitempty"`
	Revision    string         `json:"revision,omitempty"`
	UserID      string         `json:"user_id,omitempty"`
	Timestamp   *time.Time     `json:"timestamp,omitempty"`
	Request     map[string]any `json:"request,omitempty"`
}

// Sink accepts occurrences at the ingest boundary. The synchronous Recorder
// and the NATS-backed publisher both implement it.
type Sink interface {
	Accept(occ Occurrence) error
}

const (
	upsertAttempts = 3
	upsertBackoff  = 25 * time.Millisecond

	appCacheSize = 512
)

// ErrDropped marks occurrences that were intentionally not recorded
// (ignore-list match or invalid input). The HTTP layer counts these but
// never propagates them to the reporting caller.
var ErrDropped = errors.New("occurrence dropped")

// Recorder performs the synchronous dedup write. Safe for concurrent use:
// the group lookup-or-create is a single atomic upsert keyed by
// (application_id, fingerprint), so concurrent first occurrences never
// create duplicate groups and concurrent increments are never lost.
type Recorder struct {
	db       *gorm.DB
	cfg      *config.Config
	strategy fingerprint.Strategy
	bus      *events.Bus
	logger   *slog.Logger

	appCache *lru.Cache[string, uint]

	// rng drives the sampling decision; replaced in tests.
	rng func() float64
}

// NewRecorder wires a Recorder. A nil strategy selects the default
// fingerprint algorithm; a nil bus disables event publishing.
func NewRecorder(db *gorm.DB, cfg *config.Config, strategy fingerprint.Strategy, bus *events.Bus, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	if strategy == nil {
		strategy = fingerprint.New(logger)
	}
	cache, _ := lru.New[string, uint](appCacheSize)
	return &Recorder{
		db:       db,
		cfg:      cfg,
		strategy: strategy,
		bus:      bus,
		logger:   logger,
		appCache: cache,
		rng:      rand.Float64,
	}
}

// Accept implements Sink for synchronous mode.
func (r *Recorder) Accept(occ Occurrence) error {
	_, err := r.Record(occ)
	return err
}

// Record deduplicates one occurrence into its group and returns the group id.
// Ignored or invalid occurrences return ErrDropped; transient storage
// contention is retried internally with bounded backoff.
func (r *Recorder) Record(occ Occurrence) (uint, error) {
	occ.ErrorType = strings.TrimSpace(occ.ErrorType)
	if occ.ErrorType == "" {
		return 0, fmt.Errorf("%w: missing error type", ErrDropped)
	}
	if strings.TrimSpace(occ.Application) == "" {
		return 0, fmt.Errorf("%w: missing application", ErrDropped)
	}
	if r.ignored(occ.ErrorType) {
		return 0, fmt.Errorf("%w: ignore-list match", ErrDropped)
	}

	ts := time.Now().UTC()
	if occ.Timestamp != nil && !occ.Timestamp.IsZero() {
		ts = occ.Timestamp.UTC()
	}
	severity := normalizeSeverity(occ.Severity)

	appID, err := r.applicationID(occ.Application)
	if err != nil {
		return 0, fmt.Errorf("resolve application: %w", err)
	}

	key := r.strategy.Key(occ.ErrorType, occ.Origin, occ.Request)
	if key == "" {
		key = fingerprint.Fallback(occ.ErrorType)
	}

	group, err := r.upsertGroup(appID, key, occ, severity, ts)
	if err != nil {
		return 0, err
	}

	// Lifecycle events are derived from the timestamps the upsert stamped:
	// only the report that inserted the row sees its ts as first_seen, and
	// only the report that flipped resolved to reopened sees its ts as
	// reopened_at. first_seen never changes after insert, so the inserter is
	// identified even when a concurrent increment lands before the readback
	// and the counter is already past 1. Microsecond granularity tolerates
	// drivers that round timestamps on readback; collisions within the same
	// microsecond can still misattribute an event, so events are best-effort
	// signals and the row state stays authoritative.
	created := group.OccurrenceCount == 1 ||
		(group.Status != dbpkg.StatusReopened &&
			group.FirstSeen.Truncate(time.Microsecond).Equal(ts.Truncate(time.Microsecond)))
	reopened := group.Status == dbpkg.StatusReopened && group.ReopenedAt != nil &&
		group.ReopenedAt.Truncate(time.Microsecond).Equal(ts.Truncate(time.Microsecond))

	if created || r.rng() < r.cfg.SamplingRate {
		if err := r.insertOccurrence(group.ID, appID, occ, severity, ts); err != nil {
			// The group counter already reflects this occurrence; losing the
			// raw row only thins analytics input, so log and carry on.
			r.logger.Error("failed to persist occurrence row", "group_id", group.ID, "error", err)
		}
	}

	r.publish(created, reopened, appID, group.ID, ts)
	observeRecorded(occ.Application, severity, created, reopened)

	return group.ID, nil
}

// upsertGroup is the atomic lookup-or-create. ON CONFLICT increments the
// counter, bumps last_seen and flips a resolved group to reopened in the same
// statement, so there is no read-modify-write window.
func (r *Recorder) upsertGroup(appID uint, key string, occ Occurrence, severity string, ts time.Time) (*dbpkg.ErrorGroup, error) {
	group := dbpkg.ErrorGroup{
		ApplicationID:   appID,
		Fingerprint:     key,
		ErrorType:       occ.ErrorType,
		Message:         occ.Message,
		Severity:        severity,
		Status:          dbpkg.StatusOpen,
		FirstSeen:       ts,
		LastSeen:        ts,
		OccurrenceCount: 1,
	}

	upsert := clause.OnConflict{
		Columns: []clause.Column{{Name: "application_id"}, {Name: "fingerprint"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"occurrence_count": gorm.Expr("occurrence_count + 1"),
			"last_seen":        ts,
			"updated_at":       ts,
			"reopened_at":      gorm.Expr("CASE WHEN status = ? THEN ? ELSE reopened_at END", dbpkg.StatusResolved, ts),
			"status":           gorm.Expr("CASE WHEN status = ? THEN ? ELSE status END", dbpkg.StatusResolved, dbpkg.StatusReopened),
		}),
	}

	var lastErr error
	for attempt := 1; attempt <= upsertAttempts; attempt++ {
		if lastErr = r.db.Clauses(upsert).Create(&group).Error; lastErr == nil {
			break
		}
		time.Sleep(time.Duration(attempt) * upsertBackoff)
	}
	if lastErr != nil {
		return nil, fmt.Errorf("group upsert: %w", lastErr)
	}

	// Re-read the row: the conflict path does not reliably report the id or
	// the post-update state across drivers, and events need both.
	var current dbpkg.ErrorGroup
	if err := r.db.Where("application_id = ? AND fingerprint = ?", appID, key).First(&current).Error; err != nil {
		return nil, fmt.Errorf("group readback: %w", err)
	}
	return &current, nil
}

func (r *Recorder) insertOccurrence(groupID, appID uint, occ Occurrence, severity string, ts time.Time) error {
	reqCtx := datatypes.JSONMap{}
	for k, v := range occ.Request {
		reqCtx[k] = v
	}

	var expiresAt *time.Time
	if r.cfg.RetentionDays > 0 {
		t := ts.Add(time.Duration(r.cfg.RetentionDays) * 24 * time.Hour)
		expiresAt = &t
	}

	row := dbpkg.Occurrence{
		GroupID:        groupID,
		ApplicationID:  appID,
		OccurredAt:     ts,
		ExpiresAt:      expiresAt,
		ErrorType:      occ.ErrorType,
		Severity:       severity,
		Platform:       occ.Platform,
		Release:        occ.Release,
		Revision:       occ.Revision,
		UserID:         occ.UserID,
		RequestContext: reqCtx,
	}
	return r.db.Create(&row).Error
}

func (r *Recorder) applicationID(name string) (uint, error) {
	if id, ok := r.appCache.Get(name); ok {
		return id, nil
	}
	id, err := dbpkg.EnsureApplication(r.db, name)
	if err != nil {
		return 0, err
	}
	r.appCache.Add(name, id)
	return id, nil
}

func (r *Recorder) ignored(errorType string) bool {
	lower := strings.ToLower(errorType)
	for _, pattern := range r.cfg.IgnorePatterns {
		if strings.Contains(lower, strings.ToLower(pattern)) {
			return true
		}
	}
	return false
}

func (r *Recorder) publish(created, reopened bool, appID, groupID uint, ts time.Time) {
	if r.bus == nil {
		return
	}
	if created {
		r.bus.Publish(events.Event{Topic: events.TopicGroupCreated, ApplicationID: appID, GroupID: groupID, At: ts})
	}
	if reopened {
		r.bus.Publish(events.Event{Topic: events.TopicGroupReopened, ApplicationID: appID, GroupID: groupID, At: ts})
	}
	r.bus.Publish(events.Event{Topic: events.TopicOccurrenceRecorded, ApplicationID: appID, GroupID: groupID, At: ts})
}

func normalizeSeverity(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case dbpkg.SeverityLow:
		return dbpkg.SeverityLow
	case dbpkg.SeverityHigh:
		return dbpkg.SeverityHigh
	case dbpkg.SeverityCritical:
		return dbpkg.SeverityCritical
	default:
		return dbpkg.SeverityMedium
	}
}
