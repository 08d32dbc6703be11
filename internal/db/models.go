package db

import (
	"time"

	"gorm.io/datatypes"
)

// Group status values. A resolved group that sees a new occurrence flips to
// StatusReopened; the transition happens inside the ingest upsert.
const (
	StatusOpen     = "open"
	StatusResolved = "resolved"
	StatusSnoozed  = "snoozed"
	StatusReopened = "reopened"
)

// Severity values, lowest to highest.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Application is the tenant boundary. Rows are created on first occurrence
// from a new application name and never auto-deleted.
type Application struct {
	ID        uint `gorm:"primaryKey"`
	CreatedAt time.Time

	Name string `gorm:"uniqueIndex;size:128;not null"`
}

// ErrorGroup is a deduplicated incident class. Exactly one row exists per
// (application, fingerprint); the ingest path enforces that with an atomic
// upsert, so OccurrenceCount is exact even under concurrent reporters.
type ErrorGroup struct {
	ID        uint `gorm:"primaryKey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	ApplicationID uint   `gorm:"uniqueIndex:idx_group_app_fingerprint,priority:1;not null"`
	Fingerprint   string `gorm:"uniqueIndex:idx_group_app_fingerprint,priority:2;size:64;not null"`

	ErrorType string `gorm:"size:255;index"`
	// Message is the representative message from the group's first occurrence.
	Message  string `gorm:"size:2048"`
	Severity string `gorm:"size:16;index;default:medium"`
	Priority int    `gorm:"default:0"`

	Status     string `gorm:"size:16;index;default:open"`
	AssignedTo string `gorm:"size:128"`

	FirstSeen       time.Time
	LastSeen        time.Time `gorm:"index"`
	OccurrenceCount int64     `gorm:"not null;default:0"`

	ResolvedAt *time.Time
	ReopenedAt *time.Time
}

// Occurrence is one raw error report. Rows are append-only; error type,
// severity and platform are denormalized from the group so windowed analytics
// can scan occurrences without joins.
type Occurrence struct {
	ID uint `gorm:"primaryKey"`

	GroupID       uint `gorm:"index:idx_occ_group_time,priority:1;not null"`
	ApplicationID uint `gorm:"index:idx_occ_app_time,priority:1;not null"`

	OccurredAt time.Time `gorm:"index:idx_occ_group_time,priority:2;index:idx_occ_app_time,priority:2;not null"`

	// ExpiresAt is the timestamp after which this row is eligible for
	// deletion by the retention worker. Nil means it does not expire.
	ExpiresAt *time.Time `gorm:"index"`

	ErrorType string `gorm:"size:255"`
	Severity  string `gorm:"size:16"`

	Platform string `gorm:"size:64;index"`
	Release  string `gorm:"size:128;index"`
	Revision string `gorm:"size:64"`
	UserID   string `gorm:"size:128;index"`

	// RequestContext holds arbitrary request metadata (url, method,
	// duration_ms, ...) without schema changes.
	RequestContext datatypes.JSONMap `gorm:"type:json"`
}

// CascadeLink is a directed edge between two groups: the child tends to occur
// within the configured lag window after the parent. Links are recomputed,
// not accumulated; each detection pass replaces the row for its (parent,
// child) pair.
type CascadeLink struct {
	ID        uint `gorm:"primaryKey"`
	UpdatedAt time.Time

	ApplicationID uint `gorm:"index;not null"`
	ParentGroupID uint `gorm:"uniqueIndex:idx_cascade_pair,priority:1;not null"`
	ChildGroupID  uint `gorm:"uniqueIndex:idx_cascade_pair,priority:2;not null"`

	LagMeanSeconds     float64
	LagVarianceSeconds float64
	Confidence         float64 `gorm:"index"`
	SampleCount        int
}

// BaselineState is the rolling bucket history for one tracked key (a group id
// rendered as a string, or "global"). Only the baseline monitor writes it;
// persistence lets a restart keep the learned history.
type BaselineState struct {
	ID        uint `gorm:"primaryKey"`
	UpdatedAt time.Time

	ApplicationID uint   `gorm:"uniqueIndex:idx_baseline_key,priority:1;not null"`
	Key           string `gorm:"uniqueIndex:idx_baseline_key,priority:2;size:64;not null"`

	// Window is the circular history of recent bucket counts, oldest first,
	// stored as a JSON array of integers.
	Window datatypes.JSON `gorm:"type:json"`

	Mean   float64
	StdDev float64

	LastBucket  time.Time
	LastAlertAt *time.Time
}

// BaselineAlert records one anomaly event raised by the baseline monitor.
type BaselineAlert struct {
	ID string `gorm:"primaryKey;size:36"`

	ApplicationID uint   `gorm:"index;not null"`
	Key           string `gorm:"size:64;not null"`
	GroupID       *uint  `gorm:"index"`

	BucketStart time.Time
	Count       int64
	Mean        float64
	StdDev      float64
	Threshold   float64

	RaisedAt time.Time `gorm:"index"`
}

// APIKey is a bearer token for the ingest endpoint. Each key is bound to the
// application its occurrences are recorded under.
type APIKey struct {
	ID        uint `gorm:"primaryKey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	ApplicationID uint `gorm:"index;not null"`

	// Name is a user-friendly identifier for this key (e.g. "payments-api").
	Name string `gorm:"size:128;not null"`

	// Key is the bearer token value.
	Key string `gorm:"uniqueIndex;size:255;not null"`

	Active bool `gorm:"default:true"`

	Application Application `gorm:"foreignKey:ApplicationID"`
}
