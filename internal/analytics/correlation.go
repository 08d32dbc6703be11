// Package analytics contains the read-only engines that turn stored groups
// and occurrences into derived reports: correlation, cascade links, baseline
// alerts and platform scores. Engines never mutate occurrence data; cascade
// links and baseline state are the only analytic-side writes.
package analytics

import (
	"log/slog"
	"math"
	"sort"
	"time"

	"gorm.io/gorm"

	"errsight/internal/config"
	dbpkg "errsight/internal/db"
)

// Correlator runs the temporal, release and user analyses over one
// application and time window.
type Correlator struct {
	cfg      config.AnalyticsConfig
	sampling float64
	logger   *slog.Logger
}

// NewCorrelator constructs a Correlator. samplingRate scales persisted row
// counts back to true volume.
func NewCorrelator(cfg config.AnalyticsConfig, samplingRate float64, logger *slog.Logger) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	if samplingRate <= 0 {
		samplingRate = 1
	}
	return &Correlator{cfg: cfg, sampling: samplingRate, logger: logger}
}

// TemporalPair reports two groups whose occurrences land in the same time
// bucket repeatedly. GroupA < GroupB by id.
type TemporalPair struct {
	GroupA        uint `json:"group_a"`
	GroupB        uint `json:"group_b"`
	CoOccurrences int  `json:"co_occurrences"`
}

// ReleaseStats aggregates one release inside the window, ordered by first
// appearance. ChangePercentage compares total volume against the previous
// release; the first release reports zero.
type ReleaseStats struct {
	Release          string    `json:"release"`
	FirstSeen        time.Time `json:"first_seen"`
	Occurrences      int64     `json:"occurrences"`
	CriticalCount    int64     `json:"critical_count"`
	ChangePercentage float64   `json:"change_percentage"`
	Problematic      bool      `json:"problematic"`
}

// PeriodComparison contrasts two arbitrary time ranges.
type PeriodComparison struct {
	CurrentCount     int64            `json:"current_count"`
	PreviousCount    int64            `json:"previous_count"`
	CurrentSeverity  map[string]int64 `json:"current_severity"`
	PreviousSeverity map[string]int64 `json:"previous_severity"`
	ChangePercentage float64          `json:"change_percentage"`
}

// UserImpact reports a user who hit several distinct error types in the
// window.
type UserImpact struct {
	UserID        string   `json:"user_id"`
	DistinctTypes int      `json:"distinct_types"`
	ErrorTypes    []string `json:"error_types"`
}

// Report bundles the three analyses for the query API.
type Report struct {
	Temporal []TemporalPair `json:"temporal"`
	Releases []ReleaseStats `json:"release_comparison"`
	Users    []UserImpact   `json:"user_correlation"`
}

// BuildReport fetches the window once and runs all three analyses. Empty
// windows produce an empty (never nil-field) report.
func (c *Correlator) BuildReport(gdb *gorm.DB, appID uint, from, to time.Time) (*Report, error) {
	occs, err := dbpkg.OccurrencesInWindow(gdb, appID, from, to)
	if err != nil {
		return nil, err
	}
	return &Report{
		Temporal: c.Temporal(occs),
		Releases: c.Releases(occs),
		Users:    c.Users(occs),
	}, nil
}

// Temporal finds group pairs that spike inside the same bucket more than
// once, ranked by co-occurrence count.
func (c *Correlator) Temporal(occs []dbpkg.Occurrence) []TemporalPair {
	pairs := []TemporalPair{}
	if len(occs) < 2 {
		return pairs
	}

	window := c.cfg.TemporalWindow
	if window <= 0 {
		window = time.Minute
	}

	// Distinct groups per bucket.
	buckets := make(map[int64]map[uint]struct{})
	for _, o := range occs {
		b := o.OccurredAt.UnixNano() / int64(window)
		if buckets[b] == nil {
			buckets[b] = make(map[uint]struct{})
		}
		buckets[b][o.GroupID] = struct{}{}
	}

	type pairKey struct{ a, b uint }
	counts := make(map[pairKey]int)
	for _, groups := range buckets {
		if len(groups) < 2 {
			continue
		}
		ids := make([]uint, 0, len(groups))
		for id := range groups {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for i := 0; i < len(ids); i++ {
			for j := i + 1; j < len(ids); j++ {
				counts[pairKey{ids[i], ids[j]}]++
			}
		}
	}

	for k, n := range counts {
		// A single shared bucket is not evidence of correlation.
		if n < 2 {
			continue
		}
		pairs = append(pairs, TemporalPair{GroupA: k.a, GroupB: k.b, CoOccurrences: n})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].CoOccurrences != pairs[j].CoOccurrences {
			return pairs[i].CoOccurrences > pairs[j].CoOccurrences
		}
		if pairs[i].GroupA != pairs[j].GroupA {
			return pairs[i].GroupA < pairs[j].GroupA
		}
		return pairs[i].GroupB < pairs[j].GroupB
	})
	return pairs
}

// Releases buckets the window by release identifier, ordered by each
// release's first appearance, and flags regressions against the immediate
// predecessor.
func (c *Correlator) Releases(occs []dbpkg.Occurrence) []ReleaseStats {
	stats := []ReleaseStats{}
	if len(occs) == 0 {
		return stats
	}

	byRelease := make(map[string]*ReleaseStats)
	for _, o := range occs {
		release := o.Release
		if release == "" {
			release = o.Revision
		}
		if release == "" {
			continue
		}
		s, ok := byRelease[release]
		if !ok {
			s = &ReleaseStats{Release: release, FirstSeen: o.OccurredAt}
			byRelease[release] = s
		}
		if o.OccurredAt.Before(s.FirstSeen) {
			s.FirstSeen = o.OccurredAt
		}
		s.Occurrences++
		if o.Severity == dbpkg.SeverityCritical {
			s.CriticalCount++
		}
	}
	if len(byRelease) == 0 {
		return stats
	}

	for _, s := range byRelease {
		s.Occurrences = c.scale(s.Occurrences)
		s.CriticalCount = c.scale(s.CriticalCount)
		stats = append(stats, *s)
	}
	// Version strings in the wild don't sort reliably; order by first
	// appearance instead.
	sort.Slice(stats, func(i, j int) bool { return stats[i].FirstSeen.Before(stats[j].FirstSeen) })

	for i := 1; i < len(stats); i++ {
		prev := stats[i-1].Occurrences
		curr := stats[i].Occurrences
		if prev > 0 {
			stats[i].ChangePercentage = round1(float64(curr-prev) / float64(prev) * 100)
			stats[i].Problematic = float64(curr) > float64(prev)*(1+c.cfg.ReleaseRegressionMargin)
		} else if curr > 0 {
			stats[i].Problematic = true
		}
	}
	return stats
}

// CompareWithPrevious contrasts the window against the equal-length range
// immediately preceding it.
func (c *Correlator) CompareWithPrevious(gdb *gorm.DB, appID uint, from, to time.Time) (PeriodComparison, error) {
	current, err := dbpkg.OccurrencesInWindow(gdb, appID, from, to)
	if err != nil {
		return PeriodComparison{}, err
	}
	span := to.Sub(from)
	previous, err := dbpkg.OccurrencesInWindow(gdb, appID, from.Add(-span), from)
	if err != nil {
		return PeriodComparison{}, err
	}
	return c.ComparePeriods(current, previous), nil
}

// ComparePeriods contrasts two arbitrary time ranges for volume and severity
// mix (e.g. current 7 days vs the 7 before).
func (c *Correlator) ComparePeriods(current, previous []dbpkg.Occurrence) PeriodComparison {
	cmp := PeriodComparison{
		CurrentSeverity:  severityMix(current),
		PreviousSeverity: severityMix(previous),
		CurrentCount:     c.scale(int64(len(current))),
		PreviousCount:    c.scale(int64(len(previous))),
	}
	if cmp.PreviousCount > 0 {
		cmp.ChangePercentage = round1(float64(cmp.CurrentCount-cmp.PreviousCount) / float64(cmp.PreviousCount) * 100)
	}
	return cmp
}

// Users returns users that hit at least the configured number of distinct
// error types inside the window, most affected first.
func (c *Correlator) Users(occs []dbpkg.Occurrence) []UserImpact {
	impacts := []UserImpact{}
	if len(occs) == 0 {
		return impacts
	}

	minTypes := c.cfg.UserMinDistinctTypes
	if minTypes < 1 {
		minTypes = 2
	}

	byUser := make(map[string]map[string]struct{})
	for _, o := range occs {
		if o.UserID == "" {
			continue
		}
		if byUser[o.UserID] == nil {
			byUser[o.UserID] = make(map[string]struct{})
		}
		byUser[o.UserID][o.ErrorType] = struct{}{}
	}

	for user, types := range byUser {
		if len(types) < minTypes {
			continue
		}
		names := make([]string, 0, len(types))
		for name := range types {
			names = append(names, name)
		}
		sort.Strings(names)
		impacts = append(impacts, UserImpact{UserID: user, DistinctTypes: len(types), ErrorTypes: names})
	}
	sort.Slice(impacts, func(i, j int) bool {
		if impacts[i].DistinctTypes != impacts[j].DistinctTypes {
			return impacts[i].DistinctTypes > impacts[j].DistinctTypes
		}
		return impacts[i].UserID < impacts[j].UserID
	})
	return impacts
}

func (c *Correlator) scale(persisted int64) int64 {
	if c.sampling >= 1 {
		return persisted
	}
	return int64(math.Round(float64(persisted) / c.sampling))
}

func severityMix(occs []dbpkg.Occurrence) map[string]int64 {
	mix := make(map[string]int64)
	for _, o := range occs {
		mix[o.Severity]++
	}
	return mix
}

func round1(f float64) float64 {
	return math.Round(f*10) / 10
}
