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

// severityWeight ranks severities for the weighted score; critical counts
// much more than low.
var severityWeight = map[string]float64{
	dbpkg.SeverityLow:      1,
	dbpkg.SeverityMedium:   2,
	dbpkg.SeverityHigh:     5,
	dbpkg.SeverityCritical: 10,
}

// PlatformScore is the derived per-platform health summary. It is recomputed
// per query and never stored. Insufficient marks platforms with no
// occurrences in the window: no data is not a 0 and not a 100.
type PlatformScore struct {
	Platform string `json:"platform"`

	ErrorRatePerHour      float64  `json:"error_rate_per_hour"`
	SeverityWeightedRate  float64  `json:"severity_weighted_rate"`
	MeanResolutionSeconds *float64 `json:"mean_resolution_seconds,omitempty"`

	Score        *float64 `json:"score,omitempty"`
	Insufficient bool     `json:"insufficient_data,omitempty"`
}

// PlatformScorer aggregates occurrences and group resolution data into a
// 0-100 stability score per platform.
//
// The formula: each component is normalized to a [0,1] subscore where 1 is
// healthy (error rate and severity-weighted rate inverted against their
// configured scales, mean resolution time against its scale), then blended
// with the configured weights and multiplied by 100. All constants live in
// config.ScoreWeights.
type PlatformScorer struct {
	weights  config.ScoreWeights
	sampling float64
	logger   *slog.Logger
}

// NewPlatformScorer constructs a scorer.
func NewPlatformScorer(weights config.ScoreWeights, samplingRate float64, logger *slog.Logger) *PlatformScorer {
	if logger == nil {
		logger = slog.Default()
	}
	if samplingRate <= 0 {
		samplingRate = 1
	}
	return &PlatformScorer{weights: weights, sampling: samplingRate, logger: logger}
}

// ScoreWindow loads the window and scores every platform seen in it, plus an
// entry for any requested platforms with no data.
func (s *PlatformScorer) ScoreWindow(gdb *gorm.DB, appID uint, from, to time.Time) (map[string]PlatformScore, error) {
	occs, err := dbpkg.OccurrencesInWindow(gdb, appID, from, to)
	if err != nil {
		return nil, err
	}
	groups, err := dbpkg.GroupsForApplication(gdb, appID)
	if err != nil {
		return nil, err
	}
	scores := s.Score(occs, groups, to.Sub(from))

	// Platforms the application has reported from before but not inside this
	// window have an undefined score, not a perfect or zero one.
	known, err := dbpkg.KnownPlatforms(gdb, appID)
	if err != nil {
		return nil, err
	}
	for _, platform := range known {
		if _, ok := scores[platform]; !ok {
			scores[platform] = InsufficientScore(platform)
		}
	}
	return scores, nil
}

// Score computes scores from an occurrence snapshot. Platforms with zero
// occurrences are reported as insufficient data.
func (s *PlatformScorer) Score(occs []dbpkg.Occurrence, groups []dbpkg.ErrorGroup, window time.Duration) map[string]PlatformScore {
	out := make(map[string]PlatformScore)
	if window <= 0 {
		return out
	}
	hours := window.Hours()

	groupByID := make(map[uint]dbpkg.ErrorGroup, len(groups))
	for _, g := range groups {
		groupByID[g.ID] = g
	}

	type agg struct {
		count    float64
		weighted float64
		groupIDs map[uint]struct{}
	}
	byPlatform := make(map[string]*agg)
	for _, o := range occs {
		platform := o.Platform
		if platform == "" {
			platform = "unknown"
		}
		a := byPlatform[platform]
		if a == nil {
			a = &agg{groupIDs: make(map[uint]struct{})}
			byPlatform[platform] = a
		}
		a.count++
		w, ok := severityWeight[o.Severity]
		if !ok {
			w = severityWeight[dbpkg.SeverityMedium]
		}
		a.weighted += w
		a.groupIDs[o.GroupID] = struct{}{}
	}

	for platform, a := range byPlatform {
		score := PlatformScore{Platform: platform}

		scale := 1 / s.sampling
		score.ErrorRatePerHour = a.count * scale / hours
		score.SeverityWeightedRate = a.weighted * scale / hours

		// Mean resolution over this platform's resolved groups only.
		var resolutionSum float64
		var resolved int
		for id := range a.groupIDs {
			g, ok := groupByID[id]
			if !ok || g.Status != dbpkg.StatusResolved || g.ResolvedAt == nil {
				continue
			}
			resolutionSum += g.ResolvedAt.Sub(g.FirstSeen).Seconds()
			resolved++
		}

		errSub := clamp01(1 - score.ErrorRatePerHour/s.weights.ErrorRateScale)
		sevSub := clamp01(1 - score.SeverityWeightedRate/s.weights.SeverityScale)

		// With nothing resolved yet there is no evidence about resolution
		// speed; the subscore stays neutral.
		resSub := 1.0
		if resolved > 0 {
			meanRes := resolutionSum / float64(resolved)
			score.MeanResolutionSeconds = &meanRes
			resSub = clamp01(1 - meanRes/s.weights.ResolutionScale.Seconds())
		}

		value := math.Round((s.weights.ErrorRateWeight*errSub+
			s.weights.SeverityWeight*sevSub+
			s.weights.ResolutionWeight*resSub)*1000) / 10
		score.Score = &value
		out[platform] = score
	}
	return out
}

// ScoreNames returns the scored platforms in a stable order for reports.
func ScoreNames(scores map[string]PlatformScore) []string {
	names := make([]string, 0, len(scores))
	for name := range scores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// InsufficientScore is the placeholder entry for a platform with no data.
func InsufficientScore(platform string) PlatformScore {
	return PlatformScore{Platform: platform, Insufficient: true}
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
