package analytics

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"errsight/internal/config"
	dbpkg "errsight/internal/db"
)

// CascadeDetector infers directed "B tends to occur shortly after A" links
// between error groups from occurrence timelines.
type CascadeDetector struct {
	cfg    config.AnalyticsConfig
	logger *slog.Logger
}

// NewCascadeDetector constructs a detector.
func NewCascadeDetector(cfg config.AnalyticsConfig, logger *slog.Logger) *CascadeDetector {
	if logger == nil {
		logger = slog.Default()
	}
	return &CascadeDetector{cfg: cfg, logger: logger}
}

// CandidateLink is one evaluated ordered pair. Accepted is false when the
// pair was seen but fell below the confidence or sample floor.
type CandidateLink struct {
	ParentGroupID uint
	ChildGroupID  uint

	// Explained is the fraction of the child's occurrences that fall inside
	// the lag window after some parent occurrence.
	Explained   float64
	LagMean     float64
	LagVariance float64
	SampleCount int
	Confidence  float64
	Accepted    bool
}

// Detect evaluates every ordered group pair in the occurrence set. Pairs
// with no overlap at all are not reported.
func (d *CascadeDetector) Detect(occs []dbpkg.Occurrence) []CandidateLink {
	if len(occs) == 0 {
		return nil
	}

	byGroup := make(map[uint][]time.Time)
	for _, o := range occs {
		byGroup[o.GroupID] = append(byGroup[o.GroupID], o.OccurredAt)
	}
	ids := make([]uint, 0, len(byGroup))
	for id, times := range byGroup {
		sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
		byGroup[id] = times
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var out []CandidateLink
	for _, parent := range ids {
		for _, child := range ids {
			if parent == child {
				continue
			}
			if link, ok := d.evaluatePair(parent, child, byGroup[parent], byGroup[child]); ok {
				out = append(out, link)
			}
		}
	}
	return out
}

// evaluatePair matches each child occurrence to the closest preceding parent
// occurrence within the lag window.
func (d *CascadeDetector) evaluatePair(parent, child uint, parentTimes, childTimes []time.Time) (CandidateLink, bool) {
	minLag := d.cfg.CascadeMinLag
	maxLag := d.cfg.CascadeMaxLag

	var lags []float64
	for _, ct := range childTimes {
		// Latest parent occurrence at or before ct-minLag.
		idx := sort.Search(len(parentTimes), func(i int) bool {
			return parentTimes[i].After(ct.Add(-minLag))
		}) - 1
		if idx < 0 {
			continue
		}
		lag := ct.Sub(parentTimes[idx])
		if lag >= minLag && lag <= maxLag {
			lags = append(lags, lag.Seconds())
		}
	}
	if len(lags) == 0 {
		return CandidateLink{}, false
	}

	mean, variance := meanVariance(lags)
	explained := float64(len(lags)) / float64(len(childTimes))

	// Weight by sample size with a minimum-sample floor so rare
	// co-occurrence can't manufacture a confident link.
	weight := float64(len(lags)) / float64(d.cfg.CascadeMinSamples)
	if weight > 1 {
		weight = 1
	}
	confidence := explained * weight

	link := CandidateLink{
		ParentGroupID: parent,
		ChildGroupID:  child,
		Explained:     explained,
		LagMean:       mean,
		LagVariance:   variance,
		SampleCount:   len(lags),
		Confidence:    confidence,
	}
	link.Accepted = len(lags) >= d.cfg.CascadeMinSamples && confidence >= d.cfg.CascadeMinConfidence
	return link, true
}

// DetectAndStore runs detection over the window and reconciles cascade_links:
// accepted pairs replace their prior row, evaluated-but-rejected pairs lose
// any stale row. Pairs with no data in this window are left untouched.
func (d *CascadeDetector) DetectAndStore(gdb *gorm.DB, appID uint, from, to time.Time) error {
	occs, err := dbpkg.OccurrencesInWindow(gdb, appID, from, to)
	if err != nil {
		return fmt.Errorf("load occurrences: %w", err)
	}

	for _, cand := range d.Detect(occs) {
		if !cand.Accepted {
			if err := gdb.Where("parent_group_id = ? AND child_group_id = ?", cand.ParentGroupID, cand.ChildGroupID).
				Delete(&dbpkg.CascadeLink{}).Error; err != nil {
				return fmt.Errorf("drop stale link: %w", err)
			}
			continue
		}

		row := dbpkg.CascadeLink{
			ApplicationID:      appID,
			ParentGroupID:      cand.ParentGroupID,
			ChildGroupID:       cand.ChildGroupID,
			LagMeanSeconds:     cand.LagMean,
			LagVarianceSeconds: cand.LagVariance,
			Confidence:         cand.Confidence,
			SampleCount:        cand.SampleCount,
		}
		if err := gdb.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "parent_group_id"}, {Name: "child_group_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"lag_mean_seconds", "lag_variance_seconds", "confidence", "sample_count", "updated_at",
			}),
		}).Create(&row).Error; err != nil {
			return fmt.Errorf("store link %d->%d: %w", cand.ParentGroupID, cand.ChildGroupID, err)
		}
	}
	return nil
}

// ChainNode is one step of an ancestor/descendant traversal.
type ChainNode struct {
	GroupID    uint    `json:"group_id"`
	Depth      int     `json:"depth"`
	Confidence float64 `json:"confidence"`
}

// Ancestors walks parent edges from a group. Links are an explicit edge list,
// so independent pairwise detections can form cycles; the visited set and
// depth cap terminate such branches instead of failing the query.
func (d *CascadeDetector) Ancestors(links []dbpkg.CascadeLink, groupID uint) []ChainNode {
	return d.traverse(links, groupID, func(l dbpkg.CascadeLink) (from, to uint) {
		return l.ChildGroupID, l.ParentGroupID
	})
}

// Descendants walks child edges from a group.
func (d *CascadeDetector) Descendants(links []dbpkg.CascadeLink, groupID uint) []ChainNode {
	return d.traverse(links, groupID, func(l dbpkg.CascadeLink) (from, to uint) {
		return l.ParentGroupID, l.ChildGroupID
	})
}

func (d *CascadeDetector) traverse(links []dbpkg.CascadeLink, start uint, edge func(dbpkg.CascadeLink) (uint, uint)) []ChainNode {
	maxDepth := d.cfg.CascadeMaxDepth
	if maxDepth < 1 {
		maxDepth = 1
	}

	adjacent := make(map[uint][]dbpkg.CascadeLink)
	for _, l := range links {
		from, _ := edge(l)
		adjacent[from] = append(adjacent[from], l)
	}

	visited := map[uint]struct{}{start: {}}
	var out []ChainNode

	type frame struct {
		id    uint
		depth int
	}
	queue := []frame{{id: start, depth: 0}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.depth >= maxDepth {
			continue
		}
		next := adjacent[cur.id]
		sort.Slice(next, func(i, j int) bool { return next[i].Confidence > next[j].Confidence })
		for _, l := range next {
			_, to := edge(l)
			if _, seen := visited[to]; seen {
				continue
			}
			visited[to] = struct{}{}
			out = append(out, ChainNode{GroupID: to, Depth: cur.depth + 1, Confidence: l.Confidence})
			queue = append(queue, frame{id: to, depth: cur.depth + 1})
		}
	}
	return out
}

func meanVariance(values []float64) (mean, variance float64) {
	if len(values) == 0 {
		return 0, 0
	}
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(values))
	return mean, variance
}
