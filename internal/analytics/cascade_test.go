package analytics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dbpkg "errsight/internal/db"
)

// seededCascade builds occurrences where every group-2 occurrence follows a
// group-1 occurrence at a fixed lag.
func seededCascade(base time.Time, samples int, lag time.Duration) []dbpkg.Occurrence {
	var occs []dbpkg.Occurrence
	for i := 0; i < samples; i++ {
		parentAt := base.Add(time.Duration(i) * 10 * time.Minute)
		occs = append(occs, occ(1, parentAt), occ(2, parentAt.Add(lag)))
	}
	return occs
}

func TestCascadeDetectsSeededLag(t *testing.T) {
	d := NewCascadeDetector(testAnalyticsConfig(), nil)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	links := d.Detect(seededCascade(base, 8, 30*time.Second))

	var found *CandidateLink
	for i := range links {
		if links[i].ParentGroupID == 1 && links[i].ChildGroupID == 2 {
			found = &links[i]
		}
	}
	require.NotNil(t, found, "expected a 1->2 link")
	assert.True(t, found.Accepted)
	assert.GreaterOrEqual(t, found.Confidence, 0.6)
	assert.InDelta(t, 30.0, found.LagMean, 0.001)
	assert.InDelta(t, 0.0, found.LagVariance, 0.001)
	assert.Equal(t, 8, found.SampleCount)
}

func TestCascadeIndependentTimestampsNoLink(t *testing.T) {
	d := NewCascadeDetector(testAnalyticsConfig(), nil)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	// Group 2 fires half-way between group-1 occurrences, far outside the
	// 5-minute lag window in both directions.
	var occs []dbpkg.Occurrence
	for i := 0; i < 8; i++ {
		parentAt := base.Add(time.Duration(i) * time.Hour)
		occs = append(occs, occ(1, parentAt), occ(2, parentAt.Add(30*time.Minute)))
	}

	for _, link := range d.Detect(occs) {
		assert.False(t, link.Accepted, "independent groups must not produce an accepted link")
	}
}

func TestCascadeMinimumSampleFloor(t *testing.T) {
	d := NewCascadeDetector(testAnalyticsConfig(), nil)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	// Perfect lag but only 3 overlaps against a floor of 5.
	links := d.Detect(seededCascade(base, 3, 30*time.Second))
	for _, link := range links {
		assert.False(t, link.Accepted, "sparse overlap must be rejected regardless of fraction")
	}
}

func TestCascadeNoSelfLoops(t *testing.T) {
	d := NewCascadeDetector(testAnalyticsConfig(), nil)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	var occs []dbpkg.Occurrence
	for i := 0; i < 10; i++ {
		occs = append(occs, occ(1, base.Add(time.Duration(i)*time.Second)))
	}
	for _, link := range d.Detect(occs) {
		assert.NotEqual(t, link.ParentGroupID, link.ChildGroupID)
	}
}

func TestCascadeEmptyWindow(t *testing.T) {
	d := NewCascadeDetector(testAnalyticsConfig(), nil)
	assert.Empty(t, d.Detect(nil))
	assert.Empty(t, d.Detect([]dbpkg.Occurrence{occ(1, time.Now())}))
}

func TestDetectAndStoreReplacesLinks(t *testing.T) {
	gdb := testDB(t)
	d := NewCascadeDetector(testAnalyticsConfig(), nil)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	appID, err := dbpkg.EnsureApplication(gdb, "checkout")
	require.NoError(t, err)

	seed := func(occs []dbpkg.Occurrence) {
		for i := range occs {
			occs[i].ApplicationID = appID
		}
		require.NoError(t, gdb.Create(&occs).Error)
	}

	seed(seededCascade(base, 8, 30*time.Second))
	require.NoError(t, d.DetectAndStore(gdb, appID, base.Add(-time.Hour), base.Add(24*time.Hour)))
	require.NoError(t, d.DetectAndStore(gdb, appID, base.Add(-time.Hour), base.Add(24*time.Hour)))

	links, err := dbpkg.ListCascadeLinks(gdb, appID, 0)
	require.NoError(t, err)
	require.Len(t, links, 1, "recomputation must replace, not append")
	assert.Equal(t, uint(1), links[0].ParentGroupID)
	assert.Equal(t, uint(2), links[0].ChildGroupID)

	// More seeded pairs at a different lag: same row, updated stats.
	seed(seededCascade(base.Add(26*time.Hour), 8, 60*time.Second))
	require.NoError(t, d.DetectAndStore(gdb, appID, base.Add(25*time.Hour), base.Add(48*time.Hour)))

	links, err = dbpkg.ListCascadeLinks(gdb, appID, 0)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.InDelta(t, 60.0, links[0].LagMeanSeconds, 0.001)
}

func TestDetectAndStoreDropsStaleLink(t *testing.T) {
	gdb := testDB(t)
	d := NewCascadeDetector(testAnalyticsConfig(), nil)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	appID, err := dbpkg.EnsureApplication(gdb, "checkout")
	require.NoError(t, err)

	occs := seededCascade(base, 8, 30*time.Second)
	for i := range occs {
		occs[i].ApplicationID = appID
	}
	require.NoError(t, gdb.Create(&occs).Error)
	require.NoError(t, d.DetectAndStore(gdb, appID, base.Add(-time.Hour), base.Add(time.Hour*24)))

	links, err := dbpkg.ListCascadeLinks(gdb, appID, 0)
	require.NoError(t, err)
	require.Len(t, links, 1)

	// A later window where the pair still overlaps occasionally but far
	// below the confidence floor supersedes the link with nothing.
	var indep []dbpkg.Occurrence
	for i := 0; i < 8; i++ {
		parentAt := base.Add(30 * time.Hour).Add(time.Duration(i) * time.Hour)
		childLag := 30 * time.Minute
		if i == 0 {
			childLag = 30 * time.Second
		}
		indep = append(indep, occ(1, parentAt), occ(2, parentAt.Add(childLag)))
	}
	for i := range indep {
		indep[i].ApplicationID = appID
	}
	require.NoError(t, gdb.Create(&indep).Error)
	require.NoError(t, d.DetectAndStore(gdb, appID, base.Add(29*time.Hour), base.Add(48*time.Hour)))

	links, err = dbpkg.ListCascadeLinks(gdb, appID, 0)
	require.NoError(t, err)
	assert.Empty(t, links)
}

func TestTraversalGuardsCycles(t *testing.T) {
	d := NewCascadeDetector(testAnalyticsConfig(), nil)

	links := []dbpkg.CascadeLink{
		{ParentGroupID: 1, ChildGroupID: 2, Confidence: 0.9},
		{ParentGroupID: 2, ChildGroupID: 3, Confidence: 0.8},
		{ParentGroupID: 3, ChildGroupID: 1, Confidence: 0.7}, // cycle back to the start
	}

	desc := d.Descendants(links, 1)
	require.Len(t, desc, 2)
	assert.Equal(t, uint(2), desc[0].GroupID)
	assert.Equal(t, 1, desc[0].Depth)
	assert.Equal(t, uint(3), desc[1].GroupID)
	assert.Equal(t, 2, desc[1].Depth)

	anc := d.Ancestors(links, 1)
	require.Len(t, anc, 2)
	assert.Equal(t, uint(3), anc[0].GroupID)
}

func TestTraversalDepthCap(t *testing.T) {
	cfg := testAnalyticsConfig()
	cfg.CascadeMaxDepth = 2
	d := NewCascadeDetector(cfg, nil)

	links := []dbpkg.CascadeLink{
		{ParentGroupID: 1, ChildGroupID: 2, Confidence: 0.9},
		{ParentGroupID: 2, ChildGroupID: 3, Confidence: 0.9},
		{ParentGroupID: 3, ChildGroupID: 4, Confidence: 0.9},
	}

	desc := d.Descendants(links, 1)
	require.Len(t, desc, 2, "traversal must stop at the depth cap")
}
