package analytics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dbpkg "errsight/internal/db"
)

func TestRunOnceDetectsAndEvaluates(t *testing.T) {
	gdb := testDB(t)
	cfg := testAnalyticsConfig()
	appID, err := dbpkg.EnsureApplication(gdb, "checkout")
	require.NoError(t, err)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	occs := seededCascade(now.Add(-3*time.Hour), 8, 30*time.Second)
	for i := range occs {
		occs[i].ApplicationID = appID
	}
	require.NoError(t, gdb.Create(&occs).Error)

	r := NewRunner(gdb, cfg,
		NewCascadeDetector(cfg, nil),
		NewBaselineMonitor(cfg, 1, nil, nil),
		nil)
	r.RunOnce(context.Background(), now)

	links, err := dbpkg.ListCascadeLinks(gdb, appID, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, links)

	var states int64
	require.NoError(t, gdb.Model(&dbpkg.BaselineState{}).Where("application_id = ?", appID).Count(&states).Error)
	assert.Positive(t, states)
}

func TestRunOnceIsolatesFailures(t *testing.T) {
	gdb := testDB(t)
	cfg := testAnalyticsConfig()
	appID, err := dbpkg.EnsureApplication(gdb, "checkout")
	require.NoError(t, err)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	occs := seededCascade(now.Add(-3*time.Hour), 8, 30*time.Second)
	for i := range occs {
		occs[i].ApplicationID = appID
	}
	require.NoError(t, gdb.Create(&occs).Error)

	// A nil baseline monitor panics inside its run; the cascade analysis
	// must still complete.
	r := NewRunner(gdb, cfg, NewCascadeDetector(cfg, nil), nil, nil)
	assert.NotPanics(t, func() { r.RunOnce(context.Background(), now) })

	links, err := dbpkg.ListCascadeLinks(gdb, appID, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, links, "one failing analysis must not abort the others")
}
