package analytics

import (
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"errsight/internal/config"
	dbpkg "errsight/internal/db"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, dbpkg.Migrate(gdb))
	return gdb
}

func testAnalyticsConfig() config.AnalyticsConfig {
	return config.AnalyticsConfig{
		TemporalWindow:          time.Minute,
		ReleaseRegressionMargin: 0.5,
		UserMinDistinctTypes:    2,

		CascadeMinLag:        0,
		CascadeMaxLag:        5 * time.Minute,
		CascadeMinConfidence: 0.6,
		CascadeMinSamples:    5,
		CascadeMaxDepth:      10,

		BaselineBucket:           time.Hour,
		BaselineWindowSize:       24,
		BaselineStdDevMultiplier: 3.0,
		BaselineMinSamples:       3,
		BaselineMinDelta:         5,
		BaselineCooldown:         90 * time.Minute,

		RunInterval: time.Minute,
		RunTimeout:  time.Second,

		Score: config.ScoreWeights{
			ErrorRateWeight:  0.5,
			SeverityWeight:   0.3,
			ResolutionWeight: 0.2,
			ErrorRateScale:   100,
			SeverityScale:    200,
			ResolutionScale:  7 * 24 * time.Hour,
		},
	}
}

// occ builds a minimal occurrence row for engine-level tests.
func occ(groupID uint, at time.Time) dbpkg.Occurrence {
	return dbpkg.Occurrence{GroupID: groupID, ApplicationID: 1, OccurredAt: at}
}
