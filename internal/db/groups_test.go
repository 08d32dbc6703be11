package db

import (
	"database/sql"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)

	var sqlDB *sql.DB
	sqlDB, err = gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, Migrate(gdb))
	return gdb
}

func seedGroups(t *testing.T, gdb *gorm.DB, appID uint) []ErrorGroup {
	t.Helper()
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	groups := []ErrorGroup{
		{ApplicationID: appID, Fingerprint: "fp-1", ErrorType: "NullPointerException",
			Severity: SeverityCritical, Status: StatusOpen,
			FirstSeen: base, LastSeen: base.Add(3 * time.Hour), OccurrenceCount: 40},
		{ApplicationID: appID, Fingerprint: "fp-2", ErrorType: "TimeoutError",
			Severity: SeverityMedium, Status: StatusOpen,
			FirstSeen: base.Add(time.Hour), LastSeen: base.Add(2 * time.Hour), OccurrenceCount: 90},
		{ApplicationID: appID, Fingerprint: "fp-3", ErrorType: "ValidationError",
			Severity: SeverityLow, Status: StatusResolved,
			FirstSeen: base.Add(2 * time.Hour), LastSeen: base.Add(time.Hour), OccurrenceCount: 5},
	}
	require.NoError(t, gdb.Create(&groups).Error)
	return groups
}

func TestListGroupsFilters(t *testing.T) {
	gdb := testDB(t)
	appID, err := EnsureApplication(gdb, "checkout")
	require.NoError(t, err)
	otherID, err := EnsureApplication(gdb, "billing")
	require.NoError(t, err)

	groups := seedGroups(t, gdb, appID)
	require.NoError(t, gdb.Create(&ErrorGroup{
		ApplicationID: otherID, Fingerprint: "fp-other", ErrorType: "TimeoutError",
		Severity: SeverityHigh, Status: StatusOpen, OccurrenceCount: 1,
	}).Error)

	page, err := ListGroups(gdb, GroupFilters{ApplicationID: appID})
	require.NoError(t, err)
	assert.EqualValues(t, 3, page.Total, "other applications must not leak in")

	page, err = ListGroups(gdb, GroupFilters{ApplicationID: appID, Status: StatusResolved})
	require.NoError(t, err)
	require.Len(t, page.Groups, 1)
	assert.Equal(t, "ValidationError", page.Groups[0].ErrorType)

	page, err = ListGroups(gdb, GroupFilters{ApplicationID: appID, Severity: SeverityCritical})
	require.NoError(t, err)
	require.Len(t, page.Groups, 1)
	assert.Equal(t, groups[0].ID, page.Groups[0].ID)

	page, err = ListGroups(gdb, GroupFilters{ApplicationID: appID, Search: "timeout"})
	require.NoError(t, err)
	require.Len(t, page.Groups, 1)
	assert.Equal(t, "TimeoutError", page.Groups[0].ErrorType)
}

func TestListGroupsSearchIgnoresCase(t *testing.T) {
	gdb := testDB(t)
	appID, err := EnsureApplication(gdb, "checkout")
	require.NoError(t, err)
	seedGroups(t, gdb, appID)

	// Both sides of the match are normalized, so casing on either the stored
	// value or the query must not change the result set.
	for _, search := range []string{"timeout", "TIMEOUT", "TimeOut"} {
		page, err := ListGroups(gdb, GroupFilters{ApplicationID: appID, Search: search})
		require.NoError(t, err)
		require.Len(t, page.Groups, 1, "search %q", search)
		assert.Equal(t, "TimeoutError", page.Groups[0].ErrorType)
	}

	page, err := ListGroups(gdb, GroupFilters{ApplicationID: appID, Search: "no such error"})
	require.NoError(t, err)
	assert.Empty(t, page.Groups)
}

func TestListGroupsPlatformFilter(t *testing.T) {
	gdb := testDB(t)
	appID, err := EnsureApplication(gdb, "checkout")
	require.NoError(t, err)
	groups := seedGroups(t, gdb, appID)

	require.NoError(t, gdb.Create(&Occurrence{
		GroupID: groups[1].ID, ApplicationID: appID,
		OccurredAt: time.Now().UTC(), ErrorType: "TimeoutError", Severity: SeverityMedium, Platform: "android",
	}).Error)

	page, err := ListGroups(gdb, GroupFilters{ApplicationID: appID, Platform: "android"})
	require.NoError(t, err)
	require.Len(t, page.Groups, 1)
	assert.Equal(t, groups[1].ID, page.Groups[0].ID)

	page, err = ListGroups(gdb, GroupFilters{ApplicationID: appID, Platform: "ios"})
	require.NoError(t, err)
	assert.Empty(t, page.Groups)
}

func TestListGroupsSortAndPagination(t *testing.T) {
	gdb := testDB(t)
	appID, err := EnsureApplication(gdb, "checkout")
	require.NoError(t, err)
	seedGroups(t, gdb, appID)

	page, err := ListGroups(gdb, GroupFilters{ApplicationID: appID, Sort: "count"})
	require.NoError(t, err)
	require.Len(t, page.Groups, 3)
	assert.Equal(t, "TimeoutError", page.Groups[0].ErrorType, "count sort puts the busiest group first")

	page, err = ListGroups(gdb, GroupFilters{ApplicationID: appID, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, page.Groups, 2)
	assert.True(t, page.HasMore)
	assert.Equal(t, "NullPointerException", page.Groups[0].ErrorType, "default sort is last_seen desc")

	page, err = ListGroups(gdb, GroupFilters{ApplicationID: appID, Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Len(t, page.Groups, 1)
	assert.False(t, page.HasMore)
}

func TestGroupLifecycleActions(t *testing.T) {
	gdb := testDB(t)
	appID, err := EnsureApplication(gdb, "checkout")
	require.NoError(t, err)
	groups := seedGroups(t, gdb, appID)
	id := groups[0].ID

	at := time.Date(2026, 2, 2, 10, 0, 0, 0, time.UTC)
	require.NoError(t, ResolveGroup(gdb, id, at))

	got, err := GetGroup(gdb, id)
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, got.Status)
	require.NotNil(t, got.ResolvedAt)

	// Resolving again keeps the original timestamp.
	require.NoError(t, ResolveGroup(gdb, id, at.Add(time.Hour)))
	got, err = GetGroup(gdb, id)
	require.NoError(t, err)
	assert.True(t, got.ResolvedAt.Equal(at))

	require.NoError(t, AssignGroup(gdb, id, "oncall@example.com"))
	require.NoError(t, SnoozeGroup(gdb, groups[1].ID))

	got, err = GetGroup(gdb, id)
	require.NoError(t, err)
	assert.Equal(t, "oncall@example.com", got.AssignedTo)
}

func TestGroupActionsNotFound(t *testing.T) {
	gdb := testDB(t)

	_, err := GetGroup(gdb, 999)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, ResolveGroup(gdb, 999, time.Now()), ErrNotFound)
	assert.ErrorIs(t, SnoozeGroup(gdb, 999), ErrNotFound)
	assert.ErrorIs(t, AssignGroup(gdb, 999, "x"), ErrNotFound)
}

func TestEnsureApplicationIdempotent(t *testing.T) {
	gdb := testDB(t)

	first, err := EnsureApplication(gdb, "checkout")
	require.NoError(t, err)
	second, err := EnsureApplication(gdb, "checkout")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	_, err = EnsureApplication(gdb, "  ")
	assert.Error(t, err)
}
