package db

import (
	"time"

	"gorm.io/gorm"
)

// OccurrencesInWindow returns all occurrence rows for an application in
// [from, to), ordered by time. The (application_id, occurred_at) index keeps
// this a range scan. Analytics read these as an eventually-consistent
// snapshot; ingestion is never blocked.
func OccurrencesInWindow(db *gorm.DB, appID uint, from, to time.Time) ([]Occurrence, error) {
	var rows []Occurrence
	err := db.Where("application_id = ? AND occurred_at >= ? AND occurred_at < ?", appID, from, to).
		Order("occurred_at").
		Find(&rows).Error
	return rows, err
}

// GroupsForApplication returns every group of an application.
func GroupsForApplication(db *gorm.DB, appID uint) ([]ErrorGroup, error) {
	var groups []ErrorGroup
	err := db.Where("application_id = ?", appID).Find(&groups).Error
	return groups, err
}

// ListApplications returns all applications, oldest first.
func ListApplications(db *gorm.DB) ([]Application, error) {
	var apps []Application
	err := db.Order("id").Find(&apps).Error
	return apps, err
}

// KnownPlatforms returns the distinct platforms an application has ever
// reported occurrences from.
func KnownPlatforms(db *gorm.DB, appID uint) ([]string, error) {
	var platforms []string
	err := db.Model(&Occurrence{}).
		Where("application_id = ? AND platform <> ''", appID).
		Distinct("platform").
		Order("platform").
		Pluck("platform", &platforms).Error
	return platforms, err
}

// ListCascadeLinks returns an application's cascade links at or above the
// confidence floor, strongest first.
func ListCascadeLinks(db *gorm.DB, appID uint, minConfidence float64) ([]CascadeLink, error) {
	var links []CascadeLink
	err := db.Where("application_id = ? AND confidence >= ?", appID, minConfidence).
		Order("confidence DESC").
		Find(&links).Error
	return links, err
}

// ListBaselineAlerts returns alerts raised since the given time, newest first.
func ListBaselineAlerts(db *gorm.DB, appID uint, since time.Time) ([]BaselineAlert, error) {
	var alerts []BaselineAlert
	q := db.Where("application_id = ?", appID)
	if !since.IsZero() {
		q = q.Where("raised_at >= ?", since)
	}
	err := q.Order("raised_at DESC").Find(&alerts).Error
	return alerts, err
}
