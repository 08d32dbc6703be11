package db

import (
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
)

// GroupFilters narrows and orders a group listing. Zero values mean "no
// filter". Limit is clamped to 200; the default page size is 25.
type GroupFilters struct {
	ApplicationID uint
	Status        string
	Severity      string
	Platform      string
	Since         time.Time

	// Search matches error type or representative message, case-insensitive.
	Search string

	// Sort is one of "last_seen" (default), "first_seen", "count".
	Sort string

	Limit  int
	Offset int
}

// GroupPage is one page of a filtered group listing.
type GroupPage struct {
	Groups  []ErrorGroup
	Total   int64
	HasMore bool
}

// ListGroups returns groups matching the filters, newest activity first
// unless another sort is requested.
func ListGroups(db *gorm.DB, f GroupFilters) (*GroupPage, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 25
	}
	if limit > 200 {
		limit = 200
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	q := db.Model(&ErrorGroup{})
	if f.ApplicationID != 0 {
		q = q.Where("application_id = ?", f.ApplicationID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Severity != "" {
		q = q.Where("severity = ?", f.Severity)
	}
	if f.Platform != "" {
		// Platform lives on occurrences; a group matches when any of its
		// occurrences came from the platform.
		q = q.Where("id IN (?)", db.Model(&Occurrence{}).Select("group_id").Where("platform = ?", f.Platform))
	}
	if !f.Since.IsZero() {
		q = q.Where("last_seen >= ?", f.Since)
	}
	if f.Search != "" {
		// LIKE is case-sensitive on postgres and case-insensitive on sqlite;
		// lowering both sides gives the same matches on either backend.
		pattern := "%" + strings.ToLower(f.Search) + "%"
		q = q.Where("LOWER(error_type) LIKE ? OR LOWER(message) LIKE ?", pattern, pattern)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, err
	}

	order := "last_seen DESC"
	switch f.Sort {
	case "first_seen":
		order = "first_seen DESC"
	case "count":
		order = "occurrence_count DESC"
	}

	var groups []ErrorGroup
	if err := q.Order(order).Limit(limit).Offset(offset).Find(&groups).Error; err != nil {
		return nil, err
	}

	return &GroupPage{
		Groups:  groups,
		Total:   total,
		HasMore: offset+limit < int(total),
	}, nil
}

// GetGroup fetches one group by id.
func GetGroup(db *gorm.DB, id uint) (*ErrorGroup, error) {
	var group ErrorGroup
	if err := db.First(&group, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &group, nil
}

// ResolveGroup marks a group resolved and stamps resolved_at. Resolving an
// already-resolved group is a no-op.
func ResolveGroup(db *gorm.DB, id uint, at time.Time) error {
	res := db.Model(&ErrorGroup{}).
		Where("id = ? AND status <> ?", id, StatusResolved).
		Updates(map[string]interface{}{
			"status":      StatusResolved,
			"resolved_at": at,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return groupExists(db, id)
	}
	return nil
}

// SnoozeGroup silences a group without resolving it.
func SnoozeGroup(db *gorm.DB, id uint) error {
	res := db.Model(&ErrorGroup{}).Where("id = ?", id).Update("status", StatusSnoozed)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// AssignGroup sets the assignee.
func AssignGroup(db *gorm.DB, id uint, assignee string) error {
	res := db.Model(&ErrorGroup{}).Where("id = ?", id).Update("assigned_to", assignee)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func groupExists(db *gorm.DB, id uint) error {
	var count int64
	if err := db.Model(&ErrorGroup{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrNotFound
	}
	return nil
}
