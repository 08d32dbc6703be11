package handlers

import (
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"
	"gorm.io/gorm"

	dbpkg "errsight/internal/db"
)

// ListGroupsHandler serves the filtered, paginated group listing backing the
// dashboard's main view.
func ListGroupsHandler(db *gorm.DB) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		args := ctx.QueryArgs()

		filters := dbpkg.GroupFilters{
			Status:   string(args.Peek("status")),
			Severity: string(args.Peek("severity")),
			Platform: string(args.Peek("platform")),
			Search:   string(args.Peek("search")),
			Sort:     string(args.Peek("sort")),
		}
		if name := string(args.Peek("application")); name != "" {
			app, err := dbpkg.GetApplicationByName(db, name)
			if err != nil {
				if errors.Is(err, dbpkg.ErrNotFound) {
					errResponse(ctx, fasthttp.StatusNotFound, "unknown application")
				} else {
					errResponse(ctx, fasthttp.StatusInternalServerError, "failed to resolve application")
				}
				return
			}
			filters.ApplicationID = app.ID
		}
		if h := string(args.Peek("hours")); h != "" {
			if f, err := strconv.ParseFloat(h, 64); err == nil && f > 0 {
				filters.Since = time.Now().UTC().Add(-time.Duration(f * float64(time.Hour)))
			}
		}
		if v := string(args.Peek("limit")); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				filters.Limit = n
			}
		}
		if v := string(args.Peek("offset")); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				filters.Offset = n
			}
		}

		page, err := dbpkg.ListGroups(db, filters)
		if err != nil {
			errResponse(ctx, fasthttp.StatusInternalServerError, "failed to list groups")
			return
		}
		jsonResponse(ctx, map[string]any{
			"groups":   page.Groups,
			"total":    page.Total,
			"has_more": page.HasMore,
		})
	}
}

// GetGroupHandler serves one group by id.
func GetGroupHandler(db *gorm.DB) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id, ok := groupIDFromPath(ctx)
		if !ok {
			return
		}
		group, err := dbpkg.GetGroup(db, id)
		if err != nil {
			if errors.Is(err, dbpkg.ErrNotFound) {
				errResponse(ctx, fasthttp.StatusNotFound, "group not found")
			} else {
				errResponse(ctx, fasthttp.StatusInternalServerError, "failed to load group")
			}
			return
		}
		jsonResponse(ctx, map[string]any{"group": group})
	}
}

// ResolveGroupHandler marks a group resolved. Resolving twice is a no-op, not
// an error.
func ResolveGroupHandler(db *gorm.DB) fasthttp.RequestHandler {
	return groupAction(db, func(db *gorm.DB, id uint) error {
		return dbpkg.ResolveGroup(db, id, time.Now().UTC())
	})
}

// SnoozeGroupHandler silences a group without resolving it.
func SnoozeGroupHandler(db *gorm.DB) fasthttp.RequestHandler {
	return groupAction(db, dbpkg.SnoozeGroup)
}

// AssignGroupHandler sets or clears the group assignee.
func AssignGroupHandler(db *gorm.DB) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id, ok := groupIDFromPath(ctx)
		if !ok {
			return
		}
		var body struct {
			Assignee string `json:"assignee"`
		}
		if err := json.Unmarshal(ctx.PostBody(), &body); err != nil {
			errResponse(ctx, fasthttp.StatusBadRequest, "invalid JSON body")
			return
		}
		if err := dbpkg.AssignGroup(db, id, body.Assignee); err != nil {
			if errors.Is(err, dbpkg.ErrNotFound) {
				errResponse(ctx, fasthttp.StatusNotFound, "group not found")
			} else {
				errResponse(ctx, fasthttp.StatusInternalServerError, "failed to assign group")
			}
			return
		}
		jsonResponse(ctx, map[string]any{"status": "ok"})
	}
}

func groupAction(db *gorm.DB, action func(*gorm.DB, uint) error) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id, ok := groupIDFromPath(ctx)
		if !ok {
			return
		}
		if err := action(db, id); err != nil {
			if errors.Is(err, dbpkg.ErrNotFound) {
				errResponse(ctx, fasthttp.StatusNotFound, "group not found")
			} else {
				errResponse(ctx, fasthttp.StatusInternalServerError, "failed to update group")
			}
			return
		}
		jsonResponse(ctx, map[string]any{"status": "ok"})
	}
}

func groupIDFromPath(ctx *fasthttp.RequestCtx) (uint, bool) {
	raw, _ := ctx.UserValue("id").(string)
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || id == 0 {
		errResponse(ctx, fasthttp.StatusBadRequest, "invalid group id")
		return 0, false
	}
	return uint(id), true
}
