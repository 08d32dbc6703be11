package handlers

import (
	"strconv"
	"time"

	"github.com/valyala/fasthttp"
	"gorm.io/gorm"

	"errsight/internal/analytics"
	dbpkg "errsight/internal/db"
)

// CorrelationHandler serves the combined temporal, release and user
// correlation report for one application and window.
func CorrelationHandler(db *gorm.DB, correlator *analytics.Correlator) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		app, ok := resolveApplication(ctx, db)
		if !ok {
			return
		}
		from, to := parseWindow(ctx)

		report, err := correlator.BuildReport(db, app.ID, from, to)
		if err != nil {
			errResponse(ctx, fasthttp.StatusInternalServerError, "failed to build correlation report")
			return
		}
		resp := map[string]any{
			"application": app.Name,
			"from":        from,
			"to":          to,
			"report":      report,
		}
		if string(ctx.QueryArgs().Peek("compare")) == "true" {
			cmp, err := correlator.CompareWithPrevious(db, app.ID, from, to)
			if err != nil {
				errResponse(ctx, fasthttp.StatusInternalServerError, "failed to compare periods")
				return
			}
			resp["comparison"] = cmp
		}
		jsonResponse(ctx, resp)
	}
}

// CascadesHandler serves stored cascade links, optionally walking the
// ancestor and descendant chains of one group.
func CascadesHandler(db *gorm.DB, detector *analytics.CascadeDetector) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		app, ok := resolveApplication(ctx, db)
		if !ok {
			return
		}

		minConfidence := 0.0
		if v := string(ctx.QueryArgs().Peek("min_confidence")); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil || f < 0 || f > 1 {
				errResponse(ctx, fasthttp.StatusBadRequest, "min_confidence must be in [0, 1]")
				return
			}
			minConfidence = f
		}

		links, err := dbpkg.ListCascadeLinks(db, app.ID, minConfidence)
		if err != nil {
			errResponse(ctx, fasthttp.StatusInternalServerError, "failed to list cascade links")
			return
		}

		resp := map[string]any{
			"application": app.Name,
			"links":       links,
		}
		if v := string(ctx.QueryArgs().Peek("group")); v != "" {
			id, err := strconv.ParseUint(v, 10, 32)
			if err != nil || id == 0 {
				errResponse(ctx, fasthttp.StatusBadRequest, "invalid group id")
				return
			}
			resp["ancestors"] = detector.Ancestors(links, uint(id))
			resp["descendants"] = detector.Descendants(links, uint(id))
		}
		jsonResponse(ctx, resp)
	}
}

// AlertsHandler serves baseline anomaly alerts, newest first.
func AlertsHandler(db *gorm.DB) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		app, ok := resolveApplication(ctx, db)
		if !ok {
			return
		}
		var since time.Time
		if v := string(ctx.QueryArgs().Peek("since")); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				errResponse(ctx, fasthttp.StatusBadRequest, "since must be RFC 3339")
				return
			}
			since = t
		} else if h := string(ctx.QueryArgs().Peek("hours")); h != "" {
			if f, err := strconv.ParseFloat(h, 64); err == nil && f > 0 {
				since = time.Now().UTC().Add(-time.Duration(f * float64(time.Hour)))
			}
		}

		alerts, err := dbpkg.ListBaselineAlerts(db, app.ID, since)
		if err != nil {
			errResponse(ctx, fasthttp.StatusInternalServerError, "failed to list alerts")
			return
		}
		jsonResponse(ctx, map[string]any{
			"application": app.Name,
			"alerts":      alerts,
		})
	}
}

// PlatformScoresHandler serves per-platform stability scores for the window.
// Platforms the application has reported from before but not inside the
// window come back flagged as insufficient data.
func PlatformScoresHandler(db *gorm.DB, scorer *analytics.PlatformScorer) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		app, ok := resolveApplication(ctx, db)
		if !ok {
			return
		}
		from, to := parseWindow(ctx)

		scores, err := scorer.ScoreWindow(db, app.ID, from, to)
		if err != nil {
			errResponse(ctx, fasthttp.StatusInternalServerError, "failed to score platforms")
			return
		}

		ordered := make([]analytics.PlatformScore, 0, len(scores))
		for _, name := range analytics.ScoreNames(scores) {
			ordered = append(ordered, scores[name])
		}
		jsonResponse(ctx, map[string]any{
			"application": app.Name,
			"from":        from,
			"to":          to,
			"platforms":   ordered,
		})
	}
}
