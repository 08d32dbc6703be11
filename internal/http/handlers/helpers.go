package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"
	"gorm.io/gorm"

	dbpkg "errsight/internal/db"
)

// parseWindow reads "hours" (float) or "days" (int) from the query and
// returns the [from, to) range ending now. Defaults to the trailing day.
func parseWindow(ctx *fasthttp.RequestCtx) (from, to time.Time) {
	now := time.Now().UTC()
	if h := string(ctx.QueryArgs().Peek("hours")); h != "" {
		if f, err := strconv.ParseFloat(h, 64); err == nil && f > 0 {
			return now.Add(-time.Duration(f * float64(time.Hour))), now
		}
	}
	days := 1
	if d := string(ctx.QueryArgs().Peek("days")); d != "" {
		if n, err := strconv.Atoi(d); err == nil && n > 0 {
			days = n
		}
	}
	return now.Add(-time.Duration(days) * 24 * time.Hour), now
}

// resolveApplication maps the "application" query parameter to its row,
// answering 400/404 itself when that fails.
func resolveApplication(ctx *fasthttp.RequestCtx, db *gorm.DB) (*dbpkg.Application, bool) {
	name := string(ctx.QueryArgs().Peek("application"))
	if name == "" {
		errResponse(ctx, fasthttp.StatusBadRequest, "application query parameter is required")
		return nil, false
	}
	app, err := dbpkg.GetApplicationByName(db, name)
	if err != nil {
		if errors.Is(err, dbpkg.ErrNotFound) {
			errResponse(ctx, fasthttp.StatusNotFound, "unknown application")
		} else {
			errResponse(ctx, fasthttp.StatusInternalServerError, "failed to resolve application")
		}
		return nil, false
	}
	return app, true
}

// RequestLogger returns fasthttp middleware that logs method, path, status, duration.
func RequestLogger(logger *slog.Logger, next fasthttp.RequestHandler) fasthttp.RequestHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		next(ctx)
		logger.Info("request",
			"method", string(ctx.Method()),
			"path", string(ctx.Path()),
			"status", ctx.Response.StatusCode(),
			"duration", time.Since(start),
			"ip", ctx.RemoteAddr().String())
	}
}

func jsonResponse(ctx *fasthttp.RequestCtx, data map[string]any) {
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(data)
	ctx.SetBody(body)
}

func errResponse(ctx *fasthttp.RequestCtx, code int, msg string) {
	ctx.SetStatusCode(code)
	ctx.SetBodyString(msg)
}
