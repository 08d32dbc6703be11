package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"

	"github.com/valyala/fasthttp"

	httpctx "errsight/internal/http/ctx"
	"errsight/internal/ingest"
)

type ingestRequest struct {
	Errors []ingest.Occurrence `json:"errors"`
}

// IngestHandler accepts batched error occurrences. The contract is fail-safe:
// a broken dashboard must never break the monitored application, so per-item
// failures are logged and counted, never surfaced as an error to the
// reporting caller.
func IngestHandler(sink ingest.Sink, logger *slog.Logger) fasthttp.RequestHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx *fasthttp.RequestCtx) {
		var payload ingestRequest
		if err := json.Unmarshal(ctx.PostBody(), &payload); err != nil {
			ctx.SetStatusCode(fasthttp.StatusBadRequest)
			ctx.SetBodyString("invalid JSON body")
			return
		}
		if len(payload.Errors) == 0 {
			ctx.SetStatusCode(fasthttp.StatusBadRequest)
			ctx.SetBodyString("no errors provided")
			return
		}

		// The API key decides which application the batch belongs to;
		// callers cannot write into another tenant.
		application := ""
		if ak, ok := httpctx.APIKeyFromCtx(ctx); ok && ak != nil {
			application = ak.Application.Name
		}

		accepted, dropped := 0, 0
		for _, occ := range payload.Errors {
			if application != "" {
				occ.Application = application
			}
			if err := sink.Accept(occ); err != nil {
				dropped++
				if !errors.Is(err, ingest.ErrDropped) {
					logger.Error("failed to record occurrence", "error_type", occ.ErrorType, "error", err)
				}
				continue
			}
			accepted++
		}

		ctx.SetStatusCode(fasthttp.StatusAccepted)
		ctx.SetContentType("application/json")
		ctx.SetBodyString(`{"status":"accepted","accepted":` + strconv.Itoa(accepted) +
			`,"dropped":` + strconv.Itoa(dropped) + `}`)
	}
}
