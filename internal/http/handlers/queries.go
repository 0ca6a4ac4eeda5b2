package handlers

import (
	"encoding/json"
	"strings"

	"github.com/valyala/fasthttp"

	dbpkg "queryinsight/internal/db"
	"queryinsight/internal/pipeline"
)

func ListQueries(store *dbpkg.Store) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		t, ok := MustTarget(ctx)
		if !ok {
			return
		}
		limit, offset := parsePage(ctx)
		recs, total, err := store.ListQueryRecords(ctx, t.ID, limit, offset)
		if err != nil {
			errResponse(ctx, fasthttp.StatusInternalServerError, "failed to list queries")
			return
		}
		if recs == nil {
			recs = []dbpkg.QueryRecord{}
		}
		jsonResponse(ctx, fasthttp.StatusOK, map[string]any{
			"queries": recs,
			"total":   total,
			"limit":   limit,
			"offset":  offset,
		})
	}
}

type alertRequest struct {
	Query string `json:"query"`
}

// SetAlerts opts a statement in (POST) or out (DELETE) of alerting.
func SetAlerts(p *pipeline.Pipeline, enabled bool) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		t, ok := MustTarget(ctx)
		if !ok {
			return
		}
		var req alertRequest
		if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
			errResponse(ctx, fasthttp.StatusBadRequest, "invalid JSON body")
			return
		}
		if strings.TrimSpace(req.Query) == "" {
			errResponse(ctx, fasthttp.StatusBadRequest, "query is required")
			return
		}

		rec, err := p.SetAlerts(ctx, t.ID, req.Query, enabled)
		if err != nil {
			errorResponse(ctx, err)
			return
		}
		if rec == nil {
			// disabling a statement that was never stored
			ctx.SetStatusCode(fasthttp.StatusNoContent)
			return
		}
		jsonResponse(ctx, fasthttp.StatusOK, rec)
	}
}
