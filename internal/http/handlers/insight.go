package handlers

import (
	"strconv"
	"time"

	"github.com/valyala/fasthttp"

	dbpkg "queryinsight/internal/db"
	"queryinsight/internal/pipeline"
)

func ListTables(store *dbpkg.Store) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		t, ok := MustTarget(ctx)
		if !ok {
			return
		}
		snaps, err := store.ListTableSnapshots(ctx, t.ID)
		if err != nil {
			errResponse(ctx, fasthttp.StatusInternalServerError, "failed to list tables")
			return
		}
		if snaps == nil {
			snaps = []dbpkg.TableSnapshot{}
		}
		jsonResponse(ctx, fasthttp.StatusOK, map[string]any{"tables": snaps})
	}
}

// parseSince reads "hours" (float, e.g. 0.5) from the query, defaulting to
// the last 24 hours.
func parseSince(ctx *fasthttp.RequestCtx) time.Time {
	now := time.Now().UTC()
	if h := string(ctx.QueryArgs().Peek("hours")); h != "" {
		if f, err := strconv.ParseFloat(h, 64); err == nil && f > 0 {
			return now.Add(-time.Duration(f * float64(time.Hour)))
		}
	}
	return now.Add(-24 * time.Hour)
}

func ListEvents(store *dbpkg.Store) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		t, ok := MustTarget(ctx)
		if !ok {
			return
		}
		limit, _ := parsePage(ctx)
		since := parseSince(ctx)
		events, err := store.ListCriticalEvents(ctx, t.ID, since, limit)
		if err != nil {
			errResponse(ctx, fasthttp.StatusInternalServerError, "failed to list events")
			return
		}
		if events == nil {
			events = []dbpkg.CriticalQueryEvent{}
		}
		jsonResponse(ctx, fasthttp.StatusOK, map[string]any{
			"events": events,
			"since":  since.Format(time.RFC3339),
		})
	}
}

func GetSuggestions(store *dbpkg.Store) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		t, ok := MustTarget(ctx)
		if !ok {
			return
		}
		set, err := store.GetSuggestionSet(ctx, t.ID)
		if err != nil {
			errResponse(ctx, fasthttp.StatusInternalServerError, "failed to load suggestions")
			return
		}
		if set == nil {
			errResponse(ctx, fasthttp.StatusNotFound, "no suggestions yet")
			return
		}
		jsonResponse(ctx, fasthttp.StatusOK, set)
	}
}

func GetContext(p *pipeline.Pipeline) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		t, ok := MustTarget(ctx)
		if !ok {
			return
		}
		entry, err := p.Context(ctx, t.ID)
		if err != nil {
			errorResponse(ctx, err)
			return
		}
		jsonResponse(ctx, fasthttp.StatusOK, entry)
	}
}
