package handlers

import (
	"encoding/json"
	"errors"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/valyala/fasthttp"

	dbpkg "queryinsight/internal/db"
	pipeerr "queryinsight/internal/errors"
	httpctx "queryinsight/internal/http/ctx"
	"queryinsight/internal/pipeline"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// MustTarget returns the target loaded by the LoadTarget middleware, or
// sends 404 and returns (nil, false).
func MustTarget(ctx *fasthttp.RequestCtx) (*dbpkg.MonitoredTarget, bool) {
	t, ok := httpctx.TargetFromCtx(ctx)
	if !ok {
		ctx.SetStatusCode(fasthttp.StatusNotFound)
		ctx.SetBodyString("target not found")
		return nil, false
	}
	return t, true
}

func jsonResponse(ctx *fasthttp.RequestCtx, code int, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		errResponse(ctx, fasthttp.StatusInternalServerError, "failed to encode response")
		return
	}
	ctx.SetStatusCode(code)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

func errResponse(ctx *fasthttp.RequestCtx, code int, msg string) {
	ctx.SetStatusCode(code)
	ctx.SetBodyString(msg)
}

// errorResponse maps pipeline errors to status codes.
func errorResponse(ctx *fasthttp.RequestCtx, err error) {
	var verrs validator.ValidationErrors
	switch {
	case errors.Is(err, pipeerr.ErrTargetNotFound):
		errResponse(ctx, fasthttp.StatusNotFound, "target not found")
	case errors.Is(err, pipeline.ErrUnknownJob):
		errResponse(ctx, fasthttp.StatusNotFound, err.Error())
	case errors.Is(err, pipeerr.ErrJobBusy):
		errResponse(ctx, fasthttp.StatusConflict, err.Error())
	case errors.As(err, &verrs):
		errResponse(ctx, fasthttp.StatusBadRequest, err.Error())
	default:
		errResponse(ctx, fasthttp.StatusInternalServerError, "internal error")
	}
}

// parsePage reads limit and offset, clamping limit to maxLimit.
func parsePage(ctx *fasthttp.RequestCtx) (limit, offset int) {
	limit = defaultLimit
	if n, err := strconv.Atoi(string(ctx.QueryArgs().Peek("limit"))); err == nil && n > 0 {
		limit = n
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if n, err := strconv.Atoi(string(ctx.QueryArgs().Peek("offset"))); err == nil && n > 0 {
		offset = n
	}
	return limit, offset
}
