package middleware

import (
	"context"
	"errors"
	"strconv"

	"github.com/valyala/fasthttp"

	dbpkg "queryinsight/internal/db"
	pipeerr "queryinsight/internal/errors"
	httpctx "queryinsight/internal/http/ctx"
)

// TargetGetter loads a target by id.
type TargetGetter interface {
	GetTarget(ctx context.Context, id uint) (*dbpkg.MonitoredTarget, error)
}

// LoadTarget resolves the {id} path parameter and stores the target on the
// request context.
func LoadTarget(store TargetGetter) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			idStr, ok := ctx.UserValue("id").(string)
			if !ok || idStr == "" {
				ctx.SetStatusCode(fasthttp.StatusBadRequest)
				ctx.SetBodyString("id required")
				return
			}
			id, err := strconv.ParseUint(idStr, 10, 32)
			if err != nil || id == 0 {
				ctx.SetStatusCode(fasthttp.StatusBadRequest)
				ctx.SetBodyString("invalid id")
				return
			}

			t, err := store.GetTarget(ctx, uint(id))
			if err != nil {
				if errors.Is(err, pipeerr.ErrTargetNotFound) {
					ctx.SetStatusCode(fasthttp.StatusNotFound)
					ctx.SetBodyString("target not found")
					return
				}
				ctx.SetStatusCode(fasthttp.StatusInternalServerError)
				ctx.SetBodyString("failed to load target")
				return
			}

			httpctx.SetTarget(ctx, t)
			next(ctx)
		}
	}
}
