package handlers

import (
	"context"
	"time"

	"github.com/valyala/fasthttp"
)

// Pinger is satisfied by the persistent store.
type Pinger interface {
	Ping(ctx context.Context) error
}

func Healthz(store Pinger) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := store.Ping(pctx); err != nil {
			errResponse(ctx, fasthttp.StatusServiceUnavailable, "store unavailable")
			return
		}
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString("ok")
	}
}
