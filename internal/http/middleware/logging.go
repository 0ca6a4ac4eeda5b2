package middleware

import (
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	httpctx "queryinsight/internal/http/ctx"
)

// RequestLogger logs method, path, status and duration of every request and
// tags it with a request id, echoed in X-Request-ID.
func RequestLogger(log *zap.Logger) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	log = log.Named("http")
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			start := time.Now()
			id := string(ctx.Request.Header.Peek("X-Request-ID"))
			if id == "" {
				id = uuid.NewString()
			}
			httpctx.SetRequestID(ctx, id)
			ctx.Response.Header.Set("X-Request-ID", id)

			next(ctx)

			log.Info("request",
				zap.ByteString("method", ctx.Method()),
				zap.ByteString("path", ctx.Path()),
				zap.Int("status", ctx.Response.StatusCode()),
				zap.Duration("took", time.Since(start)),
				zap.String("request_id", id),
				zap.String("ip", ctx.RemoteIP().String()))
		}
	}
}
