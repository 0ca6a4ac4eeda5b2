package ctx

import (
	"github.com/valyala/fasthttp"

	dbpkg "queryinsight/internal/db"
)

const (
	TargetKey    = "target"
	RequestIDKey = "requestID"
)

func SetTarget(ctx *fasthttp.RequestCtx, t *dbpkg.MonitoredTarget) {
	ctx.SetUserValue(TargetKey, t)
}

func TargetFromCtx(ctx *fasthttp.RequestCtx) (*dbpkg.MonitoredTarget, bool) {
	v := ctx.UserValue(TargetKey)
	if v == nil {
		return nil, false
	}
	t, ok := v.(*dbpkg.MonitoredTarget)
	return t, ok && t != nil
}

func SetRequestID(ctx *fasthttp.RequestCtx, id string) {
	ctx.SetUserValue(RequestIDKey, id)
}

func RequestIDFromCtx(ctx *fasthttp.RequestCtx) string {
	s, _ := ctx.UserValue(RequestIDKey).(string)
	return s
}
