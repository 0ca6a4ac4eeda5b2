package handlers

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	dbpkg "queryinsight/internal/db"
	"queryinsight/internal/pipeline"
)

type targetResponse struct {
	*dbpkg.MonitoredTarget
	ProbeError string `json:"probe_error,omitempty"`
}

// ConnectTarget stores a new target and probes it. The target is created
// even when the probe fails; the failure is reported in probe_error.
func ConnectTarget(p *pipeline.Pipeline, log *zap.Logger) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		var req pipeline.ConnectRequest
		if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
			errResponse(ctx, fasthttp.StatusBadRequest, "invalid JSON body")
			return
		}

		res, err := p.Connect(ctx, req)
		if err != nil {
			log.Warn("connect target failed", zap.String("host", req.Host), zap.Error(err))
			errorResponse(ctx, err)
			return
		}

		out := targetResponse{MonitoredTarget: res.Target}
		if res.ProbeErr != nil {
			out.ProbeError = res.ProbeErr.Error()
		}
		jsonResponse(ctx, fasthttp.StatusCreated, out)
	}
}

func ListTargets(store *dbpkg.Store) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		targets, err := store.ListTargets(ctx)
		if err != nil {
			errResponse(ctx, fasthttp.StatusInternalServerError, "failed to list targets")
			return
		}
		if targets == nil {
			targets = []dbpkg.MonitoredTarget{}
		}
		jsonResponse(ctx, fasthttp.StatusOK, map[string]any{"targets": targets})
	}
}

func GetTarget() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		t, ok := MustTarget(ctx)
		if !ok {
			return
		}
		jsonResponse(ctx, fasthttp.StatusOK, t)
	}
}

// ProbeTarget re-runs the capability probe so a target can be enabled once
// the extension has been installed.
func ProbeTarget(p *pipeline.Pipeline) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		t, ok := MustTarget(ctx)
		if !ok {
			return
		}
		out := targetResponse{MonitoredTarget: t}
		if err := p.Probe(ctx, t); err != nil {
			out.ProbeError = err.Error()
		}
		jsonResponse(ctx, fasthttp.StatusOK, out)
	}
}
