package handlers

import (
	"github.com/valyala/fasthttp"

	"queryinsight/internal/pipeline"
)

func ListJobs(s *pipeline.Scheduler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		jsonResponse(ctx, fasthttp.StatusOK, map[string]any{"jobs": s.Jobs()})
	}
}

// RunJob triggers a job in the background. 409 means the skip policy
// dropped the run because the job is already running.
func RunJob(s *pipeline.Scheduler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		name, _ := ctx.UserValue("name").(string)
		if err := s.Trigger(name); err != nil {
			errorResponse(ctx, err)
			return
		}
		jsonResponse(ctx, fasthttp.StatusAccepted, map[string]any{"job": name, "status": "started"})
	}
}
