package handlers

import (
	"github.com/fasthttp/router"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"queryinsight/internal/config"
	appmw "queryinsight/internal/http/middleware"
	"queryinsight/internal/pipeline"
)

// NewHandler builds the HTTP surface: health and metrics are open, every
// /v1 route requires the API token.
func NewHandler(cfg *config.Config, p *pipeline.Pipeline, s *pipeline.Scheduler, g prometheus.Gatherer, log *zap.Logger) fasthttp.RequestHandler {
	store := p.Store()
	auth := appmw.BearerAuth(cfg.APIToken)
	withTarget := func(h fasthttp.RequestHandler) fasthttp.RequestHandler {
		return auth(appmw.LoadTarget(store)(h))
	}

	r := router.New()

	r.GET("/healthz", Healthz(store))
	r.GET("/metrics", MetricsHandler(g))

	r.GET("/v1/jobs", auth(ListJobs(s)))
	r.POST("/v1/jobs/{name}/run", auth(RunJob(s)))

	r.GET("/v1/targets", auth(ListTargets(store)))
	r.POST("/v1/targets", auth(ConnectTarget(p, log)))
	r.GET("/v1/targets/{id}", withTarget(GetTarget()))
	r.POST("/v1/targets/{id}/probe", withTarget(ProbeTarget(p)))

	r.GET("/v1/targets/{id}/queries", withTarget(ListQueries(store)))
	r.POST("/v1/targets/{id}/alerts", withTarget(SetAlerts(p, true)))
	r.DELETE("/v1/targets/{id}/alerts", withTarget(SetAlerts(p, false)))

	r.GET("/v1/targets/{id}/schema", withTarget(ListTables(store)))
	r.GET("/v1/targets/{id}/events", withTarget(ListEvents(store)))
	r.GET("/v1/targets/{id}/suggestions", withTarget(GetSuggestions(store)))
	r.GET("/v1/targets/{id}/context", withTarget(GetContext(p)))

	return appmw.RequestLogger(log)(r.Handler)
}
