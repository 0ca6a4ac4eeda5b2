package handlers

import (
	"context"
	"encoding/json"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"queryinsight/internal/cache"
	"queryinsight/internal/config"
	dbpkg "queryinsight/internal/db"
	"queryinsight/internal/notify"
	"queryinsight/internal/pipeline"
	"queryinsight/internal/target"
)

const testToken = "test-token"

// probeOpener answers every capability probe with installed.
type probeOpener struct {
	t         *testing.T
	installed bool
}

func (o probeOpener) Open(context.Context, *dbpkg.MonitoredTarget) (*target.Conn, error) {
	sqlDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(o.t, err)
	mock.ExpectQuery(`pg_extension`).WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(o.installed))
	return target.NewConn(sqlDB, time.Second), nil
}

type plainCodec struct{}

func (plainCodec) Encrypt(s string) (string, error) { return "x" + s, nil }

type server struct {
	store  *dbpkg.Store
	sched  *pipeline.Scheduler
	client *fasthttp.Client
}

func newServer(t *testing.T, installed bool, g prometheus.Gatherer) *server {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, dbpkg.Migrate(gdb))
	store := dbpkg.NewStore(gdb)

	log := zaptest.NewLogger(t)
	cfg := &config.Config{
		APIToken:          testToken,
		Concurrency:       1,
		ContextTTL:        time.Hour,
		ContextQueryLimit: 20,
		TargetTimeout:     time.Second,
	}
	p := pipeline.New(pipeline.Deps{
		Config:     cfg,
		Store:      store,
		Opener:     probeOpener{t: t, installed: installed},
		Codec:      plainCodec{},
		Cache:      cache.NewContextCache(cache.NewMemoryStore(), store, cfg.ContextTTL, cfg.ContextQueryLimit, log),
		Dispatcher: notify.NewLogDispatcher(log),
		Log:        log,
	})
	sched, err := pipeline.NewScheduler(pipeline.OverlapSkip, log)
	require.NoError(t, err)
	if g == nil {
		g = prometheus.NewRegistry()
	}

	ln := fasthttputil.NewInmemoryListener()
	srv := &fasthttp.Server{Handler: NewHandler(cfg, p, sched, g, log)}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Shutdown() })

	return &server{
		store: store,
		sched: sched,
		client: &fasthttp.Client{Dial: func(string) (net.Conn, error) {
			return ln.Dial()
		}},
	}
}

func (s *server) do(t *testing.T, method, path, body string, authed bool) (int, []byte) {
	t.Helper()
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI("http://queryinsight.test" + path)
	req.Header.SetMethod(method)
	if authed {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	if body != "" {
		req.Header.SetContentType("application/json")
		req.SetBodyString(body)
	}
	require.NoError(t, s.client.Do(req, resp))
	return resp.StatusCode(), append([]byte(nil), resp.Body()...)
}

func (s *server) connect(t *testing.T) uint {
	t.Helper()
	code, body := s.do(t, "POST", "/v1/targets", `{"host":"db1.internal","database_name":"app","username":"monitor","password":"pw"}`, true)
	require.Equal(t, fasthttp.StatusCreated, code, string(body))
	var out struct {
		ID uint `json:"id"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	return out.ID
}

func TestHealthz(t *testing.T) {
	s := newServer(t, true, nil)
	code, body := s.do(t, "GET", "/healthz", "", false)
	assert.Equal(t, fasthttp.StatusOK, code)
	assert.Equal(t, "ok", string(body))
}

func TestBearerAuth(t *testing.T) {
	s := newServer(t, true, nil)

	code, _ := s.do(t, "GET", "/v1/targets", "", false)
	assert.Equal(t, fasthttp.StatusUnauthorized, code)

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)
	req.SetRequestURI("http://queryinsight.test/v1/targets")
	req.Header.Set("Authorization", "Bearer wrong")
	require.NoError(t, s.client.Do(req, resp))
	assert.Equal(t, fasthttp.StatusUnauthorized, resp.StatusCode())
	assert.NotEmpty(t, resp.Header.Peek("X-Request-ID"))

	code, body := s.do(t, "GET", "/v1/targets", "", true)
	assert.Equal(t, fasthttp.StatusOK, code)
	assert.JSONEq(t, `{"targets":[]}`, string(body))
}

func TestConnectTarget(t *testing.T) {
	s := newServer(t, true, nil)
	id := s.connect(t)

	code, body := s.do(t, "GET", "/v1/targets/"+itoa(id), "", true)
	require.Equal(t, fasthttp.StatusOK, code)
	assert.Contains(t, string(body), `"monitoring_enabled":true`)
	assert.NotContains(t, string(body), "xpw")

	code, _ = s.do(t, "POST", "/v1/targets", `{"database_name":"app"}`, true)
	assert.Equal(t, fasthttp.StatusBadRequest, code)

	code, _ = s.do(t, "POST", "/v1/targets", `not json`, true)
	assert.Equal(t, fasthttp.StatusBadRequest, code)
}

func TestConnectTarget_ExtensionMissing(t *testing.T) {
	s := newServer(t, false, nil)

	code, body := s.do(t, "POST", "/v1/targets", `{"host":"db1.internal","database_name":"app","username":"monitor"}`, true)
	require.Equal(t, fasthttp.StatusCreated, code)
	assert.Contains(t, string(body), `"monitoring_enabled":false`)
	assert.Contains(t, string(body), "pg_stat_statements")
}

func TestTargetLookup(t *testing.T) {
	s := newServer(t, true, nil)

	code, _ := s.do(t, "GET", "/v1/targets/42", "", true)
	assert.Equal(t, fasthttp.StatusNotFound, code)

	code, _ = s.do(t, "GET", "/v1/targets/abc", "", true)
	assert.Equal(t, fasthttp.StatusBadRequest, code)
}

func TestAlertsAndQueries(t *testing.T) {
	s := newServer(t, true, nil)
	id := s.connect(t)
	base := "/v1/targets/" + itoa(id)

	code, body := s.do(t, "POST", base+"/alerts", `{"query":"SELECT * FROM orders WHERE id = $1;"}`, true)
	require.Equal(t, fasthttp.StatusOK, code, string(body))
	assert.Contains(t, string(body), `"alerts_enabled":true`)

	code, _ = s.do(t, "DELETE", base+"/alerts", `{"query":"SELECT never_seen"}`, true)
	assert.Equal(t, fasthttp.StatusNoContent, code)

	code, _ = s.do(t, "POST", base+"/alerts", `{"query":"  "}`, true)
	assert.Equal(t, fasthttp.StatusBadRequest, code)

	code, body = s.do(t, "GET", base+"/queries?limit=10", "", true)
	require.Equal(t, fasthttp.StatusOK, code)
	var page struct {
		Queries []dbpkg.QueryRecord `json:"queries"`
		Total   int64               `json:"total"`
		Limit   int                 `json:"limit"`
	}
	require.NoError(t, json.Unmarshal(body, &page))
	assert.EqualValues(t, 1, page.Total)
	assert.Equal(t, 10, page.Limit)
	require.Len(t, page.Queries, 1)
	assert.Equal(t, "orders", page.Queries[0].PrimaryTable)
}

func TestInsightReads(t *testing.T) {
	s := newServer(t, true, nil)
	id := s.connect(t)
	base := "/v1/targets/" + itoa(id)

	code, _ := s.do(t, "GET", base+"/suggestions", "", true)
	assert.Equal(t, fasthttp.StatusNotFound, code)

	require.NoError(t, s.store.UpsertSuggestionSet(context.Background(), id, []dbpkg.Suggestion{
		{Title: "a", Description: "a", Priority: "high", Category: "performance"},
		{Title: "b", Description: "b", Priority: "medium", Category: "maintenance"},
		{Title: "c", Description: "c", Priority: "low", Category: "schema"},
	}, dbpkg.SourceFallback, time.Now().UTC()))
	code, body := s.do(t, "GET", base+"/suggestions", "", true)
	require.Equal(t, fasthttp.StatusOK, code)
	assert.Contains(t, string(body), `"source":"fallback"`)

	require.NoError(t, s.store.AppendCriticalEvent(context.Background(), &dbpkg.CriticalQueryEvent{
		TargetID: id, QueryHash: "h", QueryText: "SELECT 1", MeanExecTimeMs: 900, Rank: 1,
	}))
	code, body = s.do(t, "GET", base+"/events?hours=1", "", true)
	require.Equal(t, fasthttp.StatusOK, code)
	assert.Contains(t, string(body), `"mean_exec_time_ms":900`)

	code, body = s.do(t, "GET", base+"/schema", "", true)
	require.Equal(t, fasthttp.StatusOK, code)
	assert.JSONEq(t, `{"tables":[]}`, string(body))

	code, body = s.do(t, "GET", base+"/context", "", true)
	require.Equal(t, fasthttp.StatusOK, code)
	assert.Contains(t, string(body), `"narrative"`)
}

func TestRunJob(t *testing.T) {
	s := newServer(t, true, nil)
	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, s.sched.Register("slow", time.Hour, false, func(context.Context) error {
		close(started)
		<-release
		return nil
	}))
	defer close(release)

	code, _ := s.do(t, "POST", "/v1/jobs/vacuum/run", "", true)
	assert.Equal(t, fasthttp.StatusNotFound, code)

	code, body := s.do(t, "POST", "/v1/jobs/slow/run", "", true)
	require.Equal(t, fasthttp.StatusAccepted, code, string(body))
	<-started

	code, _ = s.do(t, "POST", "/v1/jobs/slow/run", "", true)
	assert.Equal(t, fasthttp.StatusConflict, code)

	code, body = s.do(t, "GET", "/v1/jobs", "", true)
	require.Equal(t, fasthttp.StatusOK, code)
	assert.JSONEq(t, `{"jobs":["slow"]}`, string(body))
}

func TestMetricsHandler_FiltersByTarget(t *testing.T) {
	reg := prometheus.NewRegistry()
	perTarget := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "probe_total", Help: "h"}, []string{pipeline.TargetLabel})
	global := prometheus.NewGauge(prometheus.GaugeOpts{Name: "up_gauge", Help: "h"})
	reg.MustRegister(perTarget, global)
	perTarget.WithLabelValues("1").Inc()
	perTarget.WithLabelValues("2").Add(2)
	global.Set(1)

	s := newServer(t, true, reg)

	code, body := s.do(t, "GET", "/metrics?target=1", "", false)
	require.Equal(t, fasthttp.StatusOK, code)
	text := string(body)
	assert.Contains(t, text, `probe_total{target="1"} 1`)
	assert.NotContains(t, text, `target="2"`)
	assert.Contains(t, text, "up_gauge 1")

	_, body = s.do(t, "GET", "/metrics?target=9", "", false)
	assert.False(t, strings.Contains(string(body), "probe_total"))
	assert.Contains(t, string(body), "up_gauge 1")

	_, body = s.do(t, "GET", "/metrics", "", false)
	assert.Contains(t, string(body), `target="2"`)
}

func itoa(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}
