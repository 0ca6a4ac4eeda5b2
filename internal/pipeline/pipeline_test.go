package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"queryinsight/internal/cache"
	"queryinsight/internal/config"
	"queryinsight/internal/db"
	pipeerr "queryinsight/internal/errors"
	"queryinsight/internal/identity"
	"queryinsight/internal/notify"
	"queryinsight/internal/target"
)

func testConfig() *config.Config {
	return &config.Config{
		ContextTTL:              time.Hour,
		OverlapPolicy:           OverlapSkip,
		Concurrency:             1,
		CollectLimit:            50,
		AlertLimit:              100,
		ContextQueryLimit:       20,
		CriticalThresholdMs:     500,
		SignificanceThresholdMs: 1000,
		EventLookback:           24 * time.Hour,
		TargetTimeout:           10 * time.Second,
	}
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrate(gdb))
	return gdb
}

// failInsertsOf makes every insert into table for hash fail, the way a
// full disk or a constraint added behind our back would.
func failInsertsOf(t *testing.T, gdb *gorm.DB, table, hash string) {
	t.Helper()
	require.NoError(t, gdb.Exec(fmt.Sprintf(
		`CREATE TRIGGER fail_%s_%s BEFORE INSERT ON %s WHEN NEW.query_hash = '%s' BEGIN SELECT RAISE(ABORT, 'disk I/O error'); END`,
		table, hash[:8], table, hash)).Error)
}

// mockOpener hands out a fresh sqlmock-backed connection per Open call.
type mockOpener struct {
	t      *testing.T
	mu     sync.Mutex
	setups map[uint]func(sqlmock.Sqlmock)
	errs   map[uint]error
	opens  map[uint]int
}

func newMockOpener(t *testing.T) *mockOpener {
	return &mockOpener{
		t:      t,
		setups: make(map[uint]func(sqlmock.Sqlmock)),
		errs:   make(map[uint]error),
		opens:  make(map[uint]int),
	}
}

func (o *mockOpener) Open(_ context.Context, tgt *db.MonitoredTarget) (*target.Conn, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.opens[tgt.ID]++
	if err := o.errs[tgt.ID]; err != nil {
		return nil, err
	}
	sqlDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(o.t, err)
	mock.MatchExpectationsInOrder(false)
	if setup := o.setups[tgt.ID]; setup != nil {
		setup(mock)
	}
	return target.NewConn(sqlDB, time.Second), nil
}

func (o *mockOpener) openCount(id uint) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opens[id]
}

type dispatchCall struct {
	events []db.CriticalQueryEvent
	target notify.TargetInfo
}

type recordingDispatcher struct {
	mu    sync.Mutex
	calls []dispatchCall
	err   error
}

func (d *recordingDispatcher) Send(_ context.Context, events []db.CriticalQueryEvent, target notify.TargetInfo) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, dispatchCall{events: events, target: target})
	return d.err
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

type generatorFunc func(ctx context.Context, system, user string) (string, error)

func (f generatorFunc) Generate(ctx context.Context, system, user string) (string, error) {
	return f(ctx, system, user)
}

type stubCodec struct{}

func (stubCodec) Encrypt(plaintext string) (string, error) { return "enc:" + plaintext, nil }

type fixture struct {
	cfg    *config.Config
	gdb    *gorm.DB
	store  *db.Store
	opener *mockOpener
	disp   *recordingDispatcher
	cache  *cache.ContextCache
	p      *Pipeline
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gdb := newTestDB(t)
	f := &fixture{
		cfg:    testConfig(),
		gdb:    gdb,
		store:  db.NewStore(gdb),
		opener: newMockOpener(t),
		disp:   &recordingDispatcher{},
	}
	log := zaptest.NewLogger(t)
	f.cache = cache.NewContextCache(cache.NewMemoryStore(), f.store, f.cfg.ContextTTL, f.cfg.ContextQueryLimit, log)
	f.p = New(Deps{
		Config:     f.cfg,
		Store:      f.store,
		Opener:     f.opener,
		Codec:      stubCodec{},
		Cache:      f.cache,
		Dispatcher: f.disp,
		Log:        log,
	})
	return f
}

func (f *fixture) addTarget(t *testing.T, host string, monitored bool) *db.MonitoredTarget {
	t.Helper()
	tgt := &db.MonitoredTarget{
		Host:              host,
		Port:              5432,
		DatabaseName:      "app",
		Username:          "monitor",
		EncryptedPassword: "enc",
	}
	require.NoError(t, f.store.CreateTarget(context.Background(), tgt))
	if monitored {
		require.NoError(t, f.store.SetMonitoringEnabled(context.Background(), tgt.ID, true))
		tgt.MonitoringEnabled = true
	}
	return tgt
}

// primeCache stores a dummy entry so invalidation is observable.
func (f *fixture) primeCache(t *testing.T, targetID uint) {
	t.Helper()
	f.cache.Set(context.Background(), &cache.Entry{TargetID: targetID, Narrative: "stale"})
	_, ok := f.cache.Get(context.Background(), targetID)
	require.True(t, ok)
}

func (f *fixture) cached(targetID uint) bool {
	_, ok := f.cache.Get(context.Background(), targetID)
	return ok
}

type stat struct {
	query string
	calls int64
	mean  float64
}

var statColumns = []string{"query", "calls", "total_exec_time", "mean_exec_time", "min_exec_time", "max_exec_time", "rows"}

func expectStats(mock sqlmock.Sqlmock, stats ...stat) {
	rows := sqlmock.NewRows(statColumns)
	for _, s := range stats {
		rows.AddRow(s.query, s.calls, s.mean*float64(s.calls), s.mean, s.mean/2, s.mean*2, s.calls)
	}
	mock.ExpectQuery(`pg_stat_statements`).WillReturnRows(rows)
}

var errRefused = errors.New("connection refused")

func TestCollectOnce_UpsertsAndInvalidates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tgt := f.addTarget(t, "db1.internal", true)
	f.opener.setups[tgt.ID] = func(m sqlmock.Sqlmock) {
		expectStats(m,
			stat{query: "SELECT * FROM orders WHERE id = $1", calls: 10, mean: 12.5},
			stat{query: "UPDATE users SET name = $1 WHERE id = $2", calls: 3, mean: 4},
		)
	}
	f.primeCache(t, tgt.ID)

	before := testutil.ToFloat64(recordsUpserted.WithLabelValues(JobCollect, targetLabel(tgt.ID)))
	require.NoError(t, f.p.CollectOnce(ctx))
	require.NoError(t, f.p.CollectOnce(ctx))

	recs, total, err := f.store.ListQueryRecords(ctx, tgt.ID, 10, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	assert.Len(t, recs, 2)
	assert.False(t, f.cached(tgt.ID))
	assert.Equal(t, 2, f.opener.openCount(tgt.ID))
	assert.Equal(t, before+4, testutil.ToFloat64(recordsUpserted.WithLabelValues(JobCollect, targetLabel(tgt.ID))))

	rec, err := f.store.GetQueryRecord(ctx, tgt.ID, identity.Of("SELECT * FROM orders WHERE id = $1").Hash)
	require.NoError(t, err)
	assert.Equal(t, "SELECT", rec.QueryType)
	assert.Equal(t, "orders", rec.PrimaryTable)
	assert.False(t, rec.AlertsEnabled)
}

func TestCollectOnce_RowWriteFailureSkipsOnlyThatRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tgt := f.addTarget(t, "db1.internal", true)
	broken := "DELETE FROM sessions WHERE expires_at < now()"
	failInsertsOf(t, f.gdb, "query_records", identity.Of(broken).Hash)
	f.opener.setups[tgt.ID] = func(m sqlmock.Sqlmock) {
		expectStats(m,
			stat{query: "SELECT * FROM orders WHERE id = $1", calls: 100, mean: 20},
			stat{query: broken, calls: 50, mean: 10},
			stat{query: "UPDATE users SET name = $1 WHERE id = $2", calls: 3, mean: 4},
		)
	}
	f.primeCache(t, tgt.ID)

	upserted := testutil.ToFloat64(recordsUpserted.WithLabelValues(JobCollect, targetLabel(tgt.ID)))
	failures := testutilFailures(JobCollect, tgt.ID)
	require.NoError(t, f.p.CollectOnce(ctx))

	recs, total, err := f.store.ListQueryRecords(ctx, tgt.ID, 10, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	for _, r := range recs {
		assert.NotEqual(t, identity.Of(broken).Hash, r.QueryHash)
	}
	assert.Equal(t, upserted+2, testutil.ToFloat64(recordsUpserted.WithLabelValues(JobCollect, targetLabel(tgt.ID))))
	assert.Equal(t, failures, testutilFailures(JobCollect, tgt.ID))
	assert.False(t, f.cached(tgt.ID))
}

func TestCollectOnce_MergesRowsOfOneIdentity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tgt := f.addTarget(t, "db1.internal", true)
	// one statement run by two roles
	f.opener.setups[tgt.ID] = func(m sqlmock.Sqlmock) {
		expectStats(m,
			stat{query: slowOrders, calls: 1000, mean: 600},
			stat{query: slowOrders + ";", calls: 2, mean: 700},
		)
	}

	require.NoError(t, f.p.CollectOnce(ctx))

	_, total, err := f.store.ListQueryRecords(ctx, tgt.ID, 10, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	rec, err := f.store.GetQueryRecord(ctx, tgt.ID, identity.Of(slowOrders).Hash)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.EqualValues(t, 1002, rec.Calls)
	assert.Equal(t, 601400.0, rec.TotalExecTimeMs)
	assert.InDelta(t, 601400.0/1002, rec.MeanExecTimeMs, 1e-9)
}

func TestCollectOnce_SkipsUnmonitored(t *testing.T) {
	f := newFixture(t)
	tgt := f.addTarget(t, "db1.internal", false)

	require.NoError(t, f.p.CollectOnce(context.Background()))
	assert.Zero(t, f.opener.openCount(tgt.ID))
}

func TestCollectOnce_TargetFailureIsolated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bad := f.addTarget(t, "down.internal", true)
	good := f.addTarget(t, "up.internal", true)
	f.opener.errs[bad.ID] = pipeerr.NewConnectionError(bad.ID, bad.Host, errRefused)
	f.opener.setups[good.ID] = func(m sqlmock.Sqlmock) {
		expectStats(m, stat{query: "SELECT 1 FROM accounts", calls: 1, mean: 1})
	}

	failures := testutil.ToFloat64(targetFailures.WithLabelValues(JobCollect, targetLabel(bad.ID)))
	require.NoError(t, f.p.CollectOnce(ctx))

	_, total, err := f.store.ListQueryRecords(ctx, good.ID, 10, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	assert.Equal(t, failures+1, testutil.ToFloat64(targetFailures.WithLabelValues(JobCollect, targetLabel(bad.ID))))
}

func TestCollectOnce_StatsQueryFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tgt := f.addTarget(t, "db1.internal", true)
	f.opener.setups[tgt.ID] = func(m sqlmock.Sqlmock) {
		m.ExpectQuery(`pg_stat_statements`).WillReturnError(errors.New("permission denied"))
	}

	failures := testutil.ToFloat64(targetFailures.WithLabelValues(JobCollect, targetLabel(tgt.ID)))
	require.NoError(t, f.p.CollectOnce(ctx))
	assert.Equal(t, failures+1, testutil.ToFloat64(targetFailures.WithLabelValues(JobCollect, targetLabel(tgt.ID))))
}

func TestForEachTarget_RecoversPanic(t *testing.T) {
	f := newFixture(t)
	targets := []db.MonitoredTarget{{ID: 1, Host: "a"}, {ID: 2, Host: "b"}}

	var ran []uint
	failed := f.p.forEachTarget(context.Background(), "test", targets, func(_ context.Context, tgt *db.MonitoredTarget) error {
		if tgt.ID == 1 {
			panic("boom")
		}
		ran = append(ran, tgt.ID)
		return nil
	})
	assert.Equal(t, 1, failed)
	assert.Equal(t, []uint{2}, ran)
}

func TestForEachTarget_AppliesTargetTimeout(t *testing.T) {
	f := newFixture(t)
	f.cfg.TargetTimeout = 10 * time.Millisecond

	failed := f.p.forEachTarget(context.Background(), "test", []db.MonitoredTarget{{ID: 1}}, func(ctx context.Context, _ *db.MonitoredTarget) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.Equal(t, 1, failed)
}

func testutilFailures(job string, targetID uint) float64 {
	return testutil.ToFloat64(targetFailures.WithLabelValues(job, targetLabel(targetID)))
}
