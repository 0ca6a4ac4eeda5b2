package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"queryinsight/internal/db"
)

// QuerySummary is the cached view of one QueryRecord.
type QuerySummary struct {
	QueryHash       string  `json:"query_hash"`
	QueryText       string  `json:"query_text"`
	QueryType       string  `json:"query_type"`
	PrimaryTable    string  `json:"primary_table,omitempty"`
	Calls           int64   `json:"calls"`
	TotalExecTimeMs float64 `json:"total_exec_time_ms"`
	MeanExecTimeMs  float64 `json:"mean_exec_time_ms"`
	Rows            int64   `json:"rows"`
	AlertsEnabled   bool    `json:"alerts_enabled"`
}

// TableSummary is the cached view of one TableSnapshot.
type TableSummary struct {
	Schema      string   `json:"schema"`
	Table       string   `json:"table"`
	Columns     int      `json:"columns"`
	PrimaryKey  []string `json:"primary_key,omitempty"`
	ForeignKeys int      `json:"foreign_keys"`
	Indexes     int      `json:"indexes"`
	RowCount    *int64   `json:"row_count"`
	Unused      bool     `json:"unused"`
}

// Entry is the database context of one target.
type Entry struct {
	TargetID  uint           `json:"target_id"`
	Queries   []QuerySummary `json:"queries"`
	Tables    []TableSummary `json:"tables"`
	Narrative string         `json:"narrative"`
	BuiltAt   time.Time      `json:"built_at"`
}

// Source is the persistent data an Entry is built from.
type Source interface {
	TopQueriesByMean(ctx context.Context, targetID uint, limit int) ([]db.QueryRecord, error)
	ListTableSnapshots(ctx context.Context, targetID uint) ([]db.TableSnapshot, error)
}

// Key returns the cache key of a target's context.
func Key(targetID uint) string {
	return "dbcontext:" + strconv.FormatUint(uint64(targetID), 10)
}

// ContextCache is a cache-aside layer over a Store. Store failures are
// logged, counted and then treated as a miss; they never fail the caller.
type ContextCache struct {
	store      Store
	source     Source
	ttl        time.Duration
	queryLimit int
	log        *zap.Logger
	sf         singleflight.Group

	// gens counts invalidations per target. A rebuild stores its entry only
	// if no invalidation happened while it read the source.
	genMu sync.Mutex
	gens  map[uint]uint64
}

func NewContextCache(store Store, source Source, ttl time.Duration, queryLimit int, log *zap.Logger) *ContextCache {
	return &ContextCache{
		store:      store,
		source:     source,
		ttl:        ttl,
		queryLimit: queryLimit,
		log:        log.Named("context_cache"),
		gens:       make(map[uint]uint64),
	}
}

func (c *ContextCache) generation(targetID uint) uint64 {
	c.genMu.Lock()
	defer c.genMu.Unlock()
	return c.gens[targetID]
}

// Get returns the cached entry, or ok=false on a miss.
func (c *ContextCache) Get(ctx context.Context, targetID uint) (*Entry, bool) {
	key := Key(targetID)
	raw, ok, err := c.store.Get(ctx, key)
	if err != nil {
		errorCounter.WithLabelValues("get").Inc()
		c.log.Warn("cache get failed", zap.String("key", key), zap.Error(err))
		ok = false
	}
	if !ok {
		lookupCounter.WithLabelValues("miss").Inc()
		return nil, false
	}

	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		errorCounter.WithLabelValues("decode").Inc()
		c.log.Warn("dropping undecodable cache entry", zap.String("key", key), zap.Error(err))
		_ = c.store.Delete(ctx, key)
		lookupCounter.WithLabelValues("miss").Inc()
		return nil, false
	}
	lookupCounter.WithLabelValues("hit").Inc()
	return &e, true
}

// Set stores e under its target key with the configured TTL.
func (c *ContextCache) Set(ctx context.Context, e *Entry) {
	key := Key(e.TargetID)
	raw, err := json.Marshal(e)
	if err != nil {
		errorCounter.WithLabelValues("encode").Inc()
		c.log.Warn("cache encode failed", zap.String("key", key), zap.Error(err))
		return
	}
	if err := c.store.Set(ctx, key, raw, c.ttl); err != nil {
		errorCounter.WithLabelValues("set").Inc()
		c.log.Warn("cache set failed", zap.String("key", key), zap.Error(err))
	}
}

// Invalidate drops the target's entry. Callers invoke it after every write
// that changes the target's queries or snapshots. Rebuilds already in
// flight are detached so their result is never stored.
func (c *ContextCache) Invalidate(ctx context.Context, targetID uint) {
	key := Key(targetID)
	c.genMu.Lock()
	c.gens[targetID]++
	c.genMu.Unlock()
	c.sf.Forget(key)

	if err := c.store.Delete(ctx, key); err != nil {
		errorCounter.WithLabelValues("delete").Inc()
		c.log.Warn("cache invalidate failed", zap.String("key", key), zap.Error(err))
	}
}

// Load returns the target's context, rebuilding and storing it on a miss.
// Concurrent rebuilds of the same target are collapsed into one.
func (c *ContextCache) Load(ctx context.Context, targetID uint) (*Entry, error) {
	if e, ok := c.Get(ctx, targetID); ok {
		return e, nil
	}

	ch := c.sf.DoChan(Key(targetID), func() (interface{}, error) {
		gen := c.generation(targetID)
		e, err := c.build(ctx, targetID)
		if err != nil {
			return nil, err
		}
		if c.generation(targetID) != gen {
			staleCounter.Inc()
			return e, nil
		}
		c.Set(ctx, e)
		// An invalidation between the check and Set may have missed the
		// entry it was meant to drop.
		if c.generation(targetID) != gen {
			staleCounter.Inc()
			_ = c.store.Delete(ctx, Key(targetID))
		}
		return e, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Entry), nil
	case <-ctx.Done():
		c.sf.Forget(Key(targetID))
		return nil, ctx.Err()
	}
}

func (c *ContextCache) build(ctx context.Context, targetID uint) (*Entry, error) {
	queries, err := c.source.TopQueriesByMean(ctx, targetID, c.queryLimit)
	if err != nil {
		return nil, fmt.Errorf("load queries: %w", err)
	}
	snaps, err := c.source.ListTableSnapshots(ctx, targetID)
	if err != nil {
		return nil, fmt.Errorf("load snapshots: %w", err)
	}
	rebuildCounter.Inc()
	return NewEntry(targetID, queries, snaps, time.Now().UTC()), nil
}

// NewEntry summarizes queries and snapshots into an Entry.
func NewEntry(targetID uint, queries []db.QueryRecord, snaps []db.TableSnapshot, at time.Time) *Entry {
	e := &Entry{
		TargetID: targetID,
		Queries:  make([]QuerySummary, 0, len(queries)),
		Tables:   make([]TableSummary, 0, len(snaps)),
		BuiltAt:  at,
	}
	for _, q := range queries {
		e.Queries = append(e.Queries, QuerySummary{
			QueryHash:       q.QueryHash,
			QueryText:       q.QueryText,
			QueryType:       q.QueryType,
			PrimaryTable:    q.PrimaryTable,
			Calls:           q.Calls,
			TotalExecTimeMs: q.TotalExecTimeMs,
			MeanExecTimeMs:  q.MeanExecTimeMs,
			Rows:            q.Rows,
			AlertsEnabled:   q.AlertsEnabled,
		})
	}
	for _, s := range snaps {
		e.Tables = append(e.Tables, TableSummary{
			Schema:      s.SchemaName,
			Table:       s.Table,
			Columns:     len(s.Columns),
			PrimaryKey:  s.PrimaryKey,
			ForeignKeys: len(s.ForeignKeys),
			Indexes:     len(s.Indexes),
			RowCount:    s.RowCount,
			Unused:      s.Unused(),
		})
	}
	e.Narrative = narrative(e)
	return e
}

func narrative(e *Entry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d tracked queries, %d tables.", len(e.Queries), len(e.Tables))
	if len(e.Queries) > 0 {
		q := e.Queries[0]
		fmt.Fprintf(&b, " Slowest query averages %.1f ms over %d calls", q.MeanExecTimeMs, q.Calls)
		if q.PrimaryTable != "" {
			fmt.Fprintf(&b, " (%s on %s)", q.QueryType, q.PrimaryTable)
		}
		b.WriteString(".")
	}
	var unused, noPK int
	for _, t := range e.Tables {
		if t.Unused {
			unused++
		}
		if len(t.PrimaryKey) == 0 {
			noPK++
		}
	}
	if unused > 0 {
		fmt.Fprintf(&b, " %d tables show no scans.", unused)
	}
	if noPK > 0 {
		fmt.Fprintf(&b, " %d tables have no primary key.", noPK)
	}
	return b.String()
}
