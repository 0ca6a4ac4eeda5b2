package target

import (
	"context"
	"database/sql"
	"math"
	"sort"

	"github.com/doug-martin/goqu/v8"
	_ "github.com/doug-martin/goqu/v8/dialect/postgres"

	"queryinsight/internal/db"
	"queryinsight/internal/identity"
)

// statementFilters exclude monitoring, catalog and transaction-control
// statements from collection.
var statementFilters = []string{
	"%pg_stat_statements%",
	"%pg_catalog%",
	"%information_schema%",
	"BEGIN%",
	"COMMIT%",
	"ROLLBACK%",
	"SET %",
	"SHOW %",
	"DISCARD %",
	"DEALLOCATE %",
}

// buildStatementsQuery selects the top limit statements of the connected
// database by total execution time. pg_stat_statements keeps one row per
// (userid, dbid, queryid), so rows are summed per statement text.
func buildStatementsQuery(limit int) (string, []interface{}, error) {
	psql := goqu.Dialect("postgres")
	exps := make([]goqu.Expression, 0, len(statementFilters)+1)
	exps = append(exps, goqu.C("dbid").Eq(
		psql.From("pg_database").Select("oid").Where(goqu.C("datname").Eq(goqu.L("current_database()")))))
	for _, f := range statementFilters {
		exps = append(exps, goqu.C("query").NotILike(f))
	}
	return psql.From("pg_stat_statements").
		Select(
			goqu.C("query"),
			goqu.Cast(goqu.SUM("calls"), "BIGINT").As("calls"),
			goqu.SUM("total_exec_time").As("total_exec_time"),
			goqu.L("COALESCE(SUM(total_exec_time) / NULLIF(SUM(calls), 0), 0)").As("mean_exec_time"),
			goqu.MIN("min_exec_time").As("min_exec_time"),
			goqu.MAX("max_exec_time").As("max_exec_time"),
			goqu.Cast(goqu.SUM("rows"), "BIGINT").As("rows"),
		).
		Where(exps...).
		GroupBy(goqu.C("query")).
		Order(goqu.C("total_exec_time").Desc()).
		Limit(uint(limit)).
		Prepared(true).
		ToSQL()
}

// TopStatements returns up to limit statements ordered by total execution
// time, each resolved to its identity and classified. Texts that normalize
// to the same identity are merged into one observation.
func (c *Conn) TopStatements(ctx context.Context, limit int) ([]db.QueryObservation, error) {
	q, args, err := buildStatementsQuery(limit)
	if err != nil {
		return nil, err
	}

	var out []db.QueryObservation
	err = c.each(ctx, "top statements", q, args, func(rows *sql.Rows) error {
		var (
			text string
			obs  db.QueryObservation
		)
		if err := rows.Scan(&text, &obs.Calls, &obs.TotalExecTimeMs, &obs.MeanExecTimeMs,
			&obs.MinExecTimeMs, &obs.MaxExecTimeMs, &obs.Rows); err != nil {
			return err
		}
		obs.Identity = identity.Of(text)
		obs.QueryType, obs.PrimaryTable = identity.Classify(obs.Identity.Text)
		out = append(out, obs)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return mergeByIdentity(out), nil
}

// mergeByIdentity folds observations sharing a hash into the first one seen
// and re-sorts by total execution time.
func mergeByIdentity(in []db.QueryObservation) []db.QueryObservation {
	index := make(map[string]int, len(in))
	out := in[:0]
	for _, obs := range in {
		i, seen := index[obs.Identity.Hash]
		if !seen {
			index[obs.Identity.Hash] = len(out)
			out = append(out, obs)
			continue
		}
		m := &out[i]
		m.Calls += obs.Calls
		m.TotalExecTimeMs += obs.TotalExecTimeMs
		m.Rows += obs.Rows
		m.MinExecTimeMs = math.Min(m.MinExecTimeMs, obs.MinExecTimeMs)
		m.MaxExecTimeMs = math.Max(m.MaxExecTimeMs, obs.MaxExecTimeMs)
		if m.Calls > 0 {
			m.MeanExecTimeMs = m.TotalExecTimeMs / float64(m.Calls)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].TotalExecTimeMs > out[j].TotalExecTimeMs })
	return out
}
