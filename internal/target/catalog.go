package target

import (
	"context"
	"database/sql"

	"queryinsight/internal/db"
)

// catalogStatements is the number of per-table statements the schema
// collector issues at once.
const catalogStatements = 5

const (
	listTablesSQL = `SELECT table_name
FROM information_schema.tables
WHERE table_schema = $1 AND table_type = 'BASE TABLE'
ORDER BY table_name`

	tableUsageSQL = `SELECT relname, seq_scan, COALESCE(idx_scan, 0)
FROM pg_stat_user_tables
WHERE schemaname = $1`

	columnsSQL = `SELECT column_name, data_type, is_nullable = 'YES', column_default, ordinal_position
FROM information_schema.columns
WHERE table_schema = $1 AND table_name = $2
ORDER BY ordinal_position`

	primaryKeySQL = `SELECT kcu.column_name
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
  ON kcu.constraint_name = tc.constraint_name AND kcu.table_schema = tc.table_schema
WHERE tc.constraint_type = 'PRIMARY KEY' AND tc.table_schema = $1 AND tc.table_name = $2
ORDER BY kcu.ordinal_position`

	foreignKeysSQL = `SELECT tc.constraint_name, kcu.column_name, ccu.table_schema, ccu.table_name, ccu.column_name
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
  ON kcu.constraint_name = tc.constraint_name AND kcu.table_schema = tc.table_schema
JOIN information_schema.constraint_column_usage ccu
  ON ccu.constraint_name = tc.constraint_name AND ccu.constraint_schema = tc.table_schema
WHERE tc.constraint_type = 'FOREIGN KEY' AND tc.table_schema = $1 AND tc.table_name = $2
ORDER BY tc.constraint_name, kcu.ordinal_position`

	indexesSQL = `SELECT ic.relname, pg_get_indexdef(i.indexrelid), i.indisunique, i.indisprimary
FROM pg_index i
JOIN pg_class ic ON ic.oid = i.indexrelid
JOIN pg_class tc ON tc.oid = i.indrelid
JOIN pg_namespace n ON n.oid = tc.relnamespace
WHERE n.nspname = $1 AND tc.relname = $2
ORDER BY ic.relname`

	rowEstimateSQL = `SELECT c.reltuples::bigint
FROM pg_class c
JOIN pg_namespace n ON n.oid = c.relnamespace
WHERE n.nspname = $1 AND c.relname = $2`
)

// TableUsage holds the scan counters of one table.
type TableUsage struct {
	SeqScans int64
	IdxScans int64
}

// ListTables returns the base tables of schema.
func (c *Conn) ListTables(ctx context.Context, schema string) ([]string, error) {
	var tables []string
	err := c.each(ctx, "list tables "+schema, listTablesSQL, []interface{}{schema}, func(rows *sql.Rows) error {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		tables = append(tables, name)
		return nil
	})
	return tables, err
}

// TableUsage returns scan counters keyed by table name.
func (c *Conn) TableUsage(ctx context.Context, schema string) (map[string]TableUsage, error) {
	usage := make(map[string]TableUsage)
	err := c.each(ctx, "table usage "+schema, tableUsageSQL, []interface{}{schema}, func(rows *sql.Rows) error {
		var (
			name string
			u    TableUsage
		)
		if err := rows.Scan(&name, &u.SeqScans, &u.IdxScans); err != nil {
			return err
		}
		usage[name] = u
		return nil
	})
	if err != nil {
		return nil, err
	}
	return usage, nil
}

func (c *Conn) Columns(ctx context.Context, schema, table string) ([]db.ColumnInfo, error) {
	var cols []db.ColumnInfo
	err := c.each(ctx, "columns "+schema+"."+table, columnsSQL, []interface{}{schema, table}, func(rows *sql.Rows) error {
		var (
			col db.ColumnInfo
			def sql.NullString
		)
		if err := rows.Scan(&col.Name, &col.DataType, &col.Nullable, &def, &col.Position); err != nil {
			return err
		}
		if def.Valid {
			col.Default = &def.String
		}
		cols = append(cols, col)
		return nil
	})
	return cols, err
}

func (c *Conn) PrimaryKey(ctx context.Context, schema, table string) ([]string, error) {
	var pk []string
	err := c.each(ctx, "primary key "+schema+"."+table, primaryKeySQL, []interface{}{schema, table}, func(rows *sql.Rows) error {
		var col string
		if err := rows.Scan(&col); err != nil {
			return err
		}
		pk = append(pk, col)
		return nil
	})
	return pk, err
}

func (c *Conn) ForeignKeys(ctx context.Context, schema, table string) ([]db.ForeignKey, error) {
	var fks []db.ForeignKey
	err := c.each(ctx, "foreign keys "+schema+"."+table, foreignKeysSQL, []interface{}{schema, table}, func(rows *sql.Rows) error {
		var fk db.ForeignKey
		if err := rows.Scan(&fk.Constraint, &fk.Column, &fk.RefSchema, &fk.RefTable, &fk.RefColumn); err != nil {
			return err
		}
		fks = append(fks, fk)
		return nil
	})
	return fks, err
}

func (c *Conn) Indexes(ctx context.Context, schema, table string) ([]db.IndexInfo, error) {
	var idx []db.IndexInfo
	err := c.each(ctx, "indexes "+schema+"."+table, indexesSQL, []interface{}{schema, table}, func(rows *sql.Rows) error {
		var ix db.IndexInfo
		if err := rows.Scan(&ix.Name, &ix.Definition, &ix.Unique, &ix.Primary); err != nil {
			return err
		}
		idx = append(idx, ix)
		return nil
	})
	return idx, err
}

// RowEstimate returns the planner's row estimate from pg_class.reltuples.
// The value is -1 for tables never vacuumed or analyzed on PostgreSQL 14+.
func (c *Conn) RowEstimate(ctx context.Context, schema, table string) (int64, error) {
	var n int64
	err := c.queryRow(ctx, "row estimate "+schema+"."+table, rowEstimateSQL, []interface{}{schema, table}, &n)
	return n, err
}
