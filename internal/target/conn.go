package target

import (
	"context"
	"database/sql"
	"time"

	pipeerr "queryinsight/internal/errors"
)

// Conn is an open connection to a target database. Every statement runs
// under its own timeout.
type Conn struct {
	db           *sql.DB
	queryTimeout time.Duration
}

// NewConn wraps an already opened handle.
func NewConn(sqlDB *sql.DB, queryTimeout time.Duration) *Conn {
	return &Conn{db: sqlDB, queryTimeout: queryTimeout}
}

func (c *Conn) Close() error {
	return c.db.Close()
}

// each runs q and calls scan for every row. Failures are *errors.QueryError.
func (c *Conn) each(ctx context.Context, op, q string, args []interface{}, scan func(*sql.Rows) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	rows, err := c.db.QueryContext(ctx, q, args...)
	if err != nil {
		return pipeerr.NewQueryError(op, q, err)
	}
	defer rows.Close()

	for rows.Next() {
		if err := scan(rows); err != nil {
			return pipeerr.NewQueryError(op, q, err)
		}
	}
	if err := rows.Err(); err != nil {
		return pipeerr.NewQueryError(op, q, err)
	}
	return nil
}

func (c *Conn) queryRow(ctx context.Context, op, q string, args []interface{}, dst ...interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	if err := c.db.QueryRowContext(ctx, q, args...).Scan(dst...); err != nil {
		return pipeerr.NewQueryError(op, q, err)
	}
	return nil
}

// Probe reports errors.ErrExtensionMissing when pg_stat_statements is not
// installed in the target database.
func (c *Conn) Probe(ctx context.Context) error {
	var installed bool
	err := c.queryRow(ctx, "probe extension",
		`SELECT EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'pg_stat_statements')`, nil, &installed)
	if err != nil {
		return err
	}
	if !installed {
		return pipeerr.ErrExtensionMissing
	}
	return nil
}
