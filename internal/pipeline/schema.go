package pipeline

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"queryinsight/internal/db"
	pipeerr "queryinsight/internal/errors"
	"queryinsight/internal/target"
)

// snapshotSchema is the only schema whose tables are snapshotted.
const snapshotSchema = "public"

// SchemaOnce refreshes the TableSnapshots of every monitored target.
func (p *Pipeline) SchemaOnce(ctx context.Context) error {
	targets, err := p.store.ListMonitoredTargets(ctx)
	if err != nil {
		return err
	}
	failed := p.forEachTarget(ctx, JobSchema, targets, p.snapshotTarget)
	p.log.Info("schema snapshot finished", zap.Int("targets", len(targets)), zap.Int("failed", failed))
	return nil
}

// snapshotTarget fails only when the table list cannot be read. Failures of
// single tables are collected and logged while the remaining tables proceed.
func (p *Pipeline) snapshotTarget(ctx context.Context, t *db.MonitoredTarget) error {
	log := p.log.With(zap.Uint("target_id", t.ID))

	return target.With(ctx, p.opener, t, func(c *target.Conn) error {
		tables, err := c.ListTables(ctx, snapshotSchema)
		if err != nil {
			return err
		}
		usage, err := c.TableUsage(ctx, snapshotSchema)
		if err != nil {
			log.Warn("table usage unavailable", zap.Error(err))
		}

		var (
			errs    pipeerr.MultiError
			written int
		)
		for _, name := range tables {
			snap, err := p.snapshotTable(ctx, c, t.ID, name, usage)
			if err != nil {
				errs.Add(err)
				continue
			}
			if err := p.store.UpsertTableSnapshot(ctx, snap); err != nil {
				errs.Add(pipeerr.NewPersistenceError("table_snapshot", snapshotSchema+"."+name, err))
				continue
			}
			written++
		}

		recordsUpserted.WithLabelValues(JobSchema, targetLabel(t.ID)).Add(float64(written))
		if written > 0 {
			p.cache.Invalidate(ctx, t.ID)
		}
		if errs.Len() > 0 {
			log.Warn("some tables were not snapshotted",
				zap.Int("tables", len(tables)),
				zap.Int("failed", errs.Len()),
				zap.Error(&errs))
		}
		return nil
	})
}

// snapshotTable runs the per-table catalog statements concurrently. A failed
// row estimate leaves RowCount nil; any other failure fails the table.
func (p *Pipeline) snapshotTable(ctx context.Context, c *target.Conn, targetID uint, table string, usage map[string]target.TableUsage) (*db.TableSnapshot, error) {
	snap := &db.TableSnapshot{
		TargetID:   targetID,
		SchemaName: snapshotSchema,
		Table:      table,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		cols, err := c.Columns(gctx, snapshotSchema, table)
		snap.Columns = cols
		return err
	})
	g.Go(func() error {
		pk, err := c.PrimaryKey(gctx, snapshotSchema, table)
		snap.PrimaryKey = pk
		return err
	})
	g.Go(func() error {
		fks, err := c.ForeignKeys(gctx, snapshotSchema, table)
		snap.ForeignKeys = fks
		return err
	})
	g.Go(func() error {
		idx, err := c.Indexes(gctx, snapshotSchema, table)
		snap.Indexes = idx
		return err
	})
	g.Go(func() error {
		n, err := c.RowEstimate(gctx, snapshotSchema, table)
		if err != nil {
			p.log.Debug("row estimate failed", zap.Uint("target_id", targetID), zap.String("table", table), zap.Error(err))
			return nil
		}
		snap.RowCount = &n
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if u, ok := usage[table]; ok {
		seq, idx := u.SeqScans, u.IdxScans
		snap.SeqScans = &seq
		snap.IdxScans = &idx
	}
	snap.CollectedAt = p.now()
	return snap, nil
}
