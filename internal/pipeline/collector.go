package pipeline

import (
	"context"

	"go.uber.org/zap"

	"queryinsight/internal/db"
	pipeerr "queryinsight/internal/errors"
	"queryinsight/internal/target"
)

// CollectOnce polls pg_stat_statements of every monitored target and
// mirrors the top statements into QueryRecords.
func (p *Pipeline) CollectOnce(ctx context.Context) error {
	targets, err := p.store.ListMonitoredTargets(ctx)
	if err != nil {
		return err
	}
	failed := p.forEachTarget(ctx, JobCollect, targets, p.collectTarget)
	p.log.Info("collection finished", zap.Int("targets", len(targets)), zap.Int("failed", failed))
	return nil
}

func (p *Pipeline) collectTarget(ctx context.Context, t *db.MonitoredTarget) error {
	var observed []db.QueryObservation
	err := target.With(ctx, p.opener, t, func(c *target.Conn) error {
		var err error
		observed, err = c.TopStatements(ctx, p.cfg.CollectLimit)
		return err
	})
	if err != nil {
		return err
	}

	at := p.now()
	written := 0
	for _, obs := range observed {
		if _, _, err := p.store.UpsertQueryRecord(ctx, t.ID, obs, at); err != nil {
			p.log.Warn("skipping query record",
				zap.Uint("target_id", t.ID),
				zap.Error(pipeerr.NewPersistenceError("query_record", obs.Identity.Hash, err)))
			continue
		}
		written++
	}
	recordsUpserted.WithLabelValues(JobCollect, targetLabel(t.ID)).Add(float64(written))
	p.cache.Invalidate(ctx, t.ID)
	return nil
}
