package pipeline

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"queryinsight/internal/db"
	pipeerr "queryinsight/internal/errors"
	"queryinsight/internal/target"
)

// AlertOnce re-reads the statistics of every target that has alert-enabled
// queries, records a CriticalQueryEvent for each enabled query whose mean
// time is above the critical threshold and notifies once per target.
func (p *Pipeline) AlertOnce(ctx context.Context) error {
	groups, err := p.store.ListAlertEnabled(ctx)
	if err != nil {
		return err
	}
	ids := make([]uint, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	all, err := p.store.ListTargetsByID(ctx, ids)
	if err != nil {
		return err
	}
	targets := all[:0]
	for _, t := range all {
		if t.MonitoringEnabled {
			targets = append(targets, t)
		}
	}

	failed := p.forEachTarget(ctx, JobAlerts, targets, func(ctx context.Context, t *db.MonitoredTarget) error {
		return p.alertTarget(ctx, t, groups[t.ID])
	})
	p.log.Info("alert poll finished", zap.Int("targets", len(targets)), zap.Int("failed", failed))
	return nil
}

func (p *Pipeline) alertTarget(ctx context.Context, t *db.MonitoredTarget, enabled []db.QueryRecord) error {
	byHash := make(map[string]db.QueryRecord, len(enabled))
	for _, r := range enabled {
		byHash[r.QueryHash] = r
	}

	var observed []db.QueryObservation
	err := target.With(ctx, p.opener, t, func(c *target.Conn) error {
		var err error
		observed, err = c.TopStatements(ctx, p.cfg.AlertLimit)
		return err
	})
	if err != nil {
		return err
	}

	at := p.now()
	var (
		events  []db.CriticalQueryEvent
		rank    int
		updated bool
	)
	for _, obs := range observed {
		rec, ok := byHash[obs.Identity.Hash]
		if !ok {
			continue
		}
		if err := p.store.UpdateQueryMetrics(ctx, rec.ID, obs, at); err != nil {
			p.log.Warn("alert metrics update failed",
				zap.Uint("target_id", t.ID),
				zap.Error(pipeerr.NewPersistenceError("query_record", rec.QueryHash, err)))
		} else {
			updated = true
		}

		if obs.MeanExecTimeMs <= p.cfg.CriticalThresholdMs {
			continue
		}
		rank++
		ev := db.CriticalQueryEvent{
			TargetID:        t.ID,
			QueryRecordID:   rec.ID,
			QueryHash:       rec.QueryHash,
			QueryText:       rec.QueryText,
			Calls:           obs.Calls,
			TotalExecTimeMs: obs.TotalExecTimeMs,
			MeanExecTimeMs:  obs.MeanExecTimeMs,
			Rows:            obs.Rows,
			Rank:            rank,
			DetectedAt:      at,
		}
		if err := p.store.AppendCriticalEvent(ctx, &ev); err != nil {
			p.log.Warn("critical event not recorded",
				zap.Uint("target_id", t.ID),
				zap.Error(pipeerr.NewPersistenceError("critical_event", rec.QueryHash, err)))
			continue
		}
		criticalEvents.WithLabelValues(targetLabel(t.ID)).Inc()
		events = append(events, ev)
	}

	if updated {
		p.cache.Invalidate(ctx, t.ID)
	}
	if len(events) == 0 {
		return nil
	}
	p.notify(ctx, t, events, at)
	return nil
}

// notify dispatches one batch. Failures are logged only; events and metrics
// are already persisted.
func (p *Pipeline) notify(ctx context.Context, t *db.MonitoredTarget, events []db.CriticalQueryEvent, at time.Time) {
	log := p.log.With(zap.Uint("target_id", t.ID), zap.Int("events", len(events)))

	if p.suppressed(t.ID, at) {
		notifications.WithLabelValues("suppressed").Inc()
		log.Info("alert notification suppressed by cooldown", zap.Duration("cooldown", p.cfg.AlertCooldown))
		return
	}
	if err := p.dispatcher.Send(ctx, events, targetInfo(t)); err != nil {
		notifications.WithLabelValues("failed").Inc()
		log.Warn("alert notification failed", zap.Error(err))
		return
	}
	notifications.WithLabelValues("sent").Inc()
	p.markNotified(t.ID, at)
}

// suppressed reports whether the target was notified within AlertCooldown.
// A zero cooldown never suppresses.
func (p *Pipeline) suppressed(targetID uint, at time.Time) bool {
	if p.cfg.AlertCooldown <= 0 {
		return false
	}
	p.notifiedMu.Lock()
	defer p.notifiedMu.Unlock()
	last, ok := p.lastNotified[targetID]
	return ok && at.Sub(last) < p.cfg.AlertCooldown
}

func (p *Pipeline) markNotified(targetID uint, at time.Time) {
	p.notifiedMu.Lock()
	p.lastNotified[targetID] = at
	p.notifiedMu.Unlock()
}
