// Package pipeline runs the background observation jobs: query collection,
// alert detection, schema snapshots and suggestion synthesis.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"queryinsight/internal/ai"
	"queryinsight/internal/cache"
	"queryinsight/internal/config"
	"queryinsight/internal/db"
	"queryinsight/internal/notify"
	"queryinsight/internal/target"
)

// Job names.
const (
	JobCollect = "collect"
	JobAlerts  = "alerts"
	JobSchema  = "schema"
	JobSuggest = "suggest"
)

// Encrypter protects credentials before they are stored.
type Encrypter interface {
	Encrypt(plaintext string) (string, error)
}

// Deps are the collaborators of a Pipeline. Generator may be nil, in which
// case suggestions are always derived from metrics.
type Deps struct {
	Config     *config.Config
	Store      *db.Store
	Opener     target.Opener
	Codec      Encrypter
	Cache      *cache.ContextCache
	Dispatcher notify.Dispatcher
	Generator  ai.Generator
	Log        *zap.Logger
}

type Pipeline struct {
	cfg        *config.Config
	store      *db.Store
	opener     target.Opener
	codec      Encrypter
	cache      *cache.ContextCache
	dispatcher notify.Dispatcher
	generator  ai.Generator
	log        *zap.Logger
	now        func() time.Time

	notifiedMu   sync.Mutex
	lastNotified map[uint]time.Time
}

func New(d Deps) *Pipeline {
	return &Pipeline{
		cfg:          d.Config,
		store:        d.Store,
		opener:       d.Opener,
		codec:        d.Codec,
		cache:        d.Cache,
		dispatcher:   d.Dispatcher,
		generator:    d.Generator,
		log:          d.Log,
		now:          func() time.Time { return time.Now().UTC() },
		lastNotified: make(map[uint]time.Time),
	}
}

// forEachTarget runs fn for every target with at most cfg.Concurrency in
// flight. A failing or panicking target is logged and counted; it never
// affects its siblings. It returns the number of failed targets.
func (p *Pipeline) forEachTarget(ctx context.Context, job string, targets []db.MonitoredTarget, fn func(context.Context, *db.MonitoredTarget) error) int {
	var (
		g      errgroup.Group
		failed atomic.Int32
	)
	g.SetLimit(p.cfg.Concurrency)

	for i := range targets {
		t := &targets[i]
		g.Go(func() error {
			log := p.log.With(zap.String("job", job), zap.Uint("target_id", t.ID), zap.String("host", t.Host))
			if err := p.runTarget(ctx, t, fn); err != nil {
				failed.Add(1)
				targetFailures.WithLabelValues(job, targetLabel(t.ID)).Inc()
				log.Warn("target failed", zap.Error(err))
				return nil
			}
			log.Debug("target done")
			return nil
		})
	}
	_ = g.Wait()
	return int(failed.Load())
}

func (p *Pipeline) runTarget(ctx context.Context, t *db.MonitoredTarget, fn func(context.Context, *db.MonitoredTarget) error) (err error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.TargetTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx, t)
}

func targetInfo(t *db.MonitoredTarget) notify.TargetInfo {
	return notify.TargetInfo{TargetID: t.ID, Host: t.Host, DatabaseName: t.DatabaseName}
}
