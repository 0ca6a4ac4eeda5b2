package main

import (
	"fmt"

	"go.uber.org/zap"

	"queryinsight/internal/ai"
	"queryinsight/internal/cache"
	"queryinsight/internal/config"
	"queryinsight/internal/crypto"
	"queryinsight/internal/db"
	"queryinsight/internal/notify"
	"queryinsight/internal/pipeline"
	"queryinsight/internal/target"
)

// app holds the wired components of one process.
type app struct {
	cfg      *config.Config
	log      *zap.Logger
	pipeline *pipeline.Pipeline
	sched    *pipeline.Scheduler
	closers  []func() error
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(cfg.ZapLevel())
	return zc.Build()
}

func newApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	a := &app{cfg: cfg, log: log}

	gdb, err := db.Connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if sqlDB, err := gdb.DB(); err == nil {
		a.closers = append(a.closers, sqlDB.Close)
	}
	store := db.NewStore(gdb)

	codec, err := crypto.NewCodec(cfg.EncryptionSecret)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("credential codec: %w", err)
	}

	cacheStore, err := cache.NewStore(cfg.CacheMode, cfg.RedisURL)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("context cache: %w", err)
	}
	if rs, ok := cacheStore.(*cache.RedisStore); ok {
		a.closers = append(a.closers, rs.Close)
	}
	log.Info("context cache ready", zap.String("mode", cfg.CacheMode), zap.Bool("available", cacheStore.Available()))

	var dispatcher notify.Dispatcher = notify.NewLogDispatcher(log)
	if cfg.AMQPURL != "" {
		amqpd := notify.NewAMQPDispatcher(cfg.AMQPURL, cfg.AMQPQueue, log)
		a.closers = append(a.closers, amqpd.Close)
		dispatcher = amqpd
	}

	var generator ai.Generator
	if cfg.AIAPIKey != "" {
		generator = ai.NewClient(ai.ClientConfig{
			BaseURL:       cfg.AIBaseURL,
			APIKey:        cfg.AIAPIKey,
			Model:         cfg.AIModel,
			Timeout:       cfg.AITimeout,
			RatePerMinute: cfg.AIRatePerMinute,
		})
	} else {
		log.Info("no AI key configured, suggestions use the deterministic fallback")
	}

	a.pipeline = pipeline.New(pipeline.Deps{
		Config:     cfg,
		Store:      store,
		Opener:     target.NewProvider(codec, cfg.ConnectTimeout, cfg.QueryTimeout),
		Codec:      codec,
		Cache:      cache.NewContextCache(cacheStore, store, cfg.ContextTTL, cfg.ContextQueryLimit, log),
		Dispatcher: dispatcher,
		Generator:  generator,
		Log:        log,
	})

	a.sched, err = pipeline.NewScheduler(cfg.OverlapPolicy, log)
	if err != nil {
		a.close()
		return nil, err
	}
	if err := a.sched.RegisterPipeline(a.pipeline); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("close failed", zap.Error(err))
		}
	}
	a.closers = nil
	_ = a.log.Sync()
}
