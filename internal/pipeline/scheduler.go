package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	pipeerr "queryinsight/internal/errors"
)

// Overlap policies decide what happens when a job fires while a previous
// run of the same job is still in progress.
const (
	OverlapSkip       = "skip"
	OverlapQueue      = "queue"
	OverlapConcurrent = "concurrent"
)

// ErrUnknownJob is returned for a job name that was never registered.
var ErrUnknownJob = errors.New("unknown job")

type job struct {
	name      string
	interval  time.Duration
	immediate bool
	run       func(context.Context) error
	mu        sync.Mutex
}

// Scheduler fires named jobs on independent intervals. The overlap policy
// applies to scheduled firings and manual runs alike.
type Scheduler struct {
	cron   gocron.Scheduler
	policy string
	log    *zap.Logger
	jobs   map[string]*job

	ctx context.Context
	wg  sync.WaitGroup
}

func NewScheduler(policy string, log *zap.Logger) (*Scheduler, error) {
	switch policy {
	case OverlapSkip, OverlapQueue, OverlapConcurrent:
	default:
		return nil, fmt.Errorf("unknown overlap policy %q", policy)
	}
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		cron:   cron,
		policy: policy,
		log:    log.Named("scheduler"),
		jobs:   make(map[string]*job),
		ctx:    context.Background(),
	}, nil
}

// Register adds a job. immediate also fires it once as soon as the
// scheduler starts. Register must be called before Start.
func (s *Scheduler) Register(name string, interval time.Duration, immediate bool, run func(context.Context) error) error {
	if _, dup := s.jobs[name]; dup {
		return fmt.Errorf("job %s already registered", name)
	}
	j := &job{name: name, interval: interval, immediate: immediate, run: run}

	opts := []gocron.JobOption{gocron.WithName(name)}
	switch s.policy {
	case OverlapSkip:
		opts = append(opts, gocron.WithSingletonMode(gocron.LimitModeReschedule))
	case OverlapQueue:
		opts = append(opts, gocron.WithSingletonMode(gocron.LimitModeWait))
	}
	if immediate {
		opts = append(opts, gocron.WithStartAt(gocron.WithStartImmediately()))
	}

	if _, err := s.cron.NewJob(gocron.DurationJob(interval), gocron.NewTask(s.fire, j), opts...); err != nil {
		return fmt.Errorf("schedule job %s: %w", name, err)
	}
	s.jobs[name] = j
	return nil
}

// RegisterPipeline registers the four pipeline jobs with their configured
// intervals. Schema snapshots also run once at start.
func (s *Scheduler) RegisterPipeline(p *Pipeline) error {
	cfg := p.cfg
	for _, def := range []struct {
		name      string
		interval  time.Duration
		immediate bool
		run       func(context.Context) error
	}{
		{JobCollect, cfg.CollectInterval, false, p.CollectOnce},
		{JobAlerts, cfg.AlertInterval, false, p.AlertOnce},
		{JobSchema, cfg.SchemaInterval, true, p.SchemaOnce},
		{JobSuggest, cfg.SuggestInterval, false, p.SuggestOnce},
	} {
		if err := s.Register(def.name, def.interval, def.immediate, def.run); err != nil {
			return err
		}
	}
	return nil
}

// Jobs returns the registered job names, sorted.
func (s *Scheduler) Jobs() []string {
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start begins firing jobs. ctx bounds every scheduled and triggered run.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx = ctx
	s.cron.Start()
	s.log.Info("scheduler started", zap.Strings("jobs", s.Jobs()), zap.String("overlap", s.policy))
}

// Shutdown stops firing and waits for triggered runs to return.
func (s *Scheduler) Shutdown() error {
	err := s.cron.Shutdown()
	s.wg.Wait()
	return err
}

func (s *Scheduler) fire(j *job) {
	if err := s.RunNow(s.ctx, j.name); err != nil && !errors.Is(err, pipeerr.ErrJobBusy) {
		s.log.Error("job failed", zap.String("job", j.name), zap.Error(err))
	}
}

// acquire applies the overlap policy. With skip it never blocks.
func (s *Scheduler) acquire(j *job) (release func(), ok bool) {
	switch s.policy {
	case OverlapSkip:
		if !j.mu.TryLock() {
			return nil, false
		}
		return j.mu.Unlock, true
	case OverlapQueue:
		j.mu.Lock()
		return j.mu.Unlock, true
	default:
		return func() {}, true
	}
}

// RunNow runs the job synchronously. It returns errors.ErrJobBusy when the
// skip policy drops the run.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	j, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	release, ok := s.acquire(j)
	if !ok {
		s.skipped(j)
		return pipeerr.ErrJobBusy
	}
	defer release()
	return s.invoke(ctx, j)
}

// Trigger starts the job in the background and returns once the overlap
// policy has admitted it.
func (s *Scheduler) Trigger(name string) error {
	j, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}

	var release func()
	if s.policy == OverlapSkip {
		if release, ok = s.acquire(j); !ok {
			s.skipped(j)
			return pipeerr.ErrJobBusy
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if release == nil {
			release, _ = s.acquire(j)
		}
		defer release()
		if err := s.invoke(s.ctx, j); err != nil {
			s.log.Error("triggered job failed", zap.String("job", j.name), zap.Error(err))
		}
	}()
	return nil
}

func (s *Scheduler) skipped(j *job) {
	jobRuns.WithLabelValues(j.name, "skipped").Inc()
	s.log.Info("job still running, firing skipped", zap.String("job", j.name))
}

// invoke runs the job body, recovering panics so a broken run never takes
// the scheduler down.
func (s *Scheduler) invoke(ctx context.Context, j *job) (err error) {
	start := time.Now()
	outcome := "ok"
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", j.name, r)
			outcome = "panic"
		}
		jobDuration.WithLabelValues(j.name).Observe(time.Since(start).Seconds())
		jobRuns.WithLabelValues(j.name, outcome).Inc()
		s.log.Debug("job finished", zap.String("job", j.name), zap.String("outcome", outcome), zap.Duration("took", time.Since(start)))
	}()

	if err = j.run(ctx); err != nil {
		outcome = "error"
	}
	return err
}
