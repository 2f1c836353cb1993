// Package scheduler runs periodic maintenance jobs on a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"riskguard/internal/core"

	"github.com/robfig/cron/v3"
)

// Job is a periodic task. It receives the scheduler's run context.
type Job func(ctx context.Context) error

// JobStats describes past runs of a job
type JobStats struct {
	Runs     int64
	Failures int64
	LastRun  time.Time
	LastErr  string
}

type entry struct {
	id    cron.EntryID
	job   Job
	stats JobStats
}

// Scheduler wraps robfig/cron with named jobs, panic recovery and overlap skipping
type Scheduler struct {
	cron   *cron.Cron
	logger core.ILogger

	mu   sync.Mutex
	ctx  context.Context
	jobs map[string]*entry
}

// cronLogger adapts core.ILogger to cron.Logger
type cronLogger struct {
	logger core.ILogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append([]interface{}{"error", err}, keysAndValues...)...)
}

// NewScheduler creates a scheduler. Jobs do not run until Start or Run.
func NewScheduler(logger core.ILogger) *Scheduler {
	logger = logger.WithField("component", "scheduler")
	cl := cronLogger{logger: logger}
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger: logger,
		ctx:    context.Background(),
		jobs:   make(map[string]*entry),
	}
}

// Every schedules job at a fixed interval. Intervals under a second round up to one second.
func (s *Scheduler) Every(name string, interval time.Duration, job Job) error {
	if interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive, got %s", name, interval)
	}
	return s.Cron(name, "@every "+interval.String(), job)
}

// Cron schedules job with a standard five-field spec or descriptor such as "@hourly"
func (s *Scheduler) Cron(name, spec string, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %s already scheduled", name)
	}
	e := &entry{job: job}
	id, err := s.cron.AddFunc(spec, func() { s.run(name) })
	if err != nil {
		return fmt.Errorf("job %s: %w", name, err)
	}
	e.id = id
	s.jobs[name] = e
	s.logger.Info("Scheduled job", "name", name, "spec", spec)
	return nil
}

// RunNow executes a job synchronously outside its schedule
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	_, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %s not found", name)
	}
	return s.run(name)
}

func (s *Scheduler) run(name string) error {
	s.mu.Lock()
	e := s.jobs[name]
	ctx := s.ctx
	s.mu.Unlock()

	start := time.Now()
	err := e.job(ctx)

	s.mu.Lock()
	e.stats.Runs++
	e.stats.LastRun = start
	e.stats.LastErr = ""
	if err != nil {
		e.stats.Failures++
		e.stats.LastErr = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("Job failed", "name", name, "error", err, "duration", time.Since(start))
	} else {
		s.logger.Debug("Job completed", "name", name, "duration", time.Since(start))
	}
	return err
}

// Jobs returns the scheduled job names in order
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stats returns a copy of per-job run statistics
func (s *Scheduler) Stats() map[string]JobStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]JobStats, len(s.jobs))
	for name, e := range s.jobs {
		out[name] = e.stats
	}
	return out
}

// Start begins firing jobs with ctx as their context
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
	s.logger.Info("Scheduler started", "jobs", len(s.Jobs()))
}

// Stop halts the schedule and waits for running jobs
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("Scheduler stopped")
}

// Run starts the scheduler and stops it when ctx is done
func (s *Scheduler) Run(ctx context.Context) error {
	s.Start(ctx)
	<-ctx.Done()
	s.Stop()
	return nil
}
