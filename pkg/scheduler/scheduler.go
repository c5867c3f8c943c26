// Package scheduler runs named periodic jobs on cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"

	"github.com/komari-bot/komari/pkg/logger"
)

// ErrUnknownJob is returned for operations on an unregistered job name.
var ErrUnknownJob = errors.New("scheduler: unknown job")

// Job is one scheduled unit of work. The context is cancelled when the
// scheduler stops.
type Job func(ctx context.Context) error

// Scheduler wraps a cron runner with name-keyed, idempotent registration.
// A job never overlaps with its own previous run.
type Scheduler struct {
	mu      sync.Mutex
	cron    *rcron.Cron
	entries map[string]rcron.EntryID
	log     logger.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	running bool
}

// New creates a stopped scheduler. Schedules accept an optional leading
// seconds field and descriptors such as "@every 5m".
func New(log logger.Logger) *Scheduler {
	if log == nil {
		log = logger.Global()
	}
	cl := cronLogger{log: log}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: rcron.New(
			rcron.WithParser(rcron.NewParser(
				rcron.SecondOptional|rcron.Minute|rcron.Hour|rcron.Dom|rcron.Month|rcron.Dow|rcron.Descriptor,
			)),
			rcron.WithLogger(cl),
			rcron.WithChain(rcron.Recover(cl), rcron.SkipIfStillRunning(cl)),
		),
		entries: make(map[string]rcron.EntryID),
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Register schedules job under name, replacing any job already registered
// with that name.
func (s *Scheduler) Register(name, spec string, job Job) error {
	if name == "" {
		return errors.New("scheduler: job name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.cron.AddFunc(spec, s.wrap(name, job))
	if err != nil {
		return fmt.Errorf("scheduler: job %q: invalid schedule %q: %w", name, spec, err)
	}
	if old, ok := s.entries[name]; ok {
		s.cron.Remove(old)
		s.log.Info("scheduled job replaced", "job", name, "schedule", spec)
	} else {
		s.log.Info("scheduled job registered", "job", name, "schedule", spec)
	}
	s.entries[name] = id
	return nil
}

// Unregister removes the job registered under name.
func (s *Scheduler) Unregister(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.entries[name]
	if !ok {
		return ErrUnknownJob
	}
	s.cron.Remove(id)
	delete(s.entries, name)
	return nil
}

// Jobs returns the registered job names, sorted.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Next returns the next activation time of a job. The zero time is
// returned while the scheduler is stopped.
func (s *Scheduler) Next(name string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.entries[name]
	if !ok {
		return time.Time{}, ErrUnknownJob
	}
	return s.cron.Entry(id).Next, nil
}

// Start begins running jobs in the background. A stopped scheduler can be
// started again; its jobs then get a fresh context.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	if s.ctx.Err() != nil {
		s.ctx, s.cancel = context.WithCancel(context.Background())
	}
	s.running = true
	s.cron.Start()
}

// Stop cancels the job context and waits for running jobs to return or
// ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	if !s.running {
		s.mu.Unlock()
		cancel()
		return nil
	}
	s.running = false
	done := s.cron.Stop()
	s.mu.Unlock()

	cancel()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) wrap(name string, job Job) func() {
	return func() {
		ctx := s.jobContext()
		if ctx.Err() != nil {
			return
		}
		start := time.Now()
		if err := job(ctx); err != nil {
			s.log.Error("scheduled job failed", "job", name, "duration", time.Since(start), "error", err)
			return
		}
		s.log.Debug("scheduled job finished", "job", name, "duration", time.Since(start))
	}
}

func (s *Scheduler) jobContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// cronLogger adapts logger.Logger to the cron runner's logger.
type cronLogger struct {
	log logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
