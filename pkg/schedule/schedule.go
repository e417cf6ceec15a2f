package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Job is run on every tick of its interval.
type Job func(ctx context.Context)

// NewScheduler creates a scheduler whose jobs all derive from ctx.
func NewScheduler(ctx context.Context, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Scheduler{
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]context.CancelFunc),
		logger: logger.With("component", "scheduler"),
	}
}

// Scheduler runs named periodic jobs, each independently cancellable.
type Scheduler struct {
	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group
	logger *slog.Logger

	mu      sync.Mutex
	jobs    map[string]context.CancelFunc
	stopped bool
}

// Add starts job under name. The first run happens right away when immediate is set.
func (s *Scheduler) Add(name string, interval time.Duration, immediate bool, job Job) error {
	if interval <= 0 {
		return fmt.Errorf("schedule %s, interval must be positive", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return fmt.Errorf("schedule %s, scheduler is stopped", name)
	}
	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("schedule %s, job already exists", name)
	}

	ctx, cancel := context.WithCancel(s.ctx)
	s.jobs[name] = cancel
	s.group.Go(func() error {
		s.loop(ctx, name, interval, immediate, job)
		return nil
	})
	return nil
}

// Remove cancels the job registered under name.
func (s *Scheduler) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cancel, ok := s.jobs[name]
	if ok {
		cancel()
		delete(s.jobs, name)
	}
	return ok
}

// Jobs returns the number of running jobs.
func (s *Scheduler) Jobs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Stop cancels every job and waits for the running ticks to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.jobs = map[string]context.CancelFunc{}
	s.mu.Unlock()

	s.cancel()
	_ = s.group.Wait()
}

func (s *Scheduler) loop(ctx context.Context, name string, interval time.Duration, immediate bool, job Job) {
	tk := time.NewTicker(interval)
	defer tk.Stop()

	if immediate {
		s.run(ctx, name, job)
	}
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("job stopped", "job", name)
			return
		case <-tk.C:
			s.run(ctx, name, job)
		}
	}
}

// run executes one tick, a panicking job is logged and keeps its schedule
func (s *Scheduler) run(ctx context.Context, name string, job Job) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("job panicked", "job", name, "panic", fmt.Sprint(r))
		}
	}()
	if ctx.Err() != nil {
		return
	}
	job(ctx)
}
