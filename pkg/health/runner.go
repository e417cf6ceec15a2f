package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/danl5/goha/pkg/model"
	"github.com/danl5/goha/pkg/schedule"
)

// Option configures a Runner.
type Option func(r *Runner)

// WithBus enables the bus connectivity probe.
func WithBus(bus model.Bus) Option {
	return func(r *Runner) {
		r.probes[model.CheckBus] = PingProbe(bus)
	}
}

// WithStore enables the shared store reachability probe.
func WithStore(store model.Store) Option {
	return func(r *Runner) {
		r.probes[model.CheckStore] = PingProbe(store)
	}
}

// WithProbe overrides the probe used for a check type.
func WithProbe(t model.CheckType, probe ProbeFunc) Option {
	return func(r *Runner) {
		r.probes[t] = probe
	}
}

// WithClock sets the time source.
func WithClock(clock func() time.Time) Option {
	return func(r *Runner) {
		r.now = clock
	}
}

// WithOnResult registers a callback invoked after every probe with the updated check.
func WithOnResult(fn func(check model.HealthCheck)) Option {
	return func(r *Runner) {
		r.onResult = fn
	}
}

// NewRunner creates a health check runner.
func NewRunner(logger *slog.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		checks:     make(map[string]*model.HealthCheck),
		probes:     defaultProbes(),
		predicates: make(map[string]ProbeFunc),
		now:        time.Now,
		logger:     logger.With("component", "health"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Runner executes the registered health checks on their own schedule
// and keeps the hysteresis status of each of them.
type Runner struct {
	mu         sync.RWMutex
	checks     map[string]*model.HealthCheck
	order      []string
	probes     map[model.CheckType]ProbeFunc
	predicates map[string]ProbeFunc
	scheduler  *schedule.Scheduler

	now      func() time.Time
	onResult func(check model.HealthCheck)
	logger   *slog.Logger
}

// RegisterPredicate registers the predicate run by custom checks targeting name.
func (r *Runner) RegisterPredicate(name string, fn ProbeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.predicates[name] = fn
}

// Register adds a check. It starts probing right away when the runner is started.
func (r *Runner) Register(check model.HealthCheck) error {
	if err := check.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	if _, ok := r.checks[check.ID]; ok {
		r.mu.Unlock()
		return fmt.Errorf("health check %s already registered", check.ID)
	}
	check.Status = model.HealthStatusHealthy
	check.ConsecutiveFailures = 0
	check.ConsecutiveSuccesses = 0
	r.checks[check.ID] = &check
	r.order = append(r.order, check.ID)
	sched := r.scheduler
	r.mu.Unlock()

	if sched != nil {
		return r.schedule(sched, check)
	}
	return nil
}

// Remove stops and drops a check.
func (r *Runner) Remove(id string) bool {
	r.mu.Lock()
	_, ok := r.checks[id]
	if ok {
		delete(r.checks, id)
		for i, cid := range r.order {
			if cid == id {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
	sched := r.scheduler
	r.mu.Unlock()

	if ok && sched != nil {
		sched.Remove(jobName(id))
	}
	return ok
}

// Start schedules every registered check.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.scheduler != nil {
		r.mu.Unlock()
		return fmt.Errorf("health runner already started")
	}
	sched := schedule.NewScheduler(ctx, r.logger)
	r.scheduler = sched
	checks := make([]model.HealthCheck, 0, len(r.order))
	for _, id := range r.order {
		checks = append(checks, *r.checks[id])
	}
	r.mu.Unlock()

	for _, check := range checks {
		if err := r.schedule(sched, check); err != nil {
			return err
		}
	}
	r.logger.Info("health runner started", "checks", len(checks))
	return nil
}

// Stop cancels every scheduled probe.
func (r *Runner) Stop() {
	r.mu.Lock()
	sched := r.scheduler
	r.scheduler = nil
	r.mu.Unlock()

	if sched != nil {
		sched.Stop()
	}
}

// RunOnce runs the probe of one check and applies the result.
func (r *Runner) RunOnce(ctx context.Context, id string) (model.HealthCheck, error) {
	r.mu.RLock()
	check, ok := r.checks[id]
	var def model.HealthCheck
	if ok {
		def = *check
	}
	r.mu.RUnlock()
	if !ok {
		return model.HealthCheck{}, fmt.Errorf("health check %s not registered", id)
	}

	start := r.now()
	err := r.probe(ctx, def)
	latency := r.now().Sub(start)

	r.mu.Lock()
	check, ok = r.checks[id]
	if !ok {
		r.mu.Unlock()
		return model.HealthCheck{}, fmt.Errorf("health check %s removed", id)
	}
	previous := check.Status
	Apply(check, err, latency, r.now())
	result := *check
	r.mu.Unlock()

	if previous != result.Status {
		r.logger.Info("health check status changed", "check", id, "from", previous, "to", result.Status,
			"failures", result.ConsecutiveFailures, "successes", result.ConsecutiveSuccesses)
	}
	if err != nil {
		r.logger.Debug("health probe failed", "check", id, "error", err.Error())
	}
	if r.onResult != nil {
		r.onResult(result)
	}
	return result, nil
}

// Results returns a copy of every check in registration order.
func (r *Runner) Results() []model.HealthCheck {
	r.mu.RLock()
	defer r.mu.RUnlock()
	results := make([]model.HealthCheck, 0, len(r.order))
	for _, id := range r.order {
		results = append(results, *r.checks[id])
	}
	return results
}

// Result returns a copy of one check.
func (r *Runner) Result(id string) (model.HealthCheck, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	check, ok := r.checks[id]
	if !ok {
		return model.HealthCheck{}, false
	}
	return *check, true
}

// Overall returns the worst status of all checks, healthy when there is none.
func (r *Runner) Overall() model.HealthStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	overall := model.HealthStatusHealthy
	for _, check := range r.checks {
		if check.Status.Rank() > overall.Rank() {
			overall = check.Status
		}
	}
	return overall
}

// Apply records a probe outcome on check, moving the status only on threshold crossings.
func Apply(check *model.HealthCheck, probeErr error, latency time.Duration, now time.Time) {
	check.LastCheck = now
	check.LatencyMs = latency.Milliseconds()

	if probeErr == nil {
		check.ConsecutiveSuccesses++
		check.ConsecutiveFailures = 0
		check.LastError = ""
		if check.ConsecutiveSuccesses >= check.HealthyThreshold {
			check.Status = model.HealthStatusHealthy
		}
		return
	}

	check.ConsecutiveFailures++
	check.ConsecutiveSuccesses = 0
	check.LastError = probeErr.Error()
	if check.ConsecutiveFailures >= check.UnhealthyThreshold {
		check.Status = model.HealthStatusUnhealthy
	} else {
		check.Status = model.HealthStatusDegraded
	}
}

func (r *Runner) schedule(sched *schedule.Scheduler, check model.HealthCheck) error {
	id := check.ID
	return sched.Add(jobName(id), check.Interval(), true, func(ctx context.Context) {
		if _, err := r.RunOnce(ctx, id); err != nil {
			r.logger.Warn("health check tick failed", "check", id, "error", err.Error())
		}
	})
}

// probe runs the check bounded by its timeout, a probe ignoring the context is abandoned
func (r *Runner) probe(ctx context.Context, check model.HealthCheck) error {
	fn, err := r.probeFor(check)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, check.Timeout())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- fmt.Errorf("probe panicked: %v", p)
			}
		}()
		done <- fn(ctx, check.Target)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("probe timed out after %s", check.Timeout())
	}
}

func (r *Runner) probeFor(check model.HealthCheck) (ProbeFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if check.Type == model.CheckCustom {
		fn, ok := r.predicates[check.Target]
		if !ok {
			return nil, fmt.Errorf("no predicate registered for %q", check.Target)
		}
		return fn, nil
	}
	fn, ok := r.probes[check.Type]
	if !ok {
		return nil, fmt.Errorf("no probe available for type %s", check.Type)
	}
	return fn, nil
}

func jobName(id string) string {
	return "health:" + id
}
