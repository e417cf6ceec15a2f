package goha

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/danl5/goha/pkg/common"
	"github.com/danl5/goha/pkg/config"
	"github.com/danl5/goha/pkg/failover"
	"github.com/danl5/goha/pkg/health"
	"github.com/danl5/goha/pkg/heartbeat"
	"github.com/danl5/goha/pkg/log"
	"github.com/danl5/goha/pkg/metrics"
	"github.com/danl5/goha/pkg/model"
	"github.com/danl5/goha/pkg/node"
	"github.com/danl5/goha/pkg/notify"
	"github.com/danl5/goha/pkg/schedule"
	"github.com/danl5/goha/pkg/state"
	"github.com/danl5/goha/pkg/transport/rpc"
)

const (
	jobHeartbeat = "heartbeat"
	jobMetrics   = "metrics"

	errChanSize = 10
)

// Option configures an HA instance.
type Option func(h *HA)

// WithStore uses st instead of the configured store. The caller keeps ownership.
func WithStore(st model.Store) Option {
	return func(h *HA) {
		h.store = st
	}
}

// WithBus uses b instead of the configured bus. The caller keeps ownership.
func WithBus(b model.Bus) Option {
	return func(h *HA) {
		h.bus = b
	}
}

// WithEntryPoint sets the entry point moved with the primary role,
// overriding the configured commands.
func WithEntryPoint(ep failover.EntryPoint) Option {
	return func(h *HA) {
		h.entry = ep
	}
}

// WithNotifier adds a sink for role changes.
func WithNotifier(n model.Notifier) Option {
	return func(h *HA) {
		h.notifiers = append(h.notifiers, n)
	}
}

// WithCallBacks sets the local state callbacks.
func WithCallBacks(cb *StateCallBacks) Option {
	return func(h *HA) {
		h.callBacks = cb
	}
}

// WithSampler overrides the cpu and memory sampler.
func WithSampler(s metrics.Sampler) Option {
	return func(h *HA) {
		h.sampler = s
	}
}

// WithConnections sets the counter of active client connections.
func WithConnections(fn func() int) Option {
	return func(h *HA) {
		h.connections = fn
	}
}

// WithPredicate registers the predicate run by custom health checks targeting name.
func WithPredicate(name string, fn health.ProbeFunc) Option {
	return func(h *HA) {
		h.predicates[name] = fn
	}
}

// NewHA creates the coordinator of the local node described by cfg.
func NewHA(cfg *config.Config, logger log.Logger, opts ...Option) (*HA, error) {
	if cfg == nil {
		return nil, errors.New("new ha, config is nil")
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	h := &HA{
		cfg:        cfg,
		logger:     log.Adapt(logger).With("cluster", cfg.Cluster.ID),
		predicates: make(map[string]health.ProbeFunc),
		errChan:    make(chan error, errChanSize),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	if err := h.build(); err != nil {
		h.closeOwned()
		return nil, err
	}
	return h, nil
}

// HA is one node of a highly available cluster: it tracks the peers,
// keeps exactly one primary and fails over when the primary goes away.
type HA struct {
	cfg    *config.Config
	logger *slog.Logger

	store      model.Store
	bus        model.Bus
	rpc        *rpc.RPC
	ownStore   bool
	ownBus     bool
	entry      failover.EntryPoint
	notifiers  []model.Notifier
	sampler    metrics.Sampler
	predicates map[string]health.ProbeFunc

	local     *node.Local
	state     *state.Manager
	coord     *failover.Coordinator
	detector  *heartbeat.Detector
	health    *health.Runner
	collector *metrics.Collector
	exporter  *metrics.Exporter

	callBacks   *StateCallBacks
	connections func() int
	errChan     chan error
	done        chan struct{}

	mu          sync.Mutex
	initialized bool
	running     bool
	stopped     bool
	scheduler   *schedule.Scheduler
	metricsSrv  *http.Server
	loops       sync.WaitGroup
}

func (h *HA) build() error {
	var err error
	if h.store == nil {
		if h.store, err = openStore(h.cfg, h.logger); err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		h.ownStore = true
	}
	if h.bus == nil {
		if h.bus, h.rpc, err = openBus(h.cfg, h.logger); err != nil {
			return fmt.Errorf("open bus: %w", err)
		}
		h.ownBus = true
	}

	if h.local, err = node.NewLocal(h.cfg.Node.Model(), h.logger); err != nil {
		return err
	}
	if h.state, err = state.NewManager(h.store, h.cfg.Cluster.ID, h.cfg.Node.ID, h.logger); err != nil {
		return err
	}
	h.exporter = metrics.NewExporter(h.cfg.Cluster.ID, h.cfg.Node.ID)

	if h.entry == nil {
		h.entry = &failover.CommandEntryPoint{
			ClaimCommand:   h.cfg.EntryPoint.ClaimCommand,
			ReleaseCommand: h.cfg.EntryPoint.ReleaseCommand,
			Timeout:        h.cfg.EntryPointTimeout(),
			Logger:         h.logger.With("component", "entry point"),
		}
	}
	notifier := append(notify.Multi{notify.Log{Logger: h.logger}}, h.notifiers...)
	h.coord, err = failover.NewCoordinator(h.local, h.state, h.bus, h.cfg.Cluster.ID, h.logger,
		failover.WithEntryPoint(h.entry),
		failover.WithNotifier(notifier),
		failover.WithExporter(h.exporter),
		failover.WithCallTimeout(h.cfg.HeartbeatInterval()),
		failover.WithMaxCandidateLag(h.cfg.MaxCandidateLag()),
	)
	if err != nil {
		return err
	}

	h.health = health.NewRunner(h.logger,
		health.WithBus(h.bus),
		health.WithStore(h.store),
		health.WithOnResult(h.exporter.ObserveCheck),
	)
	for name, fn := range h.predicates {
		h.health.RegisterPredicate(name, fn)
	}
	for _, check := range h.cfg.Checks() {
		if err := h.health.Register(check); err != nil {
			return fmt.Errorf("register health check %s: %w", check.ID, err)
		}
	}

	h.detector, err = heartbeat.NewDetector(heartbeat.Config{
		ClusterID:    h.cfg.Cluster.ID,
		Interval:     h.cfg.HeartbeatInterval(),
		Timeout:      h.cfg.FailoverTimeout(),
		AutoFailover: h.cfg.AutoFailoverEnabled(),
		Preemption:   h.cfg.Preemption,
		Preferred:    h.cfg.InitialRole() == model.RolePrimary,
	}, h.local, h.state, h.bus, h.coord, h.logger, heartbeat.WithHealth(h.health.Overall))
	if err != nil {
		return err
	}

	if h.sampler == nil {
		if h.sampler, err = metrics.NewProcSampler(); err != nil {
			h.logger.Warn("procfs unavailable, reporting zero load", "error", err.Error())
			h.sampler = metrics.FixedSampler{}
		}
	}
	connections := h.connections
	if connections == nil && h.rpc != nil {
		connections = h.rpc.ActiveConnections
	}
	h.collector, err = metrics.NewCollector(metrics.CollectorOptions{
		Sampler:     h.sampler,
		Connections: connections,
		Logger:      h.logger,
	})
	return err
}

// Initialize joins the cluster: it starts the transport, loads or creates the
// cluster document and takes the configured initial role.
func (h *HA) Initialize(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.initialized {
		return nil
	}
	if h.stopped {
		return model.ErrClosed
	}

	if h.rpc != nil {
		if err := h.rpc.Server.Start(h.cfg.Bus.Listen, &h.cfg.Bus.Transport); err != nil {
			return fmt.Errorf("start rpc server: %w", err)
		}
		if err := h.rpc.Client.InitConnections(rpcPeers(h.cfg), &h.cfg.Bus.Transport); err != nil {
			return fmt.Errorf("connect to peers: %w", err)
		}
	}

	if _, err := h.state.LoadOrCreate(ctx, h.cfg.ClusterTemplate()); err != nil {
		return fmt.Errorf("load cluster: %w", err)
	}
	if err := h.coord.Start(); err != nil {
		return err
	}
	if err := h.detector.Start(); err != nil {
		h.coord.Stop()
		return err
	}

	h.loops.Add(1)
	go h.handleStateTransition(h.local.Transitions())

	if err := h.coord.Bootstrap(ctx, h.cfg.InitialRole()); err != nil {
		h.logger.Warn("failed to take the initial primary role", "error", err.Error())
	}
	if err := h.detector.Publish(ctx); err != nil {
		h.logger.Warn("initial heartbeat not delivered", "error", err.Error())
	}

	h.initialized = true
	h.logger.Info("ha initialized", "node", h.cfg.Node.ID, "role", h.local.Role(), "state", h.local.State())
	return nil
}

// Run starts the periodic tasks: heartbeats and failure detection, health
// checks, metrics sampling and the optional metrics endpoint.
func (h *HA) Run() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.initialized {
		return errors.New("ha, run before initialize")
	}
	if h.stopped {
		return model.ErrClosed
	}
	if h.running {
		return nil
	}

	sched := schedule.NewScheduler(context.Background(), h.logger)
	err := sched.Add(jobHeartbeat, h.cfg.HeartbeatInterval(), false, func(ctx context.Context) {
		_ = h.detector.Tick(ctx)
	})
	if err == nil {
		err = sched.Add(jobMetrics, h.cfg.HeartbeatInterval(), true, h.sampleMetrics)
	}
	if err == nil {
		err = h.health.Start(context.Background())
	}
	if err != nil {
		sched.Stop()
		h.logger.Error("ha, failed to start periodic tasks", "error", err.Error())
		return err
	}
	h.scheduler = sched

	if h.cfg.Metrics.Enabled {
		h.startMetricsServer()
	}

	h.running = true
	h.logger.Info("ha started")
	return nil
}

// Shutdown leaves the cluster. A primary hands its role to a healthy
// secondary before the call returns.
func (h *HA) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return nil
	}
	h.stopped = true

	if h.scheduler != nil {
		h.scheduler.Stop()
		h.scheduler = nil
	}
	h.health.Stop()
	h.detector.Stop()

	var errs []error
	if h.initialized {
		self := h.cfg.Node.ID
		if err := h.state.MarkState(ctx, self, model.NodeStateMaintenance); err != nil {
			h.logger.Warn("failed to mark local node in maintenance", "error", err.Error())
		}
		if _, err := h.coord.Handoff(ctx, common.ReasonGracefulShutdown); err != nil {
			h.logger.Error("graceful handoff failed", "error", err.Error())
			errs = append(errs, fmt.Errorf("handoff: %w", err))
			if err := h.coord.StepDown(ctx); err != nil {
				h.logger.Warn("failed to persist step down", "error", err.Error())
			}
		}
		if err := h.local.EnterMaintenance(ctx); err != nil {
			h.logger.Warn("failed to enter maintenance", "error", err.Error())
		}
		if err := h.detector.Publish(ctx); err != nil {
			h.logger.Warn("final heartbeat not delivered", "error", err.Error())
		}
	}
	h.coord.Stop()

	if h.metricsSrv != nil {
		if err := h.metricsSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop metrics server: %w", err))
		}
		h.metricsSrv = nil
	}
	close(h.done)
	h.loops.Wait()

	errs = append(errs, h.closeOwned())
	h.running = false
	h.logger.Info("ha stopped")
	return errors.Join(errs...)
}

// Errors returns a receive-only channel of callback and endpoint errors.
func (h *HA) Errors() <-chan error {
	return h.errChan
}

// ManualFailover moves the primary role to targetID.
func (h *HA) ManualFailover(ctx context.Context, targetID string) (*model.FailoverEvent, error) {
	return h.coord.ManualFailover(ctx, targetID)
}

// Cluster returns a copy of the local cluster view.
func (h *HA) Cluster() *model.Cluster {
	return h.state.Snapshot()
}

// Primary returns the id of the current primary, empty when there is none.
func (h *HA) Primary() string {
	return h.state.Snapshot().PrimaryID
}

// HealthChecks returns the local health check results.
func (h *HA) HealthChecks() []model.HealthCheck {
	return h.health.Results()
}

// AddHealthCheck registers a health check at runtime.
func (h *HA) AddHealthCheck(check model.HealthCheck) error {
	return h.health.Register(check)
}

// RemoveHealthCheck drops a health check.
func (h *HA) RemoveHealthCheck(id string) bool {
	ok := h.health.Remove(id)
	if ok {
		h.exporter.ForgetCheck(id)
	}
	return ok
}

// RegisterPredicate registers the predicate of custom health checks targeting name.
func (h *HA) RegisterPredicate(name string, fn health.ProbeFunc) {
	h.health.RegisterPredicate(name, fn)
}

// Metrics returns the last load snapshot of the local node.
func (h *HA) Metrics() model.NodeMetrics {
	return h.local.Snapshot().Metrics
}

// IsPrimary reports whether the local node is the active primary.
func (h *HA) IsPrimary() bool {
	return h.local.IsPrimary()
}

// CurrentState returns the local node state.
func (h *HA) CurrentState() model.NodeState {
	return h.local.State()
}

// Role returns the local node role.
func (h *HA) Role() model.Role {
	return h.local.Role()
}

// FailoverHistory returns the recorded failovers, oldest first.
func (h *HA) FailoverHistory(ctx context.Context) ([]model.FailoverEvent, error) {
	return h.state.Events(ctx)
}

// MetricsHandler returns the prometheus handler of this node.
func (h *HA) MetricsHandler() http.Handler {
	return h.exporter.Handler()
}

// Visualize returns the local state machine in Graphviz format.
func (h *HA) Visualize() string {
	return h.local.Visualize()
}

func (h *HA) sampleMetrics(context.Context) {
	m, err := h.collector.Sample()
	if err != nil {
		h.logger.Debug("metrics sample incomplete", "error", err.Error())
	}
	h.local.SetMetrics(m)
	h.exporter.ObserveMetrics(m)
	h.exporter.ObserveCluster(h.state.Snapshot(), h.cfg.Node.ID)
}

func (h *HA) startMetricsServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", h.exporter.Handler())
	srv := &http.Server{Addr: h.cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	h.metricsSrv = srv
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("metrics server stopped", "error", err.Error())
			h.sendError(fmt.Errorf("metrics server: %w", err))
		}
	}()
	h.logger.Info("metrics server started", "listen", h.cfg.Metrics.Listen)
}

func (h *HA) closeOwned() error {
	var errs []error
	if h.ownBus && h.bus != nil {
		if err := h.bus.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close bus: %w", err))
		}
	}
	if h.ownStore && h.store != nil {
		if err := h.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (h *HA) sendError(err error) {
	select {
	case h.errChan <- err:
	default:
	}
}
