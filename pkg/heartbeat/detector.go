package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/danl5/goha/pkg/common"
	"github.com/danl5/goha/pkg/model"
	"github.com/danl5/goha/pkg/node"
	"github.com/danl5/goha/pkg/state"
)

// Coordinator runs the failovers requested by the detector.
type Coordinator interface {
	Failover(ctx context.Context, failedPrimaryID string, reason common.FailoverReason, automatic bool) (*model.FailoverEvent, error)
	Handoff(ctx context.Context, reason common.FailoverReason) (*model.FailoverEvent, error)
	Preempt(ctx context.Context) (*model.FailoverEvent, error)
	StepDown(ctx context.Context) error
	Resume(ctx context.Context) error
}

// Config holds the detector settings.
type Config struct {
	ClusterID string
	// Interval is the heartbeat interval, it also bounds each publish
	Interval time.Duration
	// Timeout is the silence after which a peer is considered failed
	Timeout time.Duration
	// AutoFailover lets the detector replace a failed primary
	AutoFailover bool
	// Preemption lets a preferred node take the primary role back
	Preemption bool
	// Preferred is set on the node configured as primary
	Preferred bool
}

// Option configures a Detector.
type Option func(d *Detector)

// WithClock sets the time source.
func WithClock(clock func() time.Time) Option {
	return func(d *Detector) {
		d.now = clock
	}
}

// WithHealth gates the local node on the overall health check status.
func WithHealth(overall func() model.HealthStatus) Option {
	return func(d *Detector) {
		d.health = overall
	}
}

// NewDetector creates the heartbeat propagator and failure detector of the local node.
func NewDetector(cfg Config, local *node.Local, mgr *state.Manager, bus model.Bus, coord Coordinator, logger *slog.Logger, opts ...Option) (*Detector, error) {
	if local == nil || mgr == nil || bus == nil || coord == nil {
		return nil, errors.New("new detector, local node, state manager, bus and coordinator are required")
	}
	if logger == nil {
		return nil, errors.New("new detector, logger is nil")
	}
	if cfg.Interval <= 0 || cfg.Timeout <= 0 {
		return nil, fmt.Errorf("new detector, interval %s and timeout %s must be positive", cfg.Interval, cfg.Timeout)
	}
	d := &Detector{
		cfg:    cfg,
		local:  local,
		state:  mgr,
		bus:    bus,
		coord:  coord,
		now:    time.Now,
		logger: logger.With("component", "heartbeat", "node", local.ID()),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.started = d.now()
	return d, nil
}

// Detector publishes the local heartbeat, ingests the peers' ones and acts on
// silent peers. Detection only looks at the cached view.
type Detector struct {
	cfg    Config
	local  *node.Local
	state  *state.Manager
	bus    model.Bus
	coord  Coordinator
	health func() model.HealthStatus
	now    func() time.Time
	logger *slog.Logger

	mu sync.Mutex
	// started is the reference point of peers never heard of
	started     time.Time
	failing     bool
	unsubscribe func()
}

// Start subscribes to peer heartbeats.
func (d *Detector) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.unsubscribe != nil {
		return nil
	}
	unsub, err := d.bus.Subscribe(model.HeartbeatTopic(d.cfg.ClusterID), d.HandleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeats: %w", err)
	}
	d.unsubscribe = unsub
	d.started = d.now()
	return nil
}

// Stop unsubscribes from peer heartbeats.
func (d *Detector) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.unsubscribe != nil {
		d.unsubscribe()
		d.unsubscribe = nil
	}
}

// HandleHeartbeat ingests a heartbeat message of a peer.
func (d *Detector) HandleHeartbeat(msg *model.Message) {
	if msg == nil || msg.NodeID == d.local.ID() {
		return
	}
	hb := model.Heartbeat{}
	if err := d.bus.Decode(msg.Payload, &hb); err != nil {
		d.logger.Error("failed to decode heartbeat", "from", msg.NodeID, "error", err.Error())
		return
	}
	if hb.NodeID == "" {
		hb.NodeID = msg.NodeID
	}
	d.state.ObserveHeartbeat(hb)
}

// Publish sends the local heartbeat and persists the local record.
func (d *Detector) Publish(ctx context.Context) error {
	now := d.now()
	self := d.local.Snapshot()
	self.LastHeartbeat = now

	hb := heartbeatOf(d.cfg.ClusterID, self, now)
	if self.ActivePrimary() {
		if snap := d.state.Snapshot(); snap.PrimaryID == self.ID && !snap.PrimaryChangedAt.IsZero() {
			hb.PrimarySince = snap.PrimaryChangedAt.UnixMilli()
		}
	}

	pubCtx, cancel := context.WithTimeout(ctx, d.cfg.Interval)
	pubErr := d.bus.Publish(pubCtx, model.HeartbeatTopic(d.cfg.ClusterID), hb)
	cancel()
	if pubErr != nil {
		pubErr = fmt.Errorf("publish heartbeat: %w", pubErr)
	}

	upCtx, cancel := context.WithTimeout(ctx, d.cfg.Interval)
	upErr := d.state.UpsertNode(upCtx, self)
	cancel()
	if upErr != nil {
		upErr = fmt.Errorf("persist local node: %w", upErr)
	}
	return errors.Join(pubErr, upErr)
}

// Tick runs one heartbeat round: publish, reconcile, health gating,
// detection and failover. It returns the publish error, the rest is logged.
func (d *Detector) Tick(ctx context.Context) error {
	err := d.Publish(ctx)
	if err != nil {
		d.logger.Warn("heartbeat not delivered", "error", err.Error())
	}

	d.mu.Lock()
	wasFailing := d.failing
	d.failing = err != nil
	d.mu.Unlock()
	if wasFailing && err == nil {
		d.resync(ctx)
	}

	now := d.now()
	d.reconcile(ctx, now)
	d.gate(ctx)
	d.detect(ctx, now)
	return err
}

// resync catches the local view up with the store after a failed round
func (d *Detector) resync(ctx context.Context) {
	d.logger.Info("connectivity restored, resyncing")
	standby := d.local.State() == model.NodeStateStandby
	if standby {
		if err := d.local.Resync(ctx); err != nil {
			d.logger.Warn("failed to enter syncing", "error", err.Error())
			standby = false
		}
	}
	if err := d.state.Refresh(ctx); err != nil && !errors.Is(err, model.ErrNotFound) {
		d.logger.Warn("failed to refresh cluster view", "error", err.Error())
	}
	if standby {
		if err := d.local.Synced(ctx); err != nil {
			d.logger.Warn("failed to leave syncing", "error", err.Error())
		}
	}
}

// reconcile steps a stale local primary down, resumes a role the cluster
// still points at and lets a preferred node take the role back
func (d *Detector) reconcile(ctx context.Context, now time.Time) {
	snap := d.state.Snapshot()
	self := d.local.ID()
	ptr := snap.PrimaryID
	if ptr == self {
		d.resume(ctx)
		return
	}
	if ptr == "" {
		return
	}
	p := snap.Node(ptr)
	if p == nil || !p.Healthy() {
		return
	}

	if d.local.IsPrimary() {
		d.logger.Warn("cluster follows another primary, stepping down", "primary", ptr)
		if err := d.coord.StepDown(ctx); err != nil {
			d.logger.Warn("failed to persist step down", "error", err.Error())
		}
		return
	}

	if !d.cfg.Preemption || !d.cfg.Preferred || d.inGrace(now) {
		return
	}
	if d.local.State() != model.NodeStateStandby || d.overall() != model.HealthStatusHealthy {
		return
	}
	d.logger.Info("preempting primary", "primary", ptr)
	if _, err := d.coord.Preempt(ctx); err != nil && !errors.Is(err, model.ErrFailoverInProgress) {
		d.logger.Warn("preemption failed", "error", err.Error())
	}
}

// resume promotes a healthy standby the cluster points at. When the promotion
// fails the pointer is handed to another node.
func (d *Detector) resume(ctx context.Context) {
	if d.local.IsPrimary() || d.local.Role() == model.RoleArbiter {
		return
	}
	if st := d.local.State(); st != model.NodeStateStandby && st != model.NodeStateSyncing {
		return
	}
	if d.overall() != model.HealthStatusHealthy {
		return
	}

	d.logger.Warn("cluster points at the local node, resuming the primary role")
	err := d.coord.Resume(ctx)
	if err == nil || errors.Is(err, model.ErrFailoverInProgress) {
		return
	}
	d.logger.Warn("failed to resume the primary role", "error", err.Error())
	if !d.cfg.AutoFailover {
		return
	}
	if _, err := d.coord.Failover(ctx, d.local.ID(), common.ReasonNoPrimary, true); err != nil && !errors.Is(err, model.ErrFailoverInProgress) {
		d.logger.Warn("failed to hand the primary pointer over", "error", err.Error())
	}
}

// gate fails the local node while its health checks fail and recovers it afterwards
func (d *Detector) gate(ctx context.Context) {
	if d.health == nil {
		return
	}
	overall := d.overall()
	st := d.local.State()
	self := d.local.ID()

	switch {
	case overall == model.HealthStatusUnhealthy && st != model.NodeStateFailed && st != model.NodeStateMaintenance:
		d.logger.Warn("local health checks failing, leaving the cluster")
		if d.local.IsPrimary() {
			if err := d.state.MarkState(ctx, self, model.NodeStateFailed); err != nil {
				d.logger.Warn("failed to mark local node failed", "error", err.Error())
			}
			if _, err := d.coord.Handoff(ctx, common.ReasonHealthCheck); err != nil {
				d.logger.Warn("handoff failed", "error", err.Error())
			}
			if d.local.IsPrimary() {
				if err := d.coord.StepDown(ctx); err != nil {
					d.logger.Warn("failed to persist step down", "error", err.Error())
				}
			}
		}
		if err := d.local.Fail(ctx); err != nil {
			d.logger.Error("failed to fail local node", "error", err.Error())
			return
		}
		d.persistSelf(ctx)
	case overall == model.HealthStatusHealthy && st == model.NodeStateFailed:
		d.logger.Info("local health checks passing, rejoining the cluster")
		if err := d.local.Recover(ctx); err != nil {
			d.logger.Error("failed to recover local node", "error", err.Error())
			return
		}
		d.persistSelf(ctx)
	}
}

// detect marks silent peers failed and replaces a missing primary
func (d *Detector) detect(ctx context.Context, now time.Time) {
	snap := d.state.Snapshot()
	self := d.local.ID()

	d.mu.Lock()
	started := d.started
	d.mu.Unlock()

	for _, n := range snap.Nodes {
		if n.ID == self || n.State == model.NodeStateFailed || n.State == model.NodeStateMaintenance {
			continue
		}
		last := n.LastHeartbeat
		if last.Before(started) {
			last = started
		}
		elapsed := now.Sub(last)
		if elapsed <= d.cfg.Timeout {
			continue
		}
		d.logger.Warn("peer heartbeat timed out", "peer", n.ID, "elapsed", elapsed.String(), "primary", n.ID == snap.PrimaryID)
		if err := d.state.MarkState(ctx, n.ID, model.NodeStateFailed); err != nil {
			d.logger.Warn("failed to persist peer failure", "peer", n.ID, "error", err.Error())
		}
	}

	if !d.cfg.AutoFailover {
		return
	}
	if st := d.local.State(); st == model.NodeStateFailed || st == model.NodeStateMaintenance {
		return
	}

	snap = d.state.Snapshot()
	ptr := snap.PrimaryID
	var reason common.FailoverReason
	switch {
	case ptr == self:
		return
	case ptr == "":
		if d.inGrace(now) || snap.HealthyCount() < snap.QuorumRequired {
			return
		}
		reason = common.ReasonNoPrimary
	default:
		p := snap.Node(ptr)
		switch {
		case p == nil || p.State == model.NodeStateFailed:
			reason = common.ReasonHeartbeatTimeout
		case p.State == model.NodeStateMaintenance:
			reason = common.ReasonGracefulShutdown
		default:
			return
		}
	}

	ev, err := d.coord.Failover(ctx, ptr, reason, true)
	switch {
	case errors.Is(err, model.ErrFailoverInProgress):
		d.logger.Debug("failover already running")
	case err != nil:
		d.logger.Warn("automatic failover failed, retrying next tick", "primary", ptr, "reason", reason.String(), "error", err.Error())
	case ev != nil:
		d.logger.Info("automatic failover done", "previous", ptr, "new", ev.NewPrimary)
	}
}

// inGrace reports whether the node started less than a timeout ago
func (d *Detector) inGrace(now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return now.Sub(d.started) <= d.cfg.Timeout
}

func (d *Detector) overall() model.HealthStatus {
	if d.health == nil {
		return model.HealthStatusHealthy
	}
	return d.health()
}

func (d *Detector) persistSelf(ctx context.Context) {
	self := d.local.Snapshot()
	self.LastHeartbeat = d.now()
	upCtx, cancel := context.WithTimeout(ctx, d.cfg.Interval)
	defer cancel()
	if err := d.state.UpsertNode(upCtx, self); err != nil {
		d.logger.Warn("failed to persist local node", "error", err.Error())
	}
}

func heartbeatOf(clusterID string, n model.Node, now time.Time) *model.Heartbeat {
	return &model.Heartbeat{
		ClusterID: clusterID,
		NodeID:    n.ID,
		Timestamp: now.UnixMilli(),
		Role:      n.Role,
		State:     n.State,
		Address:   n.Address.String(),
		Version:   n.Version,
		CPU:       n.Metrics.CPU,
		Memory:    n.Metrics.Memory,
	}
}
