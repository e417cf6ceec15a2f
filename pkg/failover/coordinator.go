package failover

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/danl5/goha/pkg/common"
	"github.com/danl5/goha/pkg/metrics"
	"github.com/danl5/goha/pkg/model"
	"github.com/danl5/goha/pkg/node"
	"github.com/danl5/goha/pkg/state"
)

const defaultCallTimeout = 2 * time.Second

// Option configures a Coordinator.
type Option func(c *Coordinator)

// WithEntryPoint sets the entry point moved along with the primary role.
func WithEntryPoint(ep EntryPoint) Option {
	return func(c *Coordinator) {
		if ep != nil {
			c.entry = ep
		}
	}
}

// WithNotifier sets the sink informed of every successful failover.
func WithNotifier(n model.Notifier) Option {
	return func(c *Coordinator) {
		c.notifier = n
	}
}

// WithExporter records failover metrics.
func WithExporter(e *metrics.Exporter) Option {
	return func(c *Coordinator) {
		c.exporter = e
	}
}

// WithClock sets the time source.
func WithClock(clock func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = clock
	}
}

// WithCallTimeout bounds each store, bus and notifier call.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.callTimeout = d
		}
	}
}

// WithMaxCandidateLag excludes candidates whose last heartbeat is older than d.
// It is set when replication is synchronous, so only caught up nodes are promoted.
func WithMaxCandidateLag(d time.Duration) Option {
	return func(c *Coordinator) {
		c.maxLag = d
	}
}

// NewCoordinator creates the failover coordinator of the local node.
func NewCoordinator(local *node.Local, mgr *state.Manager, bus model.Bus, clusterID string, logger *slog.Logger, opts ...Option) (*Coordinator, error) {
	if local == nil || mgr == nil || bus == nil {
		return nil, errors.New("new coordinator, local node, state manager and bus are required")
	}
	if logger == nil {
		return nil, errors.New("new coordinator, logger is nil")
	}
	c := &Coordinator{
		clusterID:   clusterID,
		local:       local,
		state:       mgr,
		bus:         bus,
		entry:       Noop{},
		now:         time.Now,
		callTimeout: defaultCallTimeout,
		logger:      logger.With("component", "failover", "node", local.ID()),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Coordinator runs failovers: quorum check, candidate selection, promotion,
// persistence, audit and notification. At most one failover runs at a time
// on a node.
type Coordinator struct {
	clusterID string
	local     *node.Local
	state     *state.Manager
	bus       model.Bus
	entry     EntryPoint
	notifier  model.Notifier
	exporter  *metrics.Exporter

	now         func() time.Time
	callTimeout time.Duration
	maxLag      time.Duration
	logger      *slog.Logger

	inProgress atomic.Bool

	mu          sync.Mutex
	unsubscribe func()
}

// request describes one failover attempt
type request struct {
	// failed is the primary being replaced, it is never a candidate
	failed    string
	reason    string
	automatic bool
	// target restricts the candidates to a single node when set
	target string
}

// Start subscribes to failover notices of other nodes.
func (c *Coordinator) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unsubscribe != nil {
		return nil
	}
	unsub, err := c.bus.Subscribe(model.FailoverTopic(c.clusterID), c.handleMessage)
	if err != nil {
		return fmt.Errorf("subscribe failover notices: %w", err)
	}
	c.unsubscribe = unsub
	return nil
}

// Stop unsubscribes from failover notices.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
}

// InProgress reports whether a failover is running.
func (c *Coordinator) InProgress() bool {
	return c.inProgress.Load()
}

// Failover replaces failedPrimaryID with the best healthy secondary.
// It returns ErrFailoverInProgress without side effects when another failover runs.
func (c *Coordinator) Failover(ctx context.Context, failedPrimaryID string, reason common.FailoverReason, automatic bool) (*model.FailoverEvent, error) {
	return c.run(ctx, request{failed: failedPrimaryID, reason: reason.String(), automatic: automatic})
}

// ManualFailover moves the primary role to targetID. Validation failures
// return an error and record nothing.
func (c *Coordinator) ManualFailover(ctx context.Context, targetID string) (*model.FailoverEvent, error) {
	snap := c.state.Snapshot()
	target := snap.Node(targetID)
	switch {
	case target == nil:
		return nil, fmt.Errorf("manual failover to %s: %w", targetID, model.ErrUnknownNode)
	case snap.PrimaryID == targetID || target.ActivePrimary():
		return nil, fmt.Errorf("manual failover to %s: %w", targetID, model.ErrAlreadyPrimary)
	case !target.Healthy():
		return nil, fmt.Errorf("manual failover to %s in state %s: %w", targetID, target.State, model.ErrTargetUnhealthy)
	case target.Role == model.RoleArbiter:
		return nil, fmt.Errorf("manual failover to arbiter %s: %w", targetID, model.ErrNoCandidate)
	}
	return c.run(ctx, request{
		failed:    snap.PrimaryID,
		reason:    common.ReasonManual.String(),
		automatic: false,
		target:    targetID,
	})
}

// Preempt makes the local node take the primary role back from a healthy primary.
func (c *Coordinator) Preempt(ctx context.Context) (*model.FailoverEvent, error) {
	snap := c.state.Snapshot()
	self := c.local.ID()
	if snap.PrimaryID == self {
		return nil, nil
	}
	return c.run(ctx, request{
		failed:    snap.PrimaryID,
		reason:    common.ReasonPreemption.String(),
		automatic: true,
		target:    self,
	})
}

// Handoff moves the primary role away from the local node. It does nothing
// when the local node is not the primary.
func (c *Coordinator) Handoff(ctx context.Context, reason common.FailoverReason) (*model.FailoverEvent, error) {
	if !c.local.IsPrimary() {
		return nil, nil
	}
	return c.run(ctx, request{
		failed:    c.local.ID(),
		reason:    reason.String(),
		automatic: reason != common.ReasonManual,
	})
}

// StepDown releases the entry point and steps the local primary down without
// electing anybody. It is used when the cluster already follows another primary.
func (c *Coordinator) StepDown(ctx context.Context) error {
	if !c.local.IsPrimary() {
		return nil
	}
	c.demoteLocal(ctx)
	return c.persistLocal(ctx)
}

// Resume makes the local node serve the primary role the cluster already
// points at, as after a restart within the failover timeout or a lost notice.
// No failover is counted.
func (c *Coordinator) Resume(ctx context.Context) error {
	if c.local.IsPrimary() || c.local.Role() == model.RoleArbiter {
		return nil
	}
	if !c.inProgress.CompareAndSwap(false, true) {
		return model.ErrFailoverInProgress
	}
	defer c.inProgress.Store(false)

	self := c.local.ID()
	if ptr := c.state.Snapshot().PrimaryID; ptr != self {
		return nil
	}
	if err := c.promoteLocal(ctx); err != nil {
		// a notice naming this node may have promoted it meanwhile
		if c.local.IsPrimary() {
			return nil
		}
		return err
	}
	if err := c.call(ctx, func(ctx context.Context) error { return c.state.ClaimPrimary(ctx, self) }); err != nil {
		c.demoteLocal(ctx)
		return fmt.Errorf("claim primary: %w", err)
	}
	c.publishNotice(ctx, self, self, common.ReasonResume.String(), true)
	c.logger.Info("primary role resumed")
	return nil
}

// Bootstrap takes the configured initial role. A node the cluster already
// points at resumes the primary role whatever it was configured with. A node
// configured as primary claims the role unless another healthy node holds it.
func (c *Coordinator) Bootstrap(ctx context.Context, initialRole model.Role) error {
	self := c.local.ID()
	snap := c.state.Snapshot()
	ptr := snap.PrimaryID
	switch {
	case ptr == self:
		return c.Resume(ctx)
	case initialRole != model.RolePrimary:
		return nil
	case ptr != "":
		if p := snap.Node(ptr); p != nil && p.Healthy() {
			c.logger.Info("joining as secondary, primary already elected", "primary", ptr)
			return nil
		}
	}

	if err := c.promoteLocal(ctx); err != nil {
		return err
	}
	if err := c.call(ctx, func(ctx context.Context) error { return c.state.ClaimPrimary(ctx, self) }); err != nil {
		c.demoteLocal(ctx)
		return fmt.Errorf("claim primary: %w", err)
	}
	c.publishNotice(ctx, ptr, self, common.ReasonBootstrap.String(), true)
	c.logger.Info("primary role claimed on bootstrap", "previous", ptr)
	return nil
}

// HandleNotice applies a failover announced by another node.
// Notices older than the last pointer move are ignored.
func (c *Coordinator) HandleNotice(ctx context.Context, notice model.FailoverNotice) error {
	if notice.NewPrimary == "" || (notice.ClusterID != "" && notice.ClusterID != c.clusterID) {
		return nil
	}
	self := c.local.ID()

	var at time.Time
	if notice.Timestamp > 0 {
		at = time.UnixMilli(notice.Timestamp)
	}
	adopted := false
	adoptErr := c.call(ctx, func(ctx context.Context) (err error) {
		adopted, err = c.state.AdoptPrimary(ctx, notice.NewPrimary, at)
		return err
	})
	if adoptErr != nil {
		c.logger.Warn("failed to adopt announced primary", "primary", notice.NewPrimary, "error", adoptErr.Error())
	}
	if !adopted {
		return adoptErr
	}

	var err error
	switch {
	case notice.NewPrimary == self:
		if !c.local.IsPrimary() {
			c.logger.Info("assuming primary role announced by peer", "previous", notice.PreviousPrimary, "reason", notice.Reason)
			err = c.promoteLocal(ctx)
		}
	case c.local.IsPrimary():
		c.logger.Info("stepping down, primary moved", "to", notice.NewPrimary, "reason", notice.Reason)
		c.demoteLocal(ctx)
	}

	if upErr := c.persistLocal(ctx); upErr != nil {
		c.logger.Warn("failed to persist local node", "error", upErr.Error())
	}
	return err
}

func (c *Coordinator) handleMessage(msg *model.Message) {
	if msg.NodeID == c.local.ID() {
		return
	}
	notice := model.FailoverNotice{}
	if err := c.bus.Decode(msg.Payload, &notice); err != nil {
		c.logger.Error("failed to decode failover notice", "from", msg.NodeID, "error", err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 4*c.callTimeout)
	defer cancel()
	if err := c.HandleNotice(ctx, notice); err != nil {
		c.logger.Error("failed to apply failover notice", "from", msg.NodeID, "error", err.Error())
	}
}

// run executes one guarded failover attempt and records its outcome
func (c *Coordinator) run(ctx context.Context, req request) (ev *model.FailoverEvent, err error) {
	if !c.inProgress.CompareAndSwap(false, true) {
		return nil, model.ErrFailoverInProgress
	}
	defer c.inProgress.Store(false)

	start := c.now()
	wasPrimary := c.local.IsPrimary()
	ev = &model.FailoverEvent{
		ID:              uuid.NewString(),
		ClusterID:       c.clusterID,
		Timestamp:       start,
		PreviousPrimary: req.failed,
		Reason:          req.reason,
		Automatic:       req.automatic,
	}
	c.logger.Info("failover started", "previous", req.failed, "reason", req.reason, "automatic", req.automatic, "target", req.target)

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%s: %v", common.AbortPanic, p)
			c.logger.Error("failover panicked", "panic", p)
			if !wasPrimary && c.local.IsPrimary() {
				c.demoteLocal(ctx)
			}
		}
		ev.DurationMs = c.now().Sub(start).Milliseconds()
		if err != nil {
			ev.Success = false
			ev.NewPrimary = ""
			ev.Reason = fmt.Sprintf("%s: %s", req.reason, err.Error())
			c.logger.Warn("failover aborted", "previous", req.failed, "error", err.Error(), "duration_ms", ev.DurationMs)
		} else {
			ev.Success = true
			c.logger.Info("failover finished", "previous", req.failed, "new", ev.NewPrimary, "duration_ms", ev.DurationMs)
		}
		c.record(ctx, *ev)
	}()

	newPrimary, err := c.execute(ctx, req)
	if err != nil {
		return ev, err
	}
	ev.NewPrimary = newPrimary

	role := model.RoleChangeEvent{
		ClusterID:       c.clusterID,
		PreviousPrimary: req.failed,
		NewPrimary:      newPrimary,
		Reason:          req.reason,
		DurationMs:      c.now().Sub(start).Milliseconds(),
		Automatic:       req.automatic,
	}
	if c.notifier != nil {
		if nerr := c.call(ctx, func(ctx context.Context) error { return c.notifier.Notify(ctx, role) }); nerr != nil {
			c.logger.Warn("failed to notify role change", "error", nerr.Error())
		}
	}
	c.publishNotice(ctx, req.failed, newPrimary, req.reason, req.automatic)
	return ev, nil
}

// execute checks quorum, elects the winner, moves the local role and persists the pointer
func (c *Coordinator) execute(ctx context.Context, req request) (string, error) {
	snap := c.state.Snapshot()
	if healthy := snap.HealthyCount(); healthy < snap.QuorumRequired {
		return "", fmt.Errorf("%d healthy of %d required: %w", healthy, snap.QuorumRequired, model.ErrQuorumNotMet)
	}

	candidates := c.candidates(snap, req)
	if len(candidates) == 0 {
		return "", model.ErrNoCandidate
	}
	winner := candidates[0].ID
	self := c.local.ID()

	if winner != self {
		if c.local.IsPrimary() {
			c.demoteLocal(ctx)
		}
	} else {
		if err := c.promoteLocal(ctx); err != nil {
			return "", err
		}
	}

	if err := c.call(ctx, func(ctx context.Context) error { return c.state.SetPrimary(ctx, winner) }); err != nil {
		if winner == self {
			c.demoteLocal(ctx)
		}
		return "", fmt.Errorf("persist primary %s: %w", winner, err)
	}
	return winner, nil
}

// candidates returns the eligible nodes, lowest cpu first, ties broken by id
func (c *Coordinator) candidates(snap *model.Cluster, req request) []*model.Node {
	now := c.now()
	self := c.local.ID()
	var out []*model.Node
	for _, n := range snap.Nodes {
		if n.ID == req.failed || n.Role != model.RoleSecondary || !n.Healthy() {
			continue
		}
		if req.target != "" && n.ID != req.target {
			continue
		}
		if c.maxLag > 0 && n.ID != self && now.Sub(n.LastHeartbeat) > c.maxLag {
			continue
		}
		out = append(out, n)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Metrics.CPU != out[j].Metrics.CPU {
			return out[i].Metrics.CPU < out[j].Metrics.CPU
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// promoteLocal makes the local node the active primary and claims the entry point
func (c *Coordinator) promoteLocal(ctx context.Context) error {
	if c.local.IsPrimary() {
		return nil
	}
	if c.local.State() == model.NodeStateSyncing {
		if err := c.local.Synced(ctx); err != nil {
			return err
		}
	}
	if err := c.local.Promote(ctx); err != nil {
		return err
	}
	if err := c.call(ctx, c.entry.Claim); err != nil {
		c.demoteLocal(ctx)
		return fmt.Errorf("claim entry point: %w", err)
	}
	return nil
}

// demoteLocal releases the entry point and steps the local node down
func (c *Coordinator) demoteLocal(ctx context.Context) {
	if err := c.call(ctx, c.entry.Release); err != nil {
		c.logger.Warn("failed to release entry point", "error", err.Error())
	}
	if c.local.IsPrimary() {
		if err := c.local.StepDown(ctx); err != nil {
			c.logger.Error("failed to step down", "error", err.Error())
		}
	}
}

// persistLocal writes the local node record with a fresh heartbeat
func (c *Coordinator) persistLocal(ctx context.Context) error {
	self := c.local.Snapshot()
	self.LastHeartbeat = c.now()
	return c.call(ctx, func(ctx context.Context) error { return c.state.UpsertNode(ctx, self) })
}

func (c *Coordinator) record(ctx context.Context, ev model.FailoverEvent) {
	if err := c.call(ctx, func(ctx context.Context) error { return c.state.AppendEvent(ctx, ev) }); err != nil {
		c.logger.Error("failed to record failover event", "event", ev.ID, "error", err.Error())
	}
	c.exporter.ObserveFailover(ev)
}

func (c *Coordinator) publishNotice(ctx context.Context, previous, next, reason string, automatic bool) {
	notice := &model.FailoverNotice{
		ClusterID:       c.clusterID,
		PreviousPrimary: previous,
		NewPrimary:      next,
		Reason:          reason,
		Automatic:       automatic,
		Timestamp:       c.now().UnixMilli(),
	}
	err := c.call(ctx, func(ctx context.Context) error {
		return c.bus.Publish(ctx, model.FailoverTopic(c.clusterID), notice)
	})
	if err != nil {
		c.logger.Warn("failed to publish failover notice", "error", err.Error())
	}
}

// call bounds fn by the call timeout
func (c *Coordinator) call(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	return fn(ctx)
}
