package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/danl5/goha/pkg/model"
	"github.com/danl5/goha/pkg/store"
)

// Option configures a Manager.
type Option func(m *Manager)

// WithClock sets the time source.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		m.now = clock
	}
}

// NewManager creates the cluster state manager of node selfID.
func NewManager(st model.Store, clusterID, selfID string, logger *slog.Logger, opts ...Option) (*Manager, error) {
	if st == nil {
		return nil, errors.New("new state manager, store is nil")
	}
	if clusterID == "" || selfID == "" {
		return nil, errors.New("new state manager, cluster and node ids are required")
	}
	if logger == nil {
		return nil, errors.New("new state manager, logger is nil")
	}
	m := &Manager{
		store:     st,
		clusterID: clusterID,
		selfID:    selfID,
		now:       time.Now,
		logger:    logger.With("component", "state", "node", selfID),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Manager owns the local view of the cluster and persists it in the shared store.
// Every mutation is a read-modify-write of the whole cluster document.
// The store offers no compare-and-swap, so concurrent writers race and the last one wins.
type Manager struct {
	store     model.Store
	clusterID string
	selfID    string
	now       func() time.Time
	logger    *slog.Logger

	// writeMu serializes read-modify-write cycles of this node
	writeMu sync.Mutex
	// mu guards view
	mu   sync.RWMutex
	view *model.Cluster
}

// LoadOrCreate loads the cluster document, or creates it from template.
// The local policy of template wins, nodes are merged with the stored ones.
func (m *Manager) LoadOrCreate(ctx context.Context, template *model.Cluster) (*model.Cluster, error) {
	if template == nil {
		return nil, errors.New("load cluster, template is nil")
	}
	if template.ID != m.clusterID {
		return nil, fmt.Errorf("load cluster, template id %s does not match %s", template.ID, m.clusterID)
	}
	if err := template.Validate(); err != nil {
		return nil, err
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	remote, err := m.load(ctx)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return nil, err
	}

	next := merge(template, remote, m.selfID)
	touched := make([]string, 0, len(next.Nodes))
	for _, n := range next.Nodes {
		touched = append(touched, n.ID)
	}
	if err := m.save(ctx, next, touched...); err != nil {
		return nil, err
	}

	m.setView(next)
	if remote == nil {
		m.logger.Info("cluster document created", "cluster", m.clusterID, "nodes", len(next.Nodes))
	} else {
		m.logger.Info("cluster document loaded", "cluster", m.clusterID, "nodes", len(next.Nodes), "primary", next.PrimaryID)
	}
	return next.Clone(), nil
}

// Snapshot returns a deep copy of the local view.
func (m *Manager) Snapshot() *model.Cluster {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view.Clone()
}

// UpsertNode records node in the view and persists it.
// The local view keeps the change even when the store is unreachable.
func (m *Manager) UpsertNode(ctx context.Context, node model.Node) error {
	if err := node.Validate(); err != nil {
		return err
	}
	return m.rmw(ctx, true, func(c *model.Cluster) error {
		c.Upsert(node.Clone())
		return nil
	}, node.ID)
}

// MarkState persists a state change of nodeID.
// The local view keeps the change even when the store is unreachable.
func (m *Manager) MarkState(ctx context.Context, nodeID string, state model.NodeState) error {
	return m.rmw(ctx, true, func(c *model.Cluster) error {
		n := c.Node(nodeID)
		if n == nil {
			return fmt.Errorf("mark %s %s: %w", nodeID, state, model.ErrUnknownNode)
		}
		n.State = state
		return nil
	}, nodeID)
}

// SetPrimary points the cluster at nodeID and demotes every other primary.
// The failover count only moves when the stored pointer changes, so nodes
// electing the same winner concurrently converge on a single increment.
// The view is left untouched when the store write fails.
func (m *Manager) SetPrimary(ctx context.Context, nodeID string) error {
	return m.setPrimary(ctx, nodeID, true)
}

// ClaimPrimary points the cluster at nodeID like SetPrimary without counting a failover.
// It is used when a node takes the role it was configured with.
func (m *Manager) ClaimPrimary(ctx context.Context, nodeID string) error {
	return m.setPrimary(ctx, nodeID, false)
}

func (m *Manager) setPrimary(ctx context.Context, nodeID string, count bool) error {
	return m.rmw(ctx, false, func(c *model.Cluster) error {
		winner := c.Node(nodeID)
		if winner == nil {
			return fmt.Errorf("set primary %s: %w", nodeID, model.ErrUnknownNode)
		}
		if c.PrimaryID != nodeID {
			now := m.now()
			if count {
				c.FailoverCount++
				c.LastFailover = &now
			}
			c.PrimaryChangedAt = stamp(now)
		}
		promote(c, nodeID)
		return nil
	}, m.primaries(nodeID)...)
}

// AdoptPrimary points the cluster at nodeID as announced by another node at time at,
// a zero at meaning now. It reports false when the pointer moved after at.
// The local view keeps the adoption even when the store is unreachable.
func (m *Manager) AdoptPrimary(ctx context.Context, nodeID string, at time.Time) (bool, error) {
	if at.IsZero() {
		at = m.now()
	}
	at = stamp(at)

	adopted := false
	err := m.rmw(ctx, true, func(c *model.Cluster) error {
		if c.Node(nodeID) == nil {
			return fmt.Errorf("adopt primary %s: %w", nodeID, model.ErrUnknownNode)
		}
		if c.PrimaryID != nodeID {
			if at.Before(c.PrimaryChangedAt) {
				m.logger.Info("stale primary announcement ignored", "primary", c.PrimaryID, "announced", nodeID)
				return nil
			}
			m.logger.Info("primary adopted", "from", c.PrimaryID, "to", nodeID)
			c.PrimaryChangedAt = at
		}
		promote(c, nodeID)
		adopted = true
		return nil
	}, m.primaries(nodeID)...)
	return adopted, err
}

// ObserveHeartbeat ingests a peer heartbeat into the local view.
// It reports whether a failed peer came back.
func (m *Manager) ObserveHeartbeat(hb model.Heartbeat) bool {
	if hb.NodeID == "" || hb.NodeID == m.selfID {
		return false
	}
	if hb.ClusterID != "" && hb.ClusterID != m.clusterID {
		return false
	}
	ts := time.UnixMilli(hb.Timestamp)

	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.view.Node(hb.NodeID)
	if n == nil {
		n = &model.Node{ID: hb.NodeID, Role: model.RoleSecondary}
		m.view.Upsert(n)
		m.logger.Info("new peer observed", "peer", hb.NodeID)
	}
	if ts.Before(n.LastHeartbeat) {
		return false
	}
	wasFailed := n.State == model.NodeStateFailed

	role := hb.Role
	if !role.Valid() {
		role = n.Role
	}
	if role == model.RolePrimary && hb.State == model.NodeStateActive {
		var since time.Time
		if hb.PrimarySince > 0 {
			since = time.UnixMilli(hb.PrimarySince)
		}
		switch {
		case m.view.PrimaryID == hb.NodeID:
			promote(m.view, hb.NodeID)
		case m.claimConflict(hb.NodeID, since):
			m.logger.Warn("split brain suspected, primary claim ignored",
				"peer", hb.NodeID, "primary", m.view.PrimaryID)
			role = model.RoleSecondary
		default:
			m.logger.Info("primary claim adopted", "from", m.view.PrimaryID, "to", hb.NodeID)
			if since.IsZero() {
				since = ts
			}
			if since.After(m.view.PrimaryChangedAt) {
				m.view.PrimaryChangedAt = since
			}
			promote(m.view, hb.NodeID)
		}
	}

	n.Role = role
	n.State = hb.State
	n.LastHeartbeat = ts
	if hb.Version != "" {
		n.Version = hb.Version
	}
	if addr, err := model.ParseAddress(hb.Address); err == nil {
		n.Address = addr
	}
	n.Metrics.CPU = hb.CPU
	n.Metrics.Memory = hb.Memory
	n.Metrics.SampledAt = ts

	recovered := wasFailed && n.State != model.NodeStateFailed
	if recovered {
		m.logger.Info("failed peer recovered", "peer", hb.NodeID, "state", n.State)
	}
	return recovered
}

// AppendEvent appends a failover event to the audit log.
func (m *Manager) AppendEvent(ctx context.Context, ev model.FailoverEvent) error {
	b, err := store.Encode(ev)
	if err != nil {
		return fmt.Errorf("encode failover event: %w", err)
	}
	if err := m.store.Append(ctx, eventsKey(m.clusterID), b); err != nil {
		return fmt.Errorf("append failover event: %w", err)
	}
	return nil
}

// Events returns the failover audit log, oldest first.
func (m *Manager) Events(ctx context.Context) ([]model.FailoverEvent, error) {
	records, err := m.store.Range(ctx, eventsKey(m.clusterID))
	if err != nil {
		return nil, fmt.Errorf("read failover events: %w", err)
	}
	events := make([]model.FailoverEvent, 0, len(records))
	for _, r := range records {
		var ev model.FailoverEvent
		if err := store.Decode(r, &ev); err != nil {
			return nil, fmt.Errorf("decode failover event: %w", err)
		}
		events = append(events, ev)
	}
	return events, nil
}

// Refresh merges the stored document into the local view.
func (m *Manager) Refresh(ctx context.Context) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	remote, err := m.load(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.view = merge(m.view, remote, m.selfID)
	m.mu.Unlock()
	return nil
}

// claimConflict reports whether a claim dating from since loses against the view.
// A claim is refused when another node is the active primary, unless it dates
// from after the last pointer move. Without split brain protection the latest claim wins.
func (m *Manager) claimConflict(claimant string, since time.Time) bool {
	if !m.view.SplitBrainProtection || m.view.PrimaryID == claimant {
		return false
	}
	if !since.IsZero() && since.After(m.view.PrimaryChangedAt) {
		return false
	}
	for _, n := range m.view.ActivePrimaries() {
		if n.ID != claimant {
			return true
		}
	}
	return false
}

// primaries lists nodeID plus the nodes holding the primary role in the view
func (m *Manager) primaries(nodeID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for _, n := range m.view.Nodes {
		if n.ID == nodeID || n.Role == model.RolePrimary {
			ids = append(ids, n.ID)
		}
	}
	return ids
}

// rmw runs one read-modify-write cycle. With keepOnError the mutation
// stays in the local view when the store fails.
func (m *Manager) rmw(ctx context.Context, keepOnError bool, mutate func(c *model.Cluster) error, touched ...string) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.RLock()
	local := m.view.Clone()
	m.mu.RUnlock()

	remote, loadErr := m.load(ctx)
	if loadErr != nil && !errors.Is(loadErr, model.ErrNotFound) {
		if !keepOnError {
			return loadErr
		}
		if err := mutate(local); err != nil {
			return err
		}
		m.setView(local)
		return loadErr
	}

	next := merge(local, remote, m.selfID)
	if err := mutate(next); err != nil {
		return err
	}
	if err := m.save(ctx, next, touched...); err != nil {
		if keepOnError {
			m.setView(next)
		}
		return err
	}
	m.setView(next)
	return nil
}

func (m *Manager) setView(c *model.Cluster) {
	m.mu.Lock()
	m.view = c
	m.mu.Unlock()
}

func (m *Manager) load(ctx context.Context) (*model.Cluster, error) {
	b, err := m.store.Get(ctx, clusterKey(m.clusterID))
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load cluster document: %w", err)
	}
	c := &model.Cluster{}
	if err := store.Decode(b, c); err != nil {
		return nil, fmt.Errorf("decode cluster document: %w", err)
	}
	return c, nil
}

func (m *Manager) save(ctx context.Context, c *model.Cluster, touched ...string) error {
	b, err := store.Encode(c)
	if err != nil {
		return fmt.Errorf("encode cluster document: %w", err)
	}
	if err := m.store.Set(ctx, clusterKey(m.clusterID), b); err != nil {
		return fmt.Errorf("save cluster document: %w", err)
	}
	for _, id := range touched {
		n := c.Node(id)
		if n == nil {
			continue
		}
		nb, err := store.Encode(n)
		if err != nil {
			return fmt.Errorf("encode node %s: %w", id, err)
		}
		if err := m.store.Set(ctx, nodeKey(m.clusterID, id), nb); err != nil {
			return fmt.Errorf("save node %s: %w", id, err)
		}
	}
	return nil
}

// promote makes nodeID the only primary of c
func promote(c *model.Cluster, nodeID string) {
	c.PrimaryID = nodeID
	for _, n := range c.Nodes {
		if n.ID == nodeID {
			n.Role = model.RolePrimary
			n.State = model.NodeStateActive
			continue
		}
		if n.Role == model.RolePrimary {
			n.Role = model.RoleSecondary
		}
	}
}
