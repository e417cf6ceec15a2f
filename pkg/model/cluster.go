package model

import (
	"errors"
	"time"
)

// Cluster is the set of nodes plus the coordination policy.
type Cluster struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	// Nodes is kept in registration order, unique by node id
	Nodes []*Node `json:"nodes"`
	// PrimaryID points at the current primary, empty when there is none
	PrimaryID string `json:"primary_id"`
	// PrimaryChangedAt is when PrimaryID last moved, millisecond precision
	PrimaryChangedAt     time.Time `json:"primary_changed_at"`
	SplitBrainProtection bool      `json:"split_brain_protection"`
	QuorumRequired       int       `json:"quorum_required"`
	FailoverTimeoutMs    int64     `json:"failover_timeout_ms"`
	HeartbeatIntervalMs  int64     `json:"heartbeat_interval_ms"`
	// LastFailover is nil until the first successful failover
	LastFailover  *time.Time `json:"last_failover,omitempty"`
	FailoverCount uint64     `json:"failover_count"`
}

func (c *Cluster) Validate() error {
	if c.ID == "" {
		return errors.New("cluster ID is required")
	}
	if c.QuorumRequired < 1 {
		return errors.New("quorum required must be at least 1")
	}
	return nil
}

// FailoverTimeout returns the failure detection timeout.
func (c *Cluster) FailoverTimeout() time.Duration {
	return time.Duration(c.FailoverTimeoutMs) * time.Millisecond
}

// HeartbeatInterval returns the heartbeat tick.
func (c *Cluster) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
}

// Node returns the node with the given id or nil.
func (c *Cluster) Node(id string) *Node {
	for _, n := range c.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// Upsert replaces the node with the same id or appends it.
func (c *Cluster) Upsert(node *Node) {
	for i, n := range c.Nodes {
		if n.ID == node.ID {
			c.Nodes[i] = node
			return
		}
	}
	c.Nodes = append(c.Nodes, node)
}

// Primary returns the node PrimaryID points at, or nil.
func (c *Cluster) Primary() *Node {
	if c.PrimaryID == "" {
		return nil
	}
	return c.Node(c.PrimaryID)
}

// HealthyCount counts nodes in the active or standby state.
func (c *Cluster) HealthyCount() int {
	count := 0
	for _, n := range c.Nodes {
		if n.Healthy() {
			count++
		}
	}
	return count
}

// ActivePrimaries returns every node with role primary and state active.
func (c *Cluster) ActivePrimaries() []*Node {
	var primaries []*Node
	for _, n := range c.Nodes {
		if n.ActivePrimary() {
			primaries = append(primaries, n)
		}
	}
	return primaries
}

// Clone returns a deep copy of the cluster.
func (c *Cluster) Clone() *Cluster {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Nodes = make([]*Node, 0, len(c.Nodes))
	for _, n := range c.Nodes {
		cp.Nodes = append(cp.Nodes, n.Clone())
	}
	if c.LastFailover != nil {
		t := *c.LastFailover
		cp.LastFailover = &t
	}
	return &cp
}
