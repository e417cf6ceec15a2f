package model

import (
	"errors"
	"net"
	"strconv"
	"time"
)

// Role represents the role of a node in the cluster.
type Role string

const (
	// RolePrimary is the single node authorized to serve owning traffic
	RolePrimary Role = "primary"
	// RoleSecondary is a standby node eligible for promotion
	RoleSecondary Role = "secondary"
	// RoleArbiter counts towards quorum but is never promoted
	RoleArbiter Role = "arbiter"
)

func (r Role) String() string {
	return string(r)
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RolePrimary, RoleSecondary, RoleArbiter:
		return true
	}
	return false
}

// NodeState represents the lifecycle state of a node.
type NodeState string

const (
	// NodeStateActive the node runs and serves its role
	NodeStateActive NodeState = "active"
	// NodeStateStandby the node runs and waits to be promoted
	NodeStateStandby NodeState = "standby"
	// NodeStateSyncing the node is catching up after a reconnect
	NodeStateSyncing NodeState = "syncing"
	// NodeStateFailed the node is considered dead
	NodeStateFailed NodeState = "failed"
	// NodeStateMaintenance the node left the cluster on purpose
	NodeStateMaintenance NodeState = "maintenance"
)

func (n NodeState) String() string {
	return string(n)
}

// Healthy reports whether the state counts towards quorum.
func (n NodeState) Healthy() bool {
	return n == NodeStateActive || n == NodeStateStandby
}

// Address is the network location of a node.
type Address struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

// ParseAddress parses a host:port string.
func ParseAddress(hostport string) (Address, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return Address{}, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Address{}, err
	}
	return Address{Host: host, Port: port}, nil
}

func (a Address) String() string {
	if a.Host == "" && a.Port == 0 {
		return ""
	}
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// NodeMetrics is a point-in-time resource snapshot of a node.
type NodeMetrics struct {
	// CPU is the cpu usage in percent
	CPU float64 `json:"cpu"`
	// Memory is the memory usage in percent
	Memory float64 `json:"memory"`
	// ActiveConnections is the number of open client connections
	ActiveConnections int `json:"active_connections"`
	// UptimeSeconds is the process uptime
	UptimeSeconds int64 `json:"uptime_seconds"`
	// SampledAt is when the snapshot was taken
	SampledAt time.Time `json:"sampled_at"`
}

// Node represents one cluster member
type Node struct {
	ID            string      `json:"id"`
	Address       Address     `json:"address"`
	Role          Role        `json:"role"`
	State         NodeState   `json:"state"`
	LastHeartbeat time.Time   `json:"last_heartbeat"`
	Version       string      `json:"version"`
	Metrics       NodeMetrics `json:"metrics"`
}

func (n *Node) Validate() error {
	if n.ID == "" {
		return errors.New("node ID is required")
	}
	if !n.Role.Valid() {
		return errors.New("node role is invalid")
	}
	return nil
}

// Healthy reports whether the node counts towards quorum.
func (n *Node) Healthy() bool {
	return n.State.Healthy()
}

// ActivePrimary reports whether n is a serving primary.
func (n *Node) ActivePrimary() bool {
	return n.Role == RolePrimary && n.State == NodeStateActive
}

// Clone returns a copy of the node.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	c := *n
	return &c
}
