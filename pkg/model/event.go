package model

import (
	"time"
)

// NodeEvent represents the related events in the entire lifecycle of the local node,
// used to drive the node Finite State Machine (FSM)
type NodeEvent string

const (
	// EventPromote represents the node becoming the primary
	EventPromote NodeEvent = "promote"
	// EventStepDown represents the node giving up the primary role
	EventStepDown NodeEvent = "step_down"
	// EventResync represents the node starting to catch up after a reconnect
	EventResync NodeEvent = "resync"
	// EventSynced represents the node finishing the catch up
	EventSynced NodeEvent = "synced"
	// EventFail represents a fatal error or shutdown
	EventFail NodeEvent = "fail"
	// EventRecover represents a failed node coming back
	EventRecover NodeEvent = "recover"
	// EventMaintenance represents the node leaving the cluster on purpose
	EventMaintenance NodeEvent = "maintenance"
)

func (n NodeEvent) String() string {
	return string(n)
}

type TransitionType int

const (
	TransitionTypeEnter TransitionType = iota
	TransitionTypeLeave
)

func (t TransitionType) String() string {
	switch t {
	case TransitionTypeEnter:
		return "enter"
	case TransitionTypeLeave:
		return "leave"
	default:
		return "unknown"
	}
}

// StateTransition represents a transition from one state to another
type StateTransition struct {
	// State is the destination state of the transition for enter,
	// and the state being left for leave
	State NodeState
	// SrcState is the other side of the transition
	SrcState NodeState
	// Role is the node role after the transition
	Role Role
	// Type is the type of the transition
	Type TransitionType
}

// FailoverEvent is the immutable audit record of one failover attempt.
type FailoverEvent struct {
	ID              string    `json:"id"`
	ClusterID       string    `json:"cluster_id"`
	Timestamp       time.Time `json:"timestamp"`
	PreviousPrimary string    `json:"previous_primary"`
	NewPrimary      string    `json:"new_primary"`
	Reason          string    `json:"reason"`
	DurationMs      int64     `json:"duration_ms"`
	Automatic       bool      `json:"automatic"`
	Success         bool      `json:"success"`
}

// RoleChangeEvent is broadcast to notification consumers after a successful failover.
type RoleChangeEvent struct {
	ClusterID       string `json:"cluster_id"`
	PreviousPrimary string `json:"previous_primary"`
	NewPrimary      string `json:"new_primary"`
	Reason          string `json:"reason"`
	DurationMs      int64  `json:"duration_ms"`
	Automatic       bool   `json:"automatic"`
}
