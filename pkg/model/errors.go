package model

import "errors"

var (
	// ErrNotFound is returned by a store when the key does not exist
	ErrNotFound = errors.New("not found")
	// ErrFailoverInProgress is returned when another failover holds the guard
	ErrFailoverInProgress = errors.New("failover in progress")
	// ErrQuorumNotMet is returned when too few nodes are healthy to trust a decision
	ErrQuorumNotMet = errors.New("quorum not met")
	// ErrNoCandidate is returned when no healthy secondary can be promoted
	ErrNoCandidate = errors.New("no eligible candidate")
	// ErrTargetUnhealthy is returned when a manual failover targets an unhealthy node
	ErrTargetUnhealthy = errors.New("target node is not healthy")
	// ErrUnknownNode is returned when a node id is not a cluster member
	ErrUnknownNode = errors.New("unknown node")
	// ErrAlreadyPrimary is returned when a manual failover targets the current primary
	ErrAlreadyPrimary = errors.New("target node is already primary")
	// ErrInvalidTransition is returned when the local node rejects a state event
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrClosed is returned by a closed bus or store
	ErrClosed = errors.New("closed")
)
