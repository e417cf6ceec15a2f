package model

import (
	"fmt"
)

const (
	topicHeartbeat = "heartbeat"
	topicFailover  = "failover"
)

// HeartbeatTopic returns the topic carrying heartbeats of a cluster.
func HeartbeatTopic(clusterID string) string {
	return fmt.Sprintf("ha/%s/%s", clusterID, topicHeartbeat)
}

// FailoverTopic returns the topic carrying failover notices of a cluster.
func FailoverTopic(clusterID string) string {
	return fmt.Sprintf("ha/%s/%s", clusterID, topicFailover)
}

// Header is a common structure for bus messages.
type Header struct {
	// NodeID is the id of the sending node
	NodeID string `json:"node_id" mapstructure:"node_id"`
}

// Message is the envelope delivered by a bus.
type Message struct {
	Header
	// Topic the message was published on
	Topic string `json:"topic" mapstructure:"topic"`
	// Payload is the actual message, decode it with Bus.Decode
	Payload any `json:"payload" mapstructure:"payload"`
}

// Heartbeat is the periodic liveness signal of a node.
type Heartbeat struct {
	ClusterID string    `json:"cluster_id" mapstructure:"cluster_id"`
	NodeID    string    `json:"node_id" mapstructure:"node_id"`
	Timestamp int64     `json:"timestamp" mapstructure:"timestamp"`
	Role      Role      `json:"role" mapstructure:"role"`
	State     NodeState `json:"state" mapstructure:"state"`
	Address   string    `json:"address,omitempty" mapstructure:"address"`
	Version   string    `json:"version,omitempty" mapstructure:"version"`
	CPU       float64   `json:"cpu" mapstructure:"cpu"`
	Memory    float64   `json:"memory" mapstructure:"memory"`
	// PrimarySince is the unix ms the sender's primary claim dates from, 0 unless it claims
	PrimarySince int64 `json:"primary_since,omitempty" mapstructure:"primary_since"`
}

// FailoverNotice announces the outcome of a failover on the failover topic.
type FailoverNotice struct {
	ClusterID       string `json:"cluster_id" mapstructure:"cluster_id"`
	PreviousPrimary string `json:"previous_primary" mapstructure:"previous_primary"`
	NewPrimary      string `json:"new_primary" mapstructure:"new_primary"`
	Reason          string `json:"reason" mapstructure:"reason"`
	Automatic       bool   `json:"automatic" mapstructure:"automatic"`
	Timestamp       int64  `json:"timestamp" mapstructure:"timestamp"`
}
