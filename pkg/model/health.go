package model

import (
	"errors"
	"time"
)

// CheckType is the probe kind of a health check.
type CheckType string

const (
	// CheckNetwork dials the target over tcp
	CheckNetwork CheckType = "network"
	// CheckBus checks the pub/sub bus connectivity
	CheckBus CheckType = "bus"
	// CheckStore checks the shared store reachability
	CheckStore CheckType = "store"
	// CheckCustom runs a predicate registered under the target name
	CheckCustom CheckType = "custom"
	// CheckScript runs the executable at target, exit code 0 is healthy
	CheckScript CheckType = "script"
)

func (c CheckType) String() string {
	return string(c)
}

// HealthStatus is the hysteresis status of a health check.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

func (h HealthStatus) String() string {
	return string(h)
}

// Rank orders statuses from best to worst.
func (h HealthStatus) Rank() int {
	switch h {
	case HealthStatusHealthy:
		return 0
	case HealthStatusDegraded:
		return 1
	default:
		return 2
	}
}

// HealthCheck is one liveness probe definition plus its running result.
type HealthCheck struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	Type               CheckType `json:"type"`
	Target             string    `json:"target"`
	IntervalMs         int64     `json:"interval_ms"`
	TimeoutMs          int64     `json:"timeout_ms"`
	HealthyThreshold   int       `json:"healthy_threshold"`
	UnhealthyThreshold int       `json:"unhealthy_threshold"`

	LastCheck            time.Time    `json:"last_check"`
	Status               HealthStatus `json:"status"`
	ConsecutiveFailures  int          `json:"consecutive_failures"`
	ConsecutiveSuccesses int          `json:"consecutive_successes"`
	LatencyMs            int64        `json:"latency_ms"`
	LastError            string       `json:"last_error,omitempty"`
}

func (h *HealthCheck) Validate() error {
	if h.ID == "" {
		return errors.New("health check ID is required")
	}
	switch h.Type {
	case CheckNetwork, CheckBus, CheckStore, CheckCustom, CheckScript:
	default:
		return errors.New("health check type is invalid")
	}
	if h.IntervalMs <= 0 {
		return errors.New("health check interval must be positive")
	}
	if h.TimeoutMs <= 0 {
		return errors.New("health check timeout must be positive")
	}
	if h.HealthyThreshold < 1 || h.UnhealthyThreshold < 1 {
		return errors.New("health check thresholds must be at least 1")
	}
	return nil
}

// Interval returns the probe interval.
func (h *HealthCheck) Interval() time.Duration {
	return time.Duration(h.IntervalMs) * time.Millisecond
}

// Timeout returns the probe timeout.
func (h *HealthCheck) Timeout() time.Duration {
	return time.Duration(h.TimeoutMs) * time.Millisecond
}
