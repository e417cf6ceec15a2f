package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/danl5/goha/pkg/model"
	"github.com/danl5/goha/pkg/transport/rpc"
)

const (
	DefaultConfigPath = "/etc/goha/config.yaml"

	defaultHeartbeatIntervalMs = 1000
	defaultFailoverTimeoutMs   = 5000
	defaultCheckIntervalMs     = 5000
	defaultCheckTimeoutMs      = 1000
	defaultHealthyThreshold    = 2
	defaultUnhealthyThreshold  = 3
	defaultEntryPointTimeoutMs = 10000
	defaultEtcdDialTimeoutMs   = 5000
)

// Store kinds.
const (
	StoreMemory = "memory"
	StoreBadger = "badger"
	StoreEtcd   = "etcd"
)

// Bus kinds.
const (
	BusMemory = "memory"
	BusRPC    = "rpc"
)

// Config represents the runtime configuration of a coordinator node.
type Config struct {
	Cluster      ClusterConfig       `yaml:"cluster" json:"cluster"`
	Node         NodeConfig          `yaml:"node" json:"node"`
	Peers        []NodeConfig        `yaml:"peers" json:"peers"`
	HealthChecks []HealthCheckConfig `yaml:"health_checks" json:"health_checks"`
	// AutoFailover lets the failure detector replace a silent primary, defaults to true
	AutoFailover *bool `yaml:"auto_failover" json:"auto_failover"`
	// Preemption lets a recovered node configured as primary take the role back
	Preemption bool `yaml:"preemption" json:"preemption"`
	// SyncReplication only promotes secondaries heard from within two heartbeat intervals
	SyncReplication bool             `yaml:"sync_replication" json:"sync_replication"`
	Store           StoreConfig      `yaml:"store" json:"store"`
	Bus             BusConfig        `yaml:"bus" json:"bus"`
	EntryPoint      EntryPointConfig `yaml:"entry_point" json:"entry_point"`
	Metrics         MetricsConfig    `yaml:"metrics" json:"metrics"`
	Log             LogConfig        `yaml:"log" json:"log"`
	// CallBackTimeoutMs bounds each state callback
	CallBackTimeoutMs int64 `yaml:"callback_timeout_ms" json:"callback_timeout_ms"`
}

// ClusterConfig holds the cluster wide policy.
type ClusterConfig struct {
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`
	// QuorumRequired defaults to a majority of the configured nodes
	QuorumRequired      int   `yaml:"quorum_required" json:"quorum_required"`
	HeartbeatIntervalMs int64 `yaml:"heartbeat_interval_ms" json:"heartbeat_interval_ms"`
	FailoverTimeoutMs   int64 `yaml:"failover_timeout_ms" json:"failover_timeout_ms"`
	// SplitBrainProtection fences conflicting primary claims, defaults to true
	SplitBrainProtection *bool `yaml:"split_brain_protection" json:"split_brain_protection"`
}

// NodeConfig describes a cluster member.
type NodeConfig struct {
	ID string `yaml:"id" json:"id"`
	// Address is the host:port the node is reached at
	Address string `yaml:"address" json:"address"`
	// Role is the initial role, primary, secondary or arbiter
	Role    string `yaml:"role" json:"role"`
	Version string `yaml:"version" json:"version"`
}

// HealthCheckConfig describes a local health check.
type HealthCheckConfig struct {
	ID                 string `yaml:"id" json:"id"`
	Name               string `yaml:"name" json:"name"`
	Type               string `yaml:"type" json:"type"`
	Target             string `yaml:"target" json:"target"`
	IntervalMs         int64  `yaml:"interval_ms" json:"interval_ms"`
	TimeoutMs          int64  `yaml:"timeout_ms" json:"timeout_ms"`
	HealthyThreshold   int    `yaml:"healthy_threshold" json:"healthy_threshold"`
	UnhealthyThreshold int    `yaml:"unhealthy_threshold" json:"unhealthy_threshold"`
}

// StoreConfig selects the shared state store.
type StoreConfig struct {
	Kind string `yaml:"kind" json:"kind"`
	// Dir is the badger data directory
	Dir  string     `yaml:"dir" json:"dir"`
	Etcd EtcdConfig `yaml:"etcd" json:"etcd"`
}

// EtcdConfig configures the etcd store.
type EtcdConfig struct {
	Endpoints     []string `yaml:"endpoints" json:"endpoints"`
	Namespace     string   `yaml:"namespace" json:"namespace"`
	DialTimeoutMs int64    `yaml:"dial_timeout_ms" json:"dial_timeout_ms"`
}

// BusConfig selects the heartbeat and notice bus.
type BusConfig struct {
	Kind string `yaml:"kind" json:"kind"`
	// Listen is the rpc listen address, defaults to the node address
	Listen    string     `yaml:"listen" json:"listen"`
	Transport rpc.Config `yaml:"transport" json:"transport"`
}

// EntryPointConfig holds the commands moving the client entry point.
type EntryPointConfig struct {
	ClaimCommand   []string `yaml:"claim_command" json:"claim_command"`
	ReleaseCommand []string `yaml:"release_command" json:"release_command"`
	TimeoutMs      int64    `yaml:"timeout_ms" json:"timeout_ms"`
}

// MetricsConfig defines the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Listen  string `yaml:"listen" json:"listen"`
}

// LogConfig defines the process logger.
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// ValidationError aggregates multiple configuration validation failures.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s", strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Is(target error) bool {
	var other *ValidationError
	return errors.As(target, &other)
}

// Load reads, parses, and validates a configuration from disk.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

// Decode parses and validates a configuration. Unknown fields are rejected.
func Decode(r io.Reader) (*Config, error) {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)

	var cfg Config
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills every unset optional field.
func (c *Config) ApplyDefaults() {
	if c.Cluster.Name == "" {
		c.Cluster.Name = c.Cluster.ID
	}
	if c.Cluster.HeartbeatIntervalMs == 0 {
		c.Cluster.HeartbeatIntervalMs = defaultHeartbeatIntervalMs
	}
	if c.Cluster.FailoverTimeoutMs == 0 {
		c.Cluster.FailoverTimeoutMs = defaultFailoverTimeoutMs
	}
	if c.Cluster.QuorumRequired == 0 {
		c.Cluster.QuorumRequired = DefaultQuorum(len(c.Members()))
	}
	if c.Cluster.SplitBrainProtection == nil {
		c.Cluster.SplitBrainProtection = boolPtr(true)
	}
	if c.AutoFailover == nil {
		c.AutoFailover = boolPtr(true)
	}
	if c.Node.Role == "" {
		c.Node.Role = model.RoleSecondary.String()
	}
	for i := range c.Peers {
		if c.Peers[i].Role == "" {
			c.Peers[i].Role = model.RoleSecondary.String()
		}
	}
	for i := range c.HealthChecks {
		c.HealthChecks[i].applyDefaults(i)
	}
	if c.Store.Kind == "" {
		c.Store.Kind = StoreMemory
	}
	if c.Store.Kind == StoreEtcd && c.Store.Etcd.DialTimeoutMs == 0 {
		c.Store.Etcd.DialTimeoutMs = defaultEtcdDialTimeoutMs
	}
	if c.Store.Kind == StoreEtcd && c.Store.Etcd.Namespace == "" {
		c.Store.Etcd.Namespace = "/goha"
	}
	if c.Bus.Kind == "" {
		c.Bus.Kind = BusMemory
		if len(c.Peers) > 0 {
			c.Bus.Kind = BusRPC
		}
	}
	if c.Bus.Kind == BusRPC && c.Bus.Listen == "" {
		c.Bus.Listen = c.Node.Address
	}
	if c.EntryPoint.TimeoutMs == 0 {
		c.EntryPoint.TimeoutMs = defaultEntryPointTimeoutMs
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		c.Metrics.Listen = ":9090"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.CallBackTimeoutMs == 0 {
		c.CallBackTimeoutMs = c.Cluster.FailoverTimeoutMs
	}
}

func (h *HealthCheckConfig) applyDefaults(index int) {
	if h.ID == "" {
		h.ID = fmt.Sprintf("%s-%d", h.Type, index)
	}
	if h.Name == "" {
		h.Name = h.ID
	}
	if h.IntervalMs == 0 {
		h.IntervalMs = defaultCheckIntervalMs
	}
	if h.TimeoutMs == 0 {
		h.TimeoutMs = defaultCheckTimeoutMs
	}
	if h.HealthyThreshold == 0 {
		h.HealthyThreshold = defaultHealthyThreshold
	}
	if h.UnhealthyThreshold == 0 {
		h.UnhealthyThreshold = defaultUnhealthyThreshold
	}
}

// Validate checks for semantic correctness in the configuration.
func (c *Config) Validate() error {
	problems := make([]string, 0)

	if strings.TrimSpace(c.Cluster.ID) == "" {
		problems = append(problems, "cluster.id is required")
	}
	if c.Cluster.HeartbeatIntervalMs <= 0 {
		problems = append(problems, "cluster.heartbeat_interval_ms must be greater than zero")
	}
	if c.Cluster.FailoverTimeoutMs <= c.Cluster.HeartbeatIntervalMs {
		problems = append(problems, "cluster.failover_timeout_ms must be greater than cluster.heartbeat_interval_ms")
	}

	members := c.Members()
	if c.Cluster.QuorumRequired < 1 {
		problems = append(problems, "cluster.quorum_required must be at least 1")
	}
	if c.Cluster.QuorumRequired > len(members) {
		problems = append(problems, fmt.Sprintf("cluster.quorum_required %d exceeds the %d configured nodes", c.Cluster.QuorumRequired, len(members)))
	}

	seen := make(map[string]struct{}, len(members))
	primaries := 0
	for i, n := range members {
		field := "node"
		if i > 0 {
			field = fmt.Sprintf("peers[%d]", i-1)
		}
		for _, p := range n.validate(c.Bus.Kind == BusRPC) {
			problems = append(problems, fmt.Sprintf("%s: %s", field, p))
		}
		if _, dup := seen[n.ID]; dup && n.ID != "" {
			problems = append(problems, fmt.Sprintf("%s: duplicate node id %s", field, n.ID))
		}
		seen[n.ID] = struct{}{}
		if n.Role == model.RolePrimary.String() {
			primaries++
		}
	}
	if primaries > 1 {
		problems = append(problems, "at most one node may be configured with role primary")
	}

	checkIDs := make(map[string]struct{}, len(c.HealthChecks))
	for i := range c.HealthChecks {
		for _, p := range c.HealthChecks[i].validate() {
			problems = append(problems, fmt.Sprintf("health_checks[%d]: %s", i, p))
		}
		if _, dup := checkIDs[c.HealthChecks[i].ID]; dup {
			problems = append(problems, fmt.Sprintf("health_checks[%d]: duplicate id %s", i, c.HealthChecks[i].ID))
		}
		checkIDs[c.HealthChecks[i].ID] = struct{}{}
	}

	switch c.Store.Kind {
	case StoreMemory:
	case StoreBadger:
		if strings.TrimSpace(c.Store.Dir) == "" {
			problems = append(problems, "store.dir is required for the badger store")
		}
	case StoreEtcd:
		if len(c.Store.Etcd.Endpoints) == 0 {
			problems = append(problems, "store.etcd.endpoints must contain at least one endpoint")
		}
	default:
		problems = append(problems, fmt.Sprintf("store.kind %q is not one of memory, badger, etcd", c.Store.Kind))
	}

	switch c.Bus.Kind {
	case BusMemory:
	case BusRPC:
		if strings.TrimSpace(c.Bus.Listen) == "" {
			problems = append(problems, "bus.listen is required for the rpc bus")
		}
		if err := c.Bus.Transport.Validate(); err != nil {
			problems = append(problems, "bus.transport: "+err.Error())
		}
	default:
		problems = append(problems, fmt.Sprintf("bus.kind %q is not one of memory, rpc", c.Bus.Kind))
	}
	if c.Bus.Kind == BusRPC && len(c.Peers) > 0 && (c.Store.Kind == StoreMemory || c.Store.Kind == StoreBadger) {
		problems = append(problems, fmt.Sprintf("store.kind %q keeps the state on one host, peers on the rpc bus need the etcd store", c.Store.Kind))
	}

	for _, cmd := range [][]string{c.EntryPoint.ClaimCommand, c.EntryPoint.ReleaseCommand} {
		if len(cmd) > 0 && !filepath.IsAbs(cmd[0]) {
			problems = append(problems, fmt.Sprintf("entry_point command %q must be an absolute path", cmd[0]))
		}
	}
	if c.EntryPoint.TimeoutMs < 0 {
		problems = append(problems, "entry_point.timeout_ms must be non-negative")
	}
	if c.Metrics.Enabled && strings.TrimSpace(c.Metrics.Listen) == "" {
		problems = append(problems, "metrics.listen must be set when metrics.enabled is true")
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("log.format %q is not one of text, json", c.Log.Format))
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func (n NodeConfig) validate(needAddress bool) []string {
	var problems []string
	if strings.TrimSpace(n.ID) == "" {
		problems = append(problems, "id is required")
	}
	if !model.Role(n.Role).Valid() {
		problems = append(problems, fmt.Sprintf("role %q is not one of primary, secondary, arbiter", n.Role))
	}
	if n.Address != "" {
		if _, err := model.ParseAddress(n.Address); err != nil {
			problems = append(problems, fmt.Sprintf("address %q: %v", n.Address, err))
		}
	} else if needAddress {
		problems = append(problems, "address is required for the rpc bus")
	}
	return problems
}

func (h HealthCheckConfig) validate() []string {
	check := h.Model()
	if err := check.Validate(); err != nil {
		return []string{err.Error()}
	}
	var problems []string
	switch check.Type {
	case model.CheckNetwork:
		if _, err := model.ParseAddress(h.Target); err != nil {
			problems = append(problems, fmt.Sprintf("network target %q must be host:port", h.Target))
		}
	case model.CheckScript:
		if !filepath.IsAbs(h.Target) {
			problems = append(problems, fmt.Sprintf("script target %q must be an absolute path", h.Target))
		}
	case model.CheckCustom:
		if strings.TrimSpace(h.Target) == "" {
			problems = append(problems, "custom check requires the predicate name as target")
		}
	}
	if h.TimeoutMs > h.IntervalMs {
		problems = append(problems, "timeout_ms must not exceed interval_ms")
	}
	return problems
}

// Model converts the check configuration into a health check definition.
func (h HealthCheckConfig) Model() model.HealthCheck {
	return model.HealthCheck{
		ID:                 h.ID,
		Name:               h.Name,
		Type:               model.CheckType(h.Type),
		Target:             h.Target,
		IntervalMs:         h.IntervalMs,
		TimeoutMs:          h.TimeoutMs,
		HealthyThreshold:   h.HealthyThreshold,
		UnhealthyThreshold: h.UnhealthyThreshold,
	}
}

// Members returns the local node followed by the peers.
func (c *Config) Members() []NodeConfig {
	members := make([]NodeConfig, 0, len(c.Peers)+1)
	members = append(members, c.Node)
	for _, p := range c.Peers {
		if p.ID == c.Node.ID {
			continue
		}
		members = append(members, p)
	}
	return members
}

// ClusterTemplate builds the cluster document this node contributes on startup.
func (c *Config) ClusterTemplate() *model.Cluster {
	cluster := &model.Cluster{
		ID:                   c.Cluster.ID,
		Name:                 c.Cluster.Name,
		SplitBrainProtection: c.SplitBrainProtection(),
		QuorumRequired:       c.Cluster.QuorumRequired,
		FailoverTimeoutMs:    c.Cluster.FailoverTimeoutMs,
		HeartbeatIntervalMs:  c.Cluster.HeartbeatIntervalMs,
	}
	for _, m := range c.Members() {
		n := m.Model()
		// everybody joins as a secondary, the primary role is claimed at bootstrap
		if n.Role == model.RolePrimary {
			n.Role = model.RoleSecondary
		}
		n.State = model.NodeStateStandby
		cluster.Nodes = append(cluster.Nodes, &n)
	}
	return cluster
}

// Model converts the node configuration into a node record.
func (n NodeConfig) Model() model.Node {
	addr, _ := model.ParseAddress(n.Address)
	return model.Node{
		ID:      n.ID,
		Address: addr,
		Role:    model.Role(n.Role),
		Version: n.Version,
	}
}

// InitialRole returns the role the local node was configured with.
func (c *Config) InitialRole() model.Role {
	return model.Role(c.Node.Role)
}

// Checks returns the health check definitions.
func (c *Config) Checks() []model.HealthCheck {
	checks := make([]model.HealthCheck, 0, len(c.HealthChecks))
	for _, h := range c.HealthChecks {
		checks = append(checks, h.Model())
	}
	return checks
}

func (c *Config) SplitBrainProtection() bool {
	return c.Cluster.SplitBrainProtection == nil || *c.Cluster.SplitBrainProtection
}

func (c *Config) AutoFailoverEnabled() bool {
	return c.AutoFailover == nil || *c.AutoFailover
}

func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Cluster.HeartbeatIntervalMs) * time.Millisecond
}

func (c *Config) FailoverTimeout() time.Duration {
	return time.Duration(c.Cluster.FailoverTimeoutMs) * time.Millisecond
}

func (c *Config) CallBackTimeout() time.Duration {
	return time.Duration(c.CallBackTimeoutMs) * time.Millisecond
}

func (c *Config) EntryPointTimeout() time.Duration {
	return time.Duration(c.EntryPoint.TimeoutMs) * time.Millisecond
}

func (c *Config) EtcdDialTimeout() time.Duration {
	return time.Duration(c.Store.Etcd.DialTimeoutMs) * time.Millisecond
}

// MaxCandidateLag is how stale a candidate may be with synchronous
// replication, zero when replication is asynchronous.
func (c *Config) MaxCandidateLag() time.Duration {
	if !c.SyncReplication {
		return 0
	}
	return 2 * c.HeartbeatInterval()
}

// DefaultQuorum is a majority of n nodes, lowered so a single failure never
// blocks failover in clusters of two.
func DefaultQuorum(n int) int {
	q := n/2 + 1
	if q > n-1 {
		q = n - 1
	}
	if q < 1 {
		q = 1
	}
	return q
}

func boolPtr(b bool) *bool {
	return &b
}
