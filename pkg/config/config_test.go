package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danl5/goha/pkg/model"
)

const validYAML = `cluster:
  id: orders
  quorum_required: 2
  failover_timeout_ms: 3000
node:
  id: a
  address: 10.0.0.1:7946
  role: primary
  version: 1.4.2
peers:
  - id: b
    address: 10.0.0.2:7946
  - id: c
    address: 10.0.0.3:7946
    role: arbiter
health_checks:
  - type: network
    target: 127.0.0.1:5432
  - id: disk
    type: script
    target: /usr/local/bin/check-disk
    interval_ms: 10000
sync_replication: true
store:
  kind: etcd
  etcd:
    endpoints: ["http://127.0.0.1:2379"]
entry_point:
  claim_command: ["/usr/local/bin/vip", "up"]
  release_command: ["/usr/local/bin/vip", "down"]
`

func TestDecodeValidConfig(t *testing.T) {
	cfg, err := Decode(strings.NewReader(validYAML))
	require.NoError(t, err)

	assert.Equal(t, "orders", cfg.Cluster.Name)
	assert.Equal(t, int64(defaultHeartbeatIntervalMs), cfg.Cluster.HeartbeatIntervalMs)
	assert.Equal(t, 3*time.Second, cfg.FailoverTimeout())
	assert.True(t, cfg.SplitBrainProtection())
	assert.True(t, cfg.AutoFailoverEnabled())
	assert.False(t, cfg.Preemption)
	assert.Equal(t, model.RolePrimary, cfg.InitialRole())
	assert.Equal(t, BusRPC, cfg.Bus.Kind, "peers imply the rpc bus")
	assert.Equal(t, "10.0.0.1:7946", cfg.Bus.Listen)
	assert.Equal(t, "/goha", cfg.Store.Etcd.Namespace)
	assert.Equal(t, 5*time.Second, cfg.EtcdDialTimeout())
	assert.Equal(t, 10*time.Second, cfg.EntryPointTimeout())
	assert.Equal(t, 2*time.Second, cfg.MaxCandidateLag())
	assert.Equal(t, 3*time.Second, cfg.CallBackTimeout())

	require.Len(t, cfg.HealthChecks, 2)
	assert.Equal(t, "network-0", cfg.HealthChecks[0].ID)
	assert.Equal(t, int64(defaultCheckIntervalMs), cfg.HealthChecks[0].IntervalMs)
	assert.Equal(t, defaultUnhealthyThreshold, cfg.HealthChecks[1].UnhealthyThreshold)
	checks := cfg.Checks()
	assert.Equal(t, model.CheckScript, checks[1].Type)
	assert.NoError(t, checks[1].Validate())

	tpl := cfg.ClusterTemplate()
	require.NoError(t, tpl.Validate())
	require.Len(t, tpl.Nodes, 3)
	assert.Equal(t, 2, tpl.QuorumRequired)
	assert.Equal(t, model.RoleSecondary, tpl.Node("a").Role, "primary role is claimed at bootstrap")
	assert.Equal(t, model.RoleArbiter, tpl.Node("c").Role)
	assert.Equal(t, model.NodeStateStandby, tpl.Node("b").State)
	assert.Equal(t, model.Address{Host: "10.0.0.2", Port: 7946}, tpl.Node("b").Address)
	assert.Empty(t, tpl.PrimaryID)
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	_, err := Decode(strings.NewReader("cluster:\n  id: c1\n  quorum: 2\nnode:\n  id: a\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}

func TestDefaultQuorum(t *testing.T) {
	tests := []struct {
		nodes int
		want  int
	}{
		{nodes: 0, want: 1},
		{nodes: 1, want: 1},
		{nodes: 2, want: 1},
		{nodes: 3, want: 2},
		{nodes: 4, want: 3},
		{nodes: 5, want: 3},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DefaultQuorum(tt.nodes), "nodes %d", tt.nodes)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Cluster: ClusterConfig{ID: "c1"},
			Node:    NodeConfig{ID: "a", Address: "127.0.0.1:7001"},
			Peers:   []NodeConfig{{ID: "b", Address: "127.0.0.1:7002"}},
			Store:   StoreConfig{Kind: StoreEtcd, Etcd: EtcdConfig{Endpoints: []string{"http://127.0.0.1:2379"}}},
		}
	}
	tests := []struct {
		name    string
		mutate  func(c *Config)
		problem string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "missing_cluster_id", mutate: func(c *Config) { c.Cluster.ID = "" }, problem: "cluster.id is required"},
		{name: "quorum_above_node_count", mutate: func(c *Config) { c.Cluster.QuorumRequired = 3 }, problem: "exceeds the 2 configured nodes"},
		{name: "timeout_below_interval", mutate: func(c *Config) {
			c.Cluster.HeartbeatIntervalMs = 1000
			c.Cluster.FailoverTimeoutMs = 500
		}, problem: "failover_timeout_ms must be greater"},
		{name: "duplicate_peer", mutate: func(c *Config) {
			c.Peers = append(c.Peers, NodeConfig{ID: "b", Address: "127.0.0.1:7003"})
		}, problem: "duplicate node id b"},
		{name: "two_primaries", mutate: func(c *Config) {
			c.Node.Role = "primary"
			c.Peers[0].Role = "primary"
		}, problem: "at most one node"},
		{name: "bad_role", mutate: func(c *Config) { c.Peers[0].Role = "leader" }, problem: `peers[0]: role "leader"`},
		{name: "rpc_needs_address", mutate: func(c *Config) { c.Peers[0].Address = "" }, problem: "address is required"},
		{name: "unknown_bus", mutate: func(c *Config) { c.Bus.Kind = "nats" }, problem: `bus.kind "nats"`},
		{name: "unknown_store", mutate: func(c *Config) { c.Store.Kind = "redis" }, problem: `store.kind "redis"`},
		{name: "badger_needs_dir", mutate: func(c *Config) { c.Store.Kind = StoreBadger }, problem: "store.dir is required"},
		{name: "etcd_needs_endpoints", mutate: func(c *Config) { c.Store.Etcd.Endpoints = nil }, problem: "store.etcd.endpoints"},
		{name: "local_store_with_rpc_peers", mutate: func(c *Config) { c.Store = StoreConfig{} }, problem: `store.kind "memory" keeps the state on one host`},
		{name: "local_store_with_memory_bus", mutate: func(c *Config) {
			c.Store = StoreConfig{}
			c.Bus.Kind = BusMemory
		}},
		{name: "relative_entry_point", mutate: func(c *Config) { c.EntryPoint.ClaimCommand = []string{"vip", "up"} }, problem: "must be an absolute path"},
		{name: "incomplete_tls", mutate: func(c *Config) { c.Bus.Transport.ServerKey = "/etc/goha/key.pem" }, problem: "bus.transport: incomplete server certificate"},
		{name: "bad_network_check", mutate: func(c *Config) {
			c.HealthChecks = []HealthCheckConfig{{Type: "network", Target: "localhost"}}
		}, problem: "must be host:port"},
		{name: "unknown_check_type", mutate: func(c *Config) {
			c.HealthChecks = []HealthCheckConfig{{Type: "icmp", Target: "10.0.0.1"}}
		}, problem: "health check type is invalid"},
		{name: "metrics_listen", mutate: func(c *Config) {
			c.Metrics.Enabled = true
			c.Metrics.Listen = " "
		}, problem: "metrics.listen must be set"},
		{name: "log_format", mutate: func(c *Config) { c.Log.Format = "xml" }, problem: `log.format "xml"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			cfg.ApplyDefaults()
			err := cfg.Validate()
			if tt.problem == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Contains(t, err.Error(), tt.problem)
			assert.True(t, errors.Is(err, &ValidationError{}))
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cluster:\n  id: c1\nnode:\n  id: solo\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Cluster.QuorumRequired)
	assert.Equal(t, StoreMemory, cfg.Store.Kind)
	assert.Equal(t, BusMemory, cfg.Bus.Kind)
	assert.Equal(t, model.RoleSecondary, cfg.InitialRole())
	assert.Zero(t, cfg.MaxCandidateLag())

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
