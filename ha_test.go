package goha

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danl5/goha/pkg/bus"
	"github.com/danl5/goha/pkg/config"
	"github.com/danl5/goha/pkg/metrics"
	"github.com/danl5/goha/pkg/model"
	"github.com/danl5/goha/pkg/store"
)

type testNet struct {
	store *store.Memory
	hub   *bus.Hub
	ids   []string
}

func newTestNet(ids ...string) *testNet {
	return &testNet{store: store.NewMemory(), hub: bus.NewHub(), ids: ids}
}

// config builds the configuration of id; the first id is configured as primary
func (n *testNet) config(id string, quorum int, intervalMs, timeoutMs int64) *config.Config {
	cfg := &config.Config{
		Cluster: config.ClusterConfig{
			ID:                  "c1",
			QuorumRequired:      quorum,
			HeartbeatIntervalMs: intervalMs,
			FailoverTimeoutMs:   timeoutMs,
		},
		Bus: config.BusConfig{Kind: config.BusMemory},
	}
	for _, nid := range n.ids {
		nc := config.NodeConfig{ID: nid, Address: "127.0.0.1:7000"}
		if nid == n.ids[0] {
			nc.Role = "primary"
		}
		if nid == id {
			cfg.Node = nc
			continue
		}
		cfg.Peers = append(cfg.Peers, nc)
	}
	return cfg
}

func (n *testNet) newHA(t *testing.T, cfg *config.Config, cpu float64, opts ...Option) *HA {
	t.Helper()
	opts = append([]Option{
		WithStore(n.store),
		WithBus(n.hub.Connect(cfg.Node.ID)),
		WithSampler(metrics.FixedSampler{CPU: cpu, Memory: 40}),
	}, opts...)
	h, err := NewHA(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = h.Shutdown(ctx)
	})
	return h
}

// stopHeartbeats silences h without leaving the cluster
func stopHeartbeats(h *HA) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.scheduler != nil {
		h.scheduler.Stop()
		h.scheduler = nil
	}
}

// crash stops h without leaving the cluster, as a killed process would
func crash(h *HA) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.scheduler != nil {
		h.scheduler.Stop()
		h.scheduler = nil
	}
	h.health.Stop()
	h.detector.Stop()
	h.coord.Stop()
	h.stopped = true
	close(h.done)
	h.loops.Wait()
}

func TestNewHA_Invalid(t *testing.T) {
	_, err := NewHA(nil, nil)
	assert.Error(t, err)

	_, err = NewHA(&config.Config{Node: config.NodeConfig{ID: "a"}}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, &config.ValidationError{}))
}

func TestHA_GracefulShutdownHandoff(t *testing.T) {
	ctx := context.Background()
	net := newTestNet("a", "b")

	entered := make(chan model.StateTransition, 4)
	cb := &StateCallBacks{
		EnterActive: func(_ context.Context, st model.StateTransition) error {
			entered <- st
			return nil
		},
	}

	a := net.newHA(t, net.config("a", 1, 100, 500), 10)
	b := net.newHA(t, net.config("b", 1, 100, 500), 20, WithCallBacks(cb))
	require.NoError(t, a.Initialize(ctx))
	require.NoError(t, b.Initialize(ctx))

	require.True(t, a.IsPrimary())
	assert.False(t, b.IsPrimary())
	assert.Equal(t, "a", b.Primary())

	require.NoError(t, a.Shutdown(ctx))

	assert.False(t, a.IsPrimary())
	assert.Equal(t, model.NodeStateMaintenance, a.CurrentState())
	assert.True(t, b.IsPrimary())
	assert.Equal(t, model.RolePrimary, b.Role())
	assert.Equal(t, "b", b.Primary())
	assert.Equal(t, "b", a.Primary())
	assert.Equal(t, model.NodeStateMaintenance, b.Cluster().Node("a").State)

	events, err := b.FailoverHistory(ctx)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].Success)
	assert.Equal(t, "graceful shutdown", events[0].Reason)
	assert.Equal(t, "a", events[0].PreviousPrimary)
	assert.Equal(t, "b", events[0].NewPrimary)
	assert.True(t, events[0].Automatic)

	select {
	case st := <-entered:
		assert.Equal(t, model.NodeStateActive, st.State)
		assert.Equal(t, model.NodeStateStandby, st.SrcState)
		assert.Equal(t, model.RolePrimary, st.Role)
	case <-time.After(time.Second):
		t.Fatal("enter active callback not called")
	}

	// nobody is left to take over from b
	err = b.Shutdown(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrQuorumNotMet))
	assert.False(t, b.IsPrimary())
	assert.NoError(t, b.Shutdown(ctx), "second shutdown is a no-op")
}

func TestHA_FailoverOnSilentPrimary(t *testing.T) {
	if testing.Short() {
		t.Skip("timing test")
	}
	ctx := context.Background()
	net := newTestNet("a", "b", "c")
	load := map[string]float64{"a": 5, "b": 10, "c": 30}

	nodes := map[string]*HA{}
	for _, id := range net.ids {
		nodes[id] = net.newHA(t, net.config(id, 2, 20, 100), load[id])
	}
	for _, id := range net.ids {
		require.NoError(t, nodes[id].Initialize(ctx))
	}
	for _, id := range net.ids {
		require.NoError(t, nodes[id].Run())
	}
	require.True(t, nodes["a"].IsPrimary())

	stopHeartbeats(nodes["a"])
	net.hub.Connect("a").SetConnected(false)

	require.Eventually(t, func() bool {
		return nodes["b"].IsPrimary() && nodes["c"].Primary() == "b"
	}, 2*time.Second, 10*time.Millisecond)

	assert.False(t, nodes["c"].IsPrimary())
	for _, id := range []string{"b", "c"} {
		view := nodes[id].Cluster()
		assert.LessOrEqual(t, len(view.ActivePrimaries()), 1, "view of %s", id)
		assert.Equal(t, model.NodeStateFailed, view.Node("a").State, "view of %s", id)
	}

	events, err := nodes["b"].FailoverHistory(ctx)
	require.NoError(t, err)
	var promoted bool
	for _, ev := range events {
		if ev.Success && ev.NewPrimary == "b" {
			promoted = true
			assert.Equal(t, "heartbeat timeout", ev.Reason)
			assert.Equal(t, "a", ev.PreviousPrimary)
		}
	}
	assert.True(t, promoted)
}

func TestHA_PrimaryRestartWithinTimeout(t *testing.T) {
	if testing.Short() {
		t.Skip("timing test")
	}
	ctx := context.Background()
	net := newTestNet("a", "b", "c")
	load := map[string]float64{"a": 5, "b": 10, "c": 30}

	nodes := map[string]*HA{}
	for _, id := range net.ids {
		nodes[id] = net.newHA(t, net.config(id, 2, 20, 300), load[id])
	}
	for _, id := range net.ids {
		require.NoError(t, nodes[id].Initialize(ctx))
	}
	for _, id := range net.ids {
		require.NoError(t, nodes[id].Run())
	}

	require.NoError(t, nodes["a"].Shutdown(ctx))
	require.True(t, nodes["b"].IsPrimary())

	// b is killed and comes back with the same configuration before anybody notices
	crash(nodes["b"])
	b := net.newHA(t, net.config("b", 2, 20, 300), load["b"])
	require.NoError(t, b.Initialize(ctx))
	require.NoError(t, b.Run())
	assert.True(t, b.IsPrimary(), "restarted node resumes the role the cluster points at")

	require.Eventually(t, func() bool {
		n := nodes["c"].Cluster().Node("b")
		return nodes["c"].Primary() == "b" && n != nil && n.ActivePrimary()
	}, time.Second, 10*time.Millisecond)

	// several failover timeouts later the cluster still has exactly one primary
	time.Sleep(900 * time.Millisecond)
	assert.True(t, b.IsPrimary())
	assert.False(t, nodes["c"].IsPrimary())
	assert.Equal(t, "b", nodes["c"].Primary())
	assert.Len(t, nodes["c"].Cluster().ActivePrimaries(), 1)

	events, err := b.FailoverHistory(ctx)
	require.NoError(t, err)
	require.Len(t, events, 1, "resuming is not a failover")
	assert.Equal(t, "graceful shutdown", events[0].Reason)
}

func TestHA_ManualFailoverAndIntrospection(t *testing.T) {
	ctx := context.Background()
	net := newTestNet("a", "b")

	cfgA := net.config("a", 1, 100, 500)
	cfgA.HealthChecks = []config.HealthCheckConfig{{ID: "disk", Type: "custom", Target: "disk"}}
	a := net.newHA(t, cfgA, 10, WithPredicate("disk", func(context.Context, string) error { return nil }))
	b := net.newHA(t, net.config("b", 1, 100, 500), 20)
	require.NoError(t, a.Initialize(ctx))
	require.NoError(t, b.Initialize(ctx))

	checks := a.HealthChecks()
	require.Len(t, checks, 1)
	assert.Equal(t, "disk", checks[0].ID)
	assert.Equal(t, model.CheckCustom, checks[0].Type)
	assert.Equal(t, model.HealthStatusHealthy, checks[0].Status)
	assert.True(t, a.RemoveHealthCheck("disk"))
	assert.False(t, a.RemoveHealthCheck("disk"))
	assert.Empty(t, a.HealthChecks())

	_, err := a.ManualFailover(ctx, "zz")
	assert.True(t, errors.Is(err, model.ErrUnknownNode))
	_, err = a.ManualFailover(ctx, "a")
	assert.True(t, errors.Is(err, model.ErrAlreadyPrimary))

	ev, err := a.ManualFailover(ctx, "b")
	require.NoError(t, err)
	assert.True(t, ev.Success)
	assert.False(t, ev.Automatic)
	assert.Equal(t, "manual failover", ev.Reason)
	assert.Equal(t, "b", ev.NewPrimary)

	assert.True(t, b.IsPrimary())
	assert.False(t, a.IsPrimary())
	assert.Equal(t, model.NodeStateStandby, a.CurrentState())
	assert.Equal(t, uint64(1), b.Cluster().FailoverCount)

	b.sampleMetrics(ctx)
	assert.Equal(t, 20.0, b.Metrics().CPU)

	rec := httptest.NewRecorder()
	b.MetricsHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `goha_is_primary{cluster="c1",node="b"} 1`)

	assert.Contains(t, a.Visualize(), "digraph")
}

func TestHA_RunBeforeInitialize(t *testing.T) {
	net := newTestNet("a")
	h := net.newHA(t, net.config("a", 1, 100, 500), 0)
	assert.Error(t, h.Run())

	require.NoError(t, h.Shutdown(context.Background()))
	assert.ErrorIs(t, h.Initialize(context.Background()), model.ErrClosed)
}
