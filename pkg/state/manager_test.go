package state

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danl5/goha/pkg/model"
	"github.com/danl5/goha/pkg/store"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func template(ids ...string) *model.Cluster {
	c := &model.Cluster{
		ID:                   "c1",
		Name:                 "test",
		SplitBrainProtection: true,
		QuorumRequired:       2,
		FailoverTimeoutMs:    300,
		HeartbeatIntervalMs:  100,
	}
	for _, id := range ids {
		c.Nodes = append(c.Nodes, &model.Node{
			ID:            id,
			Role:          model.RoleSecondary,
			State:         model.NodeStateStandby,
			LastHeartbeat: t0,
		})
	}
	return c
}

func newManager(t *testing.T, st model.Store, self string, ids ...string) *Manager {
	t.Helper()
	m, err := NewManager(st, "c1", self, slog.Default(), WithClock(func() time.Time { return t0 }))
	require.NoError(t, err)
	_, err = m.LoadOrCreate(context.Background(), template(ids...))
	require.NoError(t, err)
	return m
}

func TestManager_LoadOrCreate(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	a := newManager(t, st, "a", "a", "b")
	require.NoError(t, a.SetPrimary(ctx, "a"))

	// a second node with a different template joins the stored document
	tpl := template("b", "c")
	tpl.QuorumRequired = 1
	b, err := NewManager(st, "c1", "b", slog.Default())
	require.NoError(t, err)
	got, err := b.LoadOrCreate(ctx, tpl)
	require.NoError(t, err)

	assert.Equal(t, "a", got.PrimaryID)
	assert.Equal(t, uint64(1), got.FailoverCount)
	assert.Equal(t, 1, got.QuorumRequired)
	require.Len(t, got.Nodes, 3)
	assert.Equal(t, []string{"b", "c", "a"}, []string{got.Nodes[0].ID, got.Nodes[1].ID, got.Nodes[2].ID})
	assert.Equal(t, model.RolePrimary, got.Node("a").Role)

	raw, err := st.Get(ctx, "ha/c1/nodes/c")
	require.NoError(t, err)
	n := &model.Node{}
	require.NoError(t, store.Decode(raw, n))
	assert.Equal(t, "c", n.ID)

	wrong := template("b")
	wrong.ID = "other"
	_, err = b.LoadOrCreate(ctx, wrong)
	assert.Error(t, err)
}

func TestManager_SetPrimaryConverges(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	a := newManager(t, st, "a", "a", "b", "c")
	c := newManager(t, st, "c", "a", "b", "c")

	require.NoError(t, a.SetPrimary(ctx, "a"))
	require.NoError(t, c.Refresh(ctx))
	assert.Equal(t, uint64(1), c.Snapshot().FailoverCount)

	// both survivors elect b for the same failure
	require.NoError(t, a.SetPrimary(ctx, "b"))
	require.NoError(t, c.SetPrimary(ctx, "b"))

	for _, m := range []*Manager{a, c} {
		snap := m.Snapshot()
		assert.Equal(t, "b", snap.PrimaryID)
		assert.Equal(t, uint64(2), snap.FailoverCount)
		assert.Equal(t, model.RoleSecondary, snap.Node("a").Role)
		assert.Len(t, snap.ActivePrimaries(), 1)
		require.NotNil(t, snap.LastFailover)
		assert.True(t, snap.LastFailover.Equal(t0))
	}

	assert.True(t, errors.Is(a.SetPrimary(ctx, "zz"), model.ErrUnknownNode))
}

func TestManager_SetPrimaryStoreFailure(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	a := newManager(t, st, "a", "a", "b")

	st.FailWrites(errors.New("store down"))
	assert.Error(t, a.SetPrimary(ctx, "b"))
	snap := a.Snapshot()
	assert.Empty(t, snap.PrimaryID)
	assert.Equal(t, uint64(0), snap.FailoverCount)
	assert.Empty(t, snap.ActivePrimaries())
}

func TestManager_UpsertAndMark(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	a := newManager(t, st, "a", "a", "b")

	self := model.Node{ID: "a", Role: model.RoleSecondary, State: model.NodeStateStandby, LastHeartbeat: t0.Add(time.Second), Version: "2"}
	require.NoError(t, a.UpsertNode(ctx, self))
	assert.Equal(t, "2", a.Snapshot().Node("a").Version)

	// the local view keeps writes the store rejected
	st.FailWrites(errors.New("store down"))
	self.Version = "3"
	assert.Error(t, a.UpsertNode(ctx, self))
	assert.Equal(t, "3", a.Snapshot().Node("a").Version)
	assert.Error(t, a.MarkState(ctx, "b", model.NodeStateFailed))
	assert.Equal(t, model.NodeStateFailed, a.Snapshot().Node("b").State)

	st.FailWrites(nil)
	assert.True(t, errors.Is(a.MarkState(ctx, "zz", model.NodeStateFailed), model.ErrUnknownNode))
	assert.Error(t, a.UpsertNode(ctx, model.Node{ID: "x"}))
}

func TestManager_ObserveHeartbeat(t *testing.T) {
	hb := func(id string, role model.Role, state model.NodeState, at time.Time) model.Heartbeat {
		return model.Heartbeat{
			ClusterID: "c1",
			NodeID:    id,
			Timestamp: at.UnixMilli(),
			Role:      role,
			State:     state,
			Address:   "10.0.0.1:7000",
			CPU:       12,
		}
	}

	t.Run("self_and_foreign_ignored", func(t *testing.T) {
		m := newManager(t, store.NewMemory(), "a", "a", "b")
		assert.False(t, m.ObserveHeartbeat(hb("a", model.RolePrimary, model.NodeStateActive, t0.Add(time.Second))))
		other := hb("b", model.RolePrimary, model.NodeStateActive, t0.Add(time.Second))
		other.ClusterID = "c2"
		m.ObserveHeartbeat(other)
		assert.Empty(t, m.Snapshot().PrimaryID)
	})

	t.Run("unknown_peer_added", func(t *testing.T) {
		m := newManager(t, store.NewMemory(), "a", "a")
		m.ObserveHeartbeat(hb("z", model.RoleSecondary, model.NodeStateStandby, t0.Add(time.Second)))
		n := m.Snapshot().Node("z")
		require.NotNil(t, n)
		assert.Equal(t, model.Address{Host: "10.0.0.1", Port: 7000}, n.Address)
		assert.Equal(t, 12.0, n.Metrics.CPU)
	})

	t.Run("failed_peer_recovers", func(t *testing.T) {
		ctx := context.Background()
		m := newManager(t, store.NewMemory(), "a", "a", "b")
		require.NoError(t, m.MarkState(ctx, "b", model.NodeStateFailed))
		assert.True(t, m.ObserveHeartbeat(hb("b", model.RoleSecondary, model.NodeStateStandby, t0.Add(time.Second))))
		assert.Equal(t, model.NodeStateStandby, m.Snapshot().Node("b").State)
		assert.False(t, m.ObserveHeartbeat(hb("b", model.RoleSecondary, model.NodeStateStandby, t0.Add(2*time.Second))))
	})

	t.Run("stale_heartbeat_ignored", func(t *testing.T) {
		m := newManager(t, store.NewMemory(), "a", "a", "b")
		m.ObserveHeartbeat(hb("b", model.RoleSecondary, model.NodeStateSyncing, t0.Add(2*time.Second)))
		m.ObserveHeartbeat(hb("b", model.RoleSecondary, model.NodeStateStandby, t0.Add(time.Second)))
		assert.Equal(t, model.NodeStateSyncing, m.Snapshot().Node("b").State)
	})

	t.Run("claim_adopted_on_empty_pointer", func(t *testing.T) {
		m := newManager(t, store.NewMemory(), "a", "a", "b", "c")
		m.ObserveHeartbeat(hb("b", model.RolePrimary, model.NodeStateActive, t0.Add(time.Second)))
		snap := m.Snapshot()
		assert.Equal(t, "b", snap.PrimaryID)
		assert.Len(t, snap.ActivePrimaries(), 1)
	})

	t.Run("conflicting_claim_recorded_without_role", func(t *testing.T) {
		m := newManager(t, store.NewMemory(), "a", "a", "b", "c")
		m.ObserveHeartbeat(hb("b", model.RolePrimary, model.NodeStateActive, t0.Add(time.Second)))
		m.ObserveHeartbeat(hb("c", model.RolePrimary, model.NodeStateActive, t0.Add(time.Second)))
		snap := m.Snapshot()
		assert.Equal(t, "b", snap.PrimaryID)
		assert.Equal(t, model.RoleSecondary, snap.Node("c").Role)
		assert.True(t, snap.Node("c").LastHeartbeat.Equal(t0.Add(time.Second)))
		assert.Len(t, snap.ActivePrimaries(), 1)
	})

	t.Run("newer_claim_beats_incumbent", func(t *testing.T) {
		m := newManager(t, store.NewMemory(), "a", "a", "b", "c")
		m.ObserveHeartbeat(hb("b", model.RolePrimary, model.NodeStateActive, t0.Add(time.Second)))

		claim := hb("c", model.RolePrimary, model.NodeStateActive, t0.Add(2*time.Second))
		claim.PrimarySince = t0.Add(500 * time.Millisecond).UnixMilli()
		m.ObserveHeartbeat(claim)
		assert.Equal(t, "b", m.Snapshot().PrimaryID)
		assert.Equal(t, model.RoleSecondary, m.Snapshot().Node("c").Role)

		claim.Timestamp = t0.Add(3 * time.Second).UnixMilli()
		claim.PrimarySince = t0.Add(2 * time.Second).UnixMilli()
		m.ObserveHeartbeat(claim)
		snap := m.Snapshot()
		assert.Equal(t, "c", snap.PrimaryID)
		assert.Equal(t, model.RoleSecondary, snap.Node("b").Role)
		assert.Len(t, snap.ActivePrimaries(), 1)
	})

	t.Run("latest_claim_wins_without_protection", func(t *testing.T) {
		st := store.NewMemory()
		m, err := NewManager(st, "c1", "a", slog.Default())
		require.NoError(t, err)
		tpl := template("a", "b", "c")
		tpl.SplitBrainProtection = false
		_, err = m.LoadOrCreate(context.Background(), tpl)
		require.NoError(t, err)

		m.ObserveHeartbeat(hb("b", model.RolePrimary, model.NodeStateActive, t0.Add(time.Second)))
		m.ObserveHeartbeat(hb("c", model.RolePrimary, model.NodeStateActive, t0.Add(time.Second)))
		snap := m.Snapshot()
		assert.Equal(t, "c", snap.PrimaryID)
		assert.Len(t, snap.ActivePrimaries(), 1)
	})

	t.Run("claim_adopted_over_unhealthy_pointer", func(t *testing.T) {
		ctx := context.Background()
		m := newManager(t, store.NewMemory(), "a", "a", "b", "c")
		require.NoError(t, m.SetPrimary(ctx, "b"))
		require.NoError(t, m.MarkState(ctx, "b", model.NodeStateFailed))
		m.ObserveHeartbeat(hb("c", model.RolePrimary, model.NodeStateActive, t0.Add(time.Second)))
		snap := m.Snapshot()
		assert.Equal(t, "c", snap.PrimaryID)
		assert.Equal(t, model.RoleSecondary, snap.Node("b").Role)
	})
}

func TestManager_ClaimPrimary(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, store.NewMemory(), "a", "a", "b")
	require.NoError(t, m.ClaimPrimary(ctx, "a"))
	snap := m.Snapshot()
	assert.Equal(t, "a", snap.PrimaryID)
	assert.Equal(t, uint64(0), snap.FailoverCount)
	assert.Nil(t, snap.LastFailover)
}

func TestManager_AdoptPrimary(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	m := newManager(t, st, "a", "a", "b", "c")
	require.NoError(t, m.ClaimPrimary(ctx, "a"))

	adopted, err := m.AdoptPrimary(ctx, "b", t0.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, adopted)
	snap := m.Snapshot()
	assert.Equal(t, "b", snap.PrimaryID)
	assert.True(t, snap.Node("b").ActivePrimary())
	assert.Equal(t, model.RoleSecondary, snap.Node("a").Role)
	assert.True(t, snap.PrimaryChangedAt.Equal(t0.Add(time.Second)))

	// later writes keep the adopted pointer and peers load it
	require.NoError(t, m.UpsertNode(ctx, *snap.Node("a")))
	assert.Equal(t, "b", m.Snapshot().PrimaryID)
	assert.Equal(t, "b", newManager(t, st, "c", "a", "b", "c").Snapshot().PrimaryID)

	// an announcement older than the last pointer move is stale
	adopted, err = m.AdoptPrimary(ctx, "c", t0.Add(500*time.Millisecond))
	require.NoError(t, err)
	assert.False(t, adopted)
	assert.Equal(t, "b", m.Snapshot().PrimaryID)

	_, err = m.AdoptPrimary(ctx, "zz", time.Time{})
	assert.True(t, errors.Is(err, model.ErrUnknownNode))
}

func TestManager_AdoptionWithSeparateStores(t *testing.T) {
	ctx := context.Background()
	b := newManager(t, store.NewMemory(), "b", "a", "b", "c")
	c := newManager(t, store.NewMemory(), "c", "a", "b", "c")
	require.NoError(t, b.ClaimPrimary(ctx, "a"))
	require.NoError(t, c.ClaimPrimary(ctx, "a"))

	// b wins the failover, c only hears the announcement
	require.NoError(t, b.SetPrimary(ctx, "b"))
	adopted, err := c.AdoptPrimary(ctx, "b", t0.Add(time.Second))
	require.NoError(t, err)
	require.True(t, adopted)

	require.NoError(t, c.MarkState(ctx, "a", model.NodeStateFailed))
	require.NoError(t, c.UpsertNode(ctx, model.Node{ID: "c", Role: model.RoleSecondary, State: model.NodeStateStandby, LastHeartbeat: t0.Add(2 * time.Second)}))
	require.NoError(t, c.Refresh(ctx))

	for _, m := range []*Manager{b, c} {
		snap := m.Snapshot()
		assert.Equal(t, "b", snap.PrimaryID)
		assert.Len(t, snap.ActivePrimaries(), 1)
	}
}

func TestManager_Events(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	m := newManager(t, st, "a", "a", "b")

	events, err := m.Events(ctx)
	require.NoError(t, err)
	assert.Empty(t, events)

	for _, id := range []string{"e1", "e2", "e3"} {
		require.NoError(t, m.AppendEvent(ctx, model.FailoverEvent{ID: id, ClusterID: "c1", Timestamp: t0, Success: id != "e2"}))
	}
	events, err = m.Events(ctx)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "e1", events[0].ID)
	assert.False(t, events[1].Success)
	assert.Equal(t, "e3", events[2].ID)

	st.FailWrites(errors.New("store down"))
	assert.Error(t, m.AppendEvent(ctx, model.FailoverEvent{ID: "e4"}))
}

func TestMerge(t *testing.T) {
	node := func(id string, state model.NodeState, at time.Time) *model.Node {
		return &model.Node{ID: id, Role: model.RoleSecondary, State: state, LastHeartbeat: at}
	}
	local := template()
	local.Nodes = []*model.Node{
		node("self", model.NodeStateActive, t0),
		node("newer_remote", model.NodeStateStandby, t0),
		node("tie", model.NodeStateStandby, t0),
		node("newer_local", model.NodeStateStandby, t0.Add(time.Second)),
	}
	last := t0.Add(time.Minute)
	remote := &model.Cluster{
		ID:             "c1",
		PrimaryID:      "tie",
		FailoverCount:  7,
		LastFailover:   &last,
		QuorumRequired: 9,
		Nodes: []*model.Node{
			node("self", model.NodeStateFailed, t0.Add(time.Hour)),
			node("newer_remote", model.NodeStateFailed, t0.Add(time.Second)),
			node("tie", model.NodeStateFailed, t0),
			node("newer_local", model.NodeStateFailed, t0),
			node("remote_only", model.NodeStateStandby, t0),
		},
	}

	got := merge(local, remote, "self")
	tests := []struct {
		id   string
		want model.NodeState
	}{
		{id: "self", want: model.NodeStateActive},
		{id: "newer_remote", want: model.NodeStateFailed},
		{id: "tie", want: model.NodeStateStandby},
		{id: "newer_local", want: model.NodeStateStandby},
		{id: "remote_only", want: model.NodeStateStandby},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			n := got.Node(tt.id)
			require.NotNil(t, n)
			assert.Equal(t, tt.want, n.State)
		})
	}
	assert.Equal(t, "tie", got.PrimaryID)
	assert.Equal(t, uint64(7), got.FailoverCount)
	assert.Equal(t, 2, got.QuorumRequired)
	assert.Len(t, merge(local, nil, "self").Nodes, 4)

	// a pointer moved locally after the stored one survives the merge
	local.PrimaryID = "newer_local"
	local.PrimaryChangedAt = t0.Add(time.Hour)
	local.FailoverCount = 9
	remote.Nodes[1].Role = model.RolePrimary
	got = merge(local, remote, "self")
	assert.Equal(t, "newer_local", got.PrimaryID)
	assert.Equal(t, uint64(9), got.FailoverCount)
	assert.Nil(t, got.LastFailover)
	assert.Equal(t, model.RoleSecondary, got.Node("newer_remote").Role)
}
