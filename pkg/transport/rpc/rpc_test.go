package rpc

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danl5/goha/pkg/model"
)

type collector struct {
	mu   sync.Mutex
	msgs []*model.Message
}

func (c *collector) handle(msg *model.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func (c *collector) last() *model.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.msgs[len(c.msgs)-1]
}

func startBus(t *testing.T, id string) *RPC {
	t.Helper()
	r, err := NewRPC(id, slog.Default())
	require.NoError(t, err)
	require.NoError(t, r.Start("127.0.0.1:0", &Config{}))
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestNewRPC(t *testing.T) {
	_, err := NewRPC("a", nil)
	assert.Error(t, err)
	_, err = NewRPC("", slog.Default())
	assert.Error(t, err)
}

func TestRPC_PublishToPeer(t *testing.T) {
	ctx := context.Background()
	a := startBus(t, "a")
	b := startBus(t, "b")
	require.NoError(t, a.InitConnections([]Peer{{ID: "b", Address: b.Addr()}}, &Config{ConnectTimeout: 1, CallTimeoutMs: 1000}))

	local, remote := &collector{}, &collector{}
	_, err := a.Subscribe(model.HeartbeatTopic("c1"), local.handle)
	require.NoError(t, err)
	_, err = b.Subscribe(model.HeartbeatTopic("c1"), remote.handle)
	require.NoError(t, err)

	hb := model.Heartbeat{ClusterID: "c1", NodeID: "a", Timestamp: time.Now().UnixMilli(),
		Role: model.RolePrimary, State: model.NodeStateActive, CPU: 33.5}
	require.NoError(t, a.Publish(ctx, model.HeartbeatTopic("c1"), hb))

	// loopback is synchronous, the remote delivery happens before the call returns
	assert.Equal(t, 1, local.len())
	require.Equal(t, 1, remote.len())

	msg := remote.last()
	assert.Equal(t, "a", msg.NodeID)
	decoded := model.Heartbeat{}
	require.NoError(t, b.Decode(msg.Payload, &decoded))
	assert.Equal(t, hb, decoded)

	assert.NoError(t, a.Ping(ctx))
	assert.Eventually(t, func() bool { return b.ActiveConnections() >= 1 }, time.Second, 10*time.Millisecond)
}

func TestRPC_PublishUnreachablePeer(t *testing.T) {
	ctx := context.Background()
	a := startBus(t, "a")
	require.NoError(t, a.InitConnections([]Peer{{ID: "gone", Address: "127.0.0.1:1"}}, &Config{ConnectTimeout: 1, CallTimeoutMs: 200}))

	assert.Error(t, a.Publish(ctx, "t", "x"))
	assert.Error(t, a.Ping(ctx))

	b := startBus(t, "b")
	require.NoError(t, a.InitConnections([]Peer{{ID: "b", Address: b.Addr()}}, &Config{ConnectTimeout: 1, CallTimeoutMs: 200}))
	// one reachable peer is enough for a best effort publish
	assert.NoError(t, a.Publish(ctx, "t", "x"))
}
