package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/danl5/goha/pkg/model"
)

// NewHub creates an in-process bus hub.
// Every coordinator of a single-process cluster connects its own endpoint to it.
func NewHub() *Hub {
	return &Hub{
		endpoints: make(map[string]*Memory),
	}
}

// Hub routes messages between memory endpoints.
type Hub struct {
	mu        sync.RWMutex
	endpoints map[string]*Memory
}

// Connect returns the endpoint of nodeID, creating it on first use.
func (h *Hub) Connect(nodeID string) *Memory {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ep, ok := h.endpoints[nodeID]; ok {
		return ep
	}
	ep := &Memory{
		hub:  h,
		node: nodeID,
		subs: make(map[string]map[int]model.MessageHandler),
	}
	h.endpoints[nodeID] = ep
	return ep
}

func (h *Hub) peers() []*Memory {
	h.mu.RLock()
	defer h.mu.RUnlock()
	eps := make([]*Memory, 0, len(h.endpoints))
	for _, ep := range h.endpoints {
		eps = append(eps, ep)
	}
	return eps
}

// Memory is one node's endpoint on a Hub.
// Handlers run synchronously in the publishing goroutine.
type Memory struct {
	hub  *Hub
	node string

	mu           sync.RWMutex
	subs         map[string]map[int]model.MessageHandler
	nextID       int
	disconnected bool
	closed       bool
}

func (m *Memory) Publish(ctx context.Context, topic string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.Ping(ctx); err != nil {
		return err
	}

	for _, ep := range m.hub.peers() {
		for _, handler := range ep.handlers(topic) {
			handler(&model.Message{
				Header:  model.Header{NodeID: m.node},
				Topic:   topic,
				Payload: payload,
			})
		}
	}
	return nil
}

func (m *Memory) Subscribe(topic string, handler model.MessageHandler) (func(), error) {
	if handler == nil {
		return nil, fmt.Errorf("subscribe %s, handler is nil", topic)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, model.ErrClosed
	}
	if m.subs[topic] == nil {
		m.subs[topic] = make(map[int]model.MessageHandler)
	}
	id := m.nextID
	m.nextID++
	m.subs[topic][id] = handler

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs[topic], id)
	}, nil
}

func (m *Memory) Decode(raw any, target any) error {
	return Decode(raw, target)
}

func (m *Memory) Ping(_ context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return model.ErrClosed
	}
	if m.disconnected {
		return fmt.Errorf("bus endpoint %s is disconnected", m.node)
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.subs = map[string]map[int]model.MessageHandler{}
	return nil
}

// SetConnected partitions the endpoint from the hub, or heals it.
// A disconnected endpoint neither sends nor receives.
func (m *Memory) SetConnected(connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnected = !connected
}

func (m *Memory) handlers(topic string) []model.MessageHandler {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed || m.disconnected {
		return nil
	}
	handlers := make([]model.MessageHandler, 0, len(m.subs[topic]))
	for _, h := range m.subs[topic] {
		handlers = append(handlers, h)
	}
	return handlers
}

var _ model.Bus = (*Memory)(nil)
