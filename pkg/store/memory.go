package store

import (
	"context"
	"sync"

	"github.com/danl5/goha/pkg/model"
)

// NewMemory creates an in-process store, shared by every coordinator holding it.
func NewMemory() *Memory {
	return &Memory{
		docs: make(map[string][]byte),
		logs: make(map[string][][]byte),
	}
}

// Memory is a store kept in process memory.
type Memory struct {
	mu     sync.RWMutex
	docs   map[string][]byte
	logs   map[string][][]byte
	closed bool

	// failWrites makes every write fail, used to simulate an unreachable store
	failWrites error
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, model.ErrClosed
	}
	v, ok := m.docs[key]
	if !ok {
		return nil, model.ErrNotFound
	}
	return copyBytes(v), nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writable(); err != nil {
		return err
	}
	m.docs[key] = copyBytes(value)
	return nil
}

func (m *Memory) Append(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writable(); err != nil {
		return err
	}
	m.logs[key] = append(m.logs[key], copyBytes(value))
	return nil
}

func (m *Memory) Range(_ context.Context, key string) ([][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, model.ErrClosed
	}
	records := make([][]byte, 0, len(m.logs[key]))
	for _, r := range m.logs[key] {
		records = append(records, copyBytes(r))
	}
	return records, nil
}

func (m *Memory) Ping(_ context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return model.ErrClosed
	}
	return m.failWrites
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// FailWrites makes every following write return err; nil restores the store.
func (m *Memory) FailWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWrites = err
}

func (m *Memory) writable() error {
	if m.closed {
		return model.ErrClosed
	}
	return m.failWrites
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}

var _ model.Store = (*Memory)(nil)
