// Package kv provides the key-value stores backing the donation ledger.
// Stores offer get/put only: no transactions, last writer wins.
package kv

import (
	"context"
	"errors"
	"sync"
)

// ErrUnavailable marks failures of the backing service itself, as opposed to
// a key that is simply absent.
var ErrUnavailable = errors.New("kv: store unavailable")

type Store interface {
	// Get returns the value for key. ok is false when the key is absent.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Put(ctx context.Context, key, value string) error
}

// Memory is an in-process Store used by tests and the dev harness.
type Memory struct {
	mu   sync.RWMutex
	data map[string]string
}

func NewMemory() *Memory {
	return &Memory{data: make(map[string]string)}
}

func (m *Memory) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *Memory) Put(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.data[key] = value
	m.mu.Unlock()
	return nil
}
