// Package store persists the chat cache: message history and the pinned
// list. Writes are write-through; reads happen once at startup and fall
// back to a caller-supplied default on any failure.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

var ErrNotFound = errors.New("key not found")

// Store is a durable key/value cache.
type Store interface {
	// Get returns ErrNotFound when key has never been written.
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Close() error
}

// Save serializes v as JSON and writes it under key.
func Save(ctx context.Context, s Store, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.Put(ctx, key, data); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

// Load reads key into a T. Missing or malformed data yields def.
func Load[T any](ctx context.Context, s Store, key string, def T) T {
	if s == nil {
		return def
	}
	data, err := s.Get(ctx, key)
	if err != nil || len(data) == 0 {
		return def
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return def
	}
	return v
}

// Memory keeps values in process memory. Useful as a default and in tests.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *Memory) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *Memory) Close() error { return nil }
