// Package store provides the key-value persistence used for health records.
//
// Each collection (logs, reminders) is stored as one opaque JSON document
// under its name. Two backends exist: [Memory] for tests and single-process
// development, and [Postgres], which keeps one JSONB row per collection.
package store

import (
	"context"
	"sync"
)

// KV stores whole collections as JSON documents.
// Implementations must be safe for concurrent use.
type KV interface {
	// Get returns the document stored under collection. It returns (nil, nil)
	// if the collection has never been written.
	Get(ctx context.Context, collection string) ([]byte, error)

	// Set replaces the document stored under collection.
	Set(ctx context.Context, collection string, data []byte) error

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
}

// Memory is an in-process [KV].
type Memory struct {
	mu   sync.RWMutex
	docs map[string][]byte
}

// Compile-time interface check.
var _ KV = (*Memory)(nil)

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{docs: make(map[string][]byte)}
}

// Get implements [KV].
func (m *Memory) Get(_ context.Context, collection string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[collection]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), doc...), nil
}

// Set implements [KV].
func (m *Memory) Set(_ context.Context, collection string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[collection] = append([]byte(nil), data...)
	return nil
}

// Ping implements [KV]. It always succeeds.
func (m *Memory) Ping(context.Context) error { return nil }
