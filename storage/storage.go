// Package storage provides the session-scoped key/value store backing
// the SDK's persisted state: the OIDC user record and the API token set.
//
// The interface mirrors browser sessionStorage: string keys, string
// values, contents gone when the process ends. Backends with different
// lifetimes can be plugged in by implementing Store.
package storage

import "sync"

// Store is the contract for persisted session state.
type Store interface {
	// Get returns the value for key and whether it was present.
	Get(key string) (string, bool)

	// Set stores value under key, replacing any previous value.
	Set(key, value string)

	// Remove deletes key. Removing an absent key is a no-op.
	Remove(key string)
}

// UserKey returns the storage key for the OIDC user record, following
// the "oidc.user:{authority}:{client_id}" convention.
func UserKey(authority, clientID string) string {
	return "oidc.user:" + authority + ":" + clientID
}

// Memory is an in-process Store. Safe for concurrent use.
type Memory struct {
	mu    sync.RWMutex
	items map[string]string
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{items: make(map[string]string)}
}

// Get returns the value for key and whether it was present.
func (m *Memory) Get(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.items[key]
	return v, ok
}

// Set stores value under key.
func (m *Memory) Set(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = value
}

// Remove deletes key.
func (m *Memory) Remove(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
}
