// Package mempool implements a size-classed object allocator facade,
// grounded on original_source/include/futoin/ri/mempool.hpp's
// MemPoolManager (a map from allocation size to a dedicated pool) and on
// the teacher corpus's use of sync.Pool for per-size-class reuse
// (eventloop's ingress.go chunkPool, catrate's categoryDataPool).
package mempool

import (
	"sync"
)

// Manager owns one sync.Pool per distinct size class requested through
// Stack, matching MemPoolManager's lazily-created per-size pools.
type Manager struct {
	mu    sync.Mutex
	pools map[uintptr]*sync.Pool
}

// NewManager returns an empty, ready-to-use Manager.
func NewManager() *Manager {
	return &Manager{pools: make(map[uintptr]*sync.Pool)}
}

// Allocator is a typed handle onto one size class of a Manager.
type Allocator struct {
	pool *sync.Pool
}

// Stack returns the Allocator for the given size class, creating its
// backing sync.Pool on first use. alloc constructs a fresh value of that
// size class when the pool is empty; it must always return a value of
// consistent shape for a given size (typically a *[N]byte or a pointer to
// a fixed-layout struct), since Get/Put are otherwise untyped.
func (m *Manager) Stack(size uintptr, alloc func() any) *Allocator {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[size]
	if !ok {
		p = &sync.Pool{New: alloc}
		m.pools[size] = p
	}
	return &Allocator{pool: p}
}

// Get returns a pooled value, allocating a new one if the pool is empty.
func (a *Allocator) Get() any { return a.pool.Get() }

// Put returns v to the pool for reuse. Callers must reset v's contents
// themselves; Put does not zero anything.
func (a *Allocator) Put(v any) { a.pool.Put(v) }

// ReleaseMemory drops every pooled (but not in-use) value across every
// size class, matching MemPoolManager::release_memory(). In-use values
// held by callers are unaffected: sync.Pool.Put is the only way a value
// returns to the pool, so nothing currently checked out is ever touched.
func (m *Manager) ReleaseMemory() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for size := range m.pools {
		m.pools[size] = &sync.Pool{New: m.pools[size].New}
	}
}
