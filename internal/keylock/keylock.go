// Package keylock provides a mutex keyed by string, used to serialise
// operations per entity without one lock per entity lingering forever.
package keylock

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Mutex serialises callers holding the same key. Distinct keys do not
// contend. The zero value is ready to use.
type Mutex struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// Lock blocks until the key's lock is held.
func (m *Mutex) Lock(key string) {
	m.mu.Lock()
	if m.entries == nil {
		m.entries = make(map[string]*entry)
	}
	e, ok := m.entries[key]
	if !ok {
		e = &entry{}
		m.entries[key] = e
	}
	e.refs++
	m.mu.Unlock()

	e.mu.Lock()
}

// Unlock releases the key's lock. The entry is dropped once no caller holds
// or waits on it.
func (m *Mutex) Unlock(key string) {
	m.mu.Lock()
	e := m.entries[key]
	e.refs--
	if e.refs == 0 {
		delete(m.entries, key)
	}
	m.mu.Unlock()

	e.mu.Unlock()
}
