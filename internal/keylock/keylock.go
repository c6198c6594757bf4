// Package keylock provides exclusive critical sections keyed by string.
package keylock

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Map hands out one mutex per key. Entries are dropped once no caller holds
// or waits on them, so the map does not grow with the number of keys seen.
// The zero value is ready to use.
type Map struct {
	mu    sync.Mutex
	locks map[string]*entry
}

// Lock blocks until the key is held and returns its unlock func.
func (m *Map) Lock(key string) (unlock func()) {
	m.mu.Lock()
	if m.locks == nil {
		m.locks = make(map[string]*entry)
	}
	e := m.locks[key]
	if e == nil {
		e = &entry{}
		m.locks[key] = e
	}
	e.refs++
	m.mu.Unlock()

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			m.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(m.locks, key)
			}
			m.mu.Unlock()
		})
	}
}

// Do runs fn while holding key.
func (m *Map) Do(key string, fn func() error) error {
	unlock := m.Lock(key)
	defer unlock()
	return fn()
}

// Len returns the number of keys currently held or awaited.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
