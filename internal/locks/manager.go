// Package locks serialises work per conversation with a bounded, LRU-ordered
// table of mutual-exclusion locks.
package locks

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

const defaultMaxKeys = 10000

type entry struct {
	sem chan struct{}
	// refs counts the holder plus every waiter. Only entries at zero may be evicted.
	refs int
}

// Manager hands out one exclusive lock per conversation id.
//
// When a new id arrives and the table is at capacity, the least recently used
// idle lock is evicted. If every lock is held or awaited the table grows past
// capacity until something goes idle; exclusion is never broken to stay small.
type Manager struct {
	maxKeys int

	mu      sync.Mutex
	entries *simplelru.LRU[string, *entry]
}

// NewManager returns a Manager bounded to maxKeys idle locks (0 means default).
func NewManager(maxKeys int) (*Manager, error) {
	if maxKeys < 0 {
		return nil, errors.New("locks: max keys must not be negative")
	}
	if maxKeys == 0 {
		maxKeys = defaultMaxKeys
	}
	// Eviction is driven manually so that busy entries are never dropped.
	lru, err := simplelru.NewLRU[string, *entry](math.MaxInt, nil)
	if err != nil {
		return nil, fmt.Errorf("locks: create lru: %w", err)
	}
	return &Manager{maxKeys: maxKeys, entries: lru}, nil
}

// Guard is a held conversation lock.
type Guard struct {
	m    *Manager
	id   string
	e    *entry
	once sync.Once
}

// Release unlocks the conversation. Calling it more than once is a no-op.
func (g *Guard) Release() {
	g.once.Do(func() {
		<-g.e.sem
		g.m.unref(g.e)
	})
}

// ID returns the conversation id the guard holds.
func (g *Guard) ID() string { return g.id }

// Acquire blocks until the conversation lock for id is held or ctx is done.
// Waiters are admitted in arrival order.
func (m *Manager) Acquire(ctx context.Context, id string) (*Guard, error) {
	e := m.ref(id)
	select {
	case e.sem <- struct{}{}:
		return &Guard{m: m, id: id, e: e}, nil
	case <-ctx.Done():
		m.unref(e)
		return nil, fmt.Errorf("locks: acquire %s: %w", id, ctx.Err())
	}
}

// Len returns the number of tracked conversation locks.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries.Len()
}

func (m *Manager) ref(id string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries.Get(id)
	if !ok {
		if m.entries.Len() >= m.maxKeys {
			m.evictIdle()
		}
		e = &entry{sem: make(chan struct{}, 1)}
		m.entries.Add(id, e)
	}
	e.refs++
	return e
}

func (m *Manager) unref(e *entry) {
	m.mu.Lock()
	e.refs--
	m.mu.Unlock()
}

// evictIdle removes the least recently used entry nobody holds or awaits.
// Busy entries found at the old end are promoted out of the way, so later
// calls reach idle entries without rescanning them. Caller holds m.mu.
func (m *Manager) evictIdle() {
	for range m.entries.Len() {
		key, e, ok := m.entries.GetOldest()
		if !ok {
			return
		}
		if e.refs == 0 {
			m.entries.RemoveOldest()
			return
		}
		m.entries.Get(key)
	}
}
