// Package lock serializes critical sections that must re-validate shared
// state (slot occupancy, resident quota) before writing.
package lock

import (
	"context"
	"sort"
	"sync"
)

// Locker runs fn while holding exclusive locks on keys. Implementations
// acquire keys in sorted order so overlapping key sets cannot deadlock, and
// must give up when ctx is done.
type Locker interface {
	WithLocks(ctx context.Context, keys []string, fn func(ctx context.Context) error) error
	// TryWithLock runs fn only if key is free right now. The returned bool
	// reports whether fn ran.
	TryWithLock(ctx context.Context, key string, fn func(ctx context.Context) error) (bool, error)
}

// SortedUnique returns keys sorted with duplicates removed.
func SortedUnique(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type entry struct {
	sem  chan struct{}
	refs int
}

// Memory is an in-process Locker backed by one semaphore per key.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[string]*entry)}
}

func (m *Memory) ref(key string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		m.entries[key] = e
	}
	e.refs++
	return e
}

func (m *Memory) unref(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[key]
	e.refs--
	if e.refs == 0 {
		delete(m.entries, key)
	}
}

func (m *Memory) acquire(ctx context.Context, key string) error {
	e := m.ref(key)
	select {
	case e.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		m.unref(key)
		return ctx.Err()
	}
}

func (m *Memory) release(key string) {
	m.mu.Lock()
	e := m.entries[key]
	m.mu.Unlock()
	<-e.sem
	m.unref(key)
}

func (m *Memory) WithLocks(ctx context.Context, keys []string, fn func(ctx context.Context) error) error {
	ordered := SortedUnique(keys)
	held := make([]string, 0, len(ordered))
	defer func() {
		for i := len(held) - 1; i >= 0; i-- {
			m.release(held[i])
		}
	}()
	for _, k := range ordered {
		if err := m.acquire(ctx, k); err != nil {
			return err
		}
		held = append(held, k)
	}
	return fn(ctx)
}

func (m *Memory) TryWithLock(ctx context.Context, key string, fn func(ctx context.Context) error) (bool, error) {
	e := m.ref(key)
	select {
	case e.sem <- struct{}{}:
	default:
		m.unref(key)
		return false, nil
	}
	defer m.release(key)
	return true, fn(ctx)
}
