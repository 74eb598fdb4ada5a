// Package lock provides per-key mutual exclusion for store records and a
// single-instance file lock for the coordinating process.
package lock

import (
	"context"
	"sync"
)

// MutexMap hands out one mutex per key so that operations on unrelated keys
// (different task ids, different channels) never wait on each other.
// Unused entries are dropped once the last holder or waiter releases them.
type MutexMap struct {
	mu      sync.Mutex
	entries map[string]*keyedMutex
}

type keyedMutex struct {
	ch   chan struct{}
	refs int
}

func NewMutexMap() *MutexMap {
	return &MutexMap{entries: make(map[string]*keyedMutex)}
}

// Lock blocks until key is held by the caller.
func (m *MutexMap) Lock(key string) {
	_ = m.LockContext(context.Background(), key)
}

// LockContext acquires key or gives up when ctx is done. On error the key is
// not held and Unlock must not be called.
func (m *MutexMap) LockContext(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e := m.acquireRef(key)
	select {
	case e.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		m.releaseRef(key, e)
		return ctx.Err()
	}
}

// Unlock releases key. Unlocking a key that is not held panics, like sync.Mutex.
func (m *MutexMap) Unlock(key string) {
	m.mu.Lock()
	e, ok := m.entries[key]
	m.mu.Unlock()
	if !ok {
		panic("lock: unlock of unlocked key " + key)
	}
	select {
	case <-e.ch:
	default:
		panic("lock: unlock of unlocked key " + key)
	}
	m.releaseRef(key, e)
}

// size returns the number of keys currently held or awaited.
func (m *MutexMap) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *MutexMap) acquireRef(key string) *keyedMutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		e = &keyedMutex{ch: make(chan struct{}, 1)}
		m.entries[key] = e
	}
	e.refs++
	return e
}

func (m *MutexMap) releaseRef(key string, e *keyedMutex) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs <= 0 {
		delete(m.entries, key)
	}
}
