package saga

import (
	"context"
	"fmt"
	"sync"

	"github.com/snowtrack/progress-engine/internal/domain/shared"
)

// Locker serializes evaluation work per student.
// Lock blocks until the key is free or ctx is done; the returned release
// function must be called exactly once.
type Locker interface {
	Lock(ctx context.Context, key string) (release func(), err error)
}

// ══════════════════════════════════════════════════════════════════════════════
// IN-PROCESS KEYED MUTEX
// ══════════════════════════════════════════════════════════════════════════════

// KeyedMutex is a per-key mutual exclusion lock for one process.
// Entries are reference counted and dropped once no goroutine holds or
// waits for the key, so memory stays bounded by the number of students
// being evaluated concurrently.
type KeyedMutex struct {
	mu      sync.Mutex
	entries map[string]*keyedEntry
}

type keyedEntry struct {
	slot chan struct{}
	refs int
}

// NewKeyedMutex creates an empty keyed mutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{entries: make(map[string]*keyedEntry)}
}

// Lock implements Locker.
func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	entry, ok := m.entries[key]
	if !ok {
		entry = &keyedEntry{slot: make(chan struct{}, 1)}
		m.entries[key] = entry
	}
	entry.refs++
	m.mu.Unlock()

	select {
	case entry.slot <- struct{}{}:
	case <-ctx.Done():
		m.unref(key, entry)
		return nil, shared.WrapError("evaluation", "Lock", shared.ErrLockNotAcquired,
			fmt.Sprintf("student %s is busy", key), ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-entry.slot
			m.unref(key, entry)
		})
	}, nil
}

func (m *KeyedMutex) unref(key string, entry *keyedEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(m.entries, key)
	}
}

// Len returns the number of keys currently held or awaited.
func (m *KeyedMutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// ══════════════════════════════════════════════════════════════════════════════
// CHAINED LOCKS
// ══════════════════════════════════════════════════════════════════════════════

// ChainLocker acquires several lockers in order (for example the in-process
// mutex first, then the distributed lock) and releases them in reverse.
type ChainLocker []Locker

// Lock implements Locker.
func (c ChainLocker) Lock(ctx context.Context, key string) (func(), error) {
	releases := make([]func(), 0, len(c))
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}

	for _, l := range c {
		if l == nil {
			continue
		}
		release, err := l.Lock(ctx, key)
		if err != nil {
			releaseAll()
			return nil, err
		}
		releases = append(releases, release)
	}
	return releaseAll, nil
}
