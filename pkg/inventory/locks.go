package inventory

import (
	"slices"
	"sync"
)

// keyLocks serializes work per inventory day key within the process.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[string]*refLock)}
}

// lock acquires every key in sorted order and returns the matching unlock.
func (locks *keyLocks) lock(keys ...string) func() {
	sorted := slices.Clone(keys)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	acquired := make([]*refLock, 0, len(sorted))
	for _, key := range sorted {
		locks.mu.Lock()
		entry, ok := locks.locks[key]
		if !ok {
			entry = &refLock{}
			locks.locks[key] = entry
		}
		entry.refs++
		locks.mu.Unlock()
		entry.mu.Lock()
		acquired = append(acquired, entry)
	}

	return func() {
		for index := len(acquired) - 1; index >= 0; index-- {
			entry := acquired[index]
			entry.mu.Unlock()
			locks.mu.Lock()
			entry.refs--
			if entry.refs == 0 {
				delete(locks.locks, sorted[index])
			}
			locks.mu.Unlock()
		}
	}
}
