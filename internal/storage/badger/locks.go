package badger

import "sync"

// keyedMutex provides per-key mutual exclusion. Badger is an embedded
// store, so an in-process lock table is the advisory-lock equivalent: the
// settle-and-check operations for one (job, stage) are serialized here so
// the "last task settles" transition is observed exactly once.
type keyedMutex struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{entries: make(map[string]*lockEntry)}
}

// Lock acquires the mutex for key and returns its unlock function. Entries
// are reference-counted and removed when the last holder releases, so the
// table does not grow with the number of jobs ever processed.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	entry, ok := k.entries[key]
	if !ok {
		entry = &lockEntry{}
		k.entries[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.entries, key)
		}
		k.mu.Unlock()
	}
}
