package backup

import "sync"

// keyedMutex serializes operations per backup id. The map only ever holds
// as many locks as there are live entries, so it is not garbage collected;
// exhausted and replayed ids simply stop being locked.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*sync.Mutex)}
}

// lock acquires the mutex for key and returns the matching unlock func.
func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()

	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}

	k.mu.Unlock()

	m.Lock()

	return m.Unlock
}
