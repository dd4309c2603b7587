package derivation

import "sync"

// keyLock serializes work on a given (imageId, kind) pair within one process, the only cross-worker in-process
// coordination the pipeline needs: two deliveries of the same derivation message
// (e.g. one original, one reclaimed after a crash) must never write the same artifact path concurrently.
type keyLock struct {
	mu    sync.Mutex
	inUse map[string]*sync.Mutex
}

func newKeyLock() *keyLock {
	return &keyLock{inUse: make(map[string]*sync.Mutex)}
}

// lock acquires the named key's lock, creating it on first use, and returns an unlock function.
func (k *keyLock) lock(key string) func() {
	k.mu.Lock()
	m, ok := k.inUse[key]
	if !ok {
		m = &sync.Mutex{}
		k.inUse[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
