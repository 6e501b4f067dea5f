package sandbox

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tetratelabs/wazero"
)

// cacheEntry holds one compiled module. lastUsed and hits are atomics so
// the read path never needs the write lock.
type cacheEntry struct {
	compiled wazero.CompiledModule
	lastUsed atomic.Int64 // unix nanos
	hits     atomic.Uint64
}

// moduleCache maps content checksums to module binaries and their compiled
// forms. Binaries survive compiled-entry eviction: capacity and idle sweeps
// only drop the compiled artifact, which is rebuilt on demand, while
// Remove drops both. Read-mostly; writes happen on prepare and eviction.
type moduleCache struct {
	mu       sync.RWMutex
	code     map[Checksum][]byte
	entries  map[Checksum]*cacheEntry
	capacity int
	now      func() time.Time
}

func newModuleCache(capacity int) *moduleCache {
	if capacity <= 0 {
		capacity = 64
	}
	return &moduleCache{
		code:     make(map[Checksum][]byte),
		entries:  make(map[Checksum]*cacheEntry),
		capacity: capacity,
		now:      time.Now,
	}
}

// get returns the compiled module for a checksum, bumping its recency.
func (c *moduleCache) get(sum Checksum) (wazero.CompiledModule, bool) {
	c.mu.RLock()
	entry, ok := c.entries[sum]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	entry.lastUsed.Store(c.now().UnixNano())
	entry.hits.Add(1)
	return entry.compiled, true
}

// codeFor returns the stored binary for a checksum.
func (c *moduleCache) codeFor(sum Checksum) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	code, ok := c.code[sum]
	return code, ok
}

// put stores the binary and its compiled form, evicting the least
// recently used compiled entry when over capacity, and returns the
// canonical compiled entry. When two callers race on the same checksum
// the first one wins and the loser's compiled module is closed; an entry
// already handed out is never closed under a caller.
func (c *moduleCache) put(sum Checksum, wasm []byte, compiled wazero.CompiledModule) wazero.CompiledModule {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.entries[sum]; ok {
		_ = compiled.Close(context.Background())
		prev.lastUsed.Store(c.now().UnixNano())
		return prev.compiled
	}
	c.code[sum] = wasm
	entry := &cacheEntry{compiled: compiled}
	entry.lastUsed.Store(c.now().UnixNano())
	c.entries[sum] = entry

	for len(c.entries) > c.capacity {
		c.evictOldestLocked()
	}
	return compiled
}

// evictOldestLocked closes and drops the least recently used compiled
// entry. Caller holds the write lock.
func (c *moduleCache) evictOldestLocked() {
	var (
		oldest   Checksum
		oldestAt int64
		found    bool
	)
	for sum, entry := range c.entries {
		at := entry.lastUsed.Load()
		if !found || at < oldestAt {
			oldest, oldestAt, found = sum, at, true
		}
	}
	if !found {
		return
	}
	_ = c.entries[oldest].compiled.Close(context.Background())
	delete(c.entries, oldest)
}

// remove drops both the binary and the compiled form for a checksum.
func (c *moduleCache) remove(sum Checksum) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, had := c.code[sum]
	delete(c.code, sum)
	if entry, ok := c.entries[sum]; ok {
		_ = entry.compiled.Close(context.Background())
		delete(c.entries, sum)
		had = true
	}
	return had
}

// evictIdle closes compiled entries unused for longer than maxAge and
// returns how many were dropped. Binaries are kept; an evicted module
// recompiles on its next call.
func (c *moduleCache) evictIdle(maxAge time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.now().Add(-maxAge).UnixNano()
	evicted := 0
	for sum, entry := range c.entries {
		if entry.lastUsed.Load() < cutoff {
			_ = entry.compiled.Close(context.Background())
			delete(c.entries, sum)
			evicted++
		}
	}
	return evicted
}

// size returns the number of compiled entries.
func (c *moduleCache) size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// closeAll drops everything. Called on engine shutdown; the wazero runtime
// close would reclaim compiled modules anyway, this just makes it explicit.
func (c *moduleCache) closeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for sum, entry := range c.entries {
		_ = entry.compiled.Close(context.Background())
		delete(c.entries, sum)
	}
	for sum := range c.code {
		delete(c.code, sum)
	}
}
