// Package cache provides the multi-tier layout cache for mindgraph.
//
// Computed layouts are keyed by the data fingerprint they were computed for
// and stored in two tiers:
//   - memory: a bounded LRU map, the non-durable accelerator
//   - persistent: a durable key-value store with a 24h freshness TTL,
//     the source of record for the cache (but never for the data)
//
// Lookups check memory first and promote persistent hits. Saves write memory
// synchronously and schedule the persistent write asynchronously; a crash
// between the two leaves memory ahead of persistent, which is acceptable
// because layouts are fully regenerable.
//
// Features:
// - LRU eviction for bounded memory, plus an approximate byte budget
// - TTL expiration for stale persisted layouts, purged lazily on lookup
// - Selective region invalidation via a node membership index
// - Thread-safe operations
// - Cache hit/miss statistics
//
// Usage:
//
//	c := cache.NewLayoutCache(store, cache.DefaultLayoutCacheConfig())
//	defer c.Flush()
//
//	if l, ok := c.Get(fp); ok {
//		return l // Cache hit
//	}
//
//	l := computeLayout()
//	c.Save(l, fp)
package cache

import (
	"container/list"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/orneryd/mindgraph/pkg/layout"
	"github.com/orneryd/mindgraph/pkg/storage"
)

// DefaultTTL is how long a persisted layout stays fresh.
const DefaultTTL = 24 * time.Hour

// LayoutCacheConfig configures the cache tiers.
type LayoutCacheConfig struct {
	// MaxEntries bounds the memory tier entry count (default: 50).
	MaxEntries int

	// MaxBytes is the approximate memory budget. When exceeded after
	// entry-count eviction, half the memory tier is dropped
	// (default: 8 MiB).
	MaxBytes int

	// TTL is the persistent tier freshness window (default: 24h).
	// Expired entries are purged lazily on lookup.
	TTL time.Duration
}

// DefaultLayoutCacheConfig returns balanced defaults.
func DefaultLayoutCacheConfig() LayoutCacheConfig {
	return LayoutCacheConfig{
		MaxEntries: 50,
		MaxBytes:   8 << 20,
		TTL:        DefaultTTL,
	}
}

// LayoutCache is the two-tier layout cache.
//
// Thread Safety:
//
//	Safe for concurrent use from multiple goroutines.
type LayoutCache struct {
	store  storage.LayoutStore
	config LayoutCacheConfig

	mu sync.Mutex

	// Memory tier: LRU list of *cacheEntry plus lookup map.
	lru   *list.List
	items map[string]*list.Element
	bytes int

	// Membership index for selective region invalidation:
	// record -> fingerprints of layouts containing it, and the reverse.
	byRecord map[storage.RecordID]map[string]struct{}
	fpNodes  map[string][]storage.RecordID

	// Statistics
	hits          uint64
	misses        uint64
	persistErrors uint64
	degraded      bool
	lastRestoreMs float64

	// Outstanding async persistent writes.
	wg sync.WaitGroup
}

// cacheEntry is one memory-tier entry.
type cacheEntry struct {
	fingerprint string
	layout      *layout.CachedLayout
	size        int
}

// NewLayoutCache creates a layout cache over the given persistent store.
func NewLayoutCache(store storage.LayoutStore, config LayoutCacheConfig) *LayoutCache {
	if config.MaxEntries <= 0 {
		config.MaxEntries = 50
	}
	if config.MaxBytes <= 0 {
		config.MaxBytes = 8 << 20
	}
	if config.TTL <= 0 {
		config.TTL = DefaultTTL
	}
	return &LayoutCache{
		store:    store,
		config:   config,
		lru:      list.New(),
		items:    make(map[string]*list.Element),
		byRecord: make(map[storage.RecordID]map[string]struct{}),
		fpNodes:  make(map[string][]storage.RecordID),
	}
}

// Get retrieves the cached layout for a fingerprint.
//
// Memory hits return immediately; persistent hits are promoted into memory
// before returning. Expired or undecodable persistent entries are dropped
// and reported as a miss — layouts regenerate from source data, so a
// decode-miss is always safe.
func (c *LayoutCache) Get(fingerprint string) (*layout.CachedLayout, bool) {
	c.mu.Lock()
	if elem, ok := c.items[fingerprint]; ok {
		c.lru.MoveToFront(elem)
		l := elem.Value.(*cacheEntry).layout.Clone()
		c.hits++
		c.mu.Unlock()
		return l, true
	}
	c.mu.Unlock()

	// Persistent tier, off the lock: store access can be slow.
	start := time.Now()
	data, storedAt, err := c.store.GetLayout(fingerprint)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			c.notePersistError("lookup", err)
		}
		c.miss()
		return nil, false
	}

	if time.Since(storedAt) > c.config.TTL {
		// Lazy purge: expired entries die on first touch.
		if err := c.store.DeleteLayout(fingerprint); err != nil {
			c.notePersistError("expiry purge", err)
		}
		c.miss()
		return nil, false
	}

	l, err := layout.Decode(data)
	if err != nil {
		// Decode-miss: drop the entry, the layout regenerates on next use.
		log.Printf("cache: dropping undecodable layout %.12s: %v", fingerprint, err)
		if err := c.store.DeleteLayout(fingerprint); err != nil {
			c.notePersistError("decode purge", err)
		}
		c.miss()
		return nil, false
	}

	c.mu.Lock()
	c.insertLocked(fingerprint, l)
	c.hits++
	c.lastRestoreMs = float64(time.Since(start).Microseconds()) / 1000
	c.mu.Unlock()

	return l.Clone(), true
}

// Save stores a layout under a fingerprint.
//
// The memory tier is written synchronously; the persistent write is
// scheduled fire-and-forget. Use Flush to wait for outstanding writes
// (shutdown, tests).
func (c *LayoutCache) Save(l *layout.CachedLayout, fingerprint string) error {
	if l == nil || fingerprint == "" {
		return storage.ErrInvalidData
	}

	cp := l.Clone()

	c.mu.Lock()
	c.insertLocked(fingerprint, cp)
	c.mu.Unlock()

	data, err := layout.Encode(cp)
	if err != nil {
		return err
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.store.PutLayout(fingerprint, data); err != nil {
			c.notePersistError("save", err)
		}
	}()
	return nil
}

// Flush blocks until all scheduled persistent writes have completed.
func (c *LayoutCache) Flush() {
	c.wg.Wait()
}

// InvalidateRegion drops every cached layout containing any of the given
// records.
//
// Layouts saved in this process are tracked in the membership index and
// dropped selectively. Persistent entries from earlier runs have unknown
// membership, so they are dropped too — conservative over-invalidation is
// wasted work, under-invalidation would be a correctness bug.
func (c *LayoutCache) InvalidateRegion(recordIDs []storage.RecordID) error {
	c.mu.Lock()
	doomed := make(map[string]struct{})
	for _, id := range recordIDs {
		for fp := range c.byRecord[id] {
			doomed[fp] = struct{}{}
		}
	}
	known := make(map[string]struct{}, len(c.fpNodes))
	for fp := range c.fpNodes {
		known[fp] = struct{}{}
	}
	for fp := range doomed {
		c.dropLocked(fp)
	}
	c.mu.Unlock()

	// Sweep the persistent tier: doomed entries plus anything whose
	// membership we never saw.
	var unknown []string
	err := c.store.EachLayout(func(fp string, storedAt time.Time) error {
		if _, isDoomed := doomed[fp]; isDoomed {
			unknown = append(unknown, fp)
			return nil
		}
		if _, isKnown := known[fp]; !isKnown {
			unknown = append(unknown, fp)
		}
		return nil
	})
	if err != nil {
		// Cannot enumerate: fall back to a full clear, the only safe option.
		log.Printf("cache: region invalidation sweep failed, clearing all: %v", err)
		return c.InvalidateAll()
	}
	for _, fp := range unknown {
		if err := c.store.DeleteLayout(fp); err != nil {
			c.notePersistError("region invalidation", err)
		}
	}
	return nil
}

// InvalidateAll clears both tiers unconditionally.
func (c *LayoutCache) InvalidateAll() error {
	c.mu.Lock()
	c.lru.Init()
	c.items = make(map[string]*list.Element)
	c.bytes = 0
	c.byRecord = make(map[storage.RecordID]map[string]struct{})
	c.fpNodes = make(map[string][]storage.RecordID)
	c.mu.Unlock()

	if err := c.store.ClearLayouts(); err != nil {
		c.notePersistError("clear", err)
		return err
	}
	return nil
}

// Len returns the number of memory-tier entries.
func (c *LayoutCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Stats returns cache statistics.
func (c *LayoutCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.hits + c.misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(c.hits) / float64(total)
	}
	return Stats{
		Entries:           c.lru.Len(),
		MemoryBytes:       c.bytes,
		Hits:              c.hits,
		Misses:            c.misses,
		HitRate:           hitRate,
		LastRestorationMs: c.lastRestoreMs,
		PersistErrors:     c.persistErrors,
		Degraded:          c.degraded,
	}
}

// Stats holds cache performance statistics.
type Stats struct {
	Entries           int     // Memory-tier entry count
	MemoryBytes       int     // Approximate memory usage
	Hits              uint64  // Lookup hits across both tiers
	Misses            uint64  // Lookup misses
	HitRate           float64 // hits / (hits + misses), 0 when no lookups yet
	LastRestorationMs float64 // Latency of the last persistent-tier restore
	PersistErrors     uint64  // Persistent-tier failures observed
	Degraded          bool    // True once any persistent-tier failure occurred
}

// =============================================================================
// Internal (caller holds the lock unless noted)
// =============================================================================

// insertLocked adds or replaces a memory-tier entry, updates membership and
// evicts until the tier is back within budget.
func (c *LayoutCache) insertLocked(fingerprint string, l *layout.CachedLayout) {
	size := l.SizeEstimate()

	if elem, ok := c.items[fingerprint]; ok {
		entry := elem.Value.(*cacheEntry)
		c.bytes += size - entry.size
		entry.layout = l
		entry.size = size
		c.lru.MoveToFront(elem)
		c.indexMembershipLocked(fingerprint, l)
		return
	}

	elem := c.lru.PushFront(&cacheEntry{
		fingerprint: fingerprint,
		layout:      l,
		size:        size,
	})
	c.items[fingerprint] = elem
	c.bytes += size
	c.indexMembershipLocked(fingerprint, l)

	for c.lru.Len() > c.config.MaxEntries {
		c.evictOldestLocked()
	}
	if c.bytes > c.config.MaxBytes {
		// Still over the byte ceiling: drop the older half outright.
		for i := c.lru.Len() / 2; i > 0; i-- {
			c.evictOldestLocked()
		}
	}
}

// evictOldestLocked removes the least recently used memory entry.
// Membership survives eviction: the persistent copy still exists.
func (c *LayoutCache) evictOldestLocked() {
	elem := c.lru.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*cacheEntry)
	c.lru.Remove(elem)
	delete(c.items, entry.fingerprint)
	c.bytes -= entry.size
}

// dropLocked removes a fingerprint from the memory tier and the membership
// index. The persistent copy is the caller's responsibility.
func (c *LayoutCache) dropLocked(fingerprint string) {
	if elem, ok := c.items[fingerprint]; ok {
		entry := elem.Value.(*cacheEntry)
		c.lru.Remove(elem)
		delete(c.items, fingerprint)
		c.bytes -= entry.size
	}
	for _, id := range c.fpNodes[fingerprint] {
		if set := c.byRecord[id]; set != nil {
			delete(set, fingerprint)
			if len(set) == 0 {
				delete(c.byRecord, id)
			}
		}
	}
	delete(c.fpNodes, fingerprint)
}

// indexMembershipLocked records which records a layout contains.
func (c *LayoutCache) indexMembershipLocked(fingerprint string, l *layout.CachedLayout) {
	// Replace any previous membership for this fingerprint.
	for _, id := range c.fpNodes[fingerprint] {
		if set := c.byRecord[id]; set != nil {
			delete(set, fingerprint)
			if len(set) == 0 {
				delete(c.byRecord, id)
			}
		}
	}

	ids := make([]storage.RecordID, 0, len(l.Nodes))
	for i := range l.Nodes {
		id := l.Nodes[i].RecordID
		ids = append(ids, id)
		if c.byRecord[id] == nil {
			c.byRecord[id] = make(map[string]struct{})
		}
		c.byRecord[id][fingerprint] = struct{}{}
	}
	c.fpNodes[fingerprint] = ids
}

func (c *LayoutCache) miss() {
	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
}

func (c *LayoutCache) notePersistError(op string, err error) {
	log.Printf("cache: persistent tier %s failed: %v", op, err)
	c.mu.Lock()
	c.persistErrors++
	c.degraded = true
	c.mu.Unlock()
}
