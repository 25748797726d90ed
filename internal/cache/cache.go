// Package cache implements the content-hash dedup cache from spec §4.B:
// a mapping from a 32-byte SHA-256 hash of normalized input to a cached
// CacheEntry, bounded by entry count and age with LRU eviction.
package cache

import (
	"container/list"
	"context"
	"crypto/sha256"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"
)

// CacheEntry is spec §3's CacheEntry record.
type CacheEntry struct {
	Hash      [32]byte
	Kind      string
	Result    any
	CreatedAt time.Time
}

// Store is the cache contract the pipeline consults before stage 1.
// Get additionally reports a hit/miss so the pipeline can distinguish
// a cache short-circuit from a genuine fresh run, per the supplemented
// cache-hit-vs-miss logging distinction (original_source's
// smart_note_service.py logs these differently).
type Store interface {
	Get(ctx context.Context, hash [32]byte) (CacheEntry, bool)
	Put(ctx context.Context, entry CacheEntry) error
}

// Hash computes the cache key for one (kind, title, body) triple.
// Normalization is UTF-8 NFC, stripped leading/trailing whitespace, and
// a lowercased title — matching spec §3's CacheEntry definition.
func Hash(kind, title, body string) [32]byte {
	normalizedTitle := strings.ToLower(strings.TrimSpace(norm.NFC.String(title)))
	normalizedBody := strings.TrimSpace(norm.NFC.String(body))
	h := sha256.New()
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write([]byte(normalizedTitle))
	h.Write([]byte{0})
	h.Write([]byte(normalizedBody))
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// MemoryStore is an in-process LRU cache bounded by maxEntries and ttl.
// Grounded on the eviction-on-access discipline the teacher pack uses
// for bounded in-memory collections (registry's terminal-age sweep,
// generalized here to per-access recency rather than a periodic sweep)
// combined with the classic container/list + map LRU shape.
type MemoryStore struct {
	mu         sync.Mutex
	maxEntries int
	ttl        time.Duration
	order      *list.List // front = most recently used
	index      map[[32]byte]*list.Element
}

type memoryRecord struct {
	hash  [32]byte
	entry CacheEntry
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore(maxEntries int, ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		maxEntries: maxEntries,
		ttl:        ttl,
		order:      list.New(),
		index:      make(map[[32]byte]*list.Element),
	}
}

func (m *MemoryStore) Get(ctx context.Context, hash [32]byte) (CacheEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.index[hash]
	if !ok {
		return CacheEntry{}, false
	}
	rec := el.Value.(*memoryRecord)
	if m.ttl > 0 && time.Since(rec.entry.CreatedAt) > m.ttl {
		m.order.Remove(el)
		delete(m.index, hash)
		return CacheEntry{}, false
	}
	m.order.MoveToFront(el)
	return rec.entry, true
}

func (m *MemoryStore) Put(ctx context.Context, entry CacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if el, ok := m.index[entry.Hash]; ok {
		el.Value.(*memoryRecord).entry = entry
		m.order.MoveToFront(el)
		return nil
	}

	el := m.order.PushFront(&memoryRecord{hash: entry.Hash, entry: entry})
	m.index[entry.Hash] = el

	for m.maxEntries > 0 && m.order.Len() > m.maxEntries {
		back := m.order.Back()
		if back == nil {
			break
		}
		rec := back.Value.(*memoryRecord)
		m.order.Remove(back)
		delete(m.index, rec.hash)
	}
	return nil
}

// Len reports the current number of cached entries, for tests and
// observability.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}
