// Package cache provides an in-process LRU for parsed transaction details,
// keyed by signature. It sits in front of the durable raw-transaction cache
// so hot signatures skip the database entirely.
package cache

import (
	"sync"
	"sync/atomic"

	"github.com/walletscope/walletscope/internal/domain"
)

// DefaultDetailCacheSize is the default entry capacity. Parsed details are
// small uniform structs, so the cache is bounded by count rather than bytes.
const DefaultDetailCacheSize = 10_000

// DetailLRU is a thread-safe LRU of parsed transactions keyed by signature.
type DetailLRU struct {
	mu      sync.Mutex
	entries map[string]*lruEntry
	head    *lruEntry // Most recently used.
	tail    *lruEntry // Least recently used.
	maxSize int

	// Metrics (atomic for lock-free reads).
	hits   atomic.Int64
	misses atomic.Int64
}

// lruEntry is a doubly-linked list node for LRU tracking.
type lruEntry struct {
	signature string
	tx        domain.ParsedTransaction
	prev      *lruEntry
	next      *lruEntry
}

// NewDetailLRU creates a cache holding at most maxSize entries.
func NewDetailLRU(maxSize int) *DetailLRU {
	if maxSize <= 0 {
		maxSize = DefaultDetailCacheSize
	}

	return &DetailLRU{
		entries: make(map[string]*lruEntry),
		maxSize: maxSize,
	}
}

// Get retrieves a parsed transaction. The second return is false on a miss.
func (c *DetailLRU) Get(signature string) (domain.ParsedTransaction, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[signature]
	if !ok {
		c.misses.Add(1)

		return domain.ParsedTransaction{}, false
	}

	c.hits.Add(1)
	c.moveToFront(entry)

	return entry.tx, true
}

// GetMulti partitions signatures into cached transactions and misses.
func (c *DetailLRU) GetMulti(signatures []string) (found map[string]domain.ParsedTransaction, missing []string) {
	found = make(map[string]domain.ParsedTransaction)
	missing = make([]string, 0)

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, sig := range signatures {
		entry, ok := c.entries[sig]
		if !ok {
			c.misses.Add(1)

			missing = append(missing, sig)

			continue
		}

		c.hits.Add(1)
		c.moveToFront(entry)
		found[sig] = entry.tx
	}

	return found, missing
}

// Put stores a parsed transaction, evicting the least recently used entry
// when the cache is full. Re-putting an existing signature refreshes it.
func (c *DetailLRU) Put(tx domain.ParsedTransaction) {
	if tx.Signature == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.put(tx)
}

// PutMulti stores a batch of parsed transactions.
func (c *DetailLRU) PutMulti(txs []domain.ParsedTransaction) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, tx := range txs {
		if tx.Signature == "" {
			continue
		}

		c.put(tx)
	}
}

func (c *DetailLRU) put(tx domain.ParsedTransaction) {
	if entry, ok := c.entries[tx.Signature]; ok {
		entry.tx = tx
		c.moveToFront(entry)

		return
	}

	for len(c.entries) >= c.maxSize && c.tail != nil {
		c.evictTail()
	}

	entry := &lruEntry{signature: tx.Signature, tx: tx}
	c.entries[tx.Signature] = entry
	c.addToFront(entry)
}

// Stats returns cache performance counters.
func (c *DetailLRU) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Entries: len(c.entries),
		MaxSize: c.maxSize,
	}
}

// Stats holds cache performance counters.
type Stats struct {
	Hits    int64
	Misses  int64
	Entries int
	MaxSize int
}

// HitRate returns the cache hit rate (0.0 to 1.0).
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0.0
	}

	return float64(s.Hits) / float64(total)
}

// Clear removes all entries.
func (c *DetailLRU) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*lruEntry)
	c.head = nil
	c.tail = nil
}

func (c *DetailLRU) moveToFront(entry *lruEntry) {
	if entry == c.head {
		return
	}

	c.removeFromList(entry)
	c.addToFront(entry)
}

func (c *DetailLRU) addToFront(entry *lruEntry) {
	entry.prev = nil
	entry.next = c.head

	if c.head != nil {
		c.head.prev = entry
	}

	c.head = entry

	if c.tail == nil {
		c.tail = entry
	}
}

func (c *DetailLRU) removeFromList(entry *lruEntry) {
	if entry.prev != nil {
		entry.prev.next = entry.next
	} else {
		c.head = entry.next
	}

	if entry.next != nil {
		entry.next.prev = entry.prev
	} else {
		c.tail = entry.prev
	}
}

func (c *DetailLRU) evictTail() {
	victim := c.tail
	if victim == nil {
		return
	}

	c.removeFromList(victim)
	delete(c.entries, victim.signature)
}
