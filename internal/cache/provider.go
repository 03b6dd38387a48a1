package cache

import (
	"errors"
	"sync"

	"github.com/miradorstack/mirador-watchdog/internal/models"
	"github.com/miradorstack/mirador-watchdog/internal/utils"
)

// Provider defines the read-cache operations the ledger needs.
type Provider interface {
	Put(entry models.LedgerEntry)
	Get(sequence int64) (models.LedgerEntry, error)
	Head() (models.LedgerEntry, error)
	Reset()
}

// ErrCacheMiss signals that an entry is not cached.
var ErrCacheMiss = errors.New("cache miss")

// NoopProvider implements Provider but never stores data.
type NoopProvider struct{}

// Put discards the entry.
func (NoopProvider) Put(models.LedgerEntry) {}

// Get always returns ErrCacheMiss.
func (NoopProvider) Get(int64) (models.LedgerEntry, error) {
	return models.LedgerEntry{}, ErrCacheMiss
}

// Head always returns ErrCacheMiss.
func (NoopProvider) Head() (models.LedgerEntry, error) {
	return models.LedgerEntry{}, ErrCacheMiss
}

// Reset is a no-op.
func (NoopProvider) Reset() {}

// Ring caches the most recently appended ledger entries. Entries older than
// the capacity are evicted in append order.
type Ring struct {
	mu      sync.RWMutex
	order   *utils.Ring[int64]
	entries map[int64]models.LedgerEntry
	head    int64
}

// NewRing creates a cache holding at most capacity entries.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Ring{
		order:   utils.NewRing[int64](capacity),
		entries: make(map[int64]models.LedgerEntry, capacity),
	}
}

// Put caches entry. Re-putting a cached sequence replaces it in place.
func (r *Ring) Put(entry models.LedgerEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[entry.Sequence]; !ok {
		if evicted, full := r.order.Push(entry.Sequence); full {
			delete(r.entries, evicted)
		}
	}
	r.entries[entry.Sequence] = entry
	if entry.Sequence > r.head {
		r.head = entry.Sequence
	}
}

// Get returns the cached entry for sequence.
func (r *Ring) Get(sequence int64) (models.LedgerEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[sequence]
	if !ok {
		return models.LedgerEntry{}, ErrCacheMiss
	}
	return entry, nil
}

// Head returns the highest cached sequence.
func (r *Ring) Head() (models.LedgerEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[r.head]
	if !ok {
		return models.LedgerEntry{}, ErrCacheMiss
	}
	return entry, nil
}

// Len returns the number of cached entries.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Reset drops every cached entry.
func (r *Ring) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order.Reset()
	r.entries = make(map[int64]models.LedgerEntry, r.order.Cap())
	r.head = 0
}
