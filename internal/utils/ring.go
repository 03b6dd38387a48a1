package utils

import "sync"

// Ring is a fixed-capacity buffer that evicts the oldest item once full.
// Items live in a preallocated slice indexed by a moving head, so pushes
// never allocate after construction.
type Ring[T any] struct {
	items []T
	head  int
	size  int
}

// NewRing creates a ring holding at most capacity items.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring[T]{items: make([]T, capacity)}
}

// Push appends v, returning the evicted item and true when the ring was full.
func (r *Ring[T]) Push(v T) (T, bool) {
	var evicted T
	full := r.size == len(r.items)
	idx := (r.head + r.size) % len(r.items)
	if full {
		evicted = r.items[r.head]
		r.items[r.head] = v
		r.head = (r.head + 1) % len(r.items)
		return evicted, true
	}
	r.items[idx] = v
	r.size++
	return evicted, false
}

// Len returns the number of stored items.
func (r *Ring[T]) Len() int { return r.size }

// Cap returns the ring capacity.
func (r *Ring[T]) Cap() int { return len(r.items) }

// At returns the i-th item, oldest first.
func (r *Ring[T]) At(i int) T {
	return r.items[(r.head+i)%len(r.items)]
}

// Last returns the newest item.
func (r *Ring[T]) Last() (T, bool) {
	var zero T
	if r.size == 0 {
		return zero, false
	}
	return r.At(r.size - 1), true
}

// Slice copies the contents, oldest first.
func (r *Ring[T]) Slice() []T {
	out := make([]T, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.At(i)
	}
	return out
}

// Tail copies the newest n items, oldest first.
func (r *Ring[T]) Tail(n int) []T {
	if n > r.size {
		n = r.size
	}
	if n <= 0 {
		return nil
	}
	out := make([]T, n)
	start := r.size - n
	for i := 0; i < n; i++ {
		out[i] = r.At(start + i)
	}
	return out
}

// Reset drops every item.
func (r *Ring[T]) Reset() {
	var zero T
	for i := range r.items {
		r.items[i] = zero
	}
	r.head, r.size = 0, 0
}

// SyncRing is a Ring guarded by a RWMutex for cross-goroutine readers.
type SyncRing[T any] struct {
	mu   sync.RWMutex
	ring *Ring[T]
}

// NewSyncRing creates a concurrency-safe ring.
func NewSyncRing[T any](capacity int) *SyncRing[T] {
	return &SyncRing[T]{ring: NewRing[T](capacity)}
}

// Push appends v, evicting the oldest item when full.
func (s *SyncRing[T]) Push(v T) (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ring.Push(v)
}

// Len returns the number of stored items.
func (s *SyncRing[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ring.Len()
}

// Slice copies the contents, oldest first.
func (s *SyncRing[T]) Slice() []T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ring.Slice()
}

// Tail copies the newest n items, oldest first.
func (s *SyncRing[T]) Tail(n int) []T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ring.Tail(n)
}

// Last returns the newest item.
func (s *SyncRing[T]) Last() (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ring.Last()
}

// Find returns the newest item matching fn.
func (s *SyncRing[T]) Find(fn func(T) bool) (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := s.ring.Len() - 1; i >= 0; i-- {
		if v := s.ring.At(i); fn(v) {
			return v, true
		}
	}
	var zero T
	return zero, false
}
