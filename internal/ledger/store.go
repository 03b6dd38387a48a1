package ledger

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/miradorstack/mirador-watchdog/internal/models"
)

// ErrConflict reports that an insert lost the race for its sequence, or that
// the store was momentarily locked. Appends retry on it.
var ErrConflict = errors.New("ledger: sequence conflict")

// Store is the durable backing for the ledger. Insert must be all-or-nothing
// and must reject a duplicate sequence with ErrConflict.
type Store interface {
	Insert(ctx context.Context, entry models.LedgerEntry) error
	Last(ctx context.Context) (models.LedgerEntry, bool, error)
	Range(ctx context.Context, from, to int64) ([]models.LedgerEntry, error)
	Find(ctx context.Context, filter Filter) ([]models.LedgerEntry, error)
}

// Filter narrows a ledger query. Zero fields do not filter.
type Filter struct {
	Actor     string
	Action    string
	Resource  string
	Subsystem string
	Since     time.Time
	Until     time.Time
	From      int64
	To        int64
	Limit     int
}

// Matches reports whether entry passes every set field of f.
func (f Filter) Matches(entry models.LedgerEntry) bool {
	if f.Actor != "" && entry.Actor != f.Actor {
		return false
	}
	if f.Action != "" && entry.Action != f.Action {
		return false
	}
	if f.Resource != "" && entry.Resource != f.Resource {
		return false
	}
	if f.Subsystem != "" && entry.Subsystem != f.Subsystem {
		return false
	}
	if !f.Since.IsZero() && entry.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && entry.Timestamp.After(f.Until) {
		return false
	}
	if f.From > 0 && entry.Sequence < f.From {
		return false
	}
	if f.To > 0 && entry.Sequence > f.To {
		return false
	}
	return true
}

// MemoryStore keeps the ledger in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []models.LedgerEntry
	index   map[int64]int
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{index: make(map[int64]int)}
}

// Insert stores entry unless its sequence is taken.
func (s *MemoryStore) Insert(ctx context.Context, entry models.LedgerEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[entry.Sequence]; ok {
		return ErrConflict
	}
	s.entries = append(s.entries, entry)
	if n := len(s.entries); n > 1 && s.entries[n-2].Sequence > entry.Sequence {
		sort.Slice(s.entries, func(i, j int) bool { return s.entries[i].Sequence < s.entries[j].Sequence })
		for i, e := range s.entries {
			s.index[e.Sequence] = i
		}
		return nil
	}
	s.index[entry.Sequence] = len(s.entries) - 1
	return nil
}

// Last returns the highest-sequence entry.
func (s *MemoryStore) Last(ctx context.Context) (models.LedgerEntry, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.LedgerEntry{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.entries) == 0 {
		return models.LedgerEntry{}, false, nil
	}
	return s.entries[len(s.entries)-1], true, nil
}

// Range returns entries with from <= sequence <= to in ascending order.
// A non-positive to means through the head.
func (s *MemoryStore) Range(ctx context.Context, from, to int64) ([]models.LedgerEntry, error) {
	return s.Find(ctx, Filter{From: from, To: to})
}

// Find returns matching entries in ascending sequence order.
func (s *MemoryStore) Find(ctx context.Context, filter Filter) ([]models.LedgerEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.LedgerEntry, 0)
	for _, e := range s.entries {
		if !filter.Matches(e) {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// Len returns the number of stored entries.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// mutate rewrites a stored entry in place, bypassing the chain.
func (s *MemoryStore) mutate(sequence int64, fn func(*models.LedgerEntry)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[sequence]
	if !ok {
		return false
	}
	fn(&s.entries[i])
	return true
}
