package repo

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/miradorstack/mirador-watchdog/internal/ledger"
	"github.com/miradorstack/mirador-watchdog/internal/models"
)

var entryPrefix = []byte("ledger/seq/")

// BadgerConfig configures the embedded key-value ledger store.
type BadgerConfig struct {
	Path       string
	InMemory   bool
	SyncWrites bool
	Logger     *slog.Logger
}

// BadgerStore keeps ledger entries in badger keyed by big-endian sequence,
// so key order is sequence order.
type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger
}

// OpenBadgerStore opens or creates the store.
func OpenBadgerStore(cfg BadgerConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badger path is required for a persistent ledger")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create badger directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &BadgerStore{db: db, logger: logger}, nil
}

// Insert writes entry unless its key already exists. Two transactions racing
// for the same key surface as ledger.ErrConflict.
func (s *BadgerStore) Insert(ctx context.Context, entry models.LedgerEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	value, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode ledger entry: %w", err)
	}
	key := sequenceKey(entry.Sequence)

	err = s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == nil {
			return ledger.ErrConflict
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, value)
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ledger.ErrConflict), errors.Is(err, badger.ErrConflict):
		return fmt.Errorf("%w: sequence %d", ledger.ErrConflict, entry.Sequence)
	default:
		return fmt.Errorf("insert ledger entry: %w", err)
	}
}

// Last returns the highest-sequence entry.
func (s *BadgerStore) Last(ctx context.Context) (models.LedgerEntry, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.LedgerEntry{}, false, err
	}
	var (
		entry models.LedgerEntry
		found bool
	)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = entryPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(append([]byte{}, entryPrefix...), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
		it.Seek(seek)
		if !it.ValidForPrefix(entryPrefix) {
			return nil
		}
		found = true
		return it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		})
	})
	if err != nil {
		return models.LedgerEntry{}, false, fmt.Errorf("read ledger head: %w", err)
	}
	return entry, found, nil
}

// Range returns entries with from <= sequence <= to; to <= 0 means the head.
func (s *BadgerStore) Range(ctx context.Context, from, to int64) ([]models.LedgerEntry, error) {
	return s.Find(ctx, ledger.Filter{From: from, To: to})
}

// Find scans from the filter's lower sequence bound and applies the rest of
// the filter in memory.
func (s *BadgerStore) Find(ctx context.Context, filter ledger.Filter) ([]models.LedgerEntry, error) {
	out := make([]models.LedgerEntry, 0)
	start := filter.From
	if start < 1 {
		start = 1
	}

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = entryPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(sequenceKey(start)); it.ValidForPrefix(entryPrefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var entry models.LedgerEntry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			}); err != nil {
				return err
			}
			if filter.To > 0 && entry.Sequence > filter.To {
				return nil
			}
			if !filter.Matches(entry) {
				continue
			}
			out = append(out, entry)
			if filter.Limit > 0 && len(out) >= filter.Limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan ledger: %w", err)
	}
	return out, nil
}

// RunGC triggers value log garbage collection on every interval until ctx
// is cancelled.
func (s *BadgerStore) RunGC(ctx context.Context, interval time.Duration, ratio float64) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.db.RunValueLogGC(ratio); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				s.logger.Warn("badger value log gc", slog.Any("error", err))
			}
		}
	}
}

// Close closes the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func sequenceKey(seq int64) []byte {
	key := make([]byte, len(entryPrefix)+8)
	copy(key, entryPrefix)
	binary.BigEndian.PutUint64(key[len(entryPrefix):], uint64(seq))
	return key
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
