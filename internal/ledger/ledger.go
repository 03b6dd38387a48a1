package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/miradorstack/mirador-watchdog/internal/cache"
	"github.com/miradorstack/mirador-watchdog/internal/metrics"
	"github.com/miradorstack/mirador-watchdog/internal/models"
	"github.com/miradorstack/mirador-watchdog/internal/utils"
)

// FailedSequence is returned by Append when every attempt failed.
const FailedSequence int64 = -1

// ErrAppendExhausted wraps the last store error once retries run out.
var ErrAppendExhausted = errors.New("ledger: append retries exhausted")

// Signer produces an opaque signature over a canonical payload.
type Signer interface {
	Sign(ctx context.Context, payload []byte) (string, error)
}

// Record is the caller-supplied content of one ledger entry.
type Record struct {
	Actor     string
	Action    string
	Resource  string
	Subsystem string
	Payload   any
	Result    string
}

// Options tune retries and optional collaborators.
type Options struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Signer      Signer
	Cache       cache.Provider
	Clock       utils.Clock
	Logger      *slog.Logger
}

// DefaultOptions returns 5 attempts with 100ms doubling backoff capped at 5s.
func DefaultOptions() Options {
	return Options{
		MaxAttempts: 5,
		BaseBackoff: 100 * time.Millisecond,
		MaxBackoff:  5 * time.Second,
	}
}

// VerifyReport is the outcome of a chain verification.
type VerifyReport struct {
	Valid       bool
	FirstBroken int64
	Checked     int
	Reason      string
}

// Ledger is an append-only, SHA-256 hash-chained audit log. Concurrent
// writers are serialised by the store's uniqueness constraint on sequence
// with optimistic retry; the ledger itself holds no lock.
type Ledger struct {
	store  Store
	opts   Options
	cache  cache.Provider
	clock  utils.Clock
	logger *slog.Logger
}

// New constructs a ledger over store.
func New(store Store, opts Options) *Ledger {
	def := DefaultOptions()
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = def.BaseBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = def.MaxBackoff
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := opts.Cache
	if c == nil {
		c = cache.NoopProvider{}
	}
	return &Ledger{
		store:  store,
		opts:   opts,
		cache:  c,
		clock:  utils.ClockOrSystem(opts.Clock),
		logger: logger,
	}
}

// Append chains rec onto the head and returns its sequence. After
// MaxAttempts failed attempts it returns FailedSequence and an error wrapping
// ErrAppendExhausted; callers are expected to log and continue.
func (l *Ledger) Append(ctx context.Context, rec Record) (int64, error) {
	start := time.Now()

	payload, err := l.preparePayload(ctx, rec.Payload)
	if err != nil {
		metrics.ObserveLedgerAppend(time.Since(start), metrics.OutcomeError)
		return FailedSequence, utils.NewAppError("ledger.Append", "prepare payload", err)
	}

	var lastErr error
	for attempt := 1; attempt <= l.opts.MaxAttempts; attempt++ {
		entry, err := l.tryAppend(ctx, rec, payload)
		if err == nil {
			l.cache.Put(entry)
			metrics.ObserveLedgerAppend(time.Since(start), metrics.OutcomeSuccess)
			return entry.Sequence, nil
		}
		lastErr = err

		if errors.Is(err, ErrConflict) {
			metrics.IncLedgerConflict()
			l.logger.Debug("ledger append conflict", slog.Int("attempt", attempt), slog.String("action", rec.Action))
		} else {
			l.logger.Warn("ledger append failed", slog.Int("attempt", attempt), slog.String("action", rec.Action), slog.Any("error", err))
		}

		if attempt == l.opts.MaxAttempts {
			break
		}
		if err := sleepContext(ctx, l.backoff(attempt)); err != nil {
			lastErr = err
			break
		}
	}

	metrics.ObserveLedgerAppend(time.Since(start), metrics.OutcomeError)
	l.logger.Error("ledger append exhausted",
		slog.String("actor", rec.Actor),
		slog.String("action", rec.Action),
		slog.String("resource", rec.Resource),
		slog.Any("error", lastErr),
	)
	return FailedSequence, fmt.Errorf("%w: %v", ErrAppendExhausted, lastErr)
}

func (l *Ledger) tryAppend(ctx context.Context, rec Record, payload json.RawMessage) (models.LedgerEntry, error) {
	head, ok, err := l.store.Last(ctx)
	if err != nil {
		return models.LedgerEntry{}, fmt.Errorf("read head: %w", err)
	}

	entry := models.LedgerEntry{
		Sequence:     1,
		Actor:        rec.Actor,
		Action:       rec.Action,
		Resource:     rec.Resource,
		Subsystem:    rec.Subsystem,
		Payload:      payload,
		Result:       rec.Result,
		Timestamp:    l.clock.Now().UTC(),
		PreviousHash: GenesisHash,
	}
	if ok {
		entry.Sequence = head.Sequence + 1
		entry.PreviousHash = head.EntryHash
	}
	entry.EntryHash = ComputeHash(entry)

	if err := l.store.Insert(ctx, entry); err != nil {
		return models.LedgerEntry{}, err
	}
	return entry, nil
}

func (l *Ledger) preparePayload(ctx context.Context, v any) (json.RawMessage, error) {
	obj, err := canonicalPayload(v)
	if err != nil {
		return nil, err
	}
	canonical, err := json.Marshal(obj)
	if err != nil {
		return nil, err
	}
	if l.opts.Signer == nil {
		return canonical, nil
	}

	sig, err := l.opts.Signer.Sign(ctx, canonical)
	if err != nil {
		l.logger.Warn("ledger payload left unsigned", slog.Any("error", err))
		return canonical, nil
	}
	rawSig, err := json.Marshal(sig)
	if err != nil {
		return nil, err
	}
	obj[SignatureKey] = rawSig
	return json.Marshal(obj)
}

func (l *Ledger) backoff(attempt int) time.Duration {
	d := l.opts.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= l.opts.MaxBackoff {
			return l.opts.MaxBackoff
		}
	}
	if d > l.opts.MaxBackoff {
		return l.opts.MaxBackoff
	}
	return d
}

// Verify recomputes hashes and predecessor links for sequences in [from, to].
// A non-positive to verifies through the head. Corruption is reported, never
// repaired.
func (l *Ledger) Verify(ctx context.Context, from, to int64) (VerifyReport, error) {
	if from < 1 {
		from = 1
	}
	entries, err := l.store.Range(ctx, from, to)
	if err != nil {
		return VerifyReport{}, utils.NewAppError("ledger.Verify", "read range", err)
	}

	prevHash := GenesisHash
	prevSeq := from - 1
	if from > 1 {
		prior, err := l.store.Range(ctx, from-1, from-1)
		if err != nil {
			return VerifyReport{}, utils.NewAppError("ledger.Verify", "read predecessor", err)
		}
		if len(prior) == 1 {
			prevHash = prior[0].EntryHash
		} else {
			prevHash = ""
		}
	}

	report := VerifyReport{Valid: true}
	for _, entry := range entries {
		report.Checked++
		reason := ""
		switch {
		case entry.Sequence != prevSeq+1:
			reason = fmt.Sprintf("sequence gap: expected %d", prevSeq+1)
		case prevHash != "" && entry.PreviousHash != prevHash:
			reason = "previous hash does not match predecessor"
		case ComputeHash(entry) != entry.EntryHash:
			reason = "entry hash mismatch"
		}
		if reason != "" {
			report.Valid = false
			report.FirstBroken = entry.Sequence
			report.Reason = reason
			break
		}
		prevSeq = entry.Sequence
		prevHash = entry.EntryHash
	}

	metrics.SetLedgerIntegrity(report.Valid, report.FirstBroken)
	if !report.Valid {
		l.logger.Error("ledger integrity violated",
			slog.Int64("first_broken", report.FirstBroken),
			slog.String("reason", report.Reason),
		)
	}
	return report, nil
}

// Query returns entries matching filter in ascending sequence order, with
// signatures lifted out of the payload.
func (l *Ledger) Query(ctx context.Context, filter Filter) ([]models.LedgerEntry, error) {
	entries, err := l.store.Find(ctx, filter)
	if err != nil {
		return nil, utils.NewAppError("ledger.Query", "find entries", err)
	}
	for i := range entries {
		entries[i] = present(entries[i])
	}
	return entries, nil
}

// Entry returns one entry by sequence, served from the read cache when
// possible.
func (l *Ledger) Entry(ctx context.Context, sequence int64) (models.LedgerEntry, bool, error) {
	if entry, err := l.cache.Get(sequence); err == nil {
		return present(entry), true, nil
	}
	entries, err := l.store.Range(ctx, sequence, sequence)
	if err != nil {
		return models.LedgerEntry{}, false, utils.NewAppError("ledger.Entry", "read entry", err)
	}
	if len(entries) == 0 {
		return models.LedgerEntry{}, false, nil
	}
	l.cache.Put(entries[0])
	return present(entries[0]), true, nil
}

// Head returns the newest entry, from the read cache when it is warm.
func (l *Ledger) Head(ctx context.Context) (models.LedgerEntry, bool, error) {
	if entry, err := l.cache.Head(); err == nil {
		return present(entry), true, nil
	}
	entry, ok, err := l.store.Last(ctx)
	if err != nil {
		return models.LedgerEntry{}, false, utils.NewAppError("ledger.Head", "read head", err)
	}
	if !ok {
		return models.LedgerEntry{}, false, nil
	}
	return present(entry), true, nil
}

func present(entry models.LedgerEntry) models.LedgerEntry {
	entry.Payload, entry.Signature = splitSignature(entry.Payload)
	return entry
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
