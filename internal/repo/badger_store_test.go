package repo

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-watchdog/internal/ledger"
	"github.com/miradorstack/mirador-watchdog/internal/models"
	"github.com/miradorstack/mirador-watchdog/internal/utils"
)

func newBadgerStore(t *testing.T) *BadgerStore {
	t.Helper()
	store, err := OpenBadgerStore(BadgerConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestBadgerStoreOrdersBySequence(t *testing.T) {
	store := newBadgerStore(t)
	ctx := context.Background()

	_, ok, err := store.Last(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	for _, seq := range []int64{1, 2, 300, 3} {
		require.NoError(t, store.Insert(ctx, models.LedgerEntry{Sequence: seq, Actor: "bridge", Payload: []byte(`{}`)}))
	}

	head, ok, err := store.Last(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(300), head.Sequence)

	ranged, err := store.Range(ctx, 2, 3)
	require.NoError(t, err)
	require.Len(t, ranged, 2)
	assert.Equal(t, int64(2), ranged[0].Sequence)
	assert.Equal(t, int64(3), ranged[1].Sequence)
}

func TestBadgerStoreRejectsDuplicateSequence(t *testing.T) {
	store := newBadgerStore(t)
	ctx := context.Background()
	entry := models.LedgerEntry{Sequence: 7, Actor: "bridge"}

	require.NoError(t, store.Insert(ctx, entry))
	assert.ErrorIs(t, store.Insert(ctx, entry), ledger.ErrConflict)
}

func TestBadgerStoreBacksConcurrentLedger(t *testing.T) {
	store := newBadgerStore(t)
	l := ledger.New(store, ledger.Options{
		MaxAttempts: 500,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
		Logger:      utils.DiscardLogger(),
	})
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				_, err := l.Append(ctx, ledger.Record{Actor: "monitor", Action: "probe", Payload: map[string]int{"i": i}})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	report, err := l.Verify(ctx, 1, 0)
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, 40, report.Checked)

	found, err := store.Find(ctx, ledger.Filter{Actor: "monitor", Limit: 5})
	require.NoError(t, err)
	assert.Len(t, found, 5)
}
