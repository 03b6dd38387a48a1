package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingEvictsOldest(t *testing.T) {
	r := NewRing[int](3)
	for i := 1; i <= 3; i++ {
		_, evicted := r.Push(i)
		assert.False(t, evicted)
	}
	old, evicted := r.Push(4)
	require.True(t, evicted)
	assert.Equal(t, 1, old)
	assert.Equal(t, []int{2, 3, 4}, r.Slice())
	assert.Equal(t, []int{3, 4}, r.Tail(2))

	last, ok := r.Last()
	require.True(t, ok)
	assert.Equal(t, 4, last)
}

func TestRingTailLargerThanSize(t *testing.T) {
	r := NewRing[string](5)
	r.Push("a")
	assert.Equal(t, []string{"a"}, r.Tail(10))
	assert.Nil(t, NewRing[string](2).Tail(1))
}

func TestSyncRingFind(t *testing.T) {
	r := NewSyncRing[int](4)
	for i := 0; i < 6; i++ {
		r.Push(i)
	}
	v, ok := r.Find(func(x int) bool { return x%2 == 0 })
	require.True(t, ok)
	assert.Equal(t, 4, v)
	_, ok = r.Find(func(x int) bool { return x == 0 })
	assert.False(t, ok, "evicted item should not be found")
}

func TestLatencyTrackerPercentile(t *testing.T) {
	tracker := NewLatencyTracker(10)
	durations := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 30 * time.Millisecond, 40 * time.Millisecond, 50 * time.Millisecond}
	for _, d := range durations {
		tracker.Observe(d)
	}

	if tracker.Count() != len(durations) {
		t.Fatalf("expected count %d, got %d", len(durations), tracker.Count())
	}

	p95 := tracker.Percentile(95)
	if p95 < 40*time.Millisecond {
		t.Fatalf("expected percentile >= 40ms, got %v", p95)
	}
}

func TestLatencyTrackerBoundedSize(t *testing.T) {
	tracker := NewLatencyTracker(3)
	for i := 0; i < 10; i++ {
		tracker.Observe(time.Duration(i) * time.Millisecond)
	}
	if tracker.Count() != 3 {
		t.Fatalf("expected tracker size 3, got %d", tracker.Count())
	}
	if got := tracker.Percentile(0); got != 7*time.Millisecond {
		t.Fatalf("expected oldest retained sample 7ms, got %v", got)
	}
}
