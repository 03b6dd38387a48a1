package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-watchdog/internal/utils"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	clock := utils.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	b := NewBreaker(BreakerConfig{Threshold: 3, Cooldown: 5 * time.Minute}, clock)

	assert.False(t, b.RecordFailure())
	assert.False(t, b.RecordFailure())
	assert.True(t, b.Allow())
	assert.True(t, b.RecordFailure())

	st := b.State()
	assert.True(t, st.Open)
	assert.Equal(t, 3, st.Failures)
	assert.Equal(t, clock.Now().Add(5*time.Minute), st.OpenUntil)
	assert.False(t, b.Allow())
}

func TestBreakerHalfOpenAdmitsSingleProbe(t *testing.T) {
	clock := utils.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	b := NewBreaker(DefaultBreakerConfig(), clock)
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}

	clock.Advance(4 * time.Minute)
	assert.False(t, b.Allow(), "still cooling down")

	clock.Advance(time.Minute)
	require.True(t, b.Allow())
	assert.False(t, b.Allow(), "only one half-open probe")

	b.RecordSuccess()
	st := b.State()
	assert.False(t, st.Open)
	assert.Zero(t, st.Failures)
	assert.True(t, b.Allow())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	clock := utils.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	b := NewBreaker(DefaultBreakerConfig(), clock)
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	clock.Advance(5 * time.Minute)
	require.True(t, b.Allow())

	assert.True(t, b.RecordFailure())
	st := b.State()
	assert.True(t, st.Open)
	assert.Equal(t, clock.Now().Add(5*time.Minute), st.OpenUntil)
	assert.False(t, b.Allow())
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	b := NewBreaker(BreakerConfig{}, nil)
	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	assert.False(t, b.RecordFailure())
	assert.Equal(t, 1, b.State().Failures)
}
