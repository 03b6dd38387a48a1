package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-watchdog/internal/models"
	"github.com/miradorstack/mirador-watchdog/internal/utils"
)

type recordingSink struct {
	mu     sync.Mutex
	alerts []models.WatchdogAlert
}

func (s *recordingSink) Submit(_ context.Context, alert models.WatchdogAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, alert)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.alerts)
}

func newTestDetector(sink AlertSink) (*CascadeDetector, *utils.FakeClock) {
	clock := utils.NewFakeClock(epoch)
	return NewCascadeDetector(DefaultCascadeConfig(), sink, clock, utils.DiscardLogger()), clock
}

func TestCascadeDetectRootAndSize(t *testing.T) {
	d, clock := newTestDetector(nil)
	d.RegisterDependency("B", "A")
	d.RegisterDependency("C", "A")

	d.RecordFailure("A", clock.Now())
	clock.Advance(5 * time.Second)
	d.RecordFailure("B", clock.Now())
	clock.Advance(5 * time.Second)
	d.RecordFailure("C", clock.Now())

	res := d.Detect("B", 60*time.Second)
	assert.True(t, res.IsCascade)
	assert.True(t, res.RootKnown)
	assert.Equal(t, "A", res.Root)
	assert.Equal(t, 3, res.CascadeSize)
	assert.Equal(t, []string{"B", "C"}, res.Affected)
	assert.Equal(t, []string{"B", "C"}, d.Dependents("A"))
}

func TestCascadeSingleFailureIsNotCascade(t *testing.T) {
	d, clock := newTestDetector(nil)
	d.RegisterDependency("B", "A")
	d.RecordFailure("A", clock.Now())

	res := d.Detect("A", 0)
	assert.False(t, res.IsCascade)
	assert.Zero(t, res.CascadeSize)
}

func TestCascadeFailuresOutsideWindowIgnored(t *testing.T) {
	d, clock := newTestDetector(nil)
	d.RegisterDependency("B", "A")
	d.RecordFailure("A", clock.Now())
	clock.Advance(2 * time.Minute)
	d.RecordFailure("B", clock.Now())

	res := d.Detect("B", 60*time.Second)
	assert.False(t, res.IsCascade)
}

func TestCascadeUnknownRoot(t *testing.T) {
	d, clock := newTestDetector(nil)
	d.RecordFailure("orders", clock.Now())
	d.RecordFailure("search", clock.Now())

	res := d.Detect("search", 0)
	assert.True(t, res.IsCascade)
	assert.False(t, res.RootKnown)
	assert.Equal(t, UnknownRoot, res.Root)
	assert.Equal(t, 2, res.CascadeSize)
	assert.Equal(t, []string{"orders", "search"}, res.Affected)
}

func TestCascadeLargestRootWins(t *testing.T) {
	d, clock := newTestDetector(nil)
	d.RegisterDependency("api", "db")
	d.RegisterDependency("worker", "db")
	d.RegisterDependency("api", "cache")

	for _, svc := range []string{"cache", "db", "api", "worker"} {
		d.RecordFailure(svc, clock.Now())
		clock.Advance(time.Second)
	}

	res := d.Detect("", 0)
	assert.Equal(t, "db", res.Root)
	assert.Equal(t, 3, res.CascadeSize)
}

func TestCascadeScanEmitsSingleCriticalAlert(t *testing.T) {
	sink := &recordingSink{}
	d, clock := newTestDetector(sink)
	d.RegisterDependency("B", "A")
	d.RegisterDependency("C", "A")
	for _, svc := range []string{"A", "B", "C"} {
		d.RecordFailure(svc, clock.Now())
	}

	res, emitted := d.Scan(context.Background())
	require.True(t, emitted)
	assert.Equal(t, "A", res.Root)

	_, emitted = d.Scan(context.Background())
	assert.False(t, emitted, "duplicate cascade must be suppressed")

	require.Equal(t, 1, sink.count())
	alert := sink.alerts[0]
	assert.Equal(t, models.FailureCascade, alert.FailureType)
	assert.Equal(t, models.SeverityCritical, alert.Severity)
	assert.Equal(t, 10, alert.Priority)
	assert.Equal(t, "A", alert.Context["root"])
	assert.Equal(t, 3, alert.Context["cascade_size"])
	assert.Equal(t, 1, d.Detected())

	clock.Advance(2 * time.Minute)
	_, emitted = d.Scan(context.Background())
	assert.False(t, emitted, "failures aged out of the window")
}

func TestCascadeRunStopsOnCancel(t *testing.T) {
	d, _ := newTestDetector(nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, 10*time.Millisecond) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
