package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-watchdog/internal/bridge"
	"github.com/miradorstack/mirador-watchdog/internal/ledger"
	"github.com/miradorstack/mirador-watchdog/internal/models"
	"github.com/miradorstack/mirador-watchdog/internal/playbook"
	"github.com/miradorstack/mirador-watchdog/internal/utils"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// scriptedProber replays results in order and repeats the last one.
type scriptedProber struct {
	mu      sync.Mutex
	results []ProbeResult
	errs    []error
	calls   int
}

func (p *scriptedProber) Probe(context.Context) (ProbeResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.calls
	if i >= len(p.results) {
		i = len(p.results) - 1
	}
	p.calls++
	var err error
	if i < len(p.errs) {
		err = p.errs[i]
	}
	return p.results[i], err
}

func (p *scriptedProber) push(latencyMS, cpu float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results = append(p.results, ProbeResult{
		Alive:      true,
		Latency:    time.Duration(latencyMS * float64(time.Millisecond)),
		CPUPercent: cpu,
		MemoryMB:   256,
		Threads:    32,
		HasStats:   true,
	})
	p.errs = append(p.errs, nil)
}

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

func (s *recordingSink) snapshot() []models.WatchdogAlert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.WatchdogAlert(nil), s.alerts...)
}

type failureLog struct {
	mu       sync.Mutex
	services []string
}

func (f *failureLog) RecordFailure(service string, _ time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.services = append(f.services, service)
}

func newMonitor(t *testing.T, prober Prober, sink *recordingSink, failures FailureRecorder) (*ServiceMonitor, *utils.FakeClock) {
	t.Helper()
	clock := utils.NewFakeClock(epoch)
	m, err := New(DefaultConfig("payments"), prober, sink, failures, clock, utils.DiscardLogger())
	require.NoError(t, err)
	return m, clock
}

func TestNewValidatesArguments(t *testing.T) {
	_, err := New(Config{}, &scriptedProber{}, &recordingSink{}, nil, nil, nil)
	assert.Error(t, err)
	_, err = New(DefaultConfig("x"), nil, &recordingSink{}, nil, nil, nil)
	assert.Error(t, err)
}

func TestHealthyTicksWidenInterval(t *testing.T) {
	prober := &scriptedProber{}
	prober.push(50, 40)
	sink := &recordingSink{}
	m, clock := newMonitor(t, prober, sink, nil)

	res := m.Tick(context.Background())
	assert.False(t, res.Skipped)
	assert.True(t, res.Sample.Alive)
	assert.InDelta(t, 50, res.Sample.LatencyMS, 1e-9)
	assert.Equal(t, 45*time.Second, res.NextInterval)

	for i := 0; i < 5; i++ {
		clock.Advance(time.Minute)
		res = m.Tick(context.Background())
	}
	assert.Equal(t, 120*time.Second, res.NextInterval)
	assert.Empty(t, sink.snapshot())

	st := m.Status()
	assert.Equal(t, int64(6), st.ProbesAttempted)
	assert.InDelta(t, 100, st.UptimePercent, 1e-9)
	require.NotNil(t, st.LastPrediction)
	assert.Equal(t, models.StateHealthy, st.LastPrediction.State)
	assert.Equal(t, clock.Now().UTC(), st.LastPrediction.ComputedAt)
}

func TestFailedProbesOpenBreakerAndRaiseServiceDown(t *testing.T) {
	prober := &scriptedProber{
		results: []ProbeResult{{}},
		errs:    []error{errors.New("connection refused")},
	}
	sink := &recordingSink{}
	failures := &failureLog{}
	m, clock := newMonitor(t, prober, sink, failures)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res := m.Tick(ctx)
		assert.False(t, res.BreakerOpened)
		assert.False(t, res.Sample.Alive)
	}
	res := m.Tick(ctx)
	require.True(t, res.BreakerOpened)

	alerts := sink.snapshot()
	require.Len(t, alerts, 1)
	assert.Equal(t, models.FailureServiceDown, alerts[0].FailureType)
	assert.Equal(t, models.SeverityCritical, alerts[0].Severity)
	assert.Equal(t, 9, alerts[0].Priority)
	assert.Equal(t, "connection refused", alerts[0].Context["probe_error"])
	assert.Equal(t, []string{"payments", "payments", "payments"}, failures.services)

	res = m.Tick(ctx)
	assert.True(t, res.Skipped)
	assert.Equal(t, 3, prober.calls)

	clock.Advance(5 * time.Minute)
	res = m.Tick(ctx)
	assert.False(t, res.Skipped)
	assert.True(t, res.BreakerOpened, "failed half-open probe re-opens")
	assert.Equal(t, 4, prober.calls)

	st := m.Status()
	assert.Equal(t, int64(4), st.ProbesAttempted)
	assert.Zero(t, st.ProbesSucceeded)
	assert.Zero(t, st.UptimePercent)
}

func TestRecoveryClosesBreaker(t *testing.T) {
	prober := &scriptedProber{
		results: []ProbeResult{{}, {}, {}, {Alive: true, Latency: 20 * time.Millisecond}},
		errs:    []error{ErrNotAlive, ErrNotAlive, ErrNotAlive, nil},
	}
	m, clock := newMonitor(t, prober, &recordingSink{}, nil)
	for i := 0; i < 3; i++ {
		m.Tick(context.Background())
	}
	require.True(t, m.Breaker().Open)

	clock.Advance(5 * time.Minute)
	res := m.Tick(context.Background())
	assert.NoError(t, res.ProbeErr)
	assert.False(t, m.Breaker().Open)
	assert.Zero(t, m.Breaker().Failures)
	assert.InDelta(t, 25, m.Status().UptimePercent, 1e-9)
}

func TestAlertPriority(t *testing.T) {
	cases := []struct {
		state models.HealthState
		risk  float64
		want  int
	}{
		{models.StateHealthy, 0, 1},
		{models.StateDegrading, 0.3, 3},
		{models.StateDegrading, 0.45, 5},
		{models.StateCritical, 0.5, 7},
		{models.StateCritical, 0.65, 7},
		{models.StateFailing, 0.75, 9},
		{models.StateFailing, 0.95, 10},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, AlertPriority(tc.state, tc.risk), "state=%s risk=%.2f", tc.state, tc.risk)
	}
}

func TestClassifyFailure(t *testing.T) {
	assert.Equal(t, models.FailurePredicted, ClassifyFailure(models.FailurePrediction{State: models.StateFailing, Signals: []string{"error_rate_high"}}))
	assert.Equal(t, models.FailureErrorSpike, ClassifyFailure(models.FailurePrediction{State: models.StateCritical, Signals: []string{"memory_leak_suspected", "error_rate_high"}}))
	assert.Equal(t, models.FailureMemoryLeak, ClassifyFailure(models.FailurePrediction{State: models.StateDegrading, Signals: []string{"memory_leak_suspected"}}))
	assert.Equal(t, models.FailureResourceExhaustion, ClassifyFailure(models.FailurePrediction{State: models.StateDegrading, Signals: []string{"cpu_high"}}))
	assert.Equal(t, models.FailureHighLatency, ClassifyFailure(models.FailurePrediction{State: models.StateDegrading, Signals: []string{"latency_rising"}}))
	assert.Equal(t, models.FailureThreadInstability, ClassifyFailure(models.FailurePrediction{State: models.StateDegrading, Signals: []string{"thread_instability"}}))
}

func TestPaymentsDegradationReachesBridge(t *testing.T) {
	logger := utils.DiscardLogger()
	reg := playbook.NewRegistry(logger, nil)
	require.NoError(t, playbook.RegisterBuiltins(reg, playbook.LogActuator{Logger: logger}))
	audit := ledger.New(ledger.NewMemoryStore(), ledger.Options{Logger: logger})
	b, err := bridge.New(bridge.DefaultConfig(), reg, audit, nil, nil, logger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	prober := &scriptedProber{}
	for i := 0; i < 10; i++ {
		prober.push(50, 40)
	}
	latencies := []float64{50, 2100, 2200, 2300}
	cpus := []float64{40, 75, 80, 85}
	for i := range latencies {
		prober.push(latencies[i], cpus[i])
	}

	clock := utils.NewFakeClock(epoch)
	m, err := New(DefaultConfig("payments"), prober, b, nil, clock, logger)
	require.NoError(t, err)

	var last TickResult
	for i := 0; i < 14; i++ {
		last = m.Tick(ctx)
		clock.Advance(10 * time.Second)
	}
	assert.Equal(t, models.StateFailing, last.Prediction.State)
	assert.InDelta(t, 0.75, last.Prediction.RiskScore, 1e-9)
	assert.Equal(t, 5*time.Second, last.NextInterval)

	var seen models.WatchdogAlert
	require.Eventually(t, func() bool {
		found, ok := b.Find(last.Alerts[0].ID)
		seen = found
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, "payments", seen.Component)
	assert.Equal(t, models.FailurePredicted, seen.FailureType)
	assert.Equal(t, models.SeverityCritical, seen.Severity)
	assert.GreaterOrEqual(t, seen.Priority, 7)
	assert.Equal(t, 9, seen.Priority)
	assert.Equal(t, playbook.RestartService, seen.Response.HandledBy)

	cancel()
	assert.NoError(t, <-done)
}

func TestRunStopsOnCancel(t *testing.T) {
	prober := &scriptedProber{}
	prober.push(10, 5)
	m, err := New(DefaultConfig("payments"), prober, &recordingSink{}, nil, nil, utils.DiscardLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	require.Eventually(t, func() bool { return m.Status().ProbesAttempted >= 1 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
}
