package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-watchdog/internal/extractors"
	"github.com/miradorstack/mirador-watchdog/internal/models"
	"github.com/miradorstack/mirador-watchdog/internal/utils"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func sample(i int, latency, cpu float64) models.ServiceMetrics {
	return models.ServiceMetrics{
		Service:    "payments",
		Timestamp:  epoch.Add(time.Duration(i) * 10 * time.Second),
		Alive:      true,
		LatencyMS:  latency,
		CPUPercent: cpu,
		MemoryMB:   256,
		Threads:    32,
	}
}

func warm(p *FailurePredictor, n int) int {
	for i := 0; i < n; i++ {
		p.Observe(sample(i, 50, 40))
	}
	return n
}

func TestPredictInsufficientData(t *testing.T) {
	p := NewFailurePredictor("payments", DefaultPredictorConfig())
	var last models.ServiceMetrics
	for i := 0; i < 5; i++ {
		last = sample(i, 50, 40)
		p.Observe(last)
	}

	pred := p.Predict(last)
	assert.Equal(t, models.StateHealthy, pred.State)
	assert.Equal(t, []string{extractors.SignalInsufficientData}, pred.Signals)
	assert.InDelta(t, 0.05, pred.Confidence, 1e-9)
	assert.Zero(t, pred.RiskScore)
	assert.Nil(t, pred.MinutesToFailure)
}

func TestPredictFlatSeriesIsHealthy(t *testing.T) {
	p := NewFailurePredictor("payments", DefaultPredictorConfig())
	n := warm(p, 20)

	pred := p.Predict(sample(n-1, 50, 40))
	assert.Equal(t, models.StateHealthy, pred.State)
	assert.Empty(t, pred.Signals)
	assert.False(t, pred.PreventiveAction)
	assert.InDelta(t, 0.2, pred.Confidence, 1e-9)
	assert.Equal(t, 20, p.HistoryLen())
	assert.InDelta(t, 50, p.Baseline().LatencyMS, 1e-9)
}

func TestPredictDegradingPaymentsService(t *testing.T) {
	p := NewFailurePredictor("payments", DefaultPredictorConfig())
	n := warm(p, 10)

	latencies := []float64{50, 2100, 2200, 2300}
	cpus := []float64{40, 75, 80, 85}
	var pred models.FailurePrediction
	for i := range latencies {
		s := sample(n+i, latencies[i], cpus[i])
		p.Observe(s)
		pred = p.Predict(s)
	}

	assert.Equal(t, models.StateFailing, pred.State)
	assert.InDelta(t, 0.75, pred.RiskScore, 1e-9)
	assert.Equal(t, []string{
		extractors.SignalLatencyRising,
		extractors.SignalLatencyNearThreshold,
		extractors.SignalCPURising,
		extractors.SignalCPUHigh,
	}, pred.Signals)
	require.NotNil(t, pred.MinutesToFailure)
	assert.InDelta(t, 2, *pred.MinutesToFailure, 1e-9)
	assert.True(t, pred.PreventiveAction)
	assert.Contains(t, pred.RecommendedActions, "Prepare failover; failure expected within minutes")
}

func TestPredictRiskMonotonicInErrorRate(t *testing.T) {
	base := NewFailurePredictor("payments", DefaultPredictorConfig())
	n := warm(base, 15)

	low := sample(n, 50, 40)
	low.ErrorRate = 0.01
	high := low
	high.ErrorRate = 0.2

	lowPred := base.Predict(low)
	highPred := base.Predict(high)
	assert.GreaterOrEqual(t, highPred.RiskScore, lowPred.RiskScore)
	assert.True(t, highPred.HasSignal(extractors.SignalErrorRateHigh))
	assert.Equal(t, models.StateDegrading, highPred.State)
}

func TestPredictMemoryLeakRequestsPreventiveAction(t *testing.T) {
	p := NewFailurePredictor("payments", DefaultPredictorConfig())
	var last models.ServiceMetrics
	for i := 0; i < 12; i++ {
		last = sample(i, 50, 40)
		last.MemoryMB = 256 + float64(i)*10
		p.Observe(last)
	}

	pred := p.Predict(last)
	assert.True(t, pred.HasSignal(extractors.SignalMemoryLeak))
	assert.True(t, pred.PreventiveAction)
	assert.Equal(t, models.StateHealthy, pred.State)
}

func TestPredictFlatHighCPUWithErrorsIsDegrading(t *testing.T) {
	p := NewFailurePredictor("payments", DefaultPredictorConfig())
	for i := 0; i < 10; i++ {
		p.Observe(sample(i, 50, 90))
	}
	current := sample(10, 50, 90)
	current.ErrorRate = 0.1
	p.Observe(current)

	pred := p.Predict(current)
	assert.InDelta(t, 0.3, pred.RiskScore, 1e-9)
	assert.Equal(t, models.StateDegrading, pred.State)
	assert.NotContains(t, pred.Signals, extractors.SignalCPUHigh)
}

func TestPredictStampsInjectedClock(t *testing.T) {
	cfg := DefaultPredictorConfig()
	cfg.Clock = utils.NewFakeClock(epoch.Add(time.Hour))
	p := NewFailurePredictor("payments", cfg)
	n := warm(p, 10)

	first := p.Predict(sample(n-1, 50, 40))
	second := p.Predict(sample(n-1, 50, 40))
	assert.Equal(t, epoch.Add(time.Hour), first.ComputedAt)
	assert.Equal(t, first, second)
}

func TestPredictDoesNotMutateHistory(t *testing.T) {
	p := NewFailurePredictor("payments", DefaultPredictorConfig())
	n := warm(p, 10)

	_ = p.Predict(sample(n, 3000, 95))
	assert.Equal(t, 10, p.HistoryLen())
}

func TestHistoryIsBounded(t *testing.T) {
	p := NewFailurePredictor("payments", DefaultPredictorConfig())
	warm(p, 150)
	assert.Equal(t, 100, p.HistoryLen())
}

func TestStateForRisk(t *testing.T) {
	cases := []struct {
		risk  float64
		state models.HealthState
		ttf   float64
	}{
		{0, models.StateHealthy, 0},
		{0.29, models.StateHealthy, 0},
		{0.3, models.StateDegrading, 30},
		{0.5, models.StateCritical, 10},
		{0.7, models.StateFailing, 2},
		{1, models.StateFailing, 2},
	}
	for _, tc := range cases {
		state, ttf := StateForRisk(tc.risk)
		assert.Equal(t, tc.state, state, "risk %.2f", tc.risk)
		if tc.state == models.StateHealthy {
			assert.Nil(t, ttf)
			continue
		}
		require.NotNil(t, ttf)
		assert.InDelta(t, tc.ttf, *ttf, 1e-9)
	}
}
