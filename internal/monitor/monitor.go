package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/miradorstack/mirador-watchdog/internal/engine"
	"github.com/miradorstack/mirador-watchdog/internal/extractors"
	"github.com/miradorstack/mirador-watchdog/internal/metrics"
	"github.com/miradorstack/mirador-watchdog/internal/models"
	"github.com/miradorstack/mirador-watchdog/internal/utils"
)

// Subsystem labels alerts raised by service monitors.
const Subsystem = "service-monitor"

// FailureRecorder receives liveness failures; the cascade detector
// implements it.
type FailureRecorder interface {
	RecordFailure(service string, at time.Time)
}

// Config parameterises one ServiceMonitor.
type Config struct {
	Service           string
	ProbeTimeout      time.Duration
	InitialInterval   time.Duration
	MinInterval       time.Duration
	MaxInterval       time.Duration
	DegradingInterval time.Duration
	Breaker           BreakerConfig
	Predictor         engine.PredictorConfig
}

// DefaultConfig returns the stock monitor settings for service.
func DefaultConfig(service string) Config {
	return Config{
		Service:           service,
		ProbeTimeout:      5 * time.Second,
		InitialInterval:   30 * time.Second,
		MinInterval:       5 * time.Second,
		MaxInterval:       120 * time.Second,
		DegradingInterval: 15 * time.Second,
		Breaker:           DefaultBreakerConfig(),
		Predictor:         engine.DefaultPredictorConfig(),
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig(c.Service)
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = def.ProbeTimeout
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = def.InitialInterval
	}
	if c.MinInterval <= 0 {
		c.MinInterval = def.MinInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = def.MaxInterval
	}
	if c.DegradingInterval <= 0 {
		c.DegradingInterval = def.DegradingInterval
	}
	if c.Predictor.Thresholds == (extractors.Thresholds{}) {
		c.Predictor.Thresholds = def.Predictor.Thresholds
	}
	return c
}

// TickResult describes one monitoring cycle.
type TickResult struct {
	Skipped       bool
	Sample        models.ServiceMetrics
	Prediction    models.FailurePrediction
	ProbeErr      error
	BreakerOpened bool
	Alerts        []models.WatchdogAlert
	NextInterval  time.Duration
}

// Status is an operator snapshot of one monitor.
type Status struct {
	Service         string
	Breaker         models.CircuitBreakerState
	LastPrediction  *models.FailurePrediction
	LastSample      *models.ServiceMetrics
	ProbesAttempted int64
	ProbesSucceeded int64
	UptimePercent   float64
	ProbeP95        time.Duration
	Interval        time.Duration
}

// ServiceMonitor owns the breaker and predictor of one service. Tick and Run
// are driven by a single goroutine; Status may be called concurrently.
type ServiceMonitor struct {
	cfg       Config
	prober    Prober
	sink      engine.AlertSink
	failures  FailureRecorder
	breaker   *Breaker
	predictor *engine.FailurePredictor
	clock     utils.Clock
	logger    *slog.Logger

	mu         sync.Mutex
	interval   time.Duration
	attempted  int64
	succeeded  int64
	lastPred   *models.FailurePrediction
	lastSample *models.ServiceMetrics
	latencies  *utils.LatencyTracker
}

// New constructs a monitor. failures may be nil.
func New(cfg Config, prober Prober, sink engine.AlertSink, failures FailureRecorder, clock utils.Clock, logger *slog.Logger) (*ServiceMonitor, error) {
	if strings.TrimSpace(cfg.Service) == "" {
		return nil, utils.NewAppError("monitor.New", "service name is required", nil)
	}
	if prober == nil {
		return nil, utils.NewAppError("monitor.New", fmt.Sprintf("no prober for %s", cfg.Service), nil)
	}
	if sink == nil {
		return nil, utils.NewAppError("monitor.New", "alert sink is required", nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	clock = utils.ClockOrSystem(clock)
	if cfg.Predictor.Clock == nil {
		cfg.Predictor.Clock = clock
	}
	return &ServiceMonitor{
		cfg:       cfg,
		prober:    prober,
		sink:      sink,
		failures:  failures,
		breaker:   NewBreaker(cfg.Breaker, clock),
		predictor: engine.NewFailurePredictor(cfg.Service, cfg.Predictor),
		clock:     clock,
		logger:    logger.With(slog.String("service", cfg.Service)),
		interval:  cfg.InitialInterval,
		latencies: utils.NewLatencyTracker(256),
	}, nil
}

// Service returns the monitored service name.
func (m *ServiceMonitor) Service() string {
	return m.cfg.Service
}

// Tick runs one probe cycle and submits any resulting alerts.
func (m *ServiceMonitor) Tick(ctx context.Context) TickResult {
	if !m.breaker.Allow() {
		metrics.ObserveProbe(m.cfg.Service, 0, metrics.OutcomeSkipped)
		m.logger.Debug("probe skipped, breaker open")
		return TickResult{Skipped: true, NextInterval: m.NextInterval()}
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	start := m.clock.Now()
	probe, err := m.prober.Probe(probeCtx)
	cancel()
	if err == nil && !probe.Alive {
		err = ErrNotAlive
	}
	latency := probe.Latency
	if latency <= 0 {
		latency = m.clock.Now().Sub(start)
	}

	sample := models.ServiceMetrics{
		Service:     m.cfg.Service,
		Timestamp:   m.clock.Now().UTC(),
		Alive:       err == nil,
		LatencyMS:   float64(latency) / float64(time.Millisecond),
		CPUPercent:  probe.CPUPercent,
		MemoryMB:    probe.MemoryMB,
		Threads:     probe.Threads,
		ErrorRate:   probe.ErrorRate,
		RequestRate: probe.RequestRate,
	}
	if !sample.Alive {
		sample.ErrorRate = 1
	}

	result := TickResult{Sample: sample, ProbeErr: err}
	if err != nil {
		metrics.ObserveProbe(m.cfg.Service, latency, metrics.OutcomeError)
		result.BreakerOpened = m.breaker.RecordFailure()
		if m.failures != nil {
			m.failures.RecordFailure(m.cfg.Service, sample.Timestamp)
		}
		m.logger.Warn("probe failed", slog.Any("error", err), slog.Bool("breaker_opened", result.BreakerOpened))
	} else {
		metrics.ObserveProbe(m.cfg.Service, latency, metrics.OutcomeSuccess)
		m.breaker.RecordSuccess()
	}
	metrics.SetBreakerOpen(m.cfg.Service, m.breaker.State().Open)

	m.predictor.Observe(sample)
	prediction := m.predictor.Predict(sample)
	result.Prediction = prediction
	metrics.SetRisk(m.cfg.Service, prediction.RiskScore)

	if result.BreakerOpened {
		result.Alerts = append(result.Alerts, m.serviceDownAlert(err))
	}
	if prediction.State != models.StateHealthy {
		result.Alerts = append(result.Alerts, m.predictionAlert(prediction))
	}
	for _, alert := range result.Alerts {
		if serr := m.sink.Submit(ctx, alert); serr != nil {
			m.logger.Warn("submit alert", slog.String("failure_type", string(alert.FailureType)), slog.Any("error", serr))
		}
	}

	m.mu.Lock()
	m.attempted++
	if err == nil {
		m.succeeded++
		m.latencies.Observe(latency)
	}
	m.interval = m.adapt(prediction.State)
	m.lastPred = &prediction
	m.lastSample = &sample
	result.NextInterval = m.interval
	m.mu.Unlock()
	return result
}

// Run ticks until ctx is cancelled, sleeping NextInterval between cycles.
func (m *ServiceMonitor) Run(ctx context.Context) error {
	m.logger.Info("service monitor started", slog.Duration("interval", m.NextInterval()))
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("service monitor stopped")
			return nil
		case <-timer.C:
			res := m.Tick(ctx)
			timer.Reset(res.NextInterval)
		}
	}
}

// NextInterval returns the current probe interval.
func (m *ServiceMonitor) NextInterval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interval
}

// Breaker exposes the monitor's circuit breaker state.
func (m *ServiceMonitor) Breaker() models.CircuitBreakerState {
	return m.breaker.State()
}

// Status returns a snapshot for operators.
func (m *ServiceMonitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{
		Service:         m.cfg.Service,
		Breaker:         m.breaker.State(),
		ProbesAttempted: m.attempted,
		ProbesSucceeded: m.succeeded,
		UptimePercent:   100,
		ProbeP95:        m.latencies.Percentile(95),
		Interval:        m.interval,
	}
	if m.attempted > 0 {
		st.UptimePercent = math.Round(float64(m.succeeded)/float64(m.attempted)*1e4) / 100
	}
	if m.lastPred != nil {
		p := *m.lastPred
		st.LastPrediction = &p
	}
	if m.lastSample != nil {
		s := *m.lastSample
		st.LastSample = &s
	}
	return st
}

func (m *ServiceMonitor) adapt(state models.HealthState) time.Duration {
	switch state {
	case models.StateHealthy:
		next := time.Duration(float64(m.interval) * 1.5)
		if next > m.cfg.MaxInterval {
			next = m.cfg.MaxInterval
		}
		if next < m.cfg.MinInterval {
			next = m.cfg.MinInterval
		}
		return next
	case models.StateDegrading:
		return m.cfg.DegradingInterval
	default:
		return m.cfg.MinInterval
	}
}

func (m *ServiceMonitor) serviceDownAlert(probeErr error) models.WatchdogAlert {
	st := m.breaker.State()
	alert := models.NewAlert(Subsystem, m.cfg.Service, models.FailureServiceDown, models.SeverityCritical, 9,
		fmt.Sprintf("%s unreachable after %d consecutive failed probes", m.cfg.Service, st.Failures))
	alert.Timestamp = m.clock.Now().UTC()
	alert.RecommendedAction = "restart " + m.cfg.Service
	alert.Context["breaker_failures"] = st.Failures
	alert.Context["open_until"] = st.OpenUntil.UTC().Format(time.RFC3339)
	if probeErr != nil && !errors.Is(probeErr, ErrNotAlive) {
		alert.Context["probe_error"] = probeErr.Error()
	}
	return alert
}

func (m *ServiceMonitor) predictionAlert(p models.FailurePrediction) models.WatchdogAlert {
	description := fmt.Sprintf("%s is %s (risk %.2f): %s", m.cfg.Service, p.State, p.RiskScore, strings.Join(p.Signals, ", "))
	alert := models.NewAlert(Subsystem, m.cfg.Service, ClassifyFailure(p), models.SeverityForState(p.State), AlertPriority(p.State, p.RiskScore), description)
	alert.Timestamp = m.clock.Now().UTC()
	if len(p.RecommendedActions) > 0 {
		alert.RecommendedAction = p.RecommendedActions[0]
	}
	alert.Context["risk_score"] = p.RiskScore
	alert.Context["state"] = p.State.String()
	alert.Context["signals"] = append([]string(nil), p.Signals...)
	alert.Context["preventive_action"] = p.PreventiveAction
	if p.MinutesToFailure != nil {
		alert.Context["minutes_to_failure"] = *p.MinutesToFailure
	}
	return alert
}

// AlertPriority maps a prediction onto an alert priority: ceil(risk*10)
// clamped to 1..10 with floors of 7 for Critical and 9 for Failing.
func AlertPriority(state models.HealthState, risk float64) int {
	p := models.ClampPriority(int(math.Ceil(risk*10 - 1e-9)))
	switch state {
	case models.StateFailing:
		p = max(p, 9)
	case models.StateCritical:
		p = max(p, 7)
	}
	return p
}

// ClassifyFailure picks the failure type that best explains a prediction.
func ClassifyFailure(p models.FailurePrediction) models.FailureType {
	switch {
	case p.State == models.StateFailing:
		return models.FailurePredicted
	case p.HasSignal(extractors.SignalErrorRateHigh):
		return models.FailureErrorSpike
	case p.HasSignal(extractors.SignalMemoryLeak):
		return models.FailureMemoryLeak
	case p.HasSignal(extractors.SignalCPUHigh), p.HasSignal(extractors.SignalCPURising):
		return models.FailureResourceExhaustion
	case p.HasSignal(extractors.SignalLatencyRising), p.HasSignal(extractors.SignalLatencyNearThreshold):
		return models.FailureHighLatency
	case p.HasSignal(extractors.SignalThreadInstability):
		return models.FailureThreadInstability
	default:
		return models.FailurePredicted
	}
}
