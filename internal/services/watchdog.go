package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/miradorstack/mirador-watchdog/internal/bridge"
	"github.com/miradorstack/mirador-watchdog/internal/cache"
	"github.com/miradorstack/mirador-watchdog/internal/config"
	"github.com/miradorstack/mirador-watchdog/internal/engine"
	"github.com/miradorstack/mirador-watchdog/internal/governance"
	"github.com/miradorstack/mirador-watchdog/internal/ledger"
	"github.com/miradorstack/mirador-watchdog/internal/metrics"
	"github.com/miradorstack/mirador-watchdog/internal/models"
	"github.com/miradorstack/mirador-watchdog/internal/monitor"
	"github.com/miradorstack/mirador-watchdog/internal/patterns"
	"github.com/miradorstack/mirador-watchdog/internal/playbook"
	"github.com/miradorstack/mirador-watchdog/internal/utils"
)

// Option customises watchdog construction.
type Option func(*options)

type options struct {
	store    ledger.Store
	probers  map[string]monitor.Prober
	actuator playbook.Actuator
	oracle   governance.Oracle
	clock    utils.Clock
}

// WithStore replaces the configured ledger store.
func WithStore(store ledger.Store) Option {
	return func(o *options) { o.store = store }
}

// WithProber overrides the probe used for service.
func WithProber(service string, p monitor.Prober) Option {
	return func(o *options) { o.probers[service] = p }
}

// WithActuator replaces the logging actuator.
func WithActuator(act playbook.Actuator) Option {
	return func(o *options) { o.actuator = act }
}

// WithOracle replaces the configured governance oracle.
func WithOracle(oracle governance.Oracle) Option {
	return func(o *options) { o.oracle = oracle }
}

// WithClock injects a clock.
func WithClock(c utils.Clock) Option {
	return func(o *options) { o.clock = c }
}

// Watchdog owns every long-running component and the operator snapshot.
type Watchdog struct {
	cfg      config.Config
	logger   *slog.Logger
	clock    utils.Clock
	store    ledger.Store
	ledger   *ledger.Ledger
	registry *playbook.Registry
	bridge   *bridge.Bridge
	cascade  *engine.CascadeDetector
	monitors []*monitor.ServiceMonitor
	miner    *patterns.Miner
	patterns *patterns.MemoryStore
	closers  []io.Closer

	mu        sync.RWMutex
	integrity *IntegrityStatus
}

// IntegrityStatus is the outcome of the latest ledger verification.
type IntegrityStatus struct {
	Report    ledger.VerifyReport
	CheckedAt time.Time
	Err       string
}

// NewWatchdog builds every component from cfg.
func NewWatchdog(cfg config.Config, logger *slog.Logger, opts ...Option) (*Watchdog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	o := options{probers: make(map[string]monitor.Prober)}
	for _, opt := range opts {
		opt(&o)
	}
	clock := utils.ClockOrSystem(o.clock)

	w := &Watchdog{cfg: cfg, logger: logger, clock: clock, patterns: &patterns.MemoryStore{}}

	store := o.store
	if store == nil {
		opened, closer, err := OpenStore(cfg.Ledger, logger)
		if err != nil {
			return nil, utils.NewAppError("services.NewWatchdog", "open ledger store", err)
		}
		store = opened
		if closer != nil {
			w.closers = append(w.closers, closer)
		}
	}
	w.store = store

	signer, err := buildSigner(cfg.Signer)
	if err != nil {
		w.Close()
		return nil, utils.NewAppError("services.NewWatchdog", "configure signer", err)
	}
	w.ledger = ledger.New(store, ledger.Options{
		MaxAttempts: cfg.Ledger.MaxAttempts,
		BaseBackoff: cfg.Ledger.BaseBackoff,
		MaxBackoff:  cfg.Ledger.MaxBackoff,
		Signer:      signer,
		Cache:       ledgerCache(cfg.Ledger.CacheSize),
		Clock:       clock,
		Logger:      logger.With(slog.String("component", "ledger")),
	})

	actuator := o.actuator
	if actuator == nil {
		actuator = playbook.LogActuator{Logger: logger.With(slog.String("component", "actuator"))}
	}
	w.registry = playbook.NewRegistry(logger.With(slog.String("component", "playbooks")), clock)
	if err := playbook.RegisterBuiltins(w.registry, actuator); err != nil {
		w.Close()
		return nil, utils.NewAppError("services.NewWatchdog", "register playbooks", err)
	}

	sink, err := buildEscalation(cfg.Escalation, logger.With(slog.String("component", "escalation")))
	if err != nil {
		w.Close()
		return nil, utils.NewAppError("services.NewWatchdog", "configure escalation", err)
	}
	oracle := o.oracle
	if oracle == nil {
		oracle = buildOracle(cfg.Governance)
	}
	w.bridge, err = bridge.New(bridge.Config{
		QueueSize:         cfg.Bridge.QueueSize,
		SubmitTimeout:     cfg.Bridge.SubmitTimeout,
		KeepaliveInterval: cfg.Bridge.KeepaliveInterval,
		HistorySize:       cfg.Bridge.HistorySize,
		DryRun:            cfg.Playbooks.DryRun,
	}, w.registry, w.ledger, oracle, sink, logger.With(slog.String("component", "bridge")))
	if err != nil {
		w.Close()
		return nil, utils.NewAppError("services.NewWatchdog", "build alert bridge", err)
	}

	w.cascade = engine.NewCascadeDetector(engine.CascadeConfig{
		Window:     cfg.Cascade.Window,
		BufferSize: cfg.Cascade.BufferSize,
	}, w.bridge, clock, logger.With(slog.String("component", "cascade")))
	for service, deps := range cfg.Dependencies {
		for _, dep := range deps {
			w.cascade.RegisterDependency(service, dep)
		}
	}

	for _, svc := range cfg.Services {
		prober, ok := o.probers[svc.Name]
		if !ok {
			built, closer, err := buildProber(svc, cfg.Monitor.ProbeTimeout)
			if err != nil {
				w.Close()
				return nil, utils.NewAppError("services.NewWatchdog", "build prober", err)
			}
			prober = built
			if closer != nil {
				w.closers = append(w.closers, closerFunc(closer))
			}
		}
		mon, err := monitor.New(monitorConfig(cfg.Monitor, svc.Name), prober, w.bridge, w.cascade, clock, logger.With(slog.String("component", "monitor")))
		if err != nil {
			w.Close()
			return nil, err
		}
		w.monitors = append(w.monitors, mon)
	}

	w.miner = patterns.NewMiner(logger.With(slog.String("component", "patterns")), w.patterns, cfg.Patterns.MinOccurrences)
	return w, nil
}

func ledgerCache(size int) cache.Provider {
	if size <= 0 {
		return cache.NoopProvider{}
	}
	return cache.NewRing(size)
}

func monitorConfig(m config.MonitorConfig, service string) monitor.Config {
	cfg := monitor.DefaultConfig(service)
	cfg.ProbeTimeout = m.ProbeTimeout
	cfg.InitialInterval = m.InitialInterval
	cfg.MinInterval = m.MinInterval
	cfg.MaxInterval = m.MaxInterval
	cfg.DegradingInterval = m.DegradingInterval
	cfg.Breaker = monitor.BreakerConfig{Threshold: m.BreakerThreshold, Cooldown: m.BreakerCooldown}
	if m.LatencyFailureMS > 0 {
		cfg.Predictor.Thresholds.LatencyFailureMS = m.LatencyFailureMS
	}
	return cfg
}

// Run starts every task and blocks until ctx is cancelled or a task fails.
func (w *Watchdog) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return w.bridge.Run(ctx) })
	g.Go(func() error { return w.cascade.Run(ctx, w.cfg.Cascade.ScanInterval) })
	for _, mon := range w.monitors {
		mon := mon
		g.Go(func() error { return mon.Run(ctx) })
	}
	if path := w.cfg.Playbooks.RulesPath; path != "" {
		g.Go(func() error {
			if err := w.registry.WatchRules(ctx, path); err != nil {
				w.logger.Warn("playbook rules unavailable", slog.String("path", path), slog.Any("error", err))
			}
			return nil
		})
	}
	g.Go(func() error {
		every(ctx, w.cfg.Patterns.Interval, func() { _, _ = w.MinePatterns(ctx) })
		return nil
	})
	g.Go(func() error {
		_, _ = w.VerifyLedger(ctx)
		every(ctx, w.cfg.Ledger.VerifyEvery, func() { _, _ = w.VerifyLedger(ctx) })
		return nil
	})
	g.Go(func() error {
		runGC(ctx, w.store)
		return nil
	})

	w.logger.Info("watchdog running", slog.Int("services", len(w.monitors)), slog.String("ledger", w.cfg.Ledger.Driver))
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

func every(ctx context.Context, interval time.Duration, fn func()) {
	if interval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// VerifyLedger checks the whole chain and records the outcome.
func (w *Watchdog) VerifyLedger(ctx context.Context) (ledger.VerifyReport, error) {
	report, err := w.ledger.Verify(ctx, 1, 0)
	status := &IntegrityStatus{Report: report, CheckedAt: w.clock.Now().UTC()}
	switch {
	case err != nil:
		status.Err = err.Error()
		w.logger.Warn("ledger verification failed to run", slog.Any("error", err))
	case report.Valid:
		w.logger.Debug("ledger verified", slog.Int("entries", report.Checked))
	}
	w.mu.Lock()
	w.integrity = status
	w.mu.Unlock()
	return report, err
}

// MinePatterns refreshes failure patterns from the alert history.
func (w *Watchdog) MinePatterns(ctx context.Context) ([]models.FailurePattern, error) {
	return w.miner.Mine(ctx, w.bridge.History())
}

// Ledger exposes the audit ledger.
func (w *Watchdog) Ledger() *ledger.Ledger { return w.ledger }

// Bridge exposes the alert bridge.
func (w *Watchdog) Bridge() *bridge.Bridge { return w.bridge }

// Registry exposes the playbook registry.
func (w *Watchdog) Registry() *playbook.Registry { return w.registry }

// Cascade exposes the cascade detector.
func (w *Watchdog) Cascade() *engine.CascadeDetector { return w.cascade }

// Monitors returns the service monitors in configuration order.
func (w *Watchdog) Monitors() []*monitor.ServiceMonitor {
	return append([]*monitor.ServiceMonitor(nil), w.monitors...)
}

// Close releases stores and probe connections.
func (w *Watchdog) Close() error {
	var errs []error
	for i := len(w.closers) - 1; i >= 0; i-- {
		if err := w.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	w.closers = nil
	if len(errs) > 0 {
		return fmt.Errorf("close watchdog: %w", errors.Join(errs...))
	}
	return nil
}

// ServiceSnapshot is the operator view of one monitored service.
type ServiceSnapshot struct {
	Name            string
	State           string
	RiskScore       float64
	Signals         []string
	BreakerOpen     bool
	BreakerFailures int
	OpenUntil       time.Time
	UptimePercent   float64
	ProbesAttempted int64
	ProbeP95        time.Duration
	Interval        time.Duration
	LastProbe       time.Time
}

// LedgerSnapshot summarises the audit ledger.
type LedgerSnapshot struct {
	HeadSequence int64
	HeadHash     string
	Integrity    *IntegrityStatus
}

// Snapshot is the operator status payload.
type Snapshot struct {
	GeneratedAt        time.Time
	Services           []ServiceSnapshot
	Bridge             bridge.Counters
	QueueDepth         int
	Cascades           int
	PreventiveRestarts int
	Playbooks          []playbook.Stats
	Patterns           []models.FailurePattern
	Ledger             LedgerSnapshot
}

// Snapshot assembles the current operator view.
func (w *Watchdog) Snapshot(ctx context.Context) Snapshot {
	snap := Snapshot{
		GeneratedAt:        w.clock.Now().UTC(),
		Bridge:             w.bridge.Counters(),
		QueueDepth:         w.bridge.QueueDepth(),
		Cascades:           w.cascade.Detected(),
		PreventiveRestarts: w.registry.PreventiveRestarts(),
		Playbooks:          w.registry.Stats(),
		Patterns:           w.patterns.Patterns(),
	}
	metrics.SetQueueDepth(snap.QueueDepth)

	for _, mon := range w.monitors {
		st := mon.Status()
		svc := ServiceSnapshot{
			Name:            st.Service,
			State:           models.StateHealthy.String(),
			BreakerOpen:     st.Breaker.Open,
			BreakerFailures: st.Breaker.Failures,
			OpenUntil:       st.Breaker.OpenUntil,
			UptimePercent:   st.UptimePercent,
			ProbesAttempted: st.ProbesAttempted,
			ProbeP95:        st.ProbeP95,
			Interval:        st.Interval,
		}
		if p := st.LastPrediction; p != nil {
			svc.State = p.State.String()
			svc.RiskScore = p.RiskScore
			svc.Signals = append([]string(nil), p.Signals...)
		}
		if s := st.LastSample; s != nil {
			svc.LastProbe = s.Timestamp
		}
		snap.Services = append(snap.Services, svc)
	}
	sort.Slice(snap.Services, func(i, j int) bool { return snap.Services[i].Name < snap.Services[j].Name })

	if head, ok, err := w.ledger.Head(ctx); err != nil {
		w.logger.Warn("read ledger head", slog.Any("error", err))
	} else if ok {
		snap.Ledger.HeadSequence = head.Sequence
		snap.Ledger.HeadHash = head.EntryHash
	}
	w.mu.RLock()
	if w.integrity != nil {
		st := *w.integrity
		snap.Ledger.Integrity = &st
	}
	w.mu.RUnlock()
	return snap
}
