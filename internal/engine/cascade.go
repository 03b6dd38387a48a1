package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/miradorstack/mirador-watchdog/internal/metrics"
	"github.com/miradorstack/mirador-watchdog/internal/models"
	"github.com/miradorstack/mirador-watchdog/internal/utils"
)

const (
	// UnknownRoot names the root of a cascade no dependency edge explains.
	UnknownRoot = "unknown"

	cascadeSubsystem = "cascade-detector"
	cascadePriority  = 10
)

// AlertSink accepts alerts produced by detectors and monitors.
type AlertSink interface {
	Submit(ctx context.Context, alert models.WatchdogAlert) error
}

// CascadeConfig tunes the failure buffer and detection window.
type CascadeConfig struct {
	Window     time.Duration
	BufferSize int
}

// DefaultCascadeConfig returns a 60s window over the last 1000 failures.
func DefaultCascadeConfig() CascadeConfig {
	return CascadeConfig{Window: 60 * time.Second, BufferSize: 1000}
}

// FailureEvent is one recorded service failure.
type FailureEvent struct {
	Service string
	At      time.Time
}

// CascadeResult is the verdict of one detection pass.
type CascadeResult struct {
	IsCascade   bool
	CascadeSize int
	Root        string
	RootKnown   bool
	Affected    []string
}

func (r CascadeResult) signature() string {
	return r.Root + "|" + strings.Join(r.Affected, ",")
}

// CascadeDetector correlates concurrent failures against a static dependency
// graph to find a shared root cause.
type CascadeDetector struct {
	cfg    CascadeConfig
	clock  utils.Clock
	logger *slog.Logger
	sink   AlertSink

	mu         sync.Mutex
	dependents map[string]map[string]struct{}
	failures   *utils.Ring[FailureEvent]
	reported   map[string]time.Time
	detected   int
}

// NewCascadeDetector constructs a detector. sink may be nil, in which case
// Scan only reports verdicts.
func NewCascadeDetector(cfg CascadeConfig, sink AlertSink, clock utils.Clock, logger *slog.Logger) *CascadeDetector {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultCascadeConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	return &CascadeDetector{
		cfg:        cfg,
		clock:      utils.ClockOrSystem(clock),
		logger:     logger,
		sink:       sink,
		dependents: make(map[string]map[string]struct{}),
		failures:   utils.NewRing[FailureEvent](cfg.BufferSize),
		reported:   make(map[string]time.Time),
	}
}

// RegisterDependency records that service depends on dependsOn, so a failure
// of dependsOn may explain a failure of service.
func (d *CascadeDetector) RegisterDependency(service, dependsOn string) {
	if service == "" || dependsOn == "" || service == dependsOn {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	set, ok := d.dependents[dependsOn]
	if !ok {
		set = make(map[string]struct{})
		d.dependents[dependsOn] = set
	}
	set[service] = struct{}{}
}

// Dependents returns the sorted services registered as depending on service.
func (d *CascadeDetector) Dependents(service string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return sortedKeys(d.dependents[service])
}

// RecordFailure appends a failure to the bounded buffer. A zero at means now.
func (d *CascadeDetector) RecordFailure(service string, at time.Time) {
	if service == "" {
		return
	}
	if at.IsZero() {
		at = d.clock.Now()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures.Push(FailureEvent{Service: service, At: at})
}

// Detect evaluates the failures inside window, treating failedService as
// failed now. A non-positive window uses the configured default.
func (d *CascadeDetector) Detect(failedService string, window time.Duration) CascadeResult {
	if window <= 0 {
		window = d.cfg.Window
	}
	now := d.clock.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	firstSeen := d.recentFailuresLocked(now, window)
	if failedService != "" {
		if _, ok := firstSeen[failedService]; !ok {
			firstSeen[failedService] = now
		}
	}
	return d.evaluateLocked(firstSeen)
}

// Scan runs one detection pass over the trailing window and emits a single
// critical alert per distinct cascade. Repeats of a reported cascade within
// the window are suppressed.
func (d *CascadeDetector) Scan(ctx context.Context) (CascadeResult, bool) {
	now := d.clock.Now()

	d.mu.Lock()
	for sig, at := range d.reported {
		if now.Sub(at) > d.cfg.Window {
			delete(d.reported, sig)
		}
	}
	result := d.evaluateLocked(d.recentFailuresLocked(now, d.cfg.Window))
	if !result.IsCascade {
		d.mu.Unlock()
		return result, false
	}
	sig := result.signature()
	if _, seen := d.reported[sig]; seen {
		d.mu.Unlock()
		return result, false
	}
	d.reported[sig] = now
	d.detected++
	d.mu.Unlock()

	metrics.IncCascade()
	d.logger.Warn("cascade detected",
		slog.String("root", result.Root),
		slog.Int("size", result.CascadeSize),
		slog.Any("affected", result.Affected),
	)

	if d.sink != nil {
		if err := d.sink.Submit(ctx, CascadeAlert(result)); err != nil {
			d.logger.Error("submit cascade alert", slog.String("root", result.Root), slog.Any("error", err))
		}
	}
	return result, true
}

// Run scans on every interval until ctx is cancelled.
func (d *CascadeDetector) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.Scan(ctx)
		}
	}
}

// Detected returns how many distinct cascades have been reported.
func (d *CascadeDetector) Detected() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.detected
}

// CascadeAlert builds the single critical alert that represents a cascade.
func CascadeAlert(result CascadeResult) models.WatchdogAlert {
	desc := fmt.Sprintf("cascading failure across %d services rooted at %s", result.CascadeSize, result.Root)
	if !result.RootKnown {
		desc = fmt.Sprintf("correlated failure across %d services with no modelled root", result.CascadeSize)
	}
	alert := models.NewAlert(cascadeSubsystem, result.Root, models.FailureCascade, models.SeverityCritical, cascadePriority, desc)
	alert.Context["root"] = result.Root
	alert.Context["root_known"] = result.RootKnown
	alert.Context["cascade_size"] = result.CascadeSize
	alert.Context["affected"] = append([]string(nil), result.Affected...)
	alert.RecommendedAction = "Remediate the root service before its dependents"
	if !result.RootKnown {
		alert.RecommendedAction = "Investigate the correlated failures; no dependency edge explains them"
	}
	return alert
}

func (d *CascadeDetector) recentFailuresLocked(now time.Time, window time.Duration) map[string]time.Time {
	cutoff := now.Add(-window)
	firstSeen := make(map[string]time.Time)
	for _, ev := range d.failures.Slice() {
		if ev.At.Before(cutoff) || ev.At.After(now) {
			continue
		}
		if prev, ok := firstSeen[ev.Service]; !ok || ev.At.Before(prev) {
			firstSeen[ev.Service] = ev.At
		}
	}
	return firstSeen
}

func (d *CascadeDetector) evaluateLocked(firstSeen map[string]time.Time) CascadeResult {
	if len(firstSeen) < 2 {
		return CascadeResult{}
	}

	var (
		best     CascadeResult
		bestTime time.Time
	)
	for _, service := range sortedKeys(firstSeen) {
		var affected []string
		for dep := range d.dependents[service] {
			if _, failed := firstSeen[dep]; failed {
				affected = append(affected, dep)
			}
		}
		if len(affected) == 0 {
			continue
		}
		sort.Strings(affected)
		size := len(affected) + 1
		at := firstSeen[service]
		if size > best.CascadeSize || (size == best.CascadeSize && at.Before(bestTime)) {
			best = CascadeResult{
				IsCascade:   true,
				CascadeSize: size,
				Root:        service,
				RootKnown:   true,
				Affected:    affected,
			}
			bestTime = at
		}
	}
	if best.IsCascade {
		return best
	}

	return CascadeResult{
		IsCascade:   true,
		CascadeSize: len(firstSeen),
		Root:        UnknownRoot,
		Affected:    sortedKeys(firstSeen),
	}
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
