package engine

import (
	"math"

	"github.com/miradorstack/mirador-watchdog/internal/extractors"
	"github.com/miradorstack/mirador-watchdog/internal/models"
	"github.com/miradorstack/mirador-watchdog/internal/utils"
)

// Risk score boundaries between health states.
const (
	degradingRisk  = 0.3
	criticalRisk   = 0.5
	failingRisk    = 0.7
	preventiveRisk = 0.6
)

// Bucketed time-to-failure estimates per state, in minutes.
const (
	degradingTTF = 30.0
	criticalTTF  = 10.0
	failingTTF   = 2.0
)

// PredictorConfig sizes the predictor's rolling windows.
type PredictorConfig struct {
	HistorySize    int
	BaselineWindow int
	MinSamples     int
	Thresholds     extractors.Thresholds
	// Clock stamps predictions; nil means the system clock.
	Clock utils.Clock
}

// DefaultPredictorConfig returns the stock predictor configuration.
func DefaultPredictorConfig() PredictorConfig {
	return PredictorConfig{
		HistorySize:    100,
		BaselineWindow: 10,
		MinSamples:     10,
		Thresholds:     extractors.DefaultThresholds(),
	}
}

// Baseline holds rolling means of the last BaselineWindow samples.
type Baseline struct {
	LatencyMS  float64
	CPUPercent float64
	MemoryMB   float64
	Samples    int
}

// FailurePredictor scores one service's recent metrics into a FailurePrediction.
// It is owned by a single monitor goroutine and is not safe for concurrent use.
type FailurePredictor struct {
	service   string
	cfg       PredictorConfig
	clock     utils.Clock
	extractor *extractors.SignalExtractor
	history   *utils.Ring[models.ServiceMetrics]
	baseline  Baseline
}

// NewFailurePredictor constructs a predictor for service.
func NewFailurePredictor(service string, cfg PredictorConfig) *FailurePredictor {
	def := DefaultPredictorConfig()
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	if cfg.BaselineWindow <= 0 {
		cfg.BaselineWindow = def.BaselineWindow
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = def.MinSamples
	}
	return &FailurePredictor{
		service:   service,
		cfg:       cfg,
		clock:     utils.ClockOrSystem(cfg.Clock),
		extractor: extractors.NewSignalExtractor(cfg.Thresholds),
		history:   utils.NewRing[models.ServiceMetrics](cfg.HistorySize),
	}
}

// Observe appends a sample to the bounded history and refreshes baselines.
func (p *FailurePredictor) Observe(sample models.ServiceMetrics) {
	p.history.Push(sample)

	recent := p.history.Tail(p.cfg.BaselineWindow)
	p.baseline = Baseline{
		LatencyMS:  extractors.Mean(extractors.Project(recent, func(m models.ServiceMetrics) float64 { return m.LatencyMS })),
		CPUPercent: extractors.Mean(extractors.Project(recent, func(m models.ServiceMetrics) float64 { return m.CPUPercent })),
		MemoryMB:   extractors.Mean(extractors.Project(recent, func(m models.ServiceMetrics) float64 { return m.MemoryMB })),
		Samples:    len(recent),
	}
}

// Baseline returns the current rolling baselines.
func (p *FailurePredictor) Baseline() Baseline {
	return p.baseline
}

// HistoryLen returns the number of retained samples.
func (p *FailurePredictor) HistoryLen() int {
	return p.history.Len()
}

// Predict scores current against the retained history. It does not mutate
// state; when current has not been observed yet it is treated as the newest
// point of the window.
func (p *FailurePredictor) Predict(current models.ServiceMetrics) models.FailurePrediction {
	window := p.history.Slice()
	if n := len(window); n == 0 || !sameSample(window[n-1], current) {
		window = append(window, current)
	}

	prediction := models.FailurePrediction{
		Service:    p.service,
		State:      models.StateHealthy,
		Confidence: confidenceFor(len(window), p.cfg.HistorySize),
		ComputedAt: p.clock.Now().UTC(),
	}

	if len(window) < p.cfg.MinSamples {
		prediction.Signals = []string{extractors.SignalInsufficientData}
		return prediction
	}

	signals := p.extractor.Detect(window)
	risk := 0.0
	for _, s := range signals {
		risk += s.Weight
		prediction.Signals = append(prediction.Signals, s.Name)
	}
	risk = clamp(math.Round(risk*1e4)/1e4, 0, 1)

	prediction.RiskScore = risk
	prediction.State, prediction.MinutesToFailure = StateForRisk(risk)
	prediction.RecommendedActions = recommendActions(prediction.State, signals)
	prediction.PreventiveAction = prediction.HasSignal(extractors.SignalMemoryLeak) || risk > preventiveRisk
	return prediction
}

// StateForRisk maps a cumulative risk score onto a health state and its
// bucketed minutes-to-failure estimate.
func StateForRisk(risk float64) (models.HealthState, *float64) {
	switch {
	case risk < degradingRisk:
		return models.StateHealthy, nil
	case risk < criticalRisk:
		return models.StateDegrading, minutes(degradingTTF)
	case risk < failingRisk:
		return models.StateCritical, minutes(criticalTTF)
	default:
		return models.StateFailing, minutes(failingTTF)
	}
}

func recommendActions(state models.HealthState, signals []extractors.Signal) []string {
	actions := make([]string, 0, len(signals)+1)
	for _, s := range signals {
		switch s.Name {
		case extractors.SignalLatencyRising, extractors.SignalLatencyNearThreshold:
			actions = appendUnique(actions, "Inspect slow dependencies and connection pools")
		case extractors.SignalCPURising, extractors.SignalCPUHigh:
			actions = appendUnique(actions, "Scale out or throttle CPU-heavy workloads")
		case extractors.SignalMemoryLeak:
			actions = appendUnique(actions, "Schedule a preventive restart to reclaim leaked memory")
		case extractors.SignalErrorRateHigh:
			actions = appendUnique(actions, "Review recent deployments and error logs")
		case extractors.SignalThreadInstability:
			actions = appendUnique(actions, "Check for thread or handle leaks and deadlocks")
		}
	}
	if state == models.StateFailing {
		actions = appendUnique(actions, "Prepare failover; failure expected within minutes")
	}
	return actions
}

func confidenceFor(samples, full int) float64 {
	if full <= 0 {
		return 1
	}
	return clamp(float64(samples)/float64(full), 0, 1)
}

func sameSample(a, b models.ServiceMetrics) bool {
	return a.Service == b.Service && a.Timestamp.Equal(b.Timestamp)
}

func minutes(v float64) *float64 {
	return &v
}

func clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

func appendUnique(existing []string, additions ...string) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, rec := range existing {
		seen[rec] = struct{}{}
	}
	for _, item := range additions {
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		existing = append(existing, item)
		seen[item] = struct{}{}
	}
	return existing
}
