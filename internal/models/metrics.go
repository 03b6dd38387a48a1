package models

import "time"

// ServiceMetrics is one probe sample for a monitored service. Values are
// immutable once produced by the owning monitor.
type ServiceMetrics struct {
	Service     string
	Timestamp   time.Time
	Alive       bool
	LatencyMS   float64
	CPUPercent  float64
	MemoryMB    float64
	Threads     int
	ErrorRate   float64
	RequestRate float64
}

// HealthState is the predicted condition of a service, ordered by severity.
type HealthState int

const (
	StateHealthy HealthState = iota
	StateDegrading
	StateCritical
	StateFailing
)

func (s HealthState) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegrading:
		return "degrading"
	case StateCritical:
		return "critical"
	case StateFailing:
		return "failing"
	default:
		return "unknown"
	}
}

// AtLeast reports whether s is as severe as other or worse.
func (s HealthState) AtLeast(other HealthState) bool {
	return s >= other
}

// FailurePrediction is the predictor output for one sample. It is recomputed
// on every sample and never persisted.
type FailurePrediction struct {
	Service            string
	State              HealthState
	Confidence         float64
	MinutesToFailure   *float64
	Signals            []string
	RiskScore          float64
	RecommendedActions []string
	PreventiveAction   bool
	ComputedAt         time.Time
}

// HasSignal reports whether the named degradation signal fired.
func (p FailurePrediction) HasSignal(name string) bool {
	for _, s := range p.Signals {
		if s == name {
			return true
		}
	}
	return false
}

// CircuitBreakerState is the externally visible state of a service breaker.
type CircuitBreakerState struct {
	Failures  int
	Open      bool
	OpenUntil time.Time
}
