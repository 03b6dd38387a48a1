package extractors

import (
	"fmt"
	"math"

	"github.com/miradorstack/mirador-watchdog/internal/models"
)

// Signal names reported on a FailurePrediction, in evaluation order.
const (
	SignalInsufficientData     = "insufficient_data"
	SignalLatencyRising        = "latency_rising"
	SignalLatencyNearThreshold = "latency_near_threshold"
	SignalCPURising            = "cpu_rising"
	SignalCPUHigh              = "cpu_high"
	SignalMemoryLeak           = "memory_leak_suspected"
	SignalErrorRateHigh        = "error_rate_high"
	SignalThreadInstability    = "thread_instability"
)

// Fixed risk weights for each signal.
const (
	WeightLatencyRising        = 0.2
	WeightLatencyNearThreshold = 0.2
	WeightCPURising            = 0.15
	WeightCPUHigh              = 0.2
	WeightMemoryLeak           = 0.25
	WeightErrorRateHigh        = 0.3
	WeightThreadInstability    = 0.15
)

// Signal is one fired degradation indicator.
type Signal struct {
	Name   string
	Weight float64
	Detail string
}

// Thresholds parameterise signal detection.
type Thresholds struct {
	LatencyFailureMS   float64
	NearThresholdRatio float64
	CPUHighPercent     float64
	ErrorRateHigh      float64
	ThreadVarianceMax  float64
	ThreadWindow       int
	TrendWindow        int

	// Minimum per-sample slopes before a trend counts as rising; keeps
	// jitter on a flat series from firing.
	MinLatencySlope float64
	MinCPUSlope     float64
	MinMemorySlope  float64
}

// DefaultThresholds returns the stock detection thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		LatencyFailureMS:   2000,
		NearThresholdRatio: 0.7,
		CPUHighPercent:     70,
		ErrorRateHigh:      0.05,
		ThreadVarianceMax:  25,
		ThreadWindow:       20,
		TrendWindow:        10,
		MinLatencySlope:    1,
		MinCPUSlope:        0.5,
		MinMemorySlope:     0.5,
	}
}

// SignalExtractor turns a metrics window into degradation signals.
type SignalExtractor struct {
	th Thresholds
}

// NewSignalExtractor creates an extractor. Non-positive thresholds fall back to
// defaults; the slope minimums may be zero, meaning any rise counts.
func NewSignalExtractor(th Thresholds) *SignalExtractor {
	def := DefaultThresholds()
	if th.LatencyFailureMS <= 0 {
		th.LatencyFailureMS = def.LatencyFailureMS
	}
	if th.NearThresholdRatio <= 0 {
		th.NearThresholdRatio = def.NearThresholdRatio
	}
	if th.CPUHighPercent <= 0 {
		th.CPUHighPercent = def.CPUHighPercent
	}
	if th.ErrorRateHigh <= 0 {
		th.ErrorRateHigh = def.ErrorRateHigh
	}
	if th.ThreadVarianceMax <= 0 {
		th.ThreadVarianceMax = def.ThreadVarianceMax
	}
	if th.ThreadWindow <= 1 {
		th.ThreadWindow = def.ThreadWindow
	}
	if th.TrendWindow <= 1 {
		th.TrendWindow = def.TrendWindow
	}
	if th.MinLatencySlope < 0 {
		th.MinLatencySlope = def.MinLatencySlope
	}
	if th.MinCPUSlope < 0 {
		th.MinCPUSlope = def.MinCPUSlope
	}
	if th.MinMemorySlope < 0 {
		th.MinMemorySlope = def.MinMemorySlope
	}
	return &SignalExtractor{th: th}
}

// Thresholds returns the effective thresholds.
func (e *SignalExtractor) Thresholds() Thresholds {
	return e.th
}

// Detect evaluates every signal against window, whose last element is the
// current sample. Signals are returned in a fixed order.
func (e *SignalExtractor) Detect(window []models.ServiceMetrics) []Signal {
	if len(window) == 0 {
		return nil
	}
	current := window[len(window)-1]
	trend := tail(window, e.th.TrendWindow)

	signals := make([]Signal, 0, 7)

	latencySlope := Slope(project(trend, func(m models.ServiceMetrics) float64 { return m.LatencyMS }))
	if latencySlope > e.th.MinLatencySlope {
		signals = append(signals, Signal{
			Name:   SignalLatencyRising,
			Weight: WeightLatencyRising,
			Detail: fmt.Sprintf("latency rising %.1fms/sample", latencySlope),
		})
		if current.LatencyMS >= e.th.NearThresholdRatio*e.th.LatencyFailureMS {
			signals = append(signals, Signal{
				Name:   SignalLatencyNearThreshold,
				Weight: WeightLatencyNearThreshold,
				Detail: fmt.Sprintf("latency %.0fms within %.0f%% of %.0fms threshold", current.LatencyMS, e.th.NearThresholdRatio*100, e.th.LatencyFailureMS),
			})
		}
	}

	cpuSlope := Slope(project(trend, func(m models.ServiceMetrics) float64 { return m.CPUPercent }))
	if cpuSlope > e.th.MinCPUSlope {
		signals = append(signals, Signal{
			Name:   SignalCPURising,
			Weight: WeightCPURising,
			Detail: fmt.Sprintf("cpu rising %.2f%%/sample", cpuSlope),
		})
		if current.CPUPercent > e.th.CPUHighPercent {
			signals = append(signals, Signal{
				Name:   SignalCPUHigh,
				Weight: WeightCPUHigh,
				Detail: fmt.Sprintf("cpu %.1f%% above %.0f%%", current.CPUPercent, e.th.CPUHighPercent),
			})
		}
	}

	memSlope := Slope(project(trend, func(m models.ServiceMetrics) float64 { return m.MemoryMB }))
	if memSlope > e.th.MinMemorySlope {
		signals = append(signals, Signal{
			Name:   SignalMemoryLeak,
			Weight: WeightMemoryLeak,
			Detail: fmt.Sprintf("memory growing %.2fMB/sample", memSlope),
		})
	}

	if current.ErrorRate > e.th.ErrorRateHigh {
		signals = append(signals, Signal{
			Name:   SignalErrorRateHigh,
			Weight: WeightErrorRateHigh,
			Detail: fmt.Sprintf("error rate %.1f%% above %.1f%%", current.ErrorRate*100, e.th.ErrorRateHigh*100),
		})
	}

	threads := project(tail(window, e.th.ThreadWindow), func(m models.ServiceMetrics) float64 { return float64(m.Threads) })
	if len(threads) >= 2 {
		if v := Variance(threads); v > e.th.ThreadVarianceMax {
			signals = append(signals, Signal{
				Name:   SignalThreadInstability,
				Weight: WeightThreadInstability,
				Detail: fmt.Sprintf("thread count variance %.1f", v),
			})
		}
	}

	return signals
}

// Slope returns the least-squares slope of values against their index.
func Slope(values []float64) float64 {
	n := float64(len(values))
	if n < 2 {
		return 0
	}
	var sumX, sumY, sumXY, sumXX float64
	for i, y := range values {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}

// Mean returns the arithmetic mean, zero for an empty slice.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// Variance returns the population variance.
func Variance(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	mean := Mean(values)
	variance := 0.0
	for _, v := range values {
		variance += math.Pow(v-mean, 2)
	}
	return variance / float64(len(values))
}

// Project extracts one numeric field from a metrics slice.
func Project(samples []models.ServiceMetrics, field func(models.ServiceMetrics) float64) []float64 {
	return project(samples, field)
}

func project(samples []models.ServiceMetrics, field func(models.ServiceMetrics) float64) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = field(s)
	}
	return out
}

func tail(samples []models.ServiceMetrics, n int) []models.ServiceMetrics {
	if len(samples) <= n {
		return samples
	}
	return samples[len(samples)-n:]
}
