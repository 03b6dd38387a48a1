package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels successful operations.
	OutcomeSuccess = "success"
	// OutcomeError labels failed operations.
	OutcomeError = "error"
	// OutcomeSkipped labels probes skipped by an open breaker.
	OutcomeSkipped = "skipped"
)

// Alert bridge stages.
const (
	StageReceived  = "received"
	StageHandled   = "handled"
	StageEscalated = "escalated"
	StageUnmatched = "unmatched"
	StageDropped   = "dropped"
)

const namespace = "mirador_watchdog"

var (
	probesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probes_total",
			Help:      "Health probes per service, partitioned by outcome.",
		},
		[]string{"service", "outcome"},
	)

	probeDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "probe_seconds",
			Help:      "Health probe latency in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"service"},
	)

	riskScore = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "risk_score",
			Help:      "Latest predicted failure risk score per service.",
		},
		[]string{"service"},
	)

	breakerOpen = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_open",
			Help:      "1 while the service circuit breaker is open.",
		},
		[]string{"service"},
	)

	alertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Alerts seen by the bridge, partitioned by stage (received, handled, escalated, unmatched, dropped).",
		},
		[]string{"stage"},
	)

	alertQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "alert_queue_depth",
			Help:      "Alerts waiting in the bridge queue.",
		},
	)

	cascadesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cascades_detected_total",
			Help:      "Cascading failures detected.",
		},
	)

	preventiveRestartsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "preventive_restarts_total",
			Help:      "Restarts triggered ahead of a predicted failure.",
		},
	)

	playbookExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playbook_executions_total",
			Help:      "Playbook executions partitioned by playbook and remediation status.",
		},
		[]string{"playbook", "status"},
	)

	ledgerAppendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_appends_total",
			Help:      "Ledger appends partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	ledgerConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_conflicts_total",
			Help:      "Optimistic append attempts lost to a concurrent writer or a locked store.",
		},
	)

	ledgerAppendSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ledger_append_seconds",
			Help:      "Ledger append latency including retries.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
	)

	ledgerIntegrityValid = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ledger_integrity_valid",
			Help:      "1 when the last ledger verification found an intact chain.",
		},
	)

	ledgerFirstBroken = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ledger_first_broken_sequence",
			Help:      "First sequence that failed verification, 0 when intact.",
		},
	)
)

// Register attaches watchdog collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		probesTotal,
		probeDurationSeconds,
		riskScore,
		breakerOpen,
		alertsTotal,
		alertQueueDepth,
		cascadesTotal,
		preventiveRestartsTotal,
		playbookExecutionsTotal,
		ledgerAppendsTotal,
		ledgerConflictsTotal,
		ledgerAppendSeconds,
		ledgerIntegrityValid,
		ledgerFirstBroken,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveProbe records a probe duration and outcome label.
func ObserveProbe(service string, duration time.Duration, outcome string) {
	probesTotal.WithLabelValues(service, outcome).Inc()
	if outcome == OutcomeSkipped {
		return
	}
	if duration < 0 {
		duration = 0
	}
	probeDurationSeconds.WithLabelValues(service).Observe(duration.Seconds())
}

// SetRisk exports the latest risk score for service.
func SetRisk(service string, score float64) {
	riskScore.WithLabelValues(service).Set(score)
}

// SetBreakerOpen exports breaker state for service.
func SetBreakerOpen(service string, open bool) {
	v := 0.0
	if open {
		v = 1
	}
	breakerOpen.WithLabelValues(service).Set(v)
}

// IncAlert counts an alert at the given bridge stage.
func IncAlert(stage string) {
	alertsTotal.WithLabelValues(stage).Inc()
}

// SetQueueDepth exports the bridge queue length.
func SetQueueDepth(n int) {
	alertQueueDepth.Set(float64(n))
}

// IncCascade counts a detected cascade.
func IncCascade() {
	cascadesTotal.Inc()
}

// IncPreventiveRestart counts a restart issued before failure.
func IncPreventiveRestart() {
	preventiveRestartsTotal.Inc()
}

// ObservePlaybook counts a playbook execution by its status.
func ObservePlaybook(playbook, status string) {
	playbookExecutionsTotal.WithLabelValues(playbook, status).Inc()
}

// ObserveLedgerAppend records append latency and outcome.
func ObserveLedgerAppend(duration time.Duration, outcome string) {
	label := outcome
	if label != OutcomeError {
		label = OutcomeSuccess
	}
	ledgerAppendsTotal.WithLabelValues(label).Inc()
	if duration < 0 {
		duration = 0
	}
	ledgerAppendSeconds.Observe(duration.Seconds())
}

// IncLedgerConflict counts one lost optimistic append attempt.
func IncLedgerConflict() {
	ledgerConflictsTotal.Inc()
}

// SetLedgerIntegrity exports the result of the last verification.
func SetLedgerIntegrity(valid bool, firstBroken int64) {
	if valid {
		ledgerIntegrityValid.Set(1)
		ledgerFirstBroken.Set(0)
		return
	}
	ledgerIntegrityValid.Set(0)
	ledgerFirstBroken.Set(float64(firstBroken))
}
