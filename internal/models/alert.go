package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Severity captures alert impact levels.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// SeverityForState maps a predicted health state onto an alert severity.
func SeverityForState(state HealthState) Severity {
	switch state {
	case StateFailing:
		return SeverityCritical
	case StateCritical:
		return SeverityError
	case StateDegrading:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// FailureType enumerates the alert kinds remediation knows how to dispatch.
type FailureType string

const (
	FailureServiceDown        FailureType = "service_down"
	FailureHighLatency        FailureType = "high_latency"
	FailureResourceExhaustion FailureType = "resource_exhaustion"
	FailureMemoryLeak         FailureType = "memory_leak"
	FailureErrorSpike         FailureType = "error_spike"
	FailureThreadInstability  FailureType = "thread_instability"
	FailureCascade            FailureType = "cascade_failure"
	FailurePredicted          FailureType = "predicted_failure"
	FailureUnknown            FailureType = "unknown"
)

// KnownFailureTypes lists every enumerated failure type.
func KnownFailureTypes() []FailureType {
	return []FailureType{
		FailureServiceDown,
		FailureHighLatency,
		FailureResourceExhaustion,
		FailureMemoryLeak,
		FailureErrorSpike,
		FailureThreadInstability,
		FailureCascade,
		FailurePredicted,
	}
}

// ParseFailureType returns the enumerated type for s, or FailureUnknown.
func ParseFailureType(s string) FailureType {
	for _, ft := range KnownFailureTypes() {
		if string(ft) == s {
			return ft
		}
	}
	return FailureUnknown
}

// WatchdogAlert is the unit exchanged between monitoring and remediation.
type WatchdogAlert struct {
	ID                string
	Timestamp         time.Time
	Subsystem         string
	Component         string
	FailureType       FailureType
	Severity          Severity
	Description       string
	Context           map[string]any
	RecommendedAction string
	Priority          int
	Response          AlertResponse
}

// AlertResponse is filled in once by the alert bridge.
type AlertResponse struct {
	HandledBy            string
	RemediationAttempted bool
	Result               *RemediationResult
}

// NewAlert builds an alert with a fresh id and a clamped priority.
func NewAlert(subsystem, component string, failureType FailureType, severity Severity, priority int, description string) WatchdogAlert {
	return WatchdogAlert{
		ID:          uuid.New().String(),
		Timestamp:   time.Now().UTC(),
		Subsystem:   subsystem,
		Component:   component,
		FailureType: failureType,
		Severity:    severity,
		Description: description,
		Context:     make(map[string]any),
		Priority:    ClampPriority(priority),
	}
}

// ClampPriority bounds p to the 1-10 alert priority range.
func ClampPriority(p int) int {
	if p < 1 {
		return 1
	}
	if p > 10 {
		return 10
	}
	return p
}

// String renders a short human readable label.
func (a WatchdogAlert) String() string {
	return fmt.Sprintf("[%s p%d] %s/%s %s: %s", a.Severity, a.Priority, a.Subsystem, a.Component, a.FailureType, a.Description)
}

// RemediationStatus is the outcome class of one playbook execution.
type RemediationStatus string

const (
	RemediationSuccess   RemediationStatus = "success"
	RemediationPartial   RemediationStatus = "partial"
	RemediationFailed    RemediationStatus = "failed"
	RemediationEscalated RemediationStatus = "escalated"
)

// RemediationResult records what a playbook did.
type RemediationResult struct {
	Status           RemediationStatus
	ActionsTaken     []string
	Success          bool
	Error            string
	EscalationReason string
	Timestamp        time.Time
}

// FailedResult builds a Failed result carrying err's text.
func FailedResult(err error, actions ...string) RemediationResult {
	res := RemediationResult{
		Status:       RemediationFailed,
		ActionsTaken: append([]string(nil), actions...),
		Timestamp:    time.Now().UTC(),
	}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}

// EscalatedResult builds an Escalated result with reason.
func EscalatedResult(reason string, actions ...string) RemediationResult {
	return RemediationResult{
		Status:           RemediationEscalated,
		ActionsTaken:     append([]string(nil), actions...),
		EscalationReason: reason,
		Timestamp:        time.Now().UTC(),
	}
}
