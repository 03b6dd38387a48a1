package models

import "time"

// FailurePattern is a recurring failure signature mined from alert history.
type FailurePattern struct {
	ID          string
	Service     string
	FailureType FailureType
	Occurrences int
	Prevalence  float64
	Escalations int
	LastSeen    time.Time
}
