package governance

import (
	"context"
	"errors"
)

// ErrUnavailable reports that no oracle is configured.
var ErrUnavailable = errors.New("governance oracle not configured")

// Request describes a remediation about to run.
type Request struct {
	Playbook         string         `json:"playbook"`
	FailureType      string         `json:"failure_type"`
	Component        string         `json:"component"`
	Priority         int            `json:"priority"`
	RequiresApproval bool           `json:"requires_approval"`
	Context          map[string]any `json:"context,omitempty"`
}

// Decision is the oracle's verdict.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Oracle evaluates governance policy for a remediation.
type Oracle interface {
	Check(ctx context.Context, req Request) (Decision, error)
}

// Unavailable stands in when no oracle is configured. Every check fails, so
// approval-required playbooks are blocked.
type Unavailable struct{}

// Check always returns ErrUnavailable.
func (Unavailable) Check(context.Context, Request) (Decision, error) {
	return Decision{}, ErrUnavailable
}

// OracleFunc adapts a function to Oracle.
type OracleFunc func(ctx context.Context, req Request) (Decision, error)

// Check calls f.
func (f OracleFunc) Check(ctx context.Context, req Request) (Decision, error) {
	return f(ctx, req)
}
