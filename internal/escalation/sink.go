package escalation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/miradorstack/mirador-watchdog/internal/models"
)

// ErrThrottled reports an escalation diverted by the rate limiter.
var ErrThrottled = errors.New("escalation: rate limited")

// Record is what a human receives when automation gives up.
type Record struct {
	AlertID        string
	Component      string
	Subsystem      string
	FailureType    models.FailureType
	Severity       models.Severity
	Priority       int
	Description    string
	Reason         string
	Playbook       string
	Status         models.RemediationStatus
	Actions        []string
	LedgerSequence int64
	Timestamp      time.Time
}

// NewRecord builds a record from a handled alert.
func NewRecord(alert models.WatchdogAlert, reason string) Record {
	rec := Record{
		AlertID:     alert.ID,
		Component:   alert.Component,
		Subsystem:   alert.Subsystem,
		FailureType: alert.FailureType,
		Severity:    alert.Severity,
		Priority:    alert.Priority,
		Description: alert.Description,
		Reason:      reason,
		Playbook:    alert.Response.HandledBy,
		Timestamp:   time.Now().UTC(),
	}
	if res := alert.Response.Result; res != nil {
		rec.Status = res.Status
		rec.Actions = append([]string(nil), res.ActionsTaken...)
	}
	return rec
}

// Summary renders a one-paragraph human message.
func (r Record) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s p%d] %s: %s\n", strings.ToUpper(string(r.Severity)), r.Priority, r.Component, r.Description)
	fmt.Fprintf(&b, "Reason: %s\n", r.Reason)
	if r.Playbook != "" {
		fmt.Fprintf(&b, "Playbook: %s (%s)\n", r.Playbook, r.Status)
	}
	if len(r.Actions) > 0 {
		fmt.Fprintf(&b, "Actions: %s\n", strings.Join(r.Actions, "; "))
	}
	if r.LedgerSequence > 0 {
		fmt.Fprintf(&b, "Ledger: #%d\n", r.LedgerSequence)
	}
	fmt.Fprintf(&b, "Alert: %s", r.AlertID)
	return b.String()
}

// Sink delivers escalations to humans.
type Sink interface {
	Escalate(ctx context.Context, rec Record) error
}

// LogSink writes escalations to the structured log.
type LogSink struct {
	Logger *slog.Logger
}

// Escalate logs rec at error level.
func (s LogSink) Escalate(_ context.Context, rec Record) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Error("escalation",
		slog.String("alert_id", rec.AlertID),
		slog.String("component", rec.Component),
		slog.String("failure_type", string(rec.FailureType)),
		slog.Int("priority", rec.Priority),
		slog.String("reason", rec.Reason),
		slog.String("playbook", rec.Playbook),
		slog.Int64("ledger_sequence", rec.LedgerSequence),
	)
	return nil
}

// Multi fans an escalation out to every sink and joins their errors.
type Multi []Sink

// Escalate delivers rec to each sink.
func (m Multi) Escalate(ctx context.Context, rec Record) error {
	var errs []error
	for _, s := range m {
		if err := s.Escalate(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RateLimited caps the escalation rate of next. Throttled records go to
// fallback so they are never lost.
type RateLimited struct {
	next     Sink
	fallback Sink
	limiter  *rate.Limiter
}

// NewRateLimited allows perMinute escalations with the given burst.
func NewRateLimited(next, fallback Sink, perMinute float64, burst int) *RateLimited {
	if perMinute <= 0 {
		perMinute = 10
	}
	if burst <= 0 {
		burst = 1
	}
	if fallback == nil {
		fallback = LogSink{}
	}
	return &RateLimited{
		next:     next,
		fallback: fallback,
		limiter:  rate.NewLimiter(rate.Limit(perMinute/60), burst),
	}
}

// Escalate forwards rec when a token is available.
func (r *RateLimited) Escalate(ctx context.Context, rec Record) error {
	if r.limiter.Allow() {
		return r.next.Escalate(ctx, rec)
	}
	if err := r.fallback.Escalate(ctx, rec); err != nil {
		return errors.Join(ErrThrottled, err)
	}
	return ErrThrottled
}
