package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-watchdog/internal/escalation"
	"github.com/miradorstack/mirador-watchdog/internal/governance"
	"github.com/miradorstack/mirador-watchdog/internal/ledger"
	"github.com/miradorstack/mirador-watchdog/internal/metrics"
	"github.com/miradorstack/mirador-watchdog/internal/models"
	"github.com/miradorstack/mirador-watchdog/internal/playbook"
	"github.com/miradorstack/mirador-watchdog/internal/utils"
)

// ErrQueueFull is returned by Submit when the queue stayed full for the whole
// submit wait.
var ErrQueueFull = errors.New("bridge: alert queue full")

// Ledger actions written by the bridge.
const (
	ActionAlertHandled   = "alert_handled"
	ActionAlertUnmatched = "alert_unmatched"
	ActionEscalated      = "alert_escalated"
	ActionBlocked        = "remediation_blocked"
)

const actor = "alert-bridge"

// Remediator matches and executes playbooks.
type Remediator interface {
	Match(req playbook.ExecuteRequest) (playbook.Playbook, bool)
	Execute(ctx context.Context, req playbook.ExecuteRequest) (models.RemediationResult, *playbook.Playbook, bool)
}

// Appender records audit entries.
type Appender interface {
	Append(ctx context.Context, rec ledger.Record) (int64, error)
}

// Config tunes the queue and history.
type Config struct {
	QueueSize         int
	SubmitTimeout     time.Duration
	KeepaliveInterval time.Duration
	HistorySize       int
	DryRun            bool
}

// DefaultConfig returns the stock bridge configuration.
func DefaultConfig() Config {
	return Config{
		QueueSize:         1000,
		SubmitTimeout:     100 * time.Millisecond,
		KeepaliveInterval: 30 * time.Second,
		HistorySize:       10000,
	}
}

// Counters is a snapshot of bridge activity.
type Counters struct {
	Received  int64
	Handled   int64
	Escalated int64
	Unmatched int64
	Dropped   int64
}

// Bridge is a bounded alert queue drained by a single consumer that runs
// playbooks, audits every step and escalates to humans.
type Bridge struct {
	cfg      Config
	registry Remediator
	ledger   Appender
	oracle   governance.Oracle
	sink     escalation.Sink
	logger   *slog.Logger

	queue   chan models.WatchdogAlert
	history *utils.SyncRing[models.WatchdogAlert]

	received  atomic.Int64
	handled   atomic.Int64
	escalated atomic.Int64
	unmatched atomic.Int64
	dropped   atomic.Int64
}

// New constructs a bridge. oracle and sink may be nil.
func New(cfg Config, registry Remediator, audit Appender, oracle governance.Oracle, sink escalation.Sink, logger *slog.Logger) (*Bridge, error) {
	if registry == nil {
		return nil, errors.New("bridge requires a playbook registry")
	}
	if audit == nil {
		return nil, errors.New("bridge requires a ledger")
	}
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = def.SubmitTimeout
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = def.KeepaliveInterval
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	if sink == nil {
		sink = escalation.LogSink{Logger: logger}
	}
	if oracle == nil {
		oracle = governance.Unavailable{}
	}
	return &Bridge{
		cfg:      cfg,
		registry: registry,
		ledger:   audit,
		oracle:   oracle,
		sink:     sink,
		logger:   logger,
		queue:    make(chan models.WatchdogAlert, cfg.QueueSize),
		history:  utils.NewSyncRing[models.WatchdogAlert](cfg.HistorySize),
	}, nil
}

// Submit enqueues alert, waiting at most SubmitTimeout for space.
func (b *Bridge) Submit(ctx context.Context, alert models.WatchdogAlert) error {
	if alert.ID == "" {
		alert.ID = uuid.New().String()
	}
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now().UTC()
	}
	alert.Priority = models.ClampPriority(alert.Priority)

	select {
	case b.queue <- alert:
		b.accepted()
		return nil
	default:
	}

	timer := time.NewTimer(b.cfg.SubmitTimeout)
	defer timer.Stop()
	select {
	case b.queue <- alert:
		b.accepted()
		return nil
	case <-timer.C:
		b.dropped.Add(1)
		metrics.IncAlert(metrics.StageDropped)
		b.logger.Warn("alert queue full",
			slog.String("alert_id", alert.ID),
			slog.String("component", alert.Component),
			slog.Int("depth", len(b.queue)),
		)
		return ErrQueueFull
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bridge) accepted() {
	b.received.Add(1)
	metrics.IncAlert(metrics.StageReceived)
	metrics.SetQueueDepth(len(b.queue))
}

// Run drains the queue until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	keepalive := time.NewTicker(b.cfg.KeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case alert := <-b.queue:
			metrics.SetQueueDepth(len(b.queue))
			b.Process(ctx, alert)
		case <-keepalive.C:
			b.logger.Debug("alert bridge keepalive",
				slog.Int("queue_depth", len(b.queue)),
				slog.Int64("handled", b.handled.Load()),
			)
		}
	}
}

// Process handles one alert synchronously and returns it with its response
// filled in.
func (b *Bridge) Process(ctx context.Context, alert models.WatchdogAlert) models.WatchdogAlert {
	logger := b.logger.With(
		slog.String("alert_id", alert.ID),
		slog.String("component", alert.Component),
		slog.String("failure_type", string(alert.FailureType)),
	)

	req := playbook.ExecuteRequest{
		FailureType: alert.FailureType,
		Trigger:     alert.Description,
		Component:   alert.Component,
		Context:     b.requestContext(alert),
	}

	matched, ok := b.registry.Match(req)
	if !ok {
		b.unmatched.Add(1)
		metrics.IncAlert(metrics.StageUnmatched)
		logger.Debug("no playbook matched alert", slog.String("description", alert.Description))
		b.audit(ctx, alert, ActionAlertUnmatched, "unmatched", nil)
		b.history.Push(alert)
		return alert
	}

	if blocked, reason := b.governanceBlocks(ctx, alert, matched); blocked {
		result := models.EscalatedResult(reason)
		alert.Response = models.AlertResponse{HandledBy: matched.Name, Result: &result}
		seq := b.audit(ctx, alert, ActionBlocked, string(result.Status), &result)
		b.finish(ctx, alert, result, seq)
		return alert
	}

	result, executed, ok := b.registry.Execute(ctx, req)
	if !ok {
		b.unmatched.Add(1)
		metrics.IncAlert(metrics.StageUnmatched)
		b.audit(ctx, alert, ActionAlertUnmatched, "unmatched", nil)
		b.history.Push(alert)
		return alert
	}
	alert.Response = models.AlertResponse{
		HandledBy:            executed.Name,
		RemediationAttempted: true,
		Result:               &result,
	}
	seq := b.audit(ctx, alert, ActionAlertHandled, string(result.Status), &result)
	b.finish(ctx, alert, result, seq)
	return alert
}

func (b *Bridge) finish(ctx context.Context, alert models.WatchdogAlert, result models.RemediationResult, seq int64) {
	b.handled.Add(1)
	metrics.IncAlert(metrics.StageHandled)

	if b.shouldEscalate(alert, result) {
		reason := result.EscalationReason
		if reason == "" {
			reason = fmt.Sprintf("remediation %s: %s", result.Status, result.Error)
		}
		rec := escalation.NewRecord(alert, reason)
		if seq > 0 {
			rec.LedgerSequence = seq
		}
		if err := b.sink.Escalate(ctx, rec); err != nil {
			b.logger.Warn("escalation delivery failed", slog.String("alert_id", alert.ID), slog.Any("error", err))
		}
		b.escalated.Add(1)
		metrics.IncAlert(metrics.StageEscalated)
		b.audit(ctx, alert, ActionEscalated, reason, &result)
	}

	b.history.Push(alert)
}

func (b *Bridge) shouldEscalate(alert models.WatchdogAlert, result models.RemediationResult) bool {
	switch result.Status {
	case models.RemediationEscalated:
		return true
	case models.RemediationFailed:
		return alert.Severity == models.SeverityCritical
	default:
		return false
	}
}

// governanceBlocks consults the oracle for playbooks that require approval.
// An oracle error blocks them. Other playbooks never reach the oracle.
func (b *Bridge) governanceBlocks(ctx context.Context, alert models.WatchdogAlert, pb playbook.Playbook) (bool, string) {
	if !pb.RequiresApproval {
		return false, ""
	}
	decision, err := b.oracle.Check(ctx, governance.Request{
		Playbook:         pb.Name,
		FailureType:      string(alert.FailureType),
		Component:        alert.Component,
		Priority:         alert.Priority,
		RequiresApproval: pb.RequiresApproval,
		Context:          alert.Context,
	})
	if err != nil {
		b.logger.Warn("governance oracle unavailable; blocking approval playbook", slog.String("playbook", pb.Name), slog.Any("error", err))
		return true, "approval required: " + err.Error()
	}
	if !decision.Allowed {
		reason := "approval required"
		if decision.Reason != "" {
			reason += ": " + decision.Reason
		}
		return true, reason
	}
	return false, ""
}

func (b *Bridge) requestContext(alert models.WatchdogAlert) map[string]any {
	ctx := make(map[string]any, len(alert.Context)+1)
	for k, v := range alert.Context {
		ctx[k] = v
	}
	if b.cfg.DryRun {
		ctx[playbook.DryRunKey] = true
	}
	return ctx
}

func (b *Bridge) audit(ctx context.Context, alert models.WatchdogAlert, action, result string, res *models.RemediationResult) int64 {
	payload := map[string]any{
		"alert_id":     alert.ID,
		"failure_type": alert.FailureType,
		"severity":     alert.Severity,
		"priority":     alert.Priority,
		"description":  alert.Description,
	}
	if alert.Response.HandledBy != "" {
		payload["playbook"] = alert.Response.HandledBy
	}
	if res != nil {
		payload["status"] = res.Status
		payload["actions"] = res.ActionsTaken
		if res.Error != "" {
			payload["error"] = res.Error
		}
		if res.EscalationReason != "" {
			payload["escalation_reason"] = res.EscalationReason
		}
	}

	seq, err := b.ledger.Append(ctx, ledger.Record{
		Actor:     actor,
		Action:    action,
		Resource:  alert.Component,
		Subsystem: alert.Subsystem,
		Payload:   payload,
		Result:    result,
	})
	if err != nil {
		b.logger.Error("ledger append failed", slog.String("action", action), slog.String("alert_id", alert.ID), slog.Any("error", err))
		return ledger.FailedSequence
	}
	return seq
}

// Counters returns a snapshot of the bridge counters.
func (b *Bridge) Counters() Counters {
	return Counters{
		Received:  b.received.Load(),
		Handled:   b.handled.Load(),
		Escalated: b.escalated.Load(),
		Unmatched: b.unmatched.Load(),
		Dropped:   b.dropped.Load(),
	}
}

// QueueDepth returns the number of alerts waiting.
func (b *Bridge) QueueDepth() int {
	return len(b.queue)
}

// History returns processed alerts, oldest first.
func (b *Bridge) History() []models.WatchdogAlert {
	return b.history.Slice()
}

// Recent returns the newest n processed alerts, oldest first.
func (b *Bridge) Recent(n int) []models.WatchdogAlert {
	return b.history.Tail(n)
}

// Find returns a processed alert by id.
func (b *Bridge) Find(id string) (models.WatchdogAlert, bool) {
	return b.history.Find(func(a models.WatchdogAlert) bool { return a.ID == id })
}
