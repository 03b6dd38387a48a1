package playbook

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/miradorstack/mirador-watchdog/internal/models"
)

// Built-in playbook names.
const (
	RestartService     = "restart-service"
	ScaleResources     = "scale-resources"
	RecycleForLeak     = "recycle-for-leak"
	ShedLoad           = "shed-load"
	CascadeIsolateRoot = "cascade-isolate-root"
)

// Actuator performs the side effects remediation needs. Implementations talk
// to the orchestrator that runs the monitored services.
type Actuator interface {
	Restart(ctx context.Context, service string) error
	Scale(ctx context.Context, service string, delta int) error
	ShedLoad(ctx context.Context, service string, percent int) error
	Isolate(ctx context.Context, service string) error
}

// LogActuator records intended actions without touching anything.
type LogActuator struct {
	Logger *slog.Logger
}

func (a LogActuator) log() *slog.Logger {
	if a.Logger == nil {
		return slog.Default()
	}
	return a.Logger
}

// Restart logs the restart.
func (a LogActuator) Restart(_ context.Context, service string) error {
	a.log().Info("actuator restart", slog.String("service", service))
	return nil
}

// Scale logs the scale change.
func (a LogActuator) Scale(_ context.Context, service string, delta int) error {
	a.log().Info("actuator scale", slog.String("service", service), slog.Int("delta", delta))
	return nil
}

// ShedLoad logs the shed.
func (a LogActuator) ShedLoad(_ context.Context, service string, percent int) error {
	a.log().Info("actuator shed load", slog.String("service", service), slog.Int("percent", percent))
	return nil
}

// Isolate logs the isolation.
func (a LogActuator) Isolate(_ context.Context, service string) error {
	a.log().Info("actuator isolate", slog.String("service", service))
	return nil
}

// Builtins returns the stock playbooks wired to act.
func Builtins(act Actuator) []*Playbook {
	return []*Playbook{
		{
			Name:         RestartService,
			Description:  "Restart a service that is down or predicted to fail",
			FailureTypes: []models.FailureType{models.FailureServiceDown, models.FailurePredicted, models.FailureThreadInstability},
			Trigger:      `(?i)\b(down|unreachable|not responding|crash)`,
			Priority:     50,
			MaxRetries:   2,
			Enabled:      true,
			Remediate: func(ctx context.Context, req ExecuteRequest) (models.RemediationResult, error) {
				return runSteps(ctx, req, step{
					describe: "restart " + req.Component,
					apply:    func(ctx context.Context) error { return act.Restart(ctx, req.Component) },
				})
			},
		},
		{
			Name:         ScaleResources,
			Description:  "Add capacity to a service running out of CPU",
			FailureTypes: []models.FailureType{models.FailureResourceExhaustion},
			Trigger:      `(?i)(cpu|resource|exhaust|saturat)`,
			Priority:     40,
			MaxRetries:   1,
			Enabled:      true,
			Remediate: func(ctx context.Context, req ExecuteRequest) (models.RemediationResult, error) {
				return runSteps(ctx, req, step{
					describe: "scale " + req.Component + " by +1 replica",
					apply:    func(ctx context.Context) error { return act.Scale(ctx, req.Component, 1) },
				})
			},
		},
		{
			Name:         RecycleForLeak,
			Description:  "Restart a leaking service before it exhausts memory",
			FailureTypes: []models.FailureType{models.FailureMemoryLeak},
			Trigger:      `(?i)(memory|leak|oom)`,
			Priority:     60,
			MaxRetries:   1,
			Enabled:      true,
			Preventive:   true,
			Remediate: func(ctx context.Context, req ExecuteRequest) (models.RemediationResult, error) {
				return runSteps(ctx, req, step{
					describe: "preventive restart of " + req.Component,
					apply:    func(ctx context.Context) error { return act.Restart(ctx, req.Component) },
				})
			},
		},
		{
			Name:         ShedLoad,
			Description:  "Shed a share of traffic from a slow or erroring service",
			FailureTypes: []models.FailureType{models.FailureErrorSpike, models.FailureHighLatency},
			Trigger:      `(?i)(latency|error rate|timeout|slow)`,
			Priority:     30,
			MaxRetries:   1,
			Enabled:      true,
			Remediate: func(ctx context.Context, req ExecuteRequest) (models.RemediationResult, error) {
				return runSteps(ctx, req, step{
					describe: "shed 20% of traffic from " + req.Component,
					apply:    func(ctx context.Context) error { return act.ShedLoad(ctx, req.Component, 20) },
				})
			},
		},
		{
			Name:             CascadeIsolateRoot,
			Description:      "Isolate and restart the root of a cascading failure",
			FailureTypes:     []models.FailureType{models.FailureCascade},
			Trigger:          `(?i)cascad`,
			Priority:         90,
			MaxRetries:       0,
			RequiresApproval: true,
			Enabled:          true,
			Remediate: func(ctx context.Context, req ExecuteRequest) (models.RemediationResult, error) {
				root, _ := req.Context["root"].(string)
				known, _ := req.Context["root_known"].(bool)
				if root == "" || !known {
					return models.EscalatedResult("cascade root unknown; operator triage required"), nil
				}
				return runSteps(ctx, req,
					step{
						describe: "isolate " + root + " from its dependents",
						apply:    func(ctx context.Context) error { return act.Isolate(ctx, root) },
					},
					step{
						describe: "restart " + root,
						apply:    func(ctx context.Context) error { return act.Restart(ctx, root) },
					},
				)
			},
		},
	}
}

// RegisterBuiltins registers every stock playbook on reg.
func RegisterBuiltins(reg *Registry, act Actuator) error {
	for _, pb := range Builtins(act) {
		if err := reg.Register(pb); err != nil {
			return err
		}
	}
	return nil
}

type step struct {
	describe string
	apply    func(ctx context.Context) error
}

// runSteps applies steps in order. A dry run only describes them. A failure
// after at least one applied step yields Partial, which is not a success.
func runSteps(ctx context.Context, req ExecuteRequest, steps ...step) (models.RemediationResult, error) {
	if req.Component == "" {
		return models.RemediationResult{}, fmt.Errorf("remediation requires a component")
	}
	actions := make([]string, 0, len(steps))
	if req.DryRun() {
		for _, s := range steps {
			actions = append(actions, "would "+s.describe)
		}
		return models.RemediationResult{Status: models.RemediationSuccess, Success: true, ActionsTaken: actions}, nil
	}

	for _, s := range steps {
		if err := s.apply(ctx); err != nil {
			if len(actions) == 0 {
				return models.RemediationResult{}, fmt.Errorf("%s: %w", s.describe, err)
			}
			return models.RemediationResult{
				Status:       models.RemediationPartial,
				ActionsTaken: actions,
				Error:        fmt.Sprintf("%s: %v", s.describe, err),
			}, nil
		}
		actions = append(actions, s.describe)
	}
	return models.RemediationResult{Status: models.RemediationSuccess, Success: true, ActionsTaken: actions}, nil
}
