package playbook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/miradorstack/mirador-watchdog/internal/metrics"
	"github.com/miradorstack/mirador-watchdog/internal/models"
	"github.com/miradorstack/mirador-watchdog/internal/utils"
)

// DryRunKey is the context key that suppresses remediation side effects.
const DryRunKey = "dry_run"

var (
	// ErrNoMatch reports that no enabled playbook matched a request.
	ErrNoMatch = errors.New("playbook: no matching playbook")
	// ErrUnknownPlaybook reports an operation on an unregistered name.
	ErrUnknownPlaybook = errors.New("playbook: unknown playbook")
)

// ExecuteRequest carries an alert into the registry.
type ExecuteRequest struct {
	FailureType models.FailureType
	Trigger     string
	Component   string
	Context     map[string]any
}

// DryRun reports whether the request asks for a side-effect free run.
func (r ExecuteRequest) DryRun() bool {
	v, ok := r.Context[DryRunKey].(bool)
	return ok && v
}

// RemediateFunc performs one remediation attempt.
type RemediateFunc func(ctx context.Context, req ExecuteRequest) (models.RemediationResult, error)

// Playbook is a named, statistics-tracked remediation procedure.
type Playbook struct {
	Name             string
	Description      string
	FailureTypes     []models.FailureType
	Trigger          string
	Priority         int
	MaxRetries       int
	RequiresApproval bool
	// Preventive marks a restart issued ahead of a predicted failure.
	Preventive       bool
	Enabled          bool
	Remediate        RemediateFunc

	Executions   int
	Successes    int
	Failures     int
	LastExecuted time.Time

	trigger *regexp.Regexp
}

// SuccessRate returns Successes over Executions.
func (p *Playbook) SuccessRate() float64 {
	if p.Executions == 0 {
		return 0
	}
	return float64(p.Successes) / float64(p.Executions)
}

func (p *Playbook) handles(ft models.FailureType) bool {
	for _, t := range p.FailureTypes {
		if t == ft {
			return true
		}
	}
	return false
}

// Stats is a point-in-time copy of a playbook's counters.
type Stats struct {
	Name         string
	Enabled      bool
	Executions   int
	Successes    int
	Failures     int
	SuccessRate  float64
	LastExecuted time.Time
}

type compiledRule struct {
	playbook string
	pattern  *regexp.Regexp
}

// Registry dispatches requests to playbooks by failure type first and by
// regex trigger for anything the type map does not cover.
type Registry struct {
	logger *slog.Logger
	clock  utils.Clock

	mu         sync.RWMutex
	playbooks  map[string]*Playbook
	byType     map[models.FailureType][]string
	rules      []compiledRule
	preventive int
}

// NewRegistry constructs an empty registry.
func NewRegistry(logger *slog.Logger, clock utils.Clock) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:    logger,
		clock:     utils.ClockOrSystem(clock),
		playbooks: make(map[string]*Playbook),
		byType:    make(map[models.FailureType][]string),
	}
}

// Register adds pb. Names are unique and the trigger must compile.
func (r *Registry) Register(pb *Playbook) error {
	if pb == nil || pb.Name == "" {
		return errors.New("playbook: name is required")
	}
	if pb.Remediate == nil {
		return fmt.Errorf("playbook %s: remediate function is required", pb.Name)
	}
	if pb.MaxRetries < 0 {
		return fmt.Errorf("playbook %s: max retries must not be negative", pb.Name)
	}
	if pb.Trigger != "" {
		re, err := regexp.Compile(pb.Trigger)
		if err != nil {
			return fmt.Errorf("playbook %s: compile trigger: %w", pb.Name, err)
		}
		pb.trigger = re
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.playbooks[pb.Name]; exists {
		return fmt.Errorf("playbook %s already registered", pb.Name)
	}
	r.playbooks[pb.Name] = pb
	for _, ft := range pb.FailureTypes {
		r.byType[ft] = append(r.byType[ft], pb.Name)
	}
	return nil
}

// Disable stops name from matching.
func (r *Registry) Disable(name string) error {
	return r.setEnabled(name, false)
}

// Enable lets name match again.
func (r *Registry) Enable(name string) error {
	return r.setEnabled(name, true)
}

func (r *Registry) setEnabled(name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	pb, ok := r.playbooks[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPlaybook, name)
	}
	pb.Enabled = enabled
	return nil
}

// Lookup returns a copy of the named playbook.
func (r *Registry) Lookup(name string) (Playbook, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pb, ok := r.playbooks[name]
	if !ok {
		return Playbook{}, false
	}
	return *pb, true
}

// Match returns a copy of the playbook req would dispatch to.
func (r *Registry) Match(req ExecuteRequest) (Playbook, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pb := r.matchLocked(req)
	if pb == nil {
		return Playbook{}, false
	}
	return *pb, true
}

func (r *Registry) matchLocked(req ExecuteRequest) *Playbook {
	var candidates []*Playbook
	if req.FailureType != "" && req.FailureType != models.FailureUnknown {
		for _, name := range r.byType[req.FailureType] {
			if pb := r.playbooks[name]; pb.Enabled {
				candidates = append(candidates, pb)
			}
		}
	}

	if len(candidates) == 0 && req.Trigger != "" {
		seen := make(map[string]bool)
		for _, pb := range r.playbooks {
			if pb.Enabled && pb.trigger != nil && pb.trigger.MatchString(req.Trigger) {
				candidates = append(candidates, pb)
				seen[pb.Name] = true
			}
		}
		for _, rule := range r.rules {
			pb, ok := r.playbooks[rule.playbook]
			if !ok || !pb.Enabled || seen[pb.Name] {
				continue
			}
			if rule.pattern.MatchString(req.Trigger) {
				candidates = append(candidates, pb)
				seen[pb.Name] = true
			}
		}
	}

	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].Name < candidates[j].Name
	})
	return candidates[0]
}

// Execute runs the best matching playbook. It returns false when nothing
// matched. Remediation errors and panics become a Failed result; Failed
// attempts are retried up to the playbook's MaxRetries.
func (r *Registry) Execute(ctx context.Context, req ExecuteRequest) (models.RemediationResult, *Playbook, bool) {
	r.mu.Lock()
	pb := r.matchLocked(req)
	if pb == nil {
		r.mu.Unlock()
		return models.RemediationResult{}, nil, false
	}
	pb.Executions++
	pb.LastExecuted = r.clock.Now().UTC()
	name, remediate, retries, preventive := pb.Name, pb.Remediate, pb.MaxRetries, pb.Preventive
	r.mu.Unlock()

	logger := r.logger.With(slog.String("playbook", name), slog.String("component", req.Component))

	var result models.RemediationResult
	for attempt := 0; attempt <= retries; attempt++ {
		result = r.attempt(ctx, remediate, req)
		if result.Status != models.RemediationFailed {
			break
		}
		if ctx.Err() != nil {
			break
		}
		logger.Warn("remediation attempt failed", slog.Int("attempt", attempt+1), slog.String("error", result.Error))
	}

	r.mu.Lock()
	if result.Success {
		pb.Successes++
	} else {
		pb.Failures++
	}
	restarted := preventive && result.Success && !req.DryRun()
	if restarted {
		r.preventive++
	}
	snapshot := *pb
	r.mu.Unlock()

	if restarted {
		metrics.IncPreventiveRestart()
	}

	metrics.ObservePlaybook(name, string(result.Status))
	logger.Info("playbook executed",
		slog.String("status", string(result.Status)),
		slog.Bool("dry_run", req.DryRun()),
		slog.Any("actions", result.ActionsTaken),
	)
	return result, &snapshot, true
}

func (r *Registry) attempt(ctx context.Context, remediate RemediateFunc, req ExecuteRequest) (result models.RemediationResult) {
	defer func() {
		if rec := recover(); rec != nil {
			result = models.FailedResult(fmt.Errorf("remediation panicked: %v", rec))
		}
	}()

	res, err := remediate(ctx, req)
	if err != nil {
		return models.FailedResult(err, res.ActionsTaken...)
	}
	if res.Status == "" {
		if res.Success {
			res.Status = models.RemediationSuccess
		} else {
			res.Status = models.RemediationFailed
		}
	}
	if res.Timestamp.IsZero() {
		res.Timestamp = r.clock.Now().UTC()
	}
	return res
}

// PreventiveRestarts returns how many preventive restarts have succeeded
// outside dry-run.
func (r *Registry) PreventiveRestarts() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.preventive
}

// Stats returns counters for every playbook, sorted by name.
func (r *Registry) Stats() []Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Stats, 0, len(r.playbooks))
	for _, pb := range r.playbooks {
		out = append(out, Stats{
			Name:         pb.Name,
			Enabled:      pb.Enabled,
			Executions:   pb.Executions,
			Successes:    pb.Successes,
			Failures:     pb.Failures,
			SuccessRate:  pb.SuccessRate(),
			LastExecuted: pb.LastExecuted,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
