package playbook

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-watchdog/internal/models"
	"github.com/miradorstack/mirador-watchdog/internal/utils"
)

type recordingActuator struct {
	mu     sync.Mutex
	calls  []string
	failOn map[string]error
}

func (a *recordingActuator) record(call string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, call)
	return a.failOn[call]
}

func (a *recordingActuator) Restart(_ context.Context, service string) error {
	return a.record("restart:" + service)
}

func (a *recordingActuator) Scale(_ context.Context, service string, _ int) error {
	return a.record("scale:" + service)
}

func (a *recordingActuator) ShedLoad(_ context.Context, service string, _ int) error {
	return a.record("shed:" + service)
}

func (a *recordingActuator) Isolate(_ context.Context, service string) error {
	return a.record("isolate:" + service)
}

func (a *recordingActuator) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

func newBuiltinRegistry(t *testing.T, act Actuator) *Registry {
	t.Helper()
	reg := NewRegistry(utils.DiscardLogger(), nil)
	require.NoError(t, RegisterBuiltins(reg, act))
	return reg
}

func TestExecuteDispatchesByFailureType(t *testing.T) {
	act := &recordingActuator{}
	reg := newBuiltinRegistry(t, act)

	res, pb, ok := reg.Execute(context.Background(), ExecuteRequest{
		FailureType: models.FailureMemoryLeak,
		Component:   "payments",
	})
	require.True(t, ok)
	assert.Equal(t, RecycleForLeak, pb.Name)
	assert.Equal(t, models.RemediationSuccess, res.Status)
	assert.True(t, res.Success)
	assert.Equal(t, []string{"restart:payments"}, act.calls)
	assert.Equal(t, 1, pb.Executions)
	assert.Equal(t, 1, pb.Successes)
	assert.Equal(t, 1, reg.PreventiveRestarts())

	_, _, ok = reg.Execute(context.Background(), ExecuteRequest{
		FailureType: models.FailureMemoryLeak,
		Component:   "payments",
		Context:     map[string]any{DryRunKey: true},
	})
	require.True(t, ok)
	assert.Equal(t, 1, reg.PreventiveRestarts(), "dry runs restart nothing")
}

func TestExecuteFallsBackToRegexForUnknownTypes(t *testing.T) {
	reg := newBuiltinRegistry(t, &recordingActuator{})

	_, pb, ok := reg.Execute(context.Background(), ExecuteRequest{
		FailureType: models.FailureUnknown,
		Trigger:     "upstream timeout talking to ledger-db",
		Component:   "orders",
	})
	require.True(t, ok)
	assert.Equal(t, ShedLoad, pb.Name)
}

func TestExecuteUnmatched(t *testing.T) {
	reg := newBuiltinRegistry(t, &recordingActuator{})

	_, pb, ok := reg.Execute(context.Background(), ExecuteRequest{FailureType: "disk_full", Trigger: "volume /data at 99%", Component: "orders"})
	assert.False(t, ok)
	assert.Nil(t, pb)
}

func TestRulesExtendRegexTable(t *testing.T) {
	reg := newBuiltinRegistry(t, &recordingActuator{})
	require.NoError(t, reg.SetRules([]Rule{{Playbook: ScaleResources, Pattern: `(?i)disk`}}))

	pb, ok := reg.Match(ExecuteRequest{Trigger: "Disk pressure on node-3"})
	require.True(t, ok)
	assert.Equal(t, ScaleResources, pb.Name)

	assert.Error(t, reg.SetRules([]Rule{{Playbook: ScaleResources, Pattern: "("}}))
	_, ok = reg.Match(ExecuteRequest{Trigger: "Disk pressure on node-3"})
	assert.True(t, ok, "failed reload keeps the previous table")
}

func TestHighestPriorityWins(t *testing.T) {
	reg := NewRegistry(utils.DiscardLogger(), nil)
	noop := func(context.Context, ExecuteRequest) (models.RemediationResult, error) {
		return models.RemediationResult{Status: models.RemediationSuccess, Success: true}, nil
	}
	require.NoError(t, reg.Register(&Playbook{Name: "low", FailureTypes: []models.FailureType{models.FailureErrorSpike}, Priority: 1, Enabled: true, Remediate: noop}))
	require.NoError(t, reg.Register(&Playbook{Name: "high", FailureTypes: []models.FailureType{models.FailureErrorSpike}, Priority: 9, Enabled: true, Remediate: noop}))

	pb, ok := reg.Match(ExecuteRequest{FailureType: models.FailureErrorSpike})
	require.True(t, ok)
	assert.Equal(t, "high", pb.Name)

	require.NoError(t, reg.Disable("high"))
	pb, ok = reg.Match(ExecuteRequest{FailureType: models.FailureErrorSpike})
	require.True(t, ok)
	assert.Equal(t, "low", pb.Name)

	assert.ErrorIs(t, reg.Disable("missing"), ErrUnknownPlaybook)
}

func TestRegisterValidation(t *testing.T) {
	reg := NewRegistry(utils.DiscardLogger(), nil)
	assert.Error(t, reg.Register(&Playbook{}))
	assert.Error(t, reg.Register(&Playbook{Name: "no-func"}))
	assert.Error(t, reg.Register(&Playbook{Name: "bad-regex", Trigger: "(", Remediate: func(context.Context, ExecuteRequest) (models.RemediationResult, error) {
		return models.RemediationResult{}, nil
	}}))
}

func TestDryRunIsIdempotent(t *testing.T) {
	act := &recordingActuator{}
	reg := newBuiltinRegistry(t, act)
	req := ExecuteRequest{
		FailureType: models.FailureCascade,
		Component:   "db",
		Context:     map[string]any{DryRunKey: true, "root": "db", "root_known": true},
	}

	first, _, ok := reg.Execute(context.Background(), req)
	require.True(t, ok)
	second, _, ok := reg.Execute(context.Background(), req)
	require.True(t, ok)

	assert.Zero(t, act.callCount(), "dry run must not touch the actuator")
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.ActionsTaken, second.ActionsTaken)
	assert.Equal(t, []string{"would isolate db from its dependents", "would restart db"}, first.ActionsTaken)
}

func TestErrorsAndPanicsBecomeFailedResults(t *testing.T) {
	reg := NewRegistry(utils.DiscardLogger(), nil)
	attempts := 0
	require.NoError(t, reg.Register(&Playbook{
		Name:         "flaky",
		FailureTypes: []models.FailureType{models.FailureErrorSpike},
		MaxRetries:   2,
		Enabled:      true,
		Remediate: func(context.Context, ExecuteRequest) (models.RemediationResult, error) {
			attempts++
			return models.RemediationResult{ActionsTaken: []string{"tried"}}, errors.New("orchestrator unavailable")
		},
	}))
	require.NoError(t, reg.Register(&Playbook{
		Name:         "explodes",
		FailureTypes: []models.FailureType{models.FailureHighLatency},
		Enabled:      true,
		Remediate: func(context.Context, ExecuteRequest) (models.RemediationResult, error) {
			panic("nil actuator")
		},
	}))

	res, pb, ok := reg.Execute(context.Background(), ExecuteRequest{FailureType: models.FailureErrorSpike})
	require.True(t, ok)
	assert.Equal(t, models.RemediationFailed, res.Status)
	assert.False(t, res.Success)
	assert.Equal(t, "orchestrator unavailable", res.Error)
	assert.Equal(t, []string{"tried"}, res.ActionsTaken)
	assert.Equal(t, 3, attempts, "one attempt plus two retries")
	assert.Equal(t, 1, pb.Failures)

	res, _, ok = reg.Execute(context.Background(), ExecuteRequest{FailureType: models.FailureHighLatency})
	require.True(t, ok)
	assert.Equal(t, models.RemediationFailed, res.Status)
	assert.Contains(t, res.Error, "nil actuator")
}

func TestPartialWhenLaterStepFails(t *testing.T) {
	act := &recordingActuator{failOn: map[string]error{"restart:db": errors.New("restart refused")}}
	reg := newBuiltinRegistry(t, act)

	res, _, ok := reg.Execute(context.Background(), ExecuteRequest{
		FailureType: models.FailureCascade,
		Component:   "db",
		Context:     map[string]any{"root": "db", "root_known": true},
	})
	require.True(t, ok)
	assert.Equal(t, models.RemediationPartial, res.Status)
	assert.False(t, res.Success)
	assert.Equal(t, []string{"isolate db from its dependents"}, res.ActionsTaken)
}

func TestCountersFollowReportedSuccess(t *testing.T) {
	reg := NewRegistry(utils.DiscardLogger(), nil)
	var success bool
	require.NoError(t, reg.Register(&Playbook{
		Name:         "drain",
		FailureTypes: []models.FailureType{models.FailureErrorSpike},
		Enabled:      true,
		Remediate: func(context.Context, ExecuteRequest) (models.RemediationResult, error) {
			return models.RemediationResult{Status: models.RemediationPartial, Success: success}, nil
		},
	}))
	req := ExecuteRequest{FailureType: models.FailureErrorSpike, Component: "orders"}

	res, pb, ok := reg.Execute(context.Background(), req)
	require.True(t, ok)
	assert.False(t, res.Success, "partial is not promoted to success")
	assert.Equal(t, 0, pb.Successes)
	assert.Equal(t, 1, pb.Failures)

	success = true
	res, pb, ok = reg.Execute(context.Background(), req)
	require.True(t, ok)
	assert.True(t, res.Success)
	assert.Equal(t, models.RemediationPartial, res.Status)
	assert.Equal(t, 1, pb.Successes)
	assert.Equal(t, 1, pb.Failures)
}

func TestStatusDerivedFromSuccessWhenUnset(t *testing.T) {
	reg := NewRegistry(utils.DiscardLogger(), nil)
	require.NoError(t, reg.Register(&Playbook{
		Name:         "flag-only",
		FailureTypes: []models.FailureType{models.FailureErrorSpike},
		Enabled:      true,
		Remediate: func(context.Context, ExecuteRequest) (models.RemediationResult, error) {
			return models.RemediationResult{Success: true}, nil
		},
	}))
	res, _, ok := reg.Execute(context.Background(), ExecuteRequest{FailureType: models.FailureErrorSpike, Component: "orders"})
	require.True(t, ok)
	assert.Equal(t, models.RemediationSuccess, res.Status)
	assert.True(t, res.Success)
}

func TestCascadeWithUnknownRootEscalates(t *testing.T) {
	reg := newBuiltinRegistry(t, &recordingActuator{})

	res, _, ok := reg.Execute(context.Background(), ExecuteRequest{
		FailureType: models.FailureCascade,
		Component:   "unknown",
		Context:     map[string]any{"root": "unknown", "root_known": false},
	})
	require.True(t, ok)
	assert.Equal(t, models.RemediationEscalated, res.Status)
	assert.NotEmpty(t, res.EscalationReason)
}

func TestStatsSortedByName(t *testing.T) {
	reg := newBuiltinRegistry(t, &recordingActuator{})
	_, _, _ = reg.Execute(context.Background(), ExecuteRequest{FailureType: models.FailureServiceDown, Component: "api"})

	stats := reg.Stats()
	require.Len(t, stats, 5)
	assert.Equal(t, CascadeIsolateRoot, stats[0].Name)
	for _, s := range stats {
		if s.Name == RestartService {
			assert.Equal(t, 1, s.Executions)
			assert.InDelta(t, 1.0, s.SuccessRate, 1e-9)
		}
	}
}

func TestWatchRulesReloadsOnChange(t *testing.T) {
	reg := newBuiltinRegistry(t, &recordingActuator{})
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rules: []\n"), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- reg.WatchRules(ctx, path) }()

	req := ExecuteRequest{Trigger: "queue backlog growing"}
	_, ok := reg.Match(req)
	require.False(t, ok)

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("rules:\n  - playbook: scale-resources\n    pattern: \"(?i)backlog\"\n"), 0o600))

	assert.Eventually(t, func() bool {
		pb, ok := reg.Match(req)
		return ok && pb.Name == ScaleResources
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestLoadRulesMissingFile(t *testing.T) {
	rules, err := LoadRules(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Empty(t, rules)
}
