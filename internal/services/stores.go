package services

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	gormlogger "gorm.io/gorm/logger"

	"github.com/miradorstack/mirador-watchdog/internal/config"
	"github.com/miradorstack/mirador-watchdog/internal/escalation"
	"github.com/miradorstack/mirador-watchdog/internal/governance"
	"github.com/miradorstack/mirador-watchdog/internal/ledger"
	"github.com/miradorstack/mirador-watchdog/internal/monitor"
	"github.com/miradorstack/mirador-watchdog/internal/repo"
)

// OpenStore opens the ledger store selected by cfg. The returned closer is
// nil for stores that hold no resources.
func OpenStore(cfg config.LedgerConfig, logger *slog.Logger) (ledger.Store, io.Closer, error) {
	switch cfg.Driver {
	case "", "memory":
		return ledger.NewMemoryStore(), nil, nil
	case "sqlite", "postgres":
		db, err := repo.OpenSQL(cfg.Driver, cfg.DSN, gormlogger.Warn)
		if err != nil {
			return nil, nil, err
		}
		store, err := repo.NewSQLStore(db)
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	case "badger":
		store, err := repo.OpenBadgerStore(repo.BadgerConfig{Path: cfg.Path, SyncWrites: true, Logger: logger})
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	default:
		return nil, nil, fmt.Errorf("unsupported ledger driver %q", cfg.Driver)
	}
}

func buildSigner(cfg config.SignerConfig) (ledger.Signer, error) {
	switch cfg.Mode {
	case "", "none":
		return nil, nil
	case "http":
		return repo.NewSignerClient(cfg.BaseURL, cfg.SignPath, cfg.KeyID, cfg.Token, cfg.Timeout), nil
	case "ed25519":
		signer, err := repo.LoadEd25519Signer(cfg.KeyPath)
		if err != nil {
			return nil, err
		}
		return signer, nil
	default:
		return nil, fmt.Errorf("unsupported signer mode %q", cfg.Mode)
	}
}

func buildOracle(cfg config.GovernanceConfig) governance.Oracle {
	if cfg.BaseURL == "" {
		return nil
	}
	return repo.NewGovernanceClient(cfg.BaseURL, cfg.CheckPath, cfg.Token, cfg.Timeout)
}

func buildEscalation(cfg config.EscalationConfig, logger *slog.Logger) (escalation.Sink, error) {
	logSink := escalation.LogSink{Logger: logger}
	if cfg.SlackToken == "" {
		return logSink, nil
	}
	slack, err := escalation.NewSlackSink(cfg.SlackToken, cfg.SlackChannel)
	if err != nil {
		return nil, err
	}
	return escalation.NewRateLimited(escalation.Multi{slack, logSink}, logSink, cfg.RatePerMinute, cfg.Burst), nil
}

// buildProber maps a service declaration onto its probe stack.
func buildProber(svc config.ServiceConfig, timeout time.Duration) (monitor.Prober, func() error, error) {
	var (
		liveness monitor.Prober
		closer   func() error
	)
	switch svc.Probe {
	case "http":
		liveness = monitor.NewHTTPProber(svc.Target, timeout)
	case "grpc":
		p := monitor.NewGRPCProber(svc.Target, svc.HealthService)
		liveness, closer = p, p.Close
	case "icmp":
		liveness = &monitor.ICMPProber{Address: svc.Target, Timeout: timeout}
	default:
		return nil, nil, fmt.Errorf("service %s: unsupported probe %q", svc.Name, svc.Probe)
	}
	if svc.PID > 0 {
		return monitor.Combined{Liveness: liveness, Stats: monitor.NewProcessStatsProber(svc.PID, svc.ProcMount)}, closer, nil
	}
	return liveness, closer, nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// runGC is a no-op for stores without background maintenance.
func runGC(ctx context.Context, store ledger.Store) {
	if b, ok := store.(*repo.BadgerStore); ok {
		b.RunGC(ctx, 10*time.Minute, 0.5)
	}
}
