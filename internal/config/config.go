package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config captures every setting the watchdog needs to boot.
type Config struct {
	Server       ServerConfig        `yaml:"server"`
	Logging      LoggingConfig       `yaml:"logging"`
	Ledger       LedgerConfig        `yaml:"ledger"`
	Monitor      MonitorConfig       `yaml:"monitor"`
	Services     []ServiceConfig     `yaml:"services" validate:"dive"`
	Dependencies map[string][]string `yaml:"dependencies"`
	Bridge       BridgeConfig        `yaml:"bridge"`
	Cascade      CascadeConfig       `yaml:"cascade"`
	Playbooks    PlaybooksConfig     `yaml:"playbooks"`
	Patterns     PatternsConfig      `yaml:"patterns"`
	Escalation   EscalationConfig    `yaml:"escalation"`
	Governance   GovernanceConfig    `yaml:"governance"`
	Signer       SignerConfig        `yaml:"signer"`
}

// ServerConfig controls the gRPC and metrics listeners.
type ServerConfig struct {
	Address         string        `yaml:"address" validate:"required"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout" validate:"gte=0"`
	Reflection      bool          `yaml:"reflection"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn warning error"`
	JSON  bool   `yaml:"json"`
}

// LedgerConfig selects and tunes the audit ledger store.
type LedgerConfig struct {
	Driver      string        `yaml:"driver" validate:"oneof=memory sqlite postgres badger"`
	DSN         string        `yaml:"dsn" validate:"required_if=Driver sqlite,required_if=Driver postgres"`
	Path        string        `yaml:"path" validate:"required_if=Driver badger"`
	MaxAttempts int           `yaml:"maxAttempts" validate:"gte=1"`
	BaseBackoff time.Duration `yaml:"baseBackoff" validate:"gt=0"`
	MaxBackoff  time.Duration `yaml:"maxBackoff" validate:"gtefield=BaseBackoff"`
	CacheSize   int           `yaml:"cacheSize" validate:"gte=0"`
	VerifyEvery time.Duration `yaml:"verifyEvery" validate:"gte=0"`
}

// MonitorConfig holds defaults applied to every monitored service.
type MonitorConfig struct {
	ProbeTimeout      time.Duration `yaml:"probeTimeout" validate:"gt=0"`
	InitialInterval   time.Duration `yaml:"initialInterval" validate:"gt=0"`
	MinInterval       time.Duration `yaml:"minInterval" validate:"gt=0"`
	MaxInterval       time.Duration `yaml:"maxInterval" validate:"gtefield=MinInterval"`
	DegradingInterval time.Duration `yaml:"degradingInterval" validate:"gt=0"`
	BreakerThreshold  int           `yaml:"breakerThreshold" validate:"gte=1"`
	BreakerCooldown   time.Duration `yaml:"breakerCooldown" validate:"gt=0"`
	LatencyFailureMS  float64       `yaml:"latencyFailureMs" validate:"gt=0"`
}

// ServiceConfig describes one monitored service and how to probe it.
type ServiceConfig struct {
	Name          string `yaml:"name" validate:"required"`
	Probe         string `yaml:"probe" validate:"oneof=http grpc icmp"`
	Target        string `yaml:"target" validate:"required"`
	HealthService string `yaml:"healthService"`
	PID           int    `yaml:"pid" validate:"gte=0"`
	ProcMount     string `yaml:"procMount"`
}

// BridgeConfig sizes the alert queue and history.
type BridgeConfig struct {
	QueueSize         int           `yaml:"queueSize" validate:"gte=1"`
	SubmitTimeout     time.Duration `yaml:"submitTimeout" validate:"gt=0"`
	KeepaliveInterval time.Duration `yaml:"keepaliveInterval" validate:"gt=0"`
	HistorySize       int           `yaml:"historySize" validate:"gte=1"`
}

// CascadeConfig tunes cascade detection.
type CascadeConfig struct {
	Window       time.Duration `yaml:"window" validate:"gt=0"`
	BufferSize   int           `yaml:"bufferSize" validate:"gte=1"`
	ScanInterval time.Duration `yaml:"scanInterval" validate:"gt=0"`
}

// PlaybooksConfig controls remediation.
type PlaybooksConfig struct {
	RulesPath string `yaml:"rulesPath"`
	DryRun    bool   `yaml:"dryRun"`
}

// PatternsConfig controls periodic failure pattern mining.
type PatternsConfig struct {
	Interval       time.Duration `yaml:"interval" validate:"gt=0"`
	MinOccurrences int           `yaml:"minOccurrences" validate:"gte=1"`
}

// EscalationConfig configures human escalation.
type EscalationConfig struct {
	SlackToken    string  `yaml:"slackToken"`
	SlackChannel  string  `yaml:"slackChannel" validate:"required_with=SlackToken"`
	RatePerMinute float64 `yaml:"ratePerMinute" validate:"gte=0"`
	Burst         int     `yaml:"burst" validate:"gte=0"`
}

// GovernanceConfig points at the optional approval oracle.
type GovernanceConfig struct {
	BaseURL   string        `yaml:"baseURL" validate:"omitempty,url"`
	CheckPath string        `yaml:"checkPath"`
	Token     string        `yaml:"token"`
	Timeout   time.Duration `yaml:"timeout" validate:"gte=0"`
}

// SignerConfig selects how ledger payloads are signed.
type SignerConfig struct {
	Mode     string        `yaml:"mode" validate:"oneof=none http ed25519"`
	BaseURL  string        `yaml:"baseURL" validate:"required_if=Mode http"`
	SignPath string        `yaml:"signPath"`
	KeyID    string        `yaml:"keyID"`
	Token    string        `yaml:"token"`
	KeyPath  string        `yaml:"keyPath" validate:"required_if=Mode ed25519"`
	Timeout  time.Duration `yaml:"timeout" validate:"gte=0"`
}

// Load initialises Config from a YAML file and optional environment overrides,
// then validates it.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("WATCHDOG_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct constraints and cross-field rules.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	seen := make(map[string]struct{}, len(c.Services))
	for _, svc := range c.Services {
		if _, dup := seen[svc.Name]; dup {
			return fmt.Errorf("invalid config: service %q declared twice", svc.Name)
		}
		seen[svc.Name] = struct{}{}
	}
	for service, deps := range c.Dependencies {
		for _, dep := range deps {
			if dep == service {
				return fmt.Errorf("invalid config: service %q depends on itself", service)
			}
		}
	}
	return nil
}

// Default returns the built-in configuration.
func Default() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":50051",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Ledger: LedgerConfig{
			Driver:      "sqlite",
			DSN:         "watchdog-ledger.db",
			MaxAttempts: 5,
			BaseBackoff: 100 * time.Millisecond,
			MaxBackoff:  5 * time.Second,
			CacheSize:   256,
			VerifyEvery: 10 * time.Minute,
		},
		Monitor: MonitorConfig{
			ProbeTimeout:      5 * time.Second,
			InitialInterval:   30 * time.Second,
			MinInterval:       5 * time.Second,
			MaxInterval:       120 * time.Second,
			DegradingInterval: 15 * time.Second,
			BreakerThreshold:  3,
			BreakerCooldown:   5 * time.Minute,
			LatencyFailureMS:  2000,
		},
		Dependencies: map[string][]string{},
		Bridge: BridgeConfig{
			QueueSize:         1000,
			SubmitTimeout:     100 * time.Millisecond,
			KeepaliveInterval: 30 * time.Second,
			HistorySize:       10000,
		},
		Cascade: CascadeConfig{
			Window:       60 * time.Second,
			BufferSize:   1000,
			ScanInterval: 5 * time.Second,
		},
		Playbooks: PlaybooksConfig{RulesPath: "configs/playbooks/rules.yaml"},
		Patterns:  PatternsConfig{Interval: 5 * time.Minute, MinOccurrences: 3},
		Escalation: EscalationConfig{
			RatePerMinute: 10,
			Burst:         5,
		},
		Governance: GovernanceConfig{
			CheckPath: "/v1/governance/check",
			Timeout:   2 * time.Second,
		},
		Signer: SignerConfig{
			Mode:     "none",
			SignPath: "/v1/sign",
			Timeout:  2 * time.Second,
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("WATCHDOG_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("WATCHDOG_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("WATCHDOG_REFLECTION"); v != "" {
		cfg.Server.Reflection = parseBool(v)
	}
	if v := os.Getenv("WATCHDOG_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("WATCHDOG_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("WATCHDOG_LEDGER_DRIVER"); v != "" {
		cfg.Ledger.Driver = v
	}
	if v := os.Getenv("WATCHDOG_LEDGER_DSN"); v != "" {
		cfg.Ledger.DSN = v
	}
	if v := os.Getenv("WATCHDOG_LEDGER_PATH"); v != "" {
		cfg.Ledger.Path = v
	}
	if v := os.Getenv("WATCHDOG_LEDGER_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Ledger.MaxAttempts = n
		}
	}
	if v := os.Getenv("WATCHDOG_LEDGER_BASE_BACKOFF"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Ledger.BaseBackoff = d
		}
	}
	if v := os.Getenv("WATCHDOG_LEDGER_MAX_BACKOFF"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Ledger.MaxBackoff = d
		}
	}
	if v := os.Getenv("WATCHDOG_PROBE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Monitor.ProbeTimeout = d
		}
	}
	if v := os.Getenv("WATCHDOG_BREAKER_COOLDOWN"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Monitor.BreakerCooldown = d
		}
	}
	if v := os.Getenv("WATCHDOG_QUEUE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Bridge.QueueSize = n
		}
	}
	if v := os.Getenv("WATCHDOG_CASCADE_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cascade.Window = d
		}
	}
	if v := os.Getenv("WATCHDOG_RULES_PATH"); v != "" {
		cfg.Playbooks.RulesPath = v
	}
	if v := os.Getenv("WATCHDOG_DRY_RUN"); v != "" {
		cfg.Playbooks.DryRun = parseBool(v)
	}
	if v := os.Getenv("WATCHDOG_SLACK_TOKEN"); v != "" {
		cfg.Escalation.SlackToken = v
	}
	if v := os.Getenv("WATCHDOG_SLACK_CHANNEL"); v != "" {
		cfg.Escalation.SlackChannel = v
	}
	if v := os.Getenv("WATCHDOG_GOVERNANCE_URL"); v != "" {
		cfg.Governance.BaseURL = v
	}
	if v := os.Getenv("WATCHDOG_GOVERNANCE_TOKEN"); v != "" {
		cfg.Governance.Token = v
	}
	if v := os.Getenv("WATCHDOG_SIGNER_MODE"); v != "" {
		cfg.Signer.Mode = v
	}
	if v := os.Getenv("WATCHDOG_SIGNER_URL"); v != "" {
		cfg.Signer.BaseURL = v
	}
	if v := os.Getenv("WATCHDOG_SIGNER_TOKEN"); v != "" {
		cfg.Signer.Token = v
	}
	if v := os.Getenv("WATCHDOG_SIGNER_KEY_PATH"); v != "" {
		cfg.Signer.KeyPath = v
	}
}

func parseBool(v string) bool {
	return strings.EqualFold(v, "true") || v == "1"
}
