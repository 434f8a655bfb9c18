// Package config provides configuration loading and validation for
// launch-ctrl.
//
// Configuration file: /etc/launch-ctrl/config.yaml (default)
// Schema version: 1
//
// Validation:
//   - All required fields must be present.
//   - Numeric ranges enforced (timeouts, retry counts, ring sizes).
//   - Invalid config on startup: the process refuses to start (fatal error).
//
// Unlike the teacher agent, launch-ctrl has no hot-reload: operator-tunable
// behavior (alarm prioritization, ways of working, KPI alignment) lives in
// the runtime Policy Store (internal/policy), reachable through the control
// surface, not through a SIGHUP re-read of this file.
//
// Not every setting is wired into a component. cmd/launchctrl reads
// tower.base_url, tower.stream_path, tower.request_timeout,
// tower.max_retries, correlation.window, rca.smtp, diagnostics.export_dir,
// observability.log_level, observability.log_format and
// control_surface.addr. The remaining settings (tower.poll_interval,
// tower.bootstrap_emit, bus.*, supervisor.*, mitigation.*,
// rca.dedup_window, observability.metrics_addr) are loaded and validated
// only; the components use their own built-in values instead.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime can be injected at build time via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is the root configuration structure for launch-ctrl.
// All fields have defaults; see Defaults() for values.
type Config struct {
	// SchemaVersion must be "1".
	SchemaVersion string `yaml:"schema_version"`

	// NodeID identifies this launch-ctrl instance in logs. Default: hostname.
	NodeID string `yaml:"node_id"`

	// Tower configures the Tower Bridge and its HTTP client to the
	// external simulator.
	Tower TowerConfig `yaml:"tower"`

	// Bus configures the Incident Bus's bounded ring and subscriber buffers.
	Bus BusConfig `yaml:"bus"`

	// Supervisor configures the orchestrator's ledger, log ring, and
	// cold-start behavior.
	Supervisor SupervisorConfig `yaml:"supervisor"`

	// Correlation configures Agent A's windowing and noise filters.
	Correlation CorrelationConfig `yaml:"correlation"`

	// Mitigation configures Agent B's retry/backoff and per-step timing.
	Mitigation MitigationConfig `yaml:"mitigation"`

	// RCA configures Agent C's dedup window and dispatch mailer.
	RCA RCAConfig `yaml:"rca"`

	// Diagnostics configures the one-way BoltDB snapshot exporter.
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`

	// Observability configures metrics and logging.
	Observability ObservabilityConfig `yaml:"observability"`

	// ControlSurface configures the HTTP control plane bind address.
	ControlSurface ControlSurfaceConfig `yaml:"control_surface"`
}

// TowerConfig holds Tower Bridge and tower client parameters.
type TowerConfig struct {
	// BaseURL is the external simulator's HTTP base URL, e.g.
	// http://localhost:8090. Required.
	BaseURL string `yaml:"base_url"`

	// StreamPath is the path of the simulator's server-sent event / NDJSON
	// stream endpoint, relative to BaseURL. Empty disables the streaming
	// loop entirely (poll-only mode). Default: /stream.
	StreamPath string `yaml:"stream_path"`

	// RequestTimeout bounds every individual tower HTTP call. Default: 3s.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// MaxRetries is the number of retries after the first attempt for a
	// failed tower call (spec.md §6: default 2). Default: 2.
	MaxRetries int `yaml:"max_retries"`

	// PollInterval is how often the Tower Bridge polls GET /state
	// regardless of stream health. Default: 5s.
	PollInterval time.Duration `yaml:"poll_interval"`

	// BootstrapEmit controls whether the Delta Emitter emits synthetic
	// alarm.raised events for the very first ingest of a
	// stream connection. Default: true.
	BootstrapEmit bool `yaml:"bootstrap_emit"`
}

// BusConfig holds Incident Bus tuning parameters.
type BusConfig struct {
	// RingCapacity is the number of recent events retained for replay to
	// new subscribers. Default: 100.
	RingCapacity int `yaml:"ring_capacity"`

	// SubscriberBuffer is the per-subscriber channel depth before
	// drop-oldest kicks in. Default: 32.
	SubscriberBuffer int `yaml:"subscriber_buffer"`

	// HydrateCount is how many recent events a new subscriber receives
	// before streaming live. Default: 5.
	HydrateCount int `yaml:"hydrate_count"`
}

// SupervisorConfig holds orchestrator tuning parameters.
type SupervisorConfig struct {
	// LedgerTTL is how long a duplicate event identity is remembered.
	// Default: 60s.
	LedgerTTL time.Duration `yaml:"ledger_ttl"`

	// LedgerMaxSize bounds the duplicate ledger's entry count. Default: 5000.
	LedgerMaxSize int `yaml:"ledger_max_size"`

	// LogRingCapacity bounds the operator-visible log ring. Default: 2000.
	LogRingCapacity int `yaml:"log_ring_capacity"`
}

// CorrelationConfig holds Agent A tuning parameters.
type CorrelationConfig struct {
	// Window is the inclusive correlation window. Default: 5m.
	Window time.Duration `yaml:"window"`
}

// MitigationConfig holds Agent B tuning parameters.
type MitigationConfig struct {
	// InterStepDelay separates consecutive plan-step executions. Default: 500ms.
	InterStepDelay time.Duration `yaml:"inter_step_delay"`

	// BootSettleDelay is how long a site is given to boot after power-on
	// before the first read. Default: 2500ms.
	BootSettleDelay time.Duration `yaml:"boot_settle_delay"`

	// HealReadDelay is the settle time after an RRU state change before
	// re-reading site state during a radio-heal attempt. Default: 1200ms.
	HealReadDelay time.Duration `yaml:"heal_read_delay"`

	// HealResetDelay is the settle time between RRU off and RRU on during
	// a harder reset. Default: 400ms.
	HealResetDelay time.Duration `yaml:"heal_reset_delay"`

	// MaxHealAttempts bounds radio-heal retries per antenna. Default: 3.
	MaxHealAttempts int `yaml:"max_heal_attempts"`

	// MaxSweepPasses bounds post-execution alarm-clearing sweep passes.
	// Default: 3.
	MaxSweepPasses int `yaml:"max_sweep_passes"`
}

// RCAConfig holds Agent C tuning parameters.
type RCAConfig struct {
	// DedupWindow suppresses a repeated (cause, resolution) case recording
	// within this window. Default: 10s.
	DedupWindow time.Duration `yaml:"dedup_window"`

	// SMTP configures the optional SMTP dispatch mailer. An empty Host
	// means launch-ctrl uses the default LogMailer instead (spec.md §6).
	SMTP SMTPConfig `yaml:"smtp"`
}

// SMTPConfig holds the optional real mailer's connection parameters. The
// SMTPMailer implementation is a documented stub (see internal/mailer) —
// these fields exist so a future transport can be wired without touching
// Agent C or this config shape.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// DiagnosticsConfig holds the snapshot exporter's parameters.
type DiagnosticsConfig struct {
	// ExportDir is the directory timestamped BoltDB snapshot files are
	// written to. Default: /var/lib/launch-ctrl/diagnostics.
	ExportDir string `yaml:"export_dir"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address, used only
	// if a standalone metrics server is requested (Metrics.Serve);
	// otherwise /metrics is mounted directly on the control surface.
	// Default: 127.0.0.1:9091.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls the minimum log level (debug, info, warn, error).
	// Default: info.
	LogLevel string `yaml:"log_level"`

	// LogFormat controls the log output format (json, console).
	// Default: json.
	LogFormat string `yaml:"log_format"`
}

// ControlSurfaceConfig holds the HTTP control plane's bind address.
type ControlSurfaceConfig struct {
	// Addr is the control surface's HTTP listen address. Default: 0.0.0.0:8080.
	Addr string `yaml:"addr"`
}

// DefaultDiagnosticsDir is the default BoltDB snapshot export directory.
const DefaultDiagnosticsDir = "/var/lib/launch-ctrl/diagnostics"

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	hostname, _ := os.Hostname()
	return Config{
		SchemaVersion: "1",
		NodeID:        hostname,
		Tower: TowerConfig{
			BaseURL:        "http://localhost:8090",
			StreamPath:     "/stream",
			RequestTimeout: 3 * time.Second,
			MaxRetries:     2,
			PollInterval:   5 * time.Second,
			BootstrapEmit:  true,
		},
		Bus: BusConfig{
			RingCapacity:     100,
			SubscriberBuffer: 32,
			HydrateCount:     5,
		},
		Supervisor: SupervisorConfig{
			LedgerTTL:       60 * time.Second,
			LedgerMaxSize:   5000,
			LogRingCapacity: 2000,
		},
		Correlation: CorrelationConfig{
			Window: 5 * time.Minute,
		},
		Mitigation: MitigationConfig{
			InterStepDelay:  500 * time.Millisecond,
			BootSettleDelay: 2500 * time.Millisecond,
			HealReadDelay:   1200 * time.Millisecond,
			HealResetDelay:  400 * time.Millisecond,
			MaxHealAttempts: 3,
			MaxSweepPasses:  3,
		},
		RCA: RCAConfig{
			DedupWindow: 10 * time.Second,
		},
		Diagnostics: DiagnosticsConfig{
			ExportDir: DefaultDiagnosticsDir,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
		ControlSurface: ControlSurfaceConfig{
			Addr: "0.0.0.0:8080",
		},
	}
}

// Load reads and validates a config file from the given path.
// Returns the merged config (defaults overridden by file values).
// Returns an error if the file cannot be read, parsed, or validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks all config fields for correctness, accumulating every
// violation found rather than stopping at the first one.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.NodeID == "" {
		errs = append(errs, "node_id must not be empty")
	}
	if cfg.Tower.BaseURL == "" {
		errs = append(errs, "tower.base_url must not be empty")
	}
	if cfg.Tower.RequestTimeout < time.Second {
		errs = append(errs, fmt.Sprintf("tower.request_timeout must be >= 1s, got %s", cfg.Tower.RequestTimeout))
	}
	if cfg.Tower.MaxRetries < 0 || cfg.Tower.MaxRetries > 10 {
		errs = append(errs, fmt.Sprintf("tower.max_retries must be in [0, 10], got %d", cfg.Tower.MaxRetries))
	}
	if cfg.Tower.PollInterval < time.Second {
		errs = append(errs, fmt.Sprintf("tower.poll_interval must be >= 1s, got %s", cfg.Tower.PollInterval))
	}
	if cfg.Bus.RingCapacity < 1 {
		errs = append(errs, fmt.Sprintf("bus.ring_capacity must be >= 1, got %d", cfg.Bus.RingCapacity))
	}
	if cfg.Bus.SubscriberBuffer < 1 {
		errs = append(errs, fmt.Sprintf("bus.subscriber_buffer must be >= 1, got %d", cfg.Bus.SubscriberBuffer))
	}
	if cfg.Bus.HydrateCount < 0 || cfg.Bus.HydrateCount > cfg.Bus.RingCapacity {
		errs = append(errs, fmt.Sprintf("bus.hydrate_count must be in [0, ring_capacity], got %d", cfg.Bus.HydrateCount))
	}
	if cfg.Supervisor.LedgerTTL < time.Second {
		errs = append(errs, fmt.Sprintf("supervisor.ledger_ttl must be >= 1s, got %s", cfg.Supervisor.LedgerTTL))
	}
	if cfg.Supervisor.LedgerMaxSize < 1 {
		errs = append(errs, fmt.Sprintf("supervisor.ledger_max_size must be >= 1, got %d", cfg.Supervisor.LedgerMaxSize))
	}
	if cfg.Supervisor.LogRingCapacity < 1 {
		errs = append(errs, fmt.Sprintf("supervisor.log_ring_capacity must be >= 1, got %d", cfg.Supervisor.LogRingCapacity))
	}
	if cfg.Correlation.Window < time.Second {
		errs = append(errs, fmt.Sprintf("correlation.window must be >= 1s, got %s", cfg.Correlation.Window))
	}
	if cfg.Mitigation.MaxHealAttempts < 1 {
		errs = append(errs, fmt.Sprintf("mitigation.max_heal_attempts must be >= 1, got %d", cfg.Mitigation.MaxHealAttempts))
	}
	if cfg.Mitigation.MaxSweepPasses < 1 {
		errs = append(errs, fmt.Sprintf("mitigation.max_sweep_passes must be >= 1, got %d", cfg.Mitigation.MaxSweepPasses))
	}
	if cfg.RCA.DedupWindow < 0 {
		errs = append(errs, "rca.dedup_window must be >= 0")
	}
	if cfg.Diagnostics.ExportDir == "" {
		errs = append(errs, "diagnostics.export_dir must not be empty")
	}
	if cfg.ControlSurface.Addr == "" {
		errs = append(errs, "control_surface.addr must not be empty")
	}
	switch cfg.Observability.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("observability.log_level must be one of debug|info|warn|error, got %q", cfg.Observability.LogLevel))
	}
	switch cfg.Observability.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("observability.log_format must be one of json|console, got %q", cfg.Observability.LogFormat))
	}

	if len(errs) > 0 {
		msg := errs[0]
		for _, e := range errs[1:] {
			msg += "; " + e
		}
		return fmt.Errorf("%s", msg)
	}
	return nil
}
