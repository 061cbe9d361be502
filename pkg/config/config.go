// Package config provides configuration loading, validation, and defaults
// for the gatekeeper daemon. It handles JSON config files, environment
// variable substitution and GATEKEEPER_* overrides.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"gatekeeper/pkg/audit"
)

// Store backends.
const (
	StoreSQLite = "sqlite"
	StoreVault  = "vault"
)

// Session store backends.
const (
	SessionsSQLite = "sqlite"
	SessionsFile   = "file"
)

// Defaults.
const (
	DefaultDataDir         = ".gatekeeper"
	DefaultTick            = 5 * time.Second
	DefaultSweepInterval   = 5 * time.Second
	DefaultHandlerTimeout  = 60 * time.Second
	DefaultMaxAttempts     = 3
	DefaultConcurrency     = 4
	DefaultLoopCeiling     = 10
	DefaultCompletionToken = "TASK_COMPLETE"
	DefaultHTTPAddr        = "127.0.0.1:8470"
	DefaultNATSSubject     = "gatekeeper.audit"
	DefaultShutdownTimeout = 30 * time.Second
)

// DefaultSchedule is the retry schedule: immediately, then 25 seconds,
// then 2 hours.
func DefaultSchedule() []Duration {
	return []Duration{0, Duration(25 * time.Second), Duration(2 * time.Hour)}
}

// Duration is a time.Duration that reads "25s" style strings or a number
// of seconds from JSON and writes the string form.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case float64:
		*d = Duration(time.Duration(val * float64(time.Second)))
		return nil
	case string:
		parsed, err := parseDuration(val)
		if err != nil {
			return err
		}
		*d = parsed
		return nil
	default:
		return fmt.Errorf("invalid duration %s", string(data))
	}
}

func parseDuration(s string) (Duration, error) {
	parsed, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return Duration(parsed), nil
}

// DispatchConfig tunes the dispatcher.
type DispatchConfig struct {
	Tick           Duration   `json:"tick"`
	DefaultTimeout Duration   `json:"default_timeout"`
	MaxAttempts    int        `json:"max_attempts"`
	Schedule       []Duration `json:"schedule"`
	Concurrency    int        `json:"concurrency"`
}

// ApprovalConfig tunes the approval gate. Approval expiry comes from the
// policy table.
type ApprovalConfig struct {
	SweepInterval Duration `json:"sweep_interval"`
}

// LoopConfig configures the loop controller and where sessions live.
type LoopConfig struct {
	Ceiling         int    `json:"ceiling"`
	CompletionToken string `json:"completion_token"`
	SessionStore    string `json:"session_store"` // "sqlite" or "file"
	SessionDir      string `json:"session_dir"`
}

// HandlerConfig binds an action type to a capability handler: either a
// builtin ("note") or an external command.
type HandlerConfig struct {
	Builtin    string   `json:"builtin,omitempty"`
	Command    []string `json:"command,omitempty"`
	WorkDir    string   `json:"workdir,omitempty"`
	Env        []string `json:"env,omitempty"`
	Timeout    Duration `json:"timeout,omitempty"`
	NeverRetry bool     `json:"never_retry,omitempty"`
}

// HTTPConfig configures the operator API.
type HTTPConfig struct {
	Addr     string `json:"addr"`
	Disabled bool   `json:"disabled"`
}

// NATSConfig enables live audit fan-out when URL is set.
type NATSConfig struct {
	URL     string `json:"url"`
	Subject string `json:"subject"`
}

// AuditConfig adds redaction rules on top of the built-in ones.
type AuditConfig struct {
	RedactPatterns []audit.Pattern `json:"redact_patterns,omitempty"`
}

// MetricsConfig points gatekeeperctl stats at the Prometheus server that
// scrapes the daemon.
type MetricsConfig struct {
	PrometheusURL string `json:"prometheus_url"`
}

// Config represents the daemon configuration.
type Config struct {
	DataDir         string                   `json:"data_dir"`
	Store           string                   `json:"store"` // "sqlite" or "vault"
	DBPath          string                   `json:"db_path"`
	VaultDir        string                   `json:"vault_dir"`
	LogDir          string                   `json:"log_dir"`
	PolicyFile      string                   `json:"policy_file"`
	ShutdownTimeout Duration                 `json:"shutdown_timeout"`
	Debug           bool                     `json:"debug"`
	Dispatch        DispatchConfig           `json:"dispatch"`
	Approval        ApprovalConfig           `json:"approval"`
	Loop            LoopConfig               `json:"loop"`
	Handlers        map[string]HandlerConfig `json:"handlers"`
	HTTP            HTTPConfig               `json:"http"`
	NATS            NATSConfig               `json:"nats"`
	Audit           AuditConfig              `json:"audit"`
	Metrics         MetricsConfig            `json:"metrics"`
}

// Default returns a config with every field defaulted.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults sets default values for missing configuration. Paths
// are derived from DataDir when unset.
func applyDefaults(cfg *Config) {
	if cfg.DataDir == "" {
		cfg.DataDir = DefaultDataDir
	}
	if cfg.Store == "" {
		cfg.Store = StoreSQLite
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "gatekeeper.db")
	}
	if cfg.VaultDir == "" {
		cfg.VaultDir = filepath.Join(cfg.DataDir, "vault")
	}
	if cfg.LogDir == "" {
		if cfg.Store == StoreVault {
			// Audit partitions live in the vault's Logs folder.
			cfg.LogDir = filepath.Join(cfg.VaultDir, "Logs")
		} else {
			cfg.LogDir = filepath.Join(cfg.DataDir, "logs")
		}
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = Duration(DefaultShutdownTimeout)
	}

	if cfg.Dispatch.Tick == 0 {
		cfg.Dispatch.Tick = Duration(DefaultTick)
	}
	if cfg.Dispatch.DefaultTimeout == 0 {
		cfg.Dispatch.DefaultTimeout = Duration(DefaultHandlerTimeout)
	}
	if cfg.Dispatch.MaxAttempts == 0 {
		cfg.Dispatch.MaxAttempts = DefaultMaxAttempts
	}
	if len(cfg.Dispatch.Schedule) == 0 {
		cfg.Dispatch.Schedule = DefaultSchedule()
	}
	if cfg.Dispatch.Concurrency == 0 {
		cfg.Dispatch.Concurrency = DefaultConcurrency
	}

	if cfg.Approval.SweepInterval == 0 {
		cfg.Approval.SweepInterval = Duration(DefaultSweepInterval)
	}

	if cfg.Loop.Ceiling == 0 {
		cfg.Loop.Ceiling = DefaultLoopCeiling
	}
	if cfg.Loop.CompletionToken == "" {
		cfg.Loop.CompletionToken = DefaultCompletionToken
	}
	if cfg.Loop.SessionStore == "" {
		cfg.Loop.SessionStore = SessionsSQLite
	}
	if cfg.Loop.SessionDir == "" {
		cfg.Loop.SessionDir = filepath.Join(cfg.DataDir, "sessions")
	}

	if cfg.Handlers == nil {
		cfg.Handlers = map[string]HandlerConfig{
			"low_risk_note": {Builtin: "note"},
		}
	}

	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = DefaultHTTPAddr
	}
	if cfg.NATS.Subject == "" {
		cfg.NATS.Subject = DefaultNATSSubject
	}
}

// Validate reports every problem in cfg at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.Store {
	case StoreSQLite, StoreVault:
	default:
		errs = append(errs, fmt.Errorf("store must be %q or %q (got %q)", StoreSQLite, StoreVault, c.Store))
	}
	switch c.Loop.SessionStore {
	case SessionsSQLite, SessionsFile:
	default:
		errs = append(errs, fmt.Errorf("loop.session_store must be %q or %q (got %q)", SessionsSQLite, SessionsFile, c.Loop.SessionStore))
	}

	if c.Dispatch.Tick <= 0 {
		errs = append(errs, fmt.Errorf("dispatch.tick must be positive (got %s)", c.Dispatch.Tick))
	}
	if c.Dispatch.DefaultTimeout <= 0 {
		errs = append(errs, fmt.Errorf("dispatch.default_timeout must be positive (got %s)", c.Dispatch.DefaultTimeout))
	}
	if c.Dispatch.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("dispatch.max_attempts must be at least 1 (got %d)", c.Dispatch.MaxAttempts))
	}
	if c.Dispatch.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("dispatch.concurrency must be at least 1 (got %d)", c.Dispatch.Concurrency))
	}
	for i, d := range c.Dispatch.Schedule {
		if d < 0 {
			errs = append(errs, fmt.Errorf("dispatch.schedule[%d] is negative (%s)", i, d))
		}
	}
	if c.Approval.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("approval.sweep_interval must be positive (got %s)", c.Approval.SweepInterval))
	}
	if c.Loop.Ceiling < 1 {
		errs = append(errs, fmt.Errorf("loop.ceiling must be at least 1 (got %d)", c.Loop.Ceiling))
	}

	for actionType, h := range c.Handlers {
		switch {
		case h.Builtin != "" && len(h.Command) > 0:
			errs = append(errs, fmt.Errorf("handlers.%s: builtin and command are mutually exclusive", actionType))
		case h.Builtin == "" && len(h.Command) == 0:
			errs = append(errs, fmt.Errorf("handlers.%s: needs a builtin or a command", actionType))
		case h.Builtin != "" && h.Builtin != "note":
			errs = append(errs, fmt.Errorf("handlers.%s: unknown builtin %q", actionType, h.Builtin))
		}
		if h.Timeout < 0 {
			errs = append(errs, fmt.Errorf("handlers.%s: timeout is negative", actionType))
		}
	}

	if c.NATS.URL != "" && !strings.Contains(c.NATS.URL, "://") {
		errs = append(errs, fmt.Errorf("nats.url must include a scheme (got %q)", c.NATS.URL))
	}

	return errors.Join(errs...)
}

// ScheduleDurations converts the retry schedule.
func (d DispatchConfig) ScheduleDurations() []time.Duration {
	out := make([]time.Duration, len(d.Schedule))
	for i, v := range d.Schedule {
		out[i] = v.Std()
	}
	return out
}
