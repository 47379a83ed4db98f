// Package config provides configuration loading for autodeploy.
//
// Configuration comes from a YAML file under ~/.config/autodeploy (or
// /etc/autodeploy) overridden by AUTODEPLOY_* environment variables. Named
// profiles bundle the connection target and plan so an operator can run
// `autodeploy deploy --profile staging`.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds the complete autodeploy configuration.
type Config struct {
	Store     StoreConfig        `koanf:"store"`
	Runner    RunnerConfig       `koanf:"runner"`
	Secrets   SecretsConfig      `koanf:"secrets"`
	SSH       SSHConfig          `koanf:"ssh"`
	Reporter  ReporterConfig     `koanf:"reporter"`
	Server    ServerConfig       `koanf:"server"`
	Logging   LoggingConfig      `koanf:"logging"`
	Telemetry TelemetryConfig    `koanf:"telemetry"`
	Profiles  map[string]Profile `koanf:"profiles"`
}

// StoreConfig selects and configures the deployment state store.
type StoreConfig struct {
	// Driver is one of "file", "sqlite" or "memory".
	Driver string `koanf:"driver"`
	// Path is the state directory (file) or database file (sqlite).
	Path string `koanf:"path"`
	// PollInterval is how often the sqlite store checks for cancel requests.
	PollInterval Duration `koanf:"poll_interval"`
}

// RunnerConfig tunes step execution.
type RunnerConfig struct {
	BackoffBase          Duration `koanf:"backoff_base"`
	BackoffMax           Duration `koanf:"backoff_max"`
	Jitter               float64  `koanf:"jitter"`
	OutputTailLines      int      `koanf:"output_tail_lines"`
	MatchWindowBytes     int      `koanf:"match_window_bytes"`
	HeartbeatInterval    Duration `koanf:"heartbeat_interval"`
	RecoveryTimeout      Duration `koanf:"recovery_timeout"`
	DefaultStepTimeout   Duration `koanf:"default_step_timeout"`
	DefaultAttemptBudget int      `koanf:"default_attempt_budget"`
}

// SecretsConfig controls scrubbing of step output before it is persisted.
type SecretsConfig struct {
	// Detector is one of "all", "rules", "gitleaks" or "none".
	Detector string `koanf:"detector"`
	// Allow lists patterns whose matches are never redacted.
	Allow []string `koanf:"allow"`
}

// SSHConfig configures the remote session channel.
type SSHConfig struct {
	KnownHosts            string   `koanf:"known_hosts"`
	InsecureIgnoreHostKey bool     `koanf:"insecure_ignore_host_key"`
	IdentityFiles         []string `koanf:"identity_files"`
	UseAgent              bool     `koanf:"use_agent"`
	ConfigFile            string   `koanf:"config_file"`
	ConnectTimeout        Duration `koanf:"connect_timeout"`
	RequestPTY            bool     `koanf:"request_pty"`
	KeepAlive             Duration `koanf:"keep_alive"`
}

// ReporterConfig configures event sinks.
type ReporterConfig struct {
	// EventsDir holds one events.jsonl per deployment. Empty uses the
	// store path.
	EventsDir   string `koanf:"events_dir"`
	Console     bool   `koanf:"console"`
	Metrics     bool   `koanf:"metrics"`
	NATSEnabled bool   `koanf:"nats_enabled"`
	NATSURL     string `koanf:"nats_url"`
	NATSSubject string `koanf:"nats_subject"`
	NATSToken   Secret `koanf:"nats_token"`
}

// ServerConfig holds the status HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"http_host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig is the subset of logging settings exposed to operators.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TelemetryConfig is the subset of OpenTelemetry settings exposed to operators.
type TelemetryConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	Protocol    string  `koanf:"protocol"`
	Insecure    bool    `koanf:"insecure"`
	ServiceName string  `koanf:"service_name"`
	SampleRate  float64 `koanf:"sample_rate"`
}

// Profile is a named deployment target.
type Profile struct {
	Server  string `koanf:"server"`
	Port    int    `koanf:"port"`
	User    string `koanf:"user"`
	AuthRef string `koanf:"auth_ref"`
	Domain  string `koanf:"domain"`
	Plan    string `koanf:"plan"`
	Mode    string `koanf:"mode"`
	Local   bool   `koanf:"local"`
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Profile returns the named profile.
func (c *Config) Profile(name string) (Profile, error) {
	p, ok := c.Profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("profile %q not found", name)
	}
	return p, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Driver {
	case "file", "sqlite":
		if strings.TrimSpace(c.Store.Path) == "" {
			errs = append(errs, fmt.Errorf("store.path is required for the %s driver", c.Store.Driver))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("store.driver must be file, sqlite or memory, got %q", c.Store.Driver))
	}

	if c.Runner.BackoffBase.Duration() <= 0 {
		errs = append(errs, errors.New("runner.backoff_base must be > 0"))
	}
	if c.Runner.BackoffMax.Duration() < c.Runner.BackoffBase.Duration() {
		errs = append(errs, errors.New("runner.backoff_max must be >= runner.backoff_base"))
	}
	if c.Runner.Jitter < 0 || c.Runner.Jitter >= 1 {
		errs = append(errs, fmt.Errorf("runner.jitter must be in [0, 1), got %v", c.Runner.Jitter))
	}
	if c.Runner.OutputTailLines < 1 {
		errs = append(errs, errors.New("runner.output_tail_lines must be >= 1"))
	}
	if c.Runner.DefaultAttemptBudget < 1 {
		errs = append(errs, errors.New("runner.default_attempt_budget must be >= 1"))
	}

	switch c.Secrets.Detector {
	case "all", "rules", "gitleaks", "none":
	default:
		errs = append(errs, fmt.Errorf("secrets.detector must be all, rules, gitleaks or none, got %q", c.Secrets.Detector))
	}

	if c.SSH.InsecureIgnoreHostKey && c.SSH.KnownHosts != "" {
		errs = append(errs, errors.New("ssh.known_hosts and ssh.insecure_ignore_host_key are mutually exclusive"))
	}

	if c.Reporter.NATSEnabled && c.Reporter.NATSURL == "" {
		errs = append(errs, errors.New("reporter.nats_url is required when nats is enabled"))
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.http_port out of range: %d", c.Server.Port))
	}

	for name, p := range c.Profiles {
		if p.Server == "" && !p.Local {
			errs = append(errs, fmt.Errorf("profile %s: server is required", name))
		}
		if p.Mode != "" && p.Mode != "auto" && p.Mode != "interactive" {
			errs = append(errs, fmt.Errorf("profile %s: mode must be auto or interactive, got %q", name, p.Mode))
		}
	}

	return errors.Join(errs...)
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "file"
	}
	if cfg.Store.Path == "" && cfg.Store.Driver != "memory" {
		cfg.Store.Path = "~/.local/state/autodeploy"
		if cfg.Store.Driver == "sqlite" {
			cfg.Store.Path = "~/.local/state/autodeploy/autodeploy.db"
		}
	}
	if cfg.Store.PollInterval == 0 {
		cfg.Store.PollInterval = Duration(time.Second)
	}

	if cfg.Runner.BackoffBase == 0 {
		cfg.Runner.BackoffBase = Duration(2 * time.Second)
	}
	if cfg.Runner.BackoffMax == 0 {
		cfg.Runner.BackoffMax = Duration(time.Minute)
	}
	if cfg.Runner.Jitter == 0 {
		cfg.Runner.Jitter = 0.2
	}
	if cfg.Runner.OutputTailLines == 0 {
		cfg.Runner.OutputTailLines = 40
	}
	if cfg.Runner.MatchWindowBytes == 0 {
		cfg.Runner.MatchWindowBytes = 64 * 1024
	}
	if cfg.Runner.HeartbeatInterval == 0 {
		cfg.Runner.HeartbeatInterval = Duration(30 * time.Second)
	}
	if cfg.Runner.RecoveryTimeout == 0 {
		cfg.Runner.RecoveryTimeout = Duration(10 * time.Minute)
	}
	if cfg.Runner.DefaultStepTimeout == 0 {
		cfg.Runner.DefaultStepTimeout = Duration(10 * time.Minute)
	}
	if cfg.Runner.DefaultAttemptBudget == 0 {
		cfg.Runner.DefaultAttemptBudget = 3
	}

	if cfg.Secrets.Detector == "" {
		cfg.Secrets.Detector = "all"
	}

	if cfg.SSH.KnownHosts == "" && !cfg.SSH.InsecureIgnoreHostKey {
		cfg.SSH.KnownHosts = "~/.ssh/known_hosts"
	}
	if cfg.SSH.ConnectTimeout == 0 {
		cfg.SSH.ConnectTimeout = Duration(15 * time.Second)
	}
	if cfg.SSH.KeepAlive == 0 {
		cfg.SSH.KeepAlive = Duration(30 * time.Second)
	}

	if cfg.Reporter.NATSSubject == "" {
		cfg.Reporter.NATSSubject = "autodeploy.events"
	}

	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9191
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "autodeploy"
	}
	if cfg.Telemetry.SampleRate == 0 {
		cfg.Telemetry.SampleRate = 1.0
	}
}
