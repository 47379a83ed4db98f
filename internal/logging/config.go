package logging

import (
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/autodeploy/internal/config"
)

// Config describes how a Logger is built.
type Config struct {
	Level  zapcore.Level
	Format string

	// Writer receives local output. Nil means stderr.
	Writer io.Writer
	// Local disables the local stream when false. At least one of Local
	// and OTEL must be set.
	Local bool
	// OTEL forwards records to the log provider passed to NewLogger.
	OTEL bool

	Sampling Sampling
	Caller   bool
	Fields   map[string]string

	// RedactKeys are matched case-insensitively against field names.
	RedactKeys []string
	// RedactPatterns are matched against string values.
	RedactPatterns []string
}

// Sampling thins out repeated debug and info lines. Warnings and errors
// always pass. A zero Tick disables sampling.
type Sampling struct {
	Tick       time.Duration
	Initial    int
	Thereafter int
}

// DefaultConfig returns the settings used by the CLI.
func DefaultConfig() *Config {
	return &Config{
		Level:  zapcore.InfoLevel,
		Format: "json",
		Local:  true,
		Sampling: Sampling{
			Tick:       time.Second,
			Initial:    100,
			Thereafter: 10,
		},
		Caller: true,
		Fields: map[string]string{"service": "autodeploy"},
		RedactKeys: []string{
			"password", "passphrase", "secret", "token", "api_key",
			"authorization", "private_key", "auth_ref", "credential",
		},
		RedactPatterns: []string{
			`(?i)bearer\s+\S+`,
			`-----BEGIN [A-Z ]*PRIVATE KEY-----`,
			`(?i)(postgres|mysql|redis|amqp)://[^:\s]+:[^@\s]+@`,
		},
	}
}

// Validate reports the first setting that cannot be used.
func (c *Config) Validate() error {
	switch c.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log format must be json or console, got %q", c.Format)
	}
	if !c.Local && !c.OTEL {
		return fmt.Errorf("no log output enabled")
	}
	if c.Sampling.Tick < 0 || c.Sampling.Initial < 0 || c.Sampling.Thereafter < 0 {
		return fmt.Errorf("log sampling values must not be negative")
	}
	for _, p := range c.RedactPatterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("redaction pattern %q: %w", p, err)
		}
	}
	for k := range c.Fields {
		if strings.TrimSpace(k) == "" {
			return fmt.Errorf("constant log field with empty name")
		}
	}
	return nil
}

// ParseLevel accepts the zap level names, case-insensitively.
func ParseLevel(s string) (zapcore.Level, error) {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(s)))); err != nil {
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", s)
	}
	return l, nil
}

// FromConfig applies the operator settings to DefaultConfig.
func FromConfig(lc config.LoggingConfig) (*Config, error) {
	cfg := DefaultConfig()
	if lc.Level != "" {
		l, err := ParseLevel(lc.Level)
		if err != nil {
			return nil, err
		}
		cfg.Level = l
		// Debug runs are for reading every line.
		if l == zapcore.DebugLevel {
			cfg.Sampling = Sampling{}
		}
	}
	if lc.Format != "" {
		cfg.Format = lc.Format
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
