package telemetry

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/fyrsmithlabs/autodeploy/internal/config"
)

// Protocols understood by the exporters.
const (
	ProtocolGRPC = "grpc"
	ProtocolHTTP = "http/protobuf"
)

// Config selects the exporters and their behaviour.
type Config struct {
	Enabled  bool
	Endpoint string
	Protocol string
	Insecure bool

	ServiceName    string
	ServiceVersion string

	// SampleRate is the fraction of deployments traced, in [0, 1].
	SampleRate float64

	// MetricInterval is the export period. Zero disables metric export.
	MetricInterval  time.Duration
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a disabled configuration pointing at a local
// collector.
func DefaultConfig() *Config {
	return &Config{
		Endpoint:        "localhost:4317",
		Protocol:        ProtocolGRPC,
		Insecure:        true,
		ServiceName:     "autodeploy",
		ServiceVersion:  "dev",
		SampleRate:      1,
		MetricInterval:  15 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}
}

// FromConfig maps the operator settings onto DefaultConfig.
func FromConfig(tc config.TelemetryConfig, version string) *Config {
	cfg := DefaultConfig()
	cfg.Enabled = tc.Enabled
	cfg.Insecure = tc.Insecure
	if tc.Endpoint != "" {
		cfg.Endpoint = tc.Endpoint
	}
	if tc.Protocol != "" {
		cfg.Protocol = tc.Protocol
	}
	if tc.ServiceName != "" {
		cfg.ServiceName = tc.ServiceName
	}
	if version != "" {
		cfg.ServiceVersion = version
	}
	if tc.SampleRate > 0 {
		cfg.SampleRate = tc.SampleRate
	}
	return cfg
}

// Validate checks an enabled configuration. A disabled one is always valid.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Endpoint == "" {
		return fmt.Errorf("telemetry endpoint is required")
	}
	if c.ServiceName == "" {
		return fmt.Errorf("telemetry service name is required")
	}
	switch c.Protocol {
	case ProtocolGRPC, ProtocolHTTP:
	default:
		return fmt.Errorf("telemetry protocol must be %s or %s, got %q", ProtocolGRPC, ProtocolHTTP, c.Protocol)
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		return fmt.Errorf("telemetry sample rate %v outside [0, 1]", c.SampleRate)
	}
	if c.MetricInterval < 0 {
		return fmt.Errorf("telemetry metric interval must not be negative")
	}
	if c.Insecure && !isLoopback(c.Endpoint) {
		return fmt.Errorf("plaintext export to %s refused: only loopback collectors may be insecure", c.Endpoint)
	}
	return nil
}

// isLoopback reports whether endpoint (host, host:port or a URL) names the
// local machine.
func isLoopback(endpoint string) bool {
	host := endpoint
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	host, _, _ = strings.Cut(host, "/")
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
