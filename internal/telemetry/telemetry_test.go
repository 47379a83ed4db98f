package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	lognoop "go.opentelemetry.io/otel/log/noop"

	"github.com/fyrsmithlabs/autodeploy/internal/config"
)

func TestFromConfig(t *testing.T) {
	cfg := FromConfig(config.TelemetryConfig{
		Enabled:    true,
		Endpoint:   "https://otel.internal:4318",
		Protocol:   ProtocolHTTP,
		SampleRate: 0.25,
	}, "1.4.0")

	assert.True(t, cfg.Enabled)
	assert.Equal(t, "https://otel.internal:4318", cfg.Endpoint)
	assert.Equal(t, ProtocolHTTP, cfg.Protocol)
	assert.False(t, cfg.Insecure)
	assert.Equal(t, "autodeploy", cfg.ServiceName)
	assert.Equal(t, "1.4.0", cfg.ServiceVersion)
	assert.Equal(t, 0.25, cfg.SampleRate)
	assert.NoError(t, cfg.Validate())

	defaults := FromConfig(config.TelemetryConfig{}, "")
	assert.False(t, defaults.Enabled)
	assert.Equal(t, ProtocolGRPC, defaults.Protocol)
	assert.Equal(t, 1.0, defaults.SampleRate)
}

func TestConfig_Validate(t *testing.T) {
	enabled := func(mutate func(*Config)) *Config {
		c := DefaultConfig()
		c.Enabled = true
		mutate(c)
		return c
	}

	tests := []struct {
		name    string
		cfg     *Config
		wantErr string
	}{
		{"disabled ignores everything", &Config{Protocol: "carrier-pigeon"}, ""},
		{"local default", enabled(func(*Config) {}), ""},
		{"no endpoint", enabled(func(c *Config) { c.Endpoint = "" }), "endpoint is required"},
		{"no service", enabled(func(c *Config) { c.ServiceName = "" }), "service name"},
		{"bad protocol", enabled(func(c *Config) { c.Protocol = "udp" }), "protocol must be"},
		{"rate too high", enabled(func(c *Config) { c.SampleRate = 1.5 }), "outside [0, 1]"},
		{"negative interval", enabled(func(c *Config) { c.MetricInterval = -time.Second }), "must not be negative"},
		{"insecure remote", enabled(func(c *Config) { c.Endpoint = "otel.example.com:4317" }), "plaintext export"},
		{"tls remote", enabled(func(c *Config) {
			c.Endpoint = "otel.example.com:4317"
			c.Insecure = false
		}), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestIsLoopback(t *testing.T) {
	for endpoint, want := range map[string]bool{
		"localhost:4317":         true,
		"LOCALHOST":              true,
		"127.0.0.1:4317":         true,
		"127.8.0.1":              true,
		"[::1]:4317":             true,
		"::1":                    true,
		"http://localhost:4318/": true,
		"10.0.0.5:4317":          false,
		"collector:4317":         false,
		"localhost.evil.com":     false,
	} {
		assert.Equal(t, want, isLoopback(endpoint), endpoint)
	}
}

func TestHostPort(t *testing.T) {
	assert.Equal(t, "otel:4318", hostPort("https://otel:4318"))
	assert.Equal(t, "otel:4318", hostPort("http://otel:4318"))
	assert.Equal(t, "otel:4317", hostPort("otel:4317"))
}

func TestNew_Disabled(t *testing.T) {
	tel, err := New(context.Background(), DefaultConfig())
	require.NoError(t, err)

	assert.False(t, tel.IsEnabled())
	assert.NoError(t, tel.Err())
	assert.Nil(t, tel.LoggerProvider())
	assert.NotNil(t, tel.Tracer("autodeploy"))
	assert.NotNil(t, tel.Meter("autodeploy"))
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.SampleRate = -1
	_, err := New(context.Background(), cfg)
	assert.Error(t, err)
}

func TestNilTelemetry(t *testing.T) {
	var tel *Telemetry
	assert.False(t, tel.IsEnabled())
	assert.NoError(t, tel.Err())
	assert.Nil(t, tel.LoggerProvider())
	assert.NotNil(t, tel.Tracer("autodeploy"))
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestLoggerProvider(t *testing.T) {
	tel, err := New(context.Background(), DefaultConfig())
	require.NoError(t, err)
	lp := lognoop.NewLoggerProvider()
	tel.SetLoggerProvider(lp)
	assert.Equal(t, lp, tel.LoggerProvider())
}

func TestTestTelemetry(t *testing.T) {
	tt := NewTestTelemetry(t)
	ctx := context.Background()
	assert.True(t, tt.IsEnabled())

	_, span := tt.Tracer("autodeploy").Start(ctx, "deployment.run")
	span.SetAttributes(attribute.String("deployment.id", "dep-1"))
	span.End()

	_, ok := tt.Span("deployment.run")
	assert.True(t, ok)
	v, ok := tt.SpanAttr("deployment.run", "deployment.id")
	require.True(t, ok)
	assert.Equal(t, "dep-1", v.AsString())
	_, ok = tt.Span("missing")
	assert.False(t, ok)

	counter, err := tt.Meter("autodeploy").Int64Counter("autodeploy.deployments.finished_total")
	require.NoError(t, err)
	counter.Add(ctx, 2)
	counter.Add(ctx, 1)
	assert.Equal(t, int64(3), tt.CounterValue(t, "autodeploy.deployments.finished_total"))
	assert.Zero(t, tt.CounterValue(t, "unknown"))
}
