package logging

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/autodeploy/internal/config"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"console", func(c *Config) { c.Format = "console" }, ""},
		{"unknown format", func(c *Config) { c.Format = "logfmt" }, "json or console"},
		{"no outputs", func(c *Config) { c.Local = false }, "no log output"},
		{"negative sampling", func(c *Config) { c.Sampling.Initial = -1 }, "must not be negative"},
		{"bad pattern", func(c *Config) { c.RedactPatterns = []string{"(unclosed"} }, "redaction pattern"},
		{"empty field name", func(c *Config) { c.Fields = map[string]string{" ": "x"} }, "empty name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]zapcore.Level{
		"debug":  zapcore.DebugLevel,
		"INFO":   zapcore.InfoLevel,
		" warn ": zapcore.WarnLevel,
		"error":  zapcore.ErrorLevel,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("chatty")
	assert.ErrorContains(t, err, `unknown log level "chatty"`)
}

func TestFromConfig(t *testing.T) {
	t.Run("empty keeps defaults", func(t *testing.T) {
		cfg, err := FromConfig(config.LoggingConfig{})
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig().Level, cfg.Level)
		assert.Equal(t, "json", cfg.Format)
		assert.Positive(t, cfg.Sampling.Tick)
	})

	t.Run("debug turns sampling off", func(t *testing.T) {
		cfg, err := FromConfig(config.LoggingConfig{Level: "debug", Format: "console"})
		require.NoError(t, err)
		assert.Equal(t, zapcore.DebugLevel, cfg.Level)
		assert.Equal(t, "console", cfg.Format)
		assert.Zero(t, cfg.Sampling.Tick)
	})

	t.Run("invalid", func(t *testing.T) {
		_, err := FromConfig(config.LoggingConfig{Level: "loud"})
		assert.Error(t, err)
		_, err = FromConfig(config.LoggingConfig{Format: "xml"})
		assert.Error(t, err)
	})
}

func TestContext(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, ContextFields(ctx))

	ctx = WithDeploymentID(ctx, "3f2a-web.prod_1")
	ctx = WithRequestID(ctx, "req-9")
	ctx = WithStep(ctx, 0, "update-apt")

	assert.Equal(t, "3f2a-web.prod_1", DeploymentID(ctx))
	assert.Equal(t, "req-9", RequestID(ctx))
	step, ok := StepFrom(ctx)
	require.True(t, ok)
	assert.Equal(t, Step{Index: 0, Name: "update-apt"}, step)

	fields := ContextFields(ctx)
	assert.Contains(t, fields, zap.String("deployment.id", "3f2a-web.prod_1"))
	assert.Contains(t, fields, zap.Int("step.index", 0))
	assert.Contains(t, fields, zap.String("request.id", "req-9"))

	cleared := WithStep(ctx, -1, "")
	_, ok = StepFrom(cleared)
	assert.False(t, ok)
}

func TestContext_IgnoresUnusableIDs(t *testing.T) {
	ctx := WithDeploymentID(context.Background(), "dep-1")
	for _, bad := range []string{"", "has space", "new\nline", strings.Repeat("x", maxIDLen+1)} {
		assert.Equal(t, "dep-1", DeploymentID(WithDeploymentID(ctx, bad)), "%q", bad)
		assert.Empty(t, RequestID(WithRequestID(ctx, bad)), "%q", bad)
	}
}

func TestTestLogger(t *testing.T) {
	tl := NewTestLogger()
	ctx := WithDeploymentID(context.Background(), "dep-7")

	tl.Debug(ctx, "heartbeat sent")
	tl.Warn(ctx, "lock held", zap.String("pattern", "dpkg-lock-held"))

	tl.AssertLogged(t, zapcore.WarnLevel, "lock")
	tl.AssertNotLogged(t, zapcore.ErrorLevel, "lock")
	assert.Len(t, tl.All(), 2)
	assert.Equal(t, 1, tl.FilterMessage("heartbeat sent").Len())

	v, ok := tl.Field("lock", "pattern")
	require.True(t, ok)
	assert.Equal(t, "dpkg-lock-held", v)
	v, _ = tl.Field("lock", "deployment.id")
	assert.Equal(t, "dep-7", v)
}
