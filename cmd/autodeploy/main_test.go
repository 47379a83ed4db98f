package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/autodeploy/internal/config"
	"github.com/fyrsmithlabs/autodeploy/internal/deployment"
	"github.com/fyrsmithlabs/autodeploy/internal/orchestrator"
	"github.com/fyrsmithlabs/autodeploy/internal/session"
)

// cli runs the command line in an isolated home with a file store.
type cli struct {
	t     *testing.T
	home  string
	state string
}

func newCLI(t *testing.T) *cli {
	t.Helper()
	home := t.TempDir()
	state := filepath.Join(home, "state")
	t.Setenv("HOME", home)
	t.Setenv("AUTODEPLOY_STORE_DRIVER", "file")
	t.Setenv("AUTODEPLOY_STORE_PATH", state)
	return &cli{t: t, home: home, state: state}
}

func (c *cli) run(args ...string) (code int, stdout, stderr string) {
	c.t.Helper()
	var out, errOut bytes.Buffer
	code = run(args, strings.NewReader(""), &out, &errOut)
	return code, out.String(), errOut.String()
}

func (c *cli) writePlan(name, content string) string {
	c.t.Helper()
	path := filepath.Join(c.home, name)
	require.NoError(c.t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const okPlan = `name: hello
defaults:
  timeout: 10s
  attempt_budget: 1
steps:
  - name: greet
    command: echo "hello {{domain}}"
  - name: done
    command: "true"
`

const failingPlan = `name: broken
steps:
  - name: greet
    command: echo hello
  - name: explode
    command: echo "something went wrong" && exit 7
    attempt_budget: 1
`

func TestDeploy_LocalSucceeds(t *testing.T) {
	c := newCLI(t)
	planPath := c.writePlan("ok.yaml", okPlan)

	code, stdout, stderr := c.run("deploy", "--plan", planPath, "--local", "--domain", "example.test", "--deployment-id", "dep-ok")
	require.Equal(t, exitSucceeded, code, stderr)
	assert.Contains(t, stdout, "Deployment dep-ok")
	assert.Contains(t, stdout, "succeeded")
	assert.Contains(t, stdout, "2/2")

	code, stdout, stderr = c.run("status", "--deployment-id", "dep-ok", "--json")
	require.Equal(t, exitSucceeded, code, stderr)
	d, err := deployment.Decode([]byte(stdout))
	require.NoError(t, err)
	assert.Equal(t, deployment.StatusSucceeded, d.Status)
	assert.Equal(t, `echo "hello example.test"`, d.Steps[0].Command)
	assert.Equal(t, planPath, d.PlanPath)
	require.Len(t, d.StepHistory, 2)
	assert.Contains(t, d.StepHistory[0].OutputTail, "hello example.test")

	_, err = os.Stat(filepath.Join(c.state, "dep-ok", "events.jsonl"))
	assert.NoError(t, err, "events are recorded next to the state")
}

func TestDeploy_FailedStepExitsTwo(t *testing.T) {
	c := newCLI(t)
	planPath := c.writePlan("broken.yaml", failingPlan)

	code, stdout, stderr := c.run("deploy", "--plan", planPath, "--local", "--deployment-id", "dep-bad")
	assert.Equal(t, exitFailed, code)
	assert.Contains(t, stdout, "failed")
	assert.Contains(t, stderr, "deployment dep-bad failed")

	code, stdout, _ = c.run("status", "--deployment-id", "dep-bad")
	require.Equal(t, exitSucceeded, code)
	assert.Contains(t, stdout, "explode")
	assert.Contains(t, stdout, "7")

	code, _, stderr = c.run("resume", "--deployment-id", "dep-bad")
	assert.Equal(t, exitUsage, code)
	assert.Contains(t, stderr, "cannot be resumed")
}

func TestDeploy_UsageErrors(t *testing.T) {
	c := newCLI(t)
	planPath := c.writePlan("ok.yaml", okPlan)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"missing plan", []string{"deploy", "--local"}, "a plan is required"},
		{"missing server", []string{"deploy", "--plan", planPath}, "a server is required"},
		{"unknown profile", []string{"deploy", "--profile", "nope"}, `profile "nope" not found`},
		{"unset variable", []string{"deploy", "--plan", planPath, "--local"}, "{{domain}} is not set"},
		{"auto and interactive", []string{"deploy", "--plan", planPath, "--local", "--auto", "--interactive"}, "none of the others"},
		{"unknown command", []string{"explode"}, "unknown command"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, stderr := c.run(tt.args...)
			assert.Equal(t, exitUsage, code)
			assert.Contains(t, stderr, tt.want)
		})
	}
}

func TestListAndCancel(t *testing.T) {
	c := newCLI(t)
	planPath := c.writePlan("ok.yaml", okPlan)

	code, _, stderr := c.run("deploy", "--plan", planPath, "--local", "--domain", "example.test", "--deployment-id", "dep-1")
	require.Equal(t, exitSucceeded, code, stderr)

	code, stdout, _ := c.run("list")
	require.Equal(t, exitSucceeded, code)
	assert.Contains(t, stdout, "dep-1")
	assert.Contains(t, stdout, "succeeded")

	code, stdout, _ = c.run("list", "--status", "failed")
	require.Equal(t, exitSucceeded, code)
	assert.Contains(t, stdout, "no deployments")

	code, _, stderr = c.run("list", "--status", "exploded")
	assert.Equal(t, exitUsage, code)
	assert.Contains(t, stderr, "unknown status")

	code, _, stderr = c.run("cancel", "--deployment-id", "dep-1")
	assert.Equal(t, exitUsage, code)
	assert.Contains(t, stderr, "already finished")

	code, _, stderr = c.run("cancel", "--deployment-id", "missing")
	assert.Equal(t, exitUsage, code)
	assert.Contains(t, stderr, "not found")
}

func TestCatalogCommand(t *testing.T) {
	c := newCLI(t)

	code, stdout, stderr := c.run("catalog")
	require.Equal(t, exitSucceeded, code, stderr)
	assert.Contains(t, stdout, "dpkg-lock-held")
	assert.Contains(t, stdout, "SEVERITY")

	planPath := c.writePlan("custom.yaml", `name: custom
use_default_catalog: false
steps:
  - name: greet
    command: echo hi
patterns:
  - id: disk-full
    signature: "No space left on device"
    severity: critical
    handler: retry-after-delay
`)
	code, stdout, stderr = c.run("catalog", "--plan", planPath)
	require.Equal(t, exitSucceeded, code, stderr)
	assert.Contains(t, stdout, "disk-full")
	assert.NotContains(t, stdout, "dpkg-lock-held")
}

func TestResolveTarget(t *testing.T) {
	cfg := config.Default()
	cfg.Profiles = map[string]config.Profile{
		"staging": {
			Server:  "staging.example.com",
			Port:    2222,
			User:    "deploy",
			AuthRef: "env:STAGING_KEY",
			Domain:  "staging.example.com",
			Plan:    "/plans/web.yaml",
			Mode:    "interactive",
		},
	}

	parse := func(t *testing.T, args ...string) (*cobra.Command, *deployFlags) {
		t.Helper()
		cmd := newDeployCmd(&rootOptions{})
		require.NoError(t, cmd.ParseFlags(args))
		f := &deployFlags{}
		fl := cmd.Flags()
		f.planPath, _ = fl.GetString("plan")
		f.server, _ = fl.GetString("server")
		f.port, _ = fl.GetInt("port")
		f.user, _ = fl.GetString("user")
		f.domain, _ = fl.GetString("domain")
		f.authRef, _ = fl.GetString("auth-ref")
		f.local, _ = fl.GetBool("local")
		f.auto, _ = fl.GetBool("auto")
		f.interactive, _ = fl.GetBool("interactive")
		f.profile, _ = fl.GetString("profile")
		return cmd, f
	}

	t.Run("profile fills unset flags", func(t *testing.T) {
		cmd, f := parse(t, "--profile", "staging", "--user", "admin")
		got, err := resolveTarget(cmd, cfg, f)
		require.NoError(t, err)
		assert.Equal(t, "/plans/web.yaml", got.planPath)
		assert.Equal(t, "staging.example.com", got.server.Host)
		assert.Equal(t, 2222, got.server.Port)
		assert.Equal(t, "admin", got.server.User)
		assert.Equal(t, "env:STAGING_KEY", got.server.AuthRef)
		assert.Equal(t, deployment.ModeInteractive, got.mode)
		assert.Equal(t, "staging", got.profile)
	})

	t.Run("auto flag overrides profile mode", func(t *testing.T) {
		cmd, f := parse(t, "--profile", "staging", "--auto")
		got, err := resolveTarget(cmd, cfg, f)
		require.NoError(t, err)
		assert.Equal(t, deployment.ModeAuto, got.mode)
	})

	t.Run("local without server", func(t *testing.T) {
		cmd, f := parse(t, "--plan", "p.yaml", "--local")
		got, err := resolveTarget(cmd, cfg, f)
		require.NoError(t, err)
		assert.True(t, got.server.Local)
		assert.Equal(t, "localhost", got.server.Host)
		assert.Equal(t, deployment.ModeAuto, got.mode)
	})

	t.Run("port out of range", func(t *testing.T) {
		cmd, f := parse(t, "--plan", "p.yaml", "--server", "h", "--port", "70000")
		_, err := resolveTarget(cmd, cfg, f)
		assert.ErrorContains(t, err, "port out of range")
	})
}

func TestExitFor(t *testing.T) {
	withStatus := func(s deployment.Status) *deployment.DeploymentState {
		return &deployment.DeploymentState{ID: "dep-1", Status: s}
	}
	connErr := &session.ConnectionError{Host: "web-1", Err: errors.New("connection refused")}

	tests := []struct {
		name string
		d    *deployment.DeploymentState
		err  error
		want int
	}{
		{"succeeded", withStatus(deployment.StatusSucceeded), nil, exitSucceeded},
		{"failed", withStatus(deployment.StatusFailed), nil, exitFailed},
		{"cancelled", withStatus(deployment.StatusCancelled), nil, exitCancelled},
		{"connection", withStatus(deployment.StatusPending), connErr, exitConnection},
		{"wrapped connection", nil, fmt.Errorf("dial: %w", connErr), exitConnection},
		{"shutdown", withStatus(deployment.StatusRunning), orchestrator.ErrShutdown, exitCancelled},
		{"internal", nil, errors.New("disk on fire"), exitUsage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := exitFor("dep-1", tt.d, tt.err)
			if tt.want == exitSucceeded {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			code := exitUsage
			var ee *exitCodeError
			if errors.As(err, &ee) {
				code = ee.code
			}
			assert.Equal(t, tt.want, code)
		})
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "a b c", truncate("a\n  b\tc", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "ab", truncate("abcdef", 2))
}
