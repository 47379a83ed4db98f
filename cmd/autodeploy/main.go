// Autodeploy runs deployment plans against remote servers and recovers from
// known failures on its own.
//
// Usage:
//
//	# Deploy a plan
//	autodeploy deploy --plan web.yaml --server web-1.example.com --user deploy --domain example.com
//
//	# Continue an interrupted deployment
//	autodeploy resume --deployment-id 3f0c...
//
//	# Cancel a running deployment from another terminal
//	autodeploy cancel --deployment-id 3f0c...
//
//	# Serve the status API
//	autodeploy serve
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// Exit codes.
const (
	exitSucceeded  = 0
	exitUsage      = 1
	exitFailed     = 2
	exitCancelled  = 3
	exitConnection = 4
)

// exitCodeError carries a process exit code out of a command.
type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit code %d", e.code)
	}
	return e.err.Error()
}

func (e *exitCodeError) Unwrap() error { return e.err }

func withExitCode(code int, err error) error {
	return &exitCodeError{code: code, err: err}
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// run executes the CLI and returns the process exit code.
func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	cmd := newRootCmd(stdin, stdout, stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	if err == nil {
		return exitSucceeded
	}

	var ee *exitCodeError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", ee.err)
		}
		return ee.code
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return exitUsage
}

// rootOptions are the persistent flags.
type rootOptions struct {
	configPath string
	verbose    bool

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

func newRootCmd(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	o := &rootOptions{stdin: stdin, stdout: stdout, stderr: stderr}

	cmd := &cobra.Command{
		Use:   "autodeploy",
		Short: "Autonomous remote deployment orchestrator",
		Long: `autodeploy runs a deployment plan step by step over SSH, watches command
output for known failure patterns, and runs recovery handlers before retrying.

Every deployment is persisted so it can be inspected, cancelled from another
process, and resumed after a crash.`,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, gitCommit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetIn(stdin)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	cmd.PersistentFlags().StringVar(&o.configPath, "config", "", "config file (default ~/.config/autodeploy/config.yaml)")
	cmd.PersistentFlags().BoolVarP(&o.verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(
		newDeployCmd(o),
		newResumeCmd(o),
		newCancelCmd(o),
		newStatusCmd(o),
		newListCmd(o),
		newCatalogCmd(o),
		newServeCmd(o),
		newWatchCmd(o),
	)
	return cmd
}
