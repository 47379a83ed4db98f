// Package session provides the single persistent channel a deployment runs
// its commands over.
//
// A Dialer connects to a target described by deployment.ServerInfo and
// returns a Session. Each Session.Exec starts one remote command and returns
// a Stream that delivers combined stdout/stderr chunks as they arrive, accepts
// input for interactive prompts, and reports an ExitStatus when the command
// ends. Commands that outlive their timeout are terminated and finish with
// TimedOut set.
//
// SSHDialer talks to real hosts through golang.org/x/crypto/ssh with
// known_hosts verification. LocalDialer runs commands under /bin/sh on the
// operator machine. Managed adds reconnection on top of either.
package session
