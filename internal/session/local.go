package session

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/fyrsmithlabs/autodeploy/internal/deployment"
)

// localWaitDelay bounds how long Wait waits for output pipes after the
// process is gone, e.g. when a background child still holds them.
const localWaitDelay = 2 * time.Second

// LocalDialer runs commands on the operator machine. Used for servers marked
// local, dry runs, and tests.
type LocalDialer struct {
	// Shell defaults to /bin/sh.
	Shell string
	// Dir is the working directory for commands. Empty means the current one.
	Dir string
	// Env is appended to the inherited environment.
	Env []string
}

// Connect returns a local session. It never fails.
func (d *LocalDialer) Connect(_ context.Context, server deployment.ServerInfo) (Session, error) {
	shell := d.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	host := server.Host
	if host == "" {
		host = "localhost"
	}
	return &localSession{shell: shell, dir: d.Dir, env: d.Env, host: host}, nil
}

type localSession struct {
	shell string
	dir   string
	env   []string
	host  string

	mu     sync.Mutex
	closed bool
	procs  map[*exec.Cmd]struct{}
}

func (s *localSession) Host() string { return s.host }

func (s *localSession) Exec(ctx context.Context, command string, timeout time.Duration) (*Stream, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.mu.Unlock()

	cmd := exec.Command(s.shell, "-c", command)
	cmd.Dir = s.dir
	if len(s.env) > 0 {
		cmd.Env = append(cmd.Environ(), s.env...)
	}
	setProcessGroup(cmd)
	cmd.WaitDelay = localWaitDelay

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin: %w", err)
	}

	stream := NewStream(stdin, func() { killProcessGroup(cmd) }, timeout)
	cmd.Stdout = stream
	cmd.Stderr = stream

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start command: %w", err)
	}
	s.track(cmd, true)

	stop := context.AfterFunc(ctx, stream.Terminate)
	go func() {
		err := cmd.Wait()
		stop()
		s.track(cmd, false)
		stream.Finish(localExitStatus(err))
	}()
	return stream, nil
}

func (s *localSession) track(cmd *exec.Cmd, running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.procs == nil {
		s.procs = make(map[*exec.Cmd]struct{})
	}
	if running {
		s.procs[cmd] = struct{}{}
	} else {
		delete(s.procs, cmd)
	}
}

// Close kills any command still running.
func (s *localSession) Close() error {
	s.mu.Lock()
	s.closed = true
	procs := make([]*exec.Cmd, 0, len(s.procs))
	for cmd := range s.procs {
		procs = append(procs, cmd)
	}
	s.mu.Unlock()

	for _, cmd := range procs {
		killProcessGroup(cmd)
	}
	return nil
}

func localExitStatus(err error) ExitStatus {
	if err == nil {
		return ExitStatus{Code: 0}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		if code < 0 {
			// killed by a signal
			return ExitStatus{Code: -1, Err: err}
		}
		return ExitStatus{Code: code}
	}
	return ExitStatus{Code: -1, Err: err}
}
