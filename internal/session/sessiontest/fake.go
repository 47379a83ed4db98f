// Package sessiontest provides a scripted in-memory Session for tests.
package sessiontest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fyrsmithlabs/autodeploy/internal/deployment"
	"github.com/fyrsmithlabs/autodeploy/internal/session"
)

// ErrTerminated is the exit error of a scripted command that was killed.
var ErrTerminated = errors.New("terminated")

// Script describes how one Exec behaves.
type Script struct {
	// Chunks are written to the output in order.
	Chunks []string
	// Delay is slept before each chunk.
	Delay time.Duration
	// WaitInput blocks after Chunks until something is written to stdin,
	// then writes AfterInput.
	WaitInput  bool
	AfterInput []string
	// Hang keeps the command running until it is terminated.
	Hang bool
	// IgnoreTerminate makes the command deaf to Terminate, like a remote
	// process behind a dead link. Combined with Hang it never finishes.
	IgnoreTerminate bool
	// ExitCode is reported when the command ends on its own.
	ExitCode int
	// Err ends the command without an exit code, e.g. a dropped connection.
	Err error
}

// Exit returns a script that prints chunks and exits with code.
func Exit(code int, chunks ...string) Script {
	return Script{Chunks: chunks, ExitCode: code}
}

// Session is a fake session. Commands without a script exit 0 silently.
type Session struct {
	HostName string

	mu       sync.Mutex
	scripts  map[string][]Script
	fallback *Script
	commands []string
	inputs   []string
	closed   bool
	closes   int
	running  int
	maxPar   int
}

// NewSession creates a fake session.
func NewSession() *Session {
	return &Session{HostName: "fake.example.com", scripts: make(map[string][]Script)}
}

// On queues scripts for command. Each Exec of command consumes one script;
// the last one repeats.
func (s *Session) On(command string, scripts ...Script) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[command] = append(s.scripts[command], scripts...)
	return s
}

// Otherwise sets the script used for commands without one.
func (s *Session) Otherwise(script Script) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallback = &script
	return s
}

// Commands returns every executed command in order.
func (s *Session) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// Count returns how many times command was executed.
func (s *Session) Count(command string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.commands {
		if c == command {
			n++
		}
	}
	return n
}

// Inputs returns everything written to any command's stdin.
func (s *Session) Inputs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.inputs...)
}

// Closes returns how many times Close was called.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

// MaxConcurrent returns the highest number of commands seen running at once.
func (s *Session) MaxConcurrent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxPar
}

func (s *Session) Host() string { return s.HostName }

// Close marks the session closed. A closed fake can be reopened by the
// dialer.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.closes++
	return nil
}

func (s *Session) next(command string) Script {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, command)
	queue := s.scripts[command]
	switch {
	case len(queue) > 1:
		s.scripts[command] = queue[1:]
		return queue[0]
	case len(queue) == 1:
		return queue[0]
	case s.fallback != nil:
		return *s.fallback
	}
	return Script{}
}

// Exec runs the script registered for command.
func (s *Session) Exec(ctx context.Context, command string, timeout time.Duration) (*session.Stream, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, session.ErrClosed
	}

	script := s.next(command)
	input := &inputWriter{ch: make(chan string, 8), record: s.recordInput}
	killed := make(chan struct{})
	var killOnce sync.Once
	kill := func() { killOnce.Do(func() { close(killed) }) }
	if script.IgnoreTerminate {
		kill = func() {}
	}
	stream := session.NewStream(input, kill, timeout)

	s.mu.Lock()
	s.running++
	if s.running > s.maxPar {
		s.maxPar = s.running
	}
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, stream.Terminate)
	go func() {
		defer func() {
			stop()
			s.mu.Lock()
			s.running--
			s.mu.Unlock()
		}()
		if !run(stream, script, input.ch, killed) {
			stream.Finish(session.ExitStatus{Code: -1, Err: ErrTerminated})
			return
		}
		stream.Finish(session.ExitStatus{Code: script.ExitCode, Err: script.Err})
	}()
	return stream, nil
}

// run plays a script. It returns false when the command was killed.
func run(stream *session.Stream, script Script, input <-chan string, killed <-chan struct{}) bool {
	write := func(chunks []string) bool {
		for _, c := range chunks {
			if script.Delay > 0 {
				select {
				case <-time.After(script.Delay):
				case <-killed:
					return false
				}
			}
			select {
			case <-killed:
				return false
			default:
			}
			_, _ = stream.Write([]byte(c))
		}
		return true
	}

	if !write(script.Chunks) {
		return false
	}
	if script.WaitInput {
		select {
		case <-input:
		case <-killed:
			return false
		}
		if !write(script.AfterInput) {
			return false
		}
	}
	if script.Hang {
		<-killed
		return false
	}
	return true
}

func (s *Session) recordInput(in string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inputs = append(s.inputs, in)
}

type inputWriter struct {
	ch     chan string
	record func(string)
}

func (w *inputWriter) Write(p []byte) (int, error) {
	in := string(p)
	w.record(in)
	select {
	case w.ch <- in:
	default:
	}
	return len(p), nil
}

// Dialer hands out a fake Session. The first FailConnects calls fail with a
// *session.ConnectionError.
type Dialer struct {
	Session      *Session
	FailConnects int
	Err          error

	mu       sync.Mutex
	connects int
	servers  []deployment.ServerInfo
}

// NewDialer returns a dialer for s.
func NewDialer(s *Session) *Dialer {
	return &Dialer{Session: s}
}

// Connect implements session.Dialer.
func (d *Dialer) Connect(ctx context.Context, server deployment.ServerInfo) (session.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, &session.ConnectionError{Host: server.Host, Err: err}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connects++
	d.servers = append(d.servers, server)
	if d.connects <= d.FailConnects {
		err := d.Err
		if err == nil {
			err = errors.New("connection refused")
		}
		return nil, &session.ConnectionError{Host: server.Host, Err: err}
	}
	d.Session.mu.Lock()
	d.Session.closed = false
	d.Session.mu.Unlock()
	return d.Session, nil
}

// Connects returns how many times Connect was called.
func (d *Dialer) Connects() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connects
}

var (
	_ session.Session = (*Session)(nil)
	_ session.Dialer  = (*Dialer)(nil)
)
