package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// outputBuffer is the number of chunks a slow consumer may lag behind.
const outputBuffer = 64

// ErrStreamClosed is returned by Write after the stream finished.
var ErrStreamClosed = errors.New("stream closed")

// ExitStatus describes how a command ended.
type ExitStatus struct {
	// Code is the remote exit code. Meaningless when TimedOut or Err is set.
	Code int
	// TimedOut is set when the command was killed for exceeding its timeout.
	TimedOut bool
	// Err is set when the command ended without an exit code, for example
	// because the connection dropped or it was terminated.
	Err error
}

// Success reports a clean zero exit.
func (s ExitStatus) Success() bool {
	return s.Err == nil && !s.TimedOut && s.Code == 0
}

// Stream is one running command. The producer side (Write, Finish) is used by
// Session implementations; consumers read Output until it is closed and then
// Status, or select on Done.
type Stream struct {
	output     chan []byte
	done       chan struct{}
	terminated chan struct{}

	stdin     io.Writer
	terminate func()
	termOnce  sync.Once

	timer    *time.Timer
	timedOut atomic.Bool

	mu       sync.RWMutex
	finished bool
	status   ExitStatus
}

// NewStream creates a stream. terminate kills the underlying command and may
// be nil. A positive timeout terminates the command when it expires.
func NewStream(stdin io.Writer, terminate func(), timeout time.Duration) *Stream {
	s := &Stream{
		output:     make(chan []byte, outputBuffer),
		done:       make(chan struct{}),
		terminated: make(chan struct{}),
		stdin:      stdin,
		terminate:  terminate,
	}
	if timeout > 0 {
		s.timer = time.AfterFunc(timeout, func() {
			s.timedOut.Store(true)
			s.Terminate()
		})
	}
	return s
}

// Output delivers output chunks in arrival order. It is closed before Done.
func (s *Stream) Output() <-chan []byte {
	return s.output
}

// Done is closed once the command has ended and Status is valid.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Status returns the exit status. Only meaningful after Done is closed.
func (s *Stream) Status() ExitStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Wait blocks until the command ends or ctx is done.
func (s *Stream) Wait(ctx context.Context) (ExitStatus, error) {
	select {
	case <-s.done:
		return s.Status(), nil
	case <-ctx.Done():
		return ExitStatus{}, ctx.Err()
	}
}

// Stdin returns the command's input. Writes after the command ended fail.
func (s *Stream) Stdin() io.Writer {
	if s.stdin == nil {
		return closedWriter{}
	}
	return s.stdin
}

// Terminate kills the command. Safe to call more than once and after the
// command ended. Output written after Terminate is dropped.
func (s *Stream) Terminate() {
	s.termOnce.Do(func() {
		close(s.terminated)
		if s.terminate != nil {
			s.terminate()
		}
	})
}

// Terminated reports whether Terminate has been called.
func (s *Stream) Terminated() bool {
	select {
	case <-s.terminated:
		return true
	default:
		return false
	}
}

// Write publishes a chunk. p is copied. Write blocks while the consumer is
// behind by more than the buffer, unless the stream is terminated.
func (s *Stream) Write(p []byte) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.finished {
		return 0, ErrStreamClosed
	}
	if len(p) == 0 {
		return 0, nil
	}
	chunk := bytes.Clone(p)
	select {
	case s.output <- chunk:
	case <-s.terminated:
	}
	return len(p), nil
}

// Finish records the exit status and closes the stream. Only the first call
// has an effect.
func (s *Stream) Finish(status ExitStatus) {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	if s.timedOut.Load() {
		status.TimedOut = true
	}
	s.status = status
	close(s.output)
	s.mu.Unlock()
	close(s.done)
}

// Collect reads a stream to the end and returns its output and status.
func Collect(ctx context.Context, s *Stream) ([]byte, ExitStatus, error) {
	var buf bytes.Buffer
	out := s.Output()
	for {
		select {
		case chunk, ok := <-out:
			if !ok {
				status, err := s.Wait(ctx)
				return buf.Bytes(), status, err
			}
			buf.Write(chunk)
		case <-ctx.Done():
			s.Terminate()
			return buf.Bytes(), ExitStatus{}, ctx.Err()
		}
	}
}

type closedWriter struct{}

func (closedWriter) Write([]byte) (int, error) { return 0, io.ErrClosedPipe }
