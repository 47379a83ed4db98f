package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStream_WriteThenFinish(t *testing.T) {
	s := NewStream(nil, nil, 0)

	go func() {
		_, _ = s.Write([]byte("hello "))
		_, _ = s.Write([]byte("world"))
		s.Finish(ExitStatus{Code: 3})
	}()

	out, status, err := Collect(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(out))
	assert.Equal(t, 3, status.Code)
	assert.False(t, status.Success())
}

func TestStream_WriteCopiesInput(t *testing.T) {
	s := NewStream(nil, nil, 0)
	buf := []byte("abc")
	_, err := s.Write(buf)
	require.NoError(t, err)
	buf[0] = 'X'

	assert.Equal(t, "abc", string(<-s.Output()))
}

func TestStream_FinishIsIdempotent(t *testing.T) {
	s := NewStream(nil, nil, 0)
	s.Finish(ExitStatus{Code: 0})
	s.Finish(ExitStatus{Code: 9})

	assert.Equal(t, 0, s.Status().Code)
	_, err := s.Write([]byte("late"))
	assert.ErrorIs(t, err, ErrStreamClosed)
}

func TestStream_TimeoutTerminates(t *testing.T) {
	terminated := make(chan struct{})
	s := NewStream(nil, func() { close(terminated) }, 20*time.Millisecond)

	select {
	case <-terminated:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout did not terminate the command")
	}
	s.Finish(ExitStatus{Code: -1, Err: errors.New("killed")})

	status, err := s.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, status.TimedOut)
	assert.False(t, status.Success())
}

func TestStream_TerminateIsIdempotentAndDropsOutput(t *testing.T) {
	calls := 0
	s := NewStream(nil, func() { calls++ }, 0)

	// fill the buffer so the next write would block
	for i := 0; i < outputBuffer; i++ {
		_, _ = s.Write([]byte("x"))
	}
	s.Terminate()
	s.Terminate()
	assert.Equal(t, 1, calls)
	assert.True(t, s.Terminated())

	done := make(chan struct{})
	go func() {
		_, _ = s.Write([]byte("dropped"))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("write blocked after terminate")
	}
}

func TestStream_StdinWithoutWriter(t *testing.T) {
	s := NewStream(nil, nil, 0)
	_, err := s.Stdin().Write([]byte("y\n"))
	assert.Error(t, err)
}

func TestCollect_ContextCancelTerminates(t *testing.T) {
	terminated := make(chan struct{})
	s := NewStream(nil, func() { close(terminated) }, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := Collect(ctx, s)
	assert.ErrorIs(t, err, context.Canceled)

	select {
	case <-terminated:
	case <-time.After(time.Second):
		t.Fatal("stream was not terminated")
	}
}

func TestConnectionError(t *testing.T) {
	err := &ConnectionError{Host: "db1:22", Err: errors.New("no route to host")}
	wrapped := errors.Join(errors.New("start failed"), err)

	assert.True(t, IsConnectionError(wrapped))
	assert.False(t, IsConnectionError(errors.New("other")))
	assert.Contains(t, err.Error(), "db1:22")
	assert.Contains(t, err.Error(), "no route to host")
}
