//go:build unix

package session

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/autodeploy/internal/deployment"
)

func newLocalTestSession(t *testing.T) Session {
	t.Helper()
	s, err := (&LocalDialer{}).Connect(context.Background(), deployment.ServerInfo{Local: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestLocal_ExecOutputAndExitCode(t *testing.T) {
	s := newLocalTestSession(t)
	assert.Equal(t, "localhost", s.Host())

	stream, err := s.Exec(context.Background(), "echo out; echo err >&2; exit 7", time.Minute)
	require.NoError(t, err)

	out, status, err := Collect(context.Background(), stream)
	require.NoError(t, err)
	assert.Contains(t, string(out), "out")
	assert.Contains(t, string(out), "err")
	assert.Equal(t, 7, status.Code)
	assert.NoError(t, status.Err)
}

func TestLocal_Timeout(t *testing.T) {
	s := newLocalTestSession(t)

	start := time.Now()
	stream, err := s.Exec(context.Background(), "sleep 30", 100*time.Millisecond)
	require.NoError(t, err)

	_, status, err := Collect(context.Background(), stream)
	require.NoError(t, err)
	assert.True(t, status.TimedOut)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestLocal_KillsProcessGroup(t *testing.T) {
	s := newLocalTestSession(t)

	// the subshell's child would keep the pipe open if only sh were killed
	stream, err := s.Exec(context.Background(), "(sleep 30; echo late) & wait", 0)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	stream.Terminate()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, _, err := Collect(ctx, stream)
	require.NoError(t, err)
	assert.NotContains(t, string(out), "late")
}

func TestLocal_Stdin(t *testing.T) {
	s := newLocalTestSession(t)

	stream, err := s.Exec(context.Background(), `printf 'Continue? [Y/n] '; read answer; echo "got $answer"`, time.Minute)
	require.NoError(t, err)

	var seen strings.Builder
	answered := false
	for chunk := range stream.Output() {
		seen.Write(chunk)
		if !answered && strings.Contains(seen.String(), "[Y/n]") {
			answered = true
			_, err := stream.Stdin().Write([]byte("Y\n"))
			require.NoError(t, err)
		}
	}
	<-stream.Done()
	assert.Contains(t, seen.String(), "got Y")
	assert.Equal(t, 0, stream.Status().Code)
}

func TestLocal_ContextCancel(t *testing.T) {
	s := newLocalTestSession(t)

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := s.Exec(ctx, "sleep 30", 0)
	require.NoError(t, err)
	cancel()

	select {
	case <-stream.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("command survived context cancellation")
	}
	assert.False(t, stream.Status().Success())
}

func TestLocal_ClosedSession(t *testing.T) {
	s := newLocalTestSession(t)
	require.NoError(t, s.Close())

	_, err := s.Exec(context.Background(), "true", 0)
	assert.ErrorIs(t, err, ErrClosed)
}
