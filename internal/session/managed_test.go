package session_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/autodeploy/internal/deployment"
	"github.com/fyrsmithlabs/autodeploy/internal/session"
	"github.com/fyrsmithlabs/autodeploy/internal/session/sessiontest"
)

var testServer = deployment.ServerInfo{Host: "web-1.example.com", User: "deploy"}

func TestDial_RetriesConnectionErrors(t *testing.T) {
	fake := sessiontest.NewSession()
	dialer := sessiontest.NewDialer(fake)
	dialer.FailConnects = 2

	m, err := session.Dial(context.Background(), dialer, testServer,
		session.WithDialAttempts(3), session.WithDialInterval(time.Millisecond))
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, 3, dialer.Connects())
	assert.Equal(t, "fake.example.com", m.Host())
}

func TestDial_GivesUp(t *testing.T) {
	dialer := sessiontest.NewDialer(sessiontest.NewSession())
	dialer.FailConnects = 10

	_, err := session.Dial(context.Background(), dialer, testServer,
		session.WithDialAttempts(2), session.WithDialInterval(time.Millisecond))
	require.Error(t, err)
	assert.True(t, session.IsConnectionError(err))
	assert.Equal(t, 2, dialer.Connects())
}

type brokenDialer struct{ calls int }

func (d *brokenDialer) Connect(context.Context, deployment.ServerInfo) (session.Session, error) {
	d.calls++
	return nil, errors.New("no authentication method available")
}

func TestDial_PermanentErrorNotRetried(t *testing.T) {
	d := &brokenDialer{}
	_, err := session.Dial(context.Background(), d, testServer,
		session.WithDialAttempts(5), session.WithDialInterval(time.Millisecond))
	require.Error(t, err)
	assert.Equal(t, 1, d.calls)
	assert.False(t, session.IsConnectionError(err))
}

func TestDial_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := session.Dial(ctx, sessiontest.NewDialer(sessiontest.NewSession()), testServer)
	require.Error(t, err)
	assert.True(t, session.IsConnectionError(err))
}

func TestManaged_Reconnect(t *testing.T) {
	fake := sessiontest.NewSession()
	fake.On("hostname", sessiontest.Exit(0, "web-1\n"))
	dialer := sessiontest.NewDialer(fake)

	m, err := session.Dial(context.Background(), dialer, testServer, session.WithDialInterval(time.Millisecond))
	require.NoError(t, err)

	require.NoError(t, m.Reconnect(context.Background()))
	assert.Equal(t, 2, dialer.Connects())
	assert.Equal(t, 1, fake.Closes(), "old connection closed")

	stream, err := m.Exec(context.Background(), "hostname", time.Second)
	require.NoError(t, err)
	out, status, err := session.Collect(context.Background(), stream)
	require.NoError(t, err)
	assert.Equal(t, "web-1\n", string(out))
	assert.True(t, status.Success())

	require.NoError(t, m.Close())
	_, err = m.Exec(context.Background(), "hostname", time.Second)
	assert.ErrorIs(t, err, session.ErrClosed)
}

func TestManaged_ReconnectFailureLeavesClosed(t *testing.T) {
	dialer := sessiontest.NewDialer(sessiontest.NewSession())
	m, err := session.Dial(context.Background(), dialer, testServer, session.WithDialInterval(time.Millisecond))
	require.NoError(t, err)

	dialer.FailConnects = 100
	err = m.Reconnect(context.Background())
	assert.True(t, session.IsConnectionError(err))

	_, err = m.Exec(context.Background(), "true", time.Second)
	assert.ErrorIs(t, err, session.ErrClosed)
}
