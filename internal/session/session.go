package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/autodeploy/internal/deployment"
)

// ErrClosed is returned by Exec on a closed session.
var ErrClosed = errors.New("session closed")

// Session executes commands on one connected host. Exec may be called many
// times; callers serialize Exec per session.
type Session interface {
	Exec(ctx context.Context, command string, timeout time.Duration) (*Stream, error)
	Host() string
	Close() error
}

// Dialer opens sessions.
type Dialer interface {
	Connect(ctx context.Context, server deployment.ServerInfo) (Session, error)
}

// Reconnector is implemented by sessions that can re-dial in place.
type Reconnector interface {
	Reconnect(ctx context.Context) error
}

// ConnectionError reports that the channel to a host could not be opened or
// was lost. It is fatal for the current deployment run.
type ConnectionError struct {
	Host string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", e.Host, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// IsConnectionError reports whether err wraps a *ConnectionError.
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// DialerFor picks the dialer for a server: local servers use local, the rest
// remote.
func DialerFor(server deployment.ServerInfo, remote, local Dialer) Dialer {
	if server.Local {
		return local
	}
	return remote
}
