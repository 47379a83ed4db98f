package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/autodeploy/internal/deployment"
	"github.com/fyrsmithlabs/autodeploy/internal/logging"
)

// DefaultDialAttempts is how many times Managed dials before giving up.
const DefaultDialAttempts = 3

// Managed is a Session that owns its dialer and can replace its connection.
// Reconnect is what the reconnect recovery handler calls after a dropped
// connection.
type Managed struct {
	dialer   Dialer
	server   deployment.ServerInfo
	attempts uint
	interval time.Duration
	logger   *logging.Logger

	mu      sync.Mutex
	current Session
}

// ManagedOption configures Managed.
type ManagedOption func(*Managed)

// WithDialAttempts sets how many times a dial is tried.
func WithDialAttempts(n uint) ManagedOption {
	return func(m *Managed) { m.attempts = n }
}

// WithDialInterval sets the initial delay between dial attempts.
func WithDialInterval(d time.Duration) ManagedOption {
	return func(m *Managed) { m.interval = d }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) ManagedOption {
	return func(m *Managed) { m.logger = l }
}

// Dial connects through dialer with retries and returns a Managed session.
// The returned error is a *ConnectionError when every attempt failed.
func Dial(ctx context.Context, dialer Dialer, server deployment.ServerInfo, opts ...ManagedOption) (*Managed, error) {
	m := &Managed{
		dialer:   dialer,
		server:   server,
		attempts: DefaultDialAttempts,
		interval: time.Second,
		logger:   logging.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	s, err := m.dial(ctx)
	if err != nil {
		return nil, err
	}
	m.current = s
	return m, nil
}

func (m *Managed) dial(ctx context.Context) (Session, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.interval
	b.MaxInterval = 30 * time.Second

	s, err := backoff.Retry(ctx, func() (Session, error) {
		s, err := m.dialer.Connect(ctx, m.server)
		if err != nil && !IsConnectionError(err) {
			return nil, backoff.Permanent(err)
		}
		return s, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(m.attempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			m.logger.Warn(ctx, "connect failed, retrying", zap.Error(err), zap.Duration("retry_in", next))
		}),
	)
	if err != nil {
		if IsConnectionError(err) {
			return nil, err
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, &ConnectionError{Host: m.server.Host, Err: err}
		}
		return nil, fmt.Errorf("failed to connect to %s: %w", m.server.Host, err)
	}
	return s, nil
}

// Exec runs command on the current connection.
func (m *Managed) Exec(ctx context.Context, command string, timeout time.Duration) (*Stream, error) {
	m.mu.Lock()
	s := m.current
	m.mu.Unlock()
	if s == nil {
		return nil, ErrClosed
	}
	return s.Exec(ctx, command, timeout)
}

// Host returns the current connection's host.
func (m *Managed) Host() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return m.server.Host
	}
	return m.current.Host()
}

// Reconnect closes the current connection and dials a new one.
func (m *Managed) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	old := m.current
	m.current = nil
	m.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	s, err := m.dial(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.current = s
	m.mu.Unlock()
	m.logger.Info(ctx, "session reconnected", zap.String("host", s.Host()))
	return nil
}

// Close closes the current connection.
func (m *Managed) Close() error {
	m.mu.Lock()
	s := m.current
	m.current = nil
	m.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.Close()
}

var (
	_ Session     = (*Managed)(nil)
	_ Reconnector = (*Managed)(nil)
)
