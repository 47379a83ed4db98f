package reporter

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/autodeploy/internal/logging"
)

// Sink receives events. Implementations must be safe for concurrent use.
type Sink interface {
	Name() string
	Write(ctx context.Context, e Event) error
	Close() error
}

// Reporter stamps events and fans them out to sinks.
type Reporter struct {
	logger *logging.Logger
	now    func() time.Time

	mu     sync.RWMutex
	sinks  []Sink
	closed bool

	// sink failures are logged at most once per interval per sink
	warnings map[string]*rate.Sometimes
}

// New creates a reporter writing to sinks.
func New(logger *logging.Logger, sinks ...Sink) *Reporter {
	if logger == nil {
		logger = logging.Nop()
	}
	r := &Reporter{
		logger:   logger.Named("reporter"),
		now:      time.Now,
		warnings: make(map[string]*rate.Sometimes),
	}
	for _, s := range sinks {
		r.Add(s)
	}
	return r
}

// Nop returns a reporter without sinks.
func Nop() *Reporter {
	return New(nil)
}

// Add registers another sink.
func (r *Reporter) Add(s Sink) {
	if s == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks = append(r.sinks, s)
	r.warnings[s.Name()] = &rate.Sometimes{Interval: time.Minute}
}

// Emit stamps e with an id and time when missing and writes it to every sink.
func (r *Reporter) Emit(ctx context.Context, e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = r.now().UTC()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	for _, s := range r.sinks {
		if err := s.Write(ctx, e); err != nil {
			r.warnings[s.Name()].Do(func() {
				r.logger.Warn(ctx, "event sink write failed",
					zap.String("sink", s.Name()),
					zap.String("event", string(e.Type)),
					zap.Error(err))
			})
		}
	}
}

// Close closes every sink. Later events are dropped.
func (r *Reporter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	var errs []error
	for _, s := range r.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
