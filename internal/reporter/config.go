package reporter

import (
	"errors"
	"io"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fyrsmithlabs/autodeploy/internal/config"
	"github.com/fyrsmithlabs/autodeploy/internal/logging"
)

// Options carries the process resources sinks may need.
type Options struct {
	// EventsDir is used when the config leaves reporter.events_dir empty.
	EventsDir string
	// Console receives the console mirror. Nil disables it.
	Console io.Writer
	// Registerer receives the metrics collectors. Nil uses the default
	// registry.
	Registerer prometheus.Registerer
}

// FromConfig builds a reporter with the sinks enabled in cfg. The log and
// trace sinks are always present.
func FromConfig(cfg config.ReporterConfig, logger *logging.Logger, opts Options) (*Reporter, error) {
	r := New(logger, NewLogSink(logger), NewTraceSink())

	dir := cfg.EventsDir
	if dir == "" {
		dir = opts.EventsDir
	}
	if dir != "" {
		expanded, err := config.ExpandPath(dir)
		if err != nil {
			return nil, err
		}
		r.Add(NewFileSink(expanded))
	}

	if cfg.Metrics {
		m, err := NewMetricsSink(opts.Registerer)
		if err != nil {
			return nil, err
		}
		r.Add(m)
	}

	if cfg.NATSEnabled {
		n, err := DialNATS(cfg)
		if err != nil {
			return nil, errors.Join(err, r.Close())
		}
		r.Add(n)
	}

	if cfg.Console && opts.Console != nil {
		r.Add(NewConsoleSink(opts.Console))
	}
	return r, nil
}
