package remediation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/autodeploy/internal/catalog"
	"github.com/fyrsmithlabs/autodeploy/internal/logging"
)

const instrumentationName = "github.com/fyrsmithlabs/autodeploy/internal/remediation"

// DefaultTimeout bounds a recovery whose handler sets no timeout.
const DefaultTimeout = 10 * time.Minute

// Dispatcher runs the recovery handler a matched pattern names.
type Dispatcher struct {
	registry *Registry
	timeout  time.Duration
	logger   *logging.Logger

	tracer          trace.Tracer
	meter           metric.Meter
	dispatchCounter metric.Int64Counter
	durationHist    metric.Float64Histogram
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithTimeout sets the default recovery timeout.
func WithTimeout(t time.Duration) Option {
	return func(d *Dispatcher) {
		if t > 0 {
			d.timeout = t
		}
	}
}

// WithTracerProvider sets where spans go. Defaults to the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(d *Dispatcher) { d.tracer = tp.Tracer(instrumentationName) }
}

// WithMeterProvider sets where metrics go. Defaults to the global provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(d *Dispatcher) { d.meter = mp.Meter(instrumentationName) }
}

// NewDispatcher creates a dispatcher over reg.
func NewDispatcher(reg *Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry: reg,
		timeout:  DefaultTimeout,
		logger:   logging.Nop(),
		tracer:   otel.Tracer(instrumentationName),
		meter:    otel.Meter(instrumentationName),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.Named("remediation")
	d.initMetrics()
	return d
}

func (d *Dispatcher) initMetrics() {
	var err error

	d.dispatchCounter, err = d.meter.Int64Counter(
		"autodeploy.recovery.dispatches_total",
		metric.WithDescription("Total number of recovery dispatches"),
		metric.WithUnit("{dispatch}"),
	)
	if err != nil {
		d.logger.Warn(context.Background(), "failed to create dispatch counter", zap.Error(err))
	}

	d.durationHist, err = d.meter.Float64Histogram(
		"autodeploy.recovery.duration",
		metric.WithDescription("Time spent in recovery handlers"),
		metric.WithUnit("s"),
	)
	if err != nil {
		d.logger.Warn(context.Background(), "failed to create duration histogram", zap.Error(err))
	}
}

// Registry returns the handler registry.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// IsInline reports whether p is handled without ending the attempt.
func (d *Dispatcher) IsInline(p *catalog.ErrorPattern) bool {
	if p == nil {
		return false
	}
	h, ok := d.registry.Get(p.HandlerID)
	return ok && h.Kind() == KindRespond
}

// Recover runs the handler for p. Handler errors become OutcomeExhausted;
// the error is kept on the result for reporting.
func (d *Dispatcher) Recover(ctx context.Context, p *catalog.ErrorPattern, rc *Context) Result {
	start := time.Now()
	res := Result{Outcome: OutcomeExhausted}
	if p == nil {
		res.Err = errors.New("no pattern to recover from")
		return res
	}
	res.HandlerID = p.HandlerID

	ctx, span := d.tracer.Start(ctx, "remediation.recover")
	defer span.End()
	span.SetAttributes(
		attribute.String("pattern.id", p.ID),
		attribute.String("pattern.severity", string(p.Severity)),
		attribute.String("handler.id", p.HandlerID),
		attribute.Int("step.index", rc.StepIndex),
		attribute.Int("attempt", rc.Attempt),
	)

	h, ok := d.registry.Get(p.HandlerID)
	if !ok {
		res.Err = fmt.Errorf("%w %q", catalog.ErrUnknownHandler, p.HandlerID)
		d.finish(ctx, span, p, &res, start)
		return res
	}
	res.Kind = h.Kind()
	span.SetAttributes(attribute.String("handler.kind", string(res.Kind)))

	timeout := d.timeout
	if def, ok := d.registry.Definition(p.HandlerID); ok && def.Timeout > 0 {
		// commands handlers apply Timeout to each command
		timeout = def.Timeout * time.Duration(max(1, len(def.Commands)))
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	d.logger.Info(ctx, "recovery started",
		zap.String("pattern", p.ID),
		zap.String("handler", p.HandlerID),
		zap.String("kind", string(res.Kind)),
		zap.Int("attempt", rc.Attempt),
	)

	outcome, err := h.Recover(rctx, rc)
	if err != nil {
		outcome = OutcomeExhausted
	}
	res.Outcome = outcome
	res.Err = err
	d.finish(ctx, span, p, &res, start)
	return res
}

func (d *Dispatcher) finish(ctx context.Context, span trace.Span, p *catalog.ErrorPattern, res *Result, start time.Time) {
	res.Elapsed = time.Since(start)
	span.SetAttributes(attribute.String("outcome", string(res.Outcome)))

	fields := []zap.Field{
		zap.String("pattern", p.ID),
		zap.String("handler", res.HandlerID),
		zap.String("outcome", string(res.Outcome)),
		zap.Duration("elapsed", res.Elapsed),
	}
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
		d.logger.Warn(ctx, "recovery exhausted", append(fields, zap.Error(res.Err))...)
	} else {
		d.logger.Info(ctx, "recovery finished", fields...)
	}

	attrs := metric.WithAttributes(
		attribute.String("handler", res.HandlerID),
		attribute.String("outcome", string(res.Outcome)),
	)
	if d.dispatchCounter != nil {
		d.dispatchCounter.Add(ctx, 1, attrs)
	}
	if d.durationHist != nil {
		d.durationHist.Record(ctx, res.Elapsed.Seconds(), attrs)
	}
}
