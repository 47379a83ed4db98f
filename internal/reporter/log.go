package reporter

import (
	"context"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/autodeploy/internal/deployment"
	"github.com/fyrsmithlabs/autodeploy/internal/logging"
	"github.com/fyrsmithlabs/autodeploy/internal/remediation"
)

// LogSink writes events to the process logger.
type LogSink struct {
	logger *logging.Logger
}

// NewLogSink creates a sink logging through logger.
func NewLogSink(logger *logging.Logger) *LogSink {
	if logger == nil {
		logger = logging.Nop()
	}
	return &LogSink{logger: logger.Named("events")}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Write(ctx context.Context, e Event) error {
	fields := []zap.Field{zap.Inline(e)}
	switch {
	case e.Outcome == string(deployment.OutcomeFailed) || e.To == deployment.StatusFailed:
		s.logger.Error(ctx, string(e.Type), fields...)
	case e.Type == EventPatternMatched || e.Outcome == string(remediation.OutcomeExhausted) || e.Outcome == string(deployment.OutcomeRetrying):
		s.logger.Warn(ctx, string(e.Type), fields...)
	default:
		s.logger.Info(ctx, string(e.Type), fields...)
	}
	return nil
}

func (s *LogSink) Close() error {
	return s.logger.Sync()
}
