// Package sinks contains progress.Sink implementations for logging and
// Prometheus metrics.
package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/agencykit/siteaudit/internal/progress"
)

// LogSink emits structured logs for audit progress streams. It is useful
// during development where a metrics backend is unavailable.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("audit_id", evt.AuditID),
			zap.String("stage", string(evt.Stage)),
		}
		if evt.Status != "" {
			fields = append(fields, zap.String("status", string(evt.Status)))
		}
		if evt.URL != "" {
			fields = append(fields, zap.String("url", evt.URL))
		}
		if evt.Check != "" {
			fields = append(fields,
				zap.String("check", evt.Check),
				zap.String("check_status", string(evt.CheckStatus)),
			)
		}
		if evt.StatusClass != "" {
			fields = append(fields, zap.String("status_class", string(evt.StatusClass)))
		}
		if evt.Bytes > 0 {
			fields = append(fields, zap.Int64("bytes", evt.Bytes))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Info("audit progress", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
