package calllog

import (
	"context"
	"log/slog"

	"github.com/vikashloomba/mcp-broker-go/pkg/broker"
)

// SlogSink writes call records and lifecycle events to a slog.Logger.
type SlogSink struct {
	Logger *slog.Logger
}

// NewSlogSink returns a sink writing to logger, or slog.Default() when nil.
func NewSlogSink(logger *slog.Logger) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogSink{Logger: logger}
}

func (s *SlogSink) logger() *slog.Logger {
	if s == nil || s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

// LogCall implements broker.CallLogger.
func (s *SlogSink) LogCall(ctx context.Context, rec broker.CallRecord) {
	attrs := []any{
		"id", rec.ID,
		"server", rec.ServerID,
		"kind", string(rec.Kind),
		"name", rec.Name,
		"duration", rec.Duration,
	}
	if len(rec.Arguments) > 0 {
		attrs = append(attrs, "arguments", rec.Arguments)
	}
	if rec.Success {
		s.logger().InfoContext(ctx, "call completed", attrs...)
		return
	}
	s.logger().WarnContext(ctx, "call failed", append(attrs, "error", rec.Error)...)
}

// HandleEvent implements broker.EventSink.
func (s *SlogSink) HandleEvent(e broker.Event) {
	attrs := []any{"server", e.ServerID, "event", string(e.Kind), "status", string(e.Status)}
	if e.Error != "" {
		attrs = append(attrs, "error", e.Error)
	}
	if e.Kind == broker.EventError {
		s.logger().Warn("service event", attrs...)
		return
	}
	s.logger().Info("service event", attrs...)
}
