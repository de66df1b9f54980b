package sink

import (
	"context"
	"log/slog"

	"github.com/c360/wsfeed/supervisor"
)

// Log writes every event to a structured logger. Messages log their payload at
// the configured level; errors always log at warn.
type Log struct {
	logger *slog.Logger
	level  slog.Level
}

// NewLog creates a log sink. A nil logger uses slog.Default.
func NewLog(logger *slog.Logger, level slog.Level) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger, level: level}
}

// Emit implements supervisor.Sink
func (l *Log) Emit(event supervisor.Event, _ *supervisor.PendingReply) {
	attrs := []any{"event_id", event.ID, "attempt", event.Attempt}

	switch event.Kind {
	case supervisor.EventOpen:
		l.logger.Log(context.Background(), l.level, "Feed open", attrs...)
	case supervisor.EventMessage:
		if event.Payload != nil {
			attrs = append(attrs, "mode", event.Payload.Mode.String(), "data", event.Payload.String())
		}
		if event.Err != nil {
			l.logger.Warn("Feed message undecodable", append(attrs, "error", event.Err)...)
			return
		}
		l.logger.Log(context.Background(), l.level, "Feed message", attrs...)
	case supervisor.EventClose:
		attrs = append(attrs, "code", event.Code, "reason", event.Reason, "local", event.Local)
		l.logger.Log(context.Background(), l.level, "Feed closed", attrs...)
	case supervisor.EventError:
		l.logger.Warn("Feed error", append(attrs, "error", event.Err)...)
	}
}

var _ supervisor.Sink = (*Log)(nil)
