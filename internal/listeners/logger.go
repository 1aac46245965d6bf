// Package listeners holds the stream listeners the router attaches to
// provider clients: logging, UI append, function-call dispatch, metrics and
// transcripts.
package listeners

import (
	"log/slog"
	"strings"

	"llmgateway/internal/core"
)

// Logger writes the stream to a slog.Logger: a begin marker on the first
// event, and the assembled text with an end marker on termination.
type Logger struct {
	logger  *slog.Logger
	started bool
	text    strings.Builder
	calls   strings.Builder
}

// NewLogger creates a logging listener for one stream.
func NewLogger(logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{logger: logger}
}

// OnNext implements broadcast.Listener.
func (l *Logger) OnNext(ev core.Incoming) {
	if !l.started {
		l.started = true
		l.logger.Debug("BEGIN stream")
	}
	switch ev.Type {
	case core.EventContent:
		l.text.WriteString(ev.Payload)
	case core.EventFunctionCall:
		l.calls.WriteString(ev.Payload)
	}
}

// OnError implements broadcast.Listener.
func (l *Logger) OnError(err error) {
	if core.IsCancellation(err) {
		l.logger.Info("END stream (cancelled)", "chars", l.text.Len())
		return
	}
	l.logger.Error("END stream (failed)", "error", err, "chars", l.text.Len())
}

// OnComplete implements broadcast.Listener.
func (l *Logger) OnComplete() {
	attrs := []any{"chars", l.text.Len()}
	if l.calls.Len() > 0 {
		attrs = append(attrs, "function_call", l.calls.String())
	}
	l.logger.Info("END stream", attrs...)
	l.logger.Debug("assistant text", "text", l.text.String())
}
