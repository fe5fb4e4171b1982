package telemetry

import "log/slog"

// Logger writes events to a slog.Logger. Hits and misses are logged at
// debug level, errors at warn.
type Logger struct {
	logger *slog.Logger
}

// NewLogger creates a Logger sink.
func NewLogger(logger *slog.Logger) *Logger {
	return &Logger{logger: logger}
}

// Emit logs e.
func (l *Logger) Emit(e Event) {
	attrs := []any{"kind", string(e.Kind)}
	if e.Kind != Eviction {
		attrs = append(attrs, "variant", e.Variant.String())
	}
	if e.Key != "" {
		attrs = append(attrs, "key", e.Key)
	}
	if e.Bytes != 0 {
		attrs = append(attrs, "bytes", e.Bytes)
	}
	if e.Duration != 0 {
		attrs = append(attrs, "duration", e.Duration)
	}

	switch e.Kind {
	case Error:
		attrs = append(attrs, "failure", string(e.Failure), "url", e.URL)
		if e.Err != nil {
			attrs = append(attrs, "error", e.Err)
		}
		// Missing sources are routine; everything else deserves attention.
		if e.Failure == FailureNotFound || e.Failure == FailureInvalidURL {
			l.logger.Debug("cache event", attrs...)
			return
		}
		l.logger.Warn("cache event", attrs...)
	case Eviction:
		l.logger.Info("cache event", attrs...)
	default:
		l.logger.Debug("cache event", attrs...)
	}
}
