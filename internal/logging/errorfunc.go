package logging

import "log/slog"

// ErrorFuncFor adapts logger into a failure callback of the shape the stream
// factory reports through. Reports are logged at debug level since transient
// connect failures repeat on every backoff pass.
func ErrorFuncFor(logger *slog.Logger) func(message string, code int) {
	if logger == nil {
		logger = NewNop()
	}
	return func(message string, code int) {
		logger.Debug(message,
			String(FieldEventType, "port_error"),
			Int(FieldErrorCode, code),
		)
	}
}
