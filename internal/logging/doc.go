// Package logging assembles the structured slog loggers used by the
// diagnostics-port daemon and its CLI.
//
// It owns the console and JSON handlers, level and output plumbing, and the
// standardized field keys (component, endpoint, event_type, ...) every package
// logs with. Console output is colorized only when the destination is a
// terminal. The package also provides a no-op logger for tests and an adapter
// that turns a logger into the stream factory's error callback.
package logging
