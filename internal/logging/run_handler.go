package logging

import (
	"context"
	"log/slog"
)

// runHandler stamps every record with the daemon run id. Adding the attr at
// Handle time keeps it last on the line and present under any group.
type runHandler struct {
	base  slog.Handler
	runID string
}

func newRunHandler(base slog.Handler, runID string) slog.Handler {
	if base == nil {
		return NoopHandler{}
	}
	if runID == "" {
		return base
	}
	return &runHandler{base: base, runID: runID}
}

func (h *runHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.base.Enabled(ctx, level)
}

func (h *runHandler) Handle(ctx context.Context, record slog.Record) error {
	record.AddAttrs(slog.String(FieldRunID, h.runID))
	return h.base.Handle(ctx, record)
}

func (h *runHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &runHandler{base: h.base.WithAttrs(attrs), runID: h.runID}
}

func (h *runHandler) WithGroup(name string) slog.Handler {
	return &runHandler{base: h.base.WithGroup(name), runID: h.runID}
}
