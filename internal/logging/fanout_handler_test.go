package logging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

type failingHandler struct{ err error }

func (h failingHandler) Enabled(context.Context, slog.Level) bool  { return true }
func (h failingHandler) Handle(context.Context, slog.Record) error { return h.err }
func (h failingHandler) WithAttrs([]slog.Attr) slog.Handler        { return h }
func (h failingHandler) WithGroup(string) slog.Handler             { return h }

func TestNewFanoutHandlerCollapses(t *testing.T) {
	if _, ok := newFanoutHandler(nil, nil).(NoopHandler); !ok {
		t.Fatal("expected NoopHandler when every handler is nil")
	}
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, nil)
	if h := newFanoutHandler(nil, inner, nil); h != inner {
		t.Fatal("expected single non-nil handler to be returned unwrapped")
	}
}

func TestFanoutHandlerRoutesByLevel(t *testing.T) {
	var infoBuf, debugBuf bytes.Buffer
	infoHandler := slog.NewJSONHandler(&infoBuf, &slog.HandlerOptions{Level: slog.LevelInfo})
	debugHandler := slog.NewJSONHandler(&debugBuf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(newFanoutHandler(infoHandler, debugHandler))

	logger.Debug("poll pass", slog.Int(FieldPollPass, 3))
	if infoBuf.Len() != 0 {
		t.Fatal("info handler received a debug record")
	}
	if !strings.Contains(debugBuf.String(), `"poll_pass":3`) {
		t.Fatalf("debug handler missing record: %s", debugBuf.String())
	}

	logger.With(FieldEndpoint, "/tmp/a.sock").WithGroup("port").Info("registered", "mode", "listen")
	for name, buf := range map[string]*bytes.Buffer{"info": &infoBuf, "debug": &debugBuf} {
		out := buf.String()
		if !strings.Contains(out, `"endpoint":"/tmp/a.sock"`) || !strings.Contains(out, `"port":{"mode":"listen"}`) {
			t.Fatalf("%s handler lost attrs or group: %s", name, out)
		}
	}
}

func TestFanoutHandlerCombinesErrors(t *testing.T) {
	errA := errors.New("disk full")
	errB := errors.New("pipe closed")
	h := newFanoutHandler(failingHandler{errA}, failingHandler{errB})

	err := h.Handle(context.Background(), slog.NewRecord(time.Now(), slog.LevelInfo, "msg", 0))
	if !errors.Is(err, errA) || !errors.Is(err, errB) {
		t.Fatalf("expected both handler errors, got %v", err)
	}
}
