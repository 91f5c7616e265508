package diagserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"diagport/internal/diagproto"
	"diagport/internal/logging"
	"diagport/internal/streamfactory"
)

// ErrUnknownCommand is returned for commands the daemon does not implement.
var ErrUnknownCommand = errors.New("unknown diagnostic command")

// Handler serves one claimed stream and reports the command it carried.
// The server closes the stream after Serve returns.
type Handler interface {
	Serve(ctx context.Context, claim streamfactory.Claim) (command string, err error)
}

// InfoFunc supplies the payload of a process info response.
type InfoFunc func() diagproto.ProcessInfoPayload

// CommandHandler answers the diagproto command set.
type CommandHandler struct {
	info    InfoFunc
	timeout time.Duration
	logger  *slog.Logger
}

// NewCommandHandler builds a handler. timeout bounds the whole exchange on
// streams that support deadlines; zero disables it.
func NewCommandHandler(info InfoFunc, timeout time.Duration, logger *slog.Logger) *CommandHandler {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &CommandHandler{info: info, timeout: timeout, logger: logger}
}

type deadliner interface {
	SetDeadline(time.Time) error
}

// Serve reads a single command and writes its response.
func (h *CommandHandler) Serve(ctx context.Context, claim streamfactory.Claim) (string, error) {
	stream := claim.Stream
	if d, ok := stream.(deadliner); ok && h.timeout > 0 {
		deadline := time.Now().Add(h.timeout)
		if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
			deadline = ctxDeadline
		}
		_ = d.SetDeadline(deadline)
	}

	msg, err := diagproto.ReadMessage(stream)
	if err != nil {
		if errors.Is(err, diagproto.ErrBadHeader) {
			_ = diagproto.WriteMessage(stream, diagproto.Error(diagproto.CodeUnknownMagic))
		}
		return "", err
	}
	command := msg.Command()
	h.logger.Debug("diagnostic command received",
		logging.Endpoint(claim.Endpoint),
		logging.String(logging.FieldCommand, command),
		logging.Int("payload_bytes", len(msg.Payload)),
	)

	switch {
	case msg.Set == diagproto.SetServer && msg.ID == diagproto.ServerPing:
		return command, diagproto.WriteMessage(stream, diagproto.OK(nil))
	case msg.Set == diagproto.SetProcess && msg.ID == diagproto.ProcessInfo:
		if h.info == nil {
			_ = diagproto.WriteMessage(stream, diagproto.Error(diagproto.CodeInternal))
			return command, fmt.Errorf("process info unavailable")
		}
		resp, err := diagproto.EncodeInfo(h.info())
		if err != nil {
			_ = diagproto.WriteMessage(stream, diagproto.Error(diagproto.CodeInternal))
			return command, err
		}
		return command, diagproto.WriteMessage(stream, resp)
	default:
		if err := diagproto.WriteMessage(stream, diagproto.Error(diagproto.CodeUnknownCommand)); err != nil {
			return command, err
		}
		return command, fmt.Errorf("%w: %s", ErrUnknownCommand, command)
	}
}
