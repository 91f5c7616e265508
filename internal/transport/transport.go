package transport

import (
	"context"
	"errors"
	"io"
	"time"
)

// Mode selects whether an endpoint connects outward or accepts inbound peers.
type Mode int

const (
	ModeClient Mode = iota
	ModeServer
)

func (m Mode) String() string {
	switch m {
	case ModeClient:
		return "connect"
	case ModeServer:
		return "listen"
	default:
		return "unknown"
	}
}

// PollEvent is the per-handle result of a Poll call.
type PollEvent int

const (
	PollNone PollEvent = iota
	PollHangUp
	PollSignaled
	PollError
)

func (e PollEvent) String() string {
	switch e {
	case PollNone:
		return "none"
	case PollHangUp:
		return "hangup"
	case PollSignaled:
		return "signaled"
	case PollError:
		return "error"
	default:
		return "unknown"
	}
}

// PollInfinite blocks until at least one handle is signaled.
const PollInfinite time.Duration = -1

// ErrClosed is returned by operations on an endpoint after Close.
var ErrClosed = errors.New("endpoint closed")

// ErrWrongMode is returned when an operation does not apply to the endpoint's mode.
var ErrWrongMode = errors.New("operation not supported in endpoint mode")

// Stream is a connected byte stream. Whoever holds it owns it and must close it.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer
}

// Endpoint is a named transport object created once per configured port.
type Endpoint interface {
	Name() string
	Mode() Mode
	// Listen binds a server endpoint. Called once at creation.
	Listen() error
	// Connect dials the peer of a client endpoint.
	Connect() (Stream, error)
	// Accept takes the next pending connection of a server endpoint.
	Accept() (Stream, error)
	// Close releases the endpoint. graceful marks a process-wide shutdown.
	Close(graceful bool) error
}

// PollHandle is one entry of a poll set. Exactly one of Endpoint and Stream
// is set: listening endpoints are polled for pending connections, cached
// client streams for readable data or hang-up.
type PollHandle struct {
	Endpoint Endpoint
	Stream   Stream
	Events   PollEvent
}

// Transport creates endpoints and multiplexes them.
type Transport interface {
	Create(name string, mode Mode) (Endpoint, error)
	// SendAdvertise writes the advertise handshake on a freshly connected stream.
	SendAdvertise(s Stream) error
	// Poll blocks until a handle is signaled, the timeout elapses, or ctx is
	// done. It returns the number of handles whose Events is not PollNone.
	Poll(ctx context.Context, handles []PollHandle, timeout time.Duration) (int, error)
}
