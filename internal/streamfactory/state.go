package streamfactory

import (
	"fmt"
	"sync"
	"time"

	"diagport/internal/transport"
)

// ConnectionState wraps one endpoint for the lifetime of the factory.
type ConnectionState interface {
	Name() string
	Mode() transport.Mode
	// PollHandle returns the handle to poll this pass. An error excludes the
	// state from the pass.
	PollHandle() (transport.PollHandle, error)
	// ConnectedStream transfers a ready stream to the caller. A nil stream
	// with a nil error means nothing is ready.
	ConnectedStream() (transport.Stream, error)
	// Reset drops any cached stream so the next pass reconnects.
	Reset()
	Close(graceful bool) error
	Describe() PortInfo
}

// PortInfo is a point-in-time view of a registered port.
type PortInfo struct {
	Name            string    `json:"name"`
	Mode            string    `json:"mode"`
	Cached          bool      `json:"cached"`
	Closed          bool      `json:"closed"`
	Claims          uint64    `json:"claims"`
	ConnectFailures uint64    `json:"connect_failures"`
	HangUps         uint64    `json:"hang_ups"`
	LastError       string    `json:"last_error,omitempty"`
	LastErrorAt     time.Time `json:"last_error_at,omitzero"`
}

type stats struct {
	claims    uint64
	failures  uint64
	hangUps   uint64
	lastErr   string
	lastErrAt time.Time
	closed    bool
}

func (s *stats) fail(err error) {
	s.failures++
	s.lastErr = err.Error()
	s.lastErrAt = time.Now()
}

func (s *stats) info(name string, mode transport.Mode, cached bool) PortInfo {
	return PortInfo{
		Name:            name,
		Mode:            mode.String(),
		Cached:          cached,
		Closed:          s.closed,
		Claims:          s.claims,
		ConnectFailures: s.failures,
		HangUps:         s.hangUps,
		LastError:       s.lastErr,
		LastErrorAt:     s.lastErrAt,
	}
}

// clientState dials its peer lazily and caches at most one stream.
type clientState struct {
	endpoint  transport.Endpoint
	transport transport.Transport

	mu     sync.Mutex
	stream transport.Stream
	stats  stats
}

func newClientState(endpoint transport.Endpoint, tr transport.Transport) *clientState {
	return &clientState{endpoint: endpoint, transport: tr}
}

func (c *clientState) Name() string { return c.endpoint.Name() }

func (c *clientState) Mode() transport.Mode { return transport.ModeClient }

func (c *clientState) PollHandle() (transport.PollHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stats.closed {
		return transport.PollHandle{}, transport.ErrClosed
	}
	if c.stream == nil {
		stream, err := c.endpoint.Connect()
		if err != nil {
			c.stats.fail(err)
			return transport.PollHandle{}, err
		}
		if err := c.transport.SendAdvertise(stream); err != nil {
			stream.Close()
			err = fmt.Errorf("advertise to %s: %w", c.endpoint.Name(), err)
			c.stats.fail(err)
			return transport.PollHandle{}, err
		}
		c.stream = stream
	}
	return transport.PollHandle{Stream: c.stream}, nil
}

func (c *clientState) ConnectedStream() (transport.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	stream := c.stream
	c.stream = nil
	if stream != nil {
		c.stats.claims++
	}
	return stream, nil
}

func (c *clientState) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream != nil {
		c.stream.Close()
		c.stream = nil
	}
	c.stats.hangUps++
}

func (c *clientState) Close(graceful bool) error {
	c.mu.Lock()
	c.stats.closed = true
	stream := c.stream
	c.stream = nil
	c.mu.Unlock()

	if stream != nil {
		stream.Close()
	}
	return c.endpoint.Close(graceful)
}

func (c *clientState) Describe() PortInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats.info(c.endpoint.Name(), transport.ModeClient, c.stream != nil)
}

// serverState accepts a fresh stream on every claim.
type serverState struct {
	endpoint transport.Endpoint

	mu    sync.Mutex
	stats stats
}

func newServerState(endpoint transport.Endpoint) *serverState {
	return &serverState{endpoint: endpoint}
}

func (s *serverState) Name() string { return s.endpoint.Name() }

func (s *serverState) Mode() transport.Mode { return transport.ModeServer }

func (s *serverState) PollHandle() (transport.PollHandle, error) {
	return transport.PollHandle{Endpoint: s.endpoint}, nil
}

func (s *serverState) ConnectedStream() (transport.Stream, error) {
	stream, err := s.endpoint.Accept()
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.stats.fail(err)
		return nil, err
	}
	s.stats.claims++
	return stream, nil
}

func (s *serverState) Reset() {
	s.mu.Lock()
	s.stats.hangUps++
	s.mu.Unlock()
}

func (s *serverState) Close(graceful bool) error {
	s.mu.Lock()
	s.stats.closed = true
	s.mu.Unlock()
	return s.endpoint.Close(graceful)
}

func (s *serverState) Describe() PortInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats.info(s.endpoint.Name(), transport.ModeServer, false)
}
