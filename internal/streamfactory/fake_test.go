package streamfactory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"time"

	"diagport/internal/transport"
)

type fakeStream struct {
	endpoint string
	seq      int

	mu      sync.Mutex
	ready   bool
	hangUp  bool
	closed  bool
	written []byte
}

func (s *fakeStream) Read([]byte) (int, error) { return 0, errors.New("not implemented") }

func (s *fakeStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.written = append(s.written, p...)
	return len(p), nil
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeEndpoint struct {
	name string
	mode transport.Mode
	tr   *fakeTransport

	reachable      bool
	readyOnConnect bool
	listenErr      error
	pending        int
	pollError      bool
	onClose        func()

	connects  int
	accepts   int
	closes    int
	graceful  []bool
	connected []*fakeStream
}

func (e *fakeEndpoint) Name() string         { return e.name }
func (e *fakeEndpoint) Mode() transport.Mode { return e.mode }
func (e *fakeEndpoint) Listen() error        { return e.listenErr }

func (e *fakeEndpoint) Connect() (transport.Stream, error) {
	if !e.reachable {
		return nil, fmt.Errorf("dial %s: %w", e.name, syscall.ECONNREFUSED)
	}
	e.connects++
	s := &fakeStream{endpoint: e.name, seq: e.connects, ready: e.readyOnConnect}
	e.connected = append(e.connected, s)
	return s, nil
}

func (e *fakeEndpoint) Accept() (transport.Stream, error) {
	if e.pending == 0 {
		return nil, fmt.Errorf("accept %s: %w", e.name, syscall.EAGAIN)
	}
	e.pending--
	e.accepts++
	return &fakeStream{endpoint: e.name, seq: e.accepts}, nil
}

func (e *fakeEndpoint) Close(graceful bool) error {
	if e.onClose != nil {
		e.onClose()
	}
	e.closes++
	e.graceful = append(e.graceful, graceful)
	return nil
}

// fakeTransport scripts endpoint behaviour and records every poll timeout.
type fakeTransport struct {
	endpoints    map[string]*fakeEndpoint
	advertiseErr error
	createErr    error
	// beforePoll runs at the start of each poll with the 1-based poll count.
	beforePoll func(poll int)
	maxPolls   int

	polls    int
	timeouts []time.Duration
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{endpoints: map[string]*fakeEndpoint{}, maxPolls: 200}
}

func (t *fakeTransport) endpoint(name string) *fakeEndpoint {
	ep, ok := t.endpoints[name]
	if !ok {
		ep = &fakeEndpoint{name: name, tr: t}
		t.endpoints[name] = ep
	}
	return ep
}

func (t *fakeTransport) Create(name string, mode transport.Mode) (transport.Endpoint, error) {
	if t.createErr != nil {
		return nil, t.createErr
	}
	ep := t.endpoint(name)
	ep.mode = mode
	return ep, nil
}

func (t *fakeTransport) SendAdvertise(s transport.Stream) error {
	if t.advertiseErr != nil {
		return t.advertiseErr
	}
	_, err := s.Write([]byte("ADVR_V1\x00"))
	return err
}

func (t *fakeTransport) Poll(ctx context.Context, handles []transport.PollHandle, timeout time.Duration) (int, error) {
	t.polls++
	t.timeouts = append(t.timeouts, timeout)
	if t.polls > t.maxPolls {
		return 0, fmt.Errorf("fake transport: poll limit %d exceeded", t.maxPolls)
	}
	if t.beforePoll != nil {
		t.beforePoll(t.polls)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	signaled := 0
	for i := range handles {
		handles[i].Events = transport.PollNone
		switch {
		case handles[i].Stream != nil:
			s := handles[i].Stream.(*fakeStream)
			s.mu.Lock()
			switch {
			case s.hangUp:
				handles[i].Events = transport.PollHangUp
			case s.ready:
				handles[i].Events = transport.PollSignaled
			}
			s.mu.Unlock()
		case handles[i].Endpoint != nil:
			ep := handles[i].Endpoint.(*fakeEndpoint)
			switch {
			case ep.pollError:
				handles[i].Events = transport.PollError
			case ep.pending > 0:
				handles[i].Events = transport.PollSignaled
			}
		}
		if handles[i].Events != transport.PollNone {
			signaled++
		}
	}
	if signaled == 0 && timeout == Infinite {
		return 0, errors.New("fake transport: infinite poll with nothing signaled")
	}
	return signaled, nil
}

type errorLog struct {
	messages []string
	codes    []int
}

func (l *errorLog) fn() ErrorFunc {
	return func(message string, code int) {
		l.messages = append(l.messages, message)
		l.codes = append(l.codes, code)
	}
}
