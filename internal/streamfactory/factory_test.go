package streamfactory

import (
	"context"
	"errors"
	"syscall"
	"testing"
	"time"

	"diagport/internal/transport"
)

func mustFactory(t *testing.T, tr transport.Transport) *Factory {
	t.Helper()
	f, err := New(tr)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return f
}

func TestClientClaimTransfersOwnership(t *testing.T) {
	tr := newFakeTransport()
	ep := tr.endpoint("peer")
	ep.reachable = true
	ep.mode = transport.ModeClient
	state := newClientState(ep, tr)

	handle, err := state.PollHandle()
	if err != nil {
		t.Fatalf("PollHandle: %v", err)
	}
	if handle.Stream == nil || handle.Endpoint != nil {
		t.Fatalf("expected stream handle, got %+v", handle)
	}
	if got := string(ep.connected[0].written); got != "ADVR_V1\x00" {
		t.Fatalf("expected advertise before caching, got %q", got)
	}
	if _, err := state.PollHandle(); err != nil || ep.connects != 1 {
		t.Fatalf("expected cached stream reuse, connects=%d err=%v", ep.connects, err)
	}

	first, _ := state.ConnectedStream()
	if first == nil {
		t.Fatal("expected cached stream on first claim")
	}
	second, _ := state.ConnectedStream()
	if second != nil {
		t.Fatal("expected nil on second claim")
	}
	if state.Describe().Cached {
		t.Fatal("state still reports a cached stream after claim")
	}
	state.Reset()
	if first.(*fakeStream).isClosed() {
		t.Fatal("Reset closed a stream the state no longer owns")
	}
}

func TestClientAdvertiseFailureClosesStream(t *testing.T) {
	tr := newFakeTransport()
	tr.advertiseErr = syscall.EPIPE
	ep := tr.endpoint("peer")
	ep.reachable = true
	state := newClientState(ep, tr)

	if _, err := state.PollHandle(); !errors.Is(err, syscall.EPIPE) {
		t.Fatalf("expected EPIPE, got %v", err)
	}
	if !ep.connected[0].isClosed() {
		t.Fatal("stream that failed the handshake was not closed")
	}
	info := state.Describe()
	if info.Cached || info.ConnectFailures != 1 || info.LastError == "" {
		t.Fatalf("unexpected port info %+v", info)
	}
}

func TestServerStateAcceptsPerClaim(t *testing.T) {
	tr := newFakeTransport()
	ep := tr.endpoint("listen")
	ep.pending = 2
	state := newServerState(ep)

	handle, err := state.PollHandle()
	if err != nil || handle.Endpoint == nil {
		t.Fatalf("expected endpoint handle, got %+v err=%v", handle, err)
	}
	for i := 0; i < 2; i++ {
		s, err := state.ConnectedStream()
		if err != nil || s == nil {
			t.Fatalf("claim %d: stream=%v err=%v", i, s, err)
		}
	}
	if _, err := state.ConnectedStream(); !errors.Is(err, syscall.EAGAIN) {
		t.Fatalf("expected EAGAIN with nothing pending, got %v", err)
	}
	if got := state.Describe().Claims; got != 2 {
		t.Fatalf("expected 2 claims, got %d", got)
	}
}

func TestCreateServerListenFailureRegistersNothing(t *testing.T) {
	tr := newFakeTransport()
	ep := tr.endpoint("busy")
	ep.listenErr = syscall.EADDRINUSE
	f := mustFactory(t, tr)

	var log errorLog
	err := f.CreateServer("busy", log.fn())
	if !errors.Is(err, syscall.EADDRINUSE) {
		t.Fatalf("expected EADDRINUSE, got %v", err)
	}
	if ep.closes != 1 || ep.graceful[0] {
		t.Fatalf("expected one non-graceful close, got %d %v", ep.closes, ep.graceful)
	}
	if f.HasActiveConnections() || len(f.Ports()) != 0 {
		t.Fatal("failed server was registered")
	}
	if len(log.codes) != 1 || log.codes[0] != int(syscall.EADDRINUSE) {
		t.Fatalf("unexpected error reports %v %v", log.messages, log.codes)
	}
}

func TestCreateClientIsLazy(t *testing.T) {
	tr := newFakeTransport()
	ep := tr.endpoint("peer")
	ep.reachable = true
	f := mustFactory(t, tr)

	if err := f.CreateClient("peer", nil); err != nil {
		t.Fatalf("CreateClient: %v", err)
	}
	if ep.connects != 0 {
		t.Fatalf("expected no connect at creation, got %d", ep.connects)
	}
	if !f.HasActiveConnections() {
		t.Fatal("expected active connections after registration")
	}

	tr.createErr = errors.New("no such path")
	if err := f.CreateClient("other", nil); err == nil {
		t.Fatal("expected create failure")
	}
	if got := len(f.Ports()); got != 1 {
		t.Fatalf("expected 1 registered port, got %d", got)
	}
}

func TestOneResultPerCall(t *testing.T) {
	tr := newFakeTransport()
	f := mustFactory(t, tr)
	names := []string{"c1", "c2", "c3"}
	for _, name := range names {
		ep := tr.endpoint(name)
		ep.reachable = true
		ep.readyOnConnect = true
		if err := f.CreateClient(name, nil); err != nil {
			t.Fatalf("CreateClient: %v", err)
		}
	}

	ctx := context.Background()
	for i, name := range names {
		s, err := f.GetNextAvailableStream(ctx, nil)
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		fs := s.(*fakeStream)
		if fs.endpoint != name || fs.seq != 1 {
			t.Fatalf("call %d: expected first stream of %s, got %s#%d", i, name, fs.endpoint, fs.seq)
		}
		if got := tr.endpoints[name].connects; got != 1 {
			t.Fatalf("call %d: %s connected %d times", i, name, got)
		}
		// Reconnects of an already claimed port come back idle.
		tr.endpoints[name].readyOnConnect = false
	}

	if tr.polls != 3 {
		t.Fatalf("expected one poll per call, got %d", tr.polls)
	}
	for i, timeout := range tr.timeouts {
		if timeout != Infinite {
			t.Fatalf("poll %d: expected infinite timeout, got %s", i, timeout)
		}
	}
}

func TestHangUpResetsAndForcesMinimum(t *testing.T) {
	tr := newFakeTransport()
	f := mustFactory(t, tr)
	client := tr.endpoint("client")
	client.reachable = true
	server := tr.endpoint("server")
	if err := f.CreateClient("client", nil); err != nil {
		t.Fatalf("CreateClient: %v", err)
	}
	if err := f.CreateServer("server", nil); err != nil {
		t.Fatalf("CreateServer: %v", err)
	}

	tr.beforePoll = func(poll int) {
		switch poll {
		case 1:
			client.connected[0].hangUp = true
			client.reachable = false
		case 3:
			server.pending = 1
		}
	}

	s, err := f.GetNextAvailableStream(context.Background(), nil)
	if err != nil {
		t.Fatalf("GetNextAvailableStream: %v", err)
	}
	if s.(*fakeStream).endpoint != "server" {
		t.Fatalf("expected server stream, got %s", s.(*fakeStream).endpoint)
	}
	if !client.connected[0].isClosed() {
		t.Fatal("hung-up stream was not released")
	}
	want := []time.Duration{Infinite, DefaultMinTimeout, 12500 * time.Microsecond}
	if len(tr.timeouts) != len(want) {
		t.Fatalf("expected %d polls, got %v", len(want), tr.timeouts)
	}
	for i := range want {
		if tr.timeouts[i] != want[i] {
			t.Fatalf("poll %d: expected %s, got %s", i, want[i], tr.timeouts[i])
		}
	}
	if info := f.Ports()[0]; info.Cached || info.HangUps != 1 {
		t.Fatalf("unexpected client info %+v", info)
	}
}

func TestPollErrorAbortsWithoutSideEffects(t *testing.T) {
	tr := newFakeTransport()
	f := mustFactory(t, tr)
	server := tr.endpoint("server")
	server.pollError = true
	client := tr.endpoint("client")
	client.reachable = true
	client.readyOnConnect = true
	if err := f.CreateServer("server", nil); err != nil {
		t.Fatalf("CreateServer: %v", err)
	}
	if err := f.CreateClient("client", nil); err != nil {
		t.Fatalf("CreateClient: %v", err)
	}

	s, err := f.GetNextAvailableStream(context.Background(), nil)
	if !errors.Is(err, ErrPollError) || s != nil {
		t.Fatalf("expected ErrPollError and no stream, got %v %v", s, err)
	}
	if server.closes != 0 || client.closes != 0 {
		t.Fatal("poll error closed a port")
	}
	if !f.Ports()[1].Cached || client.connected[0].isClosed() {
		t.Fatal("ready client stream should stay cached for the next call")
	}

	server.pollError = false
	s, err = f.GetNextAvailableStream(context.Background(), nil)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if s.(*fakeStream) != client.connected[0] {
		t.Fatal("retry did not return the cached client stream")
	}
}

func TestServerClientScenario(t *testing.T) {
	tr := newFakeTransport()
	f := mustFactory(t, tr)
	a := tr.endpoint("A")
	a.pending = 1
	b := tr.endpoint("B")
	if err := f.CreateServer("A", nil); err != nil {
		t.Fatalf("CreateServer: %v", err)
	}
	if err := f.CreateClient("B", nil); err != nil {
		t.Fatalf("CreateClient: %v", err)
	}

	var log errorLog
	ctx := context.Background()
	s, err := f.GetNextAvailableStream(ctx, log.fn())
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	if s.(*fakeStream).endpoint != "A" {
		t.Fatalf("expected accepted stream from A, got %s", s.(*fakeStream).endpoint)
	}
	if len(log.codes) == 0 || log.codes[0] != int(syscall.ECONNREFUSED) {
		t.Fatalf("expected connect failure report, got %v %v", log.messages, log.codes)
	}

	tr.beforePoll = func(poll int) {
		if poll == 7 {
			b.reachable = true
			b.readyOnConnect = true
		}
	}
	s, err = f.GetNextAvailableStream(ctx, log.fn())
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if fs := s.(*fakeStream); fs.endpoint != "B" || fs.seq != 1 {
		t.Fatalf("expected first stream of B, got %s#%d", fs.endpoint, fs.seq)
	}
	escalating := tr.timeouts[1:7]
	for i := 1; i < len(escalating); i++ {
		if escalating[i] <= escalating[i-1] {
			t.Fatalf("timeouts did not escalate: %v", escalating)
		}
	}
	if escalating[0] != DefaultMinTimeout {
		t.Fatalf("expected backoff to start at minimum, got %s", escalating[0])
	}
	if tr.timeouts[7] != Infinite {
		t.Fatalf("expected infinite timeout once B connected, got %s", tr.timeouts[7])
	}

	s, err = f.GetNextAvailableStream(ctx, nil)
	if err != nil {
		t.Fatalf("third call: %v", err)
	}
	if fs := s.(*fakeStream); fs.endpoint != "B" || fs.seq != 2 {
		t.Fatalf("expected second stream of B, got %s#%d", fs.endpoint, fs.seq)
	}
	if last := tr.timeouts[len(tr.timeouts)-1]; last != Infinite {
		t.Fatalf("expected infinite timeout with all ports healthy, got %s", last)
	}
}

func TestBackoffReachesMaximumInLoop(t *testing.T) {
	tr := newFakeTransport()
	f := mustFactory(t, tr)
	server := tr.endpoint("server")
	tr.endpoint("client")
	if err := f.CreateServer("server", nil); err != nil {
		t.Fatalf("CreateServer: %v", err)
	}
	if err := f.CreateClient("client", nil); err != nil {
		t.Fatalf("CreateClient: %v", err)
	}
	tr.beforePoll = func(poll int) {
		if poll == 30 {
			server.pending = 1
		}
	}

	if _, err := f.GetNextAvailableStream(context.Background(), nil); err != nil {
		t.Fatalf("GetNextAvailableStream: %v", err)
	}
	for i := 1; i < len(tr.timeouts); i++ {
		if tr.timeouts[i] < tr.timeouts[i-1] {
			t.Fatalf("timeout decreased at poll %d: %v", i, tr.timeouts)
		}
	}
	if last := tr.timeouts[len(tr.timeouts)-1]; last != DefaultMaxTimeout {
		t.Fatalf("expected timeout capped at %s, got %s", DefaultMaxTimeout, last)
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	tr := newFakeTransport()
	f := mustFactory(t, tr)
	a := tr.endpoint("a")
	b := tr.endpoint("b")
	if err := f.CreateServer("a", nil); err != nil {
		t.Fatalf("CreateServer: %v", err)
	}
	if err := f.CreateClient("b", nil); err != nil {
		t.Fatalf("CreateClient: %v", err)
	}
	a.onClose = func() {
		if f.HasActiveConnections() {
			t.Error("HasActiveConnections true while shutdown close pass runs")
		}
	}

	if err := f.Shutdown(nil); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := f.Shutdown(nil); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if a.closes != 1 || b.closes != 1 {
		t.Fatalf("expected exactly one close pass, got a=%d b=%d", a.closes, b.closes)
	}
	if !a.graceful[0] || !b.graceful[0] {
		t.Fatal("shutdown close should be graceful")
	}
	if _, err := f.GetNextAvailableStream(context.Background(), nil); !errors.Is(err, ErrShutdown) {
		t.Fatalf("expected ErrShutdown, got %v", err)
	}
	if err := f.CreateClient("c", nil); !errors.Is(err, ErrShutdown) {
		t.Fatalf("expected ErrShutdown from CreateClient, got %v", err)
	}
}

func TestShutdownDuringLoopStopsCall(t *testing.T) {
	tr := newFakeTransport()
	f := mustFactory(t, tr)
	tr.endpoint("client")
	if err := f.CreateClient("client", nil); err != nil {
		t.Fatalf("CreateClient: %v", err)
	}
	tr.beforePoll = func(poll int) {
		if poll == 2 {
			f.Shutdown(nil)
		}
	}
	if _, err := f.GetNextAvailableStream(context.Background(), nil); !errors.Is(err, ErrShutdown) {
		t.Fatalf("expected ErrShutdown, got %v", err)
	}
	if tr.polls != 2 {
		t.Fatalf("expected the loop to stop after shutdown, polls=%d", tr.polls)
	}
}

func TestCloseConnectionsKeepsRegistry(t *testing.T) {
	tr := newFakeTransport()
	f := mustFactory(t, tr)
	client := tr.endpoint("client")
	client.reachable = true
	tr.endpoint("server")
	if err := f.CreateClient("client", nil); err != nil {
		t.Fatalf("CreateClient: %v", err)
	}
	if err := f.CreateServer("server", nil); err != nil {
		t.Fatalf("CreateServer: %v", err)
	}

	if err := f.CloseConnections(nil); err != nil {
		t.Fatalf("CloseConnections: %v", err)
	}
	if !f.HasActiveConnections() || f.IsShutdown() {
		t.Fatal("CloseConnections must not touch the shutdown flag")
	}
	ports := f.Ports()
	if len(ports) != 2 || !ports[0].Closed || !ports[1].Closed {
		t.Fatalf("expected both ports closed but registered, got %+v", ports)
	}
	if client.graceful[0] {
		t.Fatal("CloseConnections should close non-gracefully")
	}
	if _, err := f.snapshot()[0].PollHandle(); !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("expected ErrClosed from closed client, got %v", err)
	}
}

func TestGetNextAvailableStreamPreconditions(t *testing.T) {
	tr := newFakeTransport()
	f := mustFactory(t, tr)
	if _, err := f.GetNextAvailableStream(context.Background(), nil); !errors.Is(err, ErrNoEndpoints) {
		t.Fatalf("expected ErrNoEndpoints, got %v", err)
	}

	tr.endpoint("client")
	if err := f.CreateClient("client", nil); err != nil {
		t.Fatalf("CreateClient: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.GetNextAvailableStream(ctx, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if tr.polls != 0 {
		t.Fatalf("expected no polls, got %d", tr.polls)
	}
}

func TestNewRejectsBadPolicy(t *testing.T) {
	if _, err := New(newFakeTransport(), WithPolicy(Policy{Min: time.Second, Max: time.Millisecond, Falloff: 2})); err == nil {
		t.Fatal("expected invalid policy to be rejected")
	}
	if _, err := New(nil); err == nil {
		t.Fatal("expected nil transport to be rejected")
	}
}

func TestNextClaimReportsSourcePort(t *testing.T) {
	tr := newFakeTransport()
	f := mustFactory(t, tr)
	if err := f.CreateServer("listen", nil); err != nil {
		t.Fatalf("CreateServer: %v", err)
	}
	tr.endpoint("listen").pending = 1

	claim, err := f.NextClaim(context.Background(), nil)
	if err != nil {
		t.Fatalf("NextClaim: %v", err)
	}
	if claim.Stream == nil || claim.Endpoint != "listen" || claim.Mode != transport.ModeServer {
		t.Fatalf("unexpected claim %+v", claim)
	}
}
