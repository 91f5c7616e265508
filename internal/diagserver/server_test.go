//go:build unix

package diagserver

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"diagport/internal/diagproto"
	"diagport/internal/journal"
	"diagport/internal/streamfactory"
	"diagport/internal/transport"
)

type recordedSession struct {
	endpoint, mode, command string
	outcome                 journal.Outcome
	errMsg                  string
}

type memoryRecorder struct {
	mu       sync.Mutex
	sessions []recordedSession
}

func (r *memoryRecorder) Begin(_ context.Context, endpoint, mode string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = append(r.sessions, recordedSession{endpoint: endpoint, mode: mode, outcome: journal.OutcomeOpen})
	return int64(len(r.sessions)), nil
}

func (r *memoryRecorder) Finish(_ context.Context, id int64, command string, outcome journal.Outcome, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := &r.sessions[id-1]
	s.command, s.outcome, s.errMsg = command, outcome, errMsg
	return nil
}

func (r *memoryRecorder) snapshot() []recordedSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedSession(nil), r.sessions...)
}

type outcomeCounter struct {
	mu       sync.Mutex
	outcomes map[string]int
}

func (c *outcomeCounter) SessionServed(_ string, outcome string, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.outcomes == nil {
		c.outcomes = map[string]int{}
	}
	c.outcomes[outcome]++
}

func newListenFactory(t *testing.T) (*streamfactory.Factory, string) {
	t.Helper()
	dir, err := os.MkdirTemp("", "dps")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	tr, err := transport.NewUnix(transport.UnixOptions{PID: 9})
	if err != nil {
		t.Fatalf("NewUnix: %v", err)
	}
	f, err := streamfactory.New(tr)
	if err != nil {
		t.Fatalf("streamfactory.New: %v", err)
	}
	t.Cleanup(func() {
		f.Shutdown(nil)
		tr.Close()
	})

	path := filepath.Join(dir, "d.sock")
	if err := f.CreateServer(path, nil); err != nil {
		if strings.Contains(err.Error(), "operation not permitted") {
			t.Skipf("skipping unix socket test: %v", err)
		}
		t.Fatalf("CreateServer: %v", err)
	}
	return f, path
}

func roundTrip(t *testing.T, path string, req diagproto.Message) diagproto.Message {
	t.Helper()
	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	if err := diagproto.WriteMessage(conn, req); err != nil {
		t.Fatalf("write: %v", err)
	}
	resp, err := diagproto.ReadMessage(conn)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return resp
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRunServesSessionsUntilCancelled(t *testing.T) {
	f, path := newListenFactory(t)
	rec := &memoryRecorder{}
	counter := &outcomeCounter{}
	handler := NewCommandHandler(func() diagproto.ProcessInfoPayload {
		return diagproto.ProcessInfoPayload{PID: 9}
	}, time.Second, nil)
	srv, err := New(f, handler, Options{Recorder: rec, Sessions: counter, ErrorPause: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	info, err := diagproto.DecodeInfo(roundTrip(t, path, diagproto.InfoRequest()))
	if err != nil || info.PID != 9 {
		t.Fatalf("process info = %+v, err=%v", info, err)
	}
	resp := roundTrip(t, path, diagproto.Message{Set: 0x20, ID: 0x01})
	if code, ok := diagproto.ErrorCode(resp); !ok || code != diagproto.CodeUnknownCommand {
		t.Fatalf("expected unknown command error, got %s", resp.Command())
	}

	waitFor(t, "two sessions", func() bool {
		st := srv.Stats()
		return st.Served == 1 && st.Failed == 1
	})

	sessions := rec.snapshot()
	if len(sessions) != 2 {
		t.Fatalf("expected 2 journal rows, got %+v", sessions)
	}
	if sessions[0].endpoint != path || sessions[0].mode != "listen" || sessions[0].command != "process/info" || sessions[0].outcome != journal.OutcomeOK {
		t.Fatalf("unexpected first session %+v", sessions[0])
	}
	if sessions[1].outcome != journal.OutcomeFailed || sessions[1].errMsg == "" {
		t.Fatalf("unexpected second session %+v", sessions[1])
	}
	counter.mu.Lock()
	if counter.outcomes["ok"] != 1 || counter.outcomes["failed"] != 1 {
		t.Fatalf("unexpected outcome counts %v", counter.outcomes)
	}
	counter.mu.Unlock()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}

func TestRunStopsOnShutdown(t *testing.T) {
	f, _ := newListenFactory(t)
	srv, err := New(f, NewCommandHandler(nil, 0, nil), Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- srv.Run(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	if err := f.Shutdown(nil); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after shutdown")
	}
}

func TestRunReturnsWithoutPorts(t *testing.T) {
	tr, err := transport.NewUnix(transport.UnixOptions{})
	if err != nil {
		t.Fatalf("NewUnix: %v", err)
	}
	defer tr.Close()
	f, _ := streamfactory.New(tr)
	srv, _ := New(f, NewCommandHandler(nil, 0, nil), Options{})
	if err := srv.Run(context.Background()); err != nil {
		t.Fatalf("Run with no ports: %v", err)
	}
	if _, err := New(nil, nil, Options{}); err == nil {
		t.Fatal("expected New to reject missing collaborators")
	}
}
