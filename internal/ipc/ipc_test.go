package ipc_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"diagport/internal/daemon"
	"diagport/internal/ipc"
	"diagport/internal/logging"
	"diagport/internal/testsupport"
)

func TestIPCServerClient(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	j := testsupport.MustOpenJournal(t, cfg)
	logPath := filepath.Join(cfg.Paths.LogDir, "ipc-test.log")
	if err := os.MkdirAll(cfg.Paths.LogDir, 0o755); err != nil {
		t.Fatalf("mkdir log dir: %v", err)
	}
	if err := os.WriteFile(logPath, []byte("first\nsecond\nthird\n"), 0o644); err != nil {
		t.Fatalf("write log file: %v", err)
	}

	logger := logging.NewNop()
	d, err := daemon.New(cfg, logger, daemon.WithJournal(j), daemon.WithLogPath(logPath))
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	t.Cleanup(func() { d.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := d.Start(ctx); err != nil {
		testsupport.SkipIfSocketsDenied(t, err)
		t.Fatalf("daemon Start: %v", err)
	}

	stopped := make(chan struct{})
	srv, err := ipc.NewServer(ctx, cfg.ControlSocketPath(), d, logger, func() { close(stopped) })
	if err != nil {
		testsupport.SkipIfSocketsDenied(t, err)
		t.Fatalf("ipc.NewServer: %v", err)
	}
	srv.Serve()
	t.Cleanup(srv.Close)

	client, err := ipc.Dial(cfg.ControlSocketPath())
	if err != nil {
		t.Fatalf("ipc.Dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	status, err := client.Status()
	if err != nil {
		t.Fatalf("Status RPC failed: %v", err)
	}
	if !status.Running || status.Ports != 1 || status.JournalPath != cfg.Journal.Path {
		t.Fatalf("unexpected status %+v", status.Status)
	}

	ports, err := client.Ports()
	if err != nil {
		t.Fatalf("Ports RPC failed: %v", err)
	}
	if len(ports.Ports) != 1 || ports.Ports[0].Mode != "listen" || ports.Ports[0].Name != status.DefaultPort {
		t.Fatalf("unexpected ports %+v", ports.Ports)
	}

	if _, err := j.Begin(ctx, status.DefaultPort, "listen"); err != nil {
		t.Fatalf("seed journal: %v", err)
	}
	sessions, err := client.Sessions(5)
	if err != nil {
		t.Fatalf("Sessions RPC failed: %v", err)
	}
	if len(sessions.Sessions) != 1 || sessions.Sessions[0].Endpoint != status.DefaultPort {
		t.Fatalf("unexpected sessions %+v", sessions.Sessions)
	}
	if _, err := client.Sessions(-1); err == nil {
		t.Fatal("expected negative limit to be rejected")
	}

	tail, err := client.LogTail(ipc.LogTailRequest{Offset: -1, Limit: 2})
	if err != nil {
		t.Fatalf("LogTail failed: %v", err)
	}
	if len(tail.Lines) != 2 || tail.Lines[0] != "second" || tail.Lines[1] != "third" {
		t.Fatalf("unexpected log tail %#v", tail.Lines)
	}

	stopResp, err := client.Stop()
	if err != nil || !stopResp.Stopped {
		t.Fatalf("Stop RPC = %+v err=%v", stopResp, err)
	}
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("stop callback not invoked")
	}
	if d.Status(ctx).Running {
		t.Fatal("daemon still running after Stop RPC")
	}
}
