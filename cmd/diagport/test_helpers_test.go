package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"diagport/internal/config"
	"diagport/internal/daemon"
	"diagport/internal/ipc"
	"diagport/internal/logging"
	"diagport/internal/testsupport"
)

type cliTestEnv struct {
	cfg        *config.Config
	daemon     *daemon.Daemon
	server     *ipc.Server
	socketPath string
	configPath string
	logPath    string
}

func isolateEnvironment(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	for _, key := range []string{"DIAGPORT_PORTS", "DIAGPORT_RUNTIME_DIR", "DIAGPORT_DEFAULT_LISTEN"} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func setupCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()
	isolateEnvironment(t)

	cfg := testsupport.NewConfig(t)
	configPath := filepath.Join(testsupport.BaseDir(cfg), "config.toml")
	writeTestConfig(t, configPath, cfg)

	logPath := filepath.Join(cfg.Paths.LogDir, "diagportd-test.log")
	if err := os.MkdirAll(cfg.Paths.LogDir, 0o755); err != nil {
		t.Fatalf("mkdir log dir: %v", err)
	}
	if err := os.WriteFile(logPath, []byte("alpha\nbravo\ncharlie\n"), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}

	j := testsupport.MustOpenJournal(t, cfg)
	logger := logging.NewNop()
	d, err := daemon.New(cfg, logger, daemon.WithJournal(j), daemon.WithLogPath(logPath))
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := d.Start(ctx); err != nil {
		cancel()
		d.Close()
		testsupport.SkipIfSocketsDenied(t, err)
		t.Fatalf("daemon Start: %v", err)
	}

	srv, err := ipc.NewServer(ctx, cfg.ControlSocketPath(), d, logger, nil)
	if err != nil {
		cancel()
		d.Close()
		testsupport.SkipIfSocketsDenied(t, err)
		t.Fatalf("ipc.NewServer: %v", err)
	}
	srv.Serve()

	t.Cleanup(func() {
		cancel()
		srv.Close()
		d.Close()
	})

	return &cliTestEnv{
		cfg:        cfg,
		daemon:     d,
		server:     srv,
		socketPath: cfg.ControlSocketPath(),
		configPath: configPath,
		logPath:    logPath,
	}
}

func runCLI(t *testing.T, args []string, socket, configPath string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	var flags []string
	if socket != "" {
		flags = append(flags, "--socket", socket)
	}
	if configPath != "" {
		flags = append(flags, "--config", configPath)
	}
	cmd.SetArgs(append(flags, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func writeTestConfig(t *testing.T, path string, cfg *config.Config) {
	t.Helper()
	endpoints := make([]string, 0, len(cfg.Ports.Endpoints))
	for _, entry := range cfg.Ports.Endpoints {
		endpoints = append(endpoints, strconv.Quote(entry))
	}
	content := fmt.Sprintf(
		"[paths]\nruntime_dir = %q\nlog_dir = %q\n\n[ports]\ndefault_listen = %t\nendpoints = [%s]\n\n[journal]\npath = %q\n",
		cfg.Paths.RuntimeDir,
		cfg.Paths.LogDir,
		cfg.Ports.DefaultListen,
		strings.Join(endpoints, ", "),
		cfg.Journal.Path,
	)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}
