// Package daemonrun hosts the diagportd process lifecycle: logging, the pid
// file, the session journal, the daemon, and the control socket.
package daemonrun

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"diagport/internal/config"
	"diagport/internal/daemon"
	"diagport/internal/ipc"
	"diagport/internal/journal"
	"diagport/internal/logging"
)

const (
	logPointerName = "diagportd.log"
	pruneInterval  = time.Hour
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel    string
	Development bool
	// Diagnostic writes a second, JSON log at debug level next to the
	// operator log.
	Diagnostic bool
}

// Run starts the diagport daemon and blocks until a signal arrives, a Stop
// request is served, or the dispatcher exits because no ports remain.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("ensure directories: %w", err)
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	clk := clock.New()
	runID := uuid.NewString()
	stamp := clk.Now().UTC().Format("20060102T150405.000Z")
	logPath := filepath.Join(cfg.Paths.LogDir, fmt.Sprintf("diagportd-%s.log", stamp))

	level := opts.LogLevel
	if level == "" {
		level = cfg.Logging.Level
	}
	var debugPath string
	if opts.Diagnostic {
		debugPath = filepath.Join(cfg.Paths.LogDir, fmt.Sprintf("diagportd-%s.debug.log", stamp))
	}
	logger, err := logging.New(logging.Options{
		Level:            level,
		Format:           cfg.Logging.Format,
		OutputPaths:      []string{"stdout", logPath},
		ErrorOutputPaths: []string{"stderr", logPath},
		Development:      opts.Development,
		RunID:            runID,
		DebugPath:        debugPath,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	if err := ensureCurrentLogPointer(cfg.Paths.LogDir, logPath); err != nil {
		fmt.Fprintf(os.Stderr, "warn: unable to update %s link: %v\n", logPointerName, err)
	}
	logging.CleanupOldLogs(logger, clk, cfg.Logging.RetentionDays,
		logging.RetentionTarget{Dir: cfg.Paths.LogDir, Pattern: "diagportd-*.log", Exclude: []string{logPath, debugPath}},
	)
	logConfigSnapshot(logger, cfg)

	var daemonOpts []daemon.Option
	daemonOpts = append(daemonOpts,
		daemon.WithRunID(runID),
		daemon.WithLogPath(logPath),
		daemon.WithClock(clk),
	)
	if cfg.Journal.Enabled {
		j, err := journal.Open(cfg.Journal.Path, journal.WithClock(clk))
		if err != nil {
			logger.Error("open session journal", logging.Error(err))
			return err
		}
		daemonOpts = append(daemonOpts, daemon.WithJournal(j))
	}

	d, err := daemon.New(cfg, logger, daemonOpts...)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}
	defer d.Close()

	if err := d.Start(signalCtx); err != nil {
		logging.ErrorWithContext(logger, "daemon start failed", "daemon_start_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the configured ports and that no other diagportd is running"),
		)
		return err
	}

	pidPath := cfg.PIDPath()
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	runCtx, stopRun := context.WithCancel(signalCtx)
	defer stopRun()

	ipcServer, err := ipc.NewServer(runCtx, cfg.ControlSocketPath(), d, logger, stopRun)
	if err != nil {
		return fmt.Errorf("start IPC server: %w", err)
	}
	defer ipcServer.Close()
	ipcServer.Serve()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-d.Done():
			logger.Info("dispatcher exited; no diagnostic ports remain")
			stopRun()
		}
		return nil
	})
	if cfg.Journal.Enabled {
		g.Go(func() error {
			ticker := clk.Ticker(pruneInterval)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					d.PruneJournal(gctx)
				}
			}
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("diagport daemon shutting down", logging.String(logging.FieldEventType, "daemon_shutdown"))
	return nil
}

func ensureCurrentLogPointer(logDir, target string) error {
	if logDir == "" || target == "" {
		return nil
	}
	current := filepath.Join(logDir, logPointerName)
	if err := os.Remove(current); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove existing log pointer: %w", err)
	}
	if err := os.Symlink(target, current); err == nil {
		return nil
	}
	if err := os.Link(target, current); err != nil {
		return fmt.Errorf("link log pointer: %w", err)
	}
	return nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}

// ReadPID returns the pid recorded by a running daemon.
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse pid file %s: %w", path, err)
	}
	return pid, nil
}

func logConfigSnapshot(logger *slog.Logger, cfg *config.Config) {
	if logger == nil || cfg == nil {
		return
	}
	minTimeout, maxTimeout, falloff := cfg.PollBounds()
	logger.Info("configuration snapshot",
		logging.String(logging.FieldEventType, "config_snapshot"),
		logging.String("runtime_dir", cfg.Paths.RuntimeDir),
		logging.Bool("default_listen", cfg.Ports.DefaultListen),
		logging.Int("endpoints", len(cfg.Ports.Endpoints)),
		logging.Duration("poll_min", minTimeout),
		logging.Duration("poll_max", maxTimeout),
		logging.Float64("poll_falloff", falloff),
		logging.Bool("journal_enabled", cfg.Journal.Enabled),
		logging.Bool("metrics_enabled", cfg.Metrics.Enabled),
	)
}
