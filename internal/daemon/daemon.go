package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gofrs/flock"

	"diagport/internal/config"
	"diagport/internal/diagproto"
	"diagport/internal/diagserver"
	"diagport/internal/journal"
	"diagport/internal/logging"
	"diagport/internal/metrics"
	"diagport/internal/streamfactory"
	"diagport/internal/transport"
)

// Daemon owns the diagnostic port registry and the dispatcher serving it.
type Daemon struct {
	cfg     *config.Config
	logger  *slog.Logger
	journal *journal.Journal
	metrics *metrics.Collector
	clock   clock.Clock
	runID   string
	logPath string

	lockPath string
	lock     *flock.Flock

	mu          sync.Mutex
	transport   *transport.Unix
	factory     *streamfactory.Factory
	server      *diagserver.Server
	http        *httpServer
	defaultPort string
	startedAt   time.Time
	cancel      context.CancelFunc
	done        chan struct{}

	running atomic.Bool
}

// Status represents daemon runtime information.
type Status struct {
	Running        bool             `json:"running"`
	PID            int              `json:"pid"`
	RunID          string           `json:"run_id,omitempty"`
	StartedAt      time.Time        `json:"started_at,omitzero"`
	LockFilePath   string           `json:"lock_path"`
	ControlSocket  string           `json:"control_socket"`
	DefaultPort    string           `json:"default_port,omitempty"`
	LogPath        string           `json:"log_path,omitempty"`
	JournalPath    string           `json:"journal_path,omitempty"`
	JournalCount   int              `json:"journal_sessions"`
	MetricsAddress string           `json:"metrics_address,omitempty"`
	Ports          int              `json:"ports"`
	Sessions       diagserver.Stats `json:"sessions"`
	ShuttingDown   bool             `json:"shutting_down"`
}

// Option customizes a Daemon.
type Option func(*Daemon)

// WithJournal records served sessions in j. The daemon closes j on Close.
func WithJournal(j *journal.Journal) Option {
	return func(d *Daemon) { d.journal = j }
}

// WithRunID tags logs and process info with the runtime's run identifier.
func WithRunID(id string) Option {
	return func(d *Daemon) { d.runID = id }
}

// WithLogPath records where the runtime writes the daemon log.
func WithLogPath(path string) Option {
	return func(d *Daemon) { d.logPath = path }
}

// WithClock replaces the wall clock.
func WithClock(clk clock.Clock) Option {
	return func(d *Daemon) {
		if clk != nil {
			d.clock = clk
		}
	}
}

// New constructs a daemon. Nothing is registered until Start.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Daemon, error) {
	if cfg == nil || logger == nil {
		return nil, errors.New("daemon requires config and logger")
	}
	lockPath := cfg.LockPath()
	d := &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		metrics:  metrics.New(true),
		clock:    clock.New(),
		lockPath: lockPath,
		lock:     flock.New(lockPath),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Start acquires the daemon lock, registers every configured port, and
// launches the dispatcher.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running.Load() {
		return errors.New("daemon already running")
	}
	if err := d.cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("ensure directories: %w", err)
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another diagport daemon instance is already running")
	}

	if err := d.startLocked(ctx); err != nil {
		_ = d.lock.Unlock()
		return err
	}
	d.running.Store(true)
	d.logger.Info("diagport daemon started",
		logging.String(logging.FieldEventType, "daemon_start"),
		logging.String("lock", d.lockPath),
		logging.Int("ports", len(d.factory.Ports())),
	)
	return nil
}

func (d *Daemon) startLocked(ctx context.Context) error {
	pid := os.Getpid()
	tr, err := transport.NewUnix(transport.UnixOptions{
		PID:              uint64(pid),
		DialTimeout:      d.cfg.DialTimeout(),
		HandshakeTimeout: d.cfg.DialTimeout(),
	})
	if err != nil {
		return fmt.Errorf("create transport: %w", err)
	}

	minTimeout, maxTimeout, falloff := d.cfg.PollBounds()
	factory, err := streamfactory.New(tr,
		streamfactory.WithPolicy(streamfactory.Policy{Min: minTimeout, Max: maxTimeout, Falloff: falloff}),
		streamfactory.WithLogger(d.logger),
		streamfactory.WithObserver(d.metrics),
	)
	if err != nil {
		_ = tr.Close()
		return fmt.Errorf("create stream factory: %w", err)
	}

	d.startedAt = d.clock.Now()
	if err := d.registerPorts(factory, pid); err != nil {
		_ = factory.Shutdown(nil)
		_ = tr.Close()
		return err
	}
	d.metrics.SetPorts(len(factory.Ports()))

	opts := diagserver.Options{
		Sessions:   d.metrics,
		Logger:     d.logger,
		Clock:      d.clock,
		ErrorPause: d.cfg.ErrorPause(),
	}
	if d.journal != nil {
		opts.Recorder = d.journal
		d.PruneJournal(ctx)
	}
	handler := diagserver.NewCommandHandler(d.processInfo, d.cfg.DialTimeout(), d.logger)
	server, err := diagserver.New(factory, handler, opts)
	if err != nil {
		_ = factory.Shutdown(nil)
		_ = tr.Close()
		return err
	}

	if d.cfg.Metrics.Enabled {
		d.http = newHTTPServer(d.cfg, d, d.logger)
		if err := d.http.start(); err != nil {
			_ = factory.Shutdown(nil)
			_ = tr.Close()
			d.http = nil
			return err
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.transport, d.factory, d.server = tr, factory, server
	d.cancel = cancel
	d.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		if err := server.Run(runCtx); err != nil {
			logging.ErrorWithContext(d.logger, "dispatcher stopped", "dispatcher_failed", logging.Error(err))
		}
	}(d.done)
	return nil
}

// registerPorts adds the default listen port first and then every configured
// endpoint. Individual failures are logged and skipped.
func (d *Daemon) registerPorts(factory *streamfactory.Factory, pid int) error {
	onError := logging.ErrorFuncFor(d.logger)
	if d.cfg.Ports.DefaultListen {
		path := d.cfg.DefaultListenPath(pid, d.startedAt)
		if err := factory.CreateServer(path, onError); err != nil {
			logging.WarnWithContext(d.logger, "default listen port unavailable", "port_register_failed",
				logging.Endpoint(path),
				logging.String(logging.FieldErrorHint, "check permissions on the runtime directory"),
				logging.String(logging.FieldImpact, "tools cannot discover this daemon by pid"),
				logging.Error(err),
			)
		} else {
			d.defaultPort = path
		}
	}

	specs, err := d.cfg.PortSpecs()
	if err != nil {
		return fmt.Errorf("parse ports: %w", err)
	}
	for _, spec := range specs {
		if len(spec.Ignored) > 0 {
			d.logger.Info("ignoring unknown port tags",
				logging.Endpoint(spec.Address),
				logging.Any("tags", spec.Ignored),
			)
		}
		var regErr error
		if spec.Mode == config.PortListen {
			regErr = factory.CreateServer(spec.Address, onError)
		} else {
			regErr = factory.CreateClient(spec.Address, onError)
		}
		if regErr != nil {
			logging.WarnWithContext(d.logger, "diagnostic port not registered", "port_register_failed",
				logging.Endpoint(spec.Address),
				logging.EndpointMode(string(spec.Mode)),
				logging.String(logging.FieldErrorHint, "check the address and that no other process owns it"),
				logging.String(logging.FieldImpact, "tools using this port cannot attach"),
				logging.Error(regErr),
			)
			continue
		}
		d.logger.Debug("diagnostic port registered",
			logging.Endpoint(spec.Address),
			logging.EndpointMode(string(spec.Mode)),
			logging.Bool("suspend", spec.Suspend),
		)
	}

	if !factory.HasActiveConnections() {
		return errors.New("no diagnostic ports could be registered")
	}
	return nil
}

// PruneJournal removes finished sessions older than the configured retention.
func (d *Daemon) PruneJournal(ctx context.Context) {
	days := d.cfg.Journal.RetentionDays
	if d.journal == nil || days <= 0 {
		return
	}
	removed, err := d.journal.Prune(ctx, time.Duration(days)*24*time.Hour)
	if err != nil {
		d.logger.Warn("session journal prune failed", logging.Error(err))
		return
	}
	if removed > 0 {
		d.logger.Info("session journal pruned",
			logging.Int64("removed_count", removed),
			logging.Int("retention_days", days),
		)
	}
}

func (d *Daemon) processInfo() diagproto.ProcessInfoPayload {
	exe, _ := os.Executable()
	info := diagproto.ProcessInfoPayload{
		PID:        uint64(os.Getpid()),
		Executable: exe,
		Args:       append([]string(nil), os.Args...),
		RunID:      d.runID,
	}
	d.mu.Lock()
	tr, factory := d.transport, d.factory
	info.StartedAt = d.startedAt
	d.mu.Unlock()
	if tr != nil {
		info.Cookie = tr.Cookie().String()
	}
	if factory != nil {
		for _, port := range factory.Ports() {
			info.Ports = append(info.Ports, port.Name)
		}
	}
	return info
}

// Stop shuts the factory down, waits for the dispatcher, and releases the
// daemon lock.
func (d *Daemon) Stop() {
	d.mu.Lock()
	if !d.running.Load() {
		d.mu.Unlock()
		return
	}
	factory, tr, cancel, done, httpSrv := d.factory, d.transport, d.cancel, d.done, d.http
	d.mu.Unlock()

	if err := factory.Shutdown(logging.ErrorFuncFor(d.logger)); err != nil {
		d.logger.Warn("diagnostic port shutdown reported errors", logging.Error(err))
	}
	cancel()
	<-done
	if err := tr.Close(); err != nil {
		d.logger.Warn("transport close failed", logging.Error(err))
	}
	httpSrv.stop()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}

	d.mu.Lock()
	d.cancel = nil
	d.http = nil
	d.running.Store(false)
	d.mu.Unlock()
	d.logger.Info("diagport daemon stopped", logging.String(logging.FieldEventType, "daemon_stop"))
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	d.Stop()
	if d.journal != nil {
		return d.journal.Close()
	}
	return nil
}

// Done is closed once the dispatcher exits, for example after every port has
// been closed. It is nil before the first Start.
func (d *Daemon) Done() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.done
}

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) Status {
	d.mu.Lock()
	status := Status{
		Running:       d.running.Load(),
		PID:           os.Getpid(),
		RunID:         d.runID,
		StartedAt:     d.startedAt,
		LockFilePath:  d.lockPath,
		ControlSocket: d.cfg.ControlSocketPath(),
		DefaultPort:   d.defaultPort,
		LogPath:       d.logPath,
	}
	factory, server, httpSrv := d.factory, d.server, d.http
	d.mu.Unlock()

	if factory != nil {
		status.Ports = len(factory.Ports())
		status.ShuttingDown = factory.IsShutdown()
	}
	if server != nil {
		status.Sessions = server.Stats()
	}
	if httpSrv != nil {
		status.MetricsAddress = httpSrv.address()
	}
	if d.journal != nil {
		status.JournalPath = d.journal.Path()
		if n, err := d.journal.Count(ctx); err == nil {
			status.JournalCount = n
		}
	}
	return status
}

// Ports returns a snapshot of every registered port.
func (d *Daemon) Ports() []streamfactory.PortInfo {
	d.mu.Lock()
	factory := d.factory
	d.mu.Unlock()
	if factory == nil {
		return nil
	}
	return factory.Ports()
}

// Sessions lists recent journal entries, newest first.
func (d *Daemon) Sessions(ctx context.Context, limit int) ([]journal.Session, error) {
	if d.journal == nil {
		return nil, errors.New("session journal disabled")
	}
	return d.journal.List(ctx, limit)
}

// LogPath returns the path to the daemon log file.
func (d *Daemon) LogPath() string {
	return d.logPath
}

// Metrics exposes the collector for tests and the HTTP listener.
func (d *Daemon) Metrics() *metrics.Collector { return d.metrics }
