package streamfactory

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"

	"diagport/internal/logging"
	"diagport/internal/transport"
)

// Factory owns the registry of diagnostic ports.
type Factory struct {
	transport transport.Transport
	policy    Policy
	logger    *slog.Logger
	observer  Observer

	mu       sync.RWMutex
	states   []ConnectionState
	shutdown atomic.Bool
}

// Option customizes a Factory.
type Option func(*Factory)

// WithPolicy overrides the reconnect backoff.
func WithPolicy(p Policy) Option {
	return func(f *Factory) { f.policy = p }
}

// WithLogger attaches a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Factory) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithObserver attaches loop instrumentation.
func WithObserver(o Observer) Option {
	return func(f *Factory) {
		if o != nil {
			f.observer = o
		}
	}
}

// New builds an empty factory over tr.
func New(tr transport.Transport, opts ...Option) (*Factory, error) {
	if tr == nil {
		return nil, fmt.Errorf("stream factory requires a transport")
	}
	f := &Factory{
		transport: tr,
		policy:    DefaultPolicy(),
		logger:    logging.NewNop(),
		observer:  nopObserver{},
	}
	for _, opt := range opts {
		opt(f)
	}
	if err := f.policy.Validate(); err != nil {
		return nil, fmt.Errorf("backoff policy: %w", err)
	}
	f.logger = logging.NewComponentLogger(f.logger, "streamfactory")
	return f, nil
}

// CreateServer registers a listen-mode port. On failure the endpoint is
// released and nothing is registered.
func (f *Factory) CreateServer(name string, onError ErrorFunc) error {
	if f.shutdown.Load() {
		return ErrShutdown
	}
	endpoint, err := f.transport.Create(name, transport.ModeServer)
	if err != nil {
		report(onError, fmt.Sprintf("create listen port %s", name), err)
		return fmt.Errorf("create listen port %s: %w", name, err)
	}
	if err := endpoint.Listen(); err != nil {
		endpoint.Close(false)
		report(onError, fmt.Sprintf("listen on %s", name), err)
		return fmt.Errorf("listen on %s: %w", name, err)
	}
	f.register(newServerState(endpoint))
	f.logger.Info("diagnostic port registered",
		logging.String(logging.FieldEventType, "port_registered"),
		logging.Endpoint(name),
		logging.EndpointMode(transport.ModeServer.String()),
	)
	return nil
}

// CreateClient registers a connect-mode port. The peer is dialed lazily by
// the multiplex loop.
func (f *Factory) CreateClient(name string, onError ErrorFunc) error {
	if f.shutdown.Load() {
		return ErrShutdown
	}
	endpoint, err := f.transport.Create(name, transport.ModeClient)
	if err != nil {
		report(onError, fmt.Sprintf("create connect port %s", name), err)
		return fmt.Errorf("create connect port %s: %w", name, err)
	}
	f.register(newClientState(endpoint, f.transport))
	f.logger.Info("diagnostic port registered",
		logging.String(logging.FieldEventType, "port_registered"),
		logging.Endpoint(name),
		logging.EndpointMode(transport.ModeClient.String()),
	)
	return nil
}

func (f *Factory) register(state ConnectionState) {
	f.mu.Lock()
	f.states = append(f.states, state)
	f.mu.Unlock()
}

func (f *Factory) snapshot() []ConnectionState {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]ConnectionState, len(f.states))
	copy(out, f.states)
	return out
}

// HasActiveConnections reports whether the factory is live and has ports.
func (f *Factory) HasActiveConnections() bool {
	if f.shutdown.Load() {
		return false
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.states) > 0
}

// IsShutdown reports whether Shutdown has been called.
func (f *Factory) IsShutdown() bool {
	return f.shutdown.Load()
}

// CloseConnections closes every port without marking the factory shut down.
// Registry entries stay in place.
func (f *Factory) CloseConnections(onError ErrorFunc) error {
	return f.closeAll(false, onError)
}

// Shutdown marks the factory shut down and closes every port gracefully.
// Repeated calls return immediately.
func (f *Factory) Shutdown(onError ErrorFunc) error {
	if !f.shutdown.CompareAndSwap(false, true) {
		return nil
	}
	f.logger.Info("stream factory shutting down",
		logging.String(logging.FieldEventType, "factory_shutdown"),
	)
	return f.closeAll(true, onError)
}

func (f *Factory) closeAll(graceful bool, onError ErrorFunc) error {
	var errs error
	for _, state := range f.snapshot() {
		if err := state.Close(graceful); err != nil {
			report(onError, fmt.Sprintf("close port %s", state.Name()), err)
			errs = multierr.Append(errs, fmt.Errorf("close port %s: %w", state.Name(), err))
		}
	}
	return errs
}

// Ports describes every registered port in registration order.
func (f *Factory) Ports() []PortInfo {
	states := f.snapshot()
	out := make([]PortInfo, 0, len(states))
	for _, state := range states {
		out = append(out, state.Describe())
	}
	return out
}
