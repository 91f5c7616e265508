package testsupport

import (
	"path/filepath"
	"testing"

	"diagport/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// The runtime directory is kept short so socket paths stay within the
// sun_path limit.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.RuntimeDir = SocketDir(t)
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Journal.Path = filepath.Join(base, "logs", "sessions.db")
	cfgVal.Metrics.Bind = "127.0.0.1:0"
	cfgVal.Poll.ErrorPauseMS = 10

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}
	for _, opt := range opts {
		opt(builder)
	}
	return builder.cfg
}

// WithEndpoints sets the configured port entries.
func WithEndpoints(entries ...string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Ports.Endpoints = append([]string(nil), entries...)
	}
}

// WithoutDefaultListen disables the pid-named listen port.
func WithoutDefaultListen() ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Ports.DefaultListen = false
	}
}

// WithMetrics enables the HTTP listener on an ephemeral port.
func WithMetrics(token string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Metrics.Enabled = true
		b.cfg.Metrics.Token = token
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.LogDir)
}
