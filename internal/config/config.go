package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains runtime and log directory configuration.
type Paths struct {
	// RuntimeDir holds the default listen socket, control socket, lock and pid files.
	RuntimeDir string `toml:"runtime_dir"`
	LogDir     string `toml:"log_dir"`
}

// Ports lists the diagnostic ports the daemon multiplexes.
type Ports struct {
	// DefaultListen registers a listen port named after the daemon pid in RuntimeDir.
	DefaultListen bool `toml:"default_listen"`
	// Endpoints uses the "address[,tag...]" grammar; see ParsePortSpec.
	Endpoints     []string `toml:"endpoints"`
	DialTimeoutMS int      `toml:"dial_timeout_ms"`
}

// Poll bounds the reconnect backoff of the multiplex loop.
type Poll struct {
	MinTimeoutMS  int     `toml:"min_timeout_ms"`
	MaxTimeoutMS  int     `toml:"max_timeout_ms"`
	FalloffFactor float64 `toml:"falloff_factor"`
	// ErrorPauseMS is how long the dispatcher waits after a poll error.
	ErrorPauseMS int `toml:"error_pause_ms"`
}

// Journal configures the sqlite session journal.
type Journal struct {
	Enabled       bool   `toml:"enabled"`
	Path          string `toml:"path"`
	RetentionDays int    `toml:"retention_days"`
}

// Metrics configures the HTTP listener serving /metrics and the status API.
type Metrics struct {
	Enabled bool   `toml:"enabled"`
	Bind    string `toml:"bind"`
	// Token, when set, is required as a bearer token on every route except /healthz.
	Token string `toml:"token"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`
}

// Config encapsulates all configuration values for diagport.
//
// Configuration sections by subsystem:
//   - Paths: runtime (sockets, lock, pid) and log directories
//   - Ports: diagnostic port endpoints and the default listen port
//   - Poll: reconnect backoff bounds for the multiplex loop
//   - Journal: sqlite session journal
//   - Metrics: prometheus endpoint
//   - Logging: log format, level, and retention
type Config struct {
	Paths   Paths   `toml:"paths"`
	Ports   Ports   `toml:"ports"`
	Poll    Poll    `toml:"poll"`
	Journal Journal `toml:"journal"`
	Metrics Metrics `toml:"metrics"`
	Logging Logging `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			var strict *toml.StrictMissingError
			if errors.As(err, &strict) {
				return nil, "", false, fmt.Errorf("parse config: %s", strict.String())
			}
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("diagport.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation. The
// runtime directory holds sockets and is created private to the user.
func (c *Config) EnsureDirectories() error {
	if err := os.MkdirAll(c.Paths.RuntimeDir, 0o700); err != nil {
		return fmt.Errorf("create directory %q: %w", c.Paths.RuntimeDir, err)
	}
	if err := os.MkdirAll(c.Paths.LogDir, 0o755); err != nil {
		return fmt.Errorf("create directory %q: %w", c.Paths.LogDir, err)
	}
	if c.Journal.Enabled {
		if err := os.MkdirAll(filepath.Dir(c.Journal.Path), 0o755); err != nil {
			return fmt.Errorf("create journal directory: %w", err)
		}
	}
	return nil
}

// PollBounds returns the multiplex loop backoff as durations.
func (c *Config) PollBounds() (minTimeout, maxTimeout time.Duration, falloff float64) {
	return time.Duration(c.Poll.MinTimeoutMS) * time.Millisecond,
		time.Duration(c.Poll.MaxTimeoutMS) * time.Millisecond,
		c.Poll.FalloffFactor
}

// ErrorPause is the dispatcher's wait after a poll error.
func (c *Config) ErrorPause() time.Duration {
	return time.Duration(c.Poll.ErrorPauseMS) * time.Millisecond
}

// DialTimeout bounds one connect attempt of a connect-mode port.
func (c *Config) DialTimeout() time.Duration {
	return time.Duration(c.Ports.DialTimeoutMS) * time.Millisecond
}

// ControlSocketPath is the JSON-RPC control socket of the daemon.
func (c *Config) ControlSocketPath() string {
	return filepath.Join(c.Paths.RuntimeDir, "diagport.sock")
}

// LockPath is the single-instance lock file.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.RuntimeDir, "diagportd.lock")
}

// PIDPath is the pid file written by a running daemon.
func (c *Config) PIDPath() string {
	return filepath.Join(c.Paths.RuntimeDir, "diagportd.pid")
}

// DefaultListenPath names the default listen port for a process. The start
// time disambiguates a recycled pid.
func (c *Config) DefaultListenPath(pid int, start time.Time) string {
	return filepath.Join(c.Paths.RuntimeDir, fmt.Sprintf("diagport-%d-%d-socket", pid, start.Unix()))
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

// SampleConfig returns the embedded sample configuration.
func SampleConfig() string {
	return sampleConfig
}
